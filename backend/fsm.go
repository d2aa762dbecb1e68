// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/hashicorp/raft"
)

var ErrConflict = errors.New("conflict detected")

const (
	nodesFile  = "nodes.json"
	policyFile = "sys_access_policy"
)

// FSM applies committed raft entries to the match store.
type FSM struct {
	ms      *MatchStore
	r       *Registry
	hm      *HubManager
	storage *storage.Storage
	rm      *RaftManager

	nodeMap          sync.Map // map[string]*NodeMeta
	lastAppliedIndex atomic.Uint64
}

// NewFSM creates a new FSM. s holds cluster metadata (node addresses and the
// access policy) and may be nil in tests.
func NewFSM(ms *MatchStore, r *Registry, hm *HubManager, s *storage.Storage) *FSM {
	f := &FSM{
		ms:      ms,
		r:       r,
		hm:      hm,
		storage: s,
	}
	if s != nil {
		f.loadNodes()
		var policy UserAccessPolicy
		if err := s.ReadDataFile(policyFile, &policy); err == nil {
			r.UpdateAccessPolicy(&policy)
		}
	}
	return f
}

// LastAppliedIndex returns the index of the last applied log entry.
func (f *FSM) LastAppliedIndex() uint64 {
	return f.lastAppliedIndex.Load()
}

func (f *FSM) loadNodes() {
	var nodes map[string]*NodeMeta
	if err := f.storage.ReadDataFile(nodesFile, &nodes); err != nil {
		if !os.IsNotExist(err) {
			log.Printf("FSM Error: failed to read %s: %v", nodesFile, err)
		}
		return
	}
	for k, v := range nodes {
		f.nodeMap.Store(k, v)
	}
}

func (f *FSM) allNodes() map[string]*NodeMeta {
	nodes := make(map[string]*NodeMeta)
	f.nodeMap.Range(func(k, v any) bool {
		nodes[k.(string)] = v.(*NodeMeta)
		return true
	})
	return nodes
}

func (f *FSM) saveNodes() {
	if f.storage == nil {
		return
	}
	if err := f.storage.SaveDataFile(nodesFile, f.allNodes()); err != nil {
		log.Printf("FSM Error: failed to save %s: %v", nodesFile, err)
	}
}

// GetNodeMeta returns what is known about a node, or nil.
func (f *FSM) GetNodeMeta(nodeID string) *NodeMeta {
	if val, ok := f.nodeMap.Load(nodeID); ok {
		return val.(*NodeMeta)
	}
	return nil
}

// GetNodeAddr returns the HTTP address of a node.
func (f *FSM) GetNodeAddr(nodeID string) string {
	if meta := f.GetNodeMeta(nodeID); meta != nil {
		return meta.HttpAddr
	}
	return ""
}

// Apply applies a Raft log entry to the match store.
func (f *FSM) Apply(l *raft.Log) interface{} {
	if len(l.Data) == 0 {
		return nil
	}
	var cmd RaftCommand
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		log.Printf("FSM Apply Error: failed to decode command: %v", err)
		return err
	}
	res := f.applyCommand(cmd, l.Index)
	f.lastAppliedIndex.Store(l.Index)
	return res
}

func (f *FSM) applyCommand(cmd RaftCommand, index uint64) interface{} {
	switch cmd.Type {
	case CmdApplyAction:
		if cmd.Action == nil {
			return fmt.Errorf("missing action payload")
		}
		return f.applyActions(cmd.Action.MatchID, cmd.Action.Actions, index)
	case CmdDeleteMatch:
		return f.applyDeleteMatch(cmd.ID, cmd.Timestamp)
	case CmdNodeMeta:
		if cmd.NodeMeta == nil {
			return fmt.Errorf("missing node meta")
		}
		f.nodeMap.Store(cmd.NodeMeta.NodeID, cmd.NodeMeta)
		f.saveNodes()
		return nil
	case CmdUpdateAccessPolicy:
		if cmd.PolicyData == nil {
			return fmt.Errorf("missing policy data")
		}
		return f.applyUpdateAccessPolicy(cmd.PolicyData)
	default:
		return fmt.Errorf("unknown command type: %s", cmd.Type)
	}
}

func (f *FSM) applyActions(matchId string, actions []json.RawMessage, index uint64) error {
	start := time.Now()
	m, err := f.ms.LoadMatchOrEmpty(matchId)
	if err != nil && !errors.Is(err, os.ErrNotExist) && !errors.Is(err, ErrSchemaVersion) {
		return fmt.Errorf("failed to load match %s: %w", matchId, err)
	}
	if index > 0 && index <= m.LastRaftIndex {
		return nil // Already applied
	}
	if m.Status == StatusDeleted {
		return fmt.Errorf("%w: match %s is deleted", ErrConflict, matchId)
	}
	if len(m.ActionLog) == 0 && !startsMatch(actions) {
		return fmt.Errorf("%w: match %s not started", ErrConflict, matchId)
	}

	before := len(m.ActionLog)
	if _, err := ApplyActions(m, actions); err != nil {
		return err
	}
	m.LastRaftIndex = index
	if err := f.ms.SaveMatchInMemory(m, f.rm == nil); err != nil {
		return err
	}

	applied := m.ActionLog[before:]
	f.r.UpdateMatch(m)
	if f.hm == nil || len(applied) == 0 {
		return nil
	}
	f.hm.afterApply(m, applied, time.Since(start))
	data, err := json.Marshal(m)
	if err != nil {
		log.Printf("FSM Error: failed to marshal match %s for broadcast: %v", matchId, err)
		return nil
	}
	f.hm.BroadcastToMatch(matchId, data, len(applied))
	return nil
}

func startsMatch(actions []json.RawMessage) bool {
	for _, raw := range actions {
		var a BaseAction
		if json.Unmarshal(raw, &a) == nil && a.Type == ActionMatchStart {
			return true
		}
	}
	return false
}

func (f *FSM) applyDeleteMatch(id string, ts int64) error {
	m, err := f.ms.LoadMatch(id)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if m.Status == StatusDeleted {
		return nil
	}
	if ts == 0 {
		ts = time.Now().UnixNano()
	}
	if err := f.ms.saveTombstone(id, m.OwnerID, ts); err != nil {
		return err
	}
	f.r.DeleteMatch(id)
	if f.hm != nil {
		f.hm.EvictMatch(id)
	}
	return nil
}

func (f *FSM) applyUpdateAccessPolicy(policy *UserAccessPolicy) error {
	if f.storage != nil {
		if err := f.storage.SaveDataFile(policyFile, policy); err != nil {
			return fmt.Errorf("failed to save access policy: %w", err)
		}
	}
	f.r.UpdateAccessPolicy(policy)
	return nil
}

// fsmSnapshotData is the JSON document written to a raft snapshot.
type fsmSnapshotData struct {
	Index   uint64               `json:"index"`
	Matches []json.RawMessage    `json:"matches"`
	Policy  *UserAccessPolicy    `json:"policy,omitempty"`
	Nodes   map[string]*NodeMeta `json:"nodes"`
}

// FSMSnapshot is a point-in-time copy of every match.
type FSMSnapshot struct {
	data fsmSnapshotData
}

// Persist saves the snapshot to the given sink.
func (s *FSMSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s.data); err != nil {
		sink.Cancel()
		return fmt.Errorf("snapshot encode: %w", err)
	}
	return sink.Close()
}

// Release releases the snapshot.
func (s *FSMSnapshot) Release() {}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	if err := f.ms.FlushAll(); err != nil {
		log.Printf("FSM Snapshot Error: flushing matches failed: %v", err)
		return nil, err
	}
	data := fsmSnapshotData{
		Index:   f.LastAppliedIndex(),
		Matches: make([]json.RawMessage, 0),
		Policy:  f.r.GetAccessPolicy(),
		Nodes:   f.allNodes(),
	}
	for m, err := range f.ms.ListAllMatches() {
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(m)
		if err != nil {
			return nil, err
		}
		data.Matches = append(data.Matches, b)
	}
	log.Printf("FSM: Snapshot of %d matches at index %d", len(data.Matches), data.Index)
	return &FSMSnapshot{data: data}, nil
}

// Restore replaces the match store with the contents of a snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var data fsmSnapshotData
	if err := json.NewDecoder(rc).Decode(&data); err != nil {
		return fmt.Errorf("snapshot decode: %w", err)
	}

	keep := make(map[string]bool, len(data.Matches))
	for _, raw := range data.Matches {
		var m Match
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("snapshot match: %w", err)
		}
		m.normalize()
		if err := f.ms.SaveMatch(&m); err != nil {
			return err
		}
		keep[m.ID] = true
		if f.hm != nil {
			f.hm.EvictMatch(m.ID)
		}
	}
	ids, err := f.ms.ListAllMatchIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if keep[id] {
			continue
		}
		if err := f.ms.PurgeMatch(id); err != nil {
			return err
		}
		if f.hm != nil {
			f.hm.EvictMatch(id)
		}
	}

	f.nodeMap.Clear()
	for k, v := range data.Nodes {
		f.nodeMap.Store(k, v)
	}
	f.saveNodes()
	if data.Policy != nil {
		if err := f.applyUpdateAccessPolicy(data.Policy); err != nil {
			return err
		}
	}
	f.lastAppliedIndex.Store(data.Index)
	f.r.Rebuild()
	log.Printf("FSM: Restored %d matches from snapshot at index %d", len(data.Matches), data.Index)
	return nil
}

// FlushAll writes every dirty match to disk.
func (f *FSM) FlushAll() error {
	return f.ms.FlushAll()
}
