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

	"github.com/ttbt-io/wicketkeeper/backend/cricket"
)

var (
	ErrMatchStarted    = fmt.Errorf("%w: match already started", ErrConflict)
	ErrMatchIDMismatch = errors.New("MATCH_START id does not match the match")
	ErrUndoNotAllowed  = errors.New("match setup actions cannot be undone")
)

// Permissions defines access control for a match.
type Permissions struct {
	Public string            `json:"public"` // "none", "read"
	Users  map[string]string `json:"users"`  // "email": "read"|"write"
}

// Match is the full match record as stored on disk. State is derived from
// ActionLog and is kept alongside it so readers don't have to replay.
type Match struct {
	ID            string             `json:"id"`
	SchemaVersion int                `json:"schemaVersion"`
	Date          string             `json:"date,omitempty"`
	Venue         string             `json:"venue,omitempty"`
	Team1         string             `json:"team1,omitempty"`
	Team2         string             `json:"team2,omitempty"`
	Status        string             `json:"status"`
	OwnerID       string             `json:"ownerId"`
	Permissions   Permissions        `json:"permissions,omitempty"`
	ActionLog     []json.RawMessage  `json:"actionLog,omitempty"`
	LastActionID  string             `json:"lastActionId,omitempty"`
	State         cricket.MatchState `json:"state"`

	// DeletedAt is the timestamp (Unix Nano) when the match was deleted.
	DeletedAt int64 `json:"deletedAt,omitempty"`

	// LastRaftIndex is the index of the last raft log entry applied to this
	// match. Used for idempotency during log replay.
	LastRaftIndex uint64 `json:"lastRaftIndex,omitempty"`
}

// NewEmptyMatch returns a match with no actions. Its state is the empty
// match the engine starts from.
func NewEmptyMatch(id string) *Match {
	m := &Match{
		ID:            id,
		SchemaVersion: CurrentSchemaVersion,
		Status:        StatusLive,
		State:         cricket.NewMatch(0, cricket.Rules{}),
	}
	m.normalize()
	return m
}

// NewMatchFromActions builds a match by applying the actions in order. An
// empty id is taken from the first MATCH_START.
func NewMatchFromActions(id string, actions []json.RawMessage) (*Match, error) {
	if id == "" {
		for _, raw := range actions {
			var a BaseAction
			if json.Unmarshal(raw, &a) != nil || a.Type != ActionMatchStart {
				continue
			}
			var p MatchStartPayload
			if err := json.Unmarshal(a.Payload, &p); err == nil {
				id = p.ID
			}
			break
		}
	}
	m := NewEmptyMatch(id)
	if _, err := ApplyActions(m, actions); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Match) normalize() {
	if m.SchemaVersion == 0 {
		m.SchemaVersion = CurrentSchemaVersion
	}
	if m.Permissions.Users == nil {
		m.Permissions.Users = make(map[string]string)
	}
	if m.ActionLog == nil {
		m.ActionLog = make([]json.RawMessage, 0)
	}
	if m.State.Current.CompletedOvers == nil || m.State.Current.CurrentOverBalls == nil {
		m.State = m.replay()
	}
}

// Clone returns a deep enough copy of m for a hub to apply to. The action log
// slice is copied; its elements are never modified in place.
func (m *Match) Clone() *Match {
	c := *m
	c.ActionLog = append(make([]json.RawMessage, 0, len(m.ActionLog)+1), m.ActionLog...)
	c.Permissions.Users = make(map[string]string, len(m.Permissions.Users))
	for k, v := range m.Permissions.Users {
		c.Permissions.Users[k] = v
	}
	return &c
}

// Metadata returns the fields needed for indexing.
func (m *Match) Metadata() *MatchMetadata {
	return &MatchMetadata{
		ID:          m.ID,
		OwnerID:     m.OwnerID,
		Permissions: m.Permissions,
		Team1:       m.Team1,
		Team2:       m.Team2,
		Venue:       m.Venue,
		Date:        m.Date,
		Status:      m.Status,
		DeletedAt:   m.DeletedAt,
	}
}

// ApplyActions appends multiple actions to the match.
func ApplyActions(m *Match, actions []json.RawMessage) (bool, error) {
	anyChanged := false
	for _, raw := range actions {
		changed, err := ApplyAction(m, raw)
		if err != nil {
			return anyChanged, err
		}
		if changed {
			anyChanged = true
		}
	}
	return anyChanged, nil
}

// ApplyAction appends an action to the match, updates metadata and advances
// the scoring state. It assumes validation and authorization have already
// been performed. Returns true if the action was applied, false if it was a
// duplicate.
func ApplyAction(m *Match, raw json.RawMessage) (bool, error) {
	var action BaseAction
	if err := json.Unmarshal(raw, &action); err != nil {
		return false, fmt.Errorf("failed to unmarshal action for apply: %w", err)
	}

	// Duplicates come from client retries, so only the tail is scanned.
	const maxScan = 100
	for i, count := len(m.ActionLog)-1, 0; i >= 0 && count < maxScan; i, count = i-1, count+1 {
		var existing BaseAction
		if err := json.Unmarshal(m.ActionLog[i], &existing); err == nil {
			if existing.ID == action.ID {
				return false, nil
			}
		}
	}

	switch action.Type {
	case ActionMatchStart:
		var p MatchStartPayload
		if err := json.Unmarshal(action.Payload, &p); err != nil {
			return false, fmt.Errorf("MATCH_START payload: %w", err)
		}
		if p.ID != m.ID {
			return false, fmt.Errorf("%w: %s", ErrMatchIDMismatch, p.ID)
		}
		if len(m.ActionLog) > 0 || m.OwnerID != "" {
			return false, ErrMatchStarted
		}
		m.OwnerID = p.OwnerID
		m.Date = p.Date
		m.Venue = p.Venue
		m.Team1 = p.Team1
		m.Team2 = p.Team2
		m.Permissions = p.Permissions
		if m.Permissions.Users == nil {
			m.Permissions.Users = make(map[string]string)
		}
	case ActionUndo:
		var p struct {
			RefId string `json:"refId"`
		}
		if err := json.Unmarshal(action.Payload, &p); err == nil && isSetupAction(actionTypeOf(m.ActionLog, p.RefId)) {
			return false, ErrUndoNotAllowed
		}
	case ActionMatchMetadataUpdate:
		var p struct {
			Venue       *string      `json:"venue"`
			Date        *string      `json:"date"`
			Team1       *string      `json:"team1"`
			Team2       *string      `json:"team2"`
			Permissions *Permissions `json:"permissions"`
		}
		if err := json.Unmarshal(action.Payload, &p); err == nil {
			if p.Venue != nil {
				m.Venue = *p.Venue
			}
			if p.Date != nil {
				m.Date = *p.Date
			}
			if p.Team1 != nil {
				m.Team1 = *p.Team1
			}
			if p.Team2 != nil {
				m.Team2 = *p.Team2
			}
			if p.Permissions != nil {
				m.Permissions = *p.Permissions
			}
		}
	}

	m.ActionLog = append(m.ActionLog, raw)
	m.LastActionID = action.ID

	if action.Type == ActionUndo {
		m.State = m.replay()
	} else if ev, ok := eventFor(action); ok {
		m.State = cricket.Apply(m.State, ev)
	}
	m.updateStatus()
	return true, nil
}

// isSetupAction reports whether actions of type t change the match record
// rather than the score. They cannot be undone.
func isSetupAction(t string) bool {
	return t == ActionMatchStart || t == ActionMatchMetadataUpdate
}

// actionTypeOf returns the type of the action with the given id, or "".
func actionTypeOf(log []json.RawMessage, id string) string {
	for i := len(log) - 1; i >= 0; i-- {
		var a BaseAction
		if json.Unmarshal(log[i], &a) == nil && a.ID == id {
			return a.Type
		}
	}
	return ""
}

func (m *Match) updateStatus() {
	if m.Status == StatusDeleted {
		return
	}
	if m.State.Complete {
		m.Status = StatusComplete
	} else {
		m.Status = StatusLive
	}
}

// eventFor translates an action into an engine event. Metadata and undo
// actions have no event.
func eventFor(action BaseAction) (cricket.Event, bool) {
	switch action.Type {
	case ActionMatchStart:
		var p MatchStartPayload
		if err := json.Unmarshal(action.Payload, &p); err != nil {
			return cricket.Event{}, false
		}
		rules := p.Rules()
		return cricket.Event{Type: cricket.EventStart, Overs: p.Overs, Rules: &rules}, true
	case ActionDelivery:
		var p struct {
			Runs int `json:"runs"`
		}
		if err := json.Unmarshal(action.Payload, &p); err != nil {
			return cricket.Event{}, false
		}
		return cricket.Event{Type: cricket.EventDelivery, Runs: p.Runs}, true
	case ActionWicketArm:
		return cricket.Event{Type: cricket.EventArmWicket}, true
	case ActionWicketDisarm:
		return cricket.Event{Type: cricket.EventDisarmWicket}, true
	case ActionExtraArm:
		var p struct {
			Kind cricket.ExtraKind `json:"kind"`
		}
		if err := json.Unmarshal(action.Payload, &p); err != nil {
			return cricket.Event{}, false
		}
		return cricket.Event{Type: cricket.EventArmExtra, Extra: p.Kind}, true
	case ActionExtraDisarm:
		return cricket.Event{Type: cricket.EventDisarmExtra}, true
	case ActionCompleteInnings:
		return cricket.Event{Type: cricket.EventCompleteInnings}, true
	case ActionResetMatch:
		return cricket.Event{Type: cricket.EventResetMatch}, true
	case ActionSetMaxOvers:
		var p struct {
			Overs int `json:"overs"`
		}
		if err := json.Unmarshal(action.Payload, &p); err != nil {
			return cricket.Event{}, false
		}
		return cricket.Event{Type: cricket.EventSetMaxOvers, Overs: p.Overs}, true
	}
	return cricket.Event{}, false
}

// replay derives the scoring state from the action log. An UNDO removes its
// target from the replay; undoing an UNDO restores the target.
func (m *Match) replay() cricket.MatchState {
	actions := make([]BaseAction, 0, len(m.ActionLog))
	for _, raw := range m.ActionLog {
		var a BaseAction
		if err := json.Unmarshal(raw, &a); err != nil {
			continue
		}
		actions = append(actions, a)
	}

	undone := make(map[string]bool)
	for i := len(actions) - 1; i >= 0; i-- {
		a := actions[i]
		if a.Type != ActionUndo || undone[a.ID] {
			continue
		}
		var p struct {
			RefId string `json:"refId"`
		}
		if err := json.Unmarshal(a.Payload, &p); err == nil {
			undone[p.RefId] = true
		}
	}

	events := make([]cricket.Event, 0, len(actions))
	for _, a := range actions {
		if undone[a.ID] {
			continue
		}
		if ev, ok := eventFor(a); ok {
			events = append(events, ev)
		}
	}
	return cricket.Replay(0, cricket.Rules{}, events)
}

// MatchSummary is the compact view of a match used in listings, websocket
// state pushes and published updates.
type MatchSummary struct {
	ID       string        `json:"id"`
	Date     string        `json:"date"`
	Venue    string        `json:"venue"`
	Team1    string        `json:"team1"`
	Team2    string        `json:"team2"`
	Status   string        `json:"status"`
	Phase    cricket.Phase `json:"phase"`
	Score    string        `json:"score"`
	Overs    string        `json:"overs"`
	Target   *int          `json:"target,omitempty"`
	Result   string        `json:"result,omitempty"`
	Revision string        `json:"revision"`
	OwnerID  string        `json:"ownerId"`
}

// Summary returns the compact view of the match.
func (m *Match) Summary() MatchSummary {
	s := m.State
	return MatchSummary{
		ID:       m.ID,
		Date:     m.Date,
		Venue:    m.Venue,
		Team1:    m.Team1,
		Team2:    m.Team2,
		Status:   m.Status,
		Phase:    s.Phase(),
		Score:    fmt.Sprintf("%d/%d", s.Current.Runs, s.Current.Wickets),
		Overs:    s.Current.Overs(),
		Target:   s.Target,
		Result:   s.Result().Describe(m.Team1, m.Team2),
		Revision: m.LastActionID,
		OwnerID:  m.OwnerID,
	}
}
