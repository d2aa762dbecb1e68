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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ttbt-io/wicketkeeper/backend/cricket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024

	// Maximum number of actions accepted in one request.
	maxBatchSize = 100

	hubIdleTimeout = 5 * time.Minute
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host
	},
}

// Message types for WebSocket communication
const (
	MsgTypeJoin       = "JOIN"
	MsgTypeAck        = "ACK"
	MsgTypeAction     = "ACTION"
	MsgTypeState      = "STATE"
	MsgTypeSyncUpdate = "SYNC_UPDATE"
	MsgTypeConflict   = "CONFLICT"
	MsgTypeError      = "ERROR"
	MsgTypePing       = "PING"
	MsgTypePong       = "PONG"
)

// Message is the envelope for websocket frames and HTTP action requests.
type Message struct {
	Type         string              `json:"type"`
	MatchId      string              `json:"matchId,omitempty"`
	LastRevision string              `json:"lastRevision,omitempty"`
	BaseRevision string              `json:"baseRevision,omitempty"`
	Action       json.RawMessage     `json:"action,omitempty"`
	Actions      []json.RawMessage   `json:"actions,omitempty"`
	State        *cricket.MatchState `json:"state,omitempty"`
	Summary      *MatchSummary       `json:"summary,omitempty"`
	Error        string              `json:"error,omitempty"`
}

// batch returns the actions carried by msg, whichever field they are in.
func (msg Message) batch() []json.RawMessage {
	if len(msg.Actions) > 0 {
		return msg.Actions
	}
	if len(msg.Action) > 0 {
		return []json.RawMessage{msg.Action}
	}
	return nil
}

// HubRequest types
const (
	ReqTypeWSJoin     = "WS_JOIN"
	ReqTypeHTTPLoad   = "HTTP_LOAD"
	ReqTypeHTTPAction = "HTTP_ACTION"
	ReqTypeBroadcast  = "BROADCAST"
	ReqTypeEvict      = "EVICT"
)

// HubRequest is a unit of work for a Hub goroutine.
type HubRequest struct {
	Type       string
	Client     *wsClient   // WS_JOIN
	UserId     string      // HTTP_ACTION
	Headers    http.Header // HTTP_ACTION, for forwarding auth to the leader
	Message    Message
	Payload    []byte // BROADCAST: the committed match
	NumActions int    // BROADCAST: how many trailing actions are new
	Reply      chan HubResponse
}

// HubResponse is the reply to an HTTP request.
type HubResponse struct {
	Data   []byte
	Status int
	Error  error
}

// Hub owns the in-memory copy of one match and is its only writer.
type Hub struct {
	matchId string

	clients    map[*wsClient]bool
	requests   chan HubRequest
	register   chan *wsClient
	unregister chan *wsClient

	match *Match

	hm *HubManager
}

func newHub(id string, hm *HubManager) *Hub {
	return &Hub{
		matchId:    id,
		requests:   make(chan HubRequest, 64),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		clients:    make(map[*wsClient]bool),
		hm:         hm,
	}
}

func (h *Hub) run() {
	idleTimer := time.NewTicker(hubIdleTimeout)
	defer idleTimer.Stop()

	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.hm.connections.Add(1)
		case client := <-h.unregister:
			h.dropClient(client)
		case req := <-h.requests:
			h.handle(req)
		case <-idleTimer.C:
			if len(h.clients) == 0 && h.hm.RemoveHub(h.matchId, h) {
				return
			}
		}
	}
}

func (h *Hub) dropClient(c *wsClient) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.hm.connections.Add(-1)
	}
}

func (h *Hub) handle(req HubRequest) {
	switch req.Type {
	case ReqTypeBroadcast:
		h.handleBroadcast(req.Payload, req.NumActions)
		return
	case ReqTypeEvict:
		h.match = nil
		if err := h.ensureLoaded(); err == nil && (h.match.Status == StatusDeleted || !h.exists()) {
			h.broadcast(Message{Type: MsgTypeError, MatchId: h.matchId, Error: "Match deleted"})
		}
		return
	}

	if err := h.ensureLoaded(); err != nil {
		if req.Client != nil {
			req.Client.sendJSON(Message{Type: MsgTypeError, Error: "Server error loading match"})
		}
		if req.Reply != nil {
			req.Reply <- HubResponse{Error: err}
		}
		return
	}

	switch req.Type {
	case ReqTypeWSJoin:
		if req.Client != nil && h.clients[req.Client] {
			h.handleWSJoin(req.Client, req.Message)
		}
	case ReqTypeHTTPAction:
		h.handleHTTPAction(req)
	case ReqTypeHTTPLoad:
		h.handleHTTPLoad(req.Reply)
	}
}

// ensureLoaded reads the match from the store on first use. A missing match
// or one written with another schema version starts out empty.
func (h *Hub) ensureLoaded() error {
	if h.match != nil {
		return nil
	}
	m, err := h.hm.store.LoadMatchOrEmpty(h.matchId)
	switch {
	case err == nil, errors.Is(err, os.ErrNotExist):
	case errors.Is(err, ErrSchemaVersion):
		log.Printf("Hub: Match %s has %v, starting from an empty match", h.matchId, err)
	default:
		log.Printf("Hub: Error loading match %s: %v", h.matchId, err)
		return err
	}
	h.match = m
	return nil
}

// exists reports whether the match has been started or saved.
func (h *Hub) exists() bool {
	return len(h.match.ActionLog) > 0 || h.match.OwnerID != ""
}

func (h *Hub) handleBroadcast(data []byte, numActions int) {
	var m Match
	if err := json.Unmarshal(data, &m); err != nil {
		log.Printf("Hub: Error unmarshaling match data: %v", err)
		return
	}
	m.normalize()
	h.match = &m

	numActions = min(max(numActions, 1), len(m.ActionLog))
	h.broadcastApplied(m.ActionLog[len(m.ActionLog)-numActions:])
}

// broadcastApplied sends newly applied actions followed by the resulting
// state to every client.
func (h *Hub) broadcastApplied(actions []json.RawMessage) {
	for _, a := range actions {
		h.broadcast(Message{Type: MsgTypeAction, MatchId: h.matchId, Action: a})
	}
	h.broadcast(h.stateMessage())
}

func (h *Hub) stateMessage() Message {
	state := h.match.State
	summary := h.match.Summary()
	return Message{Type: MsgTypeState, MatchId: h.matchId, State: &state, Summary: &summary}
}

func (h *Hub) broadcast(msg Message) {
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			h.dropClient(client)
		}
	}
}

func (h *Hub) handleWSJoin(c *wsClient, msg Message) {
	if h.match.Status == StatusDeleted {
		c.sendJSON(Message{Type: MsgTypeError, Error: "Match deleted"})
		return
	}
	if h.exists() {
		if GetMatchAccess(c.userId, *h.match.Metadata()) < AccessRead {
			log.Printf("Forbidden: User %s attempted to join match %s without permissions", maskEmail(c.userId), h.matchId)
			c.sendJSON(Message{Type: MsgTypeError, Error: "Forbidden: You do not have access to this match"})
			return
		}
	} else if msg.LastRevision != "" {
		log.Printf("Conflict: Client joining match %s with revision %s, but match empty on server", h.matchId, msg.LastRevision)
		c.sendJSON(Message{Type: MsgTypeConflict, Error: "Match not found on server"})
		return
	}

	serverRevision := getCurrentRevision(h.match.ActionLog)
	switch {
	case msg.LastRevision == "" || msg.LastRevision == serverRevision:
		c.sendJSON(Message{Type: MsgTypeAck})
	default:
		missing := getActionsSince(h.match.ActionLog, msg.LastRevision)
		if missing == nil {
			c.sendJSON(Message{Type: MsgTypeConflict, Error: "Client history is divergent from server", BaseRevision: serverRevision})
			return
		}
		c.sendJSON(Message{Type: MsgTypeSyncUpdate, Actions: missing})
	}
	if h.exists() {
		c.sendJSON(h.stateMessage())
	}
}

func (h *Hub) handleHTTPAction(req HubRequest) {
	response, applied, err := h.processAction(req.Message, req.UserId)
	if err != nil {
		if errors.Is(err, ErrNotLeader) {
			h.forwardToLeader(req)
			return
		}
		if req.Reply != nil {
			req.Reply <- HubResponse{Error: err}
		}
		return
	}
	if len(applied) > 0 {
		h.broadcastApplied(applied)
	}
	data, _ := json.Marshal(response)
	if req.Reply != nil {
		req.Reply <- HubResponse{Data: data, Status: statusFor(*response)}
	}
}

// statusFor maps a hub response message to an HTTP status code.
func statusFor(msg Message) int {
	switch msg.Type {
	case MsgTypeConflict:
		return http.StatusConflict
	case MsgTypeError:
		if strings.HasPrefix(msg.Error, "Forbidden") || strings.HasPrefix(msg.Error, "Unauthenticated") {
			return http.StatusForbidden
		}
		if strings.HasPrefix(msg.Error, "Server error") {
			return http.StatusInternalServerError
		}
		return http.StatusBadRequest
	}
	return http.StatusOK
}

func (h *Hub) forwardToLeader(req HubRequest) {
	rm := h.hm.rm
	reply := func(resp HubResponse) {
		if req.Reply != nil {
			req.Reply <- resp
		}
	}
	leaderAddr := rm.GetLeaderHTTPAddr()
	if leaderAddr == "" {
		reply(HubResponse{Error: fmt.Errorf("%w: leader not found", ErrNotLeader)})
		return
	}
	if leaderAddr == rm.HTTPAdvertise {
		reply(HubResponse{Error: fmt.Errorf("local node listed as leader but not in leader state")})
		return
	}

	body, _ := json.Marshal(req.Message)
	fwd, err := http.NewRequest(http.MethodPost, httpURL(leaderAddr)+"/api/cluster/action", bytes.NewReader(body))
	if err != nil {
		reply(HubResponse{Error: err})
		return
	}
	fwd.Header.Set("Content-Type", "application/json")
	fwd.Header.Set("X-Raft-Forwarded", rm.NodeID)
	fwd.Header.Set("X-Raft-Secret", rm.Secret)
	fwd.Header.Set("X-Raft-User", req.UserId)

	resp, err := rm.httpClient.Do(fwd)
	if err != nil {
		reply(HubResponse{Error: err})
		return
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if resp.StatusCode >= http.StatusInternalServerError {
		reply(HubResponse{Error: fmt.Errorf("leader returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))})
		return
	}
	reply(HubResponse{Data: data, Status: resp.StatusCode, Error: err})
}

// processAction validates, authorizes and applies a batch of actions. It
// returns the reply for the sender and the actions that were newly applied
// and need broadcasting.
func (h *Hub) processAction(msg Message, userId string) (*Message, []json.RawMessage, error) {
	actions := msg.batch()
	if len(actions) == 0 {
		return &Message{Type: MsgTypeError, Error: "Malformed action: no actions"}, nil, nil
	}
	if len(actions) > maxBatchSize {
		return &Message{Type: MsgTypeError, Error: fmt.Sprintf("Batch size too large (max %d)", maxBatchSize)}, nil, nil
	}
	if err := ValidateActions(actions); err != nil {
		log.Printf("Invalid actions payload from user %s: %v", maskEmail(userId), err)
		return &Message{Type: MsgTypeError, Error: "Malformed action: " + err.Error()}, nil, nil
	}

	if resp := h.authorize(actions, userId); resp != nil {
		return resp, nil, nil
	}

	if h.hm.rm != nil && !h.hm.rm.IsLeader() {
		return nil, nil, ErrNotLeader
	}

	actions, resp := h.trimOverlap(msg.BaseRevision, actions, userId)
	if resp != nil {
		return resp, nil, nil
	}

	if h.hm.rm != nil {
		cmd := RaftCommand{
			Type: CmdApplyAction,
			ID:   h.matchId,
			Action: &ActionPayload{
				MatchID: h.matchId,
				Actions: actions,
				UserID:  userId,
			},
		}
		if _, err := h.hm.rm.Propose(cmd); err != nil {
			if resp := h.rejection(err); resp != nil {
				return resp, nil, nil
			}
			return nil, nil, err
		}
		// The FSM broadcasts once the entry is committed.
		return &Message{Type: MsgTypeAck}, nil, nil
	}

	start := time.Now()
	clone := h.match.Clone()
	before := len(clone.ActionLog)
	if _, err := ApplyActions(clone, actions); err != nil {
		if resp := h.rejection(err); resp != nil {
			return resp, nil, nil
		}
		return &Message{Type: MsgTypeError, Error: "Server error applying actions: " + err.Error()}, nil, nil
	}
	applied := clone.ActionLog[before:]
	if len(applied) == 0 {
		return &Message{Type: MsgTypeAck}, nil, nil
	}
	if err := h.hm.store.SaveMatch(clone); err != nil {
		log.Printf("Hub: Error saving match %s: %v", h.matchId, err)
		return &Message{Type: MsgTypeError, Error: "Server error saving action"}, nil, nil
	}
	h.match = clone
	h.hm.registry.UpdateMatch(clone)
	h.hm.afterApply(clone, applied, time.Since(start))

	summary := clone.Summary()
	return &Message{Type: MsgTypeAck, Summary: &summary}, applied, nil
}

// authorize returns an error message if userId may not apply actions.
func (h *Hub) authorize(actions []json.RawMessage, userId string) *Message {
	if h.match.Status == StatusDeleted {
		return &Message{Type: MsgTypeConflict, Error: "Match has been deleted"}
	}
	exists := h.exists()
	access := GetMatchAccess(userId, *h.match.Metadata())

	parsed := make([]BaseAction, 0, len(actions))
	isStart, started := false, exists
	for _, raw := range actions {
		var a BaseAction
		if err := json.Unmarshal(raw, &a); err != nil {
			continue
		}
		parsed = append(parsed, a)
		if a.Type != ActionMatchStart {
			continue
		}
		isStart = true
		var p MatchStartPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil || p.ID != h.matchId {
			log.Printf("Rejected: User %s sent MATCH_START for %s to match %s", maskEmail(userId), p.ID, h.matchId)
			return &Message{Type: MsgTypeError, Error: "Malformed action: " + ErrMatchIDMismatch.Error()}
		}
		if revisionIndex(h.match.ActionLog, a.ID) >= 0 {
			// Retried start, dropped by trimOverlap.
			continue
		}
		if started {
			log.Printf("Conflict: User %s attempted to restart match %s", maskEmail(userId), h.matchId)
			return &Message{Type: MsgTypeConflict, Error: "Match already started", BaseRevision: getCurrentRevision(h.match.ActionLog)}
		}
		started = true
		if normalizeEmail(p.OwnerID) == userId {
			// The creator owns the rest of the batch.
			access = AccessAdmin
		}
	}

	if !exists && !isStart {
		log.Printf("Conflict: User %s sending action for non-existent match %s", maskEmail(userId), h.matchId)
		return &Message{Type: MsgTypeConflict, Error: "Match not found on server"}
	}

	for _, a := range parsed {
		if a.Type == ActionUndo {
			var p struct {
				RefId string `json:"refId"`
			}
			if json.Unmarshal(a.Payload, &p) == nil && isSetupAction(h.refType(parsed, p.RefId)) {
				return &Message{Type: MsgTypeError, Error: "Malformed action: " + ErrUndoNotAllowed.Error()}
			}
		}
		if a.Type == ActionMatchMetadataUpdate {
			if access < AccessAdmin {
				return &Message{Type: MsgTypeError, Error: "Forbidden: Only the owner can update match details"}
			}
			continue
		}
		if access < AccessWrite {
			log.Printf("Forbidden: User %s attempted to write action %s to match %s", maskEmail(userId), a.Type, h.matchId)
			if userId == "" {
				return &Message{Type: MsgTypeError, Error: "Unauthenticated: Login required"}
			}
			return &Message{Type: MsgTypeError, Error: "Forbidden: You do not have write access to this match"}
		}
	}

	if !exists && h.hm.access != nil {
		if err := h.hm.access.CheckMatchQuota(userId, h.hm.registry.CountOwnedMatches(userId)); err != nil {
			return &Message{Type: MsgTypeError, Error: "Forbidden: " + err.Error()}
		}
	}
	return nil
}

// refType returns the type of the action with the given id in the batch or
// the match log.
func (h *Hub) refType(batch []BaseAction, id string) string {
	for _, a := range batch {
		if a.ID == id {
			return a.Type
		}
	}
	return actionTypeOf(h.match.ActionLog, id)
}

// rejection maps an error from applying actions to the reply for the
// sender. It returns nil for internal errors.
func (h *Hub) rejection(err error) *Message {
	switch {
	case errors.Is(err, ErrConflict):
		return &Message{Type: MsgTypeConflict, Error: err.Error(), BaseRevision: getCurrentRevision(h.match.ActionLog)}
	case errors.Is(err, ErrMatchIDMismatch), errors.Is(err, ErrUndoNotAllowed):
		return &Message{Type: MsgTypeError, Error: "Malformed action: " + err.Error()}
	}
	return nil
}

// trimOverlap reconciles a client batch based on baseRevision with the
// server log. Actions the server already has are dropped so that retries are
// idempotent. A batch that forks from the server log is a conflict.
func (h *Hub) trimOverlap(baseRevision string, actions []json.RawMessage, userId string) ([]json.RawMessage, *Message) {
	head := getCurrentRevision(h.match.ActionLog)
	if len(h.match.ActionLog) == 0 || baseRevision == head {
		return actions, nil
	}

	// The cache may be stale if another node or tool wrote the match.
	if m, err := h.hm.store.LoadMatch(h.matchId); err == nil {
		h.match = m
		head = getCurrentRevision(m.ActionLog)
		if baseRevision == head {
			return actions, nil
		}
	}

	serverIdx := 0
	if baseRevision != "" {
		idx := revisionIndex(h.match.ActionLog, baseRevision)
		if idx < 0 {
			log.Printf("Conflict: Base revision %s not found in log (Head: %s) for user %s", baseRevision, head, maskEmail(userId))
			return nil, &Message{Type: MsgTypeConflict, Error: "Base revision not found", BaseRevision: head}
		}
		serverIdx = idx + 1
	}

	batchIdx := 0
	for serverIdx < len(h.match.ActionLog) && batchIdx < len(actions) {
		if actionIDOf(h.match.ActionLog[serverIdx]) != actionIDOf(actions[batchIdx]) {
			return nil, &Message{Type: MsgTypeConflict, Error: "History divergence", BaseRevision: head}
		}
		serverIdx++
		batchIdx++
	}
	return actions[batchIdx:], nil
}

func (h *Hub) handleHTTPLoad(reply chan HubResponse) {
	if !h.exists() || h.match.Status == StatusDeleted {
		reply <- HubResponse{Error: os.ErrNotExist}
		return
	}
	data, err := json.Marshal(h.match)
	reply <- HubResponse{Data: data, Error: err}
}

func actionIDOf(raw json.RawMessage) string {
	var a struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &a); err != nil {
		return ""
	}
	return a.ID
}

func revisionIndex(log []json.RawMessage, revision string) int {
	for i := len(log) - 1; i >= 0; i-- {
		if actionIDOf(log[i]) == revision {
			return i
		}
	}
	return -1
}

func getCurrentRevision(log []json.RawMessage) string {
	if len(log) == 0 {
		return ""
	}
	return actionIDOf(log[len(log)-1])
}

// getActionsSince returns the actions after revision, or nil if revision is
// not in the log.
func getActionsSince(log []json.RawMessage, revision string) []json.RawMessage {
	if revision == "" {
		return log
	}
	if i := revisionIndex(log, revision); i >= 0 {
		return log[i+1:]
	}
	return nil
}

// HubManager owns the hubs of all active matches.
type HubManager struct {
	mu   sync.Mutex
	hubs map[string]*Hub

	store     *MatchStore
	registry  *Registry
	access    *AccessControl
	rm        *RaftManager
	publisher Publisher
	publishCh chan MatchSummary
	Metrics   *Metrics

	connections atomic.Int64
}

// NewHubManager returns a HubManager serving matches from store.
func NewHubManager(store *MatchStore, registry *Registry) *HubManager {
	return &HubManager{
		hubs:     make(map[string]*Hub),
		store:    store,
		registry: registry,
		Metrics:  NewMetrics(),
	}
}

func (hm *HubManager) SetRaftManager(rm *RaftManager) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.rm = rm
}

// SetPublisher starts publishing match updates to p from a background
// worker.
func (hm *HubManager) SetPublisher(p Publisher) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.publisher = p
	if hm.publishCh == nil {
		hm.publishCh = make(chan MatchSummary, publishQueueSize)
		go hm.publishLoop(hm.publishCh)
	}
}

func (hm *HubManager) publishLoop(ch <-chan MatchSummary) {
	for s := range ch {
		hm.mu.Lock()
		p := hm.publisher
		hm.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := p.Publish(ctx, s); err != nil {
			log.Printf("Publisher: failed to publish match %s: %v", s.ID, err)
		}
		cancel()
	}
}

func (hm *HubManager) SetAccessControl(ac *AccessControl) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.access = ac
}

// GetHub returns the hub for a match, starting it if needed.
func (hm *HubManager) GetHub(id string) *Hub {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if hub, ok := hm.hubs[id]; ok {
		return hub
	}
	hub := newHub(id, hm)
	hm.hubs[id] = hub
	go hub.run()
	return hub
}

// RemoveHub unregisters hub if it is still the active hub for id.
func (hm *HubManager) RemoveHub(id string, hub *Hub) bool {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if hm.hubs[id] != hub {
		return false
	}
	delete(hm.hubs, id)
	return true
}

// ActiveHubs returns the number of running hubs.
func (hm *HubManager) ActiveHubs() int {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	return len(hm.hubs)
}

// Connections returns the number of connected websocket clients.
func (hm *HubManager) Connections() int64 {
	return hm.connections.Load()
}

func (hm *HubManager) send(matchId string, req HubRequest) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hub, ok := hm.hubs[matchId]
	if !ok {
		return
	}
	select {
	case hub.requests <- req:
	default:
		// Never block the raft FSM on a slow hub.
		log.Printf("Warning: Hub channel full, dropping %s for match %s", req.Type, matchId)
	}
}

// BroadcastToMatch hands a committed match to its hub, if one is running.
func (hm *HubManager) BroadcastToMatch(matchId string, data []byte, numActions int) {
	hm.send(matchId, HubRequest{Type: ReqTypeBroadcast, Payload: data, NumActions: numActions})
}

// EvictMatch tells the hub of a match to drop its cached state, for example
// after a delete or a snapshot restore.
func (hm *HubManager) EvictMatch(matchId string) {
	hm.send(matchId, HubRequest{Type: ReqTypeEvict})
}

// afterApply records metrics and queues the new state of m for publishing.
func (hm *HubManager) afterApply(m *Match, applied []json.RawMessage, elapsed time.Duration) {
	deliveries := 0
	for _, raw := range applied {
		var a BaseAction
		if json.Unmarshal(raw, &a) == nil && a.Type == ActionDelivery {
			deliveries++
		}
	}
	hm.Metrics.RecordApply(elapsed, deliveries)

	hm.mu.Lock()
	ch, rm := hm.publishCh, hm.rm
	hm.mu.Unlock()
	if ch == nil {
		return
	}
	// Every node applies committed entries. Only the leader publishes them.
	if rm != nil && !rm.IsLeader() {
		return
	}
	select {
	case ch <- m.Summary():
	default:
		log.Printf("Warning: Publish queue full, dropping update for match %s", m.ID)
	}
}

// wsClient is a middleman between the websocket connection and the hub.
type wsClient struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan Message
	userId string
}

// readPump pumps messages from the websocket connection to the hub.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("error: %v", err)
			}
			return
		}
		switch msg.Type {
		case MsgTypeJoin:
			c.hub.requests <- HubRequest{Type: ReqTypeWSJoin, Client: c, Message: msg}
		case MsgTypePing:
			c.sendJSON(Message{Type: MsgTypePong})
		default:
			log.Printf("Unknown message type: %s", msg.Type)
			c.sendJSON(Message{Type: MsgTypeError, Error: "Unknown message type"})
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendJSON queues msg without blocking. It is only called from the hub
// goroutine or the client's own read pump.
func (c *wsClient) sendJSON(msg Message) {
	defer func() {
		// The hub may have closed send after an unregister.
		recover()
	}()
	select {
	case c.send <- msg:
	default:
	}
}

// ServeWS upgrades the request and attaches the connection to the hub of
// the match named by the matchId query parameter.
func ServeWS(hm *HubManager, w http.ResponseWriter, r *http.Request) {
	matchId := r.URL.Query().Get("matchId")
	if matchId == "" || !isValidUUID(matchId) {
		http.Error(w, "Invalid matchId", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}

	hub := hm.GetHub(matchId)
	client := &wsClient{hub: hub, conn: conn, send: make(chan Message, 256), userId: getUserID(r)}
	hub.register <- client

	go client.writePump()
	go client.readPump()
}
