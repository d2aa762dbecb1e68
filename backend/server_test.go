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
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

const testAdmin = "admin@example.com"

type testServer struct {
	*httptest.Server
	store    *MatchStore
	registry *Registry
	pub      *recordingPublisher
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ms, st, dir := newTestMatchStore(t)
	reg := NewRegistry(ms)
	t.Cleanup(reg.StopGC)
	pub := &recordingPublisher{}

	_, handler, err := NewServerHandler(Options{
		DataDir:        dir,
		Storage:        st,
		MatchStore:     ms,
		Registry:       reg,
		UseMockAuth:    true,
		BootstrapAdmin: testAdmin,
		Publisher:      pub,
	})
	if err != nil {
		t.Fatalf("NewServerHandler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, store: ms, registry: reg, pub: pub}
}

func (s *testServer) do(t *testing.T, method, path, user string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("json.Marshal: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, r)
	if err != nil {
		t.Fatalf("http.NewRequest: %v", err)
	}
	if user != "" {
		req.AddCookie(&http.Cookie{Name: mockAuthCookie, Value: user})
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// sendActions posts a batch and decodes the hub reply.
func (s *testServer) sendActions(t *testing.T, user, matchID, base string, actions ...json.RawMessage) (int, Message) {
	t.Helper()
	resp := s.do(t, http.MethodPost, "/api/action", user, Message{
		Type:         MsgTypeAction,
		MatchId:      matchID,
		BaseRevision: base,
		Actions:      actions,
	})
	var msg Message
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
			t.Fatalf("decode reply: %v", err)
		}
	}
	return resp.StatusCode, msg
}

// startMatch creates a match owned by owner and returns its id and the id
// of the last action.
func (s *testServer) startMatch(t *testing.T, owner string, runs ...int) (string, string) {
	t.Helper()
	id := uuid.NewString()
	actions := []json.RawMessage{mkStart(t, id, owner, 5)}
	for _, r := range runs {
		actions = append(actions, mkDelivery(t, r))
	}
	code, msg := s.sendActions(t, owner, id, "", actions...)
	if code != http.StatusOK || msg.Type != MsgTypeAck {
		t.Fatalf("start match: status %d, %+v", code, msg)
	}
	return id, actionID(t, actions[len(actions)-1])
}

func TestHTTPActionAndLoad(t *testing.T) {
	s := newTestServer(t)
	owner := "owner@example.com"
	id, head := s.startMatch(t, owner, 4, 6)

	code, msg := s.sendActions(t, owner, id, head, mkDelivery(t, 1))
	if code != http.StatusOK || msg.Type != MsgTypeAck {
		t.Fatalf("delivery: status %d, %+v", code, msg)
	}
	if msg.Summary == nil || msg.Summary.Score != "11/0" || msg.Summary.Overs != "0.3" {
		t.Errorf("summary = %+v, want 11/0 in 0.3", msg.Summary)
	}
	if got := s.pub.waitFor(t, 2); got.Score != "11/0" {
		t.Errorf("last published summary = %+v", got)
	}

	resp := s.do(t, http.MethodGet, "/api/load/"+id, owner, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("load status = %d", resp.StatusCode)
	}
	var m Match
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatalf("decode match: %v", err)
	}
	if len(m.ActionLog) != 4 || m.State.Current.Runs != 11 {
		t.Errorf("loaded %d actions, %d runs", len(m.ActionLog), m.State.Current.Runs)
	}

	req, _ := http.NewRequest(http.MethodGet, s.URL+"/api/load/"+id, nil)
	req.AddCookie(&http.Cookie{Name: mockAuthCookie, Value: owner})
	req.Header.Set("If-None-Match", resp.Header.Get("ETag"))
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotModified {
		t.Errorf("conditional load status = %d, want 304", resp2.StatusCode)
	}

	resp = s.do(t, http.MethodGet, "/api/scorecard/"+id, owner, nil)
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "Lions") {
		t.Errorf("scorecard status %d, body %q", resp.StatusCode, body)
	}

	if resp := s.do(t, http.MethodGet, "/api/load/"+uuid.NewString(), owner, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing match status = %d, want 404", resp.StatusCode)
	}
	if resp := s.do(t, http.MethodGet, "/api/load/not-a-uuid", owner, nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", resp.StatusCode)
	}
}

func TestHTTPActionErrors(t *testing.T) {
	s := newTestServer(t)
	owner := "owner@example.com"
	id, head := s.startMatch(t, owner)

	if resp := s.do(t, http.MethodPost, "/api/action", "", Message{MatchId: id, Action: mkDelivery(t, 1)}); resp.StatusCode != http.StatusForbidden {
		t.Errorf("anonymous action status = %d, want 403", resp.StatusCode)
	}

	code, msg := s.sendActions(t, "other@example.com", id, head, mkDelivery(t, 1))
	if code != http.StatusForbidden || !strings.HasPrefix(msg.Error, "Forbidden") {
		t.Errorf("stranger: status %d, %+v", code, msg)
	}

	code, msg = s.sendActions(t, owner, uuid.NewString(), "", mkDelivery(t, 1))
	if code != http.StatusConflict || msg.Error != "Match not found on server" {
		t.Errorf("unknown match: status %d, %+v", code, msg)
	}

	code, msg = s.sendActions(t, owner, id, "", mkDelivery(t, 1))
	if code != http.StatusConflict || msg.BaseRevision != head {
		t.Errorf("stale base: status %d, %+v", code, msg)
	}

	code, msg = s.sendActions(t, owner, id, head, mkAction(t, ActionDelivery, map[string]any{"runs": 5}))
	if code != http.StatusBadRequest || !strings.HasPrefix(msg.Error, "Malformed action") {
		t.Errorf("invalid runs: status %d, %+v", code, msg)
	}

	// A retried batch is acknowledged without being applied twice.
	d := mkDelivery(t, 2)
	for range 2 {
		if code, msg := s.sendActions(t, owner, id, head, d); code != http.StatusOK || msg.Type != MsgTypeAck {
			t.Fatalf("retry: status %d, %+v", code, msg)
		}
	}
	m, err := s.store.LoadMatch(id)
	if err != nil {
		t.Fatal(err)
	}
	if m.State.Current.Runs != 2 || len(m.ActionLog) != 2 {
		t.Errorf("after retry: %d runs, %d actions", m.State.Current.Runs, len(m.ActionLog))
	}
}

func TestMatchStartGuards(t *testing.T) {
	s := newTestServer(t)
	owner := "owner@example.com"
	id, head := s.startMatch(t, owner, 4, 4, 6)

	// A new match id whose start names an existing match.
	mallory := "mallory@example.com"
	code, msg := s.sendActions(t, mallory, uuid.NewString(), "", mkStart(t, id, mallory, 5))
	if code != http.StatusBadRequest || !strings.HasPrefix(msg.Error, "Malformed action") {
		t.Errorf("start for another match: status %d, %+v", code, msg)
	}

	writer := "writer@example.com"
	grant := mkAction(t, ActionMatchMetadataUpdate, map[string]any{
		"permissions": map[string]any{"public": "none", "users": map[string]string{writer: "write"}},
	})
	if code, msg := s.sendActions(t, owner, id, head, grant); code != http.StatusOK {
		t.Fatalf("grant: status %d, %+v", code, msg)
	}
	head = actionID(t, grant)

	for _, user := range []string{writer, owner} {
		code, msg = s.sendActions(t, user, id, head, mkStart(t, id, user, 5))
		if code != http.StatusConflict || msg.Error != "Match already started" || msg.BaseRevision != head {
			t.Errorf("restart by %s: status %d, %+v", user, code, msg)
		}
	}

	code, msg = s.sendActions(t, owner, id, head, mkAction(t, ActionUndo, map[string]any{"refId": head}))
	if code != http.StatusBadRequest || !strings.HasPrefix(msg.Error, "Malformed action") {
		t.Errorf("undo of metadata update: status %d, %+v", code, msg)
	}

	m, err := s.store.LoadMatch(id)
	if err != nil {
		t.Fatal(err)
	}
	if m.OwnerID != owner || m.State.Current.Runs != 14 || len(m.ActionLog) != 5 || m.Permissions.Users[writer] != "write" {
		t.Errorf("match changed: owner=%s runs=%d actions=%d perms=%v", m.OwnerID, m.State.Current.Runs, len(m.ActionLog), m.Permissions.Users)
	}

	// Retrying the original start is still acknowledged.
	second := uuid.NewString()
	start := mkStart(t, second, owner, 5)
	for range 2 {
		if code, msg := s.sendActions(t, owner, second, "", start); code != http.StatusOK || msg.Type != MsgTypeAck {
			t.Fatalf("start retry: status %d, %+v", code, msg)
		}
	}
}

func TestListMatchesAndDelete(t *testing.T) {
	s := newTestServer(t)
	owner := "owner@example.com"
	var ids []string
	for range 3 {
		id, _ := s.startMatch(t, owner, 1)
		ids = append(ids, id)
	}
	s.startMatch(t, "someone@example.com")

	resp := s.do(t, http.MethodGet, "/api/list-matches?limit=2", owner, nil)
	var page struct {
		Data []MatchSummary `json:"data"`
		Meta struct {
			Total int `json:"total"`
			Limit int `json:"limit"`
		} `json:"meta"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatal(err)
	}
	if page.Meta.Total != 3 || len(page.Data) != 2 || page.Meta.Limit != 2 {
		t.Errorf("page = %+v", page)
	}

	if resp := s.do(t, http.MethodPost, "/api/delete-match", "someone@example.com", map[string]string{"id": ids[0]}); resp.StatusCode != http.StatusForbidden {
		t.Errorf("stranger delete status = %d, want 403", resp.StatusCode)
	}
	if resp := s.do(t, http.MethodPost, "/api/delete-match", owner, map[string]string{"id": ids[0]}); resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	if resp := s.do(t, http.MethodGet, "/api/load/"+ids[0], owner, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("load deleted status = %d, want 404", resp.StatusCode)
	}
	if code, msg := s.sendActions(t, owner, ids[0], "", mkDelivery(t, 1)); code != http.StatusConflict {
		t.Errorf("action on deleted match: status %d, %+v", code, msg)
	}

	resp = s.do(t, http.MethodPost, "/api/list-matches", owner, map[string][]string{"knownIds": {ids[0], ids[1]}})
	page.Data = nil
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatal(err)
	}
	if page.Meta.Total != 2 {
		t.Errorf("total after delete = %d, want 2", page.Meta.Total)
	}
	tombstones := 0
	for _, m := range page.Data {
		if m.Status == StatusDeleted {
			tombstones++
			if m.ID != ids[0] {
				t.Errorf("tombstone for %s", m.ID)
			}
		}
	}
	if tombstones != 1 {
		t.Errorf("got %d tombstones, want 1", tombstones)
	}

	resp = s.do(t, http.MethodPost, "/api/check-deletions", owner, map[string][]string{"matchIds": ids})
	var del struct {
		DeletedMatchIDs []string `json:"deletedMatchIds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&del); err != nil {
		t.Fatal(err)
	}
	if len(del.DeletedMatchIDs) != 1 || del.DeletedMatchIDs[0] != ids[0] {
		t.Errorf("deletedMatchIds = %v", del.DeletedMatchIDs)
	}
}

func TestAccessPolicyEndpoints(t *testing.T) {
	s := newTestServer(t)
	user := "user@example.com"

	if resp := s.do(t, http.MethodGet, "/api/admin/policy", user, nil); resp.StatusCode != http.StatusForbidden {
		t.Errorf("non-admin policy status = %d, want 403", resp.StatusCode)
	}
	policy := UserAccessPolicy{
		DefaultPolicy:      "allow",
		DefaultMaxMatches:  1,
		DefaultDenyMessage: "closed",
		Users:              map[string]UserOverride{"Blocked@Example.com": {Access: "deny"}},
	}
	if resp := s.do(t, http.MethodPost, "/api/admin/policy", testAdmin, policy); resp.StatusCode != http.StatusOK {
		t.Fatalf("set policy status = %d", resp.StatusCode)
	}

	s.startMatch(t, user)
	second := uuid.NewString()
	code, msg := s.sendActions(t, user, second, "", mkStart(t, second, user, 5))
	if code != http.StatusForbidden || !strings.Contains(msg.Error, "match limit reached") {
		t.Errorf("over quota: status %d, %+v", code, msg)
	}

	resp := s.do(t, http.MethodGet, "/api/me", user, nil)
	var me struct {
		Allowed bool           `json:"allowed"`
		Quotas  map[string]int `json:"quotas"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&me); err != nil {
		t.Fatal(err)
	}
	if !me.Allowed || me.Quotas["maxMatches"] != 1 || me.Quotas["matchesUsed"] != 1 {
		t.Errorf("me = %+v", me)
	}

	if resp := s.do(t, http.MethodGet, "/api/list-matches", "blocked@example.com", nil); resp.StatusCode != http.StatusForbidden {
		t.Errorf("blocked user status = %d, want 403", resp.StatusCode)
	}

	resp = s.do(t, http.MethodGet, "/api/stats", testAdmin, nil)
	var stats StatsSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.Matches != 1 {
		t.Errorf("stats.Matches = %d, want 1", stats.Matches)
	}
	if resp := s.do(t, http.MethodGet, "/api/stats", user, nil); resp.StatusCode != http.StatusForbidden {
		t.Errorf("non-admin stats status = %d, want 403", resp.StatusCode)
	}
}

func TestMiddlewareHeaders(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(t, http.MethodGet, "/api/me", "", nil)
	for k, want := range map[string]string{
		"Cache-Control":          "private, no-cache, no-transform",
		"X-Frame-Options":        "DENY",
		"X-Content-Type-Options": "nosniff",
	} {
		if got := resp.Header.Get(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("anonymous /api/me status = %d, want 403", resp.StatusCode)
	}
	if resp := s.do(t, http.MethodGet, "/api/cluster/status", "", nil); resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("cluster status without raft = %d, want 501", resp.StatusCode)
	}
}
