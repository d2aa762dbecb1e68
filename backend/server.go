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
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/c2FmZQ/storage/crypto"
	"github.com/ttbt-io/wicketkeeper/backend/cricket"
)

func generateETag(data []byte) string {
	return fmt.Sprintf("\"%x\"", sha256.Sum256(data))
}

func hubBusyResponse(w http.ResponseWriter, retryAfter string) {
	w.Header().Set("Retry-After", retryAfter)
	http.Error(w, "Too Many Requests: Server is busy", http.StatusTooManyRequests)
}

func parsePagination(r *http.Request) (int, int, string, string, string) {
	limit := 50
	offset := 0
	sortBy := r.URL.Query().Get("sortBy")
	order := r.URL.Query().Get("order")
	query := r.URL.Query().Get("q")

	if l := r.URL.Query().Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if val, err := strconv.Atoi(o); err == nil {
			offset = val
		}
	}

	if limit < 1 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	return limit, offset, sortBy, order, query
}

// Options represent server options.
type Options struct {
	Addr        string
	DataDir     string
	UseMockAuth bool
	Debug       bool
	MatchStore  *MatchStore
	Storage     *storage.Storage
	MasterKey   crypto.MasterKey
	Registry    *Registry
	Listener    net.Listener
	Publisher   Publisher

	// Raft Options
	RaftEnabled           bool
	RaftBind              string
	RaftAdvertise         string
	HTTPAdvertise         string
	RaftSecret            string
	RaftJoin              string // HTTP address of a cluster member to join
	RaftBootstrap         bool
	RaftManagerChan       chan *RaftManager // For testing: receive the created RaftManager
	UseProductionTimeouts bool

	// Auth Options
	AuthCookieName string
	AuthJWKSURL    string

	// Access Control Options
	BootstrapAdmin string
}

const (
	retryAfterLoad   = "2"
	retryAfterAction = "5"

	joinTimeout = 60 * time.Second
)

// Server represents the running server instance.
type Server struct {
	httpServer *http.Server
	raftMgr    *RaftManager
}

// Shutdown gracefully shuts down the server and Raft node.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []string

	flush := func() {
		if s.raftMgr != nil {
			if err := s.raftMgr.Shutdown(); err != nil {
				errs = append(errs, fmt.Sprintf("raft: %v", err))
			}
			if s.raftMgr.FSM != nil {
				if err := s.raftMgr.FSM.FlushAll(); err != nil {
					errs = append(errs, fmt.Sprintf("fsm flush: %v", err))
				}
			}
		}
	}
	flush()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Sprintf("http: %v", err))
	}
	flush()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %s", strings.Join(errs, ", "))
	}
	return nil
}

// StartServer starts the web server and registers the API handlers.
func StartServer(opts Options) (*Server, error) {
	raftMgr, handler, err := NewServerHandler(opts)
	if err != nil {
		return nil, err
	}

	if raftMgr != nil {
		// Serve only once the local log has been replayed.
		if err := raftMgr.WaitForSync(30 * time.Second); err != nil {
			log.Printf("Warning: Raft sync timed out: %v", err)
		}
	}

	httpServer := &http.Server{
		Addr:    opts.Addr,
		Handler: handler,
	}

	go func() {
		var err error
		if opts.Listener != nil {
			log.Printf("Starting HTTP server on provided listener %s...", opts.Listener.Addr())
			err = httpServer.Serve(opts.Listener)
		} else {
			log.Printf("Server starting on port %s...\n", opts.Addr)
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, net.ErrClosed) && err != http.ErrServerClosed {
			log.Printf("Server error: %v", err)
		}
	}()

	return &Server{
		httpServer: httpServer,
		raftMgr:    raftMgr,
	}, nil
}

// writeHubResponse writes the reply of a hub to an HTTP client.
func writeHubResponse(w http.ResponseWriter, resp HubResponse) {
	if resp.Error != nil {
		switch {
		case errors.Is(resp.Error, os.ErrNotExist):
			http.Error(w, "Not Found: Match not found", http.StatusNotFound)
		case errors.Is(resp.Error, ErrNotLeader):
			w.Header().Set("Retry-After", retryAfterAction)
			http.Error(w, "Service Unavailable: "+resp.Error.Error(), http.StatusServiceUnavailable)
		default:
			log.Printf("Internal Server Error from hub: %v", resp.Error)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if resp.Status != 0 {
		w.WriteHeader(resp.Status)
	}
	w.Write(resp.Data)
}

// askHub queues req on hub and waits for the reply. It writes an error
// response and returns false if the hub is busy or the client went away.
func askHub(w http.ResponseWriter, r *http.Request, hub *Hub, req HubRequest, retryAfter string) (HubResponse, bool) {
	reply := make(chan HubResponse, 1)
	req.Reply = reply
	select {
	case hub.requests <- req:
	default:
		hubBusyResponse(w, retryAfter)
		return HubResponse{}, false
	}
	select {
	case resp := <-reply:
		return resp, true
	case <-r.Context().Done():
		return HubResponse{}, false
	}
}

// requireUser returns the authenticated user, or writes a 403 and returns
// false.
func requireUser(w http.ResponseWriter, r *http.Request, ac *AccessControl) (string, bool) {
	userId := getUserID(r)
	if userId == "" || !isValidEmail(userId) {
		http.Error(w, "Forbidden: Invalid User ID", http.StatusForbidden)
		return "", false
	}
	if allowed, msg := ac.IsAllowed(userId); !allowed {
		http.Error(w, "Forbidden: "+msg, http.StatusForbidden)
		return "", false
	}
	return userId, true
}

// NewServerHandler creates and configures the HTTP handler for the server.
func NewServerHandler(opts Options) (*RaftManager, http.Handler, error) {
	if opts.DataDir == "" {
		opts.DataDir = "data"
	}
	if opts.Storage == nil {
		opts.Storage = storage.New(opts.DataDir, opts.MasterKey)
	}

	store := opts.MatchStore
	if store == nil {
		store = NewMatchStore(opts.DataDir, opts.Storage)
	}
	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry(store)
	}

	accessControl := NewAccessControl(registry, opts.BootstrapAdmin)

	hm := NewHubManager(store, registry)
	hm.SetAccessControl(accessControl)
	if opts.Publisher != nil {
		hm.SetPublisher(opts.Publisher)
	}

	var raftMgr *RaftManager
	if opts.RaftEnabled {
		raftDataDir := filepath.Join(opts.DataDir, "raft")
		if err := os.MkdirAll(raftDataDir, 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create Raft data directory: %w", err)
		}
		raftStorage := storage.New(raftDataDir, opts.MasterKey)
		fsm := NewFSM(store, registry, hm, raftStorage)

		httpAdvertise := opts.HTTPAdvertise
		if httpAdvertise == "" {
			httpAdvertise = opts.Addr
		}
		raftMgr = NewRaftManager(raftDataDir, opts.RaftBind, opts.RaftAdvertise, httpAdvertise, opts.RaftSecret, raftStorage, fsm)
		raftMgr.UseProductionTimeouts = opts.UseProductionTimeouts

		if opts.RaftManagerChan != nil {
			go func() { opts.RaftManagerChan <- raftMgr }()
		}
		hm.SetRaftManager(raftMgr)
	} else {
		var policy UserAccessPolicy
		if err := opts.Storage.ReadDataFile(policyFile, &policy); err == nil {
			registry.UpdateAccessPolicy(&policy)
		}
	}

	debugf := func(string, ...any) {}
	if opts.Debug {
		debugf = func(f string, a ...any) {
			log.Printf("[DEBUG BACKEND] "+f, a...)
		}
	}
	mux := http.NewServeMux()

	clusterOnly := func(fn func(w http.ResponseWriter, r *http.Request)) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if raftMgr == nil {
				http.Error(w, "Raft is not enabled on this node", http.StatusNotImplemented)
				return
			}
			fn(w, r)
		}
	}
	mux.HandleFunc("/api/cluster/status", clusterOnly(func(w http.ResponseWriter, r *http.Request) {
		raftMgr.handleStatus(w, r)
	}))
	mux.HandleFunc("/api/cluster/join", clusterOnly(func(w http.ResponseWriter, r *http.Request) {
		raftMgr.handleJoin(w, r)
	}))
	mux.HandleFunc("/api/cluster/remove", clusterOnly(func(w http.ResponseWriter, r *http.Request) {
		raftMgr.handleRemove(w, r)
	}))
	mux.HandleFunc("/api/cluster/action", clusterOnly(func(w http.ResponseWriter, r *http.Request) {
		raftMgr.handleAction(w, r, hm)
	}))

	// Admin API - Get/Update Policy
	mux.HandleFunc("/api/admin/policy", func(w http.ResponseWriter, r *http.Request) {
		userId := getUserID(r)
		if !accessControl.IsAdmin(userId) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		switch r.Method {
		case http.MethodGet:
			policy := registry.GetAccessPolicy()
			if policy == nil {
				policy = &UserAccessPolicy{
					DefaultPolicy: "allow",
					Admins:        []string{},
					Users:         make(map[string]UserOverride),
				}
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(policy)

		case http.MethodPost:
			var newPolicy UserAccessPolicy
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&newPolicy); err != nil {
				http.Error(w, "Bad Request", http.StatusBadRequest)
				return
			}
			normalizedUsers := make(map[string]UserOverride)
			for email, override := range newPolicy.Users {
				normalizedUsers[normalizeEmail(email)] = override
			}
			newPolicy.Users = normalizedUsers

			if newPolicy.DefaultPolicy != "allow" && newPolicy.DefaultPolicy != "deny" {
				http.Error(w, "Invalid default policy", http.StatusBadRequest)
				return
			}

			if raftMgr != nil {
				if _, err := raftMgr.Propose(RaftCommand{Type: CmdUpdateAccessPolicy, PolicyData: &newPolicy}); err != nil {
					if errors.Is(err, ErrNotLeader) {
						body, _ := json.Marshal(newPolicy)
						r.Body = io.NopCloser(bytes.NewReader(body))
						raftMgr.forwardRequestToLeader(w, r)
						return
					}
					log.Printf("Raft Propose Error: %v", err)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					return
				}
			} else {
				if err := opts.Storage.SaveDataFile(policyFile, &newPolicy); err != nil {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					return
				}
				registry.UpdateAccessPolicy(&newPolicy)
			}
			w.WriteHeader(http.StatusOK)

		default:
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		}
	})

	// User Status & Quota Endpoint
	mux.HandleFunc("/api/me", func(w http.ResponseWriter, r *http.Request) {
		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Unauthenticated", http.StatusForbidden)
			return
		}

		allowed, msg := accessControl.IsAllowed(userId)
		resp := map[string]any{
			"id":      userId,
			"allowed": allowed,
			"message": msg,
			"isAdmin": accessControl.IsAdmin(userId),
			"quotas": map[string]int{
				"maxMatches":  accessControl.MaxMatches(userId),
				"matchesUsed": registry.CountOwnedMatches(userId),
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		if !accessControl.IsAdmin(getUserID(r)) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		stats := hm.Metrics.Snapshot()
		stats.Matches = registry.CountTotalMatches()
		stats.ActiveHubs = hm.ActiveHubs()
		stats.Connections = hm.Connections()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	})

	mux.HandleFunc("/api/action", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}
		userId, ok := requireUser(w, r, accessControl)
		if !ok {
			return
		}

		var msg Message
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageSize)).Decode(&msg); err != nil {
			http.Error(w, "Bad Request: Malformed JSON", http.StatusBadRequest)
			return
		}
		if msg.MatchId == "" {
			msg.MatchId = r.URL.Query().Get("matchId")
		}
		if !isValidUUID(msg.MatchId) {
			http.Error(w, "Bad Request: matchId is missing or invalid", http.StatusBadRequest)
			return
		}
		debugf("action from %s for match %s: %d action(s)", maskEmail(userId), msg.MatchId, len(msg.batch()))

		resp, ok := askHub(w, r, hm.GetHub(msg.MatchId), HubRequest{
			Type:    ReqTypeHTTPAction,
			UserId:  userId,
			Headers: r.Header,
			Message: msg,
		}, retryAfterAction)
		if ok {
			writeHubResponse(w, resp)
		}
	})

	// loadMatch fetches a match through its hub and checks read access.
	loadMatch := func(w http.ResponseWriter, r *http.Request, prefix string) (*Match, []byte, bool) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return nil, nil, false
		}
		userId := getUserID(r)
		if userId != "" {
			if allowed, msg := accessControl.IsAllowed(userId); !allowed {
				http.Error(w, "Forbidden: "+msg, http.StatusForbidden)
				return nil, nil, false
			}
		}
		matchId := strings.TrimPrefix(r.URL.Path, prefix)
		if !isValidUUID(matchId) {
			http.Error(w, "Bad Request: matchId is missing or invalid", http.StatusBadRequest)
			return nil, nil, false
		}
		resp, ok := askHub(w, r, hm.GetHub(matchId), HubRequest{Type: ReqTypeHTTPLoad}, retryAfterLoad)
		if !ok {
			return nil, nil, false
		}
		if resp.Error != nil {
			writeHubResponse(w, resp)
			return nil, nil, false
		}
		var m Match
		if err := json.Unmarshal(resp.Data, &m); err != nil {
			log.Printf("Error unmarshaling match data for auth check: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return nil, nil, false
		}
		if GetMatchAccess(userId, *m.Metadata()) < AccessRead {
			http.Error(w, "Forbidden: You do not have access to this match", http.StatusForbidden)
			return nil, nil, false
		}
		return &m, resp.Data, true
	}

	mux.HandleFunc("/api/load/", func(w http.ResponseWriter, r *http.Request) {
		_, data, ok := loadMatch(w, r, "/api/load/")
		if !ok {
			return
		}
		etag := generateETag(data)
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})

	mux.HandleFunc("/api/scorecard/", func(w http.ResponseWriter, r *http.Request) {
		m, _, ok := loadMatch(w, r, "/api/scorecard/")
		if !ok {
			return
		}
		var buf bytes.Buffer
		if err := cricket.WriteScorecard(&buf, m.State, m.Team1, m.Team2); err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write(buf.Bytes())
	})

	mux.HandleFunc("/api/list-matches", func(w http.ResponseWriter, r *http.Request) {
		userId, ok := requireUser(w, r, accessControl)
		if !ok {
			return
		}
		var knownIds []string
		if r.Method == http.MethodPost {
			var body struct {
				KnownIds []string `json:"knownIds"`
			}
			// An empty body is an empty list.
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&body); err == nil {
				knownIds = body.KnownIds
			}
		} else if r.Method != http.MethodGet {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}

		limit, offset, sortBy, order, query := parsePagination(r)
		accessibleIds := registry.ListMatches(userId, sortBy, order, query)
		total := len(accessibleIds)

		var pageIds []string
		if offset < total {
			pageIds = accessibleIds[offset:min(offset+limit, total)]
		}

		matches := make([]MatchSummary, 0, len(pageIds))
		for _, id := range pageIds {
			m, err := store.LoadMatch(id)
			if err != nil {
				continue
			}
			matches = append(matches, m.Summary())
		}
		for _, kid := range knownIds {
			if registry.IsMatchDeleted(kid) {
				matches = append(matches, MatchSummary{ID: kid, Status: StatusDeleted})
			}
		}

		respData := struct {
			Data []MatchSummary `json:"data"`
			Meta struct {
				Total  int `json:"total"`
				Offset int `json:"offset"`
				Limit  int `json:"limit"`
			} `json:"meta"`
		}{
			Data: matches,
		}
		respData.Meta.Total = total
		respData.Meta.Offset = offset
		respData.Meta.Limit = limit

		response, err := json.Marshal(respData)
		if err != nil {
			log.Printf("Internal Server Error during JSON Marshal: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		etag := generateETag(response)
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.Header().Set("Content-Type", "application/json")
		w.Write(response)
	})

	mux.HandleFunc("/api/delete-match", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}
		userId, ok := requireUser(w, r, accessControl)
		if !ok {
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1048576))
		if err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		var data struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(body, &data); err != nil {
			http.Error(w, "Bad Request: Malformed JSON", http.StatusBadRequest)
			return
		}
		if !isValidUUID(data.ID) {
			http.Error(w, "Bad Request: matchId is missing or invalid", http.StatusBadRequest)
			return
		}
		if registry.MatchExists(data.ID) && registry.GetAccessLevel(userId, data.ID) < AccessAdmin {
			http.Error(w, "Forbidden: Only the owner can delete this match", http.StatusForbidden)
			return
		}

		if raftMgr != nil {
			cmd := RaftCommand{Type: CmdDeleteMatch, ID: data.ID, Timestamp: time.Now().UnixNano()}
			if _, err := raftMgr.Propose(cmd); err != nil {
				if errors.Is(err, ErrNotLeader) {
					r.Body = io.NopCloser(bytes.NewReader(body))
					raftMgr.forwardRequestToLeader(w, r)
					return
				}
				log.Printf("Internal Server Error during DeleteMatch: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
		} else {
			if err := store.DeleteMatch(data.ID); err != nil {
				log.Printf("Internal Server Error during DeleteMatch: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			registry.DeleteMatch(data.ID)
			hm.EvictMatch(data.ID)
		}
		log.Printf("Match %s deleted by %s", data.ID, maskEmail(userId))
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "Match %s deleted successfully", data.ID)
	})

	mux.HandleFunc("/api/check-deletions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}
		userId, ok := requireUser(w, r, accessControl)
		if !ok {
			return
		}
		var req struct {
			MatchIDs []string `json:"matchIds"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&req); err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		var resp struct {
			DeletedMatchIDs []string `json:"deletedMatchIds"`
		}
		resp.DeletedMatchIDs = make([]string, 0)
		for _, id := range req.MatchIDs {
			// Matches the user lost access to look deleted to them.
			if registry.IsMatchDeleted(id) || (registry.MatchExists(id) && registry.GetAccessLevel(userId, id) < AccessRead) {
				resp.DeletedMatchIDs = append(resp.DeletedMatchIDs, id)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("/api/ws", func(w http.ResponseWriter, r *http.Request) {
		userId := getUserID(r)
		if userId != "" {
			if allowed, msg := accessControl.IsAllowed(userId); !allowed {
				http.Error(w, "Forbidden: "+msg, http.StatusForbidden)
				return
			}
		}
		debugf("websocket connection for match %s from %s", r.URL.Query().Get("matchId"), maskEmail(userId))
		ServeWS(hm, w, r)
	})

	if opts.UseMockAuth {
		mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
			user := r.URL.Query().Get("user")
			if user == "" {
				user = "test@example.com"
			}
			http.SetCookie(w, &http.Cookie{
				Name:  mockAuthCookie,
				Value: user,
				Path:  "/",
			})
			w.WriteHeader(http.StatusOK)
		})
		mux.HandleFunc("/.sso/{$}", ssoStatusHandler)
		mux.HandleFunc("/.sso/logout", ssoLogoutHandler)
	}

	handler := http.Handler(mux)
	if opts.UseMockAuth {
		handler = mockAuthMiddleware(handler)
	} else {
		handler = jwtAuthMiddleware(opts, handler)
	}
	handler = loggingMiddleware(handler)
	handler = securityMiddleware(handler)
	handler = cacheControlMiddleware(handler)

	if raftMgr != nil {
		if err := raftMgr.Start(opts.RaftBootstrap); err != nil {
			return nil, nil, fmt.Errorf("failed to start Raft: %w", err)
		}
		if opts.RaftJoin != "" {
			go func() {
				if err := raftMgr.JoinCluster(opts.RaftJoin, joinTimeout); err != nil {
					log.Printf("Failed to join cluster via %s: %v", opts.RaftJoin, err)
				}
			}()
		}
	}
	return raftMgr, handler, nil
}

// cacheControlMiddleware marks every API response as private and
// uncacheable.
func cacheControlMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") || strings.HasPrefix(r.URL.Path, "/.sso/") {
			w.Header().Set("Cache-Control", "private, no-cache, no-transform")
		}
		next.ServeHTTP(w, r)
	})
}

// securityMiddleware adds HTTP security headers to responses.
func securityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

const mockAuthCookie = "mock_auth_user"

// mockAuthMiddleware takes the user id from a plain cookie. For local
// development and tests only.
func mockAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(mockAuthCookie)
		if err == nil && cookie.Value != "" {
			ctx := context.WithValue(r.Context(), userIDKey, normalizeEmail(cookie.Value))
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ssoStatusHandler returns the current user status.
func ssoStatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	userId := getUserID(r)
	if userId == "" {
		w.Write([]byte("null\n"))
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"email": userId,
		"name":  "Test User",
	})
}

// ssoLogoutHandler clears the mock auth cookie.
func ssoLogoutHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:    mockAuthCookie,
		Value:   "",
		Path:    "/",
		Expires: time.Unix(0, 0),
		MaxAge:  -1,
	})
	w.WriteHeader(http.StatusOK)
}

// loggingMiddleware logs the method and URL path of every incoming HTTP request.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("Received request: %s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}
