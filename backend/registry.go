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
	"cmp"
	"log"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ttbt-io/wicketkeeper/backend/search"
)

const tombstoneTTL = 30 * 24 * time.Hour
const gcInterval = 12 * time.Hour

// publicUser is the index key for matches anyone can read.
const publicUser = ""

// Registry is the global index of matches. It answers "which matches can
// this user see" without scanning every file on disk.
type Registry struct {
	matchStore *MatchStore

	mu sync.RWMutex
	// members maps a user to the ids of matches that name them.
	members map[string]map[string]bool
	// matchUsers is the reverse of members.
	matchUsers map[string][]string
	matchCount int

	// Metadata cache for sorting and filtering. Also holds tombstones.
	metadata *lru.Cache[string, MatchMetadata]

	accessPolicy *UserAccessPolicy

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates a new Registry and indexes every match in ms.
func NewRegistry(ms *MatchStore) *Registry {
	cache, _ := lru.New[string, MatchMetadata](5000)
	r := &Registry{
		matchStore: ms,
		members:    make(map[string]map[string]bool),
		matchUsers: make(map[string][]string),
		metadata:   cache,
		stopChan:   make(chan struct{}),
	}
	r.Rebuild()
	r.StartGC()
	return r
}

// StartGC starts the background tombstone garbage collector.
func (r *Registry) StartGC() {
	go func() {
		ticker := time.NewTicker(gcInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.PurgeOldTombstones()
			case <-r.stopChan:
				return
			}
		}
	}()
}

// StopGC stops the background tombstone garbage collector.
func (r *Registry) StopGC() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
	})
}

func tombstoneExpired(m MatchMetadata, cutoff int64) bool {
	return m.Status == StatusDeleted && m.DeletedAt > 0 && m.DeletedAt < cutoff
}

// PurgeOldTombstones permanently deletes expired tombstones from disk.
func (r *Registry) PurgeOldTombstones() int {
	log.Println("Registry: Garbage collection of expired tombstones started...")
	cutoff := time.Now().Add(-tombstoneTTL).UnixNano()

	var purged int
	for m, err := range r.matchStore.ListAllMatchMetadata() {
		if err != nil || !tombstoneExpired(m, cutoff) {
			continue
		}
		if err := r.matchStore.PurgeMatch(m.ID); err != nil {
			log.Printf("Registry: Failed to purge match %s: %v", m.ID, err)
			continue
		}
		r.metadata.Remove(m.ID)
		purged++
	}
	if purged > 0 {
		log.Printf("Registry: GC complete. Purged %d matches.", purged)
	}
	return purged
}

// UpdateAccessPolicy updates the cached access policy.
func (r *Registry) UpdateAccessPolicy(policy *UserAccessPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accessPolicy = policy
}

// GetAccessPolicy returns the current access policy.
func (r *Registry) GetAccessPolicy() *UserAccessPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.accessPolicy
}

// Rebuild reconstructs the index by scanning the match store. Expired
// tombstones found along the way are purged.
func (r *Registry) Rebuild() {
	log.Println("Registry: Rebuild started...")
	cutoff := time.Now().Add(-tombstoneTTL).UnixNano()

	r.mu.Lock()
	r.members = make(map[string]map[string]bool)
	r.matchUsers = make(map[string][]string)
	r.matchCount = 0
	r.mu.Unlock()
	r.metadata.Purge()

	for m, err := range r.matchStore.ListAllMatchMetadata() {
		if err != nil {
			log.Printf("Registry: Error listing matches: %v", err)
			break
		}
		if tombstoneExpired(m, cutoff) {
			r.matchStore.PurgeMatch(m.ID)
			continue
		}
		r.indexMatch(m)
	}

	r.mu.RLock()
	log.Printf("Registry: Rebuild complete. Indexed %d matches.", r.matchCount)
	r.mu.RUnlock()
}

// memberIDs returns everyone a match grants access to, including the public
// key when the match is publicly readable.
func memberIDs(m MatchMetadata) []string {
	set := map[string]bool{}
	if m.OwnerID != "" {
		set[normalizeEmail(m.OwnerID)] = true
	}
	for u := range m.Permissions.Users {
		set[normalizeEmail(u)] = true
	}
	if m.Permissions.Public == "read" {
		set[publicUser] = true
	}
	return slices.Sorted(maps.Keys(set))
}

// indexMatch records m in the metadata cache and the membership index.
func (r *Registry) indexMatch(m MatchMetadata) {
	r.metadata.Add(m.ID, m)

	r.mu.Lock()
	defer r.mu.Unlock()

	old, known := r.matchUsers[m.ID]
	for _, u := range old {
		if set := r.members[u]; set != nil {
			delete(set, m.ID)
			if len(set) == 0 {
				delete(r.members, u)
			}
		}
	}
	if m.Status == StatusDeleted {
		if known {
			delete(r.matchUsers, m.ID)
			r.matchCount--
		}
		return
	}
	users := memberIDs(m)
	for _, u := range users {
		if r.members[u] == nil {
			r.members[u] = make(map[string]bool)
		}
		r.members[u][m.ID] = true
	}
	r.matchUsers[m.ID] = users
	if !known {
		r.matchCount++
	}
}

// UpdateMatch re-indexes a match after it changed.
func (r *Registry) UpdateMatch(m *Match) {
	r.indexMatch(*m.Metadata())
}

// DeleteMatch marks a match as deleted in the index.
func (r *Registry) DeleteMatch(id string) {
	m, ok := r.metadata.Get(id)
	if !ok {
		m = MatchMetadata{ID: id}
	}
	m.Status = StatusDeleted
	if m.DeletedAt == 0 {
		m.DeletedAt = time.Now().UnixNano()
	}
	r.indexMatch(m)
}

func (r *Registry) getMeta(id string) (MatchMetadata, bool) {
	if m, ok := r.metadata.Get(id); ok {
		return m, true
	}
	match, err := r.matchStore.LoadMatch(id)
	if err != nil {
		return MatchMetadata{}, false
	}
	m := *match.Metadata()
	r.metadata.Add(id, m)
	return m, true
}

// IsMatchDeleted reports whether id refers to a tombstone.
func (r *Registry) IsMatchDeleted(id string) bool {
	m, ok := r.getMeta(id)
	return ok && m.Status == StatusDeleted
}

// MatchExists reports whether id refers to a live or complete match.
func (r *Registry) MatchExists(id string) bool {
	m, ok := r.getMeta(id)
	return ok && m.Status != StatusDeleted
}

// GetAccessLevel returns the effective access level of userId on a match
// using indexed metadata.
func (r *Registry) GetAccessLevel(userId, matchId string) AccessLevel {
	m, ok := r.getMeta(matchId)
	if !ok {
		return AccessNone
	}
	return GetMatchAccess(userId, m)
}

// CountOwnedMatches returns the number of live or complete matches owned by
// userId.
func (r *Registry) CountOwnedMatches(userId string) int {
	userId = normalizeEmail(userId)
	if userId == "" {
		return 0
	}
	r.mu.RLock()
	ids := slices.Collect(maps.Keys(r.members[userId]))
	r.mu.RUnlock()

	var n int
	for _, id := range ids {
		if m, ok := r.getMeta(id); ok && normalizeEmail(m.OwnerID) == userId {
			n++
		}
	}
	return n
}

// CountTotalMatches returns the number of indexed matches.
func (r *Registry) CountTotalMatches() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.matchCount
}

// ListMatches returns the ids of the matches userId can read, filtered by
// query and sorted by sortBy ("date", "venue", "team" or "id").
func (r *Registry) ListMatches(userId, sortBy, order, query string) []string {
	if sortBy == "" {
		sortBy = "date"
	}
	if order == "" {
		order = "desc"
	}

	q := search.Parse(query)
	for i, t := range q.FreeText {
		q.FreeText[i] = strings.ToLower(t)
	}
	for i, f := range q.Filters {
		if f.Key != "date" {
			q.Filters[i].Value = strings.ToLower(f.Value)
		}
	}

	userId = normalizeEmail(userId)
	r.mu.RLock()
	candidates := make(map[string]bool)
	maps.Copy(candidates, r.members[publicUser])
	if userId != "" {
		maps.Copy(candidates, r.members[userId])
	}
	r.mu.RUnlock()

	var metas []MatchMetadata
	for id := range candidates {
		m, ok := r.getMeta(id)
		if !ok || m.Status == StatusDeleted || !matchesQuery(m, q) {
			continue
		}
		metas = append(metas, m)
	}

	key := func(m MatchMetadata) string {
		switch sortBy {
		case "date":
			return m.Date
		case "venue":
			return strings.ToLower(m.Venue)
		case "team":
			return strings.ToLower(m.Team1)
		}
		return ""
	}
	slices.SortFunc(metas, func(a, b MatchMetadata) int {
		c := cmp.Or(cmp.Compare(key(a), key(b)), cmp.Compare(a.ID, b.ID))
		if order == "desc" {
			return -c
		}
		return c
	})

	ids := make([]string, 0, len(metas))
	for _, m := range metas {
		ids = append(ids, m.ID)
	}
	return ids
}

func containsLower(s, substrLower string) bool {
	return strings.Contains(strings.ToLower(s), substrLower)
}

func matchesQuery(m MatchMetadata, q search.Query) bool {
	for _, token := range q.FreeText {
		match := containsLower(m.Team1, token) ||
			containsLower(m.Team2, token) ||
			containsLower(m.Venue, token)
		if !match {
			return false
		}
	}
	for _, f := range q.Filters {
		var ok bool
		switch f.Key {
		case "team":
			ok = containsLower(m.Team1, f.Value) || containsLower(m.Team2, f.Value)
		case "team1":
			ok = containsLower(m.Team1, f.Value)
		case "team2":
			ok = containsLower(m.Team2, f.Value)
		case "venue":
			ok = containsLower(m.Venue, f.Value)
		case "status":
			ok = m.Status == f.Value
		case "date":
			ok = checkDateFilter(m.Date, f)
		default:
			ok = true
		}
		if !ok {
			return false
		}
	}
	return true
}

func checkDateFilter(dateVal string, f search.Filter) bool {
	switch f.Operator {
	case search.OpEqual:
		return strings.HasPrefix(dateVal, f.Value)
	case search.OpGreater:
		return dateVal > f.Value
	case search.OpGreaterOrEqual:
		return dateVal >= f.Value
	case search.OpLess:
		return dateVal < f.Value
	case search.OpLessOrEqual:
		return dateVal <= f.Value
	case search.OpRange:
		return dateVal >= f.Value && dateVal <= f.MaxValue+"~"
	}
	return true
}
