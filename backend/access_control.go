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
	"fmt"
	"slices"
	"strings"
)

// AccessControl decides who may use the service and how many matches each
// user may own.
type AccessControl struct {
	r              *Registry
	bootstrapAdmin string
}

// NewAccessControl creates a new AccessControl service. bootstrapAdmin is
// always allowed and always an admin, whatever the stored policy says.
func NewAccessControl(r *Registry, bootstrapAdmin string) *AccessControl {
	return &AccessControl{
		r:              r,
		bootstrapAdmin: normalizeEmail(bootstrapAdmin),
	}
}

// IsAllowed reports whether email may use the service. When denied, the
// second value is the message to show the user.
func (ac *AccessControl) IsAllowed(email string) (bool, string) {
	if email == "" {
		return false, "Authentication required"
	}
	if ac.IsAdmin(email) {
		return true, ""
	}
	policy := ac.r.GetAccessPolicy()
	if policy == nil {
		return true, ""
	}
	decision := policy.DefaultPolicy
	if override, ok := policy.Users[normalizeEmail(email)]; ok && override.Access != "" {
		decision = override.Access
	}
	if decision == "deny" {
		return false, policy.DefaultDenyMessage
	}
	return true, ""
}

// IsAdmin reports whether email has admin privileges.
func (ac *AccessControl) IsAdmin(email string) bool {
	email = normalizeEmail(email)
	if email == "" {
		return false
	}
	if ac.bootstrapAdmin != "" && email == ac.bootstrapAdmin {
		return true
	}
	policy := ac.r.GetAccessPolicy()
	if policy == nil {
		return false
	}
	return slices.ContainsFunc(policy.Admins, func(a string) bool {
		return strings.EqualFold(a, email)
	})
}

// MaxMatches returns the number of matches email may own. Zero means no limit
// and a negative value means none at all.
func (ac *AccessControl) MaxMatches(email string) int {
	policy := ac.r.GetAccessPolicy()
	if policy == nil {
		return 0
	}
	limit := policy.DefaultMaxMatches
	if override, ok := policy.Users[normalizeEmail(email)]; ok && override.MaxMatches != 0 {
		limit = override.MaxMatches
	}
	return limit
}

// CheckMatchQuota returns an error if a user owning currentCount matches may
// not start another one.
func (ac *AccessControl) CheckMatchQuota(email string, currentCount int) error {
	if ac.IsAdmin(email) {
		return nil
	}
	limit := ac.MaxMatches(email)
	if limit != 0 && currentCount >= limit {
		return fmt.Errorf("match limit reached (%d)", max(limit, 0))
	}
	return nil
}
