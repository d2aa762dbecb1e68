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
	"fmt"
	"net/mail"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ttbt-io/wicketkeeper/backend/cricket"
)

// isValidUUID checks if the string is a valid UUID in its canonical
// 8-4-4-4-12 form.
func isValidUUID(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// isValidEmail checks if the string is a valid email address.
func isValidEmail(email string) bool {
	_, err := mail.ParseAddress(email)
	return err == nil
}

// runButtons are the run values the scorer can press.
var runButtons = []int{0, 1, 2, 3, 4, 6}

// BaseAction represents the common fields of an action.
type BaseAction struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     int64           `json:"timestamp"`
	SchemaVersion int             `json:"schemaVersion,omitempty"`
}

// ValidateMatchData validates a whole match record including its action log.
func ValidateMatchData(data []byte) error {
	var m struct {
		ID        string            `json:"id"`
		ActionLog []json.RawMessage `json:"actionLog"`
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("invalid match JSON: %w", err)
	}
	if !isValidUUID(m.ID) {
		return fmt.Errorf("invalid match ID format: %s", m.ID)
	}
	return ValidateActions(m.ActionLog)
}

// ValidateAction validates a single action from raw JSON.
func ValidateAction(raw json.RawMessage) error {
	var action BaseAction
	if err := json.Unmarshal(raw, &action); err != nil {
		return fmt.Errorf("malformed action JSON")
	}
	if !isValidUUID(action.ID) {
		return fmt.Errorf("invalid action ID: %s", action.ID)
	}
	if action.Type == "" {
		return fmt.Errorf("missing action type")
	}
	if action.SchemaVersion > CurrentSchemaVersion {
		return fmt.Errorf("unsupported schema version %d", action.SchemaVersion)
	}
	return validateActionPayload(action.Type, action.Payload)
}

// ValidateActions validates a list of actions.
func ValidateActions(actions []json.RawMessage) error {
	for i, raw := range actions {
		if err := ValidateAction(raw); err != nil {
			return fmt.Errorf("invalid action at index %d: %w", i, err)
		}
	}
	return nil
}

func validateActionPayload(actionType string, payload json.RawMessage) error {
	switch actionType {
	case ActionMatchStart:
		return validateMatchStart(payload)
	case ActionDelivery:
		return validateDelivery(payload)
	case ActionExtraArm:
		return validateExtraArm(payload)
	case ActionSetMaxOvers:
		return validateSetMaxOvers(payload)
	case ActionUndo:
		return validateUndo(payload)
	case ActionMatchMetadataUpdate:
		return validateMatchMetadataUpdate(payload)
	case ActionWicketArm, ActionWicketDisarm, ActionExtraDisarm,
		ActionCompleteInnings, ActionResetMatch:
		return nil // No payload
	default:
		return fmt.Errorf("unknown action type: %s", actionType)
	}
}

// validateStringLen checks if the string length is within the limit.
func validateStringLen(s string, max int, name string) error {
	if len(s) > max {
		return fmt.Errorf("%s too long (max %d chars)", name, max)
	}
	return nil
}

func unmarshalPayload(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return fmt.Errorf("missing payload")
	}
	return json.Unmarshal(payload, v)
}

// --- Specific Payload Validators ---

// MatchStartPayload is the payload of MATCH_START.
type MatchStartPayload struct {
	ID             string      `json:"id"`
	Team1          string      `json:"team1"`
	Team2          string      `json:"team2"`
	Overs          int         `json:"overs"`
	WicketLimit    int         `json:"wicketLimit,omitempty"`
	IncludeWides   *bool       `json:"includeWides,omitempty"`
	IncludeNoBalls *bool       `json:"includeNoBalls,omitempty"`
	ExtraPenalty   bool        `json:"extraPenalty,omitempty"`
	PenaltyAfter   int         `json:"penaltyAfter,omitempty"`
	Date           string      `json:"date"`
	Venue          string      `json:"venue,omitempty"`
	OwnerID        string      `json:"ownerId,omitempty"`
	Permissions    Permissions `json:"permissions,omitempty"`
}

// Rules converts the setup form into engine rules. Extras are tracked unless
// explicitly turned off.
func (p MatchStartPayload) Rules() cricket.Rules {
	return cricket.Rules{
		WicketLimit:   p.WicketLimit,
		IgnoreWides:   p.IncludeWides != nil && !*p.IncludeWides,
		IgnoreNoBalls: p.IncludeNoBalls != nil && !*p.IncludeNoBalls,
		ExtraPenalty:  p.ExtraPenalty,
		PenaltyAfter:  p.PenaltyAfter,
	}
}

func validateMatchStart(payload json.RawMessage) error {
	var p MatchStartPayload
	if err := unmarshalPayload(payload, &p); err != nil {
		return err
	}
	if !isValidUUID(p.ID) {
		return fmt.Errorf("invalid match ID in payload")
	}
	if p.Team1 == "" || p.Team2 == "" {
		return fmt.Errorf("missing team names")
	}
	if err := validateStringLen(p.Team1, MaxTeamNameLen, "team1"); err != nil {
		return err
	}
	if err := validateStringLen(p.Team2, MaxTeamNameLen, "team2"); err != nil {
		return err
	}
	if err := validateStringLen(p.Venue, MaxVenueLen, "venue"); err != nil {
		return err
	}
	if p.Overs < 1 || p.Overs > MaxOversLimit {
		return fmt.Errorf("invalid overs: %d", p.Overs)
	}
	if p.WicketLimit < 0 || p.WicketLimit > cricket.SquadWickets {
		return fmt.Errorf("invalid wicket limit: %d", p.WicketLimit)
	}
	if p.PenaltyAfter < 0 || p.PenaltyAfter > cricket.BallsPerOver {
		return fmt.Errorf("invalid penaltyAfter: %d", p.PenaltyAfter)
	}
	if _, err := time.Parse(time.RFC3339, p.Date); err != nil {
		return fmt.Errorf("invalid date format: %v", err)
	}
	return validatePermissions(p.Permissions)
}

func validatePermissions(p Permissions) error {
	switch p.Public {
	case "", "none", "read":
	default:
		return fmt.Errorf("invalid public permission: %s", p.Public)
	}
	for email, level := range p.Users {
		if !isValidEmail(email) {
			return fmt.Errorf("invalid email in permissions: %s", email)
		}
		if level != "read" && level != "write" {
			return fmt.Errorf("invalid permission level for %s: %s", email, level)
		}
	}
	return nil
}

func validateDelivery(payload json.RawMessage) error {
	var p struct {
		Runs int `json:"runs"`
	}
	if err := unmarshalPayload(payload, &p); err != nil {
		return err
	}
	if !slices.Contains(runButtons, p.Runs) {
		return fmt.Errorf("invalid runs: %d", p.Runs)
	}
	return nil
}

func validateExtraArm(payload json.RawMessage) error {
	var p struct {
		Kind cricket.ExtraKind `json:"kind"`
	}
	if err := unmarshalPayload(payload, &p); err != nil {
		return err
	}
	if !p.Kind.Valid() {
		return fmt.Errorf("invalid extra kind: %q", p.Kind)
	}
	return nil
}

func validateSetMaxOvers(payload json.RawMessage) error {
	var p struct {
		Overs int `json:"overs"`
	}
	if err := unmarshalPayload(payload, &p); err != nil {
		return err
	}
	if p.Overs < 1 || p.Overs > MaxOversLimit {
		return fmt.Errorf("invalid overs: %d", p.Overs)
	}
	return nil
}

func validateUndo(payload json.RawMessage) error {
	var p struct {
		RefId string `json:"refId"`
	}
	if err := unmarshalPayload(payload, &p); err != nil {
		return err
	}
	if !isValidUUID(p.RefId) {
		return fmt.Errorf("invalid refId")
	}
	return nil
}

func validateMatchMetadataUpdate(payload json.RawMessage) error {
	var p struct {
		Venue       *string      `json:"venue"`
		Date        *string      `json:"date"`
		Team1       *string      `json:"team1"`
		Team2       *string      `json:"team2"`
		Permissions *Permissions `json:"permissions"`
	}
	if err := unmarshalPayload(payload, &p); err != nil {
		return err
	}
	if p.Venue != nil {
		if err := validateStringLen(*p.Venue, MaxVenueLen, "venue"); err != nil {
			return err
		}
	}
	if p.Date != nil {
		if _, err := time.Parse(time.RFC3339, *p.Date); err != nil {
			return fmt.Errorf("invalid date format: %v", err)
		}
	}
	for _, team := range []*string{p.Team1, p.Team2} {
		if team == nil {
			continue
		}
		if *team == "" {
			return fmt.Errorf("empty team name")
		}
		if err := validateStringLen(*team, MaxTeamNameLen, "team name"); err != nil {
			return err
		}
	}
	if p.Permissions != nil {
		return validatePermissions(*p.Permissions)
	}
	return nil
}
