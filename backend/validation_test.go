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
	"testing"

	"github.com/google/uuid"
)

func mkAction(t testing.TB, actionType string, payload any) json.RawMessage {
	t.Helper()
	a := map[string]any{
		"id":            uuid.NewString(),
		"type":          actionType,
		"timestamp":     1700000000000,
		"schemaVersion": CurrentSchemaVersion,
	}
	if payload != nil {
		a["payload"] = payload
	}
	b, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}

func mkStart(t testing.TB, matchID, owner string, overs int) json.RawMessage {
	return mkAction(t, ActionMatchStart, map[string]any{
		"id":      matchID,
		"team1":   "Lions",
		"team2":   "Tigers",
		"overs":   overs,
		"date":    "2026-05-01T14:00:00Z",
		"venue":   "Oval",
		"ownerId": owner,
	})
}

func mkDelivery(t testing.TB, runs int) json.RawMessage {
	return mkAction(t, ActionDelivery, map[string]any{"runs": runs})
}

func actionID(t testing.TB, raw json.RawMessage) string {
	t.Helper()
	var a BaseAction
	if err := json.Unmarshal(raw, &a); err != nil {
		t.Fatalf("json.Unmarshal: %v", err)
	}
	return a.ID
}

func TestValidateAction(t *testing.T) {
	validUUID := "aaaaaaaa-aaaa-4aaa-aaaa-aaaaaaaaaaaa"

	tests := []struct {
		name    string
		action  string
		wantErr bool
	}{
		{
			name: "Valid MATCH_START",
			action: fmt.Sprintf(`{
				"id": "%s",
				"type": "MATCH_START",
				"payload": {
					"id": "%s",
					"date": "2025-12-18T14:57:39Z",
					"team1": "Lions",
					"team2": "Tigers",
					"overs": 20,
					"includeWides": false
				}
			}`, validUUID, validUUID),
		},
		{
			name: "MATCH_START zero overs",
			action: fmt.Sprintf(`{"id": "%s", "type": "MATCH_START", "payload": {
				"id": "%s", "date": "2025-12-18T14:57:39Z", "team1": "A", "team2": "B", "overs": 0}}`, validUUID, validUUID),
			wantErr: true,
		},
		{
			name: "MATCH_START too many overs",
			action: fmt.Sprintf(`{"id": "%s", "type": "MATCH_START", "payload": {
				"id": "%s", "date": "2025-12-18T14:57:39Z", "team1": "A", "team2": "B", "overs": 51}}`, validUUID, validUUID),
			wantErr: true,
		},
		{
			name: "MATCH_START missing team",
			action: fmt.Sprintf(`{"id": "%s", "type": "MATCH_START", "payload": {
				"id": "%s", "date": "2025-12-18T14:57:39Z", "team1": "A", "overs": 5}}`, validUUID, validUUID),
			wantErr: true,
		},
		{
			name: "MATCH_START bad date",
			action: fmt.Sprintf(`{"id": "%s", "type": "MATCH_START", "payload": {
				"id": "%s", "date": "yesterday", "team1": "A", "team2": "B", "overs": 5}}`, validUUID, validUUID),
			wantErr: true,
		},
		{
			name: "MATCH_START penaltyAfter out of range",
			action: fmt.Sprintf(`{"id": "%s", "type": "MATCH_START", "payload": {
				"id": "%s", "date": "2025-12-18T14:57:39Z", "team1": "A", "team2": "B", "overs": 5, "penaltyAfter": 7}}`, validUUID, validUUID),
			wantErr: true,
		},
		{
			name: "MATCH_START bad permission",
			action: fmt.Sprintf(`{"id": "%s", "type": "MATCH_START", "payload": {
				"id": "%s", "date": "2025-12-18T14:57:39Z", "team1": "A", "team2": "B", "overs": 5,
				"permissions": {"users": {"bob@example.com": "owner"}}}}`, validUUID, validUUID),
			wantErr: true,
		},
		{
			name:   "Valid DELIVERY",
			action: fmt.Sprintf(`{"id": "%s", "type": "DELIVERY", "payload": {"runs": 6}}`, validUUID),
		},
		{
			name:    "DELIVERY five runs",
			action:  fmt.Sprintf(`{"id": "%s", "type": "DELIVERY", "payload": {"runs": 5}}`, validUUID),
			wantErr: true,
		},
		{
			name:    "DELIVERY negative runs",
			action:  fmt.Sprintf(`{"id": "%s", "type": "DELIVERY", "payload": {"runs": -1}}`, validUUID),
			wantErr: true,
		},
		{
			name:    "DELIVERY without payload",
			action:  fmt.Sprintf(`{"id": "%s", "type": "DELIVERY"}`, validUUID),
			wantErr: true,
		},
		{
			name:   "Valid EXTRA_ARM",
			action: fmt.Sprintf(`{"id": "%s", "type": "EXTRA_ARM", "payload": {"kind": "noBall"}}`, validUUID),
		},
		{
			name:    "EXTRA_ARM unknown kind",
			action:  fmt.Sprintf(`{"id": "%s", "type": "EXTRA_ARM", "payload": {"kind": "bye"}}`, validUUID),
			wantErr: true,
		},
		{
			name:   "WICKET_ARM has no payload",
			action: fmt.Sprintf(`{"id": "%s", "type": "WICKET_ARM"}`, validUUID),
		},
		{
			name:    "SET_MAX_OVERS zero",
			action:  fmt.Sprintf(`{"id": "%s", "type": "SET_MAX_OVERS", "payload": {"overs": 0}}`, validUUID),
			wantErr: true,
		},
		{
			name:   "Valid UNDO",
			action: fmt.Sprintf(`{"id": "%s", "type": "UNDO", "payload": {"refId": "%s"}}`, validUUID, validUUID),
		},
		{
			name:    "UNDO bad refId",
			action:  fmt.Sprintf(`{"id": "%s", "type": "UNDO", "payload": {"refId": "nope"}}`, validUUID),
			wantErr: true,
		},
		{
			name:   "Valid MATCH_METADATA_UPDATE",
			action: fmt.Sprintf(`{"id": "%s", "type": "MATCH_METADATA_UPDATE", "payload": {"venue": "Lord's", "permissions": {"public": "read"}}}`, validUUID),
		},
		{
			name:    "MATCH_METADATA_UPDATE empty team",
			action:  fmt.Sprintf(`{"id": "%s", "type": "MATCH_METADATA_UPDATE", "payload": {"team1": ""}}`, validUUID),
			wantErr: true,
		},
		{
			name:    "Invalid ID",
			action:  `{"id": "123", "type": "WICKET_ARM"}`,
			wantErr: true,
		},
		{
			name:    "Unknown type",
			action:  fmt.Sprintf(`{"id": "%s", "type": "PITCH"}`, validUUID),
			wantErr: true,
		},
		{
			name:    "Future schema",
			action:  fmt.Sprintf(`{"id": "%s", "type": "WICKET_ARM", "schemaVersion": 99}`, validUUID),
			wantErr: true,
		},
		{
			name:    "Malformed JSON",
			action:  `{"id": `,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAction(json.RawMessage(tt.action))
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAction() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateActions(t *testing.T) {
	good := mkDelivery(t, 1)
	bad := json.RawMessage(`{"id": "x", "type": "DELIVERY"}`)

	if err := ValidateActions([]json.RawMessage{good, good}); err != nil {
		t.Errorf("ValidateActions(good) = %v", err)
	}
	err := ValidateActions([]json.RawMessage{good, bad})
	if err == nil {
		t.Fatal("ValidateActions(bad) = nil")
	}
	if want := "invalid action at index 1"; len(err.Error()) < len(want) || err.Error()[:len(want)] != want {
		t.Errorf("error = %q, want prefix %q", err, want)
	}
}

func TestValidateMatchData(t *testing.T) {
	id := uuid.NewString()
	data, _ := json.Marshal(map[string]any{
		"id":        id,
		"actionLog": []json.RawMessage{mkStart(t, id, "a@example.com", 2), mkDelivery(t, 4)},
	})
	if err := ValidateMatchData(data); err != nil {
		t.Errorf("ValidateMatchData() = %v", err)
	}
	if err := ValidateMatchData([]byte(`{"id": "bad"}`)); err == nil {
		t.Error("ValidateMatchData(bad id) = nil")
	}
}

func TestIsValidUUID(t *testing.T) {
	for id, want := range map[string]bool{
		"aaaaaaaa-aaaa-4aaa-aaaa-aaaaaaaaaaaa":          true,
		"AAAAAAAA-AAAA-4AAA-AAAA-AAAAAAAAAAAA":          true,
		"aaaaaaaaaaaa4aaaaaaaaaaaaaaaaaaa":              false,
		"urn:uuid:aaaaaaaa-aaaa-4aaa-aaaa-aaaaaaaaaaaa": false,
		"gggggggg-aaaa-4aaa-aaaa-aaaaaaaaaaaa":          false,
	} {
		if got := isValidUUID(id); got != want {
			t.Errorf("isValidUUID(%q) = %v, want %v", id, got, want)
		}
	}
}
