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
)

// CommandType represents the type of operation to perform on the FSM.
type CommandType string

const (
	CmdApplyAction        CommandType = "APPLY_ACTION"
	CmdDeleteMatch        CommandType = "DELETE_MATCH"
	CmdNodeMeta           CommandType = "NODE_META"
	CmdUpdateAccessPolicy CommandType = "UPDATE_ACCESS_POLICY"
)

// RaftCommand is a unified structure for all Raft log entries.
type RaftCommand struct {
	Type       CommandType       `json:"type"`
	NodeMeta   *NodeMeta         `json:"nodeMeta,omitempty"`
	Action     *ActionPayload    `json:"action,omitempty"`
	PolicyData *UserAccessPolicy `json:"policyData,omitempty"`
	ID         string            `json:"id,omitempty"`
	Timestamp  int64             `json:"ts,omitempty"`
}

// UserAccessPolicy defines global access rules and quotas.
type UserAccessPolicy struct {
	DefaultPolicy      string                  `json:"defaultPolicy"` // "allow" or "deny"
	DefaultMaxMatches  int                     `json:"defaultMaxMatches"`
	DefaultDenyMessage string                  `json:"defaultDenyMessage"`
	Admins             []string                `json:"admins"`
	Users              map[string]UserOverride `json:"users"`
}

// UserOverride defines specific access rules for a single user.
type UserOverride struct {
	Access     string `json:"access"` // "allow" or "deny"
	MaxMatches int    `json:"maxMatches"`
}

// NodeMeta contains metadata about a cluster node.
type NodeMeta struct {
	NodeID          string `json:"nodeId"`
	HttpAddr        string `json:"httpAddr"`
	AppVersion      string `json:"appVersion,omitempty"`
	ProtocolVersion int    `json:"protocolVersion,omitempty"`
	SchemaVersion   int    `json:"schemaVersion,omitempty"`
}

// ActionPayload carries a batch of scoring actions for one match.
type ActionPayload struct {
	MatchID string            `json:"matchId"`
	Actions []json.RawMessage `json:"actions"`
	UserID  string            `json:"userId"`
}
