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

const (
	CurrentSchemaVersion   = 1
	CurrentProtocolVersion = 1
	CurrentAppVersion      = "0.1.0"
)

// Action types.
const (
	ActionMatchStart          = "MATCH_START"
	ActionDelivery            = "DELIVERY"
	ActionWicketArm           = "WICKET_ARM"
	ActionWicketDisarm        = "WICKET_DISARM"
	ActionExtraArm            = "EXTRA_ARM"
	ActionExtraDisarm         = "EXTRA_DISARM"
	ActionCompleteInnings     = "COMPLETE_INNINGS"
	ActionResetMatch          = "RESET_MATCH"
	ActionSetMaxOvers         = "SET_MAX_OVERS"
	ActionUndo                = "UNDO"
	ActionMatchMetadataUpdate = "MATCH_METADATA_UPDATE"
)

// Match statuses.
const (
	StatusLive     = "live"
	StatusComplete = "complete"
	StatusDeleted  = "deleted"
)

// Setup limits.
const (
	MaxOversLimit  = 50
	MaxTeamNameLen = 50
	MaxVenueLen    = 100
)
