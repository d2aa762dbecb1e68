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

package cricket

// EventType names an engine transition.
type EventType string

const (
	EventStart           EventType = "start"
	EventDelivery        EventType = "delivery"
	EventArmWicket       EventType = "armWicket"
	EventDisarmWicket    EventType = "disarmWicket"
	EventArmExtra        EventType = "armExtra"
	EventDisarmExtra     EventType = "disarmExtra"
	EventCompleteInnings EventType = "completeInnings"
	EventResetMatch      EventType = "resetMatch"
	EventSetMaxOvers     EventType = "setMaxOvers"
)

// Event is one input to Apply. Only the fields relevant to Type are read.
type Event struct {
	Type  EventType `json:"type"`
	Runs  int       `json:"runs,omitempty"`
	Extra ExtraKind `json:"extra,omitempty"`
	Overs int       `json:"overs,omitempty"`
	Rules *Rules    `json:"rules,omitempty"`
}

// Apply returns the state that follows s after ev. Unknown events leave the
// state unchanged.
func Apply(s MatchState, ev Event) MatchState {
	switch ev.Type {
	case EventStart:
		rules := s.Rules
		if ev.Rules != nil {
			rules = *ev.Rules
		}
		return NewMatch(ev.Overs, rules)
	case EventDelivery:
		return s.RecordDelivery(ev.Runs)
	case EventArmWicket:
		return s.ArmWicket()
	case EventDisarmWicket:
		return s.DisarmWicket()
	case EventArmExtra:
		return s.ArmExtra(ev.Extra)
	case EventDisarmExtra:
		return s.DisarmExtra()
	case EventCompleteInnings:
		return s.CompleteInnings()
	case EventResetMatch:
		return s.ResetMatch()
	case EventSetMaxOvers:
		return s.SetMaxOvers(ev.Overs)
	}
	return s
}

// Replay folds events over a fresh match.
func Replay(maxOvers int, rules Rules, events []Event) MatchState {
	s := NewMatch(maxOvers, rules)
	for _, ev := range events {
		s = Apply(s, ev)
	}
	return s
}
