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

import "slices"

// NewMatch returns the initial state of a match: first innings, nothing
// bowled, no target.
func NewMatch(maxOvers int, rules Rules) MatchState {
	return MatchState{
		IsFirstInnings: true,
		MaxOvers:       max(maxOvers, 0),
		Rules:          rules.normalize(),
		Current:        newInnings(),
	}
}

func newInnings() InningsState {
	return InningsState{
		CompletedOvers:   []OverRecord{},
		CurrentOverBalls: []BallOutcome{},
	}
}

// Phase reports where the match is in its lifecycle.
func (s MatchState) Phase() Phase {
	switch {
	case s.Complete:
		return PhaseComplete
	case s.IsFirstInnings:
		return PhaseFirstInnings
	default:
		return PhaseSecondInnings
	}
}

// RecordDelivery applies a press of a run button. With an extra armed the
// value is credited as extra runs, otherwise as runs off the bat.
func (s MatchState) RecordDelivery(runs int) MatchState {
	if s.Complete {
		return s
	}
	runs = max(runs, 0)
	rules := s.Rules.normalize()
	in := s.Current

	ball := BallOutcome{Kind: KindNormal}
	if in.PendingExtra.Active && in.PendingExtra.Kind.Valid() {
		ball.Extra = in.PendingExtra.Kind
		ball.ExtraRuns = runs
		if rules.ExtraPenalty && countExtras(in.CurrentOverBalls) >= rules.PenaltyAfter {
			ball.ExtraRuns++
		}
		if ball.Extra == ExtraWide {
			ball.Kind = KindWide
		} else {
			ball.Kind = KindNoBall
		}
	} else {
		ball.RunsOffBat = runs
	}
	if in.PendingWicket {
		ball.Kind = KindWicket
		in.Wickets = min(in.Wickets+1, SquadWickets)
	}

	in.Runs += ball.Total()
	in.Extras += ball.ExtraRuns
	in.CurrentOverBalls = append(slices.Clone(in.CurrentOverBalls), ball)

	if ball.Legal() {
		in.LegalBalls++
		if in.LegalBalls%BallsPerOver == 0 {
			in.CompletedOvers = append(slices.Clone(in.CompletedOvers), sealOver(len(in.CompletedOvers), in.CurrentOverBalls))
			in.CurrentOverBalls = []BallOutcome{}
		}
	}

	in.PendingWicket = false
	in.PendingExtra = PendingExtra{}
	s.Current = in

	if s.inningsOver(rules) {
		return s.closeInnings()
	}
	return s
}

func (s MatchState) inningsOver(rules Rules) bool {
	in := s.Current
	if s.MaxOvers > 0 && len(in.CompletedOvers) >= s.MaxOvers {
		return true
	}
	if in.Wickets >= rules.WicketLimit {
		return true
	}
	return !s.IsFirstInnings && s.Target != nil && in.Runs >= *s.Target
}

// closeInnings moves a first innings into the chase, or ends the match.
func (s MatchState) closeInnings() MatchState {
	if !s.IsFirstInnings {
		s.Complete = true
		return s
	}
	target := s.Current.Runs + 1
	sealed := s.Current
	sealed.PendingWicket = false
	sealed.PendingExtra = PendingExtra{}
	s.Target = &target
	s.FirstInnings = &sealed
	s.Current = newInnings()
	s.IsFirstInnings = false
	return s
}

func sealOver(number int, balls []BallOutcome) OverRecord {
	o := OverRecord{
		OverNumber: number,
		Balls:      slices.Clone(balls),
	}
	for _, b := range balls {
		o.TotalRuns += b.Total()
		o.TotalExtras += b.ExtraRuns
	}
	return o
}

func countExtras(balls []BallOutcome) int {
	n := 0
	for _, b := range balls {
		if !b.Legal() {
			n++
		}
	}
	return n
}

// ArmWicket marks the next delivery as a dismissal.
func (s MatchState) ArmWicket() MatchState {
	if s.Complete {
		return s
	}
	s.Current.PendingWicket = true
	return s
}

// DisarmWicket clears a pending dismissal.
func (s MatchState) DisarmWicket() MatchState {
	if s.Complete {
		return s
	}
	s.Current.PendingWicket = false
	return s
}

// ArmExtra marks the next delivery as a wide or no-ball. Arming replaces a
// different pending extra and leaves a pending wicket alone. Extras the
// rules do not track cannot be armed.
func (s MatchState) ArmExtra(kind ExtraKind) MatchState {
	if s.Complete || !kind.Valid() || !s.Rules.Allows(kind) {
		return s
	}
	s.Current.PendingExtra = PendingExtra{Active: true, Kind: kind}
	return s
}

// DisarmExtra clears a pending extra.
func (s MatchState) DisarmExtra() MatchState {
	if s.Complete {
		return s
	}
	s.Current.PendingExtra = PendingExtra{}
	return s
}

// CompleteInnings closes the current innings regardless of overs or
// wickets. In the chase it ends the match.
func (s MatchState) CompleteInnings() MatchState {
	if s.Complete {
		return s
	}
	return s.closeInnings()
}

// ResetMatch discards all scoring and starts again from the first innings.
// The overs limit and rules carry over.
func (s MatchState) ResetMatch() MatchState {
	return NewMatch(s.MaxOvers, s.Rules)
}

// SetMaxOvers sets the overs limit. Non-positive values are ignored.
func (s MatchState) SetMaxOvers(n int) MatchState {
	if s.Complete || n <= 0 {
		return s
	}
	s.MaxOvers = n
	return s
}
