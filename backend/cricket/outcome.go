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

import "fmt"

// Overs formats the overs bowled in the current innings as "<overs>.<balls>".
func (in InningsState) Overs() string {
	return fmt.Sprintf("%d.%d", in.LegalBalls/BallsPerOver, in.LegalBalls%BallsPerOver)
}

// RunRate is runs per six legal balls.
func (in InningsState) RunRate() float64 {
	if in.LegalBalls == 0 {
		return 0
	}
	return float64(in.Runs) * BallsPerOver / float64(in.LegalBalls)
}

// RunsNeeded is the number of runs the chasing side still needs. It is zero
// outside the chase.
func (s MatchState) RunsNeeded() int {
	if s.IsFirstInnings || s.Target == nil {
		return 0
	}
	return max(*s.Target-s.Current.Runs, 0)
}

// BallsRemaining returns the legal balls left in the innings. ok is false
// when no overs limit is configured.
func (s MatchState) BallsRemaining() (n int, ok bool) {
	if s.MaxOvers <= 0 {
		return 0, false
	}
	return max(s.MaxOvers*BallsPerOver-s.Current.LegalBalls, 0), true
}

// RequiredRunRate is the run rate the chasing side needs from the balls left.
// It is zero outside the chase or without an overs limit.
func (s MatchState) RequiredRunRate() float64 {
	left, ok := s.BallsRemaining()
	if !ok || left == 0 || s.RunsNeeded() == 0 {
		return 0
	}
	return float64(s.RunsNeeded()) * BallsPerOver / float64(left)
}

// Side identifies a team by batting order.
type Side int

const (
	NoSide Side = iota
	BattingFirst
	BattingSecond
)

// ResultKind is the state of the match result.
type ResultKind string

const (
	ResultPending ResultKind = "pending"
	ResultWon     ResultKind = "won"
	ResultTie     ResultKind = "tie"
)

// Outcome is the result of a finished match.
type Outcome struct {
	Kind   ResultKind `json:"kind"`
	Winner Side       `json:"winner,omitempty"`
	Margin int        `json:"margin,omitempty"`
	// Unit is "runs" or "wickets".
	Unit string `json:"unit,omitempty"`
}

// Result derives the outcome. It is pending until the match is complete.
func (s MatchState) Result() Outcome {
	if !s.Complete || s.Target == nil {
		return Outcome{Kind: ResultPending}
	}
	target := *s.Target
	runs := s.Current.Runs
	switch {
	case runs >= target:
		return Outcome{Kind: ResultWon, Winner: BattingSecond, Margin: SquadWickets - s.Current.Wickets, Unit: "wickets"}
	case runs == target-1:
		return Outcome{Kind: ResultTie}
	default:
		return Outcome{Kind: ResultWon, Winner: BattingFirst, Margin: target - 1 - runs, Unit: "runs"}
	}
}

// Describe renders the outcome for display. team1 batted first.
func (o Outcome) Describe(team1, team2 string) string {
	switch o.Kind {
	case ResultTie:
		return "Match Tied!"
	case ResultWon:
		name := team1
		if o.Winner == BattingSecond {
			name = team2
		}
		unit := o.Unit
		if o.Margin == 1 {
			unit = unit[:len(unit)-1]
		}
		return fmt.Sprintf("%s won by %d %s", name, o.Margin, unit)
	}
	return ""
}
