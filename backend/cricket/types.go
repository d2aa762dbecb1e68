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

// Package cricket implements the ball-by-ball scoring state machine for a
// two-innings limited-overs cricket match.
//
// Every operation is a pure function of a MatchState value: the receiver is
// never modified and a new state is returned. Callers that share a state
// between goroutines must serialize the calls themselves.
package cricket

const (
	// BallsPerOver is the number of legal deliveries in an over.
	BallsPerOver = 6

	// DefaultWicketLimit ends an innings one wicket short of all out.
	DefaultWicketLimit = 9

	// SquadWickets is the number of wickets a full side can lose.
	SquadWickets = 10
)

// BallKind tags a recorded ball. A ball carries exactly one kind; a wicket
// wins over an extra.
type BallKind string

const (
	KindNormal BallKind = "normal"
	KindWide   BallKind = "wide"
	KindNoBall BallKind = "noBall"
	KindWicket BallKind = "wicket"
)

// ExtraKind is the type of illegal delivery a ball was bowled as.
type ExtraKind string

const (
	ExtraNone   ExtraKind = ""
	ExtraWide   ExtraKind = "wide"
	ExtraNoBall ExtraKind = "noBall"
)

// Valid reports whether k names a wide or a no-ball.
func (k ExtraKind) Valid() bool {
	return k == ExtraWide || k == ExtraNoBall
}

// BallOutcome is one recorded delivery.
type BallOutcome struct {
	RunsOffBat int       `json:"runs"`
	ExtraRuns  int       `json:"extras"`
	Kind       BallKind  `json:"type"`
	Extra      ExtraKind `json:"extra,omitempty"`
}

// Legal reports whether the ball counts towards the over.
func (b BallOutcome) Legal() bool {
	return b.Extra == ExtraNone
}

// Total is the number of runs the ball added to the score.
func (b BallOutcome) Total() int {
	return b.RunsOffBat + b.ExtraRuns
}

// OverRecord is a sealed over.
type OverRecord struct {
	OverNumber  int           `json:"overNumber"`
	Balls       []BallOutcome `json:"balls"`
	TotalRuns   int           `json:"totalRuns"`
	TotalExtras int           `json:"totalExtras"`
}

// PendingExtra is armed by the scorer before the run value is pressed.
type PendingExtra struct {
	Active bool      `json:"active"`
	Kind   ExtraKind `json:"kind,omitempty"`
}

// InningsState holds the counters of one innings.
type InningsState struct {
	Runs             int           `json:"runs"`
	Wickets          int           `json:"wickets"`
	LegalBalls       int           `json:"legalBalls"`
	Extras           int           `json:"extras"`
	CompletedOvers   []OverRecord  `json:"completedOvers"`
	CurrentOverBalls []BallOutcome `json:"currentOverBalls"`
	PendingWicket    bool          `json:"pendingWicket"`
	PendingExtra     PendingExtra  `json:"pendingExtra"`
}

// Rules are the per-match settings chosen at setup.
type Rules struct {
	// WicketLimit ends the innings once this many wickets have fallen.
	// Zero selects DefaultWicketLimit.
	WicketLimit int `json:"wicketLimit"`

	// IgnoreWides and IgnoreNoBalls turn off tracking of that extra: the
	// scorer cannot arm it.
	IgnoreWides   bool `json:"ignoreWides,omitempty"`
	IgnoreNoBalls bool `json:"ignoreNoBalls,omitempty"`

	// ExtraPenalty adds one run to a wide or no-ball once the current over
	// already holds PenaltyAfter of them. PenaltyAfter 0 penalizes every one.
	ExtraPenalty bool `json:"extraPenalty,omitempty"`
	PenaltyAfter int  `json:"penaltyAfter,omitempty"`
}

func (r Rules) normalize() Rules {
	if r.WicketLimit <= 0 {
		r.WicketLimit = DefaultWicketLimit
	}
	if r.WicketLimit > SquadWickets {
		r.WicketLimit = SquadWickets
	}
	r.PenaltyAfter = min(max(r.PenaltyAfter, 0), BallsPerOver)
	return r
}

// Allows reports whether the rules track the given extra.
func (r Rules) Allows(k ExtraKind) bool {
	switch k {
	case ExtraWide:
		return !r.IgnoreWides
	case ExtraNoBall:
		return !r.IgnoreNoBalls
	}
	return false
}

// MatchState is the whole scoring aggregate.
type MatchState struct {
	IsFirstInnings bool  `json:"isFirstInnings"`
	Target         *int  `json:"target"`
	MaxOvers       int   `json:"maxOvers"`
	Rules          Rules `json:"rules"`

	Current InningsState `json:"current"`

	// FirstInnings is the sealed first innings once it has ended.
	FirstInnings *InningsState `json:"firstInnings,omitempty"`

	// Complete is set when the second innings ends. A complete match is
	// frozen.
	Complete bool `json:"complete"`
}

// Phase is the coarse position of a match in its lifecycle.
type Phase string

const (
	PhaseFirstInnings  Phase = "first_innings"
	PhaseSecondInnings Phase = "second_innings"
	PhaseComplete      Phase = "complete"
)
