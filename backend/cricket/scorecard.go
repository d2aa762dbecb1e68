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

import (
	"fmt"
	"io"
	"strings"
)

// Notation is the short form of a ball used on the scorecard.
func (b BallOutcome) Notation() string {
	switch {
	case b.Kind == KindWicket:
		if b.Total() == 0 {
			return "W"
		}
		return fmt.Sprintf("W+%d", b.Total())
	case b.Extra == ExtraWide:
		return fmt.Sprintf("Wd+%d", b.ExtraRuns)
	case b.Extra == ExtraNoBall:
		return fmt.Sprintf("Nb+%d", b.ExtraRuns)
	}
	return fmt.Sprintf("%d", b.RunsOffBat)
}

// WriteScorecard writes a plain text scorecard of both innings.
func WriteScorecard(w io.Writer, s MatchState, team1, team2 string) error {
	var sb strings.Builder
	if s.FirstInnings != nil {
		writeInnings(&sb, team1, *s.FirstInnings, s.MaxOvers)
		sb.WriteString("\n")
		writeInnings(&sb, team2, s.Current, s.MaxOvers)
	} else {
		writeInnings(&sb, team1, s.Current, s.MaxOvers)
	}
	switch {
	case s.Complete:
		fmt.Fprintf(&sb, "\nResult: %s\n", s.Result().Describe(team1, team2))
	case s.Target != nil:
		fmt.Fprintf(&sb, "\nTarget %d. Need %d runs to win", *s.Target, s.RunsNeeded())
		if left, ok := s.BallsRemaining(); ok {
			fmt.Fprintf(&sb, " from %d balls", left)
		}
		sb.WriteString("\n")
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

func writeInnings(sb *strings.Builder, team string, in InningsState, maxOvers int) {
	fmt.Fprintf(sb, "%s %d/%d", team, in.Runs, in.Wickets)
	if maxOvers > 0 {
		fmt.Fprintf(sb, " (%s/%d ov)", in.Overs(), maxOvers)
	} else {
		fmt.Fprintf(sb, " (%s ov)", in.Overs())
	}
	fmt.Fprintf(sb, " extras %d\n", in.Extras)
	for _, o := range in.CompletedOvers {
		fmt.Fprintf(sb, "  %2d: %s = %d\n", o.OverNumber+1, notation(o.Balls), o.TotalRuns)
	}
	if len(in.CurrentOverBalls) > 0 {
		fmt.Fprintf(sb, "  %2d: %s *\n", len(in.CompletedOvers)+1, notation(in.CurrentOverBalls))
	}
}

func notation(balls []BallOutcome) string {
	parts := make([]string, len(balls))
	for i, b := range balls {
		parts[i] = b.Notation()
	}
	return strings.Join(parts, " ")
}
