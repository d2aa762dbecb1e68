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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pmezard/go-difflib/difflib"
)

// verifyGolden compares actual against testdata/<name>. With UPDATE_GOLDENS=true
// it rewrites the file instead.
func verifyGolden(t *testing.T, name, actual string) {
	t.Helper()
	path := filepath.Join("testdata", name)
	if os.Getenv("UPDATE_GOLDENS") == "true" {
		if err := os.WriteFile(path, []byte(actual), 0644); err != nil {
			t.Fatalf("Failed to write golden file %s: %v", path, err)
		}
		return
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read golden file %s: %v", path, err)
	}
	if expected := string(b); expected != actual {
		diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        difflib.SplitLines(expected),
			B:        difflib.SplitLines(actual),
			FromFile: "Expected",
			ToFile:   "Actual",
			Context:  3,
		})
		t.Errorf("Scorecard mismatch for %s:\n%s", name, diff)
	}
}

func TestWriteScorecard(t *testing.T) {
	s := NewMatch(2, Rules{})
	s = deliver(s, 1, 4, 0)
	s = s.ArmExtra(ExtraWide).RecordDelivery(1)
	s = deliver(s, 6, 2, 0)
	s = s.ArmWicket().RecordDelivery(0)
	s = s.ArmExtra(ExtraNoBall).RecordDelivery(2)
	s = deliver(s, 1, 1, 1, 1)

	s = deliver(s, 4, 4)
	s = s.ArmWicket().RecordDelivery(1)

	var sb strings.Builder
	if err := WriteScorecard(&sb, s, "Lions", "Tigers"); err != nil {
		t.Fatalf("WriteScorecard: %v", err)
	}
	verifyGolden(t, "chase.txt", sb.String())

	s = deliver(s, 6, 6, 6, 6)
	sb.Reset()
	if err := WriteScorecard(&sb, s, "Lions", "Tigers"); err != nil {
		t.Fatalf("WriteScorecard: %v", err)
	}
	verifyGolden(t, "complete.txt", sb.String())
}

func TestNotation(t *testing.T) {
	tests := []struct {
		ball BallOutcome
		want string
	}{
		{BallOutcome{RunsOffBat: 4, Kind: KindNormal}, "4"},
		{BallOutcome{Kind: KindWicket}, "W"},
		{BallOutcome{RunsOffBat: 2, Kind: KindWicket}, "W+2"},
		{BallOutcome{ExtraRuns: 1, Kind: KindWide, Extra: ExtraWide}, "Wd+1"},
		{BallOutcome{ExtraRuns: 0, Kind: KindNoBall, Extra: ExtraNoBall}, "Nb+0"},
		{BallOutcome{ExtraRuns: 1, Kind: KindWicket, Extra: ExtraWide}, "W+1"},
	}
	for _, tt := range tests {
		if got := tt.ball.Notation(); got != tt.want {
			t.Errorf("Notation(%+v) = %q, want %q", tt.ball, got, tt.want)
		}
	}
}

func TestResultDescribe(t *testing.T) {
	tie := NewMatch(1, Rules{})
	tie = deliver(tie, 2).CompleteInnings()
	tie = deliver(tie, 1, 1).CompleteInnings()
	if got := tie.Result().Describe("A", "B"); got != "Match Tied!" {
		t.Errorf("tie = %q", got)
	}

	lost := NewMatch(1, Rules{})
	lost = deliver(lost, 6).CompleteInnings()
	lost = deliver(lost, 5).CompleteInnings()
	if got := lost.Result().Describe("A", "B"); got != "A won by 1 run" {
		t.Errorf("lost = %q", got)
	}

	won := NewMatch(1, Rules{})
	won = deliver(won, 1).CompleteInnings()
	won = won.ArmWicket().RecordDelivery(0)
	won = deliver(won, 2)
	if got := won.Result().Describe("A", "B"); got != "B won by 9 wickets" {
		t.Errorf("won = %q", got)
	}

	if got := NewMatch(1, Rules{}).Result(); got.Kind != ResultPending || got.Describe("A", "B") != "" {
		t.Errorf("pending = %+v", got)
	}
}

func TestDerivedViews(t *testing.T) {
	s := NewMatch(2, Rules{})
	s = deliver(s, 6, 6, 6, 6, 6, 6, 1, 1, 1, 1, 1, 1)
	if s.IsFirstInnings || *s.Target != 43 {
		t.Fatalf("state = %+v", s)
	}
	s = deliver(s, 4, 4, 4)
	if got := s.Current.Overs(); got != "0.3" {
		t.Errorf("Overs = %q", got)
	}
	if got := s.RunsNeeded(); got != 31 {
		t.Errorf("RunsNeeded = %d", got)
	}
	if n, ok := s.BallsRemaining(); !ok || n != 9 {
		t.Errorf("BallsRemaining = %d %v", n, ok)
	}
	if got := s.Current.RunRate(); got != 24 {
		t.Errorf("RunRate = %v", got)
	}
	if got := s.RequiredRunRate(); got != 31.0*6/9 {
		t.Errorf("RequiredRunRate = %v", got)
	}
	if _, ok := NewMatch(0, Rules{}).BallsRemaining(); ok {
		t.Error("BallsRemaining ok without limit")
	}
}
