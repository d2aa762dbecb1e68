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
	"reflect"
	"testing"
)

func deliver(s MatchState, runs ...int) MatchState {
	for _, r := range runs {
		s = s.RecordDelivery(r)
	}
	return s
}

func TestRecordDeliveryRunsAndOvers(t *testing.T) {
	s := NewMatch(20, Rules{})
	pressed := []int{1, 4, 0, 6, 2, 3, 1, 1, 0, 4, 6, 2, 3}
	s = deliver(s, pressed...)

	sum := 0
	for _, r := range pressed {
		sum += r
	}
	if s.Current.Runs != sum {
		t.Errorf("Runs = %d, want %d", s.Current.Runs, sum)
	}
	if got, want := len(s.Current.CompletedOvers), len(pressed)/BallsPerOver; got != want {
		t.Errorf("len(CompletedOvers) = %d, want %d", got, want)
	}
	if got, want := len(s.Current.CurrentOverBalls), len(pressed)%BallsPerOver; got != want {
		t.Errorf("len(CurrentOverBalls) = %d, want %d", got, want)
	}
	if s.Current.LegalBalls != len(pressed) {
		t.Errorf("LegalBalls = %d, want %d", s.Current.LegalBalls, len(pressed))
	}
	first := s.Current.CompletedOvers[0]
	if first.OverNumber != 0 || first.TotalRuns != 16 || first.TotalExtras != 0 || len(first.Balls) != 6 {
		t.Errorf("first over = %+v", first)
	}
	if s.Current.CompletedOvers[1].OverNumber != 1 {
		t.Errorf("second over number = %d", s.Current.CompletedOvers[1].OverNumber)
	}
}

func TestWicketIncrementsAndClears(t *testing.T) {
	s := NewMatch(20, Rules{})
	s = s.ArmWicket().ArmWicket()
	if !s.Current.PendingWicket {
		t.Fatal("wicket not armed")
	}
	s = s.RecordDelivery(2)
	if s.Current.Wickets != 1 {
		t.Errorf("Wickets = %d, want 1", s.Current.Wickets)
	}
	if s.Current.PendingWicket {
		t.Error("PendingWicket not cleared")
	}
	if s.Current.Runs != 2 || s.Current.LegalBalls != 1 {
		t.Errorf("Runs = %d LegalBalls = %d", s.Current.Runs, s.Current.LegalBalls)
	}
	b := s.Current.CurrentOverBalls[0]
	if b.Kind != KindWicket || b.RunsOffBat != 2 {
		t.Errorf("ball = %+v", b)
	}

	s = s.ArmWicket().DisarmWicket().RecordDelivery(0)
	if s.Current.Wickets != 1 {
		t.Errorf("disarmed wicket counted: Wickets = %d", s.Current.Wickets)
	}
}

func TestFirstInningsEndsOnOvers(t *testing.T) {
	s := NewMatch(1, Rules{})
	s = deliver(s, 1, 1, 1, 1, 1)
	if !s.IsFirstInnings {
		t.Fatal("innings ended early")
	}
	s = s.RecordDelivery(1)

	if s.IsFirstInnings {
		t.Fatal("IsFirstInnings still true")
	}
	if s.Target == nil || *s.Target != 7 {
		t.Fatalf("Target = %v, want 7", s.Target)
	}
	if !reflect.DeepEqual(s.Current, newInnings()) {
		t.Errorf("Current not reset: %+v", s.Current)
	}
	if s.FirstInnings == nil || s.FirstInnings.Runs != 6 || len(s.FirstInnings.CompletedOvers) != 1 {
		t.Errorf("FirstInnings = %+v", s.FirstInnings)
	}
	if s.Phase() != PhaseSecondInnings {
		t.Errorf("Phase = %q", s.Phase())
	}
}

func TestInningsEndsOnWicketLimit(t *testing.T) {
	s := NewMatch(50, Rules{})
	for range 8 {
		s = s.ArmWicket().RecordDelivery(0)
	}
	if s.Current.Wickets != 8 || !s.IsFirstInnings {
		t.Fatalf("after 8 wickets: Wickets = %d IsFirstInnings = %v", s.Current.Wickets, s.IsFirstInnings)
	}
	s = s.RecordDelivery(3)
	s = s.ArmWicket().RecordDelivery(0)
	if s.IsFirstInnings {
		t.Fatal("innings did not end at 9 wickets")
	}
	if *s.Target != 4 {
		t.Errorf("Target = %d, want 4", *s.Target)
	}
	if s.FirstInnings.Wickets != 9 {
		t.Errorf("FirstInnings.Wickets = %d", s.FirstInnings.Wickets)
	}
}

func TestWicketLimitConfigurable(t *testing.T) {
	s := NewMatch(50, Rules{WicketLimit: 10})
	for range 9 {
		s = s.ArmWicket().RecordDelivery(0)
	}
	if !s.IsFirstInnings {
		t.Fatal("innings ended at 9 with limit 10")
	}
	s = s.ArmWicket().RecordDelivery(0)
	if s.IsFirstInnings {
		t.Fatal("innings did not end at 10")
	}
}

func TestChaseFreezesOnTarget(t *testing.T) {
	s := NewMatch(2, Rules{})
	s = deliver(s, 4, 4).CompleteInnings()
	if *s.Target != 9 {
		t.Fatalf("Target = %d", *s.Target)
	}
	s = deliver(s, 6, 2)
	if s.Complete {
		t.Fatal("complete before target")
	}
	s = s.RecordDelivery(1)
	if !s.Complete || s.Phase() != PhaseComplete {
		t.Fatal("not complete after reaching target")
	}
	frozen := s
	s = s.ArmWicket().ArmExtra(ExtraWide).RecordDelivery(6).SetMaxOvers(5).CompleteInnings()
	if !reflect.DeepEqual(s, frozen) {
		t.Errorf("state mutated after completion:\n got %+v\nwant %+v", s, frozen)
	}
	if got := s.Result(); got != (Outcome{Kind: ResultWon, Winner: BattingSecond, Margin: 10, Unit: "wickets"}) {
		t.Errorf("Result = %+v", got)
	}
}

func TestWideDoesNotAdvanceBall(t *testing.T) {
	s := NewMatch(20, Rules{})
	s = s.ArmExtra(ExtraWide)
	if !s.Current.PendingExtra.Active || s.Current.PendingExtra.Kind != ExtraWide {
		t.Fatalf("PendingExtra = %+v", s.Current.PendingExtra)
	}
	s = s.RecordDelivery(1)
	if s.Current.Extras != 1 || s.Current.Runs != 1 {
		t.Errorf("Extras = %d Runs = %d, want 1 1", s.Current.Extras, s.Current.Runs)
	}
	if s.Current.LegalBalls != 0 {
		t.Errorf("LegalBalls = %d, want 0", s.Current.LegalBalls)
	}
	if s.Current.PendingExtra.Active {
		t.Error("PendingExtra not cleared")
	}
	b := s.Current.CurrentOverBalls[0]
	if b.Kind != KindWide || b.ExtraRuns != 1 || b.RunsOffBat != 0 {
		t.Errorf("ball = %+v", b)
	}
}

func TestNoBallsAndWidesStayInOver(t *testing.T) {
	s := NewMatch(20, Rules{})
	s = deliver(s, 1, 1, 1, 1, 1)
	s = s.ArmExtra(ExtraNoBall).RecordDelivery(0)
	s = s.ArmExtra(ExtraWide).RecordDelivery(2)
	if len(s.Current.CompletedOvers) != 0 {
		t.Fatal("over sealed on an extra")
	}
	s = s.RecordDelivery(4)
	if len(s.Current.CompletedOvers) != 1 {
		t.Fatal("over not sealed on sixth legal ball")
	}
	o := s.Current.CompletedOvers[0]
	if len(o.Balls) != 8 || o.TotalRuns != 11 || o.TotalExtras != 2 {
		t.Errorf("over = %+v", o)
	}
}

func TestWicketOnWide(t *testing.T) {
	s := NewMatch(20, Rules{})
	s = s.ArmWicket().ArmExtra(ExtraWide)
	if !s.Current.PendingWicket {
		t.Fatal("arming an extra cleared the wicket")
	}
	s = s.RecordDelivery(1)
	b := s.Current.CurrentOverBalls[0]
	if b.Kind != KindWicket || b.Extra != ExtraWide || b.ExtraRuns != 1 {
		t.Errorf("ball = %+v", b)
	}
	if s.Current.LegalBalls != 0 || s.Current.Wickets != 1 || s.Current.Extras != 1 {
		t.Errorf("innings = %+v", s.Current)
	}
}

func TestArmExtraOverwrites(t *testing.T) {
	s := NewMatch(20, Rules{}).ArmExtra(ExtraWide).ArmExtra(ExtraNoBall)
	if s.Current.PendingExtra.Kind != ExtraNoBall {
		t.Errorf("Kind = %q", s.Current.PendingExtra.Kind)
	}
	s = s.DisarmExtra()
	if s.Current.PendingExtra.Active {
		t.Error("still armed")
	}
	s = s.ArmExtra(ExtraNone)
	if s.Current.PendingExtra.Active {
		t.Error("armed with no kind")
	}
}

func TestIgnoredExtrasCannotBeArmed(t *testing.T) {
	s := NewMatch(20, Rules{IgnoreWides: true})
	if s.ArmExtra(ExtraWide).Current.PendingExtra.Active {
		t.Error("wide armed while ignored")
	}
	if !s.ArmExtra(ExtraNoBall).Current.PendingExtra.Active {
		t.Error("no-ball not armed")
	}
}

func TestExtraPenalty(t *testing.T) {
	s := NewMatch(20, Rules{ExtraPenalty: true, PenaltyAfter: 1})
	s = s.ArmExtra(ExtraWide).RecordDelivery(0)
	if s.Current.Runs != 0 {
		t.Fatalf("first wide penalized: Runs = %d", s.Current.Runs)
	}
	s = s.ArmExtra(ExtraNoBall).RecordDelivery(2)
	if s.Current.Runs != 3 || s.Current.Extras != 3 {
		t.Errorf("Runs = %d Extras = %d, want 3 3", s.Current.Runs, s.Current.Extras)
	}
}

func TestResetMatch(t *testing.T) {
	s := NewMatch(3, Rules{WicketLimit: 5})
	s = deliver(s, 6, 6, 6).ArmWicket().CompleteInnings()
	s = deliver(s, 4, 4)
	s = s.ResetMatch()
	if !s.IsFirstInnings || s.Target != nil || s.Current.Runs != 0 || s.Current.Wickets != 0 || len(s.Current.CompletedOvers) != 0 {
		t.Errorf("reset state = %+v", s)
	}
	if s.MaxOvers != 3 || s.Rules.WicketLimit != 5 || s.FirstInnings != nil {
		t.Errorf("reset lost config: %+v", s)
	}
}

func TestSetMaxOvers(t *testing.T) {
	s := NewMatch(0, Rules{})
	s = deliver(s, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1)
	if !s.IsFirstInnings {
		t.Fatal("innings ended without an overs limit")
	}
	s = s.SetMaxOvers(5).SetMaxOvers(5).SetMaxOvers(0).SetMaxOvers(-2)
	if s.MaxOvers != 5 {
		t.Errorf("MaxOvers = %d", s.MaxOvers)
	}
}

func TestCompleteInningsTwice(t *testing.T) {
	s := NewMatch(10, Rules{})
	s = deliver(s, 4, 0, 1).CompleteInnings()
	if *s.Target != 6 || s.IsFirstInnings {
		t.Fatalf("after first close: %+v", s)
	}
	s = deliver(s, 2).CompleteInnings()
	if !s.Complete || *s.Target != 6 {
		t.Fatalf("after second close: %+v", s)
	}
	want := Outcome{Kind: ResultWon, Winner: BattingFirst, Margin: 3, Unit: "runs"}
	if got := s.Result(); got != want {
		t.Errorf("Result = %+v, want %+v", got, want)
	}
}

func TestInputNotMutated(t *testing.T) {
	s := deliver(NewMatch(20, Rules{}), 1, 2, 3, 4, 6, 0, 1)
	before := deliver(NewMatch(20, Rules{}), 1, 2, 3, 4, 6, 0, 1)
	_ = s.ArmExtra(ExtraWide).RecordDelivery(4)
	_ = s.RecordDelivery(6)
	_ = deliver(s, 1, 1, 1, 1, 1)
	if !reflect.DeepEqual(s, before) {
		t.Error("input state mutated")
	}
}

func TestZeroStateIsUsable(t *testing.T) {
	var s MatchState
	s = s.ArmWicket().RecordDelivery(1)
	if s.Current.Runs != 1 || s.Current.Wickets != 1 {
		t.Errorf("state = %+v", s.Current)
	}
}

func TestApplyAndReplay(t *testing.T) {
	events := []Event{
		{Type: EventDelivery, Runs: 4},
		{Type: EventArmExtra, Extra: ExtraWide},
		{Type: EventDelivery, Runs: 1},
		{Type: EventArmWicket},
		{Type: EventDelivery, Runs: 0},
		{Type: EventSetMaxOvers, Overs: 2},
		{Type: EventCompleteInnings},
		{Type: EventDelivery, Runs: 6},
		{Type: "bogus"},
	}
	got := Replay(1, Rules{}, events)

	want := NewMatch(1, Rules{}).
		RecordDelivery(4).
		ArmExtra(ExtraWide).RecordDelivery(1).
		ArmWicket().RecordDelivery(0).
		SetMaxOvers(2).
		CompleteInnings().
		RecordDelivery(6)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Replay = %+v\nwant %+v", got, want)
	}

	r := Rules{WicketLimit: 3}
	started := Apply(got, Event{Type: EventStart, Overs: 5, Rules: &r})
	if started.MaxOvers != 5 || started.Rules.WicketLimit != 3 || !started.IsFirstInnings {
		t.Errorf("start = %+v", started)
	}
	if Apply(got, Event{Type: EventResetMatch}).Target != nil {
		t.Error("reset kept target")
	}
}
