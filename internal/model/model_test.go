package model

import (
	"errors"
	"testing"
)

func newTestSession(t *testing.T, total int) *SessionState {
	t.Helper()
	exam := ExamDocument{Text: "1. Wat is H2O?\n2. Noem een zuur.\n3. Wat is molmassa?", SourceName: "toets.txt", SourceKind: SourceText}
	env := AnalysisEnvelope{
		Summary:               "✅ Vraag 1 goed, ⚠️ vraag 2 en 3 verdienen aandacht",
		InitialGrade:          6.4,
		LearningObjectives:    []string{"Ik kan molecuulformules lezen", "Ik begrijp zuren en basen"},
		TotalQuestions:        total,
		FirstQuestionFeedback: "### QUESTION:\nWat is H2O?\n### STUDENT_ANSWER:\nWater\n### FEEDBACK:\nGoed!\n### REMEDIATION_QUESTION:\nWaarom die formule?",
	}
	return NewSessionState(exam, env, ParsedFeedback{FeedbackBody: env.FirstQuestionFeedback, IsStructured: true}, 0)
}

func TestInitialTransition(t *testing.T) {
	s := newTestSession(t, 3)

	if s.CurrentQuestionIndex != 1 {
		t.Errorf("current question = %d, want 1", s.CurrentQuestionIndex)
	}
	if s.IsComplete {
		t.Error("fresh session must not be complete")
	}
	if s.FinalGrade != nil {
		t.Error("fresh session must not have a final grade")
	}
	if s.InitialGrade != 6.4 {
		t.Errorf("initial grade = %v, want 6.4", s.InitialGrade)
	}
	if s.RemediationBonus != DefaultRemediationBonus {
		t.Errorf("bonus = %v, want default %v", s.RemediationBonus, DefaultRemediationBonus)
	}
	want := map[int]ProgressStatus{1: ProgressReviewing, 2: ProgressPending, 3: ProgressPending}
	assertProgress(t, s, want)
	if len(s.History) != 1 || s.History[0].Speaker != SpeakerTeacher {
		t.Errorf("history should hold the first teacher turn, got %+v", s.History)
	}
}

func TestInitialTransitionClampsGrade(t *testing.T) {
	tests := []struct {
		name  string
		grade float64
		want  float64
	}{
		{"negative", -2, 0},
		{"too high", 12.5, 10},
		{"in range", 7.3, 7.3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := AnalysisEnvelope{InitialGrade: tt.grade, TotalQuestions: 2}
			s := NewSessionState(ExamDocument{Text: "x"}, env, ParsedFeedback{}, 0)
			if s.InitialGrade != tt.want {
				t.Errorf("initial grade = %v, want %v", s.InitialGrade, tt.want)
			}
		})
	}
}

func TestInitialTransitionMinimumQuestions(t *testing.T) {
	env := AnalysisEnvelope{TotalQuestions: 0}
	s := NewSessionState(ExamDocument{Text: "x"}, env, ParsedFeedback{}, 0)
	if s.TotalQuestions != 1 {
		t.Errorf("total questions = %d, want 1", s.TotalQuestions)
	}
	assertProgress(t, s, map[int]ProgressStatus{1: ProgressReviewing})
}

func TestApplyTurnAdvancesQuestion(t *testing.T) {
	s := newTestSession(t, 3)

	// Scenario: question 1 answered correctly on the first try.
	err := s.ApplyTurn("Omdat er twee waterstofatomen zijn", "### QUESTION:\nNoem een zuur.\n### STUDENT_ANSWER:\n-\n### FEEDBACK:\nDoor naar vraag 2.\n### REMEDIATION_QUESTION:\nWelke zuren ken je?", ParsedFeedback{IsStructured: true}, nil)
	if err != nil {
		t.Fatalf("ApplyTurn: %v", err)
	}

	if s.CurrentQuestionIndex != 2 {
		t.Errorf("current question = %d, want 2", s.CurrentQuestionIndex)
	}
	if s.IsComplete {
		t.Error("session should still be active")
	}
	assertProgress(t, s, map[int]ProgressStatus{1: ProgressCompleted, 2: ProgressReviewing, 3: ProgressPending})
	if len(s.History) != 3 {
		t.Fatalf("history length = %d, want 3", len(s.History))
	}
	if s.History[1].Speaker != SpeakerStudent || s.History[2].Speaker != SpeakerTeacher {
		t.Error("student turn must precede teacher turn")
	}
}

func TestApplyTurnDoesNotAdvancePastTotal(t *testing.T) {
	s := newTestSession(t, 1)

	err := s.ApplyTurn("antwoord", "hints, geen afsluiting", ParsedFeedback{FeedbackBody: "hints"}, nil)
	if err != nil {
		t.Fatalf("ApplyTurn: %v", err)
	}
	if s.CurrentQuestionIndex != 1 {
		t.Errorf("current question = %d, want 1 (boundary)", s.CurrentQuestionIndex)
	}
	if s.Progress[1] != ProgressCompleted {
		t.Errorf("progress[1] = %q, want completed", s.Progress[1])
	}
}

func TestApplyTurnCompletionHeuristic(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		complete bool
	}{
		{"eindoverzicht", "Hier is je EINDOVERZICHT van de toets.", true},
		{"gefeliciteerd", "Gefeliciteerd, je bent er!", true},
		{"final overview", "Here is your final overview.", true},
		{"plain feedback", "Nog een hint voor vraag 2.", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession(t, 3)
			if err := s.ApplyTurn("a", tt.raw, ParsedFeedback{FeedbackBody: tt.raw}, nil); err != nil {
				t.Fatalf("ApplyTurn: %v", err)
			}
			if s.IsComplete != tt.complete {
				t.Errorf("IsComplete = %v, want %v", s.IsComplete, tt.complete)
			}
		})
	}
}

func TestApplyTurnFinalGradeBonus(t *testing.T) {
	s := newTestSession(t, 2)

	// No explicit grade reported: initial + bonus, capped at 10.
	if err := s.ApplyTurn("klaar", "Dit is het eindoverzicht.", ParsedFeedback{}, nil); err != nil {
		t.Fatalf("ApplyTurn: %v", err)
	}
	if s.FinalGrade == nil {
		t.Fatal("final grade missing after completion")
	}
	if got, want := *s.FinalGrade, 6.4+DefaultRemediationBonus; got != want {
		t.Errorf("final grade = %v, want %v", got, want)
	}
	if s.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
}

func TestApplyTurnFinalGradeCap(t *testing.T) {
	env := AnalysisEnvelope{InitialGrade: 9.5, TotalQuestions: 1}
	s := NewSessionState(ExamDocument{Text: "x"}, env, ParsedFeedback{}, 0)
	if err := s.ApplyTurn("klaar", "eindoverzicht", ParsedFeedback{}, nil); err != nil {
		t.Fatalf("ApplyTurn: %v", err)
	}
	if *s.FinalGrade != 10 {
		t.Errorf("final grade = %v, want capped at 10", *s.FinalGrade)
	}
}

func TestApplyTurnExplicitStatusWins(t *testing.T) {
	t.Run("explicit complete with grade", func(t *testing.T) {
		s := newTestSession(t, 3)
		grade := 8.1
		status := &TurnStatus{IsComplete: true, FinalGrade: &grade}
		if err := s.ApplyTurn("a", "tussenstand zonder afsluitende woorden", ParsedFeedback{}, status); err != nil {
			t.Fatalf("ApplyTurn: %v", err)
		}
		if !s.IsComplete {
			t.Fatal("explicit status should complete the session")
		}
		if *s.FinalGrade != 8.1 {
			t.Errorf("final grade = %v, want reported 8.1", *s.FinalGrade)
		}
	})

	t.Run("explicit not-complete overrides prose", func(t *testing.T) {
		s := newTestSession(t, 3)
		status := &TurnStatus{IsComplete: false}
		if err := s.ApplyTurn("a", "gefeliciteerd met deze stap, door naar vraag 2", ParsedFeedback{}, status); err != nil {
			t.Fatalf("ApplyTurn: %v", err)
		}
		if s.IsComplete {
			t.Error("explicit status says not complete; prose must not win")
		}
	})

	t.Run("reported grade clamped", func(t *testing.T) {
		s := newTestSession(t, 1)
		grade := 14.0
		if err := s.ApplyTurn("a", "x", ParsedFeedback{}, &TurnStatus{IsComplete: true, FinalGrade: &grade}); err != nil {
			t.Fatalf("ApplyTurn: %v", err)
		}
		if *s.FinalGrade != 10 {
			t.Errorf("final grade = %v, want clamped to 10", *s.FinalGrade)
		}
	})
}

func TestTerminalLock(t *testing.T) {
	s := newTestSession(t, 2)
	if err := s.ApplyTurn("klaar", "eindoverzicht", ParsedFeedback{}, nil); err != nil {
		t.Fatalf("ApplyTurn: %v", err)
	}

	before := s.Snapshot()
	err := s.ApplyTurn("nog een keer", "meer tekst", ParsedFeedback{}, nil)
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if len(s.History) != len(before.History) {
		t.Error("rejected turn must leave history unchanged")
	}
	if s.CurrentQuestionIndex != before.CurrentQuestionIndex {
		t.Error("rejected turn must leave the question index unchanged")
	}
}

func TestCurrentQuestionIndexMonotonic(t *testing.T) {
	s := newTestSession(t, 4)
	prev := s.CurrentQuestionIndex
	for i := 0; i < 6; i++ {
		if err := s.ApplyTurn("a", "verder", ParsedFeedback{}, nil); err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
		if s.CurrentQuestionIndex < prev {
			t.Fatalf("index decreased from %d to %d", prev, s.CurrentQuestionIndex)
		}
		prev = s.CurrentQuestionIndex
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s := newTestSession(t, 3)
	snap := s.Snapshot()

	if err := s.ApplyTurn("a", "verder", ParsedFeedback{}, nil); err != nil {
		t.Fatalf("ApplyTurn: %v", err)
	}

	if snap.CurrentQuestionIndex != 1 {
		t.Error("snapshot index changed after live mutation")
	}
	if snap.Progress[1] != ProgressReviewing {
		t.Error("snapshot progress map aliases live state")
	}
	if len(snap.History) != 1 {
		t.Error("snapshot history aliases live state")
	}
}

// assertProgress checks the exactly-one-reviewing invariant along with the
// expected per-question statuses.
func assertProgress(t *testing.T, s *SessionState, want map[int]ProgressStatus) {
	t.Helper()
	reviewing := 0
	for i := 1; i <= s.TotalQuestions; i++ {
		if s.Progress[i] == ProgressReviewing {
			reviewing++
		}
		if got := s.Progress[i]; got != want[i] {
			t.Errorf("progress[%d] = %q, want %q", i, got, want[i])
		}
	}
	if !s.IsComplete && reviewing > 1 {
		t.Errorf("%d questions reviewing, want at most 1", reviewing)
	}
}
