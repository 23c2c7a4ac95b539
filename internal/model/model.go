package model

import (
	"fmt"
	"strings"
	"time"
)

// SourceKind classifies where the exam text came from.
type SourceKind string

const (
	// SourceImage is a photographed exam whose text was produced client-side.
	SourceImage SourceKind = "image"
	// SourceText is a plain-text exam.
	SourceText SourceKind = "text"
	// SourceDocument is an exam extracted from a PDF or Word document.
	SourceDocument SourceKind = "document"
)

// ExamDocument is the uploaded exam. It is created once at upload and never
// mutated afterwards.
type ExamDocument struct {
	Text       string     `json:"text"`
	SourceName string     `json:"sourceName"`
	SourceKind SourceKind `json:"sourceKind"`
}

// ProgressStatus is the remediation status of a single exam question.
type ProgressStatus string

const (
	ProgressPending   ProgressStatus = "pending"
	ProgressReviewing ProgressStatus = "reviewing"
	ProgressCompleted ProgressStatus = "completed"
)

// Speaker identifies the author of a conversation turn.
type Speaker string

const (
	SpeakerStudent Speaker = "student"
	SpeakerTeacher Speaker = "teacher"
)

// ConversationTurn is one message in the remediation dialogue. Turns are
// append-only; insertion order is chronological order.
type ConversationTurn struct {
	Speaker   Speaker   `json:"speaker"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ParsedFeedback is the structured form of one oracle response. When
// IsStructured is false the oracle text did not follow the section format;
// FeedbackBody then carries the raw text verbatim and the other fields are
// empty. That is a degraded but valid state, not an error.
type ParsedFeedback struct {
	OriginalQuestion    string `json:"originalQuestion"`
	StudentAnswerEcho   string `json:"studentAnswerEcho"`
	FeedbackBody        string `json:"feedbackBody"`
	RemediationQuestion string `json:"remediationQuestion"`
	IsStructured        bool   `json:"isStructured"`
}

// AnalysisEnvelope is the JSON envelope the oracle must return for the
// initial analysis of an exam.
type AnalysisEnvelope struct {
	Summary               string   `json:"summary"`
	InitialGrade          float64  `json:"initialGrade"`
	LearningObjectives    []string `json:"learningObjectives"`
	TotalQuestions        int      `json:"totalQuestions"`
	FirstQuestionFeedback string   `json:"firstQuestionFeedback"`
	// Fallback marks an envelope substituted locally because the oracle
	// output carried no parseable JSON.
	Fallback bool `json:"fallback,omitempty"`
}

// TurnStatus is the explicit completion trailer the oracle is asked to emit
// on every continue turn. Prose sniffing is only a fallback for oracles that
// ignore the instruction.
type TurnStatus struct {
	IsComplete bool     `json:"isComplete"`
	FinalGrade *float64 `json:"finalGrade,omitempty"`
}

// DefaultRemediationBonus is added to the initial grade when a session
// completes without the oracle reporting an explicit final grade.
const DefaultRemediationBonus = 1.5

// SessionState is the central aggregate for one exam session. It is owned
// and mutated exclusively by the session controller; everything handed out
// to other components is a Snapshot copy.
type SessionState struct {
	ID                   string                 `json:"sessionId"`
	Exam                 ExamDocument           `json:"exam"`
	Summary              string                 `json:"summary"`
	LearningObjectives   []string               `json:"learningObjectives"`
	TotalQuestions       int                    `json:"totalQuestions"`
	CurrentQuestionIndex int                    `json:"currentQuestion"`
	Progress             map[int]ProgressStatus `json:"questionProgress"`
	InitialGrade         float64                `json:"initialGrade"`
	FinalGrade           *float64               `json:"finalGrade,omitempty"`
	IsComplete           bool                   `json:"isComplete"`
	LastFeedback         ParsedFeedback         `json:"lastFeedback"`
	History              []ConversationTurn     `json:"history"`
	RemediationBonus     float64                `json:"-"`
	StartedAt            time.Time              `json:"startedAt"`
	CompletedAt          *time.Time             `json:"completedAt,omitempty"`
}

// InvalidTransitionError reports a state mutation that the session state
// machine does not allow. It indicates an integration bug, not a user error.
type InvalidTransitionError struct {
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	return "invalid session transition: " + e.Reason
}

// NewSessionState runs the initial transition: a successful initial-analysis
// envelope turns an uninitialized session into an active one reviewing
// question 1.
func NewSessionState(exam ExamDocument, env AnalysisEnvelope, firstFeedback ParsedFeedback, bonus float64) *SessionState {
	total := env.TotalQuestions
	if total < 1 {
		total = 1
	}
	progress := make(map[int]ProgressStatus, total)
	progress[1] = ProgressReviewing
	for i := 2; i <= total; i++ {
		progress[i] = ProgressPending
	}
	if bonus <= 0 {
		bonus = DefaultRemediationBonus
	}

	now := time.Now()
	return &SessionState{
		Exam:                 exam,
		Summary:              env.Summary,
		LearningObjectives:   append([]string(nil), env.LearningObjectives...),
		TotalQuestions:       total,
		CurrentQuestionIndex: 1,
		Progress:             progress,
		InitialGrade:         ClampGrade(env.InitialGrade),
		LastFeedback:         firstFeedback,
		RemediationBonus:     bonus,
		History: []ConversationTurn{
			{Speaker: SpeakerTeacher, Content: env.FirstQuestionFeedback, Timestamp: now},
		},
		StartedAt: now,
	}
}

// ApplyTurn runs the continue transition for one completed oracle turn.
// The student input and the raw oracle text are appended to the history in
// that order, progress advances (never past TotalQuestions, never backwards)
// and completion is detected: the explicit status trailer wins when present,
// otherwise the raw text is scanned for completion phrases. A completed
// session is terminal; any further turn is rejected.
func (s *SessionState) ApplyTurn(studentText, rawOracleText string, parsed ParsedFeedback, status *TurnStatus) error {
	if s.IsComplete {
		return &InvalidTransitionError{Reason: "session is already complete"}
	}
	if s.TotalQuestions < 1 || s.CurrentQuestionIndex < 1 {
		return &InvalidTransitionError{Reason: fmt.Sprintf("inconsistent session: question %d of %d", s.CurrentQuestionIndex, s.TotalQuestions)}
	}

	now := time.Now()
	s.History = append(s.History,
		ConversationTurn{Speaker: SpeakerStudent, Content: studentText, Timestamp: now},
		ConversationTurn{Speaker: SpeakerTeacher, Content: rawOracleText, Timestamp: now},
	)
	s.LastFeedback = parsed

	complete := containsCompletionMarker(rawOracleText)
	var reported *float64
	if status != nil {
		complete = status.IsComplete
		reported = status.FinalGrade
	}

	s.Progress[s.CurrentQuestionIndex] = ProgressCompleted

	if !complete {
		if s.CurrentQuestionIndex+1 <= s.TotalQuestions {
			s.CurrentQuestionIndex++
			s.Progress[s.CurrentQuestionIndex] = ProgressReviewing
		}
		return nil
	}

	final := min(10, s.InitialGrade+s.RemediationBonus)
	if reported != nil {
		final = ClampGrade(*reported)
	}
	s.FinalGrade = &final
	s.IsComplete = true
	s.CompletedAt = &now
	return nil
}

// Snapshot returns a deep copy safe to hand to observers and encoders while
// the live state keeps evolving.
func (s *SessionState) Snapshot() SessionState {
	snap := *s
	snap.LearningObjectives = append([]string(nil), s.LearningObjectives...)
	snap.History = append([]ConversationTurn(nil), s.History...)
	snap.Progress = make(map[int]ProgressStatus, len(s.Progress))
	for k, v := range s.Progress {
		snap.Progress[k] = v
	}
	if s.FinalGrade != nil {
		g := *s.FinalGrade
		snap.FinalGrade = &g
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		snap.CompletedAt = &t
	}
	return snap
}

// ClampGrade forces a grade into the Dutch 0..10 scale. Oracle-reported
// grades are untrusted input.
func ClampGrade(g float64) float64 {
	if g < 0 {
		return 0
	}
	if g > 10 {
		return 10
	}
	return g
}

// completionMarkers signal the final overview turn when the oracle did not
// emit an explicit status trailer. Matched case-insensitively as substrings;
// Dutch first, the teacher persona speaks Dutch.
var completionMarkers = []string{
	"eindoverzicht",
	"alle vragen behandeld",
	"gefeliciteerd",
	"final overview",
	"all questions done",
	"congratulations",
}

func containsCompletionMarker(raw string) bool {
	lower := strings.ToLower(raw)
	for _, m := range completionMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
