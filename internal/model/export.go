package model

import "time"

// TurnExport is one archived conversation turn in export form.
type TurnExport struct {
	Speaker string    `json:"speaker"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// SessionExport is one archived session in export form.
type SessionExport struct {
	SessionID          string       `json:"session_id"`
	SourceName         string       `json:"source_name"`
	SourceKind         string       `json:"source_kind"`
	Summary            string       `json:"summary"`
	LearningObjectives []string     `json:"learning_objectives"`
	TotalQuestions     int          `json:"total_questions"`
	InitialGrade       float64      `json:"initial_grade"`
	FinalGrade         *float64     `json:"final_grade,omitempty"`
	StartedAt          time.Time    `json:"started_at"`
	CompletedAt        *time.Time   `json:"completed_at,omitempty"`
	Turns              []TurnExport `json:"turns"`
}

// ExamExport is the top-level export document handed to the reviewing
// teacher.
type ExamExport struct {
	ExamID      string          `json:"exam_id"`
	Subject     string          `json:"subject"`
	Date        string          `json:"date"`
	NumSessions int             `json:"num_sessions"`
	Results     []SessionExport `json:"results"`
}
