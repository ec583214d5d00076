package model

import "time"

// AttemptExport is the top-level JSON structure for attempt export.
type AttemptExport struct {
	ExportedAt time.Time       `json:"exported_at"`
	QuizID     string          `json:"quiz_id,omitempty"`
	Quizzes    []QuizExport    `json:"quizzes"`
	Results    []StudentResult `json:"results"`
}

// QuizExport summarises one quiz in an export.
type QuizExport struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	PassingScore int       `json:"passing_score"`
	NumQuestions int       `json:"num_questions"`
	Stats        QuizStats `json:"stats"`
}

// StudentResult holds one attempt together with its owner for export.
type StudentResult struct {
	Username      string      `json:"username"`
	DisplayName   string      `json:"display_name"`
	AttemptNumber int         `json:"attempt_number"`
	QuizID        string      `json:"quiz_id"`
	AttemptID     string      `json:"attempt_id"`
	Score         int         `json:"score"`
	Passed        bool        `json:"passed"`
	TimeSpent     float64     `json:"time_spent"`
	GradedWith    GradingMode `json:"graded_with"`
	SubmittedAt   time.Time   `json:"submitted_at"`
	Feedback      []Feedback  `json:"feedback"`
}
