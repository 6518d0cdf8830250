// Package model defines the persistent and wire shapes of the tester service.
package model

import "time"

// Status is the lifecycle state of a solution. A solution is created as
// StatusPending and transitions exactly once to one of the terminal verdicts.
type Status string

const (
	StatusPending Status = "pending"
	StatusAC      Status = "AC"
	StatusWA      Status = "WA"
	StatusTLE     Status = "TLE"
	StatusMLE     Status = "MLE"
	StatusRE      Status = "RE"
)

// Terminal reports whether the status is a final verdict.
func (s Status) Terminal() bool {
	return s != StatusPending && s != ""
}

// Solution is one attempt by one user on one problem.
type Solution struct {
	ID         string     `json:"id"`
	CreatedBy  string     `json:"created_by"`
	ProblemID  string     `json:"problem_id"`
	Code       string     `json:"code"`
	Language   string     `json:"language"`
	Status     Status     `json:"status"`
	TimeUsed   *float64   `json:"time_used"`
	MemoryUsed *int64     `json:"memory_used"`
	FasterThan *float64   `json:"faster_than"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  *time.Time `json:"updated_at"`
}

// TerminalUpdate carries the final outcome written to a solution row.
type TerminalUpdate struct {
	Status     Status
	TimeUsed   *float64
	MemoryUsed *int64
	FasterThan *float64
}

// TestCase is one input/expected-output pair delivered by the content
// service. Ordering is preserved as delivered.
type TestCase struct {
	Input          string
	ExpectedOutput string
}

// Problem is the judge's input specification for one judging job.
type Problem struct {
	TestCases      []TestCase
	TimeLimit      time.Duration
	MemoryLimitMiB int64
}
