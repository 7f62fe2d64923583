// Package domain holds the entities and ports of the judge bridge.
package domain

import (
	"context"
	"time"
)

// SubmissionStatus is the lifecycle state of a submission row.
type SubmissionStatus string

const (
	StatusQueued        SubmissionStatus = "QU"
	StatusProcessing    SubmissionStatus = "P"
	StatusGrading       SubmissionStatus = "G"
	StatusDone          SubmissionStatus = "D"
	StatusCompileError  SubmissionStatus = "CE"
	StatusInternalError SubmissionStatus = "IE"
	StatusAborted       SubmissionStatus = "AB"
)

// Verdict is the outcome alphabet shared by submissions and testcases.
type Verdict string

const (
	VerdictAC  Verdict = "AC"
	VerdictWA  Verdict = "WA"
	VerdictTLE Verdict = "TLE"
	VerdictMLE Verdict = "MLE"
	VerdictOLE Verdict = "OLE"
	VerdictIR  Verdict = "IR"
	VerdictRTE Verdict = "RTE"
	VerdictCE  Verdict = "CE"
	VerdictIE  Verdict = "IE"
	VerdictSC  Verdict = "SC"
	VerdictAB  Verdict = "AB"
)

// MaxFeedbackLength caps the short per-case feedback column.
const MaxFeedbackLength = 50

// Submission is the dispatchable unit of grading work.
type Submission struct {
	ID          int64
	ProblemCode string
	UserID      int64
	LanguageKey string
	Source      string
	Status      SubmissionStatus
	Result      Verdict
	Error       string
	CasePoints  float64
	CaseTotal   float64
	Points      float64
	Time        float64
	Memory      float64
	CurrentCase int
	Batched     bool
	JudgedOn    string
	JudgedDate  time.Time
	IsPretested bool
	ContestID   *int64
	LockedAfter *time.Time
}

// TestCase is one evaluated input/output pair of a submission.
// Case ordinals are dense from 1; rows are replaced on every grading attempt.
type TestCase struct {
	SubmissionID     int64
	Case             int
	Status           Verdict
	Time             float64
	Memory           float64
	Points           float64
	Total            float64
	Batch            *int
	Feedback         string
	ExtendedFeedback string
	Output           string
}

// DispatchInfo is everything a session needs to build a submission-request.
type DispatchInfo struct {
	ProblemID     int64
	TimeLimit     float64
	MemoryLimit   int64
	ShortCircuit  bool
	PretestsOnly  bool
	ContestNo     *int
	AttemptNo     int
	UserID        int64
	FileOnly      bool
	FileSizeLimit *int64
}

// SubmissionMeta is the slice of submission metadata used when publishing to
// the global submissions feed and when deciding testcase event visibility.
type SubmissionMeta struct {
	ProblemID          int64
	ProblemPublic      bool
	TestcaseVisibility string
	ContestID          *int64
	UserID             int64
	Status             SubmissionStatus
	LanguageKey        string
}

// TestcaseVisibilityAll means every testcase result is visible; any other
// mode suppresses intermediate testcase events entirely.
const TestcaseVisibilityAll = "A"

// FinalResult is the aggregate written exactly once at grading end.
type FinalResult struct {
	CasePoints    float64
	CaseTotal     float64
	Points        float64
	Time          float64
	TotalTime     float64
	Memory        float64
	Result        Verdict
	ProblemPoints float64
}

// JudgeAuth is what authentication needs to know about a judge row.
type JudgeAuth struct {
	AuthKey  string
	Blocked  bool
	Disabled bool
	Tier     int
}

// RuntimeVersion describes one executor runtime reported by a judge.
// Priority is the position within the executor's ordered version list.
type RuntimeVersion struct {
	LanguageKey string
	Name        string
	Version     string
	Priority    int
}

// ExecutorMap maps a language key to its ordered (name, version parts) list,
// exactly as the wire handshake reports it.
type ExecutorMap map[string][]RuntimeEntry

// RuntimeEntry is one (name, version) pair of an executor.
type RuntimeEntry struct {
	Name    string
	Version []int
}

// Context aliases context.Context so ports read uniformly.
type Context = context.Context
