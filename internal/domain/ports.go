package domain

import "time"

// SubmissionStore is the narrow projection-store interface the session
// mutates submissions through. Updates targeting an id that does not exist
// return ErrNotFound; the caller logs and drops, it never crashes.
type SubmissionStore interface {
	// DispatchInfo loads the metadata needed to build a submission-request,
	// including the attempt number and any per-language limit override.
	DispatchInfo(ctx Context, id int64) (DispatchInfo, error)
	// Meta loads the cached slice of metadata used for event visibility.
	Meta(ctx Context, id int64) (SubmissionMeta, error)

	SetProcessing(ctx Context, id int64, judgedOn string) error
	// BeginGrading moves the row to Grading, resets the per-attempt fields
	// and deletes every prior testcase row for the submission.
	BeginGrading(ctx Context, id int64, judgedDate time.Time) error
	SetCompileError(ctx Context, id int64, log string) error
	SetCompileMessage(ctx Context, id int64, log string) error
	SetInternalError(ctx Context, id int64, message string) error
	// SetInternalErrorIfQueued marks a still-queued submission IE; used when
	// a judge acknowledges an id it was never given.
	SetInternalErrorIfQueued(ctx Context, id int64) error
	SetAborted(ctx Context, id int64) error
	MarkBatched(ctx Context, id int64) error
	SetCurrentTestcase(ctx Context, id int64, position int) error
	InsertTestCases(ctx Context, id int64, cases []TestCase) error
	// FinishGrading reads the submission's testcases, folds them with
	// Finalize under one transaction and writes the terminal row once.
	FinishGrading(ctx Context, id int64) (FinalResult, error)
}

// JudgeStore persists worker identity and liveness bookkeeping.
type JudgeStore interface {
	Authenticate(ctx Context, name string) (JudgeAuth, error)
	// Connected marks the judge online, stamps start time and last IP.
	Connected(ctx Context, name, ip string) error
	// Disconnected marks the judge offline and drops its runtime versions.
	Disconnected(ctx Context, name string) error
	ReplaceProblems(ctx Context, name string, codes []string) error
	AllProblemCodes(ctx Context) ([]string, error)
	ReplaceRuntimes(ctx Context, name string, executors ExecutorMap) error
	UpdatePing(ctx Context, name string, latency, load float64) error
}

// EventBus broadcasts progress events to downstream subscribers.
//
// SubmissionTopic derives the unguessable per-submission topic from the
// process-wide event secret. PublishThrottled applies the per-key rate
// limit and reports whether the event was actually sent; terminal events
// always go through Publish and are never dropped.
type EventBus interface {
	Publish(ctx Context, topic string, payload map[string]any)
	PublishThrottled(ctx Context, key, topic string, payload map[string]any) bool
	SubmissionTopic(id int64) string
	ContestTopic(id int64) string
}

// AuditLog receives one structured record per bridge action, mirroring the
// packet stream for offline analysis. Implementations must never block the
// session for long and must swallow their own failures.
type AuditLog interface {
	Log(ctx Context, rec AuditRecord)
}

// AuditRecord is a single action-log entry.
type AuditRecord struct {
	Judge      string         `json:"judge"`
	Address    string         `json:"address,omitempty"`
	Submission *int64         `json:"submission,omitempty"`
	Action     string         `json:"action"`
	Info       string         `json:"info,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
	Time       time.Time      `json:"time"`
}
