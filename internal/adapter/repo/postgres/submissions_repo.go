package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/openjudge/bridged/internal/domain"
)

// SubmissionRepo implements domain.SubmissionStore on PostgreSQL.
type SubmissionRepo struct{ Pool PgxPool }

// NewSubmissionRepo constructs a SubmissionRepo with the given pool.
func NewSubmissionRepo(p PgxPool) *SubmissionRepo { return &SubmissionRepo{Pool: p} }

// DispatchInfo loads the metadata a submission-request needs, applying any
// per-language limit override and counting prior attempts.
func (r *SubmissionRepo) DispatchInfo(ctx domain.Context, id int64) (domain.DispatchInfo, error) {
	tracer := otel.Tracer("repo.submissions")
	ctx, span := tracer.Start(ctx, "submissions.DispatchInfo")
	defer span.End()

	const q = `
		SELECT p.id,
		       COALESCE(ll.time_limit, p.time_limit),
		       COALESCE(ll.memory_limit, p.memory_limit),
		       p.short_circuit, s.is_pretested, s.date, s.user_id,
		       cp.virtual, l.file_only, l.file_size_limit,
		       s.contest_participation_id
		FROM submissions s
		JOIN problems p ON p.id = s.problem_id
		JOIN languages l ON l.id = s.language_id
		LEFT JOIN language_limits ll ON ll.problem_id = p.id AND ll.language_id = l.id
		LEFT JOIN contest_participations cp ON cp.id = s.contest_participation_id
		WHERE s.id = $1`

	var (
		info   domain.DispatchInfo
		date   time.Time
		partID *int64
	)
	row := r.Pool.QueryRow(ctx, q, id)
	if err := row.Scan(&info.ProblemID, &info.TimeLimit, &info.MemoryLimit,
		&info.ShortCircuit, &info.PretestsOnly, &date, &info.UserID,
		&info.ContestNo, &info.FileOnly, &info.FileSizeLimit, &partID); err != nil {
		if err == pgx.ErrNoRows {
			return domain.DispatchInfo{}, fmt.Errorf("op=submission.dispatch_info: %w", domain.ErrNotFound)
		}
		return domain.DispatchInfo{}, wrapErr("submission.dispatch_info", err)
	}

	const attempts = `
		SELECT COUNT(*) FROM submissions
		WHERE problem_id = $1 AND user_id = $2
		  AND contest_participation_id IS NOT DISTINCT FROM $3
		  AND date < $4 AND status NOT IN ('CE', 'IE')`
	var prior int
	if err := r.Pool.QueryRow(ctx, attempts, info.ProblemID, info.UserID, partID, date).Scan(&prior); err != nil {
		return domain.DispatchInfo{}, wrapErr("submission.attempt_no", err)
	}
	info.AttemptNo = prior + 1
	return info, nil
}

// Meta loads the metadata slice used for event visibility decisions.
func (r *SubmissionRepo) Meta(ctx domain.Context, id int64) (domain.SubmissionMeta, error) {
	tracer := otel.Tracer("repo.submissions")
	ctx, span := tracer.Start(ctx, "submissions.Meta")
	defer span.End()

	const q = `
		SELECT p.id, p.is_public, p.testcase_visibility,
		       cp.contest_id, s.user_id, s.status, l.key
		FROM submissions s
		JOIN problems p ON p.id = s.problem_id
		JOIN languages l ON l.id = s.language_id
		LEFT JOIN contest_participations cp ON cp.id = s.contest_participation_id
		WHERE s.id = $1`
	var m domain.SubmissionMeta
	row := r.Pool.QueryRow(ctx, q, id)
	if err := row.Scan(&m.ProblemID, &m.ProblemPublic, &m.TestcaseVisibility,
		&m.ContestID, &m.UserID, &m.Status, &m.LanguageKey); err != nil {
		if err == pgx.ErrNoRows {
			return domain.SubmissionMeta{}, fmt.Errorf("op=submission.meta: %w", domain.ErrNotFound)
		}
		return domain.SubmissionMeta{}, wrapErr("submission.meta", err)
	}
	return m, nil
}

func (r *SubmissionRepo) update(ctx domain.Context, op, q string, args ...any) error {
	tag, err := r.Pool.Exec(ctx, q, args...)
	if err != nil {
		return wrapErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
	}
	return nil
}

// SetProcessing moves a queued submission to Processing and records which
// judge owns it.
func (r *SubmissionRepo) SetProcessing(ctx domain.Context, id int64, judgedOn string) error {
	return r.update(ctx, "submission.set_processing",
		`UPDATE submissions SET status = 'P', judged_on = $2 WHERE id = $1`, id, judgedOn)
}

// BeginGrading resets the per-attempt fields and deletes prior testcases in
// one transaction.
func (r *SubmissionRepo) BeginGrading(ctx domain.Context, id int64, judgedDate time.Time) error {
	tracer := otel.Tracer("repo.submissions")
	ctx, span := tracer.Start(ctx, "submissions.BeginGrading")
	defer span.End()

	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return wrapErr("submission.begin_grading", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE submissions
		SET status = 'G', is_pretested = FALSE, current_testcase = 1,
		    batch = FALSE, judged_date = $2
		WHERE id = $1`, id, judgedDate)
	if err != nil {
		return wrapErr("submission.begin_grading", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=submission.begin_grading: %w", domain.ErrNotFound)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM submission_testcases WHERE submission_id = $1`, id); err != nil {
		return wrapErr("submission.begin_grading", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapErr("submission.begin_grading", err)
	}
	return nil
}

// SetCompileError finalizes a submission that failed to compile.
func (r *SubmissionRepo) SetCompileError(ctx domain.Context, id int64, log string) error {
	return r.update(ctx, "submission.set_compile_error",
		`UPDATE submissions SET status = 'CE', result = 'CE', error = $2 WHERE id = $1`, id, log)
}

// SetCompileMessage records non-fatal compiler output.
func (r *SubmissionRepo) SetCompileMessage(ctx domain.Context, id int64, log string) error {
	return r.update(ctx, "submission.set_compile_message",
		`UPDATE submissions SET error = $2 WHERE id = $1`, id, log)
}

// SetInternalError finalizes a submission as IE with the supplied message.
func (r *SubmissionRepo) SetInternalError(ctx domain.Context, id int64, message string) error {
	return r.update(ctx, "submission.set_internal_error",
		`UPDATE submissions SET status = 'IE', result = 'IE', error = $2 WHERE id = $1`, id, message)
}

// SetInternalErrorIfQueued marks a still-queued submission IE.
func (r *SubmissionRepo) SetInternalErrorIfQueued(ctx domain.Context, id int64) error {
	return r.update(ctx, "submission.set_internal_error_queued",
		`UPDATE submissions SET status = 'IE', result = 'IE', error = NULL
		 WHERE id = $1 AND status = 'QU'`, id)
}

// SetAborted finalizes a terminated submission.
func (r *SubmissionRepo) SetAborted(ctx domain.Context, id int64) error {
	return r.update(ctx, "submission.set_aborted",
		`UPDATE submissions SET status = 'AB', result = 'AB', points = 0 WHERE id = $1`, id)
}

// MarkBatched flags a submission as containing batched testcases.
func (r *SubmissionRepo) MarkBatched(ctx domain.Context, id int64) error {
	return r.update(ctx, "submission.mark_batched",
		`UPDATE submissions SET batch = TRUE WHERE id = $1`, id)
}

// SetCurrentTestcase advances the progress marker.
func (r *SubmissionRepo) SetCurrentTestcase(ctx domain.Context, id int64, position int) error {
	return r.update(ctx, "submission.set_current_testcase",
		`UPDATE submissions SET current_testcase = $2 WHERE id = $1`, id, position)
}

// InsertTestCases bulk-inserts testcase rows with COPY.
func (r *SubmissionRepo) InsertTestCases(ctx domain.Context, id int64, cases []domain.TestCase) error {
	tracer := otel.Tracer("repo.submissions")
	ctx, span := tracer.Start(ctx, "submissions.InsertTestCases")
	defer span.End()

	rows := make([][]any, 0, len(cases))
	for _, c := range cases {
		rows = append(rows, []any{
			id, c.Case, string(c.Status), c.Time, c.Memory, c.Points, c.Total,
			c.Batch, c.Feedback, c.ExtendedFeedback, c.Output,
		})
	}
	_, err := r.Pool.CopyFrom(ctx,
		pgx.Identifier{"submission_testcases"},
		[]string{"submission_id", "case", "status", "time", "memory", "points",
			"total", "batch", "feedback", "extended_feedback", "output"},
		pgx.CopyFromRows(rows))
	return wrapErr("submission.insert_testcases", err)
}

// FinishGrading folds the submission's testcases into the terminal
// aggregates and writes the row once, all under one transaction.
func (r *SubmissionRepo) FinishGrading(ctx domain.Context, id int64) (domain.FinalResult, error) {
	tracer := otel.Tracer("repo.submissions")
	ctx, span := tracer.Start(ctx, "submissions.FinishGrading")
	defer span.End()

	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return domain.FinalResult{}, wrapErr("submission.finish_grading", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		points  float64
		partial bool
	)
	row := tx.QueryRow(ctx, `
		SELECT p.points, p.partial
		FROM submissions s JOIN problems p ON p.id = s.problem_id
		WHERE s.id = $1`, id)
	if err := row.Scan(&points, &partial); err != nil {
		if err == pgx.ErrNoRows {
			return domain.FinalResult{}, fmt.Errorf("op=submission.finish_grading: %w", domain.ErrNotFound)
		}
		return domain.FinalResult{}, wrapErr("submission.finish_grading", err)
	}

	rows, err := tx.Query(ctx, `
		SELECT "case", status, time, memory, points, total, batch
		FROM submission_testcases WHERE submission_id = $1 ORDER BY "case"`, id)
	if err != nil {
		return domain.FinalResult{}, wrapErr("submission.finish_grading", err)
	}
	var cases []domain.TestCase
	for rows.Next() {
		var c domain.TestCase
		if err := rows.Scan(&c.Case, &c.Status, &c.Time, &c.Memory, &c.Points, &c.Total, &c.Batch); err != nil {
			rows.Close()
			return domain.FinalResult{}, wrapErr("submission.finish_grading", err)
		}
		cases = append(cases, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.FinalResult{}, wrapErr("submission.finish_grading", err)
	}

	final := domain.Finalize(cases, points, partial)
	if _, err := tx.Exec(ctx, `
		UPDATE submissions
		SET status = 'D', result = $2, case_points = $3, case_total = $4,
		    points = $5, time = $6, memory = $7
		WHERE id = $1`,
		id, string(final.Result), final.CasePoints, final.CaseTotal,
		final.Points, final.Time, final.Memory); err != nil {
		return domain.FinalResult{}, wrapErr("submission.finish_grading", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.FinalResult{}, wrapErr("submission.finish_grading", err)
	}
	return final, nil
}
