package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/openjudge/bridged/internal/domain"
)

// JudgeRepo implements domain.JudgeStore on PostgreSQL.
type JudgeRepo struct{ Pool PgxPool }

// NewJudgeRepo constructs a JudgeRepo with the given pool.
func NewJudgeRepo(p PgxPool) *JudgeRepo { return &JudgeRepo{Pool: p} }

// Authenticate loads the credentials and scheduling attributes of a judge.
func (r *JudgeRepo) Authenticate(ctx domain.Context, name string) (domain.JudgeAuth, error) {
	tracer := otel.Tracer("repo.judges")
	ctx, span := tracer.Start(ctx, "judges.Authenticate")
	defer span.End()

	const q = `SELECT auth_key, is_blocked, is_disabled, tier FROM judges WHERE name = $1`
	var auth domain.JudgeAuth
	row := r.Pool.QueryRow(ctx, q, name)
	if err := row.Scan(&auth.AuthKey, &auth.Blocked, &auth.Disabled, &auth.Tier); err != nil {
		if err == pgx.ErrNoRows {
			return domain.JudgeAuth{}, fmt.Errorf("op=judge.authenticate: %w", domain.ErrNotFound)
		}
		return domain.JudgeAuth{}, wrapErr("judge.authenticate", err)
	}
	return auth, nil
}

// Connected marks the judge online and records its start time and address.
func (r *JudgeRepo) Connected(ctx domain.Context, name, ip string) error {
	tag, err := r.Pool.Exec(ctx, `
		UPDATE judges SET online = TRUE, start_time = $2, last_ip = $3
		WHERE name = $1`, name, time.Now().UTC(), ip)
	if err != nil {
		return wrapErr("judge.connected", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=judge.connected: %w", domain.ErrNotFound)
	}
	return nil
}

// Disconnected marks the judge offline and drops its runtime versions.
func (r *JudgeRepo) Disconnected(ctx domain.Context, name string) error {
	tracer := otel.Tracer("repo.judges")
	ctx, span := tracer.Start(ctx, "judges.Disconnected")
	defer span.End()

	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return wrapErr("judge.disconnected", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, `UPDATE judges SET online = FALSE WHERE name = $1`, name); err != nil {
		return wrapErr("judge.disconnected", err)
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM judge_runtime_versions
		WHERE judge_id = (SELECT id FROM judges WHERE name = $1)`, name); err != nil {
		return wrapErr("judge.disconnected", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapErr("judge.disconnected", err)
	}
	return nil
}

// ReplaceProblems relinks the judge to the problems it reports.
func (r *JudgeRepo) ReplaceProblems(ctx domain.Context, name string, codes []string) error {
	tracer := otel.Tracer("repo.judges")
	ctx, span := tracer.Start(ctx, "judges.ReplaceProblems")
	defer span.End()

	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return wrapErr("judge.replace_problems", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, `
		DELETE FROM judge_problems
		WHERE judge_id = (SELECT id FROM judges WHERE name = $1)`, name); err != nil {
		return wrapErr("judge.replace_problems", err)
	}
	if len(codes) > 0 {
		if _, err := tx.Exec(ctx, `
			INSERT INTO judge_problems (judge_id, problem_id)
			SELECT j.id, p.id FROM judges j, problems p
			WHERE j.name = $1 AND p.code = ANY($2)`, name, codes); err != nil {
			return wrapErr("judge.replace_problems", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapErr("judge.replace_problems", err)
	}
	return nil
}

// AllProblemCodes lists every problem code on the platform; used when the
// bridge is configured to ignore the problems packet.
func (r *JudgeRepo) AllProblemCodes(ctx domain.Context) ([]string, error) {
	rows, err := r.Pool.Query(ctx, `SELECT code FROM problems ORDER BY code`)
	if err != nil {
		return nil, wrapErr("judge.all_problem_codes", err)
	}
	defer rows.Close()
	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, wrapErr("judge.all_problem_codes", err)
		}
		codes = append(codes, code)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("judge.all_problem_codes", err)
	}
	return codes, nil
}

// ReplaceRuntimes rebuilds the judge's runtime-version rows from the
// reported executor map; priority is the position in each version list.
func (r *JudgeRepo) ReplaceRuntimes(ctx domain.Context, name string, executors domain.ExecutorMap) error {
	tracer := otel.Tracer("repo.judges")
	ctx, span := tracer.Start(ctx, "judges.ReplaceRuntimes")
	defer span.End()

	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return wrapErr("judge.replace_runtimes", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, `
		DELETE FROM judge_runtime_versions
		WHERE judge_id = (SELECT id FROM judges WHERE name = $1)`, name); err != nil {
		return wrapErr("judge.replace_runtimes", err)
	}
	for key, entries := range executors {
		for priority, entry := range entries {
			if _, err := tx.Exec(ctx, `
				INSERT INTO judge_runtime_versions (judge_id, language_key, name, version, priority)
				SELECT id, $2, $3, $4, $5 FROM judges WHERE name = $1`,
				name, key, entry.Name, joinVersion(entry.Version), priority); err != nil {
				return wrapErr("judge.replace_runtimes", err)
			}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapErr("judge.replace_runtimes", err)
	}
	return nil
}

func joinVersion(parts []int) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "."
		}
		out += fmt.Sprintf("%d", p)
	}
	return out
}

// UpdatePing records the latest latency and load sample.
func (r *JudgeRepo) UpdatePing(ctx domain.Context, name string, latency, load float64) error {
	_, err := r.Pool.Exec(ctx,
		`UPDATE judges SET ping = $2, load = $3 WHERE name = $1`, name, latency, load)
	return wrapErr("judge.update_ping", err)
}

// SetDisabled persists the disablement flag.
func (r *JudgeRepo) SetDisabled(ctx domain.Context, name string, disabled bool) error {
	tag, err := r.Pool.Exec(ctx,
		`UPDATE judges SET is_disabled = $2 WHERE name = $1`, name, disabled)
	if err != nil {
		return wrapErr("judge.set_disabled", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=judge.set_disabled: %w", domain.ErrNotFound)
	}
	return nil
}
