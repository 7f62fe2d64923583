// Package usecase contains application business logic services.
package usecase

import (
	"errors"
	"fmt"

	"github.com/openjudge/bridged/internal/bridge"
	"github.com/openjudge/bridged/internal/domain"
)

// AdmissionService is the façade the rest of the platform calls to get
// submissions judged and to manage connected judges.
type AdmissionService struct {
	Registry    *bridge.Registry
	Submissions domain.SubmissionStore
	JudgeAdmin  judgeAdmin
}

// judgeAdmin is the slice of the judge store admission needs.
type judgeAdmin interface {
	SetDisabled(ctx domain.Context, name string, disabled bool) error
}

// NewAdmissionService constructs an AdmissionService with its dependencies.
func NewAdmissionService(r *bridge.Registry, s domain.SubmissionStore, j judgeAdmin) AdmissionService {
	return AdmissionService{Registry: r, Submissions: s, JudgeAdmin: j}
}

// Submit admits a submission for grading. It dispatches immediately when an
// eligible judge is idle, queues when all capable judges are busy, and fails
// with ErrNoEligibleJudge when no connected judge can grade it.
func (s AdmissionService) Submit(ctx domain.Context, id int64, problem, language, source string) error {
	if id <= 0 || problem == "" || language == "" {
		return fmt.Errorf("%w: submission id, problem and language required", domain.ErrInvalidArgument)
	}
	return s.Registry.Submit(ctx, bridge.QueuedSubmission{
		ID:       id,
		Problem:  problem,
		Language: language,
		Source:   source,
	})
}

// Rejudge is Submit directed at one named judge; only that judge is
// considered eligible.
func (s AdmissionService) Rejudge(ctx domain.Context, id int64, problem, language, source, judge string) error {
	if id <= 0 || problem == "" || language == "" {
		return fmt.Errorf("%w: submission id, problem and language required", domain.ErrInvalidArgument)
	}
	return s.Registry.Submit(ctx, bridge.QueuedSubmission{
		ID:       id,
		Problem:  problem,
		Language: language,
		Source:   source,
		Judge:    judge,
	})
}

// Abort stops a queued or in-flight submission. A queued one is dropped and
// finalized as aborted here; an in-flight one is terminated by its judge,
// which finalizes it on the resulting grading-end.
func (s AdmissionService) Abort(ctx domain.Context, id int64) error {
	queued, err := s.Registry.Abort(id)
	if err != nil {
		return err
	}
	if queued {
		// Dropped from the queue; no judge will report back for it.
		return s.Submissions.SetAborted(ctx, id)
	}
	return nil
}

// Disconnect asks the named judge to leave, severing immediately when force
// is set.
func (s AdmissionService) Disconnect(ctx domain.Context, name string, force bool) error {
	if name == "" {
		return fmt.Errorf("%w: judge name required", domain.ErrInvalidArgument)
	}
	return s.Registry.Disconnect(name, force)
}

// Disable persists the judge's disablement flag and applies it to the live
// session so no further work is routed there.
func (s AdmissionService) Disable(ctx domain.Context, name string, disabled bool) error {
	if name == "" {
		return fmt.Errorf("%w: judge name required", domain.ErrInvalidArgument)
	}
	if err := s.JudgeAdmin.SetDisabled(ctx, name, disabled); err != nil {
		return err
	}
	// The judge may be offline; the persisted flag alone is then enough.
	if err := s.Registry.SetDisabled(name, disabled); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return nil
}

// Judges reports a snapshot of the connected judges.
func (s AdmissionService) Judges(_ domain.Context) []bridge.JudgeStatus {
	return s.Registry.Snapshot()
}

// QueueLength reports how many submissions await an idle judge.
func (s AdmissionService) QueueLength(_ domain.Context) int {
	return s.Registry.QueueLength()
}
