package usecase

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openjudge/bridged/internal/bridge"
	"github.com/openjudge/bridged/internal/domain"
)

type stubJudgeStore struct {
	mu       sync.Mutex
	disabled map[string]bool
	setErr   error
}

func (s *stubJudgeStore) Authenticate(domain.Context, string) (domain.JudgeAuth, error) {
	return domain.JudgeAuth{}, domain.ErrNotFound
}
func (s *stubJudgeStore) Connected(domain.Context, string, string) error         { return nil }
func (s *stubJudgeStore) Disconnected(domain.Context, string) error              { return nil }
func (s *stubJudgeStore) ReplaceProblems(domain.Context, string, []string) error { return nil }
func (s *stubJudgeStore) AllProblemCodes(domain.Context) ([]string, error)       { return nil, nil }
func (s *stubJudgeStore) ReplaceRuntimes(domain.Context, string, domain.ExecutorMap) error {
	return nil
}
func (s *stubJudgeStore) UpdatePing(domain.Context, string, float64, float64) error { return nil }

func (s *stubJudgeStore) SetDisabled(_ domain.Context, name string, disabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	if s.disabled == nil {
		s.disabled = map[string]bool{}
	}
	s.disabled[name] = disabled
	return nil
}

type stubSubStore struct {
	mu      sync.Mutex
	aborted []int64
}

func (s *stubSubStore) DispatchInfo(domain.Context, int64) (domain.DispatchInfo, error) {
	return domain.DispatchInfo{}, domain.ErrNotFound
}
func (s *stubSubStore) Meta(domain.Context, int64) (domain.SubmissionMeta, error) {
	return domain.SubmissionMeta{}, domain.ErrNotFound
}
func (s *stubSubStore) SetProcessing(domain.Context, int64, string) error       { return nil }
func (s *stubSubStore) BeginGrading(domain.Context, int64, time.Time) error     { return nil }
func (s *stubSubStore) SetCompileError(domain.Context, int64, string) error     { return nil }
func (s *stubSubStore) SetCompileMessage(domain.Context, int64, string) error   { return nil }
func (s *stubSubStore) SetInternalError(domain.Context, int64, string) error    { return nil }
func (s *stubSubStore) SetInternalErrorIfQueued(domain.Context, int64) error    { return nil }
func (s *stubSubStore) MarkBatched(domain.Context, int64) error                 { return nil }
func (s *stubSubStore) SetCurrentTestcase(domain.Context, int64, int) error     { return nil }
func (s *stubSubStore) InsertTestCases(domain.Context, int64, []domain.TestCase) error {
	return nil
}
func (s *stubSubStore) FinishGrading(domain.Context, int64) (domain.FinalResult, error) {
	return domain.FinalResult{}, domain.ErrNotFound
}

func (s *stubSubStore) SetAborted(_ domain.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = append(s.aborted, id)
	return nil
}

func newService() (AdmissionService, *stubSubStore, *stubJudgeStore) {
	judges := &stubJudgeStore{}
	subs := &stubSubStore{}
	registry := bridge.NewRegistry(nil, judges)
	return NewAdmissionService(registry, subs, judges), subs, judges
}

func TestSubmitValidatesArguments(t *testing.T) {
	t.Parallel()
	svc, _, _ := newService()
	ctx := context.Background()

	require.ErrorIs(t, svc.Submit(ctx, 0, "p", "l", "src"), domain.ErrInvalidArgument)
	require.ErrorIs(t, svc.Submit(ctx, 1, "", "l", "src"), domain.ErrInvalidArgument)
	require.ErrorIs(t, svc.Submit(ctx, 1, "p", "", "src"), domain.ErrInvalidArgument)
}

func TestSubmitNoJudges(t *testing.T) {
	t.Parallel()
	svc, _, _ := newService()
	err := svc.Submit(context.Background(), 1, "aplusb", "PY3", "print(1)")
	require.ErrorIs(t, err, domain.ErrNoEligibleJudge)
}

func TestRejudgeValidatesArguments(t *testing.T) {
	t.Parallel()
	svc, _, _ := newService()
	err := svc.Rejudge(context.Background(), 0, "p", "l", "src", "alpha")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestAbortNotRunning(t *testing.T) {
	t.Parallel()
	svc, subs, _ := newService()
	err := svc.Abort(context.Background(), 99)
	require.ErrorIs(t, err, domain.ErrNotRunning)
	assert.Empty(t, subs.aborted)
}

func TestDisconnectValidation(t *testing.T) {
	t.Parallel()
	svc, _, _ := newService()
	ctx := context.Background()

	require.ErrorIs(t, svc.Disconnect(ctx, "", false), domain.ErrInvalidArgument)
	require.ErrorIs(t, svc.Disconnect(ctx, "nobody", false), domain.ErrNotFound)
}

func TestDisablePersistsForOfflineJudge(t *testing.T) {
	t.Parallel()
	svc, _, judges := newService()

	// No live session for the judge; the persisted flag must still land.
	require.NoError(t, svc.Disable(context.Background(), "alpha", true))
	judges.mu.Lock()
	defer judges.mu.Unlock()
	assert.True(t, judges.disabled["alpha"])
}

func TestDisableValidation(t *testing.T) {
	t.Parallel()
	svc, _, judges := newService()
	ctx := context.Background()

	require.ErrorIs(t, svc.Disable(ctx, "", true), domain.ErrInvalidArgument)

	judges.setErr = fmt.Errorf("boom")
	require.Error(t, svc.Disable(ctx, "alpha", true))
}

func TestSnapshotEmpty(t *testing.T) {
	t.Parallel()
	svc, _, _ := newService()
	assert.Empty(t, svc.Judges(context.Background()))
	assert.Zero(t, svc.QueueLength(context.Background()))
}
