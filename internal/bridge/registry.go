package bridge

import (
	"container/list"
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/openjudge/bridged/internal/adapter/observability"
	"github.com/openjudge/bridged/internal/domain"
)

// QueuedSubmission is one unit of pending grading work. Judge names a
// specific worker for a directed rejudge; empty means any eligible one.
type QueuedSubmission struct {
	ID       int64
	Problem  string
	Language string
	Source   string
	Judge    string
}

// Registry is the set of live judge sessions plus the queue of submissions
// waiting for one. All mutation is serialized through its lock; sessions
// transition to dispatched before Submit or onJudgeFree return.
type Registry struct {
	log    *slog.Logger
	judges domain.JudgeStore

	mu         sync.Mutex
	sessions   map[*Session]struct{}
	queue      *list.List
	nodes      map[int64]*list.Element
	problemSet map[string]struct{}
	problems   []string
}

// NewRegistry builds an empty registry. judges is used to persist problem
// links when a session updates its capabilities.
func NewRegistry(log *slog.Logger, judges domain.JudgeStore) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:        log,
		judges:     judges,
		sessions:   map[*Session]struct{}{},
		queue:      list.New(),
		nodes:      map[int64]*list.Element{},
		problemSet: map[string]struct{}{},
	}
}

// SetProblemCodes replaces the platform-wide problem set used when sessions
// are configured to ignore the problems packet.
func (r *Registry) SetProblemCodes(codes []string) {
	set := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	r.mu.Lock()
	r.problemSet = set
	r.problems = append([]string(nil), codes...)
	r.mu.Unlock()
}

// ProblemCodes returns a copy of the platform-wide problem set.
func (r *Registry) ProblemCodes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.problems...)
}

// register adds a freshly authenticated session and reconsiders the queue:
// a new judge may be able to take work nobody else could.
func (r *Registry) register(s *Session) {
	r.mu.Lock()
	r.sessions[s] = struct{}{}
	r.mu.Unlock()
	r.drainQueue(context.Background())
}

// remove drops the registry's handle on a session. Safe to call for
// sessions that never registered.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s)
	r.mu.Unlock()
}

// Submit dispatches a submission to the best eligible idle session or, when
// all capable judges are busy, leaves it queued. It fails with
// ErrNoEligibleJudge when no live session can grade it at all.
func (r *Registry) Submit(ctx context.Context, sub QueuedSubmission) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	capable := false
	for s := range r.sessions {
		if s.CanJudge(sub.Problem, sub.Language, sub.Judge) {
			capable = true
			break
		}
	}
	if !capable {
		return domain.ErrNoEligibleJudge
	}
	if !r.tryDispatchLocked(ctx, sub) {
		r.enqueueLocked(sub)
	}
	return nil
}

// Abort locates the session owning id and asks it to terminate the
// submission; a queued submission is simply dropped from the queue. The
// returned flag reports the queued case, where no judge will ever send a
// terminal packet for the submission.
func (r *Registry) Abort(id int64) (queued bool, err error) {
	r.mu.Lock()
	if node, ok := r.nodes[id]; ok {
		r.queue.Remove(node)
		delete(r.nodes, id)
		observability.QueuedSubmissions.Set(float64(r.queue.Len()))
		r.mu.Unlock()
		return true, nil
	}
	var owner *Session
	for s := range r.sessions {
		if s.currentSubmission() == id {
			owner = s
			break
		}
	}
	r.mu.Unlock()
	if owner == nil {
		return false, domain.ErrNotRunning
	}
	owner.Abort()
	return false, nil
}

// Disconnect asks the named judge to leave, forcibly when force is set.
func (r *Registry) Disconnect(name string, force bool) error {
	s := r.findByName(name)
	if s == nil {
		return domain.ErrNotFound
	}
	s.Disconnect(force)
	return nil
}

// SetDisabled flips the cached disablement flag on the named session and
// reconsiders the queue on enable.
func (r *Registry) SetDisabled(name string, disabled bool) error {
	s := r.findByName(name)
	if s == nil {
		return domain.ErrNotFound
	}
	s.SetDisabled(disabled)
	if !disabled {
		r.drainQueue(context.Background())
	}
	return nil
}

func (r *Registry) findByName(name string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	for s := range r.sessions {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// UpdateProblems replaces a session's problem set, persists the link rows
// and reconsiders the queue.
func (r *Registry) UpdateProblems(ctx context.Context, s *Session, codes []string) {
	s.setProblems(codes)
	if err := r.judges.ReplaceProblems(ctx, s.Name(), codes); err != nil {
		r.log.Warn("problem link update failed",
			slog.String("judge", s.Name()), slog.Any("error", err))
	}
	r.log.Info("updated problem list",
		slog.String("judge", s.Name()), slog.Int("count", len(codes)))
	r.drainQueue(ctx)
}

// onJudgeFree releases a session's working slot association and hands it
// the next queued submission it can take.
func (r *Registry) onJudgeFree(s *Session, id int64) {
	r.log.Info("judge is now free", slog.String("judge", s.Name()), slog.Int64("submission", id))
	r.drainQueue(context.Background())
}

// drainQueue walks pending submissions in order and dispatches every one
// that now has an eligible idle session.
func (r *Registry) drainQueue(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for node := r.queue.Front(); node != nil; {
		next := node.Next()
		sub := node.Value.(QueuedSubmission)
		if r.tryDispatchLocked(ctx, sub) {
			r.queue.Remove(node)
			delete(r.nodes, sub.ID)
		}
		node = next
	}
	observability.QueuedSubmissions.Set(float64(r.queue.Len()))
}

func (r *Registry) enqueueLocked(sub QueuedSubmission) {
	r.nodes[sub.ID] = r.queue.PushBack(sub)
	observability.QueuedSubmissions.Set(float64(r.queue.Len()))
}

// tryDispatchLocked picks the best eligible idle session for sub: lowest
// tier, then lowest reported load, then lowest latency, ties broken by
// name. Returns false when every capable judge is busy.
func (r *Registry) tryDispatchLocked(ctx context.Context, sub QueuedSubmission) bool {
	type ranked struct {
		s       *Session
		tier    int
		load    float64
		latency float64
		name    string
	}
	var candidates []ranked
	for s := range r.sessions {
		if !s.CanJudge(sub.Problem, sub.Language, sub.Judge) || s.Working() {
			continue
		}
		tier, load, latency, name := s.rankKey()
		candidates = append(candidates, ranked{s: s, tier: tier, load: load, latency: latency, name: name})
	}
	if len(candidates) == 0 {
		return false
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.tier != b.tier {
			return a.tier < b.tier
		}
		if a.load != b.load {
			return a.load < b.load
		}
		if a.latency != b.latency {
			return a.latency < b.latency
		}
		return a.name < b.name
	})
	chosen := candidates[0].s
	if err := chosen.Dispatch(ctx, sub); err != nil {
		// The submission vanished from the store; drop it.
		return true
	}
	r.log.Info("dispatched submission",
		slog.Int64("submission", sub.ID), slog.String("judge", chosen.Name()))
	return true
}

// JudgeStatus is a point-in-time snapshot of one session for the admin API.
type JudgeStatus struct {
	Name     string  `json:"name"`
	Tier     int     `json:"tier"`
	Working  int64   `json:"working,omitempty"`
	Load     float64 `json:"load"`
	Latency  float64 `json:"latency"`
	Disabled bool    `json:"disabled"`
}

// Snapshot copies the live session set for inspection.
func (r *Registry) Snapshot() []JudgeStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]JudgeStatus, 0, len(r.sessions))
	for s := range r.sessions {
		tier, load, latency, name := s.rankKey()
		s.mu.Lock()
		disabled := s.disabled
		working := s.working
		s.mu.Unlock()
		out = append(out, JudgeStatus{
			Name: name, Tier: tier, Working: working,
			Load: load, Latency: latency, Disabled: disabled,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// QueueLength reports how many submissions are waiting for a judge.
func (r *Registry) QueueLength() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue.Len()
}
