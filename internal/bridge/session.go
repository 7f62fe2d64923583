package bridge

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/openjudge/bridged/internal/adapter/observability"
	"github.com/openjudge/bridged/internal/config"
	"github.com/openjudge/bridged/internal/domain"
	obsctx "github.com/openjudge/bridged/internal/observability"
)

// pingSamples is the rolling window for latency and clock-skew means,
// roughly one minute at the default ping interval.
const pingSamples = 6

// Deps bundles the collaborators a session needs.
type Deps struct {
	Registry *Registry
	Store    domain.SubmissionStore
	Judges   domain.JudgeStore
	Events   domain.EventBus
	Audit    domain.AuditLog
	Log      *slog.Logger
	// SubmissionClosed runs after a grading-end row is written; the web
	// collaborators hang statistics and contest recomputation off it.
	SubmissionClosed func(ctx context.Context, id int64, final domain.FinalResult)
}

// Session is the per-judge connection state machine. The read loop owns all
// packet handling; the registry calls Dispatch and Abort under its own lock;
// the ping loop runs independently and owns the rolling means.
type Session struct {
	cfg  config.Config
	conn *FramedConn
	addr string
	deps Deps
	log  *slog.Logger

	name string
	tier int

	mu           sync.Mutex
	executors    domain.ExecutorMap
	disabled     bool
	problems     map[string]struct{}
	working      int64
	ackTimer     *time.Timer
	dispatchedAt time.Time

	batchID int
	inBatch bool

	outbound  chan []byte
	closed    chan struct{}
	stopPing  chan struct{}
	closeOnce sync.Once

	pingAvg   rollingMean
	deltaAvg  rollingMean
	latency   float64
	timeDelta float64
	load      float64

	metaID int64
	meta   domain.SubmissionMeta
}

// rollingMean keeps the mean of the last n samples. Written and read only
// by the ping loop; snapshots are copied under the session mutex.
type rollingMean struct {
	samples []float64
	next    int
	filled  bool
}

func (m *rollingMean) push(v float64) float64 {
	if m.samples == nil {
		m.samples = make([]float64, pingSamples)
	}
	m.samples[m.next] = v
	m.next = (m.next + 1) % len(m.samples)
	if m.next == 0 {
		m.filled = true
	}
	n := m.next
	if m.filled {
		n = len(m.samples)
	}
	var sum float64
	for _, s := range m.samples[:n] {
		sum += s
	}
	return sum / float64(n)
}

// NewSession wraps an accepted connection. addr is the resolved client
// address after any PROXY-protocol handling.
func NewSession(cfg config.Config, conn net.Conn, addr string, deps Deps) *Session {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	queue := cfg.OutboundQueueSize
	if queue <= 0 {
		queue = 32
	}
	return &Session{
		cfg:      cfg,
		conn:     NewFramedConn(conn, cfg.MaxFrameBytes),
		addr:     addr,
		deps:     deps,
		log:      deps.Log.With(slog.String("addr", addr)),
		problems: map[string]struct{}{},
		// An unmeasured judge ranks last until its first ping-response.
		load:     math.MaxFloat64,
		outbound: make(chan []byte, queue),
		closed:   make(chan struct{}),
		stopPing: make(chan struct{}),
	}
}

// Name returns the authenticated judge name, or empty before handshake.
func (s *Session) Name() string { return s.name }

// Run drives the session until the connection drops or a protocol fault
// closes it. It blocks; callers run it in its own goroutine.
func (s *Session) Run(ctx context.Context) {
	defer s.cleanup(ctx)
	go s.writeLoop()

	s.log.Info("judge connected")
	s.deps.Audit.Log(ctx, s.auditRecord(nil, "connect", ""))

	raw, err := s.conn.ReadFrame(s.cfg.HandshakeTimeout)
	if err != nil {
		s.log.Warn("no handshake received", slog.Any("error", err))
		return
	}
	if !s.handleHandshake(ctx, raw) {
		return
	}
	go s.pingLoop(ctx)

	for {
		raw, err := s.conn.ReadFrame(s.cfg.IdleTimeout)
		if err != nil {
			s.logReadError(err)
			return
		}
		s.handlePacket(ctx, raw)
	}
}

func (s *Session) logReadError(err error) {
	var nerr net.Error
	switch {
	case errors.As(err, &nerr) && nerr.Timeout():
		s.log.Warn("judge seems dead", slog.String("judge", s.name), slog.Int64("working", s.currentSubmission()))
	case errors.Is(err, ErrFrameTooLarge) || errors.Is(err, ErrBadFrame):
		observability.FramesRejectedTotal.WithLabelValues("protocol").Inc()
		s.log.Error("protocol fault, closing session", slog.String("judge", s.name), slog.Any("error", err))
	case errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrDeadlineExceeded):
	default:
		s.log.Info("judge connection closed", slog.String("judge", s.name), slog.Any("error", err))
	}
}

// close tears down the connection; safe to call from any goroutine.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

// Disconnect asks the judge to wind down, or yanks the connection when
// force is set.
func (s *Session) Disconnect(force bool) {
	if force {
		s.close()
		return
	}
	s.send(map[string]any{"name": "disconnect"})
}

func (s *Session) cleanup(parent context.Context) {
	s.close()
	close(s.stopPing)

	// The parent context is gone on shutdown; the IE write and offline
	// bookkeeping still have to land.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), 10*time.Second)
	defer cancel()

	s.mu.Lock()
	working := s.working
	if s.ackTimer != nil {
		s.ackTimer.Stop()
		s.ackTimer = nil
	}
	s.mu.Unlock()

	if working != 0 {
		s.log.Error("judge disconnected while handling submission",
			slog.String("judge", s.name), slog.Int64("submission", working))
	}
	if s.deps.Registry != nil {
		s.deps.Registry.remove(s)
	}
	if s.name != "" {
		if err := s.deps.Judges.Disconnected(ctx, s.name); err != nil {
			s.log.Warn("judge offline update failed", slog.Any("error", err))
		}
		observability.JudgesOnline.Dec()
	}
	s.log.Info("judge disconnected", slog.String("judge", s.name))
	s.deps.Audit.Log(ctx, s.auditRecord(nil, "disconnect", "judge disconnected"))

	if working != 0 {
		if err := s.deps.Store.SetInternalError(ctx, working, ""); err != nil && !errors.Is(err, domain.ErrNotFound) {
			s.log.Error("failed to mark submission IE on shutdown", slog.Any("error", err))
		}
		observability.JudgesWorking.Dec()
		s.deps.Audit.Log(ctx, s.auditRecord(&working, "close", "IE due to shutdown on grading"))
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case data := <-s.outbound:
			if err := s.conn.WriteFrame(data); err != nil {
				s.log.Warn("write failed, closing session", slog.Any("error", err))
				s.close()
				return
			}
		case <-s.closed:
			return
		}
	}
}

// send marshals payload and queues it for the single writer. It blocks when
// the outbound queue is saturated, which is what back-pressures dispatch.
func (s *Session) send(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("failed to marshal outbound packet", slog.Any("error", err))
		return
	}
	select {
	case s.outbound <- data:
	case <-s.closed:
	}
}

// --- handshake -------------------------------------------------------------

func (s *Session) handleHandshake(ctx context.Context, raw []byte) bool {
	var hdr packetHeader
	if err := json.Unmarshal(raw, &hdr); err != nil || hdr.Name != packetHandshake {
		s.log.Warn("first packet was not a handshake")
		return false
	}
	var pkt handshakePacket
	if err := json.Unmarshal(raw, &pkt); err != nil || pkt.ID == "" || pkt.Key == "" {
		s.log.Warn("malformed handshake")
		return false
	}

	auth, err := s.deps.Judges.Authenticate(ctx, pkt.ID)
	if err != nil {
		s.log.Warn("judge authentication failure", slog.String("judge", pkt.ID))
		s.deps.Audit.Log(ctx, s.auditRecord(nil, "auth", "unknown judge "+pkt.ID))
		return false
	}
	if !hmac.Equal([]byte(auth.AuthKey), []byte(pkt.Key)) {
		s.log.Warn("judge authentication failure", slog.String("judge", pkt.ID))
		s.deps.Audit.Log(ctx, s.auditRecord(nil, "auth", "judge failed authentication"))
		return false
	}
	if auth.Blocked {
		s.deps.Audit.Log(ctx, s.auditRecord(nil, "auth", "judge authenticated but is blocked"))
		return false
	}

	s.name = pkt.ID
	s.tier = auth.Tier
	s.log = s.log.With(slog.String("judge", s.name))

	executors := pkt.Executors.toDomain()
	s.mu.Lock()
	s.executors = executors
	s.disabled = auth.Disabled
	s.problems = map[string]struct{}{}
	var codes []string
	if s.cfg.IgnoreProblemsPacket {
		codes = s.deps.Registry.ProblemCodes()
	} else {
		for _, p := range pkt.Problems {
			codes = append(codes, p.Code)
		}
	}
	for _, code := range codes {
		s.problems[code] = struct{}{}
	}
	s.mu.Unlock()

	s.send(map[string]any{"name": "handshake-success"})
	s.log.Info("judge authenticated")
	s.deps.Registry.register(s)
	observability.JudgesOnline.Inc()

	if err := s.deps.Judges.Connected(ctx, s.name, hostOnly(s.addr)); err != nil {
		s.log.Warn("judge online update failed", slog.Any("error", err))
	}
	if err := s.deps.Judges.ReplaceRuntimes(ctx, s.name, executors); err != nil {
		s.log.Warn("runtime version update failed", slog.Any("error", err))
	}
	if err := s.deps.Judges.ReplaceProblems(ctx, s.name, codes); err != nil {
		s.log.Warn("problem link update failed", slog.Any("error", err))
	}
	execKeys := make([]string, 0, len(executors))
	for k := range executors {
		execKeys = append(execKeys, k)
	}
	s.deps.Audit.Log(ctx, s.auditRecord(nil, "auth", "judge successfully authenticated",
		slog.Any("executors", execKeys)))
	return true
}

func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// --- scheduling interface (called by the registry, under its lock) ---------

// CanJudge reports whether this session can grade the given problem with the
// given language. A directed rejudge names the judge explicitly and
// bypasses the disabled flag.
func (s *Session) CanJudge(problem, language, judgeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.problems[problem]; !ok {
		return false
	}
	if _, ok := s.executors[language]; !ok {
		return false
	}
	if judgeID != "" {
		return s.name == judgeID
	}
	return !s.disabled
}

// Working reports whether a submission is currently in flight.
func (s *Session) Working() bool { return s.currentSubmission() != 0 }

func (s *Session) currentSubmission() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.working
}

// SetDisabled updates the cached disablement flag.
func (s *Session) SetDisabled(disabled bool) {
	s.mu.Lock()
	s.disabled = disabled
	s.mu.Unlock()
}

// rankKey returns the scheduler ordering key snapshot.
func (s *Session) rankKey() (tier int, load, latency float64, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tier, s.load, s.latency, s.name
}

// Dispatch sends a submission-request for sub and arms the acknowledgement
// watchdog. The session transitions to dispatched before this returns.
func (s *Session) Dispatch(ctx context.Context, sub QueuedSubmission) error {
	info, err := s.deps.Store.DispatchInfo(ctx, sub.ID)
	if err != nil {
		s.log.Error("submission vanished", slog.Int64("submission", sub.ID), slog.Any("error", err))
		s.deps.Audit.Log(ctx, s.auditRecord(&sub.ID, "request", "submission vanished when fetching info"))
		return fmt.Errorf("op=session.dispatch: %w", err)
	}

	source := sub.Source
	meta := map[string]any{
		"pretests-only":   info.PretestsOnly,
		"in-contest":      info.ContestNo,
		"attempt-no":      info.AttemptNo,
		"user":            info.UserID,
		"file-only":       info.FileOnly,
		"file-size-limit": info.FileSizeLimit,
	}
	if sub.Problem == ideProblemCode {
		var ideInput string
		ideInput, source = splitIDESource(source)
		meta["ide_input"] = ideInput
	}
	if info.FileOnly {
		source = strings.TrimRight(s.cfg.SubmissionFileBase, "/") + "/" + source
	}

	s.mu.Lock()
	s.working = sub.ID
	s.dispatchedAt = time.Now()
	s.ackTimer = time.AfterFunc(s.cfg.AckTimeout, func() { s.killNoResponse(sub.ID) })
	s.mu.Unlock()
	observability.JudgesWorking.Inc()
	observability.DispatchesTotal.WithLabelValues(s.name).Inc()

	s.send(map[string]any{
		"name":          "submission-request",
		"submission-id": sub.ID,
		"problem-id":    sub.Problem,
		"language":      sub.Language,
		"source":        source,
		"time-limit":    info.TimeLimit,
		"memory-limit":  info.MemoryLimit,
		"short-circuit": info.ShortCircuit,
		"meta":          meta,
	})
	return nil
}

// ideProblemCode marks interactive-IDE runs; their source embeds the stdin
// payload behind ###INPUT###/###CODE### markers.
const ideProblemCode = "run_ide"

func splitIDESource(source string) (input, code string) {
	beforeCode, afterCode, _ := strings.Cut(source, "###CODE###")
	_, inputPart, _ := strings.Cut(beforeCode, "###INPUT###")
	return strings.TrimSpace(inputPart), strings.TrimSpace(afterCode)
}

// Abort asks the judge to terminate the in-flight submission. The eventual
// submission-terminated packet frees the session.
func (s *Session) Abort() {
	s.send(map[string]any{"name": "terminate-submission"})
}

func (s *Session) killNoResponse(id int64) {
	s.log.Error("judge failed to acknowledge submission",
		slog.String("judge", s.name), slog.Int64("submission", id))
	s.close()
}

// --- packet dispatch -------------------------------------------------------

func (s *Session) handlePacket(ctx context.Context, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			// Judges can be malicious or simply broken; a bad packet must
			// never take the bridge down.
			s.log.Error("panic in packet handling", slog.Any("panic", r))
			w := s.currentSubmission()
			s.deps.Audit.Log(ctx, s.auditRecord(&w, "packet", "packet processing exception"))
		}
	}()

	var hdr packetHeader
	if err := json.Unmarshal(raw, &hdr); err != nil || hdr.Name == "" {
		s.onMalformed(ctx, raw)
		return
	}
	observability.PacketsTotal.WithLabelValues(hdr.Name).Inc()

	switch hdr.Name {
	case packetSubmissionAck:
		var p submissionPacket
		if json.Unmarshal(raw, &p) == nil {
			s.onSubmissionAcknowledged(obsctx.ContextWithSubmission(ctx, p.SubmissionID), p)
			return
		}
	case packetGradingBegin:
		var p submissionPacket
		if json.Unmarshal(raw, &p) == nil {
			s.onGradingBegin(obsctx.ContextWithSubmission(ctx, p.SubmissionID), p)
			return
		}
	case packetGradingEnd:
		var p submissionPacket
		if json.Unmarshal(raw, &p) == nil {
			s.onGradingEnd(obsctx.ContextWithSubmission(ctx, p.SubmissionID), p)
			return
		}
	case packetCompileError:
		var p compilePacket
		if json.Unmarshal(raw, &p) == nil {
			s.onCompileError(obsctx.ContextWithSubmission(ctx, p.SubmissionID), p, raw)
			return
		}
	case packetCompileMessage:
		var p compilePacket
		if json.Unmarshal(raw, &p) == nil {
			s.onCompileMessage(obsctx.ContextWithSubmission(ctx, p.SubmissionID), p)
			return
		}
	case packetBatchBegin:
		var p submissionPacket
		if json.Unmarshal(raw, &p) == nil {
			s.onBatchBegin(obsctx.ContextWithSubmission(ctx, p.SubmissionID), p)
			return
		}
	case packetBatchEnd:
		var p submissionPacket
		if json.Unmarshal(raw, &p) == nil {
			s.onBatchEnd(obsctx.ContextWithSubmission(ctx, p.SubmissionID), p)
			return
		}
	case packetTestCaseStatus:
		var p testCaseStatusPacket
		if json.Unmarshal(raw, &p) == nil {
			s.onTestCase(obsctx.ContextWithSubmission(ctx, p.SubmissionID), p, raw)
			return
		}
	case packetInternalError:
		var p internalErrorPacket
		if json.Unmarshal(raw, &p) == nil {
			s.onInternalError(obsctx.ContextWithSubmission(ctx, p.SubmissionID), p)
			return
		}
	case packetSubmissionTerminated:
		var p submissionPacket
		if json.Unmarshal(raw, &p) == nil {
			s.onSubmissionTerminated(obsctx.ContextWithSubmission(ctx, p.SubmissionID), p)
			return
		}
	case packetPingResponse:
		var p pingResponsePacket
		if json.Unmarshal(raw, &p) == nil {
			s.onPingResponse(ctx, p)
			return
		}
	case packetSupportedProblems:
		var p supportedProblemsPacket
		if json.Unmarshal(raw, &p) == nil {
			s.onSupportedProblems(ctx, p)
			return
		}
	case packetExecutors:
		var p executorsPacket
		if json.Unmarshal(raw, &p) == nil {
			s.onExecutors(ctx, p)
			return
		}
	case packetTestcaseIDE:
		var p testcaseIDEPacket
		if json.Unmarshal(raw, &p) == nil {
			s.onTestCaseIDE(ctx, p, raw)
			return
		}
	case packetHandshake:
		// A second handshake after authentication is just noise.
	}
	s.onMalformed(ctx, raw)
}

func (s *Session) onMalformed(ctx context.Context, raw []byte) {
	observability.MalformedPacketsTotal.Inc()
	s.log.Error("malformed packet", slog.Int("bytes", len(raw)))
	w := s.currentSubmission()
	s.deps.Audit.Log(ctx, s.auditRecord(&w, "packet", "malformed json packet"))
}

// --- handlers --------------------------------------------------------------

func (s *Session) onSubmissionAcknowledged(ctx context.Context, p submissionPacket) {
	s.mu.Lock()
	working := s.working
	timer := s.ackTimer
	s.ackTimer = nil
	s.mu.Unlock()

	if p.SubmissionID != working {
		s.log.Error("wrong acknowledgement",
			slog.Int64("got", p.SubmissionID), slog.Int64("expected", working))
		s.deps.Audit.Log(ctx, s.auditRecord(&p.SubmissionID, "processing", "wrong-acknowledge",
			slog.Int64("expected", working)))
		if err := s.deps.Store.SetInternalError(ctx, working, ""); err != nil && !errors.Is(err, domain.ErrNotFound) {
			s.log.Error("failed to mark expected submission IE", slog.Any("error", err))
		}
		if err := s.deps.Store.SetInternalErrorIfQueued(ctx, p.SubmissionID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			s.log.Error("failed to mark acknowledged submission IE", slog.Any("error", err))
		}
		s.close()
		return
	}
	if timer != nil {
		timer.Stop()
	}
	s.log.Info("submission acknowledged", slog.Int64("submission", working))

	if err := s.deps.Store.SetProcessing(ctx, p.SubmissionID, s.name); err != nil {
		s.warnUnknown(ctx, p.SubmissionID, "processing", err)
		return
	}
	s.deps.Events.Publish(ctx, s.deps.Events.SubmissionTopic(p.SubmissionID), map[string]any{"type": "processing"})
	s.postUpdateSubmission(ctx, p.SubmissionID, "processing", false)
	s.deps.Audit.Log(ctx, s.auditRecord(&p.SubmissionID, "processing", ""))
}

func (s *Session) onGradingBegin(ctx context.Context, p submissionPacket) {
	s.log.Info("grading has begun", slog.Int64("submission", p.SubmissionID))
	s.batchID = 0
	s.inBatch = false
	if err := s.deps.Store.BeginGrading(ctx, p.SubmissionID, time.Now().UTC()); err != nil {
		s.warnUnknown(ctx, p.SubmissionID, "grading-begin", err)
		return
	}
	s.deps.Events.Publish(ctx, s.deps.Events.SubmissionTopic(p.SubmissionID), map[string]any{"type": "grading-begin"})
	s.postUpdateSubmission(ctx, p.SubmissionID, "grading-begin", false)
	s.deps.Audit.Log(ctx, s.auditRecord(&p.SubmissionID, "grading-begin", ""))
}

func (s *Session) onGradingEnd(ctx context.Context, p submissionPacket) {
	s.log.Info("grading has ended", slog.Int64("submission", p.SubmissionID))
	started := s.freeSelf(p.SubmissionID)
	s.batchID = 0
	s.inBatch = false

	final, err := s.deps.Store.FinishGrading(ctx, p.SubmissionID)
	if err != nil {
		s.warnUnknown(ctx, p.SubmissionID, "grading-end", err)
		return
	}
	if !started.IsZero() {
		observability.GradingDurationSeconds.WithLabelValues(string(final.Result)).
			Observe(time.Since(started).Seconds())
	}
	s.deps.Audit.Log(ctx, s.auditRecord(&p.SubmissionID, "grading-end", "",
		slog.Float64("points", final.Points), slog.Float64("case_points", final.CasePoints),
		slog.Float64("case_total", final.CaseTotal), slog.String("result", string(final.Result)),
		slog.Float64("time", final.Time), slog.Float64("memory", final.Memory)))

	if s.deps.SubmissionClosed != nil {
		s.deps.SubmissionClosed(ctx, p.SubmissionID, final)
	}

	s.deps.Events.Publish(ctx, s.deps.Events.SubmissionTopic(p.SubmissionID), map[string]any{"type": "grading-end"})
	if meta, ok := s.metaFor(ctx, p.SubmissionID); ok && meta.ContestID != nil {
		s.deps.Events.Publish(ctx, s.deps.Events.ContestTopic(*meta.ContestID), map[string]any{"type": "update"})
	}
	s.postUpdateSubmission(ctx, p.SubmissionID, "grading-end", true)
}

func (s *Session) onCompileError(ctx context.Context, p compilePacket, raw []byte) {
	s.log.Info("submission failed to compile", slog.Int64("submission", p.SubmissionID))
	s.freeSelf(p.SubmissionID)

	if err := s.deps.Store.SetCompileError(ctx, p.SubmissionID, p.Log); err != nil {
		s.warnUnknown(ctx, p.SubmissionID, "compile-error", err)
		return
	}
	topic := s.deps.Events.SubmissionTopic(p.SubmissionID)
	s.deps.Events.Publish(ctx, topic, map[string]any{"type": "compile-error"})
	s.deps.Events.Publish(ctx, topic, map[string]any{"type": "ide-compile-error", "msg": rawMap(raw)})
	s.postUpdateSubmission(ctx, p.SubmissionID, "compile-error", true)
	s.deps.Audit.Log(ctx, s.auditRecord(&p.SubmissionID, "compile-error", "", slog.String("log", p.Log)))
}

func (s *Session) onCompileMessage(ctx context.Context, p compilePacket) {
	s.log.Info("submission generated compiler messages", slog.Int64("submission", p.SubmissionID))
	if err := s.deps.Store.SetCompileMessage(ctx, p.SubmissionID, p.Log); err != nil {
		s.warnUnknown(ctx, p.SubmissionID, "compile-message", err)
		return
	}
	s.deps.Events.Publish(ctx, s.deps.Events.SubmissionTopic(p.SubmissionID), map[string]any{"type": "compile-message"})
	s.deps.Audit.Log(ctx, s.auditRecord(&p.SubmissionID, "compile-message", ""))
}

func (s *Session) onInternalError(ctx context.Context, p internalErrorPacket) {
	s.log.Error("judge failed while handling submission",
		slog.Int64("submission", p.SubmissionID), slog.String("message", p.Message))
	s.freeSelf(p.SubmissionID)

	if err := s.deps.Store.SetInternalError(ctx, p.SubmissionID, p.Message); err != nil {
		s.warnUnknown(ctx, p.SubmissionID, "internal-error", err)
		return
	}
	s.deps.Events.Publish(ctx, s.deps.Events.SubmissionTopic(p.SubmissionID), map[string]any{"type": "internal-error"})
	s.postUpdateSubmission(ctx, p.SubmissionID, "internal-error", true)
	s.deps.Audit.Log(ctx, s.auditRecord(&p.SubmissionID, "internal-error", "", slog.String("message", p.Message)))
}

func (s *Session) onSubmissionTerminated(ctx context.Context, p submissionPacket) {
	s.log.Info("submission aborted", slog.Int64("submission", p.SubmissionID))
	s.freeSelf(p.SubmissionID)

	if err := s.deps.Store.SetAborted(ctx, p.SubmissionID); err != nil {
		s.warnUnknown(ctx, p.SubmissionID, "aborted", err)
		return
	}
	s.deps.Events.Publish(ctx, s.deps.Events.SubmissionTopic(p.SubmissionID), map[string]any{"type": "aborted"})
	s.postUpdateSubmission(ctx, p.SubmissionID, "aborted", true)
	s.deps.Audit.Log(ctx, s.auditRecord(&p.SubmissionID, "aborted", ""))
}

func (s *Session) onBatchBegin(ctx context.Context, p submissionPacket) {
	s.log.Info("batch began", slog.Int64("submission", p.SubmissionID))
	s.inBatch = true
	if s.batchID == 0 {
		if err := s.deps.Store.MarkBatched(ctx, p.SubmissionID); err != nil {
			s.warnUnknown(ctx, p.SubmissionID, "batch-begin", err)
		}
	}
	s.batchID++
	s.deps.Audit.Log(ctx, s.auditRecord(&p.SubmissionID, "batch-begin", "", slog.Int("batch", s.batchID)))
}

func (s *Session) onBatchEnd(ctx context.Context, p submissionPacket) {
	s.log.Info("batch ended", slog.Int64("submission", p.SubmissionID))
	s.inBatch = false
	s.deps.Audit.Log(ctx, s.auditRecord(&p.SubmissionID, "batch-end", "", slog.Int("batch", s.batchID)))
}

func (s *Session) onTestCase(ctx context.Context, p testCaseStatusPacket, raw []byte) {
	if len(p.Cases) == 0 {
		s.onMalformed(ctx, raw)
		return
	}
	s.log.Info("test cases completed",
		slog.Int("count", len(p.Cases)), slog.Int64("submission", p.SubmissionID))

	maxPosition := 0
	for _, c := range p.Cases {
		if c.Position > maxPosition {
			maxPosition = c.Position
		}
	}
	if err := s.deps.Store.SetCurrentTestcase(ctx, p.SubmissionID, maxPosition+1); err != nil {
		s.warnUnknown(ctx, p.SubmissionID, "test-case", err)
		return
	}

	cases := make([]domain.TestCase, 0, len(p.Cases))
	for _, c := range p.Cases {
		tc := domain.TestCase{
			SubmissionID:     p.SubmissionID,
			Case:             c.Position,
			Status:           domain.VerdictFromBitmask(c.Status),
			Time:             c.Time,
			Memory:           c.Memory,
			Points:           c.Points,
			Total:            c.Total,
			Feedback:         c.Feedback,
			ExtendedFeedback: c.ExtendedFeedback,
			Output:           c.Output,
		}
		if len(tc.Feedback) > domain.MaxFeedbackLength {
			tc.Feedback = tc.Feedback[:domain.MaxFeedbackLength]
		}
		if s.inBatch {
			batch := s.batchID
			tc.Batch = &batch
		}
		cases = append(cases, tc)
	}
	if err := s.deps.Store.InsertTestCases(ctx, p.SubmissionID, cases); err != nil {
		s.log.Error("testcase insert failed", slog.Int64("submission", p.SubmissionID), slog.Any("error", err))
		return
	}
	for _, tc := range cases {
		s.deps.Audit.Log(ctx, s.auditRecord(&p.SubmissionID, "test-case", "",
			slog.Int("case", tc.Case), slog.String("status", string(tc.Status)),
			slog.Float64("points", tc.Points), slog.Float64("total", tc.Total)))
	}

	meta, ok := s.metaFor(ctx, p.SubmissionID)
	if !ok || meta.TestcaseVisibility != domain.TestcaseVisibilityAll {
		return
	}

	topic := s.deps.Events.SubmissionTopic(p.SubmissionID)
	key := fmt.Sprintf("sub:%d", p.SubmissionID)
	if s.deps.Events.PublishThrottled(ctx, key, topic, map[string]any{"type": "test-case"}) {
		s.deps.Events.Publish(ctx, topic, map[string]any{"type": "on_test_case_ide2", "result": rawMap(raw)})
		s.postUpdateSubmission(ctx, p.SubmissionID, "test-case", false)
	}
}

func (s *Session) onTestCaseIDE(ctx context.Context, p testcaseIDEPacket, raw []byte) {
	s.inBatch = false
	// IDE-mode packets carry the submission identity inside a nested
	// envelope, not the outer submission-id.
	id := p.Result.CurrentSubmissionID
	s.deps.Events.Publish(ctx, s.deps.Events.SubmissionTopic(id),
		map[string]any{"type": "on_test_case_ide", "result": rawMap(raw)})
	s.deps.Audit.Log(ctx, s.auditRecord(&id, "testcase-ide", ""))
}

func (s *Session) onPingResponse(ctx context.Context, p pingResponsePacket) {
	end := float64(time.Now().UnixNano()) / 1e9
	latency := s.pingAvg.push(end - p.When)
	delta := s.deltaAvg.push((end+p.When)/2 - p.Time)

	s.mu.Lock()
	s.latency = latency
	s.timeDelta = delta
	s.load = p.Load
	s.mu.Unlock()
	observability.JudgeLatencySeconds.WithLabelValues(s.name).Observe(latency)

	if err := s.deps.Judges.UpdatePing(ctx, s.name, latency, p.Load); err != nil {
		if domain.IsTransient(err) {
			s.log.Warn("dropping stale storage connection", slog.Any("error", err))
			return
		}
		s.log.Warn("ping update failed", slog.Any("error", err))
	}
}

func (s *Session) onSupportedProblems(ctx context.Context, p supportedProblemsPacket) {
	if s.cfg.IgnoreProblemsPacket {
		return
	}
	codes := make([]string, 0, len(p.Problems))
	for _, entry := range p.Problems {
		codes = append(codes, entry.Code)
	}
	s.deps.Registry.UpdateProblems(ctx, s, codes)
	s.deps.Audit.Log(ctx, s.auditRecord(nil, "update-problems", "", slog.Int("count", len(codes))))
}

// setProblems replaces the session's problem set; called by the registry.
func (s *Session) setProblems(codes []string) {
	set := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		set[code] = struct{}{}
	}
	s.mu.Lock()
	s.problems = set
	s.mu.Unlock()
}

func (s *Session) onExecutors(ctx context.Context, p executorsPacket) {
	s.log.Info("updating runtimes")
	executors := p.Executors.toDomain()
	// The registry reads this map under the same mutex while scheduling.
	s.mu.Lock()
	s.executors = executors
	s.mu.Unlock()
	if err := s.deps.Judges.ReplaceRuntimes(ctx, s.name, executors); err != nil {
		s.log.Warn("runtime version update failed", slog.Any("error", err))
		return
	}
	keys := make([]string, 0, len(executors))
	for k := range executors {
		keys = append(keys, k)
	}
	s.deps.Audit.Log(ctx, s.auditRecord(nil, "update-executors", "", slog.Any("executors", keys)))
}

// --- helpers ---------------------------------------------------------------

func (s *Session) warnUnknown(ctx context.Context, id int64, action string, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		s.log.Warn("unknown submission", slog.Int64("submission", id))
		s.deps.Audit.Log(ctx, s.auditRecord(&id, action, "unknown submission"))
		return
	}
	s.log.Error("storage update failed",
		slog.Int64("submission", id), slog.String("action", action), slog.Any("error", err))
}

// freeSelf releases the working slot and wakes the scheduler. Returns the
// dispatch time for duration metrics, or the zero time.
func (s *Session) freeSelf(id int64) time.Time {
	s.mu.Lock()
	started := s.dispatchedAt
	wasWorking := s.working != 0
	s.working = 0
	s.dispatchedAt = time.Time{}
	if s.ackTimer != nil {
		s.ackTimer.Stop()
		s.ackTimer = nil
	}
	s.mu.Unlock()
	if wasWorking {
		observability.JudgesWorking.Dec()
	}
	s.deps.Registry.onJudgeFree(s, id)
	if !wasWorking {
		return time.Time{}
	}
	return started
}

// metaFor loads submission metadata with a one-entry cache, like the grader
// tends to stream many packets for the same submission in a row.
func (s *Session) metaFor(ctx context.Context, id int64) (domain.SubmissionMeta, bool) {
	if s.metaID == id {
		return s.meta, true
	}
	meta, err := s.deps.Store.Meta(ctx, id)
	if err != nil {
		s.log.Warn("submission metadata unavailable", slog.Int64("submission", id), slog.Any("error", err))
		return domain.SubmissionMeta{}, false
	}
	s.metaID = id
	s.meta = meta
	return meta, true
}

func (s *Session) postUpdateSubmission(ctx context.Context, id int64, state string, done bool) {
	meta, ok := s.metaFor(ctx, id)
	if !ok || !meta.ProblemPublic {
		return
	}
	kind := "update-submission"
	if done {
		kind = "done-submission"
	}
	s.deps.Events.Publish(ctx, "submissions", map[string]any{
		"type":     kind,
		"state":    state,
		"id":       id,
		"contest":  meta.ContestID,
		"user":     meta.UserID,
		"problem":  meta.ProblemID,
		"status":   string(meta.Status),
		"language": meta.LanguageKey,
	})
}

func (s *Session) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		s.send(map[string]any{"name": "ping", "when": float64(time.Now().UnixNano()) / 1e9})
		select {
		case <-ticker.C:
		case <-s.stopPing:
			return
		case <-s.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) auditRecord(sub *int64, action, info string, extra ...slog.Attr) domain.AuditRecord {
	rec := domain.AuditRecord{
		Judge:   s.name,
		Address: s.addr,
		Action:  action,
		Info:    info,
		Time:    time.Now().UTC(),
	}
	if sub != nil && *sub != 0 {
		rec.Submission = sub
	}
	if len(extra) > 0 {
		rec.Extra = make(map[string]any, len(extra))
		for _, a := range extra {
			rec.Extra[a.Key] = a.Value.Any()
		}
	}
	return rec
}
