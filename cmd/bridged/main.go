// Command bridged runs the judge bridge: the TCP endpoint judges connect
// to, plus the admin HTTP API the rest of the platform drives it with.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/openjudge/bridged/internal/adapter/audit/redpanda"
	eventsredis "github.com/openjudge/bridged/internal/adapter/events/redis"
	"github.com/openjudge/bridged/internal/adapter/httpserver"
	"github.com/openjudge/bridged/internal/adapter/observability"
	"github.com/openjudge/bridged/internal/adapter/repo/postgres"
	"github.com/openjudge/bridged/internal/app"
	"github.com/openjudge/bridged/internal/bridge"
	"github.com/openjudge/bridged/internal/config"
	"github.com/openjudge/bridged/internal/domain"
	"github.com/openjudge/bridged/internal/usecase"
)

func main() {
	if err := run(); err != nil {
		slog.Error("bridged exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	shutdownTracing, err := observability.SetupTracing(cfg)
	if err != nil {
		return err
	}
	observability.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer func() { _ = rdb.Close() }()

	subs := postgres.NewSubmissionRepo(pool)
	judges := postgres.NewJudgeRepo(pool)
	events := eventsredis.NewPublisher(rdb, cfg.EventSecret, cfg.UpdateRateLimit, cfg.UpdateRateWindow)

	var audit domain.AuditLog = redpanda.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		alog, err := redpanda.NewLog(cfg.KafkaBrokers, cfg.AuditTopic)
		if err != nil {
			return err
		}
		defer func() {
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = alog.Close(cctx)
		}()
		audit = alog
	}

	registry := bridge.NewRegistry(logger, judges)
	if cfg.IgnoreProblemsPacket {
		codes, err := judges.AllProblemCodes(ctx)
		if err != nil {
			return err
		}
		registry.SetProblemCodes(codes)
		go refreshProblemCodes(ctx, logger, registry, judges)
	}

	bridgeSrv, err := bridge.NewServer(cfg, bridge.Deps{
		Registry: registry,
		Store:    subs,
		Judges:   judges,
		Events:   events,
		Audit:    audit,
		Log:      logger,
	})
	if err != nil {
		return err
	}

	admission := usecase.NewAdmissionService(registry, subs, judges)
	dbCheck, redisCheck := app.BuildReadinessChecks(pool, redisPinger{rdb})
	handler := app.BuildRouter(cfg, httpserver.NewServer(cfg, admission, dbCheck, redisCheck))
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() { errCh <- bridgeSrv.ListenAndServe(ctx) }()
	go func() {
		logger.Info("admin api listening", slog.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			stop()
			<-drainOne(errCh, httpSrv, cfg.ServerShutdownTimeout)
			return err
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		logger.Warn("http shutdown failed", slog.Any("error", err))
	}
	<-errCh
	<-errCh

	if shutdownTracing != nil {
		tctx, tcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer tcancel()
		_ = shutdownTracing(tctx)
	}
	return nil
}

// drainOne shuts the HTTP server down and waits for the remaining server
// goroutine so run never leaks one on early failure.
func drainOne(errCh chan error, httpSrv *http.Server, timeout time.Duration) <-chan error {
	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	go func() {
		defer cancel()
		_ = httpSrv.Shutdown(sctx)
	}()
	return errCh
}

// refreshProblemCodes keeps the platform-wide problem set current so newly
// published problems become judgeable without a bridge restart.
func refreshProblemCodes(ctx context.Context, log *slog.Logger, registry *bridge.Registry, judges *postgres.JudgeRepo) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		codes, err := judges.AllProblemCodes(ctx)
		if err != nil {
			log.Warn("problem code refresh failed", slog.Any("error", err))
			continue
		}
		registry.SetProblemCodes(codes)
	}
}

// redisPinger adapts *redis.Client to the readiness interface.
type redisPinger struct{ c *goredis.Client }

func (p redisPinger) Ping(ctx context.Context) app.RedisPingResult { return p.c.Ping(ctx) }
