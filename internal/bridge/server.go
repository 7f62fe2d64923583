package bridge

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/openjudge/bridged/internal/config"
)

// Server accepts judge connections, resolves PROXY-protocol headers from
// trusted reverse proxies and runs one session per connection.
type Server struct {
	cfg     config.Config
	deps    Deps
	log     *slog.Logger
	trusted []*net.IPNet

	mu       sync.Mutex
	listener net.Listener
	live     map[*Session]struct{}
	wg       sync.WaitGroup
}

// NewServer builds a Server; it fails fast on unparsable trusted-proxy CIDRs.
func NewServer(cfg config.Config, deps Deps) (*Server, error) {
	trusted, err := parseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		deps:    deps,
		log:     log,
		trusted: trusted,
		live:    map[*Session]struct{}{},
	}, nil
}

// bufferedConn replays bytes buffered while reading a PROXY header.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// ListenAndServe accepts judges until ctx is canceled, then closes every
// live session and waits for them to unwind.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.log.Info("bridge listening", slog.String("addr", s.cfg.BindAddr))

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				break
			}
			s.log.Warn("accept failed", slog.Any("error", err))
			continue
		}
		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}

	s.closeSessions()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ServerShutdownTimeout):
		s.log.Warn("shutdown timed out waiting for sessions")
	}
	return nil
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	addr := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		if ip := net.ParseIP(host); ip != nil && ipTrusted(s.trusted, ip) {
			r := bufio.NewReaderSize(conn, maxProxyLine)
			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			real, err := readProxyHeader(r, addr)
			_ = conn.SetReadDeadline(time.Time{})
			if err != nil {
				s.log.Warn("bad PROXY header from trusted proxy",
					slog.String("proxy", addr), slog.Any("error", err))
				_ = conn.Close()
				return
			}
			addr = real
			conn = bufferedConn{Conn: conn, r: r}
		}
	}

	sess := NewSession(s.cfg, conn, addr, s.deps)
	s.mu.Lock()
	s.live[sess] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.live, sess)
		s.mu.Unlock()
	}()
	sess.Run(ctx)
}

func (s *Server) closeSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.live {
		sess.close()
	}
}
