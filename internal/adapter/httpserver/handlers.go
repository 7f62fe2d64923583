package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/openjudge/bridged/internal/config"
	"github.com/openjudge/bridged/internal/domain"
	"github.com/openjudge/bridged/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Admission  usecase.AdmissionService
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, adm usecase.AdmissionService, dbCheck, redisCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Admission: adm, DBCheck: dbCheck, RedisCheck: redisCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	if err := getValidator().Struct(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}

type submitRequest struct {
	ID       int64  `json:"id" validate:"required,gt=0"`
	Problem  string `json:"problem" validate:"required"`
	Language string `json:"language" validate:"required"`
	Source   string `json:"source"`
	Judge    string `json:"judge"`
}

// SubmitHandler admits a submission for grading. A named judge turns the
// request into a directed rejudge.
func (s *Server) SubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		var err error
		if req.Judge != "" {
			err = s.Admission.Rejudge(r.Context(), req.ID, req.Problem, req.Language, req.Source, req.Judge)
		} else {
			err = s.Admission.Submit(r.Context(), req.ID, req.Problem, req.Language, req.Source)
		}
		if err != nil {
			writeError(w, r, err, map[string]int64{"id": req.ID})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"id": req.ID, "status": "accepted"})
	}
}

// AbortHandler stops a queued or in-flight submission.
func (s *Server) AbortHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil || id <= 0 {
			writeError(w, r, fmt.Errorf("%w: bad submission id", domain.ErrInvalidArgument), nil)
			return
		}
		if err := s.Admission.Abort(r.Context(), id); err != nil {
			writeError(w, r, err, map[string]int64{"id": id})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": "aborting"})
	}
}

// JudgesHandler reports the connected judges and the queue depth.
func (s *Server) JudgesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"judges": s.Admission.Judges(r.Context()),
			"queue":  s.Admission.QueueLength(r.Context()),
		})
	}
}

type disconnectRequest struct {
	Force bool `json:"force"`
}

// DisconnectHandler asks a judge to leave, severing immediately when forced.
func (s *Server) DisconnectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		var req disconnectRequest
		if r.ContentLength > 0 {
			if err := decodeBody(r, &req); err != nil {
				writeError(w, r, err, nil)
				return
			}
		}
		if err := s.Admission.Disconnect(r.Context(), name, req.Force); err != nil {
			writeError(w, r, err, map[string]string{"judge": name})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"judge": name, "status": "disconnecting"})
	}
}

type disableRequest struct {
	Disabled *bool `json:"disabled" validate:"required"`
}

// DisableHandler flips the judge's disablement flag, both persisted and on
// the live session.
func (s *Server) DisableHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		var req disableRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.Admission.Disable(r.Context(), name, *req.Disabled); err != nil {
			writeError(w, r, err, map[string]string{"judge": name})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"judge": name, "disabled": *req.Disabled})
	}
}

// ReadyzHandler pings the backing stores and reports per-check status.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		checks := []check{}
		ok := true
		run := func(name string, fn func(ctx context.Context) error) {
			c := check{Name: name, OK: true}
			if fn == nil {
				c.OK = false
				c.Details = "not configured"
			} else if err := fn(r.Context()); err != nil {
				c.OK = false
				c.Details = err.Error()
			}
			if !c.OK {
				ok = false
			}
			checks = append(checks, c)
		}
		run("db", s.DBCheck)
		run("redis", s.RedisCheck)
		status := http.StatusOK
		if !ok {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"ok": ok, "checks": checks})
	}
}
