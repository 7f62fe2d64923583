// Package httpserver contains the admin HTTP API and its middleware.
//
// The site talks to the bridge over this surface: admitting submissions
// for grading, aborting them, and managing connected judges. It sits
// behind the platform's internal network and a bearer token.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/openjudge/bridged/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrNotRunning):
		code = http.StatusNotFound
		codeStr = "NOT_RUNNING"
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
		codeStr = "CONFLICT"
	case errors.Is(err, domain.ErrNoEligibleJudge):
		code = http.StatusServiceUnavailable
		codeStr = "NO_ELIGIBLE_JUDGE"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
