package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/muaviaUsmani/sellerpilot/internal/engine"
	perrors "github.com/muaviaUsmani/sellerpilot/internal/errors"
	"github.com/muaviaUsmani/sellerpilot/internal/scheduler"
	"github.com/muaviaUsmani/sellerpilot/internal/store"
)

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, ErrorResponse{Error: msg})
}

// respondErr maps err to a status: validation 400, missing 404, in-flight 409
func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.ErrorContext(r.Context(), "Request error", "path", r.URL.Path, "error", err)
	}
	respondError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrJobInFlight), errors.Is(err, scheduler.ErrTickInProgress):
		return http.StatusConflict
	case perrors.IsConfig(err):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func accountID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "accountID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, perrors.New(perrors.KindConfig, "account id must be a positive integer (got %q)", raw)
	}
	return id, nil
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return perrors.Wrap(perrors.KindConfig, err, "invalid request body")
	}
	return nil
}
