package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/muaviaUsmani/sellerpilot/internal/audit"
	"github.com/muaviaUsmani/sellerpilot/internal/engine"
	perrors "github.com/muaviaUsmani/sellerpilot/internal/errors"
	"github.com/muaviaUsmani/sellerpilot/internal/job"
	"github.com/muaviaUsmani/sellerpilot/internal/rule"
)

// RulesResponse lists rules
type RulesResponse struct {
	Rules []*rule.Rule `json:"rules"`
}

// ExecutionsResponse lists execution records, most recent first
type ExecutionsResponse struct {
	Executions []*audit.Record `json:"executions"`
}

// JobsResponse lists jobs
type JobsResponse struct {
	Jobs []job.View `json:"jobs"`
}

// ActiveRequest toggles a rule
type ActiveRequest struct {
	IsActive bool `json:"is_active"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	body := map[string]interface{}{"status": "healthy", "dependencies": deps}
	if status != http.StatusOK {
		body["status"] = "unhealthy"
	}
	respondJSON(w, status, body)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.GetMetrics())
}

func (s *Server) handleRunTick(w http.ResponseWriter, r *http.Request) {
	sum, err := s.trigger.RunNow(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

func (s *Server) handleTriggerState(w http.ResponseWriter, r *http.Request) {
	state, err := s.trigger.GetState(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, state)
}

func (s *Server) handleUpsertRule(w http.ResponseWriter, r *http.Request) {
	acct, err := accountID(r)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	var req engine.RuleRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondErr(w, r, err)
		return
	}

	saved, err := s.engine.CreateOrUpdateRule(r.Context(), acct, req)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, saved)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	acct, err := accountID(r)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	rules, err := s.engine.ListRules(r.Context(), acct, r.URL.Query().Get("entity_id"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if rules == nil {
		rules = []*rule.Rule{}
	}
	respondJSON(w, http.StatusOK, RulesResponse{Rules: rules})
}

func (s *Server) handleSetRuleActive(w http.ResponseWriter, r *http.Request) {
	acct, err := accountID(r)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	var req ActiveRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondErr(w, r, err)
		return
	}
	if err := s.engine.SetRuleActive(r.Context(), acct, chi.URLParam(r, "ruleID"), req.IsActive); err != nil {
		s.respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	acct, err := accountID(r)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if err := s.engine.DeleteRule(r.Context(), acct, chi.URLParam(r, "ruleID")); err != nil {
		s.respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunRule(w http.ResponseWriter, r *http.Request) {
	acct, err := accountID(r)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	res, err := s.engine.RunRule(r.Context(), acct, chi.URLParam(r, "ruleID"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	acct, err := accountID(r)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			s.respondErr(w, r, perrors.New(perrors.KindConfig, "limit must be a positive integer (got %q)", raw))
			return
		}
	}

	recs, err := s.engine.History(r.Context(), acct, r.URL.Query().Get("entity_id"), limit)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if recs == nil {
		recs = []*audit.Record{}
	}
	respondJSON(w, http.StatusOK, ExecutionsResponse{Executions: recs})
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	acct, err := accountID(r)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	var req engine.JobRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondErr(w, r, err)
		return
	}
	req.AccountID = acct

	j, err := s.engine.SubmitJob(r.Context(), req)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, j.ToView())
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	acct, err := accountID(r)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	jobs, err := s.engine.ListJobs(r.Context(), acct)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []job.View{}
	}
	respondJSON(w, http.StatusOK, JobsResponse{Jobs: jobs})
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	acct, err := accountID(r)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if err := s.engine.DeleteJob(r.Context(), acct, chi.URLParam(r, "jobID")); err != nil {
		s.respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
