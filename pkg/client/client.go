// Package client is a typed Go client for the sellerpilot HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/muaviaUsmani/sellerpilot/internal/audit"
	"github.com/muaviaUsmani/sellerpilot/internal/engine"
	"github.com/muaviaUsmani/sellerpilot/internal/job"
	"github.com/muaviaUsmani/sellerpilot/internal/rule"
	"github.com/muaviaUsmani/sellerpilot/internal/scheduler"
)

// APIError is a non-2xx response
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sellerpilot api: %d %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the API
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// IsConflict reports whether err is a 409: a job in flight or a tick already running
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict
}

// Client calls one sellerpilot API server
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for baseURL, e.g. "http://localhost:8080"
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/") + "/api/v1",
		// a manual sweep may take minutes
		httpClient: &http.Client{Timeout: 15 * time.Minute},
	}
}

// WithHTTPClient replaces the underlying HTTP client
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// Health returns nil when the server and its dependencies are up
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// RunTick runs a full sweep now and returns its summary
func (c *Client) RunTick(ctx context.Context) (*engine.Summary, error) {
	var sum engine.Summary
	if err := c.do(ctx, http.MethodPost, "/ticks", nil, &sum); err != nil {
		return nil, err
	}
	return &sum, nil
}

// TriggerState returns the periodic trigger's state
func (c *Client) TriggerState(ctx context.Context) (*scheduler.TriggerState, error) {
	var state scheduler.TriggerState
	if err := c.do(ctx, http.MethodGet, "/trigger", nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// UpsertRule creates a rule, or updates the one with the same kind, entity and window
func (c *Client) UpsertRule(ctx context.Context, accountID int64, req engine.RuleRequest) (*rule.Rule, error) {
	var r rule.Rule
	if err := c.do(ctx, http.MethodPost, accountPath(accountID, "rules"), req, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRules lists the account's rules, optionally for one entity
func (c *Client) ListRules(ctx context.Context, accountID int64, entityID string) ([]*rule.Rule, error) {
	path := accountPath(accountID, "rules")
	if entityID != "" {
		path += "?" + url.Values{"entity_id": {entityID}}.Encode()
	}
	var out struct {
		Rules []*rule.Rule `json:"rules"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Rules, nil
}

// SetRuleActive enables or disables a rule
func (c *Client) SetRuleActive(ctx context.Context, accountID int64, ruleID string, active bool) error {
	body := map[string]bool{"is_active": active}
	return c.do(ctx, http.MethodPatch, accountPath(accountID, "rules", ruleID), body, nil)
}

// DeleteRule removes a rule; its history is kept
func (c *Client) DeleteRule(ctx context.Context, accountID int64, ruleID string) error {
	return c.do(ctx, http.MethodDelete, accountPath(accountID, "rules", ruleID), nil, nil)
}

// RunRule force-runs one rule outside its window
func (c *Client) RunRule(ctx context.Context, accountID int64, ruleID string) (*engine.Result, error) {
	var res engine.Result
	if err := c.do(ctx, http.MethodPost, accountPath(accountID, "rules", ruleID, "run"), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// History returns execution records, most recent first. limit 0 uses the server default.
func (c *Client) History(ctx context.Context, accountID int64, entityID string, limit int) ([]*audit.Record, error) {
	q := url.Values{}
	if entityID != "" {
		q.Set("entity_id", entityID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := accountPath(accountID, "executions")
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Executions []*audit.Record `json:"executions"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Executions, nil
}

// SubmitJob registers a job. A job without lead time comes back already finished.
func (c *Client) SubmitJob(ctx context.Context, accountID int64, req engine.JobRequest) (*job.View, error) {
	var v job.View
	if err := c.do(ctx, http.MethodPost, accountPath(accountID, "jobs"), req, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// ListJobs lists the account's jobs
func (c *Client) ListJobs(ctx context.Context, accountID int64) ([]job.View, error) {
	var out struct {
		Jobs []job.View `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, accountPath(accountID, "jobs"), nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// DeleteJob deletes a job, reversing what it created. IsConflict reports a job still processing.
func (c *Client) DeleteJob(ctx context.Context, accountID int64, jobID string) error {
	return c.do(ctx, http.MethodDelete, accountPath(accountID, "jobs", jobID), nil, nil)
}

func accountPath(accountID int64, parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return fmt.Sprintf("/accounts/%d/%s", accountID, strings.Join(escaped, "/"))
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
