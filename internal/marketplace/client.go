// Package marketplace is the signed partner API client.
//
// Every shop-level call goes through Client.Do, which signs the request,
// detects authentication failures, refreshes the account's token pair at
// most once and retries the original request exactly once.
package marketplace

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

	"golang.org/x/time/rate"

	"github.com/muaviaUsmani/sellerpilot/internal/credentials"
	perrors "github.com/muaviaUsmani/sellerpilot/internal/errors"
	"github.com/muaviaUsmani/sellerpilot/internal/lock"
	"github.com/muaviaUsmani/sellerpilot/internal/logger"
	"github.com/muaviaUsmani/sellerpilot/internal/metrics"
)

// maxBodySnippet bounds how much of an unparseable body ends up in an error
const maxBodySnippet = 512

// CredentialResolver returns the partner id and secret for an account
type CredentialResolver interface {
	Resolve(ctx context.Context, accountID int64) credentials.Credentials
}

// Request is one shop-level API call
type Request struct {
	Method    string
	Path      string
	AccountID int64
	Query     url.Values
	Body      interface{}
}

// Config configures a Client
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64
	RateBurst int
	// RefreshLockTTL bounds the per-account refresh lock
	RefreshLockTTL time.Duration
	// RefreshWait is how long a caller waits for another process' refresh
	RefreshWait time.Duration
}

// Client executes signed requests against the partner API
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	creds      CredentialResolver
	tokens     TokenStore
	locker     lock.Locker
	metrics    *metrics.Collector
	log        logger.Logger

	refreshLockTTL time.Duration
	refreshWait    time.Duration

	// now is swapped in tests
	now func() time.Time
}

// NewClient creates a client. locker may be nil for single-process use.
func NewClient(cfg Config, creds CredentialResolver, tokens TokenStore, locker lock.Locker, log logger.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 5
	}
	if cfg.RateBurst < 1 {
		cfg.RateBurst = 1
	}
	if cfg.RefreshLockTTL <= 0 {
		cfg.RefreshLockTTL = 30 * time.Second
	}
	if cfg.RefreshWait <= 0 {
		cfg.RefreshWait = 10 * time.Second
	}
	if log == nil {
		log = logger.Default()
	}

	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		limiter:        rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		creds:          creds,
		tokens:         tokens,
		locker:         locker,
		metrics:        metrics.Default(),
		log:            log.WithComponent(logger.ComponentMarketplace),
		refreshLockTTL: cfg.RefreshLockTTL,
		refreshWait:    cfg.RefreshWait,
		now:            time.Now,
	}
}

// WithMetrics records into m instead of the global collector
func (c *Client) WithMetrics(m *metrics.Collector) *Client {
	c.metrics = m
	return c
}

// Do executes req. On an authentication failure the token pair is refreshed
// once and the request retried once. The returned envelope is the last
// response received; the error is non-nil when that response failed.
func (c *Client) Do(ctx context.Context, req Request) (*Envelope, error) {
	creds := c.creds.Resolve(ctx, req.AccountID)

	tok, err := c.tokens.GetToken(ctx, req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load token for account %d: %w", req.AccountID, err)
	}
	if tok == nil || tok.AccessToken == "" {
		return nil, perrors.Wrap(perrors.KindAuth, ErrNotAuthorized, fmt.Sprintf("account %d", req.AccountID))
	}

	env, err := c.send(ctx, req, creds, tok.AccessToken)
	if err != nil {
		return nil, err
	}
	if !env.AuthFailed() {
		return env, env.Err()
	}

	c.log.WarnContext(ctx, "Authentication failed, refreshing token",
		"account_id", req.AccountID, "path", req.Path, "code", env.Error, "message", env.Message)

	fresh, rerr := c.refresh(ctx, req.AccountID, creds, tok)
	if rerr != nil {
		c.log.ErrorContext(ctx, "Token refresh failed", "account_id", req.AccountID, "error", rerr)
		return env, perrors.Wrap(perrors.KindAuth, ErrAuthFailed,
			fmt.Sprintf("%s: %s (refresh failed: %v)", env.Error, env.Message, rerr))
	}

	retry, err := c.send(ctx, req, creds, fresh.AccessToken)
	if err != nil {
		return nil, err
	}
	if retry.AuthFailed() {
		return retry, perrors.Wrap(perrors.KindAuth, ErrAuthFailed,
			fmt.Sprintf("%s: %s after token refresh", retry.Error, retry.Message))
	}
	return retry, retry.Err()
}

// send performs one signed round trip
func (c *Client) send(ctx context.Context, req Request, creds credentials.Credentials, accessToken string) (*Envelope, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &TransientError{Path: req.Path, Err: err}
	}

	ts := c.now().Unix()
	q := url.Values{}
	for k, vs := range req.Query {
		q[k] = append([]string(nil), vs...)
	}
	q.Set("partner_id", strconv.FormatInt(creds.PartnerID, 10))
	q.Set("timestamp", strconv.FormatInt(ts, 10))
	if req.AccountID > 0 {
		q.Set("access_token", accessToken)
		q.Set("shop_id", strconv.FormatInt(req.AccountID, 10))
	}
	q.Set("sign", Sign(creds.Secret, BaseString(creds.PartnerID, req.Path, ts, accessToken, req.AccountID)))

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+req.Path+"?"+q.Encode(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	started := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.metrics.RecordExternalCall(true)
		return nil, &TransientError{Path: req.Path, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.RecordExternalCall(true)
		return nil, &TransientError{Path: req.Path, Status: resp.StatusCode, Err: err}
	}

	env := &Envelope{status: resp.StatusCode}
	decodeErr := json.Unmarshal(raw, env)

	if resp.StatusCode >= 500 || (decodeErr != nil && resp.StatusCode >= 400) {
		c.metrics.RecordExternalCall(true)
		return nil, &TransientError{Path: req.Path, Status: resp.StatusCode, Err: errors.New(snippet(raw))}
	}
	if decodeErr != nil {
		c.metrics.RecordExternalCall(true)
		return nil, &TransientError{Path: req.Path, Status: resp.StatusCode,
			Err: fmt.Errorf("invalid response envelope: %v", decodeErr)}
	}

	env.status = resp.StatusCode
	env.raw = raw
	c.metrics.RecordExternalCall(env.Failed())
	c.log.DebugContext(ctx, "Marketplace call",
		"method", method, "path", req.Path, "status", resp.StatusCode,
		"error_code", env.Error, "request_id", env.RequestID, "duration", time.Since(started))
	return env, nil
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > maxBodySnippet {
		s = s[:maxBodySnippet] + "..."
	}
	if s == "" {
		s = "empty response body"
	}
	return s
}
