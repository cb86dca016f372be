package marketplace

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/muaviaUsmani/sellerpilot/internal/credentials"
	"github.com/muaviaUsmani/sellerpilot/internal/lock"
)

const refreshPath = "/api/v2/auth/access_token/get"

// Token is the access/refresh pair stored per account
type Token struct {
	AccountID    int64     `json:"account_id" db:"account_id"`
	AccessToken  string    `json:"-" db:"access_token"`
	RefreshToken string    `json:"-" db:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at" db:"expires_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// TokenStore persists token pairs keyed by account id.
// GetToken returns nil, nil when the account has no token.
type TokenStore interface {
	GetToken(ctx context.Context, accountID int64) (*Token, error)
	UpsertToken(ctx context.Context, t *Token) error
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
	PartnerID    int64  `json:"partner_id"`
	ShopID       int64  `json:"shop_id"`
}

// the refresh endpoint returns its fields at the top level, next to error/message
type refreshResponse struct {
	Error        string `json:"error"`
	Message      string `json:"message"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpireIn     int64  `json:"expire_in"`
}

// RefreshToken exchanges a refresh token for a new pair. It is a partner-level
// call: signed without access token or shop id, and never retried.
func (c *Client) RefreshToken(ctx context.Context, accountID int64, refreshToken string) (*Token, error) {
	creds := c.creds.Resolve(ctx, accountID)
	return c.exchange(ctx, accountID, creds, refreshToken)
}

func (c *Client) exchange(ctx context.Context, accountID int64, creds credentials.Credentials, refreshToken string) (*Token, error) {
	if refreshToken == "" {
		return nil, errors.New("no refresh token stored")
	}

	env, err := c.send(ctx, Request{
		Method: http.MethodPost,
		Path:   refreshPath,
		Body:   refreshRequest{RefreshToken: refreshToken, PartnerID: creds.PartnerID, ShopID: accountID},
	}, creds, "")
	if err != nil {
		c.metrics.RecordTokenRefresh(false)
		return nil, err
	}
	if env.Failed() {
		c.metrics.RecordTokenRefresh(false)
		return nil, env.Err()
	}

	var out refreshResponse
	if err := decodeWhole(env, &out); err != nil {
		c.metrics.RecordTokenRefresh(false)
		return nil, err
	}
	if out.AccessToken == "" || out.RefreshToken == "" {
		c.metrics.RecordTokenRefresh(false)
		return nil, errors.New("refresh response missing tokens")
	}

	c.metrics.RecordTokenRefresh(true)
	now := c.now()
	return &Token{
		AccountID:    accountID,
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		ExpiresAt:    now.Add(time.Duration(out.ExpireIn) * time.Second),
		UpdatedAt:    now,
	}, nil
}

// refresh rotates the account's token pair after stale was rejected.
// Concurrent callers serialise on the account's refresh lock; a caller that
// finds the pair already rotated by someone else uses it without refreshing.
func (c *Client) refresh(ctx context.Context, accountID int64, creds credentials.Credentials, stale *Token) (*Token, error) {
	if c.locker != nil {
		lease, err := c.locker.AcquireWait(ctx, lock.TokenRefreshKey(accountID), c.refreshLockTTL, c.refreshWait)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire refresh lock: %w", err)
		}
		defer lease.Release(context.WithoutCancel(ctx))
	}

	current, err := c.tokens.GetToken(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to re-read token: %w", err)
	}
	if current != nil && current.AccessToken != "" && current.AccessToken != stale.AccessToken {
		c.log.InfoContext(ctx, "Token already rotated by another caller", "account_id", accountID)
		return current, nil
	}

	refreshToken := stale.RefreshToken
	if current != nil && current.RefreshToken != "" {
		refreshToken = current.RefreshToken
	}

	fresh, err := c.exchange(ctx, accountID, creds, refreshToken)
	if err != nil {
		return nil, err
	}
	if err := c.tokens.UpsertToken(ctx, fresh); err != nil {
		// the new pair is still usable for the retry; the next refresh recovers
		c.log.ErrorContext(ctx, "Failed to persist refreshed token", "account_id", accountID, "error", err)
	}
	c.log.InfoContext(ctx, "Token refreshed", "account_id", accountID, "expires_at", fresh.ExpiresAt)
	return fresh, nil
}
