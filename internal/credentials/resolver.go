// Package credentials resolves the partner id and signing secret for an account.
package credentials

import (
	"context"

	"github.com/muaviaUsmani/sellerpilot/internal/logger"
)

// Credentials is the partner identity requests are signed with
type Credentials struct {
	PartnerID int64
	Secret    string
}

// Complete reports whether both halves are present
func (c Credentials) Complete() bool {
	return c.PartnerID > 0 && c.Secret != ""
}

// OverrideSource looks up a per-account credential override.
// found is false when the account has no override row.
type OverrideSource interface {
	GetCredentialOverride(ctx context.Context, accountID int64) (creds Credentials, found bool, err error)
}

// Resolver is a two-level lookup: per-account override, then process default
type Resolver struct {
	defaults  Credentials
	overrides OverrideSource
	log       logger.Logger
}

// NewResolver creates a resolver. overrides may be nil.
func NewResolver(defaults Credentials, overrides OverrideSource, log logger.Logger) *Resolver {
	if log == nil {
		log = logger.Default()
	}
	return &Resolver{defaults: defaults, overrides: overrides, log: log}
}

// Resolve always succeeds. Lookup errors and incomplete overrides degrade to the defaults.
func (r *Resolver) Resolve(ctx context.Context, accountID int64) Credentials {
	if r.overrides == nil {
		return r.defaults
	}

	creds, found, err := r.overrides.GetCredentialOverride(ctx, accountID)
	switch {
	case err != nil:
		r.log.WarnContext(ctx, "Credential override lookup failed, using defaults", "account_id", accountID, "error", err)
		return r.defaults
	case !found:
		return r.defaults
	case !creds.Complete():
		r.log.DebugContext(ctx, "Credential override incomplete, using defaults", "account_id", accountID)
		return r.defaults
	}
	return creds
}
