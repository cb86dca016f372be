package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/muaviaUsmani/sellerpilot/internal/credentials"
	"github.com/muaviaUsmani/sellerpilot/internal/marketplace"
)

var (
	_ marketplace.TokenStore     = (*Store)(nil)
	_ credentials.OverrideSource = (*Store)(nil)
)

// GetToken returns the account's token pair, or nil when none is stored
func (s *Store) GetToken(ctx context.Context, accountID int64) (*marketplace.Token, error) {
	var t marketplace.Token
	err := s.db.GetContext(ctx, &t,
		`SELECT account_id, access_token, refresh_token, expires_at, updated_at
		FROM account_tokens WHERE account_id = $1`, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token for account %d: %w", accountID, err)
	}
	return &t, nil
}

// UpsertToken stores the pair keyed by account id. A pair older than the
// stored one is ignored, so a slow refresher cannot roll the record back.
func (s *Store) UpsertToken(ctx context.Context, t *marketplace.Token) error {
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now()
	}
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO account_tokens
			(account_id, access_token, refresh_token, expires_at, updated_at)
		VALUES (:account_id, :access_token, :refresh_token, :expires_at, :updated_at)
		ON CONFLICT (account_id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
		WHERE account_tokens.updated_at <= EXCLUDED.updated_at`, t)
	if err != nil {
		return fmt.Errorf("failed to upsert token for account %d: %w", t.AccountID, err)
	}
	return nil
}

// GetCredentialOverride returns the account's partner credential override
func (s *Store) GetCredentialOverride(ctx context.Context, accountID int64) (credentials.Credentials, bool, error) {
	var row struct {
		PartnerID  int64  `db:"partner_id"`
		PartnerKey string `db:"partner_key"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT partner_id, partner_key FROM partner_credentials WHERE account_id = $1`, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return credentials.Credentials{}, false, nil
	}
	if err != nil {
		return credentials.Credentials{}, false, fmt.Errorf("failed to get credential override for account %d: %w", accountID, err)
	}
	return credentials.Credentials{PartnerID: row.PartnerID, Secret: row.PartnerKey}, true, nil
}
