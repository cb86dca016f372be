package engine

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/shopspring/decimal"

	perrors "github.com/muaviaUsmani/sellerpilot/internal/errors"
	"github.com/muaviaUsmani/sellerpilot/internal/logger"
	"github.com/muaviaUsmani/sellerpilot/internal/marketplace"
	"github.com/muaviaUsmani/sellerpilot/internal/rule"
)

// Ads is the part of the marketplace client budget rules need
type Ads interface {
	GetCampaignBudget(ctx context.Context, accountID, campaignID int64) (decimal.Decimal, error)
	UpdateCampaignBudget(ctx context.Context, accountID, campaignID int64, mode marketplace.BiddingMode, budget decimal.Decimal) error
}

// BudgetPayload is the value a budget rule applies
type BudgetPayload struct {
	Budget decimal.Decimal `json:"budget"`
}

// BudgetHandler sets a campaign's budget. Updates are idempotent, so it has no guard.
type BudgetHandler struct {
	ads Ads
	log logger.Logger
}

// NewBudgetHandler creates the handler for budget rules
func NewBudgetHandler(ads Ads, log logger.Logger) *BudgetHandler {
	if log == nil {
		log = logger.Default()
	}
	return &BudgetHandler{ads: ads, log: log.WithComponent(logger.ComponentEngine).WithSource(logger.LogSourceMutation)}
}

// Kind implements Handler
func (h *BudgetHandler) Kind() rule.Kind { return rule.KindBudget }

// Validate implements Handler
func (h *BudgetHandler) Validate(r *rule.Rule) error {
	if _, err := campaignID(r.EntityID); err != nil {
		return err
	}
	if _, err := biddingMode(r.SubKind); err != nil {
		return err
	}
	_, err := decodeBudget(r.Payload)
	return err
}

// Apply implements Handler
func (h *BudgetHandler) Apply(ctx context.Context, t *Target) (*Outcome, error) {
	id, err := campaignID(t.EntityID)
	if err != nil {
		return nil, err
	}
	mode, err := biddingMode(t.SubKind)
	if err != nil {
		return nil, err
	}
	p, err := decodeBudget(t.Payload)
	if err != nil {
		return nil, err
	}

	out := &Outcome{After: p.Budget.String()}

	// the before value is informational only
	if current, err := h.ads.GetCampaignBudget(ctx, t.AccountID, id); err != nil {
		h.log.WarnContext(ctx, "Could not read current budget", "campaign_id", id, "error", err)
	} else {
		out.Before = current.String()
	}

	if err := h.ads.UpdateCampaignBudget(ctx, t.AccountID, id, mode, p.Budget); err != nil {
		return out, err
	}
	return out, nil
}

func decodeBudget(raw json.RawMessage) (BudgetPayload, error) {
	var p BudgetPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, perrors.Wrap(perrors.KindConfig, err, "budget payload must be {\"budget\": <amount>}")
	}
	if !p.Budget.IsPositive() {
		return p, perrors.New(perrors.KindConfig, "budget must be positive (got %s)", p.Budget)
	}
	return p, nil
}

func campaignID(entityID string) (int64, error) {
	id, err := strconv.ParseInt(entityID, 10, 64)
	if err != nil || id <= 0 {
		return 0, perrors.New(perrors.KindConfig, "budget entity_id must be a campaign id (got %q)", entityID)
	}
	return id, nil
}

func biddingMode(sub rule.SubKind) (marketplace.BiddingMode, error) {
	switch sub {
	case rule.SubKindManual:
		return marketplace.BiddingManual, nil
	case rule.SubKindAuto:
		return marketplace.BiddingAuto, nil
	}
	return "", perrors.New(perrors.KindConfig, "unknown bidding sub_kind %q", sub)
}
