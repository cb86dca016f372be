package marketplace

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BiddingMode selects the campaign family; each has its own edit endpoint
type BiddingMode string

const (
	BiddingManual BiddingMode = "manual"
	BiddingAuto   BiddingMode = "auto"
)

const (
	campaignSettingsPath = "/api/v2/ads/get_product_level_campaign_setting_info"
	editManualAdsPath    = "/api/v2/ads/edit_manual_product_ads"
	editAutoAdsPath      = "/api/v2/ads/edit_auto_product_ads"
)

type campaignSettings struct {
	CampaignList []struct {
		CampaignID int64 `json:"campaign_id"`
		CommonInfo struct {
			CampaignBudget decimal.Decimal `json:"campaign_budget"`
		} `json:"common_info"`
	} `json:"campaign_list"`
}

// GetCampaignBudget returns the campaign's current budget
func (c *Client) GetCampaignBudget(ctx context.Context, accountID, campaignID int64) (decimal.Decimal, error) {
	env, err := c.Do(ctx, Request{
		Method:    http.MethodGet,
		Path:      campaignSettingsPath,
		AccountID: accountID,
		Query: url.Values{
			"campaign_id_list": {strconv.FormatInt(campaignID, 10)},
			"info_type_list":   {"1"},
		},
	})
	if err != nil {
		return decimal.Zero, err
	}

	var out campaignSettings
	if err := env.Decode(&out); err != nil {
		return decimal.Zero, err
	}
	for _, cmp := range out.CampaignList {
		if cmp.CampaignID == campaignID {
			return cmp.CommonInfo.CampaignBudget, nil
		}
	}
	return decimal.Zero, fmt.Errorf("campaign %d: %w", campaignID, ErrNotFound)
}

type editBudgetRequest struct {
	ReferenceID string  `json:"reference_id"`
	CampaignID  int64   `json:"campaign_id"`
	EditAction  string  `json:"edit_action"`
	Budget      float64 `json:"budget"`
}

// UpdateCampaignBudget sets the campaign's budget. Updates are idempotent,
// so the reference id only correlates the request in marketplace logs.
func (c *Client) UpdateCampaignBudget(ctx context.Context, accountID, campaignID int64, mode BiddingMode, budget decimal.Decimal) error {
	path := editManualAdsPath
	switch mode {
	case BiddingManual:
	case BiddingAuto:
		path = editAutoAdsPath
	default:
		return fmt.Errorf("unknown bidding mode %q", mode)
	}

	_, err := c.Do(ctx, Request{
		Method:    http.MethodPost,
		Path:      path,
		AccountID: accountID,
		Body: editBudgetRequest{
			ReferenceID: uuid.New().String(),
			CampaignID:  campaignID,
			EditAction:  "change_budget",
			Budget:      budget.InexactFloat64(),
		},
	})
	return err
}
