package marketplace

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

const (
	timeSlotsPath       = "/api/v2/shop_flash_sale/get_time_slot_id"
	listPromotionsPath  = "/api/v2/shop_flash_sale/get_shop_flash_sale_list"
	createPromotionPath = "/api/v2/shop_flash_sale/create_shop_flash_sale"
	addItemsPath        = "/api/v2/shop_flash_sale/add_shop_flash_sale_items"
	deletePromotionPath = "/api/v2/shop_flash_sale/delete_shop_flash_sale"

	promotionPageSize = 100
)

// TimeSlot is a marketplace-defined slot a shop promotion can run in
type TimeSlot struct {
	ID        int64 `json:"timeslot_id"`
	StartTime int64 `json:"start_time"`
	EndTime   int64 `json:"end_time"`
}

// Start returns the slot start instant
func (s TimeSlot) Start() time.Time { return time.Unix(s.StartTime, 0) }

// End returns the slot end instant
func (s TimeSlot) End() time.Time { return time.Unix(s.EndTime, 0) }

// Promotion is an existing shop promotion
type Promotion struct {
	ID         int64 `json:"flash_sale_id"`
	TimeSlotID int64 `json:"timeslot_id"`
	Status     int   `json:"status"`
	StartTime  int64 `json:"start_time"`
	EndTime    int64 `json:"end_time"`
}

// PromotionItem is one item (optionally per model) to attach to a promotion
type PromotionItem struct {
	ItemID        int64            `json:"item_id"`
	PurchaseLimit int              `json:"purchase_limit,omitempty"`
	PromoPrice    decimal.Decimal  `json:"promo_price"`
	Stock         int              `json:"stock"`
	Models        []PromotionModel `json:"models,omitempty"`
}

// PromotionModel is a model-level price and stock
type PromotionModel struct {
	ModelID    int64           `json:"model_id"`
	PromoPrice decimal.Decimal `json:"promo_price"`
	Stock      int             `json:"stock"`
}

// FailedItem is an item the marketplace refused to attach
type FailedItem struct {
	ItemID  int64  `json:"item_id"`
	ModelID int64  `json:"model_id,omitempty"`
	ErrCode string `json:"err_code"`
	ErrMsg  string `json:"err_msg"`
}

// ListTimeSlots returns the slots that start within [from, to)
func (c *Client) ListTimeSlots(ctx context.Context, accountID int64, from, to time.Time) ([]TimeSlot, error) {
	env, err := c.Do(ctx, Request{
		Method:    http.MethodGet,
		Path:      timeSlotsPath,
		AccountID: accountID,
		Query: url.Values{
			"start_time": {strconv.FormatInt(from.Unix(), 10)},
			"end_time":   {strconv.FormatInt(to.Unix(), 10)},
		},
	})
	if err != nil {
		return nil, err
	}

	var slots []TimeSlot
	if err := env.Decode(&slots); err != nil {
		return nil, err
	}
	return slots, nil
}

type promotionPage struct {
	TotalCount    int         `json:"total_count"`
	FlashSaleList []Promotion `json:"flash_sale_list"`
}

// ListPromotions returns every promotion of the shop, following pagination
func (c *Client) ListPromotions(ctx context.Context, accountID int64) ([]Promotion, error) {
	var all []Promotion
	for offset := 0; ; offset += promotionPageSize {
		env, err := c.Do(ctx, Request{
			Method:    http.MethodGet,
			Path:      listPromotionsPath,
			AccountID: accountID,
			Query: url.Values{
				"type":   {"0"},
				"offset": {strconv.Itoa(offset)},
				"limit":  {strconv.Itoa(promotionPageSize)},
			},
		})
		if err != nil {
			return nil, err
		}

		var page promotionPage
		if err := env.Decode(&page); err != nil {
			return nil, err
		}
		all = append(all, page.FlashSaleList...)

		if len(page.FlashSaleList) < promotionPageSize || len(all) >= page.TotalCount {
			return all, nil
		}
	}
}

type createPromotionRequest struct {
	TimeSlotID  int64  `json:"timeslot_id"`
	ReferenceID string `json:"reference_id"`
}

// CreatePromotion creates an empty promotion in the slot. referenceID must be
// unique per attempt so the marketplace can de-duplicate redelivery.
func (c *Client) CreatePromotion(ctx context.Context, accountID, timeSlotID int64, referenceID string) (int64, error) {
	env, err := c.Do(ctx, Request{
		Method:    http.MethodPost,
		Path:      createPromotionPath,
		AccountID: accountID,
		Body:      createPromotionRequest{TimeSlotID: timeSlotID, ReferenceID: referenceID},
	})
	if err != nil {
		return 0, err
	}

	var out struct {
		FlashSaleID int64 `json:"flash_sale_id"`
	}
	if err := env.Decode(&out); err != nil {
		return 0, err
	}
	if out.FlashSaleID == 0 {
		return 0, errors.New("create promotion response carried no promotion id")
	}
	return out.FlashSaleID, nil
}

type wireModel struct {
	ModelID         int64   `json:"model_id"`
	InputPromoPrice float64 `json:"input_promo_price"`
	Stock           int     `json:"stock"`
}

type wireItem struct {
	ItemID          int64       `json:"item_id"`
	PurchaseLimit   int         `json:"purchase_limit"`
	InputPromoPrice float64     `json:"input_promo_price,omitempty"`
	Stock           int         `json:"stock,omitempty"`
	Models          []wireModel `json:"models,omitempty"`
}

// AddPromotionItems attaches items. Items the marketplace refused are
// returned; an error is returned only when none were accepted.
func (c *Client) AddPromotionItems(ctx context.Context, accountID, promotionID int64, items []PromotionItem) ([]FailedItem, error) {
	wire := make([]wireItem, 0, len(items))
	for _, it := range items {
		w := wireItem{ItemID: it.ItemID, PurchaseLimit: it.PurchaseLimit}
		if len(it.Models) == 0 {
			w.InputPromoPrice = it.PromoPrice.InexactFloat64()
			w.Stock = it.Stock
		}
		for _, m := range it.Models {
			w.Models = append(w.Models, wireModel{
				ModelID:         m.ModelID,
				InputPromoPrice: m.PromoPrice.InexactFloat64(),
				Stock:           m.Stock,
			})
		}
		wire = append(wire, w)
	}

	env, err := c.Do(ctx, Request{
		Method:    http.MethodPost,
		Path:      addItemsPath,
		AccountID: accountID,
		Body: struct {
			FlashSaleID int64      `json:"flash_sale_id"`
			Items       []wireItem `json:"items"`
		}{promotionID, wire},
	})
	if err != nil {
		return nil, err
	}

	var out struct {
		FailedItems []FailedItem `json:"failed_items"`
	}
	if err := env.Decode(&out); err != nil {
		return nil, err
	}
	if len(items) > 0 && len(out.FailedItems) >= len(items) {
		return out.FailedItems, fmt.Errorf("all %d items rejected, first: %s %s",
			len(items), out.FailedItems[0].ErrCode, out.FailedItems[0].ErrMsg)
	}
	return out.FailedItems, nil
}

// DeletePromotion removes a promotion. A missing promotion yields ErrNotFound.
func (c *Client) DeletePromotion(ctx context.Context, accountID, promotionID int64) error {
	_, err := c.Do(ctx, Request{
		Method:    http.MethodPost,
		Path:      deletePromotionPath,
		AccountID: accountID,
		Body: struct {
			FlashSaleID int64 `json:"flash_sale_id"`
		}{promotionID},
	})
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("promotion %d: %w", promotionID, ErrNotFound)
	}
	return err
}
