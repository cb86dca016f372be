package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	perrors "github.com/muaviaUsmani/sellerpilot/internal/errors"
	"github.com/muaviaUsmani/sellerpilot/internal/logger"
	"github.com/muaviaUsmani/sellerpilot/internal/marketplace"
	"github.com/muaviaUsmani/sellerpilot/internal/rule"
)

// Promotions is the part of the marketplace client promotion rules need
type Promotions interface {
	ListTimeSlots(ctx context.Context, accountID int64, from, to time.Time) ([]marketplace.TimeSlot, error)
	ListPromotions(ctx context.Context, accountID int64) ([]marketplace.Promotion, error)
	CreatePromotion(ctx context.Context, accountID, timeSlotID int64, referenceID string) (int64, error)
	AddPromotionItems(ctx context.Context, accountID, promotionID int64, items []marketplace.PromotionItem) ([]marketplace.FailedItem, error)
	DeletePromotion(ctx context.Context, accountID, promotionID int64) error
}

// PromotionPayload lists the items attached to a created promotion
type PromotionPayload struct {
	Items []marketplace.PromotionItem `json:"items"`
}

// PartialError is a failure that happened after an external entity was created
type PartialError struct {
	ExternalID string
	Err        error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("created %s but: %v", e.ExternalID, e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

// PromotionHandler creates a promotion in the time slot that starts inside
// the rule's window, then attaches the payload items
type PromotionHandler struct {
	promos Promotions
	log    logger.Logger
}

// NewPromotionHandler creates the handler for promotion rules and jobs
func NewPromotionHandler(promos Promotions, log logger.Logger) *PromotionHandler {
	if log == nil {
		log = logger.Default()
	}
	return &PromotionHandler{promos: promos, log: log.WithComponent(logger.ComponentEngine).WithSource(logger.LogSourceMutation)}
}

// Kind implements Handler
func (h *PromotionHandler) Kind() rule.Kind { return rule.KindPromotion }

// Validate implements Handler
func (h *PromotionHandler) Validate(r *rule.Rule) error {
	_, err := decodePromotion(r.Payload)
	return err
}

// ValidateJob implements JobValidator. The target entity is the time slot id.
func (h *PromotionHandler) ValidateJob(targetEntity string, payload json.RawMessage) error {
	if _, err := slotID(targetEntity); err != nil {
		return err
	}
	_, err := decodePromotion(payload)
	return err
}

// ResolveSlot implements Creator. Jobs carry their time slot; rules use the
// earliest slot starting inside the window.
func (h *PromotionHandler) ResolveSlot(ctx context.Context, t *Target) (string, error) {
	slot, err := h.resolveSlot(ctx, t)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(slot, 10), nil
}

// FindCollision implements Creator. It looks for a promotion already in the
// run's time slot.
func (h *PromotionHandler) FindCollision(ctx context.Context, t *Target) (string, error) {
	slot, err := h.resolveSlot(ctx, t)
	if err != nil {
		return "", err
	}

	existing, err := h.promos.ListPromotions(ctx, t.AccountID)
	if err != nil {
		return "", fmt.Errorf("failed to list promotions: %w", err)
	}
	for _, p := range existing {
		if p.TimeSlotID == slot {
			return strconv.FormatInt(p.ID, 10), nil
		}
	}
	return "", nil
}

// Apply implements Handler. A failure to attach items is reported as a
// PartialError so the created promotion id is not lost.
func (h *PromotionHandler) Apply(ctx context.Context, t *Target) (*Outcome, error) {
	p, err := decodePromotion(t.Payload)
	if err != nil {
		return nil, err
	}
	slot, err := h.resolveSlot(ctx, t)
	if err != nil {
		return nil, err
	}

	// one reference id per attempt, so a redelivered create is de-duplicated remotely
	ref := uuid.New().String()
	id, err := h.promos.CreatePromotion(ctx, t.AccountID, slot, ref)
	if err != nil {
		return nil, err
	}
	promoID := strconv.FormatInt(id, 10)
	out := &Outcome{
		After:      fmt.Sprintf("promotion %s in time slot %d with %d items", promoID, slot, len(p.Items)),
		ExternalID: promoID,
	}

	failed, err := h.promos.AddPromotionItems(ctx, t.AccountID, id, p.Items)
	if err != nil {
		return out, &PartialError{ExternalID: promoID, Err: fmt.Errorf("failed to attach items: %w", err)}
	}
	if len(failed) > 0 {
		h.log.WarnContext(ctx, "Some promotion items were refused",
			"promotion_id", promoID,
			"refused", len(failed),
			"first_error", failed[0].ErrCode)
		out.After = fmt.Sprintf("promotion %s in time slot %d with %d of %d items", promoID, slot, len(p.Items)-len(failed), len(p.Items))
	}
	return out, nil
}

// Reverse implements Reverser. A promotion already gone is consistent.
func (h *PromotionHandler) Reverse(ctx context.Context, accountID int64, externalID string) error {
	id, err := strconv.ParseInt(externalID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid promotion id %q: %w", externalID, err)
	}
	err = h.promos.DeletePromotion(ctx, accountID, id)
	if errors.Is(err, marketplace.ErrNotFound) {
		h.log.InfoContext(ctx, "Promotion already deleted", "promotion_id", externalID)
		return nil
	}
	return err
}

// resolveSlot returns the time slot id of the run, caching it in t.Ref
func (h *PromotionHandler) resolveSlot(ctx context.Context, t *Target) (int64, error) {
	if t.Ref != "" {
		return slotID(t.Ref)
	}

	slots, err := h.promos.ListTimeSlots(ctx, t.AccountID, t.Start, t.End)
	if err != nil {
		return 0, fmt.Errorf("failed to list time slots: %w", err)
	}

	var best *marketplace.TimeSlot
	for i := range slots {
		s := &slots[i]
		start := s.Start()
		if start.Before(t.Start) || !start.Before(t.End) {
			continue
		}
		if best == nil || start.Before(best.Start()) {
			best = s
		}
	}
	if best == nil {
		return 0, perrors.New(perrors.KindPrecondition, "no time slot starts within %s", t.Window)
	}

	t.Ref = strconv.FormatInt(best.ID, 10)
	return best.ID, nil
}

func decodePromotion(raw json.RawMessage) (PromotionPayload, error) {
	var p PromotionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, perrors.Wrap(perrors.KindConfig, err, "promotion payload must be {\"items\": [...]}")
	}
	if len(p.Items) == 0 {
		return p, perrors.New(perrors.KindConfig, "promotion payload needs at least one item")
	}
	for _, it := range p.Items {
		if it.ItemID <= 0 {
			return p, perrors.New(perrors.KindConfig, "item_id is required")
		}
		if len(it.Models) == 0 && !it.PromoPrice.IsPositive() {
			return p, perrors.New(perrors.KindConfig, "item %d needs a positive promo_price", it.ItemID)
		}
		for _, m := range it.Models {
			if m.ModelID <= 0 || !m.PromoPrice.IsPositive() {
				return p, perrors.New(perrors.KindConfig, "item %d has a model without model_id or promo_price", it.ItemID)
			}
		}
	}
	return p, nil
}

func slotID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, perrors.New(perrors.KindConfig, "time slot id must be a positive integer (got %q)", s)
	}
	return id, nil
}
