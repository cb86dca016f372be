// Package rule defines automation rules and selects the ones a tick should run.
package rule

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	perrors "github.com/muaviaUsmani/sellerpilot/internal/errors"
)

// Kind identifies which remote mutation a rule performs
type Kind string

const (
	// KindBudget sets a campaign's budget while the window is open (update-type)
	KindBudget Kind = "budget"
	// KindPromotion creates a timed promotion for the window's slot (create-type)
	KindPromotion Kind = "promotion"
)

// SubKind distinguishes entity sub-kinds of the same Kind
type SubKind string

const (
	SubKindManual SubKind = "manual"
	SubKindAuto   SubKind = "auto"
	SubKindNone   SubKind = ""
)

// DateLayout is the layout of explicit recurrence dates
const DateLayout = "2006-01-02"

// Window is a same-day time range [start, end). Nil minutes mean :00.
type Window struct {
	HourStart   int  `json:"hour_start" db:"hour_start"`
	MinuteStart *int `json:"minute_start,omitempty" db:"minute_start"`
	HourEnd     int  `json:"hour_end" db:"hour_end"`
	MinuteEnd   *int `json:"minute_end,omitempty" db:"minute_end"`
}

// StartMinute returns the window start as minutes since midnight
func (w Window) StartMinute() int {
	return w.HourStart*60 + deref(w.MinuteStart)
}

// EndMinute returns the window end as minutes since midnight
func (w Window) EndMinute() int {
	return w.HourEnd*60 + deref(w.MinuteEnd)
}

// Contains reports whether minute-of-day m falls inside [start, end)
func (w Window) Contains(m int) bool {
	return w.StartMinute() <= m && m < w.EndMinute()
}

// On returns the concrete [start, end) instants of the window on day's date in loc
func (w Window) On(day time.Time, loc *time.Location) (time.Time, time.Time) {
	d := day.In(loc)
	// wall-clock construction keeps DST transition days right
	return time.Date(d.Year(), d.Month(), d.Day(), w.HourStart, deref(w.MinuteStart), 0, 0, loc),
		time.Date(d.Year(), d.Month(), d.Day(), w.HourEnd, deref(w.MinuteEnd), 0, 0, loc)
}

// String formats the window as HH:MM-HH:MM
func (w Window) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d", w.HourStart, deref(w.MinuteStart), w.HourEnd, deref(w.MinuteEnd))
}

// Validate rejects windows that cannot match anything or wrap past midnight
func (w Window) Validate() error {
	if w.HourStart < 0 || w.HourStart > 23 {
		return fmt.Errorf("hour_start must be between 0 and 23 (got %d)", w.HourStart)
	}
	if w.HourEnd < 1 || w.HourEnd > 24 {
		return fmt.Errorf("hour_end must be between 1 and 24 (got %d)", w.HourEnd)
	}
	if m := deref(w.MinuteStart); m < 0 || m > 59 {
		return fmt.Errorf("minute_start must be between 0 and 59 (got %d)", m)
	}
	if m := deref(w.MinuteEnd); m < 0 || m > 59 {
		return fmt.Errorf("minute_end must be between 0 and 59 (got %d)", m)
	}
	if w.HourEnd == 24 && deref(w.MinuteEnd) != 0 {
		return fmt.Errorf("a window ending at hour 24 cannot have minute_end")
	}
	if w.EndMinute() <= w.StartMinute() {
		return fmt.Errorf("window %s must end after it starts", w)
	}
	return nil
}

// Rule is a stored recurring instruction: what to apply, to which entity, and when
type Rule struct {
	ID        string  `json:"id"`
	AccountID int64   `json:"account_id"`
	Kind      Kind    `json:"kind"`
	EntityID  string  `json:"entity_id"`
	SubKind   SubKind `json:"sub_kind,omitempty"`
	Window    Window  `json:"window"`
	// Weekdays holds 0 (Sunday) .. 6. Empty or all seven means every day.
	Weekdays []int `json:"weekdays,omitempty"`
	// Dates holds explicit YYYY-MM-DD dates. When set it wins over Weekdays.
	Dates []string `json:"dates,omitempty"`
	// Payload is the kind-specific value applied when the rule fires
	Payload   json.RawMessage `json:"payload"`
	IsActive  bool            `json:"is_active"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// New creates an active rule with a fresh id. Recurrence is normalized.
func New(accountID int64, kind Kind, entityID string, sub SubKind, w Window, weekdays []int, dates []string, payload json.RawMessage) *Rule {
	now := time.Now()
	r := &Rule{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Kind:      kind,
		EntityID:  entityID,
		SubKind:   sub,
		Window:    w,
		Weekdays:  weekdays,
		Dates:     dates,
		Payload:   payload,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.Normalize()
	return r
}

// Normalize sorts and de-duplicates the recurrence lists
func (r *Rule) Normalize() {
	r.Weekdays = uniqueInts(r.Weekdays)
	r.Dates = uniqueStrings(r.Dates)
}

// Validate rejects malformed rules before they are stored.
// Payload validation is kind-specific and happens in the engine.
func (r *Rule) Validate() error {
	if r.AccountID <= 0 {
		return perrors.New(perrors.KindConfig, "account_id is required")
	}
	switch r.Kind {
	case KindBudget:
		if r.SubKind != SubKindManual && r.SubKind != SubKindAuto {
			return perrors.New(perrors.KindConfig, "budget rules need sub_kind manual or auto (got %q)", r.SubKind)
		}
	case KindPromotion:
	default:
		return perrors.New(perrors.KindConfig, "unknown rule kind %q", r.Kind)
	}
	if r.EntityID == "" {
		return perrors.New(perrors.KindConfig, "entity_id is required")
	}
	if err := r.Window.Validate(); err != nil {
		return perrors.Wrap(perrors.KindConfig, err, "invalid window")
	}
	for _, d := range r.Weekdays {
		if d < 0 || d > 6 {
			return perrors.New(perrors.KindConfig, "weekday %d out of range 0-6", d)
		}
	}
	for _, d := range r.Dates {
		if _, err := time.Parse(DateLayout, d); err != nil {
			return perrors.New(perrors.KindConfig, "date %q is not YYYY-MM-DD", d)
		}
	}
	if len(r.Payload) == 0 || !json.Valid(r.Payload) {
		return perrors.New(perrors.KindConfig, "payload must be valid JSON")
	}
	return nil
}

// UniqueKey is the identity tuple that re-creation upserts on
func (r *Rule) UniqueKey() string {
	return fmt.Sprintf("%d/%s/%s/%s", r.AccountID, r.Kind, r.EntityID, r.Window)
}

func deref(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func uniqueInts(in []int) []int {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[int]bool, len(in))
	out := make([]int, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out
}

func uniqueStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// IntPtr is a helper for optional window minutes
func IntPtr(v int) *int {
	return &v
}
