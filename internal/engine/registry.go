package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/muaviaUsmani/sellerpilot/internal/rule"
)

// Target is one concrete run of a rule or a job
type Target struct {
	AccountID int64
	// RuleID is empty for job runs
	RuleID string
	// JobID is empty for rule runs
	JobID    string
	TickID   string
	Kind     rule.Kind
	SubKind  rule.SubKind
	EntityID string
	Window   rule.Window
	// Start and End are the window instants of this run
	Start   time.Time
	End     time.Time
	Payload json.RawMessage
	// Ref is an external reference resolved by the handler (a promotion time slot id).
	// Jobs carry it from creation.
	Ref string
}

// Outcome is what a successful Apply changed
type Outcome struct {
	Before     string
	After      string
	ExternalID string
}

// Handler applies one kind of remote mutation
type Handler interface {
	Kind() rule.Kind
	// Validate checks a rule's kind-specific payload before it is stored
	Validate(r *rule.Rule) error
	// Apply performs the mutation
	Apply(ctx context.Context, t *Target) (*Outcome, error)
}

// Creator is a handler whose mutation creates a new external entity.
// Its runs are guarded against producing a second entity for the same slot.
type Creator interface {
	Handler
	// ResolveSlot fixes the external slot the run would create in and stores it
	// in t.Ref. Runs of rules and jobs resolving to the same slot exclude each other.
	ResolveSlot(ctx context.Context, t *Target) (string, error)
	// FindCollision returns the id of an existing entity in t.Ref's slot, or ""
	FindCollision(ctx context.Context, t *Target) (string, error)
}

// Reverser undoes an entity created by a successful job
type Reverser interface {
	Reverse(ctx context.Context, accountID int64, externalID string) error
}

// JobValidator is implemented by handlers that accept one-shot jobs
type JobValidator interface {
	ValidateJob(targetEntity string, payload json.RawMessage) error
}

// Registry maps rule kinds to handlers
type Registry struct {
	handlers map[rule.Kind]Handler
}

// NewRegistry creates a registry holding handlers
func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: make(map[rule.Kind]Handler)}
	for _, h := range handlers {
		r.Register(h)
	}
	return r
}

// Register adds or replaces the handler for h.Kind()
func (r *Registry) Register(h Handler) {
	r.handlers[h.Kind()] = h
}

// Get returns the handler for kind
func (r *Registry) Get(kind rule.Kind) (Handler, bool) {
	h, ok := r.handlers[kind]
	return h, ok
}

// Kinds returns the registered kinds, sorted
func (r *Registry) Kinds() []rule.Kind {
	kinds := make([]rule.Kind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Count returns the number of registered handlers
func (r *Registry) Count() int {
	return len(r.handlers)
}

func (r *Registry) mustGet(kind rule.Kind) (Handler, error) {
	h, ok := r.Get(kind)
	if !ok {
		return nil, fmt.Errorf("no handler registered for kind %q", kind)
	}
	return h, nil
}
