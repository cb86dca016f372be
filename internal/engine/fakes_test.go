package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/muaviaUsmani/sellerpilot/internal/audit"
	"github.com/muaviaUsmani/sellerpilot/internal/job"
	"github.com/muaviaUsmani/sellerpilot/internal/lock"
	"github.com/muaviaUsmani/sellerpilot/internal/logger"
	"github.com/muaviaUsmani/sellerpilot/internal/marketplace"
	"github.com/muaviaUsmani/sellerpilot/internal/metrics"
	"github.com/muaviaUsmani/sellerpilot/internal/rule"
	"github.com/muaviaUsmani/sellerpilot/internal/store"
	"github.com/muaviaUsmani/sellerpilot/internal/worker"
)

const testAccount = 42

// tickAt is a Saturday inside 08:00-10:00
var tickAt = time.Date(2024, 1, 20, 8, 30, 0, 0, time.UTC)

// memStore is an in-memory Store with the same conditional semantics as Postgres
type memStore struct {
	mu       sync.Mutex
	order    []string
	rules    map[string]*rule.Rule
	records  []*audit.Record
	jobs     map[string]*job.Job
	tokens   map[int64]*marketplace.Token
	tokenErr error
	listErr  error
}

// newMemStore starts with testAccount authorized
func newMemStore() *memStore {
	return &memStore{
		rules: map[string]*rule.Rule{},
		jobs:  map[string]*job.Job{},
		tokens: map[int64]*marketplace.Token{
			testAccount: {AccountID: testAccount, AccessToken: "tok", RefreshToken: "ref", ExpiresAt: time.Now().Add(time.Hour)},
		},
	}
}

func (m *memStore) GetToken(ctx context.Context, accountID int64) (*marketplace.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tokenErr != nil {
		return nil, m.tokenErr
	}
	t, ok := m.tokens[accountID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) setToken(accountID int64, accessToken string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[accountID] = &marketplace.Token{AccountID: accountID, AccessToken: accessToken}
}

func copyRule(r *rule.Rule) *rule.Rule {
	cp := *r
	return &cp
}

func copyJob(j *job.Job) *job.Job {
	cp := *j
	return &cp
}

func (m *memStore) UpsertRule(ctx context.Context, r *rule.Rule) (*rule.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		existing := m.rules[id]
		if existing.UniqueKey() == r.UniqueKey() {
			existing.SubKind = r.SubKind
			existing.Weekdays = r.Weekdays
			existing.Dates = r.Dates
			existing.Payload = r.Payload
			existing.IsActive = true
			existing.UpdatedAt = time.Now()
			return copyRule(existing), nil
		}
	}
	m.rules[r.ID] = copyRule(r)
	m.order = append(m.order, r.ID)
	return copyRule(r), nil
}

// addRule stores r directly, bypassing validation
func (m *memStore) addRule(r *rule.Rule) *rule.Rule {
	stored, _ := m.UpsertRule(context.Background(), r)
	return stored
}

func (m *memStore) GetRule(ctx context.Context, accountID int64, id string) (*rule.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok || r.AccountID != accountID {
		return nil, fmt.Errorf("rule %s: %w", id, store.ErrNotFound)
	}
	return copyRule(r), nil
}

func (m *memStore) DeleteRule(ctx context.Context, accountID int64, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok || r.AccountID != accountID {
		return fmt.Errorf("rule %s: %w", id, store.ErrNotFound)
	}
	delete(m.rules, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	// ON DELETE SET NULL
	for _, rec := range m.records {
		if rec.RuleID != nil && *rec.RuleID == id {
			rec.RuleID = nil
		}
	}
	return nil
}

func (m *memStore) SetRuleActive(ctx context.Context, accountID int64, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok || r.AccountID != accountID {
		return fmt.Errorf("rule %s: %w", id, store.ErrNotFound)
	}
	r.IsActive = active
	return nil
}

func (m *memStore) ListRules(ctx context.Context, accountID int64, entityID string) ([]*rule.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*rule.Rule
	for _, id := range m.order {
		r := m.rules[id]
		if r.AccountID == accountID && (entityID == "" || r.EntityID == entityID) {
			out = append(out, copyRule(r))
		}
	}
	return out, nil
}

func (m *memStore) ListActiveRules(ctx context.Context, kind rule.Kind) ([]*rule.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*rule.Rule
	for _, id := range m.order {
		r := m.rules[id]
		if r.IsActive && (kind == "" || r.Kind == kind) {
			out = append(out, copyRule(r))
		}
	}
	return out, nil
}

func (m *memStore) AppendExecution(ctx context.Context, rec *audit.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records = append(m.records, &cp)
	return nil
}

func (m *memStore) ListExecutions(ctx context.Context, accountID int64, entityID string, limit int) ([]*audit.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*audit.Record
	for i := len(m.records) - 1; i >= 0; i-- {
		rec := m.records[i]
		if rec.AccountID == accountID && (entityID == "" || rec.EntityID == entityID) {
			out = append(out, rec)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// recordsFor returns the records of one entity in write order
func (m *memStore) recordsFor(entityID string) []*audit.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*audit.Record
	for _, rec := range m.records {
		if rec.EntityID == entityID {
			out = append(out, rec)
		}
	}
	return out
}

func (m *memStore) recordCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *memStore) CreateJob(ctx context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = copyJob(j)
	return nil
}

func (m *memStore) GetJob(ctx context.Context, accountID int64, id string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.AccountID != accountID {
		return nil, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	return copyJob(j), nil
}

func (m *memStore) ListJobs(ctx context.Context, accountID int64) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*job.Job
	for _, j := range m.jobs {
		if j.AccountID == accountID {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ExecuteAt.After(out[b].ExecuteAt) })
	return out, nil
}

func (m *memStore) ListDueJobs(ctx context.Context, now time.Time, limit int) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*job.Job
	for _, j := range m.jobs {
		if j.Due(now) {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ExecuteAt.Before(out[b].ExecuteAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) TransitionJob(ctx context.Context, id string, from, to job.Status, upd store.JobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !job.CanTransition(from, to) {
		return fmt.Errorf("invalid job transition %s -> %s", from, to)
	}
	j, ok := m.jobs[id]
	if !ok || j.Status != from {
		return fmt.Errorf("job %s: %w", id, store.ErrStaleTransition)
	}
	j.Status = to
	if upd.ExternalID != "" {
		j.ExternalID = upd.ExternalID
	}
	j.Error = upd.Error
	j.UpdatedAt = time.Now()
	if to == job.StatusSuccess {
		at := j.UpdatedAt
		j.ExecutedAt = &at
	}
	return nil
}

func (m *memStore) DeleteJob(ctx context.Context, accountID int64, id string, status job.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.AccountID != accountID || j.Status != status {
		return fmt.Errorf("job %s: %w", id, store.ErrStaleTransition)
	}
	delete(m.jobs, id)
	return nil
}

func (m *memStore) job(id string) *job.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		return copyJob(j)
	}
	return nil
}

// fakeAds records budget updates per campaign
type fakeAds struct {
	mu       sync.Mutex
	budgets  map[int64]decimal.Decimal
	failFor  map[int64]error
	panicFor map[int64]bool
	updates  []int64
}

func newFakeAds() *fakeAds {
	return &fakeAds{budgets: map[int64]decimal.Decimal{}, failFor: map[int64]error{}, panicFor: map[int64]bool{}}
}

func (f *fakeAds) GetCampaignBudget(ctx context.Context, accountID, campaignID int64) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.budgets[campaignID]
	if !ok {
		return decimal.Zero, marketplace.ErrNotFound
	}
	return b, nil
}

func (f *fakeAds) UpdateCampaignBudget(ctx context.Context, accountID, campaignID int64, mode marketplace.BiddingMode, budget decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicFor[campaignID] {
		panic("nil campaign settings")
	}
	if err := f.failFor[campaignID]; err != nil {
		return err
	}
	f.updates = append(f.updates, campaignID)
	f.budgets[campaignID] = budget
	return nil
}

func (f *fakeAds) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

// fakePromotions is a marketplace with time slots and existing promotions
type fakePromotions struct {
	mu         sync.Mutex
	slots      []marketplace.TimeSlot
	promos     []marketplace.Promotion
	nextID     int64
	refs       []string
	addedItems map[int64][]marketplace.PromotionItem
	addErr     error
	deleted    []int64
	deleteErr  error
	// listDelay widens the window between the duplicate check and the create
	listDelay time.Duration
}

func newFakePromotions(slots ...marketplace.TimeSlot) *fakePromotions {
	return &fakePromotions{slots: slots, nextID: 5000, addedItems: map[int64][]marketplace.PromotionItem{}}
}

func slotAt(id int64, start time.Time, d time.Duration) marketplace.TimeSlot {
	return marketplace.TimeSlot{ID: id, StartTime: start.Unix(), EndTime: start.Add(d).Unix()}
}

func (f *fakePromotions) ListTimeSlots(ctx context.Context, accountID int64, from, to time.Time) ([]marketplace.TimeSlot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []marketplace.TimeSlot
	for _, s := range f.slots {
		if !s.Start().Before(from) && s.Start().Before(to) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakePromotions) ListPromotions(ctx context.Context, accountID int64) ([]marketplace.Promotion, error) {
	f.mu.Lock()
	out := append([]marketplace.Promotion(nil), f.promos...)
	delay := f.listDelay
	f.mu.Unlock()
	time.Sleep(delay)
	return out, nil
}

func (f *fakePromotions) CreatePromotion(ctx context.Context, accountID, timeSlotID int64, referenceID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.refs = append(f.refs, referenceID)
	f.promos = append(f.promos, marketplace.Promotion{ID: f.nextID, TimeSlotID: timeSlotID})
	return f.nextID, nil
}

func (f *fakePromotions) AddPromotionItems(ctx context.Context, accountID, promotionID int64, items []marketplace.PromotionItem) ([]marketplace.FailedItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return nil, f.addErr
	}
	f.addedItems[promotionID] = items
	return nil, nil
}

func (f *fakePromotions) DeletePromotion(ctx context.Context, accountID, promotionID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, promotionID)
	return f.deleteErr
}

func (f *fakePromotions) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.refs)
}

type testEnv struct {
	engine *Engine
	store  *memStore
	locker *lock.RedisLocker
	mr     *miniredis.Miniredis
}

func newTestEnv(t *testing.T, opts Options, handlers ...Handler) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	st := newMemStore()
	locker := lock.NewRedisLocker(client)
	log := &logger.NoOpLogger{}
	pool := worker.NewPool(3, log).WithMetrics(metrics.NewCollector())
	e := New(st, NewRegistry(handlers...), locker, pool, opts, log).WithMetrics(metrics.NewCollector())
	return &testEnv{engine: e, store: st, locker: locker, mr: mr}
}

func budgetRule(campaign string, hourStart, hourEnd int, budget string) *rule.Rule {
	return rule.New(testAccount, rule.KindBudget, campaign, rule.SubKindAuto,
		rule.Window{HourStart: hourStart, HourEnd: hourEnd}, nil, nil,
		json.RawMessage(fmt.Sprintf(`{"budget":%q}`, budget)))
}

func promotionRule(label string, hourStart, hourEnd int) *rule.Rule {
	return rule.New(testAccount, rule.KindPromotion, label, rule.SubKindNone,
		rule.Window{HourStart: hourStart, HourEnd: hourEnd}, nil, nil,
		json.RawMessage(`{"items":[{"item_id":1,"promo_price":"9.90","stock":10}]}`))
}

var errConnReset = errors.New("read tcp: connection reset by peer")

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}
