package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/muaviaUsmani/sellerpilot/internal/audit"
	"github.com/muaviaUsmani/sellerpilot/internal/credentials"
	"github.com/muaviaUsmani/sellerpilot/internal/logger"
	"github.com/muaviaUsmani/sellerpilot/internal/marketplace"
	"github.com/muaviaUsmani/sellerpilot/internal/metrics"
)

const (
	editAutoPath = "/api/v2/ads/edit_auto_product_ads"
	refreshPath  = "/api/v2/auth/access_token/get"
)

type memTokens struct {
	mu     sync.Mutex
	tokens map[int64]*marketplace.Token
}

func (m *memTokens) GetToken(ctx context.Context, accountID int64) (*marketplace.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[accountID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *memTokens) UpsertToken(ctx context.Context, t *marketplace.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tokens[t.AccountID] = &cp
	return nil
}

// adsServer rejects the first rejectEdits budget edits with an auth error and
// hands out a fresh token on every refresh
type adsServer struct {
	mu          sync.Mutex
	rejectEdits int
	calls       map[string]int
}

func (s *adsServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.calls[r.URL.Path]++
	edits := s.calls[editAutoPath]
	reject := s.rejectEdits
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == refreshPath:
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "tok-new", "refresh_token": "ref-new", "expire_in": 14400,
		})
	case r.URL.Path == editAutoPath && edits <= reject:
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": "invalid_acceess_token", "message": "Invalid access_token.",
		})
	default:
		json.NewEncoder(w).Encode(map[string]interface{}{"error": "", "message": "", "response": map[string]interface{}{}})
	}
}

func (s *adsServer) count(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[path]
}

func runBudgetAgainst(t *testing.T, srv *adsServer) *testEnv {
	t.Helper()
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)

	tokens := &memTokens{tokens: map[int64]*marketplace.Token{
		testAccount: {AccountID: testAccount, AccessToken: "tok-old", RefreshToken: "ref-old", ExpiresAt: time.Now().Add(time.Hour)},
	}}
	creds := credentials.NewResolver(credentials.Credentials{PartnerID: 1001, Secret: "secret"}, nil, &logger.NoOpLogger{})

	// the engine handler is bound after the env exists so both share one locker
	ads := &lateAds{}
	env := newTestEnv(t, Options{}, NewBudgetHandler(ads, &logger.NoOpLogger{}))
	ads.Client = marketplace.NewClient(marketplace.Config{BaseURL: hs.URL, Timeout: 2 * time.Second, RateLimit: 1000, RateBurst: 100},
		creds, tokens, env.locker, &logger.NoOpLogger{}).WithMetrics(metrics.NewCollector())

	env.store.addRule(budgetRule("1", 8, 10, "150"))
	env.engine.RunTick(context.Background(), tickAt)
	return env
}

type lateAds struct {
	*marketplace.Client
}

func TestBudgetRule_AuthFailureRetriedOnce(t *testing.T) {
	srv := &adsServer{rejectEdits: 1, calls: map[string]int{}}
	env := runBudgetAgainst(t, srv)

	if got := srv.count(editAutoPath); got != 2 {
		t.Errorf("expected two edit calls, got %d", got)
	}
	if got := srv.count(refreshPath); got != 1 {
		t.Errorf("expected one refresh, got %d", got)
	}
	recs := env.store.recordsFor("1")
	if len(recs) != 1 || recs[0].Outcome != audit.OutcomeSuccess {
		t.Errorf("expected one success record, got %+v", recs)
	}
}

func TestBudgetRule_AuthFailureTwiceFails(t *testing.T) {
	srv := &adsServer{rejectEdits: 2, calls: map[string]int{}}
	env := runBudgetAgainst(t, srv)

	if got := srv.count(editAutoPath); got != 2 {
		t.Errorf("expected no third edit call, got %d", got)
	}
	recs := env.store.recordsFor("1")
	if len(recs) != 1 || recs[0].Outcome != audit.OutcomeFailed || !strings.Contains(recs[0].Error, "re-authorize") {
		t.Errorf("expected one failed credential record, got %+v", recs)
	}
}
