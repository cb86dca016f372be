package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/muaviaUsmani/sellerpilot/internal/audit"
	"github.com/muaviaUsmani/sellerpilot/internal/job"
	"github.com/muaviaUsmani/sellerpilot/internal/logger"
	"github.com/muaviaUsmani/sellerpilot/internal/marketplace"
	"github.com/muaviaUsmani/sellerpilot/internal/rule"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "postgres"), &logger.NoOpLogger{}), mock
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet sqlmock expectations: %v", err)
	}
}

var ruleCols = []string{"id", "account_id", "kind", "entity_id", "sub_kind",
	"hour_start", "minute_start", "hour_end", "minute_end",
	"weekdays", "dates", "payload", "is_active", "created_at", "updated_at"}

func TestUpsertRule_SameWindowUpdatesExistingRow(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	first := rule.New(42, rule.KindBudget, "77", rule.SubKindAuto,
		rule.Window{HourStart: 8, HourEnd: 10}, []int{1, 2}, nil, []byte(`{"budget":"100"}`))
	second := rule.New(42, rule.KindBudget, "77", rule.SubKindAuto,
		rule.Window{HourStart: 8, HourEnd: 10}, nil, nil, []byte(`{"budget":"250"}`))

	upsert := regexp.QuoteMeta("ON CONFLICT ON CONSTRAINT rules_unique_window DO UPDATE")
	mock.ExpectQuery(upsert).
		WillReturnRows(sqlmock.NewRows(ruleCols).
			AddRow(first.ID, 42, "budget", "77", "auto", 8, 0, 10, 0, "{1,2}", "{}", []byte(`{"budget":"100"}`), true, now, now))
	// the conflicting insert returns the original row id with the new payload
	mock.ExpectQuery(upsert).
		WithArgs(second.ID, int64(42), "budget", "77", "auto", 8, 0, 10, 0,
			sqlmock.AnyArg(), sqlmock.AnyArg(), `{"budget":"250"}`, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(ruleCols).
			AddRow(first.ID, 42, "budget", "77", "auto", 8, 0, 10, 0, "{}", "{}", []byte(`{"budget":"250"}`), true, now, now))

	ctx := context.Background()
	a, err := s.UpsertRule(ctx, first)
	if err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	b, err := s.UpsertRule(ctx, second)
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	if a.ID != b.ID {
		t.Errorf("expected one stored rule, got ids %s and %s", a.ID, b.ID)
	}
	if string(b.Payload) != `{"budget":"250"}` {
		t.Errorf("expected second payload, got %s", b.Payload)
	}
	if len(a.Weekdays) != 2 || a.Weekdays[1] != 2 {
		t.Errorf("unexpected weekdays %v", a.Weekdays)
	}
	if b.Weekdays != nil || b.Dates != nil {
		t.Errorf("expected empty recurrence, got %v %v", b.Weekdays, b.Dates)
	}
	expectationsMet(t, mock)
}

func TestRuleRow_MinutesRoundTrip(t *testing.T) {
	row := ruleRow{HourStart: 8, MinuteStart: 30, HourEnd: 10, Dates: []string{"2024-01-20"}}
	r := row.toRule()
	if r.Window.MinuteStart == nil || *r.Window.MinuteStart != 30 {
		t.Errorf("expected minute_start 30, got %v", r.Window.MinuteStart)
	}
	if r.Window.MinuteEnd != nil {
		t.Errorf("expected nil minute_end for :00, got %v", *r.Window.MinuteEnd)
	}
	if r.Window.String() != "08:30-10:00" {
		t.Errorf("unexpected window %s", r.Window)
	}
	if len(r.Dates) != 1 {
		t.Errorf("unexpected dates %v", r.Dates)
	}
}

func TestGetRule_OtherAccountIsNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM rules WHERE id = $1 AND account_id = $2")).
		WithArgs("r-1", int64(7)).
		WillReturnRows(sqlmock.NewRows(ruleCols))

	_, err := s.GetRule(context.Background(), 7, "r-1")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestDeleteRule(t *testing.T) {
	s, mock := newMockStore(t)
	del := regexp.QuoteMeta("DELETE FROM rules WHERE id = $1 AND account_id = $2")
	mock.ExpectExec(del).WithArgs("r-1", int64(7)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(del).WithArgs("r-2", int64(7)).WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	if err := s.DeleteRule(ctx, 7, "r-1"); err != nil {
		t.Errorf("expected delete to succeed, got %v", err)
	}
	if err := s.DeleteRule(ctx, 7, "r-2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestSetRuleActive(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE rules SET is_active = $3")).
		WithArgs("r-1", int64(7), false, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.SetRuleActive(context.Background(), 7, "r-1", false); err != nil {
		t.Errorf("SetRuleActive failed: %v", err)
	}
	expectationsMet(t, mock)
}

func TestListRules_EntityFilter(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE account_id = $1 AND entity_id = $2 ORDER BY")).
		WithArgs(int64(7), "77").
		WillReturnRows(sqlmock.NewRows(ruleCols).
			AddRow("r-1", 7, "budget", "77", "manual", 8, 0, 10, 0, "{}", "{}", []byte(`{}`), true, now, now).
			AddRow("r-2", 7, "budget", "77", "manual", 12, 15, 14, 0, "{}", "{}", []byte(`{}`), false, now, now))

	rules, err := s.ListRules(context.Background(), 7, "77")
	if err != nil {
		t.Fatalf("ListRules failed: %v", err)
	}
	if len(rules) != 2 || rules[0].ID != "r-1" || rules[1].IsActive {
		t.Errorf("unexpected rules %+v", rules)
	}
	expectationsMet(t, mock)
}

func TestListActiveRules_KindFilter(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE is_active AND kind = $1")).
		WithArgs("promotion").
		WillReturnRows(sqlmock.NewRows(ruleCols))
	mock.ExpectQuery(regexp.QuoteMeta("FROM rules WHERE is_active ORDER BY")).
		WillReturnRows(sqlmock.NewRows(ruleCols))

	ctx := context.Background()
	if _, err := s.ListActiveRules(ctx, rule.KindPromotion); err != nil {
		t.Errorf("ListActiveRules(promotion) failed: %v", err)
	}
	if _, err := s.ListActiveRules(ctx, ""); err != nil {
		t.Errorf("ListActiveRules() failed: %v", err)
	}
	expectationsMet(t, mock)
}

func TestAppendExecution_InsertOnly(t *testing.T) {
	s, mock := newMockStore(t)
	rec := audit.NewRecord(7, rule.KindBudget, "77", audit.OutcomeSuccess, time.Now())
	rec.RuleID = audit.StringPtr("r-1")
	rec.After = audit.StringPtr("250")

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO execution_records")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.AppendExecution(context.Background(), rec); err != nil {
		t.Errorf("AppendExecution failed: %v", err)
	}
	expectationsMet(t, mock)
}

func TestListExecutions_MostRecentFirstAndClamped(t *testing.T) {
	s, mock := newMockStore(t)
	cols := []string{"id", "rule_id", "job_id", "tick_id", "account_id", "kind", "entity_id",
		"before_value", "after_value", "outcome", "error", "external_id", "created_at"}
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC, id LIMIT 500")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("e-2", nil, nil, "t-1", 7, "budget", "77", nil, "250", "failed", "boom", "", now).
			AddRow("e-1", "r-1", nil, "t-0", 7, "budget", "77", "100", "250", "success", "", "", now.Add(-time.Hour)))

	recs, err := s.ListExecutions(context.Background(), 7, "", 10000)
	if err != nil {
		t.Fatalf("ListExecutions failed: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != "e-2" {
		t.Fatalf("unexpected records %+v", recs)
	}
	if recs[0].RuleID != nil || recs[0].Before != nil {
		t.Errorf("expected nullable columns to scan as nil, got %+v", recs[0])
	}
	if recs[1].RuleID == nil || *recs[1].RuleID != "r-1" || recs[1].Outcome != audit.OutcomeSuccess {
		t.Errorf("unexpected second record %+v", recs[1])
	}
	expectationsMet(t, mock)
}

func TestClampLimit(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, DefaultHistoryLimit},
		{-3, DefaultHistoryLimit},
		{20, 20},
		{MaxHistoryLimit + 1, MaxHistoryLimit},
	}
	for _, tt := range tests {
		if got := clampLimit(tt.in); got != tt.want {
			t.Errorf("clampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestTransitionJob(t *testing.T) {
	s, mock := newMockStore(t)
	update := regexp.QuoteMeta("UPDATE jobs SET")

	mock.ExpectExec(update).
		WithArgs("j-1", "scheduled", "processing", "", "", sqlmock.AnyArg(), nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// a second claimer finds the row already moved
	mock.ExpectExec(update).
		WithArgs("j-1", "scheduled", "processing", "", "", sqlmock.AnyArg(), nil).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(update).
		WithArgs("j-1", "processing", "success", "555", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	if err := s.TransitionJob(ctx, "j-1", job.StatusScheduled, job.StatusProcessing, JobUpdate{}); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if err := s.TransitionJob(ctx, "j-1", job.StatusScheduled, job.StatusProcessing, JobUpdate{}); !errors.Is(err, ErrStaleTransition) {
		t.Errorf("expected ErrStaleTransition, got %v", err)
	}
	if err := s.TransitionJob(ctx, "j-1", job.StatusProcessing, job.StatusSuccess, JobUpdate{ExternalID: "555"}); err != nil {
		t.Errorf("success transition failed: %v", err)
	}
	expectationsMet(t, mock)
}

func TestTransitionJob_RejectsInvalidEdge(t *testing.T) {
	s, mock := newMockStore(t)
	err := s.TransitionJob(context.Background(), "j-1", job.StatusScheduled, job.StatusSuccess, JobUpdate{})
	if err == nil {
		t.Error("expected scheduled -> success to be rejected without a query")
	}
	expectationsMet(t, mock)
}

func TestCreateAndGetJob(t *testing.T) {
	s, mock := newMockStore(t)
	target := time.Now().Add(2 * time.Hour)
	j := job.NewJob(7, rule.KindPromotion, "9001", target, 30, []byte{0x01})

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO jobs")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM jobs WHERE id = $1 AND account_id = $2")).
		WithArgs(j.ID, int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "kind", "target_entity", "target_at",
			"lead_minutes", "execute_at", "payload", "status", "external_id", "error",
			"created_at", "updated_at", "executed_at"}).
			AddRow(j.ID, 7, "promotion", "9001", target, 30, j.ExecuteAt, []byte{0x01}, "scheduled", "", "",
				j.CreatedAt, j.UpdatedAt, nil))

	ctx := context.Background()
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	got, err := s.GetJob(ctx, 7, j.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Status != job.StatusScheduled || got.Kind != rule.KindPromotion || got.ExecutedAt != nil {
		t.Errorf("unexpected job %+v", got)
	}
	expectationsMet(t, mock)
}

func TestListDueJobs(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = $1 AND execute_at <= $2")).
		WithArgs("scheduled", sqlmock.AnyArg(), 500).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}))

	jobs, err := s.ListDueJobs(context.Background(), now, 0)
	if err != nil {
		t.Fatalf("ListDueJobs failed: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("expected no jobs, got %d", len(jobs))
	}
	expectationsMet(t, mock)
}

func TestDeleteJob_StatusChanged(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM jobs WHERE id = $1 AND account_id = $2 AND status = $3")).
		WithArgs("j-1", int64(7), "scheduled").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.DeleteJob(context.Background(), 7, "j-1", job.StatusScheduled)
	if !errors.Is(err, ErrStaleTransition) {
		t.Errorf("expected ErrStaleTransition, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestGetToken_Missing(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM account_tokens WHERE account_id = $1")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"account_id", "access_token", "refresh_token", "expires_at", "updated_at"}))

	tok, err := s.GetToken(context.Background(), 7)
	if err != nil || tok != nil {
		t.Errorf("expected nil, nil for a missing token, got %v, %v", tok, err)
	}
	expectationsMet(t, mock)
}

func TestUpsertToken_KeyedByAccount(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (account_id) DO UPDATE")).
		WithArgs(int64(7), "new-access", "new-refresh", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	tok := &marketplace.Token{AccountID: 7, AccessToken: "new-access", RefreshToken: "new-refresh", ExpiresAt: time.Now().Add(4 * time.Hour)}
	if err := s.UpsertToken(context.Background(), tok); err != nil {
		t.Errorf("UpsertToken failed: %v", err)
	}
	if tok.UpdatedAt.IsZero() {
		t.Error("expected UpdatedAt to be stamped")
	}
	expectationsMet(t, mock)
}

func TestGetCredentialOverride(t *testing.T) {
	s, mock := newMockStore(t)
	query := regexp.QuoteMeta("FROM partner_credentials WHERE account_id = $1")
	mock.ExpectQuery(query).WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"partner_id", "partner_key"}).AddRow(2002, "override"))
	mock.ExpectQuery(query).WithArgs(int64(8)).
		WillReturnRows(sqlmock.NewRows([]string{"partner_id", "partner_key"}))

	ctx := context.Background()
	creds, found, err := s.GetCredentialOverride(ctx, 7)
	if err != nil || !found || creds.PartnerID != 2002 || creds.Secret != "override" {
		t.Errorf("unexpected override %+v found=%v err=%v", creds, found, err)
	}
	_, found, err = s.GetCredentialOverride(ctx, 8)
	if err != nil || found {
		t.Errorf("expected no override, got found=%v err=%v", found, err)
	}
	expectationsMet(t, mock)
}
