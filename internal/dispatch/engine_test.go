package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"relayflow/internal/domain"
	"relayflow/internal/instance"
	"relayflow/internal/store"
)

func newTestRepo(t *testing.T) store.Repository {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	if err := store.EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return store.NewSQLiteRepo(db)
}

// fakeTransport fails delivery for the ids in failing and succeeds otherwise.
type fakeTransport struct {
	failing map[string]error
}

func (f *fakeTransport) Deliver(_ context.Context, s domain.ScheduledSend) error {
	if err, ok := f.failing[s.ID]; ok {
		return err
	}
	return nil
}

func allUp() instance.Static {
	return instance.Static{"inst_a": true, "inst_b": true}
}

func testPolicy() Policy {
	return Policy{Initial: time.Minute, Max: time.Hour, MaxAttempts: 3}
}

func createDue(t *testing.T, repo store.Repository, instanceRef string, attempts int) string {
	t.Helper()
	id, err := repo.Create(context.Background(), domain.ScheduledSend{
		RecipientRef: "rcp_1",
		InstanceRef:  instanceRef,
		ScheduledAt:  time.Now().UTC().Add(-time.Minute),
		Attempts:     attempts,
	})
	if err != nil {
		t.Fatalf("create send: %v", err)
	}
	return id
}

func TestTick_DeliverySuccessMarksSent(t *testing.T) {
	repo := newTestRepo(t)
	id := createDue(t, repo, "inst_a", 0)
	e := NewEngine(repo, &fakeTransport{}, allUp(), testPolicy())

	res := e.Tick(context.Background(), time.Now())
	if res.Due != 1 || res.Sent != 1 {
		t.Fatalf("tick result = %+v, want 1 due, 1 sent", res)
	}

	s, err := repo.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s.Status != domain.StatusSent {
		t.Errorf("status = %s, want sent", s.Status)
	}
	if s.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", s.Attempts)
	}
}

func TestTick_FailureReschedulesWithBackoff(t *testing.T) {
	repo := newTestRepo(t)
	id := createDue(t, repo, "inst_a", 0)
	e := NewEngine(repo, &fakeTransport{failing: map[string]error{id: errors.New("boom")}}, allUp(), testPolicy())

	now := time.Now()
	res := e.Tick(context.Background(), now)
	if res.Rescheduled != 1 {
		t.Fatalf("tick result = %+v, want 1 rescheduled", res)
	}

	s, err := repo.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s.Status != domain.StatusRescheduled {
		t.Errorf("status = %s, want rescheduled", s.Status)
	}
	if s.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", s.Attempts)
	}
	want := now.Add(testPolicy().Backoff(1))
	if diff := s.ScheduledAt.Sub(want); diff < -2*time.Second || diff > 2*time.Second {
		t.Errorf("scheduled_at = %v, want ~%v", s.ScheduledAt, want)
	}
	if s.LastError != "boom" {
		t.Errorf("last error = %q, want %q", s.LastError, "boom")
	}
}

func TestTick_ExhaustedAttemptsFailPermanently(t *testing.T) {
	repo := newTestRepo(t)
	id := createDue(t, repo, "inst_a", 2) // one below MaxAttempts
	e := NewEngine(repo, &fakeTransport{failing: map[string]error{id: errors.New("boom")}}, allUp(), testPolicy())

	res := e.Tick(context.Background(), time.Now())
	if res.Failed != 1 {
		t.Fatalf("tick result = %+v, want 1 failed", res)
	}

	s, err := repo.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s.Status != domain.StatusFailed {
		t.Errorf("status = %s, want failed", s.Status)
	}
	if s.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", s.Attempts)
	}
}

func TestTick_UnavailableInstanceSkipsWithoutMutation(t *testing.T) {
	repo := newTestRepo(t)
	id := createDue(t, repo, "inst_down", 0)
	e := NewEngine(repo, &fakeTransport{}, instance.Static{}, testPolicy())

	res := e.Tick(context.Background(), time.Now())
	if res.Skipped != 1 || res.Sent != 0 || res.Failed != 0 {
		t.Fatalf("tick result = %+v, want 1 skipped only", res)
	}

	s, err := repo.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s.Status != domain.StatusPending {
		t.Errorf("status = %s, want pending", s.Status)
	}
	if s.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", s.Attempts)
	}
}

func TestTick_OneFailureDoesNotAbortBatch(t *testing.T) {
	repo := newTestRepo(t)
	bad := createDue(t, repo, "inst_a", 0)
	good := createDue(t, repo, "inst_b", 0)
	e := NewEngine(repo, &fakeTransport{failing: map[string]error{bad: errors.New("boom")}}, allUp(), testPolicy())

	res := e.Tick(context.Background(), time.Now())
	if res.Sent != 1 || res.Rescheduled != 1 {
		t.Fatalf("tick result = %+v, want 1 sent and 1 rescheduled", res)
	}
	s, err := repo.Get(context.Background(), good)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s.Status != domain.StatusSent {
		t.Errorf("healthy send status = %s, want sent", s.Status)
	}
}

func TestTick_ZeroDueStillLogs(t *testing.T) {
	repo := newTestRepo(t)
	e := NewEngine(repo, &fakeTransport{}, allUp(), testPolicy())

	res := e.Tick(context.Background(), time.Now())
	if res.Due != 0 {
		t.Fatalf("tick result = %+v, want zero due", res)
	}

	logs, total, err := repo.ListCronLogs(context.Background(), 1, 10)
	if err != nil {
		t.Fatalf("ListCronLogs: %v", err)
	}
	if total != 1 {
		t.Fatalf("cron log total = %d, want 1", total)
	}
	if logs[0].Kind != domain.KindScheduledSend || logs[0].Status != domain.RunSuccess {
		t.Errorf("log entry = %+v, want scheduled_send success", logs[0])
	}
	if logs[0].Message != "no due sends" {
		t.Errorf("log message = %q, want %q", logs[0].Message, "no due sends")
	}
}

func TestTick_AttemptsNeverDecrease(t *testing.T) {
	repo := newTestRepo(t)
	id := createDue(t, repo, "inst_a", 0)
	e := NewEngine(repo, &fakeTransport{failing: map[string]error{id: errors.New("boom")}}, allUp(), testPolicy())

	prev := 0
	for i := 0; i < 4; i++ {
		// Pull the send back to due so each tick selects it again.
		past := time.Now().UTC().Add(-time.Minute)
		_, err := repo.Transition(context.Background(), id, domain.Dispatchable(), domain.StatusPending,
			store.Mutation{ScheduledAt: &past})
		if err != nil {
			t.Fatalf("Transition: %v", err)
		}

		e.Tick(context.Background(), time.Now())

		s, err := repo.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if s.Attempts < prev {
			t.Fatalf("attempts decreased from %d to %d", prev, s.Attempts)
		}
		prev = s.Attempts
		if s.Status.Terminal() {
			break
		}
	}
	if prev != 3 {
		t.Errorf("final attempts = %d, want 3", prev)
	}
}
