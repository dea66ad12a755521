package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"relayflow/internal/control"
	"relayflow/internal/domain"
	"relayflow/internal/store"
)

const testKey = "test-key"

func newTestServer(t *testing.T) (http.Handler, store.Repository) {
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
	repo := store.NewSQLiteRepo(db)
	return NewServer(repo, control.NewService(repo), APIKeyAuth{Key: testKey}), repo
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-API-Key", testKey)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAdminRoutes_RequireAPIKey(t *testing.T) {
	h, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/cron-logs", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("without key: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/cron-logs", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("with wrong key: status = %d, want 401", rec.Code)
	}
}

func TestHealth_IsPublic(t *testing.T) {
	h, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", rec.Code)
	}
}

func TestListCronLogs_Paginates(t *testing.T) {
	h, repo := newTestServer(t)
	for i := 0; i < 3; i++ {
		if err := repo.AppendCronLog(context.Background(), domain.CronLog{
			Kind: domain.KindScheduledSend, Status: domain.RunSuccess, Message: "tick",
		}); err != nil {
			t.Fatalf("AppendCronLog: %v", err)
		}
	}

	rec := doJSON(t, h, http.MethodGet, "/api/cron-logs?page=1&limit=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Success    bool             `json:"success"`
		Logs       []map[string]any `json:"logs"`
		Pagination struct {
			Total      int `json:"total"`
			TotalPages int `json:"total_pages"`
		} `json:"pagination"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success || len(resp.Logs) != 2 || resp.Pagination.Total != 3 || resp.Pagination.TotalPages != 2 {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestRecordCronLog_ValidatesInput(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/api/cron-logs", map[string]any{"status": "success"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing kind: status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/cron-logs", map[string]any{"kind": "backup", "status": "meh"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad status: status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/cron-logs", map[string]any{
		"kind": "backup", "status": "success", "message": "done", "duration_ms": 42,
	})
	if rec.Code != http.StatusCreated {
		t.Errorf("valid entry: status = %d, want 201", rec.Code)
	}
}

func TestCancelSend_Endpoint(t *testing.T) {
	h, repo := newTestServer(t)
	id, err := repo.Create(context.Background(), domain.ScheduledSend{
		RecipientRef: "rcp_1", InstanceRef: "inst_a",
		ScheduledAt: time.Now().UTC().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create send: %v", err)
	}

	rec := doJSON(t, h, http.MethodPost, "/api/scheduled/"+id+"/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	s, err := repo.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s.Status != domain.StatusCancelled {
		t.Errorf("status = %s, want cancelled", s.Status)
	}
}

func TestCancelSend_MissingIs404(t *testing.T) {
	h, _ := newTestServer(t)
	rec := doJSON(t, h, http.MethodPost, "/api/scheduled/snd_missing/cancel", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRescheduleSend_PastTimeIs400(t *testing.T) {
	h, repo := newTestServer(t)
	id, err := repo.Create(context.Background(), domain.ScheduledSend{
		RecipientRef: "rcp_1", InstanceRef: "inst_a",
		ScheduledAt: time.Now().UTC().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create send: %v", err)
	}

	rec := doJSON(t, h, http.MethodPost, "/api/scheduled/"+id+"/reschedule",
		map[string]any{"new_time": time.Now().Add(-time.Hour).Format(time.RFC3339)})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestRescheduleSend_TerminalIs409(t *testing.T) {
	h, repo := newTestServer(t)
	id, err := repo.Create(context.Background(), domain.ScheduledSend{
		RecipientRef: "rcp_1", InstanceRef: "inst_a",
		ScheduledAt: time.Now().UTC(), Status: domain.StatusSent,
	})
	if err != nil {
		t.Fatalf("create send: %v", err)
	}

	rec := doJSON(t, h, http.MethodPost, "/api/scheduled/"+id+"/reschedule",
		map[string]any{"new_time": time.Now().Add(time.Hour).Format(time.RFC3339)})
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409: %s", rec.Code, rec.Body.String())
	}
}

func TestPurgeSends_Endpoint(t *testing.T) {
	h, repo := newTestServer(t)
	_, err := repo.Create(context.Background(), domain.ScheduledSend{
		RecipientRef: "rcp_1", InstanceRef: "inst_a",
		ScheduledAt: time.Now().UTC().AddDate(0, 0, -10), Status: domain.StatusSent,
	})
	if err != nil {
		t.Fatalf("create send: %v", err)
	}

	rec := doJSON(t, h, http.MethodPost, "/api/scheduled/purge", map[string]any{"older_than_days": 7})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Removed int `json:"removed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Removed != 1 {
		t.Errorf("removed = %d, want 1", resp.Removed)
	}
}
