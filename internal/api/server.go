package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"relayflow/internal/control"
	"relayflow/internal/domain"
	"relayflow/internal/store"
)

type Server struct {
	r    *chi.Mux
	repo store.Repository
	ctl  *control.Service
	auth Authenticator
}

func NewServer(repo store.Repository, ctl *control.Service, auth Authenticator) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, repo: repo, ctl: ctl, auth: auth}

	r.Get("/health", s.health)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Get("/api/cron-logs", s.listCronLogs)
		r.Post("/api/cron-logs", s.recordCronLog)
		r.Delete("/api/cron-logs", s.cleanupCronLogs)
		r.Get("/api/cron-stats", s.cronStats)
		r.Get("/api/scheduled", s.listScheduled)
		r.Post("/api/scheduled/{id}/reschedule", s.rescheduleSend)
		r.Post("/api/scheduled/{id}/cancel", s.cancelSend)
		r.Post("/api/scheduled/purge", s.purgeSends)
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) listCronLogs(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 50)

	logs, total, err := s.repo.ListCronLogs(r.Context(), page, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.repo.LogKindStats(r.Context(), time.Now().AddDate(0, 0, -7))
	if err != nil {
		writeError(w, err)
		return
	}

	totalPages := total / limit
	if total%limit != 0 {
		totalPages++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"logs":    cronLogViews(logs),
		"pagination": map[string]any{
			"page":        page,
			"limit":       limit,
			"total":       total,
			"total_pages": totalPages,
		},
		"stats": stats,
	})
}

type recordLogReq struct {
	Kind       string `json:"kind"`
	Status     string `json:"status"`
	Message    string `json:"message"`
	Details    string `json:"details"`
	DurationMs int64  `json:"duration_ms"`
}

// recordCronLog lets external cron jobs report their runs through the same
// execution log the daemon writes to.
func (s *Server) recordCronLog(w http.ResponseWriter, r *http.Request) {
	var req recordLogReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if req.Kind == "" || req.Status == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "kind and status are required"})
		return
	}
	rs := domain.RunStatus(req.Status)
	if rs != domain.RunSuccess && rs != domain.RunError {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "status must be success or error"})
		return
	}

	err := s.repo.AppendCronLog(r.Context(), domain.CronLog{
		Kind:       req.Kind,
		Status:     rs,
		Message:    req.Message,
		Details:    req.Details,
		DurationMs: req.DurationMs,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "message": "cron log recorded"})
}

func (s *Server) cleanupCronLogs(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 30)
	n, err := s.repo.DeleteCronLogsBefore(r.Context(), time.Now().AddDate(0, 0, -days))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": strconv.Itoa(n) + " logs removed",
		"removed": n,
	})
}

func (s *Server) cronStats(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	recent, err := s.repo.RecentRuns(r.Context(), now.Add(-24*time.Hour))
	if err != nil {
		writeError(w, err)
		return
	}
	latest, err := s.repo.LatestRunPerKind(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	overall, err := s.repo.OverallStats(r.Context(), now.AddDate(0, 0, -7))
	if err != nil {
		writeError(w, err)
		return
	}

	overallView := map[string]any{
		"active_kinds":    overall.ActiveKinds,
		"runs":            overall.Runs,
		"successes":       overall.Successes,
		"errors":          overall.Errors,
		"avg_duration_ms": overall.AvgMs,
	}
	if overall.LastActivity.Valid {
		overallView["last_activity"] = overall.LastActivity.Time.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"recent_runs": recent,
		"latest_runs": cronLogViews(latest),
		"overall_7d":  overallView,
		"period":      "24 hours",
	})
}

type scheduledView struct {
	ID              string `json:"id"`
	RecipientRef    string `json:"recipient_ref"`
	InstanceRef     string `json:"instance_ref"`
	ScheduledAt     string `json:"scheduled_at"`
	Attempts        int    `json:"attempts"`
	Status          string `json:"status"`
	MinutesUntilDue int    `json:"minutes_until_due"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

// listScheduled reports the sends due in the next 24 hours, aggregate
// counters, and the upcoming workload grouped per instance.
func (s *Server) listScheduled(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	window := 24 * time.Hour

	sends, err := s.repo.UpcomingSends(r.Context(), now, window, 50)
	if err != nil {
		writeError(w, err)
		return
	}
	counters, err := s.repo.SendCounters(r.Context(), now)
	if err != nil {
		writeError(w, err)
		return
	}
	perInstance, err := s.repo.InstanceUpcoming(r.Context(), now, window)
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]scheduledView, 0, len(sends))
	for _, snd := range sends {
		views = append(views, scheduledView{
			ID:              snd.ID,
			RecipientRef:    snd.RecipientRef,
			InstanceRef:     snd.InstanceRef,
			ScheduledAt:     snd.ScheduledAt.Format(time.RFC3339),
			Attempts:        snd.Attempts,
			Status:          string(snd.Status),
			MinutesUntilDue: int(snd.ScheduledAt.Sub(now).Minutes()),
			CreatedAt:       snd.CreatedAt.Format(time.RFC3339),
			UpdatedAt:       snd.UpdatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"sends":        views,
		"stats":        counters,
		"per_instance": perInstance,
		"period":       "next 24 hours",
	})
}

type rescheduleReq struct {
	NewTime time.Time `json:"new_time"`
}

func (s *Server) rescheduleSend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req rescheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	res, err := s.ctl.Reschedule(r.Context(), id, req.NewTime)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": res.Message})
}

func (s *Server) cancelSend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.ctl.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"message":          res.Message,
		"already_terminal": res.AlreadyTerminal,
	})
}

type purgeReq struct {
	OlderThanDays int      `json:"older_than_days"`
	Statuses      []string `json:"statuses"`
}

func (s *Server) purgeSends(w http.ResponseWriter, r *http.Request) {
	var req purgeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	statuses := make([]domain.Status, 0, len(req.Statuses))
	for _, st := range req.Statuses {
		statuses = append(statuses, domain.Status(st))
	}
	n, err := s.ctl.Purge(r.Context(), req.OlderThanDays, statuses)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": strconv.Itoa(n) + " old sends removed",
		"removed": n,
	})
}

func cronLogViews(logs []domain.CronLog) []map[string]any {
	views := make([]map[string]any, 0, len(logs))
	for _, e := range logs {
		views = append(views, map[string]any{
			"id":          e.ID,
			"kind":        e.Kind,
			"status":      string(e.Status),
			"message":     e.Message,
			"details":     e.Details,
			"duration_ms": e.DurationMs,
			"created_at":  e.CreatedAt.Format(time.RFC3339),
		})
	}
	return views
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case domain.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "send not found"})
	case domain.IsConflict(err):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
