package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"relayflow/internal/domain"
)

// KindStats is the per-kind execution breakdown over a time window.
type KindStats struct {
	Kind      string  `json:"kind"`
	Runs      int     `json:"runs"`
	Successes int     `json:"successes"`
	Errors    int     `json:"errors"`
	AvgMs     float64 `json:"avg_duration_ms"`
}

// RunGroup is one kind+status bucket of recent runs.
type RunGroup struct {
	Kind    string    `json:"kind"`
	Status  string    `json:"status"`
	Count   int       `json:"count"`
	AvgMs   float64   `json:"avg_duration_ms"`
	LastRun time.Time `json:"last_run"`
}

// Overall summarizes all cron activity over a time window.
type Overall struct {
	ActiveKinds  int          `json:"active_kinds"`
	Runs         int          `json:"runs"`
	Successes    int          `json:"successes"`
	Errors       int          `json:"errors"`
	AvgMs        float64      `json:"avg_duration_ms"`
	LastActivity sql.NullTime `json:"-"`
}

// SendCounters aggregates scheduled-send state around now: statuses seen in
// the last 24 hours plus how much due work is overdue or imminent.
type SendCounters struct {
	Total        int `json:"total"`
	Pending      int `json:"pending"`
	Rescheduled  int `json:"rescheduled"`
	Sent         int `json:"sent"`
	Failed       int `json:"failed"`
	Overdue      int `json:"overdue"`
	NextHour     int `json:"next_hour"`
	WithAttempts int `json:"with_attempts"`
}

// InstanceGroup is the upcoming workload for one sending instance.
type InstanceGroup struct {
	InstanceRef string    `json:"instance_ref"`
	Scheduled   int       `json:"scheduled"`
	NextSendAt  time.Time `json:"next_send_at"`
}

func (r *sqliteRepo) ListCronLogs(ctx context.Context, page, limit int) ([]domain.CronLog, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 50
	}
	offset := (page - 1) * limit

	rows, err := r.db.QueryContext(ctx, `
SELECT id,kind,status,message,details,duration_ms,created_at
FROM cron_logs
ORDER BY created_at DESC, id DESC
LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var logs []domain.CronLog
	for rows.Next() {
		var e domain.CronLog
		var status string
		if err := rows.Scan(&e.ID, &e.Kind, &status, &e.Message, &e.Details, &e.DurationMs, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		e.Status = domain.RunStatus(status)
		logs = append(logs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cron_logs`).Scan(&total); err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}

func (r *sqliteRepo) DeleteCronLogsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM cron_logs WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) LogKindStats(ctx context.Context, since time.Time) ([]KindStats, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT kind,
       COUNT(*) as runs,
       COUNT(CASE WHEN status = 'success' THEN 1 END) as successes,
       COUNT(CASE WHEN status = 'error' THEN 1 END) as errors,
       COALESCE(AVG(duration_ms), 0) as avg_ms
FROM cron_logs
WHERE created_at >= ?
GROUP BY kind
ORDER BY runs DESC`, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []KindStats
	for rows.Next() {
		var s KindStats
		if err := rows.Scan(&s.Kind, &s.Runs, &s.Successes, &s.Errors, &s.AvgMs); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

func (r *sqliteRepo) RecentRuns(ctx context.Context, since time.Time) ([]RunGroup, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT kind, status,
       COUNT(*) as count,
       COALESCE(AVG(duration_ms), 0) as avg_ms,
       MAX(created_at) as last_run
FROM cron_logs
WHERE created_at >= ?
GROUP BY kind, status
ORDER BY last_run DESC`, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []RunGroup
	for rows.Next() {
		var g RunGroup
		if err := rows.Scan(&g.Kind, &g.Status, &g.Count, &g.AvgMs, &g.LastRun); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (r *sqliteRepo) LatestRunPerKind(ctx context.Context) ([]domain.CronLog, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT cl.id, cl.kind, cl.status, cl.message, cl.details, cl.duration_ms, cl.created_at
FROM cron_logs cl
INNER JOIN (
  SELECT kind, MAX(id) as max_id
  FROM cron_logs
  GROUP BY kind
) latest ON cl.id = latest.max_id
ORDER BY cl.created_at DESC, cl.id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []domain.CronLog
	for rows.Next() {
		var e domain.CronLog
		var status string
		if err := rows.Scan(&e.ID, &e.Kind, &status, &e.Message, &e.Details, &e.DurationMs, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Status = domain.RunStatus(status)
		logs = append(logs, e)
	}
	return logs, rows.Err()
}

func (r *sqliteRepo) OverallStats(ctx context.Context, since time.Time) (Overall, error) {
	var o Overall
	err := r.db.QueryRowContext(ctx, `
SELECT COUNT(DISTINCT kind),
       COUNT(*),
       COUNT(CASE WHEN status = 'success' THEN 1 END),
       COUNT(CASE WHEN status = 'error' THEN 1 END),
       COALESCE(AVG(duration_ms), 0),
       MAX(created_at)
FROM cron_logs
WHERE created_at >= ?`, since.UTC()).
		Scan(&o.ActiveKinds, &o.Runs, &o.Successes, &o.Errors, &o.AvgMs, &o.LastActivity)
	return o, err
}

func (r *sqliteRepo) UpcomingSends(ctx context.Context, now time.Time, window time.Duration, limit int) ([]domain.ScheduledSend, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+sendColumns+`
FROM sends
WHERE status IN ('pending','rescheduled')
  AND scheduled_at >= ?
  AND scheduled_at <= ?
ORDER BY scheduled_at ASC, id ASC
LIMIT ?`, now.UTC(), now.Add(window).UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sends []domain.ScheduledSend
	for rows.Next() {
		s, err := scanSend(rows)
		if err != nil {
			return nil, err
		}
		sends = append(sends, s)
	}
	return sends, rows.Err()
}

func (r *sqliteRepo) SendCounters(ctx context.Context, now time.Time) (SendCounters, error) {
	var c SendCounters
	n := now.UTC()
	err := r.db.QueryRowContext(ctx, `
SELECT COUNT(*),
       COUNT(CASE WHEN status = 'pending' THEN 1 END),
       COUNT(CASE WHEN status = 'rescheduled' THEN 1 END),
       COUNT(CASE WHEN status = 'sent' THEN 1 END),
       COUNT(CASE WHEN status = 'failed' THEN 1 END),
       COUNT(CASE WHEN scheduled_at < ? AND status IN ('pending','rescheduled') THEN 1 END),
       COUNT(CASE WHEN scheduled_at BETWEEN ? AND ? THEN 1 END),
       COUNT(CASE WHEN attempts > 0 THEN 1 END)
FROM sends
WHERE scheduled_at >= ?`,
		n, n, n.Add(time.Hour), n.Add(-24*time.Hour)).
		Scan(&c.Total, &c.Pending, &c.Rescheduled, &c.Sent, &c.Failed, &c.Overdue, &c.NextHour, &c.WithAttempts)
	return c, err
}

func (r *sqliteRepo) InstanceUpcoming(ctx context.Context, now time.Time, window time.Duration) ([]InstanceGroup, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT instance_ref,
       COUNT(*) as scheduled,
       MIN(scheduled_at) as next_send_at
FROM sends
WHERE status IN ('pending','rescheduled')
  AND scheduled_at >= ?
  AND scheduled_at <= ?
GROUP BY instance_ref
ORDER BY next_send_at ASC`, now.UTC(), now.Add(window).UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []InstanceGroup
	for rows.Next() {
		var g InstanceGroup
		var next string
		if err := rows.Scan(&g.InstanceRef, &g.Scheduled, &next); err != nil {
			return nil, err
		}
		// MIN() strips the column's DATETIME decltype, so the sqlite driver
		// hands back the stored text instead of a time.Time.
		g.NextSendAt, err = parseStoredTime(next)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// storedTimeFormats matches the encodings the sqlite driver writes and accepts
// for DATETIME columns (time.Time.String and SQLite's own date formats).
var storedTimeFormats = []string{
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

func parseStoredTime(s string) (time.Time, error) {
	if i := strings.Index(s, "m="); i > 0 {
		s = strings.TrimSpace(s[:i])
	}
	var err error
	for _, f := range storedTimeFormats {
		var t time.Time
		if t, err = time.Parse(f, strings.TrimSuffix(s, "Z")); err == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}
