package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"relayflow/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS sends (
  id TEXT PRIMARY KEY,
  recipient_ref TEXT NOT NULL,
  instance_ref TEXT NOT NULL,
  scheduled_at DATETIME NOT NULL,
  attempts INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL CHECK(status IN ('pending','rescheduled','sent','failed','cancelled')) DEFAULT 'pending',
  last_error TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_sends_due ON sends(status, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_sends_instance ON sends(instance_ref, scheduled_at);
CREATE TABLE IF NOT EXISTS cron_logs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  kind TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('success','error')),
  message TEXT NOT NULL DEFAULT '',
  details TEXT NOT NULL DEFAULT '',
  duration_ms INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_cron_logs_created ON cron_logs(created_at);
CREATE INDEX IF NOT EXISTS idx_cron_logs_kind ON cron_logs(kind, created_at);
`
	_, err := db.Exec(schema)
	return err
}

// Mutation carries the optional field changes applied alongside a status
// transition. Nil pointers leave the column untouched.
type Mutation struct {
	ScheduledAt      *time.Time
	IncrementAttempt bool
	LastError        *string
}

type Repository interface {
	Create(ctx context.Context, s domain.ScheduledSend) (string, error)
	Get(ctx context.Context, id string) (domain.ScheduledSend, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledSend, error)

	// Transition applies status from→to atomically, only if the send's
	// current status is in from. Returns whether the update applied. This
	// is the single mutation primitive for sends; every dispatch outcome
	// and operator action goes through it.
	Transition(ctx context.Context, id string, from []domain.Status, to domain.Status, mut Mutation) (bool, error)

	// PurgeSends deletes terminal sends scheduled before cutoff whose
	// status is in statuses. Non-terminal statuses in the set are ignored,
	// so non-terminal rows are never deleted regardless of age.
	PurgeSends(ctx context.Context, cutoff time.Time, statuses []domain.Status) (int, error)

	// AppendCronLog records one execution-log entry. Entries are append-only.
	AppendCronLog(ctx context.Context, e domain.CronLog) error

	// Reporting, see reports.go.
	ListCronLogs(ctx context.Context, page, limit int) ([]domain.CronLog, int, error)
	DeleteCronLogsBefore(ctx context.Context, cutoff time.Time) (int, error)
	LogKindStats(ctx context.Context, since time.Time) ([]KindStats, error)
	RecentRuns(ctx context.Context, since time.Time) ([]RunGroup, error)
	LatestRunPerKind(ctx context.Context) ([]domain.CronLog, error)
	OverallStats(ctx context.Context, since time.Time) (Overall, error)
	UpcomingSends(ctx context.Context, now time.Time, window time.Duration, limit int) ([]domain.ScheduledSend, error)
	SendCounters(ctx context.Context, now time.Time) (SendCounters, error)
	InstanceUpcoming(ctx context.Context, now time.Time, window time.Duration) ([]InstanceGroup, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

func (r *sqliteRepo) Create(ctx context.Context, s domain.ScheduledSend) (string, error) {
	id := s.ID
	if id == "" {
		id = "snd_" + uuid.NewString()
	}
	status := s.Status
	if status == "" {
		status = domain.StatusPending
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO sends (id,recipient_ref,instance_ref,scheduled_at,attempts,status,last_error,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, id, s.RecipientRef, s.InstanceRef, s.ScheduledAt.UTC(), s.Attempts, string(status), s.LastError)
	return id, err
}

const sendColumns = `id,recipient_ref,instance_ref,scheduled_at,attempts,status,last_error,created_at,updated_at`

func scanSend(row interface{ Scan(...any) error }) (domain.ScheduledSend, error) {
	var s domain.ScheduledSend
	var status string
	err := row.Scan(&s.ID, &s.RecipientRef, &s.InstanceRef, &s.ScheduledAt, &s.Attempts, &status, &s.LastError, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return domain.ScheduledSend{}, err
	}
	s.Status = domain.Status(status)
	return s, nil
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.ScheduledSend, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sendColumns+` FROM sends WHERE id=?`, id)
	s, err := scanSend(row)
	if err == sql.ErrNoRows {
		return domain.ScheduledSend{}, domain.ErrNotFound
	}
	return s, err
}

func (r *sqliteRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledSend, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+sendColumns+`
FROM sends
WHERE status IN ('pending','rescheduled') AND scheduled_at <= ?
ORDER BY scheduled_at ASC, id ASC
LIMIT ?`, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []domain.ScheduledSend
	for rows.Next() {
		s, err := scanSend(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, s)
	}
	return due, rows.Err()
}

func statusPlaceholders(statuses []domain.Status) (string, []any) {
	ph := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		ph[i] = "?"
		args[i] = string(st)
	}
	return strings.Join(ph, ","), args
}

func (r *sqliteRepo) Transition(ctx context.Context, id string, from []domain.Status, to domain.Status, mut Mutation) (bool, error) {
	inc := 0
	if mut.IncrementAttempt {
		inc = 1
	}
	var at any
	if mut.ScheduledAt != nil {
		t := mut.ScheduledAt.UTC()
		at = t
	}
	var lastErr any
	if mut.LastError != nil {
		lastErr = *mut.LastError
	}
	ph, args := statusPlaceholders(from)
	exec := []any{string(to), inc, at, lastErr, id}
	exec = append(exec, args...)
	res, err := r.db.ExecContext(ctx, `
UPDATE sends
SET status = ?,
    attempts = attempts + ?,
    scheduled_at = COALESCE(?, scheduled_at),
    last_error = COALESCE(?, last_error),
    updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND status IN (`+ph+`)`, exec...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *sqliteRepo) PurgeSends(ctx context.Context, cutoff time.Time, statuses []domain.Status) (int, error) {
	terminal := statuses[:0:0]
	for _, st := range statuses {
		if st.Terminal() {
			terminal = append(terminal, st)
		}
	}
	if len(terminal) == 0 {
		return 0, nil
	}
	ph, args := statusPlaceholders(terminal)
	exec := append([]any{cutoff.UTC()}, args...)
	res, err := r.db.ExecContext(ctx, `
DELETE FROM sends WHERE scheduled_at < ? AND status IN (`+ph+`)`, exec...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) AppendCronLog(ctx context.Context, e domain.CronLog) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO cron_logs (kind,status,message,details,duration_ms,created_at)
VALUES (?,?,?,?,?,CURRENT_TIMESTAMP)`,
		e.Kind, string(e.Status), e.Message, e.Details, e.DurationMs)
	return err
}
