package domain

import "time"

// Status of a scheduled send. Pending and Rescheduled are due candidates;
// Sent, Failed and Cancelled are terminal.
type Status string

const (
	StatusPending     Status = "pending"
	StatusRescheduled Status = "rescheduled"
	StatusSent        Status = "sent"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSent, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Dispatchable is the non-terminal set a send must be in to be selected
// as due or targeted by an operator action.
func Dispatchable() []Status {
	return []Status{StatusPending, StatusRescheduled}
}

// TerminalStatuses is the full terminal set, the default purge target.
func TerminalStatuses() []Status {
	return []Status{StatusSent, StatusFailed, StatusCancelled}
}

type ScheduledSend struct {
	ID           string
	RecipientRef string
	InstanceRef  string
	ScheduledAt  time.Time
	Attempts     int
	Status       Status
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Due reports whether the send is eligible for dispatch at now.
func (s ScheduledSend) Due(now time.Time) bool {
	return !s.Status.Terminal() && !s.ScheduledAt.After(now)
}

// CronLog is one immutable execution-log entry. Entries are append-only;
// nothing in the system updates or deletes an individual entry.
type CronLog struct {
	ID         int64
	Kind       string
	Status     RunStatus
	Message    string
	Details    string
	DurationMs int64
	CreatedAt  time.Time
}

// RunStatus of a recorded cron run.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// Cron kinds recorded by the daemon itself. External jobs reporting through
// the admin API may use their own kinds.
const (
	KindScheduledSend = "scheduled_send"
	KindSendPurge     = "send_purge"
	KindLogCleanup    = "log_cleanup"
)
