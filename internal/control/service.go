// Package control implements the operator actions over scheduled sends:
// reschedule, cancel and purge. Each action is one conditional transition,
// so it can race a dispatch tick without corrupting either side's outcome.
package control

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"relayflow/internal/domain"
	"relayflow/internal/store"
)

type Service struct {
	repo store.Repository
}

func NewService(repo store.Repository) *Service {
	return &Service{repo: repo}
}

// Result is the operator-facing outcome of an action.
type Result struct {
	Message string
	// AlreadyTerminal is set when a cancel hit a send that had already
	// reached a terminal status. That race is benign and not an error.
	AlreadyTerminal bool
}

// Reschedule moves a pending or rescheduled send to newTime. Times in the
// past are rejected; terminal sends and lost races are conflicts.
func (s *Service) Reschedule(ctx context.Context, id string, newTime time.Time) (Result, error) {
	if id == "" {
		return Result{}, &domain.ValidationError{Field: "id", Reason: "required"}
	}
	if newTime.IsZero() {
		return Result{}, &domain.ValidationError{Field: "new_time", Reason: "required"}
	}
	if newTime.Before(time.Now()) {
		return Result{}, &domain.ValidationError{Field: "new_time", Reason: "must be in the future"}
	}

	snd, err := s.repo.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if snd.Status.Terminal() {
		return Result{}, &domain.ConflictError{ID: id, Status: snd.Status}
	}

	applied, err := s.repo.Transition(ctx, id, domain.Dispatchable(), domain.StatusRescheduled,
		store.Mutation{ScheduledAt: &newTime})
	if err != nil {
		return Result{}, fmt.Errorf("reschedule send %s: %w", id, err)
	}
	if !applied {
		// The send changed status between the read and the update.
		snd, err = s.repo.Get(ctx, id)
		if err != nil {
			return Result{}, err
		}
		return Result{}, &domain.ConflictError{ID: id, Status: snd.Status}
	}

	log.Info().Str("send_id", id).Time("new_time", newTime).Msg("send rescheduled by operator")
	return Result{Message: "send rescheduled"}, nil
}

// Cancel stops a pending or rescheduled send. Cancelling a send that already
// reached a terminal status reports "already terminal" and is not an error:
// cancel-after-completion is a benign race.
func (s *Service) Cancel(ctx context.Context, id string) (Result, error) {
	if id == "" {
		return Result{}, &domain.ValidationError{Field: "id", Reason: "required"}
	}

	snd, err := s.repo.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if snd.Status.Terminal() {
		return Result{Message: "send already " + string(snd.Status), AlreadyTerminal: true}, nil
	}

	applied, err := s.repo.Transition(ctx, id, domain.Dispatchable(), domain.StatusCancelled, store.Mutation{})
	if err != nil {
		return Result{}, fmt.Errorf("cancel send %s: %w", id, err)
	}
	if !applied {
		snd, err = s.repo.Get(ctx, id)
		if err != nil {
			return Result{}, err
		}
		if snd.Status.Terminal() {
			return Result{Message: "send already " + string(snd.Status), AlreadyTerminal: true}, nil
		}
		return Result{}, &domain.ConflictError{ID: id, Status: snd.Status}
	}

	log.Info().Str("send_id", id).Msg("send cancelled by operator")
	return Result{Message: "send cancelled"}, nil
}

// Purge deletes terminal sends scheduled more than olderThanDays ago.
// statuses defaults to the full terminal set; non-terminal statuses are
// rejected so old in-flight work can never be destroyed.
func (s *Service) Purge(ctx context.Context, olderThanDays int, statuses []domain.Status) (int, error) {
	if olderThanDays <= 0 {
		return 0, &domain.ValidationError{Field: "older_than_days", Reason: "must be positive"}
	}
	if len(statuses) == 0 {
		statuses = domain.TerminalStatuses()
	}
	for _, st := range statuses {
		if !st.Terminal() {
			return 0, &domain.ValidationError{Field: "statuses", Reason: string(st) + " is not terminal"}
		}
	}

	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	n, err := s.repo.PurgeSends(ctx, cutoff, statuses)
	if err != nil {
		return 0, fmt.Errorf("purge sends: %w", err)
	}
	log.Info().Int("removed", n).Int("older_than_days", olderThanDays).Msg("old sends purged")
	return n, nil
}
