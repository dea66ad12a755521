package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"relayflow/internal/domain"
	"relayflow/internal/store"
)

// Transport delivers a scheduled send to its instance. A returned error is a
// delivery failure; a context deadline counts the same as any other failure.
type Transport interface {
	Deliver(ctx context.Context, s domain.ScheduledSend) error
}

// Registry answers whether a sending instance can be used this tick.
type Registry interface {
	IsAvailable(ctx context.Context, instanceRef string) bool
}

// Engine runs one dispatch pass per tick. It holds no state between ticks;
// everything it decides is read from and written back to the store through
// conditional transitions, so concurrent ticks and operator actions are safe.
type Engine struct {
	repo           store.Repository
	transport      Transport
	registry       Registry
	policy         Policy
	batchSize      int
	workers        int
	deliverTimeout time.Duration
}

func NewEngine(repo store.Repository, transport Transport, registry Registry, policy Policy) *Engine {
	return &Engine{
		repo:           repo,
		transport:      transport,
		registry:       registry,
		policy:         policy,
		batchSize:      50,
		workers:        8,
		deliverTimeout: 30 * time.Second,
	}
}

// WithBatchSize overrides the per-tick due-item cap.
func (e *Engine) WithBatchSize(n int) *Engine {
	if n > 0 {
		e.batchSize = n
	}
	return e
}

// WithWorkers overrides the per-tick delivery concurrency.
func (e *Engine) WithWorkers(n int) *Engine {
	if n > 0 {
		e.workers = n
	}
	return e
}

// WithDeliverTimeout overrides the per-delivery transport timeout.
func (e *Engine) WithDeliverTimeout(d time.Duration) *Engine {
	if d > 0 {
		e.deliverTimeout = d
	}
	return e
}

// TickResult is the aggregate outcome of one dispatch pass.
type TickResult struct {
	Due         int
	Sent        int
	Rescheduled int
	Failed      int
	Skipped     int
	Conflicts   int
}

// Tick selects up to the batch size of due sends and applies one delivery
// outcome to each. A single send's failure never aborts the rest of the
// batch, and the execution-log write happens last, best-effort.
func (e *Engine) Tick(ctx context.Context, now time.Time) TickResult {
	start := time.Now()

	due, err := e.repo.ListDue(ctx, now, e.batchSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to list due sends")
		e.recordTick(ctx, domain.RunError, fmt.Sprintf("listing due sends failed: %v", err), TickResult{}, start)
		return TickResult{}
	}

	var (
		mu  sync.Mutex
		res TickResult
		wg  sync.WaitGroup
		sem = make(chan struct{}, e.workers)
	)
	res.Due = len(due)

	for _, s := range due {
		sem <- struct{}{}
		wg.Add(1)
		go func(snd domain.ScheduledSend) {
			defer wg.Done()
			defer func() { <-sem }()
			outcome := e.processOne(ctx, snd, now)
			mu.Lock()
			switch outcome {
			case outcomeSent:
				res.Sent++
			case outcomeRescheduled:
				res.Rescheduled++
			case outcomeFailed:
				res.Failed++
			case outcomeSkipped:
				res.Skipped++
			case outcomeConflict:
				res.Conflicts++
			}
			mu.Unlock()
		}(s)
	}
	wg.Wait()

	e.recordTick(ctx, domain.RunSuccess, tickMessage(res), res, start)
	return res
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeRescheduled
	outcomeFailed
	outcomeSkipped
	outcomeConflict
)

// processOne attempts delivery of one due send and applies exactly one
// conditional transition with the result. The transport call happens before
// the transition attempt, so a hung delivery never blocks an operator
// cancel; whichever conditional update commits first wins.
func (e *Engine) processOne(ctx context.Context, s domain.ScheduledSend, now time.Time) outcome {
	if !e.registry.IsAvailable(ctx, s.InstanceRef) {
		// Left due for the next tick. Not an attempt, not a failure.
		log.Debug().Str("send_id", s.ID).Str("instance", s.InstanceRef).Msg("instance unavailable, send skipped")
		return outcomeSkipped
	}

	c, cancel := context.WithTimeout(ctx, e.deliverTimeout)
	deliverErr := e.transport.Deliver(c, s)
	cancel()

	if deliverErr == nil {
		applied, err := e.repo.Transition(ctx, s.ID, domain.Dispatchable(), domain.StatusSent, store.Mutation{})
		if err != nil {
			log.Error().Err(err).Str("send_id", s.ID).Msg("failed to mark send as sent")
			return outcomeConflict
		}
		if !applied {
			// Cancelled or claimed by an overlapping tick while we delivered.
			return outcomeConflict
		}
		log.Info().Str("send_id", s.ID).Str("instance", s.InstanceRef).Msg("send delivered")
		return outcomeSent
	}

	errMsg := deliverErr.Error()
	attempts := s.Attempts + 1
	if e.policy.Exhausted(attempts) {
		applied, err := e.repo.Transition(ctx, s.ID, domain.Dispatchable(), domain.StatusFailed,
			store.Mutation{IncrementAttempt: true, LastError: &errMsg})
		if err != nil || !applied {
			return outcomeConflict
		}
		log.Error().Str("send_id", s.ID).Int("attempts", attempts).Str("error", errMsg).Msg("send failed permanently")
		return outcomeFailed
	}

	next := now.Add(e.policy.Backoff(attempts))
	applied, err := e.repo.Transition(ctx, s.ID, domain.Dispatchable(), domain.StatusRescheduled,
		store.Mutation{ScheduledAt: &next, IncrementAttempt: true, LastError: &errMsg})
	if err != nil || !applied {
		return outcomeConflict
	}
	log.Warn().Str("send_id", s.ID).Int("attempts", attempts).Time("next_try", next).Str("error", errMsg).Msg("send rescheduled")
	return outcomeRescheduled
}

func tickMessage(res TickResult) string {
	if res.Due == 0 {
		return "no due sends"
	}
	return fmt.Sprintf("processed %d due sends: %d sent, %d rescheduled, %d failed, %d skipped, %d conflicts",
		res.Due, res.Sent, res.Rescheduled, res.Failed, res.Skipped, res.Conflicts)
}

// recordTick appends the per-tick execution-log entry. The write is
// best-effort: a log failure must never undo or block state transitions.
func (e *Engine) recordTick(ctx context.Context, status domain.RunStatus, msg string, res TickResult, start time.Time) {
	entry := domain.CronLog{
		Kind:       domain.KindScheduledSend,
		Status:     status,
		Message:    msg,
		Details:    fmt.Sprintf("due=%d sent=%d rescheduled=%d failed=%d skipped=%d conflicts=%d", res.Due, res.Sent, res.Rescheduled, res.Failed, res.Skipped, res.Conflicts),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err := e.repo.AppendCronLog(ctx, entry); err != nil {
		log.Error().Err(err).Msg("failed to append cron log entry")
	}
}
