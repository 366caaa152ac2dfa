// Package ledger is the pool's transactional core. It records capital,
// opens positions with frozen ownership snapshots, settles and redistributes
// them, derives balances and admits withdrawals.
//
// Every composed write runs as one store transaction, retried on conflict.
// Ledger events are published only after the transaction has committed.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/poolbet/ledger-engine/internal/events"
	"github.com/poolbet/ledger-engine/internal/fees"
	"github.com/poolbet/ledger-engine/internal/limits"
	"github.com/poolbet/ledger-engine/internal/metrics"
	"github.com/poolbet/ledger-engine/internal/settlement"
	"github.com/poolbet/ledger-engine/internal/store"
)

// RetryPolicy bounds how conflicting transactions are retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	LockTTL     time.Duration
}

// DefaultRetryPolicy is used for any zero field of Options.Retry.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	BaseDelay:   25 * time.Millisecond,
	MaxDelay:    time.Second,
	LockTTL:     10 * time.Second,
}

// Options are the externally configured parameters of the ledger.
type Options struct {
	// PlatformFee is the fraction of a positive gross result kept by the
	// platform, e.g. 0.10.
	PlatformFee decimal.Decimal

	// WithdrawalFees prices withdrawal requests.
	WithdrawalFees fees.Schedule

	// Limits gates new positions. Nil disables every limit.
	Limits *limits.PositionLimiter

	Retry RetryPolicy

	// Now overrides the clock in tests.
	Now func() time.Time

	Logger *slog.Logger
}

// Service implements the ledger operations on top of a Store.
type Service struct {
	store  store.Store
	locker store.Locker
	events events.Publisher
	opts   Options
	logger *slog.Logger
}

// NewService creates a ledger service. A nil locker falls back to an
// in-process locker and a nil publisher drops events.
func NewService(st store.Store, locker store.Locker, pub events.Publisher, opts Options) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("ledger: store is required")
	}
	if err := settlement.ValidateFeeRate(opts.PlatformFee); err != nil {
		return nil, err
	}
	if err := opts.WithdrawalFees.Validate(); err != nil {
		return nil, err
	}
	if locker == nil {
		locker = store.NewLocalLocker()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Retry = withRetryDefaults(opts.Retry)

	return &Service{
		store:  st,
		locker: locker,
		events: pub,
		opts:   opts,
		logger: opts.Logger.With(slog.String("component", "ledger")),
	}, nil
}

func withRetryDefaults(p RetryPolicy) RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultRetryPolicy.MaxDelay
	}
	if p.LockTTL <= 0 {
		p.LockTTL = DefaultRetryPolicy.LockTTL
	}
	return p
}

func (s *Service) now() time.Time {
	return s.opts.Now()
}

// run executes fn as one transaction under the given lock keys, retrying
// conflicts with doubling backoff. Locks are taken in the order given.
func (s *Service) run(ctx context.Context, op string, lockKeys []string, fn func(ctx context.Context, tx store.Tx) error) error {
	start := time.Now()
	err := s.retry(ctx, op, lockKeys, fn)
	metrics.ObserveOp(op, start, err)
	return err
}

func (s *Service) retry(ctx context.Context, op string, lockKeys []string, fn func(ctx context.Context, tx store.Tx) error) error {
	delay := s.opts.Retry.BaseDelay
	var last error
	for attempt := 1; attempt <= s.opts.Retry.MaxAttempts; attempt++ {
		err := s.attempt(ctx, lockKeys, fn)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return translate(err)
		}
		last = err
		if attempt == s.opts.Retry.MaxAttempts {
			break
		}

		metrics.TxRetries.WithLabelValues(op).Inc()
		s.logger.DebugContext(ctx, "retrying ledger transaction",
			"op", op, "attempt", attempt, "delay", delay, "err", err)
		if err := sleepWithContext(ctx, delay); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
		}
		delay *= 2
		if delay > s.opts.Retry.MaxDelay {
			delay = s.opts.Retry.MaxDelay
		}
	}
	s.logger.WarnContext(ctx, "ledger transaction gave up after conflicts",
		"op", op, "attempts", s.opts.Retry.MaxAttempts, "err", last)
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, last)
}

func (s *Service) attempt(ctx context.Context, lockKeys []string, fn func(ctx context.Context, tx store.Tx) error) error {
	for _, key := range lockKeys {
		release, err := s.locker.Acquire(ctx, key, s.opts.Retry.LockTTL)
		if err != nil {
			return err
		}
		defer release()
	}
	return s.store.InTx(ctx, fn)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// publish delivers committed events. Failures are logged by the sink and
// never reported to the caller: the ledger change already happened.
func (s *Service) publish(ctx context.Context, evts ...events.Event) {
	if s.events == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, evt := range evts {
		if err := s.events.Publish(ctx, evt); err != nil {
			s.logger.WarnContext(ctx, "ledger event not delivered",
				"type", evt.Type, "event_id", evt.ID, "err", err)
		}
	}
}

func (s *Service) newEvent(t events.Type, investorID, positionID string, payload any) events.Event {
	return events.Event{
		ID:         uuid.NewString(),
		Type:       t,
		At:         s.now(),
		InvestorID: investorID,
		PositionID: positionID,
		Payload:    payload,
	}
}

func investorLock(id string) string { return "investor:" + id }
func positionLock(id string) string { return "position:" + id }
