// Package events delivers ledger events to downstream consumers after the
// originating transaction has committed. Delivery is best effort: a failed
// sink never rolls back the ledger.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Type names a ledger event. It doubles as the trailing NATS subject token.
type Type string

const (
	ContributionRecorded Type = "contribution.recorded"
	ContributionUpdated  Type = "contribution.updated"
	PositionOpened       Type = "position.opened"
	PositionSettled      Type = "position.settled"
	WithdrawalRequested  Type = "withdrawal.requested"
	WithdrawalResolved   Type = "withdrawal.resolved"
)

// Event is one committed ledger change.
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	At         time.Time `json:"at"`
	InvestorID string    `json:"investor_id,omitempty"`
	PositionID string    `json:"position_id,omitempty"`
	Payload    any       `json:"payload"`
}

// Publisher is implemented by every event sink.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Name() string
}

// Fanout delivers each event to every sink concurrently. A sink failure
// does not stop delivery to the others; failures are collected and returned
// together.
type Fanout struct {
	sinks   []Publisher
	timeout time.Duration
	logger  *slog.Logger
}

// NewFanout creates a Fanout over sinks. Nil sinks are skipped. Each
// delivery is bounded by timeout when it is positive.
func NewFanout(timeout time.Duration, logger *slog.Logger, sinks ...Publisher) *Fanout {
	f := &Fanout{timeout: timeout, logger: logger.With(slog.String("component", "events"))}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

func (f *Fanout) Name() string { return "fanout" }

func (f *Fanout) Publish(ctx context.Context, evt Event) error {
	if len(f.sinks) == 0 {
		return nil
	}
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	var (
		mu   sync.Mutex
		errs []string
		g    errgroup.Group
	)
	for _, s := range f.sinks {
		s := s
		g.Go(func() error {
			if err := s.Publish(ctx, evt); err != nil {
				f.logger.ErrorContext(ctx, "event delivery failed",
					slog.String("sink", s.Name()),
					slog.String("type", string(evt.Type)),
					slog.String("error", err.Error()),
				)
				mu.Lock()
				errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("events: %d sink(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Name() string { return "recorder" }

func (r *Recorder) Publish(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

// Events returns a copy of the recorded events, optionally filtered by type.
func (r *Recorder) Events(types ...Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if len(types) == 0 || containsType(types, e.Type) {
			out = append(out, e)
		}
	}
	return out
}

func containsType(types []Type, t Type) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}
