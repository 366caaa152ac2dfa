// Package audit periodically re-checks the ledger's stored invariants.
package audit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/poolbet/ledger-engine/internal/metrics"
	"github.com/poolbet/ledger-engine/internal/model"
	"github.com/poolbet/ledger-engine/internal/settlement"
	"github.com/poolbet/ledger-engine/internal/store"
)

// Violation kinds.
const (
	KindNoAllocations        = "no_allocations"
	KindPercentSum           = "percent_sum"
	KindPendingDistributions = "pending_distributions"
	KindMissingNet           = "missing_net"
	KindDrift                = "distribution_drift"
	KindZeroDistribution     = "zero_distribution"
)

// Violation is one broken invariant on one position.
type Violation struct {
	PositionID string `json:"position_id"`
	Kind       string `json:"kind"`
	Detail     string `json:"detail"`
}

// Reconciler walks every position and reports stored state that the
// ledger operations should never have produced.
type Reconciler struct {
	store  store.Reader
	logger *slog.Logger
}

// NewReconciler creates a reconciler over st.
func NewReconciler(st store.Reader, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: st, logger: logger.With(slog.String("component", "audit"))}
}

// Check runs one reconciliation pass.
func (r *Reconciler) Check(ctx context.Context) ([]Violation, error) {
	positions, err := r.store.ListPositions(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}

	var out []Violation
	for _, p := range positions {
		allocs, err := r.store.ListAllocations(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("list allocations %s: %w", p.ID, err)
		}
		dists, err := r.store.ListDistributionsByPosition(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("list distributions %s: %w", p.ID, err)
		}
		out = append(out, checkPosition(p, allocs, dists)...)
	}
	return out, nil
}

func checkPosition(p model.Position, allocs []model.Allocation, dists []model.ProfitDistribution) []Violation {
	var out []Violation
	add := func(kind, format string, args ...any) {
		out = append(out, Violation{PositionID: p.ID, Kind: kind, Detail: fmt.Sprintf(format, args...)})
	}

	if len(allocs) == 0 {
		add(KindNoAllocations, "position has no allocations")
	} else if !settlement.Balanced(allocs) {
		add(KindPercentSum, "allocation percentages sum to %s", settlement.PercentSum(allocs).String())
	}

	for _, d := range dists {
		if d.Amount == 0 {
			add(KindZeroDistribution, "investor %s has a zero distribution row", d.InvestorID)
		}
	}

	if p.Status == model.PositionPending {
		if len(dists) > 0 {
			add(KindPendingDistributions, "pending position has %d distributions", len(dists))
		}
		return out
	}

	if p.NetResult == nil {
		add(KindMissingNet, "settled position (%s) has no net result", p.Status)
		return out
	}
	var sum int64
	for _, d := range dists {
		sum += d.Amount
	}
	drift := sum - *p.NetResult
	if drift < 0 {
		drift = -drift
	}
	if drift > int64(len(allocs)) {
		add(KindDrift, "distributions sum to %d against net %d", sum, *p.NetResult)
	}
	return out
}

// RunOnce performs a pass, updates the gauges and logs every violation.
func (r *Reconciler) RunOnce(ctx context.Context) []Violation {
	violations, err := r.Check(ctx)
	if err != nil {
		r.logger.ErrorContext(ctx, "reconciliation failed", "err", err)
		return nil
	}
	metrics.AuditViolations.Set(float64(len(violations)))
	for _, v := range violations {
		r.logger.ErrorContext(ctx, "ledger invariant violated",
			"position_id", v.PositionID, "kind", v.Kind, "detail", v.Detail)
	}

	if sum, err := r.store.PoolSummary(ctx); err == nil {
		metrics.OpenPositions.Set(float64(sum.OpenPositions))
	}
	if len(violations) == 0 {
		r.logger.DebugContext(ctx, "reconciliation clean")
	}
	return violations
}

// Run schedules RunOnce on a six-field cron expression (seconds first) until ctx
// is cancelled. One pass runs immediately.
func (r *Reconciler) Run(ctx context.Context, schedule string) error {
	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc(schedule, func() { r.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("audit schedule %q: %w", schedule, err)
	}

	r.RunOnce(ctx)
	c.Start()
	r.logger.Info("reconciler started", "schedule", schedule)

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// ValidateSchedule reports whether schedule parses as a six-field cron expression.
func ValidateSchedule(schedule string) error {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	_, err := parser.Parse(schedule)
	return err
}
