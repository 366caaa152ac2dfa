package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/poolbet/ledger-engine/internal/events"
	"github.com/poolbet/ledger-engine/internal/metrics"
	"github.com/poolbet/ledger-engine/internal/model"
	"github.com/poolbet/ledger-engine/internal/store"
)

// ContributionInput is a deposit reported by the payment collaborator.
type ContributionInput struct {
	InvestorID string
	Amount     int64
	PaymentRef string // processor idempotency key

	// Status defaults to succeeded. ConfirmedAt defaults to now for a
	// succeeded contribution and is ignored for a pending one.
	Status      model.ContributionStatus
	ConfirmedAt *time.Time
}

// RecordContribution appends a contribution. Replaying a payment reference
// fails with ErrDuplicateContribution and changes nothing.
func (s *Service) RecordContribution(ctx context.Context, actor model.Actor, in ContributionInput) (*model.Contribution, error) {
	if err := requireRole(actor, model.RolePayments, model.RoleAdmin); err != nil {
		return nil, err
	}
	in.InvestorID = strings.TrimSpace(in.InvestorID)
	in.PaymentRef = strings.TrimSpace(in.PaymentRef)
	switch {
	case in.InvestorID == "":
		return nil, ErrInvalidInvestor
	case in.Amount <= 0:
		return nil, fmt.Errorf("%w: got %d", ErrInvalidAmount, in.Amount)
	case in.PaymentRef == "":
		return nil, fmt.Errorf("%w: payment reference is required", ErrInvalidInput)
	}
	if in.Status == "" {
		in.Status = model.ContributionSucceeded
	}
	if !in.Status.Valid() {
		return nil, fmt.Errorf("%w: contribution status %q", ErrInvalidStatus, in.Status)
	}

	now := s.now()
	c := &model.Contribution{
		ID:         uuid.NewString(),
		InvestorID: in.InvestorID,
		Amount:     in.Amount,
		PaymentRef: in.PaymentRef,
		Status:     in.Status,
		CreatedAt:  now,
	}
	switch in.Status {
	case model.ContributionSucceeded:
		confirmed := now
		if in.ConfirmedAt != nil {
			confirmed = in.ConfirmedAt.UTC()
		}
		c.ConfirmedAt = &confirmed
	case model.ContributionFailed:
		c.ConfirmedAt = in.ConfirmedAt
	}

	err := s.run(ctx, "record_contribution", []string{investorLock(c.InvestorID)}, func(ctx context.Context, tx store.Tx) error {
		if err := tx.LockInvestor(ctx, c.InvestorID); err != nil {
			return err
		}
		if err := tx.InsertContribution(ctx, c); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return fmt.Errorf("%w: payment ref %s", ErrDuplicateContribution, c.PaymentRef)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.ContributionsTotal.WithLabelValues(string(c.Status)).Inc()
	if c.Status == model.ContributionSucceeded {
		metrics.ContributedVolume.Add(float64(c.Amount))
	}
	s.logger.InfoContext(ctx, "contribution recorded",
		slog.String("id", c.ID),
		slog.String("investor_id", c.InvestorID),
		slog.Int64("amount", c.Amount),
		slog.String("status", string(c.Status)),
	)
	s.publish(ctx, s.newEvent(events.ContributionRecorded, c.InvestorID, "", c))
	return c, nil
}

// UpdateContributionStatus confirms or fails a pending contribution.
// Repeating the current status is a no-op; any other change to a settled
// contribution fails with ErrContributionFinal.
func (s *Service) UpdateContributionStatus(ctx context.Context, actor model.Actor, paymentRef string, status model.ContributionStatus, confirmedAt *time.Time) (*model.Contribution, error) {
	if err := requireRole(actor, model.RolePayments, model.RoleAdmin); err != nil {
		return nil, err
	}
	if paymentRef == "" {
		return nil, fmt.Errorf("%w: payment reference is required", ErrInvalidInput)
	}
	if status != model.ContributionSucceeded && status != model.ContributionFailed {
		return nil, fmt.Errorf("%w: contribution can only move to succeeded or failed, got %q", ErrInvalidStatus, status)
	}

	var (
		out     *model.Contribution
		changed bool
	)
	err := s.run(ctx, "update_contribution", []string{"contribution:" + paymentRef}, func(ctx context.Context, tx store.Tx) error {
		changed = false
		c, err := tx.LockContribution(ctx, paymentRef)
		if err != nil {
			return err
		}
		if c.Status == status {
			out = c
			return nil
		}
		if c.Status != model.ContributionPending {
			return fmt.Errorf("%w: %s is %s", ErrContributionFinal, paymentRef, c.Status)
		}
		if err := tx.LockInvestor(ctx, c.InvestorID); err != nil {
			return err
		}

		var at *time.Time
		if status == model.ContributionSucceeded {
			ts := s.now()
			if confirmedAt != nil {
				ts = confirmedAt.UTC()
			}
			at = &ts
		}
		if err := tx.UpdateContributionStatus(ctx, c.ID, status, at); err != nil {
			return err
		}
		c.Status = status
		c.ConfirmedAt = at
		out, changed = c, true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		metrics.ContributionsTotal.WithLabelValues(string(status)).Inc()
		if status == model.ContributionSucceeded {
			metrics.ContributedVolume.Add(float64(out.Amount))
		}
		s.logger.InfoContext(ctx, "contribution status updated",
			"id", out.ID, "investor_id", out.InvestorID, "status", status)
		s.publish(ctx, s.newEvent(events.ContributionUpdated, out.InvestorID, "", out))
	}
	return out, nil
}

// TotalConfirmed returns Σ succeeded contributions of investorID confirmed
// at or before asOf.
func (s *Service) TotalConfirmed(ctx context.Context, investorID string, asOf time.Time) (int64, error) {
	if investorID == "" {
		return 0, ErrInvalidInvestor
	}
	capital, err := s.store.ConfirmedCapital(ctx, asOf)
	if err != nil {
		return 0, translate(err)
	}
	for _, c := range capital {
		if c.InvestorID == investorID {
			return c.Amount, nil
		}
	}
	return 0, nil
}

// ListContributions returns an investor's contribution history.
func (s *Service) ListContributions(ctx context.Context, actor model.Actor, investorID string) ([]model.Contribution, error) {
	if err := requireSelf(actor, investorID); err != nil {
		return nil, err
	}
	out, err := s.store.ListContributions(ctx, investorID)
	if err != nil {
		return nil, translate(err)
	}
	return out, nil
}

// GetContribution looks up a contribution by its payment reference. The
// payment collaborator uses it to reconcile its own records.
func (s *Service) GetContribution(ctx context.Context, actor model.Actor, paymentRef string) (*model.Contribution, error) {
	if err := requireRole(actor, model.RoleAdmin, model.RolePayments); err != nil {
		return nil, err
	}
	if paymentRef == "" {
		return nil, fmt.Errorf("%w: payment reference is required", ErrInvalidInput)
	}
	c, err := s.store.GetContributionByRef(ctx, paymentRef)
	if err != nil {
		return nil, translate(err)
	}
	return c, nil
}
