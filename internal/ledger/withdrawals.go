package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/poolbet/ledger-engine/internal/events"
	"github.com/poolbet/ledger-engine/internal/metrics"
	"github.com/poolbet/ledger-engine/internal/model"
	"github.com/poolbet/ledger-engine/internal/store"
)

// RequestWithdrawal reserves amount plus its fee against the investor's
// balance. The balance check and the insert run in one transaction holding
// the investor lock, so two concurrent requests cannot both spend the same
// funds.
func (s *Service) RequestWithdrawal(ctx context.Context, actor model.Actor, investorID string, amount int64) (*model.WithdrawalRequest, error) {
	if err := requireSelf(actor, investorID); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidAmount, amount)
	}

	w := &model.WithdrawalRequest{
		ID:         uuid.NewString(),
		InvestorID: investorID,
		Amount:     amount,
		Fee:        s.opts.WithdrawalFees.Fee(amount),
		Status:     model.WithdrawalPending,
		CreatedAt:  s.now(),
	}

	err := s.run(ctx, "request_withdrawal", []string{investorLock(investorID)}, func(ctx context.Context, tx store.Tx) error {
		if err := tx.LockInvestor(ctx, investorID); err != nil {
			return err
		}
		totals, err := tx.BalanceTotals(ctx, investorID)
		if err != nil {
			return err
		}
		if available := Available(totals); w.Reserved() > available {
			return fmt.Errorf("%w: requested %d + fee %d, available %d",
				ErrInsufficientFunds, w.Amount, w.Fee, available)
		}
		return tx.InsertWithdrawal(ctx, w)
	})
	if err != nil {
		return nil, err
	}

	metrics.WithdrawalsTotal.WithLabelValues(string(model.WithdrawalPending)).Inc()
	s.logger.InfoContext(ctx, "withdrawal requested",
		"id", w.ID, "investor_id", investorID, "amount", w.Amount, "fee", w.Fee)
	s.publish(ctx, s.newEvent(events.WithdrawalRequested, investorID, "", w))
	return w, nil
}

// ResolveWithdrawal approves or rejects a pending request exactly once.
// Rejecting releases the reservation; approving keeps it as paid out.
func (s *Service) ResolveWithdrawal(ctx context.Context, actor model.Actor, withdrawalID string, status model.WithdrawalStatus) (*model.WithdrawalRequest, error) {
	if err := requireRole(actor, model.RoleAdmin, model.RolePayments); err != nil {
		return nil, err
	}
	if status != model.WithdrawalApproved && status != model.WithdrawalRejected {
		return nil, fmt.Errorf("%w: withdrawal can only be approved or rejected, got %q", ErrInvalidStatus, status)
	}
	if withdrawalID == "" {
		return nil, fmt.Errorf("%w: withdrawal id is required", ErrInvalidInput)
	}

	var out *model.WithdrawalRequest
	err := s.run(ctx, "resolve_withdrawal", []string{"withdrawal:" + withdrawalID}, func(ctx context.Context, tx store.Tx) error {
		w, err := tx.LockWithdrawal(ctx, withdrawalID)
		if err != nil {
			return err
		}
		if w.Status != model.WithdrawalPending {
			return fmt.Errorf("%w: %s is %s", ErrWithdrawalFinal, withdrawalID, w.Status)
		}
		if err := tx.LockInvestor(ctx, w.InvestorID); err != nil {
			return err
		}
		now := s.now()
		if err := tx.UpdateWithdrawalStatus(ctx, w.ID, status, now); err != nil {
			return err
		}
		w.Status = status
		w.ResolvedAt = &now
		out = w
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.WithdrawalsTotal.WithLabelValues(string(status)).Inc()
	s.logger.InfoContext(ctx, "withdrawal resolved",
		"id", out.ID, "investor_id", out.InvestorID, "status", status)
	s.publish(ctx, s.newEvent(events.WithdrawalResolved, out.InvestorID, "", out))
	return out, nil
}

// ListWithdrawals returns an investor's withdrawal requests.
func (s *Service) ListWithdrawals(ctx context.Context, actor model.Actor, investorID string) ([]model.WithdrawalRequest, error) {
	if err := requireSelf(actor, investorID); err != nil {
		return nil, err
	}
	out, err := s.store.ListWithdrawals(ctx, investorID)
	if err != nil {
		return nil, translate(err)
	}
	return out, nil
}

// GetWithdrawal returns one withdrawal request. Investors may only read
// their own.
func (s *Service) GetWithdrawal(ctx context.Context, actor model.Actor, withdrawalID string) (*model.WithdrawalRequest, error) {
	if err := requireAuthenticated(actor); err != nil {
		return nil, err
	}
	if withdrawalID == "" {
		return nil, fmt.Errorf("%w: withdrawal id is required", ErrInvalidInput)
	}
	w, err := s.store.GetWithdrawal(ctx, withdrawalID)
	if err != nil {
		return nil, translate(err)
	}
	if actor.Role == model.RoleInvestor {
		if err := requireSelf(actor, w.InvestorID); err != nil {
			return nil, err
		}
	}
	return w, nil
}
