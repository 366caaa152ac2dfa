package ledger

import (
	"errors"
	"fmt"

	"github.com/poolbet/ledger-engine/internal/settlement"
	"github.com/poolbet/ledger-engine/internal/store"
)

// Validation errors. Returned before anything is written.
var (
	ErrInvalidAmount   = errors.New("ledger: amount must be positive")
	ErrInvalidStake    = errors.New("ledger: stake must be positive")
	ErrInvalidOdds     = errors.New("ledger: invalid odds")
	ErrInvalidInvestor = errors.New("ledger: investor id is required")
	ErrInvalidInput    = errors.New("ledger: invalid input")

	// ErrInvalidStatus is shared with the settlement package so either
	// sentinel matches.
	ErrInvalidStatus = settlement.ErrInvalidStatus
)

// Business-rule errors. Expected outcomes the caller should render.
var (
	ErrNoEligibleInvestors   = settlement.ErrNoEligibleInvestors
	ErrInsufficientFunds     = errors.New("ledger: insufficient funds")
	ErrDuplicateContribution = errors.New("ledger: duplicate contribution")
	ErrContributionFinal     = errors.New("ledger: contribution status is final")
	ErrWithdrawalFinal       = errors.New("ledger: withdrawal already resolved")
	ErrLimitExceeded         = errors.New("ledger: position limit exceeded")
	ErrNotFound              = errors.New("ledger: not found")
	ErrForbidden             = errors.New("ledger: forbidden")
)

// ErrUnavailable is the transient "retry later" signal. Storage failures
// and exhausted conflict retries surface as this error.
var ErrUnavailable = errors.New("ledger: temporarily unavailable, retry later")

var domainErrors = []error{
	ErrInvalidAmount, ErrInvalidStake, ErrInvalidOdds, ErrInvalidInvestor, ErrInvalidInput,
	ErrInvalidStatus, ErrNoEligibleInvestors, ErrInsufficientFunds, ErrDuplicateContribution,
	ErrContributionFinal, ErrWithdrawalFinal, ErrLimitExceeded, ErrNotFound, ErrForbidden,
	ErrUnavailable,
}

// translate maps an error escaping a transaction onto the ledger taxonomy.
func translate(err error) error {
	if err == nil {
		return nil
	}
	for _, d := range domainErrors {
		if errors.Is(err, d) {
			return err
		}
	}
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func retryable(err error) bool {
	return errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrLockHeld)
}
