package chain

import (
	"context"
	"errors"
	"strings"
)

// Classified vault errors. Callers branch with errors.Is; anything the
// adapter could not classify is wrapped as ErrChainUnavailable.
var (
	// ErrBoxNotFound: no referral box exists for the participant address.
	ErrBoxNotFound = errors.New("vault box not found")

	// ErrChainUnavailable: transient node/network failure; safe to retry.
	ErrChainUnavailable = errors.New("chain unavailable")

	// ErrAlreadyApplied: the box already reflects the requested state.
	// The contract enforces idempotency; callers treat this as success.
	ErrAlreadyApplied = errors.New("already applied on chain")

	// ErrVaultUnderfunded: the vault holds too little CONFIO to credit the
	// reward. Retried indefinitely; never counts toward the failure budget.
	ErrVaultUnderfunded = errors.New("vault underfunded")

	// ErrRejected: the contract refused the call for a non-transient reason.
	ErrRejected = errors.New("rejected by vault contract")
)

// classify maps raw algod errors onto the sentinel set above.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrChainUnavailable
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "box not found"):
		return ErrBoxNotFound
	case strings.Contains(msg, "underflow"),
		strings.Contains(msg, "balance") && strings.Contains(msg, "below min"),
		strings.Contains(msg, "insufficient"):
		return ErrVaultUnderfunded
	case strings.Contains(msg, "logic eval error"),
		strings.Contains(msg, "rejected"),
		strings.Contains(msg, "assert failed"):
		return ErrRejected
	default:
		return ErrChainUnavailable
	}
}
