package services

import "errors"

var (
	// ErrIllegalTransition: the state machine rejected an input. Surfaced to
	// the caller, never retried.
	ErrIllegalTransition = errors.New("illegal reward state transition")

	// ErrConflictingReferral: the referred user already has a live referral.
	ErrConflictingReferral = errors.New("user already has a referral")

	// ErrSelfReferral: referrer and referee are the same user.
	ErrSelfReferral = errors.New("user cannot refer themselves")

	// ErrRewardAmountLocked: reward amounts are immutable once the referee
	// side has left pending.
	ErrRewardAmountLocked = errors.New("reward amounts are locked")

	// ErrIntegrityViolation: off-chain and on-chain state diverged in a way
	// the reconciler must not auto-correct (e.g. box amounts shrank).
	ErrIntegrityViolation = errors.New("off-chain/on-chain integrity violation")

	// ErrDeferred: the trigger hit its deadline before committing; the
	// reconciler will pick the work up on its next tick.
	ErrDeferred = errors.New("trigger deferred to reconciler")
)
