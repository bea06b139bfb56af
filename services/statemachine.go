package services

import (
	"fmt"

	"github.com/shopspring/decimal"

	"confio-referral-engine/models"
)

// RewardInput is a named input fed to the per-role reward state machine.
type RewardInput string

const (
	InputBecameEligible RewardInput = "role_became_eligible"
	InputSkipped        RewardInput = "role_skipped"
	InputChainRejected  RewardInput = "chain_rejected"
	InputClaimConfirmed RewardInput = "claim_confirmed"
	InputRetryRequested RewardInput = "retry_requested"
)

// TransitionInput carries an input plus its payload.
type TransitionInput struct {
	Input  RewardInput
	Amount decimal.Decimal // role_became_eligible: CONFIO amount
	Reason string          // role_skipped / chain_rejected
	TxRef  string          // claim_confirmed: chain tx id or box round
}

// EventSpec describes the ledger row a transition emits.
type EventSpec struct {
	Trigger      models.RewardTrigger
	RewardStatus models.RewardStatus
	Amount       decimal.Decimal
	TxRef        string
	Metadata     models.JSONMap
}

// Transition is the result of feeding one input to one role. The state
// machine never touches storage or the chain; it only describes what the
// caller must do inside its transaction (Emit) and after commit
// (SubmitSetEligible / SubmitSkip).
type Transition struct {
	From models.RewardStatus
	To   models.RewardStatus

	// Noop: the input is redundant (the role already absorbed it). The
	// caller commits nothing and reports success — this is what makes
	// duplicate triggers idempotent.
	Noop bool

	Emit              *EventSpec
	SubmitSetEligible bool
	SubmitSkip        bool
}

// NextRewardState maps (current status, input) to the next status for one
// role. Illegal inputs return ErrIllegalTransition; redundant inputs return
// a Noop transition.
func NextRewardState(role models.RewardRole, current models.RewardStatus, in TransitionInput) (Transition, error) {
	tr := Transition{From: current, To: current}

	switch current {
	case models.RewardStatusPending:
		switch in.Input {
		case InputBecameEligible:
			tr.To = models.RewardStatusEligible
			tr.SubmitSetEligible = true
			tr.Emit = &EventSpec{
				Trigger:      models.TriggerFor(role, models.RewardStatusEligible),
				RewardStatus: models.RewardStatusEligible,
				Amount:       in.Amount,
			}
			return tr, nil
		case InputSkipped:
			tr.To = models.RewardStatusSkipped
			tr.Emit = &EventSpec{
				Trigger:      models.TriggerFor(role, models.RewardStatusSkipped),
				RewardStatus: models.RewardStatusSkipped,
				Metadata:     models.JSONMap{"reason": in.Reason},
			}
			return tr, nil
		case InputChainRejected:
			tr.To = models.RewardStatusFailed
			tr.Emit = &EventSpec{
				Trigger:      models.TriggerFor(role, models.RewardStatusFailed),
				RewardStatus: models.RewardStatusFailed,
				Metadata:     models.JSONMap{"reason": in.Reason},
			}
			return tr, nil
		case InputRetryRequested:
			tr.Noop = true
			return tr, nil
		}

	case models.RewardStatusEligible:
		switch in.Input {
		case InputClaimConfirmed:
			tr.To = models.RewardStatusClaimed
			tr.Emit = &EventSpec{
				Trigger:      models.TriggerFor(role, models.RewardStatusClaimed),
				RewardStatus: models.RewardStatusClaimed,
				TxRef:        in.TxRef,
			}
			return tr, nil
		case InputSkipped:
			tr.To = models.RewardStatusSkipped
			tr.SubmitSkip = true
			tr.Emit = &EventSpec{
				Trigger:      models.TriggerFor(role, models.RewardStatusSkipped),
				RewardStatus: models.RewardStatusSkipped,
				Metadata:     models.JSONMap{"reason": in.Reason},
			}
			return tr, nil
		case InputChainRejected:
			tr.To = models.RewardStatusFailed
			tr.Emit = &EventSpec{
				Trigger:      models.TriggerFor(role, models.RewardStatusFailed),
				RewardStatus: models.RewardStatusFailed,
				Metadata:     models.JSONMap{"reason": in.Reason},
			}
			return tr, nil
		case InputBecameEligible:
			tr.Noop = true
			return tr, nil
		}

	case models.RewardStatusFailed:
		switch in.Input {
		case InputRetryRequested:
			// Rewind; failure metadata is cleared by the caller, no event.
			tr.To = models.RewardStatusPending
			return tr, nil
		case InputChainRejected:
			tr.Noop = true
			return tr, nil
		}

	case models.RewardStatusClaimed:
		if in.Input == InputClaimConfirmed {
			tr.Noop = true
			return tr, nil
		}

	case models.RewardStatusSkipped:
		if in.Input == InputSkipped {
			tr.Noop = true
			return tr, nil
		}
	}

	return tr, fmt.Errorf("%w: %s %s + %s", ErrIllegalTransition, role, current, in.Input)
}

// ResolveConcurrent states the tie-break for role_became_eligible and
// role_skipped arriving in the same tick: skipped wins only when the referral
// itself has been deactivated. The dispatcher realizes this ordering
// structurally rather than by calling it: the row lock serializes the two
// inputs and whichever loses finds the role already terminal, so this is the
// single place the rule is written down (and pinned by its test).
func ResolveConcurrent(referralStatus models.ReferralStatus, eligible, skipped TransitionInput) TransitionInput {
	if referralStatus == models.ReferralStatusInactive {
		return skipped
	}
	return eligible
}

// ProjectReferralStatus recomputes the referral-level status from its role
// statuses. Inactive is sticky: only an admin sets it and nothing clears it.
func ProjectReferralStatus(r *models.UserReferral) models.ReferralStatus {
	if r.Status == models.ReferralStatusInactive {
		return models.ReferralStatusInactive
	}
	if r.RefereeRewardStatus == models.RewardStatusClaimed || r.ReferrerRewardStatus == models.RewardStatusClaimed {
		return models.ReferralStatusConverted
	}
	if r.RefereeAddress == "" {
		return models.ReferralStatusPending
	}
	return models.ReferralStatusActive
}

var aggregateRank = map[models.RewardStatus]int{
	models.RewardStatusPending:  0,
	models.RewardStatusSkipped:  1,
	models.RewardStatusFailed:   2,
	models.RewardStatusEligible: 3,
	models.RewardStatusClaimed:  4,
}

// AggregateRewardStatus maintains the legacy single-status column as the
// most-progressed of the two role statuses.
func AggregateRewardStatus(referee, referrer models.RewardStatus) models.RewardStatus {
	if aggregateRank[referrer] > aggregateRank[referee] {
		return referrer
	}
	return referee
}
