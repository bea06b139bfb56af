// services/dispatcher.go
package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"confio-referral-engine/chain"
	"confio-referral-engine/models"
	"confio-referral-engine/utils"
)

// Dispatcher hosts the narrow entry points external collaborators invoke:
// the first-transaction detector, admin deactivation, the claim webhook and
// manual retries. Every transition commits its referral update and ledger
// write in one transaction holding the referral row lock; chain submissions
// happen after commit, so a crash in between is healed by the reconciler.
type Dispatcher struct {
	DB        *gorm.DB
	Referrals *ReferralService
	Ledger    *LedgerService
	Vault     chain.Vault

	Timeout     time.Duration // per-trigger bound
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func NewDispatcher(db *gorm.DB, referrals *ReferralService, ledger *LedgerService, vault chain.Vault) *Dispatcher {
	return &Dispatcher{
		DB:          db,
		Referrals:   referrals,
		Ledger:      ledger,
		Vault:       vault,
		Timeout:     5 * time.Second,
		MaxRetries:  utils.GetenvInt("MAX_RETRIES", 5),
		BackoffBase: utils.GetenvSeconds("BACKOFF_BASE_SECONDS", 2*time.Second),
		BackoffCap:  utils.GetenvSeconds("BACKOFF_CAP_SECONDS", 5*time.Minute),
	}
}

// ApplyResult reports what a transition did, with the referral as committed.
type ApplyResult struct {
	Referral   models.UserReferral
	Transition Transition
}

// ApplyTransition feeds one input to one role inside a serializable
// transaction. Chain submissions described by the returned Transition are
// the caller's responsibility (after commit).
func (d *Dispatcher) ApplyTransition(ctx context.Context, referralID string, role models.RewardRole, in TransitionInput) (ApplyResult, error) {
	var res ApplyResult
	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ref models.UserReferral
		if err := lockForUpdate(tx).Where("id = ?", referralID).First(&ref).Error; err != nil {
			return err
		}

		userID := ref.RoleUserID(role)
		if userID == "" {
			// Unregistered referrer: no off-chain reward side to advance.
			res = ApplyResult{Referral: ref, Transition: Transition{From: ref.RoleStatus(role), To: ref.RoleStatus(role), Noop: true}}
			return nil
		}

		current := ref.RoleStatus(role)
		tr, err := NextRewardState(role, current, in)
		if err != nil {
			return err
		}
		if tr.Noop {
			res = ApplyResult{Referral: ref, Transition: tr}
			return nil
		}

		switch in.Input {
		case InputBecameEligible:
			// The credited amount (trigger payload or on-chain box) becomes
			// authoritative while the role is still pending.
			if in.Amount.IsPositive() && !in.Amount.Equal(ref.RoleAmount(role)) {
				ref.SetRoleAmount(role, in.Amount)
			}
		case InputRetryRequested:
			d.clearFailure(&ref, role)
		}

		ref.SetRoleStatus(role, tr.To)
		ref.RewardStatus = AggregateRewardStatus(ref.RefereeRewardStatus, ref.ReferrerRewardStatus)
		ref.Status = ProjectReferralStatus(&ref)

		if err := d.ensurePlaceholders(tx, &ref); err != nil {
			return err
		}
		if tr.Emit != nil {
			if err := d.recordEvent(tx, &ref, role, tr.Emit); err != nil {
				return err
			}
		}
		if err := tx.Save(&ref).Error; err != nil {
			return err
		}
		res = ApplyResult{Referral: ref, Transition: tr}
		return nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Printf("⚠️ Trigger %s on referral %s deferred: deadline exceeded", in.Input, referralID)
			return res, ErrDeferred
		}
		return res, err
	}
	return res, nil
}

// OnUserFirstSettledTransaction makes the referee — and the referrer when
// registered — reward-eligible once the referee's first transaction settles.
// Calling it again is a no-op.
func (d *Dispatcher) OnUserFirstSettledTransaction(ctx context.Context, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	ref, found, err := d.Referrals.FindByReferee(userID)
	if err != nil {
		return err
	}
	if !found {
		log.Printf("first settled transaction for %s: no referral, nothing to do", userID)
		return nil
	}

	for _, role := range []models.RewardRole{models.RoleReferee, models.RoleReferrer} {
		if ref.RoleUserID(role) == "" || ref.RoleStatus(role).IsTerminal() {
			continue
		}
		res, err := d.ApplyTransition(ctx, ref.ID, role, TransitionInput{
			Input:  InputBecameEligible,
			Amount: ref.RoleAmount(role),
		})
		if err != nil {
			return err
		}
		if res.Transition.SubmitSetEligible {
			d.SubmitEligibility(ctx, res.Referral, role)
		}
	}
	return nil
}

// OnAdminMarkInactive deactivates the referral and skips every non-terminal
// role, all in one transaction.
func (d *Dispatcher) OnAdminMarkInactive(ctx context.Context, referralID, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	var skips []chain.RoleTag
	var refereeAddr string
	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ref models.UserReferral
		if err := lockForUpdate(tx).Where("id = ?", referralID).First(&ref).Error; err != nil {
			return err
		}
		ref.Status = models.ReferralStatusInactive
		refereeAddr = ref.RefereeAddress

		for _, role := range []models.RewardRole{models.RoleReferee, models.RoleReferrer} {
			if ref.RoleUserID(role) == "" || ref.RoleStatus(role).IsTerminal() {
				continue
			}
			tr, err := NextRewardState(role, ref.RoleStatus(role), TransitionInput{Input: InputSkipped, Reason: reason})
			if err != nil {
				return err
			}
			if tr.Noop {
				continue
			}
			ref.SetRoleStatus(role, tr.To)
			if tr.Emit != nil {
				if err := d.recordEvent(tx, &ref, role, tr.Emit); err != nil {
					return err
				}
			}
			if tr.SubmitSkip {
				tag := chain.RoleTagReferee
				if role == models.RoleReferrer {
					tag = chain.RoleTagReferrer
				}
				skips = append(skips, tag)
			}
		}
		ref.RewardStatus = AggregateRewardStatus(ref.RefereeRewardStatus, ref.ReferrerRewardStatus)
		return tx.Save(&ref).Error
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrDeferred
		}
		return err
	}

	// Forfeit already-credited rewards on chain, post-commit.
	for _, tag := range skips {
		if _, err := d.Vault.SubmitSkip(ctx, tag, refereeAddr); err != nil && !errors.Is(err, chain.ErrAlreadyApplied) {
			log.Printf("⚠️ skip submission for referral %s (tag %d) failed: %v", referralID, tag, err)
		}
	}
	log.Printf("⏹️ Referral %s deactivated (%s)", referralID, reason)
	return nil
}

// OnClaimWebhook confirms the on-chain payout for whichever roles are
// currently eligible. The payout already happened; this only records it.
func (d *Dispatcher) OnClaimWebhook(ctx context.Context, address, txRef string) error {
	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	ref, found, err := d.Referrals.FindByAddress(address)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("claim webhook: no referral for address %s", address)
	}

	for _, role := range []models.RewardRole{models.RoleReferee, models.RoleReferrer} {
		if ref.RoleStatus(role) != models.RewardStatusEligible || ref.RoleUserID(role) == "" {
			continue
		}
		if _, err := d.ApplyTransition(ctx, ref.ID, role, TransitionInput{Input: InputClaimConfirmed, TxRef: txRef}); err != nil {
			return err
		}
	}
	return nil
}

// OnManualRetry rewinds a failed role to pending. Admin affordance only;
// records no event.
func (d *Dispatcher) OnManualRetry(ctx context.Context, referralID string, role models.RewardRole) error {
	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	_, err := d.ApplyTransition(ctx, referralID, role, TransitionInput{Input: InputRetryRequested})
	return err
}

// SubmitEligibility issues the set_eligible call for one role and does the
// attempt bookkeeping. Safe to call repeatedly: the adapter reports
// AlreadyApplied once the box reflects the credit.
func (d *Dispatcher) SubmitEligibility(ctx context.Context, ref models.UserReferral, role models.RewardRole) {
	args := chain.SetEligibleArgs{
		RefereeAddress:  ref.RefereeAddress,
		ReferrerAddress: ref.ReferrerAddress,
	}
	if role == models.RoleReferrer {
		args.ReferrerAmount = chain.ToMicroConfio(ref.RewardReferrerConfio)
	} else {
		args.RefereeAmount = chain.ToMicroConfio(ref.RewardRefereeConfio)
	}

	txID, err := d.Vault.SubmitSetEligible(ctx, args)
	switch {
	case err == nil:
		log.Printf("✅ set_eligible submitted for referral %s (%s), tx %s", ref.ID, role, txID)
		d.resetAttempts(ref.ID, role)
	case errors.Is(err, chain.ErrAlreadyApplied):
		d.resetAttempts(ref.ID, role)
	case errors.Is(err, chain.ErrVaultUnderfunded):
		// Operational alert; retried indefinitely without burning attempts.
		log.Printf("🚨 Vault underfunded: cannot credit referral %s (%s)", ref.ID, role)
		d.noteError(ref.ID, role, err)
	case errors.Is(err, chain.ErrRejected):
		log.Printf("❌ set_eligible rejected for referral %s (%s): %v", ref.ID, role, err)
		d.recordRejection(ref.ID, role, err)
	default: // ChainUnavailable and everything unclassified
		log.Printf("⚠️ set_eligible for referral %s (%s) not confirmed: %v", ref.ID, role, err)
	}
}

// backoffDelay returns the capped exponential delay for the n-th attempt.
func (d *Dispatcher) backoffDelay(attempts int) time.Duration {
	delay := d.BackoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= d.BackoffCap {
			return d.BackoffCap
		}
	}
	if delay > d.BackoffCap {
		return d.BackoffCap
	}
	return delay
}

func (d *Dispatcher) resetAttempts(referralID string, role models.RewardRole) {
	cols := map[string]interface{}{"referee_attempts": 0, "referee_next_retry_at": nil, "referee_last_error": ""}
	if role == models.RoleReferrer {
		cols = map[string]interface{}{"referrer_attempts": 0, "referrer_next_retry_at": nil, "referrer_last_error": ""}
	}
	if err := d.DB.Model(&models.UserReferral{}).Where("id = ?", referralID).Updates(cols).Error; err != nil {
		log.Printf("❌ failed to reset attempts for referral %s: %v", referralID, err)
	}
}

func (d *Dispatcher) noteError(referralID string, role models.RewardRole, cause error) {
	col := "referee_last_error"
	if role == models.RoleReferrer {
		col = "referrer_last_error"
	}
	if err := d.DB.Model(&models.UserReferral{}).Where("id = ?", referralID).Update(col, cause.Error()).Error; err != nil {
		log.Printf("❌ failed to note error for referral %s: %v", referralID, err)
	}
}

func (d *Dispatcher) recordRejection(referralID string, role models.RewardRole, cause error) {
	err := d.DB.Transaction(func(tx *gorm.DB) error {
		var ref models.UserReferral
		if err := lockForUpdate(tx).Where("id = ?", referralID).First(&ref).Error; err != nil {
			return err
		}
		if role == models.RoleReferrer {
			ref.ReferrerAttempts++
			next := time.Now().UTC().Add(d.backoffDelay(ref.ReferrerAttempts))
			ref.ReferrerNextRetryAt = &next
			ref.ReferrerLastError = cause.Error()
		} else {
			ref.RefereeAttempts++
			next := time.Now().UTC().Add(d.backoffDelay(ref.RefereeAttempts))
			ref.RefereeNextRetryAt = &next
			ref.RefereeLastError = cause.Error()
		}
		return tx.Save(&ref).Error
	})
	if err != nil {
		log.Printf("❌ failed to record rejection for referral %s: %v", referralID, err)
	}
}

func (d *Dispatcher) clearFailure(ref *models.UserReferral, role models.RewardRole) {
	if role == models.RoleReferrer {
		ref.ReferrerAttempts = 0
		ref.ReferrerNextRetryAt = nil
		ref.ReferrerLastError = ""
		return
	}
	ref.RefereeAttempts = 0
	ref.RefereeNextRetryAt = nil
	ref.RefereeLastError = ""
}

func (d *Dispatcher) ensurePlaceholders(tx *gorm.DB, ref *models.UserReferral) error {
	if err := d.Ledger.UpsertPending(tx, ref.ReferredUserID, ref, models.RoleReferee); err != nil {
		return err
	}
	if ref.ReferrerUserID != nil {
		return d.Ledger.UpsertPending(tx, *ref.ReferrerUserID, ref, models.RoleReferrer)
	}
	return nil
}

func (d *Dispatcher) recordEvent(tx *gorm.DB, ref *models.UserReferral, role models.RewardRole, spec *EventSpec) error {
	amount := spec.Amount
	if spec.RewardStatus == models.RewardStatusClaimed {
		amount = ref.RoleAmount(role)
	}
	md := models.JSONMap{}
	for k, v := range spec.Metadata {
		md[k] = v
	}
	if amount.IsPositive() {
		md["amount_display"] = utils.FormatConfio(amount)
	}
	return d.Ledger.Record(tx, RecordParams{
		UserID:       ref.RoleUserID(role),
		ReferralID:   ref.ID,
		Trigger:      spec.Trigger,
		Role:         role,
		Amount:       amount,
		Referee:      ref.RewardRefereeConfio,
		Referrer:     ref.RewardReferrerConfio,
		TxRef:        spec.TxRef,
		OccurredAt:   time.Now().UTC(),
		RewardStatus: spec.RewardStatus,
		Metadata:     md,
	})
}
