// workers/reconciler.go
package workers

import (
	"context"
	"errors"
	"log"
	"strconv"
	"sync/atomic"
	"time"

	"gorm.io/gorm"

	"confio-referral-engine/chain"
	"confio-referral-engine/models"
	"confio-referral-engine/services"
	"confio-referral-engine/utils"
)

// Reconciler periodically closes the gap between the off-chain referral
// store and the on-chain vault: it backfills pending placeholders, emits
// catch-up events for credits and claims that happened on chain, and
// re-issues dropped submissions with bounded backoff.
type Reconciler struct {
	DB         *gorm.DB
	Vault      chain.Vault
	Dispatcher *services.Dispatcher

	Interval   time.Duration
	MaxRetries int

	// In-memory heartbeat counters (not persisted; the advisory DB row is).
	ticks    atomic.Int64
	okTicks  atomic.Int64
	lastTick atomic.Int64 // unix seconds
}

func NewReconciler(db *gorm.DB, vault chain.Vault, dispatcher *services.Dispatcher) *Reconciler {
	return &Reconciler{
		DB:         db,
		Vault:      vault,
		Dispatcher: dispatcher,
		Interval:   utils.GetenvSeconds("RECONCILE_INTERVAL_SECONDS", 60*time.Second),
		MaxRetries: utils.GetenvInt("MAX_RETRIES", 5),
	}
}

// Ticks returns (total, ok) tick counts since process start.
func (r *Reconciler) Ticks() (int64, int64) {
	return r.ticks.Load(), r.okTicks.Load()
}

// Run loops until the context is cancelled. The first tick fires
// immediately so a fresh deploy reconciles without waiting a full interval.
func (r *Reconciler) Run(ctx context.Context) {
	log.Printf("🔁 Starting referral reconciler (every %s)…", r.Interval)

	if err := r.RunOnce(ctx); err != nil {
		log.Printf("⚠️ Initial reconcile failed: %v", err)
	}

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("⏹️ Referral reconciler stopped")
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				log.Printf("❌ Reconcile tick failed: %v", err)
			}
		}
	}
}

// RunOnce executes one reconcile tick over every referral with at least one
// non-terminal role.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	tickAt := time.Now().UTC()
	r.ticks.Add(1)
	r.lastTick.Store(tickAt.Unix())

	open := []models.RewardStatus{models.RewardStatusPending, models.RewardStatusEligible}
	var refs []models.UserReferral
	if err := r.DB.
		Where("referee_reward_status IN ? OR referrer_reward_status IN ?", open, open).
		Find(&refs).Error; err != nil {
		r.writeHeartbeat(tickAt, false)
		return err
	}

	ok := true
	for i := range refs {
		if ctx.Err() != nil {
			r.writeHeartbeat(tickAt, false)
			return ctx.Err()
		}
		if err := r.reconcileReferral(ctx, &refs[i]); err != nil {
			ok = false
			log.Printf("⚠️ reconcile referral %s: %v", refs[i].ID, err)
		}
	}

	if ok {
		r.okTicks.Add(1)
	}
	r.writeHeartbeat(tickAt, ok)
	return nil
}

func (r *Reconciler) reconcileReferral(ctx context.Context, ref *models.UserReferral) error {
	// Placeholder invariant: a referral_pending row exists for every
	// registered role as long as the referral does.
	err := r.DB.Transaction(func(tx *gorm.DB) error {
		if err := r.Dispatcher.Ledger.UpsertPending(tx, ref.ReferredUserID, ref, models.RoleReferee); err != nil {
			return err
		}
		if ref.ReferrerUserID != nil {
			return r.Dispatcher.Ledger.UpsertPending(tx, *ref.ReferrerUserID, ref, models.RoleReferrer)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if ref.RefereeAddress == "" {
		return nil // no wallet yet; nothing can exist on chain
	}

	box, round, err := r.readBox(ctx, ref.RefereeAddress)
	if err != nil {
		return err
	}

	for _, role := range []models.RewardRole{models.RoleReferee, models.RoleReferrer} {
		if ref.RoleUserID(role) == "" {
			continue
		}
		if err := r.reconcileRole(ctx, ref, role, box, round); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) readBox(ctx context.Context, address string) (*chain.VaultBox, uint64, error) {
	box, round, err := r.Vault.ReadBox(ctx, address)
	if errors.Is(err, chain.ErrBoxNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return box, round, nil
}

func (r *Reconciler) reconcileRole(ctx context.Context, ref *models.UserReferral, role models.RewardRole, box *chain.VaultBox, round uint64) error {
	tag := chain.RoleTagReferee
	if role == models.RoleReferrer {
		tag = chain.RoleTagReferrer
	}
	var credited, claimed uint64
	if box != nil {
		credited, claimed = box.AmountFor(tag)
	}
	txRef := strconv.FormatUint(round, 10)

	switch ref.RoleStatus(role) {
	case models.RewardStatusPending:
		if credited == 0 {
			// A deferred or crashed first-transaction trigger leaves the role
			// pending with nothing on chain; the wallet mirror still knows the
			// transaction settled.
			return r.replayMissedFirstTransaction(ctx, ref, role)
		}
		if claimed > credited {
			return r.flagIntegrity(ref, role, credited, claimed)
		}
		// Credited on chain without an off-chain record: catch up.
		res, err := r.Dispatcher.ApplyTransition(ctx, ref.ID, role, services.TransitionInput{
			Input:  services.InputBecameEligible,
			Amount: chain.FromMicroConfio(credited),
		})
		if err != nil {
			return err
		}
		*ref = res.Referral
		if claimed == credited {
			// The user already claimed too; confirm in the same pass.
			res, err = r.Dispatcher.ApplyTransition(ctx, ref.ID, role, services.TransitionInput{
				Input: services.InputClaimConfirmed,
				TxRef: txRef,
			})
			if err != nil {
				return err
			}
			*ref = res.Referral
		}
		return nil

	case models.RewardStatusEligible:
		switch {
		case credited > 0 && claimed > credited:
			return r.flagIntegrity(ref, role, credited, claimed)
		case credited > 0 && claimed == credited:
			res, err := r.Dispatcher.ApplyTransition(ctx, ref.ID, role, services.TransitionInput{
				Input: services.InputClaimConfirmed,
				TxRef: txRef,
			})
			if err != nil {
				return err
			}
			*ref = res.Referral
			return nil
		case credited > 0:
			return nil // credited, waiting for the user to claim
		default:
			// Eligible off-chain but never credited on chain: the submit was
			// dropped (crash, rejection). Retry with backoff, give up after
			// the budget.
			attempts, nextRetry, lastErr := roleBookkeeping(ref, role)
			if attempts >= r.MaxRetries {
				log.Printf("🚨 Referral %s (%s) exhausted %d submission attempts, marking failed", ref.ID, role, attempts)
				res, err := r.Dispatcher.ApplyTransition(ctx, ref.ID, role, services.TransitionInput{
					Input:  services.InputChainRejected,
					Reason: lastErr,
				})
				if err != nil {
					return err
				}
				*ref = res.Referral
				return nil
			}
			if nextRetry != nil && nextRetry.After(time.Now().UTC()) {
				return nil // still backing off
			}
			r.Dispatcher.SubmitEligibility(ctx, *ref, role)
			return nil
		}

	case models.RewardStatusClaimed:
		if credited > 0 && claimed < credited {
			return r.flagIntegrity(ref, role, credited, claimed)
		}
	}
	return nil
}

// replayMissedFirstTransaction re-feeds role_became_eligible for a pending
// role whose referee wallet has a settled first transaction on record. This
// is how a trigger that timed out (or died) before committing gets picked
// back up.
func (r *Reconciler) replayMissedFirstTransaction(ctx context.Context, ref *models.UserReferral, role models.RewardRole) error {
	var settled int64
	if err := r.DB.Model(&models.WalletMirror{}).
		Where("user_id = ? AND first_transaction_made = ?", ref.ReferredUserID, true).
		Count(&settled).Error; err != nil {
		return err
	}
	if settled == 0 {
		return nil // off-chain and on-chain agree: nothing settled yet
	}

	log.Printf("🔁 Replaying missed first-transaction trigger for referral %s (%s)", ref.ID, role)
	res, err := r.Dispatcher.ApplyTransition(ctx, ref.ID, role, services.TransitionInput{
		Input:  services.InputBecameEligible,
		Amount: ref.RoleAmount(role),
	})
	if err != nil {
		return err
	}
	*ref = res.Referral
	if res.Transition.SubmitSetEligible {
		r.Dispatcher.SubmitEligibility(ctx, *ref, role)
	}
	return nil
}

// flagIntegrity logs an off-chain/on-chain divergence the engine must not
// auto-correct.
func (r *Reconciler) flagIntegrity(ref *models.UserReferral, role models.RewardRole, credited, claimed uint64) error {
	log.Printf("🚨 INTEGRITY: referral %s (%s) box credited=%d claimed=%d contradicts off-chain status %s",
		ref.ID, role, credited, claimed, ref.RoleStatus(role))
	return services.ErrIntegrityViolation
}

func roleBookkeeping(ref *models.UserReferral, role models.RewardRole) (int, *time.Time, string) {
	if role == models.RoleReferrer {
		return ref.ReferrerAttempts, ref.ReferrerNextRetryAt, ref.ReferrerLastError
	}
	return ref.RefereeAttempts, ref.RefereeNextRetryAt, ref.RefereeLastError
}

func (r *Reconciler) writeHeartbeat(tickAt time.Time, ok bool) {
	var hb models.ReconcilerHeartbeat
	err := r.DB.Where("id = ?", 1).First(&hb).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		hb = models.ReconcilerHeartbeat{ID: 1, LastTickAt: tickAt}
		if ok {
			hb.LastOKAt = tickAt
		}
		if err := r.DB.Create(&hb).Error; err != nil {
			log.Printf("❌ heartbeat insert failed: %v", err)
		}
		return
	}
	if err != nil {
		log.Printf("❌ heartbeat read failed: %v", err)
		return
	}
	hb.LastTickAt = tickAt
	if ok {
		hb.LastOKAt = tickAt
	}
	if err := r.DB.Save(&hb).Error; err != nil {
		log.Printf("❌ heartbeat update failed: %v", err)
	}
}
