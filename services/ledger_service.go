// services/ledger_service.go
package services

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"confio-referral-engine/models"
)

// LedgerService is the append-mostly store of ReferralRewardEvent rows.
// Rows are keyed by (user, trigger, referral); amounts never change after
// insert, only the metadata map is merged on repeated writes.
type LedgerService struct {
	DB *gorm.DB
}

func NewLedgerService(db *gorm.DB) *LedgerService {
	return &LedgerService{DB: db}
}

// UpsertPending inserts the referral_pending placeholder for one user if it
// does not exist yet. If a placeholder exists but points at a referral that
// no longer does (it was erased and recreated), only the pointer is repaired.
func (s *LedgerService) UpsertPending(tx *gorm.DB, userID string, referral *models.UserReferral, role models.RewardRole) error {
	if userID == "" {
		return nil // unregistered referrer: nothing to place a hold for
	}
	var ev models.ReferralRewardEvent
	err := tx.Where(`user_id = ? AND "trigger" = ?`, userID, models.TriggerReferralPending).First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		ev = models.ReferralRewardEvent{
			ID:             uuid.NewString(),
			UserID:         userID,
			Trigger:        models.TriggerReferralPending,
			ReferralID:     referral.ID,
			ActorRole:      role,
			Amount:         decimal.Zero,
			RefereeConfio:  referral.RewardRefereeConfio,
			ReferrerConfio: referral.RewardReferrerConfio,
			OccurredAt:     time.Now().UTC(),
			RewardStatus:   models.RewardStatusPending,
			Metadata:       models.JSONMap{},
		}
		return tx.Create(&ev).Error
	}
	if err != nil {
		return err
	}
	if ev.ReferralID != referral.ID {
		// Repair the pointer only when the referral it names is gone
		// (recreated after an erasure request). A referrer with several live
		// referrals keeps the placeholder where it is.
		var live int64
		if err := tx.Model(&models.UserReferral{}).Where("id = ?", ev.ReferralID).Count(&live).Error; err != nil {
			return err
		}
		if live > 0 {
			return nil
		}
		return tx.Model(&ev).Update("referral_id", referral.ID).Error
	}
	return nil
}

// RecordParams describes one ledger write.
type RecordParams struct {
	UserID       string
	ReferralID   string
	Trigger      models.RewardTrigger
	Role         models.RewardRole
	Amount       decimal.Decimal
	Referee      decimal.Decimal
	Referrer     decimal.Decimal
	TxRef        string
	OccurredAt   time.Time
	RewardStatus models.RewardStatus
	Metadata     models.JSONMap
}

// Record upserts an event row keyed by (user, trigger, referral). A later
// call with the same key is a no-op apart from merging the metadata map —
// this is what keeps terminal events unique under retries.
func (s *LedgerService) Record(tx *gorm.DB, p RecordParams) error {
	var ev models.ReferralRewardEvent
	err := tx.Where(`user_id = ? AND "trigger" = ? AND referral_id = ?`, p.UserID, p.Trigger, p.ReferralID).First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		ev = models.ReferralRewardEvent{
			ID:                   uuid.NewString(),
			UserID:               p.UserID,
			Trigger:              p.Trigger,
			ReferralID:           p.ReferralID,
			ActorRole:            p.Role,
			Amount:               p.Amount,
			RefereeConfio:        p.Referee,
			ReferrerConfio:       p.Referrer,
			TransactionReference: p.TxRef,
			OccurredAt:           p.OccurredAt,
			RewardStatus:         p.RewardStatus,
			Metadata:             p.Metadata,
		}
		if ev.Metadata == nil {
			ev.Metadata = models.JSONMap{}
		}
		return tx.Create(&ev).Error
	}
	if err != nil {
		return err
	}
	if len(p.Metadata) == 0 {
		return nil
	}
	merged := models.JSONMap{}
	for k, v := range ev.Metadata {
		merged[k] = v
	}
	for k, v := range p.Metadata {
		merged[k] = v
	}
	return tx.Model(&ev).Update("metadata", merged).Error
}

// StreamForUser walks a user's reward events ordered by occurrence time,
// invoking fn for each row. The underlying cursor keeps memory flat no
// matter how long the history is.
func (s *LedgerService) StreamForUser(userID string, since time.Time, fn func(models.ReferralRewardEvent) error) error {
	rows, err := s.DB.Model(&models.ReferralRewardEvent{}).
		Where("user_id = ? AND occurred_at >= ?", userID, since).
		Order("occurred_at ASC").
		Rows()
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var ev models.ReferralRewardEvent
		if err := s.DB.ScanRows(rows, &ev); err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return rows.Err()
}
