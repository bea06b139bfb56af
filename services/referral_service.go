// services/referral_service.go
package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"confio-referral-engine/models"
)

// ReferralService is the persistent repository of UserReferral records.
type ReferralService struct {
	DB     *gorm.DB
	Ledger *LedgerService
}

func NewReferralService(db *gorm.DB, ledger *LedgerService) *ReferralService {
	return &ReferralService{DB: db, Ledger: ledger}
}

// lockForUpdate takes a SELECT … FOR UPDATE on postgres. The sqlite driver
// used in tests has no row locks; its single writer gives the same ordering.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// CreateReferralParams describes a new invitation relationship.
type CreateReferralParams struct {
	Code            string
	ReferrerUserID  *string // nil when the inviter is not (yet) registered
	ReferredUserID  string
	RefereeAddress  string
	ReferrerAddress string
	RefereeReward   decimal.Decimal
	ReferrerReward  decimal.Decimal
}

// Create inserts the referral and its pending placeholder events in one
// transaction. A referred user can hold at most one live referral.
func (s *ReferralService) Create(p CreateReferralParams) (*models.UserReferral, error) {
	if p.ReferrerUserID != nil && *p.ReferrerUserID == p.ReferredUserID {
		return nil, ErrSelfReferral
	}
	if p.ReferredUserID == "" {
		return nil, fmt.Errorf("referred user is required")
	}

	ref := models.UserReferral{
		ID:                   uuid.NewString(),
		ReferrerUserID:       p.ReferrerUserID,
		ReferredUserID:       p.ReferredUserID,
		ReferralCode:         p.Code,
		RewardRefereeConfio:  p.RefereeReward,
		RewardReferrerConfio: p.ReferrerReward,
		RewardStatus:         models.RewardStatusPending,
		RefereeRewardStatus:  models.RewardStatusPending,
		ReferrerRewardStatus: models.RewardStatusPending,
		RefereeAddress:       p.RefereeAddress,
		ReferrerAddress:      p.ReferrerAddress,
	}
	ref.Status = ProjectReferralStatus(&ref)

	err := s.DB.Transaction(func(tx *gorm.DB) error {
		var existing models.UserReferral
		err := tx.Where("referred_user_id = ?", p.ReferredUserID).First(&existing).Error
		if err == nil {
			return ErrConflictingReferral
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := tx.Create(&ref).Error; err != nil {
			return err
		}
		if err := s.Ledger.UpsertPending(tx, ref.ReferredUserID, &ref, models.RoleReferee); err != nil {
			return err
		}
		if p.ReferrerUserID != nil {
			if err := s.Ledger.UpsertPending(tx, *p.ReferrerUserID, &ref, models.RoleReferrer); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

// FindByReferee returns the referral a user signed up through.
func (s *ReferralService) FindByReferee(userID string) (*models.UserReferral, bool, error) {
	var ref models.UserReferral
	if err := s.DB.Where("referred_user_id = ?", userID).First(&ref).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &ref, true, nil
}

// FindByCode returns all referrals created with a given invitation code.
func (s *ReferralService) FindByCode(code string) ([]models.UserReferral, error) {
	var refs []models.UserReferral
	if err := s.DB.Where("referral_code = ?", code).Order("created_at ASC").Find(&refs).Error; err != nil {
		return nil, err
	}
	return refs, nil
}

// FindByAddress resolves a referral from a participant address (referee or
// referrer wallet), used by the claim webhook.
func (s *ReferralService) FindByAddress(address string) (*models.UserReferral, bool, error) {
	var ref models.UserReferral
	err := s.DB.Where("referee_address = ? OR referrer_address = ?", address, address).First(&ref).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &ref, true, nil
}

var legalNext = map[models.RewardStatus][]models.RewardStatus{
	models.RewardStatusPending:  {models.RewardStatusEligible, models.RewardStatusSkipped, models.RewardStatusFailed},
	models.RewardStatusEligible: {models.RewardStatusClaimed, models.RewardStatusSkipped, models.RewardStatusFailed},
	models.RewardStatusFailed:   {models.RewardStatusPending},
}

// UpdateStatus moves one role to a new status, rejecting transitions the
// state machine does not allow, and recomputes the projections.
func (s *ReferralService) UpdateStatus(referralID string, role models.RewardRole, next models.RewardStatus) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		var ref models.UserReferral
		if err := lockForUpdate(tx).Where("id = ?", referralID).First(&ref).Error; err != nil {
			return err
		}
		current := ref.RoleStatus(role)
		if current == next {
			return nil
		}
		allowed := false
		for _, n := range legalNext[current] {
			if n == next {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: %s %s → %s", ErrIllegalTransition, role, current, next)
		}
		ref.SetRoleStatus(role, next)
		ref.RewardStatus = AggregateRewardStatus(ref.RefereeRewardStatus, ref.ReferrerRewardStatus)
		ref.Status = ProjectReferralStatus(&ref)
		return tx.Save(&ref).Error
	})
}

// SetRewardAmounts overwrites the configured rewards. Amounts are locked as
// soon as the referee side has left pending.
func (s *ReferralService) SetRewardAmounts(referralID string, referee, referrer decimal.Decimal) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		var ref models.UserReferral
		if err := lockForUpdate(tx).Where("id = ?", referralID).First(&ref).Error; err != nil {
			return err
		}
		if ref.RefereeRewardStatus != models.RewardStatusPending {
			return ErrRewardAmountLocked
		}
		ref.RewardRefereeConfio = referee
		ref.RewardReferrerConfio = referrer
		return tx.Save(&ref).Error
	})
}

// GenerateReferralCode derives a shareable code from a username, e.g.
// "maria gonzález" → "MARIA-GONZALEZ-3F2A". The uuid suffix keeps codes
// unique across homonyms.
func GenerateReferralCode(username string) string {
	base := strings.ToUpper(slug.Make(username))
	if len(base) > 16 {
		base = base[:16]
	}
	suffix := strings.ToUpper(uuid.NewString()[:4])
	if base == "" {
		return suffix
	}
	return base + "-" + suffix
}
