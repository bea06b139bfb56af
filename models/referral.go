package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ReferralStatus is the referral-level projection of both reward sides.
type ReferralStatus string

const (
	ReferralStatusPending   ReferralStatus = "pending"   // referee has no on-chain address yet
	ReferralStatusActive    ReferralStatus = "active"    // at least one role still pending/eligible
	ReferralStatusConverted ReferralStatus = "converted" // at least one role claimed its reward
	ReferralStatusInactive  ReferralStatus = "inactive"  // admin-deactivated (abuse, fraud, …)
)

// RewardStatus tracks one side (referee or referrer) of the dual reward.
type RewardStatus string

const (
	RewardStatusPending  RewardStatus = "pending"
	RewardStatusEligible RewardStatus = "eligible"
	RewardStatusFailed   RewardStatus = "failed"
	RewardStatusSkipped  RewardStatus = "skipped"
	RewardStatusClaimed  RewardStatus = "claimed"
)

// IsTerminal reports whether the status has no outgoing transitions
// (failed can still be rewound through an admin retry).
func (s RewardStatus) IsTerminal() bool {
	return s == RewardStatusClaimed || s == RewardStatusSkipped || s == RewardStatusFailed
}

// RewardRole discriminates the two parties of a referral.
type RewardRole string

const (
	RoleReferee  RewardRole = "referee"
	RoleReferrer RewardRole = "referrer"
)

// UserReferral tracks one invitation relationship and the reward state of
// both parties. Rows are never hard-deleted; admin deactivation flips the
// status to inactive and soft delete is reserved for erasure requests.
type UserReferral struct {
	ID             string  `gorm:"primaryKey;type:uuid" json:"id"`
	ReferrerUserID *string `gorm:"index" json:"referrer_user_id,omitempty"` // nil while the inviter is not a registered user
	ReferredUserID string  `gorm:"not null;uniqueIndex:idx_live_referral_referee,where:deleted_at IS NULL" json:"referred_user_id"`
	ReferralCode   string  `gorm:"index;not null" json:"referral_code"`

	Status ReferralStatus `gorm:"not null;default:'pending'" json:"status"`

	// Reward amounts in CONFIO (6 decimal places). Immutable once the
	// referee side leaves pending.
	RewardRefereeConfio  decimal.Decimal `gorm:"type:numeric(20,6);not null" json:"reward_referee_confio"`
	RewardReferrerConfio decimal.Decimal `gorm:"type:numeric(20,6);not null" json:"reward_referrer_confio"`

	// Legacy aggregate kept for older readers; see AggregateRewardStatus.
	RewardStatus         RewardStatus `gorm:"not null;default:'pending'" json:"reward_status"`
	RefereeRewardStatus  RewardStatus `gorm:"not null;default:'pending'" json:"referee_reward_status"`
	ReferrerRewardStatus RewardStatus `gorm:"not null;default:'pending'" json:"referrer_reward_status"`

	// 58-char Algorand addresses. The vault box is keyed by RefereeAddress.
	RefereeAddress  string `gorm:"type:varchar(58);index" json:"referee_address"`
	ReferrerAddress string `gorm:"type:varchar(58)" json:"referrer_address"`

	// Chain submission bookkeeping, per role (drives the reconciler backoff).
	RefereeAttempts     int        `json:"referee_attempts" gorm:"default:0"`
	ReferrerAttempts    int        `json:"referrer_attempts" gorm:"default:0"`
	RefereeNextRetryAt  *time.Time `json:"referee_next_retry_at,omitempty"`
	ReferrerNextRetryAt *time.Time `json:"referrer_next_retry_at,omitempty"`
	RefereeLastError    string     `gorm:"type:text" json:"referee_last_error,omitempty"`
	ReferrerLastError   string     `gorm:"type:text" json:"referrer_last_error,omitempty"`

	Timestamps
}

// RoleStatus returns the reward status of one side.
func (r *UserReferral) RoleStatus(role RewardRole) RewardStatus {
	if role == RoleReferrer {
		return r.ReferrerRewardStatus
	}
	return r.RefereeRewardStatus
}

// SetRoleStatus sets the reward status of one side.
func (r *UserReferral) SetRoleStatus(role RewardRole, s RewardStatus) {
	if role == RoleReferrer {
		r.ReferrerRewardStatus = s
		return
	}
	r.RefereeRewardStatus = s
}

// RoleUserID returns the user owning the role, or "" for an unregistered referrer.
func (r *UserReferral) RoleUserID(role RewardRole) string {
	if role == RoleReferrer {
		if r.ReferrerUserID == nil {
			return ""
		}
		return *r.ReferrerUserID
	}
	return r.ReferredUserID
}

// RoleAmount returns the configured CONFIO reward of one side.
func (r *UserReferral) RoleAmount(role RewardRole) decimal.Decimal {
	if role == RoleReferrer {
		return r.RewardReferrerConfio
	}
	return r.RewardRefereeConfio
}

// SetRoleAmount overwrites the configured CONFIO reward of one side.
func (r *UserReferral) SetRoleAmount(role RewardRole, amt decimal.Decimal) {
	if role == RoleReferrer {
		r.RewardReferrerConfio = amt
		return
	}
	r.RewardRefereeConfio = amt
}

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}
