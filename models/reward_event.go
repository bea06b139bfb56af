package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RewardTrigger names the input that produced a reward event row.
type RewardTrigger string

const (
	TriggerReferralPending  RewardTrigger = "referral_pending"
	TriggerRefereeEligible  RewardTrigger = "referee_eligible"
	TriggerReferrerEligible RewardTrigger = "referrer_eligible"
	TriggerRefereeClaimed   RewardTrigger = "referee_claimed"
	TriggerReferrerClaimed  RewardTrigger = "referrer_claimed"
	TriggerRefereeSkipped   RewardTrigger = "referee_skipped"
	TriggerReferrerSkipped  RewardTrigger = "referrer_skipped"
	TriggerRefereeFailed    RewardTrigger = "referee_failed"
	TriggerReferrerFailed   RewardTrigger = "referrer_failed"
)

// TriggerFor maps a role and the status it just reached to the trigger name
// recorded in the ledger.
func TriggerFor(role RewardRole, status RewardStatus) RewardTrigger {
	prefix := "referee"
	if role == RoleReferrer {
		prefix = "referrer"
	}
	switch status {
	case RewardStatusEligible:
		return RewardTrigger(prefix + "_eligible")
	case RewardStatusClaimed:
		return RewardTrigger(prefix + "_claimed")
	case RewardStatusSkipped:
		return RewardTrigger(prefix + "_skipped")
	case RewardStatusFailed:
		return RewardTrigger(prefix + "_failed")
	}
	return TriggerReferralPending
}

// JSONMap stores free-form event metadata as a jsonb column.
type JSONMap map[string]interface{}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	}
	return fmt.Errorf("unsupported metadata column type %T", value)
}

// ReferralRewardEvent is the append-oriented audit row behind the rewards UI,
// notifications and accounting exports. Upserts are keyed by
// (user, trigger, referral); amounts never change after insert, only the
// metadata map is merged on repeated writes.
type ReferralRewardEvent struct {
	ID         string        `gorm:"primaryKey;type:uuid" json:"id"`
	UserID     string        `gorm:"not null;uniqueIndex:idx_reward_event_key,priority:1;index" json:"user_id"`
	Trigger    RewardTrigger `gorm:"not null;uniqueIndex:idx_reward_event_key,priority:2" json:"trigger"`
	ReferralID string        `gorm:"type:uuid;not null;uniqueIndex:idx_reward_event_key,priority:3;index" json:"referral_id"`

	ActorRole RewardRole `gorm:"not null" json:"actor_role"`

	Amount         decimal.Decimal `gorm:"type:numeric(20,6);not null" json:"amount"`
	RefereeConfio  decimal.Decimal `gorm:"type:numeric(20,6);not null" json:"referee_confio"`
	ReferrerConfio decimal.Decimal `gorm:"type:numeric(20,6);not null" json:"referrer_confio"`

	TransactionReference string       `gorm:"type:varchar(128)" json:"transaction_reference,omitempty"`
	OccurredAt           time.Time    `gorm:"not null;index" json:"occurred_at"`
	RewardStatus         RewardStatus `gorm:"not null" json:"reward_status"`
	Metadata             JSONMap      `gorm:"type:jsonb" json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}
