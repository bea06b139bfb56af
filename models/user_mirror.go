package models

// UserMirror is a local snapshot of user data needed by the referral engine.
// Owned and managed solely by this service; populated via the user sync
// worker from the main Confío backend's public profiles feed.
type UserMirror struct {
	ID             string `gorm:"primaryKey;type:uuid" json:"id"`
	ExternalUserID string `gorm:"uniqueIndex;not null" json:"external_user_id"` // the main backend's user UUID
	Username       string `gorm:"index;not null" json:"username"`
	Country        string `gorm:"type:varchar(2)" json:"country,omitempty"`

	// Algorand address of the user's primary wallet; empty until the main
	// backend has derived one.
	AlgorandAddress string `gorm:"type:varchar(58);index" json:"algorand_address,omitempty"`

	// Code this user shares with invitees. Assigned locally when the main
	// backend did not provide one.
	ReferralCode string `gorm:"uniqueIndex" json:"referral_code"`

	// Code the user signed up with, if any. Drives UserReferral creation.
	ReferredByCode *string `json:"referred_by_code,omitempty"`

	Timestamps
}
