package models

import "time"

// ReconcilerHeartbeat is a single advisory row (id = 1) updated on every
// reconciler tick. LastOKAt only advances when the tick finished without
// chain or database errors.
type ReconcilerHeartbeat struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	LastTickAt time.Time `json:"last_tick_at"`
	LastOKAt   time.Time `json:"last_ok_at"`
	UpdatedAt  time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

func (ReconcilerHeartbeat) TableName() string { return "reconciler_heartbeat" }
