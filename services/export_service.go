// services/export_service.go
package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
	"gorm.io/gorm"

	"confio-referral-engine/models"
	"confio-referral-engine/utils"
)

// ExportService ships periodic CSV snapshots of the reward event ledger to
// R2 for the accounting pipeline.
type ExportService struct {
	DB *gorm.DB
}

func NewExportService(db *gorm.DB) *ExportService {
	return &ExportService{DB: db}
}

// StartExportScheduler runs the ledger export on a fixed cadence
// (LEDGER_EXPORT_CRON_HOURS, default 24h).
func (s *ExportService) StartExportScheduler() {
	sched, _ := gocron.NewScheduler()
	sched.Start()

	interval := time.Duration(utils.GetenvInt("LEDGER_EXPORT_CRON_HOURS", 24)) * time.Hour

	_, _ = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if err := s.ExportWindow(context.Background(), time.Now().UTC().Add(-interval)); err != nil {
				log.Printf("❌ [LedgerExport] %v", err)
			}
		}),
	)
}

// ExportWindow writes every event touched since the given time to a dated
// CSV object.
func (s *ExportService) ExportWindow(ctx context.Context, since time.Time) error {
	var events []models.ReferralRewardEvent
	err := s.DB.Where("updated_at >= ?", since).
		Order("occurred_at ASC").
		Find(&events).Error
	if err != nil {
		return err
	}
	if len(events) == 0 {
		log.Println("➡️ [LedgerExport] No new reward events to export.")
		return nil
	}

	body, err := MarshalEventsCSV(events)
	if err != nil {
		return err
	}

	key := "ledger-exports/" + time.Now().UTC().Format("2006-01-02T15-04-05") + ".csv"
	if err := utils.UploadToR2(ctx, key, "text/csv", body); err != nil {
		return err
	}
	log.Printf("✅ [LedgerExport] Exported %d reward event(s) to %s", len(events), key)
	return nil
}

// MarshalEventsCSV renders ledger rows in the accounting column order.
func MarshalEventsCSV(events []models.ReferralRewardEvent) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := []string{"id", "user_id", "referral_id", "trigger", "actor_role", "amount_confio", "tx_reference", "reward_status", "occurred_at"}
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, ev := range events {
		row := []string{
			ev.ID,
			ev.UserID,
			ev.ReferralID,
			string(ev.Trigger),
			string(ev.ActorRole),
			ev.Amount.StringFixed(6),
			ev.TransactionReference,
			string(ev.RewardStatus),
			ev.OccurredAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
