// workers/user_sync_worker.go
package workers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"confio-referral-engine/models"
	"confio-referral-engine/services"
	"confio-referral-engine/utils"
)

// MirroredProfile matches the JSON of the main backend's public profiles feed.
type MirroredProfile struct {
	ID              string    `json:"id"`
	ExternalID      string    `json:"external_id"`
	Username        string    `json:"username"`
	Country         string    `json:"country,omitempty"`
	AlgorandAddress string    `json:"algorand_address,omitempty"`
	ReferralCode    string    `json:"referral_code,omitempty"`
	ReferredByCode  *string   `json:"referred_by_code,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// GetProfileChangesResponse is the top-level structure of the feed response.
type GetProfileChangesResponse struct {
	Users []MirroredProfile `json:"users"`
}

// UserSyncWorker mirrors user profiles into user_mirrors and creates
// UserReferral records for users who signed up with a referral code. This
// is how referrals enter the engine.
type UserSyncWorker struct {
	db           *gorm.DB
	referrals    *services.ReferralService
	interval     time.Duration
	baseURL      string
	endpointPath string // e.g., "/api/v1/public/profiles"
	serviceToken string
	httpClient   *http.Client

	refereeReward  decimal.Decimal
	referrerReward decimal.Decimal
}

func NewUserSyncWorker(db *gorm.DB, referrals *services.ReferralService, syncServiceBaseURL, endpointPath, serviceToken string) *UserSyncWorker {
	return &UserSyncWorker{
		db:             db,
		referrals:      referrals,
		interval:       1 * time.Minute,
		baseURL:        syncServiceBaseURL,
		endpointPath:   endpointPath,
		serviceToken:   serviceToken,
		httpClient:     utils.HTTPClient,
		refereeReward:  decimal.NewFromInt(int64(utils.GetenvInt("REFERRAL_REWARD_REFEREE_CONFIO", 4))),
		referrerReward: decimal.NewFromInt(int64(utils.GetenvInt("REFERRAL_REWARD_REFERRER_CONFIO", 4))),
	}
}

func (w *UserSyncWorker) Start(ctx context.Context) {
	log.Println("🔁 Starting User Sync Worker (main backend → user_mirrors)…")
	go w.run(ctx)
}

func (w *UserSyncWorker) run(ctx context.Context) {
	// Initial sync from the beginning of time (backfill if needed).
	if err := w.syncBatch(ctx, time.Time{}); err != nil {
		log.Printf("⚠️ Initial profile sync failed: %v", err)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.syncBatch(ctx, w.getLastSyncTime()); err != nil {
				log.Printf("❌ Profile sync batch failed: %v", err)
			}
		case <-ctx.Done():
			log.Println("⏹️ User Sync Worker stopped")
			return
		}
	}
}

// getLastSyncTime finds the most recent UpdatedAt from our local mirror.
func (w *UserSyncWorker) getLastSyncTime() time.Time {
	var last sql.NullTime
	w.db.Model(&models.UserMirror{}).Select("MAX(updated_at)").Scan(&last)
	if !last.Valid {
		return time.Time{}
	}
	return last.Time
}

func (w *UserSyncWorker) syncBatch(ctx context.Context, since time.Time) error {
	profiles, err := w.fetchChanges(ctx, since)
	if err != nil {
		return err
	}
	if len(profiles) == 0 {
		return nil
	}

	mirrors := make([]models.UserMirror, 0, len(profiles))
	for _, p := range profiles {
		code := p.ReferralCode
		if code == "" {
			// Main backend did not assign one; mint a local code.
			code = services.GenerateReferralCode(p.Username)
		}
		mirrors = append(mirrors, models.UserMirror{
			ID:              uuid.NewString(),
			ExternalUserID:  p.ExternalID,
			Username:        p.Username,
			Country:         p.Country,
			AlgorandAddress: p.AlgorandAddress,
			ReferralCode:    code,
			ReferredByCode:  p.ReferredByCode,
		})
	}

	if err := w.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "external_user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"username", "country", "algorand_address", "referred_by_code", "updated_at",
		}),
	}).Create(&mirrors).Error; err != nil {
		return fmt.Errorf("failed to upsert %d profile(s): %w", len(mirrors), err)
	}
	log.Printf("📥 Upserted %d mirrored profile(s)", len(mirrors))

	w.createMissingReferrals(profiles)
	w.backfillReferralLinks(mirrors)
	return nil
}

// backfillReferralLinks pushes freshly learned wallet addresses into
// referrals created before the address existed, and links referrals whose
// inviter registered after the invitee did.
func (w *UserSyncWorker) backfillReferralLinks(mirrors []models.UserMirror) {
	for _, m := range mirrors {
		if m.ReferralCode != "" {
			err := w.db.Model(&models.UserReferral{}).
				Where("referral_code = ? AND referrer_user_id IS NULL AND referred_user_id <> ?", m.ReferralCode, m.ExternalUserID).
				Updates(map[string]interface{}{
					"referrer_user_id": m.ExternalUserID,
					"referrer_address": m.AlgorandAddress,
				}).Error
			if err != nil {
				log.Printf("❌ Failed to link inviter %s to code %s: %v", m.ExternalUserID, m.ReferralCode, err)
			}
		}

		if m.AlgorandAddress == "" {
			continue
		}
		err := w.db.Model(&models.UserReferral{}).
			Where("referred_user_id = ? AND referee_address = ''", m.ExternalUserID).
			Update("referee_address", m.AlgorandAddress).Error
		if err != nil {
			log.Printf("❌ Failed to backfill referee address for %s: %v", m.ExternalUserID, err)
			continue
		}
		// The referral only waits in pending for its referee address.
		if err := w.db.Model(&models.UserReferral{}).
			Where("referred_user_id = ? AND status = ?", m.ExternalUserID, models.ReferralStatusPending).
			Update("status", models.ReferralStatusActive).Error; err != nil {
			log.Printf("❌ Failed to activate referral for %s: %v", m.ExternalUserID, err)
		}
		if err := w.db.Model(&models.UserReferral{}).
			Where("referrer_user_id = ? AND referrer_address = ''", m.ExternalUserID).
			Update("referrer_address", m.AlgorandAddress).Error; err != nil {
			log.Printf("❌ Failed to backfill referrer address for %s: %v", m.ExternalUserID, err)
		}
	}
}

// createMissingReferrals turns freshly mirrored sign-ups with a referral
// code into UserReferral records. Conflicts (user already referred) are
// silently ignored; creation is idempotent across ticks.
func (w *UserSyncWorker) createMissingReferrals(profiles []MirroredProfile) {
	for _, p := range profiles {
		if p.ReferredByCode == nil || *p.ReferredByCode == "" {
			continue
		}
		if _, found, err := w.referrals.FindByReferee(p.ExternalID); err != nil || found {
			continue
		}

		var referrerID *string
		var referrerAddr string
		var inviter models.UserMirror
		err := w.db.Where("referral_code = ?", *p.ReferredByCode).First(&inviter).Error
		if err == nil {
			referrerID = &inviter.ExternalUserID
			referrerAddr = inviter.AlgorandAddress
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("❌ inviter lookup for code %s failed: %v", *p.ReferredByCode, err)
			continue
		}

		_, err = w.referrals.Create(services.CreateReferralParams{
			Code:            *p.ReferredByCode,
			ReferrerUserID:  referrerID,
			ReferredUserID:  p.ExternalID,
			RefereeAddress:  p.AlgorandAddress,
			ReferrerAddress: referrerAddr,
			RefereeReward:   w.refereeReward,
			ReferrerReward:  w.referrerReward,
		})
		switch {
		case err == nil:
			log.Printf("✅ Referral created: %s invited by code %s", p.ExternalID, *p.ReferredByCode)
		case errors.Is(err, services.ErrConflictingReferral), errors.Is(err, services.ErrSelfReferral):
			// Already referred, or self-invite slipped through the backend.
		default:
			log.Printf("❌ Failed to create referral for %s: %v", p.ExternalID, err)
		}
	}
}

func (w *UserSyncWorker) fetchChanges(ctx context.Context, since time.Time) ([]MirroredProfile, error) {
	u, err := url.Parse(w.baseURL + w.endpointPath)
	if err != nil {
		return nil, fmt.Errorf("failed to parse sync URL: %w", err)
	}
	q := u.Query()
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Service-Token", w.serviceToken)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call sync service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("sync service returned status %d: %s", resp.StatusCode, string(body))
	}

	var response GetProfileChangesResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode sync service response: %w", err)
	}
	return response.Users, nil
}
