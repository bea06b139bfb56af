// workers/wallet_sync_worker.go
package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"confio-referral-engine/models"
	"confio-referral-engine/services"
	"confio-referral-engine/utils"
)

// WalletSyncClient mirrors wallet snapshots from the main backend and acts
// as the first-transaction detector: a wallet flipping
// first_transaction_made fires the referral eligibility trigger.
type WalletSyncClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	DB         *gorm.DB
	Dispatcher *services.Dispatcher
}

func NewWalletSyncClient(db *gorm.DB, dispatcher *services.Dispatcher) *WalletSyncClient {
	baseURL := os.Getenv("SYNC_SERVICE_URL")
	if baseURL == "" {
		log.Fatal("SYNC_SERVICE_URL environment variable is required")
	}
	token := os.Getenv("CONFIO_SERVICE_TOKEN")
	if token == "" {
		log.Fatal("CONFIO_SERVICE_TOKEN environment variable is required for wallet sync")
	}

	return &WalletSyncClient{
		BaseURL:    baseURL,
		Token:      token,
		DB:         db,
		Dispatcher: dispatcher,
		HTTPClient: utils.HTTPClient,
	}
}

func (c *WalletSyncClient) GetChangedWallets(ctx context.Context, since time.Time) ([]models.WalletMirror, error) {
	since = since.UTC()

	u, err := url.Parse(fmt.Sprintf("%s/api/v1/public/wallets", c.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}

	q := u.Query()
	q.Set("since", since.Format(time.RFC3339))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("X-Service-Token", c.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call sync service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("sync service returned status %d: %s", resp.StatusCode, string(body))
	}

	var response struct {
		Wallets []models.WalletMirror `json:"wallets"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode sync service response: %w", err)
	}

	return response.Wallets, nil
}

// PollWallets persists wallet changes and dispatches first-transaction
// triggers for referees whose wallet just settled its first transaction.
func PollWallets(ctx context.Context, client *WalletSyncClient, pollInterval time.Duration) {
	log.Println("🔁 Starting wallet polling (first-transaction detector)…")
	lastSyncTime := time.Now().UTC().Add(-24 * time.Hour)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("⏹️ Wallet polling stopped.")
			return
		case <-ticker.C:
			logTime := time.Now().UTC()

			wallets, err := client.GetChangedWallets(ctx, lastSyncTime)
			if err != nil {
				log.Printf("❌ Error polling wallets: %v", err)
				continue
			}
			if len(wallets) == 0 {
				continue
			}

			if err := client.DB.Clauses(
				clause.OnConflict{
					Columns: []clause.Column{{Name: "address"}},
					DoUpdates: clause.AssignmentColumns([]string{
						"user_id",
						"chain",
						"token",
						"first_transaction_made",
						"first_transaction_at",
						"is_active",
						"last_balance_check_at",
						"updated_at",
					}),
				},
			).Create(&wallets).Error; err != nil {
				log.Printf("❌ Failed to upsert %d wallet(s) into wallet_mirror: %v", len(wallets), err)
				// Do NOT advance lastSyncTime on failure — retry same window next tick
				continue
			}
			log.Printf("📥 Upserted %d wallet(s) into wallet_mirror.", len(wallets))

			// Dispatch is idempotent, so re-observing an already-settled
			// wallet is harmless.
			for _, w := range wallets {
				if !w.FirstTransactionMade {
					continue
				}
				if err := client.Dispatcher.OnUserFirstSettledTransaction(ctx, w.UserID); err != nil {
					log.Printf("⚠️ First-transaction trigger for %s failed: %v", w.UserID, err)
				}
			}

			lastSyncTime = logTime
		}
	}
}

// GetWalletByAddress queries the local mirror.
func GetWalletByAddress(db *gorm.DB, address string) (models.WalletMirror, bool, error) {
	var wallet models.WalletMirror
	if err := db.Where("address = ?", address).First(&wallet).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return wallet, false, nil
		}
		return wallet, false, err
	}
	return wallet, true, nil
}
