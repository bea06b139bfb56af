package workers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"confio-referral-engine/models"
	"confio-referral-engine/services"
)

func TestUserSyncCreatesMirrorsAndReferrals(t *testing.T) {
	db := newTestDB(t)
	ledger := services.NewLedgerService(db)
	refs := services.NewReferralService(db, ledger)

	code := "MARIA-G"
	var gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Service-Token")
		json.NewEncoder(w).Encode(GetProfileChangesResponse{Users: []MirroredProfile{
			{ExternalID: "user-a", Username: "Maria Gonzalez", ReferralCode: code, AlgorandAddress: testReferrerAddr},
			{ExternalID: "user-b", Username: "Pedro Paz", ReferredByCode: &code, AlgorandAddress: testRefereeAddr},
		}})
	}))
	defer srv.Close()

	w := NewUserSyncWorker(db, refs, srv.URL, "/api/v1/public/profiles", "svc-token")
	require.NoError(t, w.syncBatch(context.Background(), time.Time{}))
	require.Equal(t, "svc-token", gotToken)

	var mirrors int64
	require.NoError(t, db.Model(&models.UserMirror{}).Count(&mirrors).Error)
	require.EqualValues(t, 2, mirrors)

	ref, found, err := refs.FindByReferee("user-b")
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, ref.ReferrerUserID)
	require.Equal(t, "user-a", *ref.ReferrerUserID)
	require.Equal(t, code, ref.ReferralCode)
	require.Equal(t, testRefereeAddr, ref.RefereeAddress)
	require.Equal(t, testReferrerAddr, ref.ReferrerAddress)
	require.Equal(t, models.ReferralStatusActive, ref.Status)

	// Re-running the batch upserts the mirrors and leaves the referral alone.
	require.NoError(t, w.syncBatch(context.Background(), time.Time{}))
	var referrals int64
	require.NoError(t, db.Model(&models.UserReferral{}).Count(&referrals).Error)
	require.EqualValues(t, 1, referrals)
}

func TestUserSyncMintsLocalReferralCode(t *testing.T) {
	db := newTestDB(t)
	ledger := services.NewLedgerService(db)
	refs := services.NewReferralService(db, ledger)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(GetProfileChangesResponse{Users: []MirroredProfile{
			{ExternalID: "user-c", Username: "ana maria"},
		}})
	}))
	defer srv.Close()

	w := NewUserSyncWorker(db, refs, srv.URL, "/api/v1/public/profiles", "svc-token")
	require.NoError(t, w.syncBatch(context.Background(), time.Time{}))

	var mirror models.UserMirror
	require.NoError(t, db.First(&mirror, "external_user_id = ?", "user-c").Error)
	require.NotEmpty(t, mirror.ReferralCode)
	require.Contains(t, mirror.ReferralCode, "ANA-MARIA")
}

// An invitee mirrored before the main backend derived their wallet leaves
// the referral pending with no referee address; the next sync with the
// address backfills it and activates the referral.
func TestUserSyncBackfillsRefereeAddress(t *testing.T) {
	db := newTestDB(t)
	ledger := services.NewLedgerService(db)
	refs := services.NewReferralService(db, ledger)

	code := "MARIA-G"
	batch := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		users := []MirroredProfile{
			{ExternalID: "user-a", Username: "Maria Gonzalez", ReferralCode: code, AlgorandAddress: testReferrerAddr},
			{ExternalID: "user-b", Username: "Pedro Paz", ReferredByCode: &code},
		}
		if batch > 0 {
			users[1].AlgorandAddress = testRefereeAddr
		}
		json.NewEncoder(w).Encode(GetProfileChangesResponse{Users: users})
	}))
	defer srv.Close()

	w := NewUserSyncWorker(db, refs, srv.URL, "/api/v1/public/profiles", "svc-token")
	require.NoError(t, w.syncBatch(context.Background(), time.Time{}))

	ref, found, err := refs.FindByReferee("user-b")
	require.NoError(t, err)
	require.True(t, found)
	require.Empty(t, ref.RefereeAddress)
	require.Equal(t, models.ReferralStatusPending, ref.Status)

	batch++
	require.NoError(t, w.syncBatch(context.Background(), time.Time{}))

	ref, _, err = refs.FindByReferee("user-b")
	require.NoError(t, err)
	require.Equal(t, testRefereeAddr, ref.RefereeAddress)
	require.Equal(t, models.ReferralStatusActive, ref.Status)
}

// An inviter who registers after the invitee gets linked into the existing
// referral, wallet address included.
func TestUserSyncLinksLateReferrer(t *testing.T) {
	db := newTestDB(t)
	ledger := services.NewLedgerService(db)
	refs := services.NewReferralService(db, ledger)

	code := "MARIA-G"
	batch := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		users := []MirroredProfile{
			{ExternalID: "user-b", Username: "Pedro Paz", ReferredByCode: &code, AlgorandAddress: testRefereeAddr},
		}
		if batch > 0 {
			users = append(users, MirroredProfile{
				ExternalID: "user-a", Username: "Maria Gonzalez", ReferralCode: code, AlgorandAddress: testReferrerAddr,
			})
		}
		json.NewEncoder(w).Encode(GetProfileChangesResponse{Users: users})
	}))
	defer srv.Close()

	w := NewUserSyncWorker(db, refs, srv.URL, "/api/v1/public/profiles", "svc-token")
	require.NoError(t, w.syncBatch(context.Background(), time.Time{}))

	ref, found, err := refs.FindByReferee("user-b")
	require.NoError(t, err)
	require.True(t, found)
	require.Nil(t, ref.ReferrerUserID)
	require.Empty(t, ref.ReferrerAddress)

	batch++
	require.NoError(t, w.syncBatch(context.Background(), time.Time{}))

	ref, _, err = refs.FindByReferee("user-b")
	require.NoError(t, err)
	require.NotNil(t, ref.ReferrerUserID)
	require.Equal(t, "user-a", *ref.ReferrerUserID)
	require.Equal(t, testReferrerAddr, ref.ReferrerAddress)
}

func TestWalletFeedMarksFirstTransactions(t *testing.T) {
	db := newTestDB(t)

	now := time.Now().UTC()
	var gotSince string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSince = r.URL.Query().Get("since")
		json.NewEncoder(w).Encode(map[string][]models.WalletMirror{"wallets": {{
			ID:                   "33333333-3333-3333-3333-333333333333",
			UserID:               "user-b",
			Chain:                "algorand",
			Token:                "CONFIO",
			Address:              testRefereeAddr,
			FirstTransactionMade: true,
			FirstTransactionAt:   &now,
			IsActive:             true,
			LastBalanceCheckAt:   now,
		}}})
	}))
	defer srv.Close()

	client := &WalletSyncClient{BaseURL: srv.URL, Token: "svc-token", HTTPClient: srv.Client(), DB: db}
	wallets, err := client.GetChangedWallets(context.Background(), now.Add(-time.Hour))
	require.NoError(t, err)
	require.NotEmpty(t, gotSince)
	require.Len(t, wallets, 1)
	require.True(t, wallets[0].FirstTransactionMade)
	require.Equal(t, testRefereeAddr, wallets[0].Address)
}
