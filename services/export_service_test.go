package services

import (
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"confio-referral-engine/models"
)

func TestMarshalEventsCSV(t *testing.T) {
	events := []models.ReferralRewardEvent{{
		ID:                   "ev-1",
		UserID:               "user-b",
		ReferralID:           "ref-1",
		Trigger:              models.TriggerRefereeClaimed,
		ActorRole:            models.RoleReferee,
		Amount:               decimal.RequireFromString("4.5"),
		TransactionReference: "TX123",
		RewardStatus:         models.RewardStatusClaimed,
		OccurredAt:           time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}}

	body, err := MarshalEventsCSV(events)
	require.NoError(t, err)

	rows, err := csv.NewReader(strings.NewReader(string(body))).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "amount_confio", rows[0][5])
	require.Equal(t, []string{
		"ev-1", "user-b", "ref-1", "referee_claimed", "referee",
		"4.500000", "TX123", "claimed", "2026-08-01T12:00:00Z",
	}, rows[1])
}
