package services

import (
	"regexp"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"confio-referral-engine/models"
)

func TestCreateReferralProjectsStatus(t *testing.T) {
	db, refs, _, _ := newTestStack(t, 0)

	// No wallet yet: the referral waits in pending.
	ref, err := refs.Create(CreateReferralParams{
		Code:           "CODE-1",
		ReferredUserID: "user-b",
		RefereeReward:  decimal.NewFromInt(4),
		ReferrerReward: decimal.NewFromInt(4),
	})
	require.NoError(t, err)
	require.Equal(t, models.ReferralStatusPending, ref.Status)
	require.Equal(t, models.RewardStatusPending, ref.RefereeRewardStatus)

	// The referee placeholder event is written in the same transaction.
	require.EqualValues(t, 1, countEvents(t, db, ref.ID, models.TriggerReferralPending))

	referrer := "user-c"
	ref2, err := refs.Create(CreateReferralParams{
		Code:           "CODE-2",
		ReferrerUserID: &referrer,
		ReferredUserID: "user-d",
		RefereeAddress: testRefereeAddr,
		RefereeReward:  decimal.NewFromInt(4),
		ReferrerReward: decimal.NewFromInt(4),
	})
	require.NoError(t, err)
	require.Equal(t, models.ReferralStatusActive, ref2.Status)
	// Placeholders for both registered parties.
	require.EqualValues(t, 2, countEvents(t, db, ref2.ID, models.TriggerReferralPending))
}

func TestCreateReferralRejectsConflicts(t *testing.T) {
	_, refs, _, _ := newTestStack(t, 0)

	_, err := refs.Create(CreateReferralParams{Code: "CODE-1", ReferredUserID: "user-b"})
	require.NoError(t, err)

	// A referred user holds at most one live referral, whatever the code.
	_, err = refs.Create(CreateReferralParams{Code: "CODE-9", ReferredUserID: "user-b"})
	require.ErrorIs(t, err, ErrConflictingReferral)

	self := "user-x"
	_, err = refs.Create(CreateReferralParams{Code: "CODE-1", ReferrerUserID: &self, ReferredUserID: "user-x"})
	require.ErrorIs(t, err, ErrSelfReferral)
}

func TestCreateReferralAfterErasure(t *testing.T) {
	db, refs, _, _ := newTestStack(t, 0)

	first, err := refs.Create(CreateReferralParams{Code: "CODE-1", ReferredUserID: "user-b"})
	require.NoError(t, err)

	// Erasure requests soft-delete the row; the referee may be invited again.
	require.NoError(t, db.Delete(&models.UserReferral{}, "id = ?", first.ID).Error)

	second, err := refs.Create(CreateReferralParams{Code: "CODE-2", ReferredUserID: "user-b"})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	// The erased row stays erased and only the new one is live.
	var live int64
	require.NoError(t, db.Model(&models.UserReferral{}).Where("referred_user_id = ?", "user-b").Count(&live).Error)
	require.EqualValues(t, 1, live)
}

func TestFindByAddressMatchesEitherParty(t *testing.T) {
	_, refs, _, _ := newTestStack(t, 0)
	createDualReferral(t, refs)

	ref, found, err := refs.FindByAddress(testRefereeAddr)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "user-b", ref.ReferredUserID)

	ref, found, err = refs.FindByAddress(testReferrerAddr)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "user-b", ref.ReferredUserID)

	_, found, err = refs.FindByAddress("UNKNOWNADDRESS")
	require.NoError(t, err)
	require.False(t, found)
}

func TestUpdateStatusEnforcesLegalTransitions(t *testing.T) {
	db, refs, _, _ := newTestStack(t, 0)
	ref := createDualReferral(t, refs)

	// pending → claimed skips eligibility and is rejected.
	err := refs.UpdateStatus(ref.ID, models.RoleReferee, models.RewardStatusClaimed)
	require.ErrorIs(t, err, ErrIllegalTransition)

	require.NoError(t, refs.UpdateStatus(ref.ID, models.RoleReferee, models.RewardStatusEligible))
	require.NoError(t, refs.UpdateStatus(ref.ID, models.RoleReferee, models.RewardStatusClaimed))

	got := reloadReferral(t, db, ref.ID)
	require.Equal(t, models.RewardStatusClaimed, got.RefereeRewardStatus)
	require.Equal(t, models.RewardStatusClaimed, got.RewardStatus)
	require.Equal(t, models.ReferralStatusConverted, got.Status)

	// claimed is terminal.
	err = refs.UpdateStatus(ref.ID, models.RoleReferee, models.RewardStatusSkipped)
	require.ErrorIs(t, err, ErrIllegalTransition)

	// Same-status updates are a quiet no-op.
	require.NoError(t, refs.UpdateStatus(ref.ID, models.RoleReferee, models.RewardStatusClaimed))
}

func TestSetRewardAmountsLocksAfterPending(t *testing.T) {
	db, refs, _, _ := newTestStack(t, 0)
	ref := createDualReferral(t, refs)

	require.NoError(t, refs.SetRewardAmounts(ref.ID, decimal.NewFromInt(6), decimal.NewFromInt(2)))
	got := reloadReferral(t, db, ref.ID)
	require.True(t, got.RewardRefereeConfio.Equal(decimal.NewFromInt(6)))
	require.True(t, got.RewardReferrerConfio.Equal(decimal.NewFromInt(2)))

	require.NoError(t, refs.UpdateStatus(ref.ID, models.RoleReferee, models.RewardStatusEligible))
	err := refs.SetRewardAmounts(ref.ID, decimal.NewFromInt(10), decimal.NewFromInt(10))
	require.ErrorIs(t, err, ErrRewardAmountLocked)
}

func TestGenerateReferralCode(t *testing.T) {
	code := GenerateReferralCode("maría gonzález")
	require.Regexp(t, regexp.MustCompile(`^MARIA-GONZALEZ-[0-9A-F]{4}$`), code)

	// Long names are truncated before the suffix.
	long := GenerateReferralCode("extraordinarily long username here")
	require.LessOrEqual(t, len(long), 21)

	// Unusable names still yield a code.
	require.NotEmpty(t, GenerateReferralCode(""))
}
