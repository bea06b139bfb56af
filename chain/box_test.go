package chain

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestDecodeVaultBoxLayout(t *testing.T) {
	raw := make([]byte, BoxSize)
	binary.BigEndian.PutUint64(raw[0:8], 4_000_000)
	binary.BigEndian.PutUint64(raw[8:16], 1_500_000)
	binary.BigEndian.PutUint64(raw[16:24], 4242)
	for i := 24; i < 56; i++ {
		raw[i] = byte(i)
	}
	binary.BigEndian.PutUint64(raw[56:64], 2_000_000)
	binary.BigEndian.PutUint64(raw[64:72], 2_000_000)

	box, err := DecodeVaultBox(raw)
	require.NoError(t, err)
	require.Equal(t, uint64(4_000_000), box.RefereeAmount)
	require.Equal(t, uint64(1_500_000), box.RefereeClaimed)
	require.Equal(t, uint64(4242), box.RoundCreated)
	require.Equal(t, byte(24), box.ReferrerAddress[0])
	require.Equal(t, byte(55), box.ReferrerAddress[31])
	require.Equal(t, uint64(2_000_000), box.ReferrerAmount)
	require.Equal(t, uint64(2_000_000), box.ReferrerClaimed)

	require.Equal(t, raw, EncodeVaultBox(box))
}

func TestDecodeVaultBoxRejectsWrongLength(t *testing.T) {
	_, err := DecodeVaultBox(make([]byte, BoxSize-1))
	require.Error(t, err)
	_, err = DecodeVaultBox(make([]byte, BoxSize+8))
	require.Error(t, err)
}

func TestVaultBoxAmountFor(t *testing.T) {
	box := VaultBox{RefereeAmount: 10, RefereeClaimed: 4, ReferrerAmount: 7, ReferrerClaimed: 7}

	credited, claimed := box.AmountFor(RoleTagReferee)
	require.Equal(t, uint64(10), credited)
	require.Equal(t, uint64(4), claimed)

	credited, claimed = box.AmountFor(RoleTagReferrer)
	require.Equal(t, uint64(7), credited)
	require.Equal(t, uint64(7), claimed)
}

func TestToMicroConfioTruncatesTowardZero(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
	}{
		{"4", 4_000_000},
		{"4.1234567", 4_123_456},
		{"0.0000009", 0},
		{"0", 0},
		{"-3", 0},
	}
	for _, tc := range cases {
		d := decimal.RequireFromString(tc.in)
		require.Equal(t, tc.want, ToMicroConfio(d), "input %s", tc.in)
	}
}

func TestFromMicroConfio(t *testing.T) {
	require.True(t, decimal.RequireFromString("4").Equal(FromMicroConfio(4_000_000)))
	require.True(t, decimal.RequireFromString("0.000001").Equal(FromMicroConfio(1)))
}

func TestMemVaultSetEligibleIsIdempotentAndBalanceGated(t *testing.T) {
	ctx := context.Background()
	v := NewMemVault(5_000_000)

	args := SetEligibleArgs{RefereeAddress: "REFEREE", RefereeAmount: 4_000_000}
	_, err := v.SubmitSetEligible(ctx, args)
	require.NoError(t, err)
	require.Equal(t, uint64(1_000_000), v.Balance())

	// Re-submitting the same credit never reaches the ledger.
	_, err = v.SubmitSetEligible(ctx, args)
	require.ErrorIs(t, err, ErrAlreadyApplied)
	require.Equal(t, uint64(1_000_000), v.Balance())
	require.Len(t, v.Calls, 1)

	// The second role needs more than what is left.
	_, err = v.SubmitSetEligible(ctx, SetEligibleArgs{RefereeAddress: "REFEREE", ReferrerAmount: 4_000_000})
	require.ErrorIs(t, err, ErrVaultUnderfunded)

	_, err = v.SubmitFund(ctx, 3_000_000)
	require.NoError(t, err)
	_, err = v.SubmitSetEligible(ctx, SetEligibleArgs{RefereeAddress: "REFEREE", ReferrerAmount: 4_000_000})
	require.NoError(t, err)

	box, _, err := v.ReadBox(ctx, "REFEREE")
	require.NoError(t, err)
	require.Equal(t, uint64(4_000_000), box.RefereeAmount)
	require.Equal(t, uint64(4_000_000), box.ReferrerAmount)
	require.Equal(t, uint64(0), v.Balance())
}

func TestMemVaultClaimAndSkip(t *testing.T) {
	ctx := context.Background()
	v := NewMemVault(8_000_000)

	_, _, err := v.ReadBox(ctx, "REFEREE")
	require.ErrorIs(t, err, ErrBoxNotFound)

	_, err = v.SubmitSetEligible(ctx, SetEligibleArgs{RefereeAddress: "REFEREE", RefereeAmount: 4_000_000, ReferrerAmount: 4_000_000})
	require.NoError(t, err)

	// Skipping the referrer side returns the unclaimed credit to the pool.
	_, err = v.SubmitSkip(ctx, RoleTagReferrer, "REFEREE")
	require.NoError(t, err)
	require.Equal(t, uint64(4_000_000), v.Balance())

	_, err = v.SubmitClaim(ctx, "REFEREE")
	require.NoError(t, err)
	box, _, err := v.ReadBox(ctx, "REFEREE")
	require.NoError(t, err)
	require.Equal(t, box.RefereeAmount, box.RefereeClaimed)

	_, err = v.SubmitClaim(ctx, "REFEREE")
	require.ErrorIs(t, err, ErrAlreadyApplied)
}
