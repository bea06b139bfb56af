package chain

import (
	"encoding/binary"
	"fmt"

	"github.com/algorand/go-algorand-sdk/v2/types"
)

// BoxSize is the fixed byte length of a referral box in the rewards vault.
const BoxSize = 72

// VaultBox is the decoded on-chain referral record, keyed by the referee's
// 32-byte address. Amounts are µCONFIO.
type VaultBox struct {
	RefereeAmount   uint64
	RefereeClaimed  uint64
	RoundCreated    uint64
	ReferrerAddress types.Address
	ReferrerAmount  uint64
	ReferrerClaimed uint64
}

// DecodeVaultBox parses the big-endian box layout:
//
//	[0:8]   referee_amount
//	[8:16]  referee_claimed
//	[16:24] round_created
//	[24:56] referrer_address
//	[56:64] referrer_amount
//	[64:72] referrer_claimed
func DecodeVaultBox(raw []byte) (VaultBox, error) {
	if len(raw) != BoxSize {
		return VaultBox{}, fmt.Errorf("vault box: want %d bytes, got %d", BoxSize, len(raw))
	}
	var b VaultBox
	b.RefereeAmount = binary.BigEndian.Uint64(raw[0:8])
	b.RefereeClaimed = binary.BigEndian.Uint64(raw[8:16])
	b.RoundCreated = binary.BigEndian.Uint64(raw[16:24])
	copy(b.ReferrerAddress[:], raw[24:56])
	b.ReferrerAmount = binary.BigEndian.Uint64(raw[56:64])
	b.ReferrerClaimed = binary.BigEndian.Uint64(raw[64:72])
	return b, nil
}

// EncodeVaultBox serializes a box back to the wire layout. Used by the
// in-memory vault and round-trip tests.
func EncodeVaultBox(b VaultBox) []byte {
	raw := make([]byte, BoxSize)
	binary.BigEndian.PutUint64(raw[0:8], b.RefereeAmount)
	binary.BigEndian.PutUint64(raw[8:16], b.RefereeClaimed)
	binary.BigEndian.PutUint64(raw[16:24], b.RoundCreated)
	copy(raw[24:56], b.ReferrerAddress[:])
	binary.BigEndian.PutUint64(raw[56:64], b.ReferrerAmount)
	binary.BigEndian.PutUint64(raw[64:72], b.ReferrerClaimed)
	return raw
}

// AmountFor returns the (credited, claimed) µCONFIO pair for a role tag.
func (b VaultBox) AmountFor(tag RoleTag) (uint64, uint64) {
	if tag == RoleTagReferrer {
		return b.ReferrerAmount, b.ReferrerClaimed
	}
	return b.RefereeAmount, b.RefereeClaimed
}
