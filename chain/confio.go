package chain

import "github.com/shopspring/decimal"

// MicroPerConfio converts CONFIO (6 decimal places) to µCONFIO.
const MicroPerConfio = 1_000_000

var microFactor = decimal.NewFromInt(MicroPerConfio)

// ToMicroConfio converts a decimal CONFIO amount to µCONFIO, truncating
// toward zero. Negative amounts clamp to zero; the vault never holds debt.
func ToMicroConfio(d decimal.Decimal) uint64 {
	micro := d.Mul(microFactor).IntPart()
	if micro < 0 {
		return 0
	}
	return uint64(micro)
}

// FromMicroConfio converts µCONFIO back to a decimal CONFIO amount.
func FromMicroConfio(u uint64) decimal.Decimal {
	return decimal.New(int64(u), -6)
}
