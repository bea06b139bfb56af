package chain

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"log"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/client/v2/algod"
	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/mnemonic"
	"github.com/algorand/go-algorand-sdk/v2/transaction"
	"github.com/algorand/go-algorand-sdk/v2/types"
)

// RoleTag is the 1-byte role discriminator used by the skip app call.
type RoleTag byte

const (
	RoleTagReferee  RoleTag = 0x01
	RoleTagReferrer RoleTag = 0x02
)

// SetEligibleArgs carries the full argument shape of the set_eligible call.
// A zero amount leaves that side of the box untouched.
type SetEligibleArgs struct {
	RefereeAmount   uint64 // µCONFIO
	ReferrerAmount  uint64 // µCONFIO
	RefereeAddress  string
	ReferrerAddress string
}

// Vault is the adapter over the on-chain rewards vault. All submissions are
// idempotent at the semantic level: resubmitting a call whose effect the box
// already reflects returns ErrAlreadyApplied, which callers treat as success.
type Vault interface {
	// ReadBox returns the decoded box and the confirmed round it was read at.
	ReadBox(ctx context.Context, participantAddress string) (*VaultBox, uint64, error)
	SubmitSetEligible(ctx context.Context, args SetEligibleArgs) (string, error)
	SubmitClaim(ctx context.Context, participantAddress string) (string, error)
	SubmitSkip(ctx context.Context, tag RoleTag, participantAddress string) (string, error)
	SubmitFund(ctx context.Context, amountMicro uint64) (string, error)
	WaitConfirmation(ctx context.Context, txID string, rounds uint64) (uint64, error)
}

// VaultConfig holds the on-chain coordinates of the rewards vault.
type VaultConfig struct {
	AlgodURL       string
	AlgodToken     string
	AppID          uint64 // VAULT_APP_ID
	AssetID        uint64 // CONFIO_ASSET_ID
	SignerMnemonic string // service account allowed to call set_eligible/skip/fund
	SubmitTimeout  time.Duration
	ConfirmRounds  uint64
}

// AlgodVault talks to the rewards vault application through an algod node.
type AlgodVault struct {
	client *algod.Client
	cfg    VaultConfig
	signer crypto.Account
}

func NewAlgodVault(cfg VaultConfig) (*AlgodVault, error) {
	if cfg.AppID == 0 {
		return nil, fmt.Errorf("vault: VAULT_APP_ID is required")
	}
	client, err := algod.MakeClient(cfg.AlgodURL, cfg.AlgodToken)
	if err != nil {
		return nil, fmt.Errorf("vault: algod client: %w", err)
	}
	sk, err := mnemonic.ToPrivateKey(cfg.SignerMnemonic)
	if err != nil {
		return nil, fmt.Errorf("vault: signer mnemonic: %w", err)
	}
	signer, err := crypto.AccountFromPrivateKey(sk)
	if err != nil {
		return nil, fmt.Errorf("vault: signer account: %w", err)
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 30 * time.Second
	}
	if cfg.ConfirmRounds == 0 {
		cfg.ConfirmRounds = 4
	}
	return &AlgodVault{client: client, cfg: cfg, signer: signer}, nil
}

// ReadBox fetches and decodes the referral box keyed by the participant
// address, at the latest confirmed round.
func (v *AlgodVault) ReadBox(ctx context.Context, participantAddress string) (*VaultBox, uint64, error) {
	addr, err := types.DecodeAddress(participantAddress)
	if err != nil {
		return nil, 0, fmt.Errorf("vault: bad participant address %q: %w", participantAddress, err)
	}
	ctx, cancel := context.WithTimeout(ctx, v.cfg.SubmitTimeout)
	defer cancel()

	box, err := v.client.GetApplicationBoxByName(v.cfg.AppID, addr[:]).Do(ctx)
	if err != nil {
		return nil, 0, classify(err)
	}
	decoded, err := DecodeVaultBox(box.Value)
	if err != nil {
		return nil, 0, err
	}
	return &decoded, box.Round, nil
}

// SubmitSetEligible credits eligibility for one or both roles. The box is
// read first so that resubmissions after a crash come back as
// ErrAlreadyApplied instead of a contract round-trip.
func (v *AlgodVault) SubmitSetEligible(ctx context.Context, args SetEligibleArgs) (string, error) {
	refereeAddr, err := types.DecodeAddress(args.RefereeAddress)
	if err != nil {
		return "", fmt.Errorf("vault: referee address: %w", err)
	}
	var referrerAddr types.Address // zero address when the referrer is unregistered
	if args.ReferrerAddress != "" {
		referrerAddr, err = types.DecodeAddress(args.ReferrerAddress)
		if err != nil {
			return "", fmt.Errorf("vault: referrer address: %w", err)
		}
	}

	if box, _, err := v.ReadBox(ctx, args.RefereeAddress); err == nil {
		applied := true
		if args.RefereeAmount > 0 && box.RefereeAmount < args.RefereeAmount {
			applied = false
		}
		if args.ReferrerAmount > 0 && box.ReferrerAmount < args.ReferrerAmount {
			applied = false
		}
		if applied {
			return "", ErrAlreadyApplied
		}
	}

	appArgs := [][]byte{
		[]byte("set_eligible"),
		be64(args.RefereeAmount),
		be64(args.ReferrerAmount),
		refereeAddr[:],
		referrerAddr[:],
	}
	return v.submitAppCall(ctx, appArgs, refereeAddr)
}

// SubmitClaim triggers the on-chain payout for whichever sides of the box
// are currently eligible and unclaimed.
func (v *AlgodVault) SubmitClaim(ctx context.Context, participantAddress string) (string, error) {
	addr, err := types.DecodeAddress(participantAddress)
	if err != nil {
		return "", fmt.Errorf("vault: participant address: %w", err)
	}
	appArgs := [][]byte{[]byte("claim")}
	return v.submitAppCall(ctx, appArgs, addr)
}

// SubmitSkip marks one role's reward as forfeited.
func (v *AlgodVault) SubmitSkip(ctx context.Context, tag RoleTag, participantAddress string) (string, error) {
	addr, err := types.DecodeAddress(participantAddress)
	if err != nil {
		return "", fmt.Errorf("vault: participant address: %w", err)
	}
	appArgs := [][]byte{[]byte("skip"), {byte(tag)}, addr[:]}
	return v.submitAppCall(ctx, appArgs, addr)
}

// SubmitFund tops up the vault with µCONFIO via a grouped asset transfer +
// fund app call.
func (v *AlgodVault) SubmitFund(ctx context.Context, amountMicro uint64) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, v.cfg.SubmitTimeout)
	defer cancel()

	sp, err := v.client.SuggestedParams().Do(ctx)
	if err != nil {
		return "", classify(err)
	}

	appAddr := crypto.GetApplicationAddress(v.cfg.AppID)
	axfer, err := transaction.MakeAssetTransferTxn(
		v.signer.Address.String(), appAddr.String(), amountMicro, nil, sp, "", v.cfg.AssetID)
	if err != nil {
		return "", fmt.Errorf("vault: fund axfer: %w", err)
	}
	appCall, err := transaction.MakeApplicationNoOpTxWithBoxes(
		v.cfg.AppID, [][]byte{[]byte("fund")}, nil, nil, []uint64{v.cfg.AssetID}, nil,
		sp, v.signer.Address, nil, types.Digest{}, [32]byte{}, types.Address{})
	if err != nil {
		return "", fmt.Errorf("vault: fund app call: %w", err)
	}

	group, err := transaction.AssignGroupID([]types.Transaction{axfer, appCall}, "")
	if err != nil {
		return "", fmt.Errorf("vault: fund group: %w", err)
	}
	var stxs []byte
	var txID string
	for i, txn := range group {
		id, stx, err := crypto.SignTransaction(ed25519.PrivateKey(v.signer.PrivateKey), txn)
		if err != nil {
			return "", fmt.Errorf("vault: sign fund txn: %w", err)
		}
		if i == len(group)-1 {
			txID = id
		}
		stxs = append(stxs, stx...)
	}
	if _, err := v.client.SendRawTransaction(stxs).Do(ctx); err != nil {
		return "", classify(err)
	}
	log.Printf("💰 Vault funded with %d µCONFIO (tx %s)", amountMicro, txID)
	return txID, nil
}

// WaitConfirmation blocks until the transaction confirms or the round
// budget is exhausted.
func (v *AlgodVault) WaitConfirmation(ctx context.Context, txID string, rounds uint64) (uint64, error) {
	if rounds == 0 {
		rounds = v.cfg.ConfirmRounds
	}
	resp, err := transaction.WaitForConfirmation(v.client, txID, rounds, ctx)
	if err != nil {
		return 0, classify(err)
	}
	return resp.ConfirmedRound, nil
}

func (v *AlgodVault) submitAppCall(ctx context.Context, appArgs [][]byte, boxKey types.Address) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, v.cfg.SubmitTimeout)
	defer cancel()

	sp, err := v.client.SuggestedParams().Do(ctx)
	if err != nil {
		return "", classify(err)
	}
	boxes := []types.AppBoxReference{{AppID: 0, Name: boxKey[:]}} // 0 = the called app
	txn, err := transaction.MakeApplicationNoOpTxWithBoxes(
		v.cfg.AppID, appArgs, nil, nil, []uint64{v.cfg.AssetID}, boxes,
		sp, v.signer.Address, nil, types.Digest{}, [32]byte{}, types.Address{})
	if err != nil {
		return "", fmt.Errorf("vault: build app call: %w", err)
	}
	txID, stx, err := crypto.SignTransaction(ed25519.PrivateKey(v.signer.PrivateKey), txn)
	if err != nil {
		return "", fmt.Errorf("vault: sign app call: %w", err)
	}
	if _, err := v.client.SendRawTransaction(stx).Do(ctx); err != nil {
		return "", classify(err)
	}
	return txID, nil
}

func be64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
