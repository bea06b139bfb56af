package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemVault is an in-memory rewards vault with the same box semantics as the
// on-chain contract (idempotent set_eligible, per-box claim accounting,
// balance-gated credits). Used by tests and local development when no algod
// node is configured.
type MemVault struct {
	mu      sync.Mutex
	boxes   map[string]*VaultBox
	round   uint64
	balance uint64 // unallocated µCONFIO held by the vault

	// Calls records every submission that actually mutated state, in the
	// form "<op> <participant>". AlreadyApplied short-circuits are not
	// recorded, mirroring a contract call that never reached the ledger.
	Calls []string

	forcedErr error
}

func NewMemVault(initialBalanceMicro uint64) *MemVault {
	return &MemVault{
		boxes:   make(map[string]*VaultBox),
		round:   1,
		balance: initialBalanceMicro,
	}
}

// FailWith forces every subsequent submission to return err until reset
// with FailWith(nil).
func (m *MemVault) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forcedErr = err
}

// Balance returns the unallocated µCONFIO.
func (m *MemVault) Balance() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance
}

func (m *MemVault) ReadBox(_ context.Context, participantAddress string) (*VaultBox, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	box, ok := m.boxes[participantAddress]
	if !ok {
		return nil, m.round, ErrBoxNotFound
	}
	cp := *box
	return &cp, m.round, nil
}

func (m *MemVault) SubmitSetEligible(_ context.Context, args SetEligibleArgs) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.forcedErr != nil {
		return "", m.forcedErr
	}

	box, exists := m.boxes[args.RefereeAddress]
	if exists {
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

	var needed uint64
	if box == nil {
		needed = args.RefereeAmount + args.ReferrerAmount
	} else {
		if args.RefereeAmount > box.RefereeAmount {
			needed += args.RefereeAmount - box.RefereeAmount
		}
		if args.ReferrerAmount > box.ReferrerAmount {
			needed += args.ReferrerAmount - box.ReferrerAmount
		}
	}
	if needed > m.balance {
		return "", ErrVaultUnderfunded
	}
	m.balance -= needed

	m.round++
	if box == nil {
		box = &VaultBox{RoundCreated: m.round}
		m.boxes[args.RefereeAddress] = box
	}
	if args.RefereeAmount > box.RefereeAmount {
		box.RefereeAmount = args.RefereeAmount
	}
	if args.ReferrerAmount > box.ReferrerAmount {
		box.ReferrerAmount = args.ReferrerAmount
	}
	m.Calls = append(m.Calls, fmt.Sprintf("set_eligible %s r1=%d r2=%d", args.RefereeAddress, args.RefereeAmount, args.ReferrerAmount))
	return uuid.NewString(), nil
}

func (m *MemVault) SubmitClaim(_ context.Context, participantAddress string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.forcedErr != nil {
		return "", m.forcedErr
	}
	box, ok := m.boxes[participantAddress]
	if !ok {
		return "", ErrBoxNotFound
	}
	if box.RefereeClaimed == box.RefereeAmount && box.ReferrerClaimed == box.ReferrerAmount {
		return "", ErrAlreadyApplied
	}
	m.round++
	box.RefereeClaimed = box.RefereeAmount
	box.ReferrerClaimed = box.ReferrerAmount
	m.Calls = append(m.Calls, "claim "+participantAddress)
	return uuid.NewString(), nil
}

func (m *MemVault) SubmitSkip(_ context.Context, tag RoleTag, participantAddress string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.forcedErr != nil {
		return "", m.forcedErr
	}
	box, ok := m.boxes[participantAddress]
	if !ok {
		return "", ErrBoxNotFound
	}
	m.round++
	switch tag {
	case RoleTagReferrer:
		m.balance += box.ReferrerAmount - box.ReferrerClaimed
		box.ReferrerAmount = box.ReferrerClaimed
	default:
		m.balance += box.RefereeAmount - box.RefereeClaimed
		box.RefereeAmount = box.RefereeClaimed
	}
	m.Calls = append(m.Calls, fmt.Sprintf("skip %d %s", tag, participantAddress))
	return uuid.NewString(), nil
}

func (m *MemVault) SubmitFund(_ context.Context, amountMicro uint64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.forcedErr != nil {
		return "", m.forcedErr
	}
	m.round++
	m.balance += amountMicro
	m.Calls = append(m.Calls, fmt.Sprintf("fund %d", amountMicro))
	return uuid.NewString(), nil
}

func (m *MemVault) WaitConfirmation(_ context.Context, _ string, _ uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.round, nil
}
