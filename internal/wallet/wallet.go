// Package wallet implements the per-owner value ledger with allowance-based
// spending and the lock/unlock escrow primitive. Escrowed (locked) balance is
// never withdrawable; withdrawable = balance - locked.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/meshcompute/coordinator/internal/store"
)

var (
	ErrNotOwner              = errors.New("caller is not the wallet owner")
	ErrWalletNotFound        = errors.New("wallet not found")
	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrInsufficientFunds     = errors.New("insufficient withdrawable funds")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInsufficientLocked    = errors.New("unlock exceeds locked balance")
)

const factorySetKey = "wallet:factory:created"

func metaKey(w common.Address) string    { return "wallet:" + w.Hex() + ":meta" }
func balanceKey(w common.Address) string { return "wallet:" + w.Hex() + ":balance" }
func lockedKey(w common.Address) string  { return "wallet:" + w.Hex() + ":locked" }

func allowanceKey(w, spender common.Address) string {
	return "wallet:" + w.Hex() + ":allowance:" + spender.Hex()
}

// Ledger is the trusted wallet factory plus owner-facing operations.
type Ledger struct {
	store *store.Store
	log   *zap.Logger
}

func NewLedger(st *store.Store, log *zap.Logger) *Ledger {
	return &Ledger{store: st, log: log}
}

// Create mints a new wallet address for owner and registers it with the
// factory. Only factory-created wallets are accepted for paid deliveries.
func (l *Ledger) Create(ctx context.Context, owner common.Address) (common.Address, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return common.Address{}, fmt.Errorf("generate wallet address: %w", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)

	err = l.store.Update(ctx, func(tx *store.Tx) error {
		tx.SAdd(factorySetKey, addr.Hex())
		tx.HSet(metaKey(addr), "owner", owner.Hex())
		return nil
	})
	if err != nil {
		return common.Address{}, err
	}
	l.log.Info("wallet created",
		zap.String("wallet", addr.Hex()),
		zap.String("owner", owner.Hex()),
	)
	return addr, nil
}

// IsValid reports whether addr was produced by this factory.
func (l *Ledger) IsValid(ctx context.Context, addr common.Address) (bool, error) {
	var ok bool
	err := l.store.View(ctx, func(tx *store.Tx) error {
		var err error
		ok, err = IsFactoryWallet(tx, addr)
		return err
	})
	return ok, err
}

func (l *Ledger) Owner(ctx context.Context, addr common.Address) (common.Address, error) {
	var owner common.Address
	err := l.store.View(ctx, func(tx *store.Tx) error {
		v, ok, err := tx.HGet(metaKey(addr), "owner")
		if err != nil {
			return err
		}
		if !ok {
			return ErrWalletNotFound
		}
		owner = common.HexToAddress(v)
		return nil
	})
	return owner, err
}

// Deposit credits token value to a wallet. Open to any caller.
func (l *Ledger) Deposit(ctx context.Context, addr, token common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	return l.store.Update(ctx, func(tx *store.Tx) error {
		if _, ok, err := tx.HGet(metaKey(addr), "owner"); err != nil {
			return err
		} else if !ok {
			return ErrWalletNotFound
		}
		bal, err := readAmount(tx, balanceKey(addr), token)
		if err != nil {
			return err
		}
		writeAmount(tx, balanceKey(addr), token, new(big.Int).Add(bal, amount))
		return nil
	})
}

// Withdraw moves withdrawable (unlocked) value out of the ledger. Owner only.
func (l *Ledger) Withdraw(ctx context.Context, caller, addr, token common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	return l.store.Update(ctx, func(tx *store.Tx) error {
		if err := requireOwner(tx, addr, caller); err != nil {
			return err
		}
		bal, err := readAmount(tx, balanceKey(addr), token)
		if err != nil {
			return err
		}
		locked, err := readAmount(tx, lockedKey(addr), token)
		if err != nil {
			return err
		}
		withdrawable := new(big.Int).Sub(bal, locked)
		if withdrawable.Cmp(amount) < 0 {
			return ErrInsufficientFunds
		}
		writeAmount(tx, balanceKey(addr), token, new(big.Int).Sub(bal, amount))
		return nil
	})
}

// Approve sets (not increments) the spender's allowance for token. Owner only.
func (l *Ledger) Approve(ctx context.Context, caller, addr, spender, token common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	return l.store.Update(ctx, func(tx *store.Tx) error {
		if err := requireOwner(tx, addr, caller); err != nil {
			return err
		}
		writeAmount(tx, allowanceKey(addr, spender), token, amount)
		return nil
	})
}

func (l *Ledger) Balance(ctx context.Context, addr, token common.Address) (*big.Int, error) {
	return l.readField(ctx, balanceKey(addr), token)
}

func (l *Ledger) Locked(ctx context.Context, addr, token common.Address) (*big.Int, error) {
	return l.readField(ctx, lockedKey(addr), token)
}

func (l *Ledger) Allowance(ctx context.Context, addr, spender, token common.Address) (*big.Int, error) {
	return l.readField(ctx, allowanceKey(addr, spender), token)
}

func (l *Ledger) readField(ctx context.Context, key string, token common.Address) (*big.Int, error) {
	var out *big.Int
	err := l.store.View(ctx, func(tx *store.Tx) error {
		var err error
		out, err = readAmount(tx, key, token)
		return err
	})
	return out, err
}

// ── Escrow primitives ──────────────────────────────────────────────────────
// These operate inside a store.Tx so that payment, counters, and delivery
// routing commit as one unit. All three are atomic relative to each other
// through the unit's serialization.

// IsFactoryWallet checks wallet provenance inside a unit.
func IsFactoryWallet(tx *store.Tx, addr common.Address) (bool, error) {
	return tx.SIsMember(factorySetKey, addr.Hex())
}

// Lock moves amount from the spender's allowance into the wallet's locked
// balance. Requires amount <= allowance and amount <= withdrawable.
func Lock(tx *store.Tx, w, spender, token common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	allow, err := readAmount(tx, allowanceKey(w, spender), token)
	if err != nil {
		return err
	}
	if allow.Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	bal, err := readAmount(tx, balanceKey(w), token)
	if err != nil {
		return err
	}
	locked, err := readAmount(tx, lockedKey(w), token)
	if err != nil {
		return err
	}
	if new(big.Int).Sub(bal, locked).Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	writeAmount(tx, allowanceKey(w, spender), token, new(big.Int).Sub(allow, amount))
	writeAmount(tx, lockedKey(w), token, new(big.Int).Add(locked, amount))
	return nil
}

// Unlock reverses Lock's bookkeeping: locked -> allowance. Balance untouched.
func Unlock(tx *store.Tx, w, spender, token common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	locked, err := readAmount(tx, lockedKey(w), token)
	if err != nil {
		return err
	}
	if locked.Cmp(amount) < 0 {
		return ErrInsufficientLocked
	}
	allow, err := readAmount(tx, allowanceKey(w, spender), token)
	if err != nil {
		return err
	}
	writeAmount(tx, lockedKey(w), token, new(big.Int).Sub(locked, amount))
	writeAmount(tx, allowanceKey(w, spender), token, new(big.Int).Add(allow, amount))
	return nil
}

// Transfer spends amount from w via the spender's allowance and credits dst.
// It does not inspect locked balance: previously escrowed value must be
// unlocked first, which is what lets one escrowed sum be routed to either
// party after the fact.
func Transfer(tx *store.Tx, w, spender, dst, token common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	allow, err := readAmount(tx, allowanceKey(w, spender), token)
	if err != nil {
		return err
	}
	if allow.Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	bal, err := readAmount(tx, balanceKey(w), token)
	if err != nil {
		return err
	}
	if bal.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	writeAmount(tx, allowanceKey(w, spender), token, new(big.Int).Sub(allow, amount))
	writeAmount(tx, balanceKey(w), token, new(big.Int).Sub(bal, amount))
	// The destination read must come after the source decrement so that a
	// self-transfer observes the debited balance and nets out to zero.
	dstBal, err := readAmount(tx, balanceKey(dst), token)
	if err != nil {
		return err
	}
	writeAmount(tx, balanceKey(dst), token, new(big.Int).Add(dstBal, amount))
	return nil
}

// ── helpers ────────────────────────────────────────────────────────────────

func requireOwner(tx *store.Tx, w, caller common.Address) error {
	v, ok, err := tx.HGet(metaKey(w), "owner")
	if err != nil {
		return err
	}
	if !ok {
		return ErrWalletNotFound
	}
	if common.HexToAddress(v) != caller {
		return ErrNotOwner
	}
	return nil
}

func readAmount(tx *store.Tx, key string, token common.Address) (*big.Int, error) {
	v, ok, err := tx.HGet(key, token.Hex())
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	n, ok := new(big.Int).SetString(v, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt amount %q at %s", v, key)
	}
	return n, nil
}

func writeAmount(tx *store.Tx, key string, token common.Address, amount *big.Int) {
	tx.HSet(key, token.Hex(), amount.String())
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}
