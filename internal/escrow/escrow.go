// Package escrow drives payment for accepted deliveries: protocol fee
// collection, direct settlement when no verifier gates the payout, and the
// two-phase lock/unlock/transfer escrow with a timed fallback when a
// verifier never responds.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/meshcompute/coordinator/internal/events"
	"github.com/meshcompute/coordinator/internal/store"
	"github.com/meshcompute/coordinator/internal/subscription"
	"github.com/meshcompute/coordinator/internal/wallet"
)

var (
	ErrInvalidWallet        = errors.New("wallet was not produced by the trusted factory")
	ErrUnknownVerifier      = errors.New("no verifier registered at address")
	ErrUnsupportedToken     = errors.New("verifier does not support payment token")
	ErrVerifierFeeTooHigh   = errors.New("verifier fee exceeds remaining payment")
	ErrProofRequestNotFound = errors.New("proof request not found")
	ErrUnauthorizedVerifier = errors.New("caller is not the subscription verifier")
)

// Verifier is the external proof-verification collaborator. BeginVerification
// is fire-and-forget; the verifier is expected to eventually call Finalize.
type Verifier interface {
	SupportsAsset(token common.Address) bool
	FeeFor(token common.Address) *big.Int
	FeeWallet() common.Address
	BeginVerification(subscriptionID uint64, interval uint32, node common.Address, proof []byte)
}

// ProofRequest is the pending-escrow record for one (subscription, interval,
// node). consumerEscrowed is fixed at creation because verifier fees may
// change before resolution.
type ProofRequest struct {
	Expiry           int64
	NodeWallet       common.Address
	ConsumerEscrowed *big.Int
}

func proofKey(sub uint64, interval uint32, node common.Address) string {
	return "proof:" + strconv.FormatUint(sub, 10) + ":" +
		strconv.FormatUint(uint64(interval), 10) + ":" + node.Hex()
}

const feeDenominator = 10_000

type Engine struct {
	store        *store.Store
	baseFeeBps   int64
	feeRecipient common.Address
	proofWindow  time.Duration
	now          func() time.Time
	log          *zap.Logger

	mu        sync.RWMutex
	verifiers map[common.Address]Verifier
}

func NewEngine(
	st *store.Store,
	baseFeeBps int64,
	feeRecipient common.Address,
	proofWindow time.Duration,
	now func() time.Time,
	log *zap.Logger,
) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:        st,
		baseFeeBps:   baseFeeBps,
		feeRecipient: feeRecipient,
		proofWindow:  proofWindow,
		now:          now,
		log:          log,
		verifiers:    make(map[common.Address]Verifier),
	}
}

// RegisterVerifier binds a verifier implementation to its address.
func (e *Engine) RegisterVerifier(addr common.Address, v Verifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.verifiers[addr] = v
}

func (e *Engine) verifier(addr common.Address) (Verifier, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.verifiers[addr]
	return v, ok
}

// ProcessPayment settles or escrows payment for one accepted delivery, inside
// the delivery's unit. The returned notify func is non-nil on the verifier
// path and must be invoked by the caller after the unit commits.
func (e *Engine) ProcessPayment(
	tx *store.Tx,
	sub *subscription.Subscription,
	interval uint32,
	node common.Address,
	nodeWallet common.Address,
	proof []byte,
) (notify func(), err error) {
	if ok, err := wallet.IsFactoryWallet(tx, sub.Wallet); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrInvalidWallet
	}
	if ok, err := wallet.IsFactoryWallet(tx, nodeWallet); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrInvalidWallet
	}

	amount := sub.PaymentAmount
	token := sub.PaymentToken

	// The protocol fee is charged up front at twice the base rate against
	// the full amount. The single deduction covers the protocol's cut of
	// both the normal-path and verifier-path fees, keeping the schedule
	// path-independent. The 2x factor is load-bearing for that parity.
	protocolFee := feeOf(amount, 2*e.baseFeeBps)
	if protocolFee.Sign() > 0 {
		if err := wallet.Transfer(tx, sub.Wallet, sub.Owner, e.feeRecipient, token, protocolFee); err != nil {
			return nil, err
		}
	}
	available := new(big.Int).Sub(amount, protocolFee)

	if sub.Verifier == (common.Address{}) {
		// No proof gating: settlement is final and atomic with delivery.
		if available.Sign() > 0 {
			if err := wallet.Transfer(tx, sub.Wallet, sub.Owner, nodeWallet, token, available); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	v, ok := e.verifier(sub.Verifier)
	if !ok {
		return nil, ErrUnknownVerifier
	}
	if !v.SupportsAsset(token) {
		return nil, ErrUnsupportedToken
	}

	// Fee collection is never deferred, only the principal payout is.
	vfee := v.FeeFor(token)
	if vfee.Cmp(available) > 0 {
		return nil, ErrVerifierFeeTooHigh
	}
	vfeeProtocol := feeOf(vfee, e.baseFeeBps)
	vfeeVerifier := new(big.Int).Sub(vfee, vfeeProtocol)
	if vfeeProtocol.Sign() > 0 {
		if err := wallet.Transfer(tx, sub.Wallet, sub.Owner, e.feeRecipient, token, vfeeProtocol); err != nil {
			return nil, err
		}
	}
	if vfeeVerifier.Sign() > 0 {
		if err := wallet.Transfer(tx, sub.Wallet, sub.Owner, v.FeeWallet(), token, vfeeVerifier); err != nil {
			return nil, err
		}
	}
	available = available.Sub(available, vfee)

	// Node collateral: the full payment amount, slashable on a negative
	// outcome. Requires the node to have approved its own wallet as a
	// spender of itself.
	if err := wallet.Lock(tx, nodeWallet, nodeWallet, token, amount); err != nil {
		return nil, err
	}
	// Consumer side: the eventual node payout. The verifier fee may consume
	// the whole remainder, leaving a zero-escrow request that still gates
	// the collateral on the proof outcome.
	if available.Sign() > 0 {
		if err := wallet.Lock(tx, sub.Wallet, sub.Owner, token, available); err != nil {
			return nil, err
		}
	}

	expiry := e.now().Add(e.proofWindow).Unix()
	tx.HSet(proofKey(sub.ID, interval, node),
		"expiry", strconv.FormatInt(expiry, 10),
		"node_wallet", nodeWallet.Hex(),
		"consumer_escrowed", available.String(),
	)
	events.Emit(tx, events.ProofRequested,
		"subscription", strconv.FormatUint(sub.ID, 10),
		"interval", strconv.FormatUint(uint64(interval), 10),
		"node", node.Hex(),
	)

	subID, iv := sub.ID, interval
	return func() { v.BeginVerification(subID, iv, node, proof) }, nil
}

// Finalize resolves a pending proof request exactly once. Before expiry only
// the subscription's verifier may act; at or after expiry anyone may, and the
// outcome defaults to valid so an unresponsive verifier cannot leave a node
// permanently unpaid. Finalization remains valid after the subscription is
// cancelled.
func (e *Engine) Finalize(
	ctx context.Context,
	caller common.Address,
	subID uint64,
	interval uint32,
	node common.Address,
	valid bool,
) error {
	err := e.store.Update(ctx, func(tx *store.Tx) error {
		req, err := proofRequestTx(tx, subID, interval, node)
		if err != nil {
			return err
		}

		sub, err := subscription.GetTx(tx, subID)
		if err != nil {
			return err
		}

		now := e.now().Unix()
		if now < req.Expiry {
			if caller != sub.Verifier {
				return ErrUnauthorizedVerifier
			}
		} else {
			valid = true
		}

		token := sub.PaymentToken
		if err := wallet.Unlock(tx, req.NodeWallet, req.NodeWallet, token, sub.PaymentAmount); err != nil {
			return err
		}
		if req.ConsumerEscrowed.Sign() > 0 {
			if err := wallet.Unlock(tx, sub.Wallet, sub.Owner, token, req.ConsumerEscrowed); err != nil {
				return err
			}
		}

		if valid {
			if req.ConsumerEscrowed.Sign() > 0 {
				if err := wallet.Transfer(tx, sub.Wallet, sub.Owner, req.NodeWallet, token, req.ConsumerEscrowed); err != nil {
					return err
				}
			}
		} else {
			// Slash the node's collateral. The consumer's own escrow stays
			// unlocked back into its allowance, so it recovers both sides.
			if err := wallet.Transfer(tx, req.NodeWallet, req.NodeWallet, sub.Wallet, token, sub.PaymentAmount); err != nil {
				return err
			}
		}

		tx.Del(proofKey(subID, interval, node))
		events.Emit(tx, events.ProofResolved,
			"subscription", strconv.FormatUint(subID, 10),
			"interval", strconv.FormatUint(uint64(interval), 10),
			"node", node.Hex(),
			"valid", strconv.FormatBool(valid),
		)
		return nil
	})
	if err != nil {
		return err
	}
	e.log.Info("proof request resolved",
		zap.Uint64("subscription", subID),
		zap.Uint32("interval", interval),
		zap.String("node", node.Hex()),
		zap.Bool("valid", valid),
	)
	return nil
}

// PendingRequest returns the stored proof request, or ErrProofRequestNotFound.
func (e *Engine) PendingRequest(ctx context.Context, subID uint64, interval uint32, node common.Address) (*ProofRequest, error) {
	var req *ProofRequest
	err := e.store.View(ctx, func(tx *store.Tx) error {
		var err error
		req, err = proofRequestTx(tx, subID, interval, node)
		return err
	})
	return req, err
}

func proofRequestTx(tx *store.Tx, subID uint64, interval uint32, node common.Address) (*ProofRequest, error) {
	vals, err := tx.HGetAll(proofKey(subID, interval, node))
	if err != nil {
		return nil, err
	}
	expiry, _ := strconv.ParseInt(vals["expiry"], 10, 64)
	if expiry == 0 {
		return nil, ErrProofRequestNotFound
	}
	escrowed, ok := new(big.Int).SetString(vals["consumer_escrowed"], 10)
	if !ok {
		return nil, fmt.Errorf("proof request %d/%d/%s: corrupt consumer_escrowed", subID, interval, node.Hex())
	}
	return &ProofRequest{
		Expiry:           expiry,
		NodeWallet:       common.HexToAddress(vals["node_wallet"]),
		ConsumerEscrowed: escrowed,
	}, nil
}

func feeOf(amount *big.Int, bps int64) *big.Int {
	fee := new(big.Int).Mul(amount, big.NewInt(bps))
	return fee.Div(fee, big.NewInt(feeDenominator))
}
