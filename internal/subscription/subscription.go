// Package subscription stores compute subscriptions and derives their
// delivery intervals. Records are never physically deleted: cancellation
// writes a sentinel activation time so every future interval check fails
// while historical accounting stays queryable for in-flight settlement.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/meshcompute/coordinator/internal/events"
	"github.com/meshcompute/coordinator/internal/store"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrNotSubscriptionOwner = errors.New("caller is not the subscription owner")
	ErrInvalidPeriod        = errors.New("period must not be negative")
)

// CancelledSentinel is the activation time written by Cancel. No wall clock
// ever reaches it, so cancelled subscriptions fail the activation check
// forever without being erased.
const CancelledSentinel = int64(math.MaxInt64)

const nextIDKey = "sub:next"

func subKey(id uint64) string { return "sub:" + strconv.FormatUint(id, 10) }

// Subscription is a standing request for recurring or one-shot off-chain work.
type Subscription struct {
	ID            uint64
	Owner         common.Address
	ActiveAt      int64
	Period        int64
	Frequency     uint32
	Redundancy    uint16
	ContainerID   string
	Lazy          bool
	Verifier      common.Address // zero address: no proof gating
	PaymentAmount *big.Int       // zero: unpaid
	PaymentToken  common.Address
	Wallet        common.Address
}

// Cancelled reports whether the record carries the cancellation sentinel.
func (s *Subscription) Cancelled() bool { return s.ActiveAt == CancelledSentinel }

// CreateParams are the caller-supplied fields of a new subscription.
type CreateParams struct {
	Period        int64
	Frequency     uint32
	Redundancy    uint16
	ContainerID   string
	Lazy          bool
	Verifier      common.Address
	PaymentAmount *big.Int
	PaymentToken  common.Address
	Wallet        common.Address
}

type Registry struct {
	store *store.Store
	now   func() time.Time
	log   *zap.Logger
}

func NewRegistry(st *store.Store, now func() time.Time, log *zap.Logger) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{store: st, now: now, log: log}
}

// Create assigns the next identifier and stores the record with
// activeAt = now + period. Identifiers are monotonic and never reused.
func (r *Registry) Create(ctx context.Context, owner common.Address, p CreateParams) (uint64, error) {
	// A negative period would place activation in the past and break the
	// interval arithmetic, which assumes now >= activeAt implies a positive
	// elapsed span.
	if p.Period < 0 {
		return 0, ErrInvalidPeriod
	}
	var id uint64
	err := r.store.Update(ctx, func(tx *store.Tx) error {
		cur, err := tx.GetUint64(nextIDKey)
		if err != nil {
			return err
		}
		id = cur + 1
		tx.Set(nextIDKey, strconv.FormatUint(id, 10))

		sub := Subscription{
			ID:            id,
			Owner:         owner,
			ActiveAt:      r.now().Unix() + p.Period,
			Period:        p.Period,
			Frequency:     p.Frequency,
			Redundancy:    p.Redundancy,
			ContainerID:   p.ContainerID,
			Lazy:          p.Lazy,
			Verifier:      p.Verifier,
			PaymentAmount: p.PaymentAmount,
			PaymentToken:  p.PaymentToken,
			Wallet:        p.Wallet,
		}
		writeSub(tx, &sub)
		events.Emit(tx, events.SubscriptionCreated,
			"subscription", strconv.FormatUint(id, 10),
			"owner", owner.Hex(),
		)
		return nil
	})
	if err != nil {
		return 0, err
	}
	r.log.Info("subscription created",
		zap.Uint64("subscription", id),
		zap.String("owner", owner.Hex()),
	)
	return id, nil
}

func (r *Registry) Get(ctx context.Context, id uint64) (*Subscription, error) {
	var sub *Subscription
	err := r.store.View(ctx, func(tx *store.Tx) error {
		var err error
		sub, err = GetTx(tx, id)
		return err
	})
	return sub, err
}

// Cancel marks the subscription cancelled. Owner only; idempotent; never
// blocks resolution of escrow already pending against the subscription.
func (r *Registry) Cancel(ctx context.Context, caller common.Address, id uint64) error {
	err := r.store.Update(ctx, func(tx *store.Tx) error {
		sub, err := GetTx(tx, id)
		if err != nil {
			return err
		}
		if sub.Owner != caller {
			return ErrNotSubscriptionOwner
		}
		if sub.Cancelled() {
			return nil
		}
		tx.HSet(subKey(id), "active_at", strconv.FormatInt(CancelledSentinel, 10))
		events.Emit(tx, events.SubscriptionCancelled,
			"subscription", strconv.FormatUint(id, 10),
		)
		return nil
	})
	if err != nil {
		return err
	}
	r.log.Info("subscription cancelled", zap.Uint64("subscription", id))
	return nil
}

// GetTx loads a subscription inside a unit. An absent owner means the
// record was never created.
func GetTx(tx *store.Tx, id uint64) (*Subscription, error) {
	vals, err := tx.HGetAll(subKey(id))
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 || vals["owner"] == "" {
		return nil, ErrSubscriptionNotFound
	}
	return subFromMap(id, vals)
}

// Interval computes the 1-based delivery window at time now. period 0 means
// a single window. Defined only for now >= activeAt; callers gate on
// activation separately.
func Interval(activeAt, period, now int64) uint32 {
	if period == 0 {
		return 1
	}
	return uint32((now-activeAt)/period) + 1
}

func writeSub(tx *store.Tx, s *Subscription) {
	amount := "0"
	if s.PaymentAmount != nil {
		amount = s.PaymentAmount.String()
	}
	tx.HSet(subKey(s.ID),
		"owner", s.Owner.Hex(),
		"active_at", strconv.FormatInt(s.ActiveAt, 10),
		"period", strconv.FormatInt(s.Period, 10),
		"frequency", strconv.FormatUint(uint64(s.Frequency), 10),
		"redundancy", strconv.FormatUint(uint64(s.Redundancy), 10),
		"container_id", s.ContainerID,
		"lazy", strconv.FormatBool(s.Lazy),
		"verifier", s.Verifier.Hex(),
		"payment_amount", amount,
		"payment_token", s.PaymentToken.Hex(),
		"wallet", s.Wallet.Hex(),
	)
}

func subFromMap(id uint64, m map[string]string) (*Subscription, error) {
	activeAt, err := strconv.ParseInt(m["active_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("subscription %d: corrupt active_at: %w", id, err)
	}
	period, _ := strconv.ParseInt(m["period"], 10, 64)
	frequency, _ := strconv.ParseUint(m["frequency"], 10, 32)
	redundancy, _ := strconv.ParseUint(m["redundancy"], 10, 16)
	lazy, _ := strconv.ParseBool(m["lazy"])
	amount, ok := new(big.Int).SetString(m["payment_amount"], 10)
	if !ok {
		return nil, fmt.Errorf("subscription %d: corrupt payment_amount %q", id, m["payment_amount"])
	}
	return &Subscription{
		ID:            id,
		Owner:         common.HexToAddress(m["owner"]),
		ActiveAt:      activeAt,
		Period:        period,
		Frequency:     uint32(frequency),
		Redundancy:    uint16(redundancy),
		ContainerID:   m["container_id"],
		Lazy:          lazy,
		Verifier:      common.HexToAddress(m["verifier"]),
		PaymentAmount: amount,
		PaymentToken:  common.HexToAddress(m["payment_token"]),
		Wallet:        common.HexToAddress(m["wallet"]),
	}, nil
}
