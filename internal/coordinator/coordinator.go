// Package coordinator is the single entry point for compute delivery. It
// validates a node's response against the subscription's schedule and
// redundancy bound, runs payment, and routes the payload eagerly to the
// requester or lazily into the response store, all as one atomic unit.
package coordinator

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/meshcompute/coordinator/internal/escrow"
	"github.com/meshcompute/coordinator/internal/events"
	"github.com/meshcompute/coordinator/internal/lazystore"
	"github.com/meshcompute/coordinator/internal/nodes"
	"github.com/meshcompute/coordinator/internal/store"
	"github.com/meshcompute/coordinator/internal/subscription"
)

var (
	ErrNodeNotActive         = errors.New("caller is not an active node")
	ErrSubscriptionNotActive = errors.New("subscription is not yet active")
	ErrIntervalMismatch      = errors.New("claimed interval does not match the current interval")
	ErrSubscriptionCompleted = errors.New("subscription has delivered all its intervals")
	ErrIntervalCompleted     = errors.New("interval redundancy already satisfied")
	ErrNodeRespondedAlready  = errors.New("node already responded for this interval")
	ErrReentrantDelivery     = errors.New("delivery invoked from within a delivery callback")
)

// DeliveryRequest is a node's claimed response for one subscription interval.
type DeliveryRequest struct {
	SubscriptionID uint64
	Interval       uint32
	Input          []byte
	Output         []byte
	Proof          []byte
	NodeWallet     common.Address
}

// Delivery is what a requester's callback receives. For lazy subscriptions
// the payload fields are zeroed and (ContainerID, StoreIndex) point into the
// lazy store instead.
type Delivery struct {
	SubscriptionID uint64
	Interval       uint32
	RedundancyRank uint16 // 1-based rank among accepted responses this interval
	Node           common.Address
	Input          []byte
	Output         []byte
	Proof          []byte
	ContainerID    string
	StoreIndex     uint64
	Lazy           bool
}

// Consumer is the requester-side delivery callback.
type Consumer interface {
	OnComputeDelivered(ctx context.Context, d Delivery)
}

func countKey(sub uint64, interval uint32) string {
	return "delivery:" + strconv.FormatUint(sub, 10) + ":" + strconv.FormatUint(uint64(interval), 10) + ":count"
}

func respondedKey(sub uint64, interval uint32) string {
	return "delivery:" + strconv.FormatUint(sub, 10) + ":" + strconv.FormatUint(uint64(interval), 10) + ":responded"
}

type Coordinator struct {
	store  *store.Store
	escrow *escrow.Engine
	now    func() time.Time
	log    *zap.Logger

	// deliverMu linearizes top-level deliveries; inCallback rejects
	// re-entry while a requester callback is on the stack, before the
	// mutex is touched, so a callback calling back in errors instead of
	// deadlocking.
	deliverMu  sync.Mutex
	inCallback atomic.Bool

	consumersMu sync.RWMutex
	consumers   map[common.Address]Consumer
}

func New(st *store.Store, esc *escrow.Engine, now func() time.Time, log *zap.Logger) *Coordinator {
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		store:     st,
		escrow:    esc,
		now:       now,
		log:       log,
		consumers: make(map[common.Address]Consumer),
	}
}

// RegisterConsumer binds a delivery callback to a subscription owner.
// Deliveries for owners without a registered consumer still commit; only the
// callback is skipped.
func (c *Coordinator) RegisterConsumer(owner common.Address, consumer Consumer) {
	c.consumersMu.Lock()
	defer c.consumersMu.Unlock()
	c.consumers[owner] = consumer
}

func (c *Coordinator) consumer(owner common.Address) Consumer {
	c.consumersMu.RLock()
	defer c.consumersMu.RUnlock()
	return c.consumers[owner]
}

// Deliver validates and commits one node response. First failing check wins
// and the whole unit aborts with zero side effects; the requester callback
// runs only after the unit has committed.
func (c *Coordinator) Deliver(ctx context.Context, node common.Address, req DeliveryRequest) error {
	if c.inCallback.Load() {
		return ErrReentrantDelivery
	}
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	var (
		sub    *subscription.Subscription
		result Delivery
		notify func()
	)
	err := c.store.Update(ctx, func(tx *store.Tx) error {
		active, err := nodes.IsActiveTx(tx, node)
		if err != nil {
			return err
		}
		if !active {
			return ErrNodeNotActive
		}

		sub, err = subscription.GetTx(tx, req.SubscriptionID)
		if err != nil {
			return err
		}

		now := c.now().Unix()
		if now < sub.ActiveAt {
			// Cancelled subscriptions carry the sentinel and fail here too.
			return ErrSubscriptionNotActive
		}

		interval := subscription.Interval(sub.ActiveAt, sub.Period, now)
		if req.Interval != interval {
			return ErrIntervalMismatch
		}
		if interval > sub.Frequency {
			return ErrSubscriptionCompleted
		}

		count, err := tx.GetUint64(countKey(sub.ID, interval))
		if err != nil {
			return err
		}
		if count >= uint64(sub.Redundancy) {
			return ErrIntervalCompleted
		}
		tx.Set(countKey(sub.ID, interval), strconv.FormatUint(count+1, 10))

		dup, err := tx.SIsMember(respondedKey(sub.ID, interval), node.Hex())
		if err != nil {
			return err
		}
		if dup {
			return ErrNodeRespondedAlready
		}
		tx.SAdd(respondedKey(sub.ID, interval), node.Hex())

		if sub.PaymentAmount != nil && sub.PaymentAmount.Sign() > 0 {
			notify, err = c.escrow.ProcessPayment(tx, sub, interval, node, req.NodeWallet, req.Proof)
			if err != nil {
				return err
			}
		}

		result = Delivery{
			SubscriptionID: sub.ID,
			Interval:       interval,
			RedundancyRank: uint16(count + 1),
			Node:           node,
			ContainerID:    sub.ContainerID,
		}
		if sub.Lazy {
			index, err := lazystore.Append(tx, sub.ContainerID, node, lazystore.Item{
				SubscriptionID: sub.ID,
				Interval:       interval,
				Input:          req.Input,
				Output:         req.Output,
				Proof:          req.Proof,
			})
			if err != nil {
				return err
			}
			result.Lazy = true
			result.StoreIndex = index
		} else {
			result.Input = req.Input
			result.Output = req.Output
			result.Proof = req.Proof
		}

		events.Emit(tx, events.ComputeDelivered,
			"subscription", strconv.FormatUint(sub.ID, 10),
			"interval", strconv.FormatUint(uint64(interval), 10),
			"node", node.Hex(),
			"rank", strconv.FormatUint(count+1, 10),
		)
		return nil
	})
	if err != nil {
		return err
	}

	c.log.Info("compute delivered",
		zap.Uint64("subscription", sub.ID),
		zap.Uint32("interval", result.Interval),
		zap.String("node", node.Hex()),
		zap.Uint16("rank", result.RedundancyRank),
		zap.Bool("lazy", result.Lazy),
	)

	if notify != nil {
		notify()
	}
	if consumer := c.consumer(sub.Owner); consumer != nil {
		c.inCallback.Store(true)
		// Cleared on a deferred path so a panicking callback, recovered
		// further up the stack, cannot wedge every later delivery.
		defer c.inCallback.Store(false)
		consumer.OnComputeDelivered(ctx, result)
	}
	return nil
}
