// Package nodes tracks compute-node lifecycle: a node registers, waits out a
// cooldown, activates, and may later deactivate. Only active nodes pass the
// coordinator's admission gate.
package nodes

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/meshcompute/coordinator/internal/store"
)

var (
	ErrAlreadyRegistered = errors.New("node already registered or active")
	ErrNotRegistered     = errors.New("node has not registered")
	ErrCooldownActive    = errors.New("registration cooldown has not elapsed")
)

const (
	statusRegistered = "registered"
	statusActive     = "active"
)

func nodeKey(n common.Address) string { return "node:" + n.Hex() }

type Manager struct {
	store    *store.Store
	cooldown time.Duration
	now      func() time.Time
	log      *zap.Logger
}

func NewManager(st *store.Store, cooldown time.Duration, now func() time.Time, log *zap.Logger) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{store: st, cooldown: cooldown, now: now, log: log}
}

// Register starts the cooldown for an inactive node.
func (m *Manager) Register(ctx context.Context, node common.Address) error {
	err := m.store.Update(ctx, func(tx *store.Tx) error {
		status, _, err := tx.HGet(nodeKey(node), "status")
		if err != nil {
			return err
		}
		if status == statusRegistered || status == statusActive {
			return ErrAlreadyRegistered
		}
		tx.HSet(nodeKey(node),
			"status", statusRegistered,
			"cooldown_start", strconv.FormatInt(m.now().Unix(), 10),
		)
		return nil
	})
	if err != nil {
		return err
	}
	m.log.Info("node registered", zap.String("node", node.Hex()))
	return nil
}

// Activate promotes a registered node once its cooldown has elapsed.
func (m *Manager) Activate(ctx context.Context, node common.Address) error {
	err := m.store.Update(ctx, func(tx *store.Tx) error {
		vals, err := tx.HGetAll(nodeKey(node))
		if err != nil {
			return err
		}
		if vals["status"] != statusRegistered {
			return ErrNotRegistered
		}
		start, _ := strconv.ParseInt(vals["cooldown_start"], 10, 64)
		if m.now().Unix() < start+int64(m.cooldown.Seconds()) {
			return ErrCooldownActive
		}
		tx.HSet(nodeKey(node), "status", statusActive)
		return nil
	})
	if err != nil {
		return err
	}
	m.log.Info("node activated", zap.String("node", node.Hex()))
	return nil
}

// Deactivate returns the node to the inactive state. Idempotent.
func (m *Manager) Deactivate(ctx context.Context, node common.Address) error {
	err := m.store.Update(ctx, func(tx *store.Tx) error {
		tx.Del(nodeKey(node))
		return nil
	})
	if err != nil {
		return err
	}
	m.log.Info("node deactivated", zap.String("node", node.Hex()))
	return nil
}

func (m *Manager) IsActive(ctx context.Context, node common.Address) (bool, error) {
	var active bool
	err := m.store.View(ctx, func(tx *store.Tx) error {
		var err error
		active, err = IsActiveTx(tx, node)
		return err
	})
	return active, err
}

// IsActiveTx is the admission-gate check used inside delivery units.
func IsActiveTx(tx *store.Tx, node common.Address) (bool, error) {
	status, _, err := tx.HGet(nodeKey(node), "status")
	if err != nil {
		return false, err
	}
	return status == statusActive, nil
}
