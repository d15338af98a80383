// Package lazystore is the append-only keyed response log used for lazy
// delivery. Responses are appended under (containerID, node) and addressed
// by list index; the requester receives only the pointer.
package lazystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/meshcompute/coordinator/internal/store"
)

var ErrItemNotFound = errors.New("lazy store item not found")

func listKey(containerID string, node common.Address) string {
	return "lazy:" + containerID + ":" + node.Hex()
}

// Item is one stored compute response.
type Item struct {
	SubscriptionID uint64 `json:"subscription_id"`
	Interval       uint32 `json:"interval"`
	Input          []byte `json:"input"`
	Output         []byte `json:"output"`
	Proof          []byte `json:"proof"`
}

// Append writes an item inside the caller's unit and returns the index it
// will occupy once the unit commits.
func Append(tx *store.Tx, containerID string, node common.Address, item Item) (uint64, error) {
	raw, err := json.Marshal(item)
	if err != nil {
		return 0, fmt.Errorf("marshal lazy item: %w", err)
	}
	n, err := tx.LLen(listKey(containerID, node))
	if err != nil {
		return 0, err
	}
	tx.RPush(listKey(containerID, node), string(raw))
	return uint64(n), nil
}

// Store provides read access to the log.
type Store struct {
	store *store.Store
}

func New(st *store.Store) *Store {
	return &Store{store: st}
}

func (s *Store) Read(ctx context.Context, containerID string, node common.Address, index uint64) (*Item, error) {
	var item *Item
	err := s.store.View(ctx, func(tx *store.Tx) error {
		raw, ok, err := tx.LIndex(listKey(containerID, node), int64(index))
		if err != nil {
			return err
		}
		if !ok {
			return ErrItemNotFound
		}
		item = &Item{}
		return json.Unmarshal([]byte(raw), item)
	})
	return item, err
}
