// Package store provides serialized, all-or-nothing units of work over Redis.
//
// Every mutating entry point in the coordinator runs inside Update: reads go
// through a pending-write overlay, writes are buffered, and the buffer is
// committed with a single MULTI/EXEC pipeline only if the unit succeeds. A
// failing precondition anywhere in the unit therefore leaves zero writes
// behind, and a package-level mutex linearizes units against each other.
package store

import (
	"context"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

type Store struct {
	rdb *redis.Client
	mu  sync.Mutex
}

func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Update runs fn as one atomic unit. If fn returns an error nothing is
// written; otherwise all buffered writes commit in one transaction.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := newTx(ctx, s.rdb)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit(ctx)
}

// View runs fn with read access under the same serialization as Update.
// Writes issued by fn are discarded.
func (s *Store) View(ctx context.Context, fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return fn(newTx(ctx, s.rdb))
}

// Tx is the handle passed to Update/View callbacks. Reads observe writes
// buffered earlier in the same unit.
type Tx struct {
	ctx context.Context
	rdb *redis.Client

	hashes  map[string]map[string]string
	strings map[string]string
	appends map[string][]string
	members map[string]map[string]bool
	deleted map[string]bool
	ops     []func(redis.Pipeliner)
}

func newTx(ctx context.Context, rdb *redis.Client) *Tx {
	return &Tx{
		ctx:     ctx,
		rdb:     rdb,
		hashes:  make(map[string]map[string]string),
		strings: make(map[string]string),
		appends: make(map[string][]string),
		members: make(map[string]map[string]bool),
		deleted: make(map[string]bool),
	}
}

func (tx *Tx) commit(ctx context.Context) error {
	if len(tx.ops) == 0 {
		return nil
	}
	pipe := tx.rdb.TxPipeline()
	for _, op := range tx.ops {
		op(pipe)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// ── Hashes ─────────────────────────────────────────────────────────────────

// HGet returns the hash field value and whether it exists.
func (tx *Tx) HGet(key, field string) (string, bool, error) {
	if h, ok := tx.hashes[key]; ok {
		if v, ok := h[field]; ok {
			return v, true, nil
		}
	}
	if tx.deleted[key] {
		return "", false, nil
	}
	v, err := tx.rdb.HGet(tx.ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// HGetAll merges the stored hash with writes buffered in this unit.
func (tx *Tx) HGetAll(key string) (map[string]string, error) {
	out := make(map[string]string)
	if !tx.deleted[key] {
		stored, err := tx.rdb.HGetAll(tx.ctx, key).Result()
		if err != nil {
			return nil, err
		}
		for f, v := range stored {
			out[f] = v
		}
	}
	for f, v := range tx.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (tx *Tx) HSet(key string, pairs ...string) {
	h := tx.hashes[key]
	if h == nil {
		h = make(map[string]string)
		tx.hashes[key] = h
	}
	args := make([]interface{}, 0, len(pairs))
	for i := 0; i+1 < len(pairs); i += 2 {
		h[pairs[i]] = pairs[i+1]
		args = append(args, pairs[i], pairs[i+1])
	}
	tx.ops = append(tx.ops, func(p redis.Pipeliner) {
		p.HSet(tx.ctx, key, args...)
	})
}

// ── Strings ────────────────────────────────────────────────────────────────

func (tx *Tx) Get(key string) (string, bool, error) {
	if v, ok := tx.strings[key]; ok {
		return v, true, nil
	}
	if tx.deleted[key] {
		return "", false, nil
	}
	v, err := tx.rdb.Get(tx.ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (tx *Tx) GetUint64(key string) (uint64, error) {
	v, ok, err := tx.Get(key)
	if err != nil || !ok {
		return 0, err
	}
	return strconv.ParseUint(v, 10, 64)
}

func (tx *Tx) Set(key, value string) {
	tx.strings[key] = value
	delete(tx.deleted, key)
	tx.ops = append(tx.ops, func(p redis.Pipeliner) {
		p.Set(tx.ctx, key, value, 0)
	})
}

// ── Lists ──────────────────────────────────────────────────────────────────

func (tx *Tx) LLen(key string) (int64, error) {
	var base int64
	if !tx.deleted[key] {
		n, err := tx.rdb.LLen(tx.ctx, key).Result()
		if err != nil {
			return 0, err
		}
		base = n
	}
	return base + int64(len(tx.appends[key])), nil
}

func (tx *Tx) LIndex(key string, index int64) (string, bool, error) {
	var base int64
	if !tx.deleted[key] {
		n, err := tx.rdb.LLen(tx.ctx, key).Result()
		if err != nil {
			return "", false, err
		}
		base = n
	}
	if index < base {
		v, err := tx.rdb.LIndex(tx.ctx, key, index).Result()
		if err == redis.Nil {
			return "", false, nil
		}
		if err != nil {
			return "", false, err
		}
		return v, true, nil
	}
	pending := tx.appends[key]
	if i := index - base; i >= 0 && i < int64(len(pending)) {
		return pending[i], true, nil
	}
	return "", false, nil
}

func (tx *Tx) RPush(key, value string) {
	tx.appends[key] = append(tx.appends[key], value)
	tx.ops = append(tx.ops, func(p redis.Pipeliner) {
		p.RPush(tx.ctx, key, value)
	})
}

// ── Sets ───────────────────────────────────────────────────────────────────

func (tx *Tx) SIsMember(key, member string) (bool, error) {
	if tx.members[key][member] {
		return true, nil
	}
	if tx.deleted[key] {
		return false, nil
	}
	return tx.rdb.SIsMember(tx.ctx, key, member).Result()
}

func (tx *Tx) SAdd(key, member string) {
	m := tx.members[key]
	if m == nil {
		m = make(map[string]bool)
		tx.members[key] = m
	}
	m[member] = true
	tx.ops = append(tx.ops, func(p redis.Pipeliner) {
		p.SAdd(tx.ctx, key, member)
	})
}

// ── Streams / deletes ──────────────────────────────────────────────────────

// XAdd appends an entry to a stream as part of the unit.
func (tx *Tx) XAdd(stream string, values map[string]interface{}) {
	tx.ops = append(tx.ops, func(p redis.Pipeliner) {
		p.XAdd(tx.ctx, &redis.XAddArgs{Stream: stream, Values: values})
	})
}

func (tx *Tx) Del(key string) {
	tx.deleted[key] = true
	delete(tx.hashes, key)
	delete(tx.strings, key)
	delete(tx.appends, key)
	delete(tx.members, key)
	tx.ops = append(tx.ops, func(p redis.Pipeliner) {
		p.Del(tx.ctx, key)
	})
}
