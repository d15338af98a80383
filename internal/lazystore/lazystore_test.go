package lazystore

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/meshcompute/coordinator/internal/store"
)

var node = common.HexToAddress("0x0000000000000000000000000000000000000E01")

func newTestStore(t *testing.T) (*store.Store, *Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.New(rdb)
	return st, New(st)
}

func TestAppend_Read(t *testing.T) {
	st, ls := newTestStore(t)
	ctx := context.Background()

	item := Item{
		SubscriptionID: 7,
		Interval:       2,
		Input:          []byte("in"),
		Output:         []byte("out"),
		Proof:          []byte("proof"),
	}

	var index uint64
	err := st.Update(ctx, func(tx *store.Tx) error {
		var err error
		index, err = Append(tx, "job", node, item)
		return err
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if index != 0 {
		t.Errorf("first index: got %d want 0", index)
	}

	got, err := ls.Read(ctx, "job", node, index)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.SubscriptionID != 7 || got.Interval != 2 {
		t.Errorf("keys: %+v", got)
	}
	if string(got.Output) != "out" || string(got.Input) != "in" || string(got.Proof) != "proof" {
		t.Errorf("payload: %+v", got)
	}
}

func TestAppend_IndexesAdvance(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	for want := uint64(0); want < 3; want++ {
		err := st.Update(ctx, func(tx *store.Tx) error {
			index, err := Append(tx, "job", node, Item{SubscriptionID: want})
			if err != nil {
				return err
			}
			if index != want {
				t.Errorf("index: got %d want %d", index, want)
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestAppend_KeyedByContainerAndNode(t *testing.T) {
	st, ls := newTestStore(t)
	ctx := context.Background()
	other := common.HexToAddress("0x0000000000000000000000000000000000000E02")

	err := st.Update(ctx, func(tx *store.Tx) error {
		if _, err := Append(tx, "job-a", node, Item{SubscriptionID: 1}); err != nil {
			return err
		}
		index, err := Append(tx, "job-a", other, Item{SubscriptionID: 2})
		if err != nil {
			return err
		}
		if index != 0 {
			t.Errorf("other node shares index space: got %d want 0", index)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := ls.Read(ctx, "job-a", other, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got.SubscriptionID != 2 {
		t.Errorf("wrong item under (container, node) key: %+v", got)
	}
}

func TestRead_NotFound(t *testing.T) {
	_, ls := newTestStore(t)
	_, err := ls.Read(context.Background(), "job", node, 5)
	if !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound, got %v", err)
	}
}
