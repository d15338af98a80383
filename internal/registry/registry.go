// Package registry is the pure address-discovery table for protocol
// collaborators. It is consulted at wiring time only and is not a runtime
// dependency of the coordination algorithms.
package registry

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

var ErrUnknownName = errors.New("no address registered under name")

const (
	FeeRecipient  = "fee_recipient"
	Coordinator   = "coordinator"
	WalletFactory = "wallet_factory"
)

type Registry struct {
	entries map[string]common.Address
}

func New() *Registry {
	return &Registry{entries: make(map[string]common.Address)}
}

func (r *Registry) Set(name string, addr common.Address) {
	r.entries[name] = addr
}

func (r *Registry) Lookup(name string) (common.Address, error) {
	addr, ok := r.entries[name]
	if !ok {
		return common.Address{}, ErrUnknownName
	}
	return addr, nil
}
