package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/meshcompute/coordinator/internal/store"
	"github.com/meshcompute/coordinator/internal/wallet"
)

// walletbal dumps one escrow wallet's balances straight from Redis.
// Usage: walletbal <wallet-address> [token-address]
func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: walletbal <wallet-address> [token-address]")
		os.Exit(1)
	}
	addr := common.HexToAddress(os.Args[1])
	token := common.Address{}
	if len(os.Args) > 2 {
		token = common.HexToAddress(os.Args[2])
	}
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	ledger := wallet.NewLedger(store.New(rdb), zap.NewNop())

	owner, _ := ledger.Owner(ctx, addr)
	balance, _ := ledger.Balance(ctx, addr, token)
	locked, _ := ledger.Locked(ctx, addr, token)
	fmt.Printf("owner:    %s\n", owner.Hex())
	fmt.Printf("balance:  %s\n", balance)
	fmt.Printf("locked:   %s\n", locked)
}
