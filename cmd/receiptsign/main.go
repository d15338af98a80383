package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/meshcompute/coordinator/internal/receipt"
)

// receiptsign builds a node's signed delivery receipt for submission as the
// proof payload of a delivery. The compute output is read from stdin.
// Usage: receiptsign <node-key-hex> <container-id> <subscription-id> <interval> < output
func main() {
	if len(os.Args) != 5 {
		fmt.Fprintln(os.Stderr, "usage: receiptsign <node-key-hex> <container-id> <subscription-id> <interval> < output")
		os.Exit(1)
	}
	key, err := crypto.HexToECDSA(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad node key:", err)
		os.Exit(1)
	}
	subID, err := strconv.ParseUint(os.Args[3], 10, 64)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad subscription id:", err)
		os.Exit(1)
	}
	interval, err := strconv.ParseUint(os.Args[4], 10, 32)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad interval:", err)
		os.Exit(1)
	}
	output, err := io.ReadAll(os.Stdin)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read output:", err)
		os.Exit(1)
	}

	chainID := big.NewInt(1)
	if v := os.Getenv("CHAIN_ID"); v != "" {
		chainID, _ = new(big.Int).SetString(v, 10)
	}
	coordinatorAddr := common.HexToAddress(os.Getenv("COORDINATOR_ADDR"))

	containerID := os.Args[2]
	r := &receipt.DeliveryReceipt{
		ContainerID:    containerID,
		Node:           crypto.PubkeyToAddress(key.PublicKey),
		SubscriptionID: subID,
		Interval:       uint32(interval),
		OutputHash:     receipt.BuildOutputHash(containerID, uint32(interval), output),
	}
	if err := receipt.Sign(r, key, chainID, coordinatorAddr); err != nil {
		fmt.Fprintln(os.Stderr, "sign:", err)
		os.Exit(1)
	}
	out, _ := json.Marshal(r)
	fmt.Println(string(out))
}
