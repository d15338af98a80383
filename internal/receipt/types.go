package receipt

import (
	"github.com/ethereum/go-ethereum/common"
)

// DeliveryReceipt is the node-signed attestation over one delivered interval.
// Nodes submit it as the proof payload; verifiers check the signature before
// inspecting the output itself. ContainerID is metadata only (not part of the
// EIP-712 struct); it is carried in JSON so a verifier knows which workload
// produced the output.
type DeliveryReceipt struct {
	ContainerID    string         `json:"container_id"`
	Node           common.Address `json:"node"`
	SubscriptionID uint64         `json:"subscription_id"`
	Interval       uint32         `json:"interval"`
	OutputHash     [32]byte       `json:"output_hash"`
	Signature      []byte         `json:"signature"`
}
