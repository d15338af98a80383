package receipt

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	testChainID     = big.NewInt(12345)
	testCoordinator = common.HexToAddress("0xDeAdBeEfDeAdBeEfDeAdBeEfDeAdBeEfDeAdBeEf")
)

// ── BuildOutputHash ────────────────────────────────────────────────────────

func TestBuildOutputHash_Deterministic(t *testing.T) {
	h1 := BuildOutputHash("sha256:abc", 3, []byte("result"))
	h2 := BuildOutputHash("sha256:abc", 3, []byte("result"))
	if h1 != h2 {
		t.Fatal("BuildOutputHash is not deterministic")
	}
}

func TestBuildOutputHash_DifferentContainer(t *testing.T) {
	h1 := BuildOutputHash("sha256:aaa", 3, []byte("result"))
	h2 := BuildOutputHash("sha256:bbb", 3, []byte("result"))
	if h1 == h2 {
		t.Fatal("different container IDs should produce different hashes")
	}
}

func TestBuildOutputHash_DifferentInterval(t *testing.T) {
	h1 := BuildOutputHash("sha256:abc", 3, []byte("result"))
	h2 := BuildOutputHash("sha256:abc", 4, []byte("result"))
	if h1 == h2 {
		t.Fatal("different intervals should produce different hashes")
	}
}

// ── EIP-712 Sign + Verify ──────────────────────────────────────────────────

func newTestReceipt(t *testing.T) (*DeliveryReceipt, common.Address) {
	t.Helper()
	privKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	node := crypto.PubkeyToAddress(privKey.PublicKey)

	r := &DeliveryReceipt{
		ContainerID:    "sha256:abc",
		Node:           node,
		SubscriptionID: 7,
		Interval:       3,
		OutputHash:     BuildOutputHash("sha256:abc", 3, []byte("result")),
	}
	if err := Sign(r, privKey, testChainID, testCoordinator); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return r, node
}

func TestSignVerify_Roundtrip(t *testing.T) {
	r, node := newTestReceipt(t)
	if len(r.Signature) != 65 {
		t.Fatalf("signature length = %d, want 65", len(r.Signature))
	}
	recovered, err := Verify(r, testChainID, testCoordinator)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if recovered != node {
		t.Fatalf("recovered %s, want %s", recovered.Hex(), node.Hex())
	}
}

func TestVerify_TamperedOutput(t *testing.T) {
	r, node := newTestReceipt(t)
	r.OutputHash = BuildOutputHash("sha256:abc", 3, []byte("forged"))
	recovered, err := Verify(r, testChainID, testCoordinator)
	if err == nil && recovered == node {
		t.Fatal("tampered receipt still verifies as the node")
	}
}

func TestVerify_WrongDomain(t *testing.T) {
	r, node := newTestReceipt(t)
	other := common.HexToAddress("0x1111111111111111111111111111111111111111")
	recovered, err := Verify(r, testChainID, other)
	if err == nil && recovered == node {
		t.Fatal("receipt verifies under a different coordinator domain")
	}
}

func TestVerify_WrongChain(t *testing.T) {
	r, node := newTestReceipt(t)
	recovered, err := Verify(r, big.NewInt(99999), testCoordinator)
	if err == nil && recovered == node {
		t.Fatal("receipt verifies under a different chain id")
	}
}
