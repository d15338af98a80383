package receipt

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var receiptTypeHash = crypto.Keccak256Hash([]byte(
	"DeliveryReceipt(address node,uint256 subscriptionId,uint256 interval,bytes32 outputHash)",
))

// domainSeparator computes the EIP-712 domain separator.
func domainSeparator(chainID *big.Int, coordinatorAddr common.Address) [32]byte {
	domainTypeHash := crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))
	nameHash := crypto.Keccak256Hash([]byte("Mesh Compute Coordinator"))
	versionHash := crypto.Keccak256Hash([]byte("1"))

	// ABI-encode: (bytes32, bytes32, bytes32, uint256, address)
	// Each element is padded to 32 bytes (left-padded for uint/addr)
	encoded := make([]byte, 5*32)
	copy(encoded[0:32], domainTypeHash[:])
	copy(encoded[32:64], nameHash[:])
	copy(encoded[64:96], versionHash[:])
	chainID.FillBytes(encoded[96:128])
	copy(encoded[140:160], coordinatorAddr.Bytes()) // addr is right-aligned in 32-byte slot

	return crypto.Keccak256Hash(encoded)
}

// BuildOutputHash builds keccak256(containerID, interval, output).
func BuildOutputHash(containerID string, interval uint32, output []byte) [32]byte {
	data := make([]byte, 0, len(containerID)+4+len(output))
	data = append(data, []byte(containerID)...)
	data = append(data,
		byte(interval>>24), byte(interval>>16), byte(interval>>8), byte(interval),
	)
	data = append(data, output...)
	return crypto.Keccak256Hash(data)
}

// Verify recovers the signer address from a signed receipt. Verifiers compare
// it against the receipt's claimed node before trusting the output hash.
func Verify(r *DeliveryReceipt, chainID *big.Int, coordinatorAddr common.Address) (common.Address, error) {
	digest := hashReceipt(r, chainID, coordinatorAddr)
	sig := make([]byte, 65)
	copy(sig, r.Signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Sign signs the receipt in-place with the node's key using EIP-712.
func Sign(r *DeliveryReceipt, privKey *ecdsa.PrivateKey, chainID *big.Int, coordinatorAddr common.Address) error {
	digest := hashReceipt(r, chainID, coordinatorAddr)
	sig, err := crypto.Sign(digest[:], privKey)
	if err != nil {
		return err
	}
	// Convert V from 0/1 to 27/28 for Solidity ecrecover
	sig[64] += 27
	r.Signature = sig
	return nil
}

func hashReceipt(r *DeliveryReceipt, chainID *big.Int, coordinatorAddr common.Address) [32]byte {
	// structHash = keccak256(typeHash || abi.encode(fields))
	encoded := make([]byte, 5*32)
	copy(encoded[0:32], receiptTypeHash[:])
	copy(encoded[44:64], r.Node.Bytes()) // padded address
	new(big.Int).SetUint64(r.SubscriptionID).FillBytes(encoded[64:96])
	new(big.Int).SetUint64(uint64(r.Interval)).FillBytes(encoded[96:128])
	copy(encoded[128:160], r.OutputHash[:])

	structHash := crypto.Keccak256Hash(encoded)
	sep := domainSeparator(chainID, coordinatorAddr)

	// Final digest: keccak256(0x1901 || domainSeparator || structHash)
	msg := make([]byte, 2+32+32)
	msg[0] = 0x19
	msg[1] = 0x01
	copy(msg[2:34], sep[:])
	copy(msg[34:66], structHash[:])
	return crypto.Keccak256Hash(msg)
}
