package evm

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/hashdex/swapd/pkg/coin"
)

// Payment states of the canonical swap contract.
const (
	StateUninitialized uint8 = iota
	StatePaymentSent
	StateReceiverSpent
	StateSenderRefunded
)

// swapABI is the canonical swap contract interface. The contract escrows one
// payment per 32-byte id and releases it to the receiver against the secret,
// or back to the sender after the lock time.
const swapABI = `[
	{"type":"function","name":"ethPayment","stateMutability":"payable","inputs":[
		{"name":"id","type":"bytes32"},
		{"name":"receiver","type":"address"},
		{"name":"secretHash","type":"bytes32"},
		{"name":"lockTime","type":"uint64"}],"outputs":[]},
	{"type":"function","name":"erc20Payment","stateMutability":"nonpayable","inputs":[
		{"name":"id","type":"bytes32"},
		{"name":"amount","type":"uint256"},
		{"name":"tokenAddress","type":"address"},
		{"name":"receiver","type":"address"},
		{"name":"secretHash","type":"bytes32"},
		{"name":"lockTime","type":"uint64"}],"outputs":[]},
	{"type":"function","name":"receiverSpend","stateMutability":"nonpayable","inputs":[
		{"name":"id","type":"bytes32"},
		{"name":"amount","type":"uint256"},
		{"name":"secret","type":"bytes32"},
		{"name":"tokenAddress","type":"address"},
		{"name":"sender","type":"address"}],"outputs":[]},
	{"type":"function","name":"senderRefund","stateMutability":"nonpayable","inputs":[
		{"name":"id","type":"bytes32"},
		{"name":"amount","type":"uint256"},
		{"name":"secretHash","type":"bytes32"},
		{"name":"tokenAddress","type":"address"},
		{"name":"receiver","type":"address"}],"outputs":[]},
	{"type":"function","name":"swaps","stateMutability":"view","inputs":[
		{"name":"id","type":"bytes32"}],"outputs":[
		{"name":"sender","type":"address"},
		{"name":"receiver","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"secretHash","type":"bytes32"},
		{"name":"lockTime","type":"uint64"},
		{"name":"state","type":"uint8"}]},
	{"type":"event","name":"PaymentSent","inputs":[
		{"name":"id","type":"bytes32","indexed":true}],"anonymous":false},
	{"type":"event","name":"ReceiverSpent","inputs":[
		{"name":"id","type":"bytes32","indexed":true},
		{"name":"secret","type":"bytes32","indexed":false}],"anonymous":false},
	{"type":"event","name":"SenderRefunded","inputs":[
		{"name":"id","type":"bytes32","indexed":true}],"anonymous":false}
]`

const erc20ABI = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
		{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[
		{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
		"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[
		{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
		"outputs":[{"name":"","type":"bool"}]}
]`

func mustParseABI(src string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(src))
	if err != nil {
		panic(fmt.Sprintf("static abi does not parse: %v", err))
	}
	return parsed
}

var (
	contractABI = mustParseABI(swapABI)
	tokenABI    = mustParseABI(erc20ABI)
)

// SwapID derives the contract key for one payment:
// sha256(uuid ‖ secret_hash ‖ amount_be32 ‖ lock_be8).
func SwapID(uniqueData, secretHash []byte, amount *big.Int, lockTime uint64) [32]byte {
	h := sha256.New()
	h.Write(uniqueData)
	h.Write(secretHash)

	var amountBuf [32]byte
	amount.FillBytes(amountBuf[:])
	h.Write(amountBuf[:])

	var lockBuf [8]byte
	for i := 0; i < 8; i++ {
		lockBuf[7-i] = byte(lockTime >> (8 * i))
	}
	h.Write(lockBuf[:])

	var id [32]byte
	copy(id[:], h.Sum(nil))
	return id
}

// secretHashWord right-aligns a 20-byte hash into the bytes32 ABI slot;
// 32-byte hashes fill it exactly.
func secretHashWord(secretHash []byte) ([32]byte, error) {
	var word [32]byte
	switch len(secretHash) {
	case 20:
		copy(word[12:], secretHash)
	case 32:
		copy(word[:], secretHash)
	default:
		return word, coin.ErrSecretHashLen
	}
	return word, nil
}

// SwapState is the decoded `swaps(id)` tuple.
type SwapState struct {
	Sender     common.Address
	Receiver   common.Address
	Amount     *big.Int
	SecretHash [32]byte
	LockTime   uint64
	State      uint8
}
