package swap

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/google/uuid"

	"github.com/hashdex/swapd/pkg/coin"
)

// Role is the side of a swap this daemon plays. The maker locks funds first;
// the taker locks second and spends first.
type Role string

const (
	RoleMaker Role = "Maker"
	RoleTaker Role = "Taker"
)

// SecretHashAlgo is the hash binding the two HTLCs. It is a property of the
// coin pair, agreed at start and recorded in the Started event.
type SecretHashAlgo string

const (
	AlgoSHA256  SecretHashAlgo = "sha256"
	AlgoHash160 SecretHashAlgo = "ripemd160-sha256"
)

// Sum hashes a secret under the algorithm.
func (a SecretHashAlgo) Sum(secret []byte) []byte {
	switch a {
	case AlgoSHA256:
		sum := sha256.Sum256(secret)
		return sum[:]
	default:
		return btcutil.Hash160(secret)
	}
}

// AlgoForPair picks the pair's secret-hash algorithm: SHA-256 when either
// coin's contract cannot verify anything shorter, RIPEMD160(SHA256) otherwise.
func AlgoForPair(makerCoin, takerCoin coin.Coin) SecretHashAlgo {
	if makerCoin.RequiresSHA256() || takerCoin.RequiresSHA256() {
		return AlgoSHA256
	}
	return AlgoHash160
}

// ConfSettings is the per-pair confirmation policy.
type ConfSettings struct {
	MakerConfs uint32 `json:"maker_confs"`
	TakerConfs uint32 `json:"taker_confs"`
}

// DefaultLockDuration is the protocol's base timing unit in seconds: taker
// lock is one unit out, maker lock two.
const DefaultLockDuration uint64 = 7800

// Data is everything fixed at swap start. It is the payload of the Started
// event and the root of every later computation.
type Data struct {
	UUID         string   `json:"uuid"`
	MakerCoin    string   `json:"maker_coin"`
	TakerCoin    string   `json:"taker_coin"`
	MakerAmount  *big.Int `json:"maker_amount"`
	TakerAmount  *big.Int `json:"taker_amount"`
	MyPub        []byte   `json:"my_persistent_pub"`
	OtherPub     []byte   `json:"other_persistent_pub"`
	LockDuration uint64   `json:"lock_duration"`
	StartedAt    uint64   `json:"started_at"`
	// Secret is set only in a maker's journal; the taker learns it from the
	// chain.
	Secret        []byte         `json:"secret,omitempty"`
	SecretHash    []byte         `json:"secret_hash"`
	HashAlgo      SecretHashAlgo `json:"secret_hash_algo"`
	Confs         ConfSettings   `json:"conf_settings"`
	MakerContract []byte         `json:"maker_coin_swap_contract,omitempty"`
	TakerContract []byte         `json:"taker_coin_swap_contract,omitempty"`
	// Chain heights observed at start. Anything claimed to satisfy this swap
	// must have confirmed at or after these, so stale transactions cannot be
	// replayed into it.
	MakerStartBlock uint64 `json:"maker_coin_start_block,omitempty"`
	TakerStartBlock uint64 `json:"taker_coin_start_block,omitempty"`
}

// MakerPaymentLock is the maker HTLC's absolute refund time.
func (d *Data) MakerPaymentLock() uint64 {
	return d.StartedAt + 2*d.LockDuration
}

// TakerPaymentLock is the taker HTLC's absolute refund time. The shorter lock
// gives the taker, who acts second, the first refund window.
func (d *Data) TakerPaymentLock() uint64 {
	return d.StartedAt + d.LockDuration
}

func (d *Data) NegotiationTimeout() time.Duration {
	return time.Duration(d.LockDuration/10) * time.Second
}

// TakerFeeTimeout bounds the maker's wait for the dex fee. The fee comes
// right after negotiation, so it shares the short deadline.
func (d *Data) TakerFeeTimeout() time.Duration {
	return time.Duration(d.LockDuration/10) * time.Second
}

func (d *Data) PaymentMsgTimeout() time.Duration {
	return time.Duration(d.LockDuration/3) * time.Second
}

// ConfirmMargin keeps confirmation waits clear of the lock they race.
func (d *Data) ConfirmMargin() uint64 {
	return d.LockDuration / 10
}

// Params seeds a swap from the matching layer's output.
type Params struct {
	UUID         uuid.UUID
	MakerAmount  *big.Int
	TakerAmount  *big.Int
	OtherPub     []byte
	LockDuration uint64
	Confs        ConfSettings

	// ResendInterval is how often an in-flight message is re-published while
	// the counterparty's reply is awaited. The transports deliver nothing to a
	// peer that subscribes late, so a single send can be lost for good.
	ResendInterval time.Duration
}

const defaultResendInterval = 30 * time.Second

func (p Params) withDefaults() Params {
	if p.LockDuration == 0 {
		p.LockDuration = DefaultLockDuration
	}
	if p.ResendInterval == 0 {
		p.ResendInterval = defaultResendInterval
	}
	if p.Confs.MakerConfs == 0 {
		p.Confs.MakerConfs = 1
	}
	if p.Confs.TakerConfs == 0 {
		p.Confs.TakerConfs = 1
	}
	return p
}

func generateSecret() ([]byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("secret generation failed: %w", err)
	}
	return secret, nil
}
