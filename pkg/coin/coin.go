package coin

import (
	"context"
	"math/big"
	"time"
)

// Tx identifies a transaction that has been built or observed by a coin. Raw is
// the serialized transaction in the coin's native encoding, Hash its hex-encoded
// identifier. The core never parses Raw itself, it only hands it back to the coin.
type Tx struct {
	Hash string `json:"tx_hash"`
	Raw  []byte `json:"tx_hex"`
}

// SendPaymentArgs carries everything a coin needs to lock funds into an HTLC.
type SendPaymentArgs struct {
	// TimeLock is the absolute unix time (seconds) after which the sender may
	// refund.
	TimeLock uint64

	// OtherPub is the counterparty's compressed persistent pubkey (33 bytes).
	OtherPub []byte

	// SecretHash is either 20 bytes (RIPEMD160∘SHA256) or 32 bytes (SHA256).
	SecretHash []byte

	Amount *big.Int

	// SwapContract is the canonical swap contract address for contract-HTLC
	// coins; nil for script-HTLC coins.
	SwapContract []byte

	// UniqueData ties the payment to one swap (the uuid bytes).
	UniqueData []byte

	// WatcherReward, when non-nil, is added to the locked amount and claimable
	// by whoever broadcasts the completed watcher preimage.
	WatcherReward *big.Int
}

// SpendPaymentArgs carries what is needed to claim the counterparty's HTLC by
// revealing the secret.
type SpendPaymentArgs struct {
	PaymentTx     []byte
	TimeLock      uint64
	OtherPub      []byte
	Secret        []byte
	SecretHash    []byte
	SwapContract  []byte
	UniqueData    []byte
	WatcherReward *big.Int
}

// RefundPaymentArgs carries what is needed to reclaim our own HTLC after its
// time lock has passed.
type RefundPaymentArgs struct {
	PaymentTx     []byte
	TimeLock      uint64
	OtherPub      []byte
	SecretHash    []byte
	SwapContract  []byte
	UniqueData    []byte
	WatcherReward *big.Int
}

// ValidateFeeArgs describes the expected dex fee transaction.
type ValidateFeeArgs struct {
	FeeTx *Tx

	// ExpectedSender is the taker's persistent pubkey.
	ExpectedSender []byte

	// FeeAddr is the well-known dex fee pubkey of the deployment.
	FeeAddr []byte

	Amount *big.Int

	// MinBlockNumber guards against a fee tx mined before the swap started.
	MinBlockNumber uint64

	UniqueData []byte
}

// ValidatePaymentArgs describes the expected counterparty HTLC payment.
type ValidatePaymentArgs struct {
	PaymentTx    []byte
	TimeLock     uint64
	OtherPub     []byte
	SecretHash   []byte
	Amount       *big.Int
	SwapContract []byte
	UniqueData   []byte
}

// SearchForSpendArgs parameterizes the startup scan for what happened to an
// HTLC while the daemon was down.
type SearchForSpendArgs struct {
	PaymentTx       []byte
	TimeLock        uint64
	OtherPub        []byte
	SecretHash      []byte
	SwapContract    []byte
	UniqueData      []byte
	SearchFromBlock uint64
}

// SpendStatus classifies the outcome of a spend search.
type SpendStatus int

const (
	SpendStatusUnspent SpendStatus = iota
	SpendStatusSpent
	SpendStatusRefunded
)

func (s SpendStatus) String() string {
	switch s {
	case SpendStatusSpent:
		return "spent"
	case SpendStatusRefunded:
		return "refunded"
	default:
		return "unspent"
	}
}

// SpendResult is the outcome of SearchForSwapTxSpend*. Tx is nil when Status is
// SpendStatusUnspent.
type SpendResult struct {
	Status SpendStatus
	Tx     *Tx
}

// Coin is the capability surface the swap core drives. Implementations exist
// per chain family: script-HTLC (pkg/coin/utxo) and contract-HTLC
// (pkg/coin/evm). Every submit operation returns once the transaction is
// accepted by the local mempool or remote node queue; confirmation is a
// separate WaitForConfirmations call.
type Coin interface {
	Ticker() string

	// Decimals of the coin's smallest unit, for display only.
	Decimals() uint8

	// DustAmount is the minimum output value the chain relays.
	DustAmount() *big.Int

	// RequiresSHA256 reports whether this coin's HTLC only supports 32-byte
	// SHA-256 secret hashes. A pair containing such a coin negotiates SHA-256.
	RequiresSHA256() bool

	CurrentBlock(ctx context.Context) (uint64, error)
	MyBalance(ctx context.Context) (*big.Int, error)

	// SendFee pays the dex fee to the well-known fee pubkey.
	SendFee(ctx context.Context, feePub []byte, amount *big.Int, uniqueData []byte) (*Tx, error)

	SendMakerPayment(ctx context.Context, args SendPaymentArgs) (*Tx, error)
	SendTakerPayment(ctx context.Context, args SendPaymentArgs) (*Tx, error)

	SendMakerSpendsTakerPayment(ctx context.Context, args SpendPaymentArgs) (*Tx, error)
	SendTakerSpendsMakerPayment(ctx context.Context, args SpendPaymentArgs) (*Tx, error)

	SendMakerRefundsPayment(ctx context.Context, args RefundPaymentArgs) (*Tx, error)
	SendTakerRefundsPayment(ctx context.Context, args RefundPaymentArgs) (*Tx, error)

	ValidateFee(ctx context.Context, args ValidateFeeArgs) error
	ValidateMakerPayment(ctx context.Context, args ValidatePaymentArgs) error
	ValidateTakerPayment(ctx context.Context, args ValidatePaymentArgs) error

	// WaitForConfirmations blocks until the tx has the requested confirmations
	// or the deadline passes.
	WaitForConfirmations(ctx context.Context, tx []byte, confirmations uint32, until time.Time, interval time.Duration) error

	// WaitForTxSpend blocks until an input spending the HTLC output of tx
	// appears on chain, or the deadline passes.
	WaitForTxSpend(ctx context.Context, tx []byte, until time.Time, fromBlock uint64) (*Tx, error)

	SearchForSwapTxSpendMy(ctx context.Context, args SearchForSpendArgs) (*SpendResult, error)
	SearchForSwapTxSpendOther(ctx context.Context, args SearchForSpendArgs) (*SpendResult, error)

	// ExtractSecret recovers the 32-byte secret whose hash is secretHash from a
	// transaction that spent the HTLC's success branch.
	ExtractSecret(secretHash []byte, spendTx []byte) ([]byte, error)

	TxFromBytes(raw []byte) (*Tx, error)

	// PaymentTradeFee estimates the cost of sending an HTLC payment without
	// submitting anything (a preimage of the expected shape is costed).
	PaymentTradeFee(ctx context.Context) (*big.Int, error)

	// SpendTradeFee estimates the cost of spending or refunding an HTLC.
	SpendTradeFee(ctx context.Context) (*big.Int, error)

	// FeeSendCost estimates the cost of the dex fee transaction itself.
	FeeSendCost(ctx context.Context, amount *big.Int) (*big.Int, error)
}

// WatcherOps is implemented by coins that support the optional watcher role.
// Preimages are fully signed transactions missing only the secret (spend) or
// the passage of time (refund).
type WatcherOps interface {
	// CreateTakerSpendsMakerPreimage builds the unbroadcast transaction that
	// spends the maker payment to the taker, with a placeholder secret.
	CreateTakerSpendsMakerPreimage(ctx context.Context, args SpendPaymentArgs) ([]byte, error)

	// CreateTakerRefundsPreimage builds the unbroadcast refund of the taker
	// payment.
	CreateTakerRefundsPreimage(ctx context.Context, args RefundPaymentArgs) ([]byte, error)

	// SendTakerSpendsMakerPreimage completes the spend preimage with the
	// revealed secret and broadcasts it.
	SendTakerSpendsMakerPreimage(ctx context.Context, preimage, secret []byte) (*Tx, error)

	// SendTakerRefundsPreimage broadcasts the refund preimage.
	SendTakerRefundsPreimage(ctx context.Context, preimage []byte) (*Tx, error)
}

// RefundWait returns how long to wait before a refund of an HTLC with the
// given locktime may be broadcast. Zero means the refund path is open now.
func RefundWait(locktime uint64, now time.Time) time.Duration {
	lock := time.Unix(int64(locktime), 0)
	if !now.Before(lock) {
		return 0
	}
	return lock.Sub(now)
}
