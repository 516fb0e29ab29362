package utxo

import (
	"context"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

// UTXO is an unspent output of an address as reported by the indexer.
type UTXO struct {
	TxID        string
	Vout        uint32
	Amount      int64
	Confirmed   bool
	BlockHeight uint64
}

// Client is the chain access a script-HTLC coin needs. Implementations talk to
// an electrs-style indexer or a full node; the coin itself never opens sockets.
type Client interface {
	Net() *chaincfg.Params

	TipBlockHeight(ctx context.Context) (uint64, error)

	// UTXOs returns the unspent outputs of an address, confirmed and
	// unconfirmed.
	UTXOs(ctx context.Context, addr btcutil.Address) ([]UTXO, error)

	// RawTx fetches a transaction by its hex id.
	RawTx(ctx context.Context, txid string) (*wire.MsgTx, error)

	// TxConfirmations returns 0 for mempool transactions and an error for
	// unknown ones.
	TxConfirmations(ctx context.Context, txid string) (uint64, error)

	// TxBlockHeight returns the height the tx confirmed at, 0 if unconfirmed.
	TxBlockHeight(ctx context.Context, txid string) (uint64, error)

	// SpendingTx returns the transaction spending the given output, or nil if
	// it is unspent. fromBlock bounds the scan for implementations that need
	// it.
	SpendingTx(ctx context.Context, txid string, vout uint32, fromBlock uint64) (*wire.MsgTx, error)

	// SubmitTx broadcasts and returns the txid. It returns once the local
	// mempool or remote queue accepted the transaction.
	SubmitTx(ctx context.Context, tx *wire.MsgTx) (string, error)

	// FeeRate is the current estimate in sat/vbyte.
	FeeRate(ctx context.Context) (int64, error)
}
