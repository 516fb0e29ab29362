package utxo_test

import (
	"bytes"
	"context"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"

	"github.com/hashdex/swapd/pkg/coin"
	"github.com/hashdex/swapd/pkg/coin/utxo"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// feeChainClient is a canned indexer for fee transaction specs.
type feeChainClient struct {
	params  *chaincfg.Params
	utxos   []utxo.UTXO
	raw     map[string]*wire.MsgTx
	heights map[string]uint64
}

var _ utxo.Client = (*feeChainClient)(nil)

func newFeeChainClient() *feeChainClient {
	return &feeChainClient{
		params:  &chaincfg.RegressionNetParams,
		raw:     map[string]*wire.MsgTx{},
		heights: map[string]uint64{},
	}
}

func (c *feeChainClient) Net() *chaincfg.Params { return c.params }

func (c *feeChainClient) TipBlockHeight(ctx context.Context) (uint64, error) { return 100, nil }

func (c *feeChainClient) UTXOs(ctx context.Context, addr btcutil.Address) ([]utxo.UTXO, error) {
	return c.utxos, nil
}

func (c *feeChainClient) RawTx(ctx context.Context, txid string) (*wire.MsgTx, error) {
	tx, ok := c.raw[txid]
	if !ok {
		return nil, fmt.Errorf("unknown tx %v", txid)
	}
	return tx, nil
}

func (c *feeChainClient) TxConfirmations(ctx context.Context, txid string) (uint64, error) {
	return 1, nil
}

func (c *feeChainClient) TxBlockHeight(ctx context.Context, txid string) (uint64, error) {
	return c.heights[txid], nil
}

func (c *feeChainClient) SpendingTx(ctx context.Context, txid string, vout uint32, fromBlock uint64) (*wire.MsgTx, error) {
	return nil, nil
}

func (c *feeChainClient) SubmitTx(ctx context.Context, tx *wire.MsgTx) (string, error) {
	return tx.TxHash().String(), nil
}

func (c *feeChainClient) FeeRate(ctx context.Context) (int64, error) { return 2, nil }

var _ = Describe("Dex fee transaction", func() {
	var (
		client *feeChainClient
		c      *utxo.Coin
		key    *btcec.PrivateKey
		feePub []byte
		unique []byte
	)

	BeforeEach(func() {
		var err error
		key, err = btcec.NewPrivateKey()
		Expect(err).To(BeNil())
		feeKey, err := btcec.NewPrivateKey()
		Expect(err).To(BeNil())
		feePub = feeKey.PubKey().SerializeCompressed()
		unique = bytes.Repeat([]byte{0x5a}, 16)

		client = newFeeChainClient()
		c, err = utxo.New(utxo.Options{
			Ticker:   "BTC",
			Network:  &chaincfg.RegressionNetParams,
			Decimals: 8,
		}, client, key, zap.NewNop())
		Expect(err).To(BeNil())

		By("Giving the wallet one spendable output")
		ownScript, err := txscript.PayToAddrScript(c.Address())
		Expect(err).To(BeNil())
		prev := wire.NewMsgTx(wire.TxVersion)
		prev.AddTxOut(wire.NewTxOut(1_000_000, ownScript))
		txid := prev.TxHash().String()
		client.raw[txid] = prev
		client.utxos = []utxo.UTXO{{TxID: txid, Vout: 0, Amount: 1_000_000, Confirmed: true}}
	})

	sendFee := func(ctx context.Context) *coin.Tx {
		tx, err := c.SendFee(ctx, feePub, big.NewInt(1000), unique)
		Expect(err).To(BeNil())
		return tx
	}

	It("embeds the swap id in an OP_RETURN output", func(ctx context.Context) {
		tx := sendFee(ctx)

		decoded := wire.NewMsgTx(wire.TxVersion)
		Expect(decoded.Deserialize(bytes.NewReader(tx.Raw))).To(Succeed())
		opret, err := txscript.NullDataScript(unique)
		Expect(err).To(BeNil())

		found := false
		for _, out := range decoded.TxOut {
			if bytes.Equal(out.PkScript, opret) {
				found = true
				Expect(out.Value).To(BeZero())
			}
		}
		Expect(found).To(BeTrue())
	})

	It("validates a fee bound to the same swap", func(ctx context.Context) {
		tx := sendFee(ctx)

		Expect(c.ValidateFee(ctx, coin.ValidateFeeArgs{
			FeeTx:          tx,
			ExpectedSender: key.PubKey().SerializeCompressed(),
			FeeAddr:        feePub,
			Amount:         big.NewInt(1000),
			UniqueData:     unique,
		})).To(Succeed())
	})

	It("rejects a fee carrying another swap's id", func(ctx context.Context) {
		tx := sendFee(ctx)

		err := c.ValidateFee(ctx, coin.ValidateFeeArgs{
			FeeTx:          tx,
			ExpectedSender: key.PubKey().SerializeCompressed(),
			FeeAddr:        feePub,
			Amount:         big.NewInt(1000),
			UniqueData:     bytes.Repeat([]byte{0xa5}, 16),
		})
		Expect(err).To(MatchError(ContainSubstring("swap's id")))
	})

	It("rejects a fee mined before the swap started", func(ctx context.Context) {
		tx := sendFee(ctx)
		client.heights[tx.Hash] = 10

		err := c.ValidateFee(ctx, coin.ValidateFeeArgs{
			FeeTx:          tx,
			ExpectedSender: key.PubKey().SerializeCompressed(),
			FeeAddr:        feePub,
			Amount:         big.NewInt(1000),
			MinBlockNumber: 50,
			UniqueData:     unique,
		})
		Expect(err).To(MatchError(ContainSubstring("before the swap started")))
	})
})
