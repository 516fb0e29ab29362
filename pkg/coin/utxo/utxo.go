package utxo

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"go.uber.org/zap"

	"github.com/hashdex/swapd/pkg/coin"
)

// Options configures a script-HTLC coin.
type Options struct {
	Ticker   string
	Network  *chaincfg.Params
	Decimals uint8

	// Segwit selects P2WSH HTLCs and P2WPKH wallet outputs; false falls back
	// to P2SH/P2PKH for chains without segwit.
	Segwit bool

	// DustLimit in satoshis. Zero means the standard relay dust of 546.
	DustLimit int64

	// FallbackFeeRate is used when the client has no estimate, sat/vbyte.
	FallbackFeeRate int64

	// ConfPollInterval between confirmation checks.
	ConfPollInterval time.Duration
}

func (opts Options) withDefaults() Options {
	if opts.DustLimit == 0 {
		opts.DustLimit = 546
	}
	if opts.FallbackFeeRate == 0 {
		opts.FallbackFeeRate = 10
	}
	if opts.ConfPollInterval == 0 {
		opts.ConfPollInterval = 15 * time.Second
	}
	return opts
}

// Coin implements coin.Coin for UTXO chains with script HTLCs.
type Coin struct {
	opts      Options
	client    Client
	key       *btcec.PrivateKey
	address   btcutil.Address
	logger    *zap.Logger
	outpoints *OutpointSet

	// mu serializes input selection and broadcast so concurrent swaps on this
	// coin cannot pick the same funding outputs.
	mu sync.Mutex
}

var _ coin.Coin = (*Coin)(nil)
var _ coin.WatcherOps = (*Coin)(nil)

func New(opts Options, client Client, key *btcec.PrivateKey, logger *zap.Logger) (*Coin, error) {
	opts = opts.withDefaults()
	if opts.Network == nil {
		return nil, fmt.Errorf("network params are required")
	}

	var addr btcutil.Address
	var err error
	pubHash := btcutil.Hash160(key.PubKey().SerializeCompressed())
	if opts.Segwit {
		addr, err = btcutil.NewAddressWitnessPubKeyHash(pubHash, opts.Network)
	} else {
		addr, err = btcutil.NewAddressPubKeyHash(pubHash, opts.Network)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to derive wallet address: %w", err)
	}

	return &Coin{
		opts:      opts,
		client:    client,
		key:       key,
		address:   addr,
		logger:    logger.With(zap.String("coin", opts.Ticker)),
		outpoints: NewOutpointSet(0),
	}, nil
}

func (c *Coin) Ticker() string   { return c.opts.Ticker }
func (c *Coin) Decimals() uint8  { return c.opts.Decimals }
func (c *Coin) RequiresSHA256() bool { return false }

func (c *Coin) DustAmount() *big.Int { return big.NewInt(c.opts.DustLimit) }

// Address is the coin's own wallet address.
func (c *Coin) Address() btcutil.Address { return c.address }

func (c *Coin) myPub() []byte { return c.key.PubKey().SerializeCompressed() }

func (c *Coin) CurrentBlock(ctx context.Context) (uint64, error) {
	return c.client.TipBlockHeight(ctx)
}

func (c *Coin) MyBalance(ctx context.Context) (*big.Int, error) {
	utxos, err := c.client.UTXOs(ctx, c.address)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch utxos: %w", err)
	}
	total := int64(0)
	for _, u := range utxos {
		total += u.Amount
	}
	return big.NewInt(total), nil
}

func (c *Coin) TxFromBytes(raw []byte) (*coin.Tx, error) {
	tx, err := decodeTx(raw)
	if err != nil {
		return nil, err
	}
	return &coin.Tx{Hash: tx.TxHash().String(), Raw: raw}, nil
}

// SendFee pays the dex fee to the key-hash address of the fee pubkey.
func (c *Coin) SendFee(ctx context.Context, feePub []byte, amount *big.Int, uniqueData []byte) (*coin.Tx, error) {
	if amount.Cmp(c.DustAmount()) < 0 {
		return nil, coin.ErrDustAmount
	}
	feeScript, err := c.payToPubScript(feePub)
	if err != nil {
		return nil, err
	}
	outputs := []*wire.TxOut{wire.NewTxOut(amount.Int64(), feeScript)}
	if len(uniqueData) > 0 {
		// The swap id rides an OP_RETURN output, binding this fee to exactly
		// one swap.
		opret, err := txscript.NullDataScript(uniqueData)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, wire.NewTxOut(0, opret))
	}
	return c.fund(ctx, outputs)
}

func (c *Coin) SendMakerPayment(ctx context.Context, args coin.SendPaymentArgs) (*coin.Tx, error) {
	return c.sendPayment(ctx, args)
}

func (c *Coin) SendTakerPayment(ctx context.Context, args coin.SendPaymentArgs) (*coin.Tx, error) {
	return c.sendPayment(ctx, args)
}

func (c *Coin) sendPayment(ctx context.Context, args coin.SendPaymentArgs) (*coin.Tx, error) {
	amount := paymentValue(args.Amount, args.WatcherReward)
	if amount.Cmp(c.DustAmount()) < 0 {
		return nil, coin.ErrDustAmount
	}
	script, err := HtlcScript(c.myPub(), args.OtherPub, args.SecretHash, args.TimeLock)
	if err != nil {
		return nil, err
	}
	pkScript, err := c.htlcPkScript(script)
	if err != nil {
		return nil, err
	}
	return c.fund(ctx, []*wire.TxOut{wire.NewTxOut(amount.Int64(), pkScript)})
}

// SendMakerSpendsTakerPayment claims the taker HTLC with the secret; the maker
// is the receiver of that script.
func (c *Coin) SendMakerSpendsTakerPayment(ctx context.Context, args coin.SpendPaymentArgs) (*coin.Tx, error) {
	return c.spendPayment(ctx, args, false)
}

// SendTakerSpendsMakerPayment claims the maker HTLC with the secret.
func (c *Coin) SendTakerSpendsMakerPayment(ctx context.Context, args coin.SpendPaymentArgs) (*coin.Tx, error) {
	return c.spendPayment(ctx, args, false)
}

func (c *Coin) SendMakerRefundsPayment(ctx context.Context, args coin.RefundPaymentArgs) (*coin.Tx, error) {
	return c.refundPayment(ctx, args)
}

func (c *Coin) SendTakerRefundsPayment(ctx context.Context, args coin.RefundPaymentArgs) (*coin.Tx, error) {
	return c.refundPayment(ctx, args)
}

func (c *Coin) spendPayment(ctx context.Context, args coin.SpendPaymentArgs, preimageOnly bool) (*coin.Tx, error) {
	if len(args.Secret) != secretLen && !preimageOnly {
		return nil, coin.ErrSecretLen
	}
	// We are the receiver branch of the counterparty's script.
	script, err := HtlcScript(args.OtherPub, c.myPub(), args.SecretHash, args.TimeLock)
	if err != nil {
		return nil, err
	}
	spendTx, err := c.buildHtlcSpend(args.PaymentTx, script, args.Secret, args.WatcherReward, 0)
	if err != nil {
		return nil, err
	}
	if preimageOnly {
		return txToCoinTx(spendTx)
	}
	return c.broadcast(ctx, spendTx)
}

func (c *Coin) refundPayment(ctx context.Context, args coin.RefundPaymentArgs) (*coin.Tx, error) {
	if wait := coin.RefundWait(args.TimeLock, time.Now()); wait > 0 {
		return nil, fmt.Errorf("%w: %v remaining", coin.ErrRefundLocked, wait)
	}
	tx, err := c.buildRefund(args)
	if err != nil {
		return nil, err
	}
	return c.broadcast(ctx, tx)
}

func (c *Coin) buildRefund(args coin.RefundPaymentArgs) (*wire.MsgTx, error) {
	// We are the sender branch of our own script.
	script, err := HtlcScript(c.myPub(), args.OtherPub, args.SecretHash, args.TimeLock)
	if err != nil {
		return nil, err
	}
	return c.buildHtlcSpend(args.PaymentTx, script, nil, args.WatcherReward, args.TimeLock)
}

// buildHtlcSpend constructs the 1-in-1-out transaction consuming the HTLC
// output of paymentRaw. A nil secret selects the timeout branch and locktime
// must then carry the script locktime.
func (c *Coin) buildHtlcSpend(paymentRaw, script, secret []byte, watcherReward *big.Int, locktime uint64) (*wire.MsgTx, error) {
	payment, err := decodeTx(paymentRaw)
	if err != nil {
		return nil, err
	}
	pkScript, err := c.htlcPkScript(script)
	if err != nil {
		return nil, err
	}
	vout, value, err := findOutput(payment, pkScript)
	if err != nil {
		return nil, err
	}

	feeRate := c.feeRate(context.Background())
	fee := feeRate * int64(estimateHtlcSpendVSize(c.opts.Segwit, len(script)))
	if watcherReward != nil {
		// The reward rides as extra fee so any broadcaster profits via
		// priority; see DESIGN.md.
		fee += watcherReward.Int64()
	}
	out := value - fee
	if out < c.opts.DustLimit {
		return nil, fmt.Errorf("htlc value %d does not cover the spend fee %d", value, fee)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	paymentHash := payment.TxHash()
	in := wire.NewTxIn(wire.NewOutPoint(&paymentHash, uint32(vout)), nil, nil)
	if locktime > 0 {
		tx.LockTime = uint32(locktime)
		in.Sequence = wire.MaxTxInSequenceNum - 1
	}
	tx.AddTxIn(in)

	ownScript, err := txscript.PayToAddrScript(c.address)
	if err != nil {
		return nil, err
	}
	tx.AddTxOut(wire.NewTxOut(out, ownScript))

	if err := c.signHtlcInput(tx, 0, script, pkScript, value, secret, locktime > 0); err != nil {
		return nil, err
	}
	return tx, nil
}

func (c *Coin) signHtlcInput(tx *wire.MsgTx, idx int, script, pkScript []byte, value int64, secret []byte, refund bool) error {
	if c.opts.Segwit {
		fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, value)
		sigHashes := txscript.NewTxSigHashes(tx, fetcher)
		sig, err := txscript.RawTxInWitnessSignature(tx, sigHashes, idx, value, script, txscript.SigHashAll, c.key)
		if err != nil {
			return fmt.Errorf("failed to sign htlc input: %w", err)
		}
		if refund {
			tx.TxIn[idx].Witness = RefundWitness(script, sig)
		} else {
			tx.TxIn[idx].Witness = RedeemWitness(script, sig, secretOrPlaceholder(secret))
		}
		return nil
	}

	sig, err := txscript.RawTxInSignature(tx, idx, script, txscript.SigHashAll, c.key)
	if err != nil {
		return fmt.Errorf("failed to sign htlc input: %w", err)
	}
	var sigScript []byte
	if refund {
		sigScript, err = RefundSigScript(script, sig)
	} else {
		sigScript, err = RedeemSigScript(script, sig, secretOrPlaceholder(secret))
	}
	if err != nil {
		return err
	}
	tx.TxIn[idx].SignatureScript = sigScript
	return nil
}

func secretOrPlaceholder(secret []byte) []byte {
	if len(secret) == 0 {
		return make([]byte, secretLen)
	}
	return secret
}

func (c *Coin) ValidateFee(ctx context.Context, args coin.ValidateFeeArgs) error {
	tx, err := decodeTx(args.FeeTx.Raw)
	if err != nil {
		return coin.NewWrongPaymentTx("fee tx does not deserialize: %v", err)
	}
	feeScript, err := c.payToPubScript(args.FeeAddr)
	if err != nil {
		return coin.NewWrongPaymentTx("bad fee pubkey: %v", err)
	}
	if _, _, err := findOutputValue(tx, feeScript, args.Amount.Int64()); err != nil {
		return coin.NewWrongPaymentTx("fee output mismatch: %v", err)
	}
	if len(args.UniqueData) > 0 {
		opret, err := txscript.NullDataScript(args.UniqueData)
		if err != nil {
			return coin.NewWrongPaymentTx("bad fee unique data: %v", err)
		}
		if _, _, err := findOutput(tx, opret); err != nil {
			return coin.NewWrongPaymentTx("fee tx does not carry this swap's id")
		}
	}

	// The first input must come from the taker's own key.
	if len(tx.TxIn) == 0 {
		return coin.NewWrongPaymentTx("fee tx has no inputs")
	}
	prev := tx.TxIn[0].PreviousOutPoint
	prevTx, err := c.client.RawTx(ctx, prev.Hash.String())
	if err != nil {
		return coin.NewTransportError("failed to fetch fee input tx", err)
	}
	if int(prev.Index) >= len(prevTx.TxOut) {
		return coin.NewInvalidResponse("fee input index out of range", nil)
	}
	senderScript, err := c.payToPubScript(args.ExpectedSender)
	if err != nil {
		return coin.NewWrongPaymentTx("bad sender pubkey: %v", err)
	}
	if !bytes.Equal(prevTx.TxOut[prev.Index].PkScript, senderScript) {
		return coin.NewWrongPaymentTx("fee is not paid from the taker's key")
	}

	if args.MinBlockNumber > 0 {
		height, err := c.client.TxBlockHeight(ctx, tx.TxHash().String())
		if err != nil {
			return coin.NewTransportError("failed to fetch fee tx height", err)
		}
		if height != 0 && height < args.MinBlockNumber {
			return coin.NewWrongPaymentTx("fee tx confirmed at %d before the swap started at block %d", height, args.MinBlockNumber)
		}
	}
	return nil
}

// ValidateMakerPayment checks the maker HTLC against the negotiated
// parameters; the caller (taker) is the receiver.
func (c *Coin) ValidateMakerPayment(ctx context.Context, args coin.ValidatePaymentArgs) error {
	return c.validatePayment(args)
}

// ValidateTakerPayment checks the taker HTLC; the caller (maker) is the
// receiver.
func (c *Coin) ValidateTakerPayment(ctx context.Context, args coin.ValidatePaymentArgs) error {
	return c.validatePayment(args)
}

func (c *Coin) validatePayment(args coin.ValidatePaymentArgs) error {
	if args.Amount.Cmp(c.DustAmount()) < 0 {
		return coin.NewWrongPaymentTx("payment amount %v is dust", args.Amount)
	}
	tx, err := decodeTx(args.PaymentTx)
	if err != nil {
		return coin.NewWrongPaymentTx("payment tx does not deserialize: %v", err)
	}
	script, err := HtlcScript(args.OtherPub, c.myPub(), args.SecretHash, args.TimeLock)
	if err != nil {
		return coin.NewWrongPaymentTx("cannot rebuild htlc script: %v", err)
	}
	pkScript, err := c.htlcPkScript(script)
	if err != nil {
		return coin.NewWrongPaymentTx("cannot wrap htlc script: %v", err)
	}
	if _, _, err := findOutputValue(tx, pkScript, args.Amount.Int64()); err != nil {
		return coin.NewWrongPaymentTx("htlc output mismatch: %v", err)
	}
	return nil
}

func (c *Coin) WaitForConfirmations(ctx context.Context, raw []byte, confirmations uint32, until time.Time, interval time.Duration) error {
	tx, err := decodeTx(raw)
	if err != nil {
		return err
	}
	if interval <= 0 {
		interval = c.opts.ConfPollInterval
	}
	txid := tx.TxHash().String()

	for {
		confs, err := c.client.TxConfirmations(ctx, txid)
		if err != nil {
			c.logger.Debug("confirmation poll failed", zap.String("txid", txid), zap.Error(err))
		} else if confs >= uint64(confirmations) {
			return nil
		}
		if time.Now().After(until) {
			return coin.NewTimeoutError(fmt.Sprintf("tx %v has %d of %d confirmations at deadline", txid, confs, confirmations), nil)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (c *Coin) WaitForTxSpend(ctx context.Context, raw []byte, until time.Time, fromBlock uint64) (*coin.Tx, error) {
	tx, err := decodeTx(raw)
	if err != nil {
		return nil, err
	}
	vout, err := c.anyHtlcVout(tx)
	if err != nil {
		return nil, err
	}
	txid := tx.TxHash().String()

	for {
		spend, err := c.client.SpendingTx(ctx, txid, uint32(vout), fromBlock)
		if err != nil {
			c.logger.Debug("spend poll failed", zap.String("txid", txid), zap.Error(err))
		} else if spend != nil {
			return txToCoinTx(spend)
		}
		if time.Now().After(until) {
			return nil, coin.NewTimeoutError(fmt.Sprintf("output %v:%d unspent at deadline", txid, vout), nil)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.opts.ConfPollInterval):
		}
	}
}

// SearchForSwapTxSpendMy looks up what happened to our own payment.
func (c *Coin) SearchForSwapTxSpendMy(ctx context.Context, args coin.SearchForSpendArgs) (*coin.SpendResult, error) {
	script, err := HtlcScript(c.myPub(), args.OtherPub, args.SecretHash, args.TimeLock)
	if err != nil {
		return nil, err
	}
	return c.searchForSpend(ctx, args, script)
}

// SearchForSwapTxSpendOther looks up what happened to the counterparty's
// payment.
func (c *Coin) SearchForSwapTxSpendOther(ctx context.Context, args coin.SearchForSpendArgs) (*coin.SpendResult, error) {
	script, err := HtlcScript(args.OtherPub, c.myPub(), args.SecretHash, args.TimeLock)
	if err != nil {
		return nil, err
	}
	return c.searchForSpend(ctx, args, script)
}

func (c *Coin) searchForSpend(ctx context.Context, args coin.SearchForSpendArgs, script []byte) (*coin.SpendResult, error) {
	payment, err := decodeTx(args.PaymentTx)
	if err != nil {
		return nil, err
	}
	pkScript, err := c.htlcPkScript(script)
	if err != nil {
		return nil, err
	}
	vout, _, err := findOutput(payment, pkScript)
	if err != nil {
		return nil, err
	}
	spend, err := c.client.SpendingTx(ctx, payment.TxHash().String(), uint32(vout), args.SearchFromBlock)
	if err != nil {
		return nil, fmt.Errorf("spend lookup failed: %w", err)
	}
	if spend == nil {
		return &coin.SpendResult{Status: coin.SpendStatusUnspent}, nil
	}

	status := coin.SpendStatusRefunded
	paymentHash := payment.TxHash()
	for _, in := range spend.TxIn {
		if in.PreviousOutPoint.Hash != paymentHash || in.PreviousOutPoint.Index != uint32(vout) {
			continue
		}
		if spendRevealsSecret(in) {
			status = coin.SpendStatusSpent
		}
	}
	spendTx, err := txToCoinTx(spend)
	if err != nil {
		return nil, err
	}
	return &coin.SpendResult{Status: status, Tx: spendTx}, nil
}

// spendRevealsSecret distinguishes the success branch (sig, secret, TRUE,
// script) from the timeout branch (sig, FALSE, script).
func spendRevealsSecret(in *wire.TxIn) bool {
	if len(in.Witness) == 4 && len(in.Witness[1]) == secretLen {
		return true
	}
	if len(in.Witness) > 0 {
		return false
	}
	pushes := sigScriptPushes(in.SignatureScript)
	return len(pushes) == 4 && len(pushes[1]) == secretLen
}

func (c *Coin) ExtractSecret(secretHash []byte, spendRaw []byte) ([]byte, error) {
	if _, err := hashOpcode(secretHash); err != nil {
		return nil, err
	}
	spend, err := decodeTx(spendRaw)
	if err != nil {
		return nil, err
	}
	for _, in := range spend.TxIn {
		items := append([][]byte{}, in.Witness...)
		items = append(items, sigScriptPushes(in.SignatureScript)...)
		for _, item := range items {
			if len(item) != secretLen {
				continue
			}
			if matchesSecretHash(item, secretHash) {
				return item, nil
			}
		}
	}
	return nil, coin.ErrSecretNotFound
}

func matchesSecretHash(secret, secretHash []byte) bool {
	switch len(secretHash) {
	case sha256Len:
		sum := sha256.Sum256(secret)
		return bytes.Equal(sum[:], secretHash)
	case hash160Len:
		return bytes.Equal(btcutil.Hash160(secret), secretHash)
	default:
		return false
	}
}

func (c *Coin) PaymentTradeFee(ctx context.Context) (*big.Int, error) {
	outputs := []*wire.TxOut{wire.NewTxOut(0, make([]byte, 34))}
	vsize := txsizes.EstimateVirtualSize(0, 0, 1, 0, outputs, 22)
	return big.NewInt(c.feeRate(ctx) * int64(vsize)), nil
}

func (c *Coin) SpendTradeFee(ctx context.Context) (*big.Int, error) {
	vsize := estimateHtlcSpendVSize(c.opts.Segwit, 90)
	return big.NewInt(c.feeRate(ctx) * int64(vsize)), nil
}

func (c *Coin) FeeSendCost(ctx context.Context, amount *big.Int) (*big.Int, error) {
	outputs := []*wire.TxOut{wire.NewTxOut(amount.Int64(), make([]byte, 22))}
	vsize := txsizes.EstimateVirtualSize(0, 0, 1, 0, outputs, 22)
	return big.NewInt(c.feeRate(ctx) * int64(vsize)), nil
}

// fund builds, signs and broadcasts a transaction paying the given outputs
// from the coin's own wallet, with change back to it.
func (c *Coin) fund(ctx context.Context, outputs []*wire.TxOut) (*coin.Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	utxos, err := c.client.UTXOs(ctx, c.address)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch utxos: %w", err)
	}
	utxos = c.outpoints.Filter(utxos)

	target := int64(0)
	for _, out := range outputs {
		target += out.Value
	}
	feeRate := c.feeRate(ctx)

	ownScript, err := txscript.PayToAddrScript(c.address)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	for _, out := range outputs {
		tx.AddTxOut(out)
	}

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	selected := int64(0)
	fee := int64(0)
	for _, u := range utxos {
		op, err := outpoint(u)
		if err != nil {
			return nil, err
		}
		tx.AddTxIn(wire.NewTxIn(op, nil, nil))
		fetcher.AddPrevOut(*op, wire.NewTxOut(u.Amount, ownScript))
		selected += u.Amount

		vsize := estimateFundVSize(c.opts.Segwit, len(tx.TxIn), outputs)
		fee = feeRate * int64(vsize)
		if selected >= target+fee {
			break
		}
	}
	if selected < target+fee {
		return nil, fmt.Errorf("insufficient funds: have %d, need %d", selected, target+fee)
	}
	if change := selected - target - fee; change > c.opts.DustLimit {
		tx.AddTxOut(wire.NewTxOut(change, ownScript))
	}

	if err := c.signWalletInputs(tx, fetcher); err != nil {
		return nil, err
	}

	result, err := c.broadcastLocked(ctx, tx)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Coin) signWalletInputs(tx *wire.MsgTx, fetcher *txscript.MultiPrevOutFetcher) error {
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, in := range tx.TxIn {
		prevOut := fetcher.FetchPrevOutput(in.PreviousOutPoint)
		if prevOut == nil {
			return fmt.Errorf("%w: missing prevout for input %d", coin.ErrInternal, i)
		}
		if c.opts.Segwit {
			witness, err := txscript.WitnessSignature(tx, sigHashes, i, prevOut.Value, prevOut.PkScript, txscript.SigHashAll, c.key, true)
			if err != nil {
				return fmt.Errorf("failed to sign input %d: %w", i, err)
			}
			tx.TxIn[i].Witness = witness
		} else {
			sigScript, err := txscript.SignatureScript(tx, i, prevOut.PkScript, txscript.SigHashAll, c.key, true)
			if err != nil {
				return fmt.Errorf("failed to sign input %d: %w", i, err)
			}
			tx.TxIn[i].SignatureScript = sigScript
		}
	}
	return nil
}

func (c *Coin) broadcast(ctx context.Context, tx *wire.MsgTx) (*coin.Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broadcastLocked(ctx, tx)
}

func (c *Coin) broadcastLocked(ctx context.Context, tx *wire.MsgTx) (*coin.Tx, error) {
	txid, err := c.client.SubmitTx(ctx, tx)
	if err != nil {
		return nil, &coin.BroadcastError{Ticker: c.opts.Ticker, Err: err}
	}
	c.outpoints.MarkTx(tx)
	c.logger.Info("broadcast", zap.String("txid", txid))
	return txToCoinTx(tx)
}

func (c *Coin) feeRate(ctx context.Context) int64 {
	rate, err := c.client.FeeRate(ctx)
	if err != nil || rate <= 0 {
		return c.opts.FallbackFeeRate
	}
	return rate
}

func (c *Coin) htlcPkScript(script []byte) ([]byte, error) {
	addr, err := PaymentAddress(script, c.opts.Network, c.opts.Segwit)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

func (c *Coin) payToPubScript(pub []byte) ([]byte, error) {
	if len(pub) != pubKeyLen {
		return nil, fmt.Errorf("pubkey must be %d bytes compressed", pubKeyLen)
	}
	hash := btcutil.Hash160(pub)
	var addr btcutil.Address
	var err error
	if c.opts.Segwit {
		addr, err = btcutil.NewAddressWitnessPubKeyHash(hash, c.opts.Network)
	} else {
		addr, err = btcutil.NewAddressPubKeyHash(hash, c.opts.Network)
	}
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

// anyHtlcVout finds the output that looks like one of our wrapped scripts
// (P2WSH or P2SH), used when only the raw payment is at hand.
func (c *Coin) anyHtlcVout(tx *wire.MsgTx) (int, error) {
	for i, out := range tx.TxOut {
		if c.opts.Segwit && len(out.PkScript) == 34 && out.PkScript[0] == txscript.OP_0 {
			return i, nil
		}
		if !c.opts.Segwit && txscript.IsPayToScriptHash(out.PkScript) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("no htlc-shaped output found")
}

func paymentValue(amount, reward *big.Int) *big.Int {
	value := new(big.Int).Set(amount)
	if reward != nil {
		value.Add(value, reward)
	}
	return value
}

func findOutput(tx *wire.MsgTx, pkScript []byte) (int, int64, error) {
	for i, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, pkScript) {
			return i, out.Value, nil
		}
	}
	return 0, 0, fmt.Errorf("no output paying the expected script")
}

func findOutputValue(tx *wire.MsgTx, pkScript []byte, minValue int64) (int, int64, error) {
	vout, value, err := findOutput(tx, pkScript)
	if err != nil {
		return 0, 0, err
	}
	if value < minValue {
		return 0, 0, fmt.Errorf("output value %d below expected %d", value, minValue)
	}
	return vout, value, nil
}

func sigScriptPushes(sigScript []byte) [][]byte {
	if len(sigScript) == 0 {
		return nil
	}
	tokenizer := txscript.MakeScriptTokenizer(0, sigScript)
	var pushes [][]byte
	for tokenizer.Next() {
		pushes = append(pushes, tokenizer.Data())
	}
	if tokenizer.Err() != nil {
		return nil
	}
	return pushes
}

func outpoint(u UTXO) (*wire.OutPoint, error) {
	hash, err := chainhash.NewHashFromStr(u.TxID)
	if err != nil {
		return nil, fmt.Errorf("bad utxo txid %v: %w", u.TxID, err)
	}
	return wire.NewOutPoint(hash, u.Vout), nil
}

func decodeTx(raw []byte) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("tx does not deserialize: %w", err)
	}
	return tx, nil
}

func txToCoinTx(tx *wire.MsgTx) (*coin.Tx, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	return &coin.Tx{Hash: tx.TxHash().String(), Raw: buf.Bytes()}, nil
}

func sha256Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

func estimateFundVSize(segwit bool, inputs int, outputs []*wire.TxOut) int {
	if segwit {
		return txsizes.EstimateVirtualSize(0, 0, inputs, 0, outputs, 22)
	}
	return txsizes.EstimateVirtualSize(inputs, 0, 0, 0, outputs, 25)
}

// estimateHtlcSpendVSize approximates the 1-in-1-out htlc claim: base tx plus
// the witness or sigScript carrying sig, secret and the redeem script.
func estimateHtlcSpendVSize(segwit bool, scriptLen int) int {
	const base = 10 + 41 + 31 // header, input, p2wpkh output
	stack := 73 + secretLen + 1 + scriptLen + 8
	if segwit {
		return base + (stack+3)/4
	}
	return base + stack
}
