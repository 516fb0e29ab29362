package evm

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"fmt"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/hashdex/swapd/pkg/coin"
)

// Client is the chain access a contract-HTLC coin needs; *ethclient.Client
// satisfies it.
type Client interface {
	bind.ContractBackend

	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Options configures a contract-HTLC coin.
type Options struct {
	Ticker       string
	Decimals     uint8
	SwapContract common.Address

	// Token is nil for the native coin and the ERC20 address otherwise.
	Token *common.Address

	// SHA256Only marks deployments whose contract validates only 32-byte
	// SHA-256 secret hashes; the pair then negotiates SHA-256.
	SHA256Only bool

	ConfPollInterval time.Duration

	// LogWindow is the block span of one FilterLogs call when scanning for
	// spend events.
	LogWindow uint64
}

func (opts Options) withDefaults() Options {
	if opts.ConfPollInterval == 0 {
		opts.ConfPollInterval = 15 * time.Second
	}
	if opts.LogWindow == 0 {
		opts.LogWindow = 500
	}
	return opts
}

// Gas allowances per contract call.
const (
	gasPayment  = 160_000
	gasSpend    = 120_000
	gasRefund   = 120_000
	gasApprove  = 60_000
	gasTransfer = 21_000
)

// Coin implements coin.Coin for account-based chains with a canonical swap
// contract.
type Coin struct {
	opts    Options
	client  Client
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	logger  *zap.Logger
}

var _ coin.Coin = (*Coin)(nil)
var _ coin.WatcherOps = (*Coin)(nil)

func New(ctx context.Context, opts Options, client Client, key *ecdsa.PrivateKey, logger *zap.Logger) (*Coin, error) {
	opts = opts.withDefaults()
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chain id: %w", err)
	}
	return &Coin{
		opts:    opts,
		client:  client,
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
		logger:  logger.With(zap.String("coin", opts.Ticker)),
	}, nil
}

func (c *Coin) Ticker() string       { return c.opts.Ticker }
func (c *Coin) Decimals() uint8      { return c.opts.Decimals }
func (c *Coin) RequiresSHA256() bool { return c.opts.SHA256Only }

// DustAmount is one wei; account chains have no dust relay rule.
func (c *Coin) DustAmount() *big.Int { return big.NewInt(1) }

// Address is the coin's own account.
func (c *Coin) Address() common.Address { return c.address }

func (c *Coin) CurrentBlock(ctx context.Context) (uint64, error) {
	return c.client.BlockNumber(ctx)
}

func (c *Coin) MyBalance(ctx context.Context) (*big.Int, error) {
	if c.opts.Token == nil {
		return c.client.BalanceAt(ctx, c.address, nil)
	}
	data, err := tokenABI.Pack("balanceOf", c.address)
	if err != nil {
		return nil, err
	}
	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: c.opts.Token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("balanceOf call failed: %w", err)
	}
	results, err := tokenABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, err
	}
	return results[0].(*big.Int), nil
}

func (c *Coin) TxFromBytes(raw []byte) (*coin.Tx, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("tx does not unmarshal: %w", err)
	}
	return &coin.Tx{Hash: tx.Hash().Hex(), Raw: raw}, nil
}

// SendFee pays the dex fee as a plain transfer to the fee pubkey's account.
func (c *Coin) SendFee(ctx context.Context, feePub []byte, amount *big.Int, uniqueData []byte) (*coin.Tx, error) {
	feeAddr, err := addrFromPub(feePub)
	if err != nil {
		return nil, err
	}
	return c.submit(ctx, &feeAddr, amount, gasTransfer, nil)
}

func (c *Coin) SendMakerPayment(ctx context.Context, args coin.SendPaymentArgs) (*coin.Tx, error) {
	return c.sendPayment(ctx, args)
}

func (c *Coin) SendTakerPayment(ctx context.Context, args coin.SendPaymentArgs) (*coin.Tx, error) {
	return c.sendPayment(ctx, args)
}

func (c *Coin) sendPayment(ctx context.Context, args coin.SendPaymentArgs) (*coin.Tx, error) {
	receiver, err := addrFromPub(args.OtherPub)
	if err != nil {
		return nil, err
	}
	hashWord, err := secretHashWord(args.SecretHash)
	if err != nil {
		return nil, err
	}
	value := new(big.Int).Set(args.Amount)
	if args.WatcherReward != nil {
		value.Add(value, args.WatcherReward)
	}
	id := SwapID(args.UniqueData, args.SecretHash, value, args.TimeLock)

	if c.opts.Token == nil {
		data, err := contractABI.Pack("ethPayment", id, receiver, hashWord, args.TimeLock)
		if err != nil {
			return nil, err
		}
		return c.submit(ctx, &c.opts.SwapContract, value, gasPayment, data)
	}

	if err := c.ensureAllowance(ctx, value); err != nil {
		return nil, err
	}
	data, err := contractABI.Pack("erc20Payment", id, value, *c.opts.Token, receiver, hashWord, args.TimeLock)
	if err != nil {
		return nil, err
	}
	return c.submit(ctx, &c.opts.SwapContract, nil, gasPayment, data)
}

func (c *Coin) SendMakerSpendsTakerPayment(ctx context.Context, args coin.SpendPaymentArgs) (*coin.Tx, error) {
	return c.spendPayment(ctx, args)
}

func (c *Coin) SendTakerSpendsMakerPayment(ctx context.Context, args coin.SpendPaymentArgs) (*coin.Tx, error) {
	return c.spendPayment(ctx, args)
}

func (c *Coin) spendPayment(ctx context.Context, args coin.SpendPaymentArgs) (*coin.Tx, error) {
	data, err := c.spendCalldata(args)
	if err != nil {
		return nil, err
	}
	return c.submit(ctx, &c.opts.SwapContract, nil, gasSpend, data)
}

func (c *Coin) spendCalldata(args coin.SpendPaymentArgs) ([]byte, error) {
	if len(args.Secret) != 32 {
		return nil, coin.ErrSecretLen
	}
	sender, err := addrFromPub(args.OtherPub)
	if err != nil {
		return nil, err
	}
	state, err := c.paymentState(args.PaymentTx)
	if err != nil {
		return nil, err
	}
	var secret [32]byte
	copy(secret[:], args.Secret)
	return contractABI.Pack("receiverSpend", state.id, state.amount, secret, c.tokenOrZero(), sender)
}

func (c *Coin) SendMakerRefundsPayment(ctx context.Context, args coin.RefundPaymentArgs) (*coin.Tx, error) {
	return c.refundPayment(ctx, args)
}

func (c *Coin) SendTakerRefundsPayment(ctx context.Context, args coin.RefundPaymentArgs) (*coin.Tx, error) {
	return c.refundPayment(ctx, args)
}

func (c *Coin) refundPayment(ctx context.Context, args coin.RefundPaymentArgs) (*coin.Tx, error) {
	if wait := coin.RefundWait(args.TimeLock, time.Now()); wait > 0 {
		return nil, fmt.Errorf("%w: %v remaining", coin.ErrRefundLocked, wait)
	}
	receiver, err := addrFromPub(args.OtherPub)
	if err != nil {
		return nil, err
	}
	hashWord, err := secretHashWord(args.SecretHash)
	if err != nil {
		return nil, err
	}
	state, err := c.paymentState(args.PaymentTx)
	if err != nil {
		return nil, err
	}
	data, err := contractABI.Pack("senderRefund", state.id, state.amount, hashWord, c.tokenOrZero(), receiver)
	if err != nil {
		return nil, err
	}
	return c.submit(ctx, &c.opts.SwapContract, nil, gasRefund, data)
}

func (c *Coin) ValidateFee(ctx context.Context, args coin.ValidateFeeArgs) error {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(args.FeeTx.Raw); err != nil {
		return coin.NewWrongPaymentTx("fee tx does not unmarshal: %v", err)
	}
	feeAddr, err := addrFromPub(args.FeeAddr)
	if err != nil {
		return coin.NewWrongPaymentTx("bad fee pubkey: %v", err)
	}
	if tx.To() == nil || *tx.To() != feeAddr {
		return coin.NewWrongPaymentTx("fee tx pays %v, expected %v", tx.To(), feeAddr.Hex())
	}
	if tx.Value().Cmp(args.Amount) < 0 {
		return coin.NewWrongPaymentTx("fee value %v below expected %v", tx.Value(), args.Amount)
	}
	sender, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx)
	if err != nil {
		return coin.NewWrongPaymentTx("cannot recover fee sender: %v", err)
	}
	expected, err := addrFromPub(args.ExpectedSender)
	if err != nil {
		return coin.NewWrongPaymentTx("bad sender pubkey: %v", err)
	}
	if sender != expected {
		return coin.NewWrongPaymentTx("fee sent from %v, expected %v", sender.Hex(), expected.Hex())
	}
	return nil
}

func (c *Coin) ValidateMakerPayment(ctx context.Context, args coin.ValidatePaymentArgs) error {
	return c.validatePayment(ctx, args)
}

func (c *Coin) ValidateTakerPayment(ctx context.Context, args coin.ValidatePaymentArgs) error {
	return c.validatePayment(ctx, args)
}

func (c *Coin) validatePayment(ctx context.Context, args coin.ValidatePaymentArgs) error {
	state, err := c.paymentState(args.PaymentTx)
	if err != nil {
		return coin.NewWrongPaymentTx("payment tx does not parse: %v", err)
	}
	if state.amount.Cmp(args.Amount) < 0 {
		return coin.NewWrongPaymentTx("payment amount %v below expected %v", state.amount, args.Amount)
	}
	onChain, err := c.querySwap(ctx, state.id)
	if err != nil {
		return err
	}
	if onChain.State != StatePaymentSent {
		return coin.NewWrongPaymentTx("swap %x state is %d, expected PaymentSent", state.id, onChain.State)
	}
	other, err := addrFromPub(args.OtherPub)
	if err != nil {
		return coin.NewWrongPaymentTx("bad counterparty pubkey: %v", err)
	}
	if onChain.Sender != other {
		return coin.NewWrongPaymentTx("payment sender %v, expected %v", onChain.Sender.Hex(), other.Hex())
	}
	if onChain.Receiver != c.address {
		return coin.NewWrongPaymentTx("payment receiver %v, expected %v", onChain.Receiver.Hex(), c.address.Hex())
	}
	hashWord, err := secretHashWord(args.SecretHash)
	if err != nil {
		return coin.NewWrongPaymentTx("bad secret hash: %v", err)
	}
	if onChain.SecretHash != hashWord {
		return coin.NewWrongPaymentTx("secret hash mismatch")
	}
	if onChain.LockTime != args.TimeLock {
		return coin.NewWrongPaymentTx("lock time %d, expected %d", onChain.LockTime, args.TimeLock)
	}
	if onChain.Amount.Cmp(args.Amount) < 0 {
		return coin.NewWrongPaymentTx("escrowed amount %v below expected %v", onChain.Amount, args.Amount)
	}
	if len(args.SwapContract) == common.AddressLength {
		if common.BytesToAddress(args.SwapContract) != c.opts.SwapContract {
			return coin.NewWrongPaymentTx("swap contract mismatch")
		}
	}
	return nil
}

func (c *Coin) WaitForConfirmations(ctx context.Context, raw []byte, confirmations uint32, until time.Time, interval time.Duration) error {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return fmt.Errorf("tx does not unmarshal: %w", err)
	}
	if interval <= 0 {
		interval = c.opts.ConfPollInterval
	}

	for {
		confs, failed, err := c.confirmations(ctx, tx.Hash())
		if err != nil {
			c.logger.Debug("confirmation poll failed", zap.String("txid", tx.Hash().Hex()), zap.Error(err))
		} else if failed {
			return coin.NewWrongPaymentTx("tx %v reverted", tx.Hash().Hex())
		} else if confs >= uint64(confirmations) {
			return nil
		}
		if time.Now().After(until) {
			return coin.NewTimeoutError(fmt.Sprintf("tx %v unconfirmed at deadline", tx.Hash().Hex()), nil)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (c *Coin) confirmations(ctx context.Context, hash common.Hash) (uint64, bool, error) {
	receipt, err := c.client.TransactionReceipt(ctx, hash)
	if err != nil {
		return 0, false, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return 0, true, nil
	}
	tip, err := c.client.BlockNumber(ctx)
	if err != nil {
		return 0, false, err
	}
	if receipt.BlockNumber == nil || tip < receipt.BlockNumber.Uint64() {
		return 0, false, nil
	}
	return tip - receipt.BlockNumber.Uint64() + 1, false, nil
}

func (c *Coin) WaitForTxSpend(ctx context.Context, raw []byte, until time.Time, fromBlock uint64) (*coin.Tx, error) {
	state, err := c.paymentState(raw)
	if err != nil {
		return nil, err
	}
	for {
		spend, err := c.findSpendEvent(ctx, state.id, fromBlock)
		if err != nil {
			c.logger.Debug("spend scan failed", zap.Error(err))
		} else if spend != nil {
			return spend, nil
		}
		if time.Now().After(until) {
			return nil, coin.NewTimeoutError(fmt.Sprintf("swap %x unspent at deadline", state.id), nil)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.opts.ConfPollInterval):
		}
	}
}

func (c *Coin) SearchForSwapTxSpendMy(ctx context.Context, args coin.SearchForSpendArgs) (*coin.SpendResult, error) {
	return c.searchForSpend(ctx, args)
}

func (c *Coin) SearchForSwapTxSpendOther(ctx context.Context, args coin.SearchForSpendArgs) (*coin.SpendResult, error) {
	return c.searchForSpend(ctx, args)
}

func (c *Coin) searchForSpend(ctx context.Context, args coin.SearchForSpendArgs) (*coin.SpendResult, error) {
	state, err := c.paymentState(args.PaymentTx)
	if err != nil {
		return nil, err
	}
	onChain, err := c.querySwap(ctx, state.id)
	if err != nil {
		return nil, err
	}
	switch onChain.State {
	case StatePaymentSent:
		return &coin.SpendResult{Status: coin.SpendStatusUnspent}, nil
	case StateReceiverSpent:
		tx, err := c.eventTx(ctx, state.id, "ReceiverSpent", args.SearchFromBlock)
		if err != nil {
			return nil, err
		}
		return &coin.SpendResult{Status: coin.SpendStatusSpent, Tx: tx}, nil
	case StateSenderRefunded:
		tx, err := c.eventTx(ctx, state.id, "SenderRefunded", args.SearchFromBlock)
		if err != nil {
			return nil, err
		}
		return &coin.SpendResult{Status: coin.SpendStatusRefunded, Tx: tx}, nil
	default:
		return nil, coin.NewInvalidResponse(fmt.Sprintf("swap %x is uninitialized on chain", state.id), nil)
	}
}

// ExtractSecret reads the secret out of a receiverSpend call's input data.
func (c *Coin) ExtractSecret(secretHash []byte, spendRaw []byte) ([]byte, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(spendRaw); err != nil {
		return nil, fmt.Errorf("spend tx does not unmarshal: %w", err)
	}
	method, err := contractABI.MethodById(tx.Data())
	if err != nil || method.Name != "receiverSpend" {
		return nil, fmt.Errorf("spend tx is not a receiverSpend call")
	}
	values, err := method.Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		return nil, fmt.Errorf("spend calldata does not unpack: %w", err)
	}
	secret := values[2].([32]byte)
	if !matchesSecretHash(secret[:], secretHash) {
		return nil, coin.ErrSecretNotFound
	}
	return secret[:], nil
}

func (c *Coin) PaymentTradeFee(ctx context.Context) (*big.Int, error) {
	return c.gasCost(ctx, gasPayment+gasApprove)
}

func (c *Coin) SpendTradeFee(ctx context.Context) (*big.Int, error) {
	return c.gasCost(ctx, gasSpend)
}

func (c *Coin) FeeSendCost(ctx context.Context, amount *big.Int) (*big.Int, error) {
	return c.gasCost(ctx, gasTransfer)
}

func (c *Coin) gasCost(ctx context.Context, gas uint64) (*big.Int, error) {
	price, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, coin.NewTransportError("gas price query failed", err)
	}
	return new(big.Int).Mul(price, new(big.Int).SetUint64(gas)), nil
}

// submit signs and broadcasts one contract call or transfer under the
// per-ticker nonce lock.
func (c *Coin) submit(ctx context.Context, to *common.Address, value *big.Int, gas uint64, data []byte) (*coin.Tx, error) {
	lock := NonceLock(c.opts.Ticker)
	lock.Lock()
	defer lock.Unlock()
	return c.submitLocked(ctx, to, value, gas, data)
}

func (c *Coin) submitLocked(ctx context.Context, to *common.Address, value *big.Int, gas uint64, data []byte) (*coin.Tx, error) {
	nonce, err := c.client.PendingNonceAt(ctx, c.address)
	if err != nil {
		return nil, coin.NewTransportError("nonce query failed", err)
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, coin.NewTransportError("gas price query failed", err)
	}
	if value == nil {
		value = new(big.Int)
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       to,
		Value:    value,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign tx: %w", err)
	}
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return nil, &coin.BroadcastError{Ticker: c.opts.Ticker, Err: err}
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, err
	}
	c.logger.Info("broadcast", zap.String("txid", signed.Hash().Hex()))
	return &coin.Tx{Hash: signed.Hash().Hex(), Raw: raw}, nil
}

func (c *Coin) ensureAllowance(ctx context.Context, amount *big.Int) error {
	data, err := tokenABI.Pack("allowance", c.address, c.opts.SwapContract)
	if err != nil {
		return err
	}
	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: c.opts.Token, Data: data}, nil)
	if err != nil {
		return coin.NewTransportError("allowance call failed", err)
	}
	results, err := tokenABI.Unpack("allowance", out)
	if err != nil {
		return err
	}
	if results[0].(*big.Int).Cmp(amount) >= 0 {
		return nil
	}

	approveData, err := tokenABI.Pack("approve", c.opts.SwapContract, amount)
	if err != nil {
		return err
	}
	lock := NonceLock(c.opts.Ticker)
	lock.Lock()
	approveTx, err := c.submitLocked(ctx, c.opts.Token, nil, gasApprove, approveData)
	lock.Unlock()
	if err != nil {
		return err
	}
	return c.WaitForConfirmations(ctx, approveTx.Raw, 1, time.Now().Add(10*time.Minute), 0)
}

type paymentCall struct {
	id     [32]byte
	amount *big.Int
}

// paymentState recovers the contract key and escrowed amount from the payment
// transaction's calldata.
func (c *Coin) paymentState(raw []byte) (*paymentCall, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("payment tx does not unmarshal: %w", err)
	}
	method, err := contractABI.MethodById(tx.Data())
	if err != nil {
		return nil, fmt.Errorf("payment tx is not a swap contract call")
	}
	values, err := method.Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		return nil, fmt.Errorf("payment calldata does not unpack: %w", err)
	}
	switch method.Name {
	case "ethPayment":
		return &paymentCall{id: values[0].([32]byte), amount: tx.Value()}, nil
	case "erc20Payment":
		return &paymentCall{id: values[0].([32]byte), amount: values[1].(*big.Int)}, nil
	default:
		return nil, fmt.Errorf("payment tx calls %v, expected a payment method", method.Name)
	}
}

func (c *Coin) querySwap(ctx context.Context, id [32]byte) (*SwapState, error) {
	data, err := contractABI.Pack("swaps", id)
	if err != nil {
		return nil, err
	}
	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.opts.SwapContract, Data: data}, nil)
	if err != nil {
		return nil, coin.NewTransportError("swaps call failed", err)
	}
	values, err := contractABI.Unpack("swaps", out)
	if err != nil {
		return nil, coin.NewInvalidResponse("swaps result does not unpack", err)
	}
	state := &SwapState{
		Sender:     values[0].(common.Address),
		Receiver:   values[1].(common.Address),
		Amount:     values[2].(*big.Int),
		SecretHash: values[3].([32]byte),
		LockTime:   values[4].(uint64),
		State:      values[5].(uint8),
	}
	return state, nil
}

// findSpendEvent scans ReceiverSpent logs for the id in windows from
// fromBlock to the tip.
func (c *Coin) findSpendEvent(ctx context.Context, id [32]byte, fromBlock uint64) (*coin.Tx, error) {
	return c.scanEvent(ctx, id, "ReceiverSpent", fromBlock)
}

func (c *Coin) eventTx(ctx context.Context, id [32]byte, event string, fromBlock uint64) (*coin.Tx, error) {
	tx, err := c.scanEvent(ctx, id, event, fromBlock)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, coin.NewInvalidResponse(fmt.Sprintf("state says %v but no %v log found", event, event), nil)
	}
	return tx, nil
}

func (c *Coin) scanEvent(ctx context.Context, id [32]byte, event string, fromBlock uint64) (*coin.Tx, error) {
	tip, err := c.client.BlockNumber(ctx)
	if err != nil {
		return nil, coin.NewTransportError("block number query failed", err)
	}
	topic := contractABI.Events[event].ID

	for start := fromBlock; start <= tip; start += c.opts.LogWindow {
		end := start + c.opts.LogWindow - 1
		if end > tip {
			end = tip
		}
		logs, err := c.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{c.opts.SwapContract},
			Topics:    [][]common.Hash{{topic}, {common.BytesToHash(id[:])}},
		})
		if err != nil {
			return nil, coin.NewTransportError("log filter failed", err)
		}
		for _, entry := range logs {
			spendTx, _, err := c.client.TransactionByHash(ctx, entry.TxHash)
			if err != nil {
				return nil, coin.NewTransportError("spend tx fetch failed", err)
			}
			raw, err := spendTx.MarshalBinary()
			if err != nil {
				return nil, err
			}
			return &coin.Tx{Hash: spendTx.Hash().Hex(), Raw: raw}, nil
		}
	}
	return nil, nil
}

func (c *Coin) tokenOrZero() common.Address {
	if c.opts.Token == nil {
		return common.Address{}
	}
	return *c.opts.Token
}

func addrFromPub(pub []byte) (common.Address, error) {
	if len(pub) != 33 {
		return common.Address{}, fmt.Errorf("pubkey must be 33 bytes compressed")
	}
	decompressed, err := crypto.DecompressPubkey(pub)
	if err != nil {
		return common.Address{}, fmt.Errorf("pubkey does not decompress: %w", err)
	}
	return crypto.PubkeyToAddress(*decompressed), nil
}

func matchesSecretHash(secret, secretHash []byte) bool {
	switch len(secretHash) {
	case 32:
		sum := sha256.Sum256(secret)
		return bytes.Equal(sum[:], secretHash)
	case 20:
		return bytes.Equal(btcutil.Hash160(secret), secretHash)
	default:
		return false
	}
}
