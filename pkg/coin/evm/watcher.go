package evm

import (
	"context"
	"fmt"
	"time"

	"github.com/hashdex/swapd/pkg/coin"
)

// Contract-chain watcher preimages are bare calldata rather than signed
// transactions: the contract pays the swap receiver no matter who submits the
// call, so the watcher signs with its own key at broadcast time.

const secretWordOffset = 4 + 32 + 32

func (c *Coin) CreateTakerSpendsMakerPreimage(ctx context.Context, args coin.SpendPaymentArgs) ([]byte, error) {
	return c.spendCalldata(args)
}

func (c *Coin) CreateTakerRefundsPreimage(ctx context.Context, args coin.RefundPaymentArgs) ([]byte, error) {
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
	return contractABI.Pack("senderRefund", state.id, state.amount, hashWord, c.tokenOrZero(), receiver)
}

func (c *Coin) SendTakerSpendsMakerPreimage(ctx context.Context, preimage, secret []byte) (*coin.Tx, error) {
	if len(secret) != 32 {
		return nil, coin.ErrSecretLen
	}
	method, err := contractABI.MethodById(preimage)
	if err != nil || method.Name != "receiverSpend" {
		return nil, fmt.Errorf("preimage is not a receiverSpend call")
	}
	if len(preimage) < secretWordOffset+32 {
		return nil, fmt.Errorf("preimage calldata truncated")
	}
	data := make([]byte, len(preimage))
	copy(data, preimage)
	copy(data[secretWordOffset:secretWordOffset+32], secret)
	return c.submit(ctx, &c.opts.SwapContract, nil, gasSpend, data)
}

func (c *Coin) SendTakerRefundsPreimage(ctx context.Context, preimage []byte) (*coin.Tx, error) {
	method, err := contractABI.MethodById(preimage)
	if err != nil || method.Name != "senderRefund" {
		return nil, fmt.Errorf("preimage is not a senderRefund call")
	}
	values, err := method.Inputs.Unpack(preimage[4:])
	if err != nil {
		return nil, fmt.Errorf("preimage calldata does not unpack: %w", err)
	}
	id := values[0].([32]byte)
	onChain, err := c.querySwap(ctx, id)
	if err != nil {
		return nil, err
	}
	if wait := coin.RefundWait(onChain.LockTime, time.Now()); wait > 0 {
		return nil, fmt.Errorf("%w: %v remaining", coin.ErrRefundLocked, wait)
	}
	return c.submit(ctx, &c.opts.SwapContract, nil, gasRefund, preimage)
}
