package utxo

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/hashdex/swapd/pkg/coin"
)

// Watcher preimages are fully signed claims of an HTLC with the secret slot
// left as a 32-byte placeholder; the signature stays valid when the slot is
// filled because sighash does not commit to witness content.

func (c *Coin) CreateTakerSpendsMakerPreimage(ctx context.Context, args coin.SpendPaymentArgs) ([]byte, error) {
	tx, err := c.spendPayment(ctx, args, true)
	if err != nil {
		return nil, err
	}
	return tx.Raw, nil
}

func (c *Coin) CreateTakerRefundsPreimage(ctx context.Context, args coin.RefundPaymentArgs) ([]byte, error) {
	// Built regardless of the current time; the locktime field keeps it
	// unbroadcastable until the refund window opens.
	tx, err := c.buildRefund(args)
	if err != nil {
		return nil, err
	}
	result, err := txToCoinTx(tx)
	if err != nil {
		return nil, err
	}
	return result.Raw, nil
}

func (c *Coin) SendTakerSpendsMakerPreimage(ctx context.Context, preimage, secret []byte) (*coin.Tx, error) {
	if len(secret) != secretLen {
		return nil, coin.ErrSecretLen
	}
	tx, err := decodeTx(preimage)
	if err != nil {
		return nil, err
	}
	if len(tx.TxIn) != 1 {
		return nil, fmt.Errorf("spend preimage must have exactly one input")
	}
	if err := fillSecret(tx.TxIn[0], secret); err != nil {
		return nil, err
	}
	return c.broadcast(ctx, tx)
}

func (c *Coin) SendTakerRefundsPreimage(ctx context.Context, preimage []byte) (*coin.Tx, error) {
	tx, err := decodeTx(preimage)
	if err != nil {
		return nil, err
	}
	if wait := coin.RefundWait(uint64(tx.LockTime), time.Now()); wait > 0 {
		return nil, fmt.Errorf("%w: %v remaining", coin.ErrRefundLocked, wait)
	}
	return c.broadcast(ctx, tx)
}

func fillSecret(in *wire.TxIn, secret []byte) error {
	if len(in.Witness) == 4 && len(in.Witness[1]) == secretLen {
		in.Witness[1] = secret
		return nil
	}
	pushes := sigScriptPushes(in.SignatureScript)
	if len(pushes) == 4 && len(pushes[1]) == secretLen {
		sigScript, err := RedeemSigScript(pushes[3], pushes[0], secret)
		if err != nil {
			return err
		}
		in.SignatureScript = sigScript
		return nil
	}
	return fmt.Errorf("preimage input does not carry a secret slot")
}
