package swap

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashdex/swapd/pkg/coin"
	"github.com/hashdex/swapd/pkg/store"
)

// RecoverAction says what funds recovery did.
type RecoverAction string

const (
	RecoverSpentOtherPayment RecoverAction = "SpentOtherPayment"
	RecoverRefundedMyPayment RecoverAction = "RefundedMyPayment"
)

// RecoverResult reports the transaction that moved the stuck funds.
type RecoverResult struct {
	Action RecoverAction `json:"action"`
	Coin   string        `json:"coin"`
	TxHash string        `json:"tx_hash"`
}

// RecoverFunds inspects the chain state of a stalled swap and either claims
// the counterparty's payment (when the secret is recoverable) or refunds our
// own after its lock. It never touches a swap whose payment was not sent.
func RecoverFunds(ctx context.Context, role Role, data *Data, myPayment, otherPayment *coin.Tx, makerCoin, takerCoin coin.Coin, now func() time.Time) (*RecoverResult, error) {
	if now == nil {
		now = time.Now
	}
	switch role {
	case RoleMaker:
		return recoverMaker(ctx, data, myPayment, otherPayment, makerCoin, takerCoin, now)
	case RoleTaker:
		return recoverTaker(ctx, data, myPayment, otherPayment, makerCoin, takerCoin, now)
	default:
		return nil, fmt.Errorf("unknown role %q", role)
	}
}

func recoverMaker(ctx context.Context, data *Data, makerPayment, takerPayment *coin.Tx, makerCoin, takerCoin coin.Coin, now func() time.Time) (*RecoverResult, error) {
	if makerPayment == nil {
		return nil, fmt.Errorf("maker payment was never sent, nothing to recover")
	}
	spend, err := makerCoin.SearchForSwapTxSpendMy(ctx, coin.SearchForSpendArgs{
		PaymentTx:  makerPayment.Raw,
		TimeLock:   data.MakerPaymentLock(),
		OtherPub:   data.OtherPub,
		SecretHash: data.SecretHash,
	})
	if err != nil {
		return nil, err
	}

	switch spend.Status {
	case coin.SpendStatusRefunded:
		return nil, fmt.Errorf("maker payment already refunded in %v", spend.Tx.Hash)

	case coin.SpendStatusSpent:
		// The taker took our payment with the secret; claim theirs with it.
		if takerPayment == nil {
			return nil, fmt.Errorf("maker payment spent but no taker payment known")
		}
		secret := data.Secret
		if len(secret) == 0 {
			if secret, err = makerCoin.ExtractSecret(data.SecretHash, spend.Tx.Raw); err != nil {
				return nil, err
			}
		}
		id := data.UUID
		tx, err := takerCoin.SendMakerSpendsTakerPayment(ctx, coin.SpendPaymentArgs{
			PaymentTx:  takerPayment.Raw,
			TimeLock:   data.TakerPaymentLock(),
			OtherPub:   data.OtherPub,
			SecretHash: data.SecretHash,
			Secret:     secret,
			UniqueData: []byte(id),
		})
		if err != nil {
			return nil, err
		}
		return &RecoverResult{Action: RecoverSpentOtherPayment, Coin: takerCoin.Ticker(), TxHash: tx.Hash}, nil

	default:
		if wait := coin.RefundWait(data.MakerPaymentLock(), now()); wait > 0 {
			return nil, fmt.Errorf("%w: %v remaining", coin.ErrRefundLocked, wait)
		}
		id := data.UUID
		tx, err := makerCoin.SendMakerRefundsPayment(ctx, coin.RefundPaymentArgs{
			PaymentTx:  makerPayment.Raw,
			TimeLock:   data.MakerPaymentLock(),
			OtherPub:   data.OtherPub,
			SecretHash: data.SecretHash,
			UniqueData: []byte(id),
		})
		if err != nil {
			return nil, err
		}
		return &RecoverResult{Action: RecoverRefundedMyPayment, Coin: makerCoin.Ticker(), TxHash: tx.Hash}, nil
	}
}

func recoverTaker(ctx context.Context, data *Data, takerPayment, makerPayment *coin.Tx, makerCoin, takerCoin coin.Coin, now func() time.Time) (*RecoverResult, error) {
	if takerPayment == nil {
		return nil, fmt.Errorf("taker payment was never sent, nothing to recover")
	}
	spend, err := takerCoin.SearchForSwapTxSpendMy(ctx, coin.SearchForSpendArgs{
		PaymentTx:  takerPayment.Raw,
		TimeLock:   data.TakerPaymentLock(),
		OtherPub:   data.OtherPub,
		SecretHash: data.SecretHash,
	})
	if err != nil {
		return nil, err
	}

	switch spend.Status {
	case coin.SpendStatusRefunded:
		return nil, fmt.Errorf("taker payment already refunded in %v", spend.Tx.Hash)

	case coin.SpendStatusSpent:
		// The maker's spend revealed the secret; claim the maker payment.
		if makerPayment == nil {
			return nil, fmt.Errorf("taker payment spent but no maker payment known")
		}
		secret, err := takerCoin.ExtractSecret(data.SecretHash, spend.Tx.Raw)
		if err != nil {
			return nil, err
		}
		id := data.UUID
		tx, err := makerCoin.SendTakerSpendsMakerPayment(ctx, coin.SpendPaymentArgs{
			PaymentTx:  makerPayment.Raw,
			TimeLock:   data.MakerPaymentLock(),
			OtherPub:   data.OtherPub,
			SecretHash: data.SecretHash,
			Secret:     secret,
			UniqueData: []byte(id),
		})
		if err != nil {
			return nil, err
		}
		return &RecoverResult{Action: RecoverSpentOtherPayment, Coin: makerCoin.Ticker(), TxHash: tx.Hash}, nil

	default:
		if wait := coin.RefundWait(data.TakerPaymentLock(), now()); wait > 0 {
			return nil, fmt.Errorf("%w: %v remaining", coin.ErrRefundLocked, wait)
		}
		id := data.UUID
		tx, err := takerCoin.SendTakerRefundsPayment(ctx, coin.RefundPaymentArgs{
			PaymentTx:  takerPayment.Raw,
			TimeLock:   data.TakerPaymentLock(),
			OtherPub:   data.OtherPub,
			SecretHash: data.SecretHash,
			UniqueData: []byte(id),
		})
		if err != nil {
			return nil, err
		}
		return &RecoverResult{Action: RecoverRefundedMyPayment, Coin: takerCoin.Ticker(), TxHash: tx.Hash}, nil
	}
}

// ReconstructOpposite translates one role's journal into the counterpart's
// view of the same swap: event kinds flip per a fixed table, timestamps and
// transaction identifiers carry over, and steps the other side records at
// finer grain become synthetic events anchored to the nearest original.
// takerCoin, when given, recovers the secret from the TakerPaymentSpent
// transaction, since a taker journal carries it and a maker journal does not.
// A nil takerCoin keeps the spend as a plain transaction record.
func ReconstructOpposite(role Role, records []store.Record, takerCoin coin.Coin) []store.Record {
	var secretHash []byte
	for _, rec := range records {
		if rec.Kind != EvStarted {
			continue
		}
		var d Data
		if json.Unmarshal(rec.Data, &d) == nil {
			secretHash = d.SecretHash
		}
		break
	}

	var out []store.Record
	for _, rec := range records {
		switch role {
		case RoleMaker:
			out = append(out, makerToTaker(rec, takerCoin, secretHash)...)
		case RoleTaker:
			out = append(out, takerToMaker(rec)...)
		}
	}
	return out
}

func makerToTaker(rec store.Record, takerCoin coin.Coin, secretHash []byte) []store.Record {
	switch rec.Kind {
	case EvStarted:
		return []store.Record{{Kind: EvStarted, Timestamp: rec.Timestamp, Data: flipStarted(rec.Data)}}
	case EvNegotiated:
		return []store.Record{{Kind: EvNegotiated, Timestamp: rec.Timestamp, Data: rec.Data}}
	case EvTakerFeeValidated:
		return []store.Record{{Kind: EvTakerFeeSent, Timestamp: rec.Timestamp, Data: rec.Data}}
	case EvMakerPaymentSent:
		return []store.Record{
			{Kind: EvMakerPaymentReceived, Timestamp: rec.Timestamp, Data: rec.Data},
			{Kind: EvMakerPaymentWaitConfirmStarted, Timestamp: rec.Timestamp},
			{Kind: EvMakerPaymentValidatedAndConfirmed, Timestamp: rec.Timestamp},
		}
	case EvTakerPaymentReceived:
		return []store.Record{{Kind: EvTakerPaymentSent, Timestamp: rec.Timestamp, Data: rec.Data}}
	case EvTakerPaymentSpent:
		return []store.Record{{Kind: EvTakerPaymentSpent, Timestamp: rec.Timestamp,
			Data: spentWithSecret(rec.Data, takerCoin, secretHash)}}
	case EvFinished:
		return []store.Record{{Kind: EvFinished, Timestamp: rec.Timestamp}}
	default:
		return nil
	}
}

// spentWithSecret rebuilds a maker-recorded spend as the taker would have
// journaled it, with the secret pulled out of the spend transaction.
func spentWithSecret(raw json.RawMessage, takerCoin coin.Coin, secretHash []byte) json.RawMessage {
	if takerCoin == nil || len(secretHash) == 0 {
		return raw
	}
	var d TxData
	if err := json.Unmarshal(raw, &d); err != nil || len(d.TxHex) == 0 {
		return raw
	}
	secret, err := takerCoin.ExtractSecret(secretHash, d.TxHex)
	if err != nil {
		return raw
	}
	spent, err := json.Marshal(SpentData{TxHash: d.TxHash, TxHex: d.TxHex, Secret: secret})
	if err != nil {
		return raw
	}
	return spent
}

func takerToMaker(rec store.Record) []store.Record {
	switch rec.Kind {
	case EvStarted:
		return []store.Record{{Kind: EvStarted, Timestamp: rec.Timestamp, Data: flipStarted(rec.Data)}}
	case EvNegotiated:
		return []store.Record{{Kind: EvNegotiated, Timestamp: rec.Timestamp, Data: rec.Data}}
	case EvTakerFeeSent:
		return []store.Record{{Kind: EvTakerFeeValidated, Timestamp: rec.Timestamp, Data: rec.Data}}
	case EvMakerPaymentReceived:
		return []store.Record{{Kind: EvMakerPaymentSent, Timestamp: rec.Timestamp, Data: rec.Data}}
	case EvTakerPaymentSent:
		return []store.Record{
			{Kind: EvTakerPaymentReceived, Timestamp: rec.Timestamp, Data: rec.Data},
			{Kind: EvTakerPaymentWaitConfirmStarted, Timestamp: rec.Timestamp},
			{Kind: EvTakerPaymentValidatedAndConfirmed, Timestamp: rec.Timestamp},
		}
	case EvTakerPaymentSpent:
		return []store.Record{
			{Kind: EvTakerPaymentSpent, Timestamp: rec.Timestamp, Data: rec.Data},
			{Kind: EvTakerPaymentSpendConfirmStarted, Timestamp: rec.Timestamp},
		}
	case EvFinished:
		return []store.Record{{Kind: EvFinished, Timestamp: rec.Timestamp}}
	default:
		return nil
	}
}

// flipStarted swaps the pubkey perspective of a Started payload and drops the
// secret, which only its owner may persist.
func flipStarted(raw json.RawMessage) json.RawMessage {
	var d Data
	if err := json.Unmarshal(raw, &d); err != nil {
		return raw
	}
	d.MyPub, d.OtherPub = d.OtherPub, d.MyPub
	d.Secret = nil
	flipped, err := json.Marshal(d)
	if err != nil {
		return raw
	}
	return flipped
}
