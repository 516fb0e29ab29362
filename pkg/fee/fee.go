package fee

import (
	"context"
	"fmt"
	"math/big"

	"github.com/hashdex/swapd/pkg/coin"
)

// ApproxStage says how early in a swap a trade-fee estimate is taken. Earlier
// stages pad the estimate harder because network fees can move before the
// transaction is actually built.
type ApproxStage int

const (
	StageStartSwap ApproxStage = iota
	StageOrderIssue
	StageTradePreimage
	StageWatcherPreimage
)

func (s ApproxStage) String() string {
	switch s {
	case StageStartSwap:
		return "StartSwap"
	case StageOrderIssue:
		return "OrderIssue"
	case StageTradePreimage:
		return "TradePreimage"
	case StageWatcherPreimage:
		return "WatcherPreimage"
	default:
		return fmt.Sprintf("ApproxStage(%d)", int(s))
	}
}

// margin returns the stage's padding as a ratio. Integer math keeps amounts
// exact in the coin's smallest unit.
func (s ApproxStage) margin() (num, den int64) {
	switch s {
	case StageStartSwap:
		return 27, 25
	case StageOrderIssue:
		return 11, 10
	case StageTradePreimage:
		return 3, 2
	case StageWatcherPreimage:
		return 6, 5
	default:
		return 1, 1
	}
}

// Apply pads a raw fee estimate for the stage, rounding up.
func (s ApproxStage) Apply(estimate *big.Int) *big.Int {
	num, den := s.margin()
	padded := new(big.Int).Mul(estimate, big.NewInt(num))
	padded.Add(padded, big.NewInt(den-1))
	return padded.Div(padded, big.NewInt(den))
}

// dexFeeDenominator sets the dex fee at 1/777 of the taker amount.
const dexFeeDenominator = 777

// Policy carries the per-deployment fee destination.
type Policy struct {
	// FeePub is the well-known compressed public key that collects dex fees.
	FeePub []byte
}

// DexFee is the taker's fee for one swap: taker_amount/777, floored at the
// fee coin's dust limit so the output always relays.
func (p Policy) DexFee(takerCoin coin.Coin, takerAmount *big.Int) *big.Int {
	amount := new(big.Int).Div(takerAmount, big.NewInt(dexFeeDenominator))
	if dust := takerCoin.DustAmount(); amount.Cmp(dust) < 0 {
		amount.Set(dust)
	}
	return amount
}

// TradeFee is one fee leg of a swap preimage, denominated in the named coin's
// smallest unit.
type TradeFee struct {
	Ticker string   `json:"coin"`
	Amount *big.Int `json:"amount"`
}

// TakerPreimage is everything the taker will pay in fees over a full swap.
type TakerPreimage struct {
	DexFee        TradeFee `json:"dex_fee"`
	FeeSendCost   TradeFee `json:"fee_send_cost"`
	TakerPayment  TradeFee `json:"taker_payment_fee"`
	MakerSpendFee TradeFee `json:"maker_payment_spend_fee"`
}

// MakerPreimage is everything the maker will pay in fees over a full swap.
type MakerPreimage struct {
	MakerPayment  TradeFee `json:"maker_payment_fee"`
	TakerSpendFee TradeFee `json:"taker_payment_spend_fee"`
}

// TakerFees computes the taker's full fee preimage without broadcasting
// anything. myCoin is what the taker pays with, otherCoin what they receive.
func (p Policy) TakerFees(ctx context.Context, myCoin, otherCoin coin.Coin, takerAmount *big.Int, stage ApproxStage) (*TakerPreimage, error) {
	dexFee := p.DexFee(myCoin, takerAmount)

	sendCost, err := myCoin.FeeSendCost(ctx, dexFee)
	if err != nil {
		return nil, fmt.Errorf("dex fee send cost on %v: %w", myCoin.Ticker(), err)
	}
	paymentFee, err := myCoin.PaymentTradeFee(ctx)
	if err != nil {
		return nil, fmt.Errorf("payment fee on %v: %w", myCoin.Ticker(), err)
	}
	spendFee, err := otherCoin.SpendTradeFee(ctx)
	if err != nil {
		return nil, fmt.Errorf("spend fee on %v: %w", otherCoin.Ticker(), err)
	}
	return &TakerPreimage{
		DexFee:        TradeFee{Ticker: myCoin.Ticker(), Amount: dexFee},
		FeeSendCost:   TradeFee{Ticker: myCoin.Ticker(), Amount: stage.Apply(sendCost)},
		TakerPayment:  TradeFee{Ticker: myCoin.Ticker(), Amount: stage.Apply(paymentFee)},
		MakerSpendFee: TradeFee{Ticker: otherCoin.Ticker(), Amount: stage.Apply(spendFee)},
	}, nil
}

// MakerFees computes the maker's full fee preimage.
func (p Policy) MakerFees(ctx context.Context, myCoin, otherCoin coin.Coin, stage ApproxStage) (*MakerPreimage, error) {
	paymentFee, err := myCoin.PaymentTradeFee(ctx)
	if err != nil {
		return nil, fmt.Errorf("payment fee on %v: %w", myCoin.Ticker(), err)
	}
	spendFee, err := otherCoin.SpendTradeFee(ctx)
	if err != nil {
		return nil, fmt.Errorf("spend fee on %v: %w", otherCoin.Ticker(), err)
	}
	return &MakerPreimage{
		MakerPayment:  TradeFee{Ticker: myCoin.Ticker(), Amount: stage.Apply(paymentFee)},
		TakerSpendFee: TradeFee{Ticker: otherCoin.Ticker(), Amount: stage.Apply(spendFee)},
	}, nil
}

// BalanceError reports a balance that cannot cover a swap's outlay. Have is
// the spendable part after other swaps' locks.
type BalanceError struct {
	Ticker   string
	Required *big.Int
	Have     *big.Int
	Locked   *big.Int
}

func (e *BalanceError) Error() string {
	if e.Locked != nil && e.Locked.Sign() > 0 {
		return fmt.Sprintf("%v spendable balance %v below required %v (%v locked by other swaps)",
			e.Ticker, e.Have, e.Required, e.Locked)
	}
	return fmt.Sprintf("%v balance %v below required %v", e.Ticker, e.Have, e.Required)
}

// spendable is the balance minus what other swaps already hold, floored at
// zero. A nil locked means no concurrent claims.
func spendable(balance, locked *big.Int) *big.Int {
	if locked == nil || locked.Sign() <= 0 {
		return balance
	}
	free := new(big.Int).Sub(balance, locked)
	if free.Sign() < 0 {
		free.SetInt64(0)
	}
	return free
}

// CheckTakerBalance verifies
// spendable >= taker_amount + dex_fee + payment_fee + fee_send_cost on the
// taker's coin, where spendable excludes the locked amount already committed
// to other in-flight swaps.
func (p Policy) CheckTakerBalance(ctx context.Context, myCoin, otherCoin coin.Coin, takerAmount, locked *big.Int, stage ApproxStage) (*TakerPreimage, error) {
	preimage, err := p.TakerFees(ctx, myCoin, otherCoin, takerAmount, stage)
	if err != nil {
		return nil, err
	}
	required := new(big.Int).Set(takerAmount)
	required.Add(required, preimage.DexFee.Amount)
	required.Add(required, preimage.FeeSendCost.Amount)
	required.Add(required, preimage.TakerPayment.Amount)

	balance, err := myCoin.MyBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("balance on %v: %w", myCoin.Ticker(), err)
	}
	if have := spendable(balance, locked); have.Cmp(required) < 0 {
		return nil, &BalanceError{Ticker: myCoin.Ticker(), Required: required, Have: have, Locked: locked}
	}
	return preimage, nil
}

// CheckMakerBalance verifies spendable >= maker_amount + payment_fee on the
// maker's coin, with spendable defined as for the taker.
func (p Policy) CheckMakerBalance(ctx context.Context, myCoin, otherCoin coin.Coin, makerAmount, locked *big.Int, stage ApproxStage) (*MakerPreimage, error) {
	preimage, err := p.MakerFees(ctx, myCoin, otherCoin, stage)
	if err != nil {
		return nil, err
	}
	required := new(big.Int).Add(makerAmount, preimage.MakerPayment.Amount)

	balance, err := myCoin.MyBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("balance on %v: %w", myCoin.Ticker(), err)
	}
	if have := spendable(balance, locked); have.Cmp(required) < 0 {
		return nil, &BalanceError{Ticker: myCoin.Ticker(), Required: required, Have: have, Locked: locked}
	}
	return preimage, nil
}
