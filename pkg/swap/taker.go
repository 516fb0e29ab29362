package swap

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hashdex/swapd/pkg/coin"
	"github.com/hashdex/swapd/pkg/fee"
	"github.com/hashdex/swapd/pkg/funds"
	"github.com/hashdex/swapd/pkg/p2p"
)

// Taker commands, one per machine step.
const (
	takerCmdStart int = iota
	takerCmdNegotiate
	takerCmdSendFee
	takerCmdWaitMakerPayment
	takerCmdValidateMakerPayment
	takerCmdSendPayment
	takerCmdSendWatcherMsg
	takerCmdWaitForSpend
	takerCmdSpendMakerPayment
	takerCmdFinish
	takerCmdWaitRefund
	takerCmdRefund
)

// WatcherMsg hands a watcher everything it needs to finish or unwind this
// swap if the taker disappears.
type WatcherMsg struct {
	SwapUUID         []byte `cbor:"1,keyasint"`
	MakerCoin        string `cbor:"2,keyasint"`
	TakerCoin        string `cbor:"3,keyasint"`
	TakerPaymentHex  []byte `cbor:"4,keyasint"`
	SpendPreimage    []byte `cbor:"5,keyasint"`
	RefundPreimage   []byte `cbor:"6,keyasint"`
	SecretHash       []byte `cbor:"7,keyasint"`
	TakerPaymentLock uint64 `cbor:"8,keyasint"`
}

// TakerSwap drives the lock-second side: it pays the dex fee, locks after
// validating the maker payment, and spends first.
type TakerSwap struct {
	makerCoin  coin.Coin
	takerCoin  coin.Coin
	msgr       *p2p.Messenger
	policy     fee.Policy
	accountant *funds.Accountant
	logger     *zap.Logger
	now        func() time.Time

	params Params
	data   Data

	secret        []byte
	makerLocktime uint64
	feeTx         *coin.Tx
	makerPayment  *coin.Tx
	takerPayment  *coin.Tx
	takerSpend    *coin.Tx
	makerSpend    *coin.Tx

	// resend keeps the last sent message on the wire until the step waiting
	// for its reply hears back.
	resend *p2p.SendHandle

	failed   bool
	finished bool
}

func NewTakerSwap(makerCoin, takerCoin coin.Coin, params Params, msgr *p2p.Messenger, policy fee.Policy, accountant *funds.Accountant, logger *zap.Logger) *TakerSwap {
	return &TakerSwap{
		makerCoin:  makerCoin,
		takerCoin:  takerCoin,
		msgr:       msgr,
		policy:     policy,
		accountant: accountant,
		logger:     logger.With(zap.String("swap", params.UUID.String()), zap.String("role", "taker")),
		now:        time.Now,
		params:     params.withDefaults(),
	}
}

func (s *TakerSwap) UUID() uuid.UUID          { return s.params.UUID }
func (s *TakerSwap) Role() Role               { return RoleTaker }
func (s *TakerSwap) MakerTicker() string      { return s.makerCoin.Ticker() }
func (s *TakerSwap) TakerTicker() string      { return s.takerCoin.Ticker() }
func (s *TakerSwap) FirstCommand() int        { return takerCmdStart }
func (s *TakerSwap) TerminalEvents() []string { return TakerTerminalEvents }
func (s *TakerSwap) Succeeded() bool          { return s.finished && !s.failed }

func (s *TakerSwap) Close() {
	s.stopResend()
	if s.accountant != nil {
		s.accountant.UnlockFunds(s.params.UUID)
	}
}

func (s *TakerSwap) stopResend() {
	if s.resend != nil {
		s.resend.Stop()
		s.resend = nil
	}
}

func (s *TakerSwap) HandleCommand(ctx context.Context, cmd int) (*int, []Event) {
	switch cmd {
	case takerCmdStart:
		return s.handleStart(ctx)
	case takerCmdNegotiate:
		return s.handleNegotiate(ctx)
	case takerCmdSendFee:
		return s.handleSendFee(ctx)
	case takerCmdWaitMakerPayment:
		return s.handleWaitMakerPayment(ctx)
	case takerCmdValidateMakerPayment:
		return s.handleValidateMakerPayment(ctx)
	case takerCmdSendPayment:
		return s.handleSendPayment(ctx)
	case takerCmdSendWatcherMsg:
		return s.handleSendWatcherMsg(ctx)
	case takerCmdWaitForSpend:
		return s.handleWaitForSpend(ctx)
	case takerCmdSpendMakerPayment:
		return s.handleSpendMakerPayment(ctx)
	case takerCmdFinish:
		return nil, []Event{newEvent(EvFinished, nil)}
	case takerCmdWaitRefund:
		return s.handleWaitRefund()
	case takerCmdRefund:
		return s.handleRefund(ctx)
	default:
		return nil, []Event{failureEvent(EvStartFailed, fmt.Errorf("unknown taker command %d", cmd))}
	}
}

func (s *TakerSwap) handleStart(ctx context.Context) (*int, []Event) {
	locked := s.accountant.LockedIgnoringSwap(s.takerCoin.Ticker(), s.params.UUID)
	preimage, err := s.policy.CheckTakerBalance(ctx, s.takerCoin, s.makerCoin, s.params.TakerAmount, locked, fee.StageStartSwap)
	if err != nil {
		return nil, []Event{failureEvent(EvStartFailed, err)}
	}
	makerBlock, err := s.makerCoin.CurrentBlock(ctx)
	if err != nil {
		return nil, []Event{failureEvent(EvStartFailed, err)}
	}
	takerBlock, err := s.takerCoin.CurrentBlock(ctx)
	if err != nil {
		return nil, []Event{failureEvent(EvStartFailed, err)}
	}
	algo := AlgoForPair(s.makerCoin, s.takerCoin)

	tradeFee := new(big.Int).Add(preimage.DexFee.Amount, preimage.FeeSendCost.Amount)
	tradeFee.Add(tradeFee, preimage.TakerPayment.Amount)
	if err := s.accountant.LockFunds(s.params.UUID, funds.Lock{
		Coin:     s.takerCoin.Ticker(),
		Amount:   s.params.TakerAmount,
		TradeFee: tradeFee,
	}); err != nil {
		return nil, []Event{failureEvent(EvStartFailed, err)}
	}

	data := Data{
		UUID:         s.params.UUID.String(),
		MakerCoin:    s.makerCoin.Ticker(),
		TakerCoin:    s.takerCoin.Ticker(),
		MakerAmount:  s.params.MakerAmount,
		TakerAmount:  s.params.TakerAmount,
		MyPub:        s.msgr.PubKey(),
		OtherPub:     s.params.OtherPub,
		LockDuration: s.params.LockDuration,
		StartedAt:    uint64(s.now().Unix()),
		HashAlgo:     algo,
		Confs:        s.params.Confs,

		MakerStartBlock: makerBlock,
		TakerStartBlock: takerBlock,
	}
	return next(takerCmdNegotiate), []Event{newEvent(EvStarted, data)}
}

func (s *TakerSwap) handleNegotiate(ctx context.Context) (*int, []Event) {
	var msg NegotiationMsg
	if err := s.msgr.Recv(ctx, s.params.UUID, MsgNegotiation, s.data.OtherPub, s.data.NegotiationTimeout(), &msg); err != nil {
		return nil, []Event{failureEvent(EvNegotiateFailed, err)}
	}
	if err := validateNegotiation(&s.data, &msg); err != nil {
		return nil, []Event{failureEvent(EvNegotiateFailed, err)}
	}

	reply := NegotiationReplyMsg{
		PaymentLocktime: s.data.TakerPaymentLock(),
		PersistentPub:   s.data.MyPub,
		MakerContract:   s.data.MakerContract,
		TakerContract:   s.data.TakerContract,
	}
	id := s.params.UUID
	handle, err := s.msgr.SendRepeatedly(p2p.Topic(id), id, MsgNegotiationReply, &reply, s.params.ResendInterval)
	if err != nil {
		return nil, []Event{failureEvent(EvNegotiateFailed, err)}
	}
	defer handle.Stop()

	var ack NegotiatedMsg
	if err := s.msgr.Recv(ctx, id, MsgNegotiated, s.data.OtherPub, s.data.NegotiationTimeout(), &ack); err != nil {
		return nil, []Event{failureEvent(EvNegotiateFailed, err)}
	}
	if !ack.Confirmed {
		return nil, []Event{failureEvent(EvNegotiateFailed, fmt.Errorf("maker rejected negotiation"))}
	}
	return next(takerCmdSendFee), []Event{newEvent(EvNegotiated, NegotiatedData{
		OtherPub:      msg.PersistentPub,
		OtherLocktime: msg.PaymentLocktime,
		SecretHash:    msg.SecretHash,
		MakerContract: msg.MakerContract,
		TakerContract: msg.TakerContract,
	})}
}

func (s *TakerSwap) handleSendFee(ctx context.Context) (*int, []Event) {
	id := s.params.UUID
	dexFee := s.policy.DexFee(s.takerCoin, s.data.TakerAmount)
	tx, err := retryBroadcast(ctx, func() (*coin.Tx, error) {
		return s.takerCoin.SendFee(ctx, s.policy.FeePub, dexFee, id[:])
	})
	if err != nil {
		return nil, []Event{failureEvent(EvTakerFeeSendFailed, err)}
	}
	// The fee message stays on the wire until the maker payment answers it.
	s.resend, err = s.msgr.SendRepeatedly(p2p.Topic(id), id, MsgTakerFee, &TxMsg{TxHex: tx.Raw}, s.params.ResendInterval)
	if err != nil {
		return nil, []Event{failureEvent(EvTakerFeeSendFailed, err)}
	}
	return next(takerCmdWaitMakerPayment), []Event{newEvent(EvTakerFeeSent, txData(tx))}
}

func (s *TakerSwap) handleWaitMakerPayment(ctx context.Context) (*int, []Event) {
	var msg TxMsg
	err := s.msgr.Recv(ctx, s.params.UUID, MsgMakerPayment, s.data.OtherPub, s.data.PaymentMsgTimeout(), &msg)
	s.stopResend()
	if err != nil {
		return nil, []Event{failureEvent(EvMakerPaymentValidateFailed, err)}
	}
	tx, err := s.makerCoin.TxFromBytes(msg.TxHex)
	if err != nil {
		return nil, []Event{failureEvent(EvMakerPaymentValidateFailed, err)}
	}
	return next(takerCmdValidateMakerPayment), []Event{
		newEvent(EvMakerPaymentReceived, txData(tx)),
		newEvent(EvMakerPaymentWaitConfirmStarted, nil),
	}
}

func (s *TakerSwap) handleValidateMakerPayment(ctx context.Context) (*int, []Event) {
	until := time.Unix(int64(s.data.TakerPaymentLock()-s.data.ConfirmMargin()), 0)
	if err := s.makerCoin.WaitForConfirmations(ctx, s.makerPayment.Raw, s.data.Confs.MakerConfs, until, 0); err != nil {
		return nil, []Event{failureEvent(EvMakerPaymentWaitConfirmFailed, err)}
	}

	// Binding mismatch here means the maker payment does not pay us under
	// the negotiated parameters; the taker payment is never sent.
	err := retryValidate(ctx, func() error {
		return s.makerCoin.ValidateMakerPayment(ctx, coin.ValidatePaymentArgs{
			PaymentTx:    s.makerPayment.Raw,
			TimeLock:     s.makerLocktime,
			OtherPub:     s.data.OtherPub,
			SecretHash:   s.data.SecretHash,
			Amount:       s.data.MakerAmount,
			SwapContract: s.data.MakerContract,
		})
	})
	if err != nil {
		return nil, []Event{failureEvent(EvMakerPaymentValidateFailed, err)}
	}
	return next(takerCmdSendPayment), []Event{newEvent(EvMakerPaymentValidatedAndConfirmed, nil)}
}

func (s *TakerSwap) handleSendPayment(ctx context.Context) (*int, []Event) {
	id := s.params.UUID
	payment := s.takerPayment
	var events []Event
	if payment == nil {
		tx, err := retryBroadcast(ctx, func() (*coin.Tx, error) {
			return s.takerCoin.SendTakerPayment(ctx, coin.SendPaymentArgs{
				TimeLock:     s.data.TakerPaymentLock(),
				OtherPub:     s.data.OtherPub,
				SecretHash:   s.data.SecretHash,
				Amount:       s.data.TakerAmount,
				SwapContract: s.data.TakerContract,
				UniqueData:   id[:],
			})
		})
		if err != nil {
			return nil, []Event{failureEvent(EvTakerPaymentTransactionFailed, err)}
		}
		payment = tx
		events = append(events, newEvent(EvTakerPaymentSent, txData(tx)))
	}
	handle, err := s.msgr.SendRepeatedly(p2p.Topic(id), id, MsgTakerPayment, &TxMsg{TxHex: payment.Raw}, s.params.ResendInterval)
	if err != nil {
		events = append(events, failureEvent(EvTakerPaymentDataSendFailed, err))
		return next(takerCmdWaitRefund), events
	}
	s.resend = handle
	return next(takerCmdSendWatcherMsg), events
}

func (s *TakerSwap) handleSendWatcherMsg(ctx context.Context) (*int, []Event) {
	makerOps, makerOK := s.makerCoin.(coin.WatcherOps)
	takerOps, takerOK := s.takerCoin.(coin.WatcherOps)
	if !makerOK || !takerOK {
		return next(takerCmdWaitForSpend), nil
	}

	id := s.params.UUID
	placeholder := make([]byte, 32)
	spendPre, err := makerOps.CreateTakerSpendsMakerPreimage(ctx, coin.SpendPaymentArgs{
		PaymentTx:    s.makerPayment.Raw,
		TimeLock:     s.makerLocktime,
		OtherPub:     s.data.OtherPub,
		SecretHash:   s.data.SecretHash,
		Secret:       placeholder,
		SwapContract: s.data.MakerContract,
		UniqueData:   id[:],
	})
	if err != nil {
		s.logger.Warn("watcher spend preimage failed", zap.Error(err))
		return next(takerCmdWaitForSpend), nil
	}
	refundPre, err := takerOps.CreateTakerRefundsPreimage(ctx, coin.RefundPaymentArgs{
		PaymentTx:    s.takerPayment.Raw,
		TimeLock:     s.data.TakerPaymentLock(),
		OtherPub:     s.data.OtherPub,
		SecretHash:   s.data.SecretHash,
		SwapContract: s.data.TakerContract,
		UniqueData:   id[:],
	})
	if err != nil {
		s.logger.Warn("watcher refund preimage failed", zap.Error(err))
		return next(takerCmdWaitForSpend), nil
	}

	msg := WatcherMsg{
		SwapUUID:         id[:],
		MakerCoin:        s.makerCoin.Ticker(),
		TakerCoin:        s.takerCoin.Ticker(),
		TakerPaymentHex:  s.takerPayment.Raw,
		SpendPreimage:    spendPre,
		RefundPreimage:   refundPre,
		SecretHash:       s.data.SecretHash,
		TakerPaymentLock: s.data.TakerPaymentLock(),
	}
	if err := s.msgr.SendOn(p2p.WatcherTopic, id, MsgWatcher, &msg); err != nil {
		s.logger.Warn("watcher message send failed", zap.Error(err))
		return next(takerCmdWaitForSpend), nil
	}
	return next(takerCmdWaitForSpend), []Event{newEvent(EvWatcherMessageSent, nil)}
}

func (s *TakerSwap) handleWaitForSpend(ctx context.Context) (*int, []Event) {
	until := time.Unix(int64(s.data.TakerPaymentLock()), 0)
	spendTx, err := s.takerCoin.WaitForTxSpend(ctx, s.takerPayment.Raw, until, s.data.TakerStartBlock)
	s.stopResend()
	if err != nil {
		return next(takerCmdWaitRefund), []Event{failureEvent(EvTakerPaymentWaitForSpendFailed, err)}
	}
	secret, err := s.takerCoin.ExtractSecret(s.data.SecretHash, spendTx.Raw)
	if err != nil {
		return next(takerCmdWaitRefund), []Event{failureEvent(EvTakerPaymentWaitForSpendFailed, err)}
	}
	return next(takerCmdSpendMakerPayment), []Event{newEvent(EvTakerPaymentSpent, SpentData{
		TxHash: spendTx.Hash,
		TxHex:  spendTx.Raw,
		Secret: secret,
	})}
}

func (s *TakerSwap) handleSpendMakerPayment(ctx context.Context) (*int, []Event) {
	id := s.params.UUID
	tx, err := retryBroadcast(ctx, func() (*coin.Tx, error) {
		return s.makerCoin.SendTakerSpendsMakerPayment(ctx, coin.SpendPaymentArgs{
			PaymentTx:    s.makerPayment.Raw,
			TimeLock:     s.makerLocktime,
			OtherPub:     s.data.OtherPub,
			SecretHash:   s.data.SecretHash,
			Secret:       s.secret,
			SwapContract: s.data.MakerContract,
			UniqueData:   id[:],
		})
	})
	if err != nil {
		return nil, []Event{failureEvent(EvMakerPaymentSpendFailed, err)}
	}
	return next(takerCmdFinish), []Event{newEvent(EvMakerPaymentSpent, txData(tx))}
}

func (s *TakerSwap) handleWaitRefund() (*int, []Event) {
	return next(takerCmdRefund), []Event{newEvent(EvTakerPaymentWaitRefundStarted, WaitRefundData{
		WaitUntil: s.data.TakerPaymentLock(),
	})}
}

func (s *TakerSwap) handleRefund(ctx context.Context) (*int, []Event) {
	if s.takerPayment == nil {
		return nil, []Event{failureEvent(EvTakerPaymentRefundFailed, fmt.Errorf("no taker payment to refund"))}
	}
	if err := sleepUntil(ctx, s.now, s.data.TakerPaymentLock()); err != nil {
		return nil, []Event{failureEvent(EvTakerPaymentRefundFailed, err)}
	}

	// The maker may have spent the payment while we waited; that reveal
	// means we can still complete instead of unwinding.
	spend, err := s.takerCoin.SearchForSwapTxSpendMy(ctx, coin.SearchForSpendArgs{
		PaymentTx:  s.takerPayment.Raw,
		TimeLock:   s.data.TakerPaymentLock(),
		OtherPub:   s.data.OtherPub,
		SecretHash: s.data.SecretHash,
	})
	if err == nil && spend != nil {
		switch spend.Status {
		case coin.SpendStatusSpent:
			secret, err := s.takerCoin.ExtractSecret(s.data.SecretHash, spend.Tx.Raw)
			if err == nil {
				return next(takerCmdSpendMakerPayment), []Event{newEvent(EvTakerPaymentSpent, SpentData{
					TxHash: spend.Tx.Hash,
					TxHex:  spend.Tx.Raw,
					Secret: secret,
				})}
			}
		case coin.SpendStatusRefunded:
			return nil, []Event{newEvent(EvTakerPaymentRefunded, txData(spend.Tx))}
		}
	}

	id := s.params.UUID
	tx, err := retryBroadcast(ctx, func() (*coin.Tx, error) {
		return s.takerCoin.SendTakerRefundsPayment(ctx, coin.RefundPaymentArgs{
			PaymentTx:    s.takerPayment.Raw,
			TimeLock:     s.data.TakerPaymentLock(),
			OtherPub:     s.data.OtherPub,
			SecretHash:   s.data.SecretHash,
			SwapContract: s.data.TakerContract,
			UniqueData:   id[:],
		})
	})
	if err != nil {
		return nil, []Event{failureEvent(EvTakerPaymentRefundFailed, err)}
	}
	return nil, []Event{newEvent(EvTakerPaymentRefunded, txData(tx))}
}

func (s *TakerSwap) ApplyEvent(ev Event) error {
	switch ev.Kind {
	case EvStarted:
		return json.Unmarshal(ev.Data, &s.data)
	case EvNegotiated:
		var d NegotiatedData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return err
		}
		s.makerLocktime = d.OtherLocktime
		s.data.SecretHash = d.SecretHash
	case EvTakerFeeSent:
		return applyTx(ev, &s.feeTx)
	case EvMakerPaymentReceived:
		return applyTx(ev, &s.makerPayment)
	case EvTakerPaymentSent:
		return applyTx(ev, &s.takerPayment)
	case EvTakerPaymentSpent:
		var d SpentData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return err
		}
		s.takerSpend = &coin.Tx{Hash: d.TxHash, Raw: d.TxHex}
		s.secret = d.Secret
	case EvMakerPaymentSpent:
		// Claiming the maker payment completes the swap even when the path
		// here went through the refund branch.
		s.failed = false
		return applyTx(ev, &s.makerSpend)
	case EvFinished:
		s.finished = true
	default:
		if contains(TakerErrorEvents, ev.Kind) {
			s.failed = true
		}
	}
	return nil
}

func (s *TakerSwap) ResumeCommand(lastKind string) (int, error) {
	switch lastKind {
	case EvStarted:
		return takerCmdNegotiate, nil
	case EvNegotiated:
		return takerCmdSendFee, nil
	case EvTakerFeeSent:
		return takerCmdWaitMakerPayment, nil
	case EvMakerPaymentReceived, EvMakerPaymentWaitConfirmStarted:
		return takerCmdValidateMakerPayment, nil
	case EvMakerPaymentValidatedAndConfirmed:
		return takerCmdSendPayment, nil
	case EvTakerPaymentSent:
		return takerCmdSendPayment, nil
	case EvWatcherMessageSent:
		return takerCmdWaitForSpend, nil
	case EvTakerPaymentSpent:
		return takerCmdSpendMakerPayment, nil
	case EvMakerPaymentSpent:
		return takerCmdFinish, nil
	case EvTakerPaymentDataSendFailed, EvTakerPaymentWaitForSpendFailed:
		return takerCmdWaitRefund, nil
	case EvTakerPaymentWaitRefundStarted:
		return takerCmdRefund, nil
	default:
		return 0, fmt.Errorf("no taker transition follows %v", lastKind)
	}
}
