package swap

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hashdex/swapd/pkg/coin"
	"github.com/hashdex/swapd/pkg/fee"
	"github.com/hashdex/swapd/pkg/funds"
	"github.com/hashdex/swapd/pkg/p2p"
)

// Maker commands, one per machine step.
const (
	makerCmdStart int = iota
	makerCmdNegotiate
	makerCmdWaitTakerFee
	makerCmdSendPayment
	makerCmdWaitTakerPayment
	makerCmdValidateTakerPayment
	makerCmdSpendTakerPayment
	makerCmdConfirmSpend
	makerCmdFinish
	makerCmdWaitRefund
	makerCmdRefund
)

// MakerSwap drives the lock-first side: it commits funds before the taker
// and therefore holds the longer refund lock.
type MakerSwap struct {
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
	takerLocktime uint64
	takerFee      *coin.Tx
	makerPayment  *coin.Tx
	takerPayment  *coin.Tx
	takerSpend    *coin.Tx

	// resend keeps the last sent message on the wire until the step waiting
	// for its reply hears back.
	resend *p2p.SendHandle

	failed   bool
	finished bool
}

func NewMakerSwap(makerCoin, takerCoin coin.Coin, params Params, msgr *p2p.Messenger, policy fee.Policy, accountant *funds.Accountant, logger *zap.Logger) *MakerSwap {
	return &MakerSwap{
		makerCoin:  makerCoin,
		takerCoin:  takerCoin,
		msgr:       msgr,
		policy:     policy,
		accountant: accountant,
		logger:     logger.With(zap.String("swap", params.UUID.String()), zap.String("role", "maker")),
		now:        time.Now,
		params:     params.withDefaults(),
	}
}

func (s *MakerSwap) UUID() uuid.UUID          { return s.params.UUID }
func (s *MakerSwap) Role() Role               { return RoleMaker }
func (s *MakerSwap) MakerTicker() string      { return s.makerCoin.Ticker() }
func (s *MakerSwap) TakerTicker() string      { return s.takerCoin.Ticker() }
func (s *MakerSwap) FirstCommand() int        { return makerCmdStart }
func (s *MakerSwap) TerminalEvents() []string { return MakerTerminalEvents }
func (s *MakerSwap) Succeeded() bool          { return s.finished && !s.failed }

func (s *MakerSwap) Close() {
	s.stopResend()
	if s.accountant != nil {
		s.accountant.UnlockFunds(s.params.UUID)
	}
}

func (s *MakerSwap) stopResend() {
	if s.resend != nil {
		s.resend.Stop()
		s.resend = nil
	}
}

func (s *MakerSwap) HandleCommand(ctx context.Context, cmd int) (*int, []Event) {
	switch cmd {
	case makerCmdStart:
		return s.handleStart(ctx)
	case makerCmdNegotiate:
		return s.handleNegotiate(ctx)
	case makerCmdWaitTakerFee:
		return s.handleWaitTakerFee(ctx)
	case makerCmdSendPayment:
		return s.handleSendPayment(ctx)
	case makerCmdWaitTakerPayment:
		return s.handleWaitTakerPayment(ctx)
	case makerCmdValidateTakerPayment:
		return s.handleValidateTakerPayment(ctx)
	case makerCmdSpendTakerPayment:
		return s.handleSpendTakerPayment(ctx)
	case makerCmdConfirmSpend:
		return s.handleConfirmSpend(ctx)
	case makerCmdFinish:
		return nil, []Event{newEvent(EvFinished, nil)}
	case makerCmdWaitRefund:
		return s.handleWaitRefund()
	case makerCmdRefund:
		return s.handleRefund(ctx)
	default:
		return nil, []Event{failureEvent(EvStartFailed, fmt.Errorf("unknown maker command %d", cmd))}
	}
}

func next(cmd int) *int { return &cmd }

func (s *MakerSwap) handleStart(ctx context.Context) (*int, []Event) {
	locked := s.accountant.LockedIgnoringSwap(s.makerCoin.Ticker(), s.params.UUID)
	preimage, err := s.policy.CheckMakerBalance(ctx, s.makerCoin, s.takerCoin, s.params.MakerAmount, locked, fee.StageStartSwap)
	if err != nil {
		return nil, []Event{failureEvent(EvStartFailed, err)}
	}
	secret, err := generateSecret()
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

	if err := s.accountant.LockFunds(s.params.UUID, funds.Lock{
		Coin:     s.makerCoin.Ticker(),
		Amount:   s.params.MakerAmount,
		TradeFee: preimage.MakerPayment.Amount,
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
		Secret:       secret,
		SecretHash:   algo.Sum(secret),
		HashAlgo:     algo,
		Confs:        s.params.Confs,

		MakerStartBlock: makerBlock,
		TakerStartBlock: takerBlock,
	}
	return next(makerCmdNegotiate), []Event{newEvent(EvStarted, data)}
}

func (s *MakerSwap) handleNegotiate(ctx context.Context) (*int, []Event) {
	msg := NegotiationMsg{
		StartedAt:       s.data.StartedAt,
		PaymentLocktime: s.data.MakerPaymentLock(),
		PersistentPub:   s.data.MyPub,
		SecretHash:      s.data.SecretHash,
		MakerContract:   s.data.MakerContract,
		TakerContract:   s.data.TakerContract,
	}
	id := s.params.UUID
	offer, err := s.msgr.SendRepeatedly(p2p.Topic(id), id, MsgNegotiation, &msg, s.params.ResendInterval)
	if err != nil {
		return nil, []Event{failureEvent(EvNegotiateFailed, err)}
	}
	defer offer.Stop()

	var reply NegotiationReplyMsg
	if err := s.msgr.Recv(ctx, id, MsgNegotiationReply, s.data.OtherPub, s.data.NegotiationTimeout(), &reply); err != nil {
		return nil, []Event{failureEvent(EvNegotiateFailed, err)}
	}
	if err := validateNegotiationReply(&s.data, &reply); err != nil {
		return nil, []Event{failureEvent(EvNegotiateFailed, err)}
	}
	// The ack stays on the wire until the taker fee answers it.
	s.resend, err = s.msgr.SendRepeatedly(p2p.Topic(id), id, MsgNegotiated, &NegotiatedMsg{Confirmed: true}, s.params.ResendInterval)
	if err != nil {
		return nil, []Event{failureEvent(EvNegotiateFailed, err)}
	}
	return next(makerCmdWaitTakerFee), []Event{newEvent(EvNegotiated, NegotiatedData{
		OtherPub:      reply.PersistentPub,
		OtherLocktime: reply.PaymentLocktime,
		MakerContract: reply.MakerContract,
		TakerContract: reply.TakerContract,
	})}
}

func (s *MakerSwap) handleWaitTakerFee(ctx context.Context) (*int, []Event) {
	var msg TxMsg
	err := s.msgr.Recv(ctx, s.params.UUID, MsgTakerFee, s.data.OtherPub, s.data.TakerFeeTimeout(), &msg)
	s.stopResend()
	if err != nil {
		return nil, []Event{failureEvent(EvTakerFeeValidateFailed, err)}
	}
	feeTx, err := s.takerCoin.TxFromBytes(msg.TxHex)
	if err != nil {
		return nil, []Event{failureEvent(EvTakerFeeValidateFailed, err)}
	}

	expected := s.policy.DexFee(s.takerCoin, s.data.TakerAmount)
	id := s.params.UUID
	err = retryValidate(ctx, func() error {
		return s.takerCoin.ValidateFee(ctx, coin.ValidateFeeArgs{
			FeeTx:          feeTx,
			ExpectedSender: s.data.OtherPub,
			FeeAddr:        s.policy.FeePub,
			Amount:         expected,
			MinBlockNumber: s.data.TakerStartBlock,
			UniqueData:     id[:],
		})
	})
	if err != nil {
		return nil, []Event{failureEvent(EvTakerFeeValidateFailed, err)}
	}
	return next(makerCmdSendPayment), []Event{newEvent(EvTakerFeeValidated, txData(feeTx))}
}

func (s *MakerSwap) handleSendPayment(ctx context.Context) (*int, []Event) {
	id := s.params.UUID
	payment := s.makerPayment
	var events []Event
	if payment == nil {
		tx, err := retryBroadcast(ctx, func() (*coin.Tx, error) {
			return s.makerCoin.SendMakerPayment(ctx, coin.SendPaymentArgs{
				TimeLock:     s.data.MakerPaymentLock(),
				OtherPub:     s.data.OtherPub,
				SecretHash:   s.data.SecretHash,
				Amount:       s.data.MakerAmount,
				SwapContract: s.data.MakerContract,
				UniqueData:   id[:],
			})
		})
		if err != nil {
			return nil, []Event{failureEvent(EvMakerPaymentTransactionFailed, err)}
		}
		payment = tx
		events = append(events, newEvent(EvMakerPaymentSent, txData(tx)))
	}
	handle, err := s.msgr.SendRepeatedly(p2p.Topic(id), id, MsgMakerPayment, &TxMsg{TxHex: payment.Raw}, s.params.ResendInterval)
	if err != nil {
		events = append(events, failureEvent(EvMakerPaymentDataSendFailed, err))
		return next(makerCmdWaitRefund), events
	}
	s.resend = handle
	return next(makerCmdWaitTakerPayment), events
}

func (s *MakerSwap) handleWaitTakerPayment(ctx context.Context) (*int, []Event) {
	// The payment must confirm before the taker's response deadline has any
	// meaning; a reorged maker payment voids the whole exchange.
	until := time.Unix(int64(s.data.MakerPaymentLock()-s.data.ConfirmMargin()), 0)
	if err := s.makerCoin.WaitForConfirmations(ctx, s.makerPayment.Raw, s.data.Confs.MakerConfs, until, 0); err != nil {
		s.stopResend()
		return next(makerCmdWaitRefund), []Event{failureEvent(EvMakerPaymentWaitConfirmFailed, err)}
	}

	var msg TxMsg
	err := s.msgr.Recv(ctx, s.params.UUID, MsgTakerPayment, s.data.OtherPub, s.data.PaymentMsgTimeout(), &msg)
	s.stopResend()
	if err != nil {
		return next(makerCmdWaitRefund), []Event{failureEvent(EvTakerPaymentValidateFailed, err)}
	}
	tx, err := s.takerCoin.TxFromBytes(msg.TxHex)
	if err != nil {
		return next(makerCmdWaitRefund), []Event{failureEvent(EvTakerPaymentValidateFailed, err)}
	}
	return next(makerCmdValidateTakerPayment), []Event{
		newEvent(EvTakerPaymentReceived, txData(tx)),
		newEvent(EvTakerPaymentWaitConfirmStarted, nil),
	}
}

func (s *MakerSwap) handleValidateTakerPayment(ctx context.Context) (*int, []Event) {
	until := time.Unix(int64(s.data.TakerPaymentLock()-s.data.ConfirmMargin()), 0)
	if err := s.takerCoin.WaitForConfirmations(ctx, s.takerPayment.Raw, s.data.Confs.TakerConfs, until, 0); err != nil {
		return next(makerCmdWaitRefund), []Event{failureEvent(EvTakerPaymentWaitConfirmFailed, err)}
	}

	err := retryValidate(ctx, func() error {
		return s.takerCoin.ValidateTakerPayment(ctx, coin.ValidatePaymentArgs{
			PaymentTx:    s.takerPayment.Raw,
			TimeLock:     s.takerLocktime,
			OtherPub:     s.data.OtherPub,
			SecretHash:   s.data.SecretHash,
			Amount:       s.data.TakerAmount,
			SwapContract: s.data.TakerContract,
		})
	})
	if err != nil {
		return next(makerCmdWaitRefund), []Event{failureEvent(EvTakerPaymentValidateFailed, err)}
	}
	return next(makerCmdSpendTakerPayment), []Event{newEvent(EvTakerPaymentValidatedAndConfirmed, nil)}
}

func (s *MakerSwap) handleSpendTakerPayment(ctx context.Context) (*int, []Event) {
	id := s.params.UUID
	tx, err := retryBroadcast(ctx, func() (*coin.Tx, error) {
		return s.takerCoin.SendMakerSpendsTakerPayment(ctx, coin.SpendPaymentArgs{
			PaymentTx:    s.takerPayment.Raw,
			TimeLock:     s.takerLocktime,
			OtherPub:     s.data.OtherPub,
			SecretHash:   s.data.SecretHash,
			Secret:       s.secret,
			SwapContract: s.data.TakerContract,
			UniqueData:   id[:],
		})
	})
	if err != nil {
		return next(makerCmdWaitRefund), []Event{failureEvent(EvTakerPaymentSpendFailed, err)}
	}
	// The secret is public from this moment.
	return next(makerCmdConfirmSpend), []Event{
		newEvent(EvTakerPaymentSpent, txData(tx)),
		newEvent(EvTakerPaymentSpendConfirmStarted, nil),
	}
}

func (s *MakerSwap) handleConfirmSpend(ctx context.Context) (*int, []Event) {
	until := s.now().Add(time.Duration(s.data.LockDuration) * time.Second)
	if err := s.takerCoin.WaitForConfirmations(ctx, s.takerSpend.Raw, s.data.Confs.TakerConfs, until, 0); err != nil {
		return nil, []Event{failureEvent(EvTakerPaymentSpendConfirmFailed, err)}
	}
	return next(makerCmdFinish), []Event{newEvent(EvTakerPaymentSpendConfirmed, nil)}
}

func (s *MakerSwap) handleWaitRefund() (*int, []Event) {
	return next(makerCmdRefund), []Event{newEvent(EvMakerPaymentWaitRefundStarted, WaitRefundData{
		WaitUntil: s.data.MakerPaymentLock(),
	})}
}

func (s *MakerSwap) handleRefund(ctx context.Context) (*int, []Event) {
	if s.makerPayment == nil {
		// Nothing was ever committed; the failure event that routed here is
		// the outcome.
		return nil, []Event{failureEvent(EvMakerPaymentRefundFailed, fmt.Errorf("no maker payment to refund"))}
	}
	if err := sleepUntil(ctx, s.now, s.data.MakerPaymentLock()); err != nil {
		return nil, []Event{failureEvent(EvMakerPaymentRefundFailed, err)}
	}

	spend, err := s.makerCoin.SearchForSwapTxSpendMy(ctx, coin.SearchForSpendArgs{
		PaymentTx:  s.makerPayment.Raw,
		TimeLock:   s.data.MakerPaymentLock(),
		OtherPub:   s.data.OtherPub,
		SecretHash: s.data.SecretHash,
	})
	if err == nil && spend != nil {
		switch spend.Status {
		case coin.SpendStatusRefunded:
			return nil, []Event{newEvent(EvMakerPaymentRefunded, txData(spend.Tx))}
		case coin.SpendStatusSpent:
			return nil, []Event{failureEvent(EvMakerPaymentRefundFailed,
				fmt.Errorf("maker payment already spent in %v", spend.Tx.Hash))}
		}
	}

	id := s.params.UUID
	tx, err := retryBroadcast(ctx, func() (*coin.Tx, error) {
		return s.makerCoin.SendMakerRefundsPayment(ctx, coin.RefundPaymentArgs{
			PaymentTx:    s.makerPayment.Raw,
			TimeLock:     s.data.MakerPaymentLock(),
			OtherPub:     s.data.OtherPub,
			SecretHash:   s.data.SecretHash,
			SwapContract: s.data.MakerContract,
			UniqueData:   id[:],
		})
	})
	if err != nil {
		return nil, []Event{failureEvent(EvMakerPaymentRefundFailed, err)}
	}
	return nil, []Event{newEvent(EvMakerPaymentRefunded, txData(tx))}
}

func (s *MakerSwap) ApplyEvent(ev Event) error {
	switch ev.Kind {
	case EvStarted:
		if err := json.Unmarshal(ev.Data, &s.data); err != nil {
			return err
		}
		s.secret = s.data.Secret
	case EvNegotiated:
		var d NegotiatedData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return err
		}
		s.takerLocktime = d.OtherLocktime
	case EvTakerFeeValidated:
		return applyTx(ev, &s.takerFee)
	case EvMakerPaymentSent:
		return applyTx(ev, &s.makerPayment)
	case EvTakerPaymentReceived:
		return applyTx(ev, &s.takerPayment)
	case EvTakerPaymentSpent:
		return applyTx(ev, &s.takerSpend)
	case EvFinished:
		s.finished = true
	default:
		if contains(MakerErrorEvents, ev.Kind) {
			s.failed = true
		}
	}
	return nil
}

func (s *MakerSwap) ResumeCommand(lastKind string) (int, error) {
	switch lastKind {
	case EvStarted:
		return makerCmdNegotiate, nil
	case EvNegotiated:
		return makerCmdWaitTakerFee, nil
	case EvTakerFeeValidated:
		return makerCmdSendPayment, nil
	case EvMakerPaymentSent:
		return makerCmdSendPayment, nil
	case EvTakerPaymentReceived, EvTakerPaymentWaitConfirmStarted:
		return makerCmdValidateTakerPayment, nil
	case EvTakerPaymentValidatedAndConfirmed:
		return makerCmdSpendTakerPayment, nil
	case EvTakerPaymentSpent, EvTakerPaymentSpendConfirmStarted:
		return makerCmdConfirmSpend, nil
	case EvTakerPaymentSpendConfirmed:
		return makerCmdFinish, nil
	case EvMakerPaymentDataSendFailed, EvMakerPaymentWaitConfirmFailed,
		EvTakerPaymentValidateFailed, EvTakerPaymentWaitConfirmFailed,
		EvTakerPaymentSpendFailed:
		return makerCmdWaitRefund, nil
	case EvMakerPaymentWaitRefundStarted:
		return makerCmdRefund, nil
	default:
		return 0, fmt.Errorf("no maker transition follows %v", lastKind)
	}
}

func applyTx(ev Event, dst **coin.Tx) error {
	var d TxData
	if err := json.Unmarshal(ev.Data, &d); err != nil {
		return err
	}
	*dst = d.Tx()
	return nil
}
