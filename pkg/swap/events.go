package swap

import (
	"encoding/json"
	"time"

	"github.com/hashdex/swapd/pkg/coin"
)

// Event is one journal entry before persistence assigns its timestamp.
type Event struct {
	Kind string
	Data json.RawMessage
}

func newEvent(kind string, payload interface{}) Event {
	if payload == nil {
		return Event{Kind: kind}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		// Payloads are plain structs; a marshal failure is a programming
		// error.
		panic(err)
	}
	return Event{Kind: kind, Data: data}
}

// Event kinds shared by both roles.
const (
	EvStarted         = "Started"
	EvStartFailed     = "StartFailed"
	EvNegotiated      = "Negotiated"
	EvNegotiateFailed = "NegotiateFailed"
	EvFinished        = "Finished"
)

// Maker-side event kinds.
const (
	EvTakerFeeValidated                 = "TakerFeeValidated"
	EvTakerFeeValidateFailed            = "TakerFeeValidateFailed"
	EvMakerPaymentSent                  = "MakerPaymentSent"
	EvMakerPaymentTransactionFailed     = "MakerPaymentTransactionFailed"
	EvMakerPaymentDataSendFailed        = "MakerPaymentDataSendFailed"
	EvMakerPaymentWaitConfirmFailed     = "MakerPaymentWaitConfirmFailed"
	EvTakerPaymentReceived              = "TakerPaymentReceived"
	EvTakerPaymentWaitConfirmStarted    = "TakerPaymentWaitConfirmStarted"
	EvTakerPaymentValidatedAndConfirmed = "TakerPaymentValidatedAndConfirmed"
	EvTakerPaymentValidateFailed        = "TakerPaymentValidateFailed"
	EvTakerPaymentWaitConfirmFailed     = "TakerPaymentWaitConfirmFailed"
	EvTakerPaymentSpent                 = "TakerPaymentSpent"
	EvTakerPaymentSpendFailed           = "TakerPaymentSpendFailed"
	EvTakerPaymentSpendConfirmStarted   = "TakerPaymentSpendConfirmStarted"
	EvTakerPaymentSpendConfirmed        = "TakerPaymentSpendConfirmed"
	EvTakerPaymentSpendConfirmFailed    = "TakerPaymentSpendConfirmFailed"
	EvMakerPaymentWaitRefundStarted     = "MakerPaymentWaitRefundStarted"
	EvMakerPaymentRefunded              = "MakerPaymentRefunded"
	EvMakerPaymentRefundFailed          = "MakerPaymentRefundFailed"
)

// Taker-side event kinds.
const (
	EvTakerFeeSent                      = "TakerFeeSent"
	EvTakerFeeSendFailed                = "TakerFeeSendFailed"
	EvMakerPaymentReceived              = "MakerPaymentReceived"
	EvMakerPaymentWaitConfirmStarted    = "MakerPaymentWaitConfirmStarted"
	EvMakerPaymentValidatedAndConfirmed = "MakerPaymentValidatedAndConfirmed"
	EvMakerPaymentValidateFailed        = "MakerPaymentValidateFailed"
	EvTakerPaymentSent                  = "TakerPaymentSent"
	EvTakerPaymentTransactionFailed     = "TakerPaymentTransactionFailed"
	EvTakerPaymentDataSendFailed        = "TakerPaymentDataSendFailed"
	EvWatcherMessageSent                = "WatcherMessageSent"
	EvTakerPaymentWaitForSpendFailed    = "TakerPaymentWaitForSpendFailed"
	EvMakerPaymentSpent                 = "MakerPaymentSpent"
	EvMakerPaymentSpendFailed           = "MakerPaymentSpendFailed"
	EvTakerPaymentWaitRefundStarted     = "TakerPaymentWaitRefundStarted"
	EvTakerPaymentRefunded              = "TakerPaymentRefunded"
	EvTakerPaymentRefundFailed          = "TakerPaymentRefundFailed"
)

// MakerSuccessEvents is the maker's happy path in order.
var MakerSuccessEvents = []string{
	EvStarted, EvNegotiated, EvTakerFeeValidated, EvMakerPaymentSent,
	EvTakerPaymentReceived, EvTakerPaymentWaitConfirmStarted,
	EvTakerPaymentValidatedAndConfirmed, EvTakerPaymentSpent,
	EvTakerPaymentSpendConfirmStarted, EvTakerPaymentSpendConfirmed,
	EvFinished,
}

// MakerErrorEvents is every maker event kind outside the happy path.
var MakerErrorEvents = []string{
	EvStartFailed, EvNegotiateFailed, EvTakerFeeValidateFailed,
	EvMakerPaymentTransactionFailed, EvMakerPaymentDataSendFailed,
	EvMakerPaymentWaitConfirmFailed, EvTakerPaymentValidateFailed,
	EvTakerPaymentWaitConfirmFailed, EvTakerPaymentSpendFailed,
	EvTakerPaymentSpendConfirmFailed, EvMakerPaymentWaitRefundStarted,
	EvMakerPaymentRefunded, EvMakerPaymentRefundFailed,
}

// MakerTerminalEvents close a maker journal. Error kinds that still owe a
// refund attempt are deliberately absent.
var MakerTerminalEvents = []string{
	EvFinished, EvStartFailed, EvNegotiateFailed, EvTakerFeeValidateFailed,
	EvMakerPaymentTransactionFailed, EvTakerPaymentSpendConfirmFailed,
	EvMakerPaymentRefunded, EvMakerPaymentRefundFailed,
}

// TakerSuccessEvents is the taker's happy path in order.
var TakerSuccessEvents = []string{
	EvStarted, EvNegotiated, EvTakerFeeSent, EvMakerPaymentReceived,
	EvMakerPaymentWaitConfirmStarted, EvMakerPaymentValidatedAndConfirmed,
	EvTakerPaymentSent, EvWatcherMessageSent, EvTakerPaymentSpent,
	EvMakerPaymentSpent, EvFinished,
}

// TakerErrorEvents is every taker event kind outside the happy path.
var TakerErrorEvents = []string{
	EvStartFailed, EvNegotiateFailed, EvTakerFeeSendFailed,
	EvMakerPaymentValidateFailed, EvMakerPaymentWaitConfirmFailed,
	EvTakerPaymentTransactionFailed, EvTakerPaymentDataSendFailed,
	EvTakerPaymentWaitForSpendFailed, EvMakerPaymentSpendFailed,
	EvTakerPaymentWaitRefundStarted, EvTakerPaymentRefunded,
	EvTakerPaymentRefundFailed,
}

// TakerTerminalEvents close a taker journal.
var TakerTerminalEvents = []string{
	EvFinished, EvStartFailed, EvNegotiateFailed, EvTakerFeeSendFailed,
	EvMakerPaymentValidateFailed, EvMakerPaymentWaitConfirmFailed,
	EvTakerPaymentTransactionFailed, EvMakerPaymentSpendFailed,
	EvTakerPaymentRefunded, EvTakerPaymentRefundFailed,
}

func contains(kinds []string, kind string) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Event payloads.

// FailureData carries the message of any *Failed event.
type FailureData struct {
	Error string `json:"error"`
}

func failureEvent(kind string, err error) Event {
	return newEvent(kind, FailureData{Error: err.Error()})
}

// NegotiatedData records what the counterparty committed to.
type NegotiatedData struct {
	OtherPub      []byte `json:"other_pub"`
	OtherLocktime uint64 `json:"other_payment_locktime"`
	SecretHash    []byte `json:"secret_hash,omitempty"`
	MakerContract []byte `json:"maker_coin_swap_contract,omitempty"`
	TakerContract []byte `json:"taker_coin_swap_contract,omitempty"`
}

// TxData identifies a broadcast or received transaction.
type TxData struct {
	TxHash string `json:"tx_hash"`
	TxHex  []byte `json:"tx_hex"`
}

func txData(tx *coin.Tx) TxData {
	return TxData{TxHash: tx.Hash, TxHex: tx.Raw}
}

func (d TxData) Tx() *coin.Tx {
	return &coin.Tx{Hash: d.TxHash, Raw: d.TxHex}
}

// SpentData is a spend observation that also carries the revealed secret.
type SpentData struct {
	TxHash string `json:"tx_hash"`
	TxHex  []byte `json:"tx_hex"`
	Secret []byte `json:"secret,omitempty"`
}

// WaitRefundData marks entry into a refund branch.
type WaitRefundData struct {
	WaitUntil uint64 `json:"wait_until"`
}

// nowMillis exists so tests can pin event timestamps.
var nowMillis = func() int64 { return time.Now().UnixMilli() }
