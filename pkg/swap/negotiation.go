package swap

import (
	"bytes"
	"fmt"
)

// Wire message types exchanged over the swap topic.
const (
	MsgNegotiation      = "negotiation"
	MsgNegotiationReply = "negotiation-reply"
	MsgNegotiated       = "negotiated"
	MsgTakerFee         = "taker-fee"
	MsgMakerPayment     = "maker-payment"
	MsgTakerPayment     = "taker-payment"
	MsgWatcher          = "watcher"
)

// NegotiationMsg opens a swap: the maker commits to its timing, identity and
// secret hash.
type NegotiationMsg struct {
	StartedAt       uint64 `cbor:"1,keyasint"`
	PaymentLocktime uint64 `cbor:"2,keyasint"`
	PersistentPub   []byte `cbor:"3,keyasint"`
	SecretHash      []byte `cbor:"4,keyasint"`
	MakerContract   []byte `cbor:"5,keyasint,omitempty"`
	TakerContract   []byte `cbor:"6,keyasint,omitempty"`
}

// NegotiationReplyMsg is the taker's commitment.
type NegotiationReplyMsg struct {
	PaymentLocktime uint64 `cbor:"1,keyasint"`
	PersistentPub   []byte `cbor:"2,keyasint"`
	MakerContract   []byte `cbor:"3,keyasint,omitempty"`
	TakerContract   []byte `cbor:"4,keyasint,omitempty"`
}

// NegotiatedMsg closes negotiation.
type NegotiatedMsg struct {
	Confirmed bool `cbor:"1,keyasint"`
}

// TxMsg carries a raw transaction: the taker fee, the maker payment, or the
// taker payment.
type TxMsg struct {
	TxHex []byte `cbor:"1,keyasint"`
}

// negotiationDelta absorbs clock skew and transit delay between peers.
const negotiationDelta uint64 = 30

// validateNegotiation checks the maker's opening message against the taker's
// local view of the swap.
func validateNegotiation(d *Data, msg *NegotiationMsg) error {
	if msg.PaymentLocktime+negotiationDelta < d.StartedAt+2*d.LockDuration {
		return fmt.Errorf("maker locktime %d too early for lock duration %d",
			msg.PaymentLocktime, d.LockDuration)
	}
	if !bytes.Equal(msg.PersistentPub, d.OtherPub) {
		return fmt.Errorf("maker pubkey does not match the matched order")
	}
	if got := len(msg.SecretHash); got != expectedHashLen(d.HashAlgo) {
		return fmt.Errorf("secret hash is %d bytes, want %d for %v",
			got, expectedHashLen(d.HashAlgo), d.HashAlgo)
	}
	if err := contractsAgree(d, msg.MakerContract, msg.TakerContract); err != nil {
		return err
	}
	return nil
}

// validateNegotiationReply checks the taker's reply against the maker's view.
func validateNegotiationReply(d *Data, msg *NegotiationReplyMsg) error {
	want := d.StartedAt + d.LockDuration
	if absDiff(msg.PaymentLocktime, want) > negotiationDelta {
		return fmt.Errorf("taker locktime %d outside tolerance of %d",
			msg.PaymentLocktime, want)
	}
	if !bytes.Equal(msg.PersistentPub, d.OtherPub) {
		return fmt.Errorf("taker pubkey does not match the matched order")
	}
	if err := contractsAgree(d, msg.MakerContract, msg.TakerContract); err != nil {
		return err
	}
	return nil
}

// contractsAgree aborts the swap when a peer names a different contract than
// local config for either chain. Empty on both sides means a script coin.
func contractsAgree(d *Data, makerContract, takerContract []byte) error {
	if len(d.MakerContract) > 0 && !bytes.Equal(makerContract, d.MakerContract) {
		return fmt.Errorf("maker coin contract mismatch")
	}
	if len(d.TakerContract) > 0 && !bytes.Equal(takerContract, d.TakerContract) {
		return fmt.Errorf("taker coin contract mismatch")
	}
	return nil
}

func expectedHashLen(algo SecretHashAlgo) int {
	if algo == AlgoSHA256 {
		return 32
	}
	return 20
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
