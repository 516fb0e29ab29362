package p2p

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Transport moves opaque bytes between swap peers. Implementations decide the
// wire; the memory transport in this package serves single-process pairs and
// tests.
type Transport interface {
	Send(topic string, data []byte) error
	// Subscribe returns a delivery channel for a topic and a cancel func.
	// Messages published while unsubscribed are dropped.
	Subscribe(topic string) (<-chan []byte, func(), error)
}

// Topic is the channel both sides of a swap converse on.
func Topic(swapUUID uuid.UUID) string {
	return "swap@" + swapUUID.String()
}

// WatcherTopic carries watcher hand-offs, which target no particular peer.
const WatcherTopic = "swap-watchers"

// Envelope wraps every swap message with its origin and a signature over the
// body, so peers accept only messages from the negotiated counterparty key.
type Envelope struct {
	SwapUUID  []byte `cbor:"1,keyasint"`
	SenderPub []byte `cbor:"2,keyasint"`
	MsgType   string `cbor:"3,keyasint"`
	Payload   []byte `cbor:"4,keyasint"`
	Signature []byte `cbor:"5,keyasint"`
}

func envelopeDigest(swapUUID, senderPub []byte, msgType string, payload []byte) []byte {
	h := sha256.New()
	h.Write(swapUUID)
	h.Write(senderPub)
	h.Write([]byte(msgType))
	h.Write(payload)
	return h.Sum(nil)
}

var (
	ErrRecvTimeout  = errors.New("timed out waiting for swap message")
	ErrBadSignature = errors.New("swap message signature does not verify")
)

// Messenger sends and receives signed swap messages for one identity.
type Messenger struct {
	transport Transport
	key       *btcec.PrivateKey
}

func NewMessenger(transport Transport, key *btcec.PrivateKey) *Messenger {
	return &Messenger{transport: transport, key: key}
}

// PubKey is the messenger's identity in compressed form.
func (m *Messenger) PubKey() []byte {
	return m.key.PubKey().SerializeCompressed()
}

// Send cbor-encodes the payload, signs it, and publishes it on the swap's
// topic.
func (m *Messenger) Send(swapUUID uuid.UUID, msgType string, payload interface{}) error {
	return m.SendOn(Topic(swapUUID), swapUUID, msgType, payload)
}

// SendOn publishes a signed message on an explicit topic.
func (m *Messenger) SendOn(topic string, swapUUID uuid.UUID, msgType string, payload interface{}) error {
	data, err := m.seal(swapUUID, msgType, payload)
	if err != nil {
		return err
	}
	return m.transport.Send(topic, data)
}

func (m *Messenger) seal(swapUUID uuid.UUID, msgType string, payload interface{}) ([]byte, error) {
	body, err := cbor.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("payload does not encode: %w", err)
	}
	id := swapUUID[:]
	pub := m.PubKey()
	sig := ecdsa.Sign(m.key, envelopeDigest(id, pub, msgType, body))

	return cbor.Marshal(&Envelope{
		SwapUUID:  id,
		SenderPub: pub,
		MsgType:   msgType,
		Payload:   body,
		Signature: sig.Serialize(),
	})
}

// SendHandle re-publishes one sealed message until stopped. Stop is
// idempotent and safe from any goroutine.
type SendHandle struct {
	stop chan struct{}
	once sync.Once
}

func (h *SendHandle) Stop() {
	h.once.Do(func() { close(h.stop) })
}

// SendRepeatedly publishes the message immediately and then again every
// interval until the handle is stopped. The transports here are at-most-once
// and deliver nothing to a peer that has not subscribed yet, so a message
// that expects a reply must stay on the wire until the reply arrives.
func (m *Messenger) SendRepeatedly(topic string, swapUUID uuid.UUID, msgType string, payload interface{}, every time.Duration) (*SendHandle, error) {
	data, err := m.seal(swapUUID, msgType, payload)
	if err != nil {
		return nil, err
	}
	if err := m.transport.Send(topic, data); err != nil {
		return nil, err
	}

	h := &SendHandle{stop: make(chan struct{})}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-ticker.C:
				// Re-sends are best effort; the receiver's timeout bounds the
				// wait either way.
				_ = m.transport.Send(topic, data)
			}
		}
	}()
	return h, nil
}

// VerifyEnvelope decodes and authenticates a raw message from any sender.
func VerifyEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	pub, err := btcec.ParsePubKey(env.SenderPub)
	if err != nil {
		return nil, fmt.Errorf("sender pubkey does not parse: %w", err)
	}
	sig, err := ecdsa.ParseDERSignature(env.Signature)
	if err != nil {
		return nil, fmt.Errorf("signature does not parse: %w", err)
	}
	digest := envelopeDigest(env.SwapUUID, env.SenderPub, env.MsgType, env.Payload)
	if !sig.Verify(digest, pub) {
		return nil, ErrBadSignature
	}
	return &env, nil
}

// Recv waits for the next message of msgType on the swap's topic, verifies it
// was signed by expectedPub, and decodes the payload into out. Messages of
// other types, other swaps, or bad provenance are skipped, not errors.
func (m *Messenger) Recv(ctx context.Context, swapUUID uuid.UUID, msgType string, expectedPub []byte, timeout time.Duration, out interface{}) error {
	ch, cancel, err := m.transport.Subscribe(Topic(swapUUID))
	if err != nil {
		return err
	}
	defer cancel()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: %v for swap %v", ErrRecvTimeout, msgType, swapUUID)
		case data, ok := <-ch:
			if !ok {
				return fmt.Errorf("transport closed topic for swap %v", swapUUID)
			}
			env, err := decodeEnvelope(data, swapUUID, msgType, expectedPub)
			if err != nil || env == nil {
				continue
			}
			if err := cbor.Unmarshal(env.Payload, out); err != nil {
				continue
			}
			return nil
		}
	}
}

// decodeEnvelope returns nil for messages that simply are not the one being
// waited for and an error for malformed or forged ones.
func decodeEnvelope(data []byte, swapUUID uuid.UUID, msgType string, expectedPub []byte) (*Envelope, error) {
	var env Envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.MsgType != msgType {
		return nil, nil
	}
	id, err := uuid.FromBytes(env.SwapUUID)
	if err != nil || id != swapUUID {
		return nil, nil
	}
	if expectedPub != nil && !bytes.Equal(env.SenderPub, expectedPub) {
		return nil, nil
	}

	pub, err := btcec.ParsePubKey(env.SenderPub)
	if err != nil {
		return nil, fmt.Errorf("sender pubkey does not parse: %w", err)
	}
	sig, err := ecdsa.ParseDERSignature(env.Signature)
	if err != nil {
		return nil, fmt.Errorf("signature does not parse: %w", err)
	}
	digest := envelopeDigest(env.SwapUUID, env.SenderPub, env.MsgType, env.Payload)
	if !sig.Verify(digest, pub) {
		return nil, ErrBadSignature
	}
	return &env, nil
}
