package p2p_test

import (
	"context"
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"

	"github.com/hashdex/swapd/pkg/p2p"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type ping struct {
	Seq  uint64 `cbor:"1,keyasint"`
	Note string `cbor:"2,keyasint"`
}

func newMessenger(transport p2p.Transport) *p2p.Messenger {
	key, err := btcec.NewPrivateKey()
	Expect(err).To(BeNil())
	return p2p.NewMessenger(transport, key)
}

// recvAsync runs Recv in the background so the test can publish after the
// subscription is in place.
func recvAsync(ctx context.Context, m *p2p.Messenger, id uuid.UUID, msgType string, pub []byte, timeout time.Duration, out interface{}) chan error {
	done := make(chan error, 1)
	go func() {
		done <- m.Recv(ctx, id, msgType, pub, timeout, out)
	}()
	time.Sleep(50 * time.Millisecond)
	return done
}

var _ = Describe("Swap messenger", func() {
	var (
		transport *p2p.MemoryTransport
		sender    *p2p.Messenger
		receiver  *p2p.Messenger
		id        uuid.UUID
	)

	BeforeEach(func() {
		transport = p2p.NewMemoryTransport()
		sender = newMessenger(transport)
		receiver = newMessenger(transport)
		id = uuid.New()
	})

	It("names the swap topic after its uuid", func() {
		Expect(p2p.Topic(id)).To(Equal("swap@" + id.String()))
	})

	It("signs every envelope verifiably", func() {
		ch, cancel, err := transport.Subscribe(p2p.Topic(id))
		Expect(err).To(BeNil())
		defer cancel()

		Expect(sender.Send(id, "ping", &ping{Seq: 7, Note: "hello"})).To(Succeed())

		var raw []byte
		Eventually(ch).Should(Receive(&raw))
		env, err := p2p.VerifyEnvelope(raw)
		Expect(err).To(BeNil())
		Expect(env.MsgType).To(Equal("ping"))
		Expect(env.SenderPub).To(Equal(sender.PubKey()))
		Expect(env.SwapUUID).To(Equal(id[:]))
	})

	It("rejects a tampered envelope", func() {
		ch, cancel, err := transport.Subscribe(p2p.Topic(id))
		Expect(err).To(BeNil())
		defer cancel()

		Expect(sender.Send(id, "ping", &ping{Seq: 1})).To(Succeed())

		var raw []byte
		Eventually(ch).Should(Receive(&raw))
		raw[len(raw)-1] ^= 0xff
		_, err = p2p.VerifyEnvelope(raw)
		Expect(err).NotTo(BeNil())
	})

	It("delivers a matching message to Recv", func(ctx context.Context) {
		var got ping
		done := recvAsync(ctx, receiver, id, "ping", sender.PubKey(), 5*time.Second, &got)

		Expect(sender.Send(id, "ping", &ping{Seq: 42, Note: "match"})).To(Succeed())

		Eventually(done).Should(Receive(BeNil()))
		Expect(got.Seq).To(Equal(uint64(42)))
		Expect(got.Note).To(Equal("match"))
	})

	It("skips messages of other types, swaps, and senders", func(ctx context.Context) {
		imposter := newMessenger(transport)

		var got ping
		done := recvAsync(ctx, receiver, id, "ping", sender.PubKey(), 5*time.Second, &got)

		By("Noise on the same topic")
		Expect(sender.Send(id, "pong", &ping{Seq: 1})).To(Succeed())
		Expect(imposter.Send(id, "ping", &ping{Seq: 2})).To(Succeed())
		By("The message actually awaited")
		Expect(sender.Send(id, "ping", &ping{Seq: 3})).To(Succeed())

		Eventually(done).Should(Receive(BeNil()))
		Expect(got.Seq).To(Equal(uint64(3)))
	})

	It("times out when nothing arrives", func(ctx context.Context) {
		var got ping
		err := receiver.Recv(ctx, id, "ping", sender.PubKey(), 100*time.Millisecond, &got)
		Expect(errors.Is(err, p2p.ErrRecvTimeout)).To(BeTrue())
	})

	It("honors context cancellation while waiting", func() {
		ctx, cancel := context.WithCancel(context.Background())
		var got ping
		done := make(chan error, 1)
		go func() {
			done <- receiver.Recv(ctx, id, "ping", sender.PubKey(), time.Minute, &got)
		}()
		cancel()
		Eventually(done).Should(Receive(MatchError(context.Canceled)))
	})

	It("sends watcher hand-offs on the shared topic", func(ctx context.Context) {
		ch, cancel, err := transport.Subscribe(p2p.WatcherTopic)
		Expect(err).To(BeNil())
		defer cancel()

		Expect(sender.SendOn(p2p.WatcherTopic, id, "watch", &ping{Seq: 9})).To(Succeed())

		var raw []byte
		Eventually(ch).Should(Receive(&raw))
		env, err := p2p.VerifyEnvelope(raw)
		Expect(err).To(BeNil())
		Expect(env.MsgType).To(Equal("watch"))
	})
})

var _ = Describe("Memory transport", func() {
	It("fans a message out to every subscriber", func() {
		transport := p2p.NewMemoryTransport()
		first, cancelFirst, err := transport.Subscribe("t")
		Expect(err).To(BeNil())
		defer cancelFirst()
		second, cancelSecond, err := transport.Subscribe("t")
		Expect(err).To(BeNil())
		defer cancelSecond()

		Expect(transport.Send("t", []byte("x"))).To(Succeed())
		Eventually(first).Should(Receive(Equal([]byte("x"))))
		Eventually(second).Should(Receive(Equal([]byte("x"))))
	})

	It("closes the channel on cancel and stops delivering", func() {
		transport := p2p.NewMemoryTransport()
		ch, cancel, err := transport.Subscribe("t")
		Expect(err).To(BeNil())

		cancel()
		Expect(transport.Send("t", []byte("x"))).To(Succeed())
		Eventually(ch).Should(BeClosed())
	})

	It("drops messages for topics nobody subscribed to", func() {
		transport := p2p.NewMemoryTransport()
		Expect(transport.Send("nowhere", []byte("x"))).To(Succeed())
	})
})
