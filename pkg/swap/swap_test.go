package swap_test

import (
	"context"
	"encoding/json"
	"math/big"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hashdex/swapd/pkg/coin"
	"github.com/hashdex/swapd/pkg/fee"
	"github.com/hashdex/swapd/pkg/funds"
	"github.com/hashdex/swapd/pkg/p2p"
	"github.com/hashdex/swapd/pkg/store"
	"github.com/hashdex/swapd/pkg/swap"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	Expect(err).To(BeNil())
	return data
}

func journalKinds(st store.Store, id string) []string {
	records, err := st.LoadEvents(id)
	Expect(err).To(BeNil())
	kinds := make([]string, len(records))
	for i, rec := range records {
		kinds[i] = rec.Kind
	}
	return kinds
}

var _ = Describe("Atomic swap", func() {
	var (
		logger  = zap.NewNop()
		feePeer []byte
	)

	BeforeEach(func() {
		feePeer = newPeer(newReplayTransport()).PubKey()
	})

	Context("when maker and taker run against each other", func() {
		It("completes both happy paths", func(ctx context.Context) {
			By("Wiring two peers over one transport and two chains")
			transport := newReplayTransport()
			makerChain := newChain()
			takerChain := newChain()

			makerMsgr := newPeer(transport)
			takerMsgr := newPeer(transport)

			id := uuid.New()
			policy := fee.Policy{FeePub: feePeer}

			makerParams := swap.Params{
				UUID:        id,
				MakerAmount: big.NewInt(1_000_000),
				TakerAmount: big.NewInt(2_000_000),
				OtherPub:    takerMsgr.PubKey(),
			}
			takerParams := makerParams
			takerParams.OtherPub = makerMsgr.PubKey()

			makerAcc := funds.NewAccountant()
			takerAcc := funds.NewAccountant()

			makerRel := newFakeCoin("REL", takerChain, 10_000_000)
			maker := swap.NewMakerSwap(
				newFakeCoin("BASE", makerChain, 10_000_000),
				makerRel,
				makerParams, makerMsgr, policy, makerAcc, logger)
			taker := swap.NewTakerSwap(
				newFakeCoin("BASE", makerChain, 10_000_000),
				newFakeCoin("REL", takerChain, 10_000_000),
				takerParams, takerMsgr, policy, takerAcc, logger)

			makerStore := newTestStore()
			takerStore := newTestStore()

			By("Running both machines to completion")
			errs := make(chan error, 2)
			go func() { errs <- swap.Run(ctx, maker, makerStore, logger) }()
			go func() { errs <- swap.Run(ctx, taker, takerStore, logger) }()
			Eventually(errs, "30s").Should(Receive(BeNil()))
			Eventually(errs, "30s").Should(Receive(BeNil()))
			By(color.GreenString("Swap %v finished on both sides", id))

			By("Both journals record exactly the success sequence")
			Expect(journalKinds(makerStore, id.String())).To(Equal(swap.MakerSuccessEvents))
			Expect(journalKinds(takerStore, id.String())).To(Equal(swap.TakerSuccessEvents))

			By("Both journals are closed as successful")
			makerMeta, err := makerStore.SwapMeta(id.String())
			Expect(err).To(BeNil())
			Expect(makerMeta.Finished).To(BeTrue())
			Expect(makerMeta.Success).To(BeTrue())
			takerMeta, err := takerStore.SwapMeta(id.String())
			Expect(err).To(BeNil())
			Expect(takerMeta.Finished).To(BeTrue())
			Expect(takerMeta.Success).To(BeTrue())

			By("Locked funds are released")
			Expect(makerAcc.HasLocks(id)).To(BeFalse())
			Expect(takerAcc.HasLocks(id)).To(BeFalse())

			By("Journal timestamps never decrease")
			records, err := takerStore.LoadEvents(id.String())
			Expect(err).To(BeNil())
			for i := 1; i < len(records); i++ {
				Expect(records[i].Timestamp).To(BeNumerically(">=", records[i-1].Timestamp))
			}

			By("The fee check refuses transactions mined before the swap's start block")
			Expect(makerRel.feeValidateArgs().MinBlockNumber).To(Equal(uint64(100)))
		})
	})

	Context("when the transport drops messages sent before a peer subscribes", func() {
		It("still completes because in-flight messages are re-sent", func(ctx context.Context) {
			transport := p2p.NewMemoryTransport()
			makerChain := newChain()
			takerChain := newChain()

			makerMsgr := newPeer(transport)
			takerMsgr := newPeer(transport)

			id := uuid.New()
			policy := fee.Policy{FeePub: feePeer}

			makerParams := swap.Params{
				UUID:           id,
				MakerAmount:    big.NewInt(1_000_000),
				TakerAmount:    big.NewInt(2_000_000),
				OtherPub:       takerMsgr.PubKey(),
				ResendInterval: 5 * time.Millisecond,
			}
			takerParams := makerParams
			takerParams.OtherPub = makerMsgr.PubKey()

			maker := swap.NewMakerSwap(
				newFakeCoin("BASE", makerChain, 10_000_000),
				newFakeCoin("REL", takerChain, 10_000_000),
				makerParams, makerMsgr, policy, funds.NewAccountant(), logger)
			taker := swap.NewTakerSwap(
				newFakeCoin("BASE", makerChain, 10_000_000),
				newFakeCoin("REL", takerChain, 10_000_000),
				takerParams, takerMsgr, policy, funds.NewAccountant(), logger)

			makerStore := newTestStore()
			takerStore := newTestStore()

			errs := make(chan error, 2)
			go func() { errs <- swap.Run(ctx, maker, makerStore, logger) }()
			go func() { errs <- swap.Run(ctx, taker, takerStore, logger) }()
			Eventually(errs, "30s").Should(Receive(BeNil()))
			Eventually(errs, "30s").Should(Receive(BeNil()))

			Expect(journalKinds(makerStore, id.String())).To(Equal(swap.MakerSuccessEvents))
			Expect(journalKinds(takerStore, id.String())).To(Equal(swap.TakerSuccessEvents))
		})
	})

	Context("when another swap already holds most of the balance", func() {
		It("refuses to start instead of promising the same funds twice", func(ctx context.Context) {
			transport := newReplayTransport()
			makerMsgr := newPeer(transport)

			acc := funds.NewAccountant()
			By("Another in-flight swap holds 9.9M of the 10M balance")
			Expect(acc.LockFunds(uuid.New(), funds.Lock{
				Coin:   "BASE",
				Amount: big.NewInt(9_900_000),
			})).To(Succeed())

			id := uuid.New()
			maker := swap.NewMakerSwap(
				newFakeCoin("BASE", newChain(), 10_000_000),
				newFakeCoin("REL", newChain(), 10_000_000),
				swap.Params{
					UUID:        id,
					MakerAmount: big.NewInt(9_000_000),
					TakerAmount: big.NewInt(2_000_000),
					OtherPub:    newPeer(transport).PubKey(),
				}, makerMsgr, fee.Policy{FeePub: feePeer}, acc, logger)

			st := newTestStore()
			Expect(swap.Run(ctx, maker, st, logger)).To(Succeed())

			Expect(journalKinds(st, id.String())).To(Equal([]string{swap.EvStartFailed}))
			meta, err := st.SwapMeta(id.String())
			Expect(err).To(BeNil())
			Expect(meta.Success).To(BeFalse())

			By("The other swap's claim is untouched")
			Expect(acc.HasLocks(id)).To(BeFalse())
			Expect(acc.LockedAmount("BASE")).To(Equal(big.NewInt(9_900_000)))
		})
	})

	Context("when the maker proposes an unacceptable locktime", func() {
		It("ends the taker with NegotiateFailed before anything is sent on chain", func(ctx context.Context) {
			transport := newReplayTransport()
			makerMsgr := newPeer(transport)
			takerMsgr := newPeer(transport)

			id := uuid.New()
			By("Maker announces a locktime hours in the past")
			Expect(makerMsgr.Send(id, swap.MsgNegotiation, &swap.NegotiationMsg{
				StartedAt:       uint64(time.Now().Add(-5 * time.Hour).Unix()),
				PaymentLocktime: uint64(time.Now().Add(-time.Hour).Unix()),
				PersistentPub:   makerMsgr.PubKey(),
				SecretHash:      make([]byte, 20),
			})).To(Succeed())

			acc := funds.NewAccountant()
			taker := swap.NewTakerSwap(
				newFakeCoin("BASE", newChain(), 10_000_000),
				newFakeCoin("REL", newChain(), 10_000_000),
				swap.Params{
					UUID:        id,
					MakerAmount: big.NewInt(1_000_000),
					TakerAmount: big.NewInt(2_000_000),
					OtherPub:    makerMsgr.PubKey(),
				}, takerMsgr, fee.Policy{FeePub: feePeer}, acc, logger)

			st := newTestStore()
			Expect(swap.Run(ctx, taker, st, logger)).To(Succeed())

			Expect(journalKinds(st, id.String())).To(Equal([]string{swap.EvStarted, swap.EvNegotiateFailed}))
			meta, err := st.SwapMeta(id.String())
			Expect(err).To(BeNil())
			Expect(meta.Finished).To(BeTrue())
			Expect(meta.Success).To(BeFalse())
			Expect(acc.HasLocks(id)).To(BeFalse())
		})
	})

	Context("when the maker cannot cover the trade", func() {
		It("fails at start without locking funds", func(ctx context.Context) {
			transport := newReplayTransport()
			makerMsgr := newPeer(transport)
			acc := funds.NewAccountant()

			id := uuid.New()
			maker := swap.NewMakerSwap(
				newFakeCoin("BASE", newChain(), 10),
				newFakeCoin("REL", newChain(), 10),
				swap.Params{
					UUID:        id,
					MakerAmount: big.NewInt(1_000_000),
					TakerAmount: big.NewInt(2_000_000),
					OtherPub:    newPeer(transport).PubKey(),
				}, makerMsgr, fee.Policy{FeePub: feePeer}, acc, logger)

			st := newTestStore()
			Expect(swap.Run(ctx, maker, st, logger)).To(Succeed())

			Expect(journalKinds(st, id.String())).To(Equal([]string{swap.EvStartFailed}))
			meta, err := st.SwapMeta(id.String())
			Expect(err).To(BeNil())
			Expect(meta.Finished).To(BeTrue())
			Expect(meta.Success).To(BeFalse())
			Expect(acc.HasLocks(id)).To(BeFalse())
		})
	})
})

var _ = Describe("Protocol deadlines", func() {
	It("derives every wait from the lock duration", func() {
		d := swap.Data{LockDuration: swap.DefaultLockDuration}
		Expect(d.NegotiationTimeout()).To(Equal(780 * time.Second))
		Expect(d.TakerFeeTimeout()).To(Equal(780 * time.Second))
		Expect(d.PaymentMsgTimeout()).To(Equal(2600 * time.Second))
	})
})

var _ = Describe("Resuming a swap from its journal", func() {
	var logger = zap.NewNop()

	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = 0x42
	}

	// seedTakerJournal journals a taker swap up to its refund branch, with
	// both payments on chain and every lock already in the past.
	seedTakerJournal := func(st store.Store, id uuid.UUID, myPub, otherPub, secretHash []byte) (makerPayment, takerPayment []byte) {
		makerPayment = []byte("payment:maker:BASE:seed")
		takerPayment = []byte("payment:taker:REL:seed")
		startedAt := uint64(time.Now().Unix()) - 3*swap.DefaultLockDuration

		Expect(st.CreateSwap(id.String(), string(swap.RoleTaker), "BASE", "REL", swap.TakerTerminalEvents)).To(Succeed())
		data := swap.Data{
			UUID:         id.String(),
			MakerCoin:    "BASE",
			TakerCoin:    "REL",
			MakerAmount:  big.NewInt(1_000_000),
			TakerAmount:  big.NewInt(2_000_000),
			MyPub:        myPub,
			OtherPub:     otherPub,
			LockDuration: swap.DefaultLockDuration,
			StartedAt:    startedAt,
			HashAlgo:     swap.AlgoHash160,
			Confs:        swap.ConfSettings{MakerConfs: 1, TakerConfs: 1},
		}
		for _, rec := range []store.Record{
			{Kind: swap.EvStarted, Data: mustJSON(data)},
			{Kind: swap.EvNegotiated, Data: mustJSON(swap.NegotiatedData{
				OtherPub:      otherPub,
				OtherLocktime: startedAt + 2*swap.DefaultLockDuration,
				SecretHash:    secretHash,
			})},
			{Kind: swap.EvTakerFeeSent, Data: mustJSON(swap.TxData{TxHash: "fee", TxHex: []byte("fee:REL:seed")})},
			{Kind: swap.EvMakerPaymentReceived, Data: mustJSON(swap.TxData{TxHash: "maker-payment", TxHex: makerPayment})},
			{Kind: swap.EvMakerPaymentWaitConfirmStarted},
			{Kind: swap.EvMakerPaymentValidatedAndConfirmed},
			{Kind: swap.EvTakerPaymentSent, Data: mustJSON(swap.TxData{TxHash: "taker-payment", TxHex: takerPayment})},
			{Kind: swap.EvTakerPaymentWaitRefundStarted, Data: mustJSON(swap.WaitRefundData{WaitUntil: startedAt + swap.DefaultLockDuration})},
		} {
			Expect(st.AppendEvent(id.String(), rec)).To(Succeed())
		}
		return makerPayment, takerPayment
	}

	Context("taker restarts inside the refund branch", func() {
		It("pivots to spending the maker payment when its own was already spent", func(ctx context.Context) {
			transport := newReplayTransport()
			takerMsgr := newPeer(transport)
			otherPub := newPeer(transport).PubKey()
			secretHash := swap.AlgoHash160.Sum(secret)

			st := newTestStore()
			id := uuid.New()
			makerPayment, takerPayment := seedTakerJournal(st, id, takerMsgr.PubKey(), otherPub, secretHash)

			By("The maker spent the taker payment while we were down")
			makerChain := newChain()
			takerChain := newChain()
			spendRaw := append([]byte(spendPrefix), secret...)
			takerChain.setSpend(takerPayment, &coin.SpendResult{
				Status: coin.SpendStatusSpent,
				Tx:     &coin.Tx{Hash: "maker-spend", Raw: spendRaw},
			})

			taker := swap.NewTakerSwap(
				newFakeCoin("BASE", makerChain, 10_000_000),
				newFakeCoin("REL", takerChain, 10_000_000),
				swap.Params{UUID: id}, takerMsgr, fee.Policy{}, funds.NewAccountant(), logger)
			Expect(swap.Resume(ctx, taker, st, logger)).To(Succeed())

			By("The journal ends with the secret claimed, not a refund")
			kinds := journalKinds(st, id.String())
			Expect(kinds[len(kinds)-3:]).To(Equal([]string{
				swap.EvTakerPaymentSpent, swap.EvMakerPaymentSpent, swap.EvFinished,
			}))
			meta, err := st.SwapMeta(id.String())
			Expect(err).To(BeNil())
			Expect(meta.Success).To(BeTrue())

			By("The maker payment is spent on its chain")
			res := makerChain.spendOf(makerPayment)
			Expect(res).NotTo(BeNil())
			Expect(res.Status).To(Equal(coin.SpendStatusSpent))
		})

		It("refunds the taker payment when nobody spent it", func(ctx context.Context) {
			transport := newReplayTransport()
			takerMsgr := newPeer(transport)
			otherPub := newPeer(transport).PubKey()
			secretHash := swap.AlgoHash160.Sum(secret)

			st := newTestStore()
			id := uuid.New()
			_, takerPayment := seedTakerJournal(st, id, takerMsgr.PubKey(), otherPub, secretHash)

			takerChain := newChain()
			taker := swap.NewTakerSwap(
				newFakeCoin("BASE", newChain(), 10_000_000),
				newFakeCoin("REL", takerChain, 10_000_000),
				swap.Params{UUID: id}, takerMsgr, fee.Policy{}, funds.NewAccountant(), logger)
			Expect(swap.Resume(ctx, taker, st, logger)).To(Succeed())

			kinds := journalKinds(st, id.String())
			Expect(kinds[len(kinds)-1]).To(Equal(swap.EvTakerPaymentRefunded))
			meta, err := st.SwapMeta(id.String())
			Expect(err).To(BeNil())
			Expect(meta.Finished).To(BeTrue())
			Expect(meta.Success).To(BeFalse())

			res := takerChain.spendOf(takerPayment)
			Expect(res).NotTo(BeNil())
			Expect(res.Status).To(Equal(coin.SpendStatusRefunded))
		})
	})

	Context("maker restarts inside the refund branch", func() {
		It("refunds its payment after the lock", func(ctx context.Context) {
			transport := newReplayTransport()
			makerMsgr := newPeer(transport)
			otherPub := newPeer(transport).PubKey()
			secretHash := swap.AlgoHash160.Sum(secret)
			startedAt := uint64(time.Now().Unix()) - 3*swap.DefaultLockDuration
			makerPayment := []byte("payment:maker:BASE:seed")

			st := newTestStore()
			id := uuid.New()
			Expect(st.CreateSwap(id.String(), string(swap.RoleMaker), "BASE", "REL", swap.MakerTerminalEvents)).To(Succeed())
			data := swap.Data{
				UUID:         id.String(),
				MakerCoin:    "BASE",
				TakerCoin:    "REL",
				MakerAmount:  big.NewInt(1_000_000),
				TakerAmount:  big.NewInt(2_000_000),
				MyPub:        makerMsgr.PubKey(),
				OtherPub:     otherPub,
				LockDuration: swap.DefaultLockDuration,
				StartedAt:    startedAt,
				Secret:       secret,
				SecretHash:   secretHash,
				HashAlgo:     swap.AlgoHash160,
				Confs:        swap.ConfSettings{MakerConfs: 1, TakerConfs: 1},
			}
			for _, rec := range []store.Record{
				{Kind: swap.EvStarted, Data: mustJSON(data)},
				{Kind: swap.EvNegotiated, Data: mustJSON(swap.NegotiatedData{
					OtherPub:      otherPub,
					OtherLocktime: startedAt + swap.DefaultLockDuration,
				})},
				{Kind: swap.EvTakerFeeValidated, Data: mustJSON(swap.TxData{TxHash: "fee", TxHex: []byte("fee:REL:seed")})},
				{Kind: swap.EvMakerPaymentSent, Data: mustJSON(swap.TxData{TxHash: "maker-payment", TxHex: makerPayment})},
				{Kind: swap.EvMakerPaymentWaitRefundStarted, Data: mustJSON(swap.WaitRefundData{WaitUntil: startedAt + 2*swap.DefaultLockDuration})},
			} {
				Expect(st.AppendEvent(id.String(), rec)).To(Succeed())
			}

			makerChain := newChain()
			maker := swap.NewMakerSwap(
				newFakeCoin("BASE", makerChain, 10_000_000),
				newFakeCoin("REL", newChain(), 10_000_000),
				swap.Params{UUID: id}, makerMsgr, fee.Policy{}, funds.NewAccountant(), logger)
			Expect(swap.Resume(ctx, maker, st, logger)).To(Succeed())

			kinds := journalKinds(st, id.String())
			Expect(kinds[len(kinds)-1]).To(Equal(swap.EvMakerPaymentRefunded))
			meta, err := st.SwapMeta(id.String())
			Expect(err).To(BeNil())
			Expect(meta.Finished).To(BeTrue())
			Expect(meta.Success).To(BeFalse())

			res := makerChain.spendOf(makerPayment)
			Expect(res).NotTo(BeNil())
			Expect(res.Status).To(Equal(coin.SpendStatusRefunded))
		})
	})

	Context("journal already ends in a terminal event", func() {
		It("only closes the header and touches nothing else", func(ctx context.Context) {
			transport := newReplayTransport()
			takerMsgr := newPeer(transport)

			st := newTestStore()
			id := uuid.New()
			Expect(st.CreateSwap(id.String(), string(swap.RoleTaker), "BASE", "REL", swap.TakerTerminalEvents)).To(Succeed())
			Expect(st.AppendEvent(id.String(), store.Record{
				Kind: swap.EvStartFailed,
				Data: mustJSON(swap.FailureData{Error: "balance too low"}),
			})).To(Succeed())

			taker := swap.NewTakerSwap(
				newFakeCoin("BASE", newChain(), 0),
				newFakeCoin("REL", newChain(), 0),
				swap.Params{UUID: id}, takerMsgr, fee.Policy{}, funds.NewAccountant(), logger)
			Expect(swap.Resume(ctx, taker, st, logger)).To(Succeed())

			Expect(journalKinds(st, id.String())).To(Equal([]string{swap.EvStartFailed}))
			meta, err := st.SwapMeta(id.String())
			Expect(err).To(BeNil())
			Expect(meta.Finished).To(BeTrue())
			Expect(meta.Success).To(BeFalse())
		})
	})
})
