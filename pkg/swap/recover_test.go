package swap_test

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/hashdex/swapd/pkg/coin"
	"github.com/hashdex/swapd/pkg/store"
	"github.com/hashdex/swapd/pkg/swap"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Funds recovery", func() {
	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = 0x24
	}

	var (
		makerChain *chainState
		takerChain *chainState
		makerCoin  *fakeCoin
		takerCoin  *fakeCoin
		data       *swap.Data

		makerPayment = &coin.Tx{Hash: "maker-payment", Raw: []byte("payment:maker:BASE:r")}
		takerPayment = &coin.Tx{Hash: "taker-payment", Raw: []byte("payment:taker:REL:r")}
	)

	BeforeEach(func() {
		makerChain = newChain()
		takerChain = newChain()
		makerCoin = newFakeCoin("BASE", makerChain, 10_000_000)
		takerCoin = newFakeCoin("REL", takerChain, 10_000_000)

		data = &swap.Data{
			UUID:         uuid.NewString(),
			MakerCoin:    "BASE",
			TakerCoin:    "REL",
			MakerAmount:  big.NewInt(1_000_000),
			TakerAmount:  big.NewInt(2_000_000),
			LockDuration: swap.DefaultLockDuration,
			StartedAt:    uint64(time.Now().Unix()) - 3*swap.DefaultLockDuration,
			SecretHash:   swap.AlgoHash160.Sum(secret),
			HashAlgo:     swap.AlgoHash160,
		}
	})

	Context("as taker", func() {
		It("refunds an unspent taker payment after its lock", func(ctx context.Context) {
			result, err := swap.RecoverFunds(ctx, swap.RoleTaker, data, takerPayment, makerPayment, makerCoin, takerCoin, nil)
			Expect(err).To(BeNil())
			Expect(result.Action).To(Equal(swap.RecoverRefundedMyPayment))
			Expect(result.Coin).To(Equal("REL"))

			res := takerChain.spendOf(takerPayment.Raw)
			Expect(res).NotTo(BeNil())
			Expect(res.Status).To(Equal(coin.SpendStatusRefunded))
		})

		It("waits out the lock before refunding", func(ctx context.Context) {
			data.StartedAt = uint64(time.Now().Unix())
			_, err := swap.RecoverFunds(ctx, swap.RoleTaker, data, takerPayment, makerPayment, makerCoin, takerCoin, nil)
			Expect(errors.Is(err, coin.ErrRefundLocked)).To(BeTrue())
		})

		It("claims the maker payment when its own was spent with the secret", func(ctx context.Context) {
			takerChain.setSpend(takerPayment.Raw, &coin.SpendResult{
				Status: coin.SpendStatusSpent,
				Tx:     &coin.Tx{Hash: "maker-spend", Raw: append([]byte(spendPrefix), secret...)},
			})

			result, err := swap.RecoverFunds(ctx, swap.RoleTaker, data, takerPayment, makerPayment, makerCoin, takerCoin, nil)
			Expect(err).To(BeNil())
			Expect(result.Action).To(Equal(swap.RecoverSpentOtherPayment))
			Expect(result.Coin).To(Equal("BASE"))

			res := makerChain.spendOf(makerPayment.Raw)
			Expect(res).NotTo(BeNil())
			Expect(res.Status).To(Equal(coin.SpendStatusSpent))
		})

		It("refuses a swap whose payment was already refunded", func(ctx context.Context) {
			takerChain.setSpend(takerPayment.Raw, &coin.SpendResult{
				Status: coin.SpendStatusRefunded,
				Tx:     &coin.Tx{Hash: "old-refund"},
			})
			_, err := swap.RecoverFunds(ctx, swap.RoleTaker, data, takerPayment, makerPayment, makerCoin, takerCoin, nil)
			Expect(err).To(MatchError(ContainSubstring("already refunded")))
		})

		It("refuses a swap whose payment was never sent", func(ctx context.Context) {
			_, err := swap.RecoverFunds(ctx, swap.RoleTaker, data, nil, makerPayment, makerCoin, takerCoin, nil)
			Expect(err).To(MatchError(ContainSubstring("never sent")))
		})
	})

	Context("as maker", func() {
		It("refunds an unspent maker payment after its lock", func(ctx context.Context) {
			result, err := swap.RecoverFunds(ctx, swap.RoleMaker, data, makerPayment, takerPayment, makerCoin, takerCoin, nil)
			Expect(err).To(BeNil())
			Expect(result.Action).To(Equal(swap.RecoverRefundedMyPayment))
			Expect(result.Coin).To(Equal("BASE"))

			res := makerChain.spendOf(makerPayment.Raw)
			Expect(res).NotTo(BeNil())
			Expect(res.Status).To(Equal(coin.SpendStatusRefunded))
		})

		It("claims the taker payment with its own secret when spent", func(ctx context.Context) {
			data.Secret = secret
			makerChain.setSpend(makerPayment.Raw, &coin.SpendResult{
				Status: coin.SpendStatusSpent,
				Tx:     &coin.Tx{Hash: "taker-spend", Raw: append([]byte(spendPrefix), secret...)},
			})

			result, err := swap.RecoverFunds(ctx, swap.RoleMaker, data, makerPayment, takerPayment, makerCoin, takerCoin, nil)
			Expect(err).To(BeNil())
			Expect(result.Action).To(Equal(swap.RecoverSpentOtherPayment))
			Expect(result.Coin).To(Equal("REL"))

			res := takerChain.spendOf(takerPayment.Raw)
			Expect(res).NotTo(BeNil())
			Expect(res.Status).To(Equal(coin.SpendStatusSpent))
		})
	})
})

var _ = Describe("Reconstructing the counterparty journal", func() {
	startedPayload := func(myPub, otherPub, secret []byte) json.RawMessage {
		return mustJSON(swap.Data{
			UUID:     uuid.NewString(),
			MyPub:    myPub,
			OtherPub: otherPub,
			Secret:   secret,
		})
	}

	It("maps a maker journal onto the taker's event kinds", func() {
		myPub := []byte{1, 2, 3}
		otherPub := []byte{4, 5, 6}
		records := []store.Record{
			{Kind: swap.EvStarted, Timestamp: 1, Data: startedPayload(myPub, otherPub, []byte("s"))},
			{Kind: swap.EvNegotiated, Timestamp: 2},
			{Kind: swap.EvTakerFeeValidated, Timestamp: 3},
			{Kind: swap.EvMakerPaymentSent, Timestamp: 4, Data: mustJSON(swap.TxData{TxHash: "mp"})},
			{Kind: swap.EvTakerPaymentReceived, Timestamp: 5, Data: mustJSON(swap.TxData{TxHash: "tp"})},
			{Kind: swap.EvTakerPaymentSpent, Timestamp: 6},
			{Kind: swap.EvFinished, Timestamp: 7},
		}

		out := swap.ReconstructOpposite(swap.RoleMaker, records, nil)
		kinds := make([]string, len(out))
		for i, rec := range out {
			kinds[i] = rec.Kind
		}
		Expect(kinds).To(Equal([]string{
			swap.EvStarted, swap.EvNegotiated, swap.EvTakerFeeSent,
			swap.EvMakerPaymentReceived, swap.EvMakerPaymentWaitConfirmStarted,
			swap.EvMakerPaymentValidatedAndConfirmed, swap.EvTakerPaymentSent,
			swap.EvTakerPaymentSpent, swap.EvFinished,
		}))

		By("Swapping the pubkey perspective and dropping the secret")
		var flipped swap.Data
		Expect(json.Unmarshal(out[0].Data, &flipped)).To(Succeed())
		Expect(flipped.MyPub).To(Equal(otherPub))
		Expect(flipped.OtherPub).To(Equal(myPub))
		Expect(flipped.Secret).To(BeEmpty())

		By("Anchoring synthetic events to the original timestamp")
		Expect(out[3].Timestamp).To(Equal(int64(4)))
		Expect(out[4].Timestamp).To(Equal(int64(4)))
		Expect(out[5].Timestamp).To(Equal(int64(4)))
	})

	It("maps a taker journal onto the maker's event kinds", func() {
		records := []store.Record{
			{Kind: swap.EvStarted, Timestamp: 1, Data: startedPayload([]byte{9}, []byte{8}, nil)},
			{Kind: swap.EvNegotiated, Timestamp: 2},
			{Kind: swap.EvTakerFeeSent, Timestamp: 3},
			{Kind: swap.EvMakerPaymentReceived, Timestamp: 4},
			{Kind: swap.EvTakerPaymentSent, Timestamp: 5, Data: mustJSON(swap.TxData{TxHash: "tp"})},
			{Kind: swap.EvTakerPaymentSpent, Timestamp: 6},
			{Kind: swap.EvFinished, Timestamp: 7},
		}

		out := swap.ReconstructOpposite(swap.RoleTaker, records, nil)
		kinds := make([]string, len(out))
		for i, rec := range out {
			kinds[i] = rec.Kind
		}
		Expect(kinds).To(Equal([]string{
			swap.EvStarted, swap.EvNegotiated, swap.EvTakerFeeValidated,
			swap.EvMakerPaymentSent, swap.EvTakerPaymentReceived,
			swap.EvTakerPaymentWaitConfirmStarted,
			swap.EvTakerPaymentValidatedAndConfirmed, swap.EvTakerPaymentSpent,
			swap.EvTakerPaymentSpendConfirmStarted, swap.EvFinished,
		}))
	})

	It("drops event kinds the counterparty never records", func() {
		records := []store.Record{
			{Kind: swap.EvStarted, Timestamp: 1, Data: startedPayload(nil, nil, nil)},
			{Kind: swap.EvWatcherMessageSent, Timestamp: 2},
			{Kind: swap.EvFinished, Timestamp: 3},
		}
		out := swap.ReconstructOpposite(swap.RoleTaker, records, nil)
		Expect(out).To(HaveLen(2))
		Expect(out[0].Kind).To(Equal(swap.EvStarted))
		Expect(out[1].Kind).To(Equal(swap.EvFinished))
	})

	It("recovers the secret from the spend when rebuilding the taker's view", func() {
		secret := make([]byte, 32)
		for i := range secret {
			secret[i] = 0x24
		}
		spendRaw := append([]byte(spendPrefix), secret...)
		records := []store.Record{
			{Kind: swap.EvStarted, Timestamp: 1, Data: mustJSON(swap.Data{
				UUID:       uuid.NewString(),
				SecretHash: swap.AlgoHash160.Sum(secret),
				HashAlgo:   swap.AlgoHash160,
			})},
			{Kind: swap.EvTakerPaymentSpent, Timestamp: 2, Data: mustJSON(swap.TxData{
				TxHash: "spend",
				TxHex:  spendRaw,
			})},
		}

		out := swap.ReconstructOpposite(swap.RoleMaker, records, newFakeCoin("REL", newChain(), 0))
		Expect(out).To(HaveLen(2))
		var spent swap.SpentData
		Expect(json.Unmarshal(out[1].Data, &spent)).To(Succeed())
		Expect(spent.TxHash).To(Equal("spend"))
		Expect(spent.Secret).To(Equal(secret))
	})
})
