package fee_test

import (
	"context"
	"errors"
	"math/big"

	"github.com/hashdex/swapd/pkg/fee"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Dex fee", func() {
	policy := fee.Policy{}

	It("charges 1/777 of the taker amount", func() {
		c := &feeCoin{ticker: "BTC", dust: 546}
		Expect(policy.DexFee(c, big.NewInt(777_000))).To(Equal(big.NewInt(1000)))
	})

	It("floors the integer division", func() {
		c := &feeCoin{ticker: "BTC", dust: 1}
		Expect(policy.DexFee(c, big.NewInt(1553))).To(Equal(big.NewInt(1)))
	})

	It("never drops below the dust limit", func() {
		c := &feeCoin{ticker: "BTC", dust: 546}
		Expect(policy.DexFee(c, big.NewInt(1000))).To(Equal(big.NewInt(546)))
		Expect(policy.DexFee(c, big.NewInt(0))).To(Equal(big.NewInt(546)))
	})
})

var _ = Describe("Stage margins", func() {
	It("pads hardest at the earliest stage", func() {
		estimate := big.NewInt(1000)
		Expect(fee.StageStartSwap.Apply(estimate)).To(Equal(big.NewInt(1080)))
		Expect(fee.StageOrderIssue.Apply(estimate)).To(Equal(big.NewInt(1100)))
		Expect(fee.StageTradePreimage.Apply(estimate)).To(Equal(big.NewInt(1500)))
		Expect(fee.StageWatcherPreimage.Apply(estimate)).To(Equal(big.NewInt(1200)))
	})

	It("rounds up so the margin never undershoots", func() {
		// 27*1/25 = 1.08 rounds to 2.
		Expect(fee.StageStartSwap.Apply(big.NewInt(1))).To(Equal(big.NewInt(2)))
		// 3*3/2 = 4.5 rounds to 5.
		Expect(fee.StageTradePreimage.Apply(big.NewInt(3))).To(Equal(big.NewInt(5)))
	})

	It("leaves the estimate untouched when the margin divides evenly", func() {
		Expect(fee.StageOrderIssue.Apply(big.NewInt(10))).To(Equal(big.NewInt(11)))
	})
})

var _ = Describe("Balance checks", func() {
	policy := fee.Policy{}

	Context("for the taker", func() {
		It("passes when the balance covers amount plus every fee leg", func(ctx context.Context) {
			my := &feeCoin{ticker: "BTC", dust: 546, balance: 2_010_000, paymentFee: 1000, sendCost: 200}
			other := &feeCoin{ticker: "ETH", spendFee: 500}

			preimage, err := policy.CheckTakerBalance(ctx, my, other, big.NewInt(2_000_000), nil, fee.StageStartSwap)
			Expect(err).To(BeNil())
			Expect(preimage.DexFee.Ticker).To(Equal("BTC"))
			Expect(preimage.DexFee.Amount).To(Equal(big.NewInt(2574)))
			Expect(preimage.MakerSpendFee.Ticker).To(Equal("ETH"))
		})

		It("fails with the shortfall when the balance is thin", func(ctx context.Context) {
			my := &feeCoin{ticker: "BTC", dust: 546, balance: 2_000_001, paymentFee: 1000, sendCost: 200}
			other := &feeCoin{ticker: "ETH", spendFee: 500}

			_, err := policy.CheckTakerBalance(ctx, my, other, big.NewInt(2_000_000), nil, fee.StageStartSwap)
			var balErr *fee.BalanceError
			Expect(errors.As(err, &balErr)).To(BeTrue())
			Expect(balErr.Ticker).To(Equal("BTC"))
			Expect(balErr.Have).To(Equal(big.NewInt(2_000_001)))
		})
	})

	Context("for the maker", func() {
		It("requires amount plus the padded payment fee", func(ctx context.Context) {
			my := &feeCoin{ticker: "BTC", dust: 546, balance: 1_001_080, paymentFee: 1000}
			other := &feeCoin{ticker: "ETH", spendFee: 500}

			preimage, err := policy.CheckMakerBalance(ctx, my, other, big.NewInt(1_000_000), nil, fee.StageStartSwap)
			Expect(err).To(BeNil())
			Expect(preimage.MakerPayment.Amount).To(Equal(big.NewInt(1080)))

			my.balance = 1_001_079
			_, err = policy.CheckMakerBalance(ctx, my, other, big.NewInt(1_000_000), nil, fee.StageStartSwap)
			var balErr *fee.BalanceError
			Expect(errors.As(err, &balErr)).To(BeTrue())
			Expect(balErr.Required).To(Equal(big.NewInt(1_001_080)))
		})
	})

	Context("with funds committed to other swaps", func() {
		It("counts only the spendable remainder", func(ctx context.Context) {
			my := &feeCoin{ticker: "BTC", dust: 546, balance: 10_000_000, paymentFee: 1000}
			other := &feeCoin{ticker: "ETH", spendFee: 500}

			_, err := policy.CheckMakerBalance(ctx, my, other, big.NewInt(9_000_000), big.NewInt(9_900_000), fee.StageStartSwap)
			var balErr *fee.BalanceError
			Expect(errors.As(err, &balErr)).To(BeTrue())
			Expect(balErr.Have).To(Equal(big.NewInt(100_000)))
			Expect(balErr.Locked).To(Equal(big.NewInt(9_900_000)))

			By("Releasing most of the locks makes the same trade pass")
			_, err = policy.CheckMakerBalance(ctx, my, other, big.NewInt(9_000_000), big.NewInt(900_000), fee.StageStartSwap)
			Expect(err).To(BeNil())
		})
	})
})
