package util_test

import (
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/hashdex/swapd/pkg/util"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Key derivation", func() {
	var entropy []byte

	BeforeEach(func() {
		entropy = make([]byte, 32)
		_, err := rand.Read(entropy)
		Expect(err).To(BeNil())
	})

	It("derives the same key for the same path", func() {
		keys := util.NewKeys(entropy)
		first, err := keys.GetKey(util.PurposeUTXO, 0)
		Expect(err).To(BeNil())
		second, err := keys.GetKey(util.PurposeUTXO, 0)
		Expect(err).To(BeNil())
		Expect(first.Btc().Serialize()).To(Equal(second.Btc().Serialize()))
	})

	It("derives distinct keys per purpose and index", func() {
		keys := util.NewKeys(entropy)
		utxoKey, err := keys.GetKey(util.PurposeUTXO, 0)
		Expect(err).To(BeNil())
		evmKey, err := keys.GetKey(util.PurposeEVM, 0)
		Expect(err).To(BeNil())
		nextKey, err := keys.GetKey(util.PurposeUTXO, 1)
		Expect(err).To(BeNil())

		Expect(utxoKey.Btc().Serialize()).NotTo(Equal(evmKey.Btc().Serialize()))
		Expect(utxoKey.Btc().Serialize()).NotTo(Equal(nextKey.Btc().Serialize()))
	})

	It("presents the same key on both chain families", func() {
		keys := util.NewKeys(entropy)
		key, err := keys.GetKey(util.PurposeEVM, 0)
		Expect(err).To(BeNil())

		ecdsaKey, err := key.ECDSA()
		Expect(err).To(BeNil())
		Expect(ecdsaKey.PublicKey.X.Bytes()).To(Equal(key.Btc().PubKey().X().Bytes()))

		addr, err := key.EvmAddress()
		Expect(err).To(BeNil())
		Expect(addr.Bytes()).To(HaveLen(20))

		btcAddr, err := key.WitnessAddress(&chaincfg.RegressionNetParams)
		Expect(err).To(BeNil())
		Expect(btcAddr.String()).NotTo(BeEmpty())
	})
})

var _ = Describe("Mnemonic file", func() {
	It("round-trips entropy through the mnemonic file", func() {
		path := filepath.Join(GinkgoT().TempDir(), "MNEMONIC")
		entropy, err := util.NewMnemonic(path)
		Expect(err).To(BeNil())
		Expect(entropy).To(HaveLen(32))

		loaded, err := util.LoadMnemonic(path)
		Expect(err).To(BeNil())
		Expect(loaded).To(Equal(entropy))
	})

	It("reports a missing file distinctly", func() {
		_, err := util.LoadMnemonic(filepath.Join(GinkgoT().TempDir(), "absent"))
		Expect(errors.Is(err, util.ErrMnemonicFileMissing)).To(BeTrue())
	})

	It("writes the mnemonic with owner-only permissions", func() {
		path := filepath.Join(GinkgoT().TempDir(), "MNEMONIC")
		_, err := util.NewMnemonic(path)
		Expect(err).To(BeNil())

		info, err := os.Stat(path)
		Expect(err).To(BeNil())
		Expect(info.Mode().Perm()).To(Equal(os.FileMode(0600)))
	})
})

var _ = Describe("Config", func() {
	It("loads coin sections and applies defaults", func() {
		path := filepath.Join(GinkgoT().TempDir(), "config.yaml")
		Expect(os.WriteFile(path, []byte(`
rpc_user: user
rpc_password: pass
fee_pubkey: "02deadbeef"
utxo_coins:
  - ticker: BTC
    network: regtest
    indexer: http://localhost:3000
    decimals: 8
    segwit: true
evm_coins:
  - ticker: ETH
    url: http://localhost:8545
    swap_contract: "0x0000000000000000000000000000000000000001"
    decimals: 18
`), 0600)).To(Succeed())

		config, err := util.LoadConfig(path)
		Expect(err).To(BeNil())
		Expect(config.RPCListen).To(Equal("localhost:7783"))
		Expect(config.DB).NotTo(BeEmpty())
		Expect(config.UTXOCoins).To(HaveLen(1))
		Expect(config.UTXOCoins[0].Ticker).To(Equal("BTC"))
		Expect(config.UTXOCoins[0].Segwit).To(BeTrue())
		Expect(config.EVMCoins).To(HaveLen(1))
		Expect(config.EVMCoins[0].Decimals).To(Equal(uint8(18)))
	})

	It("requires rpc credentials", func() {
		path := filepath.Join(GinkgoT().TempDir(), "config.yaml")
		Expect(os.WriteFile(path, []byte("rpc_user: user\n"), 0600)).To(Succeed())
		_, err := util.LoadConfig(path)
		Expect(err).To(MatchError(ContainSubstring("rpc_user and rpc_password")))
	})
})
