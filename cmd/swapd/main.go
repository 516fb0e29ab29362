package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/hashdex/swapd/pkg/coin"
	"github.com/hashdex/swapd/pkg/coin/evm"
	"github.com/hashdex/swapd/pkg/coin/utxo"
	"github.com/hashdex/swapd/pkg/p2p"
	"github.com/hashdex/swapd/pkg/rpc"
	"github.com/hashdex/swapd/pkg/store"
	"github.com/hashdex/swapd/pkg/swapd"
	"github.com/hashdex/swapd/pkg/util"
	"github.com/hashdex/swapd/pkg/watcher"
)

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:   "swapd",
		Short: "atomic swap daemon",
		RunE: func(c *cobra.Command, args []string) error {
			return run(configPath)
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVar(&configPath, "config", util.DefaultConfigPath(), "config file path")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	config, err := util.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	entropy, err := util.LoadMnemonic(util.DefaultMnemonicPath())
	if errors.Is(err, util.ErrMnemonicFileMissing) {
		entropy, err = util.NewMnemonic(util.DefaultMnemonicPath())
	}
	if err != nil {
		return err
	}
	keys := util.NewKeys(entropy)

	feePub, err := hex.DecodeString(config.FeePub)
	if err != nil || len(feePub) != 33 {
		return fmt.Errorf("fee_pubkey must be 33 compressed hex bytes")
	}

	str, err := store.New(sqlite.Open(config.DB), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return err
	}

	registry := coin.NewRegistry()
	if err := enableCoins(config, keys, registry, logger); err != nil {
		return err
	}

	var transport p2p.Transport
	var watchStore watcher.Store
	if config.RedisURL != "" {
		opts, err := redis.ParseURL(config.RedisURL)
		if err != nil {
			return fmt.Errorf("redis_url does not parse: %w", err)
		}
		client := redis.NewClient(opts)
		transport = p2p.NewRedisTransport(client)
		watchStore = watcher.NewRedisStore(client, 0)
	} else {
		transport = p2p.NewMemoryTransport()
		watchStore = watcher.NewMemStore()
	}

	identity, err := keys.GetKey(util.PurposeUTXO, 0)
	if err != nil {
		return err
	}
	msgr := p2p.NewMessenger(transport, identity.Btc())
	watch := watcher.New(registry, watchStore, logger, watcher.DefaultGrace)

	daemon := swapd.New(swapd.Config{
		FeePub:     feePub,
		WatchSwaps: config.WatchSwaps,
	}, registry, str, transport, msgr, watch, logger)
	if err := daemon.Start(); err != nil {
		return err
	}
	defer daemon.Stop()

	server := rpc.NewServer(daemon, config.RPCUser, config.RPCPassword, logger)
	errs := make(chan error, 1)
	go func() {
		errs <- server.Run(config.RPCListen)
	}()
	logger.Info("swapd is up", zap.String("rpc", config.RPCListen), zap.Strings("coins", registry.Tickers()))

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errs:
		return err
	case <-sigs:
		return nil
	}
}

func enableCoins(config util.Config, keys *util.Keys, registry *coin.Registry, logger *zap.Logger) error {
	for _, cc := range config.UTXOCoins {
		params, purpose, err := netParams(cc.Network)
		if err != nil {
			return err
		}
		key, err := keys.GetKey(purpose, 0)
		if err != nil {
			return err
		}
		client := utxo.NewElectrsClient(cc.Indexer, params, logger)
		c, err := utxo.New(utxo.Options{
			Ticker:          cc.Ticker,
			Network:         params,
			Decimals:        cc.Decimals,
			Segwit:          cc.Segwit,
			FallbackFeeRate: cc.FallbackFeeRate,
		}, client, key.Btc(), logger)
		if err != nil {
			return err
		}
		if err := registry.Register(c); err != nil {
			return err
		}
	}

	for _, cc := range config.EVMCoins {
		key, err := keys.GetKey(util.PurposeEVM, 0)
		if err != nil {
			return err
		}
		ecdsaKey, err := key.ECDSA()
		if err != nil {
			return err
		}
		client, err := ethclient.Dial(cc.URL)
		if err != nil {
			return fmt.Errorf("cannot reach %v node: %w", cc.Ticker, err)
		}
		opts := evm.Options{
			Ticker:       cc.Ticker,
			Decimals:     cc.Decimals,
			SwapContract: common.HexToAddress(cc.SwapContract),
			SHA256Only:   cc.SHA256Only,
		}
		if cc.Token != "" {
			token := common.HexToAddress(cc.Token)
			opts.Token = &token
		}
		c, err := evm.New(context.Background(), opts, client, ecdsaKey, logger)
		if err != nil {
			return err
		}
		if err := registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func netParams(network string) (*chaincfg.Params, uint32, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, util.PurposeUTXO, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, util.PurposeUTXOTest, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, util.PurposeUTXOTest, nil
	default:
		return nil, 0, fmt.Errorf("unknown network %q", network)
	}
}
