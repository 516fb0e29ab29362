package util

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/viper"
	"github.com/tyler-smith/go-bip39"
)

var HomeDir string

var ErrMnemonicFileMissing = errors.New("mnemonic file missing")

func init() {
	var err error
	HomeDir, err = os.UserHomeDir()
	if err != nil {
		log.Fatal("failed to get $HOME value")
	}
}

func DefaultDirectory() string {
	return filepath.Join(HomeDir, ".swapd")
}

func DefaultMnemonicPath() string {
	return filepath.Join(HomeDir, ".swapd", "MNEMONIC")
}

func DefaultConfigPath() string {
	return filepath.Join(HomeDir, ".swapd", "config.yaml")
}

func DefaultStorePath() string {
	return filepath.Join(HomeDir, ".swapd", "swaps.db")
}

// UTXOCoinConfig enables one script-HTLC chain.
type UTXOCoinConfig struct {
	Ticker          string `mapstructure:"ticker"`
	Network         string `mapstructure:"network"`
	Indexer         string `mapstructure:"indexer"`
	Decimals        uint8  `mapstructure:"decimals"`
	Segwit          bool   `mapstructure:"segwit"`
	FallbackFeeRate int64  `mapstructure:"fallback_fee_rate"`
}

// EVMCoinConfig enables one contract-HTLC chain or token.
type EVMCoinConfig struct {
	Ticker       string `mapstructure:"ticker"`
	URL          string `mapstructure:"url"`
	SwapContract string `mapstructure:"swap_contract"`
	Token        string `mapstructure:"token"`
	Decimals     uint8  `mapstructure:"decimals"`
	SHA256Only   bool   `mapstructure:"sha256_only"`
}

// Config is the daemon configuration, read from a yaml file with SWAPD_
// environment overrides.
type Config struct {
	DB          string `mapstructure:"db"`
	RPCListen   string `mapstructure:"rpc_listen"`
	RPCUser     string `mapstructure:"rpc_user"`
	RPCPassword string `mapstructure:"rpc_password"`

	// FeePub is the dex fee collection key in compressed hex.
	FeePub string `mapstructure:"fee_pubkey"`

	// RedisURL selects the redis transport and watcher dedup store. Empty
	// runs in-process only, which is mostly useful for local testing.
	RedisURL string `mapstructure:"redis_url"`

	// WatchSwaps turns on the watcher role for third-party swaps.
	WatchSwaps bool `mapstructure:"watch_swaps"`

	UTXOCoins []UTXOCoinConfig `mapstructure:"utxo_coins"`
	EVMCoins  []EVMCoinConfig  `mapstructure:"evm_coins"`
}

// LoadConfig reads path and applies SWAPD_ environment overrides. A missing
// file leaves only the overrides and defaults.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SWAPD")
	v.AutomaticEnv()
	v.SetDefault("db", DefaultStorePath())
	v.SetDefault("rpc_listen", "localhost:7783")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("config does not parse: %w", err)
		}
	}

	config := Config{}
	if err := v.Unmarshal(&config); err != nil {
		return Config{}, err
	}
	if config.RPCUser == "" || config.RPCPassword == "" {
		return Config{}, fmt.Errorf("rpc_user and rpc_password must be set")
	}
	return config, nil
}

// LoadMnemonic reads the mnemonic file and returns its entropy.
func LoadMnemonic(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrMnemonicFileMissing
		}
		return nil, err
	}
	return bip39.EntropyFromMnemonic(string(data))
}

// NewMnemonic generates a mnemonic, prints it once, and stores it at path.
func NewMnemonic(path string) ([]byte, error) {
	entropy := make([]byte, 32)
	if _, err := rand.Read(entropy[:]); err != nil {
		return nil, err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(mnemonic), 0600); err != nil {
		return nil, err
	}
	color.Green("Generating new mnemonic:\n[ %v ]", mnemonic)
	return entropy[:], nil
}
