package util

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip32"
)

// Purpose indexes the first derivation level per chain family.
const (
	PurposeUTXO     uint32 = 0
	PurposeUTXOTest uint32 = 1
	PurposeEVM      uint32 = 60
)

// Key is one derived signing key, usable on either chain family.
type Key struct {
	inner *bip32.Key
}

func (key *Key) Btc() *btcec.PrivateKey {
	priv, _ := btcec.PrivKeyFromBytes(key.inner.Key)
	return priv
}

func (key *Key) ECDSA() (*ecdsa.PrivateKey, error) {
	return crypto.ToECDSA(key.inner.Key)
}

func (key *Key) WitnessAddress(network *chaincfg.Params) (btcutil.Address, error) {
	pubHash := btcutil.Hash160(key.Btc().PubKey().SerializeCompressed())
	return btcutil.NewAddressWitnessPubKeyHash(pubHash, network)
}

func (key *Key) EvmAddress() (common.Address, error) {
	ecdsaKey, err := key.ECDSA()
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(ecdsaKey.PublicKey), nil
}

// LoadKey derives seed/path[0]/path[1]/... from a bip32 master key.
func LoadKey(seed []byte, path ...uint32) (*Key, error) {
	masterKey, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, err
	}
	for _, idx := range path {
		masterKey, err = masterKey.NewChildKey(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to create child key: %v", err)
		}
	}
	return &Key{masterKey}, nil
}

// Keys caches derived keys by path so hot paths skip rederivation.
type Keys struct {
	mu      sync.Mutex
	entropy []byte
	m       map[[32]byte]*Key
}

func NewKeys(entropy []byte) *Keys {
	return &Keys{
		entropy: entropy,
		m:       map[[32]byte]*Key{},
	}
}

func (keys *Keys) GetKey(path ...uint32) (*Key, error) {
	digest := append([]byte{}, keys.entropy...)
	digest = append(digest, []byte(fmt.Sprintf("%v", path))...)
	mapKey := sha256.Sum256(digest)

	keys.mu.Lock()
	defer keys.mu.Unlock()
	value, ok := keys.m[mapKey]
	if !ok {
		var err error
		value, err = LoadKey(keys.entropy, path...)
		if err != nil {
			return nil, err
		}
		keys.m[mapKey] = value
	}
	return value, nil
}

// BtcecToECDSA converts a secp256k1 key between the two library shapes.
func BtcecToECDSA(key *btcec.PrivateKey) (*ecdsa.PrivateKey, error) {
	return crypto.ToECDSA(key.Serialize())
}
