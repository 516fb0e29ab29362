package utxo

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/hashdex/swapd/pkg/coin"
)

const (
	secretLen         = 32
	pubKeyLen         = 33
	hash160Len        = 20
	sha256Len         = 32
	maxScriptLocktime = 1<<32 - 1
)

// HtlcScript builds the swap redeem script:
//
//	OP_IF
//	    OP_SIZE 32 OP_EQUALVERIFY
//	    OP_HASH160|OP_SHA256 <secret_hash> OP_EQUALVERIFY
//	    <receiver_pub> OP_CHECKSIG
//	OP_ELSE
//	    <locktime> OP_CHECKLOCKTIMEVERIFY OP_DROP
//	    <sender_pub> OP_CHECKSIG
//	OP_ENDIF
//
// The hash opcode is selected by the secret hash length: 20 bytes means
// RIPEMD160∘SHA256, 32 bytes means SHA256.
func HtlcScript(senderPub, receiverPub, secretHash []byte, locktime uint64) ([]byte, error) {
	if len(senderPub) != pubKeyLen || len(receiverPub) != pubKeyLen {
		return nil, fmt.Errorf("pubkeys must be %d bytes compressed", pubKeyLen)
	}
	if locktime > maxScriptLocktime {
		return nil, fmt.Errorf("locktime %d exceeds the script number range", locktime)
	}
	hashOp, err := hashOpcode(secretHash)
	if err != nil {
		return nil, err
	}

	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_IF).
		AddOp(txscript.OP_SIZE).AddInt64(secretLen).AddOp(txscript.OP_EQUALVERIFY).
		AddOp(hashOp).AddData(secretHash).AddOp(txscript.OP_EQUALVERIFY).
		AddData(receiverPub).AddOp(txscript.OP_CHECKSIG).
		AddOp(txscript.OP_ELSE).
		AddInt64(int64(locktime)).AddOp(txscript.OP_CHECKLOCKTIMEVERIFY).AddOp(txscript.OP_DROP).
		AddData(senderPub).AddOp(txscript.OP_CHECKSIG).
		AddOp(txscript.OP_ENDIF).
		Script()
}

func hashOpcode(secretHash []byte) (byte, error) {
	switch len(secretHash) {
	case hash160Len:
		return txscript.OP_HASH160, nil
	case sha256Len:
		return txscript.OP_SHA256, nil
	default:
		return 0, coin.ErrSecretHashLen
	}
}

// ScriptData is the result of parsing an HTLC redeem script back into its
// bound parameters.
type ScriptData struct {
	SenderPub   []byte
	ReceiverPub []byte
	SecretHash  []byte
	Locktime    uint64
}

// ParseHtlcScript rejects anything that is not exactly the canonical layout.
func ParseHtlcScript(script []byte) (*ScriptData, error) {
	canonical, data, err := tryParse(script)
	if err != nil {
		return nil, err
	}
	if !canonical {
		return nil, fmt.Errorf("script is not a swap HTLC")
	}
	// Rebuild and compare so non-minimal encodings cannot masquerade as the
	// canonical script.
	rebuilt, err := HtlcScript(data.SenderPub, data.ReceiverPub, data.SecretHash, data.Locktime)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(rebuilt, script) {
		return nil, fmt.Errorf("script is not minimally encoded")
	}
	return data, nil
}

type scriptToken struct {
	op   byte
	data []byte
}

func tryParse(script []byte) (bool, *ScriptData, error) {
	tokenizer := txscript.MakeScriptTokenizer(0, script)

	var toks []scriptToken
	for tokenizer.Next() {
		toks = append(toks, scriptToken{op: tokenizer.Opcode(), data: tokenizer.Data()})
	}
	if err := tokenizer.Err(); err != nil {
		return false, nil, fmt.Errorf("script does not tokenize: %w", err)
	}
	if len(toks) != 15 {
		return false, nil, nil
	}

	ops := []struct {
		idx  int
		want byte
	}{
		{0, txscript.OP_IF},
		{1, txscript.OP_SIZE},
		{3, txscript.OP_EQUALVERIFY},
		{6, txscript.OP_EQUALVERIFY},
		{8, txscript.OP_CHECKSIG},
		{9, txscript.OP_ELSE},
		{11, txscript.OP_CHECKLOCKTIMEVERIFY},
		{12, txscript.OP_DROP},
		{14, txscript.OP_CHECKSIG},
	}
	for _, o := range ops {
		if toks[o.idx].op != o.want {
			return false, nil, nil
		}
	}
	if toks[4].op != txscript.OP_HASH160 && toks[4].op != txscript.OP_SHA256 {
		return false, nil, nil
	}

	sizeVal, err := scriptNum(toks[2])
	if err != nil || sizeVal != secretLen {
		return false, nil, nil
	}
	locktime, err := scriptNum(toks[10])
	if err != nil || locktime < 0 {
		return false, nil, nil
	}

	data := &ScriptData{
		SecretHash:  toks[5].data,
		ReceiverPub: toks[7].data,
		SenderPub:   toks[13].data,
		Locktime:    uint64(locktime),
	}
	if len(data.ReceiverPub) != pubKeyLen || len(data.SenderPub) != pubKeyLen {
		return false, nil, nil
	}
	if _, err := hashOpcode(data.SecretHash); err != nil {
		return false, nil, nil
	}
	return true, data, nil
}

func scriptNum(t scriptToken) (int64, error) {
	if t.data == nil {
		// Small ints are encoded as opcodes OP_0..OP_16.
		if t.op == txscript.OP_0 {
			return 0, nil
		}
		if t.op >= txscript.OP_1 && t.op <= txscript.OP_16 {
			return int64(t.op-txscript.OP_1) + 1, nil
		}
		return 0, fmt.Errorf("opcode %d is not a number", t.op)
	}
	num, err := txscript.MakeScriptNum(t.data, true, 5)
	if err != nil {
		return 0, err
	}
	return int64(num), nil
}

// PaymentAddress wraps the redeem script into the address form funds are sent
// to: P2WSH when segwit is available, P2SH otherwise.
func PaymentAddress(script []byte, params *chaincfg.Params, segwit bool) (btcutil.Address, error) {
	if segwit {
		hash := sha256Sum(script)
		return btcutil.NewAddressWitnessScriptHash(hash, params)
	}
	return btcutil.NewAddressScriptHash(script, params)
}

// RedeemWitness spends the success branch: [sig, secret, TRUE, script].
func RedeemWitness(script, sig, secret []byte) wire.TxWitness {
	return wire.TxWitness{sig, secret, {0x01}, script}
}

// RefundWitness spends the timeout branch: [sig, FALSE, script].
func RefundWitness(script, sig []byte) wire.TxWitness {
	return wire.TxWitness{sig, nil, script}
}

// RedeemSigScript is the legacy P2SH equivalent of RedeemWitness.
func RedeemSigScript(script, sig, secret []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddData(sig).
		AddData(secret).
		AddOp(txscript.OP_TRUE).
		AddData(script).
		Script()
}

// RefundSigScript is the legacy P2SH equivalent of RefundWitness.
func RefundSigScript(script, sig []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddData(sig).
		AddOp(txscript.OP_FALSE).
		AddData(script).
		Script()
}
