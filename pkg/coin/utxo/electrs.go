package utxo

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"
)

// ElectrsClient talks to an electrs-compatible REST indexer.
type ElectrsClient struct {
	url    string
	net    *chaincfg.Params
	client *http.Client
	logger *zap.Logger
}

func NewElectrsClient(url string, net *chaincfg.Params, logger *zap.Logger) *ElectrsClient {
	return &ElectrsClient{
		url:    url,
		net:    net,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger.Named("electrs"),
	}
}

var _ Client = (*ElectrsClient)(nil)

func (c *ElectrsClient) Net() *chaincfg.Params { return c.net }

func (c *ElectrsClient) TipBlockHeight(ctx context.Context) (uint64, error) {
	var height uint64
	if err := c.getJSON(ctx, "/blocks/tip/height", &height); err != nil {
		return 0, err
	}
	return height, nil
}

type electrsUTXO struct {
	TxID   string `json:"txid"`
	Vout   uint32 `json:"vout"`
	Value  int64  `json:"value"`
	Status struct {
		Confirmed   bool   `json:"confirmed"`
		BlockHeight uint64 `json:"block_height"`
	} `json:"status"`
}

func (c *ElectrsClient) UTXOs(ctx context.Context, addr btcutil.Address) ([]UTXO, error) {
	var raw []electrsUTXO
	if err := c.getJSON(ctx, fmt.Sprintf("/address/%s/utxo", addr.EncodeAddress()), &raw); err != nil {
		return nil, err
	}
	utxos := make([]UTXO, len(raw))
	for i, u := range raw {
		utxos[i] = UTXO{
			TxID:        u.TxID,
			Vout:        u.Vout,
			Amount:      u.Value,
			Confirmed:   u.Status.Confirmed,
			BlockHeight: u.Status.BlockHeight,
		}
	}
	return utxos, nil
}

func (c *ElectrsClient) RawTx(ctx context.Context, txid string) (*wire.MsgTx, error) {
	body, err := c.get(ctx, fmt.Sprintf("/tx/%s/hex", txid))
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(string(bytes.TrimSpace(body)))
	if err != nil {
		return nil, fmt.Errorf("tx hex does not decode: %w", err)
	}
	return decodeTx(raw)
}

type electrsTxStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight uint64 `json:"block_height"`
}

func (c *ElectrsClient) TxConfirmations(ctx context.Context, txid string) (uint64, error) {
	var status electrsTxStatus
	if err := c.getJSON(ctx, fmt.Sprintf("/tx/%s/status", txid), &status); err != nil {
		return 0, err
	}
	if !status.Confirmed {
		return 0, nil
	}
	tip, err := c.TipBlockHeight(ctx)
	if err != nil {
		return 0, err
	}
	if tip < status.BlockHeight {
		return 0, nil
	}
	return tip - status.BlockHeight + 1, nil
}

func (c *ElectrsClient) TxBlockHeight(ctx context.Context, txid string) (uint64, error) {
	var status electrsTxStatus
	if err := c.getJSON(ctx, fmt.Sprintf("/tx/%s/status", txid), &status); err != nil {
		return 0, err
	}
	return status.BlockHeight, nil
}

type electrsOutspend struct {
	Spent bool   `json:"spent"`
	TxID  string `json:"txid"`
}

func (c *ElectrsClient) SpendingTx(ctx context.Context, txid string, vout uint32, fromBlock uint64) (*wire.MsgTx, error) {
	var outspend electrsOutspend
	if err := c.getJSON(ctx, fmt.Sprintf("/tx/%s/outspend/%d", txid, vout), &outspend); err != nil {
		return nil, err
	}
	if !outspend.Spent {
		return nil, nil
	}
	return c.RawTx(ctx, outspend.TxID)
}

func (c *ElectrsClient) SubmitTx(ctx context.Context, tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", err
	}
	payload := hex.EncodeToString(buf.Bytes())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/tx", bytes.NewBufferString(payload))
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("broadcast rejected: %s", bytes.TrimSpace(body))
	}
	return string(bytes.TrimSpace(body)), nil
}

func (c *ElectrsClient) FeeRate(ctx context.Context) (int64, error) {
	estimates := map[string]float64{}
	if err := c.getJSON(ctx, "/fee-estimates", &estimates); err != nil {
		return 0, err
	}
	// Target two blocks; electrs reports sat/vb as a float.
	rate, ok := estimates["2"]
	if !ok || rate < 1 {
		return 0, fmt.Errorf("no usable fee estimate")
	}
	return int64(rate + 0.5), nil
}

func (c *ElectrsClient) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("indexer returned %d for %s: %s", resp.StatusCode, path, bytes.TrimSpace(body))
	}
	return body, nil
}

func (c *ElectrsClient) getJSON(ctx context.Context, path string, out interface{}) error {
	body, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}
