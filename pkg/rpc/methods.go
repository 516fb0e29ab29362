package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"github.com/hashdex/swapd/pkg/store"
)

// SwapStatus is the journal of one swap rendered for callers.
type SwapStatus struct {
	UUID      string         `json:"uuid"`
	Role      string         `json:"type"`
	MakerCoin string         `json:"maker_coin"`
	TakerCoin string         `json:"taker_coin"`
	Finished  bool           `json:"finished"`
	Success   bool           `json:"success"`
	Events    []store.Record `json:"events"`
}

func buildStatus(st store.Store, id string) (*SwapStatus, error) {
	meta, err := st.SwapMeta(id)
	if err != nil {
		return nil, err
	}
	events, err := st.LoadEvents(id)
	if err != nil {
		return nil, err
	}
	return &SwapStatus{
		UUID:      meta.UUID,
		Role:      meta.Role,
		MakerCoin: meta.MakerCoin,
		TakerCoin: meta.TakerCoin,
		Finished:  meta.Finished,
		Success:   meta.Success,
		Events:    events,
	}, nil
}

type mySwapStatus struct{}

func MySwapStatus() Method { return &mySwapStatus{} }

func (m *mySwapStatus) Name() string { return "my_swap_status" }

func (m *mySwapStatus) Query(ctx context.Context, core Core, params json.RawMessage) (json.RawMessage, error) {
	var req struct {
		UUID string `json:"uuid"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, err
	}
	status, err := buildStatus(core.Store(), req.UUID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(status)
}

type activeSwaps struct{}

func ActiveSwaps() Method { return &activeSwaps{} }

func (m *activeSwaps) Name() string { return "active_swaps" }

func (m *activeSwaps) Query(ctx context.Context, core Core, params json.RawMessage) (json.RawMessage, error) {
	metas, err := core.Store().ListUnfinished()
	if err != nil {
		return nil, err
	}
	uuids := make([]string, len(metas))
	for i, meta := range metas {
		uuids[i] = meta.UUID
	}
	return json.Marshal(struct {
		UUIDs []string `json:"uuids"`
	}{uuids})
}

type listSwaps struct{}

func ListSwaps() Method { return &listSwaps{} }

func (m *listSwaps) Name() string { return "list_swaps" }

func (m *listSwaps) Query(ctx context.Context, core Core, params json.RawMessage) (json.RawMessage, error) {
	req := struct {
		Limit int `json:"limit"`
	}{Limit: 50}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
	}
	metas, err := core.Store().ListSwaps(req.Limit)
	if err != nil {
		return nil, err
	}
	statuses := make([]*SwapStatus, 0, len(metas))
	for _, meta := range metas {
		status, err := buildStatus(core.Store(), meta.UUID)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, status)
	}
	return json.Marshal(statuses)
}

// StartSwapRequest seeds a swap from the RPC surface; amounts are decimal
// strings in the coin's smallest unit.
type StartSwapRequest struct {
	Role        string `json:"role"`
	MakerCoin   string `json:"maker_coin"`
	TakerCoin   string `json:"taker_coin"`
	MakerAmount string `json:"maker_amount"`
	TakerAmount string `json:"taker_amount"`
	OtherPub    []byte `json:"other_pubkey"`
	LockSeconds uint64 `json:"lock_duration,omitempty"`
}

// Amounts parses and checks both amount fields.
func (r StartSwapRequest) Amounts() (maker, taker *big.Int, err error) {
	maker, ok := new(big.Int).SetString(r.MakerAmount, 10)
	if !ok || maker.Sign() <= 0 {
		return nil, nil, fmt.Errorf("bad maker amount %q", r.MakerAmount)
	}
	taker, ok = new(big.Int).SetString(r.TakerAmount, 10)
	if !ok || taker.Sign() <= 0 {
		return nil, nil, fmt.Errorf("bad taker amount %q", r.TakerAmount)
	}
	return maker, taker, nil
}

type startSwap struct{}

func StartSwap() Method { return &startSwap{} }

func (m *startSwap) Name() string { return "start_swap" }

func (m *startSwap) Query(ctx context.Context, core Core, params json.RawMessage) (json.RawMessage, error) {
	var req StartSwapRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, err
	}
	id, err := core.StartSwap(ctx, req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		UUID string `json:"uuid"`
	}{id.String()})
}

type recoverFunds struct{}

func RecoverFundsOfSwap() Method { return &recoverFunds{} }

func (m *recoverFunds) Name() string { return "recover_funds_of_swap" }

func (m *recoverFunds) Query(ctx context.Context, core Core, params json.RawMessage) (json.RawMessage, error) {
	var req struct {
		UUID string `json:"uuid"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(req.UUID)
	if err != nil {
		return nil, err
	}
	result, err := core.RecoverFunds(ctx, id)
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}
