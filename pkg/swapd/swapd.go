package swapd

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hashdex/swapd/pkg/coin"
	"github.com/hashdex/swapd/pkg/fee"
	"github.com/hashdex/swapd/pkg/funds"
	"github.com/hashdex/swapd/pkg/p2p"
	"github.com/hashdex/swapd/pkg/rpc"
	"github.com/hashdex/swapd/pkg/store"
	"github.com/hashdex/swapd/pkg/swap"
	"github.com/hashdex/swapd/pkg/watcher"
)

// Config carries the daemon-level knobs; coin wiring happens in the caller,
// which knows its chains.
type Config struct {
	// FeePub is the well-known dex fee collection key, compressed.
	FeePub []byte
	// WatchSwaps turns on the watcher role for third-party swaps.
	WatchSwaps bool
}

// Daemon owns the swap runtime: coins, journal, transport identity,
// accountant, and the optional watcher. It implements the RPC core surface.
type Daemon struct {
	cfg        Config
	registry   *coin.Registry
	st         store.Store
	transport  p2p.Transport
	msgr       *p2p.Messenger
	policy     fee.Policy
	accountant *funds.Accountant
	watch      *watcher.Watcher
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, registry *coin.Registry, st store.Store, transport p2p.Transport, msgr *p2p.Messenger, watch *watcher.Watcher, logger *zap.Logger) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		cfg:        cfg,
		registry:   registry,
		st:         st,
		transport:  transport,
		msgr:       msgr,
		policy:     fee.Policy{FeePub: cfg.FeePub},
		accountant: funds.NewAccountant(),
		watch:      watch,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (d *Daemon) Store() store.Store            { return d.st }
func (d *Daemon) Accountant() *funds.Accountant { return d.accountant }

// Start resumes unfinished swaps and, when configured, begins watching.
func (d *Daemon) Start() error {
	if err := d.resumeAll(); err != nil {
		return err
	}
	if d.cfg.WatchSwaps && d.watch != nil {
		d.watch.Start()
		d.wg.Add(1)
		go d.listenWatcherMsgs()
	}
	return nil
}

func (d *Daemon) Stop() {
	d.cancel()
	if d.cfg.WatchSwaps && d.watch != nil {
		d.watch.Stop()
	}
	d.wg.Wait()
}

// StartSwap validates the request, builds the machine for the requested role,
// and runs it in its own task.
func (d *Daemon) StartSwap(ctx context.Context, req rpc.StartSwapRequest) (uuid.UUID, error) {
	makerCoin, err := d.registry.Get(req.MakerCoin)
	if err != nil {
		return uuid.Nil, err
	}
	takerCoin, err := d.registry.Get(req.TakerCoin)
	if err != nil {
		return uuid.Nil, err
	}
	makerAmount, takerAmount, err := req.Amounts()
	if err != nil {
		return uuid.Nil, err
	}
	if len(req.OtherPub) != 33 {
		return uuid.Nil, fmt.Errorf("counterparty pubkey must be 33 bytes compressed")
	}

	params := swap.Params{
		UUID:         uuid.New(),
		MakerAmount:  makerAmount,
		TakerAmount:  takerAmount,
		OtherPub:     req.OtherPub,
		LockDuration: req.LockSeconds,
	}
	var m swap.Machine
	switch swap.Role(req.Role) {
	case swap.RoleMaker:
		m = swap.NewMakerSwap(makerCoin, takerCoin, params, d.msgr, d.policy, d.accountant, d.logger)
	case swap.RoleTaker:
		m = swap.NewTakerSwap(makerCoin, takerCoin, params, d.msgr, d.policy, d.accountant, d.logger)
	default:
		return uuid.Nil, fmt.Errorf("unknown role %q", req.Role)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := swap.Run(d.ctx, m, d.st, d.logger); err != nil {
			d.logger.Error("swap run failed", zap.String("uuid", params.UUID.String()), zap.Error(err))
		}
	}()
	return params.UUID, nil
}

// resumeAll restarts every swap whose journal has no terminal event.
func (d *Daemon) resumeAll() error {
	metas, err := d.st.ListUnfinished()
	if err != nil {
		return err
	}
	for _, meta := range metas {
		m, err := d.machineFor(meta)
		if err != nil {
			d.logger.Error("cannot rebuild swap", zap.String("uuid", meta.UUID), zap.Error(err))
			continue
		}
		d.wg.Add(1)
		go func(id string) {
			defer d.wg.Done()
			if err := swap.Resume(d.ctx, m, d.st, d.logger); err != nil {
				d.logger.Error("swap resume failed", zap.String("uuid", id), zap.Error(err))
			}
		}(meta.UUID)
	}
	return nil
}

func (d *Daemon) machineFor(meta store.Meta) (swap.Machine, error) {
	makerCoin, err := d.registry.Get(meta.MakerCoin)
	if err != nil {
		return nil, err
	}
	takerCoin, err := d.registry.Get(meta.TakerCoin)
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(meta.UUID)
	if err != nil {
		return nil, err
	}
	params := swap.Params{UUID: id}
	switch swap.Role(meta.Role) {
	case swap.RoleMaker:
		return swap.NewMakerSwap(makerCoin, takerCoin, params, d.msgr, d.policy, d.accountant, d.logger), nil
	case swap.RoleTaker:
		return swap.NewTakerSwap(makerCoin, takerCoin, params, d.msgr, d.policy, d.accountant, d.logger), nil
	default:
		return nil, fmt.Errorf("journal has unknown role %q", meta.Role)
	}
}

// RecoverFunds folds a journal back into swap state and moves whatever is
// still claimable.
func (d *Daemon) RecoverFunds(ctx context.Context, swapUUID uuid.UUID) (*swap.RecoverResult, error) {
	meta, err := d.st.SwapMeta(swapUUID.String())
	if err != nil {
		return nil, err
	}
	records, err := d.st.LoadEvents(swapUUID.String())
	if err != nil {
		return nil, err
	}
	data, myPayment, otherPayment, err := foldForRecovery(swap.Role(meta.Role), records)
	if err != nil {
		return nil, err
	}
	makerCoin, err := d.registry.Get(meta.MakerCoin)
	if err != nil {
		return nil, err
	}
	takerCoin, err := d.registry.Get(meta.TakerCoin)
	if err != nil {
		return nil, err
	}
	return swap.RecoverFunds(ctx, swap.Role(meta.Role), data, myPayment, otherPayment, makerCoin, takerCoin, nil)
}

// foldForRecovery extracts the swap parameters and both payment transactions
// from a journal.
func foldForRecovery(role swap.Role, records []store.Record) (*swap.Data, *coin.Tx, *coin.Tx, error) {
	var data swap.Data
	var makerPayment, takerPayment *coin.Tx
	seenStarted := false

	for _, rec := range records {
		switch rec.Kind {
		case swap.EvStarted:
			if err := json.Unmarshal(rec.Data, &data); err != nil {
				return nil, nil, nil, err
			}
			seenStarted = true
		case swap.EvNegotiated:
			var d swap.NegotiatedData
			if err := json.Unmarshal(rec.Data, &d); err != nil {
				return nil, nil, nil, err
			}
			if len(d.SecretHash) > 0 {
				data.SecretHash = d.SecretHash
			}
		case swap.EvMakerPaymentSent, swap.EvMakerPaymentReceived:
			var d swap.TxData
			if err := json.Unmarshal(rec.Data, &d); err != nil {
				return nil, nil, nil, err
			}
			makerPayment = d.Tx()
		case swap.EvTakerPaymentSent, swap.EvTakerPaymentReceived:
			var d swap.TxData
			if err := json.Unmarshal(rec.Data, &d); err != nil {
				return nil, nil, nil, err
			}
			takerPayment = d.Tx()
		}
	}
	if !seenStarted {
		return nil, nil, nil, fmt.Errorf("journal has no start record")
	}
	if role == swap.RoleMaker {
		return &data, makerPayment, takerPayment, nil
	}
	return &data, takerPayment, makerPayment, nil
}

// listenWatcherMsgs feeds authenticated watcher hand-offs into the watcher.
func (d *Daemon) listenWatcherMsgs() {
	defer d.wg.Done()
	ch, cancel, err := d.transport.Subscribe(p2p.WatcherTopic)
	if err != nil {
		d.logger.Error("watcher subscription failed", zap.Error(err))
		return
	}
	defer cancel()

	for {
		select {
		case <-d.ctx.Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			env, err := p2p.VerifyEnvelope(data)
			if err != nil || env.MsgType != swap.MsgWatcher {
				continue
			}
			var msg swap.WatcherMsg
			if err := cbor.Unmarshal(env.Payload, &msg); err != nil {
				continue
			}
			d.watch.Submit(msg)
		}
	}
}
