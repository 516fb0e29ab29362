package watcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hashdex/swapd/pkg/coin"
	"github.com/hashdex/swapd/pkg/swap"
)

// DefaultGrace is how long past the taker payment lock the watcher waits before
// broadcasting the refund preimage, leaving the owner first claim.
const DefaultGrace = 5 * time.Minute

// Watcher completes or unwinds stalled swaps for absent takers. It holds no
// keys over the swapped funds; everything it broadcasts was authorized in the
// preimages it was handed.
type Watcher struct {
	registry *coin.Registry
	store    Store
	logger   *zap.Logger
	grace    time.Duration

	msgs chan swap.WatcherMsg
	quit chan struct{}
	wg   sync.WaitGroup
}

func New(registry *coin.Registry, store Store, logger *zap.Logger, grace time.Duration) *Watcher {
	if grace == 0 {
		grace = DefaultGrace
	}
	return &Watcher{
		registry: registry,
		store:    store,
		logger:   logger.Named("watcher"),
		grace:    grace,
		msgs:     make(chan swap.WatcherMsg, 16),
		quit:     make(chan struct{}),
	}
}

// Submit hands the watcher a message to act on. Non-blocking; a full queue
// drops the message, which is safe because watching is best-effort.
func (w *Watcher) Submit(msg swap.WatcherMsg) {
	select {
	case w.msgs <- msg:
	default:
		w.logger.Warn("watcher queue full, dropping message")
	}
}

// Start consumes submitted messages until Stop.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-w.quit
			cancel()
		}()
		for {
			select {
			case <-w.quit:
				return
			case msg := <-w.msgs:
				w.wg.Add(1)
				go func() {
					defer w.wg.Done()
					if err := w.watch(ctx, msg); err != nil {
						w.logger.Error("watch failed",
							zap.String("uuid", uuidString(msg.SwapUUID)),
							zap.Error(err))
					}
				}()
			}
		}
	}()
}

func (w *Watcher) Stop() {
	close(w.quit)
	w.wg.Wait()
}

// watch runs one swap to its outcome: spend completion when the secret shows
// up on the taker chain, refund after the lock plus grace otherwise.
func (w *Watcher) watch(ctx context.Context, msg swap.WatcherMsg) error {
	id := uuidString(msg.SwapUUID)
	seen, err := w.store.Seen(ctx, id)
	if err != nil {
		return err
	}
	if seen {
		return nil
	}

	makerCoin, err := w.registry.Get(msg.MakerCoin)
	if err != nil {
		return err
	}
	takerCoin, err := w.registry.Get(msg.TakerCoin)
	if err != nil {
		return err
	}
	makerOps, ok := makerCoin.(coin.WatcherOps)
	if !ok {
		return fmt.Errorf("%v does not support watcher preimages", msg.MakerCoin)
	}
	takerOps, ok := takerCoin.(coin.WatcherOps)
	if !ok {
		return fmt.Errorf("%v does not support watcher preimages", msg.TakerCoin)
	}

	w.logger.Info("watching swap",
		zap.String("uuid", id),
		zap.String("maker_coin", msg.MakerCoin),
		zap.String("taker_coin", msg.TakerCoin))

	until := time.Unix(int64(msg.TakerPaymentLock), 0).Add(w.grace)
	spendTx, err := takerCoin.WaitForTxSpend(ctx, msg.TakerPaymentHex, until, 0)
	if err == nil {
		secret, err := takerCoin.ExtractSecret(msg.SecretHash, spendTx.Raw)
		if err != nil {
			return fmt.Errorf("secret extraction: %w", err)
		}
		tx, err := makerOps.SendTakerSpendsMakerPreimage(ctx, msg.SpendPreimage, secret)
		if err != nil {
			return fmt.Errorf("spend preimage broadcast: %w", err)
		}
		w.logger.Info("completed swap for absent taker",
			zap.String("uuid", id),
			zap.String("txid", tx.Hash))
		return nil
	}

	// No spend before lock + grace: unwind the taker payment.
	tx, err := takerOps.SendTakerRefundsPreimage(ctx, msg.RefundPreimage)
	if err != nil {
		return fmt.Errorf("refund preimage broadcast: %w", err)
	}
	w.logger.Info("refunded stalled taker payment",
		zap.String("uuid", id),
		zap.String("txid", tx.Hash))
	return nil
}

func uuidString(raw []byte) string {
	if id, err := uuid.FromBytes(raw); err == nil {
		return id.String()
	}
	return fmt.Sprintf("%x", raw)
}
