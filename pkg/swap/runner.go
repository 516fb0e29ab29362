package swap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hashdex/swapd/pkg/coin"
	"github.com/hashdex/swapd/pkg/store"
)

// Machine is one role's state machine. Each command handles exactly one
// step: it performs I/O, returns the events that record what happened and the
// next command, or nil when the swap is over. The runner persists every event
// before applying it, so a crash replays cleanly.
type Machine interface {
	UUID() uuid.UUID
	Role() Role
	MakerTicker() string
	TakerTicker() string

	FirstCommand() int
	HandleCommand(ctx context.Context, cmd int) (next *int, events []Event)
	ApplyEvent(ev Event) error
	// ResumeCommand maps the last journaled event to the command that
	// follows it.
	ResumeCommand(lastKind string) (int, error)

	TerminalEvents() []string
	Succeeded() bool
	// Close releases the machine's claims on shared state.
	Close()
}

// Run drives a fresh swap to a terminal event.
func Run(ctx context.Context, m Machine, st store.Store, logger *zap.Logger) error {
	id := m.UUID().String()
	err := st.CreateSwap(id, string(m.Role()), m.MakerTicker(), m.TakerTicker(), m.TerminalEvents())
	if err != nil && !errors.Is(err, store.ErrSwapExists) {
		return err
	}
	defer m.Close()
	return runLoop(ctx, m, st, logger, m.FirstCommand())
}

// Resume folds a saved journal back into the machine and continues from the
// transition the last event implies.
func Resume(ctx context.Context, m Machine, st store.Store, logger *zap.Logger) error {
	id := m.UUID().String()
	records, err := st.LoadEvents(id)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := m.ApplyEvent(Event{Kind: rec.Kind, Data: rec.Data}); err != nil {
			return fmt.Errorf("journal replay for %v: %w", id, err)
		}
	}
	if len(records) == 0 {
		defer m.Close()
		return runLoop(ctx, m, st, logger, m.FirstCommand())
	}

	last := records[len(records)-1].Kind
	if contains(m.TerminalEvents(), last) {
		return st.MarkFinished(id, m.Succeeded())
	}
	cmd, err := m.ResumeCommand(last)
	if err != nil {
		return err
	}
	logger.Info("resuming swap",
		zap.String("uuid", id),
		zap.String("role", string(m.Role())),
		zap.String("last_event", last))
	defer m.Close()
	return runLoop(ctx, m, st, logger, cmd)
}

func runLoop(ctx context.Context, m Machine, st store.Store, logger *zap.Logger, first int) error {
	id := m.UUID().String()
	cmd := first
	for {
		next, events := m.HandleCommand(ctx, cmd)
		for _, ev := range events {
			rec := store.Record{Kind: ev.Kind, Timestamp: nowMillis(), Data: ev.Data}
			if err := st.AppendEvent(id, rec); err != nil {
				return fmt.Errorf("journal append for %v: %w", id, err)
			}
			if err := m.ApplyEvent(ev); err != nil {
				return fmt.Errorf("event apply for %v: %w", id, err)
			}
			logger.Info("swap event",
				zap.String("uuid", id),
				zap.String("role", string(m.Role())),
				zap.String("event", ev.Kind))
		}
		if next == nil {
			return st.MarkFinished(id, m.Succeeded())
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		cmd = *next
	}
}

// sleepUntil blocks until an absolute unix time, contextfully.
func sleepUntil(ctx context.Context, now func() time.Time, unix uint64) error {
	wait := time.Unix(int64(unix), 0).Sub(now())
	if wait <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

const (
	validateAttempts = 3
	validateBackoff  = 15 * time.Second

	broadcastAttempts = 3
	broadcastBackoff  = 10 * time.Second
)

// retryValidate re-runs a validation while it fails with a retriable kind.
func retryValidate(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < validateAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if verr, ok := coin.AsValidateError(err); !ok || !verr.Retriable() {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(validateBackoff):
		}
	}
	return err
}

// retryBroadcast re-runs a submission a bounded number of times.
func retryBroadcast(ctx context.Context, fn func() (*coin.Tx, error)) (*coin.Tx, error) {
	var tx *coin.Tx
	var err error
	for attempt := 0; attempt < broadcastAttempts; attempt++ {
		if tx, err = fn(); err == nil {
			return tx, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(broadcastBackoff):
		}
	}
	return nil, err
}
