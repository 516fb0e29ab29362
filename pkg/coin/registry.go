package coin

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the process-wide set of enabled coins, keyed by ticker. Coins
// are registered at daemon boot and removed when disabled; running swaps hold
// their own references, so removal only stops new swaps from using the coin.
type Registry struct {
	mu    sync.RWMutex
	coins map[string]Coin
}

func NewRegistry() *Registry {
	return &Registry{coins: map[string]Coin{}}
}

func (r *Registry) Register(c Coin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.coins[c.Ticker()]; ok {
		return fmt.Errorf("coin %v is already registered", c.Ticker())
	}
	r.coins[c.Ticker()] = c
	return nil
}

func (r *Registry) Get(ticker string) (Coin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.coins[ticker]
	if !ok {
		return nil, fmt.Errorf("coin %v is not enabled", ticker)
	}
	return c, nil
}

func (r *Registry) Disable(ticker string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.coins, ticker)
}

func (r *Registry) Tickers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tickers := make([]string, 0, len(r.coins))
	for ticker := range r.coins {
		tickers = append(tickers, ticker)
	}
	sort.Strings(tickers)
	return tickers
}
