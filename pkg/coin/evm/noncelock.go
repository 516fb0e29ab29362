package evm

import "sync"

// nonceLocks serializes transaction submission per coin ticker so two
// concurrent swaps on the same account cannot pick the same nonce. The
// registry is process-wide; coins sharing a ticker share the lock.
var nonceLocks = struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}{locks: map[string]*sync.Mutex{}}

// NonceLock returns the submission mutex for a ticker, creating it on first
// use.
func NonceLock(ticker string) *sync.Mutex {
	nonceLocks.mu.Lock()
	defer nonceLocks.mu.Unlock()

	lock, ok := nonceLocks.locks[ticker]
	if !ok {
		lock = new(sync.Mutex)
		nonceLocks.locks[ticker] = lock
	}
	return lock
}
