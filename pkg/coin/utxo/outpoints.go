package utxo

import (
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
)

// OutpointSet remembers outputs recently consumed by in-flight transactions of
// this coin. Every swap on the coin consults it before selecting inputs, so two
// concurrent swaps cannot double-spend each other out of the mempool. Entries
// expire after ttl in case a marked transaction never confirms.
type OutpointSet struct {
	mu    sync.Mutex
	spent map[wire.OutPoint]time.Time
	ttl   time.Duration
}

func NewOutpointSet(ttl time.Duration) *OutpointSet {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &OutpointSet{
		spent: map[wire.OutPoint]time.Time{},
		ttl:   ttl,
	}
}

// MarkTx records every input of the transaction as recently spent.
func (s *OutpointSet) MarkTx(tx *wire.MsgTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, in := range tx.TxIn {
		s.spent[in.PreviousOutPoint] = now
	}
}

// IsSpent reports whether the outpoint was used by an in-flight transaction.
func (s *OutpointSet) IsSpent(op wire.OutPoint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	marked, ok := s.spent[op]
	if !ok {
		return false
	}
	if time.Since(marked) > s.ttl {
		delete(s.spent, op)
		return false
	}
	return true
}

// Filter drops utxos that in-flight transactions already consume.
func (s *OutpointSet) Filter(utxos []UTXO) []UTXO {
	out := make([]UTXO, 0, len(utxos))
	for _, u := range utxos {
		op, err := outpoint(u)
		if err != nil {
			continue
		}
		if !s.IsSpent(*op) {
			out = append(out, u)
		}
	}
	return out
}

// Len is used by tests and the status RPC.
func (s *OutpointSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	n := 0
	for op, marked := range s.spent {
		if now.Sub(marked) > s.ttl {
			delete(s.spent, op)
			continue
		}
		n++
	}
	return n
}
