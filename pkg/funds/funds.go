package funds

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/google/uuid"
)

// Lock is one swap's claim on a balance: the traded amount plus the trade fee
// reserved to move it.
type Lock struct {
	Coin     string
	Amount   *big.Int
	TradeFee *big.Int
	// FeeCoin names the coin the trade fee is paid in; tokens pay gas in the
	// platform coin.
	FeeCoin string
}

// Accountant tracks funds committed to active swaps so concurrent swaps and
// order matching never promise the same balance twice. All amounts are in the
// coin's smallest unit.
type Accountant struct {
	mu     sync.RWMutex
	bySwap map[uuid.UUID][]Lock
}

func NewAccountant() *Accountant {
	return &Accountant{bySwap: map[uuid.UUID][]Lock{}}
}

// LockFunds records a swap's claims. A second call for the same uuid is a
// double-commit and fails; the caller must unlock first.
func (a *Accountant) LockFunds(swapUUID uuid.UUID, locks ...Lock) error {
	for _, lock := range locks {
		if lock.Amount == nil || lock.Amount.Sign() < 0 {
			return fmt.Errorf("lock amount for %v must be non-negative", lock.Coin)
		}
		if lock.TradeFee != nil && lock.TradeFee.Sign() < 0 {
			return fmt.Errorf("trade fee for %v must be non-negative", lock.Coin)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.bySwap[swapUUID]; ok {
		return fmt.Errorf("funds already locked for swap %v", swapUUID)
	}
	copied := make([]Lock, len(locks))
	for i, lock := range locks {
		copied[i] = Lock{
			Coin:     lock.Coin,
			Amount:   new(big.Int).Set(lock.Amount),
			TradeFee: new(big.Int),
			FeeCoin:  lock.FeeCoin,
		}
		if lock.TradeFee != nil {
			copied[i].TradeFee.Set(lock.TradeFee)
		}
		if copied[i].FeeCoin == "" {
			copied[i].FeeCoin = lock.Coin
		}
	}
	a.bySwap[swapUUID] = copied
	return nil
}

// UnlockFunds releases everything a swap holds. Unknown uuids are a no-op so
// terminal paths can unlock unconditionally.
func (a *Accountant) UnlockFunds(swapUUID uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.bySwap, swapUUID)
}

// LockedAmount sums every active claim on a coin, trade fees included.
func (a *Accountant) LockedAmount(ticker string) *big.Int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	total := new(big.Int)
	for _, locks := range a.bySwap {
		for _, lock := range locks {
			if lock.Coin == ticker {
				total.Add(total, lock.Amount)
			}
			if lock.FeeCoin == ticker {
				total.Add(total, lock.TradeFee)
			}
		}
	}
	return total
}

// LockedIgnoringSwap sums claims on a coin excluding one swap's own locks,
// for re-checking balances mid-swap without double counting.
func (a *Accountant) LockedIgnoringSwap(ticker string, swapUUID uuid.UUID) *big.Int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	total := new(big.Int)
	for id, locks := range a.bySwap {
		if id == swapUUID {
			continue
		}
		for _, lock := range locks {
			if lock.Coin == ticker {
				total.Add(total, lock.Amount)
			}
			if lock.FeeCoin == ticker {
				total.Add(total, lock.TradeFee)
			}
		}
	}
	return total
}

// Available is the spendable part of a balance after active claims. Never
// negative even if a balance query raced an unlock.
func (a *Accountant) Available(ticker string, balance *big.Int) *big.Int {
	free := new(big.Int).Sub(balance, a.LockedAmount(ticker))
	if free.Sign() < 0 {
		return new(big.Int)
	}
	return free
}

// HasLocks reports whether a swap currently holds any claims.
func (a *Accountant) HasLocks(swapUUID uuid.UUID) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.bySwap[swapUUID]
	return ok
}
