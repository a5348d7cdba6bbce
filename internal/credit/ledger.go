package credit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
)

// Ledger is the append-only transaction log. Append computes and stores
// the chain fields; implementations must persist entries in append order.
type Ledger interface {
	// Append links tx to the chain head and stores it. Fills PrevHash and Hash.
	Append(ctx context.Context, tx *CreditTransaction) error
	// History returns an account's transactions in append order.
	History(ctx context.Context, accountID string) ([]CreditTransaction, error)
	// Snapshot returns the full chain in append order.
	Snapshot(ctx context.Context) ([]CreditTransaction, error)
	// Verify recomputes the chain. Returns the index of the first bad
	// entry, or -1 when the chain is intact.
	Verify(ctx context.Context) (int, error)
}

// chainHash hashes a transaction with its chain position. The hash field
// itself is excluded; everything else, including PrevHash, is covered.
func chainHash(prevHash string, tx CreditTransaction) string {
	tx.PrevHash = prevHash
	tx.Hash = ""
	blob, _ := json.Marshal(tx)
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

// verifyEntries walks any chain slice and returns the first bad index, -1 if intact.
func verifyEntries(entries []CreditTransaction) int {
	prevHash := ""
	for i, e := range entries {
		if e.PrevHash != prevHash || e.Hash != chainHash(prevHash, e) {
			return i
		}
		prevHash = e.Hash
	}
	return -1
}

// MemoryLedger is the default single-process ledger.
type MemoryLedger struct {
	mu      sync.RWMutex
	entries []CreditTransaction
	byAcct  map[string][]int
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{byAcct: make(map[string][]int)}
}

func (l *MemoryLedger) Append(ctx context.Context, tx *CreditTransaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prevHash := ""
	if n := len(l.entries); n > 0 {
		prevHash = l.entries[n-1].Hash
	}
	tx.PrevHash = prevHash
	tx.Hash = chainHash(prevHash, *tx)

	l.entries = append(l.entries, *tx)
	l.byAcct[tx.AccountID] = append(l.byAcct[tx.AccountID], len(l.entries)-1)
	return nil
}

func (l *MemoryLedger) History(ctx context.Context, accountID string) ([]CreditTransaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idxs := l.byAcct[accountID]
	out := make([]CreditTransaction, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, l.entries[i])
	}
	return out, nil
}

func (l *MemoryLedger) Snapshot(ctx context.Context) ([]CreditTransaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]CreditTransaction, len(l.entries))
	copy(out, l.entries)
	return out, nil
}

func (l *MemoryLedger) Verify(ctx context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return verifyEntries(l.entries), nil
}
