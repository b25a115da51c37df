package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/mintgate/mintgate/token"
)

// Memory is an in-memory Store. Suitable for single-instance deployments
// and tests; for anything shared, use Redis.
type Memory struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

func (m *Memory) Put(_ context.Context, mintURL string, proofs []token.Proof) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := NewKey()
	stored := make([]token.Proof, len(proofs))
	copy(stored, proofs)
	m.entries[key] = Entry{MintURL: mintURL, Proofs: stored, StoredAt: time.Now().UTC()}
	return key, nil
}

func (m *Memory) List(_ context.Context) (map[string]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Entry, len(m.entries))
	for k, v := range m.entries {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) Balance(_ context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total uint64
	for _, e := range m.entries {
		total += e.Amount()
	}
	return total, nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}
