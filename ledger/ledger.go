// Package ledger stores the gateway-held float: change proofs earned from
// settled requests, kept until the operator sweeps them to a wallet. It is
// bookkeeping only; request-path redemption never reads it.
package ledger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/mintgate/mintgate/token"
)

// KeyPrefix namespaces all ledger keys.
const KeyPrefix = "proofs:"

// Entry is one stored batch of proofs.
type Entry struct {
	MintURL  string        `json:"mint_url"`
	Proofs   []token.Proof `json:"proofs"`
	StoredAt time.Time     `json:"stored_at"`
}

// Amount returns the value carried by the entry.
func (e Entry) Amount() uint64 {
	return token.SumProofs(e.Proofs)
}

// Store is the proof ledger contract.
type Store interface {
	// Put stores a batch of proofs and returns its key.
	Put(ctx context.Context, mintURL string, proofs []token.Proof) (string, error)
	// List returns all stored entries by key.
	List(ctx context.Context) (map[string]Entry, error)
	// Balance returns the total stored value across all entries.
	Balance(ctx context.Context) (uint64, error)
	// Delete removes entries by key. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
}

// NewKey generates a ledger key: proofs:<unix-nano>:<rand>.
func NewKey() string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%s%d:%s", KeyPrefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}
