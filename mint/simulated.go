package mint

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/mintgate/mintgate"
	"github.com/mintgate/mintgate/token"
)

// simulatedC is a valid compressed secp256k1 point (the generator), used as
// the commitment on simulated proofs. The simulated mint does not sign.
const simulatedC = "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"

// SimulatedKeyset is the keyset id on simulated proofs.
const SimulatedKeyset = "00ad268c4d1f5826"

// Simulated is an in-memory mint with a spent-secret set, used in tests and
// local development. It enforces the real mint's one property the pipeline
// depends on: each secret is redeemable exactly once.
type Simulated struct {
	mu    sync.Mutex
	spent map[string]struct{}

	// Fee is deducted from every swap.
	Fee uint64
	// FailWith, when set, is returned by Redeem instead of swapping.
	FailWith error
	// Calls counts swap attempts that reached the mint.
	Calls int
}

// NewSimulated creates a simulated mint.
func NewSimulated() *Simulated {
	return &Simulated{spent: make(map[string]struct{})}
}

// NewProof mints a client-side proof for tests, with a structurally valid
// commitment.
func NewProof(amount uint64) token.Proof {
	return token.Proof{
		Amount: amount,
		ID:     SimulatedKeyset,
		Secret: randomSecret(),
		C:      simulatedC,
	}
}

// NewStamp builds a decodable stamp of the given proof amounts.
func NewStamp(mintURL, unit string, amounts ...uint64) *token.Stamp {
	s := &token.Stamp{MintURL: mintURL, Unit: unit, Version: 3}
	for _, a := range amounts {
		s.Proofs = append(s.Proofs, NewProof(a))
	}
	return s
}

func (m *Simulated) Redeem(_ context.Context, proofs []token.Proof, _ string) (*mintgate.RedeemResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++

	if m.FailWith != nil {
		return nil, m.FailWith
	}

	for _, p := range proofs {
		if _, spent := m.spent[p.Secret]; spent {
			return nil, mintgate.NewGatewayError(mintgate.ErrCodeTokenSpent, "token already spent", nil)
		}
	}
	total := token.SumProofs(proofs)
	if total <= m.Fee {
		return nil, mintgate.NewGatewayError(mintgate.ErrCodeInvalidProof, "amount does not cover the swap fee", nil)
	}
	for _, p := range proofs {
		m.spent[p.Secret] = struct{}{}
	}

	collected := total - m.Fee
	return &mintgate.RedeemResult{
		Collected: collected,
		Change:    m.issue(collected),
		Fee:       m.Fee,
	}, nil
}

// MakeChange reissues held proofs as an exact split, fee-free: the
// simulated mint charges only on redemption.
func (m *Simulated) MakeChange(_ context.Context, proofs []token.Proof, amount uint64, _ string) ([]token.Proof, []token.Proof, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++

	total := token.SumProofs(proofs)
	if amount > total {
		return nil, nil, mintgate.NewGatewayError(mintgate.ErrCodeInvalidProof, "change amount exceeds inputs", nil)
	}
	return m.issue(amount), m.issue(total - amount), nil
}

// Spent reports whether a secret has been consumed.
func (m *Simulated) Spent(secret string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.spent[secret]
	return ok
}

// issue mints fresh proofs in power-of-two denominations. Callers hold the
// lock.
func (m *Simulated) issue(amount uint64) []token.Proof {
	var out []token.Proof
	for _, d := range Denominations(amount) {
		out = append(out, token.Proof{
			Amount: d,
			ID:     SimulatedKeyset,
			Secret: randomSecret(),
			C:      simulatedC,
		})
	}
	return out
}

func randomSecret() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
