package mintgate

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/mintgate/mintgate/token"
)

// Redeemer exchanges proofs with their issuing mint for settled value.
// A successful redemption is irreversible: the proofs are spent at the mint
// regardless of what happens afterward in the pipeline.
type Redeemer interface {
	Redeem(ctx context.Context, proofs []token.Proof, mintURL string) (*RedeemResult, error)
}

// ChangeMaker is an optional Redeemer capability: swapping gateway-held
// proofs into an exact-denomination split so a refund of a precise amount
// can be issued.
type ChangeMaker interface {
	MakeChange(ctx context.Context, proofs []token.Proof, amount uint64, mintURL string) (refund, keep []token.Proof, err error)
}

// TrustGuard wraps a Redeemer with the checks that must happen before any
// network call: the mint must be on the configured trust list and every
// proof must be structurally sound.
type TrustGuard struct {
	next    Redeemer
	trusted map[string]struct{}
}

// NewTrustGuard builds a guard around next that only redeems against the
// given mint base URLs.
func NewTrustGuard(next Redeemer, trustedMints []string) *TrustGuard {
	g := &TrustGuard{
		next:    next,
		trusted: make(map[string]struct{}, len(trustedMints)),
	}
	for _, m := range trustedMints {
		g.trusted[normalizeMintURL(m)] = struct{}{}
	}
	return g
}

func (g *TrustGuard) Redeem(ctx context.Context, proofs []token.Proof, mintURL string) (*RedeemResult, error) {
	if _, ok := g.trusted[normalizeMintURL(mintURL)]; !ok {
		return nil, NewGatewayError(ErrCodeInvalidProof, "mint is not on the trust list", map[string]interface{}{
			"mint": mintURL,
		})
	}
	for i, p := range proofs {
		if err := validateProof(p); err != nil {
			return nil, NewGatewayError(ErrCodeInvalidProof, err.Error(), map[string]interface{}{
				"proof_index": i,
			})
		}
	}
	return g.next.Redeem(ctx, proofs, mintURL)
}

// MakeChange passes through to the wrapped Redeemer when it can make
// change. The proofs being split are gateway-held, so only the trust check
// applies.
func (g *TrustGuard) MakeChange(ctx context.Context, proofs []token.Proof, amount uint64, mintURL string) ([]token.Proof, []token.Proof, error) {
	if _, ok := g.trusted[normalizeMintURL(mintURL)]; !ok {
		return nil, nil, NewGatewayError(ErrCodeInvalidProof, "mint is not on the trust list", map[string]interface{}{
			"mint": mintURL,
		})
	}
	cm, ok := g.next.(ChangeMaker)
	if !ok {
		return nil, nil, NewGatewayError(ErrCodeSettlementFailed, "redeemer cannot make change", nil)
	}
	return cm.MakeChange(ctx, proofs, amount, mintURL)
}

// Trusted reports whether a mint URL is on the trust list.
func (g *TrustGuard) Trusted(mintURL string) bool {
	_, ok := g.trusted[normalizeMintURL(mintURL)]
	return ok
}

// validateProof rejects structurally broken proofs: the gateway does not
// verify the mint's signature (the mint is the arbiter of validity) but it
// will not ship garbage over the wire.
func validateProof(p token.Proof) error {
	if p.Amount == 0 {
		return fmt.Errorf("proof has zero amount")
	}
	if p.Secret == "" {
		return fmt.Errorf("proof has empty secret")
	}
	if p.ID == "" {
		return fmt.Errorf("proof has empty keyset id")
	}
	c, err := hex.DecodeString(p.C)
	if err != nil {
		return fmt.Errorf("proof commitment is not hex")
	}
	if _, err := secp256k1.ParsePubKey(c); err != nil {
		return fmt.Errorf("proof commitment is not a valid curve point")
	}
	return nil
}

func normalizeMintURL(raw string) string {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.ToLower(raw)
	}
	u.Host = strings.ToLower(u.Host)
	u.Scheme = strings.ToLower(u.Scheme)
	return u.String()
}
