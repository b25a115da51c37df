package mintgate

import (
	"time"

	"github.com/mintgate/mintgate/token"
)

// TokenUsage is the real token consumption reported by the upstream after
// the call completes. It drives the actual cost, as opposed to the
// pessimistic upfront estimate.
type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Receipt is the audit record of a successfully settled request.
// TokenHash is a one-way digest over the proof secrets; the raw secrets are
// never persisted or logged.
type Receipt struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Amount    uint64    `json:"amount"`
	Unit      string    `json:"unit"`
	Model     string    `json:"model"`
	TokenHash string    `json:"token_hash"`
}

// RedeemResult is the successful outcome of a mint exchange. Failures are
// typed GatewayErrors, not result values.
type RedeemResult struct {
	// Collected is the value now held by the gateway, net of the mint's
	// swap fee.
	Collected uint64
	// Change holds the fresh proofs the mint issued in exchange. Their sum
	// equals Collected.
	Change []token.Proof
	// Fee is the mint-side swap fee that was deducted.
	Fee uint64
}

// AmountValidation is the result of the upfront sufficiency check.
// Required is always at least 1 unit.
type AmountValidation struct {
	OK       bool   `json:"ok"`
	Required uint64 `json:"required"`
	Provided uint64 `json:"provided"`
}
