package mintgate

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/mintgate/mintgate/token"
)

// GatewayError represents a payment-pipeline error with a stable code.
type GatewayError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Common error codes.
const (
	// Decode failures. The codes intentionally match the token package so
	// callers can switch on a single namespace.
	ErrCodeMalformedToken     = token.CodeMalformedToken
	ErrCodeUnsupportedVersion = token.CodeUnsupportedVersion
	ErrCodeEmptyProofs        = token.CodeEmptyProofs

	// Pricing failures.
	ErrCodeUnpricedModel     = "unpriced_model"
	ErrCodeInvalidRule       = "invalid_rule"
	ErrCodeInsufficientFunds = "insufficient_funds"
	ErrCodeUnsupportedUnit   = "unsupported_unit"

	// Redemption failures. token_spent and invalid_proof are definitive:
	// no funds were collected. mint_unreachable and mint_timeout are
	// ambiguous and retryable by the client with fresh proofs.
	ErrCodeTokenSpent      = "token_spent"
	ErrCodeInvalidProof    = "invalid_proof"
	ErrCodeMintUnreachable = "mint_unreachable"
	ErrCodeMintTimeout     = "mint_timeout"

	// A before-redeem hook declined the request. The token itself is fine
	// and no funds were collected.
	ErrCodeRequestRejected = "request_rejected"

	ErrCodeUpstreamFailed   = "upstream_failed"
	ErrCodeSettlementFailed = "settlement_failed"
)

// NewGatewayError creates a new gateway error.
func NewGatewayError(code, message string, details map[string]interface{}) *GatewayError {
	return &GatewayError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// ErrorCode extracts the stable code from an error produced anywhere in the
// pipeline, including token decode errors. Returns "" for foreign errors.
func ErrorCode(err error) string {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Code
	}
	var de *token.DecodeError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsRetryable reports whether the error is an ambiguous redemption failure:
// the funds status is unknown and the client may retry. The gateway itself
// never retries with the same proofs, since a timeout may mask a completed
// spend.
func IsRetryable(err error) bool {
	switch ErrorCode(err) {
	case ErrCodeMintUnreachable, ErrCodeMintTimeout:
		return true
	}
	return false
}

// StatusForError maps a pipeline error to the HTTP status the gateway
// responds with.
func StatusForError(err error) int {
	switch ErrorCode(err) {
	case ErrCodeMalformedToken, ErrCodeUnsupportedVersion, ErrCodeEmptyProofs,
		ErrCodeUnpricedModel, ErrCodeInvalidRule, ErrCodeUnsupportedUnit,
		ErrCodeTokenSpent, ErrCodeInvalidProof:
		return http.StatusBadRequest
	case ErrCodeInsufficientFunds:
		return http.StatusPaymentRequired
	case ErrCodeRequestRejected:
		return http.StatusForbidden
	case ErrCodeMintUnreachable:
		return http.StatusBadGateway
	case ErrCodeMintTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeUpstreamFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
