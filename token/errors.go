package token

import "fmt"

// Decode error codes.
const (
	CodeMalformedToken     = "malformed_token"
	CodeUnsupportedVersion = "unsupported_version"
	CodeEmptyProofs        = "empty_proofs"
)

// DecodeError is a typed decoding failure.
type DecodeError struct {
	Code    string
	Message string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func ErrMalformedToken(message string) *DecodeError {
	return &DecodeError{Code: CodeMalformedToken, Message: message}
}

func ErrUnsupportedVersion(message string) *DecodeError {
	return &DecodeError{Code: CodeUnsupportedVersion, Message: message}
}

func ErrEmptyProofs() *DecodeError {
	return &DecodeError{Code: CodeEmptyProofs, Message: "token contains no proofs"}
}
