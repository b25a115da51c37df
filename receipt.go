package mintgate

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/mintgate/mintgate/token"
)

// HashProofSecrets produces the audit fingerprint of a proof set: a SHA256
// over the concatenated secrets, hex encoded. The same digest keys the
// redemption cache, so one fingerprint identifies a token end to end.
func HashProofSecrets(proofs []token.Proof) string {
	h := sha256.New()
	for _, p := range proofs {
		h.Write([]byte(p.Secret))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// IssueReceipt creates the audit record for a settled request. Only the
// secret digest enters the receipt, never the secrets themselves.
func IssueReceipt(stamp *token.Stamp, model string, amount uint64) *Receipt {
	return &Receipt{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Amount:    amount,
		Unit:      stamp.Unit,
		Model:     model,
		TokenHash: HashProofSecrets(stamp.Proofs),
	}
}

// IssueRefund re-serializes unspent proofs into the wire format the client
// originally presented, addressed to the same mint and unit. The result is
// self-contained and redeemable without further trust in the gateway.
func IssueRefund(proofs []token.Proof, mintURL, unit string, version int) (string, error) {
	return token.Encode(&token.Stamp{
		Proofs:  proofs,
		MintURL: mintURL,
		Unit:    unit,
		Version: version,
	})
}
