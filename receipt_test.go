package mintgate

import (
	"strings"
	"testing"

	"github.com/mintgate/mintgate/token"
)

func TestHashProofSecrets(t *testing.T) {
	proofs := []token.Proof{
		{Amount: 1, ID: "k", Secret: "alpha", C: "c1"},
		{Amount: 2, ID: "k", Secret: "beta", C: "c2"},
	}

	h1 := HashProofSecrets(proofs)
	h2 := HashProofSecrets(proofs)
	if h1 != h2 {
		t.Errorf("Expected deterministic hash, got %s and %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(h1))
	}

	other := HashProofSecrets([]token.Proof{{Secret: "gamma"}})
	if h1 == other {
		t.Error("Expected different secrets to produce different hashes")
	}
}

func TestIssueReceiptOmitsSecrets(t *testing.T) {
	stamp := &token.Stamp{
		Proofs:  []token.Proof{{Amount: 4, ID: "k", Secret: "super-secret-value", C: "c"}},
		MintURL: "https://mint.example.com",
		Unit:    "sat",
	}

	receipt := IssueReceipt(stamp, "gpt-4o", 4)
	if receipt.ID == "" {
		t.Error("Expected a receipt id")
	}
	if receipt.Amount != 4 || receipt.Unit != "sat" || receipt.Model != "gpt-4o" {
		t.Errorf("Receipt fields wrong: %+v", receipt)
	}
	if receipt.TokenHash != HashProofSecrets(stamp.Proofs) {
		t.Error("Expected token hash to match the proof fingerprint")
	}
	if strings.Contains(receipt.TokenHash, "super-secret-value") {
		t.Error("Raw secret leaked into the receipt")
	}
}

func TestIssueRefundRoundTrips(t *testing.T) {
	proofs := []token.Proof{
		{Amount: 2, ID: "00ad268c4d1f5826", Secret: "s1", C: "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"},
	}

	encoded, err := IssueRefund(proofs, "https://mint.example.com", "sat", 4)
	if err != nil {
		t.Fatalf("IssueRefund failed: %v", err)
	}
	if !strings.HasPrefix(encoded, "cashuB") {
		t.Errorf("Expected refund in the presented version (v4), got %s", encoded[:7])
	}

	stamp, err := token.Decode(encoded)
	if err != nil {
		t.Fatalf("Refund token does not decode: %v", err)
	}
	if stamp.MintURL != "https://mint.example.com" || stamp.Unit != "sat" {
		t.Errorf("Refund addressing wrong: %+v", stamp)
	}
	if stamp.Amount() != 2 {
		t.Errorf("Expected refund amount 2, got %d", stamp.Amount())
	}
}
