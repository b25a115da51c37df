package mint

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mintgate/mintgate"
	"github.com/mintgate/mintgate/token"
)

func swapHandler(t *testing.T, fee uint64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/swap" {
			t.Errorf("Expected /v1/swap, got %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		var req swapRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		total := token.SumProofs(req.Inputs) - fee
		denoms := req.Denominations
		if len(denoms) == 0 {
			denoms = Denominations(total)
		}
		var outputs []token.Proof
		for _, d := range denoms {
			outputs = append(outputs, NewProof(d))
		}
		json.NewEncoder(w).Encode(swapResponse{Outputs: outputs, Fee: fee})
	}
}

func TestClientRedeem(t *testing.T) {
	srv := httptest.NewServer(swapHandler(t, 1))
	defer srv.Close()

	client := NewClient(nil)
	result, err := client.Redeem(context.Background(), []token.Proof{NewProof(8)}, srv.URL)
	if err != nil {
		t.Fatalf("Redeem failed: %v", err)
	}
	if result.Collected != 7 {
		t.Errorf("Expected collected 7, got %d", result.Collected)
	}
	if result.Fee != 1 {
		t.Errorf("Expected fee 1, got %d", result.Fee)
	}
	if token.SumProofs(result.Change) != 7 {
		t.Errorf("Expected change worth 7, got %d", token.SumProofs(result.Change))
	}
}

func TestClientMakeChange(t *testing.T) {
	srv := httptest.NewServer(swapHandler(t, 0))
	defer srv.Close()

	client := NewClient(nil)
	held := []token.Proof{NewProof(8), NewProof(2)}
	refund, keep, err := client.MakeChange(context.Background(), held, 6, srv.URL)
	if err != nil {
		t.Fatalf("MakeChange failed: %v", err)
	}
	if token.SumProofs(refund) != 6 {
		t.Errorf("Expected refund worth 6, got %d", token.SumProofs(refund))
	}
	if token.SumProofs(keep) != 4 {
		t.Errorf("Expected kept proofs worth 4, got %d", token.SumProofs(keep))
	}
}

func TestClientClassifiesSpentToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(mintError{Detail: "Token already spent", Code: 11001})
	}))
	defer srv.Close()

	client := NewClient(nil)
	_, err := client.Redeem(context.Background(), []token.Proof{NewProof(4)}, srv.URL)
	if mintgate.ErrorCode(err) != mintgate.ErrCodeTokenSpent {
		t.Errorf("Expected token_spent, got %v", err)
	}
}

func TestClientClassifiesInvalidProof(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(mintError{Detail: "unknown keyset", Code: 10003})
	}))
	defer srv.Close()

	client := NewClient(nil)
	_, err := client.Redeem(context.Background(), []token.Proof{NewProof(4)}, srv.URL)
	if mintgate.ErrorCode(err) != mintgate.ErrCodeInvalidProof {
		t.Errorf("Expected invalid_proof, got %v", err)
	}
}

func TestClientClassifiesServerErrorAsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(nil)
	_, err := client.Redeem(context.Background(), []token.Proof{NewProof(4)}, srv.URL)
	if mintgate.ErrorCode(err) != mintgate.ErrCodeMintUnreachable {
		t.Errorf("Expected mint_unreachable, got %v", err)
	}
	if !mintgate.IsRetryable(err) {
		t.Error("Expected server errors to be retryable")
	}
}

func TestClientClassifiesTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	client := NewClient(&ClientConfig{Timeout: 20 * time.Millisecond})
	_, err := client.Redeem(context.Background(), []token.Proof{NewProof(4)}, srv.URL)
	if mintgate.ErrorCode(err) != mintgate.ErrCodeMintTimeout {
		t.Errorf("Expected mint_timeout, got %v", err)
	}
	if !mintgate.IsRetryable(err) {
		t.Error("Expected timeouts to be retryable")
	}
}

func TestClientUnreachableMint(t *testing.T) {
	client := NewClient(&ClientConfig{Timeout: 100 * time.Millisecond})
	_, err := client.Redeem(context.Background(), []token.Proof{NewProof(4)}, "http://127.0.0.1:1")
	if mintgate.ErrorCode(err) != mintgate.ErrCodeMintUnreachable {
		t.Errorf("Expected mint_unreachable, got %v", err)
	}
}

func TestDenominations(t *testing.T) {
	tests := []struct {
		amount uint64
		want   []uint64
	}{
		{0, nil},
		{1, []uint64{1}},
		{7, []uint64{1, 2, 4}},
		{10, []uint64{2, 8}},
		{64, []uint64{64}},
	}
	for _, tt := range tests {
		got := Denominations(tt.amount)
		if len(got) != len(tt.want) {
			t.Errorf("Denominations(%d) = %v, want %v", tt.amount, got, tt.want)
			continue
		}
		var sum uint64
		for i, d := range got {
			if d != tt.want[i] {
				t.Errorf("Denominations(%d)[%d] = %d, want %d", tt.amount, i, d, tt.want[i])
			}
			sum += d
		}
		if sum != tt.amount {
			t.Errorf("Denominations(%d) sums to %d", tt.amount, sum)
		}
	}
}

func TestSplitExact(t *testing.T) {
	proofs := []token.Proof{NewProof(1), NewProof(2), NewProof(8)}

	part, rest := SplitExact(proofs, 3)
	if token.SumProofs(part) != 3 {
		t.Errorf("Expected part worth 3, got %d", token.SumProofs(part))
	}
	if token.SumProofs(rest) != 8 {
		t.Errorf("Expected rest worth 8, got %d", token.SumProofs(rest))
	}

	part, _ = SplitExact(proofs, 5)
	if part != nil {
		t.Errorf("Expected no exact split for 5, got %v", part)
	}

	part, rest = SplitExact(proofs, 0)
	if len(part) != 0 || token.SumProofs(rest) != 11 {
		t.Errorf("Expected empty part and full rest for 0, got %v / %v", part, rest)
	}
}

func TestSimulatedDoubleSpend(t *testing.T) {
	m := NewSimulated()
	proofs := []token.Proof{NewProof(4)}

	if _, err := m.Redeem(context.Background(), proofs, "https://m"); err != nil {
		t.Fatalf("First redeem failed: %v", err)
	}
	if !m.Spent(proofs[0].Secret) {
		t.Error("Expected secret to be marked spent")
	}

	_, err := m.Redeem(context.Background(), proofs, "https://m")
	if mintgate.ErrorCode(err) != mintgate.ErrCodeTokenSpent {
		t.Errorf("Expected token_spent on second redeem, got %v", err)
	}
}

func TestSimulatedFee(t *testing.T) {
	m := NewSimulated()
	m.Fee = 1

	result, err := m.Redeem(context.Background(), []token.Proof{NewProof(8)}, "https://m")
	if err != nil {
		t.Fatalf("Redeem failed: %v", err)
	}
	if result.Collected != 7 || result.Fee != 1 {
		t.Errorf("Expected collected 7 fee 1, got %d/%d", result.Collected, result.Fee)
	}
	if token.SumProofs(result.Change) != 7 {
		t.Errorf("Expected change worth 7, got %d", token.SumProofs(result.Change))
	}
}

func TestSimulatedFailureInjection(t *testing.T) {
	m := NewSimulated()
	m.FailWith = mintgate.NewGatewayError(mintgate.ErrCodeMintTimeout, "injected", nil)

	proofs := []token.Proof{NewProof(4)}
	_, err := m.Redeem(context.Background(), proofs, "https://m")
	if mintgate.ErrorCode(err) != mintgate.ErrCodeMintTimeout {
		t.Errorf("Expected injected timeout, got %v", err)
	}
	if m.Spent(proofs[0].Secret) {
		t.Error("Failed swap must not consume the proofs")
	}
}
