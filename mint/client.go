// Package mint talks to Cashu mints. The mint is an external black box: the
// gateway depends only on the swap contract (proofs in, fresh proofs or a
// typed error out) and never re-derives the protocol's cryptography.
package mint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mintgate/mintgate"
	"github.com/mintgate/mintgate/token"
)

// DefaultTimeout bounds one swap round-trip.
const DefaultTimeout = 10 * time.Second

// Mint-side error codes, per the Cashu error registry.
const (
	codeTokenSpent   = 11001
	codeInvalidProof = 10003
)

// ClientConfig configures the mint client.
type ClientConfig struct {
	// HTTPClient is the HTTP client to use (optional).
	HTTPClient *http.Client

	// Timeout for swap requests (optional, defaults to 10s).
	Timeout time.Duration

	// Logger (optional).
	Logger logrus.FieldLogger
}

// Client performs swap round-trips against real mints over HTTPS.
// Implements mintgate.Redeemer and mintgate.ChangeMaker.
type Client struct {
	httpClient *http.Client
	log        logrus.FieldLogger
}

// NewClient creates a mint client.
func NewClient(config *ClientConfig) *Client {
	if config == nil {
		config = &ClientConfig{}
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	log := config.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{httpClient: httpClient, log: log}
}

// swapRequest is the gateway-facing swap contract: input proofs plus
// optional denomination hints for the outputs.
type swapRequest struct {
	Inputs        []token.Proof `json:"inputs"`
	Denominations []uint64      `json:"denominations,omitempty"`
}

type swapResponse struct {
	Outputs []token.Proof `json:"outputs"`
	Fee     uint64        `json:"fee"`
}

type mintError struct {
	Detail string `json:"detail"`
	Code   int    `json:"code"`
}

// Redeem exchanges the proofs at their issuing mint for fresh proofs owned
// by the gateway. A successful exchange is irreversible. Transport failures
// are classified as mint_unreachable or mint_timeout and must not be taken
// to mean the proofs were consumed.
func (c *Client) Redeem(ctx context.Context, proofs []token.Proof, mintURL string) (*mintgate.RedeemResult, error) {
	resp, err := c.swap(ctx, mintURL, swapRequest{Inputs: proofs})
	if err != nil {
		return nil, err
	}

	collected := token.SumProofs(resp.Outputs)
	c.log.WithFields(logrus.Fields{
		"mint":      mintURL,
		"collected": collected,
		"fee":       resp.Fee,
	}).Debug("swap complete")

	return &mintgate.RedeemResult{
		Collected: collected,
		Change:    resp.Outputs,
		Fee:       resp.Fee,
	}, nil
}

// MakeChange swaps gateway-held proofs into an exact split for a refund of
// amount, returning the refund proofs and the proofs the gateway keeps.
func (c *Client) MakeChange(ctx context.Context, proofs []token.Proof, amount uint64, mintURL string) ([]token.Proof, []token.Proof, error) {
	hints := append(Denominations(amount), Denominations(token.SumProofs(proofs)-amount)...)
	resp, err := c.swap(ctx, mintURL, swapRequest{Inputs: proofs, Denominations: hints})
	if err != nil {
		return nil, nil, err
	}
	refund, keep := SplitExact(resp.Outputs, amount)
	if refund == nil {
		return nil, nil, fmt.Errorf("mint returned outputs with no exact split for %d", amount)
	}
	return refund, keep, nil
}

func (c *Client) swap(ctx context.Context, mintURL string, request swapRequest) (*swapResponse, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal swap request: %w", err)
	}

	url := strings.TrimRight(mintURL, "/") + "/v1/swap"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create swap request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err, mintURL)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, mintgate.NewGatewayError(mintgate.ErrCodeMintUnreachable,
			fmt.Sprintf("failed to read mint response: %v", err), nil)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyMintError(resp.StatusCode, responseBody)
	}

	var swapResp swapResponse
	if err := json.Unmarshal(responseBody, &swapResp); err != nil {
		return nil, mintgate.NewGatewayError(mintgate.ErrCodeMintUnreachable,
			"mint returned an undecodable swap response", nil)
	}
	return &swapResp, nil
}

// classifyTransportError splits network failures into timeout (the request
// may have been processed) and unreachable (it was not delivered). Both are
// ambiguous from a funds perspective and retryable only with fresh proofs.
func classifyTransportError(err error, mintURL string) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return mintgate.NewGatewayError(mintgate.ErrCodeMintTimeout,
			fmt.Sprintf("mint %s did not respond in time", mintURL), nil)
	}
	return mintgate.NewGatewayError(mintgate.ErrCodeMintUnreachable,
		fmt.Sprintf("mint %s unreachable: %v", mintURL, err), nil)
}

func classifyMintError(status int, body []byte) error {
	var me mintError
	_ = json.Unmarshal(body, &me)

	switch {
	case me.Code == codeTokenSpent:
		return mintgate.NewGatewayError(mintgate.ErrCodeTokenSpent, "token already spent", nil)
	case me.Code == codeInvalidProof || status == http.StatusBadRequest:
		detail := me.Detail
		if detail == "" {
			detail = "mint rejected the proofs"
		}
		return mintgate.NewGatewayError(mintgate.ErrCodeInvalidProof, detail, nil)
	default:
		return mintgate.NewGatewayError(mintgate.ErrCodeMintUnreachable,
			fmt.Sprintf("mint swap failed (%d): %s", status, string(body)), nil)
	}
}

// Denominations decomposes an amount into the power-of-two denominations
// mints issue.
func Denominations(amount uint64) []uint64 {
	var out []uint64
	for bit := uint64(1); bit != 0 && bit <= amount; bit <<= 1 {
		if amount&bit != 0 {
			out = append(out, bit)
		}
	}
	return out
}

// SplitExact partitions proofs into a part summing exactly to target and
// the remainder, largest-first. Returns a nil first slice when no exact
// split exists.
func SplitExact(proofs []token.Proof, target uint64) (part, rest []token.Proof) {
	if target == 0 {
		return []token.Proof{}, proofs
	}
	sorted := make([]token.Proof, len(proofs))
	copy(sorted, proofs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Amount > sorted[j].Amount })

	remaining := target
	for _, p := range sorted {
		if p.Amount <= remaining {
			part = append(part, p)
			remaining -= p.Amount
		} else {
			rest = append(rest, p)
		}
	}
	if remaining != 0 {
		return nil, proofs
	}
	return part, rest
}
