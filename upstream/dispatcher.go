// Package upstream forwards paid requests to the protected API and
// extracts the usage the pricing reconciliation needs from the response.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mintgate/mintgate"
)

// PaymentHeaders are stripped before forwarding; the upstream never sees
// payment material.
var PaymentHeaders = []string{"X-Cashu", "Authorization"}

// hopHeaders are dropped as usual for a forwarding proxy.
var hopHeaders = []string{"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization", "Te", "Trailer", "Transfer-Encoding", "Upgrade"}

// Config configures the dispatcher.
type Config struct {
	// BaseURL is the upstream API root.
	BaseURL string

	// APIKey, when set, replaces the Authorization header on forwarded
	// requests.
	APIKey string

	// HTTPClient overrides the default client (optional).
	HTTPClient *http.Client

	// Timeout for the upstream call (optional, defaults to 120s to leave
	// room for long generations).
	Timeout time.Duration

	// Logger (optional).
	Logger logrus.FieldLogger
}

// Result is the upstream response, buffered so the caller can both replay
// it to the client and reconcile usage after the fact.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Usage extracts the token usage from the response body, handling both
// plain JSON responses and SSE streams (usage rides in the final data
// chunk). The second return is false when no usage was reported.
func (r *Result) Usage() (mintgate.TokenUsage, bool) {
	return ParseUsage(r.Body)
}

// Dispatcher forwards requests byte-for-byte, minus payment headers.
type Dispatcher struct {
	base   *url.URL
	apiKey string
	client *http.Client
	log    logrus.FieldLogger
}

// NewDispatcher creates an upstream dispatcher.
func NewDispatcher(config *Config) (*Dispatcher, error) {
	base, err := url.Parse(config.BaseURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid upstream base URL %q", config.BaseURL)
	}
	client := config.HTTPClient
	if client == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 120 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	log := config.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{base: base, apiKey: config.APIKey, client: client, log: log}, nil
}

// Do forwards the request to the upstream and buffers the response. The
// original request body must still be readable; callers that already
// consumed it should restore it first.
func (d *Dispatcher) Do(ctx context.Context, req *http.Request) (*Result, error) {
	target := *d.base
	target.Path = singleJoin(d.base.Path, req.URL.Path)
	target.RawQuery = req.URL.RawQuery

	out, err := http.NewRequestWithContext(ctx, req.Method, target.String(), req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	out.Header = req.Header.Clone()
	for _, h := range PaymentHeaders {
		out.Header.Del(h)
	}
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	if d.apiKey != "" {
		out.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.client.Do(out)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}

	d.log.WithFields(logrus.Fields{
		"path":   req.URL.Path,
		"status": resp.StatusCode,
		"bytes":  len(body),
	}).Debug("upstream responded")

	return &Result{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}, nil
}

// Write replays the result to a response writer.
func (r *Result) Write(w http.ResponseWriter) error {
	for k, vs := range r.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(r.StatusCode)
	_, err := w.Write(bytes.Clone(r.Body))
	return err
}

func singleJoin(a, b string) string {
	a = strings.TrimRight(a, "/")
	if !strings.HasPrefix(b, "/") {
		b = "/" + b
	}
	return a + b
}
