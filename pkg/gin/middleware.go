package gin

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mintgate/mintgate"
	"github.com/mintgate/mintgate/upstream"
)

// Default header names. The inbound header carries the encoded ecash token;
// the outbound headers carry the settlement receipt and any refund token.
const (
	DefaultTokenHeader   = "X-Cashu"
	DefaultReceiptHeader = "X-Cashu-Receipt"
	DefaultRefundHeader  = "X-Cashu-Refund"
)

// SettlementOptions is the options for the Settlement middleware.
type SettlementOptions struct {
	TokenHeader   string
	ReceiptHeader string
	RefundHeader  string
	ExtractModel  func(c *gin.Context, body []byte) string
	Estimate      func(body []byte) *mintgate.EstimateContext
}

// Options is the type for the options for the Settlement middleware.
type Options func(*SettlementOptions)

// WithTokenHeader overrides the inbound header the token is read from.
func WithTokenHeader(name string) Options {
	return func(options *SettlementOptions) {
		options.TokenHeader = name
	}
}

// WithReceiptHeader overrides the outbound receipt header name.
func WithReceiptHeader(name string) Options {
	return func(options *SettlementOptions) {
		options.ReceiptHeader = name
	}
}

// WithRefundHeader overrides the outbound refund header name.
func WithRefundHeader(name string) Options {
	return func(options *SettlementOptions) {
		options.RefundHeader = name
	}
}

// WithModelExtractor overrides how the billed model is derived from the
// request. The default reads the "model" field of a JSON body.
func WithModelExtractor(fn func(c *gin.Context, body []byte) string) Options {
	return func(options *SettlementOptions) {
		options.ExtractModel = fn
	}
}

// WithEstimator overrides how the upfront usage estimate is derived from
// the request body.
func WithEstimator(fn func(body []byte) *mintgate.EstimateContext) Options {
	return func(options *SettlementOptions) {
		options.Estimate = fn
	}
}

// Settlement is the Gin middleware that gates handlers behind ecash
// payment. It authorizes before the handler runs (decode, price, redeem at
// the mint) and settles after it returns: the receipt and any refund ride
// out on response headers. The wrapped handler only ever runs with funds
// already collected.
func Settlement(co *mintgate.Coordinator, opts ...Options) gin.HandlerFunc {
	options := &SettlementOptions{
		TokenHeader:   DefaultTokenHeader,
		ReceiptHeader: DefaultReceiptHeader,
		RefundHeader:  DefaultRefundHeader,
		ExtractModel:  defaultModelExtractor,
		Estimate:      mintgate.EstimateFromPrompt,
	}

	for _, opt := range opts {
		opt(options)
	}

	return func(c *gin.Context) {
		raw := c.GetHeader(options.TokenHeader)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error":   mintgate.ErrCodeMalformedToken,
				"message": options.TokenHeader + " header is required",
			})
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   mintgate.ErrCodeUpstreamFailed,
				"message": "failed to read request body",
			})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		model := options.ExtractModel(c, body)
		est := options.Estimate(body)

		ctx := c.Request.Context()
		s, err := co.Authorize(ctx, raw, model, est)
		if err != nil {
			abortWithError(c, s.Status, err)
			return
		}

		if s.Replayed {
			// The same token already settled a previous request: re-emit
			// its receipt and refund without running the handler again.
			setSettlementHeaders(c, options, s)
			status := http.StatusOK
			if s.State == mintgate.StateRefunded {
				status = http.StatusBadGateway
			}
			c.AbortWithStatusJSON(status, gin.H{"message": "token already settled"})
			return
		}

		// Capture the handler's response so settlement headers can be
		// attached before anything reaches the wire.
		writer := &responseWriter{
			ResponseWriter: c.Writer,
			body:           &strings.Builder{},
			statusCode:     http.StatusOK,
		}
		c.Writer = writer

		var panicked any
		func() {
			defer func() { panicked = recover() }()
			c.Next()
		}()

		// Funds are already collected, so an aborted handler still settles:
		// its error status routes through the full-refund path. A panicking
		// handler settles as an internal error before the panic continues
		// to the recovery middleware.
		captured := []byte(writer.body.String())
		outcome := mintgate.Outcome{StatusCode: writer.statusCode}
		if panicked != nil {
			outcome = mintgate.Outcome{StatusCode: http.StatusInternalServerError}
		} else if usage, ok := upstream.ParseUsage(captured); ok {
			outcome.Usage = &usage
		}

		c.Writer = writer.ResponseWriter
		if err := co.Conclude(ctx, s, outcome); err != nil {
			if panicked != nil {
				panic(panicked)
			}
			abortWithError(c, http.StatusInternalServerError, err)
			return
		}

		setSettlementHeaders(c, options, s)

		if panicked != nil {
			panic(panicked)
		}

		c.Writer.WriteHeader(writer.statusCode)
		c.Writer.Write(captured)
	}
}

func setSettlementHeaders(c *gin.Context, options *SettlementOptions, s *mintgate.Settlement) {
	if s.Receipt != nil {
		if encoded, err := json.Marshal(s.Receipt); err == nil {
			c.Header(options.ReceiptHeader, string(encoded))
		}
	}
	if s.RefundToken != "" {
		c.Header(options.RefundHeader, s.RefundToken)
	}
}

func abortWithError(c *gin.Context, status int, err error) {
	if status == 0 {
		status = mintgate.StatusForError(err)
	}
	resp := gin.H{
		"error":   mintgate.ErrorCode(err),
		"message": err.Error(),
	}
	var ge *mintgate.GatewayError
	if errors.As(err, &ge) && len(ge.Details) > 0 {
		resp["details"] = ge.Details
	}
	c.AbortWithStatusJSON(status, resp)
}

// defaultModelExtractor reads the "model" field of a JSON request body.
func defaultModelExtractor(_ *gin.Context, body []byte) string {
	var req struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return ""
	}
	return req.Model
}

// responseWriter is a custom response writer that captures the response
type responseWriter struct {
	gin.ResponseWriter
	body       *strings.Builder
	statusCode int
	written    bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	w.body.Write(b)
	return len(b), nil
}

func (w *responseWriter) WriteString(s string) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.body.WriteString(s)
}
