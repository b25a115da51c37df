package echo

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mintgate/mintgate"
	"github.com/mintgate/mintgate/upstream"
)

// Default header names, identical to the gin binding.
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
	ExtractModel  func(c echo.Context, body []byte) string
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
func WithModelExtractor(fn func(c echo.Context, body []byte) string) Options {
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

// Settlement is the Echo middleware that gates handlers behind ecash
// payment: authorize before the handler (decode, price, redeem at the
// mint), settle after it, with the receipt and any refund attached as
// response headers.
func Settlement(co *mintgate.Coordinator, opts ...Options) echo.MiddlewareFunc {
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

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := c.Request().Header.Get(options.TokenHeader)
			if raw == "" {
				return c.JSON(http.StatusPaymentRequired, map[string]interface{}{
					"error":   mintgate.ErrCodeMalformedToken,
					"message": options.TokenHeader + " header is required",
				})
			}

			body, err := io.ReadAll(c.Request().Body)
			if err != nil {
				return c.JSON(http.StatusBadRequest, map[string]interface{}{
					"error":   mintgate.ErrCodeUpstreamFailed,
					"message": "failed to read request body",
				})
			}
			c.Request().Body = io.NopCloser(bytes.NewReader(body))

			model := options.ExtractModel(c, body)
			est := options.Estimate(body)

			ctx := c.Request().Context()
			s, err := co.Authorize(ctx, raw, model, est)
			if err != nil {
				return writeError(c, s.Status, err)
			}

			if s.Replayed {
				// The same token already settled a previous request:
				// re-emit its receipt and refund without running the
				// handler again.
				setSettlementHeaders(c, options, s)
				status := http.StatusOK
				if s.State == mintgate.StateRefunded {
					status = http.StatusBadGateway
				}
				return c.JSON(status, map[string]interface{}{
					"message": "token already settled",
				})
			}

			// Capture the handler's response so settlement headers can be
			// attached before anything reaches the wire.
			rec := &captureWriter{header: http.Header{}, statusCode: http.StatusOK}
			original := c.Response().Writer
			c.Response().Writer = rec

			var panicked any
			handlerErr := func() (herr error) {
				defer func() {
					if r := recover(); r != nil {
						panicked = r
					}
				}()
				return next(c)
			}()

			c.Response().Writer = original
			c.Response().Committed = false

			switch {
			case panicked != nil:
				// A panicking handler settles like any upstream failure:
				// funds are already collected and must be refunded before
				// the panic continues.
				rec.statusCode = http.StatusInternalServerError
			case handlerErr != nil:
				// A handler error settles like any upstream failure: funds
				// are already collected and must be refunded.
				rec.statusCode = http.StatusInternalServerError
				var he *echo.HTTPError
				if errors.As(handlerErr, &he) {
					rec.statusCode = he.Code
				}
			}

			captured := rec.body.Bytes()
			outcome := mintgate.Outcome{StatusCode: rec.statusCode}
			if panicked == nil {
				if usage, ok := upstream.ParseUsage(captured); ok {
					outcome.Usage = &usage
				}
			}

			if err := co.Conclude(ctx, s, outcome); err != nil {
				if panicked != nil {
					panic(panicked)
				}
				return writeError(c, http.StatusInternalServerError, err)
			}

			h := c.Response().Header()
			for k, vals := range rec.header {
				for _, v := range vals {
					h.Add(k, v)
				}
			}
			setSettlementHeaders(c, options, s)

			if panicked != nil {
				panic(panicked)
			}

			if handlerErr != nil {
				// Refund headers are already set; let the error handler
				// produce the response body.
				return handlerErr
			}

			c.Response().WriteHeader(rec.statusCode)
			_, err = c.Response().Write(captured)
			return err
		}
	}
}

func setSettlementHeaders(c echo.Context, options *SettlementOptions, s *mintgate.Settlement) {
	h := c.Response().Header()
	if s.Receipt != nil {
		if encoded, err := json.Marshal(s.Receipt); err == nil {
			h.Set(options.ReceiptHeader, string(encoded))
		}
	}
	if s.RefundToken != "" {
		h.Set(options.RefundHeader, s.RefundToken)
	}
}

func writeError(c echo.Context, status int, err error) error {
	if status == 0 {
		status = mintgate.StatusForError(err)
	}
	resp := map[string]interface{}{
		"error":   mintgate.ErrorCode(err),
		"message": err.Error(),
	}
	var ge *mintgate.GatewayError
	if errors.As(err, &ge) && len(ge.Details) > 0 {
		resp["details"] = ge.Details
	}
	return c.JSON(status, resp)
}

// defaultModelExtractor reads the "model" field of a JSON request body.
func defaultModelExtractor(_ echo.Context, body []byte) string {
	var req struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return ""
	}
	return req.Model
}

// captureWriter buffers a handler response instead of writing it out.
type captureWriter struct {
	header     http.Header
	body       bytes.Buffer
	statusCode int
	written    bool
}

func (w *captureWriter) Header() http.Header {
	return w.header
}

func (w *captureWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
}

func (w *captureWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.body.Write(b)
}
