package mintgate

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/mintgate/mintgate/ledger"
	"github.com/mintgate/mintgate/token"
)

// SettlementState tracks a request through the pipeline.
type SettlementState string

const (
	StateReceived   SettlementState = "received"
	StateDecoded    SettlementState = "decoded"
	StatePriced     SettlementState = "priced"
	StateRedeemed   SettlementState = "redeemed"
	StateDispatched SettlementState = "dispatched"
	StateSettled    SettlementState = "settled"
	StateRejected   SettlementState = "rejected"
	StateRefunded   SettlementState = "refunded"
)

// Settlement is the per-request pipeline record. It is owned by exactly one
// request and never shared.
type Settlement struct {
	State      SettlementState
	Stamp      *token.Stamp
	Model      string
	Rule       *PricingRule
	Validation AmountValidation

	// Funds accounting. On every terminal settle,
	// Collected == Receipt.Amount + RefundAmount.
	Collected    uint64
	Fee          uint64
	Change       []token.Proof
	Receipt      *Receipt
	RefundToken  string
	RefundAmount uint64

	// Replayed marks a settlement re-emitted from the redemption cache:
	// the funds moved on an earlier request with the same proofs and no
	// dispatch or ledger write happens on this one.
	Replayed bool

	// Status is the HTTP status the gateway should respond with when the
	// pipeline rejected the request.
	Status int
	Err    error

	cacheKey  string
	cacheDone chan struct{}
}

// SettledOutcome is the terminal settlement attached to a cached
// redemption. A retry with the same proofs re-emits the original receipt
// and refund token instead of settling again.
type SettledOutcome struct {
	Receipt      *Receipt
	RefundToken  string
	RefundAmount uint64
	Refunded     bool
}

// Outcome is what the upstream dispatch produced, as far as settlement is
// concerned.
type Outcome struct {
	StatusCode int
	Usage      *TokenUsage
}

func (o Outcome) succeeded() bool {
	return o.StatusCode >= 200 && o.StatusCode < 300
}

// Coordinator orchestrates the full settlement lifecycle:
// decode, price, redeem, dispatch, reconcile. It owns all failure-path
// decisions. Coordinators are safe for concurrent use; all per-request
// state lives in the Settlement.
type Coordinator struct {
	rules    []PricingRule
	redeemer Redeemer
	cache    *RedemptionCache
	store    ledger.Store
	unit     string
	log      logrus.FieldLogger

	beforeRedeemHooks []BeforeRedeemHook
	afterRedeemHooks  []AfterRedeemHook
	afterSettleHooks  []AfterSettleHook
	refundHooks       []RefundHook
}

// CoordinatorOption configures the coordinator.
type CoordinatorOption func(*Coordinator)

// WithRedemptionCache enables redemption idempotency.
func WithRedemptionCache(cache *RedemptionCache) CoordinatorOption {
	return func(co *Coordinator) { co.cache = cache }
}

// WithLedger records gateway-held change proofs in a proof ledger.
func WithLedger(store ledger.Store) CoordinatorOption {
	return func(co *Coordinator) { co.store = store }
}

// WithUnit restricts accepted tokens to one currency unit.
func WithUnit(unit string) CoordinatorOption {
	return func(co *Coordinator) { co.unit = unit }
}

// WithLogger sets the coordinator logger.
func WithLogger(log logrus.FieldLogger) CoordinatorOption {
	return func(co *Coordinator) { co.log = log }
}

// NewCoordinator builds a settlement coordinator over a redeemer and a
// pricing table.
func NewCoordinator(redeemer Redeemer, rules []PricingRule, opts ...CoordinatorOption) *Coordinator {
	co := &Coordinator{
		rules:    rules,
		redeemer: redeemer,
		log:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(co)
	}
	return co
}

// Authorize runs the pre-dispatch half of the pipeline: decode, price,
// validate, redeem. On success the returned Settlement is in StateRedeemed
// and holds the collected amount plus the mint's change proofs. On failure
// it is in StateRejected with Status set; no funds are held on any
// rejection path.
func (co *Coordinator) Authorize(ctx context.Context, rawToken, model string, est *EstimateContext) (*Settlement, error) {
	s := &Settlement{State: StateReceived, Model: model}

	stamp, err := token.Decode(rawToken)
	if err != nil {
		return s, co.reject(s, err)
	}
	s.Stamp = stamp
	s.State = StateDecoded

	if co.unit != "" && stamp.Unit != co.unit {
		return s, co.reject(s, NewGatewayError(ErrCodeUnsupportedUnit,
			fmt.Sprintf("token unit %q, gateway accepts %q", stamp.Unit, co.unit), nil))
	}

	rule := LookupRule(model, co.rules)
	if rule == nil {
		return s, co.reject(s, NewGatewayError(ErrCodeUnpricedModel,
			fmt.Sprintf("no pricing rule for model %q", model), nil))
	}
	s.Rule = rule

	validation, err := ValidateAmount(stamp, rule, est)
	if err != nil {
		return s, co.reject(s, err)
	}
	s.Validation = validation
	if !validation.OK {
		return s, co.reject(s, NewGatewayError(ErrCodeInsufficientFunds,
			"token amount below required", map[string]interface{}{
				"required": validation.Required,
				"provided": validation.Provided,
			}))
	}
	s.State = StatePriced

	for _, hook := range co.beforeRedeemHooks {
		if err := hook(ctx, stamp); err != nil {
			var ge *GatewayError
			if !errors.As(err, &ge) {
				ge = NewGatewayError(ErrCodeRequestRejected, err.Error(), nil)
			}
			return s, co.reject(s, ge)
		}
	}

	result, err := co.redeem(ctx, s)
	if err != nil {
		return s, co.reject(s, err)
	}
	if s.Replayed {
		co.log.WithFields(logrus.Fields{
			"token_hash": HashProofSecrets(stamp.Proofs),
			"model":      model,
			"collected":  s.Collected,
		}).Info("settlement replayed from cache")
		return s, nil
	}
	s.Collected = result.Collected
	s.Fee = result.Fee
	s.Change = result.Change
	s.State = StateRedeemed

	for _, hook := range co.afterRedeemHooks {
		hook(ctx, stamp, result)
	}

	co.log.WithFields(logrus.Fields{
		"token_hash": HashProofSecrets(stamp.Proofs),
		"model":      model,
		"collected":  s.Collected,
		"fee":        s.Fee,
	}).Info("redemption settled")

	return s, nil
}

// redeem performs the mint exchange, going through the redemption cache
// when one is configured. The exchange runs on a context detached from the
// request: a client disconnect must not abandon an in-flight spend.
func (co *Coordinator) redeem(ctx context.Context, s *Settlement) (*RedeemResult, error) {
	stamp := s.Stamp
	rctx := context.WithoutCancel(ctx)
	if co.cache == nil {
		return co.redeemer.Redeem(rctx, stamp.Proofs, stamp.MintURL)
	}

	key := HashProofSecrets(stamp.Proofs)
	status, outcome, done := co.cache.CheckAndMark(key)
	switch status {
	case StatusCached:
		return co.replay(s, outcome)
	case StatusInFlight:
		waited, err := co.cache.WaitForResult(ctx, key, done)
		if err != nil {
			return nil, NewGatewayError(ErrCodeMintTimeout, "redemption wait cancelled", nil)
		}
		if waited == nil {
			// The in-flight attempt ended ambiguously; this attempt must
			// not re-redeem the same proofs.
			return nil, NewGatewayError(ErrCodeMintTimeout, "concurrent redemption outcome unknown", nil)
		}
		return co.replay(s, waited)
	}

	result, err := co.redeemer.Redeem(rctx, stamp.Proofs, stamp.MintURL)
	switch {
	case err == nil:
		// The slot stays in flight until Conclude publishes the full
		// settlement; retries then re-emit it rather than re-dispatching.
		s.cacheKey = key
		s.cacheDone = done
	case IsRetryable(err):
		co.cache.Fail(key, done)
	default:
		ge, _ := err.(*GatewayError)
		if ge == nil {
			ge = NewGatewayError(ErrCodeSettlementFailed, err.Error(), nil)
		}
		co.cache.Complete(key, &RedemptionOutcome{Err: ge}, done)
	}
	return result, err
}

// replay applies a cached terminal outcome to a fresh settlement. The
// original collection already settled once; the retry re-emits that
// settlement without touching the mint, the upstream, or the ledger.
func (co *Coordinator) replay(s *Settlement, outcome *RedemptionOutcome) (*RedeemResult, error) {
	if outcome.Err != nil {
		return nil, outcome.Err
	}
	if outcome.Result == nil || outcome.Settled == nil {
		return nil, NewGatewayError(ErrCodeSettlementFailed,
			"cached redemption has no settlement attached", nil)
	}
	s.Replayed = true
	s.Collected = outcome.Result.Collected
	s.Fee = outcome.Result.Fee
	s.Receipt = outcome.Settled.Receipt
	s.RefundToken = outcome.Settled.RefundToken
	s.RefundAmount = outcome.Settled.RefundAmount
	if outcome.Settled.Refunded {
		s.State = StateRefunded
	} else {
		s.State = StateSettled
	}
	return outcome.Result, nil
}

// finishCache publishes the concluded settlement for replay and closes the
// in-flight slot. No-op when the redemption ran uncached.
func (co *Coordinator) finishCache(s *Settlement) {
	if co.cache == nil || s.cacheDone == nil {
		return
	}
	co.cache.Complete(s.cacheKey, &RedemptionOutcome{
		Result: &RedeemResult{Collected: s.Collected, Fee: s.Fee},
		Settled: &SettledOutcome{
			Receipt:      s.Receipt,
			RefundToken:  s.RefundToken,
			RefundAmount: s.RefundAmount,
			Refunded:     s.State == StateRefunded,
		},
	}, s.cacheDone)
	s.cacheDone = nil
}

// Conclude runs the post-dispatch half of the pipeline. Upstream success
// settles to the actual cost: a receipt is issued and the overcollection is
// refunded. Upstream failure refunds the entire collected amount: the
// gateway never retains funds for a request it failed to fulfill.
func (co *Coordinator) Conclude(ctx context.Context, s *Settlement, outcome Outcome) error {
	if s.Replayed {
		return nil
	}
	if s.State != StateRedeemed {
		return NewGatewayError(ErrCodeSettlementFailed,
			fmt.Sprintf("cannot conclude settlement in state %s", s.State), nil)
	}
	s.State = StateDispatched

	if !outcome.succeeded() {
		return co.refundAll(ctx, s, outcome)
	}

	actual := co.actualCost(s, outcome)
	refund, keep := co.splitForRefund(ctx, s, s.Collected-actual)
	s.RefundAmount = token.SumProofs(refund)

	if len(refund) > 0 {
		encoded, err := IssueRefund(refund, s.Stamp.MintURL, s.Stamp.Unit, s.Stamp.Version)
		if err != nil {
			// Refund encoding failure must not lose value: keep everything
			// and receipt the full collected amount.
			co.log.WithError(err).Error("refund encoding failed, settling full amount")
			keep = s.Change
			s.RefundAmount = 0
		} else {
			s.RefundToken = encoded
		}
	}

	s.Receipt = IssueReceipt(s.Stamp, s.Rule.Model, s.Collected-s.RefundAmount)
	s.State = StateSettled
	co.finishCache(s)
	co.recordFloat(ctx, s, keep)

	for _, hook := range co.afterSettleHooks {
		hook(ctx, s)
	}
	if s.RefundToken != "" {
		for _, hook := range co.refundHooks {
			hook(ctx, s)
		}
	}

	co.log.WithFields(logrus.Fields{
		"receipt_id": s.Receipt.ID,
		"amount":     s.Receipt.Amount,
		"refund":     s.RefundAmount,
		"model":      s.Receipt.Model,
	}).Info("request settled")
	return nil
}

// refundAll returns the entire collected amount (already net of the
// unavoidable mint fee) after an upstream failure.
func (co *Coordinator) refundAll(ctx context.Context, s *Settlement, outcome Outcome) error {
	if len(s.Change) == 0 {
		// The mint fee consumed everything; there is no value to return
		// and no token to mint.
		s.RefundAmount = 0
		s.State = StateRefunded
		co.finishCache(s)
		co.log.WithFields(logrus.Fields{
			"upstream_status": outcome.StatusCode,
			"fee":             s.Fee,
		}).Warn("upstream failed, nothing collected to refund")
		return nil
	}

	s.RefundAmount = s.Collected
	encoded, err := IssueRefund(s.Change, s.Stamp.MintURL, s.Stamp.Unit, s.Stamp.Version)
	if err != nil {
		s.State = StateRefunded
		s.Err = NewGatewayError(ErrCodeSettlementFailed, "refund encoding failed", nil)
		co.finishCache(s)
		co.log.WithError(err).Error("full refund encoding failed")
		return s.Err
	}
	s.RefundToken = encoded
	s.State = StateRefunded
	co.finishCache(s)

	for _, hook := range co.refundHooks {
		hook(ctx, s)
	}

	co.log.WithFields(logrus.Fields{
		"upstream_status": outcome.StatusCode,
		"refund":          s.RefundAmount,
	}).Warn("upstream failed, refunding collected amount")
	return nil
}

// actualCost reconciles the real cost against what was collected. Never
// above the collected amount: the pessimistic estimate is the ceiling and
// the gateway never collects twice.
func (co *Coordinator) actualCost(s *Settlement, outcome Outcome) uint64 {
	var actual uint64
	switch {
	case s.Rule.Kind == RulePerRequest:
		actual = ActualCost(s.Rule, TokenUsage{})
	case outcome.Usage != nil:
		actual = ActualCost(s.Rule, *outcome.Usage)
	default:
		// Usage never arrived (for example a stream cut off before the
		// final chunk). Without it the estimate stands.
		co.log.Warn("no usage reported, keeping estimated charge")
		actual = s.Collected
	}
	if actual > s.Collected {
		actual = s.Collected
	}
	return actual
}

// splitForRefund divides the change proofs into a refund part summing to
// target and a kept part. Preference order: exact subset, an exact-change
// swap at the mint, then a smallest-first overshoot in the client's favor.
func (co *Coordinator) splitForRefund(ctx context.Context, s *Settlement, target uint64) (refund, keep []token.Proof) {
	change := s.Change
	if target == 0 {
		return nil, change
	}
	if target >= token.SumProofs(change) {
		return change, nil
	}

	sorted := make([]token.Proof, len(change))
	copy(sorted, change)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Amount > sorted[j].Amount })

	remaining := target
	for _, p := range sorted {
		if p.Amount <= remaining {
			refund = append(refund, p)
			remaining -= p.Amount
		} else {
			keep = append(keep, p)
		}
	}
	if remaining == 0 {
		return refund, keep
	}

	if cm, ok := co.redeemer.(ChangeMaker); ok {
		r, k, err := cm.MakeChange(context.WithoutCancel(ctx), change, target, s.Stamp.MintURL)
		if err == nil {
			return r, k
		}
		co.log.WithError(err).Warn("exact-change swap failed")
	}

	// No exact split possible: overshoot with the smallest proofs so the
	// client is never shortchanged.
	refund, keep = nil, nil
	remaining = target
	for i := len(sorted) - 1; i >= 0; i-- {
		if remaining > 0 {
			refund = append(refund, sorted[i])
			if sorted[i].Amount >= remaining {
				remaining = 0
			} else {
				remaining -= sorted[i].Amount
			}
		} else {
			keep = append(keep, sorted[i])
		}
	}
	co.log.WithFields(logrus.Fields{
		"target":   target,
		"refunded": token.SumProofs(refund),
	}).Warn("refund overshoot, no exact denomination split")
	return refund, keep
}

// recordFloat stores earned proofs in the ledger, best-effort.
func (co *Coordinator) recordFloat(ctx context.Context, s *Settlement, keep []token.Proof) {
	if co.store == nil || len(keep) == 0 {
		return
	}
	key, err := co.store.Put(ctx, s.Stamp.MintURL, keep)
	if err != nil {
		co.log.WithError(err).Error("ledger write failed")
		return
	}
	co.log.WithField("key", key).Debug("recorded earned proofs")
}

func (co *Coordinator) reject(s *Settlement, err error) error {
	s.State = StateRejected
	s.Status = StatusForError(err)
	s.Err = err
	return err
}

// DispatchFunc performs the upstream call and reports its outcome.
type DispatchFunc func(ctx context.Context) (Outcome, error)

// Process runs the whole pipeline around a dispatch function: authorize,
// dispatch, conclude. Dispatch never runs before funds are irrevocably
// collected, and the two network operations are strictly sequential. A
// dispatch error counts as an upstream failure and triggers a full refund.
func (co *Coordinator) Process(ctx context.Context, rawToken, model string, est *EstimateContext, dispatch DispatchFunc) (*Settlement, error) {
	s, err := co.Authorize(ctx, rawToken, model, est)
	if err != nil {
		return s, err
	}
	if s.Replayed {
		return s, nil
	}

	outcome, err := dispatch(ctx)
	if err != nil {
		co.log.WithError(err).Warn("upstream dispatch failed")
		outcome = Outcome{StatusCode: StatusForError(NewGatewayError(ErrCodeUpstreamFailed, err.Error(), nil))}
	}

	if err := co.Conclude(ctx, s, outcome); err != nil {
		return s, err
	}
	return s, nil
}
