package mintgate

import (
	"context"

	"github.com/mintgate/mintgate/token"
)

// Lifecycle hooks. Hooks observe the pipeline; only BeforeRedeem can abort
// it, by returning an error, which rejects the request before any funds
// move. After-hooks run best-effort and their errors are logged, never
// propagated.

// BeforeRedeemHook runs after pricing and before the mint exchange.
type BeforeRedeemHook func(ctx context.Context, stamp *token.Stamp) error

// AfterRedeemHook runs once funds have been irrevocably collected.
type AfterRedeemHook func(ctx context.Context, stamp *token.Stamp, result *RedeemResult)

// AfterSettleHook runs on the Settled terminal state.
type AfterSettleHook func(ctx context.Context, s *Settlement)

// RefundHook runs whenever a refund token is issued, on both the Settled
// (partial refund) and Refunded (full refund) paths.
type RefundHook func(ctx context.Context, s *Settlement)

// OnBeforeRedeem registers a hook to execute before redemption.
// Returns the coordinator for chaining.
func (co *Coordinator) OnBeforeRedeem(hook BeforeRedeemHook) *Coordinator {
	co.beforeRedeemHooks = append(co.beforeRedeemHooks, hook)
	return co
}

// OnAfterRedeem registers a hook to execute after successful redemption.
func (co *Coordinator) OnAfterRedeem(hook AfterRedeemHook) *Coordinator {
	co.afterRedeemHooks = append(co.afterRedeemHooks, hook)
	return co
}

// OnAfterSettle registers a hook to execute after a settled request.
func (co *Coordinator) OnAfterSettle(hook AfterSettleHook) *Coordinator {
	co.afterSettleHooks = append(co.afterSettleHooks, hook)
	return co
}

// OnRefund registers a hook to execute whenever a refund is issued.
func (co *Coordinator) OnRefund(hook RefundHook) *Coordinator {
	co.refundHooks = append(co.refundHooks, hook)
	return co
}
