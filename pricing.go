package mintgate

import (
	"math"

	"github.com/mintgate/mintgate/token"
)

// RuleKind selects the billing mode of a pricing rule.
type RuleKind string

const (
	RulePerRequest RuleKind = "per_request"
	RulePerToken   RuleKind = "per_token"
)

// WildcardModel matches any model not covered by an exact rule.
const WildcardModel = "*"

// Default estimate used when no estimate context is available. Charging a
// conservative non-zero default instead of failing closed at zero keeps
// un-estimatable requests payable.
const (
	DefaultEstimateInputTokens int64 = 1000
	DefaultMaxOutputTokens     int64 = 4096
)

// PricingRule prices one model. Exactly one of the two billing modes is
// meaningful per rule: a fixed per-request price, or per-million-token
// input/output rates.
type PricingRule struct {
	Model            string   `json:"model" yaml:"model"`
	Kind             RuleKind `json:"kind" yaml:"kind"`
	PricePerRequest  *int64   `json:"price_per_request,omitempty" yaml:"price_per_request,omitempty"`
	InputPerMillion  float64  `json:"input_per_million,omitempty" yaml:"input_per_million,omitempty"`
	OutputPerMillion float64  `json:"output_per_million,omitempty" yaml:"output_per_million,omitempty"`
	MaxOutputTokens  int64    `json:"max_output_tokens,omitempty" yaml:"max_output_tokens,omitempty"`
}

// EstimateContext carries the projected token usage for a request, used for
// the pessimistic upfront price of per_token rules.
type EstimateContext struct {
	InputTokens     int64
	MaxOutputTokens int64
}

// LookupRule resolves the pricing rule for a model: exact match wins over
// the wildcard. A wildcard hit is returned with the concrete model name
// substituted so downstream reporting carries the real model. Returns nil
// when the model is unpriced, which callers must treat as a hard rejection.
func LookupRule(model string, rules []PricingRule) *PricingRule {
	var wildcard *PricingRule
	for i := range rules {
		switch rules[i].Model {
		case model:
			rule := rules[i]
			return &rule
		case WildcardModel:
			if wildcard == nil {
				wildcard = &rules[i]
			}
		}
	}
	if wildcard == nil {
		return nil
	}
	rule := *wildcard
	rule.Model = model
	return &rule
}

// RequiredAmount computes the pessimistic upfront price for a rule: the
// fixed price for per_request, or the worst-case token cost for per_token,
// charging for the maximum possible output. Never below 1 unit.
func RequiredAmount(rule *PricingRule, est *EstimateContext) (uint64, error) {
	switch rule.Kind {
	case RulePerRequest:
		if rule.PricePerRequest == nil {
			return 0, NewGatewayError(ErrCodeInvalidRule, "per_request rule has no price", nil)
		}
		if *rule.PricePerRequest < 0 {
			return 0, NewGatewayError(ErrCodeInvalidRule, "per_request price is negative", nil)
		}
		return floorOne(uint64(*rule.PricePerRequest)), nil

	case RulePerToken:
		if rule.InputPerMillion < 0 || rule.OutputPerMillion < 0 {
			return 0, NewGatewayError(ErrCodeInvalidRule, "per_token rate is negative", nil)
		}
		inputTokens := DefaultEstimateInputTokens
		maxOutput := rule.MaxOutputTokens
		if maxOutput <= 0 {
			maxOutput = DefaultMaxOutputTokens
		}
		if est != nil {
			if est.InputTokens > 0 {
				inputTokens = est.InputTokens
			}
			if est.MaxOutputTokens > 0 {
				maxOutput = est.MaxOutputTokens
			}
		}
		return tokenCost(rule, inputTokens, maxOutput), nil

	default:
		return 0, NewGatewayError(ErrCodeInvalidRule, "unknown rule kind "+string(rule.Kind), nil)
	}
}

// ValidateAmount checks whether the presented stamp covers the pessimistic
// upfront price. The gateway always collects this upper bound at
// authorization time and reconciles downward after the upstream responds,
// never the reverse.
func ValidateAmount(stamp *token.Stamp, rule *PricingRule, est *EstimateContext) (AmountValidation, error) {
	required, err := RequiredAmount(rule, est)
	if err != nil {
		return AmountValidation{}, err
	}
	provided := stamp.Amount()
	return AmountValidation{
		OK:       provided >= required,
		Required: required,
		Provided: provided,
	}, nil
}

// ActualCost computes the exact post-hoc cost from real usage, with the
// same rounding policy as RequiredAmount (ceil, floored at 1). For
// per_request rules the actual cost is the fixed price unconditionally.
func ActualCost(rule *PricingRule, usage TokenUsage) uint64 {
	if rule.Kind == RulePerRequest {
		if rule.PricePerRequest == nil || *rule.PricePerRequest < 0 {
			return 1
		}
		return floorOne(uint64(*rule.PricePerRequest))
	}
	return tokenCost(rule, usage.PromptTokens, usage.CompletionTokens)
}

func tokenCost(rule *PricingRule, inputTokens, outputTokens int64) uint64 {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	cost := float64(inputTokens)/1e6*rule.InputPerMillion +
		float64(outputTokens)/1e6*rule.OutputPerMillion
	return floorOne(uint64(math.Ceil(cost)))
}

func floorOne(v uint64) uint64 {
	if v < 1 {
		return 1
	}
	return v
}
