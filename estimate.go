package mintgate

import (
	"encoding/json"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// promptBody is the subset of a chat-completion request the estimator needs.
type promptBody struct {
	Messages []struct {
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
	Prompt    string `json:"prompt"`
	MaxTokens int64  `json:"max_tokens"`
}

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

// EstimateFromPrompt builds an estimate context from a chat-completion
// request body. Prompt text is counted with the cl100k tokenizer; when the
// tokenizer is unavailable or the body is not recognizable JSON, a bytes/4
// heuristic keeps the estimate conservative instead of zero.
func EstimateFromPrompt(body []byte) *EstimateContext {
	est := &EstimateContext{
		InputTokens:     DefaultEstimateInputTokens,
		MaxOutputTokens: DefaultMaxOutputTokens,
	}
	if len(body) == 0 {
		return est
	}

	var req promptBody
	if err := json.Unmarshal(body, &req); err != nil {
		est.InputTokens = int64(len(body) / 4)
		if est.InputTokens < 1 {
			est.InputTokens = 1
		}
		return est
	}

	text := req.Prompt
	for _, m := range req.Messages {
		// Content is either a plain string or a multi-part array; count
		// the raw JSON for parts, which over-counts slightly and stays
		// pessimistic.
		var s string
		if err := json.Unmarshal(m.Content, &s); err == nil {
			text += s
		} else {
			text += string(m.Content)
		}
	}
	if text != "" {
		est.InputTokens = countTokens(text)
	}
	if req.MaxTokens > 0 {
		est.MaxOutputTokens = req.MaxTokens
	}
	return est
}

func countTokens(text string) int64 {
	codecOnce.Do(func() {
		c, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err == nil {
			codec = c
		}
	})
	if codec == nil {
		n := int64(len(text) / 4)
		if n < 1 {
			n = 1
		}
		return n
	}
	ids, _, err := codec.Encode(text)
	if err != nil || len(ids) == 0 {
		return 1
	}
	return int64(len(ids))
}
