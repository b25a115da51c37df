package upstream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"

	"github.com/mintgate/mintgate"
)

// usageEnvelope matches the usage object chat-completion APIs report.
type usageEnvelope struct {
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// ParseUsage extracts token usage from an upstream response body. Plain
// JSON bodies carry a top-level usage object; SSE streams carry it in the
// last data chunk that has one (reconciliation therefore only happens once
// the stream has completed). Returns false when the body reports no usage.
func ParseUsage(body []byte) (mintgate.TokenUsage, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return mintgate.TokenUsage{}, false
	}
	var env usageEnvelope
	if err := json.Unmarshal(trimmed, &env); err == nil {
		if env.Usage == nil {
			return mintgate.TokenUsage{}, false
		}
		return mintgate.TokenUsage{
			PromptTokens:     env.Usage.PromptTokens,
			CompletionTokens: env.Usage.CompletionTokens,
		}, true
	}

	// Not a JSON document. SSE streams may open with comment, id, retry or
	// event lines before the first data chunk, so scan the whole body for
	// data lines rather than keying off the first byte.
	return parseStreamUsage(trimmed)
}

func parseStreamUsage(body []byte) (mintgate.TokenUsage, bool) {
	var usage mintgate.TokenUsage
	found := false

	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}
		var env usageEnvelope
		if err := json.Unmarshal([]byte(payload), &env); err != nil || env.Usage == nil {
			continue
		}
		usage = mintgate.TokenUsage{
			PromptTokens:     env.Usage.PromptTokens,
			CompletionTokens: env.Usage.CompletionTokens,
		}
		found = true
	}
	return usage, found
}
