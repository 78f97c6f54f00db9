package context

import (
	"fmt"
	"log/slog"

	"github.com/pkoukk/tiktoken-go"
)

// charsPerToken approximates token counts when no tokenizer is available.
const charsPerToken = 4

// headShare is the fraction of the budget kept from the start of the text;
// the rest comes from the end, where command errors usually are.
const headShare = 0.25

// Engine keeps action output within a token budget before it is handed back
// to the agent as a tool result.
type Engine struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
}

// New creates an engine with the specified token budget. model selects the
// tokenizer (e.g. "gpt-4"). If no tokenizer can be loaded the engine falls
// back to a character estimate.
func New(model string, maxTokens int) *Engine {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("tokenizer unavailable, estimating token counts", "model", model, "error", err)
			enc = nil
		}
	}
	return &Engine{tokenizer: enc, maxTokens: maxTokens}
}

// MaxTokens returns the configured budget.
func (e *Engine) MaxTokens() int {
	return e.maxTokens
}

// CountTokens returns the token count for a string.
func (e *Engine) CountTokens(text string) int {
	if e.tokenizer == nil {
		return (len(text) + charsPerToken - 1) / charsPerToken
	}
	return len(e.tokenizer.Encode(text, nil, nil))
}

// Truncate returns text unchanged if it fits the budget. Otherwise it keeps
// the head and the tail and marks how much was dropped.
func (e *Engine) Truncate(text string) string {
	if e == nil || e.maxTokens <= 0 {
		return text
	}
	headBudget := int(float64(e.maxTokens) * headShare)
	tailBudget := e.maxTokens - headBudget

	if e.tokenizer == nil {
		maxChars := e.maxTokens * charsPerToken
		if len(text) <= maxChars {
			return text
		}
		head := text[:headBudget*charsPerToken]
		tail := text[len(text)-tailBudget*charsPerToken:]
		dropped := (len(text) - len(head) - len(tail)) / charsPerToken
		return head + marker(dropped) + tail
	}

	tokens := e.tokenizer.Encode(text, nil, nil)
	if len(tokens) <= e.maxTokens {
		return text
	}
	head := e.tokenizer.Decode(tokens[:headBudget])
	tail := e.tokenizer.Decode(tokens[len(tokens)-tailBudget:])
	return head + marker(len(tokens)-headBudget-tailBudget) + tail
}

func marker(dropped int) string {
	return fmt.Sprintf("\n[... %d tokens truncated ...]\n", dropped)
}
