package pricing

import (
	"github.com/pkoukk/tiktoken-go"

	"relay-api/internal/shared"
)

// Tokenizer counts tokens the way the billed model's encoder would.
type Tokenizer interface {
	CountTokens(text, model string) uint64
}

// TiktokenCounter backs the estimator with the BPE encodings the upstream
// providers bill against. Models without a published encoding fall back to
// the gpt-4o encoding, which is close enough for an estimate.
type TiktokenCounter struct{}

func (TiktokenCounter) CountTokens(text, model string) uint64 {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.EncodingForModel("gpt-4o")
		if err != nil {
			// Last resort: a rough bytes-per-token heuristic so billing still
			// produces a number rather than failing the exchange.
			return uint64(len(text)/4 + 1)
		}
	}
	return uint64(len(enc.Encode(text, nil, nil)))
}

// Estimator produces token counts for exchanges where the provider's usage
// event never arrived (stream cut short, canceled, timed out).
type Estimator struct {
	counter Tokenizer
}

func NewEstimator(counter Tokenizer) *Estimator {
	return &Estimator{counter: counter}
}

// MessageTokens estimates the prompt side: a fixed 2-token preamble plus,
// per message, 4 framing tokens and the encoded role and content.
func (e *Estimator) MessageTokens(messages []shared.ChatMessage, model string) uint64 {
	count := uint64(2)
	for _, msg := range messages {
		count += 4
		count += e.counter.CountTokens(msg.Role, model)
		count += e.counter.CountTokens(msg.Content, model)
	}
	return count
}

// TextTokens estimates the completion side from the accumulated response
// text.
func (e *Estimator) TextTokens(text, model string) uint64 {
	return e.counter.CountTokens(text, model) + 1
}
