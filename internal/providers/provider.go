// Package providers adapts upstream text-generation services behind one
// streaming interface. One provider family yields events the adapter can
// frame line-by-line; the other returns an undifferentiated byte stream that
// goes through the frame parser first.
package providers

import (
	"context"

	"relay-api/internal/shared"
)

// Event is one parsed provider stream event. A single event may carry any
// combination of an incremental text delta, final token usage, a citation
// list, and a finish reason. A mid-stream transport failure is delivered as
// the last event with Err set.
type Event struct {
	Delta        string
	Usage        *shared.Usage
	Citations    []string
	FinishReason string
	Err          error
}

// Provider opens a streaming completion. The returned channel is single-pass
// and forward-only; it is closed when the upstream stream ends. Failures
// before any event is produced are returned directly and wrap
// shared.ErrProviderUnavailable.
type Provider interface {
	Name() string
	OpenStream(ctx context.Context, model string, messages []shared.ChatMessage) (<-chan Event, error)
}

// streamChunk is the wire shape both provider families share for one stream
// event. Citations and num_search_queries only appear on search-augmented
// providers.
type streamChunk struct {
	Choices   []chunkChoice `json:"choices"`
	Usage     *chunkUsage   `json:"usage"`
	Citations []string      `json:"citations,omitempty"`
}

type chunkChoice struct {
	Delta        chunkDelta `json:"delta"`
	FinishReason string     `json:"finish_reason"`
}

type chunkDelta struct {
	Content string `json:"content"`
}

type chunkUsage struct {
	PromptTokens     uint64 `json:"prompt_tokens"`
	CompletionTokens uint64 `json:"completion_tokens"`
	TotalTokens      uint64 `json:"total_tokens"`
	NumSearchQueries uint64 `json:"num_search_queries"`
}

func (c streamChunk) event() Event {
	ev := Event{Citations: c.Citations}
	if len(c.Choices) > 0 {
		ev.Delta = c.Choices[0].Delta.Content
		ev.FinishReason = c.Choices[0].FinishReason
	}
	if c.Usage != nil {
		ev.Usage = &shared.Usage{
			PromptTokens:     c.Usage.PromptTokens,
			CompletionTokens: c.Usage.CompletionTokens,
			TotalTokens:      c.Usage.TotalTokens,
			SearchQueries:    c.Usage.NumSearchQueries,
		}
	}
	return ev
}

// emit delivers one event unless the stream context is already gone.
func emit(ctx context.Context, ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
