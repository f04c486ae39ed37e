package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"relay-api/internal/shared"

	"go.uber.org/zap"
)

const perplexityBaseURL = "https://api.perplexity.ai/chat/completions"

// Perplexity is the raw-stream provider: the response body is an
// undifferentiated byte stream whose event boundaries we have to recover
// ourselves, so every chunk read off the wire goes through the FrameParser.
type Perplexity struct {
	BaseURL string
	apiKey  string
	http    *http.Client
	log     *zap.SugaredLogger
}

func NewPerplexity(apiKey string, log *zap.SugaredLogger) *Perplexity {
	return &Perplexity{
		BaseURL: perplexityBaseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: shared.DefaultHTTPTimeout},
		log:     log,
	}
}

func (p *Perplexity) Name() string { return "perplexity" }

func (p *Perplexity) OpenStream(ctx context.Context, model string, messages []shared.ChatMessage) (<-chan Event, error) {
	raw, err := json.Marshal(completionRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, errors.Join(shared.ErrInternalServerError, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL, bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Join(shared.ErrInternalServerError, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	res, err := p.http.Do(req)
	if err != nil {
		return nil, errors.Join(shared.ErrProviderUnavailable, err)
	}
	if res.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		_ = res.Body.Close()
		return nil, errors.Join(shared.ErrProviderUnavailable,
			fmt.Errorf("provider returned status %d: %s", res.StatusCode, string(detail)))
	}

	ch := make(chan Event, 16)
	go func() {
		defer close(ch)
		defer func() {
			_ = res.Body.Close()
		}()

		parser := NewFrameParser(p.Name(), p.log)
		sentCitations := false
		buf := make([]byte, 4096)
		for {
			n, err := res.Body.Read(buf)
			if n > 0 {
				for _, chunk := range parser.Feed(buf[:n]) {
					if !p.emitChunk(ctx, ch, chunk, &sentCitations) {
						return
					}
				}
			}
			if err == io.EOF {
				for _, chunk := range parser.Flush() {
					if !p.emitChunk(ctx, ch, chunk, &sentCitations) {
						return
					}
				}
				return
			}
			if err != nil {
				if ctx.Err() == nil {
					emit(ctx, ch, Event{Err: errors.Join(shared.ErrProviderUnavailable, err)})
				}
				return
			}
		}
	}()

	return ch, nil
}

// emitChunk forwards one parsed chunk, surfacing the citation list at most
// once per stream even though the provider repeats it on every event.
func (p *Perplexity) emitChunk(ctx context.Context, ch chan<- Event, chunk streamChunk, sentCitations *bool) bool {
	ev := chunk.event()
	if len(ev.Citations) > 0 {
		if *sentCitations {
			ev.Citations = nil
		} else {
			*sentCitations = true
		}
	}
	return emit(ctx, ch, ev)
}
