package providers

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"context"

	"relay-api/internal/metrics"
	"relay-api/internal/shared"

	"go.uber.org/zap"
)

const openAIBaseURL = "https://api.openai.com/v1/chat/completions"

// OpenAI is the structured-stream provider: its responses arrive as
// well-framed "data:" lines, one complete JSON event per line, so a plain
// line scanner is enough to decode them.
type OpenAI struct {
	BaseURL string
	apiKey  string
	http    *http.Client
	log     *zap.SugaredLogger
}

// NewOpenAI holds the API key for the life of the process. The key is
// resolved once at startup and owned by this instance, never by package
// state.
func NewOpenAI(apiKey string, log *zap.SugaredLogger) *OpenAI {
	return &OpenAI{
		BaseURL: openAIBaseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: shared.DefaultHTTPTimeout},
		log:     log,
	}
}

func (p *OpenAI) Name() string { return "openai" }

type completionRequest struct {
	Model         string               `json:"model"`
	Messages      []shared.ChatMessage `json:"messages"`
	Stream        bool                 `json:"stream"`
	StreamOptions *streamOptions       `json:"stream_options,omitempty"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

func (p *OpenAI) OpenStream(ctx context.Context, model string, messages []shared.ChatMessage) (<-chan Event, error) {
	res, err := p.post(ctx, completionRequest{
		Model:         model,
		Messages:      messages,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, err
	}

	ch := make(chan Event, 16)
	go func() {
		defer close(ch)
		defer func() {
			_ = res.Body.Close()
		}()

		reader := bufio.NewScanner(res.Body)
		reader.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for reader.Scan() {
			token := reader.Text()
			if token == "" {
				continue
			}

			jsonData, found := strings.CutPrefix(token, "data:")
			if !found {
				continue
			}
			jsonData = strings.TrimSpace(jsonData)
			if jsonData == "[DONE]" {
				return
			}

			var chunk streamChunk
			if err := json.Unmarshal([]byte(jsonData), &chunk); err != nil {
				metrics.MalformedFrames.WithLabelValues(p.Name()).Inc()
				p.log.Debugw("Dropping malformed stream frame", "provider", p.Name(), "error", err)
				continue
			}
			if !emit(ctx, ch, chunk.event()) {
				return
			}
		}

		if err := reader.Err(); err != nil && ctx.Err() == nil {
			emit(ctx, ch, Event{Err: errors.Join(shared.ErrProviderUnavailable, err)})
		}
	}()

	return ch, nil
}

// Complete runs a single non-streaming completion. Used by the conversation
// namer, never on the exchange path.
func (p *OpenAI) Complete(ctx context.Context, model string, messages []shared.ChatMessage, maxTokens int) (string, error) {
	res, err := p.post(ctx, completionRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", err
	}
	defer func() {
		_ = res.Body.Close()
	}()

	var payload struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return "", errors.Join(shared.ErrProviderUnavailable, err)
	}
	if len(payload.Choices) == 0 {
		return "", errors.Join(shared.ErrProviderUnavailable, errors.New("empty completion response"))
	}
	return payload.Choices[0].Message.Content, nil
}

func (p *OpenAI) post(ctx context.Context, body completionRequest) (*http.Response, error) {
	raw, err := json.Marshal(body)
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
	return res, nil
}
