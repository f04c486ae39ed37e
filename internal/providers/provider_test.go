package providers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"relay-api/internal/shared"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out draining event channel")
		}
	}
}

func TestOpenAIStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n"))
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n"))
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":9,\"completion_tokens\":2,\"total_tokens\":11}}\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	p := NewOpenAI("test-key", testLog())
	p.BaseURL = srv.URL

	ch, err := p.OpenStream(context.Background(), "gpt-4o", []shared.ChatMessage{{Role: "user", Content: "hi"}})
	require.NoError(t, err)

	events := drain(t, ch)
	require.Len(t, events, 3)
	assert.Equal(t, "Hel", events[0].Delta)
	assert.Equal(t, "lo", events[1].Delta)
	assert.Equal(t, "stop", events[2].FinishReason)
	require.NotNil(t, events[2].Usage)
	assert.Equal(t, uint64(9), events[2].Usage.PromptTokens)
	assert.Equal(t, uint64(2), events[2].Usage.CompletionTokens)
}

func TestOpenAIStreamUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewOpenAI("test-key", testLog())
	p.BaseURL = srv.URL

	_, err := p.OpenStream(context.Background(), "gpt-4o", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrProviderUnavailable))
}

func TestOpenAIStreamConnectionRefused(t *testing.T) {
	p := NewOpenAI("test-key", testLog())
	p.BaseURL = "http://127.0.0.1:1"

	_, err := p.OpenStream(context.Background(), "gpt-4o", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrProviderUnavailable))
}

func TestOpenAIComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"Trip Planning For Japan"}}]}`))
	}))
	defer srv.Close()

	p := NewOpenAI("test-key", testLog())
	p.BaseURL = srv.URL

	out, err := p.Complete(context.Background(), "gpt-4o-mini", []shared.ChatMessage{{Role: "user", Content: "hi"}}, 24)
	require.NoError(t, err)
	assert.Equal(t, "Trip Planning For Japan", out)
}

func TestPerplexityStreamReassemblesFrames(t *testing.T) {
	// The body is written in fragments that do not line up with event
	// boundaries; the adapter's frame parser must stitch them back.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		parts := []string{
			"data: {\"choices\":[{\"delta\":{\"con",
			"tent\":\"Hi\"}}]}\ndata: {\"citations\":[\"https://x.example\"],\"choices\":[{\"delta\"",
			":{\"content\":\" there\"}}]}\n",
			"data: {\"citations\":[\"https://x.example\"],\"choices\":[{\"delta\":{\"content\":\"!\"},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":3,\"total_tokens\":8,\"num_search_queries\":1}}\n",
		}
		for _, part := range parts {
			_, _ = w.Write([]byte(part))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	p := NewPerplexity("test-key", testLog())
	p.BaseURL = srv.URL

	ch, err := p.OpenStream(context.Background(), "sonar", []shared.ChatMessage{{Role: "user", Content: "hi"}})
	require.NoError(t, err)

	events := drain(t, ch)
	require.Len(t, events, 3)
	assert.Equal(t, "Hi", events[0].Delta)
	assert.Equal(t, " there", events[1].Delta)
	assert.Equal(t, "!", events[2].Delta)

	// Citations surface exactly once even though the provider repeats them.
	assert.Equal(t, []string{"https://x.example"}, events[1].Citations)
	assert.Nil(t, events[2].Citations)

	require.NotNil(t, events[2].Usage)
	assert.Equal(t, uint64(1), events[2].Usage.SearchQueries)
	assert.Equal(t, "stop", events[2].FinishReason)
}

func TestPerplexityStreamSkipsBadFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data: {broken\n"))
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"fine\"}}]}\n"))
	}))
	defer srv.Close()

	p := NewPerplexity("test-key", testLog())
	p.BaseURL = srv.URL

	ch, err := p.OpenStream(context.Background(), "sonar", nil)
	require.NoError(t, err)

	events := drain(t, ch)
	require.Len(t, events, 1)
	assert.Equal(t, "fine", events[0].Delta)
}
