package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"relay-api/internal/gateway"
	"relay-api/internal/providers"
	"relay-api/internal/shared"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testLog() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// fakePusher records every client-bound message in send order.
type fakePusher struct {
	mu     sync.Mutex
	pushes []any
	err    error
}

func (f *fakePusher) Push(ctx context.Context, connectionID string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.pushes = append(f.pushes, v)
	return nil
}

func (f *fakePusher) all() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.pushes...)
}

func (f *fakePusher) texts() []string {
	var out []string
	for _, p := range f.all() {
		if txt, ok := p.(gateway.TextMessage); ok {
			out = append(out, txt.Text)
		}
	}
	return out
}

func (f *fakePusher) terminals() []any {
	var out []any
	for _, p := range f.all() {
		switch p.(type) {
		case gateway.DoneMessage, gateway.CanceledMessage, gateway.TimeoutMessage:
			out = append(out, p)
		}
	}
	return out
}

var sharedUsage = shared.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150}

func deltas(texts ...string) chan providers.Event {
	ch := make(chan providers.Event, len(texts)+1)
	for _, txt := range texts {
		ch <- providers.Event{Delta: txt}
	}
	return ch
}

func TestRelayPreservesOrder(t *testing.T) {
	for _, n := range []int{0, 1, 2, 17} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			var want []string
			for i := range n {
				want = append(want, fmt.Sprintf("frag-%d ", i))
			}
			ch := deltas(want...)
			close(ch)

			push := &fakePusher{}
			res := newRelay(push, "conn-1", NewStatusFlags(), 0, testLog()).Run(context.Background(), ch)

			assert.Equal(t, want, push.texts())
			assert.Equal(t, strings.Join(want, ""), res.Text)
			require.Equal(t, []any{gateway.DoneMessage{Done: true}}, push.terminals())
		})
	}
}

func TestRelayCanceledBeforeAnyEvent(t *testing.T) {
	ch := deltas("never", "relayed")
	close(ch)

	flags := NewStatusFlags()
	flags.MarkCanceled()

	push := &fakePusher{}
	res := newRelay(push, "conn-1", flags, 0, testLog()).Run(context.Background(), ch)

	assert.True(t, res.Canceled)
	assert.Empty(t, push.texts())
	require.Equal(t, []any{gateway.CanceledMessage{Canceled: true}}, push.terminals())
}

func TestRelayCanceledMidStream(t *testing.T) {
	ch := make(chan providers.Event, 8)
	flags := NewStatusFlags()
	push := &fakePusher{}

	ch <- providers.Event{Delta: "a"}
	ch <- providers.Event{Delta: "b"}

	done := make(chan RelayResult, 1)
	go func() {
		done <- newRelay(push, "conn-1", flags, 0, testLog()).Run(context.Background(), ch)
	}()

	require.Eventually(t, func() bool {
		return len(push.texts()) == 2
	}, time.Second, time.Millisecond)

	flags.MarkCanceled()
	ch <- providers.Event{Delta: "c"}
	close(ch)

	res := <-done
	assert.True(t, res.Canceled)
	assert.Equal(t, []string{"a", "b"}, push.texts(), "no text relayed after the flag is observed")
	require.Equal(t, []any{gateway.CanceledMessage{Canceled: true}}, push.terminals())
}

func TestRelayTimeoutOnStalledStream(t *testing.T) {
	ch := make(chan providers.Event)
	defer close(ch)

	flags := NewStatusFlags()
	push := &fakePusher{}

	go func() {
		time.Sleep(20 * time.Millisecond)
		flags.MarkTimedOut()
	}()

	res := newRelay(push, "conn-1", flags, 0, testLog()).Run(context.Background(), ch)

	assert.True(t, res.TimedOut)
	require.Equal(t, []any{gateway.TimeoutMessage{Timeout: true}}, push.terminals())
}

func TestRelayCancellationBeatsTimeout(t *testing.T) {
	ch := deltas()
	close(ch)

	flags := NewStatusFlags()
	flags.MarkTimedOut()
	flags.MarkCanceled()

	push := &fakePusher{}
	res := newRelay(push, "conn-1", flags, 0, testLog()).Run(context.Background(), ch)

	assert.True(t, res.Canceled)
	assert.False(t, res.TimedOut)
	require.Equal(t, []any{gateway.CanceledMessage{Canceled: true}}, push.terminals())
}

func TestRelayExactlyOneTerminalSignal(t *testing.T) {
	cases := map[string]func(flags *StatusFlags){
		"completion": func(flags *StatusFlags) {},
		"canceled":   func(flags *StatusFlags) { flags.MarkCanceled() },
		"timeout":    func(flags *StatusFlags) { flags.MarkTimedOut() },
		"both": func(flags *StatusFlags) {
			flags.MarkCanceled()
			flags.MarkTimedOut()
		},
	}
	for name, arm := range cases {
		t.Run(name, func(t *testing.T) {
			ch := deltas("x", "y", "z")
			close(ch)

			flags := NewStatusFlags()
			arm(flags)

			push := &fakePusher{}
			newRelay(push, "conn-1", flags, 0, testLog()).Run(context.Background(), ch)

			require.Len(t, push.terminals(), 1)
		})
	}
}

func TestRelayCitationsBeforeBufferedTextAndTerminal(t *testing.T) {
	ch := make(chan providers.Event, 8)
	ch <- providers.Event{Delta: "part one "}
	ch <- providers.Event{Citations: []string{"https://src.example"}}
	ch <- providers.Event{Delta: "part two", FinishReason: "stop"}
	close(ch)

	push := &fakePusher{}
	// A large batch window keeps all text buffered until the end.
	res := newRelay(push, "conn-1", NewStatusFlags(), time.Minute, testLog()).Run(context.Background(), ch)

	require.Equal(t, []any{
		gateway.CitationsMessage{Citations: []string{"https://src.example"}},
		gateway.TextMessage{Text: "part one part two"},
		gateway.DoneMessage{Done: true},
	}, push.all())
	assert.Equal(t, "part one part two", res.Text)
	assert.True(t, res.Finished)
}

func TestRelayMicroBatchFlushesWithinWindow(t *testing.T) {
	ch := make(chan providers.Event, 4)
	ch <- providers.Event{Delta: "a"}
	ch <- providers.Event{Delta: "b"}

	push := &fakePusher{}
	done := make(chan RelayResult, 1)
	go func() {
		done <- newRelay(push, "conn-1", NewStatusFlags(), 10*time.Millisecond, testLog()).Run(context.Background(), ch)
	}()

	// Both fragments should be coalesced and flushed by the window timer
	// even though the stream stays open.
	require.Eventually(t, func() bool {
		texts := push.texts()
		return len(texts) == 1 && texts[0] == "ab"
	}, time.Second, time.Millisecond)

	close(ch)
	res := <-done
	assert.Equal(t, "ab", res.Text)
	require.Equal(t, []any{gateway.DoneMessage{Done: true}}, push.terminals())
}

func TestRelayStreamErrorFlushesPartialWithoutTerminal(t *testing.T) {
	ch := make(chan providers.Event, 4)
	ch <- providers.Event{Delta: "partial "}
	ch <- providers.Event{Delta: "answer"}
	ch <- providers.Event{Err: errors.New("connection reset")}
	close(ch)

	push := &fakePusher{}
	res := newRelay(push, "conn-1", NewStatusFlags(), time.Minute, testLog()).Run(context.Background(), ch)

	require.Error(t, res.StreamErr)
	assert.Equal(t, "partial answer", res.Text)
	assert.Equal(t, []string{"partial answer"}, push.texts(), "partial content still flushed")
	assert.Empty(t, push.terminals(), "a broken stream sends no terminal signal")
}

func TestRelayGoneClientStopsPushes(t *testing.T) {
	ch := deltas("a", "b", "c")
	close(ch)

	push := &fakePusher{err: gateway.ErrGone}
	res := newRelay(push, "conn-1", NewStatusFlags(), 0, testLog()).Run(context.Background(), ch)

	// The stream is still consumed for the transcript even though the
	// client is gone.
	assert.Equal(t, "abc", res.Text)
	assert.Empty(t, push.all())
}

func TestRelayRecordsUsage(t *testing.T) {
	ch := make(chan providers.Event, 4)
	ch <- providers.Event{Delta: "hi"}
	ch <- providers.Event{Usage: &sharedUsage, FinishReason: "stop"}
	close(ch)

	push := &fakePusher{}
	res := newRelay(push, "conn-1", NewStatusFlags(), 0, testLog()).Run(context.Background(), ch)

	require.NotNil(t, res.Usage)
	assert.Equal(t, uint64(100), res.Usage.PromptTokens)
	assert.Equal(t, uint64(50), res.Usage.CompletionTokens)
}
