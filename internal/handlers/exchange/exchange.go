// Package exchange runs one prompt/response round-trip: it opens the
// provider stream, relays fragments to the client under cancellation and
// timeout supervision, then bills the exchange and writes its transcript
// row.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relay-api/internal/gateway"
	"relay-api/internal/metrics"
	"relay-api/internal/pricing"
	"relay-api/internal/providers"
	"relay-api/internal/sessions"
	"relay-api/internal/shared"
	"relay-api/internal/transcripts"

	"go.uber.org/zap"
)

// TranscriptStore is the slice of the transcript layer an exchange needs.
type TranscriptStore interface {
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]shared.ChatMessage, error)
	NextMessageIndex(ctx context.Context, conversationID string) (uint64, error)
	SaveExchange(ctx context.Context, rec transcripts.Exchange) error
	Touch(ctx context.Context, conversationID string) error
}

type Handler struct {
	Sessions    sessions.Store
	Transcripts TranscriptStore
	Push        gateway.Pusher
	Prices      pricing.Table
	Estimator   *pricing.Estimator
	Log         *zap.SugaredLogger

	// Zero values fall back to the shared defaults; tests shrink them.
	StreamTimeout time.Duration
	PollInterval  time.Duration
	BatchWindow   time.Duration
}

type Input struct {
	SessionID      string
	ConnectionID   string
	ConversationID string
	Model          string
	Message        string
	Provider       providers.Provider
}

type Output struct {
	Response     string
	MessageIndex uint64
	Cost         float64
	Usage        *shared.Usage
	Estimated    bool
	Outcome      string
	StreamErr    error
}

func (h *Handler) streamTimeout() time.Duration {
	if h.StreamTimeout > 0 {
		return h.StreamTimeout
	}
	return shared.DefaultStreamTimeout
}

func (h *Handler) pollInterval() time.Duration {
	if h.PollInterval > 0 {
		return h.PollInterval
	}
	return shared.CancelPollInterval
}

// DoExchange only returns an error when nothing was delivered to the client
// and no transcript row exists, so the router can still answer with a status
// code. Once streaming has begun, failures ride back inside the Output.
func (h *Handler) DoExchange(ctx context.Context, in Input) (*Output, error) {
	start := time.Now()

	history, err := h.Transcripts.RecentMessages(ctx, in.ConversationID, shared.HistoryWindow)
	if err != nil {
		// Context is nice to have, the new prompt is not.
		h.Log.Warnw("Failed loading conversation history", "conversation_id", in.ConversationID, "error", err)
		history = nil
	}
	messages := append(history, shared.ChatMessage{Role: "user", Content: in.Message})

	sup := StartSupervisor(h.Sessions, in.SessionID, h.streamTimeout(), h.pollInterval(), h.Log)
	defer sup.Stop()

	// The stream context outlives nothing: once the relay is done the
	// underlying provider connection is torn down with it.
	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	events, err := in.Provider.OpenStream(streamCtx, in.Model, messages)
	if err != nil {
		metrics.ExchangeCount.WithLabelValues(in.Model, "error").Inc()
		return nil, err
	}

	res := newRelay(h.Push, in.ConnectionID, sup.Flags, h.BatchWindow, h.Log).Run(streamCtx, events)
	sup.Stop()
	cancelStream()

	if res.Canceled {
		h.clearCanceled(in.SessionID)
	}

	out, err := h.finalize(ctx, in, messages, res)
	if err != nil {
		metrics.ExchangeCount.WithLabelValues(in.Model, "error").Inc()
		return nil, err
	}

	h.observe(in.Model, out, res, time.Since(start))
	return out, nil
}

// finalize computes the billed cost (authoritative usage when the provider
// sent it, tokenizer estimate otherwise) and writes the one transcript row
// for this exchange.
func (h *Handler) finalize(ctx context.Context, in Input, messages []shared.ChatMessage, res RelayResult) (*Output, error) {
	out := &Output{
		Response:  res.Text,
		Usage:     res.Usage,
		StreamErr: res.StreamErr,
		Outcome:   outcome(res),
	}

	usage := res.Usage
	if usage == nil {
		usage = &shared.Usage{
			PromptTokens:     h.Estimator.MessageTokens(messages, in.Model),
			CompletionTokens: h.Estimator.TextTokens(res.Text, in.Model),
		}
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		out.Estimated = true
		metrics.EstimatedUsage.WithLabelValues(in.Model).Inc()
	}

	cost, err := h.Prices.CostFromUsage(usage, in.Model)
	if err != nil {
		return nil, err
	}
	out.Cost = cost

	index, err := h.Transcripts.NextMessageIndex(ctx, in.ConversationID)
	if err != nil {
		return nil, errors.Join(shared.ErrInternalServerError, err)
	}
	out.MessageIndex = index

	rec := transcripts.Exchange{
		ConversationID: in.ConversationID,
		MessageIndex:   index,
		Query:          in.Message,
		Response:       res.Text,
		Model:          in.Model,
		Cost:           cost,
		Citations:      res.Citations,
	}
	if err := h.Transcripts.SaveExchange(ctx, rec); err != nil {
		return nil, errors.Join(shared.ErrInternalServerError, err)
	}
	if err := h.Transcripts.Touch(ctx, in.ConversationID); err != nil {
		h.Log.Warnw("Failed touching conversation", "conversation_id", in.ConversationID, "error", err)
	}

	return out, nil
}

// clearCanceled removes the flag so the session's next exchange starts
// clean. The canceled signal has already been sent by then.
func (h *Handler) clearCanceled(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Sessions.SetCanceled(ctx, sessionID, false); err != nil {
		h.Log.Warnw("Failed clearing canceled flag", "session_id", sessionID, "error", err)
	}
}

func (h *Handler) observe(model string, out *Output, res RelayResult, total time.Duration) {
	metrics.ExchangeDuration.WithLabelValues(model).Observe(total.Seconds())
	if res.TimeToFirstDelta > 0 {
		metrics.TimeToFirstFragment.WithLabelValues(model).Observe(res.TimeToFirstDelta.Seconds())
	}
	metrics.ExchangeCount.WithLabelValues(model, out.Outcome).Inc()
	metrics.ExchangeCost.WithLabelValues(model).Add(out.Cost)
	if out.Usage != nil {
		metrics.PromptTokens.WithLabelValues(model).Add(float64(out.Usage.PromptTokens))
		metrics.CompletionTokens.WithLabelValues(model).Add(float64(out.Usage.CompletionTokens))
	}
}

func outcome(res RelayResult) string {
	switch {
	case res.Canceled:
		return "canceled"
	case res.TimedOut:
		return "timeout"
	case res.StreamErr != nil:
		return "stream_error"
	default:
		return "done"
	}
}

// Describe is used in request logs.
func (o *Output) Describe() string {
	return fmt.Sprintf("outcome=%s index=%d cost=%.8f estimated=%t", o.Outcome, o.MessageIndex, o.Cost, o.Estimated)
}
