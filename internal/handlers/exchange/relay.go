package exchange

import (
	"context"
	"errors"
	"strings"
	"time"

	"relay-api/internal/gateway"
	"relay-api/internal/metrics"
	"relay-api/internal/providers"
	"relay-api/internal/shared"

	"go.uber.org/zap"
)

// RelayResult is everything finalization needs once the client-visible part
// of the exchange is over.
type RelayResult struct {
	Text             string
	Usage            *shared.Usage
	Citations        []string
	Canceled         bool
	TimedOut         bool
	Finished         bool
	StreamErr        error
	TimeToFirstDelta time.Duration
}

type relay struct {
	push         gateway.Pusher
	connectionID string
	flags        *StatusFlags
	window       time.Duration
	log          *zap.SugaredLogger

	disconnected bool
}

func newRelay(push gateway.Pusher, connectionID string, flags *StatusFlags, window time.Duration, log *zap.SugaredLogger) *relay {
	return &relay{
		push:         push,
		connectionID: connectionID,
		flags:        flags,
		window:       window,
		log:          log,
	}
}

// Run consumes the provider's event sequence under supervision, forwarding
// text fragments to the client in arrival order and sending at most one
// terminal signal: canceled beats timeout, and done only goes out when the
// stream ended cleanly with neither flag up.
func (r *relay) Run(ctx context.Context, events <-chan providers.Event) RelayResult {
	var res RelayResult
	var full strings.Builder
	var pending strings.Builder
	start := time.Now()

	// Micro-batching: a fragment may wait at most r.window before it is
	// flushed. The timer only runs while something is pending.
	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	flushPending := func() {
		if pending.Len() == 0 {
			return
		}
		r.send(ctx, gateway.TextMessage{Text: pending.String()})
		pending.Reset()
	}

loop:
	for {
		select {
		case <-r.flags.Fired():
			if r.flags.Canceled() {
				res.Canceled = true
			} else {
				res.TimedOut = true
			}
			break loop

		case <-timerC:
			flushPending()
			timer = nil
			timerC = nil

		case ev, ok := <-events:
			if !ok {
				break loop
			}
			// Checked again here: Fired may race with an already-buffered
			// event, and cancellation has precedence over timeout.
			if r.flags.Canceled() {
				res.Canceled = true
				break loop
			}
			if r.flags.TimedOut() {
				res.TimedOut = true
				break loop
			}
			if ev.Err != nil {
				res.StreamErr = ev.Err
				break loop
			}

			if ev.Usage != nil {
				res.Usage = ev.Usage
			}
			if len(ev.Citations) > 0 && res.Citations == nil {
				res.Citations = ev.Citations
				// Citations always go out ahead of buffered text.
				r.send(ctx, gateway.CitationsMessage{Citations: ev.Citations})
			}
			if ev.Delta != "" {
				if full.Len() == 0 {
					res.TimeToFirstDelta = time.Since(start)
				}
				full.WriteString(ev.Delta)
				if r.window <= 0 {
					r.send(ctx, gateway.TextMessage{Text: ev.Delta})
				} else {
					pending.WriteString(ev.Delta)
					if timer == nil {
						timer = time.NewTimer(r.window)
						timerC = timer.C
					}
				}
			}
			if ev.FinishReason != "" {
				res.Finished = true
			}
		}
	}

	res.Text = full.String()

	// A flag raised in the same instant the stream closed still decides the
	// terminal signal, and cancellation keeps precedence over timeout.
	if res.StreamErr == nil && !res.Canceled && !res.TimedOut {
		if r.flags.Canceled() {
			res.Canceled = true
		} else if r.flags.TimedOut() {
			res.TimedOut = true
		}
	}

	switch {
	case res.Canceled:
		// Further text relay stops here; anything still pending is kept
		// only for the transcript.
		r.send(ctx, gateway.CanceledMessage{Canceled: true})
	case res.TimedOut:
		r.send(ctx, gateway.TimeoutMessage{Timeout: true})
	case res.StreamErr != nil:
		// Flush what the client can still use, but a broken stream gets no
		// done signal; the client detects the missing terminal.
		flushPending()
	default:
		flushPending()
		res.Finished = true
		r.send(ctx, gateway.DoneMessage{Done: true})
	}

	return res
}

// send pushes one message, downgrading a vanished client to a no-op for the
// rest of the exchange.
func (r *relay) send(ctx context.Context, v any) {
	if r.disconnected {
		return
	}
	err := r.push.Push(ctx, r.connectionID, v)
	if err == nil {
		return
	}
	if errors.Is(err, gateway.ErrGone) {
		r.disconnected = true
		r.log.Infow("Client disconnected mid-exchange", "connection_id", r.connectionID)
		return
	}
	metrics.PushErrors.WithLabelValues("exchange").Inc()
	r.log.Warnw("Failed pushing to client", "connection_id", r.connectionID, "error", err)
}
