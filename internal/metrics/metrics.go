// Package metrics defines prometheus metrics to expose
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExchangeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_api_exchange_duration_seconds",
			Help:    "Total time taken for one exchange in seconds",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 15, 20, 25, 30, 40, 50, 60, 90, 120},
		},
		[]string{"model"},
	)

	TimeToFirstFragment = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_api_time_to_first_fragment_seconds",
			Help:    "Time to first relayed text fragment in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 45, 60},
		},
		[]string{"model"},
	)

	PromptTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_api_prompt_tokens_total",
			Help: "Total number of prompt tokens billed",
		},
		[]string{"model"},
	)

	CompletionTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_api_completion_tokens_total",
			Help: "Total number of completion tokens billed",
		},
		[]string{"model"},
	)

	ExchangeCost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_api_exchange_cost_dollars_total",
			Help: "Total billed cost in dollars",
		},
		[]string{"model"},
	)

	ExchangeCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_api_exchange_count_total",
			Help: "Exchanges by terminal outcome",
		},
		[]string{"model", "outcome"},
	)

	EstimatedUsage = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_api_estimated_usage_total",
			Help: "Exchanges billed from tokenizer estimates instead of provider usage",
		},
		[]string{"model"},
	)

	MalformedFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_api_malformed_frames_total",
			Help: "Provider stream frames dropped as unparseable",
		},
		[]string{"provider"},
	)

	PushErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_api_push_errors_total",
			Help: "Failed pushes to the connection gateway",
		},
		[]string{"kind"},
	)

	ResponseCodes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_api_status_code",
			Help: "Status Codes",
		},
		[]string{"path", "status_code"},
	)
)
