package shared

import "time"

// Streaming configuration
const (
	// DefaultStreamTimeout bounds a single exchange end to end. The
	// supervisor marks the exchange timed out; it does not tear the
	// provider connection down by itself.
	DefaultStreamTimeout = 60 * time.Second

	// CancelPollInterval is how often the supervisor re-reads the
	// session's canceled flag from the connection store. Staleness up
	// to one interval is accepted.
	CancelPollInterval = 1 * time.Second

	// MicroBatchWindow bounds how long a text fragment may sit in the
	// relay's coalescing buffer before it must be flushed to the client.
	MicroBatchWindow = 50 * time.Millisecond
)

// HTTP client configuration
const (
	DefaultHTTPTimeout     = 180 * time.Second
	DefaultShutdownTimeout = 10 * time.Minute
)

// Transcript configuration
const (
	// HistoryWindow is how many prior exchanges are replayed to the
	// provider as conversation context.
	HistoryWindow = 5

	// ConversationTTL is how long an idle conversation is retained.
	ConversationTTL = 30 * 24 * time.Hour
)

// Cost configuration
const (
	// CostDecimalPlaces fixes the rounding precision of a computed
	// exchange cost, in fractional dollars.
	CostDecimalPlaces = 8
)

// Conversation naming
const (
	TitleModel     = "gpt-4o-mini"
	TitlePrompt    = "Generate a title for a conversation based on the following message in 6 words or less."
	TitleMaxTokens = 24
)
