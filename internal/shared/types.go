package shared

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is the authoritative token accounting for one exchange, as reported
// by the provider in its final stream event. SearchQueries is only populated
// by search-augmented providers.
type Usage struct {
	PromptTokens     uint64 `json:"prompt_tokens"`
	CompletionTokens uint64 `json:"completion_tokens"`
	TotalTokens      uint64 `json:"total_tokens"`
	SearchQueries    uint64 `json:"num_search_queries,omitempty"`
}

// InboundMessage is the payload the connection gateway routes to us for every
// client frame. Action is either "cancel" or a model identifier.
type InboundMessage struct {
	SessionID      string `json:"sessionId"`
	Action         string `json:"action"`
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
}
