package gateway

// Client-bound message shapes. One JSON object per push; a client sees any
// number of Text frames, at most one Citations frame, exactly one terminal
// frame, and possibly one conversation-scoped Title frame.

type TextMessage struct {
	Text string `json:"text"`
}

type CitationsMessage struct {
	Citations []string `json:"citations"`
}

type DoneMessage struct {
	Done bool `json:"done"`
}

type CanceledMessage struct {
	Canceled bool `json:"canceled"`
}

type TimeoutMessage struct {
	Timeout bool `json:"timeout"`
}

type TitleMessage struct {
	Title string `json:"title"`
}
