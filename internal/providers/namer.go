package providers

import (
	"context"
	"strings"
	"time"

	"relay-api/internal/gateway"
	"relay-api/internal/shared"

	"go.uber.org/zap"
)

// TitleStore persists a derived conversation title.
type TitleStore interface {
	SetTitle(ctx context.Context, conversationID, title string) error
}

// Namer derives a short conversation title from the first prompt of a
// conversation and pushes it to the client. Strictly best effort: it runs in
// its own goroutine with its own deadline, and no failure here may reach the
// exchange that spawned it.
type Namer struct {
	openai *OpenAI
	push   gateway.Pusher
	titles TitleStore
	log    *zap.SugaredLogger
}

func NewNamer(openai *OpenAI, push gateway.Pusher, titles TitleStore, log *zap.SugaredLogger) *Namer {
	return &Namer{openai: openai, push: push, titles: titles, log: log}
}

// NameConversation blocks until the title is derived, stored, and pushed.
// Callers run it with `go`.
func (n *Namer) NameConversation(connectionID, conversationID, message string) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Errorw("Namer panic", "conversation_id", conversationID, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	title, err := n.openai.Complete(ctx, shared.TitleModel, []shared.ChatMessage{
		{Role: "system", Content: shared.TitlePrompt},
		{Role: "user", Content: message},
	}, shared.TitleMaxTokens)
	if err != nil {
		n.log.Warnw("Failed naming conversation", "conversation_id", conversationID, "error", err)
		return
	}
	title = strings.Trim(strings.TrimSpace(title), `"`)
	if title == "" {
		return
	}

	if err := n.titles.SetTitle(ctx, conversationID, title); err != nil {
		n.log.Warnw("Failed persisting conversation title", "conversation_id", conversationID, "error", err)
	}
	if err := n.push.Push(ctx, connectionID, gateway.TitleMessage{Title: title}); err != nil {
		n.log.Debugw("Failed pushing conversation title", "conversation_id", conversationID, "error", err)
	}
}
