// Package routers
package routers

import (
	"context"
	"errors"
	"net/http"

	"relay-api/internal/handlers/exchange"
	"relay-api/internal/providers"
	"relay-api/internal/sessions"
	"relay-api/internal/setup"
	"relay-api/internal/shared"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// Conversations is the slice of the transcript layer the router needs when
// a session starts a brand new conversation.
type Conversations interface {
	CreateConversation(ctx context.Context, conversationID, userID string) error
}

type ChatRouter struct {
	sessions      sessions.Store
	exchange      *exchange.Handler
	conversations Conversations
	namer         *providers.Namer
	openai        providers.Provider
	perplexity    providers.Provider
	log           *zap.SugaredLogger
}

type ChatRouterConfig struct {
	Sessions      sessions.Store
	Exchange      *exchange.Handler
	Conversations Conversations
	Namer         *providers.Namer
	OpenAI        providers.Provider
	Perplexity    providers.Provider
	Log           *zap.SugaredLogger
}

func RegisterChatRoutes(e *echo.Group, cfg ChatRouterConfig) error {
	if cfg.Sessions == nil || cfg.Exchange == nil || cfg.Conversations == nil {
		return errors.New("chat router missing required dependencies")
	}
	cr := &ChatRouter{
		sessions:      cfg.Sessions,
		exchange:      cfg.Exchange,
		conversations: cfg.Conversations,
		namer:         cfg.Namer,
		openai:        cfg.OpenAI,
		perplexity:    cfg.Perplexity,
		log:           cfg.Log,
	}

	v1 := e.Group("v1")
	v1.POST("/chat/messages", cr.Message)
	return nil
}

// Model families dispatched to each adapter. Anything else is an
// unsupported action.
var (
	openAIModels = map[string]bool{
		"gpt-4o":            true,
		"gpt-4o-mini":       true,
		"o1-mini":           true,
		"o3-mini":           true,
		"chatgpt-4o-latest": true,
		"gpt-4-turbo":       true,
		"gpt-4":             true,
		"gpt-3.5-turbo":     true,
	}
	perplexityModels = map[string]bool{
		"sonar":           true,
		"sonar-pro":       true,
		"sonar-reasoning": true,
	}
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type MessageResponse struct {
	Message        string  `json:"message"`
	ConversationID string  `json:"conversationId,omitempty"`
	MessageIndex   uint64  `json:"messageIndex,omitempty"`
	Cost           float64 `json:"cost,omitempty"`
	Outcome        string  `json:"outcome,omitempty"`
}

// Message handles one routed client frame: resolve the session, short-circuit
// cancels, pick the provider by model, and run the exchange to completion.
func (cr *ChatRouter) Message(cc echo.Context) error {
	c := cc.(*setup.Context)

	var req shared.InboundMessage
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid message format"})
	}
	if req.SessionID == "" || req.Action == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "missing sessionId or action"})
	}

	ctx := c.Request().Context()
	sess, err := cr.sessions.Get(ctx, req.SessionID)
	if err != nil {
		return respondError(c, err)
	}
	c.Log = c.Log.With("session_id", req.SessionID)

	// A cancel is a pure store write: the supervisor of the in-flight
	// exchange picks it up on its next poll. No provider is involved.
	if req.Action == "cancel" {
		if err := cr.sessions.SetCanceled(ctx, req.SessionID, true); err != nil {
			return respondError(c, err)
		}
		return c.JSON(http.StatusOK, MessageResponse{Message: "Processing canceled"})
	}

	if req.Message == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "missing message"})
	}

	prov, err := cr.resolveProvider(req.Action)
	if err != nil {
		return respondError(c, err)
	}

	conversationID, err := cr.resolveConversation(c, &req, sess)
	if err != nil {
		return respondError(c, err)
	}

	out, err := cr.exchange.DoExchange(ctx, exchange.Input{
		SessionID:      req.SessionID,
		ConnectionID:   sess.ConnectionID,
		ConversationID: conversationID,
		Model:          req.Action,
		Message:        req.Message,
		Provider:       prov,
	})
	if err != nil {
		c.Log.Errorw("Exchange failed", "conversation_id", conversationID, "error", err)
		return respondError(c, err)
	}
	if out.StreamErr != nil {
		c.Log.Warnw("Exchange finished with mid-stream error", "conversation_id", conversationID, "error", out.StreamErr)
	}

	return c.JSON(http.StatusOK, MessageResponse{
		Message:        "Response sent to client",
		ConversationID: conversationID,
		MessageIndex:   out.MessageIndex,
		Cost:           out.Cost,
		Outcome:        out.Outcome,
	})
}

func (cr *ChatRouter) resolveProvider(model string) (providers.Provider, error) {
	switch {
	case openAIModels[model]:
		return cr.openai, nil
	case perplexityModels[model]:
		return cr.perplexity, nil
	default:
		return nil, shared.ErrUnsupportedAction
	}
}

// resolveConversation picks the conversation this exchange belongs to. A
// session with no conversation yet gets a fresh one, and the namer runs in
// the background on its first prompt.
func (cr *ChatRouter) resolveConversation(c *setup.Context, req *shared.InboundMessage, sess *sessions.Session) (string, error) {
	ctx := c.Request().Context()

	if req.ConversationID != "" {
		return req.ConversationID, nil
	}
	if sess.ConversationID != "" {
		return sess.ConversationID, nil
	}

	conversationID := sessions.NewConversationID()
	if err := cr.conversations.CreateConversation(ctx, conversationID, sess.UserID); err != nil {
		return "", errors.Join(shared.ErrInternalServerError, err)
	}
	if err := cr.sessions.BindConversation(ctx, req.SessionID, conversationID); err != nil {
		c.Log.Warnw("Failed binding conversation to session", "conversation_id", conversationID, "error", err)
	}
	if cr.namer != nil {
		go cr.namer.NameConversation(sess.ConnectionID, conversationID, req.Message)
	}
	c.Log.Infow("Started conversation", "conversation_id", conversationID)
	return conversationID, nil
}

func respondError(c *setup.Context, err error) error {
	var rerr *shared.RequestError
	if errors.As(err, &rerr) {
		return c.JSON(rerr.StatusCode, ErrorResponse{Error: rerr.Err.Error()})
	}
	return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
}
