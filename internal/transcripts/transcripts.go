// Package transcripts defines the insertions and queries for the durable
// conversation record. One exchange writes exactly one immutable message row
// keyed (conversation_id, message_index).
package transcripts

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"relay-api/internal/shared"

	"go.uber.org/zap"
)

// Exchange is one prompt/response round-trip as persisted.
type Exchange struct {
	ConversationID string
	MessageIndex   uint64
	Query          string
	Response       string
	Model          string
	Cost           float64
	Citations      []string
}

type Store struct {
	wdb *sql.DB
	rdb *sql.DB
	log *zap.SugaredLogger
}

// NewStore takes separate write and read-replica pools, matching the rest of
// the deployment.
func NewStore(wdb, rdb *sql.DB, log *zap.SugaredLogger) *Store {
	return &Store{wdb: wdb, rdb: rdb, log: log}
}

func (s *Store) CreateConversation(ctx context.Context, conversationID, userID string) error {
	now := time.Now()
	_, err := s.wdb.ExecContext(ctx, `
		INSERT INTO conversation (id, user_id, created_at, last_active_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		conversationID, userID, now, now, now.Add(shared.ConversationTTL),
	)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

// Touch refreshes a conversation's activity clock and pushes its expiry out.
func (s *Store) Touch(ctx context.Context, conversationID string) error {
	now := time.Now()
	_, err := s.wdb.ExecContext(ctx, `
		UPDATE conversation SET last_active_at = ?, expires_at = ? WHERE id = ?`,
		now, now.Add(shared.ConversationTTL), conversationID,
	)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return nil
}

func (s *Store) SetTitle(ctx context.Context, conversationID, title string) error {
	_, err := s.wdb.ExecContext(ctx,
		`UPDATE conversation SET title = ? WHERE id = ?`, title, conversationID)
	if err != nil {
		return fmt.Errorf("failed to set conversation title: %w", err)
	}
	return nil
}

// NextMessageIndex reads the highest existing index and adds one, or starts
// at zero. This is a read-then-write with no cross-request locking; two
// concurrent exchanges on one conversation can race it, which the primary
// key turns into an insert error rather than a silent overwrite.
func (s *Store) NextMessageIndex(ctx context.Context, conversationID string) (uint64, error) {
	var latest uint64
	err := s.rdb.QueryRowContext(ctx, `
		SELECT message_index FROM message
		WHERE conversation_id = ?
		ORDER BY message_index DESC
		LIMIT 1`, conversationID,
	).Scan(&latest)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read latest message index: %w", err)
	}
	return latest + 1, nil
}

func (s *Store) SaveExchange(ctx context.Context, rec Exchange) error {
	var citations any
	if len(rec.Citations) > 0 {
		raw, err := json.Marshal(rec.Citations)
		if err != nil {
			return fmt.Errorf("failed to marshal citations: %w", err)
		}
		citations = string(raw)
	}

	_, err := s.wdb.ExecContext(ctx, `
		INSERT INTO message (
			conversation_id, message_index, query, response,
			model, cost, citations, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ConversationID, rec.MessageIndex, rec.Query, rec.Response,
		rec.Model, rec.Cost, citations, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save exchange: %w", err)
	}
	return nil
}

// RecentMessages rebuilds the provider-facing chat history: the most recent
// exchanges in chronological order, each expanded to its user and assistant
// halves.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, limit int) ([]shared.ChatMessage, error) {
	rows, err := s.rdb.QueryContext(ctx, `
		SELECT query, response FROM message
		WHERE conversation_id = ?
		ORDER BY message_index DESC
		LIMIT ?`, conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent messages: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	type pair struct {
		query    string
		response string
	}
	var recent []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.query, &p.response); err != nil {
			s.log.Warnw("Failed to scan message row", "conversation_id", conversationID, "error", err)
			continue
		}
		recent = append(recent, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over recent messages: %w", err)
	}

	messages := make([]shared.ChatMessage, 0, len(recent)*2)
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].query != "" {
			messages = append(messages, shared.ChatMessage{Role: "user", Content: recent[i].query})
		}
		if recent[i].response != "" {
			messages = append(messages, shared.ChatMessage{Role: "assistant", Content: recent[i].response})
		}
	}
	return messages, nil
}
