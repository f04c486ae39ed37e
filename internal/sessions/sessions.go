// Package sessions is the Redis-backed connection store. A session maps a
// client-supplied identifier to the live connection and the conversation it
// is currently driving. Records are created by the connection lifecycle on
// connect and expire with the connection; this service only reads them and
// flips the canceled flag.
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"relay-api/internal/shared"

	"github.com/aidarkhanov/nanoid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Session struct {
	ConnectionID   string `json:"connection_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id"`
	Canceled       bool   `json:"canceled,omitempty"`
}

// Store reads and mutates session records. The canceled flag is the single
// piece of state shared between the router (writer) and the cancellation
// supervisor (poller); no locking, staleness up to one poll interval is
// accepted.
type Store interface {
	Get(ctx context.Context, sessionID string) (*Session, error)
	SetCanceled(ctx context.Context, sessionID string, canceled bool) error
	BindConversation(ctx context.Context, sessionID, conversationID string) error
}

type RedisStore struct {
	redis *redis.Client
	log   *zap.SugaredLogger
}

func NewRedisStore(redisClient *redis.Client, log *zap.SugaredLogger) *RedisStore {
	return &RedisStore{redis: redisClient, log: log}
}

func sessionKey(sessionID string) string {
	return fmt.Sprintf("v1:session:%s", sessionID)
}

func (s *RedisStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	raw, err := s.redis.Get(ctx, sessionKey(sessionID)).Result()
	if err == redis.Nil {
		return nil, shared.ErrNoActiveConnection
	}
	if err != nil {
		return nil, errors.Join(shared.ErrInternalServerError, err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		s.log.Errorw("Corrupt session record", "session_id", sessionID, "error", err)
		return nil, errors.Join(shared.ErrInternalServerError, err)
	}
	return &sess, nil
}

func (s *RedisStore) SetCanceled(ctx context.Context, sessionID string, canceled bool) error {
	return s.update(ctx, sessionID, func(sess *Session) {
		sess.Canceled = canceled
	})
}

func (s *RedisStore) BindConversation(ctx context.Context, sessionID, conversationID string) error {
	return s.update(ctx, sessionID, func(sess *Session) {
		sess.ConversationID = conversationID
	})
}

// update rewrites the record in place, keeping the TTL the connection
// lifecycle set on it.
func (s *RedisStore) update(ctx context.Context, sessionID string, mutate func(*Session)) error {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	mutate(sess)

	raw, err := json.Marshal(sess)
	if err != nil {
		return errors.Join(shared.ErrInternalServerError, err)
	}
	if err := s.redis.Set(ctx, sessionKey(sessionID), raw, redis.KeepTTL).Err(); err != nil {
		return errors.Join(shared.ErrInternalServerError, err)
	}
	return nil
}

// NewConversationID mints an opaque conversation identifier.
func NewConversationID() string {
	id, _ := nanoid.Generate("0123456789abcdefghijklmnopqrstuvwxyz", 21)
	return "conv_" + id
}
