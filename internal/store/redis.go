// Package store implements the shared document store the two players
// communicate through. It offers point reads, optimistic conditional updates
// (the enforcement point for the join race), an open-session index for
// matchmaking queries, and a per-document change feed with at-least-once,
// unordered delivery.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/emerald-apps/fairychess-go/internal/obslog"
	"github.com/emerald-apps/fairychess-go/internal/rating"
)

const ttlSession = 24 * time.Hour

type Store struct {
	rdb *redis.Client
}

// New connects to the store via a redis:// URL and verifies the connection.
func New(redisURL string) (*Store, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("REDIS_URL required for store")
	}
	opts, err := parseRedisURL(redisURL)
	if err != nil { return nil, err }
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

// NewWithClient wraps an existing client (shared connections, tests).
func NewWithClient(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

func (s *Store) Close() error {
	if s == nil || s.rdb == nil { return nil }
	return s.rdb.Close()
}

func keyGame(id string) string      { return "game:" + strings.TrimSpace(id) }
func keyGameChan(id string) string  { return "game:ch:" + strings.TrimSpace(id) }
func keyOpenIndex() string          { return "games:open" }
func keyPlayer(name string) string  { return "player:" + strings.TrimSpace(name) }

// CreateSession persists a new session document, assigns its id, and adds it
// to the open index so searches can find it.
func (s *Store) CreateSession(ctx context.Context, doc *SessionDoc) (string, error) {
	if doc == nil || strings.TrimSpace(doc.Player1ID) == "" {
		return "", fmt.Errorf("invalid session document")
	}
	doc.ID = uuid.NewString()
	doc.CreatedAt = time.Now()
	doc.UpdatedAt = doc.CreatedAt
	raw, err := json.Marshal(doc)
	if err != nil { return "", err }
	if err := s.rdb.Set(ctx, keyGame(doc.ID), raw, ttlSession).Err(); err != nil { return "", err }
	if err := s.rdb.SAdd(ctx, keyOpenIndex(), doc.ID).Err(); err != nil { return "", err }
	_ = s.rdb.Expire(ctx, keyOpenIndex(), ttlSession).Err()
	s.publish(ctx, doc)
	obslog.L().Info("session_create",
		zap.String("session_id", doc.ID),
		zap.String("variant", doc.Variant),
		zap.String("time_mode", doc.TimeMode),
		zap.String("player1_id", doc.Player1ID),
	)
	return doc.ID, nil
}

// GetSession returns (nil, nil) when the document does not exist.
func (s *Store) GetSession(ctx context.Context, id string) (*SessionDoc, error) {
	raw, err := s.rdb.Get(ctx, keyGame(id)).Bytes()
	if err == redis.Nil { return nil, nil }
	if err != nil { return nil, err }
	var doc SessionDoc
	if err := json.Unmarshal(raw, &doc); err != nil { return nil, err }
	return &doc, nil
}

// UpdateSession applies mutate under a WATCH transaction. If another writer
// touches the document first, the transaction fails and ErrConflict is
// returned; mutate's own error aborts without writing. The finished flag is
// monotonic regardless of what mutate does, and the open index is kept in
// step with the document. Every successful write is published to the
// session's change channel.
func (s *Store) UpdateSession(ctx context.Context, id string, mutate func(*SessionDoc) error) (*SessionDoc, error) {
	gameK := keyGame(id)
	var out *SessionDoc
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, gameK).Bytes()
		if err == redis.Nil { return ErrNotFound }
		if err != nil { return err }
		var cur SessionDoc
		if jerr := json.Unmarshal(raw, &cur); jerr != nil { return jerr }

		wasFinished := cur.Finished
		if err := mutate(&cur); err != nil { return err }
		if wasFinished {
			cur.Finished = true
		}
		cur.ID = id
		cur.UpdatedAt = time.Now()

		newRaw, err := json.Marshal(&cur)
		if err != nil { return err }
		pipe := tx.TxPipeline()
		pipe.Set(ctx, gameK, newRaw, ttlSession)
		if cur.Open() {
			pipe.SAdd(ctx, keyOpenIndex(), id)
		} else {
			pipe.SRem(ctx, keyOpenIndex(), id)
		}
		if _, err := pipe.Exec(ctx); err != nil { return err }
		out = &cur
		return nil
	}, gameK)
	if err != nil {
		if err == redis.TxFailedErr {
			return nil, ErrConflict
		}
		return nil, err
	}
	s.publish(ctx, out)
	return out, nil
}

// OpenSessions lists sessions still waiting for an opponent, excluding the
// requesting player's own. An empty result is not an error.
func (s *Store) OpenSessions(ctx context.Context, excludePlayer string) ([]*SessionDoc, error) {
	ids, err := s.rdb.SMembers(ctx, keyOpenIndex()).Result()
	if err != nil { return nil, err }
	var out []*SessionDoc
	for _, id := range ids {
		doc, gerr := s.GetSession(ctx, id)
		if gerr != nil || doc == nil { continue }
		if !doc.Open() { continue }
		if excludePlayer != "" && doc.Player1ID == excludePlayer { continue }
		out = append(out, doc)
	}
	return out, nil
}

func (s *Store) publish(ctx context.Context, doc *SessionDoc) {
	if doc == nil {
		return
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return
	}
	if err := s.rdb.Publish(ctx, keyGameChan(doc.ID), raw).Err(); err != nil {
		obslog.L().Warn("session_publish_error", zap.String("session_id", doc.ID), zap.Error(err))
	}
}

// Subscription delivers full session documents on every observed change.
// Delivery is at-least-once and unordered relative to local writes; the
// subscriber's own writes are echoed back too.
type Subscription struct {
	C      <-chan *SessionDoc
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

func (sub *Subscription) Close() error {
	sub.cancel()
	return sub.pubsub.Close()
}

// Subscribe attaches a change subscription to one session document.
func (s *Store) Subscribe(ctx context.Context, id string) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	pubsub := s.rdb.Subscribe(ctx, keyGameChan(id))
	// force the SUBSCRIBE round-trip so changes after return are not missed
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, err
	}
	out := make(chan *SessionDoc, 16)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var doc SessionDoc
			if err := json.Unmarshal([]byte(msg.Payload), &doc); err != nil {
				obslog.L().Warn("session_change_decode_error", zap.String("session_id", id), zap.Error(err))
				continue
			}
			select {
			case out <- &doc:
			case <-ctx.Done():
				return
			}
		}
	}()
	return &Subscription{C: out, pubsub: pubsub, cancel: cancel}, nil
}

// CreatePlayer creates a rating record at the initial rating. The SETNX
// write doubles as the uniqueness pre-check: a second creator gets
// ErrNameTaken instead of a duplicate record.
func (s *Store) CreatePlayer(ctx context.Context, name string) (*PlayerDoc, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("player name required")
	}
	now := time.Now()
	doc := &PlayerDoc{Name: name, Rating: rating.InitialRating, CreatedAt: now, UpdatedAt: now}
	raw, err := json.Marshal(doc)
	if err != nil { return nil, err }
	ok, err := s.rdb.SetNX(ctx, keyPlayer(name), raw, 0).Result()
	if err != nil { return nil, err }
	if !ok {
		return nil, ErrNameTaken
	}
	obslog.L().Info("player_create", zap.String("player", name))
	return doc, nil
}

// GetPlayer returns (nil, nil) when no record exists.
func (s *Store) GetPlayer(ctx context.Context, name string) (*PlayerDoc, error) {
	raw, err := s.rdb.Get(ctx, keyPlayer(name)).Bytes()
	if err == redis.Nil { return nil, nil }
	if err != nil { return nil, err }
	var doc PlayerDoc
	if err := json.Unmarshal(raw, &doc); err != nil { return nil, err }
	return &doc, nil
}

// UpdatePlayer applies mutate under WATCH, same contract as UpdateSession.
func (s *Store) UpdatePlayer(ctx context.Context, name string, mutate func(*PlayerDoc) error) (*PlayerDoc, error) {
	playerK := keyPlayer(name)
	var out *PlayerDoc
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, playerK).Bytes()
		if err == redis.Nil { return ErrNotFound }
		if err != nil { return err }
		var cur PlayerDoc
		if jerr := json.Unmarshal(raw, &cur); jerr != nil { return jerr }
		if err := mutate(&cur); err != nil { return err }
		cur.UpdatedAt = time.Now()
		newRaw, err := json.Marshal(&cur)
		if err != nil { return err }
		pipe := tx.TxPipeline()
		pipe.Set(ctx, playerK, newRaw, 0)
		if _, err := pipe.Exec(ctx); err != nil { return err }
		out = &cur
		return nil
	}, playerK)
	if err != nil {
		if err == redis.TxFailedErr {
			return nil, ErrConflict
		}
		return nil, err
	}
	return out, nil
}

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil { return nil, err }
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil { db = n }
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
