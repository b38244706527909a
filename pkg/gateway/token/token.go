// Package token persists single-use session tokens that authorize exactly
// one live interview connect per attempt.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

type Reason string

const (
	ReasonMissing Reason = "missing"
	ReasonExpired Reason = "expired"
)

const (
	tokenKeyPrefix  = "voxly:stk:"
	markerKeyPrefix = "voxly:stm:"
)

// expiredReportWindow keeps an expired token readable past its logical
// expiry so validation can report "expired" instead of "missing".
const expiredReportWindow = 10 * time.Minute

type Token struct {
	ID        string    `json:"id"`
	AttemptID string    `json:"attempt_id"`
	UserID    string    `json:"user_id"`
	MintedAt  time.Time `json:"minted_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Validation struct {
	Valid  bool
	Reason Reason
	Token  Token
}

type Store struct {
	rdb redis.Cmdable
	ttl time.Duration

	now func() time.Time // test hook
}

func NewStore(rdb redis.Cmdable, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl, now: time.Now}
}

// Mint creates a token bound to one attempt and records the setup marker
// proving the client session passed through the setup flow. Both entries
// share one storage lifetime.
func (s *Store) Mint(ctx context.Context, clientSession, attemptID, userID string) (Token, error) {
	now := s.now().UTC()
	tok := Token{
		ID:        ulid.Make().String(),
		AttemptID: attemptID,
		UserID:    userID,
		MintedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}

	raw, err := json.Marshal(tok)
	if err != nil {
		return Token{}, fmt.Errorf("marshal session token: %w", err)
	}

	keep := s.ttl + expiredReportWindow
	if err := s.rdb.Set(ctx, tokenKeyPrefix+clientSession, raw, keep).Err(); err != nil {
		return Token{}, fmt.Errorf("persist session token: %w", err)
	}
	if err := s.rdb.Set(ctx, markerKeyPrefix+clientSession, attemptID, keep).Err(); err != nil {
		return Token{}, fmt.Errorf("persist setup marker: %w", err)
	}
	return tok, nil
}

// Validate reads the persisted token without renewing it. Expiry is
// terminal for the attempt.
func (s *Store) Validate(ctx context.Context, clientSession string) (Validation, error) {
	raw, err := s.rdb.Get(ctx, tokenKeyPrefix+clientSession).Bytes()
	if errors.Is(err, redis.Nil) {
		return Validation{Reason: ReasonMissing}, nil
	}
	if err != nil {
		return Validation{}, fmt.Errorf("read session token: %w", err)
	}

	var tok Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return Validation{}, fmt.Errorf("decode session token: %w", err)
	}
	if s.now().After(tok.ExpiresAt) {
		return Validation{Reason: ReasonExpired, Token: tok}, nil
	}
	return Validation{Valid: true, Token: tok}, nil
}

// Consume deletes the token and its setup marker. Deleting an already
// consumed token is a no-op.
func (s *Store) Consume(ctx context.Context, clientSession string) error {
	if err := s.rdb.Del(ctx, tokenKeyPrefix+clientSession, markerKeyPrefix+clientSession).Err(); err != nil {
		return fmt.Errorf("consume session token: %w", err)
	}
	return nil
}

// SetupMarker reports whether the client session reached the live route
// through the setup flow rather than a direct or bookmarked URL.
func (s *Store) SetupMarker(ctx context.Context, clientSession string) (bool, error) {
	_, err := s.rdb.Get(ctx, markerKeyPrefix+clientSession).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read setup marker: %w", err)
	}
	return true, nil
}
