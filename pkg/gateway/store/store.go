// Package store persists attempt records: one row per end-to-end
// interview try. The feedback page reads these by attempt id after the
// call ends.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/voxly/interview-gateway/pkg/gateway/flow"
)

var ErrNotFound = errors.New("attempt not found")

const (
	StatusCreated   = "created"
	StatusConnected = "connected"
	StatusEnded     = "ended"
)

type Attempt struct {
	ID            string        `json:"id"`
	UserID        string        `json:"user_id"`
	ClientSession string        `json:"-"`
	Metadata      flow.Metadata `json:"metadata"`
	Status        string        `json:"status"`
	EndReason     string        `json:"end_reason,omitempty"`
	Partial       bool          `json:"partial,omitempty"`
	Failed        bool          `json:"failed,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	ConnectedAt   *time.Time    `json:"connected_at,omitempty"`
	EndedAt       *time.Time    `json:"ended_at,omitempty"`
}

type Store interface {
	Create(ctx context.Context, a Attempt) error
	MarkConnected(ctx context.Context, id string, at time.Time) error
	MarkEnded(ctx context.Context, id string, at time.Time, reason string, partial, failed bool) error
	Get(ctx context.Context, id string) (Attempt, error)
}
