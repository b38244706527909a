// Package flow tracks one interview attempt's journey through the product:
// setup form, live call, wrapup. Each client session owns exactly one State.
package flow

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

type Stage string

const (
	StageIdle   Stage = "idle"
	StageSetup  Stage = "setup"
	StageLive   Stage = "live"
	StageWrapup Stage = "wrapup"
)

var ErrMetadataLocked = errors.New("attempt metadata only mutable during setup or live")

// Metadata is the write-once attempt description collected by the setup
// form and forwarded to the vendor on connect.
type Metadata struct {
	CandidateName  string `json:"candidate_name"`
	TargetRole     string `json:"target_role"`
	TargetCompany  string `json:"target_company"`
	JobDescription string `json:"job_description"`
	ResumeRef      string `json:"resume_ref"`
}

func (m *Metadata) merge(patch Metadata) {
	if patch.CandidateName != "" {
		m.CandidateName = patch.CandidateName
	}
	if patch.TargetRole != "" {
		m.TargetRole = patch.TargetRole
	}
	if patch.TargetCompany != "" {
		m.TargetCompany = patch.TargetCompany
	}
	if patch.JobDescription != "" {
		m.JobDescription = patch.JobDescription
	}
	if patch.ResumeRef != "" {
		m.ResumeRef = patch.ResumeRef
	}
}

// State is the flow controller for one attempt. Stage progression is
// monotonic; any non-forward transition resets to idle and abandons the
// attempt, which also invalidates its session token via the abandon hook.
type State struct {
	mu        sync.Mutex
	stage     Stage
	attemptID string
	meta      Metadata

	// onAbandon runs on every reset to idle, outside stage bookkeeping.
	onAbandon func(ctx context.Context)
}

func NewState(onAbandon func(ctx context.Context)) *State {
	return &State{stage: StageIdle, onAbandon: onAbandon}
}

// StartAttempt moves idle to setup and assigns a fresh attempt id. If an
// attempt is already in progress the call is a no-op and the existing id is
// returned, so duplicate submits cannot fork a second attempt.
func (s *State) StartAttempt() (attemptID string, started bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stage != StageIdle {
		return s.attemptID, false
	}
	s.stage = StageSetup
	s.attemptID = uuid.NewString()
	s.meta = Metadata{}
	return s.attemptID, true
}

// SetMetadata shallow-merges the non-empty fields of patch.
func (s *State) SetMetadata(patch Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stage != StageSetup && s.stage != StageLive {
		return ErrMetadataLocked
	}
	s.meta.merge(patch)
	return nil
}

// SetStage enforces forward progression setup->live->wrapup. A non-forward
// value is the canonical abandon path: the whole state resets to idle and
// the abandon hook fires.
func (s *State) SetStage(ctx context.Context, next Stage) {
	s.mu.Lock()
	forward := (s.stage == StageSetup && next == StageLive) ||
		(s.stage == StageLive && next == StageWrapup)
	if forward {
		s.stage = next
		s.mu.Unlock()
		return
	}
	s.resetLocked()
	abandon := s.onAbandon
	s.mu.Unlock()

	if abandon != nil {
		abandon(ctx)
	}
}

// Resume restores a live attempt after a full page navigation, when a
// still-valid session token proves the attempt exists. The in-memory
// state was lost with the previous page; the token is the source of
// truth that it may be rebuilt.
func (s *State) Resume(attemptID string, meta Metadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stage = StageLive
	s.attemptID = attemptID
	s.meta = meta
}

// Reset is the explicit abandon action, callable at any stage.
func (s *State) Reset(ctx context.Context) {
	s.mu.Lock()
	s.resetLocked()
	abandon := s.onAbandon
	s.mu.Unlock()

	if abandon != nil {
		abandon(ctx)
	}
}

func (s *State) resetLocked() {
	s.stage = StageIdle
	s.attemptID = ""
	s.meta = Metadata{}
}

func (s *State) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

func (s *State) AttemptID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attemptID
}

func (s *State) Metadata() Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}
