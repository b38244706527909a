// Package vendorws is the WebSocket adapter for the voice interview
// vendor. It translates the vendor's event frames into the call manager's
// callbacks.
package vendorws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxly/interview-gateway/pkg/gateway/call"
	"github.com/voxly/interview-gateway/pkg/gateway/flow"
)

type Adapter struct {
	wsURL  string
	apiKey string
	dialer *websocket.Dialer
}

func New(wsURL, apiKey string) *Adapter {
	return &Adapter{
		wsURL:  strings.TrimSpace(wsURL),
		apiKey: strings.TrimSpace(apiKey),
		dialer: websocket.DefaultDialer,
	}
}

type startFrame struct {
	Type           string `json:"type"`
	CandidateName  string `json:"candidate_name,omitempty"`
	TargetRole     string `json:"target_role,omitempty"`
	TargetCompany  string `json:"target_company,omitempty"`
	JobDescription string `json:"job_description,omitempty"`
	ResumeRef      string `json:"resume_ref,omitempty"`
}

type eventFrame struct {
	Type    string  `json:"type"`
	Talking bool    `json:"talking"`
	Level   float64 `json:"level"`
	Message string  `json:"message"`
}

// Connect dials the vendor, sends the start frame with the attempt
// metadata, and spawns the read loop that feeds cb. The returned handle's
// Close tears down the socket and silences further callbacks.
func (a *Adapter) Connect(ctx context.Context, meta flow.Metadata, cb call.VendorCallbacks) (call.VendorHandle, error) {
	if a.wsURL == "" {
		return nil, fmt.Errorf("vendor ws url is not configured")
	}

	header := http.Header{}
	if a.apiKey != "" {
		header.Set("Authorization", "Bearer "+a.apiKey)
	}
	conn, _, err := a.dialer.DialContext(ctx, a.wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("dial vendor: %w", err)
	}

	h := &handle{conn: conn, closed: make(chan struct{})}
	if err := h.writeJSON(startFrame{
		Type:           "start",
		CandidateName:  meta.CandidateName,
		TargetRole:     meta.TargetRole,
		TargetCompany:  meta.TargetCompany,
		JobDescription: meta.JobDescription,
		ResumeRef:      meta.ResumeRef,
	}); err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("send start frame: %w", err)
	}

	go h.readLoop(cb)
	return h, nil
}

type handle struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

func (h *handle) writeJSON(v any) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return h.conn.WriteJSON(v)
}

func (h *handle) Close() error {
	h.closeOnce.Do(func() {
		close(h.closed)
		h.writeMu.Lock()
		_ = h.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), closeDeadline())
		h.writeMu.Unlock()
		_ = h.conn.Close()
	})
	return nil
}

func closeDeadline() time.Time {
	return time.Now().Add(time.Second)
}

func (h *handle) closedByUs() bool {
	select {
	case <-h.closed:
		return true
	default:
		return false
	}
}

func (h *handle) readLoop(cb call.VendorCallbacks) {
	for {
		_, data, err := h.conn.ReadMessage()
		if err != nil {
			if h.closedByUs() {
				return
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				if cb.OnEnded != nil {
					cb.OnEnded()
				}
				return
			}
			if cb.OnError != nil {
				cb.OnError(fmt.Errorf("vendor stream: %w", err))
			}
			return
		}

		var ev eventFrame
		if err := json.Unmarshal(data, &ev); err != nil {
			// Unparseable frames are skipped, not fatal.
			continue
		}
		switch ev.Type {
		case "connected":
			if cb.OnConnected != nil {
				cb.OnConnected()
			}
		case "agent_talking":
			if cb.OnAgentTalking != nil {
				cb.OnAgentTalking(ev.Talking)
			}
		case "audio_level":
			if cb.OnAudioLevel != nil {
				cb.OnAudioLevel(ev.Level)
			}
		case "error":
			if cb.OnError != nil {
				cb.OnError(errors.New(ev.Message))
			}
		case "ended":
			if cb.OnEnded != nil {
				cb.OnEnded()
			}
			return
		}
	}
}
