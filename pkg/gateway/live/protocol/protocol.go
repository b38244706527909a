// Package protocol defines the JSON frames exchanged on the live
// interview WebSocket. Every frame carries a "type" discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const ProtocolVersion1 = "1"

const (
	ControlOpStart = "start"
	ControlOpQuit  = "quit"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

type HelloClient struct {
	Name     string `json:"name,omitempty"`
	Version  string `json:"version,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// ClientHello opens the conversation. MicGranted confirms the browser
// already holds microphone permission; the call is never started without
// it.
type ClientHello struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	Client          HelloClient `json:"client,omitempty"`
	MicGranted      bool        `json:"mic_granted"`
}

// ClientControl carries user actions: start after mic grant, quit after
// the in-page confirmation.
type ClientControl struct {
	Type string `json:"type"`
	Op   string `json:"op"`
}

func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "hello":
		var msg ClientHello
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid hello frame", "")
		}
		if strings.TrimSpace(msg.ProtocolVersion) != ProtocolVersion1 {
			return nil, unsupported("unsupported protocol_version", "protocol_version")
		}
		return msg, nil
	case "control":
		var msg ClientControl
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid control frame", "")
		}
		switch strings.TrimSpace(msg.Op) {
		case ControlOpStart, ControlOpQuit:
		default:
			return nil, badRequest("unknown control op", "op")
		}
		return msg, nil
	default:
		return nil, unsupported("unknown message type", "type")
	}
}

// Server frames.

type ServerHelloAck struct {
	Type       string `json:"type"`
	AttemptID  string `json:"attempt_id"`
	DurationMS int64  `json:"duration_ms"`
}

type ServerStatus struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

type ServerAgentTalking struct {
	Type    string `json:"type"`
	Talking bool   `json:"talking"`
}

type ServerAudioLevel struct {
	Type  string  `json:"type"`
	Level float64 `json:"level"`
}

type ServerEnded struct {
	Type     string `json:"type"`
	Reason   string `json:"reason"`
	Failed   bool   `json:"failed,omitempty"`
	Partial  bool   `json:"partial,omitempty"`
	Redirect string `json:"redirect,omitempty"`
	Message  string `json:"message,omitempty"`
}

type ServerErrorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
}

type ServerError struct {
	Type  string          `json:"type"`
	Error ServerErrorBody `json:"error"`
}

func NewHelloAck(attemptID string, durationMS int64) ServerHelloAck {
	return ServerHelloAck{Type: "hello_ack", AttemptID: attemptID, DurationMS: durationMS}
}

func NewStatus(status string) ServerStatus {
	return ServerStatus{Type: "status", Status: status}
}

func NewAgentTalking(talking bool) ServerAgentTalking {
	return ServerAgentTalking{Type: "agent_talking", Talking: talking}
}

func NewAudioLevel(level float64) ServerAudioLevel {
	return ServerAudioLevel{Type: "audio_level", Level: level}
}

func NewEnded(reason string, failed, partial bool, redirect, message string) ServerEnded {
	return ServerEnded{
		Type:     "ended",
		Reason:   reason,
		Failed:   failed,
		Partial:  partial,
		Redirect: redirect,
		Message:  message,
	}
}

func NewError(code, message, param string) ServerError {
	return ServerError{
		Type: "error",
		Error: ServerErrorBody{
			Type:    "invalid_request_error",
			Code:    code,
			Message: message,
			Param:   param,
		},
	}
}
