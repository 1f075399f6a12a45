// Package protocol defines the JSON text frames exchanged with observer
// connections. Every frame is an object with a "type" discriminator.
package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/pitabwire/pulse/model"
)

// Client → server frame types.
const (
	TypeAuthenticate    = "authenticate"
	TypeSubscribe       = "subscribe"
	TypeUnsubscribe     = "unsubscribe"
	TypeRequestSnapshot = "requestSnapshot"
	TypeHeartbeat       = "heartbeat"
)

// Server → client frame types.
const (
	TypeConnected     = "connected"
	TypeAuthenticated = "authenticated"
	TypeAuthError     = "authError"
	TypeSnapshot      = "snapshot"
	TypeStageUpdate   = "stageUpdate"
	TypeSessionStatus = "sessionStatus"
	TypeStageData     = "stageData"
	TypeStageLog      = "stageLog"
	TypeHeartbeatAck  = "heartbeatAck"
	TypeUnsubscribed  = "unsubscribed"
	TypeNotice        = "notice"
	TypeError         = "error"
)

// ClientFrame is any inbound frame. Fields not used by a frame type are empty.
type ClientFrame struct {
	Type       string `json:"type"`
	TenantID   string `json:"tenantId,omitempty"`
	CampaignID string `json:"campaignId,omitempty"`
	Token      string `json:"token,omitempty"`
}

// DecodeClientFrame parses and validates an inbound frame. Errors are
// BAD_REQUEST envelopes suitable for an error frame.
func DecodeClientFrame(data []byte) (ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return ClientFrame{}, model.NewBadRequestError("frame is not a JSON object")
	}
	f.CampaignID = strings.TrimSpace(f.CampaignID)

	switch f.Type {
	case TypeAuthenticate, TypeHeartbeat:
	case TypeSubscribe, TypeUnsubscribe, TypeRequestSnapshot:
		if f.CampaignID == "" {
			return f, model.NewBadRequestError(f.Type + " requires campaignId")
		}
	case "":
		return f, model.NewBadRequestError("frame type is required")
	default:
		return f, model.NewBadRequestError("unknown frame type " + f.Type)
	}
	return f, nil
}

// Message is an encoded server frame. Data is sent as a single text frame;
// Type is kept for logging and metrics.
type Message struct {
	Type string
	Data []byte
}

// Frame is implemented by every server → client frame.
type Frame interface {
	FrameType() string
}

// Encode marshals f with its "type" discriminator as the first key.
func Encode(f Frame) (Message, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return Message{}, err
	}
	typ, _ := json.Marshal(f.FrameType())

	var buf bytes.Buffer
	buf.Grow(len(body) + len(typ) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return Message{Type: f.FrameType(), Data: buf.Bytes()}, nil
}

// MustEncode is Encode for frames whose fields always marshal.
func MustEncode(f Frame) Message {
	m, err := Encode(f)
	if err != nil {
		panic("protocol: encode " + f.FrameType() + ": " + err.Error())
	}
	return m
}

// Connected is the welcome frame sent when a connection is accepted.
type Connected struct {
	ConnectionID string `json:"connectionId"`
}

// Authenticated confirms a successful authenticate.
type Authenticated struct {
	TenantID string `json:"tenantId"`
}

// AuthError reports a rejected authenticate.
type AuthError struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// Snapshot carries a full session readout.
type Snapshot struct {
	model.Snapshot
}

// StageUpdate reports a committed stage transition.
type StageUpdate struct {
	CampaignID string            `json:"campaignId"`
	StageID    string            `json:"stageId"`
	Status     model.StageStatus `json:"status"`
	Progress   int               `json:"progress"`
	Result     map[string]any    `json:"result,omitempty"`
	Error      string            `json:"error,omitempty"`
	Version    uint64            `json:"version"`
}

// SessionStatus reports a committed session status change.
type SessionStatus struct {
	CampaignID string              `json:"campaignId"`
	Status     model.SessionStatus `json:"status"`
	Version    uint64              `json:"version"`
}

// StageData carries partial results a running stage reported. Only records
// the session did not already hold are included.
type StageData struct {
	CampaignID string          `json:"campaignId"`
	StageID    string          `json:"stageId"`
	Data       map[string]any  `json:"data,omitempty"`
	Contacts   []model.Contact `json:"contacts,omitempty"`
	Messages   []model.Message `json:"messages,omitempty"`
	Version    uint64          `json:"version"`
}

// StageLog carries a producer log line. It has no version and is not
// covered by snapshots.
type StageLog struct {
	CampaignID string    `json:"campaignId"`
	StageID    string    `json:"stageId"`
	Level      string    `json:"level"`
	Message    string    `json:"message"`
	At         time.Time `json:"at"`
}

// HeartbeatAck answers a heartbeat.
type HeartbeatAck struct {
	At time.Time `json:"at"`
}

// Unsubscribed confirms an unsubscribe.
type Unsubscribed struct {
	CampaignID string `json:"campaignId"`
}

// Notice is an operator broadcast. It never carries tenant data.
type Notice struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Error reports a malformed frame or a refused operation.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (Connected) FrameType() string     { return TypeConnected }
func (Authenticated) FrameType() string { return TypeAuthenticated }
func (AuthError) FrameType() string     { return TypeAuthError }
func (Snapshot) FrameType() string      { return TypeSnapshot }
func (StageUpdate) FrameType() string   { return TypeStageUpdate }
func (SessionStatus) FrameType() string { return TypeSessionStatus }
func (StageData) FrameType() string     { return TypeStageData }
func (StageLog) FrameType() string      { return TypeStageLog }
func (HeartbeatAck) FrameType() string  { return TypeHeartbeatAck }
func (Unsubscribed) FrameType() string  { return TypeUnsubscribed }
func (Notice) FrameType() string        { return TypeNotice }
func (Error) FrameType() string         { return TypeError }

// EventFrame converts a committed session event to its server frame.
func EventFrame(ev model.SessionEvent) Frame {
	switch ev.Kind {
	case model.EventSessionStatus:
		return SessionStatus{
			CampaignID: ev.Key.CampaignID,
			Status:     ev.Status,
			Version:    ev.Version,
		}
	case model.EventStageData:
		return StageData{
			CampaignID: ev.Key.CampaignID,
			StageID:    ev.StageID,
			Data:       ev.Delta.Data,
			Contacts:   ev.Delta.Contacts,
			Messages:   ev.Delta.Messages,
			Version:    ev.Version,
		}
	case model.EventStageLog:
		return StageLog{
			CampaignID: ev.Key.CampaignID,
			StageID:    ev.StageID,
			Level:      ev.Log.Level,
			Message:    ev.Log.Message,
			At:         ev.At,
		}
	}
	return StageUpdate{
		CampaignID: ev.Key.CampaignID,
		StageID:    ev.StageID,
		Status:     ev.Stage.Status,
		Progress:   ev.Stage.Progress,
		Result:     ev.Stage.Result,
		Error:      ev.Stage.Error,
		Version:    ev.Version,
	}
}

// ErrorFrame converts err to an error frame. Errors without an envelope are
// reported as INTERNAL_ERROR without their message.
func ErrorFrame(err error) Error {
	if e, ok := model.AsEnvelope(err); ok {
		return Error{Code: e.Code, Message: e.Message}
	}
	return Error{Code: model.ErrInternalError, Message: "internal error"}
}
