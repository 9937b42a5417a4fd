package model

import (
	"fmt"
	"time"
)

// Relay message types.
const (
	MessageBarMark   = "BAR_MARK"
	MessageHeartbeat = "HEARTBEAT"
)

// SessionChannel is the pub/sub channel of a session.
func SessionChannel(sessionID string) string { return "session:" + sessionID }

// BarMark announces when a client observed a bar boundary.
type BarMark struct {
	BarIndex   int64 `json:"barIndex"`
	BarEpochMs int64 `json:"barEpochMs"`
}

// RelayMessage is the envelope exchanged over the session channel.
type RelayMessage struct {
	Type      string   `json:"type"`
	MessageID string   `json:"message_id,omitempty"`
	SenderID  string   `json:"sender_id"`
	SessionID string   `json:"session_id"`
	SentAtMs  int64    `json:"sent_at_ms"`
	BarMark   *BarMark `json:"bar_mark,omitempty"`
}

// DedupeKey identifies a bar mark independently of its message id.
func (m RelayMessage) DedupeKey() string {
	if m.BarMark == nil {
		return m.SenderID + ":" + m.MessageID
	}
	return fmt.Sprintf("%s:%d", m.SenderID, m.BarMark.BarIndex)
}

// DriftSample is one drift measurement.
type DriftSample struct {
	BarIndex   int64
	BarStart   time.Time
	ServerTime time.Time
	DriftMs    float64
	Source     string // "self" or "peer"
}
