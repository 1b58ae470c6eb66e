// Package domain contains core domain types for the replybot application.
package domain

import (
	"strings"
	"time"
)

// Recipient identifies a conversation partner on the messaging channel.
// All per-recipient state is keyed by it.
type Recipient string

// String returns the raw identifier.
func (r Recipient) String() string {
	return string(r)
}

// MessageTypeButtonsResponse marks an inbound event produced by a button tap.
const MessageTypeButtonsResponse = "buttons_response"

// InboundEvent is one message received from the transport.
type InboundEvent struct {
	ID          string    `json:"id,omitempty"`
	From        Recipient `json:"from"`
	Body        string    `json:"body"`
	Type        string    `json:"msg_type,omitempty"`
	SelectionID string    `json:"selected_button_id,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}

// IsButtonResponse returns true if the event carries a structured selection.
func (e InboundEvent) IsButtonResponse() bool {
	return e.Type == MessageTypeButtonsResponse || strings.TrimSpace(e.SelectionID) != ""
}

// LoggedMessage is a persisted inbound message.
type LoggedMessage struct {
	ID        string    `json:"id"`
	Number    Recipient `json:"number"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
