// Package waclient wraps the WhatsApp engine behind a small interface so
// the session supervisor and the dispatch pipeline never touch whatsmeow
// types directly. One Client corresponds to one linked device.
package waclient

import (
	"context"
	"fmt"
	"path/filepath"
	"time"
)

// EventType enumerates the lifecycle and traffic events a client emits.
type EventType string

const (
	EventQR           EventType = "qr"
	EventReady        EventType = "ready"
	EventAuthFailure  EventType = "auth_failure"
	EventDisconnected EventType = "disconnected"
	EventMessage      EventType = "message"
)

// Event is a single occurrence pushed to the handler registered at client
// construction. Only the fields matching Type are set.
type Event struct {
	Type    EventType
	QRCode  string   // qr
	Reason  string   // auth_failure, disconnected
	Message *Message // message
}

// Handler receives events from a client. Called from the engine's event
// goroutine; implementations must not block for long.
type Handler func(evt Event)

// Message is an inbound chat message in wire-neutral form. JIDs use the
// @c.us / @g.us convention.
type Message struct {
	ID            string
	From          string // chat the message arrived in
	Sender        string // participant who wrote it (differs from From in groups)
	Body          string
	PushName      string
	ChatName      string
	Type          string
	FromMe        bool
	IsStatus      bool
	IsChannel     bool
	MentionedJIDs []string
	Timestamp     time.Time
}

// MediaPayload is an outbound attachment.
type MediaPayload struct {
	Data     []byte
	MimeType string
	Filename string
	Caption  string
}

// Client is one agent's connection to WhatsApp.
type Client interface {
	// Initialize opens the credential store and starts connecting. QR codes
	// and connection progress arrive through the event handler.
	Initialize(ctx context.Context) error

	// SendText delivers a text message. quotedID, when non-empty, marks the
	// message as a reply to that message ID.
	SendText(ctx context.Context, to, text, quotedID string) (string, error)

	// SendMedia uploads and delivers an attachment.
	SendMedia(ctx context.Context, to string, media MediaPayload) (string, error)

	// SendTyping toggles the typing indicator in a chat.
	SendTyping(ctx context.Context, chat string, typing bool) error

	// OwnDigits returns the digits of the linked phone number, or empty
	// before login completes.
	OwnDigits() string

	// Destroy disconnects and releases the credential store. The client
	// emits no events afterwards. Credentials stay on disk.
	Destroy() error
}

// Factory builds clients. The supervisor owns one factory; tests swap in
// fakes.
type Factory interface {
	New(agentID string, handler Handler) Client
}

// SessionDir returns the on-disk credential directory for an agent. The
// supervisor removes this tree to force a fresh login.
func SessionDir(authDir, agentID string) string {
	return filepath.Join(authDir, fmt.Sprintf("session-%s", agentID))
}
