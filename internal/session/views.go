package session

import (
	"time"

	"github.com/nusatech/whatsapp-agent-gateway/internal/storage/pg"
)

// QRPayload is a login QR code rendered as a PNG, ready to inline into an
// <img> tag on the caller's side.
type QRPayload struct {
	ContentType string `json:"contentType"`
	Base64      string `json:"base64"`
}

// LiveState is the in-memory half of a session's status.
type LiveState struct {
	IsReady     bool       `json:"isReady"`
	HasQR       bool       `json:"hasQR"`
	QRUpdatedAt *time.Time `json:"qrUpdatedAt,omitempty"`
}

// StatusView is the API representation of an agent's session.
type StatusView struct {
	AgentID            string     `json:"agentId"`
	AgentName          string     `json:"agentName"`
	UserID             int64      `json:"userId"`
	Status             string     `json:"status"`
	Live               *LiveState `json:"liveState,omitempty"`
	LastConnectedAt    *time.Time `json:"lastConnectedAt,omitempty"`
	LastDisconnectedAt *time.Time `json:"lastDisconnectedAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// QRView is the response of the generate-QR operation. QR is null when the
// session is already connected.
type QRView struct {
	AgentID     string     `json:"agentId"`
	QR          *QRPayload `json:"qr"`
	QRUpdatedAt *time.Time `json:"qrUpdatedAt,omitempty"`
}

// DeleteResult reports the outcome of a delete. AlreadyRemoved marks the
// idempotent second call.
type DeleteResult struct {
	Deleted        bool `json:"deleted"`
	AlreadyRemoved bool `json:"alreadyRemoved,omitempty"`
}

func statusViewFromRecord(rec *pg.AgentRecord) StatusView {
	view := StatusView{
		AgentID:   rec.AgentID,
		AgentName: rec.AgentName,
		UserID:    rec.UserID,
		Status:    rec.Status,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	if rec.LastConnectedAt.Valid {
		t := rec.LastConnectedAt.Time
		view.LastConnectedAt = &t
	}
	if rec.LastDisconnectedAt.Valid {
		t := rec.LastDisconnectedAt.Time
		view.LastDisconnectedAt = &t
	}
	return view
}
