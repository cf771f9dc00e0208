// Package realtime streams a pairing attempt to the browser over a websocket.
package realtime

import (
	apperrors "walink/internal/errors"
	"walink/internal/models"
	"walink/internal/service"
)

// Server frame types
const (
	FrameState     = "state"
	FrameQR        = "qr"
	FrameCountdown = "countdown"
	FrameConnected = "connected"
	FrameError     = "error"
)

// FrameCancel is the only frame a client sends
const FrameCancel = "cancel"

// Frame is one JSON message on the pairing socket
type Frame struct {
	Type       string             `json:"type"`
	State      string             `json:"state,omitempty"`
	QRCode     string             `json:"qr_code,omitempty"`
	Countdown  int                `json:"countdown,omitempty"`
	Message    string             `json:"message,omitempty"`
	Connection *models.Connection `json:"connection,omitempty"`
}

// FramesFor renders an attempt update as the frames the browser expects.
// A countdown tick carries no QR code and renders as a single countdown frame.
func FramesFor(u service.Update) []Frame {
	if u.QRCode == "" && u.Countdown > 0 {
		return []Frame{{Type: FrameCountdown, Countdown: u.Countdown}}
	}

	frames := []Frame{{Type: FrameState, State: string(u.Phase)}}
	switch {
	case u.Phase == service.PhaseConnected:
		frames = append(frames, Frame{Type: FrameConnected, Connection: publicConnection(u.Connection)})
	case u.Phase == service.PhaseFailed:
		frames = append(frames, Frame{Type: FrameError, Message: apperrors.GetUserMessage(u.Err)})
	case u.QRCode != "":
		frames = append(frames, Frame{Type: FrameQR, QRCode: u.QRCode, Countdown: u.Countdown})
	}
	return frames
}

// publicConnection drops the pairing code, which has its own frame
func publicConnection(conn *models.Connection) *models.Connection {
	if conn == nil {
		return nil
	}
	cp := conn.Clone()
	cp.QRCode = ""
	return cp
}
