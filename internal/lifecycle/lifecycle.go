// Package lifecycle holds the transition table for connection status.
//
// Both the pairing orchestrator and the webhook reconciler describe what they
// observed as an Event and hand it to Apply. Apply is the only code that moves
// a Connection between statuses, so the two writers converge on the same
// state regardless of the order their observations arrive in.
package lifecycle

import (
	"time"

	"walink/internal/models"
)

// Event is an observation about a connection's provider-side state
type Event interface {
	// Name identifies the event kind in logs
	Name() string
}

// QRIssued reports a fresh pairing payload
type QRIssued struct {
	Code string
}

// QRCleared drops the current pairing payload ahead of a refresh
type QRCleared struct{}

// Linked reports that the provider confirmed the account link
type Linked struct {
	At time.Time
}

// ProviderState reports a provider connection state push
type ProviderState struct {
	State string
	At    time.Time
}

// Failed abandons an attempt that never linked
type Failed struct {
	Reason string
}

func (QRIssued) Name() string      { return "qr_issued" }
func (QRCleared) Name() string     { return "qr_cleared" }
func (Linked) Name() string        { return "linked" }
func (ProviderState) Name() string { return "provider_state" }
func (Failed) Name() string        { return "failed" }

// Open reports whether the provider considers the session linked
func (e ProviderState) Open() bool {
	return e.State == models.ProviderStateOpen
}

// Apply mutates conn according to ev and reports whether any field changed.
// Applying the same event twice leaves status, qrCode and connectedAt as the
// first application left them.
func Apply(conn *models.Connection, ev Event) bool {
	if conn == nil || ev == nil {
		return false
	}

	switch e := ev.(type) {
	case QRIssued:
		return applyQRIssued(conn, e)
	case *QRIssued:
		return applyQRIssued(conn, *e)
	case QRCleared, *QRCleared:
		if !conn.Status.AllowsQRCode() {
			return false
		}
		return setQR(conn, "")
	case Linked:
		return applyLinked(conn, e.At)
	case *Linked:
		return applyLinked(conn, e.At)
	case ProviderState:
		return applyProviderState(conn, e)
	case *ProviderState:
		return applyProviderState(conn, *e)
	case Failed, *Failed:
		if !conn.Status.AllowsQRCode() {
			return false
		}
		conn.Status = models.StatusFailed
		conn.QRCode = ""
		return true
	}
	return false
}

func applyQRIssued(conn *models.Connection, e QRIssued) bool {
	if e.Code == "" || !conn.Status.AllowsQRCode() {
		return false
	}
	changed := setQR(conn, e.Code)
	if conn.Status == models.StatusPending {
		conn.Status = models.StatusQRIssued
		changed = true
	}
	return changed
}

func applyLinked(conn *models.Connection, at time.Time) bool {
	switch conn.Status {
	case models.StatusPending, models.StatusQRIssued, models.StatusDisconnected:
		markConnected(conn, at)
		return true
	}
	return false
}

func applyProviderState(conn *models.Connection, e ProviderState) bool {
	changed := setLastSeen(conn, e.At)

	switch conn.Status {
	case models.StatusFailed:
		return changed
	case models.StatusConnected:
		if !e.Open() {
			conn.Status = models.StatusDisconnected
			conn.QRCode = ""
			return true
		}
		return changed
	case models.StatusDisconnected:
		if e.Open() {
			markConnected(conn, e.At)
			return true
		}
		return changed
	}

	// pending or qr_issued
	switch {
	case e.Open():
		markConnected(conn, e.At)
		return true
	case e.State == models.ProviderStateConnecting:
		return changed
	default:
		conn.Status = models.StatusDisconnected
		conn.QRCode = ""
		return true
	}
}

func markConnected(conn *models.Connection, at time.Time) {
	conn.Status = models.StatusConnected
	conn.QRCode = ""
	t := at
	conn.ConnectedAt = &t
}

func setQR(conn *models.Connection, code string) bool {
	if conn.QRCode == code {
		return false
	}
	conn.QRCode = code
	return true
}

func setLastSeen(conn *models.Connection, at time.Time) bool {
	if at.IsZero() {
		return false
	}
	if conn.LastSeenAt != nil && conn.LastSeenAt.Equal(at) {
		return false
	}
	t := at
	conn.LastSeenAt = &t
	return true
}
