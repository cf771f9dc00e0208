package models

import "time"

// ConnectionStatus is the stored lifecycle status of a WhatsApp linkage attempt
type ConnectionStatus string

const (
	StatusPending      ConnectionStatus = "pending"
	StatusQRIssued     ConnectionStatus = "qr_issued"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusFailed       ConnectionStatus = "failed"
)

// Valid reports whether s is one of the known statuses
func (s ConnectionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusQRIssued, StatusConnected, StatusDisconnected, StatusFailed:
		return true
	}
	return false
}

// AllowsQRCode reports whether a pairing code may be held in this status
func (s ConnectionStatus) AllowsQRCode() bool {
	return s == StatusPending || s == StatusQRIssued
}

// Connection is one messaging-account linkage attempt owned by a user
type Connection struct {
	ID          string           `json:"id"`
	UserID      string           `json:"user_id"`
	InstanceID  string           `json:"instance_id,omitempty"`
	DisplayName string           `json:"display_name"`
	PhoneNumber string           `json:"phone_number,omitempty"`
	Status      ConnectionStatus `json:"status"`
	QRCode      string           `json:"qr_code,omitempty"`
	LastSeenAt  *time.Time       `json:"last_seen_at,omitempty"`
	ConnectedAt *time.Time       `json:"connected_at,omitempty"`
	Version     int64            `json:"-"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Clone returns a deep copy of the connection
func (c *Connection) Clone() *Connection {
	if c == nil {
		return nil
	}
	cp := *c
	if c.LastSeenAt != nil {
		t := *c.LastSeenAt
		cp.LastSeenAt = &t
	}
	if c.ConnectedAt != nil {
		t := *c.ConnectedAt
		cp.ConnectedAt = &t
	}
	return &cp
}
