package models

import (
	"encoding/json"
	"strings"
)

// Provider webhook event kinds, normalised
const (
	EventQRCodeUpdated    = "qrcode.updated"
	EventConnectionUpdate = "connection.update"
	EventMessagesUpsert   = "messages.upsert"
)

// Provider connection states reported by connection.update
const (
	ProviderStateOpen       = "open"
	ProviderStateConnecting = "connecting"
	ProviderStateClose      = "close"
)

// WebhookEnvelope is the body the provider POSTs to the webhook endpoint
type WebhookEnvelope struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	Data     json.RawMessage `json:"data"`
}

// NormalizedEvent returns the event name lower-cased with underscores mapped to dots,
// so "QRCODE_UPDATED" and "qrcode.updated" compare equal.
func (e *WebhookEnvelope) NormalizedEvent() string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(e.Event)), "_", ".")
}

// ConnectionUpdateData is the data of a connection.update event
type ConnectionUpdateData struct {
	Instance     string `json:"instance,omitempty"`
	State        string `json:"state"`
	StatusReason int    `json:"statusReason,omitempty"`
}

// QRCodeUpdateData is the data of a qrcode.updated event. The provider sends
// qrcode either as a plain string or as an object carrying base64 and code.
type QRCodeUpdateData struct {
	QRCode json.RawMessage `json:"qrcode"`
}

type qrCodeObject struct {
	Base64      string `json:"base64"`
	Code        string `json:"code"`
	PairingCode string `json:"pairingCode"`
}

// Payload extracts the pairing payload, preferring the image-encodable base64 form
func (d *QRCodeUpdateData) Payload() string {
	if len(d.QRCode) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(d.QRCode, &s); err == nil {
		return s
	}
	var obj qrCodeObject
	if err := json.Unmarshal(d.QRCode, &obj); err != nil {
		return ""
	}
	if obj.Base64 != "" {
		return obj.Base64
	}
	return obj.Code
}
