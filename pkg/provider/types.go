// Package provider is the HTTP client for the hosted WhatsApp provider
// (Evolution API). It creates instances, fetches pairing codes and reports
// connection state.
package provider

import (
	"context"
)

// Gateway is the provider contract the connection orchestrator depends on
type Gateway interface {
	CreateInstance(ctx context.Context, req CreateInstanceRequest) (*CreateInstanceResult, error)
	GetQRCode(ctx context.Context, instanceID string) (*QRCodeResult, error)
	CheckStatus(ctx context.Context, instanceID string) (*StatusResult, error)
	DeleteInstance(ctx context.Context, instanceID string) error
}

// CreateInstanceRequest asks the provider for a new instance
type CreateInstanceRequest struct {
	InstanceName string
	Number       string
}

// CreateInstanceResult is the outcome of instance creation
type CreateInstanceResult struct {
	Success    bool
	InstanceID string
	// QRCode is set when the provider already issued a pairing code on creation
	QRCode string
}

// QRCodeResult carries a pairing code; QRCode is empty while the provider is not ready
type QRCodeResult struct {
	Success     bool
	QRCode      string
	PairingCode string
}

// StatusResult reports whether the instance is linked
type StatusResult struct {
	Connected bool
	State     string
}

// Provider connection states
const (
	StateOpen       = "open"
	StateConnecting = "connecting"
	StateClose      = "close"
)

// Wire types

type createInstanceBody struct {
	InstanceName string         `json:"instanceName"`
	Number       string         `json:"number,omitempty"`
	QRCode       bool           `json:"qrcode"`
	Integration  string         `json:"integration"`
	Webhook      *webhookConfig `json:"webhook,omitempty"`
}

type webhookConfig struct {
	URL      string            `json:"url"`
	ByEvents bool              `json:"byEvents"`
	Base64   bool              `json:"base64"`
	Headers  map[string]string `json:"headers,omitempty"`
	Events   []string          `json:"events"`
}

type createInstanceResponse struct {
	Instance struct {
		InstanceName string `json:"instanceName"`
		InstanceID   string `json:"instanceId"`
		Status       string `json:"status"`
	} `json:"instance"`
	QRCode *connectResponse `json:"qrcode,omitempty"`
}

type connectResponse struct {
	Base64      string `json:"base64"`
	Code        string `json:"code"`
	PairingCode string `json:"pairingCode"`
	Count       int    `json:"count"`
}

type connectionStateResponse struct {
	Instance struct {
		InstanceName string `json:"instanceName"`
		State        string `json:"state"`
	} `json:"instance"`
}

type errorResponse struct {
	Status   int         `json:"status"`
	Error    string      `json:"error"`
	Response interface{} `json:"response"`
	Message  interface{} `json:"message"`
}
