// Package ingest hands messages.upsert payloads to the message ingestion
// collaborator. The webhook path never waits on it.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"walink/internal/privacy"

	"github.com/sirupsen/logrus"
)

// Forwarder delivers one provider message payload for an instance
type Forwarder interface {
	Forward(ctx context.Context, instanceID string, payload json.RawMessage) error
}

// Message is the body published for every forwarded payload
type Message struct {
	Instance   string          `json:"instance"`
	Data       json.RawMessage `json:"data"`
	ReceivedAt time.Time       `json:"received_at"`
}

// LogForwarder only logs payloads; used when no broker is configured
type LogForwarder struct {
	logger *logrus.Logger
}

// NewLogForwarder creates a LogForwarder
func NewLogForwarder(logger *logrus.Logger) *LogForwarder {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogForwarder{logger: logger}
}

func (f *LogForwarder) Forward(ctx context.Context, instanceID string, payload json.RawMessage) error {
	f.logger.WithFields(logrus.Fields{
		"instance_id": privacy.MaskInstanceID(instanceID),
		"size_bytes":  len(payload),
	}).Debug("No message broker configured, dropping messages.upsert payload")
	return nil
}
