package security

import (
	"crypto/hmac"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"

	apperrors "walink/internal/errors"
)

// Webhook credential headers. The provider sends the shared secret as
// apikey, or signs the body with it in X-Webhook-Hmac.
const (
	APIKeyHeader    = "apikey"
	SignatureHeader = "X-Webhook-Hmac"
)

// WebhookVerifier authenticates provider webhook deliveries
type WebhookVerifier struct {
	secret  []byte
	maxBody int64
}

// NewWebhookVerifier creates a verifier. With an empty secret every delivery
// is accepted; production config refuses to start without one.
func NewWebhookVerifier(secret string, maxBody int64) *WebhookVerifier {
	return &WebhookVerifier{secret: []byte(secret), maxBody: maxBody}
}

// Verify reads the request body and checks its credentials. It returns an
// UnauthorizedError for bad or missing credentials and a ValidationError
// for an unreadable or oversized body.
func (v *WebhookVerifier) Verify(r *http.Request) ([]byte, error) {
	body, err := v.readBody(r)
	if err != nil {
		return nil, err
	}
	if len(v.secret) == 0 {
		return body, nil
	}

	if sig := strings.TrimSpace(r.Header.Get(SignatureHeader)); sig != "" {
		sig = strings.TrimPrefix(strings.ToLower(sig), "sha512=")
		if !hmac.Equal([]byte(sig), []byte(Sign(body, string(v.secret)))) {
			return nil, apperrors.NewUnauthorizedError("signature mismatch")
		}
		return body, nil
	}

	key := r.Header.Get(APIKeyHeader)
	if key == "" {
		return nil, apperrors.NewUnauthorizedError("missing webhook credentials")
	}
	if subtle.ConstantTimeCompare([]byte(key), v.secret) != 1 {
		return nil, apperrors.NewUnauthorizedError("api key mismatch")
	}
	return body, nil
}

func (v *WebhookVerifier) readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	reader := io.Reader(r.Body)
	if v.maxBody > 0 {
		reader = io.LimitReader(r.Body, v.maxBody+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, apperrors.NewValidationError("body", "", fmt.Sprintf("failed to read request body: %v", err))
	}
	if v.maxBody > 0 && int64(len(body)) > v.maxBody {
		return nil, apperrors.NewValidationError("body", "",
			fmt.Sprintf("request too large (max %d bytes)", v.maxBody))
	}
	return body, nil
}

// Sign returns the hex HMAC-SHA512 of body under secret
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
