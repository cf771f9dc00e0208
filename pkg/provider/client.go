package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"walink/pkg/circuitbreaker"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultIntegration = "WHATSAPP-BAILEYS"
	maxErrorBodyBytes  = 64 << 10
	tracerName         = "walink/provider"
)

// Webhook events the provider is asked to push for every instance
var webhookEvents = []string{"QRCODE_UPDATED", "CONNECTION_UPDATE", "MESSAGES_UPSERT"}

// Config configures the provider client
type Config struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	Integration string
	// WebhookURL is registered on each created instance when set
	WebhookURL     string
	WebhookHeaders map[string]string
	Breaker        *circuitbreaker.CircuitBreaker
	HTTPClient     *http.Client
	Logger         *logrus.Logger
	// OnCall observes every request outcome, e.g. for metrics
	OnCall func(op string, statusCode int, duration time.Duration, err error)
}

// Client talks to the provider's REST API
type Client struct {
	cfg     Config
	baseURL string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *logrus.Logger
}

var _ Gateway = (*Client)(nil)

// NewClient creates a provider client
func NewClient(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Integration == "" {
		cfg.Integration = defaultIntegration
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = circuitbreaker.New(circuitbreaker.Config{
			Name:      "provider",
			IsFailure: CountsAgainstBreaker,
			Logger:    cfg.Logger,
		})
	}
	return &Client{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  httpClient,
		breaker: breaker,
		logger:  cfg.Logger,
	}
}

// Breaker exposes the client's circuit breaker for health reporting
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker {
	return c.breaker
}

// CreateInstance allocates a provider instance
func (c *Client) CreateInstance(ctx context.Context, req CreateInstanceRequest) (*CreateInstanceResult, error) {
	body := createInstanceBody{
		InstanceName: req.InstanceName,
		Number:       req.Number,
		QRCode:       true,
		Integration:  c.cfg.Integration,
	}
	if c.cfg.WebhookURL != "" {
		body.Webhook = &webhookConfig{
			URL:     c.cfg.WebhookURL,
			Base64:  true,
			Headers: c.cfg.WebhookHeaders,
			Events:  webhookEvents,
		}
	}

	var resp createInstanceResponse
	if err := c.do(ctx, "create_instance", http.MethodPost, "/instance/create", body, &resp); err != nil {
		return nil, err
	}

	instanceID := resp.Instance.InstanceName
	if instanceID == "" {
		instanceID = req.InstanceName
	}
	result := &CreateInstanceResult{Success: true, InstanceID: instanceID}
	if resp.QRCode != nil {
		result.QRCode = resp.QRCode.payload()
	}
	return result, nil
}

// GetQRCode fetches the current pairing code. An empty QRCode means not ready yet.
func (c *Client) GetQRCode(ctx context.Context, instanceID string) (*QRCodeResult, error) {
	var resp connectResponse
	if err := c.do(ctx, "get_qrcode", http.MethodGet, "/instance/connect/"+url.PathEscape(instanceID), nil, &resp); err != nil {
		return nil, err
	}
	return &QRCodeResult{
		Success:     true,
		QRCode:      resp.payload(),
		PairingCode: resp.PairingCode,
	}, nil
}

// CheckStatus reports whether the instance is linked
func (c *Client) CheckStatus(ctx context.Context, instanceID string) (*StatusResult, error) {
	var resp connectionStateResponse
	if err := c.do(ctx, "check_status", http.MethodGet, "/instance/connectionState/"+url.PathEscape(instanceID), nil, &resp); err != nil {
		return nil, err
	}
	return &StatusResult{
		Connected: resp.Instance.State == StateOpen,
		State:     resp.Instance.State,
	}, nil
}

// DeleteInstance removes the instance. A missing instance is treated as deleted.
func (c *Client) DeleteInstance(ctx context.Context, instanceID string) error {
	err := c.do(ctx, "delete_instance", http.MethodDelete, "/instance/delete/"+url.PathEscape(instanceID), nil, nil)
	if StatusCode(err) == http.StatusNotFound {
		return nil
	}
	return err
}

// payload prefers the image-encodable base64 form over the raw code
func (r *connectResponse) payload() string {
	if r.Base64 != "" {
		return r.Base64
	}
	return r.Code
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out interface{}) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "provider."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("provider.operation", op),
		))
	defer span.End()

	start := time.Now()
	statusCode := 0
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		statusCode, err = c.roundTrip(ctx, op, method, path, in, out)
		return err
	})

	if statusCode > 0 {
		span.SetAttributes(attribute.Int("http.status_code", statusCode))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if c.cfg.OnCall != nil {
		c.cfg.OnCall(op, statusCode, time.Since(start), err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, op, method, path string, in, out interface{}) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("apikey", c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("provider %s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return resp.StatusCode, &StatusError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(data),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return resp.StatusCode, fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return resp.StatusCode, nil
}

func errorMessage(data []byte) string {
	var er errorResponse
	if err := json.Unmarshal(data, &er); err == nil {
		for _, v := range []interface{}{er.Response, er.Message} {
			if msg := flatten(v); msg != "" {
				return msg
			}
		}
		if er.Error != "" {
			return er.Error
		}
	}
	return strings.TrimSpace(string(data))
}

// flatten renders the provider's nested {"message": [...]} error shapes as text
func flatten(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []interface{}:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s := flatten(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "; ")
	case map[string]interface{}:
		return flatten(t["message"])
	}
	return ""
}
