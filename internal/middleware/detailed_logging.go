package middleware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"walink/internal/httputil"
	"walink/internal/privacy"
	"walink/internal/service"
	"walink/internal/tracing"

	"github.com/sirupsen/logrus"
)

const maskedValue = "***MASKED***"

// DetailedLoggingConfig controls what gets logged
type DetailedLoggingConfig struct {
	LogRequestHeaders  bool     `json:"log_request_headers"`
	LogResponseHeaders bool     `json:"log_response_headers"`
	LogRequestBody     bool     `json:"log_request_body"`
	LogResponseBody    bool     `json:"log_response_body"`
	MaxBodySize        int      `json:"max_body_size"`
	SensitiveHeaders   []string `json:"sensitive_headers"`
	SkipSuffixes       []string `json:"skip_suffixes"`
}

// DefaultDetailedLoggingConfig is what -verbose turns on
func DefaultDetailedLoggingConfig() DetailedLoggingConfig {
	return DetailedLoggingConfig{
		LogRequestHeaders: true,
		LogRequestBody:    true,
		MaxBodySize:       4096,
		SensitiveHeaders: []string{
			"authorization", "apikey", "x-webhook-hmac",
			"cookie", "set-cookie",
		},
		// the pairing socket must reach the handler unwrapped
		SkipSuffixes: []string{"/metrics", "/health", "/pair"},
	}
}

// DetailedLoggingMiddleware logs request and response details at debug level.
// Credentials are masked; JSON bodies have phone numbers, user ids, instance
// ids and QR payloads masked before they reach the log.
func DetailedLoggingMiddleware(logger *logrus.Logger, config DetailedLoggingConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, suffix := range config.SkipSuffixes {
				if strings.HasSuffix(r.URL.Path, suffix) {
					next.ServeHTTP(w, r)
					return
				}
			}

			requestID := tracing.GetRequestID(r.Context())
			logRequestDetails(logger, r, requestID, config)

			if !config.LogResponseBody && !config.LogResponseHeaders {
				next.ServeHTTP(w, r)
				return
			}

			capture := &responseCaptureWrapper{
				ResponseWriter: w,
				body:           bytes.NewBuffer(nil),
				statusCode:     http.StatusOK,
			}
			next.ServeHTTP(capture, r)
			logResponseDetails(logger, capture, requestID, config)
		})
	}
}

func logRequestDetails(logger *logrus.Logger, r *http.Request, requestID string, config DetailedLoggingConfig) {
	fields := logrus.Fields{
		service.LogFieldRequestID: requestID,
		service.LogFieldMethod:    r.Method,
		service.LogFieldURL:       redactQuery(r),
		service.LogFieldRemoteIP:  httputil.ClientIP(r),
		service.LogFieldUserAgent: r.UserAgent(),
		"content_length":          r.ContentLength,
		"protocol":                r.Proto,
	}

	if config.LogRequestHeaders {
		fields["request_headers"] = maskHeaders(r.Header, config.SensitiveHeaders)
	}

	if config.LogRequestBody && isJSON(r.Header.Get("Content-Type")) &&
		r.ContentLength > 0 && r.ContentLength <= int64(config.MaxBodySize) {
		body, err := io.ReadAll(r.Body)
		if err == nil {
			r.Body = io.NopCloser(bytes.NewReader(body))
			fields["request_body"] = maskBody(body)
		}
	}

	logger.WithFields(fields).Debug("Detailed request logging")
}

func logResponseDetails(logger *logrus.Logger, capture *responseCaptureWrapper, requestID string, config DetailedLoggingConfig) {
	fields := logrus.Fields{
		service.LogFieldRequestID:  requestID,
		service.LogFieldStatusCode: capture.statusCode,
		service.LogFieldSize:       capture.body.Len(),
	}

	if config.LogResponseHeaders {
		fields["response_headers"] = maskHeaders(capture.Header(), config.SensitiveHeaders)
	}

	if config.LogResponseBody && capture.body.Len() > 0 {
		if capture.body.Len() <= config.MaxBodySize {
			fields["response_body"] = maskBody(capture.body.Bytes())
		} else {
			fields["response_body"] = fmt.Sprintf("***TRUNCATED*** (size: %d bytes)", capture.body.Len())
		}
	}

	logger.WithFields(fields).Debug("Detailed response logging")
}

// responseCaptureWrapper tees the response body into a buffer
type responseCaptureWrapper struct {
	http.ResponseWriter
	body       *bytes.Buffer
	statusCode int
}

func (rc *responseCaptureWrapper) Write(data []byte) (int, error) {
	n, err := rc.ResponseWriter.Write(data)
	rc.body.Write(data[:n])
	return n, err
}

func (rc *responseCaptureWrapper) WriteHeader(statusCode int) {
	rc.statusCode = statusCode
	rc.ResponseWriter.WriteHeader(statusCode)
}

func maskHeaders(h http.Header, sensitive []string) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if isSensitiveHeader(name, sensitive) {
			out[name] = maskedValue
		} else {
			out[name] = strings.Join(values, ", ")
		}
	}
	return out
}

func isSensitiveHeader(headerName string, sensitiveHeaders []string) bool {
	for _, sensitive := range sensitiveHeaders {
		if strings.EqualFold(sensitive, headerName) {
			return true
		}
	}
	return false
}

// redactQuery hides the websocket access_token query parameter
func redactQuery(r *http.Request) string {
	q := r.URL.Query()
	if q.Get(accessTokenParam) == "" {
		return r.URL.String()
	}
	q.Set(accessTokenParam, maskedValue)
	u := *r.URL
	u.RawQuery = q.Encode()
	return u.String()
}

// maskBody masks known keys at the top level and inside a webhook "data" object
func maskBody(body []byte) interface{} {
	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Sprintf("<%d bytes>", len(body))
	}
	doc = privacy.MaskSensitiveFields(doc)
	if data, ok := doc["data"].(map[string]interface{}); ok {
		doc["data"] = privacy.MaskSensitiveFields(data)
	}
	return doc
}

func isJSON(contentType string) bool {
	return strings.Contains(contentType, "application/json")
}
