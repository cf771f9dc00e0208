package metrics

import (
	"strconv"
	"time"
)

// Metric names
const (
	HTTPRequests         = "http_requests_total"
	HTTPRequestDuration  = "http_request_duration"
	ProviderCalls        = "provider_calls_total"
	ProviderCallDuration = "provider_call_duration"
	WebhookEvents        = "webhook_events_total"
	AttemptOutcomes      = "pairing_attempts_total"
	ActiveAttempts       = "pairing_attempts_active"
	ForwardedMessages    = "forwarded_messages_total"
	SweptConnections     = "swept_connections_total"
	BreakerTransitions   = "circuit_breaker_transitions_total"
	BreakerOpen          = "circuit_breaker_open"
)

// RecordHTTPRequest counts and times one served request
func RecordHTTPRequest(r *Registry, route, method string, status int, d time.Duration) {
	labels := map[string]string{"route": route, "method": method, "status": strconv.Itoa(status)}
	r.IncrementCounter(HTTPRequests, labels, "HTTP requests served")
	r.RecordTimer(HTTPRequestDuration, d, map[string]string{"route": route})
}

// RecordProviderCall counts and times one provider API call
func RecordProviderCall(r *Registry, op string, status int, d time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	r.IncrementCounter(ProviderCalls, map[string]string{"op": op, "outcome": outcome, "status": strconv.Itoa(status)},
		"Provider API calls")
	r.RecordTimer(ProviderCallDuration, d, map[string]string{"op": op})
}

// RecordWebhookEvent counts a provider webhook delivery by kind and result
func RecordWebhookEvent(r *Registry, event, result string) {
	r.IncrementCounter(WebhookEvents, map[string]string{"event": event, "result": result}, "Provider webhook events")
}

// RecordAttemptOutcome counts a finished pairing attempt
func RecordAttemptOutcome(r *Registry, outcome string) {
	r.IncrementCounter(AttemptOutcomes, map[string]string{"outcome": outcome}, "Pairing attempts by outcome")
}

// AdjustActiveAttempts moves the live pairing attempt gauge
func AdjustActiveAttempts(r *Registry, delta float64) {
	r.AddToGauge(ActiveAttempts, delta, nil, "Pairing attempts in progress", false)
}

// RecordForward counts a message handed to the ingestion collaborator
func RecordForward(r *Registry, result string) {
	r.IncrementCounter(ForwardedMessages, map[string]string{"result": result}, "messages.upsert payloads forwarded")
}

// RecordSweep counts attempts failed by the stale sweeper
func RecordSweep(r *Registry, n int) {
	r.AddToCounter(SweptConnections, float64(n), nil, "Stale pairing attempts failed")
}

// RecordBreakerTransition counts circuit breaker state changes
func RecordBreakerTransition(r *Registry, name, to string) {
	r.IncrementCounter(BreakerTransitions, map[string]string{"breaker": name, "to": to}, "Circuit breaker transitions")
	open := 0.0
	if to == "OPEN" {
		open = 1
	}
	r.SetGauge(BreakerOpen, open, map[string]string{"breaker": name}, "1 while the circuit breaker rejects calls")
}
