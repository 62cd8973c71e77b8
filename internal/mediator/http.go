// Package mediator performs outbound delivery of message pointers to
// downstream webhooks, wrapping every call in retry, timeout, and
// circuit-breaker handling.
package mediator

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/haulstream/relay/internal/metrics"
	"github.com/haulstream/relay/internal/model"
)

// Mediator delivers one message pointer downstream and classifies the result.
type Mediator interface {
	Process(msg *model.MessagePointer) *model.MediationOutcome
}

// Config holds HTTP mediator settings.
type Config struct {
	// Timeout bounds one attempt end to end. Production default is 15
	// minutes: mediation targets do real work before responding.
	Timeout time.Duration

	// MaxAttempts per message, connection errors only.
	MaxAttempts int

	// RetryBaseDelay between attempts; jittered by ±RetryJitter.
	RetryBaseDelay time.Duration
	RetryJitter    time.Duration

	// MaxIdleConns / MaxIdleConnsPerHost tune the shared transport.
	MaxIdleConns        int
	MaxIdleConnsPerHost int

	// ForceHTTP1 disables HTTP/2; some webhook receivers misbehave on h2.
	ForceHTTP1 bool

	Breaker BreakerSettings
}

func DefaultConfig() *Config {
	return &Config{
		Timeout:             15 * time.Minute,
		MaxAttempts:         3,
		RetryBaseDelay:      time.Second,
		RetryJitter:         500 * time.Millisecond,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		Breaker:             DefaultBreakerSettings(),
	}
}

// HTTPMediator posts the serialized pointer to the message's mediation
// target with bearer auth.
type HTTPMediator struct {
	client   *http.Client
	config   *Config
	breakers *BreakerRegistry
}

func NewHTTPMediator(cfg *Config) *HTTPMediator {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   !cfg.ForceHTTP1,
	}
	if cfg.ForceHTTP1 {
		transport.TLSNextProto = make(map[string]func(string, *tls.Conn) http.RoundTripper)
	}

	return &HTTPMediator{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		config:   cfg,
		breakers: NewBreakerRegistry(cfg.Breaker),
	}
}

// Breakers exposes the breaker registry for the monitoring API.
func (m *HTTPMediator) Breakers() *BreakerRegistry {
	return m.breakers
}

// Process delivers the message. The circuit breaker is keyed by target host
// so one dead endpoint does not block delivery to others. Client-side
// rejections (ERROR_PROCESS) do not count against the breaker.
func (m *HTTPMediator) Process(msg *model.MessagePointer) *model.MediationOutcome {
	target, err := url.Parse(msg.MediationTarget)
	if err != nil || target.Host == "" {
		return &model.MediationOutcome{
			Result: model.MediationErrorProcess,
			Err:    fmt.Errorf("invalid mediation target %q: %w", msg.MediationTarget, err),
		}
	}

	cb := m.breakers.Get(target.Host)

	result, err := cb.Execute(func() (any, error) {
		outcome := m.executeWithRetry(msg)
		switch outcome.Result {
		case model.MediationErrorConnection, model.MediationErrorServer:
			return outcome, breakerFailure{outcome}
		default:
			return outcome, nil
		}
	})

	if err != nil {
		var bf breakerFailure
		if errors.As(err, &bf) {
			return bf.outcome
		}
		// Breaker refused the call without touching the network.
		slog.Debug("Circuit breaker open, failing fast",
			"messageId", msg.ID,
			"target", target.Host)
		return &model.MediationOutcome{
			Result: model.MediationErrorConnection,
			Err:    fmt.Errorf("circuit breaker %s: %w", target.Host, err),
		}
	}

	return result.(*model.MediationOutcome)
}

// breakerFailure carries an outcome through gobreaker's error path so
// connection and server errors feed its failure counts.
type breakerFailure struct {
	outcome *model.MediationOutcome
}

func (b breakerFailure) Error() string {
	if b.outcome.Err != nil {
		return b.outcome.Err.Error()
	}
	return string(b.outcome.Result)
}

// executeWithRetry retries connection errors only. Server and process
// errors go straight back to the pool; broker redelivery owns those.
func (m *HTTPMediator) executeWithRetry(msg *model.MessagePointer) *model.MediationOutcome {
	var outcome *model.MediationOutcome

	for attempt := 1; attempt <= m.config.MaxAttempts; attempt++ {
		outcome = m.executeOnce(msg)
		if outcome.Result != model.MediationErrorConnection {
			return outcome
		}

		if attempt < m.config.MaxAttempts {
			delay := m.retryDelay()
			slog.Debug("Retrying mediation after connection error",
				"messageId", msg.ID,
				"attempt", attempt,
				"delay", delay,
				"error", outcome.Err)
			metrics.MediatorRetries.Inc()
			time.Sleep(delay)
		}
	}

	return outcome
}

// retryDelay returns the base delay with symmetric jitter applied.
func (m *HTTPMediator) retryDelay() time.Duration {
	jitter := m.config.RetryJitter
	if jitter <= 0 {
		return m.config.RetryBaseDelay
	}
	offset := time.Duration(rand.Int63n(int64(2*jitter))) - jitter
	delay := m.config.RetryBaseDelay + offset
	if delay < 0 {
		delay = 0
	}
	return delay
}

func (m *HTTPMediator) executeOnce(msg *model.MessagePointer) *model.MediationOutcome {
	body, err := json.Marshal(msg)
	if err != nil {
		return &model.MediationOutcome{
			Result: model.MediationErrorProcess,
			Err:    fmt.Errorf("marshal pointer: %w", err),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.MediationTarget, bytes.NewReader(body))
	if err != nil {
		return &model.MediationOutcome{
			Result: model.MediationErrorProcess,
			Err:    fmt.Errorf("build request: %w", err),
		}
	}
	req.Header.Set("Content-Type", "application/json")
	if msg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+msg.AuthToken)
	}

	start := time.Now()
	resp, err := m.client.Do(req)
	metrics.MediatorDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.MediatorRequests.WithLabelValues("connection_error").Inc()
		return m.classifyTransportError(msg, err)
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()

	metrics.MediatorRequests.WithLabelValues(statusClass(resp.StatusCode)).Inc()
	return m.classifyStatus(msg, resp)
}

// classifyTransportError maps network failures to ERROR_CONNECTION.
func (m *HTTPMediator) classifyTransportError(msg *model.MessagePointer, err error) *model.MediationOutcome {
	outcome := &model.MediationOutcome{
		Result: model.MediationErrorConnection,
		Err:    err,
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		slog.Warn("Mediation timed out", "messageId", msg.ID, "timeout", m.config.Timeout)
	case errors.As(err, &netErr) && netErr.Timeout():
		slog.Warn("Mediation network timeout", "messageId", msg.ID, "error", err)
	default:
		slog.Warn("Mediation connection failure", "messageId", msg.ID, "error", err)
	}
	return outcome
}

// classifyStatus maps the HTTP response to a mediation result.
//
// 404 maps to SUCCESS: the downstream no longer knows the work item, and
// redelivering the pointer forever cannot fix that.
func (m *HTTPMediator) classifyStatus(msg *model.MessagePointer, resp *http.Response) *model.MediationOutcome {
	code := resp.StatusCode

	switch {
	case code >= 200 && code < 300:
		return &model.MediationOutcome{Result: model.MediationSuccess, StatusCode: code}

	case code == http.StatusNotFound:
		slog.Debug("Mediation target reported 404, treating as done", "messageId", msg.ID)
		return &model.MediationOutcome{Result: model.MediationSuccess, StatusCode: code}

	case code == http.StatusTooManyRequests:
		delay := parseRetryAfter(resp)
		slog.Info("Mediation target throttling",
			"messageId", msg.ID,
			"delaySeconds", delay)
		return &model.MediationOutcome{
			Result:       model.MediationErrorServer,
			StatusCode:   code,
			DelaySeconds: delay,
		}

	case code == http.StatusRequestTimeout || code >= 500:
		slog.Warn("Mediation server error", "messageId", msg.ID, "status", code)
		return &model.MediationOutcome{Result: model.MediationErrorServer, StatusCode: code}

	default:
		slog.Warn("Mediation rejected by target", "messageId", msg.ID, "status", code)
		return &model.MediationOutcome{Result: model.MediationErrorProcess, StatusCode: code}
	}
}

// parseRetryAfter reads a delay-seconds Retry-After header, clamped to the
// maximum redelivery delay. Returns 0 when absent or unparseable.
func parseRetryAfter(resp *http.Response) int {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	if secs > model.MaxRetryDelaySeconds {
		return model.MaxRetryDelaySeconds
	}
	return secs
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
