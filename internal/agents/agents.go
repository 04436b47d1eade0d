// Package agents holds the typed HTTP clients for the downstream
// specialist services (transcription, RAG, memory, web search). Every
// call goes through the shared breaker registry and retry policy.
package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"imovelbot/internal/faults"
	"imovelbot/internal/observability"
	"imovelbot/internal/resilience"
)

const (
	AgentTranscription = "transcription"
	AgentRAG           = "rag"
	AgentMemory        = "memory"
	AgentWebSearch     = "websearch"
	AgentDatabase      = "database"
)

var validate = validator.New()

// Result is the uniform agent outcome. Failed calls carry the error
// text instead of propagating it, so workflow nodes can degrade.
type Result struct {
	Agent   string          `json:"agent"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type Config struct {
	TranscriptionURL     string
	RAGURL               string
	MemoryURL            string
	WebSearchURL         string
	DatabaseURL          string
	Timeout              time.Duration
	TranscriptionTimeout time.Duration
}

// Dispatcher fans typed requests out to the configured agents over a
// shared transport with a bounded per-host connection pool.
type Dispatcher struct {
	config   Config
	client   *http.Client
	breakers *resilience.BreakerRegistry
	policy   resilience.RetryPolicy
	logger   *zap.Logger
	metrics  *observability.Metrics
}

func NewDispatcher(config Config, breakers *resilience.BreakerRegistry, logger *zap.Logger, metrics *observability.Metrics) *Dispatcher {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.TranscriptionTimeout <= 0 {
		config.TranscriptionTimeout = 60 * time.Second
	}
	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Dispatcher{
		config:   config,
		client:   &http.Client{Transport: transport},
		breakers: breakers,
		policy:   resilience.DefaultRetryPolicy(),
		logger:   logger,
		metrics:  metrics,
	}
}

// Execute posts the validated payload to the named agent at the given
// path and wraps the outcome in a Result. Transport failures and
// retryable status codes are retried behind the per-function breaker.
func (d *Dispatcher) Execute(ctx context.Context, corr observability.Correlation, agent, function, path string, payload interface{}) Result {
	baseURL, timeout, err := d.target(agent)
	if err != nil {
		return failed(agent, err)
	}
	if payload != nil {
		if err := validate.Struct(payload); err != nil {
			return failed(agent, faults.Validation("invalid %s request: %v", agent, err))
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return failed(agent, faults.Internal(err, "encode %s request", agent))
	}

	start := time.Now()
	var data json.RawMessage
	callErr := d.breakers.Execute(ctx, agent, function, func(ctx context.Context) error {
		return resilience.Retry(ctx, d.logger, corr, d.policy, agent+"."+function, func(ctx context.Context) error {
			var err error
			data, err = d.post(ctx, baseURL+path, body, timeout)
			return err
		})
	})

	status := "ok"
	if callErr != nil {
		status = "error"
	}
	if d.metrics != nil {
		d.metrics.AgentCallsTotal.WithLabelValues(agent, function, status).Inc()
		d.metrics.AgentCallDuration.WithLabelValues(agent, function).Observe(time.Since(start).Seconds())
	}
	if callErr != nil {
		d.logger.Warn("agent call failed",
			append(corr.Fields(),
				zap.String("agent", agent),
				zap.String("function", function),
				zap.Error(callErr))...)
		return failed(agent, callErr)
	}
	return Result{Agent: agent, Success: true, Data: data}
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte, timeout time.Duration) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, faults.Internal(err, "build agent request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, faults.Timeout(err, "agent call timed out")
		}
		return nil, faults.Connection(err, "agent unreachable")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, faults.Connection(err, "read agent response")
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return respBody, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, faults.RateLimited("agent throttled the call")
	case resp.StatusCode >= 500:
		return nil, faults.External(fmt.Errorf("status %d: %s", resp.StatusCode, truncate(respBody, 200)), "agent returned server error")
	default:
		return nil, faults.BusinessRule("agent rejected the call: status %d: %s", resp.StatusCode, truncate(respBody, 200))
	}
}

func (d *Dispatcher) target(agent string) (string, time.Duration, error) {
	switch agent {
	case AgentTranscription:
		return d.config.TranscriptionURL, d.config.TranscriptionTimeout, nil
	case AgentRAG:
		return d.config.RAGURL, d.config.Timeout, nil
	case AgentMemory:
		return d.config.MemoryURL, d.config.Timeout, nil
	case AgentWebSearch:
		return d.config.WebSearchURL, d.config.Timeout, nil
	case AgentDatabase:
		return d.config.DatabaseURL, d.config.Timeout, nil
	default:
		return "", 0, faults.Validation("unknown agent %q", agent)
	}
}

func failed(agent string, err error) Result {
	return Result{Agent: agent, Success: false, Error: err.Error()}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
