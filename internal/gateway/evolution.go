// Package gateway talks to the Evolution API, the WhatsApp channel
// gateway that delivers replies and presence updates.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"imovelbot/internal/faults"
	"imovelbot/internal/observability"
	"imovelbot/internal/resilience"
)

const serviceName = "evolution"

type Presence string

const (
	PresenceComposing Presence = "composing"
	PresencePaused    Presence = "paused"
)

type Client struct {
	baseURL  string
	apiKey   string
	client   *http.Client
	breakers *resilience.BreakerRegistry
	policy   resilience.RetryPolicy
	logger   *zap.Logger
	metrics  *observability.Metrics
}

func NewClient(baseURL, apiKey string, breakers *resilience.BreakerRegistry, logger *zap.Logger, metrics *observability.Metrics) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 30 * time.Second},
		breakers: breakers,
		policy:   resilience.DefaultRetryPolicy(),
		logger:   logger,
		metrics:  metrics,
	}
}

type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
	Quoted *struct {
		Key struct {
			ID string `json:"id"`
		} `json:"key"`
	} `json:"quoted,omitempty"`
}

// SendText delivers a reply into the conversation. quotedID, when set,
// renders the reply as a quote of the original message.
func (c *Client) SendText(ctx context.Context, corr observability.Correlation, instance, number, text, quotedID string) error {
	req := sendTextRequest{Number: number, Text: text}
	if quotedID != "" {
		req.Quoted = &struct {
			Key struct {
				ID string `json:"id"`
			} `json:"key"`
		}{}
		req.Quoted.Key.ID = quotedID
	}
	err := c.call(ctx, corr, "send_text", "/message/sendText/"+instance, req)
	if c.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		c.metrics.RepliesTotal.WithLabelValues(status).Inc()
	}
	return err
}

// SetPresence flips the typing indicator. Failures are logged and
// swallowed by callers since presence is cosmetic.
func (c *Client) SetPresence(ctx context.Context, corr observability.Correlation, instance, number string, presence Presence) error {
	return c.call(ctx, corr, "set_presence", "/chat/presence/"+instance, map[string]interface{}{
		"number":   number,
		"presence": string(presence),
		"delay":    1200,
	})
}

// MarkRead flags the inbound message as read in the channel.
func (c *Client) MarkRead(ctx context.Context, corr observability.Correlation, instance, remoteJid, messageID string) error {
	return c.call(ctx, corr, "mark_read", "/chat/markMessageAsRead/"+instance, map[string]interface{}{
		"readMessages": []map[string]interface{}{
			{"remoteJid": remoteJid, "id": messageID, "fromMe": false},
		},
	})
}

// Healthy probes the gateway root without breaker involvement, for the
// health endpoint's dependency report.
func (c *Client) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return false
	}
	req.Header.Set("apikey", c.apiKey)
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))
	return resp.StatusCode < 500
}

func (c *Client) call(ctx context.Context, corr observability.Correlation, function, path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return faults.Internal(err, "encode gateway request")
	}
	return c.breakers.Execute(ctx, serviceName, function, func(ctx context.Context) error {
		return resilience.Retry(ctx, c.logger, corr, c.policy, serviceName+"."+function, func(ctx context.Context) error {
			return c.post(ctx, path, body)
		})
	})
}

func (c *Client) post(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return faults.Internal(err, "build gateway request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return faults.Timeout(err, "gateway call timed out")
		}
		return faults.Connection(err, "gateway unreachable")
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return faults.Auth("gateway rejected credentials: status %d", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return faults.RateLimited("gateway throttled the call")
	case resp.StatusCode >= 500:
		return faults.External(fmt.Errorf("status %d: %s", resp.StatusCode, respBody), "gateway server error")
	default:
		return faults.BusinessRule("gateway rejected the call: status %d: %s", resp.StatusCode, respBody)
	}
}
