package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"imovelbot/internal/faults"
	"imovelbot/internal/observability"
	"imovelbot/internal/resilience"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	breakers := resilience.NewBreakerRegistry(zap.NewNop(), nil, resilience.DefaultBreakerConfig())
	c := NewClient(srv.URL, "secret-key", breakers, zap.NewNop(), nil)
	c.policy = resilience.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	return c
}

func TestSendTextRequestShape(t *testing.T) {
	var got map[string]interface{}
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/message/sendText/inst1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("apikey") != "secret-key" {
			t.Errorf("apikey header = %q", r.Header.Get("apikey"))
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusCreated)
	}))

	err := c.SendText(context.Background(), observability.Correlation{}, "inst1", "5511999990000", "Olá!", "MSG123")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if got["number"] != "5511999990000" || got["text"] != "Olá!" {
		t.Errorf("payload = %v", got)
	}
	quoted, _ := got["quoted"].(map[string]interface{})
	key, _ := quoted["key"].(map[string]interface{})
	if key["id"] != "MSG123" {
		t.Errorf("quoted key = %v", got["quoted"])
	}
}

func TestSendTextWithoutQuote(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var got map[string]interface{}
		json.Unmarshal(body, &got)
		if _, ok := got["quoted"]; ok {
			t.Error("quoted must be omitted when no quote id is given")
		}
	}))
	if err := c.SendText(context.Background(), observability.Correlation{}, "inst1", "5511999990000", "oi", ""); err != nil {
		t.Fatalf("SendText: %v", err)
	}
}

func TestSetPresencePayload(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/presence/inst1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		var got map[string]interface{}
		json.Unmarshal(body, &got)
		if got["presence"] != "composing" {
			t.Errorf("presence = %v", got["presence"])
		}
	}))
	if err := c.SetPresence(context.Background(), observability.Correlation{}, "inst1", "5511999990000", PresenceComposing); err != nil {
		t.Fatalf("SetPresence: %v", err)
	}
}

func TestMarkReadPayload(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var got struct {
			ReadMessages []map[string]interface{} `json:"readMessages"`
		}
		json.Unmarshal(body, &got)
		if len(got.ReadMessages) != 1 {
			t.Fatalf("readMessages = %v", got.ReadMessages)
		}
		m := got.ReadMessages[0]
		if m["remoteJid"] != "5511999990000@s.whatsapp.net" || m["id"] != "MSG1" || m["fromMe"] != false {
			t.Errorf("entry = %v", m)
		}
	}))
	err := c.MarkRead(context.Background(), observability.Correlation{}, "inst1", "5511999990000@s.whatsapp.net", "MSG1")
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   faults.Kind
	}{
		{http.StatusUnauthorized, faults.KindAuth},
		{http.StatusForbidden, faults.KindAuth},
		{http.StatusTooManyRequests, faults.KindRateLimited},
		{http.StatusBadRequest, faults.KindBusinessRule},
	}
	for _, tc := range cases {
		status := tc.status
		c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		err := c.SendText(context.Background(), observability.Correlation{}, "i", "5511", "x", "")
		if err == nil {
			t.Errorf("status %d should fail", tc.status)
			continue
		}
		if faults.KindOf(err) != tc.want {
			t.Errorf("status %d kind = %s, want %s", tc.status, faults.KindOf(err), tc.want)
		}
	}
}

func TestServerErrorIsExternal(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	err := c.SendText(context.Background(), observability.Correlation{}, "i", "5511", "x", "")
	if faults.KindOf(err) != faults.KindExternal {
		t.Errorf("kind = %s, want external", faults.KindOf(err))
	}
	if !faults.Retryable(err) {
		t.Error("gateway 5xx must be retryable")
	}
}

func TestHealthy(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound) // a reachable gateway, even on 404
	}))
	if !c.Healthy(context.Background()) {
		t.Error("reachable gateway should report healthy")
	}

	down := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	if down.Healthy(context.Background()) {
		t.Error("5xx gateway should report unhealthy")
	}
}
