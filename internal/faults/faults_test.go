package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{Validation("bad input"), KindValidation},
		{Timeout(nil, "too slow"), KindTimeout},
		{Connection(nil, "refused"), KindConnection},
		{CircuitOpen("rag", "query"), KindCircuitOpen},
		{BusinessRule("rejected"), KindBusinessRule},
		{fmt.Errorf("wrapped: %w", NotFound("missing")), KindNotFound},
		{errors.New("plain"), KindInternal},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Errorf("KindOf(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if Retryable(Validation("bad")) {
		t.Error("validation errors must not be retryable")
	}
	if Retryable(BusinessRule("no")) {
		t.Error("business rule errors must not be retryable")
	}
	if !Retryable(Connection(nil, "refused")) {
		t.Error("connection errors must be retryable")
	}
	if !Retryable(Timeout(nil, "slow")) {
		t.Error("timeouts must be retryable")
	}
	if Retryable(context.Canceled) {
		t.Error("cancellation must not be retryable")
	}
	if !Retryable(context.DeadlineExceeded) {
		t.Error("deadline exceeded must be retryable")
	}
	if !Retryable(CircuitOpen("svc", "fn")) {
		t.Error("open breaker should be retryable once the window passes")
	}
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("dial tcp: refused")
	err := Connection(inner, "redis down")
	if !errors.Is(err, inner) {
		t.Error("wrapped cause must survive errors.Is")
	}
}

func TestClassifyText(t *testing.T) {
	cases := []struct {
		text string
		want Kind
	}{
		{"request timed out after 30s", KindTimeout},
		{"connection refused", KindConnection},
		{"invalid payload: missing field", KindValidation},
		{"rate limit exceeded", KindRateLimited},
		{"circuit breaker is open", KindCircuitOpen},
		{"something entirely new", KindOther},
	}
	for _, tc := range cases {
		if got := ClassifyText(tc.text); got != tc.want {
			t.Errorf("ClassifyText(%q) = %s, want %s", tc.text, got, tc.want)
		}
	}
}
