package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"imovelbot/internal/event"
	"imovelbot/internal/faults"
	"imovelbot/internal/gateway"
	"imovelbot/internal/idempotency"
	"imovelbot/internal/observability"
	"imovelbot/internal/persistence"
	"imovelbot/internal/resilience"
	"imovelbot/internal/stream"
	"imovelbot/internal/workflow"
)

// gatewayRecorder captures outbound gateway calls made during processing.
type gatewayRecorder struct {
	mu    sync.Mutex
	texts []string
	paths []string
}

func (g *gatewayRecorder) record(path, text string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paths = append(g.paths, path)
	if text != "" {
		g.texts = append(g.texts, text)
	}
}

func (g *gatewayRecorder) sentTexts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.texts...)
}

type fixture struct {
	worker   *Worker
	stream   *stream.Stream
	mr       *miniredis.Miniredis
	recorder *gatewayRecorder
}

func testWorker(t *testing.T, handler workflow.Handler) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := &persistence.RedisClient{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()})}
	logger := zap.NewNop()

	recorder := &gatewayRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Text string `json:"text"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		recorder.record(r.URL.Path, body.Text)
	}))
	t.Cleanup(srv.Close)

	breakers := resilience.NewBreakerRegistry(logger, nil, resilience.DefaultBreakerConfig())
	gw := gateway.NewClient(srv.URL, "key", breakers, logger, nil)

	registry := workflow.NewRegistry()
	def, err := workflow.Build(workflow.WorkflowGeneralConversation, "respond",
		[]workflow.Node{{Name: "respond", Handler: handler}}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	registry.Register(def)

	st := stream.New(client, logger)
	cfg := DefaultConfig()
	cfg.Block = 10 * time.Millisecond
	w := New(cfg,
		st,
		idempotency.NewStore(client, logger, nil, idempotency.DefaultTTL),
		gw,
		registry,
		workflow.NewEngine(logger, nil, nil),
		logger,
		nil,
	)
	return &fixture{worker: w, stream: st, mr: mr, recorder: recorder}
}

func enqueue(t *testing.T, f *fixture, retryCount int) stream.Entry {
	t.Helper()
	ctx := context.Background()
	if err := f.stream.EnsureGroup(ctx, stream.Topic, stream.Group); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	env := stream.Envelope{
		Event: &event.Inbound{
			GatewayMessageID: "MSG1",
			InstanceID:       "inst1",
			Phone:            "5511999990000",
			Kind:             event.KindText,
			Content:          "tudo bem por aí",
			Timestamp:        time.Now().UTC(),
		},
		Source:     "webhook",
		RetryCount: retryCount,
	}
	if _, err := f.stream.Publish(ctx, stream.Topic, env, "MSG1"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	entries, err := f.stream.Consume(ctx, stream.Topic, stream.Group, "test-consumer", 1, 10*time.Millisecond)
	if err != nil || len(entries) != 1 {
		t.Fatalf("Consume: %v (%d entries)", err, len(entries))
	}
	return entries[0]
}

func pendingCount(t *testing.T, f *fixture) int64 {
	t.Helper()
	n, err := f.stream.PendingCount(context.Background(), stream.Topic, stream.Group)
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	return n
}

func TestProcessSuccessRepliesAndAcks(t *testing.T) {
	f := testWorker(t, func(ctx context.Context, s workflow.State) (workflow.State, error) {
		s.SetReply("Tudo ótimo! Como posso ajudar?")
		return s, nil
	})
	entry := enqueue(t, f, 0)

	f.worker.process(context.Background(), entry)

	texts := f.recorder.sentTexts()
	if len(texts) != 1 || texts[0] != "Tudo ótimo! Como posso ajudar?" {
		t.Errorf("sent texts = %v", texts)
	}
	if n := pendingCount(t, f); n != 0 {
		t.Errorf("pending = %d, want acked", n)
	}
	if !f.mr.Exists("seen:MSG1") {
		t.Error("processed marker not written")
	}
}

func TestProcessEmptyReplySendsNeutralFallback(t *testing.T) {
	f := testWorker(t, func(ctx context.Context, s workflow.State) (workflow.State, error) {
		// completes cleanly without setting a reply
		return s, nil
	})
	entry := enqueue(t, f, 0)

	f.worker.process(context.Background(), entry)

	texts := f.recorder.sentTexts()
	if len(texts) != 1 || !strings.Contains(texts[0], "Tudo certo por aqui") {
		t.Errorf("neutral fallback not delivered: %v", texts)
	}
	if n := pendingCount(t, f); n != 0 {
		t.Errorf("pending = %d, want acked", n)
	}
}

func TestProcessReplyExactlyOnceAcrossRedelivery(t *testing.T) {
	f := testWorker(t, func(ctx context.Context, s workflow.State) (workflow.State, error) {
		s.SetReply("resposta")
		return s, nil
	})
	entry := enqueue(t, f, 0)

	f.worker.process(context.Background(), entry)
	// simulate a redelivery of the same stream entry
	f.worker.process(context.Background(), entry)

	if texts := f.recorder.sentTexts(); len(texts) != 1 {
		t.Errorf("reply sent %d times, want exactly once: %v", len(texts), texts)
	}
}

func TestProcessRetryableFailureRepublishes(t *testing.T) {
	f := testWorker(t, func(ctx context.Context, s workflow.State) (workflow.State, error) {
		return s, faults.External(errors.New("503"), "agent flaked")
	})
	entry := enqueue(t, f, 0)

	f.worker.process(context.Background(), entry)

	// original acked, a fresh attempt with a bumped retry count enqueued
	if n := pendingCount(t, f); n != 0 {
		t.Errorf("pending = %d, want original acked", n)
	}
	ctx := context.Background()
	entries, err := f.stream.Consume(ctx, stream.Topic, stream.Group, "test-consumer", 10, 10*time.Millisecond)
	if err != nil || len(entries) != 1 {
		t.Fatalf("republished entry missing: %v (%d)", err, len(entries))
	}
	if entries[0].Envelope.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", entries[0].Envelope.RetryCount)
	}
	if len(f.recorder.sentTexts()) != 0 {
		t.Error("no reply should be sent on a retryable failure")
	}
}

func TestProcessExhaustedRetriesDeadLettersWithApology(t *testing.T) {
	f := testWorker(t, func(ctx context.Context, s workflow.State) (workflow.State, error) {
		return s, faults.External(errors.New("503"), "agent down")
	})
	entry := enqueue(t, f, DefaultConfig().MaxRetries)

	f.worker.process(context.Background(), entry)

	dlqLen, err := f.stream.DLQLen(context.Background(), stream.Topic)
	if err != nil || dlqLen != 1 {
		t.Fatalf("dlq len = %d (%v), want 1", dlqLen, err)
	}
	if n := pendingCount(t, f); n != 0 {
		t.Errorf("pending = %d, want acked after dead-letter", n)
	}
	texts := f.recorder.sentTexts()
	if len(texts) != 1 || !strings.Contains(texts[0], "Desculpe") {
		t.Errorf("apology not delivered: %v", texts)
	}
}

func TestProcessNonRetryableFailureDeadLettersImmediately(t *testing.T) {
	f := testWorker(t, func(ctx context.Context, s workflow.State) (workflow.State, error) {
		return s, faults.BusinessRule("empty transcription")
	})
	entry := enqueue(t, f, 0)

	f.worker.process(context.Background(), entry)

	dlqLen, _ := f.stream.DLQLen(context.Background(), stream.Topic)
	if dlqLen != 1 {
		t.Errorf("dlq len = %d, want immediate dead-letter", dlqLen)
	}
}

func TestProcessShutdownLeavesEntryPending(t *testing.T) {
	started := make(chan struct{})
	f := testWorker(t, func(ctx context.Context, s workflow.State) (workflow.State, error) {
		close(started)
		<-ctx.Done()
		return s, ctx.Err()
	})
	entry := enqueue(t, f, 0)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	f.worker.process(ctx, entry)

	if n := pendingCount(t, f); n != 1 {
		t.Errorf("pending = %d, want entry left for auto-claim", n)
	}
	dlqLen, _ := f.stream.DLQLen(context.Background(), stream.Topic)
	if dlqLen != 0 {
		t.Errorf("dlq len = %d, shutdown must not dead-letter", dlqLen)
	}
}

func TestProcessEntryWithoutEventDeadLetters(t *testing.T) {
	f := testWorker(t, func(ctx context.Context, s workflow.State) (workflow.State, error) {
		return s, nil
	})
	ctx := context.Background()
	if err := f.stream.EnsureGroup(ctx, stream.Topic, stream.Group); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	if _, err := f.stream.Publish(ctx, stream.Topic, stream.Envelope{Source: "webhook"}, ""); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	entries, err := f.stream.Consume(ctx, stream.Topic, stream.Group, "test-consumer", 1, 10*time.Millisecond)
	if err != nil || len(entries) != 1 {
		t.Fatalf("Consume: %v", err)
	}

	f.worker.process(ctx, entries[0])

	dlqLen, _ := f.stream.DLQLen(ctx, stream.Topic)
	if dlqLen != 1 {
		t.Errorf("dlq len = %d, want 1", dlqLen)
	}
}

func TestRetryDelayCapped(t *testing.T) {
	if retryDelay(0) != time.Second {
		t.Errorf("retryDelay(0) = %v", retryDelay(0))
	}
	if retryDelay(3) != 8*time.Second {
		t.Errorf("retryDelay(3) = %v", retryDelay(3))
	}
	if retryDelay(10) != 60*time.Second {
		t.Errorf("retryDelay(10) = %v", retryDelay(10))
	}
}

func TestAudioChainRunsFollowUpWorkflow(t *testing.T) {
	f := testWorker(t, func(ctx context.Context, s workflow.State) (workflow.State, error) {
		s.SetReply("resposta do fluxo de texto")
		return s, nil
	})
	// an "audio" definition whose only node hands off to the text workflow
	audioDef, err := workflow.Build(workflow.WorkflowAudioProcessing, "transcribe",
		[]workflow.Node{{Name: "transcribe", Handler: func(ctx context.Context, s workflow.State) (workflow.State, error) {
			s.Results[workflow.ResultNextWorkflow] = workflow.WorkflowGeneralConversation
			return s, nil
		}}}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	f.worker.registry.Register(audioDef)

	corr := observability.NewCorrelation("inst1:5511999990000", "MSG1")
	state, err := f.worker.runWorkflow(context.Background(), corr, workflow.WorkflowAudioProcessing, &event.Inbound{
		GatewayMessageID: "MSG1",
		InstanceID:       "inst1",
		Phone:            "5511999990000",
		Kind:             event.KindVoice,
		Timestamp:        time.Now(),
	})
	if err != nil {
		t.Fatalf("runWorkflow: %v", err)
	}
	if state.Reply() != "resposta do fluxo de texto" {
		t.Errorf("reply = %q, chained workflow did not run", state.Reply())
	}
	if _, ok := state.Results[workflow.ResultNextWorkflow]; ok {
		t.Error("chain marker must be cleared before the follow-up runs")
	}
}
