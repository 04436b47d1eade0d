package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"

	"imovelbot/internal/observability"
)

type memArchive struct {
	mu          sync.Mutex
	executions  []*Execution
	checkpoints []string
}

func (a *memArchive) SaveExecution(ctx context.Context, exec *Execution) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.executions = append(a.executions, exec)
	return nil
}

func (a *memArchive) SaveCheckpoint(ctx context.Context, executionID, node string, output interface{}, stateHash string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checkpoints = append(a.checkpoints, node)
	return nil
}

func testEngine(archive Archiver) *Engine {
	return NewEngine(zap.NewNop(), nil, archive)
}

func TestRunLinearWorkflow(t *testing.T) {
	def, err := Build("linear", "first",
		[]Node{
			{"first", func(ctx context.Context, s State) (State, error) {
				s.Context["touched"] = "yes"
				return s, nil
			}},
			{"second", func(ctx context.Context, s State) (State, error) {
				if s.Context["touched"] != "yes" {
					return s, errors.New("first node output not visible")
				}
				s.SetReply("done")
				return s, nil
			}},
		},
		[]Edge{{"first", "second"}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	archive := &memArchive{}
	exec, state, err := testEngine(archive).Run(context.Background(), def, observability.Correlation{}, NewState("inst:551199"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exec.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", exec.Status)
	}
	if state.Reply() != "done" {
		t.Errorf("reply = %q, want done", state.Reply())
	}
	if len(exec.ExecutedNodes) != 2 {
		t.Errorf("executed = %v, want both nodes", exec.ExecutedNodes)
	}
	if len(archive.executions) != 1 || len(archive.checkpoints) != 2 {
		t.Errorf("archive got %d executions, %d checkpoints", len(archive.executions), len(archive.checkpoints))
	}
}

func TestRunParallelRankMerges(t *testing.T) {
	def, err := Build("fan", "start",
		[]Node{
			{"start", noop},
			{"left", func(ctx context.Context, s State) (State, error) {
				s.Results["left"] = "L"
				s.Context["left_key"] = "lv"
				return s, nil
			}},
			{"right", func(ctx context.Context, s State) (State, error) {
				s.Results["right"] = "R"
				return s, nil
			}},
			{"join", func(ctx context.Context, s State) (State, error) {
				if s.Results["left"] != "L" || s.Results["right"] != "R" {
					return s, errors.New("branch results not merged")
				}
				if s.Context["left_key"] != "lv" {
					return s, errors.New("branch context not merged")
				}
				return s, nil
			}},
		},
		[]Edge{{"start", "left"}, {"start", "right"}, {"left", "join"}, {"right", "join"}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	exec, _, err := testEngine(nil).Run(context.Background(), def, observability.Correlation{}, NewState("k"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exec.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", exec.Status)
	}
}

func TestRunNodeFailureStopsWorkflow(t *testing.T) {
	boom := errors.New("agent unavailable")
	var secondRan bool
	def, err := Build("failing", "first",
		[]Node{
			{"first", func(ctx context.Context, s State) (State, error) { return s, boom }},
			{"second", func(ctx context.Context, s State) (State, error) {
				secondRan = true
				return s, nil
			}},
		},
		[]Edge{{"first", "second"}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	exec, state, err := testEngine(nil).Run(context.Background(), def, observability.Correlation{}, NewState("k"))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want the node error", err)
	}
	if exec.Status != StatusFailed {
		t.Errorf("status = %s, want failed", exec.Status)
	}
	if state.Err == "" {
		t.Error("state should carry the error text")
	}
	if secondRan {
		t.Error("downstream node must not run after a failure")
	}
}

func TestRunCancelledContext(t *testing.T) {
	def, err := Build("cancelled", "only", []Node{{"only", noop}}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	exec, _, err := testEngine(nil).Run(ctx, def, observability.Correlation{}, NewState("k"))
	if err == nil {
		t.Fatal("cancelled run must report an error")
	}
	if exec.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", exec.Status)
	}
	if len(exec.ExecutedNodes) != 0 {
		t.Errorf("executed = %v, want no nodes", exec.ExecutedNodes)
	}
}

func TestStateCloneIsolatesBranches(t *testing.T) {
	s := NewState("k")
	s.Context["shared"] = "base"
	clone := s.Clone()
	clone.Context["shared"] = "changed"
	clone.Results["extra"] = 1
	if s.Context["shared"] != "base" {
		t.Error("clone mutation leaked into the original context")
	}
	if _, ok := s.Results["extra"]; ok {
		t.Error("clone mutation leaked into the original results")
	}
	if s.Hash() == clone.Hash() {
		t.Error("diverged states should hash differently")
	}
}
