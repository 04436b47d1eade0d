package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"imovelbot/internal/faults"
	"imovelbot/internal/observability"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Execution is the audit record of a single workflow run.
type Execution struct {
	ID              string                 `json:"id"`
	Workflow        string                 `json:"workflow"`
	ConversationKey string                 `json:"conversation_key"`
	Status          Status                 `json:"status"`
	CurrentNode     string                 `json:"current_node,omitempty"`
	ExecutedNodes   []string               `json:"executed_nodes"`
	NodeOutputs     map[string]interface{} `json:"node_outputs"`
	Error           string                 `json:"error,omitempty"`
	StartedAt       time.Time              `json:"started_at"`
	FinishedAt      time.Time              `json:"finished_at,omitempty"`
}

// Archiver persists terminal executions and per-node checkpoints. The
// engine treats archiving as best-effort.
type Archiver interface {
	SaveExecution(ctx context.Context, exec *Execution) error
	SaveCheckpoint(ctx context.Context, executionID, node string, output interface{}, stateHash string) error
}

type Engine struct {
	logger  *zap.Logger
	metrics *observability.Metrics
	archive Archiver
}

func NewEngine(logger *zap.Logger, metrics *observability.Metrics, archive Archiver) *Engine {
	return &Engine{logger: logger, metrics: metrics, archive: archive}
}

type nodeOutcome struct {
	node  string
	state State
	err   error
	took  time.Duration
}

// Run executes the compiled definition rank by rank. Nodes that share a
// rank run concurrently against clones of the rank-entry state; their
// results merge before the next rank starts. Context cancellation stops
// between ranks with StatusCancelled and is never retried upstream.
func (e *Engine) Run(ctx context.Context, def *Definition, corr observability.Correlation, initial State) (*Execution, State, error) {
	exec := &Execution{
		ID:              uuid.NewString(),
		Workflow:        def.Name,
		ConversationKey: initial.ConversationKey,
		Status:          StatusRunning,
		ExecutedNodes:   []string{},
		NodeOutputs:     map[string]interface{}{},
		StartedAt:       time.Now(),
	}
	logger := e.logger.With(append(corr.Fields(),
		zap.String("workflow", def.Name),
		zap.String("execution_id", exec.ID))...)
	logger.Info("workflow started")

	state := initial
	var runErr error

rankLoop:
	for _, rank := range def.ranks {
		if ctx.Err() != nil {
			exec.Status = StatusCancelled
			runErr = faults.Timeout(ctx.Err(), "workflow %s cancelled", def.Name)
			break
		}

		outcomes := make([]nodeOutcome, len(rank))
		var wg sync.WaitGroup
		for i, name := range rank {
			wg.Add(1)
			go func(i int, name string) {
				defer wg.Done()
				start := time.Now()
				next, err := def.handlers[name](ctx, state.Clone())
				outcomes[i] = nodeOutcome{node: name, state: next, err: err, took: time.Since(start)}
			}(i, name)
		}
		wg.Wait()

		for _, out := range outcomes {
			exec.CurrentNode = out.node
			exec.ExecutedNodes = append(exec.ExecutedNodes, out.node)
			if e.metrics != nil {
				e.metrics.NodeDuration.WithLabelValues(def.Name, out.node).Observe(out.took.Seconds())
			}
			if out.err != nil {
				if ctx.Err() != nil {
					exec.Status = StatusCancelled
				} else {
					exec.Status = StatusFailed
				}
				exec.Error = out.err.Error()
				state.Err = out.err.Error()
				runErr = out.err
				logger.Warn("workflow node failed", zap.String("node", out.node), zap.Error(out.err))
				break rankLoop
			}
		}

		state = mergeRank(state, rank, outcomes)
		for _, out := range outcomes {
			if v, ok := out.state.Results[out.node]; ok {
				exec.NodeOutputs[out.node] = v
			}
			e.checkpoint(ctx, exec.ID, out.node, out.state)
		}
		state.CurrentStep = rank[len(rank)-1]
	}

	if exec.Status == StatusRunning {
		exec.Status = StatusCompleted
	}
	exec.FinishedAt = time.Now()

	if e.metrics != nil {
		e.metrics.WorkflowsTotal.WithLabelValues(def.Name, string(exec.Status)).Inc()
		e.metrics.WorkflowDuration.WithLabelValues(def.Name).Observe(exec.FinishedAt.Sub(exec.StartedAt).Seconds())
	}
	logger.Info("workflow finished",
		zap.String("status", string(exec.Status)),
		zap.Duration("took", exec.FinishedAt.Sub(exec.StartedAt)))

	if e.archive != nil {
		if err := e.archive.SaveExecution(ctx, exec); err != nil {
			logger.Warn("execution archive write failed", zap.Error(err))
		}
	}
	return exec, state, runErr
}

// mergeRank folds concurrent branch states into one. Each branch owns
// Results[branchNode]; context keys merge in rank order, later branches
// winning on collision.
func mergeRank(base State, rank []string, outcomes []nodeOutcome) State {
	if len(outcomes) == 1 {
		return outcomes[0].state
	}
	merged := base.Clone()
	for _, out := range outcomes {
		if v, ok := out.state.Results[out.node]; ok {
			merged.Results[out.node] = v
		}
		if v, ok := out.state.Results["reply"]; ok {
			merged.Results["reply"] = v
		}
		for k, v := range out.state.Context {
			merged.Context[k] = v
		}
		if len(out.state.Messages) > len(merged.Messages) {
			merged.Messages = out.state.Messages
		}
	}
	return merged
}

func (e *Engine) checkpoint(ctx context.Context, executionID, node string, state State) {
	if e.archive == nil {
		return
	}
	if err := e.archive.SaveCheckpoint(ctx, executionID, node, state.Results[node], state.Hash()); err != nil {
		e.logger.Debug("checkpoint write failed",
			zap.String("execution_id", executionID),
			zap.String("node", node),
			zap.Error(err))
	}
}
