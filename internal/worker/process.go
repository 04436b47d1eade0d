package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"imovelbot/internal/event"
	"imovelbot/internal/faults"
	"imovelbot/internal/gateway"
	"imovelbot/internal/observability"
	"imovelbot/internal/stream"
	"imovelbot/internal/workflow"
)

const (
	apologyReply = "Desculpe, não consegui processar sua mensagem. Nossa equipe já foi avisada. Pode tentar novamente mais tarde?"
	neutralReply = "Tudo certo por aqui. Como posso ajudar na sua busca por imóveis?"
)

// process settles one stream entry: run the routed workflow, deliver
// the reply exactly once and then ack, republish for retry or
// dead-letter. Shutdown mid-flight leaves the entry pending for
// auto-claim.
func (w *Worker) process(ctx context.Context, entry stream.Entry) {
	ev := entry.Envelope.Event
	if ev == nil {
		w.logger.Error("entry without event, dead-lettering", zap.String("stream_id", entry.ID))
		w.deadLetter(ctx, entry, observability.Correlation{}, faults.Validation("entry carries no event"))
		return
	}

	corr := observability.NewCorrelation(ev.ConversationKey(), ev.GatewayMessageID)
	parent := ctx
	ctx, cancel := context.WithTimeout(observability.WithCorrelation(ctx, corr), w.config.EntryTimeout)
	defer cancel()
	logger := w.logger.With(corr.Fields()...)
	logger.Info("processing message",
		zap.String("stream_id", entry.ID),
		zap.String("kind", string(ev.Kind)),
		zap.Int("retry_count", entry.Envelope.RetryCount))

	workflowName := entry.Envelope.Workflow
	if workflowName == "" {
		workflowName = workflow.Route(ev.Kind, ev.Content)
	}

	w.setPresence(ctx, corr, ev, gateway.PresenceComposing)
	finalState, err := w.runWorkflow(ctx, corr, workflowName, ev)
	w.setPresence(ctx, corr, ev, gateway.PresencePaused)

	if err != nil {
		if parent.Err() != nil {
			// shutdown: leave the entry pending for auto-claim
			logger.Info("processing interrupted by shutdown, entry stays pending", zap.String("stream_id", entry.ID))
			return
		}
		if ctx.Err() != nil {
			// entry deadline: a cancelled run is never retried
			logger.Warn("entry deadline exceeded, dead-lettering", zap.String("stream_id", entry.ID))
			w.deadLetter(parent, entry, corr, err)
			return
		}
		w.settleFailure(ctx, entry, corr, err)
		return
	}

	reply := finalState.Reply()
	if reply == "" {
		logger.Warn("workflow produced no reply, sending neutral fallback", zap.String("workflow", workflowName))
		reply = neutralReply
	}
	if err := w.sendReplyOnce(ctx, corr, entry.ID, ev, reply); err != nil {
		if parent.Err() != nil {
			return
		}
		w.settleFailure(parent, entry, corr, err)
		return
	}

	w.markRead(ctx, corr, ev)
	if err := w.stream.Ack(ctx, w.config.Topic, w.config.Group, entry.ID); err != nil {
		logger.Warn("ack failed, entry may be redelivered", zap.Error(err))
	}
	if err := w.idem.MarkProcessed(ctx, ev.GatewayMessageID); err != nil {
		logger.Warn("processed marker write failed", zap.Error(err))
	}
	logger.Info("message processed", zap.String("workflow", workflowName))
}

// runWorkflow executes the named workflow and chains into a follow-up
// when the first one routed the message onward (audio transcription).
func (w *Worker) runWorkflow(ctx context.Context, corr observability.Correlation, name string, ev *event.Inbound) (workflow.State, error) {
	state := seedState(ev)
	def, err := w.registry.Get(name)
	if err != nil {
		return state, err
	}
	_, state, err = w.engine.Run(ctx, def, corr, state)
	if err != nil {
		return state, err
	}

	if next, ok := state.Results[workflow.ResultNextWorkflow].(string); ok && next != "" && next != name {
		nextDef, err := w.registry.Get(next)
		if err != nil {
			return state, err
		}
		delete(state.Results, workflow.ResultNextWorkflow)
		_, state, err = w.engine.Run(ctx, nextDef, corr, state)
		if err != nil {
			return state, err
		}
	}
	return state, nil
}

func seedState(ev *event.Inbound) workflow.State {
	state := workflow.NewState(ev.ConversationKey())
	state.Context[workflow.CtxMessageText] = ev.Content
	state.Context[workflow.CtxMessageKind] = string(ev.Kind)
	state.Context[workflow.CtxPushName] = ev.Contact.PushName
	if ev.Media != nil {
		state.Context[workflow.CtxMediaURL] = ev.Media.URL
		state.Context[workflow.CtxMediaMime] = ev.Media.Mime
	}
	return state
}

// sendReplyOnce claims the per-entry reply slot before delivering, so a
// redelivered entry never double-replies.
func (w *Worker) sendReplyOnce(ctx context.Context, corr observability.Correlation, streamID string, ev *event.Inbound, reply string) error {
	first, err := w.idem.FirstReply(ctx, streamID)
	if err != nil {
		return err
	}
	if !first {
		w.logger.Info("reply already delivered for entry, skipping send",
			append(corr.Fields(), zap.String("stream_id", streamID))...)
		return nil
	}
	return w.gateway.SendText(ctx, corr, ev.InstanceID, ev.Phone, reply, ev.GatewayMessageID)
}

// settleFailure decides between republish-for-retry and dead-letter.
func (w *Worker) settleFailure(ctx context.Context, entry stream.Entry, corr observability.Correlation, procErr error) {
	logger := w.logger.With(corr.Fields()...)
	retryCount := entry.Envelope.RetryCount

	if faults.Retryable(procErr) && retryCount < w.config.MaxRetries {
		delay := retryDelay(retryCount)
		logger.Warn("processing failed, scheduling retry",
			zap.String("stream_id", entry.ID),
			zap.Int("retry_count", retryCount),
			zap.Duration("delay", delay),
			zap.Error(procErr))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		env := entry.Envelope
		env.RetryCount = retryCount + 1
		if _, err := w.stream.Publish(ctx, w.config.Topic, env, entry.Envelope.Event.GatewayMessageID); err != nil {
			logger.Error("retry republish failed, entry stays pending", zap.Error(err))
			return
		}
		if w.metrics != nil {
			w.metrics.RetriesTotal.WithLabelValues(string(faults.KindOf(procErr))).Inc()
		}
		if err := w.stream.Ack(ctx, w.config.Topic, w.config.Group, entry.ID); err != nil {
			logger.Warn("ack after retry republish failed", zap.Error(err))
		}
		return
	}

	w.deadLetter(ctx, entry, corr, procErr)
}

// deadLetter parks the entry, acks the original and sends the apology,
// still under the exactly-once reply guard.
func (w *Worker) deadLetter(ctx context.Context, entry stream.Entry, corr observability.Correlation, procErr error) {
	logger := w.logger.With(corr.Fields()...)
	ev := entry.Envelope.Event

	dead := stream.DeadEntry{
		OriginalStreamID: entry.ID,
		OriginalQueue:    w.config.Topic,
		Envelope:         entry.Envelope,
		ErrorText:        procErr.Error(),
		ErrorCategory:    faults.ClassifyText(procErr.Error()),
		RetryCount:       entry.Envelope.RetryCount,
		FailedAt:         time.Now(),
		Source:           entry.Envelope.Source,
	}
	if ev != nil {
		dead.MessageKind = ev.Kind
	}

	if _, err := w.stream.DeadLetter(ctx, w.config.Topic, dead); err != nil {
		logger.Error("dead-letter write failed, entry stays pending", zap.Error(err))
		return
	}
	if w.metrics != nil {
		w.metrics.DeadLetterTotal.WithLabelValues(string(dead.ErrorCategory)).Inc()
	}
	if err := w.stream.Ack(ctx, w.config.Topic, w.config.Group, entry.ID); err != nil {
		logger.Warn("ack after dead-letter failed", zap.Error(err))
	}
	logger.Error("message dead-lettered",
		zap.String("stream_id", entry.ID),
		zap.String("category", string(dead.ErrorCategory)),
		zap.Error(procErr))

	if ev != nil {
		if err := w.sendReplyOnce(ctx, corr, entry.ID, ev, apologyReply); err != nil {
			logger.Warn("apology reply failed", zap.Error(err))
		}
	}
}

// setPresence is cosmetic; failures only rate a debug line.
func (w *Worker) setPresence(ctx context.Context, corr observability.Correlation, ev *event.Inbound, presence gateway.Presence) {
	if err := w.gateway.SetPresence(ctx, corr, ev.InstanceID, ev.Phone, presence); err != nil {
		w.logger.Debug("presence update failed", append(corr.Fields(), zap.Error(err))...)
	}
}

func (w *Worker) markRead(ctx context.Context, corr observability.Correlation, ev *event.Inbound) {
	remoteJid := ev.Phone + "@s.whatsapp.net"
	if err := w.gateway.MarkRead(ctx, corr, ev.InstanceID, remoteJid, ev.GatewayMessageID); err != nil {
		w.logger.Debug("mark-as-read failed", append(corr.Fields(), zap.Error(err))...)
	}
}
