package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/ScriptPipe/internal/flow"
	"github.com/BTreeMap/ScriptPipe/internal/models"
)

// Outcome describes how an inbound event was handled.
type Outcome string

const (
	// OutcomeReceipt means a status event was stored as a receipt.
	OutcomeReceipt Outcome = "receipt"
	// OutcomeDuplicate means the message was already processed.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeDispatched means the engine handled the message.
	OutcomeDispatched Outcome = "dispatched"
	// OutcomeRejected means dispatch failed in a way a redelivery cannot fix.
	// The message is marked processed.
	OutcomeRejected Outcome = "rejected"
	// OutcomeFailed means dispatch failed and a redelivery should be retried.
	OutcomeFailed Outcome = "failed"
)

// permanent reports whether a dispatch error will recur on redelivery.
func permanent(err error) bool {
	return errors.Is(err, flow.ErrUnresolvedStep) ||
		errors.Is(err, flow.ErrNotImplemented) ||
		errors.Is(err, flow.ErrChainCycle) ||
		errors.Is(err, flow.ErrEmptyIdentity)
}

// HandleEvent records, deduplicates and dispatches one inbound event. Both
// the webhook and the event pumps of other transports go through it.
// Concurrent deliveries of one message id share a single dispatch; the
// callers that did not run it see OutcomeDuplicate.
func (s *Server) HandleEvent(ctx context.Context, ev models.Event) (Outcome, error) {
	if !ev.IsConversational() {
		return OutcomeReceipt, s.recordStatus(ctx, ev)
	}
	if ev.ID == "" {
		return s.dispatch(ctx, ev, true)
	}

	ran := false
	v, err, _ := s.inflight.Do(ev.ID, func() (interface{}, error) {
		ran = true
		return s.dedupAndDispatch(ctx, ev)
	})
	if !ran {
		slog.Info("Server.HandleEvent: duplicate message in flight", "event_id", ev.ID, "external_id", ev.From)
		return OutcomeDuplicate, nil
	}
	return v.(Outcome), err
}

func (s *Server) dedupAndDispatch(ctx context.Context, ev models.Event) (Outcome, error) {
	processed, err := s.st.IsProcessed(ctx, ev.ID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("check processed %s: %w", ev.ID, err)
	}
	if processed {
		slog.Info("Server.HandleEvent: duplicate message", "event_id", ev.ID, "external_id", ev.From)
		return OutcomeDuplicate, nil
	}
	fresh, err := s.st.RecordInbound(ctx, ev.ID, ev.From)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("record inbound %s: %w", ev.ID, err)
	}
	return s.dispatch(ctx, ev, fresh)
}

func (s *Server) dispatch(ctx context.Context, ev models.Event, fresh bool) (Outcome, error) {
	if fresh {
		s.recordHistory(ctx, ev)
	}

	dctx := ctx
	if s.opts.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, s.opts.DispatchTimeout)
		defer cancel()
	}
	res, err := s.dispatcher.Dispatch(dctx, ev)
	if err != nil {
		if !permanent(err) {
			slog.Error("Server.HandleEvent: dispatch failed, awaiting redelivery",
				"event_id", ev.ID, "external_id", ev.From, "event_kind", ev.Kind, "step", res.FinalStep, "error", err)
			return OutcomeFailed, err
		}
		slog.Error("Server.HandleEvent: dispatch rejected",
			"event_id", ev.ID, "external_id", ev.From, "event_kind", ev.Kind, "step", res.StartStep, "error", err)
		s.markProcessed(ctx, ev)
		return OutcomeRejected, err
	}

	s.markProcessed(ctx, ev)
	s.markRead(ctx, ev)
	return OutcomeDispatched, nil
}

func (s *Server) recordStatus(ctx context.Context, ev models.Event) error {
	r, ok := models.ReceiptFromEvent(ev)
	if !ok {
		return nil
	}
	if err := s.st.AddReceipt(ctx, r); err != nil {
		slog.Error("Server.recordStatus: failed to store receipt", "message_id", r.MessageID, "status", r.Status, "error", err)
		return fmt.Errorf("store receipt: %w", err)
	}
	slog.Debug("Server.recordStatus: receipt stored", "message_id", r.MessageID, "status", r.Status, "to", r.To)
	return nil
}

// recordHistory appends the event to the sender's history. Failures are logged only.
func (s *Server) recordHistory(ctx context.Context, ev models.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("Server.recordHistory: failed to marshal event", "event_id", ev.ID, "error", err)
		return
	}
	rec := models.ConversationRecord{
		ID:         uuid.NewString(),
		ExternalID: ev.From,
		EventID:    ev.ID,
		Kind:       ev.Kind,
		Timestamp:  ev.Timestamp,
		Payload:    string(payload),
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if u, err := s.st.GetUser(ctx, ev.From); err == nil && u != nil {
		rec.Summary = u.Get(models.KeyLastExchange)
	}
	if err := s.st.AddConversation(ctx, rec); err != nil {
		slog.Error("Server.recordHistory: failed to store history", "event_id", ev.ID, "external_id", ev.From, "error", err)
	}
}

func (s *Server) markProcessed(ctx context.Context, ev models.Event) {
	if ev.ID == "" {
		return
	}
	if err := s.st.MarkProcessed(ctx, ev.ID); err != nil {
		slog.Error("Server.markProcessed: failed to mark processed", "event_id", ev.ID, "error", err)
	}
}

func (s *Server) markRead(ctx context.Context, ev models.Event) {
	if s.opts.ReadMarker == nil || ev.ID == "" {
		return
	}
	if err := s.opts.ReadMarker.MarkRead(ctx, ev.ID); err != nil {
		slog.Warn("Server.markRead: failed to mark message read", "event_id", ev.ID, "error", err)
	}
}

// PumpEvents handles events from ch until ctx is done or ch is closed.
func (s *Server) PumpEvents(ctx context.Context, ch <-chan models.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			outcome, err := s.HandleEvent(ctx, ev)
			if err != nil {
				slog.Warn("Server.PumpEvents: event not handled", "event_id", ev.ID, "outcome", outcome, "error", err)
				continue
			}
			slog.Debug("Server.PumpEvents: event handled", "event_id", ev.ID, "outcome", outcome)
		}
	}
}

// PumpReceipts stores receipts from ch until ctx is done or ch is closed.
func (s *Server) PumpReceipts(ctx context.Context, ch <-chan models.Receipt) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case r, ok := <-ch:
			if !ok {
				return nil
			}
			if err := s.st.AddReceipt(ctx, r); err != nil {
				slog.Error("Server.PumpReceipts: failed to store receipt", "message_id", r.MessageID, "error", err)
			}
		}
	}
}
