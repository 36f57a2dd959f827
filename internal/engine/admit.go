package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"issueflow/internal/domain"
	"issueflow/internal/events"
	"issueflow/internal/repo"
)

type AdmitInput struct {
	DeliveryID string
	EventType  string
	Action     string
	Payload    []byte
}

type AdmitResult struct {
	EventID    string
	Inserted   bool
	Duplicate  bool
	Actionable bool
}

// Admit records an inbound delivery exactly once. A replayed delivery id
// returns the original event id without re-enqueueing; only allow-listed
// (event, action) pairs reach the queue.
func (e *Engine) Admit(ctx context.Context, in AdmitInput) (AdmitResult, error) {
	if in.DeliveryID == "" {
		return AdmitResult{}, errors.New("delivery id is required")
	}
	existing, err := e.Repo.GetEventByDeliveryID(ctx, in.DeliveryID)
	if err == nil {
		return AdmitResult{EventID: existing.ID, Duplicate: true, Actionable: existing.Actionable}, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return AdmitResult{}, err
	}

	actionable := e.Config.Actionable(in.EventType, in.Action)
	ev := domain.Event{
		ID:          uuid.NewString(),
		DeliveryID:  in.DeliveryID,
		EventType:   in.EventType,
		Action:      in.Action,
		PayloadJSON: string(in.Payload),
		Actionable:  actionable,
		CreatedAt:   e.nowRFC3339(),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return AdmitResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertEventTx(ctx, tx, ev); err != nil {
		// A concurrent insert of the same delivery loses the UNIQUE race;
		// treat it like a replay.
		if dup, lookupErr := e.Repo.GetEventByDeliveryID(ctx, in.DeliveryID); lookupErr == nil {
			return AdmitResult{EventID: dup.ID, Duplicate: true, Actionable: dup.Actionable}, nil
		}
		return AdmitResult{}, fmt.Errorf("insert event: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "event.admitted", "", "event", ev.ID, "webhook", events.EventPayload{
		"delivery_id": ev.DeliveryID,
		"event_type":  ev.EventType,
		"action":      ev.Action,
		"actionable":  actionable,
	}); err != nil {
		return AdmitResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return AdmitResult{}, err
	}

	if actionable {
		e.queue.push(workItem{kind: workEvent, id: ev.ID})
	}
	return AdmitResult{EventID: ev.ID, Inserted: true, Actionable: actionable}, nil
}

// QueueLen reports the number of admitted events still waiting for the
// consumer.
func (e *Engine) QueueLen() int {
	return e.queue.len()
}
