// Package events carries post-commit notifications about ingested messages,
// new customers and merges to downstream consumers.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

type Kind string

const (
	KindMessageIngested     Kind = "message.ingested"
	KindCustomerCreated     Kind = "customer.created"
	KindCustomerMerged      Kind = "customer.merged"
	KindConversationUpdated Kind = "conversation.updated"
)

// Event is published only after the transaction that caused it committed.
// IDs are ULIDs so consumers can order them lexically.
type Event struct {
	ID             string         `json:"id"`
	Kind           Kind           `json:"kind"`
	TenantID       uuid.UUID      `json:"tenant_id"`
	CustomerID     uuid.UUID      `json:"customer_id"`
	ConversationID *uuid.UUID     `json:"conversation_id,omitempty"`
	MessageID      *int64         `json:"message_id,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
	Data           map[string]any `json:"data,omitempty"`
}

func New(kind Kind, tenantID, customerID uuid.UUID) Event {
	return Event{
		ID:         ulid.Make().String(),
		Kind:       kind,
		TenantID:   tenantID,
		CustomerID: customerID,
		OccurredAt: time.Now().UTC(),
	}
}

func (e Event) WithConversation(id uuid.UUID) Event {
	e.ConversationID = &id
	return e
}

func (e Event) WithMessage(id int64) Event {
	e.MessageID = &id
	return e
}

func (e Event) WithData(key string, value any) Event {
	data := make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		data[k] = v
	}
	data[key] = value
	e.Data = data
	return e
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns the kinds of the recorded events in publish order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}
