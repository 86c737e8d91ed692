package domain

import (
	"context"
	"time"
)

type Event interface {
	EventName() string
}

const DeleteReasonInfected = "infected"

type FileDeletedEvent struct {
	FileID           string    `json:"file_id"`
	ApplicationID    string    `json:"application_id"`
	StoragePath      string    `json:"storage_path"`
	OriginalFileName string    `json:"original_file_name"`
	Reason           string    `json:"reason"`
	DeletedAt        time.Time `json:"deleted_at"`
}

func (FileDeletedEvent) EventName() string { return "file_deleted" }

type EventObserver interface {
	Observe(ctx context.Context, tenantID string, evt Event)
}

// EventObserverFunc adapts a function to EventObserver.
type EventObserverFunc func(ctx context.Context, tenantID string, evt Event)

func (f EventObserverFunc) Observe(ctx context.Context, tenantID string, evt Event) {
	f(ctx, tenantID, evt)
}

// Dispatcher fans committed domain events out to observers in registration
// order.
type Dispatcher struct {
	observers []EventObserver
}

func NewDispatcher(observers ...EventObserver) *Dispatcher {
	return &Dispatcher{observers: observers}
}

func (d *Dispatcher) Dispatch(ctx context.Context, tenantID string, events []Event) {
	if d == nil {
		return
	}
	for _, evt := range events {
		for _, o := range d.observers {
			o.Observe(ctx, tenantID, evt)
		}
	}
}
