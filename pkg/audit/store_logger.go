package audit

import (
	"context"
	"encoding/json"
	"fmt"
)

// StoreLogger appends audit events to a hash-chained Sink.
// It fails closed: without a sink every Record returns ErrNoSink.
type StoreLogger struct {
	sink Sink
}

func NewStoreLogger(s Sink) *StoreLogger {
	return &StoreLogger{sink: s}
}

func (l *StoreLogger) Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]interface{}) error {
	if l.sink == nil {
		return ErrNoSink
	}

	evt := newEvent(ctx, eventType, action, resource, metadata)
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to serialize audit event: %w", err)
	}

	_, err = l.sink.AppendAudit(ctx, &Entry{
		EntryID:   evt.ID,
		Timestamp: evt.Timestamp,
		Type:      eventType,
		Action:    action,
		Resource:  resource,
		Payload:   payload,
	})
	return err
}
