package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"collab_server/server/collab/domain"
	commonlog "collab_server/server/common/log"
)

// EventPublisher fans a collaboration event out to the in-process bus
// and mirrors it to the optional external sink. Sink failures are
// logged and swallowed; the sink is not required for correctness.
type EventPublisher struct {
	bus  *Bus
	sink EventSink
}

func NewEventPublisher(bus *Bus, sink EventSink) *EventPublisher {
	return &EventPublisher{bus: bus, sink: sink}
}

func NewEvent(eventType, documentID, sessionID, userID, userName string, payload map[string]any) domain.CollaborationEvent {
	return domain.CollaborationEvent{
		EventID:    uuid.NewString(),
		Type:       eventType,
		DocumentID: documentID,
		SessionID:  sessionID,
		UserID:     userID,
		UserName:   userName,
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
	}
}

func (p *EventPublisher) Publish(ctx context.Context, event domain.CollaborationEvent) {
	delivered := p.bus.Publish(event.DocumentID, event)
	commonlog.Debugf("event=collab_event action=publish status=ok event_type=%s document_id=%s fanout_count=%d", event.Type, event.DocumentID, delivered)

	if p.sink == nil {
		return
	}
	if err := p.sink.Publish(ctx, event); err != nil {
		commonlog.Warnf("event=collab_event action=sink_publish status=failed event_type=%s document_id=%s error=%v", event.Type, event.DocumentID, err)
	}
}
