package worker

import (
	"context"
	"encoding/json"
	"log"

	"github.com/hustlexp/backend/internal/domain"
	"github.com/hustlexp/backend/internal/events"
	"github.com/hustlexp/backend/internal/outbox"
	"github.com/hustlexp/backend/internal/realtime"
)

// RealtimeFanout pushes committed events to the parties' open WebSocket
// sessions and mirrors them onto the event bus. Sessions belong to this
// process only; clients on other replicas resync over HTTP after
// reconnecting.
type RealtimeFanout struct {
	hub    *realtime.Hub
	bus    events.Emitter
	logger *log.Logger
}

func NewRealtimeFanout(hub *realtime.Hub, bus events.Emitter) *RealtimeFanout {
	return &RealtimeFanout{
		hub:    hub,
		bus:    bus,
		logger: log.New(log.Writer(), "[FANOUT] ", log.LstdFlags),
	}
}

func (w *RealtimeFanout) Queue() string { return domain.QueueRealtimeFanout }

func (w *RealtimeFanout) Handle(ctx context.Context, e *outbox.Event) error {
	var p eventPayload
	if err := e.Decode(&p); err != nil {
		return err
	}

	var env outbox.Envelope
	if err := json.Unmarshal(e.Payload, &env); err != nil {
		return err
	}

	event := events.NewCloudEvent(e.EventType, "hustlexp/"+e.AggregateType, p.TaskID, env.Data)

	// Membership rule: only the task's parties may see its stream.
	parties := []string{p.PosterID}
	if p.HustlerID != "" && p.HustlerID != p.PosterID {
		parties = append(parties, p.HustlerID)
	}
	w.hub.Deliver(event, parties...)

	if w.bus != nil {
		w.bus.Emit(e.EventType, "hustlexp/"+e.AggregateType, p.TaskID, env.Data)
	}
	return nil
}

var _ Handler = (*RealtimeFanout)(nil)
