package gateway

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hakim/helmsman/pkg/orchestrator"
)

// eventBroadcaster pumps orchestrator events out to every authenticated
// client. A write failure to one client never blocks the others.
type eventBroadcaster struct {
	clients *clientRegistry
	logger  zerolog.Logger
	seq     atomic.Int64
}

func newEventBroadcaster(clients *clientRegistry, logger zerolog.Logger) *eventBroadcaster {
	return &eventBroadcaster{clients: clients, logger: logger}
}

// pump consumes the orchestrator event stream until the channel closes.
func (b *eventBroadcaster) pump(events <-chan orchestrator.Event) {
	for ev := range events {
		b.broadcast(ev)
	}
}

func (b *eventBroadcaster) broadcast(ev orchestrator.Event) {
	msg := EventMessage{
		Type:      "event",
		Event:     string(ev.Kind),
		AgentID:   ev.AgentID,
		Seq:       b.seq.Add(1),
		Timestamp: time.Now().UnixMilli(),
	}
	switch {
	case ev.Step != nil:
		msg.Data = ev.Step
	case ev.Result != "":
		msg.Data = map[string]string{"result": ev.Result}
	}

	for _, client := range b.clients.authenticated() {
		if err := client.Send(msg); err != nil {
			b.logger.Warn().
				Err(err).
				Str("client_id", client.ID).
				Str("event", msg.Event).
				Msg("Failed to deliver event to client")
		}
	}
}
