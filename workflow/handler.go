package workflow

import (
	"context"
	"errors"

	"github.com/songzhibin97/jobflow/events"
)

var errNoChange = errors.New("entity.changed event carries no change")

// Subscribe registers the engine for entity.changed events on bus.
func (e *Engine) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.TypeEntityChanged, events.EventHandlerFunc(e.handleBusEvent))
}

func (e *Engine) handleBusEvent(ctx context.Context, event events.Event) error {
	if event.Change == nil {
		return errNoChange
	}
	_, err := e.HandleEvent(ctx, *event.Change)
	return err
}
