package injector

import (
	"github.com/fieldsync/fieldsync/internal/core/events"
	"github.com/fieldsync/fieldsync/internal/core/observability/log"
)

func provideDispatcher(bus events.Bus, logger *log.Logger) *events.Dispatcher {
	return events.NewDispatcher(bus, 0, logger)
}
