//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"github.com/google/wire"

	"github.com/fieldsync/fieldsync/internal/core/events"
	"github.com/fieldsync/fieldsync/internal/core/observability/log"
)

func ProvideLogger() *log.Logger {
	wire.Build(log.Provide)
	return log.New(log.LevelInfo)
}

func ProvideDispatcher(logger *log.Logger) *events.Dispatcher {
	wire.Build(
		events.NewBus,
		wire.Bind(new(events.Bus), new(*events.InMemoryBus)),
		provideDispatcher,
	)
	return nil
}
