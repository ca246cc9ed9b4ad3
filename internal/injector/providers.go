package injector

import (
	"github.com/google/wire"

	"github.com/zeusync/netcore/internal/core/config"
	"github.com/zeusync/netcore/internal/core/events/bus"
	"github.com/zeusync/netcore/internal/core/observability/log"
	"github.com/zeusync/netcore/internal/core/prediction"
	"github.com/zeusync/netcore/internal/core/replication"
	"github.com/zeusync/netcore/internal/core/session"
	"github.com/zeusync/netcore/internal/core/transport"
)

// ConfigPath is the location of a YAML configuration file.
type ConfigPath string

var SessionSet = wire.NewSet(ProvideLogger, ProvideBus, ProvideSession)

var FileSessionSet = wire.NewSet(ProvideConfig, SessionSet)

func ProvideConfig(path ConfigPath) (config.Config, error) {
	return config.Load(string(path))
}

// ProvideLogger builds the session logger from the log section.
func ProvideLogger(cfg config.Config) log.Log {
	if len(cfg.Log.Outputs) == 0 {
		return log.New(cfg.LogLevel())
	}
	return log.NewWithOutput(cfg.LogLevel(), cfg.Log.Outputs...)
}

func ProvideBus() bus.EventBus {
	return bus.New()
}

// ProvideSession builds the session and hands back Close as cleanup.
// resolver and simulate may be nil.
func ProvideSession(
	cfg config.Config,
	link transport.Link,
	logger log.Log,
	events bus.EventBus,
	resolver replication.SpawnResolver,
	simulate prediction.SimulateFunc,
) (*session.Session, func(), error) {
	opts := []session.Option{session.WithLogger(logger), session.WithBus(events)}
	if resolver != nil {
		opts = append(opts, session.WithSpawnResolver(resolver))
	}
	if simulate != nil {
		opts = append(opts, session.WithSimulation(simulate))
	}
	s, err := session.New(cfg, link, opts...)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := s.Close(); err != nil {
			logger.Debug("Session close", log.Error(err))
		}
	}
	return s, cleanup, nil
}
