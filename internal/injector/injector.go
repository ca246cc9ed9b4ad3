//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"github.com/google/wire"

	"github.com/zeusync/netcore/internal/core/config"
	"github.com/zeusync/netcore/internal/core/prediction"
	"github.com/zeusync/netcore/internal/core/replication"
	"github.com/zeusync/netcore/internal/core/session"
	"github.com/zeusync/netcore/internal/core/transport"
)

func InitializeSession(cfg config.Config, link transport.Link, resolver replication.SpawnResolver, simulate prediction.SimulateFunc) (*session.Session, func(), error) {
	wire.Build(SessionSet)
	return nil, nil, nil
}

func InitializeSessionFromFile(path ConfigPath, link transport.Link, resolver replication.SpawnResolver, simulate prediction.SimulateFunc) (*session.Session, func(), error) {
	wire.Build(FileSessionSet)
	return nil, nil, nil
}
