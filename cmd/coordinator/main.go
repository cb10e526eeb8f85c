package main

import (
	"context"

	config "github.com/callcoord/callcoord/pkg/config/coordinator"
	"github.com/callcoord/callcoord/pkg/coordinator"
	"github.com/callcoord/callcoord/pkg/logger"
	"github.com/callcoord/callcoord/pkg/os"
	"github.com/callcoord/callcoord/pkg/signaling"
)

var Version = "?"

func main() {
	conf := config.NewConfig()
	conf.ParseFlags()

	log := logger.NewConsole(conf.Coordinator.Debug, "c", false)
	log.Info().Msgf("version %s", Version)
	if log.GetLevel() < logger.InfoLevel {
		log.Debug().Msgf("config: %+v", conf)
	}

	lock, err := os.NewFileLock(conf.Coordinator.LockFile)
	if err != nil {
		log.Fatal().Err(err).Msg("no lock file")
	}
	if ok, err := lock.TryLock(); err != nil || !ok {
		log.Fatal().Err(err).Msg("another coordinator already runs on this host")
	}
	defer func() { _ = lock.Unlock() }()

	engine := signaling.NewLocal()
	c, err := coordinator.New(conf, engine, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init failed")
	}
	c.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if conf.Coordinator.Account.URI != "" {
		if err := c.Hub().RegisterAccount(ctx); err != nil {
			log.Error().Err(err).Msg("registration failed")
		}
	}

	<-os.ExpectTermination()
	engine.Close()
	if err := c.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("service shutdown errors")
	}
}
