package main

import (
	"context"

	config "github.com/callcoord/callcoord/pkg/config/phone"
	"github.com/callcoord/callcoord/pkg/logger"
	"github.com/callcoord/callcoord/pkg/monitoring"
	"github.com/callcoord/callcoord/pkg/os"
	"github.com/callcoord/callcoord/pkg/phone"
	"github.com/callcoord/callcoord/pkg/phone/webrtc"
	"github.com/callcoord/callcoord/pkg/server"
)

var Version = "?"

func main() {
	conf := config.NewConfig()
	conf.ParseFlags()

	log := logger.NewConsole(conf.Phone.Debug, "p", false)
	log.Info().Msgf("version %s", Version)

	engine, err := webrtc.NewEngine(conf.Phone.Media, log)
	if err != nil {
		log.Fatal().Err(err).Msg("media engine init failed")
	}
	p, err := phone.New(conf.Phone, engine, log)
	if err != nil {
		log.Fatal().Err(err).Msg("can't reach the coordinator")
	}

	services := server.Services{}
	services.AddIf(conf.Phone.Monitoring.IsEnabled(),
		monitoring.New(conf.Phone.Monitoring, "phone", log))
	services.Start(func(err error) { log.Error().Err(err).Msg("service failed") })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-os.ExpectTermination()
		cancel()
	}()
	if err := p.Run(ctx); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("phone stopped")
	}
	_ = services.Shutdown(context.Background())
}
