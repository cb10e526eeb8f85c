package coordinator

import (
	"context"
	"net/http"

	coordcfg "github.com/callcoord/callcoord/pkg/config/coordinator"
	"github.com/callcoord/callcoord/pkg/logger"
	"github.com/callcoord/callcoord/pkg/monitoring"
	"github.com/callcoord/callcoord/pkg/network/httpx"
	"github.com/callcoord/callcoord/pkg/server"
	"github.com/callcoord/callcoord/pkg/signaling"
)

type Coordinator struct {
	conf     coordcfg.Config
	hub      *Hub
	log      *logger.Logger
	services server.Services
}

func New(conf coordcfg.Config, engine signaling.Engine, log *logger.Logger) (*Coordinator, error) {
	c := &Coordinator{conf: conf, log: log}
	c.hub = NewHub(conf.Coordinator, engine, log)

	sconf := conf.Coordinator.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", c.hub.handleWS)
	opts := []httpx.Option{httpx.WithPortRoll(sconf.PortRoll)}
	if sconf.Https {
		opts = append(opts, httpx.WithTLS(sconf.HttpsCert, sconf.HttpsKey, sconf.Domain))
	}
	srv, err := httpx.NewServer(sconf.Address, mux, log, opts...)
	if err != nil {
		return nil, err
	}
	c.services.Add(c.hub, srv)
	c.services.AddIf(conf.Coordinator.Monitoring.IsEnabled(),
		monitoring.New(conf.Coordinator.Monitoring, "cord", log))
	return c, nil
}

func (c *Coordinator) Hub() *Hub { return c.hub }

func (c *Coordinator) Start() {
	c.services.Start(func(err error) {
		c.log.Error().Err(err).Msg("service failed")
	})
}

func (c *Coordinator) Shutdown(ctx context.Context) error { return c.services.Shutdown(ctx) }
