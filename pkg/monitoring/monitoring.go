package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"

	"github.com/callcoord/callcoord/pkg/config/shared"
	"github.com/callcoord/callcoord/pkg/logger"
	"github.com/callcoord/callcoord/pkg/network/httpx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Monitoring struct {
	conf   shared.Monitoring
	log    *logger.Logger
	server *httpx.Server
}

// New creates a new monitoring service with optional Prometheus metrics and
// pprof endpoints. The tag param specifies the owner label for logs.
func New(conf shared.Monitoring, tag string, log *logger.Logger) *Monitoring {
	lg := log.Extend(log.With().Str("c", "mon").Str("s", tag))
	h := http.NewServeMux()

	if conf.ProfilingEnabled {
		prefix := conf.URLPrefix + "/debug/pprof"
		h.HandleFunc(prefix+"/", pprof.Index)
		h.HandleFunc(prefix+"/cmdline", pprof.Cmdline)
		h.HandleFunc(prefix+"/profile", pprof.Profile)
		h.HandleFunc(prefix+"/symbol", pprof.Symbol)
		h.HandleFunc(prefix+"/trace", pprof.Trace)
		h.Handle(prefix+"/allocs", pprof.Handler("allocs"))
		h.Handle(prefix+"/block", pprof.Handler("block"))
		h.Handle(prefix+"/goroutine", pprof.Handler("goroutine"))
		h.Handle(prefix+"/heap", pprof.Handler("heap"))
		h.Handle(prefix+"/mutex", pprof.Handler("mutex"))
	}
	if conf.MetricEnabled {
		h.Handle(conf.URLPrefix+"/metrics", promhttp.Handler())
	}

	server, err := httpx.NewServer(fmt.Sprintf(":%d", conf.Port), h, lg, httpx.WithPortRoll(true))
	if err != nil {
		lg.Error().Err(err).Msg("monitoring server failed to bind")
		return nil
	}
	return &Monitoring{conf: conf, log: lg, server: server}
}

func (m *Monitoring) Run() error {
	m.log.Info().Msgf("starting monitoring on %v", m.server.BoundAddr())
	return m.server.Run()
}

func (m *Monitoring) Shutdown(ctx context.Context) error {
	m.log.Info().Msg("shutting down monitoring")
	return m.server.Shutdown(ctx)
}

func (m *Monitoring) String() string {
	return fmt.Sprintf("monitoring::%s:%d", m.conf.URLPrefix, m.conf.Port)
}
