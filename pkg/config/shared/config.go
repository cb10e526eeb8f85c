package shared

import (
	"time"

	"github.com/spf13/pflag"
)

type Server struct {
	Address   string `fig:"address" default:":8000"`
	Https     bool   `fig:"https"`
	HttpsCert string `fig:"https_cert"`
	HttpsKey  string `fig:"https_key"`
	Domain    string `fig:"domain"`
	PortRoll  bool   `fig:"port_roll"`
}

func (s *Server) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&s.Address, "address", s.Address, "HTTP server address")
	fs.BoolVar(&s.Https, "https", s.Https, "Serve TLS")
	fs.StringVar(&s.HttpsCert, "httpsCert", s.HttpsCert, "TLS certificate file")
	fs.StringVar(&s.HttpsKey, "httpsKey", s.HttpsKey, "TLS key file")
}

type Monitoring struct {
	Port             int    `fig:"port"`
	URLPrefix        string `fig:"url_prefix"`
	MetricEnabled    bool   `fig:"metric_enabled"`
	ProfilingEnabled bool   `fig:"profiling_enabled"`
}

func (m Monitoring) IsEnabled() bool { return m.MetricEnabled || m.ProfilingEnabled }

type Liveness struct {
	PingInterval time.Duration `fig:"ping_interval" default:"1s"`
	Grace        time.Duration `fig:"grace" default:"10s"`
}

type Timeouts struct {
	Request time.Duration `fig:"request" default:"5s"`
	Offer   time.Duration `fig:"offer" default:"5s"`
	Answer  time.Duration `fig:"answer" default:"10s"`
}
