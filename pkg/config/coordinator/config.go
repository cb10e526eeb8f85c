package coordinator

import (
	"github.com/callcoord/callcoord/pkg/config"
	"github.com/callcoord/callcoord/pkg/config/shared"
	"github.com/callcoord/callcoord/pkg/signaling"
	"github.com/spf13/pflag"
)

type Config struct {
	Coordinator Coordinator `fig:"coordinator"`
}

type Coordinator struct {
	Debug      bool              `fig:"debug"`
	LockFile   string            `fig:"lock_file"`
	Server     shared.Server     `fig:"server"`
	Monitoring shared.Monitoring `fig:"monitoring"`
	Liveness   shared.Liveness   `fig:"liveness"`
	Timeouts   shared.Timeouts   `fig:"timeouts"`
	Account    signaling.Account `fig:"account"`
	Origin     string            `fig:"origin"`
}

// allows custom config path
var configPath string

func NewConfig() (conf Config) {
	if err := config.LoadConfig(&conf, "coordinator.yaml", configPath); err != nil {
		panic(err)
	}
	return
}

func (c *Config) ParseFlags() {
	c.Coordinator.Server.AddFlags(pflag.CommandLine)
	pflag.BoolVarP(&c.Coordinator.Debug, "debug", "v", c.Coordinator.Debug, "Enable debug logging")
	pflag.IntVar(&c.Coordinator.Monitoring.Port, "monitoring.port", c.Coordinator.Monitoring.Port, "Monitoring server port")
	pflag.StringVarP(&configPath, "conf", "c", configPath, "Set custom configuration file path")
	pflag.Parse()
}
