package phone

import (
	"github.com/callcoord/callcoord/pkg/config"
	"github.com/callcoord/callcoord/pkg/config/shared"
	"github.com/spf13/pflag"
)

type Config struct {
	Phone Phone `fig:"phone"`
}

type Phone struct {
	Debug bool `fig:"debug"`
	// Coordinator is the ws(s) endpoint of the coordinator.
	Coordinator string            `fig:"coordinator" default:"ws://localhost:8000/ws"`
	PeerID      string            `fig:"peer_id"`
	UserAgent   string            `fig:"user_agent" default:"callcoord-phone"`
	Monitoring  shared.Monitoring `fig:"monitoring"`
	Media       Media             `fig:"media"`
}

type Media struct {
	// RequestCapability asks for the device permission right after joining
	// instead of waiting for the first negotiation.
	RequestCapability bool     `fig:"request_capability"`
	IceServers        []string `fig:"ice_servers"`
}

var configPath string

func NewConfig() (conf Config) {
	if err := config.LoadConfig(&conf, "phone.yaml", configPath); err != nil {
		panic(err)
	}
	return
}

func (c *Config) ParseFlags() {
	pflag.BoolVarP(&c.Phone.Debug, "debug", "v", c.Phone.Debug, "Enable debug logging")
	pflag.StringVar(&c.Phone.Coordinator, "coordinator", c.Phone.Coordinator, "Coordinator websocket endpoint")
	pflag.StringVar(&c.Phone.PeerID, "id", c.Phone.PeerID, "Stable peer id (random when empty)")
	pflag.IntVar(&c.Phone.Monitoring.Port, "monitoring.port", c.Phone.Monitoring.Port, "Monitoring server port")
	pflag.StringVarP(&configPath, "conf", "c", configPath, "Set custom configuration file path")
	pflag.Parse()
}
