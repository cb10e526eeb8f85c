// Package config loads application configuration with kkyr/fig from a YAML
// file and CALLCOORD_-prefixed environment variables.
package config

import (
	"os"

	"github.com/kkyr/fig"
)

const EnvPrefix = "CALLCOORD"

// LoadConfig loads the named configuration file into the given struct.
// The path param specifies a custom directory to look in first.
// Params from the environment should be in uppercase separated with _.
func LoadConfig(config any, file string, path string) error {
	dirs := []string{path}
	if path == "" {
		dirs = append(dirs, ".", "configs", "../../configs")
		if home, err := os.UserHomeDir(); err == nil {
			dirs = append(dirs, home+"/.callcoord")
		}
	}
	return fig.Load(config, fig.File(file), fig.Dirs(dirs...), fig.UseEnv(EnvPrefix))
}
