package config

import (
	"github.com/kelseyhightower/envconfig"
)

// Config carries everything injected into the process from outside.
// Environment variables use the RELAY_ prefix; command line flags in cmd
// override whatever the environment provided.
type Config struct {
	APIListenAddr string `envconfig:"API_LISTEN_ADDR" default:":8080"`
	WSListenAddr  string `envconfig:"WS_LISTEN_ADDR" default:":8888"`
	LogLevel      string `envconfig:"LOG_LEVEL" default:"debug"`
	MirrorPath    string `envconfig:"MIRROR_PATH" default:"/tmp/roomrelay-mirror"`
	TokenKey      string `envconfig:"TOKEN_KEY" default:"insecure-dev-key"`
}

func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("relay", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
