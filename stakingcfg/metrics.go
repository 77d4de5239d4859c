package stakingcfg

import (
	"fmt"
	"net"
	"strconv"
)

// MetricsConfig controls the prometheus endpoint served by stakingd.
type MetricsConfig struct {
	Enabled    bool   `long:"enabled" description:"Serve prometheus metrics"`
	Host       string `long:"host" description:"IP the metrics endpoint binds to"`
	ServerPort int    `long:"server-port" description:"Port of the metrics endpoint"`
}

func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{Host: "127.0.0.1", ServerPort: 2112}
}

func (cfg *MetricsConfig) Validate() error {
	if net.ParseIP(cfg.Host) == nil {
		return fmt.Errorf("metrics host %q is not an ip address", cfg.Host)
	}
	if cfg.ServerPort <= 0 || cfg.ServerPort > 65535 {
		return fmt.Errorf("metrics port %d out of range", cfg.ServerPort)
	}
	return nil
}

func (cfg *MetricsConfig) Address() string {
	return net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.ServerPort))
}
