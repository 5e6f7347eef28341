//go:build linux

package server

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

// logListenBacklog logs the kernel's listen backlog limit (Linux-specific)
func logListenBacklog(logger zerolog.Logger, addr string) {
	var somaxconn int
	if data, err := os.ReadFile("/proc/sys/net/core/somaxconn"); err == nil {
		fmt.Sscanf(string(data), "%d", &somaxconn)
	}

	logger.Info().Str("addr", addr).Int("somaxconn", somaxconn).Msg("TCP server listening")
	if somaxconn > 0 && somaxconn < 1024 {
		logger.Warn().Int("somaxconn", somaxconn).Msg("Kernel listen backlog may be too low for bursts of connections; consider sysctl -w net.core.somaxconn=4096")
	}
}
