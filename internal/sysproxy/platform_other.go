//go:build !linux && !darwin && !windows

package sysproxy

import (
	"github.com/sessioncap/sessioncap/internal/config"
	"github.com/sessioncap/sessioncap/internal/logging"
)

func platformSwitch(_ config.SystemProxyConfig, logger *logging.Logger) Switch {
	logger.Warn("system proxy not supported on this platform, configure the client manually")
	return Noop{}
}
