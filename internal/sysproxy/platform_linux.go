package sysproxy

import (
	"github.com/sessioncap/sessioncap/internal/config"
	"github.com/sessioncap/sessioncap/internal/logging"
)

func platformSwitch(cfg config.SystemProxyConfig, logger *logging.Logger) Switch {
	return newGnomeSwitch(execRunner, cfg.Bypass, logger)
}
