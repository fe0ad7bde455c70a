package sysproxy

import (
	"github.com/sessioncap/sessioncap/internal/config"
	"github.com/sessioncap/sessioncap/internal/logging"
)

func platformSwitch(cfg config.SystemProxyConfig, logger *logging.Logger) Switch {
	return newNetworksetupSwitch(execRunner, cfg.NetworkServices, cfg.Bypass, logger)
}
