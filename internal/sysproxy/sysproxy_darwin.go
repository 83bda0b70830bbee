//go:build darwin

package sysproxy

import "log/slog"

// New returns the platform Setter for a listener on port.
func New(port int, excluded []string, logger *slog.Logger) Setter {
	return NewNetworkSetup(port, excluded, logger)
}
