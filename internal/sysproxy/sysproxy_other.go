//go:build !darwin

package sysproxy

import "log/slog"

// New returns the platform Setter for a listener on port. Only macOS is
// supported; elsewhere the settings are left alone.
func New(port int, excluded []string, logger *slog.Logger) Setter {
	return Noop{Logger: logger, Reason: "unsupported platform"}
}
