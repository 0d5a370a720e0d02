//go:build !mdns

package main

import (
	"log/slog"

	"bleproxy/internal/usecase/discovery"
)

func buildDiscoverer(logger *slog.Logger) discovery.Discoverer {
	logger.Debug("mDNS disabled in this build (rebuild with -tags mdns)")
	return discovery.NewNoopDiscoverer()
}
