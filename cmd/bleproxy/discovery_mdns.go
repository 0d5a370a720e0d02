//go:build mdns

package main

import (
	"log/slog"

	"bleproxy/internal/usecase/discovery"
)

func buildDiscoverer(logger *slog.Logger) discovery.Discoverer {
	return discovery.NewMDNSDiscoverer(logger)
}
