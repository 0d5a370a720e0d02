//go:build !linux

package scanner

import (
	"context"
	"log/slog"
	"runtime"

	"bleproxy/internal/domain"
)

// HCIScanner is only available on Linux.
type HCIScanner struct{}

// NewHCIScanner always fails on this platform.
func NewHCIScanner(_ Options, _ *slog.Logger) (*HCIScanner, error) {
	return nil, domain.NewDomainError("NewHCIScanner", domain.ErrScanner, "HCI scanning is not supported on "+runtime.GOOS)
}

func (s *HCIScanner) StartScan(context.Context, domain.ScanHandler) (domain.ScanSession, error) {
	return nil, domain.NewDomainError("HCIScanner.StartScan", domain.ErrScanner, "unsupported platform")
}

func (s *HCIScanner) Close() error { return nil }
