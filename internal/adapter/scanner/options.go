package scanner

import "bleproxy/internal/domain"

// Options selects the adapter and scan mode.
type Options struct {
	DeviceID   int  // hciN
	ActiveScan bool // request scan responses
}

var _ domain.Scanner = (*HCIScanner)(nil)
