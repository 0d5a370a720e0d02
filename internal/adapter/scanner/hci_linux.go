//go:build linux

package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/go-ble/ble/linux/hci/cmd"

	"bleproxy/internal/domain"
)

// HCIScanner scans through a Linux HCI socket. Only one scan session may be
// active at a time.
type HCIScanner struct {
	dev    *linux.Device
	logger *slog.Logger

	mu     sync.Mutex
	active *hciSession
}

// NewHCIScanner opens the HCI device selected by opts and applies the scan
// parameters. Active scanning requests scan responses, which carry the local
// name for many devices.
func NewHCIScanner(opts Options, logger *slog.Logger) (*HCIScanner, error) {
	d, err := linux.NewDevice(ble.OptDeviceID(opts.DeviceID))
	if err != nil {
		return nil, domain.NewDomainError("NewHCIScanner", domain.ErrScanner, fmt.Sprintf("open hci%d: %v", opts.DeviceID, err))
	}

	scanType := uint8(0x00) // passive
	if opts.ActiveScan {
		scanType = 0x01
	}
	if err := d.HCI.Send(&cmd.LESetScanParameters{
		LEScanType:           scanType,
		LEScanInterval:       0x0010, // N * 0.625msec
		LEScanWindow:         0x0010, // N * 0.625msec
		OwnAddressType:       0x00,   // 0x00: public
		ScanningFilterPolicy: 0x00,   // 0x00: accept all
	}, nil); err != nil {
		_ = d.Stop()
		return nil, domain.NewDomainError("NewHCIScanner", domain.ErrScanner, fmt.Sprintf("set scan parameters: %v", err))
	}

	logger.Info("bluetooth adapter ready", "device", fmt.Sprintf("hci%d", opts.DeviceID), "active_scan", opts.ActiveScan)
	return &HCIScanner{dev: d, logger: logger}, nil
}

// StartScan begins a scan session. The handler runs on the driver's goroutine.
func (s *HCIScanner) StartScan(ctx context.Context, h domain.ScanHandler) (domain.ScanSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil && !s.active.finished() {
		return nil, domain.NewDomainError("HCIScanner.StartScan", domain.ErrScanner, "scan already active")
	}

	scanCtx, cancel := context.WithCancel(ctx)
	sess := &hciSession{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sess.done)
		err := s.dev.Scan(scanCtx, true, func(a ble.Advertisement) {
			h(FromAdvertisement(a))
		})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			sess.err = domain.NewDomainError("HCIScanner.Scan", domain.ErrScanner, err.Error())
			s.logger.Error("scan failed", "error", err)
		}
	}()
	s.active = sess
	return sess, nil
}

// Close stops any active session and releases the adapter.
func (s *HCIScanner) Close() error {
	s.mu.Lock()
	sess := s.active
	s.mu.Unlock()
	if sess != nil {
		_ = sess.Stop()
	}
	return s.dev.Stop()
}

type hciSession struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (s *hciSession) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *hciSession) Done() <-chan struct{} { return s.done }

// Stop cancels the scan and waits for the driver to disable scanning.
func (s *hciSession) Stop() error {
	s.cancel()
	<-s.done
	return s.err
}
