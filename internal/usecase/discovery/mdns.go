//go:build mdns

package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// MDNSDiscoverer uses multicast DNS-SD.
type MDNSDiscoverer struct {
	logger *slog.Logger
}

// NewMDNSDiscoverer creates an MDNSDiscoverer.
func NewMDNSDiscoverer(logger *slog.Logger) *MDNSDiscoverer {
	return &MDNSDiscoverer{logger: logger}
}

// Advertise registers a relay host. The registration lives until the returned
// function is called.
func (d *MDNSDiscoverer) Advertise(_ context.Context, instance string, port int, txt map[string]string) (func(), error) {
	server, err := zeroconf.Register(instance, ServiceType, Domain, port, encodeTXT(txt), nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	d.logger.Info("mdns advertising", "instance", instance, "port", port)

	var once sync.Once
	return func() { once.Do(server.Shutdown) }, nil
}

// Browse collects relay hosts announced within timeout.
func (d *MDNSDiscoverer) Browse(ctx context.Context, timeout time.Duration) ([]Service, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var (
		mu   sync.Mutex
		svcs []Service
		wg   sync.WaitGroup
	)

	browseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			svc, ok := entryToService(entry)
			if !ok {
				continue
			}
			mu.Lock()
			svcs = append(svcs, svc)
			mu.Unlock()
			d.logger.Debug("mdns discovered relay", "instance", svc.Instance, "addr", svc.Addr())
		}
	}()

	if err := resolver.Browse(browseCtx, ServiceType, Domain, entries); err != nil {
		cancel()
		wg.Wait()
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	<-browseCtx.Done()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	sortServices(svcs)
	return svcs, nil
}

func entryToService(entry *zeroconf.ServiceEntry) (Service, bool) {
	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	default:
		return Service{}, false
	}
	txt := parseTXT(entry.Text)
	return Service{
		Instance: entry.ServiceRecord.Instance,
		Host:     host,
		Port:     entry.Port,
		Session:  txt["session"],
		Source:   txt["source"],
		TXT:      txt,
	}, true
}

var _ Discoverer = (*MDNSDiscoverer)(nil)
