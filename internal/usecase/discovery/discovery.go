// Package discovery announces and finds relay hosts on the local network.
package discovery

import (
	"context"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// ServiceType is the DNS-SD service type of a relay host.
	ServiceType = "_bleproxy._udp"
	// Domain is the mDNS browse domain.
	Domain = "local."
	// DefaultTimeout bounds a browse when the caller gives none.
	DefaultTimeout = 3 * time.Second
)

// Service is one relay host found on the network.
type Service struct {
	Instance string
	Host     string
	Port     int
	Session  string
	Source   string
	TXT      map[string]string
}

// Addr returns host:port for use as an agent destination.
func (s Service) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Discoverer announces a host and browses for others.
type Discoverer interface {
	// Advertise registers instance on port. The returned function withdraws
	// the registration.
	Advertise(ctx context.Context, instance string, port int, txt map[string]string) (func(), error)
	// Browse collects services until timeout elapses or ctx is done.
	Browse(ctx context.Context, timeout time.Duration) ([]Service, error)
}

// NoopDiscoverer is used when mDNS support is not compiled in.
type NoopDiscoverer struct{}

// NewNoopDiscoverer creates a NoopDiscoverer.
func NewNoopDiscoverer() *NoopDiscoverer { return &NoopDiscoverer{} }

// Advertise does nothing.
func (NoopDiscoverer) Advertise(context.Context, string, int, map[string]string) (func(), error) {
	return func() {}, nil
}

// Browse finds nothing.
func (NoopDiscoverer) Browse(context.Context, time.Duration) ([]Service, error) {
	return nil, nil
}

func encodeTXT(m map[string]string) []string {
	txt := make([]string, 0, len(m))
	for k, v := range m {
		txt = append(txt, k+"="+v)
	}
	sort.Strings(txt)
	return txt
}

func parseTXT(txt []string) map[string]string {
	m := make(map[string]string, len(txt))
	for _, t := range txt {
		k, v, ok := strings.Cut(t, "=")
		if ok {
			m[k] = v
		}
	}
	return m
}

// sortServices orders results by instance then address for stable output.
func sortServices(svcs []Service) {
	sort.Slice(svcs, func(i, j int) bool {
		if svcs[i].Instance != svcs[j].Instance {
			return svcs[i].Instance < svcs[j].Instance
		}
		return svcs[i].Addr() < svcs[j].Addr()
	})
}
