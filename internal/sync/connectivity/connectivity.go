// Package connectivity reports whether the sync service is reachable.
package connectivity

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/cartsync/internal/logging"
)

// Oracle answers whether the device currently has network reachability.
type Oracle interface {
	IsOnline(ctx context.Context) bool
}

// Static is an Oracle whose answer is set by the host application, for
// platforms that deliver reachability events instead of being polled.
type Static struct {
	online atomic.Bool
}

// NewStatic creates a Static oracle with the given initial state.
func NewStatic(online bool) *Static {
	s := &Static{}
	s.online.Store(online)
	return s
}

// IsOnline implements Oracle.
func (s *Static) IsOnline(context.Context) bool {
	return s.online.Load()
}

// Set records the current reachability.
func (s *Static) Set(online bool) {
	s.online.Store(online)
}

// Probe is an Oracle that dials a TCP address.
type Probe struct {
	address string
	timeout time.Duration
	dial    func(ctx context.Context, network, address string) (net.Conn, error)
}

// NewProbe creates a Probe for address ("host:port"). An empty address is
// always offline.
func NewProbe(address string, timeout time.Duration) *Probe {
	d := &net.Dialer{}
	return &Probe{address: address, timeout: timeout, dial: d.DialContext}
}

// IsOnline implements Oracle.
func (p *Probe) IsOnline(ctx context.Context) bool {
	if p.address == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.dial(ctx, "tcp", p.address)
	if err != nil {
		logging.Debug("Connectivity probe failed", map[string]interface{}{
			"address": p.address,
			"error":   err.Error(),
		})
		return false
	}
	conn.Close()
	return true
}

var (
	_ Oracle = (*Static)(nil)
	_ Oracle = (*Probe)(nil)
)
