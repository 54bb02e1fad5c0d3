package certsentinel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// ReachabilityProber checks a domain is resolvable and reachable on the
// HTTP-01 challenge port.
type ReachabilityProber interface {
	Probe(ctx context.Context, domain string) error
}

// Prober resolves a domain through the system resolver and attempts a TCP
// connect to port 80. Advisory: renewal proceeds on failure, the result is
// diagnostics only (DNS-01 renewals do not need port 80 at all).
type Prober struct {
	Timeout time.Duration

	logger *slog.Logger

	// seams for tests
	lookup func(ctx context.Context, host string) ([]string, error)
	dial   func(ctx context.Context, network, addr string) (net.Conn, error)
}

func NewProber(timeout time.Duration, logger *slog.Logger) *Prober {
	if logger == nil {
		panic("NewProber: received nil logger")
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	dialer := &net.Dialer{Timeout: timeout}
	return &Prober{
		Timeout: timeout,
		logger:  logger.With("component", "prober"),
		lookup:  net.DefaultResolver.LookupHost,
		dial:    dialer.DialContext,
	}
}

// Probe returns a wrapped ErrDNSFailure or ErrPortUnreachable, or nil when
// the domain resolves and port 80 accepts a connection.
func (p *Prober) Probe(ctx context.Context, domain string) error {
	resolveCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	addrs, err := p.lookup(resolveCtx, domain)
	if err != nil || len(addrs) == 0 {
		return fmt.Errorf("%w: %s: %v", ErrDNSFailure, domain, err)
	}
	p.logger.Debug("domain resolved", "domain", domain, "addrs", addrs)

	conn, err := p.dial(ctx, "tcp", net.JoinHostPort(domain, "80"))
	if err != nil {
		return fmt.Errorf("%w: %s:80: %v", ErrPortUnreachable, domain, err)
	}
	conn.Close()
	return nil
}
