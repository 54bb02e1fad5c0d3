package certsentinel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// Probe errors surfaced by the inspector and the reachability prober.
var (
	ErrUnreachable     = errors.New("endpoint unreachable")
	ErrNoCertificate   = errors.New("peer presented no certificate")
	ErrDNSFailure      = errors.New("dns resolution failed")
	ErrPortUnreachable = errors.New("challenge port unreachable")
)

// CertInspector reads the live certificate state of a domain.
type CertInspector interface {
	Inspect(ctx context.Context, rec DomainRecord) (CertificateStatus, error)
}

// Inspector performs a TLS handshake against domain:443 and classifies the
// peer leaf certificate against the domain's thresholds. Read-only.
type Inspector struct {
	Timeout time.Duration
	Port    string

	logger *slog.Logger

	// seams for tests
	now       func() time.Time
	handshake func(ctx context.Context, addr, serverName string, timeout time.Duration) (*x509.Certificate, error)
}

func NewInspector(timeout time.Duration, logger *slog.Logger) *Inspector {
	if logger == nil {
		panic("NewInspector: received nil logger")
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Inspector{
		Timeout:   timeout,
		Port:      "443",
		logger:    logger.With("component", "inspector"),
		now:       time.Now,
		handshake: leafCertificate,
	}
}

// Inspect dials rec.Name:443 with SNI set to the domain and projects the
// leaf certificate into a CertificateStatus. Loopback names are a
// degenerate case: there is no real certificate to check, so inspection is
// skipped and the domain reported UNKNOWN.
func (i *Inspector) Inspect(ctx context.Context, rec DomainRecord) (CertificateStatus, error) {
	status := CertificateStatus{Domain: rec.Name, State: StateUnknown}

	if isLoopback(rec.Name) {
		i.logger.Debug("skipping loopback domain", "domain", rec.Name)
		return status, nil
	}

	addr := net.JoinHostPort(rec.Name, i.Port)
	cert, err := i.handshake(ctx, addr, rec.Name, i.Timeout)
	if err != nil {
		return status, err
	}

	status.NotAfter = cert.NotAfter
	status.DaysRemaining = daysUntil(i.now(), cert.NotAfter)
	status.State = Classify(status.DaysRemaining, rec)
	return status, nil
}

// Classify maps days-remaining onto the state enum. Monotonic: for fixed
// thresholds, fewer days never yields a less severe state.
func Classify(daysRemaining int, rec DomainRecord) CertState {
	switch {
	case daysRemaining < rec.CriticalDays:
		return StateCritical
	case daysRemaining < rec.AlertDays:
		return StateWarning
	default:
		return StateOK
	}
}

func daysUntil(now, notAfter time.Time) int {
	remaining := notAfter.Sub(now)
	days := int(remaining / (24 * time.Hour))
	if remaining < 0 && remaining%(24*time.Hour) != 0 {
		days-- // floor, not truncate, for already-expired certs
	}
	return days
}

// isLoopback reports whether the name cannot carry a real public
// certificate: the literal localhost or any loopback IP literal.
func isLoopback(name string) bool {
	if name == "localhost" {
		return true
	}
	if ip := net.ParseIP(name); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// leafCertificate performs the full handshake and returns the peer leaf.
func leafCertificate(ctx context.Context, addr, serverName string, timeout time.Duration) (*x509.Certificate, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: timeout},
		Config: &tls.Config{
			ServerName: serverName,
			// Expiry inspection must still work on an already-invalid
			// certificate; validity is judged from NotAfter, not the
			// verifier.
			InsecureSkipVerify: true,
		},
	}
	rawConn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, addr, err)
	}
	defer rawConn.Close()

	tlsConn, ok := rawConn.(*tls.Conn)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, addr)
	}
	peers := tlsConn.ConnectionState().PeerCertificates
	if len(peers) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoCertificate, addr)
	}
	return peers[0], nil
}
