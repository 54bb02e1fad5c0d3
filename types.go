package certsentinel

import (
	"time"

	"github.com/google/uuid"
)

// CertState classifies how close a certificate is to expiry.
type CertState string

const (
	StateOK       CertState = "OK"
	StateWarning  CertState = "WARNING"
	StateCritical CertState = "CRITICAL"
	StateUnknown  CertState = "UNKNOWN"
)

// severity orders states from best to worst for exit-code aggregation.
func (s CertState) severity() int {
	switch s {
	case StateOK:
		return 0
	case StateWarning:
		return 1
	case StateCritical:
		return 2
	default:
		return 3
	}
}

// Worse returns the more severe of the two states.
func (s CertState) Worse(other CertState) CertState {
	if other.severity() > s.severity() {
		return other
	}
	return s
}

// DomainRecord is a monitored domain with its classification thresholds.
// Built from configuration, immutable during a run.
type DomainRecord struct {
	Name         string
	AlertDays    int
	CriticalDays int
}

// CertificateStatus is a point-in-time projection of a live TLS handshake.
// It is computed fresh on every inspection and never persisted.
type CertificateStatus struct {
	Domain        string
	NotAfter      time.Time
	DaysRemaining int
	State         CertState
}

// AttemptOutcome is the terminal (or pending) state of one renewal attempt.
type AttemptOutcome string

const (
	OutcomePending AttemptOutcome = "PENDING"
	OutcomeSuccess AttemptOutcome = "SUCCESS"
	OutcomeFailed  AttemptOutcome = "FAILED"
)

// RenewalAttempt records one invalidate-restart-await cycle for a domain.
// It lives in memory for the duration of the run and is written to the
// audit log, never stored as structured state.
type RenewalAttempt struct {
	ID        string
	Domain    string
	Number    int
	StartedAt time.Time
	Outcome   AttemptOutcome
	Err       error
}

func newRenewalAttempt(domain string, number int, startedAt time.Time) *RenewalAttempt {
	return &RenewalAttempt{
		ID:        uuid.NewString(),
		Domain:    domain,
		Number:    number,
		StartedAt: startedAt,
		Outcome:   OutcomePending,
	}
}
