package certsentinel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"
)

// Monitor drives the Certificate Inspector across all configured domains,
// sequentially, and hands CRITICAL domains to the Renewal Orchestrator when
// one is attached. Domains are never handled concurrently: renewals restart
// a shared terminator.
type Monitor struct {
	inspector CertInspector
	renewer   Renewer // nil: report only (check mode)
	store     StateStore
	alerter   *Alerter
	metrics   *Metrics
	logger    *slog.Logger

	Interval time.Duration
	Out      io.Writer
}

func NewMonitor(inspector CertInspector, renewer Renewer, store StateStore, logger *slog.Logger) *Monitor {
	if inspector == nil || logger == nil {
		panic("NewMonitor: received nil inspector or logger")
	}
	return &Monitor{
		inspector: inspector,
		renewer:   renewer,
		store:     store,
		logger:    logger.With("component", "monitor"),
		Interval:  DefaultCheckInterval,
		Out:       os.Stdout,
	}
}

func (m *Monitor) WithAlerter(a *Alerter) *Monitor  { m.alerter = a; return m }
func (m *Monitor) WithMetrics(mx *Metrics) *Monitor { m.metrics = mx; return m }

// CheckOnce inspects every domain in order, renews CRITICAL ones when a
// renewer is attached, prints the summary table, and returns the worst
// state observed plus the per-domain statuses. Inspection failures map to
// UNKNOWN and never abort the sweep.
func (m *Monitor) CheckOnce(ctx context.Context, domains []DomainRecord) (CertState, []CertificateStatus) {
	worst := StateOK
	statuses := make([]CertificateStatus, 0, len(domains))

	for _, rec := range domains {
		status := m.checkDomain(ctx, rec)
		statuses = append(statuses, status)
		worst = worst.Worse(status.State)
	}

	m.printSummary(statuses)
	if m.metrics != nil {
		m.metrics.ObserveCycle()
	}
	return worst, statuses
}

func (m *Monitor) checkDomain(ctx context.Context, rec DomainRecord) CertificateStatus {
	log := m.logger.With("domain", rec.Name)

	status, err := m.inspector.Inspect(ctx, rec)
	if err != nil {
		log.Error("inspection failed", "error", err)
		status = CertificateStatus{Domain: rec.Name, State: StateUnknown}
	}
	log.Info("inspected domain",
		"state", status.State,
		"days_remaining", status.DaysRemaining,
		"not_after", status.NotAfter,
	)

	if m.metrics != nil {
		m.metrics.ObserveStatus(status)
	}
	if m.alerter != nil {
		m.alerter.Notify(status)
	}
	if stored := m.storedExpiry(rec.Name); stored != nil {
		log.Info("store holds certificate entry", "stored_not_after", stored.NotAfter)
	}

	if status.State != StateCritical || m.renewer == nil {
		return status
	}

	log.Warn("domain is critical, starting renewal")
	if err := m.renewer.Renew(ctx, rec); err != nil {
		log.Error("renewal failed", "error", err)
		return status
	}

	// Re-inspect so the summary reflects the renewed certificate.
	renewed, err := m.inspector.Inspect(ctx, rec)
	if err != nil {
		log.Warn("post-renewal inspection failed", "error", err)
		return status
	}
	if m.metrics != nil {
		m.metrics.ObserveStatus(renewed)
	}
	if m.alerter != nil {
		m.alerter.Notify(renewed)
	}
	return renewed
}

func (m *Monitor) storedExpiry(domain string) *StoredCertificate {
	if m.store == nil {
		return nil
	}
	entry, err := m.store.Entry(domain)
	if err != nil {
		m.logger.Debug("could not read store entry", "domain", domain, "error", err)
		return nil
	}
	return entry
}

func (m *Monitor) printSummary(statuses []CertificateStatus) {
	w := tabwriter.NewWriter(m.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DOMAIN\tSTATE\tDAYS\tNOT AFTER")
	for _, s := range statuses {
		notAfter := "-"
		days := "-"
		if s.State != StateUnknown {
			notAfter = s.NotAfter.UTC().Format("2006-01-02")
			days = fmt.Sprintf("%d", s.DaysRemaining)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Domain, s.State, days, notAfter)
	}
	w.Flush()
}

// Run repeats CheckOnce on the configured interval until ctx is cancelled.
// A cycle's failures are logged and the loop continues; shutdown is
// observed between cycles, so an in-flight renewal finishes first.
func (m *Monitor) Run(ctx context.Context, domains []DomainRecord) error {
	m.logger.Info("monitor loop starting", "interval", m.Interval, "domains", len(domains))

	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	for {
		worst, _ := m.CheckOnce(ctx, domains)
		m.logger.Info("check cycle complete", "worst_state", worst)

		select {
		case <-ctx.Done():
			m.logger.Info("monitor loop stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
