package certsentinel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
)

// Diagnoser produces a troubleshooting report for one domain: DNS and
// challenge-port reachability, live certificate state, store validity, and
// terminator process state. It is a report, not a gate; findings do not
// change the exit code.
type Diagnoser struct {
	inspector CertInspector
	prober    ReachabilityProber
	store     StateStore
	process   ProcessController
	logger    *slog.Logger
}

func NewDiagnoser(inspector CertInspector, prober ReachabilityProber, store StateStore, process ProcessController, logger *slog.Logger) *Diagnoser {
	if inspector == nil || prober == nil || logger == nil {
		panic("NewDiagnoser: received nil collaborator")
	}
	return &Diagnoser{
		inspector: inspector,
		prober:    prober,
		store:     store,
		process:   process,
		logger:    logger.With("component", "diagnose"),
	}
}

// Report writes the findings for rec to w.
func (d *Diagnoser) Report(ctx context.Context, rec DomainRecord, w io.Writer) {
	fmt.Fprintf(w, "Diagnostics for %s\n\n", rec.Name)

	if err := d.prober.Probe(ctx, rec.Name); err != nil {
		fmt.Fprintf(w, "  reachability:  FAIL (%v)\n", err)
	} else {
		fmt.Fprintf(w, "  reachability:  ok (resolves, port 80 reachable)\n")
	}

	status, err := d.inspector.Inspect(ctx, rec)
	switch {
	case err != nil:
		fmt.Fprintf(w, "  live cert:     FAIL (%v)\n", err)
	case status.State == StateUnknown:
		fmt.Fprintf(w, "  live cert:     skipped (loopback domain)\n")
	default:
		fmt.Fprintf(w, "  live cert:     %s, %d days remaining (expires %s)\n",
			status.State, status.DaysRemaining, status.NotAfter.UTC().Format("2006-01-02"))
	}

	if d.store != nil {
		if err := d.store.Validate(); err != nil {
			fmt.Fprintf(w, "  acme store:    INVALID (%v)\n", err)
		} else if entry, err := d.store.Entry(rec.Name); err != nil {
			fmt.Fprintf(w, "  acme store:    valid, entry unreadable (%v)\n", err)
		} else if entry == nil {
			fmt.Fprintf(w, "  acme store:    valid, no entry for %s\n", rec.Name)
		} else {
			fmt.Fprintf(w, "  acme store:    valid, entry expires %s\n", entry.NotAfter.UTC().Format("2006-01-02"))
		}
	}

	if d.process != nil {
		running, err := d.process.IsRunning(ctx)
		if err != nil {
			fmt.Fprintf(w, "  terminator:    state unknown (%v)\n", err)
			return
		}
		healthy, err := d.process.IsHealthy(ctx)
		if err != nil {
			fmt.Fprintf(w, "  terminator:    running=%v, health unknown (%v)\n", running, err)
			return
		}
		fmt.Fprintf(w, "  terminator:    running=%v healthy=%v\n", running, healthy)
	}
}
