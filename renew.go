package certsentinel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Renewal errors. ErrStoreWriteFailed lives with the store.
var (
	ErrProcessRestartFailed = errors.New("terminator restart failed")
	ErrExhaustedRetries     = errors.New("renewal retries exhausted")
)

var errNotYetIssued = errors.New("certificate not yet issued")

// Renewer drives a full renewal for one domain.
type Renewer interface {
	Renew(ctx context.Context, rec DomainRecord) error
}

// Orchestrator forces a certificate renewal: back up and validate the ACME
// store, drop the stale entry, restart the terminator, and wait for the
// fresh certificate. The whole cycle is retried up to MaxAttempts with
// RetryDelay between attempts. Side effects: mutates the store file,
// restarts an external process, writes the audit log.
type Orchestrator struct {
	store     StateStore
	prober    ReachabilityProber
	inspector CertInspector
	process   ProcessController
	logger    *slog.Logger
	metrics   *Metrics

	AccountEmail string
	MaxAttempts  int
	RetryDelay   time.Duration
	StopTimeout  time.Duration

	healthPoll   PollPolicy
	issuancePoll PollPolicy

	// seams for tests
	now   func() time.Time
	sleep func(d time.Duration)
}

// NewOrchestrator wires the orchestrator from its collaborators and the
// renewal-related config values.
func NewOrchestrator(cfg *Config, store StateStore, prober ReachabilityProber, inspector CertInspector, process ProcessController, logger *slog.Logger) *Orchestrator {
	if cfg == nil || store == nil || prober == nil || inspector == nil || process == nil || logger == nil {
		panic("NewOrchestrator: received nil collaborator")
	}
	return &Orchestrator{
		store:        store,
		prober:       prober,
		inspector:    inspector,
		process:      process,
		logger:       logger.With("component", "orchestrator"),
		AccountEmail: cfg.AccountEmail,
		MaxAttempts:  cfg.MaxRetryAttempts,
		RetryDelay:   cfg.RetryDelay(),
		StopTimeout:  cfg.StopTimeout(),
		healthPoll:   HealthPollPolicy(DefaultHealthBudget),
		issuancePoll: PollPolicy{Initial: 2 * time.Second, Cap: 10 * time.Second, Budget: cfg.GenerationTimeout()},
		now:          time.Now,
		sleep:        time.Sleep,
	}
}

// WithMetrics attaches a metrics sink. Optional.
func (o *Orchestrator) WithMetrics(m *Metrics) *Orchestrator {
	o.metrics = m
	return o
}

// Renew runs up to MaxAttempts full renewal cycles for the domain. On
// exhaustion the last step error is attached to ErrExhaustedRetries.
func (o *Orchestrator) Renew(ctx context.Context, rec DomainRecord) error {
	var lastErr error
	for n := 1; n <= o.MaxAttempts; n++ {
		attempt := newRenewalAttempt(rec.Name, n, o.now())
		log := o.logger.With("domain", rec.Name, "attempt", n, "attempt_id", attempt.ID)
		log.Info("starting renewal attempt", "max_attempts", o.MaxAttempts)

		err := o.attempt(ctx, rec, log)
		if err == nil {
			attempt.Outcome = OutcomeSuccess
			log.Info("renewal succeeded")
			o.recordOutcome(rec.Name, OutcomeSuccess)
			return nil
		}

		attempt.Outcome = OutcomeFailed
		attempt.Err = err
		lastErr = err
		log.Error("renewal attempt failed", "error", err)
		o.recordOutcome(rec.Name, OutcomeFailed)

		if n < o.MaxAttempts {
			log.Info("waiting before next attempt", "delay", o.RetryDelay)
			o.sleep(o.RetryDelay)
		}
	}
	return fmt.Errorf("%w: %d attempts for %s: %w", ErrExhaustedRetries, o.MaxAttempts, rec.Name, lastErr)
}

func (o *Orchestrator) recordOutcome(domain string, outcome AttemptOutcome) {
	if o.metrics != nil {
		o.metrics.ObserveRenewal(domain, outcome)
	}
}

// attempt is one invalidate-restart-await cycle. Step order is load
// bearing: Repair may only ever run after Backup has succeeded.
func (o *Orchestrator) attempt(ctx context.Context, rec DomainRecord, log *slog.Logger) error {
	// Step 1: reachability pre-check, advisory only (DNS-01 renewals do
	// not need port 80).
	if err := o.prober.Probe(ctx, rec.Name); err != nil {
		log.Warn("reachability pre-check failed, continuing", "step", "probe", "error", err)
	}

	// Step 2: backup before anything touches the store.
	backupPath, err := o.store.Backup()
	if err != nil {
		return fmt.Errorf("step backup: %w", err)
	}
	log.Info("store backed up", "step", "backup", "backup", backupPath)

	// Step 3: validate, repairing to a minimal skeleton on failure.
	if err := o.store.Validate(); err != nil {
		log.Warn("store validation failed, repairing", "step", "validate", "error", err)
		if repairErr := o.store.Repair(o.AccountEmail); repairErr != nil {
			return fmt.Errorf("step repair: %w", repairErr)
		}
		log.Info("store repaired", "step", "repair")
	}

	// Remember the stale entry so await can tell a reissued certificate
	// from the one being replaced.
	prior, err := o.store.Entry(rec.Name)
	if err != nil {
		log.Warn("could not read existing certificate entry", "step", "invalidate", "error", err)
	}

	// Step 4: drop the stale entry so the terminator requests a fresh
	// certificate on restart.
	if err := o.store.Invalidate(rec.Name); err != nil {
		return fmt.Errorf("step invalidate: %w", err)
	}

	// Step 5: restart the terminator and wait for it to be healthy.
	if err := o.restart(ctx, log); err != nil {
		return fmt.Errorf("step restart: %w", err)
	}

	// Step 6: wait for the fresh certificate and verify it live.
	if err := o.awaitIssuance(ctx, rec, prior, log); err != nil {
		return fmt.Errorf("step await: %w", err)
	}
	return nil
}

// restart performs graceful-stop (force on timeout), start, then polls
// running+healthy under the health budget.
func (o *Orchestrator) restart(ctx context.Context, log *slog.Logger) error {
	if err := o.process.Stop(ctx, o.StopTimeout); err != nil {
		log.Warn("graceful stop failed, force-stopping", "error", err)
		if killErr := o.process.ForceStop(ctx); killErr != nil {
			return fmt.Errorf("%w: force stop: %v", ErrProcessRestartFailed, killErr)
		}
	}
	if err := o.process.Start(ctx); err != nil {
		return fmt.Errorf("%w: start: %v", ErrProcessRestartFailed, err)
	}

	err := o.healthPoll.Poll(ctx, func() error {
		running, err := o.process.IsRunning(ctx)
		if err != nil {
			return err
		}
		if !running {
			return errors.New("terminator not running")
		}
		healthy, err := o.process.IsHealthy(ctx)
		if err != nil {
			return err
		}
		if !healthy {
			return errors.New("terminator not healthy")
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProcessRestartFailed, err)
	}
	log.Info("terminator restarted and healthy")
	return nil
}

// awaitIssuance polls the store for a certificate entry newer than the
// invalidated one, then confirms it with a live handshake (skipped for
// loopback domains, which inspect as UNKNOWN).
func (o *Orchestrator) awaitIssuance(ctx context.Context, rec DomainRecord, prior *StoredCertificate, log *slog.Logger) error {
	var fresh *StoredCertificate
	err := o.issuancePoll.Poll(ctx, func() error {
		entry, err := o.store.Entry(rec.Name)
		if err != nil {
			return err
		}
		if entry == nil {
			return errNotYetIssued
		}
		if prior != nil && !entry.NotAfter.After(prior.NotAfter) {
			return errNotYetIssued
		}
		fresh = entry
		return nil
	})
	if err != nil {
		return fmt.Errorf("no fresh certificate within %s: %w", o.issuancePoll.Budget, err)
	}
	log.Info("fresh certificate present in store", "not_after", fresh.NotAfter)

	status, err := o.inspector.Inspect(ctx, rec)
	if err != nil {
		return fmt.Errorf("live verification: %w", err)
	}
	if status.State == StateUnknown {
		log.Info("live verification skipped for loopback domain")
		return nil
	}
	if status.State == StateCritical {
		return fmt.Errorf("live verification: served certificate still critical (%d days remaining)", status.DaysRemaining)
	}
	log.Info("live verification passed", "state", status.State, "days_remaining", status.DaysRemaining)
	return nil
}
