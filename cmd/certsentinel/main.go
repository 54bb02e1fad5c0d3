package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"certsentinel"
)

func main() {
	app := &cli.App{
		Name:  "certsentinel",
		Usage: "TLS certificate lifecycle monitor and renewal orchestrator",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to TOML config file",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "append-only audit log file (overrides config)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: "log level: debug, info, warn, error",
			},
		},
		Commands: []*cli.Command{
			checkCommand(),
			renewCommand(),
			monitorCommand(),
			diagnoseCommand(),
		},
	}

	// cli.Exit errors are handled (message + code) inside Run; anything
	// else surfaces here as a plain failure.
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runtime is the per-invocation wiring shared by every subcommand.
type runtime struct {
	cfg      *certsentinel.Config
	logger   *slog.Logger
	closeLog func() error
}

func setup(c *cli.Context) (*runtime, error) {
	// Optional .env for homelab deployments; absence is not an error.
	_ = godotenv.Load()

	cfg, err := certsentinel.LoadConfig(c.String("config"))
	if err != nil {
		return nil, err
	}
	if v := c.String("log-file"); v != "" {
		cfg.LogFile = v
	}

	logger, closeLog, err := certsentinel.NewLogger(cfg.LogFile, certsentinel.ParseLogLevel(c.String("log-level")))
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return &runtime{cfg: cfg, logger: logger, closeLog: closeLog}, nil
}

func (r *runtime) store() *certsentinel.Store {
	if r.cfg.AcmeJSONPath == "" {
		return nil
	}
	return certsentinel.NewStore(r.cfg.AcmeJSONPath, r.cfg.Resolver, r.cfg.BackupDir, r.cfg.BackupRetain, r.logger)
}

func (r *runtime) inspector() *certsentinel.Inspector {
	return certsentinel.NewInspector(r.cfg.ProbeTimeout(), r.logger)
}

func (r *runtime) prober() *certsentinel.Prober {
	return certsentinel.NewProber(r.cfg.ProbeTimeout(), r.logger)
}

func (r *runtime) controller() *certsentinel.DockerController {
	return certsentinel.NewDockerController(r.cfg.Container, r.cfg.PingURL, r.logger)
}

func (r *runtime) orchestrator() *certsentinel.Orchestrator {
	return certsentinel.NewOrchestrator(r.cfg, r.store(), r.prober(), r.inspector(), r.controller(), r.logger)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "Inspect every configured domain and report certificate state",
		Action: func(c *cli.Context) error {
			r, err := setup(c)
			if err != nil {
				return err
			}
			defer r.closeLog()

			if err := r.cfg.Validate(); err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			var store certsentinel.StateStore
			if s := r.store(); s != nil {
				store = s
			}
			monitor := certsentinel.NewMonitor(r.inspector(), nil, store, r.logger)
			monitor.WithAlerter(certsentinel.NewAlerter(r.cfg.Alerts, r.logger))

			worst, _ := monitor.CheckOnce(ctx, r.cfg.DomainRecords())
			if worst == certsentinel.StateCritical || worst == certsentinel.StateUnknown {
				return cli.Exit(fmt.Sprintf("worst state: %s", worst), 1)
			}
			return nil
		},
	}
}

func renewCommand() *cli.Command {
	return &cli.Command{
		Name:      "renew",
		Usage:     "Force a certificate renewal for one domain",
		ArgsUsage: "<domain>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("renew: exactly one domain argument required", 2)
			}
			domain := c.Args().First()

			r, err := setup(c)
			if err != nil {
				return err
			}
			defer r.closeLog()

			if err := r.cfg.ValidateRenewal(); err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			rec := certsentinel.DomainRecord{
				Name:         domain,
				AlertDays:    r.cfg.AlertDays,
				CriticalDays: r.cfg.CriticalDays,
			}
			if err := r.orchestrator().Renew(ctx, rec); err != nil {
				if errors.Is(err, certsentinel.ErrExhaustedRetries) {
					return cli.Exit(err.Error(), 1)
				}
				return err
			}
			fmt.Printf("renewal succeeded for %s\n", domain)
			return nil
		},
	}
}

func monitorCommand() *cli.Command {
	return &cli.Command{
		Name:  "monitor",
		Usage: "Monitor all domains and renew any that go critical",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "once",
				Usage: "run a single cycle and exit (cron mode)",
			},
		},
		Action: func(c *cli.Context) error {
			r, err := setup(c)
			if err != nil {
				return err
			}
			defer r.closeLog()

			if err := r.cfg.Validate(); err != nil {
				return err
			}
			if err := r.cfg.ValidateRenewal(); err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			metrics := certsentinel.NewMetrics()
			orch := r.orchestrator().WithMetrics(metrics)

			monitor := certsentinel.NewMonitor(r.inspector(), orch, r.store(), r.logger).
				WithAlerter(certsentinel.NewAlerter(r.cfg.Alerts, r.logger)).
				WithMetrics(metrics)
			monitor.Interval = r.cfg.CheckInterval()

			if c.Bool("once") {
				worst, _ := monitor.CheckOnce(ctx, r.cfg.DomainRecords())
				if worst == certsentinel.StateCritical || worst == certsentinel.StateUnknown {
					return cli.Exit(fmt.Sprintf("worst state: %s", worst), 1)
				}
				return nil
			}

			if addr := r.cfg.MetricsAddr; addr != "" {
				go serveMetrics(addr, metrics, r.logger)
			}
			return monitor.Run(ctx, r.cfg.DomainRecords())
		},
	}
}

func serveMetrics(addr string, metrics *certsentinel.Metrics, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	logger.Info("metrics listener starting", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics listener failed", "addr", addr, "error", err)
	}
}

func diagnoseCommand() *cli.Command {
	return &cli.Command{
		Name:      "diagnose",
		Usage:     "Print a troubleshooting report for one domain",
		ArgsUsage: "<domain>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("diagnose: exactly one domain argument required", 2)
			}
			domain := c.Args().First()

			r, err := setup(c)
			if err != nil {
				return err
			}
			defer r.closeLog()

			ctx, cancel := signalContext()
			defer cancel()

			var store certsentinel.StateStore
			if s := r.store(); s != nil {
				store = s
			}
			var process certsentinel.ProcessController
			if r.cfg.Container != "" {
				process = r.controller()
			}

			rec := certsentinel.DomainRecord{
				Name:         domain,
				AlertDays:    r.cfg.AlertDays,
				CriticalDays: r.cfg.CriticalDays,
			}
			d := certsentinel.NewDiagnoser(r.inspector(), r.prober(), store, process, r.logger)
			d.Report(ctx, rec, os.Stdout)
			return nil
		},
	}
}
