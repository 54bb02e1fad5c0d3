package certsentinel

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Defaults applied when neither the config file, the environment, nor a
// flag sets a value.
const (
	DefaultAlertDays         = 30
	DefaultCriticalDays      = 7
	DefaultBackupRetain      = 10
	DefaultMaxRetryAttempts  = 3
	DefaultRetryDelay        = 300 * time.Second
	DefaultGenerationTimeout = 600 * time.Second
	DefaultProbeTimeout      = 10 * time.Second
	DefaultStopTimeout       = 30 * time.Second
	DefaultHealthBudget      = 2 * time.Minute
	DefaultCheckInterval     = time.Hour
	DefaultResolver          = "letsencrypt"
)

// AlertsConfig holds the SMTP alerting settings. Alerting is disabled
// unless Server and To are both set.
type AlertsConfig struct {
	Server string `toml:"smtp_server" comment:"SMTP server hostname (empty disables alerting)"`
	Port   int    `toml:"smtp_port" comment:"SMTP server port"`
	User   string `toml:"smtp_user" comment:"SMTP username (set via env)"`
	Pass   string `toml:"smtp_pass" comment:"SMTP password (set via env)"`
	From   string `toml:"from" comment:"Sender address"`
	To     string `toml:"to" comment:"Recipient address for WARNING/CRITICAL alerts"`
}

// Config is the full tool configuration. Values come from (in order of
// precedence) flags, environment variables, the TOML file, then defaults.
type Config struct {
	Domains      []string `toml:"domains" comment:"Domains to monitor"`
	AlertDays    int      `toml:"alert_days" comment:"Days before expiry to report WARNING"`
	CriticalDays int      `toml:"critical_days" comment:"Days before expiry to report CRITICAL and trigger renewal"`

	AcmeJSONPath string `toml:"acme_json_path" comment:"Path to the terminator's acme.json store"`
	Resolver     string `toml:"resolver" comment:"Top-level resolver key inside acme.json (e.g. 'letsencrypt')"`
	AccountEmail string `toml:"account_email" comment:"ACME account email, used when repairing a corrupt store"`

	LogFile      string `toml:"log_file" comment:"Append-only audit log file (empty: stdout only)"`
	BackupDir    string `toml:"backup_dir" comment:"Directory for timestamped store backups"`
	BackupRetain int    `toml:"backup_retain" comment:"Number of store backups to keep"`

	MaxRetryAttempts  int `toml:"max_retry_attempts" comment:"Renewal attempts before giving up"`
	RetryDelaySecs    int `toml:"retry_delay_seconds" comment:"Delay between renewal attempts"`
	GenerationSecs    int `toml:"generation_timeout_seconds" comment:"How long to wait for a fresh certificate to appear"`
	ProbeTimeoutSecs  int `toml:"probe_timeout_seconds" comment:"DNS/TCP/TLS probe timeout"`
	StopTimeoutSecs   int `toml:"stop_timeout_seconds" comment:"Graceful stop window before force-stopping the terminator"`
	CheckIntervalSecs int `toml:"check_interval_seconds" comment:"Daemon-mode cycle interval"`

	Container   string `toml:"container" comment:"Container name of the TLS-terminating process"`
	PingURL     string `toml:"ping_url" comment:"Terminator health/ping endpoint (e.g. http://127.0.0.1:8080/ping)"`
	MetricsAddr string `toml:"metrics_addr" comment:"Listen address for the daemon-mode /metrics endpoint (empty disables)"`

	Alerts AlertsConfig `toml:"alerts"`
}

// DefaultConfig returns a config populated with every default.
func DefaultConfig() *Config {
	return &Config{
		AlertDays:         DefaultAlertDays,
		CriticalDays:      DefaultCriticalDays,
		Resolver:          DefaultResolver,
		BackupRetain:      DefaultBackupRetain,
		MaxRetryAttempts:  DefaultMaxRetryAttempts,
		RetryDelaySecs:    int(DefaultRetryDelay / time.Second),
		GenerationSecs:    int(DefaultGenerationTimeout / time.Second),
		ProbeTimeoutSecs:  int(DefaultProbeTimeout / time.Second),
		StopTimeoutSecs:   int(DefaultStopTimeout / time.Second),
		CheckIntervalSecs: int(DefaultCheckInterval / time.Second),
		Container:         "traefik",
		Alerts:            AlertsConfig{Port: 587},
	}
}

// LoadConfig builds the configuration from defaults, an optional TOML file
// and the environment. path may be empty.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the config. Empty variables
// are ignored.
func (c *Config) applyEnv() error {
	if v := os.Getenv("DOMAIN"); v != "" {
		c.Domains = splitDomains(v)
	}
	for _, e := range []struct {
		name string
		dst  *int
	}{
		{"ALERT_DAYS", &c.AlertDays},
		{"CRITICAL_DAYS", &c.CriticalDays},
		{"MAX_RETRY_ATTEMPTS", &c.MaxRetryAttempts},
		{"RETRY_DELAY", &c.RetryDelaySecs},
		{"GENERATION_TIMEOUT", &c.GenerationSecs},
		{"CHECK_INTERVAL", &c.CheckIntervalSecs},
		{"BACKUP_RETAIN", &c.BackupRetain},
		{"SMTP_PORT", &c.Alerts.Port},
	} {
		v := os.Getenv(e.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s must be an integer, got %q: %w", e.name, v, err)
		}
		*e.dst = n
	}
	for _, e := range []struct {
		name string
		dst  *string
	}{
		{"ACME_JSON_PATH", &c.AcmeJSONPath},
		{"ACME_RESOLVER", &c.Resolver},
		{"ACCOUNT_EMAIL", &c.AccountEmail},
		{"LOG_FILE", &c.LogFile},
		{"BACKUP_DIR", &c.BackupDir},
		{"CONTAINER", &c.Container},
		{"PING_URL", &c.PingURL},
		{"METRICS_ADDR", &c.MetricsAddr},
		{"SMTP_SERVER", &c.Alerts.Server},
		{"SMTP_USER", &c.Alerts.User},
		{"SMTP_PASS", &c.Alerts.Pass},
		{"ALERT_FROM", &c.Alerts.From},
		{"ADMIN_EMAIL", &c.Alerts.To},
	} {
		if v := os.Getenv(e.name); v != "" {
			*e.dst = v
		}
	}
	return nil
}

func splitDomains(s string) []string {
	var out []string
	for _, d := range strings.Split(s, ",") {
		if d = strings.TrimSpace(d); d != "" {
			out = append(out, d)
		}
	}
	return out
}

// Validate checks the configuration for the fields every mode requires.
// Renewal-specific fields are checked separately by ValidateRenewal.
func (c *Config) Validate() error {
	if len(c.Domains) == 0 {
		return errors.New("config: domains cannot be empty")
	}
	if c.AlertDays <= 0 {
		return errors.New("config: alert_days must be positive")
	}
	if c.CriticalDays <= 0 {
		return errors.New("config: critical_days must be positive")
	}
	if c.CriticalDays > c.AlertDays {
		return fmt.Errorf("config: critical_days (%d) cannot exceed alert_days (%d)", c.CriticalDays, c.AlertDays)
	}
	if c.CheckIntervalSecs <= 0 {
		return errors.New("config: check_interval_seconds must be positive")
	}
	return nil
}

// ValidateRenewal checks the fields the Renewal Orchestrator needs on top
// of Validate.
func (c *Config) ValidateRenewal() error {
	if c.AcmeJSONPath == "" {
		return errors.New("config: acme_json_path cannot be empty")
	}
	if c.Resolver == "" {
		return errors.New("config: resolver cannot be empty")
	}
	if c.AccountEmail == "" {
		return errors.New("config: account_email cannot be empty")
	}
	if c.BackupDir == "" {
		return errors.New("config: backup_dir cannot be empty")
	}
	if c.Container == "" {
		return errors.New("config: container cannot be empty")
	}
	if c.MaxRetryAttempts <= 0 {
		return errors.New("config: max_retry_attempts must be positive")
	}
	if c.BackupRetain <= 0 {
		return errors.New("config: backup_retain must be positive")
	}
	return nil
}

// DomainRecords projects the configured domain list into records carrying
// the shared thresholds.
func (c *Config) DomainRecords() []DomainRecord {
	records := make([]DomainRecord, 0, len(c.Domains))
	for _, d := range c.Domains {
		records = append(records, DomainRecord{
			Name:         d,
			AlertDays:    c.AlertDays,
			CriticalDays: c.CriticalDays,
		})
	}
	return records
}

func (c *Config) RetryDelay() time.Duration { return time.Duration(c.RetryDelaySecs) * time.Second }

func (c *Config) GenerationTimeout() time.Duration {
	return time.Duration(c.GenerationSecs) * time.Second
}

func (c *Config) ProbeTimeout() time.Duration { return time.Duration(c.ProbeTimeoutSecs) * time.Second }

func (c *Config) StopTimeout() time.Duration { return time.Duration(c.StopTimeoutSecs) * time.Second }

func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSecs) * time.Second
}
