package certsentinel

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ProcessController is the narrow lifecycle contract for the external
// TLS-terminating process. The production implementation drives the docker
// CLI; tests substitute fakes so the orchestrator never spawns processes.
type ProcessController interface {
	// Stop requests a graceful stop, waiting up to timeout.
	Stop(ctx context.Context, timeout time.Duration) error
	// ForceStop kills the process without grace.
	ForceStop(ctx context.Context) error
	Start(ctx context.Context) error
	IsRunning(ctx context.Context) (bool, error)
	// IsHealthy reports the process is up and serving. When a ping URL is
	// configured it is authoritative; otherwise the container's own health
	// status (falling back to running state) is used.
	IsHealthy(ctx context.Context) (bool, error)
}

// DockerController controls a container through the docker CLI, matching
// the operational contract of the stack it supervises.
type DockerController struct {
	Container string
	PingURL   string

	logger *slog.Logger
	http   *retryablehttp.Client
	// exec seam for tests
	run func(ctx context.Context, args ...string) (string, error)
}

func NewDockerController(container, pingURL string, logger *slog.Logger) *DockerController {
	if logger == nil {
		panic("NewDockerController: received nil logger")
	}
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 2
	httpClient.HTTPClient.Timeout = 5 * time.Second
	httpClient.Logger = nil // routed through slog below instead

	return &DockerController{
		Container: container,
		PingURL:   pingURL,
		logger:    logger.With("component", "process", "container", container),
		http:      httpClient,
		run:       runDocker,
	}
}

func runDocker(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("docker %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *DockerController) Stop(ctx context.Context, timeout time.Duration) error {
	secs := int(timeout / time.Second)
	if secs <= 0 {
		secs = int(DefaultStopTimeout / time.Second)
	}
	c.logger.Info("stopping container", "grace_seconds", secs)
	_, err := c.run(ctx, "stop", "--time", strconv.Itoa(secs), c.Container)
	return err
}

func (c *DockerController) ForceStop(ctx context.Context) error {
	c.logger.Warn("force-stopping container")
	_, err := c.run(ctx, "kill", c.Container)
	return err
}

func (c *DockerController) Start(ctx context.Context) error {
	c.logger.Info("starting container")
	_, err := c.run(ctx, "start", c.Container)
	return err
}

func (c *DockerController) IsRunning(ctx context.Context) (bool, error) {
	out, err := c.run(ctx, "inspect", "--format", "{{.State.Running}}", c.Container)
	if err != nil {
		return false, err
	}
	return out == "true", nil
}

func (c *DockerController) IsHealthy(ctx context.Context) (bool, error) {
	if c.PingURL != "" {
		return c.ping(ctx)
	}

	out, err := c.run(ctx, "inspect", "--format", "{{if .State.Health}}{{.State.Health.Status}}{{else}}none{{end}}", c.Container)
	if err != nil {
		return false, err
	}
	switch out {
	case "healthy":
		return true, nil
	case "none":
		// No healthcheck defined; running is the best signal available.
		return c.IsRunning(ctx)
	default:
		return false, nil
	}
}

func (c *DockerController) ping(ctx context.Context) (bool, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.PingURL, nil)
	if err != nil {
		return false, fmt.Errorf("ping: invalid url %s: %w", c.PingURL, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("ping failed", "url", c.PingURL, "error", err)
		return false, nil
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}
