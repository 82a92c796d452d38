// Package verify classifies domain names against an RDAP registry.
package verify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/livinlefevreloca/dropscout/internal/telemetry"
)

// Status is the registry's verdict on a name
type Status string

const (
	StatusPending   Status = "pending"
	StatusAvailable Status = "available"
	StatusTaken     Status = "taken"
	StatusUnknown   Status = "unknown"
)

// Config holds verification client configuration
type Config struct {
	Endpoint  string        `toml:"endpoint"`
	Interval  time.Duration `toml:"interval"`
	Timeout   time.Duration `toml:"timeout"`
	UserAgent string        `toml:"user_agent"`
}

// DefaultConfig returns the Verisign .com RDAP endpoint, one call per second
func DefaultConfig() Config {
	return Config{
		Endpoint:  "https://rdap.verisign.com/com/v1/domain/",
		Interval:  time.Second,
		Timeout:   15 * time.Second,
		UserAgent: "dropscout/1.0",
	}
}

// Validate checks the verifier configuration
func (c *Config) Validate() error {
	u, err := url.Parse(c.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("verifier.endpoint must be an absolute URL, got %q", c.Endpoint)
	}
	if c.Interval < 0 {
		return fmt.Errorf("verifier.interval must be non-negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("verifier.timeout must be positive")
	}
	return nil
}

// Classifier decides whether a name is registered.
type Classifier interface {
	Classify(ctx context.Context, name string) Status
}

// Client calls the RDAP endpoint sequentially, never faster than one call
// per Interval.
type Client struct {
	config  Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	outcomes metric.Int64Counter
}

// NewClient creates a client. httpClient may be nil.
func NewClient(config Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	if !strings.HasSuffix(config.Endpoint, "/") {
		config.Endpoint += "/"
	}

	limit := rate.Inf
	if config.Interval > 0 {
		limit = rate.Every(config.Interval)
	}

	outcomes, _ := telemetry.Meter("dropscout/verify").Int64Counter("dropscout.verify.outcomes",
		metric.WithDescription("Verification outcomes by status"),
	)

	return &Client{
		config:   config,
		http:     httpClient,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger,
		outcomes: outcomes,
	}
}

// Classify looks name up. 404 means Available, 200 means Taken, anything
// else (including a cancelled context) means Unknown.
func (c *Client) Classify(ctx context.Context, name string) Status {
	status := c.classify(ctx, name)
	c.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	return status
}

func (c *Client) classify(ctx context.Context, name string) Status {
	if err := c.limiter.Wait(ctx); err != nil {
		c.logger.Debug("verification skipped", "domain", name, "error", err)
		return StatusUnknown
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.Endpoint+url.PathEscape(name), nil)
	if err != nil {
		c.logger.Warn("build verification request", "domain", name, "error", err)
		return StatusUnknown
	}
	req.Header.Set("Accept", "application/rdap+json")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("verification request failed", "domain", name, "error", err)
		return StatusUnknown
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	var status Status
	switch resp.StatusCode {
	case http.StatusNotFound:
		status = StatusAvailable
	case http.StatusOK:
		status = StatusTaken
	default:
		status = StatusUnknown
	}

	c.logger.Debug("verified domain", "domain", name, "http_status", resp.StatusCode, "status", status)
	return status
}
