package agent

import (
	"fmt"
	"time"
)

// Transports
const (
	TransportWebsocket = "websocket"
	TransportPage      = "page"
)

// Config holds agent channel configuration
type Config struct {
	// Transport selects the Host: "websocket" for remote agents connecting
	// over /v1/agent/connect, "page" for the in-process HTTP agent.
	Transport string `toml:"transport"`

	// Attempts is the total number of tries per call, first try included.
	Attempts int `toml:"attempts"`

	// CallTimeout bounds a single attempt.
	CallTimeout time.Duration `toml:"call_timeout"`

	// RetryInitial and RetryMax bound the growing pause between attempts.
	RetryInitial time.Duration `toml:"retry_initial"`
	RetryMax     time.Duration `toml:"retry_max"`

	// SettleDelay is waited before re-binding and after re-binding.
	SettleDelay time.Duration `toml:"settle_delay"`

	// NavigationSettle is waited after a command that changes the page.
	NavigationSettle time.Duration `toml:"navigation_settle"`

	// ReadyPoll is how often a host re-checks surface readiness.
	ReadyPoll time.Duration `toml:"ready_poll"`

	// ReadyTimeout bounds the readiness wait before each attempt.
	ReadyTimeout time.Duration `toml:"ready_timeout"`

	// LocateTimeout bounds the wait for a surface to appear.
	LocateTimeout time.Duration `toml:"locate_timeout"`

	Page PageConfig `toml:"page"`
}

// PageConfig configures the in-process HTTP agent
type PageConfig struct {
	BaseURL        string        `toml:"base_url"`
	StartPath      string        `toml:"start_path"`
	SectionMarker  string        `toml:"section_marker"`
	CookieFile     string        `toml:"cookie_file"`
	CookieHeader   string        `toml:"cookie_header"`
	UserAgent      string        `toml:"user_agent"`
	MinAgeYears    int           `toml:"min_age_years"`
	RequestTimeout time.Duration `toml:"request_timeout"`
}

// DefaultConfig returns the agent defaults
func DefaultConfig() Config {
	return Config{
		Transport:        TransportWebsocket,
		Attempts:         6,
		CallTimeout:      10 * time.Second,
		RetryInitial:     1500 * time.Millisecond,
		RetryMax:         6 * time.Second,
		SettleDelay:      2 * time.Second,
		NavigationSettle: 3 * time.Second,
		ReadyPoll:        250 * time.Millisecond,
		ReadyTimeout:     30 * time.Second,
		LocateTimeout:    30 * time.Second,
		Page: PageConfig{
			BaseURL:        "https://member.expireddomains.net",
			StartPath:      "/",
			SectionMarker:  "expiredcom",
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
			MinAgeYears:    5,
			RequestTimeout: 30 * time.Second,
		},
	}
}

// Validate checks the agent configuration
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportWebsocket, TransportPage:
	default:
		return fmt.Errorf("agent.transport must be %q or %q, got %q", TransportWebsocket, TransportPage, c.Transport)
	}
	if c.Attempts < 1 {
		return fmt.Errorf("agent.attempts must be at least 1")
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("agent.call_timeout must be positive")
	}
	if c.RetryMax < c.RetryInitial {
		return fmt.Errorf("agent.retry_max must be >= agent.retry_initial")
	}
	if c.ReadyTimeout <= 0 || c.LocateTimeout <= 0 {
		return fmt.Errorf("agent.ready_timeout and agent.locate_timeout must be positive")
	}
	if c.Transport == TransportPage {
		if c.Page.BaseURL == "" {
			return fmt.Errorf("agent.page.base_url is required for the page transport")
		}
		if c.Page.MinAgeYears < 0 {
			return fmt.Errorf("agent.page.min_age_years must be non-negative")
		}
	}
	return nil
}
