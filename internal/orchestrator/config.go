package orchestrator

import (
	"fmt"
	"math"
	"time"
)

// Config holds the run heuristics
type Config struct {
	OversampleFactor  float64       `toml:"oversample_factor"`
	MaxPages          int           `toml:"max_pages"`
	PageSizeHint      int           `toml:"page_size_hint"`
	EmptyPagesAbort   int           `toml:"empty_pages_abort"`
	KeepaliveInterval time.Duration `toml:"keepalive_interval"`
	VerifyInterval    time.Duration `toml:"verify_interval"`
	MinTarget         int           `toml:"min_target"`
	MaxTarget         int           `toml:"max_target"`
	HistoryMaxRuns    int           `toml:"history_max_runs"`
	HistoryMaxResults int           `toml:"history_max_results"`
}

// DefaultConfig returns the heuristics used against the live site
func DefaultConfig() Config {
	return Config{
		OversampleFactor:  3,
		MaxPages:          7,
		PageSizeHint:      0,
		EmptyPagesAbort:   3,
		KeepaliveInterval: 25 * time.Second,
		VerifyInterval:    time.Second,
		MinTarget:         1,
		MaxTarget:         100,
		HistoryMaxRuns:    50,
		HistoryMaxResults: 2000,
	}
}

// Validate checks the orchestrator configuration
func (c *Config) Validate() error {
	if c.OversampleFactor < 1 {
		return fmt.Errorf("orchestrator.oversample_factor must be at least 1")
	}
	if c.MaxPages < 1 {
		return fmt.Errorf("orchestrator.max_pages must be at least 1")
	}
	if c.PageSizeHint < 0 {
		return fmt.Errorf("orchestrator.page_size_hint must be non-negative")
	}
	if c.EmptyPagesAbort < 1 {
		return fmt.Errorf("orchestrator.empty_pages_abort must be at least 1")
	}
	if c.KeepaliveInterval < 0 || c.VerifyInterval < 0 {
		return fmt.Errorf("orchestrator intervals must be non-negative")
	}
	if c.MinTarget < 1 || c.MaxTarget < c.MinTarget {
		return fmt.Errorf("orchestrator target bounds invalid: min %d, max %d", c.MinTarget, c.MaxTarget)
	}
	if c.HistoryMaxRuns < 0 || c.HistoryMaxResults < 0 {
		return fmt.Errorf("orchestrator history limits must be non-negative")
	}
	return nil
}

// ClampTarget bounds a requested target count
func (c *Config) ClampTarget(n int) int {
	return min(max(n, c.MinTarget), c.MaxTarget)
}

// Goal is how many distinct candidates scraping tries to collect.
func (c *Config) Goal(target int) int {
	return int(math.Ceil(float64(target) * c.OversampleFactor))
}

// PageCeiling is the most pages a run will scrape.
func (c *Config) PageCeiling(target int) int {
	if c.PageSizeHint <= 0 {
		return c.MaxPages
	}
	pages := int(math.Ceil(float64(c.Goal(target)) / float64(c.PageSizeHint)))
	return min(max(pages, 1), c.MaxPages)
}
