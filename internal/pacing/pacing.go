// Package pacing decides how long the orchestrator waits between steps.
//
// The delays are meant to make automated use of the listing site look like
// a person paging through it: normally distributed gaps between pages, a
// reading pause before each page is parsed, and an occasional long break.
// Nothing here affects correctness; tests swap in None.
package pacing

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// ErrInterrupted is returned by Sleep when the cancel channel closes first.
var ErrInterrupted = errors.New("pacing: sleep interrupted")

// Policy supplies the delays used by a run.
type Policy interface {
	// PageDelay is the pause before moving to the next page.
	PageDelay() time.Duration

	// ReadingPause is the pause before a page is parsed.
	ReadingPause() time.Duration

	// BreakInterval returns how many more pages to scrape before the next
	// long break. Values <= 0 disable breaks.
	BreakInterval() int

	// BreakDuration is the length of a long break.
	BreakDuration() time.Duration
}

// Config holds the tunables for the Human policy.
type Config struct {
	Mode string `toml:"mode"` // "human" or "none"

	PageDelayMean   time.Duration `toml:"page_delay_mean"`
	PageDelayStdDev time.Duration `toml:"page_delay_stddev"`
	PageDelayMin    time.Duration `toml:"page_delay_min"`

	ReadingMin time.Duration `toml:"reading_min"`
	ReadingMax time.Duration `toml:"reading_max"`

	BreakEveryMin int           `toml:"break_every_min"`
	BreakEveryMax int           `toml:"break_every_max"`
	BreakMin      time.Duration `toml:"break_min"`
	BreakMax      time.Duration `toml:"break_max"`
}

// DefaultConfig returns the pacing profile used against the live site.
func DefaultConfig() Config {
	return Config{
		Mode:            "human",
		PageDelayMean:   25 * time.Second,
		PageDelayStdDev: 10 * time.Second,
		PageDelayMin:    15 * time.Second,
		ReadingMin:      10 * time.Second,
		ReadingMax:      30 * time.Second,
		BreakEveryMin:   2,
		BreakEveryMax:   4,
		BreakMin:        90 * time.Second,
		BreakMax:        180 * time.Second,
	}
}

// Validate checks the config for impossible ranges.
func (c Config) Validate() error {
	switch c.Mode {
	case "human":
	case "none":
		return nil
	default:
		return errors.New("pacing mode must be human or none")
	}
	if c.PageDelayMean < 0 || c.PageDelayStdDev < 0 || c.PageDelayMin < 0 {
		return errors.New("pacing page delays must not be negative")
	}
	if c.ReadingMin < 0 || c.ReadingMax < c.ReadingMin {
		return errors.New("pacing reading_max must be >= reading_min >= 0")
	}
	if c.BreakEveryMin < 0 || c.BreakEveryMax < c.BreakEveryMin {
		return errors.New("pacing break_every_max must be >= break_every_min >= 0")
	}
	if c.BreakMin < 0 || c.BreakMax < c.BreakMin {
		return errors.New("pacing break_max must be >= break_min >= 0")
	}
	return nil
}

// FromConfig builds the policy named by cfg.Mode.
func FromConfig(cfg Config) Policy {
	if cfg.Mode == "none" {
		return None{}
	}
	return NewHuman(cfg, nil)
}

// Human draws delays from the configured distributions.
type Human struct {
	cfg Config

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewHuman creates a Human policy. A nil rnd seeds a fresh generator.
func NewHuman(cfg Config, rnd *rand.Rand) *Human {
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Human{cfg: cfg, rnd: rnd}
}

func (h *Human) PageDelay() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Gaussian(h.rnd, h.cfg.PageDelayMean, h.cfg.PageDelayStdDev, h.cfg.PageDelayMin)
}

func (h *Human) ReadingPause() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Uniform(h.rnd, h.cfg.ReadingMin, h.cfg.ReadingMax)
}

func (h *Human) BreakInterval() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cfg.BreakEveryMax <= 0 {
		return 0
	}
	span := h.cfg.BreakEveryMax - h.cfg.BreakEveryMin + 1
	return h.cfg.BreakEveryMin + h.rnd.IntN(span)
}

func (h *Human) BreakDuration() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Uniform(h.rnd, h.cfg.BreakMin, h.cfg.BreakMax)
}

// None never waits and never takes a break.
type None struct{}

func (None) PageDelay() time.Duration     { return 0 }
func (None) ReadingPause() time.Duration  { return 0 }
func (None) BreakInterval() int           { return 0 }
func (None) BreakDuration() time.Duration { return 0 }

// Gaussian draws from N(mean, stddev) with the Box-Muller transform and
// clamps the result below at min.
func Gaussian(rnd *rand.Rand, mean, stddev, min time.Duration) time.Duration {
	// 1-Float64 keeps u1 in (0, 1] so the log stays finite.
	u1 := 1 - rnd.Float64()
	u2 := rnd.Float64()
	z := math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)

	d := time.Duration(float64(mean) + z*float64(stddev))
	if d < min {
		return min
	}
	return d
}

// Uniform draws uniformly from [lo, hi].
func Uniform(rnd *rand.Rand, lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rnd.Int64N(int64(hi-lo)+1))
}

// Sleep waits for d, returning early with ctx.Err() or ErrInterrupted.
func Sleep(ctx context.Context, d time.Duration, cancel <-chan struct{}) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cancel:
			return ErrInterrupted
		default:
			return nil
		}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-cancel:
		return ErrInterrupted
	}
}
