package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/livinlefevreloca/dropscout/internal/pacing"
	"github.com/livinlefevreloca/dropscout/internal/telemetry"
)

// Channel sends commands to the agent on a surface with readiness waits,
// bounded attempts, one re-bind and growing pauses between attempts.
type Channel struct {
	host   Host
	config Config
	logger *slog.Logger

	attempts metric.Int64Counter
	failures metric.Int64Counter
}

// NewChannel creates a channel over host
func NewChannel(host Host, config Config, logger *slog.Logger) *Channel {
	if config.Attempts < 1 {
		config.Attempts = 1
	}

	meter := telemetry.Meter("dropscout/agent")
	attempts, _ := meter.Int64Counter("dropscout.agent.attempts",
		metric.WithDescription("Agent call attempts by command"),
	)
	failures, _ := meter.Int64Counter("dropscout.agent.failures",
		metric.WithDescription("Agent calls that exhausted every attempt"),
	)

	return &Channel{
		host:     host,
		config:   config,
		logger:   logger,
		attempts: attempts,
		failures: failures,
	}
}

// Locate finds or opens the target surface within LocateTimeout.
func (c *Channel) Locate(ctx context.Context) (SurfaceRef, error) {
	waitCtx, cancelWait := waitContext(ctx)
	defer cancelWait()
	locateCtx, cancel := context.WithTimeout(waitCtx, c.config.LocateTimeout)
	defer cancel()

	ref, err := c.host.FindOrOpen(locateCtx)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if interrupted(ctx) {
			return "", pacing.ErrInterrupted
		}
		return "", fmt.Errorf("locate surface: %w", err)
	}
	return ref, nil
}

type interruptKey struct{}

// WithInterrupt attaches a run's cancel channel to ctx. When stop closes,
// calls made with the returned context let the attempt in flight finish but
// start no further attempts, re-binds or waits, and return
// pacing.ErrInterrupted. Cancelling ctx itself still aborts everything.
func WithInterrupt(ctx context.Context, stop <-chan struct{}) context.Context {
	return context.WithValue(ctx, interruptKey{}, stop)
}

func interruptFrom(ctx context.Context) <-chan struct{} {
	stop, _ := ctx.Value(interruptKey{}).(<-chan struct{})
	return stop
}

// waitContext returns a child of ctx that is also cancelled when the
// interrupt channel closes. It bounds waits, never calls.
func waitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	waitCtx, cancel := context.WithCancel(ctx)
	stop := interruptFrom(ctx)
	if stop == nil {
		return waitCtx, cancel
	}
	go func() {
		select {
		case <-stop:
			cancel()
		case <-waitCtx.Done():
		}
	}()
	return waitCtx, cancel
}

// interrupted reports whether the interrupt channel on ctx has closed while
// ctx itself is still live.
func interrupted(ctx context.Context) bool {
	stop := interruptFrom(ctx)
	if stop == nil {
		return false
	}
	select {
	case <-stop:
		return ctx.Err() == nil
	default:
		return false
	}
}

// Send delivers cmd to the agent on ref. The first failure triggers one
// re-bind after SettleDelay; after Attempts failures the call gives up with
// ErrAgentUnresponsive. Context cancellation stops retrying immediately; an
// interrupt (see WithInterrupt) stops it after the attempt in flight.
func (c *Channel) Send(ctx context.Context, ref SurfaceRef, cmd Command) (Response, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.RetryInitial
	b.MaxInterval = c.config.RetryMax
	b.Multiplier = 1.5
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	waitCtx, cancelWait := waitContext(ctx)
	defer cancelWait()
	stop := interruptFrom(ctx)

	attempt := 0
	rebound := false
	var lastErr error

	op := func() (Response, error) {
		if interrupted(ctx) {
			return Response{}, backoff.Permanent(pacing.ErrInterrupted)
		}
		attempt++
		c.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("command", string(cmd))))

		if attempt > 1 && !rebound {
			rebound = true
			if err := c.rebind(ctx, ref, stop); err != nil {
				if ctx.Err() != nil {
					return Response{}, backoff.Permanent(ctx.Err())
				}
				if errors.Is(err, pacing.ErrInterrupted) {
					return Response{}, backoff.Permanent(err)
				}
				c.logger.Warn("agent rebind failed",
					"surface", ref,
					"command", cmd,
					"error", err)
			}
		}

		resp, err := c.attempt(ctx, waitCtx, ref, cmd)
		if err != nil {
			if ctx.Err() != nil {
				return Response{}, backoff.Permanent(ctx.Err())
			}
			if errors.Is(err, pacing.ErrInterrupted) {
				return Response{}, backoff.Permanent(err)
			}
			lastErr = err
			return Response{}, err
		}
		return resp, nil
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("agent call failed, retrying",
			"surface", ref,
			"command", cmd,
			"attempt", attempt,
			"max_attempts", c.config.Attempts,
			"retry_in", wait,
			"error", err)
	}

	// The pause between attempts ends early on interrupt.
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.config.Attempts-1)), waitCtx)
	resp, err := backoff.RetryNotifyWithData(op, policy, notify)
	if err == nil {
		return resp, nil
	}

	if ctx.Err() != nil {
		return Response{}, ctx.Err()
	}
	if errors.Is(err, pacing.ErrInterrupted) || interrupted(ctx) {
		c.logger.Info("agent call interrupted",
			"surface", ref,
			"command", cmd,
			"attempts", attempt)
		return Response{}, pacing.ErrInterrupted
	}

	c.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("command", string(cmd))))
	c.logger.Error("agent unresponsive",
		"surface", ref,
		"command", cmd,
		"attempts", attempt,
		"error", lastErr)
	return Response{}, fmt.Errorf("%w: %s failed after %d attempts: %v", ErrAgentUnresponsive, cmd, attempt, lastErr)
}

// attempt performs one readiness wait plus one bounded call. The wait
// follows waitCtx; the call only ctx.
func (c *Channel) attempt(ctx, waitCtx context.Context, ref SurfaceRef, cmd Command) (Response, error) {
	readyCtx, cancelReady := context.WithTimeout(waitCtx, c.config.ReadyTimeout)
	err := c.host.WaitReady(readyCtx, ref)
	cancelReady()
	if err != nil {
		if interrupted(ctx) {
			return Response{}, pacing.ErrInterrupted
		}
		return Response{}, fmt.Errorf("wait ready: %w", err)
	}

	callCtx, cancelCall := context.WithTimeout(ctx, c.config.CallTimeout)
	defer cancelCall()

	req := Request{ID: uuid.NewString(), Command: cmd}
	resp, err := c.host.Call(callCtx, ref, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return Response{}, fmt.Errorf("%s timed out after %s", cmd, c.config.CallTimeout)
		}
		return Response{}, err
	}
	return resp, nil
}

func (c *Channel) rebind(ctx context.Context, ref SurfaceRef, stop <-chan struct{}) error {
	if err := pacing.Sleep(ctx, c.config.SettleDelay, stop); err != nil {
		return err
	}
	c.logger.Info("rebinding agent", "surface", ref)
	return c.host.Rebind(ctx, ref)
}

// AfterNavigation waits for a page change to settle: pause, wait for the
// new page to load, re-attach the agent and pause again.
func (c *Channel) AfterNavigation(ctx context.Context, ref SurfaceRef) error {
	stop := interruptFrom(ctx)
	if err := pacing.Sleep(ctx, c.config.NavigationSettle, stop); err != nil {
		return err
	}

	waitCtx, cancelWait := waitContext(ctx)
	defer cancelWait()
	readyCtx, cancel := context.WithTimeout(waitCtx, c.config.ReadyTimeout)
	err := c.host.WaitReady(readyCtx, ref)
	cancel()
	if interrupted(ctx) {
		return pacing.ErrInterrupted
	}
	if err != nil && ctx.Err() == nil {
		// Send waits again before every attempt; a slow load is not fatal here.
		c.logger.Warn("surface not ready after navigation", "surface", ref, "error", err)
	}

	if err := c.host.Rebind(ctx, ref); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("agent rebind after navigation failed", "surface", ref, "error", err)
	}

	return pacing.Sleep(ctx, c.config.SettleDelay, stop)
}

// CheckAuth reports whether the surface is logged in.
func (c *Channel) CheckAuth(ctx context.Context, ref SurfaceRef) (bool, error) {
	resp, err := c.Send(ctx, ref, CmdCheckAuth)
	return resp.Authenticated, err
}

// IsOnTargetSection reports whether the surface shows the listing section.
func (c *Channel) IsOnTargetSection(ctx context.Context, ref SurfaceRef) (bool, error) {
	resp, err := c.Send(ctx, ref, CmdIsOnTargetSection)
	return resp.OnTarget, err
}

// NavigateToSection asks the agent to open the listing section.
func (c *Channel) NavigateToSection(ctx context.Context, ref SurfaceRef) (bool, error) {
	resp, err := c.Send(ctx, ref, CmdNavigateToSection)
	return resp.Navigated, err
}

// ParsePage extracts the candidates on the current page.
func (c *Channel) ParsePage(ctx context.Context, ref SurfaceRef) ([]Candidate, bool, error) {
	resp, err := c.Send(ctx, ref, CmdParsePage)
	return resp.Candidates, resp.HasNextPage, err
}

// ClickNext asks the agent to move to the next page.
func (c *Channel) ClickNext(ctx context.Context, ref SurfaceRef) (bool, error) {
	resp, err := c.Send(ctx, ref, CmdClickNext)
	return resp.Accepted, err
}

// Diagnostics fetches a description of the current page.
func (c *Channel) Diagnostics(ctx context.Context, ref SurfaceRef) (*Diagnostics, error) {
	resp, err := c.Send(ctx, ref, CmdGetDiagnostics)
	if err != nil {
		return nil, err
	}
	if resp.Diagnostics == nil {
		return &Diagnostics{}, nil
	}
	return resp.Diagnostics, nil
}
