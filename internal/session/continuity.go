// Package session keeps a realtime voice session alive across provider-forced
// expiry.
//
// The provider periodically issues a resumption handle and, shortly before it
// force-closes a session, an expiry warning carrying the time remaining. The
// [Continuity] manager holds the latest handle and, on a parseable warning,
// schedules a renewal five seconds before the deadline. The renewal tears the
// session down and reconnects with the handle so the same logical
// conversation continues.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"time"
)

// ErrUnparseableDuration is returned by [ParseTimeLeft] when the value matches
// neither accepted form.
var ErrUnparseableDuration = errors.New("session: unparseable time-left value")

// DefaultRenewalLead is how long before the announced expiry a renewal runs.
const DefaultRenewalLead = 5 * time.Second

var (
	secondsPattern = regexp.MustCompile(`^(\d+(?:\.\d+)?)s$`)
	isoPattern     = regexp.MustCompile(`^PT(?:(\d+(?:\.\d+)?)H)?(?:(\d+(?:\.\d+)?)M)?(?:(\d+(?:\.\d+)?)S)?$`)
)

// ParseTimeLeft accepts a seconds-suffixed number ("30s", "2.5s") or an
// ISO-8601 time duration ("PT1M30S", "PT0H0M10S").
func ParseTimeLeft(raw string) (time.Duration, error) {
	if m := secondsPattern.FindStringSubmatch(raw); m != nil {
		return scaled(m[1], time.Second)
	}
	m := isoPattern.FindStringSubmatch(raw)
	if m == nil || raw == "PT" {
		return 0, fmt.Errorf("%w: %q", ErrUnparseableDuration, raw)
	}
	var total time.Duration
	for i, unit := range []time.Duration{time.Hour, time.Minute, time.Second} {
		if m[i+1] == "" {
			continue
		}
		d, err := scaled(m[i+1], unit)
		if err != nil {
			return 0, err
		}
		total += d
	}
	return total, nil
}

func scaled(num string, unit time.Duration) (time.Duration, error) {
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnparseableDuration, num)
	}
	return time.Duration(v * float64(unit)), nil
}

// Renewer tears down the current session and reconnects presenting handle.
type Renewer func(ctx context.Context, handle string) error

// Timer is the subset of [time.Timer] used for scheduling.
type Timer interface {
	Stop() bool
}

// ContinuityConfig configures a [Continuity] manager.
type ContinuityConfig struct {
	// Renew performs the renewal. Required.
	Renew Renewer

	// OnFailure is called when a renewal fails. The handle has already been
	// discarded. May be nil.
	OnFailure func(error)

	// OnRenewed is called after a successful renewal. May be nil.
	OnRenewed func()

	// Lead is subtracted from the announced time left. Defaults to
	// [DefaultRenewalLead].
	Lead time.Duration

	// AfterFunc schedules f after d. Defaults to [time.AfterFunc].
	AfterFunc func(d time.Duration, f func()) Timer
}

// Continuity tracks the resumption handle and schedules renewals.
//
// All methods are safe for concurrent use.
type Continuity struct {
	renew     Renewer
	onFailure func(error)
	onRenewed func()
	lead      time.Duration
	afterFunc func(time.Duration, func()) Timer

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	handle   string
	timer    Timer
	renewing bool
	stopped  bool
}

// NewContinuity returns a manager with no handle.
func NewContinuity(cfg ContinuityConfig) *Continuity {
	lead := cfg.Lead
	if lead <= 0 {
		lead = DefaultRenewalLead
	}
	after := cfg.AfterFunc
	if after == nil {
		after = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Continuity{
		renew:     cfg.Renew,
		onFailure: cfg.OnFailure,
		onRenewed: cfg.OnRenewed,
		lead:      lead,
		afterFunc: after,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// UpdateHandle stores the latest resumption handle. Empty handles are
// ignored.
func (c *Continuity) UpdateHandle(handle string) {
	if handle == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.handle = handle
}

// Handle returns the held resumption handle, or "".
func (c *Continuity) Handle() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

// Pending reports whether a renewal is scheduled or running.
func (c *Continuity) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil || c.renewing
}

// HandleExpiryWarning schedules a renewal at max(0, timeLeft - lead). The
// warning is logged and ignored when raw is unparseable, no handle is held,
// or a renewal is already scheduled or running. It returns the delay and
// whether a renewal was scheduled.
func (c *Continuity) HandleExpiryWarning(raw string) (time.Duration, bool) {
	left, err := ParseTimeLeft(raw)
	if err != nil {
		slog.Warn("session: ignoring expiry warning", "time_left", raw, "err", err)
		return 0, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.stopped:
		return 0, false
	case c.handle == "":
		slog.Info("session: expiry warning without resumption handle; session will end", "time_left", left)
		return 0, false
	case c.timer != nil || c.renewing:
		slog.Debug("session: renewal already pending", "time_left", left)
		return 0, false
	}

	delay := max(left-c.lead, 0)
	c.timer = c.afterFunc(delay, c.run)
	slog.Info("session: renewal scheduled", "time_left", left, "in", delay)
	return delay, true
}

// run consumes the handle and performs the renewal.
func (c *Continuity) run() {
	c.mu.Lock()
	c.timer = nil
	if c.stopped || c.handle == "" {
		c.mu.Unlock()
		return
	}
	handle := c.handle
	c.handle = ""
	c.renewing = true
	c.mu.Unlock()

	slog.Info("session: renewing")
	err := c.renew(c.ctx, handle)

	c.mu.Lock()
	c.renewing = false
	stopped := c.stopped
	c.mu.Unlock()

	if err != nil {
		if stopped || c.ctx.Err() != nil {
			return
		}
		slog.Error("session: renewal failed", "err", err)
		if c.onFailure != nil {
			c.onFailure(fmt.Errorf("session: renew: %w", err))
		}
		return
	}
	slog.Info("session: renewed")
	if c.onRenewed != nil {
		c.onRenewed()
	}
}

// Stop cancels any scheduled or running renewal and discards the handle.
// Stop is idempotent; a stopped manager ignores further updates.
func (c *Continuity) Stop() {
	c.mu.Lock()
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.handle = ""
	c.mu.Unlock()
	c.cancel()
}
