// Package governor is the only path by which replies reach the transport.
// Every dispatch passes per-recipient admission control and humanized pacing
// before the send, and successful sends are recorded in the ledger.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/replybot/internal/domain"
	"github.com/ashureev/replybot/internal/ledger"
)

// Defaults applied when Config leaves a field unset.
const (
	DefaultBaseDelay       = 1000 * time.Millisecond
	DefaultJitterPct       = 40
	DefaultPerMinuteCap    = 25
	DefaultSendTimeout     = 30 * time.Second
	DefaultRateLimitNotice = "You have reached the message limit. Please wait a while before sending more requests."
)

var (
	// ErrRateLimited is reported when a recipient exceeded the per-minute cap.
	ErrRateLimited = errors.New("recipient rate limited")
	// ErrSendTimeout is reported when the transport did not answer in time.
	ErrSendTimeout = errors.New("send timed out")
)

// Sender delivers one text message to one recipient.
type Sender interface {
	Send(ctx context.Context, recipient domain.Recipient, text string) error
}

// Config holds the rate limit settings. It is read-only after New.
type Config struct {
	BaseDelay       time.Duration
	JitterPct       int
	PerMinuteCap    int
	SendTimeout     time.Duration
	RateLimitNotice string
}

func (c Config) withDefaults() Config {
	if c.BaseDelay < 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.JitterPct < 0 {
		c.JitterPct = 0
	}
	if c.JitterPct > 100 {
		c.JitterPct = 100
	}
	if c.PerMinuteCap <= 0 {
		c.PerMinuteCap = DefaultPerMinuteCap
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.RateLimitNotice == "" {
		c.RateLimitNotice = DefaultRateLimitNotice
	}
	return c
}

// Outcome classifies how a dispatch ended.
type Outcome int

const (
	// OutcomeSent means the message was delivered and recorded.
	OutcomeSent Outcome = iota
	// OutcomeRateLimited means admission control rejected the dispatch.
	OutcomeRateLimited
	// OutcomeTransportFailed means the send failed or timed out.
	OutcomeTransportFailed
	// OutcomeCancelled means ctx ended before the send completed.
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeTransportFailed:
		return "transport_failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result describes one dispatch.
type Result struct {
	Outcome Outcome
	Waited  time.Duration
	Err     error
}

// Sent reports whether the message was delivered.
func (r Result) Sent() bool {
	return r.Outcome == OutcomeSent
}

// Stats are cumulative dispatch counters.
type Stats struct {
	Sent            int64 `json:"sent"`
	RateLimited     int64 `json:"rate_limited"`
	TransportFailed int64 `json:"transport_failed"`
	Cancelled       int64 `json:"cancelled"`
}

// Option customizes a Governor.
type Option func(*Governor)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// WithSleep replaces the cancellable pacing wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(g *Governor) { g.sleep = sleep }
}

// WithRandom replaces the uniform [0,1) source used for jitter.
func WithRandom(random func() float64) Option {
	return func(g *Governor) { g.random = random }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Governor) { g.logger = logger }
}

// Governor serializes dispatches per recipient and never across recipients.
type Governor struct {
	cfg    Config
	ledger *ledger.Ledger
	sender Sender
	logger *slog.Logger

	// locks maps a recipient to a one-slot semaphore. Entries are created
	// lazily and never removed.
	locks sync.Map

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	random func() float64

	sent            atomic.Int64
	rateLimited     atomic.Int64
	transportFailed atomic.Int64
	cancelled       atomic.Int64
}

// New creates a governor sending through sender and tracking state in l.
func New(cfg Config, l *ledger.Ledger, sender Sender, opts ...Option) *Governor {
	g := &Governor{
		cfg:    cfg.withDefaults(),
		ledger: l,
		sender: sender,
		now:    time.Now,
		sleep:  sleepContext,
		random: rand.Float64,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

// Config returns the effective configuration.
func (g *Governor) Config() Config {
	return g.cfg
}

// Stats returns a snapshot of the dispatch counters.
func (g *Governor) Stats() Stats {
	return Stats{
		Sent:            g.sent.Load(),
		RateLimited:     g.rateLimited.Load(),
		TransportFailed: g.transportFailed.Load(),
		Cancelled:       g.cancelled.Load(),
	}
}

// GapBounds returns the smallest and largest minimum gap a dispatch can draw.
func (g *Governor) GapBounds() (time.Duration, time.Duration) {
	base := float64(g.cfg.BaseDelay)
	jitter := base * float64(g.cfg.JitterPct) / 100
	return time.Duration(base - jitter), time.Duration(base + jitter)
}

// Gap draws a fresh minimum gap uniformly from GapBounds.
func (g *Governor) Gap() time.Duration {
	lo, hi := g.GapBounds()
	return lo + time.Duration(g.random()*float64(hi-lo))
}

// Dispatch delivers text to recipient and reports whether it was sent.
func (g *Governor) Dispatch(ctx context.Context, recipient domain.Recipient, text string) bool {
	return g.DispatchResult(ctx, recipient, text).Sent()
}

// DispatchResult runs check-pace-send-record for one message under the
// recipient's lock.
func (g *Governor) DispatchResult(ctx context.Context, recipient domain.Recipient, text string) Result {
	res := g.dispatch(ctx, recipient, text)
	switch res.Outcome {
	case OutcomeSent:
		g.sent.Add(1)
	case OutcomeRateLimited:
		g.rateLimited.Add(1)
	case OutcomeTransportFailed:
		g.transportFailed.Add(1)
	case OutcomeCancelled:
		g.cancelled.Add(1)
	}
	return res
}

func (g *Governor) dispatch(ctx context.Context, recipient domain.Recipient, text string) Result {
	unlock, err := g.lock(ctx, recipient)
	if err != nil {
		return Result{Outcome: OutcomeCancelled, Err: err}
	}
	defer unlock()

	now := g.now()
	count, _ := g.ledger.PruneAndCount(recipient, now)
	if count >= g.cfg.PerMinuteCap {
		g.logger.Warn("Rate limit exceeded",
			"recipient", recipient,
			"count", count,
			"limit", g.cfg.PerMinuteCap)
		// The notice skips pacing and is not recorded.
		if err := g.send(ctx, recipient, g.cfg.RateLimitNotice); err != nil {
			g.logger.Warn("Failed to send rate limit notice", "recipient", recipient, "error", err)
		}
		return Result{Outcome: OutcomeRateLimited, Err: ErrRateLimited}
	}

	var wait time.Duration
	if last, ok := g.ledger.LastSent(recipient); ok {
		if gap, elapsed := g.Gap(), now.Sub(last); elapsed < gap {
			wait = gap - elapsed
		}
	}
	if wait > 0 {
		g.logger.Debug("Delaying response", "recipient", recipient, "wait_ms", wait.Milliseconds())
		if err := g.sleep(ctx, wait); err != nil {
			g.logger.Info("Dispatch cancelled during pacing", "recipient", recipient, "error", err)
			return Result{Outcome: OutcomeCancelled, Waited: wait, Err: err}
		}
	}

	if err := g.send(ctx, recipient, text); err != nil {
		if ctx.Err() != nil {
			g.logger.Info("Dispatch cancelled during send", "recipient", recipient, "error", err)
			return Result{Outcome: OutcomeCancelled, Waited: wait, Err: err}
		}
		g.logger.Error("Failed to send message", "recipient", recipient, "error", err)
		return Result{Outcome: OutcomeTransportFailed, Waited: wait, Err: err}
	}

	g.ledger.RecordSend(recipient, g.now())
	return Result{Outcome: OutcomeSent, Waited: wait}
}

// lock acquires the recipient's semaphore or gives up when ctx ends.
func (g *Governor) lock(ctx context.Context, recipient domain.Recipient) (func(), error) {
	v, ok := g.locks.Load(recipient)
	if !ok {
		v, _ = g.locks.LoadOrStore(recipient, make(chan struct{}, 1))
	}
	sem := v.(chan struct{})

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// send bounds the transport call by SendTimeout. The caller regains control
// on expiry even if the transport ignores ctx.
func (g *Governor) send(ctx context.Context, recipient domain.Recipient, text string) error {
	sendCtx, cancel := context.WithTimeout(ctx, g.cfg.SendTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- g.sender.Send(sendCtx, recipient, text)
	}()

	select {
	case err := <-errCh:
		if err != nil && errors.Is(sendCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w after %s: %w", ErrSendTimeout, g.cfg.SendTimeout, err)
		}
		return err
	case <-sendCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %s", ErrSendTimeout, g.cfg.SendTimeout)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
