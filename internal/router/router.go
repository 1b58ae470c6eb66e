package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/replybot/internal/domain"
	"github.com/ashureev/replybot/internal/governor"
	"github.com/ashureev/replybot/internal/replies"
)

// Dispatcher delivers a reply under governance.
type Dispatcher interface {
	DispatchResult(ctx context.Context, recipient domain.Recipient, text string) governor.Result
}

// Sink receives inbound messages for best-effort persistence. Append must not
// block and has no failure the router can observe.
type Sink interface {
	Append(recipient domain.Recipient, text string, ts time.Time)
}

// ReadinessProbe reports whether the transport can deliver messages.
type ReadinessProbe interface {
	Ready() bool
}

type noopSink struct{}

func (noopSink) Append(domain.Recipient, string, time.Time) {}

// Handled describes what happened to one inbound event.
type Handled struct {
	Reply      Reply
	Dispatched bool
	Result     governor.Result
	Attempts   int
}

// Option customizes a Router.
type Option func(*Router)

// WithSink sets the inbound log sink.
func WithSink(s Sink) Option {
	return func(r *Router) { r.sink = s }
}

// WithRetryPolicy sets the policy applied after transport failures.
func WithRetryPolicy(p governor.RetryPolicy) Option {
	return func(r *Router) { r.retry = p }
}

// WithReadiness sets the probe answering Ready.
func WithReadiness(p ReadinessProbe) Option {
	return func(r *Router) { r.ready = p }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// Router classifies inbound events and delivers replies.
type Router struct {
	table  *replies.Table
	gov    Dispatcher
	sink   Sink
	retry  governor.RetryPolicy
	ready  ReadinessProbe
	logger *slog.Logger

	inflight sync.WaitGroup
}

// New creates a router answering from table through gov.
func New(table *replies.Table, gov Dispatcher, opts ...Option) *Router {
	r := &Router{
		table: table,
		gov:   gov,
		sink:  noopSink{},
		retry: governor.NoRetry{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.sink == nil {
		r.sink = noopSink{}
	}
	if r.retry == nil {
		r.retry = governor.NoRetry{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Ready reports whether replies can currently be delivered.
func (r *Router) Ready() bool {
	return r.ready != nil && r.ready.Ready()
}

// Handle processes one inbound event: log, classify, deliver.
func (r *Router) Handle(ctx context.Context, ev domain.InboundEvent) Handled {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	r.sink.Append(ev.From, ev.Body, ev.ReceivedAt)

	key := Normalize(ev)
	reply := Classify(r.table, key)
	r.logger.Debug("Inbound message classified",
		"recipient", ev.From,
		"msg_type", ev.Type,
		"button", ev.IsButtonResponse(),
		"key", key,
		"reply", reply.Kind.String(),
		"fallback", reply.Fallback)

	if reply.Kind == KindNone {
		return Handled{Reply: reply}
	}

	handled := Handled{Reply: reply, Dispatched: true}
	for {
		handled.Attempts++
		handled.Result = r.gov.DispatchResult(ctx, ev.From, reply.Text)
		if handled.Result.Outcome != governor.OutcomeTransportFailed {
			break
		}
		delay, retry := r.retry.Next(handled.Attempts, handled.Result.Err)
		if !retry {
			break
		}
		r.logger.Info("Retrying reply after transport failure",
			"recipient", ev.From,
			"attempt", handled.Attempts,
			"delay", delay)
		if !waitContext(ctx, delay) {
			break
		}
	}

	if !handled.Result.Sent() {
		r.logger.Warn("Reply not delivered",
			"recipient", ev.From,
			"outcome", handled.Result.Outcome.String(),
			"attempts", handled.Attempts,
			"error", handled.Result.Err)
	}
	return handled
}

// Run handles events until ctx is done or events is closed, one goroutine per
// event, then waits for in-flight dialogues to finish.
func (r *Router) Run(ctx context.Context, events <-chan domain.InboundEvent) error {
	defer r.inflight.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.inflight.Add(1)
			go func() {
				defer r.inflight.Done()
				r.Handle(ctx, ev)
			}()
		}
	}
}

func waitContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
