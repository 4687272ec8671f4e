package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"voicecard/internal/logging"
	"voicecard/internal/models"
	"voicecard/internal/retry"
	"voicecard/internal/telemetry"
)

// Handler processes one delivery. A nil return acks the event; an error redelivers it
// after backoff until MaxDeliveries is reached.
type Handler func(ctx context.Context, ev models.Event) error

// Gate decides before dispatch whether an event still applies to its job. Events it
// rejects are acked and dropped without reaching the handler.
type Gate interface {
	Deliverable(ctx context.Context, ev models.Event) (bool, error)
}

// SetGate installs g. It must be called before Run.
func (r *Router) SetGate(g Gate) { r.gate = g }

type subscription struct {
	topic       string
	handler     Handler
	concurrency int
}

// Subscribe registers handler for topic. It must be called before Run.
func (r *Router) Subscribe(topic string, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	r.subs = append(r.subs, subscription{topic: topic, handler: handler, concurrency: concurrency})
}

// Run starts consumers for every subscription plus the lease janitor, and blocks until
// ctx is cancelled.
func (r *Router) Run(ctx context.Context) error {
	if len(r.subs) == 0 {
		return fmt.Errorf("router: no subscriptions")
	}
	var wg sync.WaitGroup
	for _, sub := range r.subs {
		for i := 0; i < sub.concurrency; i++ {
			wg.Add(1)
			go func(sub subscription) {
				defer wg.Done()
				r.consume(ctx, sub)
			}(sub)
		}
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.janitor(ctx)
	}()
	wg.Wait()
	return ctx.Err()
}

func (r *Router) consume(ctx context.Context, sub subscription) {
	for ctx.Err() == nil {
		l, err := r.dequeue(ctx, sub.topic)
		if err != nil {
			if ctx.Err() == nil {
				r.log.Warn("dequeue failed", zap.String(logging.FieldTopic, sub.topic), zap.Error(err))
			}
			_ = retry.Sleep(ctx, r.opts.PollInterval)
			continue
		}
		if l == nil {
			_ = retry.Sleep(ctx, r.opts.PollInterval)
			continue
		}
		r.dispatch(ctx, sub, l)
	}
}

func (r *Router) dispatch(ctx context.Context, sub subscription, l *lease) {
	ev := l.event
	log := r.log.With(
		zap.String(logging.FieldTopic, ev.Topic),
		zap.String(logging.FieldJobID, ev.JobID),
		zap.String(logging.FieldEventID, ev.ID),
		zap.Int(logging.FieldAttempt, l.delivery))

	if l.delivery > r.opts.MaxDeliveries {
		log.Error("delivery limit reached, dead-lettering")
		if err := r.DLQPush(ctx, ev, fmt.Sprintf("exceeded %d deliveries", r.opts.MaxDeliveries)); err != nil {
			log.Error("dlq push failed", zap.Error(err))
			return
		}
		telemetry.DeadLettered.WithLabelValues(ev.Topic).Inc()
		if err := r.ack(ctx, ev.Topic, ev.ID); err != nil {
			log.Warn("ack after dlq failed", zap.Error(err))
		}
		return
	}

	if r.gate != nil {
		ok, err := r.gate.Deliverable(ctx, ev)
		if err != nil {
			// Let the handler decide; it re-checks the ledger itself.
			log.Warn("gate check failed", zap.Error(err))
		} else if !ok {
			log.Debug("dropping stale event")
			telemetry.DuplicateDrops.WithLabelValues(ev.Topic).Inc()
			if err := r.ack(ctx, ev.Topic, ev.ID); err != nil {
				log.Warn("ack failed", zap.Error(err))
			}
			return
		}
	}

	telemetry.EventsDelivered.WithLabelValues(ev.Topic).Inc()
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go r.heartbeat(hbCtx, ev)
	err := sub.handler(ctx, ev)
	stopHeartbeat()

	if err == nil {
		if ackErr := r.ack(ctx, ev.Topic, ev.ID); ackErr != nil {
			log.Warn("ack failed", zap.Error(ackErr))
		}
		return
	}
	delay := r.opts.NackPolicy.Delay(l.delivery)
	log.Warn("handler failed, redelivering", zap.Duration("delay", delay), zap.Error(err))
	if nackErr := r.nack(ctx, ev.Topic, ev.ID, delay); nackErr != nil {
		log.Warn("nack failed", zap.Error(nackErr))
	}
}

// heartbeat keeps the lease alive while a long handler runs.
func (r *Router) heartbeat(ctx context.Context, ev models.Event) {
	ticker := time.NewTicker(r.opts.Visibility / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.extendLease(ctx, ev.Topic, ev.ID); err != nil && ctx.Err() == nil {
				r.log.Warn("extend lease failed", zap.String(logging.FieldEventID, ev.ID), zap.Error(err))
			}
		}
	}
}

// janitor reclaims expired leases and refreshes depth gauges.
func (r *Router) janitor(ctx context.Context) {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, topic := range r.topics() {
			r.Sweep(ctx, topic)
		}
	}
}

// Sweep requeues expired leases for topic once and updates its gauges.
func (r *Router) Sweep(ctx context.Context, topic string) {
	n, err := r.requeueExpired(ctx, topic, time.Now(), r.opts.RequeueBatch)
	if err != nil {
		if ctx.Err() == nil {
			r.log.Warn("requeue expired failed", zap.String(logging.FieldTopic, topic), zap.Error(err))
		}
		return
	}
	if n > 0 {
		telemetry.EventsRedelivered.WithLabelValues(topic).Add(float64(n))
		r.log.Info("reclaimed expired leases", zap.String(logging.FieldTopic, topic), zap.Int("count", n))
	}
	if ready, inflight, err := r.Depth(ctx, topic); err == nil {
		telemetry.QueueDepthGauge.WithLabelValues(topic).Set(float64(ready))
		telemetry.InFlightGauge.WithLabelValues(topic).Set(float64(inflight))
	}
}

func (r *Router) topics() []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range r.subs {
		if !seen[s.topic] {
			seen[s.topic] = true
			out = append(out, s.topic)
		}
	}
	return out
}
