package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicecard/internal/config"
	"voicecard/internal/models"
	"voicecard/internal/retry"
)

func newTestRouter(t *testing.T, opts Options) *Router {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, opts, nil)
}

func TestPublishRejectsWhenQueueFull(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(t, Options{QueueDepth: 2, PublishPolicy: retry.Policy{Initial: time.Millisecond, Max: time.Millisecond, MaxAttempts: 2}})

	require.NoError(t, r.Publish(ctx, models.TopicAudioIngested, "a", "a:created"))
	require.NoError(t, r.Publish(ctx, models.TopicAudioIngested, "b", "b:created"))

	err := r.Publish(ctx, models.TopicAudioIngested, "c", "c:created")
	var qf *QueueFullError
	require.ErrorAs(t, err, &qf)
	assert.Equal(t, models.TopicAudioIngested, qf.Topic)
	assert.Equal(t, 2, qf.Depth)

	ready, _, err := r.Depth(ctx, models.TopicAudioIngested)
	require.NoError(t, err)
	assert.EqualValues(t, 2, ready, "rejected event must not be partially enqueued")

	// Other topics have their own bound.
	require.NoError(t, r.Publish(ctx, models.TopicTextTranscribed, "c", "c:transcribing"))
}

func TestDequeueSerializesPerJob(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(t, Options{Visibility: time.Minute})
	topic := models.TopicTextTranscribed

	require.NoError(t, r.Publish(ctx, topic, "job-1", "first"))
	require.NoError(t, r.Publish(ctx, topic, "job-1", "second"))
	require.NoError(t, r.Publish(ctx, topic, "job-2", "other"))

	l1, err := r.dequeue(ctx, topic)
	require.NoError(t, err)
	require.NotNil(t, l1)
	assert.Equal(t, "first", l1.event.ArtifactRef)
	assert.Equal(t, 1, l1.event.Attempt)

	l2, err := r.dequeue(ctx, topic)
	require.NoError(t, err)
	require.NotNil(t, l2)
	assert.Equal(t, "job-2", l2.event.JobID, "job-1 is busy so its second event waits")

	none, err := r.dequeue(ctx, topic)
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, r.ack(ctx, topic, l1.event.ID))
	l3, err := r.dequeue(ctx, topic)
	require.NoError(t, err)
	require.NotNil(t, l3)
	assert.Equal(t, "second", l3.event.ArtifactRef)
}

func TestRequeueExpiredRedelivers(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(t, Options{Visibility: time.Second})
	topic := models.TopicDocumentNormalized

	require.NoError(t, r.Publish(ctx, topic, "job-1", "ref"))
	l, err := r.dequeue(ctx, topic)
	require.NoError(t, err)
	require.NotNil(t, l)

	n, err := r.requeueExpired(ctx, topic, time.Now(), 10)
	require.NoError(t, err)
	assert.Zero(t, n, "lease still valid")

	n, err = r.requeueExpired(ctx, topic, time.Now().Add(2*time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := r.dequeue(ctx, topic)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, l.event.ID, again.event.ID)
	assert.Equal(t, 2, again.event.Attempt)
}

func TestSweepRequeuesAtMostOneBatch(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(t, Options{Visibility: time.Millisecond, RequeueBatch: 2})
	topic := models.TopicDocumentNormalized

	for _, id := range []string{"job-1", "job-2", "job-3"} {
		require.NoError(t, r.Publish(ctx, topic, id, id+":normalizing"))
		l, err := r.dequeue(ctx, topic)
		require.NoError(t, err)
		require.NotNil(t, l)
	}
	time.Sleep(10 * time.Millisecond)

	r.Sweep(ctx, topic)
	ready, inflight, err := r.Depth(ctx, topic)
	require.NoError(t, err)
	assert.EqualValues(t, 2, ready)
	assert.EqualValues(t, 1, inflight)

	r.Sweep(ctx, topic)
	ready, inflight, err = r.Depth(ctx, topic)
	require.NoError(t, err)
	assert.EqualValues(t, 3, ready)
	assert.Zero(t, inflight)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Config{
		QueueDepth:         5,
		RouterScanWindow:   8,
		RouterRequeueBatch: 25,
		PublishBackoff:     250 * time.Millisecond,
		BackoffInitial:     time.Second,
		BackoffMax:         time.Minute,
		PublishMaxAttempts: 4,
	}
	o := OptionsFromConfig(cfg)
	assert.Equal(t, 8, o.ScanWindow)
	assert.Equal(t, 25, o.RequeueBatch)
	assert.Equal(t, 250*time.Millisecond, o.PublishPolicy.Initial)
	assert.Equal(t, 4, o.PublishPolicy.MaxAttempts)
	assert.Equal(t, time.Second, o.NackPolicy.Initial)

	d := Options{}.withDefaults()
	assert.Equal(t, 64, d.ScanWindow)
	assert.Equal(t, 100, d.RequeueBatch)
}

func TestRunDeliversInOrderAndAcks(t *testing.T) {
	r := newTestRouter(t, Options{PollInterval: 5 * time.Millisecond, Visibility: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		seen []string
	)
	r.Subscribe(models.TopicCardRendered, 3, func(ctx context.Context, ev models.Event) error {
		mu.Lock()
		seen = append(seen, ev.ArtifactRef)
		mu.Unlock()
		return nil
	})
	for _, ref := range []string{"1", "2", "3"} {
		require.NoError(t, r.Publish(ctx, models.TopicCardRendered, "job-1", ref))
	}

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	mu.Lock()
	assert.Equal(t, []string{"1", "2", "3"}, seen)
	mu.Unlock()

	ready, inflight, err := r.Depth(context.Background(), models.TopicCardRendered)
	require.NoError(t, err)
	assert.Zero(t, ready)
	assert.Zero(t, inflight)
}

func TestRunDeadLettersAfterMaxDeliveries(t *testing.T) {
	r := newTestRouter(t, Options{
		PollInterval:  5 * time.Millisecond,
		Visibility:    time.Minute,
		MaxDeliveries: 2,
		NackPolicy:    retry.Policy{Initial: time.Millisecond, Max: 2 * time.Millisecond},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	r.Subscribe(models.TopicAudioIngested, 1, func(ctx context.Context, ev models.Event) error {
		calls.Add(1)
		return errors.New("ledger unavailable")
	})
	require.NoError(t, r.Publish(ctx, models.TopicAudioIngested, "job-1", "job-1:created"))
	go func() { _ = r.Run(ctx) }()

	require.Eventually(t, func() bool {
		dl, err := r.DLQPeek(context.Background(), 10)
		return err == nil && len(dl) == 1
	}, 3*time.Second, 10*time.Millisecond)
	cancel()

	dl, err := r.DLQPeek(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, "job-1", dl[0].Event.JobID)
	assert.Contains(t, dl[0].Reason, "exceeded 2 deliveries")
	assert.EqualValues(t, 2, calls.Load())
}

func TestRunRequiresSubscriptions(t *testing.T) {
	r := newTestRouter(t, Options{})
	assert.Error(t, r.Run(context.Background()))
}

type stubGate map[string]bool

func (g stubGate) Deliverable(_ context.Context, ev models.Event) (bool, error) {
	return g[ev.JobID], nil
}

func TestGateDropsStaleEvents(t *testing.T) {
	r := newTestRouter(t, Options{PollInterval: 5 * time.Millisecond, Visibility: time.Minute})
	r.SetGate(stubGate{"live": true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handled atomic.Int32
	r.Subscribe(models.TopicTextTranscribed, 1, func(ctx context.Context, ev models.Event) error {
		assert.Equal(t, "live", ev.JobID)
		handled.Add(1)
		return nil
	})
	require.NoError(t, r.Publish(ctx, models.TopicTextTranscribed, "advanced", "ref"))
	require.NoError(t, r.Publish(ctx, models.TopicTextTranscribed, "live", "ref"))
	go func() { _ = r.Run(ctx) }()

	require.Eventually(t, func() bool {
		ready, inflight, err := r.Depth(context.Background(), models.TopicTextTranscribed)
		return err == nil && ready == 0 && inflight == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, handled.Load())
}
