package interchange

import (
	"context"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funcx-faas/funcx-endpoint-go/pkg/events"
	"github.com/funcx-faas/funcx-endpoint-go/pkg/types"
)

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "unknown", State(99).String())
}

// fakeBroker is an in-memory stand-in for *broker.Client: deliveries are
// fed in by the test, publishes are recorded rather than sent over a wire.
type fakeBroker struct {
	mu          sync.Mutex
	deliveries  chan amqp.Delivery
	published   []publishJob
	publishFail map[string]int // routing key -> remaining failures before success
	acked       []uint64
	nacked      []uint64
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		deliveries:  make(chan amqp.Delivery, 16),
		publishFail: map[string]int{},
	}
}

func (f *fakeBroker) Start(ctx context.Context, params types.BrokerParams, taskQ, resultQ types.QueueCoordinates) error {
	return nil
}

func (f *fakeBroker) Deliveries() <-chan amqp.Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deliveries
}

// simulateReconnect closes the current deliveries channel and installs a
// fresh one, mimicking what broker.Client does to Deliveries() across a
// reconnect (broker.go connect/watch). It returns the new channel so the
// caller can feed it without racing a direct read of f.deliveries.
func (f *fakeBroker) simulateReconnect() chan amqp.Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.deliveries)
	f.deliveries = make(chan amqp.Delivery, 16)
	return f.deliveries
}

func (f *fakeBroker) Publish(ctx context.Context, body []byte, routingKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.publishFail[routingKey]; n > 0 {
		f.publishFail[routingKey] = n - 1
		return assert.AnError
	}
	f.published = append(f.published, publishJob{body: body, routingKey: routingKey})
	return nil
}

func (f *fakeBroker) Ack(deliveryTag uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, deliveryTag)
	return nil
}

func (f *fakeBroker) Nack(deliveryTag uint64, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = append(f.nacked, deliveryTag)
	return nil
}

func (f *fakeBroker) Stop() error { return nil }

func (f *fakeBroker) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

// fakeSpool is an in-memory SpoolStore.
type fakeSpool struct {
	mu      sync.Mutex
	entries map[uuid.UUID][]byte
}

func newFakeSpool() *fakeSpool {
	return &fakeSpool{entries: map[uuid.UUID][]byte{}}
}

func (s *fakeSpool) Put(taskID uuid.UUID, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[taskID] = body
	return nil
}

func (s *fakeSpool) Get(taskID uuid.UUID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[taskID], nil
}

func (s *fakeSpool) Contains(taskID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[taskID]
	return ok
}

func (s *fakeSpool) Delete(taskID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, taskID)
	return nil
}

func (s *fakeSpool) IterPending() ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *fakeSpool) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// fakeRegistration always succeeds, returning defaultRoutingKey as the
// result queue's default routing key so tests can exercise the fallback
// handleDelivery applies when a delivery carries no reply-to of its own.
type fakeRegistration struct {
	defaultRoutingKey string
}

func (f fakeRegistration) Register(ctx context.Context, endpointID uuid.UUID, name string, metadata map[string]string) (types.Registration, error) {
	return types.Registration{
		EndpointID:  endpointID,
		ResultQueue: types.QueueCoordinates{RoutingKey: f.defaultRoutingKey},
	}, nil
}

// fakeExecutor is an in-memory Executor: Submit immediately produces a
// success result, echoing the submitted buffer back as the data.
type fakeExecutor struct {
	results chan types.Result
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{results: make(chan types.Result, 16)}
}

func (e *fakeExecutor) Submit(taskID uuid.UUID, taskBuffer []byte, routingKey string) error {
	e.results <- types.Result{TaskID: taskID, Kind: types.ResultKindSuccess, Data: taskBuffer, RoutingKey: routingKey}
	return nil
}

func (e *fakeExecutor) Results() <-chan types.Result     { return e.results }
func (e *fakeExecutor) Outstanding() int                 { return 0 }
func (e *fakeExecutor) IdleFor() time.Duration           { return 0 }
func (e *fakeExecutor) Shutdown(ctx context.Context, drain bool) error { return nil }

func newTestCore(t *testing.T, dir string, br *fakeBroker, sp *fakeSpool) *Core {
	t.Helper()
	return newTestCoreWithRegistration(t, dir, br, sp, fakeRegistration{})
}

func newTestCoreWithRegistration(t *testing.T, dir string, br *fakeBroker, sp *fakeSpool, reg RegistrationClient) *Core {
	t.Helper()
	eventBus := events.NewBroker()
	eventBus.Start()
	t.Cleanup(eventBus.Stop)

	cfg := Config{Dir: dir, EndpointID: uuid.New(), DrainTimeout: 2 * time.Second}
	return newCore(cfg, newFakeExecutor(), nil, br, sp, reg, eventBus)
}

func TestRunIngressSubmitsAndAcks(t *testing.T) {
	dir := t.TempDir()
	br := newFakeBroker()
	sp := newFakeSpool()
	c := newTestCore(t, dir, br, sp)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	taskID := uuid.New()
	br.deliveries <- amqp.Delivery{CorrelationId: taskID.String(), DeliveryTag: 1, Body: []byte("payload"), ReplyTo: "rk-submitter"}

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return br.publishedCount() == 1 }, time.Second, 5*time.Millisecond)

	br.mu.Lock()
	acked := len(br.acked)
	published := br.published[0]
	br.mu.Unlock()
	assert.Equal(t, 1, acked)
	assert.Equal(t, "rk-submitter", published.routingKey, "the delivery's reply-to routing key must reach the published result")

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 0, sp.count(), "spool entry should be deleted once publish is confirmed")
}

func TestRunFallsBackToRegistrationRoutingKeyWhenDeliveryHasNone(t *testing.T) {
	dir := t.TempDir()
	br := newFakeBroker()
	sp := newFakeSpool()
	c := newTestCoreWithRegistration(t, dir, br, sp, fakeRegistration{defaultRoutingKey: "rk-default"})

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	taskID := uuid.New()
	br.deliveries <- amqp.Delivery{CorrelationId: taskID.String(), DeliveryTag: 1, Body: []byte("payload")}

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return br.publishedCount() == 1 }, time.Second, 5*time.Millisecond)

	br.mu.Lock()
	published := br.published[0]
	br.mu.Unlock()
	assert.Equal(t, "rk-default", published.routingKey)

	cancel()
	require.NoError(t, <-done)
}

func TestRunIngressResumesConsumingAfterBrokerReconnect(t *testing.T) {
	dir := t.TempDir()
	br := newFakeBroker()
	sp := newFakeSpool()
	c := newTestCore(t, dir, br, sp)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	firstTask := uuid.New()
	br.deliveries <- amqp.Delivery{CorrelationId: firstTask.String(), DeliveryTag: 1, Body: []byte("first")}

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return br.publishedCount() == 1 }, time.Second, 5*time.Millisecond)

	// The broker client closes Deliveries() and installs a fresh channel on
	// every reconnect (broker.go connect/watch). Ingress must keep running
	// and pick up the new channel rather than exiting when the old one
	// closes.
	freshDeliveries := br.simulateReconnect()

	secondTask := uuid.New()
	freshDeliveries <- amqp.Delivery{CorrelationId: secondTask.String(), DeliveryTag: 2, Body: []byte("second")}

	require.Eventually(t, func() bool { return br.publishedCount() == 2 }, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRunDropsDeliveryWithUnparsableTaskID(t *testing.T) {
	dir := t.TempDir()
	br := newFakeBroker()
	sp := newFakeSpool()
	c := newTestCore(t, dir, br, sp)

	ctx, cancel := context.WithCancel(t.Context())

	br.deliveries <- amqp.Delivery{CorrelationId: "not-a-uuid", DeliveryTag: 7}

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		br.mu.Lock()
		defer br.mu.Unlock()
		return len(br.nacked) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRunReplaysPendingSpoolEntriesOnStart(t *testing.T) {
	dir := t.TempDir()
	br := newFakeBroker()
	sp := newFakeSpool()

	leftover := uuid.New()
	require.NoError(t, sp.Put(leftover, []byte(`{"task_id":"`+leftover.String()+`","routing_key":"rk-replay"}`)))

	c := newTestCore(t, dir, br, sp)
	ctx, cancel := context.WithCancel(t.Context())

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return br.publishedCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, sp.count())

	cancel()
	require.NoError(t, <-done)
}

func TestRunRetriesPublishUntilBrokerAccepts(t *testing.T) {
	dir := t.TempDir()
	br := newFakeBroker()
	sp := newFakeSpool()
	c := newTestCore(t, dir, br, sp)

	ctx, cancel := context.WithCancel(t.Context())

	taskID := uuid.New()
	br.publishFail["rk-"+taskID.String()] = 2

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	br.deliveries <- amqp.Delivery{CorrelationId: taskID.String(), DeliveryTag: 1, Body: []byte("x"), ReplyTo: "rk-" + taskID.String()}

	require.Eventually(t, func() bool { return br.publishedCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	br.mu.Lock()
	remaining := br.publishFail["rk-"+taskID.String()]
	br.mu.Unlock()
	assert.Equal(t, 0, remaining, "both injected publish failures should have been retried through")

	cancel()
	require.NoError(t, <-done)
}
