package interchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/funcx-faas/funcx-endpoint-go/pkg/broker"
	"github.com/funcx-faas/funcx-endpoint-go/pkg/events"
	"github.com/funcx-faas/funcx-endpoint-go/pkg/lock"
	"github.com/funcx-faas/funcx-endpoint-go/pkg/log"
	"github.com/funcx-faas/funcx-endpoint-go/pkg/metrics"
	"github.com/funcx-faas/funcx-endpoint-go/pkg/registration"
	"github.com/funcx-faas/funcx-endpoint-go/pkg/spool"
	"github.com/funcx-faas/funcx-endpoint-go/pkg/strategy"
	"github.com/funcx-faas/funcx-endpoint-go/pkg/types"
)

// defaultDrainTimeout bounds how long Draining waits for in-flight work to
// finish before the run forces a stop.
const defaultDrainTimeout = 30 * time.Second

const spoolDirName = "unacked_results"
const registrationFileName = "endpoint.json"

// ErrRegistrationFailed wraps a non-retryable registration error (a
// version mismatch, or backoff exhaustion against the control plane).
var ErrRegistrationFailed = errors.New("interchange: registration failed")

// ErrLockHeld is returned by Run when another process already owns this
// endpoint directory.
var ErrLockHeld = lock.ErrHeld

// Executor is the subset of the executor façade the core depends on. It is
// satisfied by *executor.Facade.
type Executor interface {
	Submit(taskID uuid.UUID, taskBuffer []byte, routingKey string) error
	Results() <-chan types.Result
	Outstanding() int
	IdleFor() time.Duration
	Shutdown(ctx context.Context, drain bool) error
}

// BrokerClient is the subset of the broker client the core depends on. It
// is satisfied by *broker.Client; tests substitute a fake to exercise
// ingress/egress/publish without a live AMQP server.
type BrokerClient interface {
	Start(ctx context.Context, params types.BrokerParams, taskQ, resultQ types.QueueCoordinates) error
	Deliveries() <-chan amqp.Delivery
	Publish(ctx context.Context, body []byte, routingKey string) error
	Ack(deliveryTag uint64) error
	Nack(deliveryTag uint64, requeue bool) error
	Stop() error
}

// SpoolStore is the subset of the spool the core depends on. It is
// satisfied by *spool.Spool.
type SpoolStore interface {
	Put(taskID uuid.UUID, body []byte) error
	Get(taskID uuid.UUID) ([]byte, error)
	Contains(taskID uuid.UUID) bool
	Delete(taskID uuid.UUID) error
	IterPending() ([]uuid.UUID, error)
}

// RegistrationClient is the subset of the registration client the core
// depends on. It is satisfied by *registration.Client.
type RegistrationClient interface {
	Register(ctx context.Context, endpointID uuid.UUID, name string, metadata map[string]string) (types.Registration, error)
}

// Config bundles everything Run needs beyond the Executor/Provider pair.
type Config struct {
	Dir               string
	EndpointID        uuid.UUID
	Name              string
	Metadata          map[string]string
	EndpointVersion   string
	ControlPlaneURL   string
	BrokerURLOverride string
	DrainTimeout      time.Duration
	Strategy          strategy.Config
}

// Core is the Interchange Core (C5): it owns the lock, drives registration,
// and runs the ingress/egress/spool-replay/scaling flows while Running.
type Core struct {
	cfg Config

	registrationClient RegistrationClient
	broker             BrokerClient
	spool              SpoolStore
	exec               Executor
	provider           strategy.Provider
	scaler             *strategy.Simple
	eventBus           *events.Broker
	logger             zerolog.Logger

	mu    sync.RWMutex
	state State

	// resultRoutingKey is the registration record's default result routing
	// key (§6: "the routing key supplied in the registration record"). It
	// is set once in Run, before any flow goroutine starts, and used as a
	// fallback whenever a delivery carries no reply routing key of its own.
	resultRoutingKey string

	lockHandle *lock.Lock

	publishCh chan publishJob
}

type publishJob struct {
	taskID     uuid.UUID
	body       []byte
	routingKey string
}

// New constructs a Core wired to the real broker, spool, and registration
// clients. provider may be nil, in which case the scaling strategy is not
// started — suitable for a cluster-mode deployment where capacity is
// managed externally.
func New(cfg Config, exec Executor, provider strategy.Provider) (*Core, error) {
	sp, err := spool.New(filepath.Join(cfg.Dir, spoolDirName))
	if err != nil {
		return nil, fmt.Errorf("interchange: init spool: %w", err)
	}

	eventBus := events.NewBroker()
	eventBus.Start()

	return newCore(cfg, exec, provider,
		broker.NewClient(eventBus),
		sp,
		registration.NewClient(cfg.ControlPlaneURL, cfg.EndpointVersion),
		eventBus,
	), nil
}

// newCore builds a Core from already-constructed collaborators. Tests use
// this directly to substitute fakes for the broker, spool, and
// registration client without a live AMQP server or control plane.
func newCore(cfg Config, exec Executor, provider strategy.Provider, br BrokerClient, sp SpoolStore, reg RegistrationClient, eventBus *events.Broker) *Core {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}

	c := &Core{
		cfg:                cfg,
		registrationClient: reg,
		broker:             br,
		spool:              sp,
		exec:               exec,
		provider:           provider,
		eventBus:           eventBus,
		logger:             log.WithComponent("interchange"),
		publishCh:          make(chan publishJob, 64),
	}

	if provider != nil {
		c.scaler = strategy.New(cfg.Strategy, exec, provider)
	}

	return c
}

func (c *Core) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()

	metrics.InterchangeState.Set(float64(s))
	c.logger.Info().Str("state", s.String()).Msg("state transition")
	c.eventBus.Publish(&events.Event{Type: events.EventStateChanged, Message: s.String()})
}

// State reports the Core's current lifecycle state.
func (c *Core) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Run drives the full lifecycle: acquire the singleton lock, register,
// connect, and run until ctx is canceled, at which point it drains and
// returns. Lock contention is returned wrapping ErrLockHeld and a failed
// registration wrapping ErrRegistrationFailed, so callers can map them to
// distinct process exit codes; other failures, such as the broker failing
// to start, wrap neither.
func (c *Core) Run(ctx context.Context) error {
	c.setState(StateStarting)

	l, err := lock.Acquire(c.cfg.Dir)
	if err != nil {
		return fmt.Errorf("%w", err)
	}
	c.lockHandle = l
	defer c.lockHandle.Release()

	c.setState(StateRegistering)
	reg, err := c.registrationClient.Register(ctx, c.cfg.EndpointID, c.cfg.Name, c.cfg.Metadata)
	if err != nil {
		c.setState(StateStopped)
		return fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
	}
	if c.cfg.BrokerURLOverride != "" {
		reg.Broker.AMQPURL = c.cfg.BrokerURLOverride
	}
	c.resultRoutingKey = reg.ResultQueue.RoutingKey
	if err := c.persistRegistration(reg); err != nil {
		c.logger.Warn().Err(err).Msg("failed to persist registration record, continuing")
	}

	c.setState(StateConnecting)
	if err := c.broker.Start(ctx, reg.Broker, reg.TaskQueue, reg.ResultQueue); err != nil {
		c.setState(StateStopped)
		return fmt.Errorf("interchange: broker start: %w", err)
	}

	c.setState(StateRunning)

	egressStop := make(chan struct{})
	var egressWG, ingressWG, publisherWG, stateWatcherWG sync.WaitGroup

	ingressWG.Add(1)
	go func() { defer ingressWG.Done(); c.runIngress(ctx) }()

	egressWG.Add(1)
	go func() { defer egressWG.Done(); c.runEgress(egressStop) }()

	publisherWG.Add(1)
	go func() { defer publisherWG.Done(); c.runPublisher(ctx) }()

	stateWatcherWG.Add(1)
	go func() { defer stateWatcherWG.Done(); c.watchBrokerState(ctx) }()

	c.replaySpool(ctx)

	if c.scaler != nil {
		c.scaler.Start()
	}

	<-ctx.Done()

	c.setState(StateDraining)
	if c.scaler != nil {
		c.scaler.Stop()
	}

	// Ingress stops consuming immediately; egress must keep running while
	// Shutdown drains in-flight work, since every in-flight task still owes
	// a result on the same channel egress reads.
	waitOrTimeout(&ingressWG, context.Background())
	waitOrTimeout(&stateWatcherWG, context.Background())

	drainCtx, cancel := context.WithTimeout(context.Background(), c.cfg.DrainTimeout)
	defer cancel()

	if err := c.exec.Shutdown(drainCtx, true); err != nil {
		c.logger.Warn().Err(err).Msg("drain deadline elapsed, forcing stop")
	}

	close(egressStop)
	waitOrTimeout(&egressWG, drainCtx)

	close(c.publishCh)
	waitOrTimeout(&publisherWG, drainCtx)

	c.broker.Stop()
	c.eventBus.Stop()

	c.setState(StateStopped)
	return nil
}

func waitOrTimeout(wg *sync.WaitGroup, ctx context.Context) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// watchBrokerState mirrors broker connectivity events onto the Core's own
// state machine: the broker client handles reconnection internally and
// never notifies the core directly, so without this the core reports
// Running throughout a reconnect instead of the Reconnecting state the
// spec's state table names.
func (c *Core) watchBrokerState(ctx context.Context) {
	sub := c.eventBus.Subscribe()
	defer c.eventBus.Unsubscribe(sub)

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			switch ev.Type {
			case events.EventBrokerLost:
				if c.State() == StateRunning {
					c.setState(StateReconnecting)
				}
			case events.EventBrokerReconnected:
				if c.State() == StateReconnecting {
					// The broker client publishes this only once both
					// channels are open again, so Connecting is passed
					// through on the way back to Running.
					c.setState(StateConnecting)
					c.setState(StateRunning)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// ingressReconnectPoll bounds how long runIngress waits before re-fetching
// Deliveries() after it observes the channel closed by a broker reconnect,
// rather than busy-spinning on a channel that won't open again until the
// broker client finishes redialing.
const ingressReconnectPoll = 200 * time.Millisecond

// runIngress consumes deliveries from the broker, submits them to the
// executor, and acks only once the submission is accepted — a crash
// between consume and submit causes the broker to redeliver, per I1.
//
// The broker client closes its current Deliveries() channel on connection
// loss and installs a new one once reconnect succeeds (broker.Client.watch/
// connect); per §4.1, tasks are paused at the source during an outage and
// consumption resumes once reconnected, so a closed channel here is not a
// reason to stop — only ctx.Done() is.
func (c *Core) runIngress(ctx context.Context) {
	for {
		select {
		case delivery, ok := <-c.broker.Deliveries():
			if !ok {
				select {
				case <-time.After(ingressReconnectPoll):
				case <-ctx.Done():
					return
				}
				continue
			}
			c.handleDelivery(delivery)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Core) handleDelivery(delivery amqp.Delivery) {
	taskID, err := uuid.Parse(delivery.CorrelationId)
	if err != nil {
		c.logger.Error().Str("correlation_id", delivery.CorrelationId).Err(err).Msg("dropping delivery with unparsable task id")
		c.broker.Nack(delivery.DeliveryTag, false)
		return
	}

	// The reply routing key travels with the task as AMQP reply-to
	// metadata (§3: "routing_key copied from the task's reply metadata");
	// fall back to the registration record's default when a delivery
	// doesn't carry one of its own (§6).
	routingKey := delivery.ReplyTo
	if routingKey == "" {
		routingKey = c.resultRoutingKey
	}

	if err := c.exec.Submit(taskID, delivery.Body, routingKey); err != nil {
		c.logger.Error().Str("task_id", taskID.String()).Err(err).Msg("executor rejected submission, requeueing")
		c.broker.Nack(delivery.DeliveryTag, true)
		return
	}

	if err := c.broker.Ack(delivery.DeliveryTag); err != nil {
		c.logger.Warn().Str("task_id", taskID.String()).Err(err).Msg("ack failed")
	}

	metrics.TasksConsumedTotal.Inc()
	c.eventBus.Publish(&events.Event{Type: events.EventTaskConsumed, Message: taskID.String()})
}

// runEgress drains the executor's result channel: write to spool, then hand
// off to the shared publish pipeline. Order is fixed — spool write before
// publish attempt — so a crash mid-publish still has a durable copy (I2,
// I3).
//
// It runs for the whole Running+Draining window, not just until ctx is
// canceled: in-flight tasks still owe results on this same channel while
// Shutdown(ctx, true) is draining them. stop is only closed once the caller
// knows no further results can arrive; even then, a final non-blocking
// sweep empties whatever is left buffered before returning.
func (c *Core) runEgress(stop <-chan struct{}) {
	for {
		select {
		case result, ok := <-c.exec.Results():
			if !ok {
				return
			}
			c.handleResult(result)
			continue
		default:
		}

		select {
		case result, ok := <-c.exec.Results():
			if !ok {
				return
			}
			c.handleResult(result)
		case <-stop:
			c.drainRemainingResults()
			return
		}
	}
}

func (c *Core) drainRemainingResults() {
	for {
		select {
		case result, ok := <-c.exec.Results():
			if !ok {
				return
			}
			c.handleResult(result)
		default:
			return
		}
	}
}

func (c *Core) handleResult(result types.Result) {
	body, err := json.Marshal(types.Envelope{
		TaskID:     result.TaskID,
		Kind:       result.Kind,
		Data:       result.Data,
		RoutingKey: result.RoutingKey,
	})
	if err != nil {
		c.logger.Error().Str("task_id", result.TaskID.String()).Err(err).Msg("failed to encode result envelope")
		return
	}

	if err := c.spool.Put(result.TaskID, body); err != nil {
		c.logger.Error().Str("task_id", result.TaskID.String()).Err(err).Msg("failed to persist result to spool")
		return
	}

	if result.Kind == types.ResultKindWorkerFailed {
		c.eventBus.Publish(&events.Event{Type: events.EventTaskFailed, Message: result.TaskID.String()})
	} else {
		c.eventBus.Publish(&events.Event{Type: events.EventTaskCompleted, Message: result.TaskID.String()})
	}

	// Blocks if the publisher is behind; dropping here would leave a
	// spooled result nobody schedules.
	c.publishCh <- publishJob{taskID: result.TaskID, body: body, routingKey: result.RoutingKey}
}

// runPublisher is the single goroutine that owns the publish pipeline, so a
// spool entry is never published twice concurrently. Both fresh egress
// results and replayed spool entries funnel through here.
func (c *Core) runPublisher(ctx context.Context) {
	for job := range c.publishCh {
		c.publishOne(ctx, job)
	}
}

func (c *Core) publishOne(ctx context.Context, job publishJob) {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	attempt := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return c.broker.Publish(ctx, job.body, job.routingKey)
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn().Str("task_id", job.taskID.String()).Err(err).Dur("wait", wait).Msg("publish attempt failed, retrying")
	}

	if err := backoff.RetryNotify(attempt, b, notify); err != nil {
		c.logger.Error().Str("task_id", job.taskID.String()).Err(err).Msg("giving up on publish for now, result remains spooled")
		return
	}

	if err := c.spool.Delete(job.taskID); err != nil {
		c.logger.Warn().Str("task_id", job.taskID.String()).Err(err).Msg("publish confirmed but spool delete failed")
	}
}

// replaySpool schedules every entry left over from a previous run for
// publish through the same pipeline fresh results use. Contains is
// rechecked immediately before scheduling so an entry a concurrent egress
// write already resolved is not queued twice.
func (c *Core) replaySpool(ctx context.Context) {
	ids, err := c.spool.IterPending()
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to enumerate spool for replay")
		return
	}
	if len(ids) == 0 {
		return
	}

	replayed := 0
	for _, id := range ids {
		if !c.spool.Contains(id) {
			continue
		}
		body, err := c.spool.Get(id)
		if err != nil {
			c.logger.Warn().Str("task_id", id.String()).Err(err).Msg("failed to read spool entry for replay")
			continue
		}
		var env types.Envelope
		routingKey := ""
		if err := json.Unmarshal(body, &env); err == nil {
			routingKey = env.RoutingKey
		}

		select {
		case c.publishCh <- publishJob{taskID: id, body: body, routingKey: routingKey}:
			replayed++
		case <-ctx.Done():
			return
		}
	}

	c.logger.Info().Int("count", replayed).Msg("scheduled spool entries for replay")
	c.eventBus.Publish(&events.Event{Type: events.EventSpoolReplayed, Message: fmt.Sprintf("%d", replayed)})
}

func (c *Core) persistRegistration(reg types.Registration) error {
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("interchange: marshal registration: %w", err)
	}
	return os.WriteFile(filepath.Join(c.cfg.Dir, registrationFileName), data, 0o644)
}
