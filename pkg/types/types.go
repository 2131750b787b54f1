package types

import (
	"time"

	"github.com/google/uuid"
)

// Task is a unit of work pulled from the broker's task queue. TaskBuffer is
// opaque to the interchange: it is a serialized callable plus arguments,
// interpreted only by the worker that eventually executes it.
type Task struct {
	TaskID      uuid.UUID
	TaskBuffer  []byte
	ContainerID string // hint: which worker-block flavor should run this task
	RoutingKey  string // copied onto the eventual Result
	DeliveryTag uint64 // broker delivery tag, used to Ack/Nack
}

// ResultKind distinguishes a normal return value from an encoded exception.
type ResultKind string

const (
	ResultKindSuccess      ResultKind = "success"
	ResultKindException    ResultKind = "exception"
	ResultKindWorkerFailed ResultKind = "worker_failed"
)

// Result is the outcome of executing a Task. Data carries either the
// serialized return value or an encoded exception; the interchange never
// inspects it beyond deciding whether to log it as a failure.
type Result struct {
	TaskID     uuid.UUID
	Kind       ResultKind
	Data       []byte
	RoutingKey string
	CompletedAt time.Time
}

// Envelope is the self-describing wire format shared by the spool and the
// result-queue publisher: the bytes written to unacked_results/<task_id> are
// exactly the bytes later published to the broker.
type Envelope struct {
	TaskID     uuid.UUID  `json:"task_id"`
	Kind       ResultKind `json:"kind"`
	Data       []byte     `json:"data"`
	RoutingKey string     `json:"routing_key"`
}

// QueueCoordinates names a queue/exchange/routing_key triple on the broker.
type QueueCoordinates struct {
	Queue      string `json:"queue"`
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routing_key"`
}

// BrokerParams carries everything C1 needs to dial the broker.
type BrokerParams struct {
	AMQPURL           string `json:"amqp_url"`
	HeartbeatSeconds  int    `json:"heartbeat_seconds"`
	PrefetchCount     int    `json:"prefetch_count"`
	InsecureTLS       bool   `json:"insecure_tls"`
}

// Registration is the immutable, per-run record produced by C6 and consumed
// by C5. It is reacquired on every process restart; it is never mutated in
// place and never hot-reloaded from config.
type Registration struct {
	EndpointID uuid.UUID        `json:"endpoint_id"`
	Broker     BrokerParams     `json:"broker"`
	TaskQueue  QueueCoordinates `json:"task_queue"`
	ResultQueue QueueCoordinates `json:"result_queue"`
	IssuedAt   time.Time        `json:"issued_at"`
}

// BlockID is an opaque identifier for a unit of compute capacity a Provider
// may allocate or release. The interchange never inspects its internals.
type BlockID string

// ProviderStatus is a read-only snapshot a Provider reports to the Strategy.
type ProviderStatus struct {
	ActiveBlocks []BlockID
	PendingScale int // blocks requested but not yet confirmed active
}
