// Package broker maintains the AMQP 0-9-1 connection that carries task
// deliveries in and result publishes out: a task-queue consumer with manual
// acknowledgement, a confirming publisher on the result exchange, and
// reconnection with backoff when either drops.
package broker
