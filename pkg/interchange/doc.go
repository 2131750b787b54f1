// Package interchange implements the Interchange Core (C5): the state
// machine that wires the broker client, result spool, executor façade, and
// scaling strategy into one supervised run. It owns registration, the
// ingress/egress/spool-replay flows, reconnection, and graceful shutdown.
package interchange
