// Package executor implements the uniform submit/results façade (C3) over
// a worker-pool implementation, plus the capability interfaces — Dispatcher,
// Provider, Launcher — that the bare-process, containerd, and cluster
// flavors of worker block implement.
package executor
