// Package lock enforces at most one Interchange process per endpoint
// directory (I4): daemon.lock is created exclusively and holds the owning
// process's PID (mirrored in daemon.pid), so a contending startup can tell a
// stale lock (owner no longer alive) from a live one. No flock is taken.
package lock
