package spool

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/funcx-faas/funcx-endpoint-go/pkg/metrics"
)

// Spool is the unacked_results/ directory: one file per pending result,
// named by task ID, written atomically. There is no separate index; the
// directory listing is the durable source of truth.
type Spool struct {
	dir string
}

// New returns a Spool rooted at dir, creating it if necessary.
func New(dir string) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("spool: create dir: %w", err)
	}
	return &Spool{dir: dir}, nil
}

func (s *Spool) path(taskID uuid.UUID) string {
	return filepath.Join(s.dir, taskID.String())
}

// Put persists body under taskID. It writes to a temp file in the same
// directory and renames into place, so a crash mid-write never leaves a
// partially-written entry visible under the final name.
func (s *Spool) Put(taskID uuid.UUID, body []byte) error {
	tmp, err := os.CreateTemp(s.dir, taskID.String()+".tmp-*")
	if err != nil {
		return fmt.Errorf("spool: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("spool: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("spool: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("spool: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path(taskID)); err != nil {
		return fmt.Errorf("spool: rename into place: %w", err)
	}
	ok = true

	metrics.SpoolWritesTotal.Inc()
	s.refreshDepth()
	return nil
}

// Get reads back the bytes stored for taskID.
func (s *Spool) Get(taskID uuid.UUID) ([]byte, error) {
	return os.ReadFile(s.path(taskID))
}

// Contains reports whether an entry for taskID currently exists.
func (s *Spool) Contains(taskID uuid.UUID) bool {
	_, err := os.Stat(s.path(taskID))
	return err == nil
}

// Delete removes the entry for taskID. Deleting a missing entry is not an
// error — callers may race a fresh Put against a replay of a stale entry.
func (s *Spool) Delete(taskID uuid.UUID) error {
	err := os.Remove(s.path(taskID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("spool: delete: %w", err)
	}
	s.refreshDepth()
	return nil
}

// IterPending returns a snapshot of task IDs present at the moment of the
// call. It is a directory listing, not a live cursor, so it stays stable
// even if entries are deleted by a concurrent egress flow while the caller
// iterates the returned slice.
func (s *Spool) IterPending() ([]uuid.UUID, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("spool: list dir: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, err := uuid.Parse(entry.Name())
		if err != nil {
			// not a spool entry (e.g. a leftover .tmp- file from a crash
			// between CreateTemp and Rename); ignore it.
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Spool) refreshDepth() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	metrics.SpoolDepth.Set(float64(len(entries)))
}
