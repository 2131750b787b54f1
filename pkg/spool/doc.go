// Package spool implements the crash-safe on-disk queue of results that
// have not yet been confirmed published to the broker. Entries are written
// atomically (temp file + rename) and named by task ID; there is no index
// file, so the directory listing is the source of truth.
package spool
