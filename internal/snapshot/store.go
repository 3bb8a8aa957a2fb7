// Kestrel - Structured Logging and Security Observability
// Copyright 2026 Kestrel Security Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/kestrel

// Package snapshot persists tracker snapshots in a Badger key-value store.
//
// The tracker core is in-memory by contract; this package is the optional
// durable backend an embedder can bolt on to survive restarts. It stores the
// opaque versioned bytes produced by tracker.Snapshot and hands them back to
// tracker.Restore.
package snapshot

import (
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/kestrelsec/kestrel/internal/logging"
)

// ErrNoSnapshot is returned by Load when no snapshot has been saved yet.
var ErrNoSnapshot = errors.New("snapshot: none stored")

// latestKey holds the most recent snapshot bytes.
var latestKey = []byte("tracker/snapshot/latest")

// Store is a Badger-backed snapshot store.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the store at path.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	// Badger logs through its own interface; route it to zerolog.
	opts = opts.WithLogger(badgerLogger{logging.WithComponent("snapshot")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores snapshot bytes as the latest snapshot.
func (s *Store) Save(data []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(latestKey, data)
	})
	if err != nil {
		return fmt.Errorf("snapshot: save: %w", err)
	}
	return nil
}

// Load returns the latest snapshot bytes, or ErrNoSnapshot.
func (s *Store) Load() ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(latestKey)
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: load: %w", err)
	}
	return out, nil
}
