// Package kv реализует хранилище прогресса поверх встроенной key-value базы badger.
package kv

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	log "github.com/sirupsen/logrus"
)

// Store владеет экземпляром badger.
type Store struct {
	db *badger.DB
}

// Open открывает базу в каталоге dataDir. Пустой dataDir открывает базу в памяти.
func Open(dataDir string, logger *log.Entry) (*Store, error) {
	if logger == nil {
		logger = log.WithField("component", "badger")
	}

	var opts badger.Options
	if dataDir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		opts = badger.DefaultOptions(filepath.Join(dataDir, "badger"))
	}
	// logrus.Entry реализует badger.Logger, служебные сообщения badger уходят в общий лог.
	opts = opts.WithLogger(logger).WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db}, nil
}

// Ping сообщает, открыта ли база.
func (s *Store) Ping() error {
	if s == nil || s.db == nil || s.db.IsClosed() {
		return fmt.Errorf("badger store is closed")
	}
	return nil
}

// Close закрывает базу.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
