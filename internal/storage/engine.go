package storage

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Engine owns a badger database and its background maintenance
type Engine struct {
	db     *badger.DB
	config Config
	logger *slog.Logger

	stopGC chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

type Config struct {
	DataPath   string
	InMemory   bool
	SyncWrites bool
	ValueLogGC bool
	GCInterval time.Duration
	// Value log file size in bytes; 0 keeps badger's default
	ValueLogFileSize int64
}

func NewEngine(config Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(config.DataPath)

	if config.InMemory {
		opts = opts.WithInMemory(true)
	}

	opts = opts.WithSyncWrites(config.SyncWrites)
	if config.ValueLogFileSize > 0 {
		opts = opts.WithValueLogFileSize(config.ValueLogFileSize)
	}

	opts = opts.WithLogger(nil) // Disable badger's default logger

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	engine := &Engine{
		db:     db,
		config: config,
		logger: logger,
		stopGC: make(chan struct{}),
	}

	if config.ValueLogGC && !config.InMemory && config.GCInterval > 0 {
		engine.wg.Add(1)
		go engine.runGC(config.GCInterval)
	}

	return engine, nil
}

// Update runs fn in a read-write transaction. Conflicts are returned as
// badger.ErrConflict and nothing from fn is committed.
func (e *Engine) Update(fn func(txn *badger.Txn) error) error {
	return e.db.Update(fn)
}

// View runs fn against a consistent read snapshot
func (e *Engine) View(fn func(txn *badger.Txn) error) error {
	return e.db.View(fn)
}

func (e *Engine) Close() error {
	var err error
	e.once.Do(func() {
		close(e.stopGC)
		e.wg.Wait()
		err = e.db.Close()
	})
	return err
}

func (e *Engine) Backup(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create backup file: %w", err)
	}
	defer file.Close()

	if _, err := e.db.Backup(file, 0); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	return file.Sync()
}

func (e *Engine) Restore(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open backup file: %w", err)
	}
	defer file.Close()

	return e.db.Load(file, 256)
}

func (e *Engine) Stats() map[string]interface{} {
	lsmSize, vlogSize := e.db.Size()

	return map[string]interface{}{
		"lsm_size":   lsmSize,
		"vlog_size":  vlogSize,
		"total_size": lsmSize + vlogSize,
		"tables":     len(e.db.Tables()),
		"in_memory":  e.config.InMemory,
	}
}

func (e *Engine) runGC(interval time.Duration) {
	defer e.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopGC:
			return
		case <-ticker.C:
			again := true
			for again {
				err := e.db.RunValueLogGC(0.7)
				again = err == nil
			}

			e.logger.Debug("BadgerDB garbage collection completed")
		}
	}
}
