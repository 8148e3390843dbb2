package history

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"bench-history/internal/model"
	"bench-history/internal/storage"

	"github.com/dgraph-io/badger/v4"
)

// Key layout, per suite:
//
//	suites/<suite>                       suite index entry
//	s/<suite>/meta                       suiteMeta JSON
//	s/<suite>/r/<seq BE64>               RunRecord JSON
//	s/<suite>/u/<metric>                 last recorded unit
//	s/<suite>/m/<metric>\x00<seq BE64>   value+spread (16 bytes)
const (
	suiteIndexPrefix = "suites/"
	suitePrefix      = "s/"
)

type suiteMeta struct {
	Tool string           `json:"tool"`
	Head model.SequenceID `json:"head"`
}

// BadgerRepository stores every suite in one badger database
type BadgerRepository struct {
	engine *storage.Engine
	logger *slog.Logger

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	closed bool
}

var _ Repository = (*BadgerRepository)(nil)

// NewBadgerRepository opens (or creates) a badger-backed repository
func NewBadgerRepository(config storage.Config, logger *slog.Logger) (*BadgerRepository, error) {
	if logger == nil {
		logger = slog.Default()
	}

	engine, err := storage.NewEngine(config, logger)
	if err != nil {
		return nil, err
	}

	return &BadgerRepository{
		engine: engine,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Suite returns the store for key. The suite is created lazily on first append.
func (r *BadgerRepository) Suite(key string) (Store, error) {
	if err := ValidateSuiteKey(key); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	lock, ok := r.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[key] = lock
	}

	return &badgerStore{
		engine: r.engine,
		suite:  key,
		base:   []byte(suitePrefix + key + "/"),
		writer: lock,
	}, nil
}

func (r *BadgerRepository) Suites(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var suites []string
	err := r.engine.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(suiteIndexPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			suites = append(suites, string(key[len(suiteIndexPrefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list suites: %w", err)
	}

	return suites, nil
}

// Backup writes a full badger backup to path
func (r *BadgerRepository) Backup(path string) error {
	return r.engine.Backup(path)
}

// Restore loads a backup produced by Backup
func (r *BadgerRepository) Restore(path string) error {
	return r.engine.Restore(path)
}

func (r *BadgerRepository) Stats() map[string]interface{} {
	return r.engine.Stats()
}

func (r *BadgerRepository) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	return r.engine.Close()
}

type badgerStore struct {
	engine *storage.Engine
	suite  string
	base   []byte
	// serializes sequence assignment for this suite
	writer *sync.Mutex
}

func (s *badgerStore) key(parts ...[]byte) []byte {
	out := append([]byte(nil), s.base...)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func (s *badgerStore) metaKey() []byte { return s.key([]byte("meta")) }

func (s *badgerStore) runPrefix() []byte { return s.key([]byte("r/")) }

func (s *badgerStore) runKey(seq model.SequenceID) []byte {
	return s.key([]byte("r/"), encodeSeq(seq))
}

func (s *badgerStore) unitKey(name string) []byte {
	return s.key([]byte("u/"), []byte(name))
}

func (s *badgerStore) pointPrefix(name string) []byte {
	return s.key([]byte("m/"), []byte(name), []byte{0})
}

func (s *badgerStore) Append(ctx context.Context, run model.RunRecord) (model.SequenceID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	run = run.Clone()

	s.writer.Lock()
	defer s.writer.Unlock()

	var seq model.SequenceID
	err := s.engine.Update(func(txn *badger.Txn) error {
		meta, err := s.readMeta(txn)
		if err != nil {
			return err
		}

		state := suiteState{tool: meta.Tool, units: make(map[string]string, len(run.Metrics))}
		for _, m := range run.Metrics {
			unit, found, err := getString(txn, s.unitKey(m.Name))
			if err != nil {
				return err
			}
			if found {
				state.units[m.Name] = unit
			}
		}

		if err := checkRun(&state, &run); err != nil {
			return err
		}

		seq = meta.Head + 1

		data, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("failed to encode run: %w", err)
		}
		if err := txn.Set(s.runKey(seq), data); err != nil {
			return err
		}

		for _, m := range run.Metrics {
			pointKey := append(s.pointPrefix(m.Name), encodeSeq(seq)...)
			if err := txn.Set(pointKey, encodePoint(m.Value, m.Spread)); err != nil {
				return err
			}
			if err := txn.Set(s.unitKey(m.Name), []byte(m.Unit)); err != nil {
				return err
			}
		}

		if meta.Head == 0 {
			if err := txn.Set([]byte(suiteIndexPrefix+s.suite), nil); err != nil {
				return err
			}
		}

		meta.Head = seq
		if meta.Tool == "" {
			meta.Tool = run.Tool
		}
		metaData, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("failed to encode suite meta: %w", err)
		}
		return txn.Set(s.metaKey(), metaData)
	})
	if err != nil {
		if errors.Is(err, model.ErrValidation) {
			return 0, err
		}
		return 0, fmt.Errorf("failed to append run to suite %q: %w", s.suite, err)
	}

	return seq, nil
}

func (s *badgerStore) Window(ctx context.Context, name string, before model.SequenceID, maxCount int) ([]model.Point, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	points := []model.Point{}
	if maxCount <= 0 || before <= 1 {
		return points, nil
	}

	prefix := s.pointPrefix(name)
	err := s.engine.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		opts.PrefetchSize = maxCount
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte(nil), prefix...), encodeSeq(before-1)...)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(points) < maxCount; it.Next() {
			item := it.Item()
			seq := decodeSeq(item.Key()[len(prefix):])

			err := item.Value(func(val []byte) error {
				value, spread, err := decodePoint(val)
				if err != nil {
					return err
				}
				points = append(points, model.Point{Seq: seq, Value: value, Spread: spread})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read window for %q: %w", name, err)
	}

	reversePoints(points)
	return points, nil
}

func (s *badgerStore) Latest(ctx context.Context, maxCount int) ([]model.StoredRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	runs := []model.StoredRun{}
	if maxCount <= 0 {
		return runs, nil
	}

	prefix := s.runPrefix()
	err := s.engine.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		opts.PrefetchSize = maxCount
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte(nil), prefix...), bytes.Repeat([]byte{0xff}, 8)...)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(runs) < maxCount; it.Next() {
			stored, err := decodeRunItem(it.Item(), prefix)
			if err != nil {
				return err
			}
			runs = append(runs, stored)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read latest runs: %w", err)
	}

	return runs, nil
}

func (s *badgerStore) All(ctx context.Context) ([]model.StoredRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	runs := []model.StoredRun{}
	prefix := s.runPrefix()
	err := s.engine.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			stored, err := decodeRunItem(it.Item(), prefix)
			if err != nil {
				return err
			}
			runs = append(runs, stored)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	return runs, nil
}

func (s *badgerStore) Head(ctx context.Context) (model.SequenceID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var head model.SequenceID
	err := s.engine.View(func(txn *badger.Txn) error {
		meta, err := s.readMeta(txn)
		head = meta.Head
		return err
	})
	return head, err
}

func (s *badgerStore) readMeta(txn *badger.Txn) (suiteMeta, error) {
	var meta suiteMeta

	item, err := txn.Get(s.metaKey())
	if errors.Is(err, badger.ErrKeyNotFound) {
		return meta, nil
	}
	if err != nil {
		return meta, err
	}

	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &meta)
	})
	if err != nil {
		return meta, fmt.Errorf("failed to decode suite meta: %w", err)
	}
	return meta, nil
}

func getString(txn *badger.Txn, key []byte) (string, bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	val, err := item.ValueCopy(nil)
	if err != nil {
		return "", false, err
	}
	return string(val), true, nil
}

func decodeRunItem(item *badger.Item, prefix []byte) (model.StoredRun, error) {
	stored := model.StoredRun{Seq: decodeSeq(item.Key()[len(prefix):])}
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &stored.Run)
	})
	if err != nil {
		return stored, fmt.Errorf("failed to decode run %d: %w", stored.Seq, err)
	}
	return stored, nil
}

func encodeSeq(seq model.SequenceID) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(seq))
	return buf
}

func decodeSeq(b []byte) model.SequenceID {
	if len(b) != 8 {
		return 0
	}
	return model.SequenceID(binary.BigEndian.Uint64(b))
}

func encodePoint(value, spread float64) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], math.Float64bits(value))
	binary.BigEndian.PutUint64(buf[8:], math.Float64bits(spread))
	return buf
}

func decodePoint(b []byte) (float64, float64, error) {
	if len(b) != 16 {
		return 0, 0, fmt.Errorf("corrupt point: %d bytes", len(b))
	}
	value := math.Float64frombits(binary.BigEndian.Uint64(b[:8]))
	spread := math.Float64frombits(binary.BigEndian.Uint64(b[8:]))
	return value, spread, nil
}
