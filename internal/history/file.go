package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"bench-history/internal/model"

	"github.com/fsnotify/fsnotify"
)

// FileConfig configures a FileRepository
type FileConfig struct {
	Path    string
	RepoURL string
	// Script writes the document with the data.js assignment prefix
	Script bool
	// Watch reloads the document when another process replaces the file
	Watch bool
}

// FileRepository keeps all suites in a single JSON document on disk. Every
// append rewrites the document through a temp file and rename, so readers of
// the file never see a partial write.
type FileRepository struct {
	config FileConfig
	logger *slog.Logger

	mu     sync.RWMutex
	doc    *Document
	units  map[string]map[string]string
	closed bool

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

var _ Repository = (*FileRepository)(nil)

// NewFileRepository loads path (creating an empty document if it is missing)
func NewFileRepository(config FileConfig, logger *slog.Logger) (*FileRepository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Path == "" {
		return nil, errors.New("file repository path cannot be empty")
	}

	r := &FileRepository{
		config: config,
		logger: logger,
		done:   make(chan struct{}),
	}

	doc, err := r.load()
	if err != nil {
		return nil, err
	}
	if doc.RepoURL == "" {
		doc.RepoURL = config.RepoURL
	}
	r.setDocument(doc)

	if config.Watch {
		if err := r.startWatch(); err != nil {
			return nil, err
		}
	}

	return r, nil
}

func (r *FileRepository) load() (*Document, error) {
	data, err := os.ReadFile(r.config.Path)
	if errors.Is(err, os.ErrNotExist) {
		return NewDocument(r.config.RepoURL), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", r.config.Path, err)
	}
	return ParseDocument(data)
}

// setDocument installs doc and rebuilds the unit index. Caller holds mu or
// has exclusive access.
func (r *FileRepository) setDocument(doc *Document) {
	units := make(map[string]map[string]string, len(doc.Entries))
	for suite, entries := range doc.Entries {
		u := make(map[string]string)
		for _, e := range entries {
			for _, b := range e.Benches {
				u[b.Name] = b.Unit
			}
		}
		units[suite] = u
	}
	r.doc = doc
	r.units = units
}

func (r *FileRepository) startWatch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	// Watch the directory: atomic replacement swaps the inode under the file name
	if err := watcher.Add(filepath.Dir(r.config.Path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", r.config.Path, err)
	}
	r.watcher = watcher

	r.wg.Add(1)
	go r.watchLoop()
	return nil
}

func (r *FileRepository) watchLoop() {
	defer r.wg.Done()

	target := filepath.Clean(r.config.Path)
	for {
		select {
		case <-r.done:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			r.reload()
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("File watcher error", "path", r.config.Path, "error", err.Error())
		}
	}
}

func (r *FileRepository) reload() {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.load()
	if err != nil {
		r.logger.Warn("Failed to reload benchmark document, keeping previous state",
			"path", r.config.Path,
			"error", err.Error(),
		)
		return
	}
	r.setDocument(doc)
	r.logger.Debug("Reloaded benchmark document", "path", r.config.Path, "suites", len(doc.Entries))
}

// persist writes the current document atomically. Caller holds mu.
func (r *FileRepository) persist() error {
	r.doc.LastUpdate = time.Now().UnixMilli()
	data, err := r.doc.Encode(r.config.Script)
	if err != nil {
		return err
	}

	dir := filepath.Dir(r.config.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(r.config.Path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, r.config.Path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", r.config.Path, err)
	}
	return nil
}

func (r *FileRepository) Suite(key string) (Store, error) {
	if err := ValidateSuiteKey(key); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}

	return &fileStore{repo: r, suite: key}, nil
}

func (r *FileRepository) Suites(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	suites := make([]string, 0, len(r.doc.Entries))
	for k, entries := range r.doc.Entries {
		if len(entries) > 0 {
			suites = append(suites, k)
		}
	}
	sort.Strings(suites)
	return suites, nil
}

func (r *FileRepository) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.done)
	var err error
	if r.watcher != nil {
		err = r.watcher.Close()
	}
	r.wg.Wait()
	return err
}

type fileStore struct {
	repo  *FileRepository
	suite string
}

func (s *fileStore) Append(ctx context.Context, run model.RunRecord) (model.SequenceID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r := s.repo
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrClosed
	}

	entries := r.doc.Entries[s.suite]
	state := suiteState{units: r.units[s.suite]}
	if len(entries) > 0 {
		state.tool = entries[0].Tool
	}

	run = run.Clone()
	if err := checkRun(&state, &run); err != nil {
		return 0, err
	}

	r.doc.Entries[s.suite] = append(entries, EntryFromRun(run))
	if err := r.persist(); err != nil {
		// Roll back so memory keeps matching what is on disk
		r.doc.Entries[s.suite] = entries
		if len(entries) == 0 {
			delete(r.doc.Entries, s.suite)
		}
		return 0, fmt.Errorf("failed to append run to suite %q: %w", s.suite, err)
	}

	units := r.units[s.suite]
	if units == nil {
		units = make(map[string]string)
		r.units[s.suite] = units
	}
	for _, m := range run.Metrics {
		units[m.Name] = m.Unit
	}

	return model.SequenceID(len(entries) + 1), nil
}

func (s *fileStore) Window(ctx context.Context, name string, before model.SequenceID, maxCount int) ([]model.Point, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	points := []model.Point{}
	if maxCount <= 0 || before <= 1 {
		return points, nil
	}

	s.repo.mu.RLock()
	defer s.repo.mu.RUnlock()

	entries := s.repo.doc.Entries[s.suite]
	end := int(before - 1)
	if end > len(entries) {
		end = len(entries)
	}

	for i := end - 1; i >= 0 && len(points) < maxCount; i-- {
		for _, b := range entries[i].Benches {
			if b.Name == name {
				points = append(points, model.Point{
					Seq:    model.SequenceID(i + 1),
					Value:  b.Value,
					Spread: ParseRange(b.Range, b.Value),
				})
				break
			}
		}
	}

	reversePoints(points)
	return points, nil
}

func (s *fileStore) Latest(ctx context.Context, maxCount int) ([]model.StoredRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	runs := []model.StoredRun{}
	if maxCount <= 0 {
		return runs, nil
	}

	s.repo.mu.RLock()
	defer s.repo.mu.RUnlock()

	entries := s.repo.doc.Entries[s.suite]
	for i := len(entries) - 1; i >= 0 && len(runs) < maxCount; i-- {
		runs = append(runs, model.StoredRun{Seq: model.SequenceID(i + 1), Run: entries[i].ToRun()})
	}
	return runs, nil
}

func (s *fileStore) All(ctx context.Context) ([]model.StoredRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.repo.mu.RLock()
	defer s.repo.mu.RUnlock()

	entries := s.repo.doc.Entries[s.suite]
	runs := make([]model.StoredRun, len(entries))
	for i, e := range entries {
		runs[i] = model.StoredRun{Seq: model.SequenceID(i + 1), Run: e.ToRun()}
	}
	return runs, nil
}

func (s *fileStore) Head(ctx context.Context) (model.SequenceID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.repo.mu.RLock()
	defer s.repo.mu.RUnlock()
	return model.SequenceID(len(s.repo.doc.Entries[s.suite])), nil
}
