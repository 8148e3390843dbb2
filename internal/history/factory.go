package history

import (
	"context"
	"fmt"
	"log/slog"

	"bench-history/internal/storage"
)

const (
	EngineBadger = "badger"
	EngineFile   = "file"
	EngineRedis  = "redis"
)

// Options selects and configures a backend
type Options struct {
	Engine string
	Badger storage.Config
	File   FileConfig
	Redis  RedisConfig
	Cache  CacheConfig
}

// Open creates the configured repository, optionally with window caching
func Open(ctx context.Context, opts Options, logger *slog.Logger) (Repository, error) {
	var (
		repo Repository
		err  error
	)

	switch opts.Engine {
	case EngineBadger, "":
		repo, err = NewBadgerRepository(opts.Badger, logger)
	case EngineFile:
		repo, err = NewFileRepository(opts.File, logger)
	case EngineRedis:
		repo, err = NewRedisRepository(ctx, opts.Redis, logger)
	default:
		return nil, fmt.Errorf("unsupported storage engine: %s", opts.Engine)
	}
	if err != nil {
		return nil, err
	}

	// External edits to a watched file can rewrite history, which breaks
	// the immutability that window caching relies on.
	if opts.Engine == EngineFile && opts.File.Watch {
		opts.Cache.Enabled = false
	}
	return NewCachedRepository(repo, opts.Cache), nil
}
