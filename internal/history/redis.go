package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"bench-history/internal/model"

	"github.com/go-redis/redis/v8"
)

// RedisConfig configures a RedisRepository
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// MaxRetries bounds optimistic transaction retries when writers from
	// other processes race on the same suite
	MaxRetries int
}

// RedisRepository stores suites in redis. Sequence assignment uses a WATCH on
// the suite meta key, so writers in different processes never share an id.
type RedisRepository struct {
	client *redis.Client
	config RedisConfig
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var _ Repository = (*RedisRepository)(nil)

// NewRedisRepository connects to redis and verifies the connection
func NewRedisRepository(ctx context.Context, config RedisConfig, logger *slog.Logger) (*RedisRepository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "benchhist"
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 32
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Addr, err)
	}

	return &RedisRepository{
		client: client,
		config: config,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

func (r *RedisRepository) suitesKey() string {
	return r.config.KeyPrefix + ":suites"
}

func (r *RedisRepository) Suite(key string) (Store, error) {
	if err := ValidateSuiteKey(key); err != nil {
		return nil, err
	}

	r.mu.Lock()
	lock, ok := r.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[key] = lock
	}
	r.mu.Unlock()

	return &redisStore{
		repo:   r,
		suite:  key,
		base:   fmt.Sprintf("%s:{%s}:", r.config.KeyPrefix, key),
		writer: lock,
	}, nil
}

func (r *RedisRepository) Suites(ctx context.Context) ([]string, error) {
	suites, err := r.client.SMembers(ctx, r.suitesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list suites: %w", err)
	}
	sort.Strings(suites)
	return suites, nil
}

func (r *RedisRepository) Close() error {
	return r.client.Close()
}

type redisStore struct {
	repo   *RedisRepository
	suite  string
	base   string
	writer *sync.Mutex
}

func (s *redisStore) metaKey() string  { return s.base + "meta" }
func (s *redisStore) unitsKey() string { return s.base + "units" }
func (s *redisStore) runsKey() string  { return s.base + "runs" }

func (s *redisStore) pointKey(name string) string {
	return s.base + "m:" + name
}

func (s *redisStore) Append(ctx context.Context, run model.RunRecord) (model.SequenceID, error) {
	run = run.Clone()
	names := run.MetricNames()

	s.writer.Lock()
	defer s.writer.Unlock()

	var seq model.SequenceID
	txf := func(tx *redis.Tx) error {
		meta, err := tx.HGetAll(ctx, s.metaKey()).Result()
		if err != nil {
			return err
		}
		head, err := parseHead(meta["head"])
		if err != nil {
			return err
		}

		state := suiteState{tool: meta["tool"], units: make(map[string]string, len(names))}
		if len(names) > 0 {
			units, err := tx.HMGet(ctx, s.unitsKey(), names...).Result()
			if err != nil {
				return err
			}
			for i, u := range units {
				if unit, ok := u.(string); ok {
					state.units[names[i]] = unit
				}
			}
		}

		if err := checkRun(&state, &run); err != nil {
			return err
		}

		next := head + 1
		data, err := json.Marshal(model.StoredRun{Seq: next, Run: run})
		if err != nil {
			return fmt.Errorf("failed to encode run: %w", err)
		}

		tool := state.tool
		if tool == "" {
			tool = run.Tool
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.metaKey(), "head", uint64(next), "tool", tool)
			pipe.ZAdd(ctx, s.runsKey(), &redis.Z{Score: float64(next), Member: data})
			for _, m := range run.Metrics {
				pipe.ZAdd(ctx, s.pointKey(m.Name), &redis.Z{
					Score:  float64(next),
					Member: encodeRedisPoint(next, m.Value, m.Spread),
				})
				pipe.HSet(ctx, s.unitsKey(), m.Name, m.Unit)
			}
			pipe.SAdd(ctx, s.repo.suitesKey(), s.suite)
			return nil
		})
		if err != nil {
			return err
		}

		seq = next
		return nil
	}

	for attempt := 0; attempt < s.repo.config.MaxRetries; attempt++ {
		err := s.repo.client.Watch(ctx, txf, s.metaKey())
		if err == nil {
			return seq, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			s.repo.logger.Debug("Redis append conflict, retrying", "suite", s.suite, "attempt", attempt+1)
			continue
		}
		if isValidation(err) {
			return 0, err
		}
		return 0, fmt.Errorf("failed to append run to suite %q: %w", s.suite, err)
	}

	return 0, fmt.Errorf("failed to append run to suite %q: %w after %d attempts", s.suite, redis.TxFailedErr, s.repo.config.MaxRetries)
}

func (s *redisStore) Window(ctx context.Context, name string, before model.SequenceID, maxCount int) ([]model.Point, error) {
	points := []model.Point{}
	if maxCount <= 0 || before <= 1 {
		return points, nil
	}

	members, err := s.repo.client.ZRevRangeByScore(ctx, s.pointKey(name), &redis.ZRangeBy{
		Max:   "(" + strconv.FormatUint(uint64(before), 10),
		Min:   "-inf",
		Count: int64(maxCount),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read window for %q: %w", name, err)
	}

	for _, member := range members {
		p, err := decodeRedisPoint(member)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}

	reversePoints(points)
	return points, nil
}

func (s *redisStore) Latest(ctx context.Context, maxCount int) ([]model.StoredRun, error) {
	if maxCount <= 0 {
		return []model.StoredRun{}, nil
	}

	members, err := s.repo.client.ZRevRange(ctx, s.runsKey(), 0, int64(maxCount-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read latest runs: %w", err)
	}
	return decodeRedisRuns(members)
}

func (s *redisStore) All(ctx context.Context) ([]model.StoredRun, error) {
	members, err := s.repo.client.ZRange(ctx, s.runsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	return decodeRedisRuns(members)
}

func (s *redisStore) Head(ctx context.Context) (model.SequenceID, error) {
	head, err := s.repo.client.HGet(ctx, s.metaKey(), "head").Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read head: %w", err)
	}
	return parseHead(head)
}

func parseHead(s string) (model.SequenceID, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt suite head %q: %w", s, err)
	}
	return model.SequenceID(v), nil
}

// Members carry the sequence id so equal values at different points stay
// distinct inside the sorted set.
func encodeRedisPoint(seq model.SequenceID, value, spread float64) string {
	return strconv.FormatUint(uint64(seq), 10) + "|" +
		strconv.FormatFloat(value, 'g', -1, 64) + "|" +
		strconv.FormatFloat(spread, 'g', -1, 64)
}

func decodeRedisPoint(member string) (model.Point, error) {
	parts := strings.Split(member, "|")
	if len(parts) != 3 {
		return model.Point{}, fmt.Errorf("corrupt point %q", member)
	}
	seq, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return model.Point{}, fmt.Errorf("corrupt point %q: %w", member, err)
	}
	value, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return model.Point{}, fmt.Errorf("corrupt point %q: %w", member, err)
	}
	spread, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return model.Point{}, fmt.Errorf("corrupt point %q: %w", member, err)
	}
	return model.Point{Seq: model.SequenceID(seq), Value: value, Spread: spread}, nil
}

func decodeRedisRuns(members []string) ([]model.StoredRun, error) {
	runs := make([]model.StoredRun, 0, len(members))
	for _, member := range members {
		var stored model.StoredRun
		if err := json.Unmarshal([]byte(member), &stored); err != nil {
			return nil, fmt.Errorf("failed to decode run: %w", err)
		}
		runs = append(runs, stored)
	}
	return runs, nil
}
