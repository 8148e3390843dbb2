package commands

import (
	"context"
	"fmt"

	"bench-history/internal/config"
	"bench-history/internal/detector"
	"bench-history/internal/history"
	"bench-history/internal/model"
	"bench-history/internal/report"
	"bench-history/internal/service"
	"bench-history/pkg/client"
	"bench-history/proto/historypb"
)

// backend is what the run and query commands need, served either by a local
// repository or by a remote server
type backend interface {
	Append(ctx context.Context, suite string, run model.RunRecord, polarity string) (*report.Report, error)
	Check(ctx context.Context, suite string, run model.RunRecord, polarity string) (*report.Report, error)
	Latest(ctx context.Context, suite string, n int) ([]model.StoredRun, error)
	Suites(ctx context.Context) ([]string, error)
	Window(ctx context.Context, suite, metric string, before model.SequenceID, limit int) (*historypb.WindowReply, error)
	Close() error
}

// localBackend runs the service in process
type localBackend struct {
	svc  *service.Service
	repo history.Repository
}

func (l *localBackend) Append(ctx context.Context, suite string, run model.RunRecord, polarity string) (*report.Report, error) {
	opts, err := evalOptions(polarity)
	if err != nil {
		return nil, err
	}
	return l.svc.Ingest(ctx, suite, run, opts...)
}

func (l *localBackend) Check(ctx context.Context, suite string, run model.RunRecord, polarity string) (*report.Report, error) {
	opts, err := evalOptions(polarity)
	if err != nil {
		return nil, err
	}
	return l.svc.Check(ctx, suite, run, opts...)
}

func (l *localBackend) Latest(ctx context.Context, suite string, n int) ([]model.StoredRun, error) {
	return l.svc.Latest(ctx, suite, n)
}

func (l *localBackend) Suites(ctx context.Context) ([]string, error) {
	return l.svc.Suites(ctx)
}

func (l *localBackend) Window(ctx context.Context, suite, metric string, before model.SequenceID, limit int) (*historypb.WindowReply, error) {
	points, err := l.svc.Window(ctx, suite, metric, before, limit)
	if err != nil {
		return nil, err
	}

	reply := &historypb.WindowReply{Suite: suite, Metric: metric, Points: points}
	if before == 0 {
		b, ok, err := l.svc.Baseline(ctx, suite, metric)
		if err != nil {
			return nil, err
		}
		if ok {
			reply.Baseline = &b
		}
	}
	return reply, nil
}

func (l *localBackend) Close() error {
	return l.repo.Close()
}

func evalOptions(polarity string) ([]service.EvalOption, error) {
	if polarity == "" {
		return nil, nil
	}
	p, err := detector.ParsePolarity(polarity)
	if err != nil {
		return nil, err
	}
	return []service.EvalOption{service.WithDefaultPolarity(p)}, nil
}

// openLocal opens the configured repository and wraps it in a service
func (a *App) openLocal(ctx context.Context) (*localBackend, error) {
	cfg, err := a.Config()
	if err != nil {
		return nil, err
	}
	return a.openLocalWith(ctx, cfg)
}

func (a *App) openLocalWith(ctx context.Context, cfg *config.Config) (*localBackend, error) {
	logger := a.logger(cfg)

	// A CLI invocation is short lived; skip the background GC loop
	opts := cfg.HistoryOptions()
	opts.Badger.ValueLogGC = false

	repo, err := history.Open(ctx, opts, logger.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}

	svc := service.New(repo, cfg.Estimator(), cfg.Detector(),
		service.WithLogger(logger),
		service.WithRepoURL(cfg.Storage.File.RepoURL),
	)
	return &localBackend{svc: svc, repo: repo}, nil
}

// openBackend returns a remote backend when --server is set, else a local one
func (a *App) openBackend(ctx context.Context) (backend, error) {
	server := a.v.GetString(keyServer)
	if server == "" {
		local, err := a.openLocal(ctx)
		if err != nil {
			return nil, err
		}
		return local, nil
	}

	cfg := client.DefaultConfig()
	cfg.Address = server
	cfg.AuthToken = a.v.GetString(keyToken)
	remote, err := client.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return remote, nil
}
