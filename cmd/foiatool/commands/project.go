package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"foiatool/internal/components/chrono"
	"foiatool/internal/components/telemetry"
	"foiatool/internal/config"
	"foiatool/internal/engine"
	"foiatool/internal/portal/nextrequest"
	"foiatool/internal/store"
	"foiatool/internal/store/redis"
	"foiatool/internal/store/sqlite"
	libtelemetry "foiatool/lib/telemetry"
)

const perfStatsInterval = 15 * time.Second

// project is everything a command needs once the config has been loaded.
type project struct {
	cfg       config.Config
	tel       telemetry.API
	store     store.Store
	telemetry libtelemetry.Telemetry
	closers   []io.Closer
	// replace is handed to the poller, see engine.Options.Replace.
	replace map[engine.DocumentKey]string
}

type ledgerStore interface {
	store.Store
	store.Ledger
}

// openProject loads the config and opens the store it names.
func openProject(ctx context.Context) (*project, error) {
	path := *configPath
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		path, err = config.FindProject(cwd)
		if err != nil {
			return nil, fmt.Errorf("%w, create one with 'foiatool init'", err)
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	telemetry.InitSlog(*debug || cfg.Debug)
	slog.Debug("loaded config", "path", path, "sites", len(cfg.Sites))

	p := &project{
		cfg: cfg,
		tel: telemetry.NewSlogAPI(nil),
	}

	p.telemetry, err = libtelemetry.Setup(ctx, "foiatool", cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	if cfg.Telemetry.PerfStats {
		libtelemetry.InstrumentPerfStats(ctx, perfStatsInterval)
	}

	switch cfg.Store.Backend {
	case config.BackendRedis:
		s, err := redis.Open(ctx, cfg.Store.RedisURL, p.tel)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.store = s
		p.closers = append(p.closers, s)
	default:
		s, err := sqlite.Open(cfg.DbPath, p.tel)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.store = s
		p.closers = append(p.closers, s)
	}
	return p, nil
}

func (p *project) Close() error {
	var errs []error
	for _, c := range p.closers {
		errs = append(errs, c.Close())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errs = append(errs, p.telemetry.Shutdown(ctx))
	return errors.Join(errs...)
}

func (p *project) ledger() (ledgerStore, error) {
	l, ok := p.store.(ledgerStore)
	if !ok {
		return nil, fmt.Errorf("store backend '%s': %w", p.cfg.Store.Backend, store.ErrUnsupported)
	}
	return l, nil
}

func (p *project) poller() *engine.Poller {
	client := nextrequest.NewClient(p.tel, nextrequest.Options{
		UserAgent:         p.cfg.Client.UserAgent,
		Timeout:           time.Duration(p.cfg.Client.TimeoutSeconds) * time.Second,
		RequestsPerSecond: p.cfg.Client.RequestsPerSecond,
		CloudflareBypass:  p.cfg.Client.CloudflareBypass,
	})
	return engine.NewPoller(engine.Options{
		Client:       client,
		Store:        p.store,
		Time:         chrono.NewStandardImpl(),
		Tel:          p.tel,
		DownloadPath: p.cfg.DownloadPath,
		Replace:      p.replace,
	})
}

func (p *project) site(name string) (config.Site, bool) {
	for _, site := range p.cfg.Sites {
		if site.Name == name {
			return site, true
		}
	}
	return config.Site{}, false
}
