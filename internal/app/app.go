package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"dexarb/internal/alerting"
	"dexarb/internal/config"
	"dexarb/internal/pipeline"
	"dexarb/internal/protocol"
	"dexarb/internal/scheduler"
	"dexarb/internal/service"
	"dexarb/internal/storage"
	"dexarb/internal/stream"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	dialChain ChainDialer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{
		Config:    cfg,
		Logger:    logger.With().Str("component", "app").Logger(),
		dialChain: dialEthclient,
	}
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled || !a.Config.Alerting.Telegram.Enabled {
		return nil
	}
	cfg := a.Config.Alerting.Telegram
	telegram := alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	return alerting.NewThrottled(telegram, a.Config.Alerting.Cooldown)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) manifest() *protocol.Manifest {
	return protocol.OpenManifest(a.Config.Manifest.Dir, a.Config.Manifest.ChainID)
}

// seedManifest adds configured pools missing from the manifest and returns
// every enabled pool address.
func (a *App) seedManifest(m *protocol.Manifest, reg *protocol.Registry) ([]common.Address, error) {
	for _, p := range a.Config.Pools {
		if _, ok, err := m.Get(p.Address); err != nil {
			return nil, err
		} else if ok {
			continue
		}
		if p.Dex != "" {
			if _, known := reg.Get(p.Dex); !known {
				return nil, fmt.Errorf("pool %s: %w: %s", p.Address.Hex(), protocol.ErrUnknownProtocol, p.Dex)
			}
		}
		err := m.Add(protocol.Pool{
			Address:  p.Address,
			Token0:   p.Token0,
			Token1:   p.Token1,
			Fee:      p.Fee,
			Protocol: p.Dex,
			Enabled:  true,
		})
		if err != nil && !errors.Is(err, protocol.ErrPoolExists) {
			return nil, err
		}
	}

	pools, err := m.List(true)
	if err != nil {
		return nil, err
	}
	addrs := make([]common.Address, len(pools))
	for i, p := range pools {
		addrs[i] = p.Address
	}
	return addrs, nil
}

// activity tracks pools that produced events since the last prune.
type activity struct {
	mu    sync.Mutex
	pools map[common.Address]struct{}
}

func (t *activity) record(fe pipeline.FilteredEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pools == nil {
		t.pools = make(map[common.Address]struct{})
	}
	t.pools[fe.Pool] = struct{}{}
}

func (t *activity) take() []common.Address {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]common.Address, 0, len(t.pools))
	for addr := range t.pools {
		out = append(out, addr)
	}
	t.pools = nil
	return out
}

// pruneTick refreshes active pools and prunes stale ones from the manifest.
func pruneTick(m *protocol.Manifest, act *activity, maxAge time.Duration, logger zerolog.Logger) scheduler.TickFunc {
	return func(ctx context.Context, at time.Time) error {
		for _, addr := range act.take() {
			if err := m.Update(addr, func(*protocol.Pool) {}); err != nil && !errors.Is(err, protocol.ErrPoolNotFound) {
				return fmt.Errorf("touch pool %s: %w", addr.Hex(), err)
			}
		}
		removed, err := m.PruneInactive(maxAge)
		if err != nil {
			return fmt.Errorf("prune manifest: %w", err)
		}
		if removed > 0 {
			logger.Info().Int("removed", removed).Dur("max_age", maxAge).Msg("pruned inactive pools")
		}
		return nil
	}
}

// Run executes the long-running ingestion service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(a.Config.Stream.Endpoints) == 0 {
		return errors.New("stream.endpoints must list at least one endpoint")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	var events storage.EventStore
	var metrics storage.MetricsStore
	if store != nil {
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
		events = store
		metrics = store
	} else {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}

	reg := a.Config.Registry()
	m := a.manifest()
	pools, err := a.seedManifest(m, reg)
	if err != nil {
		return err
	}

	manager, err := stream.NewManager(a.Config.StreamOptions(), stream.RPCDialer{
		HandshakeTimeout: a.Config.Stream.HandshakeTimeout,
	}, a.Logger)
	if err != nil {
		return err
	}
	pipe := pipeline.New(a.Config.PipelineOptions(), a.Logger, prometheus.DefaultRegisterer)

	if listen := a.Config.Metrics.Listen; listen != "" {
		metricsCtx, stopMetrics := context.WithCancel(ctx)
		metricsDone := serveMetrics(metricsCtx, listen, a.Config.Metrics.Path, prometheus.DefaultGatherer, a.Logger)
		defer func() {
			stopMetrics()
			<-metricsDone
		}()
	}

	svc := service.New(service.Options{
		Pools:             pools,
		AlertHighPriority: a.Config.Alerting.Enabled && a.Config.Alerting.HighPriority,
		LockKey:           a.Config.Scheduler.AdvisoryLockKey,
	}, manager, pipe, events, metrics, a.newNotifier(), a.Logger)

	act := &activity{}
	svc.OnEvent(act.record)

	jobs, err := a.housekeeping(m, act, svc, metrics != nil)
	if err != nil {
		return err
	}
	jobCtx, stopJobs := context.WithCancel(ctx)
	jobsDone := make(chan struct{})
	go func() {
		scheduler.RunAll(jobCtx, jobs...)
		close(jobsDone)
	}()
	defer func() {
		stopJobs()
		<-jobsDone
	}()

	a.Logger.Info().
		Int("endpoints", len(a.Config.Stream.Endpoints)).
		Int("pools", len(pools)).
		Uint64("chain_id", m.ChainID()).
		Msg("starting ingestion service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("ingestion service stopped")
	return nil
}

func (a *App) housekeeping(m *protocol.Manifest, act *activity, svc *service.Service, persistMetrics bool) ([]scheduler.Job, error) {
	cfg := a.Config.Scheduler
	prune, err := scheduler.New(scheduler.Options{
		Name:         "manifest_prune",
		Interval:     cfg.PruneInterval,
		StartupDelay: cfg.StartupDelay,
	}, a.Logger)
	if err != nil {
		return nil, err
	}
	jobs := []scheduler.Job{{Scheduler: prune, Tick: pruneTick(m, act, a.Config.Manifest.MaxAge, a.Logger)}}

	if persistMetrics {
		snap, err := scheduler.New(scheduler.Options{
			Name:         "metrics_snapshot",
			Interval:     cfg.MetricsInterval,
			AlignToStart: true,
			StartupDelay: cfg.StartupDelay,
		}, a.Logger)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, scheduler.Job{Scheduler: snap, Tick: svc.PersistMetrics})
	}
	return jobs, nil
}

// ExportOptions hold parameters for exporting a pool's price history.
type ExportOptions struct {
	Pool      common.Address
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit   int
	Metrics bool
}

// BuildOptions configure the build command.
type BuildOptions struct {
	InputPath string
	Builder   string
}
