package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pelorus-track/pelorus/internal/adapter"
	"github.com/pelorus-track/pelorus/internal/api"
	"github.com/pelorus-track/pelorus/internal/buildinfo"
	"github.com/pelorus-track/pelorus/internal/bus"
	"github.com/pelorus-track/pelorus/internal/config"
	"github.com/pelorus-track/pelorus/internal/dlq"
	"github.com/pelorus-track/pelorus/internal/fusion"
	"github.com/pelorus-track/pelorus/internal/gateway"
	"github.com/pelorus-track/pelorus/internal/history"
	"github.com/pelorus-track/pelorus/internal/hotview"
	"github.com/pelorus-track/pelorus/internal/metrics"
	"github.com/pelorus-track/pelorus/internal/normalize"
	"github.com/pelorus-track/pelorus/internal/scanloop"
	"github.com/pelorus-track/pelorus/internal/track"
)

// retentionSweepInterval drives the hot-view retention timer.
const retentionSweepInterval = 5 * time.Minute

type pelorusApp struct {
	envCfg *config.EnvConfig
	m      *metrics.Metrics

	redis       *redis.Client
	eventBus    *bus.Bus
	hotView     *hotview.Store
	historyDB   *sql.DB
	historyRepo *history.Repo
	historySvc  *history.Service
	deadLetters *dlq.Queue

	engine   *fusion.Engine
	emitter  *adapter.Emitter
	adapters []adapter.Adapter
	pool     *fusion.Pool

	gw     *gateway.Server
	apiSrv *api.Server

	bgCtx    context.Context
	bgCancel context.CancelFunc
	unsubs   []func()
}

func run() error {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}
	settings, err := config.LoadFusionSettings()
	if err != nil {
		return err
	}
	feeds, err := config.LoadFeeds(envCfg.FeedsFile)
	if err != nil {
		return err
	}
	log.Printf("[main] pelorus %s (%s) starting with %d feeds", buildinfo.Version, buildinfo.GitCommit, len(feeds))

	app, err := newPelorusApp(envCfg, settings, feeds)
	if err != nil {
		return err
	}

	serverErrCh := app.start()
	runtimeErr := waitForShutdown(serverErrCh)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	app.shutdown(ctx)

	if runtimeErr != nil {
		return fmt.Errorf("runtime server error: %w", runtimeErr)
	}
	return nil
}

func newPelorusApp(envCfg *config.EnvConfig, settings *config.FusionSettings, feeds []config.FeedConfig) (*pelorusApp, error) {
	app := &pelorusApp{envCfg: envCfg, m: metrics.New()}
	app.bgCtx, app.bgCancel = context.WithCancel(context.Background())

	if err := app.initStores(); err != nil {
		app.bgCancel()
		return nil, err
	}
	if err := app.initPipeline(settings, feeds); err != nil {
		app.bgCancel()
		return nil, err
	}
	app.initServers()
	return app, nil
}

// initStores brings up Redis, the bus on top of it, the hot view, the
// history database, and the DLQ.
func (a *pelorusApp) initStores() error {
	a.redis = redis.NewClient(&redis.Options{
		Addr:     a.envCfg.RedisAddr,
		Password: a.envCfg.RedisPassword,
		DB:       a.envCfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(a.bgCtx, 3*time.Second)
	defer cancel()
	if err := a.redis.Ping(pingCtx).Err(); err != nil {
		// Redis may come up later; the hot view retries and the DLQ absorbs
		// write failures, so this is not fatal.
		log.Printf("[main] redis %s not reachable yet: %v", a.envCfg.RedisAddr, err)
	}

	a.eventBus = bus.New(a.bgCtx, bus.Options{Remote: bus.NewRedisRemote(a.redis)})
	a.hotView = hotview.New(a.redis, a.envCfg.HotViewTTL, time.Duration(a.envCfg.RetentionMs)*time.Millisecond, a.m)

	if err := os.MkdirAll(a.envCfg.HistoryDir, 0o755); err != nil {
		return fmt.Errorf("history dir: %w", err)
	}
	db, err := history.OpenDB(filepath.Join(a.envCfg.HistoryDir, "history.db"))
	if err != nil {
		return err
	}
	if err := history.Migrate(db); err != nil {
		db.Close()
		return err
	}
	a.historyDB = db
	a.historyRepo = history.NewRepo(db)
	log.Println("[main] history store ready")

	a.deadLetters = dlq.New(a.redis, a.persistForRetry, a.m, dlq.Options{
		MaxRetries:    a.envCfg.DLQMaxRetries,
		RetryInterval: a.envCfg.DLQRetryInterval,
		BatchSize:     a.envCfg.DLQBatchSize,
	})
	return nil
}

// persistForRetry is the DLQ sweep target: both stores must take the record
// for the entry to leave the queue. The hot view write is conditional so a
// parked record cannot roll the view back behind a newer live publish.
func (a *pelorusApp) persistForRetry(ctx context.Context, rec track.FusedRecord) error {
	if err := a.hotView.WriteIfFresher(ctx, rec); err != nil {
		return err
	}
	if _, failed, err := a.historyRepo.InsertBatch([]track.FusedRecord{rec}); err != nil {
		return err
	} else if len(failed) > 0 {
		return failed[0].Err
	}
	return nil
}

// initPipeline wires the ingest path: adapters, the shared emitter, the
// history writer, the fusion engine, and the worker pool.
func (a *pelorusApp) initPipeline(settings *config.FusionSettings, feeds []config.FeedConfig) error {
	a.historySvc = history.NewService(history.ServiceConfig{
		Repo:           a.historyRepo,
		FlushBatch:     a.envCfg.BatchSize,
		FlushInterval:  a.envCfg.BatchTimeout,
		Metrics:        a.m,
		MinMoveMeters:  settings.MinPositionDistanceMeters,
		MaxPositionAge: settings.MaxPositionAge.Std(),
		OnFailure: func(rec track.FusedRecord, err error) {
			if derr := a.deadLetters.Enqueue(a.bgCtx, rec, err.Error()); derr != nil {
				log.Printf("[main] dlq enqueue %s: %v", rec.Key, derr)
			}
		},
	})

	a.engine = fusion.NewEngine(settings, a.m)
	a.emitter = adapter.NewEmitter(a.envCfg.IngestQueueSize)

	adapters, err := adapter.Build(feeds, a.emitter, a.m, adapter.Options{
		ReconnectMaxAttempts: a.envCfg.ReconnectMaxAttempts,
		ReconnectMaxBackoff:  a.envCfg.ReconnectMaxBackoff,
		MaxBatchBytes:        a.envCfg.MaxBatchBytes,
	})
	if err != nil {
		return err
	}
	a.adapters = adapters

	a.pool = fusion.NewPool(fusion.PoolConfig{
		Engine:     a.engine,
		Source:     a.emitter,
		Normalizer: normalize.New(a.m),
		Bus:        a.eventBus,
		HotView:    a.hotView,
		History:    a.historySvc,
		DLQ:        a.deadLetters,
		Metrics:    a.m,
		Workers:    a.envCfg.MaxParallelFusion,
	})

	// Settings watcher: config:update carries the full settings document.
	a.unsubs = append(a.unsubs, a.eventBus.Subscribe(bus.ChannelConfigUpdate, func(_ string, payload []byte) {
		if err := applySettingsUpdate(a.engine, payload); err != nil {
			log.Printf("[main] config update rejected: %v", err)
		}
	}))
	return nil
}

func (a *pelorusApp) initServers() {
	a.gw = gateway.NewServer(gateway.Config{
		HotView:             a.hotView,
		Bus:                 a.eventBus,
		Metrics:             a.m,
		BroadcastInterval:   a.envCfg.BroadcastInterval,
		StaleCutoff:         time.Duration(a.envCfg.StaleCutoffMs) * time.Millisecond,
		MinClientMoveMeters: a.envCfg.MinClientMoveMeters,
		ClientKeepalive:     a.envCfg.ClientKeepalive,
		IdleTimeout:         a.envCfg.ClientIdleTimeout,
	})

	a.apiSrv = api.NewServer(api.ServerConfig{
		ListenAddress:  a.envCfg.ListenAddress,
		Port:           a.envCfg.Port,
		AdminToken:     a.envCfg.AdminToken,
		MaxBodyBytes:   1 << 20,
		Adapters:       a.adapters,
		Engine:         a.engine,
		DLQ:            a.deadLetters,
		Gateway:        a.gw,
		Bus:            a.eventBus,
		GatewayHandler: a.gw.Handler(),
		MetricsHandler: a.m.Handler(),
		StartedAt:      time.Now().UTC(),
	})
}

// start launches everything in dependency order and returns the channel the
// HTTP server reports fatal errors on.
func (a *pelorusApp) start() <-chan error {
	a.historySvc.Start()
	log.Println("[main] history writer started")

	if err := a.deadLetters.StartRetrySchedule(a.bgCtx); err != nil {
		log.Printf("[main] dlq schedule: %v", err)
	}
	go a.hotView.RunRetention(a.bgCtx, retentionSweepInterval)

	a.pool.Start(a.bgCtx)
	log.Println("[main] fusion pool started")

	for _, ad := range a.adapters {
		if err := ad.Start(a.bgCtx); err != nil {
			log.Printf("[main] adapter start: %v", err)
		}
	}
	log.Printf("[main] %d adapters started", len(a.adapters))

	a.gw.Start(a.bgCtx)
	log.Println("[main] gateway started")

	go scanloop.RunCtx(a.bgCtx, time.Minute, 10*time.Second, func(context.Context) {
		a.logSnapshot()
	})

	serverErrCh := make(chan error, 1)
	go func() {
		log.Printf("[main] api listening on %s:%d", a.envCfg.ListenAddress, a.envCfg.Port)
		if err := a.apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case serverErrCh <- fmt.Errorf("api server: %w", err):
			default:
			}
		}
	}()
	return serverErrCh
}

func (a *pelorusApp) logSnapshot() {
	stats := a.engine.Snapshot()
	gws := a.gw.Stats()
	published, dropped := a.eventBus.Stats()
	log.Printf("[main] entities=%d ingested=%d published=%d bus_published=%d bus_dropped=%d clients=%d sent=%d queue=%d queue_dropped=%d",
		stats.WindowKeys, stats.Ingested, stats.Published,
		published, dropped,
		gws.Clients, gws.Sent,
		a.emitter.Depth(), a.emitter.Dropped())
}

func waitForShutdown(serverErrCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Printf("[main] received signal %s, shutting down", sig)
		return nil
	case err := <-serverErrCh:
		log.Printf("[main] server runtime error (%v), shutting down", err)
		return err
	}
}

// shutdown stops sources first, then the pipeline, then the sinks, so
// everything in flight drains before the stores close.
func (a *pelorusApp) shutdown(ctx context.Context) {
	for _, ad := range a.adapters {
		ad.Stop()
	}
	log.Println("[main] adapters stopped")

	a.pool.Stop()
	log.Println("[main] fusion pool stopped")

	a.gw.Stop()
	log.Println("[main] gateway stopped")

	if err := a.apiSrv.Shutdown(ctx); err != nil {
		log.Printf("[main] api shutdown: %v", err)
	}
	log.Println("[main] api stopped")

	for _, unsub := range a.unsubs {
		unsub()
	}
	a.bgCancel() // bus remote, dlq schedule, retention sweep, metrics log

	a.historySvc.Stop() // final flush
	log.Println("[main] history writer drained")

	if err := a.historyDB.Close(); err != nil {
		log.Printf("[main] history close: %v", err)
	}
	if err := a.redis.Close(); err != nil {
		log.Printf("[main] redis close: %v", err)
	}
	log.Println("[main] stopped")
}
