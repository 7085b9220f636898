package main

import (
	"MiniPerps/internal/config"
	"MiniPerps/internal/core"
	"MiniPerps/internal/custody"
	"MiniPerps/internal/ingestion"
	"MiniPerps/internal/keeper"
	"MiniPerps/internal/observability"
	"MiniPerps/internal/perrors"
	"MiniPerps/internal/persistence"
	"MiniPerps/internal/projection"
	"MiniPerps/internal/query"
	"MiniPerps/internal/server"
	"MiniPerps/internal/store"
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (default $PERP_CONFIG)")
	flag.Parse()

	log := observability.NewLogger("perpd")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("perpd failed")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Metrics ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(reg)
	healthChecker := observability.NewHealthChecker()

	// --- Postgres (optional for memory and leveldb) ---
	var db *sql.DB
	var err error
	if cfg.PostgresURL != "" {
		db, err = openPostgres(rootCtx, cfg, log)
		if err != nil {
			return err
		}
		defer db.Close()
		healthChecker.AddCheck("postgres", db.PingContext)
	}

	// --- Store + recovery ---
	st, tip, err := openStore(rootCtx, cfg, db, log)
	if err != nil {
		return err
	}
	defer st.Close()

	// --- Engine ---
	var bank core.Custody
	if balance, ok := cfg.OpeningBalance(); ok {
		bank = custody.NewMemoryBank(balance, core.DefaultTreasury)
		log.Info().Str("opening_balance", cfg.CustodyOpeningBalance).Msg("in-process custody enabled")
	}

	var persistChan chan core.CoreOutput
	if db != nil {
		persistChan = make(chan core.CoreOutput, cfg.PersistChanSize)
	}
	projectionChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)

	engineLog := observability.NewLogger("engine")
	eng := core.NewEngine(st, bank, core.SystemClock{}, core.Options{
		StartSequence:  tip.Sequence,
		PrevHash:       &tip.StateHash,
		Metrics:        metrics,
		Logger:         &engineLog,
		PersistChan:    persistChan,
		ProjectionChan: projectionChan,
	})
	metrics.EngineSeq.Set(float64(tip.Sequence))

	// --- Idempotency ---
	var dbIdem core.DBIdempotencyChecker
	var warmKeys []string
	if db != nil {
		pic := persistence.NewPostgresIdempotencyChecker(db)
		dbIdem = pic
		warmKeys, err = pic.RecentRequestKeys(rootCtx, min(cfg.IdempotencyLRUCapacity, 100_000))
		if err != nil {
			log.Warn().Err(err).Msg("idempotency warm-up failed; relying on the event log")
		}
	}
	idem := core.NewIdempotencyChecker(cfg.IdempotencyLRUCapacity, dbIdem, metrics, observability.NewLogger("idempotency"))
	idem.Warm(warmKeys)

	proc := core.NewProcessor(eng, idem, cfg.CommandQueueSize, observability.NewLogger("processor"))

	// Core goroutines outlive the serving ones so the final snapshot can
	// still run through the processor.
	coreCtx, coreCancel := context.WithCancel(rootCtx)
	defer coreCancel()
	serveCtx, serveCancel := context.WithCancel(rootCtx)
	defer serveCancel()

	errChan := make(chan error, 16)
	var coreWG, serveWG sync.WaitGroup
	goCore := func(name string, fn func(context.Context) error) {
		coreWG.Add(1)
		go func() {
			defer coreWG.Done()
			if err := fn(coreCtx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}
	goServe := func(name string, fn func(context.Context) error) {
		serveWG.Add(1)
		go func() {
			defer serveWG.Done()
			if err := fn(serveCtx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	// 1. Processor
	goCore("processor", proc.Run)
	healthChecker.AddCheck("processor", func(ctx context.Context) error {
		return proc.Do(ctx, "", func(context.Context, *core.Engine) error { return nil })
	})

	// --- NATS (optional) ---
	var nc *nats.Conn
	var js jetstream.JetStream
	if cfg.NATSURL != "" {
		natsLog := observability.NewLogger("nats")
		nc, js, err = ingestion.ConnectNATS(cfg.NATSURL, natsLog)
		if err != nil {
			return err
		}
		defer nc.Close()
		if err := ingestion.EnsureStreams(rootCtx, js, cfg.PriceSubject, cfg.EventsSubject); err != nil {
			return err
		}
		healthChecker.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats status %s", nc.Status())
			}
			return nil
		})
	}

	// 2. Persistence worker -> outbound publisher
	var publishChan chan core.CoreOutput
	if db != nil && js != nil {
		publishChan = make(chan core.CoreOutput, cfg.PublishChanSize)
		publisher := ingestion.NewOutboundPublisher(js, publishChan, cfg.EventsSubject, metrics, observability.NewLogger("publisher"))
		goCore("publisher", publisher.Run)
	}
	if db != nil {
		worker := persistence.NewPersistenceWorker(db, persistChan, publishChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics, observability.NewLogger("persistence"))
		goCore("persistence", worker.Run)
	}

	// 3. Projections
	funding := projection.NewFundingHistoryProjection(cfg.FundingHistoryCapacity)
	projWorker := projection.NewProjectionWorker(db, funding, projectionChan, metrics, observability.NewLogger("projection"))
	goCore("projection", projWorker.Run)

	// --- Bootstrap ---
	if cfg.Bootstrap {
		if err := bootstrap(rootCtx, proc, cfg, log); err != nil {
			return err
		}
	}

	// 4. Price feed
	var subscriber *ingestion.NATSSubscriber
	if js != nil {
		rawChan := make(chan ingestion.RawEvent, 256)
		subscriber = ingestion.NewNATSSubscriber(js, rawChan, observability.NewLogger("nats"))
		err := subscriber.Subscribe(serveCtx, []ingestion.SubjectConfig{{
			Subject:      cfg.PriceSubject + ".>",
			ConsumerName: cfg.PriceConsumer,
			StreamName:   ingestion.PriceStream,
		}})
		if err != nil {
			return err
		}
		feed := ingestion.NewPriceFeed(proc, nil, cfg.AuthorityID(), metrics, observability.NewLogger("price_feed"))
		goServe("price_feed", func(ctx context.Context) error { return feed.Run(ctx, rawChan) })
	}

	// 5. Snapshots
	var snapshotter *persistence.Snapshotter
	if db != nil && cfg.SnapshotInterval > 0 {
		snapMgr := persistence.NewSnapshotManager(db, observability.NewLogger("snapshot"))
		snapshotter = persistence.NewSnapshotter(proc, st, snapMgr, cfg.SnapshotInterval, 10*time.Second, observability.NewLogger("snapshot"))
		snapshotter.SetLast(tip.Sequence)
		goServe("snapshotter", snapshotter.Run)
	}

	// 6. Keepers
	fundingKeeper := keeper.NewFundingKeeper(proc, st, cfg.FundingInterval, metrics, observability.NewLogger("keeper"))
	goServe("funding_keeper", fundingKeeper.Run)
	if identity := cfg.KeeperUUID(); identity != uuid.Nil {
		liqKeeper := keeper.NewLiquidationKeeper(proc, st, identity, cfg.LiquidationInterval, metrics, observability.NewLogger("keeper"))
		goServe("liquidation_keeper", liqKeeper.Run)
	} else {
		log.Warn().Msg("no keeper identity configured; liquidation keeper disabled")
	}

	// 7. API: HTTP + gRPC
	queries := query.NewQueryService(proc, st, db, funding, core.SystemClock{})
	apiDeps := server.APIDeps{
		Exec:    proc,
		Queries: queries,
		Logger:  observability.NewLogger("api"),
	}
	if snapshotter != nil {
		apiDeps.Snapshots = snapshotter
	}
	if db != nil {
		rebuildLog := observability.NewLogger("projection")
		apiDeps.Rebuild = func(ctx context.Context) (int64, error) {
			return projection.RebuildProjections(ctx, db, rebuildLog)
		}
	}
	api := server.NewAPI(apiDeps)
	auth := server.NewAuthenticator(cfg.JWTSecret)
	if !auth.Enabled() {
		log.Warn().Msg("PERP_JWT_SECRET not set; authenticated routes will reject every request")
	}

	httpDeps := server.HTTPDeps{
		Addr:           cfg.HTTPAddr,
		API:            api,
		Auth:           auth,
		Health:         healthChecker,
		Metrics:        metrics,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		Logger:         observability.NewLogger("http"),
	}
	if cfg.MetricsAddr == "" {
		httpDeps.Gatherer = reg
	}
	httpServer, err := server.NewHTTPServer(httpDeps)
	if err != nil {
		return err
	}
	goServe("http", httpServer.Start)

	grpcServer := server.NewGRPCServer(server.GRPCDeps{
		Addr:           cfg.GRPCAddr,
		API:            api,
		Auth:           auth,
		Metrics:        metrics,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		Logger:         observability.NewLogger("grpc"),
	})
	goServe("grpc", grpcServer.StartGRPC)

	// 8. Prometheus metrics server
	if cfg.MetricsAddr != "" {
		goServe("metrics", func(ctx context.Context) error {
			return serveMetrics(ctx, cfg.MetricsAddr, reg, log)
		})
	}

	healthChecker.SetReady(true)
	log.Info().
		Int64("sequence", tip.Sequence).
		Str("store", cfg.StoreBackend).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("perpd ready")

	// --- Wait for shutdown signal ---
	var runErr error
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case runErr = <-errChan:
		log.Error().Err(runErr).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop intake first, snapshot through the still-running processor,
	// then let the workers drain.
	healthChecker.SetReady(false)
	if subscriber != nil {
		subscriber.Stop()
	}
	serveCancel()
	waitTimeout(&serveWG, 15*time.Second, log, "serving goroutines")

	if snapshotter != nil {
		snapCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if seq, err := snapshotter.TakeSnapshot(snapCtx); err != nil {
			log.Error().Err(err).Msg("final snapshot failed")
		} else {
			log.Info().Int64("sequence", seq).Msg("final snapshot saved")
		}
		cancel()
	}

	coreCancel()
	waitTimeout(&coreWG, 30*time.Second, log, "core workers")

	log.Info().Int64("sequence", eng.Sequence()).Msg("perpd shutdown complete")
	return runErr
}

func openPostgres(ctx context.Context, cfg config.Config, log zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	log.Info().Msg("Postgres connected")

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, observability.NewLogger("migrate"))
	if err := migrator.Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

// openStore opens the configured backend and returns the chain tip the
// engine resumes from. A memory store is rebuilt from the latest snapshot
// plus the event log; durable stores already hold their records and only
// need the tip.
func openStore(ctx context.Context, cfg config.Config, db *sql.DB, log zerolog.Logger) (store.Backend, persistence.Tip, error) {
	var snapMgr *persistence.SnapshotManager
	if db != nil {
		snapMgr = persistence.NewSnapshotManager(db, observability.NewLogger("recovery"))
	}

	switch cfg.StoreBackend {
	case config.BackendMemory:
		st := store.NewMemoryStore()
		if snapMgr == nil {
			log.Info().Msg("memory store without Postgres: starting empty")
			return st, persistence.GenesisTip(), nil
		}
		tip, err := snapMgr.Recover(ctx, st)
		if err != nil {
			return nil, persistence.Tip{}, fmt.Errorf("recover: %w", err)
		}
		return st, tip, nil

	case config.BackendLevelDB:
		st, err := store.NewLevelDBStore(cfg.LevelDBPath)
		if err != nil {
			return nil, persistence.Tip{}, err
		}
		if snapMgr == nil {
			log.Warn().Msg("leveldb store without Postgres: hash chain restarts at genesis")
			return st, persistence.GenesisTip(), nil
		}
		tip, err := snapMgr.LastTip(ctx)
		if err != nil {
			st.Close()
			return nil, persistence.Tip{}, err
		}
		return st, tip, nil

	case config.BackendPostgres:
		tip, err := snapMgr.LastTip(ctx)
		if err != nil {
			return nil, persistence.Tip{}, err
		}
		return persistence.NewPostgresStore(db), tip, nil
	}
	return nil, persistence.Tip{}, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

// bootstrap initializes the protocol with the configured authority unless
// it already exists.
func bootstrap(ctx context.Context, proc *core.Processor, cfg config.Config, log zerolog.Logger) error {
	err := proc.Do(ctx, "", func(ctx context.Context, e *core.Engine) error {
		_, err := e.Initialize(ctx, cfg.AuthorityID(), cfg.CollateralAsset)
		return err
	})
	switch {
	case errors.Is(err, perrors.ErrAlreadyInitialized):
		log.Info().Msg("protocol already initialized")
		return nil
	case err != nil:
		return fmt.Errorf("bootstrap: %w", err)
	}
	log.Info().Str("authority", cfg.Authority).Str("collateral", cfg.CollateralAsset).Msg("protocol initialized")
	return nil
}

func serveMetrics(ctx context.Context, addr string, gatherer prometheus.Gatherer, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration, log zerolog.Logger, what string) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		log.Warn().Dur("timeout", d).Msgf("%s did not stop in time", what)
	}
}
