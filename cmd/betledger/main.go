package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"betledger/internal/account"
	"betledger/internal/agents"
	"betledger/internal/bet"
	"betledger/internal/commission"
	"betledger/internal/config"
	"betledger/internal/ingestion"
	"betledger/internal/ledger"
	"betledger/internal/market"
	"betledger/internal/observability"
	"betledger/internal/persistence"
	"betledger/internal/publish"
	"betledger/internal/risk"
	"betledger/internal/server"
	"betledger/internal/settlement"
	"betledger/internal/wallet"
)

func main() {
	log := observability.NewLogger("betledger")
	log.Info().Msg("betledger starting")

	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping")
	}
	log.Info().Msg("postgres connected")

	migrator := persistence.NewMigrator(db, envOrDefault("BET_MIGRATIONS_DIR", "migrations"), log)
	if err := migrator.Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("redis ping")
	}
	log.Info().Msg("redis connected")

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Persistence pipeline ---
	persistChan := make(chan persistence.Record, cfg.PersistChanSize)
	recorder := persistence.NewRecorder(persistChan, metrics)
	persistWorker := persistence.NewWorker(db, persistChan,
		cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics,
		observability.NewLogger("persistence"))

	errChan := make(chan error, 4)

	// The worker owns the drain: it exits when persistChan closes, after
	// every producer has stopped, flushing whatever remains. Its context is
	// deliberately not the shutdown context, so a cancel cannot race the
	// final batch.
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := persistWorker.Run(context.Background()); err != nil {
			errChan <- fmt.Errorf("persist worker: %w", err)
		}
	}()

	// --- Domain state ---
	rules := config.NewProvider(cfg.Rules)
	accounts := account.NewStore()
	directory := agents.NewIndex()
	txs := ledger.New(observability.NewLogger("ledger"), recorder)
	bets := bet.NewLedger(accounts, risk.NewValidator(rules,
		market.NewRedisSource(rdb, observability.NewLogger("market"))),
		txs, rules, cfg.LockTimeout, recorder,
		observability.NewLogger("bets"))

	// --- Restore from Postgres ---
	// Recovery runs before the account sink is installed so restored
	// accounts are not re-recorded.
	loader := persistence.NewLoader(db, log)
	if err := loader.Load(ctx, accounts, directory, txs, bets); err != nil {
		log.Fatal().Err(err).Msg("state restore")
	}
	accounts.SetSink(recorder)

	cascade := commission.NewCascade(directory, accounts, txs,
		cfg.Rules.MaxCascadeDepth, cfg.LockTimeout, recorder,
		observability.NewLogger("commission"))

	// A crash between a bet's settlement and its cascade leaves settled
	// bets without commission rows; pay them now, before traffic.
	if _, err := loader.ReplayCommissions(ctx, cascade); err != nil {
		log.Fatal().Err(err).Msg("commission replay")
	}

	dedup := settlement.NewDedup(cfg.SettledLRUCapacity,
		persistence.NewPostgresSettledChecker(db))
	engine := settlement.NewEngine(bets, accounts, txs, cascade, dedup,
		cfg.LockTimeout, recorder, metrics,
		observability.NewLogger("settlement"))

	walletSvc := wallet.NewService(accounts, txs, cfg.LockTimeout,
		observability.NewLogger("wallet"))

	publisher := publish.NewRedisPublisher(rdb, cfg.UpdatesChannel, metrics,
		observability.NewLogger("publish"))

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	log.Info().Msg("nats connected")

	if err := ingestion.EnsureStreams(ctx, js, log); err != nil {
		log.Fatal().Err(err).Msg("ensure nats streams")
	}

	rawEventChan := make(chan ingestion.RawEvent, 4096)
	natsSubscriber := ingestion.NewNATSSubscriber(js, rawEventChan,
		observability.NewLogger("ingestion"))
	if err := natsSubscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		log.Fatal().Err(err).Msg("nats subscribe")
	}

	runner := ingestion.NewRunner(rawEventChan, engine, publisher, metrics,
		observability.NewLogger("ingestion"))

	// --- HTTP API ---
	api := server.New(accounts, directory, bets, walletSvc, txs, cascade,
		rules, publisher, healthChecker, metrics,
		observability.NewLogger("server"))
	apiServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// --- Goroutines ---
	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		if err := runner.Run(ctx); err != nil {
			errChan <- fmt.Errorf("result runner: %w", err)
		}
	}()

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("api server listening")
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("api server: %w", err)
		}
	}()

	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: metricsMux,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	// Periodic channel utilization sampling.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.SetChannelMetrics("persist", len(persistChan), cap(persistChan))
				metrics.SetChannelMetrics("raw_events", len(rawEventChan), cap(rawEventChan))
			}
		}
	}()

	healthChecker.SetReady(true)
	log.Info().
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("betledger ready")

	// --- Wait for shutdown ---
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	healthChecker.SetReady(false)

	// Stop every producer before the persist channel closes: no new broker
	// deliveries, no in-flight HTTP mutations, no running settlement.
	natsSubscriber.Stop()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := apiServer.Shutdown(shutCtx); err != nil {
		log.Warn().Err(err).Msg("api server shutdown")
	}

	cancel()
	<-runnerDone

	close(persistChan)
	<-workerDone

	log.Info().Msg("betledger shutdown complete")
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
