package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"CipherSettle/internal/batch"
	"CipherSettle/internal/chain"
	"CipherSettle/internal/config"
	"CipherSettle/internal/engine"
	"CipherSettle/internal/external"
	"CipherSettle/internal/ingestion"
	"CipherSettle/internal/intent"
	"CipherSettle/internal/ledger"
	"CipherSettle/internal/observability"
	"CipherSettle/internal/oracle"
	"CipherSettle/internal/persistence"
	"CipherSettle/internal/scheduler"
	"CipherSettle/internal/settle"
	"CipherSettle/internal/state"
	"CipherSettle/internal/validate"
)

// devDecrypter and devVerifier stand in for the HPKE and signature
// collaborators in development. Production deployments wire real
// implementations behind the same interfaces.
type devDecrypter struct{}

func (devDecrypter) Decrypt(_, ciphertext []byte) ([]byte, error) {
	return ciphertext, nil
}

type devVerifier struct{}

func (devVerifier) Verify(signature, _ []byte, _ intent.Address) bool {
	return len(signature) > 0
}

func main() {
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "FATAL:", err)
		os.Exit(1)
	}

	var log zerolog.Logger
	if cfg.LogFile != "" {
		log = observability.NewFileLogger("ciphersettle", cfg.LogFile)
	} else {
		log = observability.NewLogger("ciphersettle")
	}
	log.Info().Msg("CipherSettle starting")

	params, err := config.LoadParams(cfg.ParamsPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load market params")
	}

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

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping")
	}
	if err := persistence.EnsureSchema(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	log.Info().Msg("postgres connected")

	snapStore := persistence.NewSnapshotStore(db)

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	if err := ingestion.EnsureStream(ctx, js); err != nil {
		log.Fatal().Err(err).Msg("ensure intent stream")
	}
	log.Info().Msg("NATS connected")

	// --- Observability ---
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	// --- Oracle feed ---
	feed := oracle.NewFeed(time.Duration(params.Limits.StalenessWindowS)*time.Second, log)
	if err := feed.Subscribe(nc); err != nil {
		log.Fatal().Err(err).Msg("oracle subscribe")
	}
	defer feed.Stop()

	// --- Core state and pipeline ---
	led := ledger.New()
	store := state.NewPositionStore()
	trades := batch.NewAggregator[batch.TradeRecord]()
	closes := batch.NewAggregator[batch.CloseRecord]()
	validator := validate.New(params.Limits, feed, log)
	bridge := chain.NewBridge(nc, log)

	orch := settle.NewOrchestrator(led, store, params.Fees, feed, bridge, bridge,
		trades, closes, settle.Config{SubmitTimeout: cfg.SubmitTimeout}, log, metrics)

	eng := engine.New(devDecrypter{}, devVerifier{}, validator, params.Fees,
		led, store, trades, closes, orch, 1<<18, log, metrics)

	// --- Recovery ---
	snap, err := snapStore.LoadLatest(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load snapshot")
	}
	if snap != nil {
		if err := eng.RestoreSnapshot(snap); err != nil {
			log.Fatal().Err(err).Msg("snapshot restore")
		}
		if err := eng.VerifyIntegrity(); err != nil {
			log.Fatal().Err(err).Msg("integrity check after restore")
		}
	} else {
		log.Info().Msg("no snapshot found, cold start")
	}

	// --- Batch history writer ---
	historyChan := make(chan persistence.BatchRow, 256)
	historyWriter := persistence.NewHistoryWriter(db, historyChan, 32, 500*time.Millisecond, log, metrics)
	go historyWriter.Run(ctx)

	record := func(pipeline string, res *settle.BatchResult) {
		select {
		case historyChan <- persistence.BatchRow{
			BatchID:   res.BatchID,
			Pipeline:  pipeline,
			TxID:      res.TxID,
			OldRoot:   res.OldRoot,
			NewRoot:   res.NewRoot,
			Records:   res.Records,
			Dropped:   res.Dropped,
			Fees:      res.Fees,
			SettledAt: time.Now().UTC(),
		}:
		default:
			log.Warn().Uint64("batch_id", res.BatchID).Msg("history channel full, row dropped")
		}
	}

	// --- Settlement scheduler (cancel-and-rearm) ---
	settleSched := scheduler.NewInterval(cfg.SettleInterval, func(ctx context.Context) {
		runSettlement(ctx, eng, record, log)
	})
	go settleSched.Start(ctx)
	defer settleSched.Stop()

	// --- Ingestion; size threshold triggers an immediate settlement and
	// rearms the timer so the next tick does not fire right behind it.
	tradeSink := withThreshold(eng.TradeSink(), eng.PendingTrades, cfg.TradeBatchSize, func() {
		go func() {
			if _, err := eng.SettleTrades(context.Background()); err != nil && !errors.Is(err, settle.ErrHalted) {
				log.Warn().Err(err).Msg("threshold-triggered trade settlement failed")
			}
			settleSched.Rearm()
		}()
	})
	closeSink := withThreshold(eng.CloseSink(), eng.PendingCloses, cfg.CloseBatchSize, func() {
		go func() {
			if _, err := eng.SettleCloses(context.Background()); err != nil && !errors.Is(err, settle.ErrHalted) {
				log.Warn().Err(err).Msg("threshold-triggered close settlement failed")
			}
			settleSched.Rearm()
		}()
	})

	subscriber := ingestion.NewSubscriber(js, log)
	if err := subscriber.Start(ctx, tradeSink, closeSink); err != nil {
		log.Fatal().Err(err).Msg("start intent consumers")
	}

	// --- Snapshot scheduler ---
	snapSched := scheduler.NewInterval(cfg.SnapshotInterval, func(ctx context.Context) {
		takeSnapshot(ctx, eng, snapStore, metrics, log)
	})
	go snapSched.Start(ctx)
	defer snapSched.Stop()

	// --- Metrics and health servers ---
	go serveHTTP(ctx, cfg.MetricsAddr, "/metrics", promhttp.Handler(), log)
	go serveHTTP(ctx, cfg.HealthAddr, "/", health.Routes(), log)

	health.SetReady(true)
	log.Info().Str("metrics", cfg.MetricsAddr).Str("health", cfg.HealthAddr).
		Str("root", eng.Stats().Root).Msg("CipherSettle ready")

	// --- Wait for shutdown ---
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("shutting down")
	health.SetReady(false)
	cancel()
	subscriber.Stop()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()

	// Final settlement attempt drains pending intents, then a last snapshot.
	if _, err := eng.ForceSettlement(shutCtx); err != nil && !errors.Is(err, settle.ErrHalted) {
		log.Warn().Err(err).Msg("final settlement attempt failed")
	}
	takeSnapshot(shutCtx, eng, snapStore, metrics, log)
	close(historyChan)

	log.Info().Msg("CipherSettle shutdown complete")
}

// runSettlement drives both pipelines once. Committed batches go to the
// history writer; a halted orchestrator is logged once per tick.
func runSettlement(ctx context.Context, eng *engine.Engine, record func(string, *settle.BatchResult), log zerolog.Logger) {
	if res, err := eng.SettleTrades(ctx); err != nil {
		if errors.Is(err, settle.ErrHalted) {
			log.Error().Msg("settlements halted, manual intervention required")
			return
		}
		log.Warn().Err(err).Msg("trade settlement attempt failed")
	} else if res != nil && res.TxID != "" {
		record("trades", res)
	}

	if res, err := eng.SettleCloses(ctx); err != nil {
		if !errors.Is(err, settle.ErrHalted) {
			log.Warn().Err(err).Msg("close settlement attempt failed")
		}
	} else if res != nil && res.TxID != "" {
		record("closes", res)
	}
}

// withThreshold wraps an ingestion sink: after each accepted submission, if
// the queue reached the batch size, kick an immediate settlement.
func withThreshold(sink func(context.Context, []byte) error, depth func() int, threshold int, kick func()) ingestion.Sink {
	return func(ctx context.Context, data []byte) error {
		if err := sink(ctx, data); err != nil {
			return err
		}
		if threshold > 0 && depth() >= threshold {
			kick()
		}
		return nil
	}
}

func takeSnapshot(ctx context.Context, eng *engine.Engine, store *persistence.SnapshotStore, metrics *observability.Metrics, log zerolog.Logger) {
	start := time.Now()
	snap := eng.CreateSnapshot()
	if err := store.Save(ctx, snap); err != nil {
		metrics.SnapshotErrors.Inc()
		log.Error().Err(err).Msg("snapshot save failed")
		return
	}
	if err := store.Prune(ctx, 5); err != nil {
		log.Warn().Err(err).Msg("snapshot prune failed")
	}
	metrics.SnapshotTaken.Inc()
	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	log.Info().Int("positions", len(snap.Positions)).Str("root", snap.Root).
		Msg("snapshot persisted")
}

func serveHTTP(ctx context.Context, addr, path string, handler http.Handler, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle(path, handler)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Info().Str("addr", addr).Str("path", path).Msg("http server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Str("addr", addr).Msg("http server failed")
	}
}

var _ external.Decrypter = devDecrypter{}
var _ external.Verifier = devVerifier{}
