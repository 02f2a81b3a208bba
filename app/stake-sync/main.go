package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardanlabs/conf"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stakeledger/stake-sync/business/domain/aggregate"
	"github.com/stakeledger/stake-sync/business/domain/snapshot"
	"github.com/stakeledger/stake-sync/business/domain/syncer"
	"github.com/stakeledger/stake-sync/entities"
	"github.com/stakeledger/stake-sync/external/api"
	"github.com/stakeledger/stake-sync/external/graphql"
	"github.com/stakeledger/stake-sync/external/kafka"
	"github.com/stakeledger/stake-sync/infrastructure/metrics"
	"github.com/stakeledger/stake-sync/infrastructure/store/pebbledb"
	"github.com/stakeledger/stake-sync/infrastructure/store/postgres"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const envPrefix = "STAKE_SYNC"

const shutdownTimeout = 15 * time.Second

type ledgerStore interface {
	syncer.Store
	aggregate.Store
	api.Ledger
	Close() error
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("main: exited with error: %s", err.Error())
	}
}

func run() error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "loading .env file")
	}

	var cfg struct {
		Store struct {
			Driver       string `conf:"default:pebble"`
			PebbleFolder string `conf:"default:store"`
			PostgresURL  string `conf:"optional,noprint"`
		}
		Sync struct {
			Enabled         bool          `conf:"default:true"`
			Interval        time.Duration `conf:"default:1m"`
			PageSize        int           `conf:"default:1000"`
			StaleRunTimeout time.Duration `conf:"default:30m"`
		}
		Source struct {
			EthereumURL   string        `conf:"optional"`
			PulsechainURL string        `conf:"optional"`
			Timeout       time.Duration `conf:"default:20s"`
			RetryCount    int           `conf:"default:3"`
			RetryWait     time.Duration `conf:"default:500ms"`
			RetryMaxWait  time.Duration `conf:"default:5s"`
		}
		Server struct {
			HttpHost        string `conf:"default:0.0.0.0:8000"`
			MetricsHttpHost string `conf:"default:0.0.0.0:9999"`
		}
		Query struct {
			MaxTopStakes int `conf:"default:1000"`
		}
		Kafka struct {
			BootstrapServers []string `conf:"optional"`
			Topic            string   `conf:"default:stake-sync-events"`
		}
		Metrics struct {
			Namespace string `conf:"default:stake_sync"`
		}
		Log struct {
			Level string `conf:"default:info"`
		}
	}

	if err := conf.Parse(os.Args[1:], envPrefix, &cfg); err != nil {
		switch {
		case errors.Is(err, conf.ErrHelpWanted):
			usage, err := conf.Usage(envPrefix, &cfg)
			if err != nil {
				return errors.Wrap(err, "generating config usage")
			}
			fmt.Println(usage)
			return nil
		case errors.Is(err, conf.ErrVersionWanted):
			version, err := conf.VersionString(envPrefix, &cfg)
			if err != nil {
				return errors.Wrap(err, "generating config version")
			}
			fmt.Println(version)
			return nil
		}
		return errors.Wrap(err, "parsing config")
	}

	out, err := conf.String(&cfg)
	if err != nil {
		return errors.Wrap(err, "generating config for output")
	}
	log.Printf("main: Config :\n%v\n", out)

	if cfg.Sync.Enabled && cfg.Sync.Interval <= 0 {
		return errors.Errorf("sync interval must be positive, got [%s]", cfg.Sync.Interval)
	}

	level, err := zap.ParseAtomicLevel(cfg.Log.Level)
	if err != nil {
		return errors.Wrap(err, "parsing log level")
	}
	config := zap.NewProductionConfig()
	// this is just for sugar, to display a readable date instead of an epoch time
	config.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.DateTime)
	config.Level = level
	logger, err := config.Build()
	if err != nil {
		return errors.Wrap(err, "creating logger")
	}
	defer logger.Sync()
	sLogger := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Store.Driver, cfg.Store.PebbleFolder, cfg.Store.PostgresURL, sLogger)
	if err != nil {
		return errors.Wrap(err, "opening ledger store")
	}
	defer store.Close()

	m := metrics.NewMetrics(cfg.Metrics.Namespace, prometheus.DefaultRegisterer)
	aggregator := aggregate.NewAggregator(store, snapshot.NewCache(), m, cfg.Query.MaxTopStakes, sLogger)

	// a nil interface disables the change feed
	var publisher syncer.Publisher
	if len(cfg.Kafka.BootstrapServers) > 0 {
		km := kprom.NewMetrics(cfg.Metrics.Namespace,
			kprom.Registerer(prometheus.DefaultRegisterer),
			kprom.Gatherer(prometheus.DefaultGatherer))
		kcl, err := kgo.NewClient(
			kgo.WithHooks(km),
			kgo.SeedBrokers(cfg.Kafka.BootstrapServers...),
			kgo.DefaultProduceTopic(cfg.Kafka.Topic),
			kgo.ProducerBatchCompression(kgo.ZstdCompression()),
		)
		if err != nil {
			return errors.Wrap(err, "creating kafka client")
		}
		defer kcl.Close()
		publisher = kafka.NewClient(kcl, sLogger)
	} else {
		sLogger.Warn("No kafka brokers configured. Change feed disabled.")
	}

	sourceURLs := map[entities.Network]string{
		entities.Ethereum:   cfg.Source.EthereumURL,
		entities.PulseChain: cfg.Source.PulsechainURL,
	}
	var orchestrators []*syncer.Orchestrator
	triggers := make(map[entities.Network]api.SyncTrigger)
	for _, network := range entities.Networks {
		url := sourceURLs[network]
		if url == "" {
			sLogger.Warnw("No source configured. Network is not synced.", "network", network.String())
			continue
		}
		source := graphql.NewClient(network, graphql.Config{
			URL:          url,
			Timeout:      cfg.Source.Timeout,
			RetryCount:   cfg.Source.RetryCount,
			RetryWait:    cfg.Source.RetryWait,
			RetryMaxWait: cfg.Source.RetryMaxWait,
		}, sLogger)
		orchestrator := syncer.NewOrchestrator(network, source, store, publisher, aggregator, m, syncer.Config{
			PageSize:        graphql.ClampPageSize(cfg.Sync.PageSize),
			StaleRunTimeout: cfg.Sync.StaleRunTimeout,
			FetchTimeout:    cfg.Source.Timeout,
		}, sLogger)
		orchestrators = append(orchestrators, orchestrator)
		triggers[network] = orchestrator
	}

	// serve the last known state right away, even if the store fails later on
	for _, network := range entities.Networks {
		if err := aggregator.Refresh(ctx, network); err != nil {
			sLogger.Warnw("Initial snapshot failed", "network", network.String(), "error", err)
		}
	}

	schedulerDone := make(chan error, 1)
	if cfg.Sync.Enabled && len(orchestrators) > 0 {
		runners := make([]syncer.Runner, 0, len(orchestrators))
		for _, o := range orchestrators {
			runners = append(runners, o)
		}
		go func() {
			schedulerDone <- syncer.Schedule(ctx, cfg.Sync.Interval, runners, sLogger)
		}()
	} else {
		sLogger.Warn("Scheduled sync disabled.")
		schedulerDone <- nil
	}

	handler := api.NewHandler(ctx, aggregator, store, triggers, sLogger)
	server := &http.Server{
		Addr:              cfg.Server.HttpHost,
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverError := make(chan error, 1)
	go func() {
		sLogger.Infow("Starting api server", "addr", cfg.Server.HttpHost)
		serverError <- server.ListenAndServe()
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              cfg.Server.MetricsHttpHost,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsServerError := make(chan error, 1)
	go func() {
		sLogger.Infow("Starting metrics server", "addr", cfg.Server.MetricsHttpHost)
		metricsServerError <- metricsServer.ListenAndServe()
	}()

	sLogger.Info("Service started.")

	var runErr error
	select {
	case <-ctx.Done():
		sLogger.Info("Received shutdown signal, shutting down...")
	case err := <-serverError:
		runErr = errors.Wrap(err, "api server")
	case err := <-metricsServerError:
		runErr = errors.Wrap(err, "metrics server")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		sLogger.Warnw("Shutting down api server", "error", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		sLogger.Warnw("Shutting down metrics server", "error", err)
	}
	if err := <-schedulerDone; err != nil {
		sLogger.Warnw("Stopping scheduler", "error", err)
	}
	for _, o := range orchestrators {
		o.Wait()
	}
	return runErr
}

func openStore(ctx context.Context, driver, pebbleFolder, postgresURL string, logger *zap.SugaredLogger) (ledgerStore, error) {
	switch driver {
	case "pebble":
		store, err := pebbledb.NewLedgerStore(pebbleFolder, logger)
		if err != nil {
			return nil, errors.Wrap(err, "creating pebble store")
		}
		return store, nil
	case "postgres":
		if postgresURL == "" {
			return nil, errors.New("postgres url required for driver postgres")
		}
		store, err := postgres.NewLedgerStore(ctx, postgresURL, logger)
		if err != nil {
			return nil, errors.Wrap(err, "creating postgres store")
		}
		if err = store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, errors.Wrap(err, "migrating postgres schema")
		}
		return store, nil
	default:
		return nil, errors.Errorf("unknown store driver [%s]", driver)
	}
}
