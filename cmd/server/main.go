package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/richardliu001/wallet-ledger/internal/config"
	"github.com/richardliu001/wallet-ledger/internal/conversion"
	"github.com/richardliu001/wallet-ledger/internal/logger"
	"github.com/richardliu001/wallet-ledger/internal/model"
	"github.com/richardliu001/wallet-ledger/internal/notifier"
	"github.com/richardliu001/wallet-ledger/internal/repo"
	"github.com/richardliu001/wallet-ledger/internal/service"
	httptransport "github.com/richardliu001/wallet-ledger/internal/transport/http"
)

func configPath() string {
	if p := os.Getenv("WALLET_CONFIG"); p != "" {
		return p
	}
	return "internal/config/config.yaml"
}

func main() {
	// 1. load config
	cfg, err := config.Load(configPath())
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true, TranslateError: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. kafka writer
	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.Hash{},
	}
	defer kw.Close()

	// 6. repo
	repository := repo.NewRepository(gdb, rdb, kw, log, repo.WithCacheTTL(cfg.Wallet.BalanceCacheTTL))
	if err := repository.Migrate(); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 7. conversion rates
	table, err := rateTable(ctx, cfg, rdb, log)
	if err != nil {
		log.Fatalf("conversion rates: %v", err)
	}

	// 8. change notifier
	n, pub, err := changeNotifier(ctx, cfg, log)
	if err != nil {
		log.Fatalf("notifier: %v", err)
	}
	defer n.Close()

	// 9. service
	defaultCurrency, _ := model.ParseCurrency(cfg.Wallet.DefaultCurrency)
	svc := service.NewWalletService(repository, table, pub, log,
		service.WithRetry(cfg.Wallet.MaxAttempts, cfg.Wallet.RetryInterval),
		service.WithDefaultCurrency(defaultCurrency),
	)

	// 10. gin router
	router := httptransport.NewRouter(svc, n, cfg, log)

	// 11. serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Infof("wallet-server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
}

// rateTable seeds the table from the configured source and keeps it fresh.
// The static table from config is the fallback when the redis feed is empty at boot.
func rateTable(ctx context.Context, cfg *config.Config, rdb *redis.Client, log *zap.SugaredLogger) (*conversion.Table, error) {
	quotes, err := cfg.Rates.Quotes()
	if err != nil {
		return nil, err
	}
	static := conversion.NewStaticSource(quotes)
	var source conversion.Source = static
	if cfg.Rates.Source == config.RateSourceRedis {
		source = conversion.NewRedisSource(rdb, "")
	}

	snap, err := source.Fetch(ctx)
	if err != nil {
		log.Warnf("initial rates from %s: %v, using static table", cfg.Rates.Source, err)
		if snap, err = static.Fetch(ctx); err != nil {
			return nil, err
		}
	}
	table := conversion.NewTable(snap)
	if cfg.Rates.Source == config.RateSourceRedis {
		go conversion.NewRefresher(table, source, cfg.Rates.RefreshInterval, log).Run(ctx)
	}
	return table, nil
}

// changeNotifier builds the notifier and decides who feeds it: the service
// directly, or the outbox topic when several instances share subscribers.
func changeNotifier(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (*notifier.Notifier, service.Publisher, error) {
	journal, err := notifier.NewWALJournal(cfg.Notifier.JournalDir)
	if err != nil {
		return nil, nil, err
	}
	n := notifier.New(cfg.Notifier.Buffer, journal, log)
	if cfg.Notifier.Source != config.NotifierSourceKafka {
		return n, n, nil
	}
	feed := notifier.NewKafkaFeed(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID, n, log)
	go func() {
		if err := feed.Run(ctx); err != nil {
			log.Errorf("change feed: %v", err)
		}
	}()
	return n, notifier.Discard, nil
}
