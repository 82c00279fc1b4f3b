package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/pflag"

	"github.com/example/carpool/internal/config"
	"github.com/example/carpool/internal/driver"
	"github.com/example/carpool/internal/events"
	"github.com/example/carpool/internal/ingest"
	"github.com/example/carpool/internal/lock"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total availability messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	availabilityApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_availability_applied_total",
		Help: "Total availability updates applied",
	})
	applyErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_apply_errors_total",
		Help: "Total availability updates dropped after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, availabilityApplied, applyErrors)
}

func main() {
	var configPath, metricsAddr string
	pflag.StringVar(&configPath, "config", "", "path to a YAML config file (overrides CONFIG_PATH)")
	pflag.StringVar(&metricsAddr, "metrics-addr", "", "address to serve prometheus metrics on (overrides METRICS_ADDR)")
	pflag.Parse()

	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	logger := logging.NewLogger(cfg.LoggerOptions("carpool-consumer"))
	if len(cfg.KafkaBrokers) == 0 {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rc *redis.Client
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rc.Close()
	}
	store, storeCloser, err := storage.Open(ctx, cfg, rc)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer storeCloser.Close()

	var locks lock.Locker = lock.NewLocal()
	if cfg.LockBackend == config.LockRedis {
		locks = lock.NewRedisLocker(rc, cfg.RedisKeyPrefix+"lock:", cfg.LockTTL)
	}
	var publisher events.Publisher = events.Nop{}
	if cfg.KafkaEventsTopic != "" {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		defer kp.Close()
		publisher = kp
	}
	drivers := driver.NewDirectory(store,
		driver.WithLocker(locks),
		driver.WithPublisher(publisher),
		driver.WithLogger(logger.With("component", "drivers")),
	)

	go serveMetrics(cfg.MetricsAddr, store, logger)

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaAvailabilityTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.KafkaAvailabilityTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	consume(ctx, r, drivers, logger)
	logger.Info("shutting down consumer")
}

// serveMetrics exposes metrics, liveness and a store-backed readiness probe.
func serveMetrics(addr string, store storage.RecordStore, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if _, err := store.Get(r.Context(), storage.DriverAvailability); err != nil {
			http.Error(w, "store not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		logger.Warn("metrics server stopped", "error", err)
	}
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// consume reads until ctx is done. Read errors back off exponentially up to
// maxBackoff; a message that still fails after retries is counted and
// skipped.
func consume(ctx context.Context, r messageReader, setter AvailabilitySetter, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		u, err := ingest.Decode(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid availability message", "offset", m.Offset, "error", err)
			continue
		}
		if err := applyWithRetry(ctx, setter, u, 3, 200*time.Millisecond); err != nil {
			applyErrors.Inc()
			logger.Error("availability update failed", "driver_id", u.DriverID, "error", err)
			continue
		}
		availabilityApplied.Inc()
	}
}

// AvailabilitySetter is the part of driver.Directory the consumer drives.
type AvailabilitySetter interface {
	SetAvailability(ctx context.Context, driverID string, isOnline bool, lat, lon *float64) (models.DriverAvailability, error)
}

// applyWithRetry retries transient failures with doubling delay. Domain
// errors are returned at once since retrying cannot fix them.
func applyWithRetry(ctx context.Context, s AvailabilitySetter, u ingest.AvailabilityUpdate, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if _, err = s.SetAvailability(ctx, u.DriverID, u.IsOnline, u.Latitude, u.Longitude); err == nil {
			return nil
		}
		var de *models.Error
		if errors.As(err, &de) || i == attempts-1 {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
