package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/carpool/internal/auction"
	"github.com/example/carpool/internal/booking"
	"github.com/example/carpool/internal/config"
	"github.com/example/carpool/internal/driver"
	"github.com/example/carpool/internal/events"
	httpapi "github.com/example/carpool/internal/http"
	"github.com/example/carpool/internal/ingest"
	"github.com/example/carpool/internal/lock"
	"github.com/example/carpool/internal/pool"
	"github.com/example/carpool/internal/storage"
)

// app holds the wired components and everything that needs closing.
type app struct {
	deps    httpapi.Deps
	closers []io.Closer
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	return errors.Join(errs...)
}

func build(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*app, error) {
	a := &app{}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	var rc *redis.Client
	if cfg.RedisAddr != "" && (cfg.StoreBackend == config.StoreRedis || cfg.LockBackend == config.LockRedis) {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		a.closers = append(a.closers, rc)
		if err := pingRedis(ctx, rc, 3); err != nil {
			a.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
	}

	store, storeCloser, err := storage.Open(ctx, cfg, rc)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, storeCloser)

	var locks lock.Locker = lock.NewLocal()
	if cfg.LockBackend == config.LockRedis {
		locks = lock.NewRedisLocker(rc, cfg.RedisKeyPrefix+"lock:", cfg.LockTTL)
	}

	var sinks events.Multi
	var producer httpapi.AvailabilityPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		ip := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaAvailabilityTopic)
		a.closers = append(a.closers, kp, ip)
		sinks, producer = append(sinks, kp), ip
		logger.Info("kafka enabled", "brokers", cfg.KafkaBrokers, "events_topic", cfg.KafkaEventsTopic)
	}
	if cfg.AMQPURL != "" {
		ap, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, ap)
		sinks = append(sinks, ap)
		logger.Info("amqp enabled", "exchange", cfg.AMQPExchange)
	}
	var publisher events.Publisher = events.Nop{}
	switch len(sinks) {
	case 0:
	case 1:
		publisher = sinks[0]
	default:
		publisher = sinks
	}

	drivers := driver.NewDirectory(store,
		driver.WithLocker(locks),
		driver.WithPublisher(publisher),
		driver.WithLogger(logger.With("component", "drivers")),
	)
	if cfg.DriverSeedPath != "" {
		profiles, err := driver.LoadSeedFile(cfg.DriverSeedPath)
		if err != nil {
			a.Close()
			return nil, err
		}
		if _, err := drivers.Seed(ctx, profiles); err != nil {
			a.Close()
			return nil, fmt.Errorf("seed drivers: %w", err)
		}
	}

	registry := booking.NewRegistry(store, drivers,
		booking.WithLocker(locks),
		booking.WithPublisher(publisher),
		booking.WithLogger(logger.With("component", "bookings")),
		booking.WithLocation(loc),
	)
	a.deps = httpapi.Deps{
		Store:    store,
		Bookings: registry,
		Auction: auction.NewAuction(store, registry, drivers,
			auction.WithLocker(locks),
			auction.WithPublisher(publisher),
			auction.WithLogger(logger.With("component", "auction")),
		),
		Pool: pool.NewPool(store, registry,
			pool.WithLocker(locks),
			pool.WithPublisher(publisher),
			pool.WithLogger(logger.With("component", "pool")),
			pool.WithCapacity(cfg.EnforceCapacity),
		),
		Drivers: drivers,
		Stats:   driver.NewStats(registry, drivers, time.Now, loc),
		Ingest:  producer,
	}
	return a, nil
}

// retryDelay is how long start-up waits between Redis probes.
const retryDelay = 2 * time.Second

func pingRedis(ctx context.Context, rc *redis.Client, attempts int) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = rc.Ping(ctx).Err(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
		}
	}
	return err
}
