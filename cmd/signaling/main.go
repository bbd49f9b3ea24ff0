package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mossy-p/telehealth-relay/config"
	"github.com/mossy-p/telehealth-relay/internal/broker"
	"github.com/mossy-p/telehealth-relay/internal/delivery"
	"github.com/mossy-p/telehealth-relay/internal/handlers"
	"github.com/mossy-p/telehealth-relay/internal/logging"
	"github.com/mossy-p/telehealth-relay/internal/redis"
	"github.com/mossy-p/telehealth-relay/internal/signaling"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg := config.Load()
	logging.Init(cfg.LogLevel)
	for _, w := range cfg.Warnings {
		slog.Warn("rejected config value", "detail", w)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis backs the room directory and presence counts. The relay itself
	// runs without it.
	var rdb *goredis.Client
	brokerOpts := []broker.Option{broker.WithBufferSize(cfg.Relay.SendBufferSize)}
	roomHandler := handlers.NewRoomHandler(nil)
	var roomLookup signaling.RoomLookup

	if client, err := redis.Connect(ctx, cfg.Redis); err != nil {
		slog.Warn("Redis unavailable, room directory disabled", "error", err)
	} else {
		rdb = client
		dir := redis.NewRoomDirectory(rdb, cfg.Relay.RoomTTL)
		roomHandler = handlers.NewRoomHandler(dir)
		roomLookup = dir
		brokerOpts = append(brokerOpts, broker.WithObserver(redis.NewPresence(rdb, cfg.Relay.RoomTTL)))
		slog.Info("Redis connection established")
	}

	db, err := delivery.Open(cfg.DatabasePath)
	if err != nil {
		slog.Error("failed to open delivery database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}

	b := broker.New(brokerOpts...)
	tracker := delivery.NewTracker(delivery.NewGormStore(db), b, delivery.Config{
		Tick:                 cfg.Delivery.Tick,
		DeliveredProbability: cfg.Delivery.DeliveredProbability,
		Jitter:               cfg.Delivery.Jitter,
	}, nil)
	relay := signaling.NewRelay(b, tracker, roomLookup)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.NewRouter(handlers.Deps{
		AllowedOrigins: cfg.AllowedOrigins,
		JWTSecret:      cfg.JWTSecret,
		Broker:         b,
		Signaling:      handlers.NewSignalingHandler(b, relay),
		Rooms:          roomHandler,
		Deliveries:     handlers.NewDeliveryHandler(tracker),
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Starting telehealth signaling server", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return tracker.Run(gctx) })
	g.Go(func() error { return reapIdleRooms(gctx, b, cfg.Relay.RoomIdleTimeout) })

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := g.Wait(); err != nil {
			slog.Error("server stopped", "error", err)
			os.Exit(1)
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"signaling": func(ctx context.Context) error {
				slog.Info("Graceful shutdown initiated...")
				err := srv.Shutdown(ctx)
				// hijacked sockets are not tracked by http.Server
				b.Close()
				cancel()
				select {
				case <-done:
				case <-ctx.Done():
					return ctx.Err()
				}
				if sqlDB, dbErr := db.DB(); dbErr == nil {
					err = errors.Join(err, sqlDB.Close())
				}
				if rdb != nil {
					err = errors.Join(err, rdb.Close())
				}
				return err
			},
		},
	)

	exitCode := <-wait
	slog.Info("Server exited", "code", exitCode)
	os.Exit(exitCode)
}

// reapIdleRooms periodically expires rooms with no recent activity.
func reapIdleRooms(ctx context.Context, b *broker.Broker, maxIdle time.Duration) error {
	interval := maxIdle / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := b.ReapIdle(maxIdle); n > 0 {
				slog.Info("expired idle rooms", "count", n)
			}
		}
	}
}
