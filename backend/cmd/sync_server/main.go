package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"studioSync/backend/internal/booking"
	"studioSync/backend/internal/broker"
	"studioSync/backend/internal/cache"
	"studioSync/backend/internal/config"
	"studioSync/backend/internal/httpapi/handlers"
	"studioSync/backend/internal/httpapi/middleware"
	"studioSync/backend/internal/store"
	"studioSync/backend/internal/ws"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("sync server: %v", err)
	}
}

// run owns every resource; the deferred closes run on every return.
func run() error {
	cfg, err := config.Load(config.New())
	if err != nil {
		return fmt.Errorf("init config: %w", err)
	}
	log.Printf("config: port=%d redis=%v kafka=%v", cfg.Running.Port, cfg.Redis.Addrs, cfg.Kafka.Brokers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Without Redis the server runs single-instance: presence is answered from the
	// local hub and events are dispatched in-process.
	var (
		rdb      redis.UniversalClient
		presence cache.PresenceCache
	)
	if len(cfg.Redis.Addrs) > 0 {
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		defer rdb.Close()
		presence = cache.NewRedisPresence(rdb)
	}

	hub := ws.NewHub(presence)

	var pub broker.Publisher
	if rdb != nil {
		rb := broker.NewRedis(rdb, cfg.Redis.Channel)
		sub, err := rb.Subscribe(ctx, hub)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", cfg.Redis.Channel, err)
		}
		defer sub.Close()
		pub = rb
	} else {
		pub = broker.NewLocal(hub)
	}

	db, err := gorm.Open(mysql.Open(cfg.Mysql.DSN), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("open mysql: %w", err)
	}
	assignments := store.NewAssignmentStore(db)
	if cfg.Mysql.Migrate {
		if err := assignments.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	var audit booking.Auditor
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// required by SyncProducer
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()

		dispatcher := booking.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			booking.NewSemaphoreControl(cfg.Kafka.Workers),
			booking.KafkaDispatcherOptions{
				QueueSize:   cfg.Kafka.QueueSize,
				Workers:     cfg.Kafka.Workers,
				MaxRetry:    cfg.Kafka.MaxRetry,
				BaseBackoff: cfg.Kafka.BaseBackoff,
				MaxBackoff:  cfg.Kafka.MaxBackoff,
			},
		)
		defer dispatcher.Close()
		audit = dispatcher
	}

	svc := booking.NewService(assignments, pub, audit, booking.NewSemaphoreControl(cfg.Sync.CommitConcurrency), booking.Options{})
	manager := ws.NewManager(hub, cfg.Running.AllowedOrigins)

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	if len(cfg.Running.AllowedOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.Running.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.GET("/healthz", handlers.Healthz)

	bookingGroup := r.Group("/booking")
	bookingGroup.Use(middleware.Session(cfg.Session.Cookie))
	// accepts unauthenticated connections; subscribe is gated by the hub
	bookingGroup.GET("/ws", manager.WebSocketConnect)

	api := bookingGroup.Group("", middleware.RequireSession())
	handlers.NewBookingHandler(svc, hub).Register(api)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Running.Port),
		Handler: r,
	}
	return serve(ctx, srv, func() {
		log.Printf("shutting down, %d live subscribers", hub.Len())
		hub.Each(func(s *ws.Subscriber) { s.Close() })
	})
}

// serve runs srv until ctx ends or it fails to listen. beforeShutdown runs ahead of the
// graceful shutdown.
func serve(ctx context.Context, srv *http.Server, beforeShutdown func()) error {
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	log.Printf("sync server listening on %s", srv.Addr)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("listen: %w", err)
	}
	if beforeShutdown != nil {
		beforeShutdown()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
