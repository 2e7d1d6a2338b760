package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"dmsync/config"
	"dmsync/internal/events"
	"dmsync/internal/handler"
	"dmsync/internal/redis"
	"dmsync/internal/repository"
	"dmsync/internal/repository/bolt"
	"dmsync/internal/repository/memory"
	"dmsync/internal/server"
	"dmsync/internal/services"
	"dmsync/pkg/database"
	"dmsync/pkg/logger"

	"golang.org/x/sync/errgroup"
)

type stores struct {
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
	health        func(ctx context.Context) error
	close         func()
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	switch cfg.Storage {
	case config.StorageProvider:
		pool, err := database.Connect(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := repository.InitSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
		return &stores{
			conversations: repository.NewConversationRepository(pool),
			messages:      repository.NewMessageRepository(pool),
			health:        func(ctx context.Context) error { return database.HealthCheck(ctx, pool) },
			close:         pool.Close,
		}, nil
	case config.StorageBolt:
		store, err := bolt.Open(cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		return &stores{
			conversations: store,
			messages:      store,
			close:         func() { _ = store.Close() },
		}, nil
	case config.StorageMemory:
		store := memory.NewStore()
		return &stores{conversations: store, messages: store, close: func() {}}, nil
	default:
		return nil, fmt.Errorf("unknown STORAGE %q", cfg.Storage)
	}
}

func run(ctx context.Context) error {
	cfg := config.LoadConfig()

	l := logger.New(cfg.AppMode)
	logger.SetGlobalLogger(l)
	defer l.Sync()

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()
	l.Infof("storage: %s", cfg.Storage)

	messageService := services.NewMessageService(st.conversations, st.messages, cfg.MaxContentLength)
	authService := services.NewAuthService(cfg.JWTSecret)

	hub := server.NewHub()
	relay := server.NewRelay(messageService, hub)

	var (
		bus     *events.RedisBus
		limiter *redis.RateLimiter
	)
	if cfg.RedisEnabled() {
		client, err := redis.Connect(ctx, redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return err
		}
		defer client.Close()

		limits := redis.DefaultRateLimitConfig()
		if cfg.MessageRateLimit > 0 {
			limits.MessageLimit = cfg.MessageRateLimit
		}
		limiter = redis.NewRateLimiter(client, limits)
		relay.WithSendLimiter(limiter)

		if cfg.DeliveryMode == config.DeliveryRedis {
			bus = events.NewRedisBus(client)
			hub.SetPublisher(bus)
			hub.SetPresence(redis.NewPresence(client, redis.DefaultPresenceTTL))
		}
	} else if cfg.DeliveryMode == config.DeliveryRedis {
		return errors.New("DELIVERY_MODE=redis requires REDIS_HOST")
	}
	l.Infof("delivery: %s", cfg.DeliveryMode)

	srv := server.New(cfg, l)
	srv.SetupRoutes(&server.Handlers{
		Messages:  handler.NewMessageHandler(messageService),
		WebSocket: server.NewWebSocketHandler(hub, relay),
	}, authService, server.RouteOptions{
		RateLimiter: limiter,
		Health:      st.health,
	})

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gCtx)
		return nil
	})

	if bus != nil {
		g.Go(func() error {
			err := bus.Subscribe(gCtx, func(userID string, payload []byte) {
				hub.DeliverLocal(userID, payload)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		return srv.Run(gCtx)
	})

	return g.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("dmsync: %v", err)
	}
}
