package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"chatrelay/internal/ai"
	"chatrelay/internal/chat"
	"chatrelay/internal/config"
	"chatrelay/internal/db"
	"chatrelay/internal/httpapi"
	"chatrelay/internal/httpapi/handlers"
	"chatrelay/internal/logging"
	"chatrelay/internal/models"
	"chatrelay/internal/queue"
	"chatrelay/internal/relay"
)

func main() {
	logging.Setup()
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	if err := gdb.AutoMigrate(
		&models.User{},
		&chat.Chat{},
		&chat.Message{},
		&chat.AIModel{},
		&chat.Job{},
	); err != nil {
		log.Fatal().Err(err).Msg("auto migrate")
	}

	pub, sub := buildTransport(cfg)

	rly := relay.New(pub, sub,
		relay.WithIdleTimeout(cfg.RelayIdleTimeout),
		relay.WithLogger(log.Logger),
	)
	defer rly.Close()

	registry := ai.NewRegistry()
	registry.RegisterFamily("openai", ai.NewOpenAIProvider(cfg.OpenAIBaseURL))
	registry.RegisterFamily("gemini", ai.NewGeminiProvider(cfg.GeminiBaseURL))
	registry.RegisterFamily("ollama", ai.NewOllamaProvider(cfg.OllamaBaseURL))
	registry.LoadDefaultModels()

	svcOpts := []chat.ServiceOption{chat.WithLogger(log.Logger)}
	if cfg.AskDispatch == "queue" {
		qp, err := queue.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			log.Fatal().Err(err).Msg("connect rabbitmq")
		}
		defer qp.Close()
		svcOpts = append(svcOpts, chat.WithAskQueue(qp))
		log.Info().Str("queue", cfg.RabbitQueue).Msg("ask dispatch: queued")
	}
	svc := chat.NewService(chat.NewRepo(gdb), registry, rly, svcOpts...)

	h := handlers.NewHandler(gdb, cfg, svc, rly)
	router := httpapi.NewRouter(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", cfg.ServerAddr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
}

// buildTransport picks the relay's durable channel: Redis Streams when
// REDIS_ADDR is set, the in-process channel otherwise.
func buildTransport(cfg config.Config) (message.Publisher, message.Subscriber) {
	wmLogger := logging.NewWatermill(log.Logger)

	if cfg.RedisAddr == "" {
		log.Info().Msg("relay transport: in-memory")
		return relay.NewMemoryTransport(wmLogger)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pub, sub, err := relay.NewRedisTransport(client, wmLogger)
	if err != nil {
		log.Fatal().Err(err).Msg("relay transport: redis")
	}
	log.Info().Str("addr", cfg.RedisAddr).Msg("relay transport: redis streams")
	return pub, sub
}
