package main

import (
	"context"
	"encoding/json"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ThreeDotsLabs/watermill/message"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"chatrelay/internal/ai"
	"chatrelay/internal/chat"
	"chatrelay/internal/config"
	"chatrelay/internal/db"
	"chatrelay/internal/logging"
	"chatrelay/internal/queue"
	"chatrelay/internal/relay"
)

const workerCount = 4

func main() {
	logging.Setup()
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)

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

	svc := chat.NewService(chat.NewRepo(gdb), registry, rly, chat.WithLogger(log.Logger))

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatal().Err(err).Msg("connect rabbitmq")
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatal().Err(err).Msg("open channel")
	}
	defer ch.Close()

	if err := queue.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		log.Fatal().Err(err).Msg("declare topology")
	}
	if err := ch.Qos(workerCount, 0, false); err != nil {
		log.Fatal().Err(err).Msg("set qos")
	}

	deliveries, err := ch.Consume(
		cfg.RabbitQueue,
		"",    // consumer tag
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("consume")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("queue", cfg.RabbitQueue).Int("workers", workerCount).Msg("worker consuming")

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					handleDelivery(ctx, svc, d)
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
	_ = ch.Close()
	wg.Wait()
}

// handleDelivery processes one ask job. Failures are rejected without
// requeue, which routes the delivery to the DLQ via the queue's
// dead-letter arguments.
func handleDelivery(ctx context.Context, svc *chat.Service, d amqp.Delivery) {
	var msg queue.AskJobMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		log.Error().Err(err).Msg("bad job payload")
		_ = d.Nack(false, false)
		return
	}

	if err := svc.ProcessJob(ctx, msg.JobID); err != nil {
		log.Error().Err(err).Str("job_id", msg.JobID).Msg("process job")
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

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
