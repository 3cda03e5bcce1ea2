package main

import (
	"context"
	"net/http"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"questbot/handler"
	"questbot/internal/config"
	"questbot/internal/events"
	"questbot/internal/idempotency"
	"questbot/internal/images"
	"questbot/internal/integrations/paramstore"
	"questbot/internal/integrations/telegram"
	"questbot/internal/lock"
	"questbot/internal/logging"
	"questbot/internal/messagestate"
	"questbot/internal/store"
	"questbot/internal/synchronizer"
	"questbot/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
		boot.Fatal().Err(err).Msg("failed to load configuration")
	}
	log, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
		boot.Fatal().Err(err).Msg("failed to configure logging")
	}

	// ---- Coordination store ----
	redisClient, err := store.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	redisStore, err := store.NewRedisStore(redisClient, cfg.RedisNamespace)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create redis store")
	}

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load AWS config")
	}

	var kv store.KV = redisStore
	if cfg.StoreBackend == config.BackendDynamoDB {
		kv, err = store.NewDynamoStore(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create dynamodb store")
		}
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create SSM client")
	}
	botToken, err := paramstore.NewSecret(ssmClient, cfg.TelegramTokenParameter())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create bot token source")
	}
	bot, err := telegram.NewClient(botToken,
		telegram.WithBaseURL(cfg.TelegramBaseURL),
		telegram.WithParseMode(cfg.TelegramParseMode),
		telegram.WithHTTPClient(&http.Client{Timeout: cfg.TelegramTimeout}),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create telegram client")
	}

	catalog := images.Empty()
	if cfg.ImageCatalog != "" {
		catalog, err = images.Load(cfg.ImageCatalog)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load image catalog")
		}
	}

	sink, err := newPublisher(cfg, redisClient, redisStore, logging.Component(log, "events"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create event publisher")
	}
	publisher, err := events.NewAsync(sink, events.DefaultPublishTimeout, logging.Component(log, "events"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create async event publisher")
	}

	// ---- Coordination ----
	locker, err := lock.New(kv)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create locker")
	}
	coordinator, err := idempotency.NewCoordinator(kv, locker,
		idempotency.WithLockTTL(cfg.LockTTL),
		idempotency.WithLogger(logging.Component(log, "idempotency")),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create idempotency coordinator")
	}
	states, err := messagestate.New(kv, cfg.MessageStateTTL, cfg.CleanupDelay)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create message state store")
	}
	sync, err := synchronizer.New(states, bot, redisStore, catalog,
		synchronizer.WithCleanupDelay(cfg.CleanupDelay),
		synchronizer.WithPublisher(publisher),
		synchronizer.WithLogger(logging.Component(log, "synchronizer")),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create synchronizer")
	}

	// ---- Handler ----
	screens, err := usecase.NewScreenService(coordinator, sync,
		usecase.WithIdempotencyTTL(cfg.IdempotencyTTL),
		usecase.WithRetryTTL(cfg.RetryTTL),
		usecase.WithPublisher(publisher),
		usecase.WithLogger(logging.Component(log, "usecase")),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create screen service")
	}
	h, err := handler.NewHandler(screens, handler.WithLogger(logging.Component(log, "handler")))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create handler")
	}

	log.Info().
		Str("store_backend", cfg.StoreBackend).
		Str("events_sink", cfg.EventsSink).
		Int("images", catalog.Len()).
		Msg("questbot starting")

	lambda.StartWithOptions(h.Handle, lambda.WithEnableSIGTERM(func() {
		sync.Close()
		publisher.Close()
		if err := redisStore.Close(); err != nil {
			log.Warn().Err(err).Msg("close redis")
		}
		log.Info().Msg("questbot stopped")
	}))
}

func newPublisher(cfg *config.Config, client redis.UniversalClient, channels store.Channels, log zerolog.Logger) (events.Publisher, error) {
	switch cfg.EventsSink {
	case config.SinkStream:
		return events.NewStreamPublisher(client, cfg.EventsTopic, log)
	case config.SinkChannel:
		return events.NewChannelPublisher(channels, cfg.EventsTopic)
	default:
		return events.Nop{}, nil
	}
}
