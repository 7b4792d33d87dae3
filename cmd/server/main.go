package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/suPer8Hu/chatgate/internal/ai"
	"github.com/suPer8Hu/chatgate/internal/billing"
	"github.com/suPer8Hu/chatgate/internal/chat"
	"github.com/suPer8Hu/chatgate/internal/config"
	"github.com/suPer8Hu/chatgate/internal/conversation"
	"github.com/suPer8Hu/chatgate/internal/db"
	"github.com/suPer8Hu/chatgate/internal/entitlement"
	"github.com/suPer8Hu/chatgate/internal/httpapi"
	"github.com/suPer8Hu/chatgate/internal/httpapi/handlers"
	"github.com/suPer8Hu/chatgate/internal/logging"
	"github.com/suPer8Hu/chatgate/internal/store/rabbitmq"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	gin.SetMode(gin.ReleaseMode)

	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect database")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	// Provider registry; AI_PROVIDER picks the one used for chat and summaries
	reg := newRegistry(cfg)
	provider, err := reg.Get(context.Background(), cfg.AIProvider, "")
	if err != nil {
		log.Fatal().Err(err).Str("provider", cfg.AIProvider).Strs("known", reg.Names()).Msg("select ai provider")
	}

	var store conversation.Store = conversation.NewMemoryStore()
	if cfg.ConversationStore == "redis" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis ping")
		}
		store = conversation.NewRedisStore(rdb, cfg.MaxConversationAge())
	}
	convs := conversation.NewManager(
		store,
		conversation.NewCompactor(provider, cfg.MaxHistorySize),
		cfg.AssistantPrompt,
		cfg.MaxConversationAge(),
	)

	ledger := entitlement.NewLedger(gdb, entitlement.Defaults{FreeMessages: cfg.DefaultFreeMessages})
	chatSvc := chat.NewService(ledger, convs, provider, chat.Options{
		Params: ai.Params{
			Temperature:      cfg.Temperature,
			MaxTokens:        cfg.MaxTokens,
			N:                cfg.NChoices,
			PresencePenalty:  cfg.PresencePenalty,
			FrequencyPenalty: cfg.FrequencyPenalty,
		},
		ShowUsage: cfg.ShowUsage,
	})

	catalog := billing.DefaultCatalog()
	if cfg.PlansFile != "" {
		if catalog, err = billing.LoadPlans(cfg.PlansFile); err != nil {
			log.Fatal().Err(err).Str("file", cfg.PlansFile).Msg("load plans")
		}
	}
	payments := billing.NewYooKassaClient(billing.YooKassaConfig{
		ShopID:    cfg.YooKassaShopID,
		SecretKey: cfg.YooKassaSecretKey,
		BaseURL:   cfg.YooKassaBaseURL,
		ReturnURL: cfg.PaymentReturnURL,
		Currency:  cfg.PaymentCurrency,
	})
	billingSvc := billing.NewService(gdb, ledger, payments, catalog, cfg.PaymentCurrency)

	var queue handlers.PaymentQueue
	if cfg.RabbitURL != "" {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			log.Fatal().Err(err).Msg("rabbit publisher")
		}
		defer pub.Close()
		queue = pub
	}

	h := handlers.NewHandler(chatSvc, ledger, billingSvc, queue, cfg.JWTSecret)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(h, cfg.JWTSecret, cfg.AdminKeyHash),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	decay := entitlement.NewDecayTask(ledger, cfg.DecayInterval)
	decay.Start(ctx)
	defer decay.Stop()

	// the memory store has no TTLs of its own
	if sweeper, ok := store.(conversation.Sweeper); ok {
		cleanup := conversation.NewCleanupTask(sweeper, cfg.MaxConversationAge(), conversation.DefaultCleanupInterval)
		cleanup.Start(ctx)
		defer cleanup.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Str("provider", cfg.AIProvider).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
	}
}

func newRegistry(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()
	reg.Register("openai", func(ctx context.Context, model string) (ai.Provider, error) {
		if strings.TrimSpace(model) == "" {
			model = cfg.OpenAIModel
		}
		return ai.NewOpenAIProvider(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, model), nil
	})
	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		if strings.TrimSpace(model) == "" {
			model = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, model), nil
	})
	reg.Register("openrouter", func(ctx context.Context, model string) (ai.Provider, error) {
		if strings.TrimSpace(model) == "" {
			model = cfg.OpenRouterModel
		}
		return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, model, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})
	return reg
}
