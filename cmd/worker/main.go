package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
	"github.com/suPer8Hu/chatgate/internal/billing"
	"github.com/suPer8Hu/chatgate/internal/config"
	"github.com/suPer8Hu/chatgate/internal/db"
	"github.com/suPer8Hu/chatgate/internal/entitlement"
	"github.com/suPer8Hu/chatgate/internal/logging"
	"github.com/suPer8Hu/chatgate/internal/store/rabbitmq"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	if cfg.RabbitURL == "" {
		log.Fatal().Msg("RABBIT_URL is required for the worker")
	}

	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect database")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	ledger := entitlement.NewLedger(gdb, entitlement.Defaults{FreeMessages: cfg.DefaultFreeMessages})
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
	svc := billing.NewService(gdb, ledger, payments, catalog, cfg.PaymentCurrency)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit dial")
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit channel")
	}
	defer ch.Close()

	// retries are published on a separate channel so acks and publishes do not interleave
	pubCh, err := conn.Channel()
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit publish channel")
	}
	retries, err := rabbitmq.NewPublisherOnChannel(nil, pubCh, cfg.RabbitQueue)
	if err != nil {
		log.Fatal().Err(err).Msg("declare queues")
	}
	defer retries.Close()

	// strict concurrency control
	concurrency := cfg.WorkerConcurrency
	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatal().Err(err).Msg("qos")
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("consume")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("queue", cfg.RabbitQueue).Int("concurrency", concurrency).Msg("worker started")

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				process(ctx, svc, retries, workerID, d)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Error().Msg("delivery channel closed")
				close(jobs)
				wg.Wait()
				return
			}
			jobs <- d
		}
	}
}

func process(ctx context.Context, svc confirmer, retries *rabbitmq.Publisher, workerID int, d amqp.Delivery) {
	m, err := rabbitmq.DecodePaymentMessage(d.Body)
	if err != nil {
		log.Warn().Err(err).Int("worker", workerID).Msg("bad message")
		_ = d.Nack(false, false)
		return
	}

	switch handlePayment(ctx, svc, m) {
	case verdictAck:
		if err := d.Ack(false); err != nil {
			log.Error().Err(err).Int("worker", workerID).Str("payment_id", m.PaymentID).Msg("ack failed")
		}
	case verdictRetry:
		next := rabbitmq.PaymentMessage{PaymentID: m.PaymentID, Attempt: m.Attempt + 1}
		if err := retries.PublishRetry(ctx, next, retryDelay(m.Attempt)); err != nil {
			log.Error().Err(err).Str("payment_id", m.PaymentID).Msg("schedule retry failed, requeueing")
			_ = d.Nack(false, true)
			time.Sleep(time.Second)
			return
		}
		_ = d.Ack(false)
	default:
		_ = d.Nack(false, false)
	}
}
