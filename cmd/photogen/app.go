package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/errgroup"

	"github.com/digkill/PresetStudio/internal/admin"
	"github.com/digkill/PresetStudio/internal/api"
	"github.com/digkill/PresetStudio/internal/catalog"
	"github.com/digkill/PresetStudio/internal/config"
	"github.com/digkill/PresetStudio/internal/database"
	"github.com/digkill/PresetStudio/internal/kie"
	"github.com/digkill/PresetStudio/internal/orchestrator"
	"github.com/digkill/PresetStudio/internal/repository"
	"github.com/digkill/PresetStudio/internal/service"
	"github.com/digkill/PresetStudio/internal/storage"
	"github.com/digkill/PresetStudio/internal/telegram"
	"github.com/digkill/PresetStudio/pkg/logger"
)

type app struct {
	cfg   config.Config
	log   *slog.Logger
	db    *sql.DB
	redis *redis.Client

	sessions service.SessionStore
	records  *repository.GenerationRepository
	ledger   *service.LedgerService
	sweeper  *service.Sweeper
}

// bootstrap loads configuration, connects to MySQL (and Redis when it backs
// sessions) and applies the schema.
func bootstrap(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logr := logger.New(cfg.LogLevel)

	db, err := database.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("database connect: %w", err)
	}
	if err := database.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migrate: %w", err)
	}

	a := &app{cfg: cfg, log: logr, db: db}

	switch cfg.SessionBackend {
	case config.SessionBackendRedis:
		client, err := repository.NewRedisClient(cfg)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("redis connect: %w", err)
		}
		a.redis = client
		a.sessions = repository.NewRedisSessionRepository(client, cfg.RedisKeyPrefix, cfg.SessionRetention)
	default:
		a.sessions = repository.NewSessionRepository(db)
	}
	logr.Info("session store ready", "backend", cfg.SessionBackend)

	a.records = repository.NewGenerationRepository(db)
	a.ledger = service.NewLedgerService(repository.NewAccountRepository(db, cfg.StartingFreeCredits), logr)
	a.sweeper = service.NewSweeper(cfg, logr, a.sessions, a.records, a.ledger)
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	a.db.Close()
}

func runMigrate(ctx context.Context) error {
	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	a.log.Info("schema applied")
	return nil
}

func runSweep(ctx context.Context) error {
	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	report, err := a.sweeper.SweepOnce(ctx)
	if err != nil {
		return err
	}
	a.log.Info("sweep finished", "scanned", report.Scanned, "settled", report.Settled, "refunded", report.Refunded, "purged", report.Purged)
	return nil
}

func runServe(ctx context.Context, withSweeper bool) error {
	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, logr := a.cfg, a.log

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	objects, err := storage.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	provider := kie.NewClient(cfg, logr)

	images := repository.NewImageRepository(a.db)
	planService := service.NewPlanService(cfg, repository.NewPlanRepository(a.db))
	if err := planService.EnsureDefaultPlan(ctx); err != nil {
		return fmt.Errorf("ensure default plan: %w", err)
	}

	reservations := service.NewReservationService(cfg, logr, a.ledger, a.sessions, a.records, cat)
	variations := service.NewVariationService(cfg, logr, a.sessions, a.records, images, provider, objects, cat)
	gallery := service.NewImageService(logr, a.records, images, objects)
	promoService := service.NewPromoService(logr, repository.NewPromoRepository(a.db), a.ledger, cfg.PromoBonusCredits)
	paymentService := service.NewPaymentService(cfg, logr, repository.NewPaymentRepository(a.db), a.ledger, planService)
	batches := orchestrator.New(reservations, variations, logr)

	apiServer := api.NewServer(cfg.APIListenAddr, cfg.JWTSecret, cfg.ReserveRatePerMinute, cfg.ReserveBurst, logr, api.Deps{
		Reservations: reservations,
		Variations:   variations,
		Batches:      batches,
		Ledger:       a.ledger,
		Gallery:      gallery,
		Promos:       promoService,
		Catalog:      cat,
	})
	adminServer := admin.NewServer(cfg.AdminListenAddr, cfg.AdminUsername, cfg.AdminPassword, logr, planService, promoService, paymentService, a.ledger, a.sweeper)

	var bot *telegram.Bot
	if cfg.TelegramEnabled {
		botAPI, err := tgbotapi.NewBotAPI(cfg.BotToken)
		if err != nil {
			return fmt.Errorf("telegram bot: %w", err)
		}
		bot = telegram.NewBot(botAPI, logr, batches, a.ledger, promoService, paymentService, objects, cat)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(apiServer.Run(ctx)) })
	g.Go(func() error { return ignoreCanceled(adminServer.Run(ctx)) })
	if withSweeper {
		g.Go(func() error {
			a.sweeper.Run(ctx)
			return nil
		})
	}
	if bot != nil {
		g.Go(func() error { return ignoreCanceled(bot.Run(ctx)) })
	}

	err = g.Wait()
	succeeded, failed := batches.Stats()
	settled, refunded := a.sweeper.Totals()
	logr.Info("shutdown", "variations_succeeded", succeeded, "variations_failed", failed, "sessions_settled", settled, "sessions_refunded", refunded)
	return err
}

func ignoreCanceled(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
