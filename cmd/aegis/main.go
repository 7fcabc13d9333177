package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/iamwavecut/aegis/internal/adapters"
	"github.com/iamwavecut/aegis/internal/adapters/llm/gemini"
	"github.com/iamwavecut/aegis/internal/adapters/llm/openai"
	"github.com/iamwavecut/aegis/internal/antispam"
	"github.com/iamwavecut/aegis/internal/bot"
	"github.com/iamwavecut/aegis/internal/config"
	"github.com/iamwavecut/aegis/internal/db"
	"github.com/iamwavecut/aegis/internal/db/sqlite"
	"github.com/iamwavecut/aegis/internal/handlers"
	"github.com/iamwavecut/aegis/internal/infra"
	"github.com/iamwavecut/aegis/internal/infrastructure/telegram"
	"github.com/iamwavecut/aegis/internal/moderation"
	"github.com/iamwavecut/aegis/internal/observability"
	"github.com/iamwavecut/aegis/internal/rates"
	"github.com/iamwavecut/aegis/internal/state"
	"github.com/iamwavecut/aegis/internal/trust"
)

func main() {
	log.SetFormatter(&config.AgFormatter{})
	log.SetOutput(os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatalln("cant load config")
	}
	log.SetLevel(log.Level(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := observability.Init(ctx, cfg.MetricsAddr); err != nil {
		log.WithError(err).Fatalln("cant initialize observability")
	}

	tgbot, err := api.NewBotAPI(cfg.TelegramAPIToken)
	if err != nil {
		log.WithError(err).Fatalln("cant initialize bot api")
	}
	tgbot.Debug = false

	dbClient := sqlite.NewSQLiteClient("aegis.db")
	defer func() {
		if err := dbClient.Close(); err != nil {
			log.WithError(err).Warn("cant close db")
		}
	}()
	service := bot.NewService(tgbot, dbClient)

	registry := state.NewRegistry()
	store := state.NewStore(filepath.Join(infra.GetWorkDir(), cfg.Backup.StateFile))
	if err := store.Load(registry); err != nil {
		log.WithError(err).Error("cant load state, starting empty")
	}
	backups := state.NewBackupManager(cfg.Backup, infra.GetWorkDir())

	filters := config.GetFilters()
	verifier := trust.NewVerifier(cfg.Trust, filters)
	verifier.RestoreSuspicious(registry.SuspiciousIDs())
	scorer := antispam.NewScorer(cfg.Detection, cfg.Trust, filters, registry)
	limiter := rates.NewLimiter(cfg.Rates)

	ops := telegram.NewOperations(tgbot)
	engine := moderation.NewEngine(cfg.Moderation, cfg.Detection, ops, db.NewAuditor(dbClient))

	bot.RegisterUpdateHandler("admin", handlers.NewAdmin(service, cfg, registry, verifier, scorer, limiter, engine, store, backups))
	bot.RegisterUpdateHandler("policy", handlers.NewPolicy(service, cfg, registry, verifier, scorer, limiter, engine, ops))
	bot.RegisterUpdateHandler("chat", handlers.NewChat(service, cfg, registry, limiter, newLLM(cfg), ops))
	processor := bot.NewUpdateProcessor(service, "admin", "policy", "chat")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		updateConfig := api.NewUpdate(0)
		updateConfig.Timeout = 60
		updates, updateErrors := bot.GetUpdatesChans(ctx, tgbot, updateConfig)
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case err := <-updateErrors:
				return err
			case update, ok := <-updates:
				if !ok {
					return nil
				}
				infra.GoRecoverable(1, "process_update", func() {
					if err := processor.Process(ctx, &update); err != nil {
						log.WithError(err).Errorln("cant process update")
					}
				})
			}
		}
	})

	g.Go(func() error {
		sweep := time.NewTicker(cfg.Moderation.SweepInterval)
		defer sweep.Stop()
		checkpoint := time.NewTicker(cfg.Backup.Checkpoint)
		defer checkpoint.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-sweep.C:
				registry.Prune()
				scorer.Prune()
				limiter.Prune()
				engine.SweepExpired(ctx)
				if backups.AutoBackupNeeded(registry) {
					if _, err := backups.CreateBackup(registry, "auto"); err != nil {
						log.WithError(err).Error("cant create auto backup")
					}
				}
			case <-checkpoint.C:
				if err := store.Save(registry, "checkpoint"); err != nil {
					log.WithError(err).Error("cant checkpoint state")
				}
			}
		}
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.WithError(err).Errorln("no more updates")
	}

	if err := store.Save(registry, "shutdown"); err != nil {
		log.WithError(err).Error("cant save state on shutdown")
	}
	log.Infoln("bye")
}

func newLLM(cfg config.Config) adapters.LLM {
	logger := log.WithField("object", "LLM")
	if cfg.LLM.Type == "gemini" {
		return gemini.NewGemini(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.SystemPrompt, logger)
	}
	return openai.NewOpenAI(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.BaseURL, cfg.LLM.SystemPrompt, logger)
}
