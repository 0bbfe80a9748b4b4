package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/kirillm/perp-agent/internal/advanced"
	"github.com/kirillm/perp-agent/internal/ai"
	"github.com/kirillm/perp-agent/internal/api"
	"github.com/kirillm/perp-agent/internal/config"
	"github.com/kirillm/perp-agent/internal/exchange"
	"github.com/kirillm/perp-agent/internal/execution"
	"github.com/kirillm/perp-agent/internal/orchestrator"
	"github.com/kirillm/perp-agent/internal/policy"
	"github.com/kirillm/perp-agent/internal/storage"
	"github.com/kirillm/perp-agent/internal/telegram"
	"github.com/kirillm/perp-agent/internal/trigger"
	"github.com/kirillm/perp-agent/pkg/utils"
)

// botNotifier адаптер: orchestrator создаётся раньше бота
type botNotifier struct {
	bot *telegram.Bot
}

func (n *botNotifier) Notify(text string) {
	if n.bot != nil {
		n.bot.Notify(text)
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := utils.NewLogger(cfg.LogLevel)
	logger.Info("starting perp agent (mode: %s, symbols: %v)", cfg.Engine.Mode, cfg.Engine.Symbols)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// риск-профиль: YAML если есть, иначе консервативный default
	profile, err := policy.Load(cfg.Engine.PolicyPath)
	if err != nil {
		logger.Warn("policy file unavailable (%v), using defaults", err)
		profile = policy.Default()
	}
	logger.Info("risk profile: %s", profile.ProfileName)

	store, err := storage.NewPostgresStorage(
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.DBName,
		cfg.Database.SSLMode,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
		cfg.Database.ConnMaxLifetime,
	)
	if err != nil {
		log.Fatalf("storage error: %v", err)
	}
	defer store.Close()

	client := exchange.NewClient(cfg.Exchange.APIKey, cfg.Exchange.APISecret, cfg.Exchange.BaseURL)
	stream := exchange.NewStream(cfg.Exchange.WSURL, cfg.Engine.Symbols, logger)
	stream.Start(ctx)
	defer stream.Stop()

	prices := exchange.NewPriceFeed(client, stream, logger)
	atr := trigger.NewMarketATR(stream, 14)

	killSwitch := execution.NewKillSwitch(logger)
	validator := execution.NewValidator(profile, logger)
	dedup := execution.NewDeduplicator(logger)
	bracket := execution.NewBracketManager(client, store, profile, logger)
	executor := execution.NewExecutor(client, prices, atr, validator, dedup, bracket, killSwitch, logger)

	advancedEngine := advanced.NewEngine(cfg.Engine.UserID, client, store, killSwitch, logger)
	if err := advancedEngine.Start(ctx); err != nil {
		log.Fatalf("advanced engine error: %v", err)
	}
	defer advancedEngine.Stop()

	triggers := trigger.NewRegistry(logger)
	defer triggers.StopAll()

	aiClient := ai.NewAIClient(cfg.AI.APIKey, cfg.AI.BaseURL, cfg.AI.Model)
	decisionClient := ai.NewDecisionClient(aiClient)

	// бот и orchestrator ссылаются друг на друга, уведомления через адаптер
	notifier := &botNotifier{}

	orch := orchestrator.New(
		cfg.Engine.UserID,
		cfg.Engine.Symbols,
		cfg.Engine.Mode,
		cfg.Engine.DecisionInterval,
		decisionClient,
		executor,
		bracket,
		client,
		store,
		stream,
		notifier,
		logger,
	)

	if cfg.Telegram.Enabled {
		bot, err := telegram.NewBot(
			cfg.Telegram.BotToken,
			cfg.Telegram.ChatID,
			cfg.Engine.UserID,
			logger,
			client,
			bracket,
			killSwitch,
			orch,
			advancedEngine,
		)
		if err != nil {
			log.Fatalf("telegram error: %v", err)
		}
		notifier.bot = bot
		go bot.Start(ctx)
	}

	if err := orch.Start(ctx); err != nil {
		log.Fatalf("orchestrator error: %v", err)
	}
	defer orch.Stop()

	server := api.NewServer(
		logger,
		cfg.Engine.UserID,
		client,
		executor,
		killSwitch,
		advancedEngine,
		triggers,
		stream,
		orch,
		cfg.API.Port,
	)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("http server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
}
