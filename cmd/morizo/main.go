package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sasaki2110/morizo/internal/agent"
	"github.com/sasaki2110/morizo/internal/chain"
	"github.com/sasaki2110/morizo/internal/confirm"
	"github.com/sasaki2110/morizo/internal/gateway"
	"github.com/sasaki2110/morizo/internal/governance"
	"github.com/sasaki2110/morizo/internal/observability"
	"github.com/sasaki2110/morizo/internal/services"
	"github.com/sasaki2110/morizo/internal/session"
	"github.com/sasaki2110/morizo/internal/stage"
	"github.com/sasaki2110/morizo/pkg/config"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

func main() {
	observability.PrintBanner()
	observability.InitializeTerminal()

	// Route all log output through the terminal mutex so it never
	// interrupts the dashboard's cursor save/restore sequence.
	log.SetOutput(observability.NewTermWriter())

	cfg := config.LoadConfig("config.json")
	logger := observability.NewLogger()

	store, err := session.NewSQLiteStore(cfg.Storage.DatabasePath)
	if err != nil {
		log.Fatal(err)
	}

	// Services share the session store's database handle.
	inventory, err := services.NewInventoryService(store.DB)
	if err != nil {
		log.Fatal(err)
	}
	recipe, err := services.NewRecipeService(cfg.Storage.CatalogPath)
	if err != nil {
		log.Fatal(err)
	}

	dispatcher := services.NewDispatcher()
	dispatcher.Register(inventory)
	dispatcher.Register(recipe)
	dispatcher.Register(services.NewWebRecipeService())

	// Initialize LLM (using default enabled provider)
	pName, pCfg := cfg.GetDefaultProvider()
	if pName == "" {
		log.Fatal("No enabled provider found in config")
	}

	var llm llms.Model
	switch pName {
	case "openai", "openrouter":
		opts := []openai.Option{
			openai.WithToken(pCfg.APIKey),
			openai.WithModel(pCfg.Model),
		}
		if pCfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(pCfg.BaseURL))
		}
		llm, err = openai.New(opts...)
	default:
		log.Fatalf("Provider %s not yet implemented in main", pName)
	}

	if err != nil {
		log.Fatal(err)
	}

	prompts := agent.NewPromptManager(cfg.App.PromptDir)

	// Only planned operations against known services pass governance.
	policy := governance.NewDefaultPolicyEngine()
	policy.AllowService("inventory")
	policy.AllowService("recipe")
	policy.AllowService("recipe_web")

	planner := agent.NewLLMPlanner(llm, prompts, policy, logger, cfg.Engine.MaxTasks)

	detector := chain.NewDetector(dispatcher)
	// The progress sink is the gateway handler; wire it after construction.
	executor := chain.NewExecutor(dispatcher, detector, nil, logger)
	coordinator := confirm.NewCoordinator(store, executor, cfg.Engine.PausedTTL(), logger)
	stages := stage.NewManager(store, logger)

	orchestrator := agent.NewOrchestrator(planner, executor, coordinator, stages, store, dispatcher, logger)
	handler := gateway.NewHandler(orchestrator)
	executor.Sink = handler

	var gateways []gateway.Messenger
	if tgCfg, ok := cfg.GetGateway("telegram"); ok {
		tg, err := gateway.NewTelegramGateway(tgCfg.Token, handler)
		if err != nil {
			log.Fatal(err)
		}
		gateways = append(gateways, tg)
	}
	if dcCfg, ok := cfg.GetGateway("discord"); ok {
		dc, err := gateway.NewDiscordGateway(dcCfg.Token, handler)
		if err != nil {
			log.Fatal(err)
		}
		gateways = append(gateways, dc)
	}
	if len(gateways) == 0 {
		log.Fatal("No enabled gateway found in config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Background sweep of stale sessions and expired paused states
	sweeper := session.NewSweeper(store, cfg.Engine.SweepInterval(), cfg.Engine.SessionMaxAge(), logger)
	go sweeper.Start(ctx)

	// Start Live Resource Dashboard (1-second updates)
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				observability.PrintLiveStatus()
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				observability.Heartbeat()
			}
		}
	}()

	for _, g := range gateways {
		go func(g gateway.Messenger) {
			if err := g.Start(ctx); err != nil && err != context.Canceled {
				log.Printf("\033[91m[ FAIL ] GATEWAY CRITICAL ERROR: %v\033[0m", err)
				stop() // stop everything if a gateway dies
			}
		}(g)
	}

	// Wait for shutdown signal
	<-ctx.Done()

	for _, g := range gateways {
		if err := g.Stop(); err != nil {
			log.Printf("Error stopping gateway: %v", err)
		}
	}

	// Reset terminal aesthetics
	observability.CleanupTerminal()

	// Give a short time for final logs/syncs
	time.Sleep(500 * time.Millisecond)
	log.Println("\033[95m[ EXIT ] CORE DE-INITIALIZED. GOODBYE.\033[0m")
}
