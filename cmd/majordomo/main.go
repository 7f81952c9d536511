package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rahul/majordomo/internal/agent"
	"github.com/rahul/majordomo/internal/capability"
	"github.com/rahul/majordomo/internal/gateway"
	"github.com/rahul/majordomo/internal/governance"
	"github.com/rahul/majordomo/internal/memory"
	"github.com/rahul/majordomo/internal/observability"
	"github.com/rahul/majordomo/internal/research"
	"github.com/rahul/majordomo/internal/store"
	"github.com/rahul/majordomo/pkg/config"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

func main() {
	observability.PrintBanner()
	observability.InitializeTerminal()

	// Route all log output through the terminal mutex so it never
	// interrupts the dashboard's cursor save/restore sequence.
	log.SetOutput(observability.NewTermWriter())

	cfg := config.LoadConfig("config.yaml")

	db, err := store.New(cfg.Memory.Path)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	gov := governance.NewDefaultPolicyEngine()
	// Default safety rules: block obvious injection payloads in tool arguments.
	_ = gov.DenyArguments(`(?i)drop\s+table`)
	_ = gov.DenyArguments(`(?i)<script`)

	logger := observability.NewLogger()

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

	var researcher agent.ContextBuilder
	if cfg.Research.Enabled {
		searcher, err := research.NewSearcher()
		if err != nil {
			log.Printf("Warning: failed to initialize search, research disabled: %v", err)
		} else {
			fetcher := research.NewFetcher()
			fetcher.RenderFallback = cfg.Research.RenderFallback
			builder := research.NewBuilder(llm, searcher, fetcher, logger)
			if cfg.Research.MaxQueries > 0 {
				builder.MaxQueries = cfg.Research.MaxQueries
			}
			researcher = builder
		}
	}

	supervisor := &agent.Supervisor{
		Planner:     llm,
		WorkerModel: llm,
		Resolver:    capability.NewResolver(capability.DefaultRegistry()),
		Credentials: db,
		Tokens:      db,
		Policy:      gov,
		Logger:      logger,
		Checkpoints: db,
		History:     db,
		Compactor:   memory.NewCompactor(llm),
		Extractor:   &memory.Extractor{Model: llm},
		Researcher:  researcher,

		PlannerMaxAttempts:     cfg.Planner.MaxAttempts,
		PlannerMaxParseRetries: cfg.Planner.MaxParseRetries,
		WorkerMaxIterations:    cfg.Worker.MaxIterations,
	}

	var primary gateway.Messenger
	var gateways []gateway.Messenger

	if tgCfg, ok := cfg.GetTelegramConfig(); ok {
		tg, err := gateway.NewTelegramGateway(tgCfg.Token, supervisor)
		if err != nil {
			log.Fatal(err)
		}
		gateways = append(gateways, tg)
		primary = tg
	}
	if dcCfg, ok := cfg.GetDiscordConfig(); ok {
		dc, err := gateway.NewDiscordGateway(dcCfg.Token, supervisor)
		if err != nil {
			log.Fatal(err)
		}
		gateways = append(gateways, dc)
		if primary == nil {
			primary = dc
		}
	}
	if len(gateways) == 0 {
		log.Fatal("No gateway is enabled in config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler := agent.NewScheduler(supervisor, db, primary)
	go scheduler.Start(ctx)

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
				logger.LogHeartbeat()
			}
		}
	}()

	for _, gw := range gateways {
		go func(gw gateway.Messenger) {
			if err := gw.Start(); err != nil {
				log.Printf("\033[91m[ FAIL ] GATEWAY CRITICAL ERROR: %v\033[0m", err)
				stop()
			}
		}(gw)
	}

	// Wait for shutdown signal
	<-ctx.Done()

	for _, gw := range gateways {
		_ = gw.Stop()
	}

	// Reset terminal aesthetics
	observability.CleanupTerminal()

	// Give a short time for final logs/syncs
	time.Sleep(500 * time.Millisecond)
	log.Println("\033[95m[ EXIT ] CORE DE-INITIALIZED. GOODBYE.\033[0m")
}
