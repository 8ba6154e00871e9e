package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/christian-lee/broadcastpipeline/internal/admin"
	"github.com/christian-lee/broadcastpipeline/internal/auth"
	"github.com/christian-lee/broadcastpipeline/internal/broadcast"
	"github.com/christian-lee/broadcastpipeline/internal/config"
	"github.com/christian-lee/broadcastpipeline/internal/gameserver"
	"github.com/christian-lee/broadcastpipeline/internal/llm"
	"github.com/christian-lee/broadcastpipeline/internal/orchestrator"
	"github.com/christian-lee/broadcastpipeline/internal/ordering"
	"github.com/christian-lee/broadcastpipeline/internal/persistence"
	"github.com/christian-lee/broadcastpipeline/internal/pipeline"
	"github.com/christian-lee/broadcastpipeline/internal/promptctx"
	"github.com/christian-lee/broadcastpipeline/internal/snapshotwatch"
	"github.com/christian-lee/broadcastpipeline/internal/tts"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if len(os.Args) < 2 {
		fmt.Println("Usage:")
		fmt.Println("  broadcastpipeline run [config]     Start ingesting & narrating configured games")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		cfgPath := "config.yaml"
		if len(os.Args) > 2 {
			cfgPath = os.Args[2]
		}
		if err := run(cfgPath); err != nil {
			slog.Error("run failed", "err", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	hotCfg, err := config.NewHotConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := hotCfg.Get()
	hotCfg.Watch()

	if len(cfg.Games) == 0 {
		return fmt.Errorf("no games configured")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down...")
		cancel()
	}()

	llmClient, err := llm.NewClient(ctx, cfg.LLM.APIKey, cfg.LLM.Model, llm.WithFallbackModel(cfg.LLM.FallbackModel))
	if err != nil {
		return fmt.Errorf("init llm client: %w", err)
	}
	defer llmClient.Close()

	ttsClient, err := tts.NewSynthesizer(ctx)
	if err != nil {
		return fmt.Errorf("init tts client: %w", err)
	}
	defer ttsClient.Close()

	store, err := persistence.New(cfg.PersistenceRoot)
	if err != nil {
		return fmt.Errorf("init persistence: %w", err)
	}

	hub := broadcast.New(cfg.PerSubscriberQueue, store)
	wsServer := broadcast.NewServer(hub)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Web.Port)
		slog.Info("broadcast websocket server started", "addr", addr)
		if err := http.ListenAndServe(addr, wsServer); err != nil {
			slog.Error("websocket server error", "err", err)
		}
	}()

	authStore, err := auth.NewStore(cfg.Admin.DBPath)
	if err != nil {
		return fmt.Errorf("init admin auth store: %w", err)
	}
	defer authStore.Close()
	if cfg.Admin.BootstrapUser != "" {
		if err := authStore.EnsureAdmin(cfg.Admin.BootstrapUser, cfg.Admin.BootstrapPass); err != nil {
			return fmt.Errorf("bootstrap admin user: %w", err)
		}
	}

	games := make(map[pipeline.GameID]*gameserver.Game, len(cfg.Games))
	for _, gc := range cfg.Games {
		static := pipeline.StaticContext{
			GameID:     pipeline.GameID(gc.GameID),
			HomeTeam:   gc.HomeTeam,
			AwayTeam:   gc.AwayTeam,
			Venue:      gc.Venue,
			PlayerName: playerNames(gc),
			TeamName:   map[string]string{gc.HomeTeam: gc.HomeTeam, gc.AwayTeam: gc.AwayTeam},
			RosterHome: rosterIDs(gc.RosterHome),
			RosterAway: rosterIDs(gc.RosterAway),
			GoalieHome: gc.GoalieHome,
			GoalieAway: gc.GoalieAway,
		}

		ordCfg := ordering.DefaultConfig()
		if cfg.SnapshotCadenceSeconds > 0 {
			ordCfg.Cadence = time.Duration(cfg.SnapshotCadenceSeconds) * time.Second
		}
		if cfg.SkipAfterMultiplier > 0 {
			ordCfg.SkipAfterMultiplier = int(cfg.SkipAfterMultiplier)
		}

		gcfg := gameserver.Config{
			IngestDir: filepath.Join(cfg.IngestRoot, gc.GameID),
			Static:    static,
			Orchestrator: orchestrator.Config{
				StagePoolSize:  cfg.StagePoolSize,
				LLMTimeout:     time.Duration(cfg.LLMTimeoutSeconds) * time.Second,
				TTSTimeout:     time.Duration(cfg.TTSTimeoutSeconds) * time.Second,
				MomentumPolicy: orchestrator.DefaultMomentumPolicy(),
			},
			Ordering: ordCfg,
			Watcher:  snapshotwatch.DefaultConfig(),
			SessionPolicy: promptctx.Policy{
				SoftTokens:    cfg.ContextSoftTokens,
				HardTokens:    cfg.ContextHardTokens,
				RefreshEveryN: cfg.RefreshEveryN,
			},
			PersistWatermarkEvery: 1,
		}

		game, err := gameserver.New(pipeline.GameID(gc.GameID), gcfg, llmClient, ttsClient, store, hub)
		if err != nil {
			return fmt.Errorf("init game %s: %w", gc.GameID, err)
		}
		games[pipeline.GameID(gc.GameID)] = game
	}

	supervisor := gameserver.NewSupervisor(games)

	adminServer := admin.NewServer(authStore, supervisor, cfg.Admin.Port)
	adminServer.Start()

	return supervisor.Run(ctx)
}

func playerNames(gc config.GameConfig) map[string]string {
	names := make(map[string]string, len(gc.RosterHome)+len(gc.RosterAway))
	for _, p := range gc.RosterHome {
		names[p.ID] = p.Name
	}
	for _, p := range gc.RosterAway {
		names[p.ID] = p.Name
	}
	return names
}

func rosterIDs(players []config.Player) []string {
	ids := make([]string, len(players))
	for i, p := range players {
		ids[i] = p.ID
	}
	return ids
}
