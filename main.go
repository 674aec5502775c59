package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"elias/app/configs"
	"elias/app/core/history"
	"elias/app/core/interaction/cli"
	"elias/app/core/interaction/gateway"
	"elias/app/core/interaction/telegram"
	"elias/app/core/llm"
	"elias/app/core/orchestrator/command"
	"elias/app/core/orchestrator/dispatch"
	"elias/app/core/orchestrator/intent"
	"elias/app/core/workspace"
	"elias/app/pkg/logger"
)

const version = "1.0.0"

// processedUpdateRetention bounds how long Telegram update marks are
// kept before the startup prune drops them.
const processedUpdateRetention = 7 * 24 * time.Hour

var (
	cfgPath string
	cliMode bool
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "elias",
	Short: "ELiaS — task-management assistant over Telegram, Notion, and an LLM",
	Long: `ELiaS receives chat messages, routes slash commands and natural-language
intents through the dispatch pipeline, and executes them against the
workspace task database. Run without arguments to start the bot; without
a Telegram token it falls back to a local CLI session.`,
	SilenceUsage: true,
	RunE:         runBot,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the assistant version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("elias %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default config/config.json, or $ELIAS_CONFIG)")
	rootCmd.Flags().BoolVar(&cliMode, "cli", false, "register the local stdin channel even when Telegram is configured")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runBot(cmd *cobra.Command, args []string) error {
	path := strings.TrimSpace(cfgPath)
	if path == "" {
		path = configs.DefaultPath()
	}
	mgr, err := configs.NewManager(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	cfg := mgr.Get()

	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	if err := logger.Init(cfg.Log.Dir, level); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	logger.Info("[Main] ELiaS %s starting (config=%s)", version, path)

	for _, finding := range configs.Validate(cfg) {
		if finding.Level == "fatal" {
			return fmt.Errorf("config: %s", finding.Msg)
		}
		logger.Warn("[Main] config: %s", finding.Msg)
	}

	store, err := history.NewStore(cfg.History.DataDir, cfg.History.Exchanges)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer store.Close()
	if err := store.PruneProcessedUpdates(context.Background(), processedUpdateRetention); err != nil {
		logger.Warn("[Main] pruning processed updates failed: %v", err)
	}

	ws := workspace.NewClient(workspace.Config{
		Token:           cfg.Workspace.Token,
		TasksDB:         cfg.Workspace.TasksDB,
		ProjectsDB:      cfg.Workspace.ProjectsDB,
		APIRoot:         cfg.Workspace.APIRoot,
		Timeout:         cfg.Workspace.Timeout(),
		ProjectCacheTTL: cfg.Workspace.ProjectCacheTTL(),
		TaskCacheTTL:    cfg.Workspace.TaskCacheTTL(),
	}, store)

	var extractor llm.Extractor
	llmName := "desactivado"
	if cfg.Features.NaturalLanguage && strings.TrimSpace(cfg.LLM.APIKey) != "" {
		extractor, err = llm.New(cfg.LLM)
		if err != nil {
			logger.Warn("[Main] language model unavailable, rules only: %v", err)
			extractor = nil
		} else {
			llmName = extractor.Name()
			logger.Info("[Main] language model: %s", llmName)
		}
	}

	classifier := intent.NewClassifier(extractor, intent.Options{
		ConfidenceThreshold: cfg.LLM.ConfidenceThreshold,
		VerbTitles:          cfg.Features.VerbTitles,
	})

	pipeline := dispatch.New(classifier, command.NewExecutor(), ws, store, dispatch.Options{
		Features:        cfg.Features,
		RateLimitMax:    cfg.Dispatch.RateLimitMax,
		RateLimitWindow: cfg.Dispatch.RateLimitWindow(),
		RetryBackoff:    cfg.Dispatch.RetryBackoff(),
		MaxRetries:      cfg.Dispatch.RetryMax,
		LLMName:         llmName,
		IsAdmin:         cfg.IsAdmin,
	})

	gw := gateway.New(pipeline)
	if tracer, err := gateway.NewTraceRecorder(filepath.Join("output", "trace")); err != nil {
		logger.Warn("[Main] trace recorder disabled: %v", err)
	} else {
		gw.SetTraceRecorder(tracer)
	}

	registered := 0
	if strings.TrimSpace(cfg.Telegram.BotToken) != "" {
		tg := telegram.NewChannel(telegram.Config{
			BotToken:       cfg.Telegram.BotToken,
			APIRoot:        cfg.Telegram.APIRoot,
			PollInterval:   cfg.Telegram.PollInterval(),
			TimeoutSeconds: cfg.Telegram.TimeoutSec,
		})
		tg.SetDedup(store)
		gw.RegisterChannel(tg)
		registered++
	}
	if cliMode || registered == 0 {
		if registered == 0 {
			logger.Info("[Main] no Telegram token, starting local CLI session")
		}
		gw.RegisterChannel(cli.NewChannel(""))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("[Main] ELiaS is ready to serve.")
	err = gw.Start(ctx)

	status := gw.Status()
	logger.Info("[Main] shutting down: processed=%d by_state=%v", status.Processed, status.ByState)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}
