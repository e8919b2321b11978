package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentcore/internal/bus"
	"github.com/nextlevelbuilder/agentcore/internal/config"
	"github.com/nextlevelbuilder/agentcore/internal/cron"
	"github.com/nextlevelbuilder/agentcore/internal/events"
	"github.com/nextlevelbuilder/agentcore/internal/executor"
	"github.com/nextlevelbuilder/agentcore/internal/gateway"
	"github.com/nextlevelbuilder/agentcore/internal/providers"
	"github.com/nextlevelbuilder/agentcore/internal/session"
	"github.com/nextlevelbuilder/agentcore/internal/store"
	filestore "github.com/nextlevelbuilder/agentcore/internal/store/file"
	"github.com/nextlevelbuilder/agentcore/internal/store/memory"
	"github.com/nextlevelbuilder/agentcore/internal/store/pg"
	"github.com/nextlevelbuilder/agentcore/internal/store/sqlite"
	"github.com/nextlevelbuilder/agentcore/internal/tasks"
	"github.com/nextlevelbuilder/agentcore/internal/telemetry"
	"github.com/nextlevelbuilder/agentcore/internal/tools"
	"github.com/nextlevelbuilder/agentcore/pkg/protocol"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent runtime and HTTP gateway",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(parseLogLevel(cfg.LogLevel))
	if verbose {
		logLevel.Set(slog.LevelDebug)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}
	defer shutdownTelemetry(context.Background())

	st, err := openStore(cfg.Storage)
	if err != nil {
		slog.Error("open store failed", "backend", cfg.Storage.Backend, "error", err)
		os.Exit(1)
	}

	b := bus.New()
	sessions := session.NewManager(st, cfg.Sessions.CacheSize)
	provider := providers.NewOpenAIProvider(cfg.Provider.Name, cfg.Provider.APIKey, cfg.Provider.BaseURL, cfg.Provider.Model)
	eventLog := events.NewLog(b, events.DefaultLogSize)

	registry := tools.NewRegistry()
	exec := executor.New(executor.Config{
		Provider:      provider,
		Tools:         registry,
		Sessions:      sessions,
		Bus:           b,
		Model:         cfg.Provider.Model,
		MaxIterations: cfg.Provider.MaxIterations,
		MaxTokens:     cfg.Provider.MaxTokens,
		Temperature:   cfg.Provider.Temperature,
	})

	systemHistory := systemPromptHistory(cfg.Sessions.SystemPrompt)

	taskMgr := tasks.NewManager(sessions, b, func(ctx context.Context, prompt, sessionID, taskID string) (string, error) {
		return exec.HandleQuery(ctx, prompt, executor.QueryContext{SessionID: sessionID, TaskID: taskID}, systemHistory)
	}, cfg.Tasks.DefaultTimeout)

	registry.Register(tools.NewWeatherTool())
	registry.Register(tools.NewEventInfoTool(eventLog))
	registry.Register(tools.NewCompactTool(sessions, exec.QueryFunc()))
	registry.Register(tools.NewTaskTool(taskMgr))

	srv := gateway.New(gateway.Options{
		Bus:      b,
		Sessions: sessions,
		Tasks:    taskMgr,
		Submit: func(ctx context.Context, prompt, sessionID, clientID string) (string, error) {
			return exec.HandleQuery(ctx, prompt, executor.QueryContext{SessionID: sessionID, ClientID: clientID}, systemHistory)
		},
		Host:              cfg.Gateway.Host,
		Port:              cfg.Gateway.Port,
		Token:             cfg.Gateway.Token,
		RateLimitRPM:      cfg.Gateway.RateLimitRPM,
		HeartbeatInterval: cfg.Gateway.HeartbeatInterval,
	})

	processor := events.NewProcessor(sessions, srv, func(ctx context.Context, sessionID, prompt string) (string, error) {
		return exec.HandleQuery(ctx, prompt, executor.QueryContext{SessionID: sessionID}, systemHistory)
	})
	unsubscribeTasks := processor.SubscribeTasks(b)
	defer unsubscribeTasks()

	scheduler := cron.NewScheduler(cronEntries(cfg.Cron), cronSubmit(sessions, exec, systemHistory))
	go scheduler.Run(ctx)

	stopWatch, err := config.Watch(cfgPath, func(fresh *config.Config) {
		logLevel.Set(parseLogLevel(fresh.LogLevel))
		srv.SetToken(fresh.Gateway.Token)
		scheduler.SetEntries(cronEntries(fresh.Cron))
	})
	if err != nil {
		slog.Warn("config watch unavailable", "error", err)
	} else {
		defer stopWatch()
	}

	slog.Info("agentcore starting", "version", Version, "storage", cfg.Storage.Backend, "model", cfg.Provider.Model)

	serveErr := srv.Start(ctx)
	if serveErr != nil {
		slog.Error("gateway failed", "error", serveErr)
	}

	// Orderly teardown: stop tasks, announce exit, flush state.
	scheduler.Stop()
	taskMgr.StopAll()
	b.Publish(protocol.EventApplicationExit, map[string]string{"reason": "shutdown"}, bus.Metadata{Source: "server"})
	b.Close()
	eventLog.Close()
	if err := sessions.Flush(); err != nil {
		slog.Warn("session flush failed", "error", err)
	}
	if closer, ok := st.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			slog.Warn("store close failed", "error", err)
		}
	}
	slog.Info("agentcore stopped")
	if serveErr != nil {
		os.Exit(1)
	}
}

func openStore(cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Backend {
	case "memory":
		return memory.New(), nil
	case "file", "":
		return filestore.New(cfg.Dir)
	case "sqlite":
		return sqlite.New(filepath.Join(cfg.Dir, "agentcore.db"))
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("AGENTCORE_POSTGRES_DSN environment variable is not set")
		}
		return pg.New(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func systemPromptHistory(prompt string) []providers.Message {
	if prompt == "" {
		return nil
	}
	return []providers.Message{{Role: "system", Content: prompt}}
}

func cronEntries(entries []config.CronEntry) []cron.Entry {
	out := make([]cron.Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, cron.Entry{
			Schedule: e.Schedule,
			Session:  e.Session,
			Prompt:   e.Prompt,
			Title:    e.Title,
		})
	}
	return out
}

// cronSubmit routes due prompts into their sessions, creating a dedicated
// session per schedule title on first fire.
func cronSubmit(sessions *session.Manager, exec *executor.Executor, history []providers.Message) cron.SubmitFunc {
	var mu sync.Mutex
	byTitle := make(map[string]string)

	return func(ctx context.Context, sessionID, title, prompt string) error {
		if sessionID == "" {
			mu.Lock()
			sessionID = byTitle[title]
			mu.Unlock()
		}
		if sessionID != "" {
			if _, err := sessions.Get(sessionID); err != nil {
				sessionID = ""
			}
		}
		if sessionID == "" {
			name := title
			if name == "" {
				name = "scheduled"
			}
			sess, err := sessions.Create("", "cron: "+name)
			if err != nil {
				return err
			}
			sessionID = sess.ID()
			mu.Lock()
			byTitle[title] = sessionID
			mu.Unlock()
		}
		_, err := exec.HandleQuery(ctx, prompt, executor.QueryContext{SessionID: sessionID}, history)
		return err
	}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
