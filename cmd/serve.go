package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/notemill/notemill/internal/agent"
	"github.com/notemill/notemill/internal/aggregator"
	"github.com/notemill/notemill/internal/bus"
	"github.com/notemill/notemill/internal/channels"
	"github.com/notemill/notemill/internal/channels/discord"
	"github.com/notemill/notemill/internal/channels/telegram"
	"github.com/notemill/notemill/internal/config"
	"github.com/notemill/notemill/internal/gateway"
	"github.com/notemill/notemill/internal/gitops"
	"github.com/notemill/notemill/internal/index"
	"github.com/notemill/notemill/internal/kb"
	"github.com/notemill/notemill/internal/kbsync"
	"github.com/notemill/notemill/internal/maintenance"
	"github.com/notemill/notemill/internal/mcp"
	"github.com/notemill/notemill/internal/memory"
	"github.com/notemill/notemill/internal/outbound"
	"github.com/notemill/notemill/internal/providers"
	"github.com/notemill/notemill/internal/router"
	"github.com/notemill/notemill/internal/tasks"
	"github.com/notemill/notemill/internal/tools"
	"github.com/notemill/notemill/internal/tracker"
	"github.com/notemill/notemill/internal/users"
	"github.com/notemill/notemill/pkg/protocol"
)

// runServe is the composition root: it wires every subsystem to its
// collaborators and runs until a shutdown signal.
func runServe() {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	dataDir := config.ExpandHome(cfg.DataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		slog.Error("create data dir", "dir", dataDir, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := bus.New()
	tm := tasks.NewManager(ctx)

	trk, err := tracker.New(cfg.TrackerPath())
	if err != nil {
		slog.Error("open processing tracker", "error", err)
		os.Exit(1)
	}
	kbs, err := kb.NewRegistry(cfg.KBRegistryPath())
	if err != nil {
		slog.Error("open kb registry", "error", err)
		os.Exit(1)
	}
	locks := kbsync.NewManager(func(kbID string) (string, bool) {
		for _, d := range kbs.All() {
			if d.ID == kbID {
				return d.RootPath, true
			}
		}
		return "", false
	})

	var ix *index.Index
	if cfg.Index.Enabled {
		ix, err = index.Open(cfg.IndexPath(), kbs)
		if err != nil {
			slog.Error("open note index", "error", err)
			os.Exit(1)
		}
		defer ix.Close()
		defer ix.Subscribe(b)()
	}

	var mem memory.Store
	switch cfg.Memory.Backend {
	case "notes":
		mem = memory.NewNoteStore(kbs, b)
	default:
		mem, err = memory.NewJSONStore(cfg.MemoryPath())
		if err != nil {
			slog.Error("open memory store", "error", err)
			os.Exit(1)
		}
	}

	reg := tools.NewRegistry()
	builtins := tools.BuiltinOptions{
		Search:      searchProvider(cfg.Tools.WebSearch),
		GitHubToken: cfg.Tools.GitHubToken,
		EnableShell: cfg.Tools.EnableShell,
		Memory:      mem,
	}
	if ix != nil {
		builtins.Index = ix
	}
	if err := tools.RegisterBuiltins(reg, builtins); err != nil {
		slog.Error("register builtin tools", "error", err)
		os.Exit(1)
	}

	loop := agent.New(agent.Options{
		Strategy:      buildStrategy(cfg, reg),
		Registry:      reg,
		Bus:           b,
		MaxIterations: cfg.Agent.MaxIterations,
	})

	defs := mcp.NewRegistry(cfg.MCPSharedDir(), cfg.MCPUsersDir())
	mcpm := mcp.NewManager(ctx, reg, defs, mcp.ManagerConfig{
		ConnectTimeout: time.Duration(cfg.MCP.ConnectTimeoutSec) * time.Second,
		CallTimeout:    time.Duration(cfg.MCP.CallTimeoutSec) * time.Second,
		MaxReconnects:  cfg.MCP.MaxReconnects,
	})
	watcher := mcp.NewWatcher(defs.WatchDirs, 2*time.Second, func() {
		mcpm.ReloadAll(ctx)
	})
	if err := tm.Register("mcp_watcher", tasks.Meta{Description: "MCP registry watcher"}, watcher.Run); err != nil {
		slog.Warn("mcp watcher not started", "error", err)
	}

	mux := channels.NewMux()
	bot := outbound.NewAdapter(mux, outbound.Config{
		Rate:        cfg.Outbound.RatePerSec,
		Burst:       cfg.Outbound.Burst,
		MaxAttempts: cfg.Outbound.MaxAttempts,
		BackoffBase: time.Duration(cfg.Outbound.BackoffMS) * time.Millisecond,
	})

	defaultMode, err := router.ParseMode(cfg.Agent.DefaultMode)
	if err != nil {
		slog.Error("config invalid", "error", err)
		os.Exit(1)
	}

	// The router and the user registry reference each other: groups flow
	// users → router, modes and agents flow router → users. The delivery
	// closure breaks the cycle.
	var rt *router.Router
	userCtxs, err := users.New(users.Options{
		Tasks: tm,
		Deliver: func(ctx context.Context, g aggregator.Group) error {
			return rt.HandleGroup(ctx, g)
		},
		BuildAgent: func(ctx context.Context, userID int64) (router.Agent, error) {
			if err := mcpm.StartUser(ctx, userID); err != nil {
				slog.Warn("serve.mcp_start_failed", "user", userID, "error", err)
			}
			return router.Agent{Loop: loop, Registry: reg}, nil
		},
		DefaultMode: defaultMode,
		Idle:        cfg.Aggregator.IdleTimeout(),
	})
	if err != nil {
		slog.Error("build user contexts", "error", err)
		os.Exit(1)
	}

	rt, err = router.New(router.Options{
		Modes:       userCtxs.Mode,
		Agents:      userCtxs.Agent,
		KBs:         kbs,
		Tracker:     trk,
		Locks:       locks,
		Bot:         bot,
		Bus:         b,
		Git:         gitOpener(kbs, b),
		TopicsOnly:  cfg.KB.TopicsOnly,
		TaskTimeout: time.Duration(cfg.Agent.TaskTimeoutSec) * time.Second,
	})
	if err != nil {
		slog.Error("build router", "error", err)
		os.Exit(1)
	}

	cmds := &channels.Commands{Users: userCtxs, KBs: kbs, Attach: kbAttacher(cfg, kbs)}
	ingest := func(ctx context.Context, msg aggregator.Message) error {
		mux.Claim(msg.Source, msg.ChatID)
		agg, err := userCtxs.Aggregator(msg.UserID)
		if err != nil {
			return err
		}
		return agg.Add(ctx, msg)
	}

	chMgr := channels.NewManager()
	if cfg.Channels.Telegram.Enabled {
		tg, err := telegram.New(cfg.Channels.Telegram, ingest, cmds)
		if err != nil {
			slog.Error("build telegram channel", "error", err)
			os.Exit(1)
		}
		chMgr.Register(tg)
		mux.Add(tg.Name(), tg)
	}
	if cfg.Channels.Discord.Enabled {
		dc, err := discord.New(cfg.Channels.Discord, ingest, cmds)
		if err != nil {
			slog.Error("build discord channel", "error", err)
			os.Exit(1)
		}
		chMgr.Register(dc)
		mux.Add(dc.Name(), dc)
	}

	if cfg.Maintenance.Enabled {
		if ix == nil {
			slog.Warn("maintenance disabled: note index is off")
		} else {
			sched, err := maintenance.New(maintenance.Options{
				Jobs:    cfg.Maintenance.Jobs,
				Tasks:   tm,
				Index:   ix,
				KBs:     kbs,
				Locks:   locks,
				Tracker: trk,
			})
			if err != nil {
				slog.Error("build maintenance scheduler", "error", err)
				os.Exit(1)
			}
			if err := sched.Start(); err != nil {
				slog.Error("start maintenance scheduler", "error", err)
				os.Exit(1)
			}
		}
	}

	if cfg.Gateway.Enabled {
		gw := gateway.New(cfg.Gateway.Host, cfg.Gateway.Port, b)
		meta := tasks.Meta{Description: "observer event stream"}
		if err := tm.Register("gateway", meta, gw.Run); err != nil {
			slog.Warn("gateway not started", "error", err)
		}
	}

	if err := chMgr.StartAll(ctx); err != nil {
		slog.Error("start channels", "error", err)
		os.Exit(1)
	}

	slog.Info("notemill.started",
		"version", Version,
		"protocol", protocol.Version,
		"data_dir", dataDir,
		"channels", chMgr.Names(),
		"tools", len(reg.List()),
		"strategy", cfg.Agent.Strategy,
	)

	<-ctx.Done()
	slog.Info("notemill.shutdown")

	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	chMgr.StopAll(shutCtx)
	if err := tm.Stop(shutCtx); err != nil {
		slog.Warn("background tasks stopped dirty", "error", err)
	}
	mcpm.Stop()
}

func setupLogging(level string) {
	lvl := slog.LevelInfo
	switch {
	case verbose:
		lvl = slog.LevelDebug
	case level == "debug":
		lvl = slog.LevelDebug
	case level == "warn":
		lvl = slog.LevelWarn
	case level == "error":
		lvl = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	})))
}

func searchProvider(cfg config.WebSearchConfig) tools.SearchProvider {
	if cfg.Provider == "brave" {
		return tools.NewBraveProvider(cfg.BraveAPIKey)
	}
	return tools.NewDuckDuckGoProvider()
}

func buildStrategy(cfg *config.Config, reg *tools.Registry) agent.Strategy {
	if cfg.Agent.Strategy == "external" {
		return agent.NewExternal(cfg.Agent.ExternalCommand, cfg.Agent.ExternalArgs...)
	}
	return agent.NewAutonomous(agent.AutonomousOptions{
		Provider: providers.NewOpenAI(providers.OpenAIOptions{
			BaseURL:     cfg.Provider.BaseURL,
			APIKey:      cfg.Provider.APIKey,
			Model:       cfg.Provider.Model,
			EmbedModel:  cfg.Provider.EmbedModel,
			MaxTokens:   cfg.Provider.MaxTokens,
			Temperature: cfg.Provider.Temperature,
		}),
		Registry:   reg,
		MaxRetries: cfg.Provider.MaxRetries,
	})
}

// gitOpener builds per-KB git sync handles for the router. The token
// comes from the environment only, so it can never end up in the
// config file on disk.
func gitOpener(kbs *kb.Registry, b *bus.Bus) func(d kb.Descriptor) (router.GitSyncer, error) {
	token := os.Getenv("NOTEMILL_GIT_TOKEN")
	return func(d kb.Descriptor) (router.GitSyncer, error) {
		owner, _ := kbs.Owner(d.ID)
		return gitops.Open(gitops.Options{
			Root:        d.RootPath,
			KBID:        d.ID,
			UserID:      owner,
			Bus:         b,
			Branch:      d.GitBranch,
			Remote:      d.GitRemote,
			Token:       token,
			AuthorName:  "notemill",
			AuthorEmail: "notemill@localhost",
		})
	}
}

// kbAttacher provisions a knowledge base on a user's first /start.
func kbAttacher(cfg *config.Config, kbs *kb.Registry) func(ctx context.Context, userID int64) (kb.Descriptor, error) {
	return func(_ context.Context, userID int64) (kb.Descriptor, error) {
		root := filepath.Join(cfg.KBBaseDir(), strconv.FormatInt(userID, 10))
		if err := kb.EnsureLayout(root); err != nil {
			return kb.Descriptor{}, err
		}
		if cfg.KB.GitEnabled && !gitops.IsRepo(root) {
			if err := gitops.Init(root); err != nil {
				return kb.Descriptor{}, err
			}
		}
		d := kb.Descriptor{
			ID:         "kb-" + strconv.FormatInt(userID, 10),
			RootPath:   root,
			GitEnabled: cfg.KB.GitEnabled,
		}
		if err := kbs.Attach(userID, d); err != nil {
			return kb.Descriptor{}, err
		}
		slog.Info("kb.attached", "user", userID, "kb", d.ID, "root", root)
		return d, nil
	}
}
