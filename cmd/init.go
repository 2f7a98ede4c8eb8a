package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/notemill/notemill/internal/config"
	"github.com/notemill/notemill/internal/gitops"
	"github.com/notemill/notemill/internal/kb"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive first-run setup",
		Long:  "Walks through tokens, directories and defaults, then writes config.json5.",
		Run: func(cmd *cobra.Command, args []string) {
			runInit()
		},
	}
}

func runInit() {
	cfgPath := resolveConfigPath()
	if _, err := os.Stat(cfgPath); err == nil {
		fmt.Printf("Config %s already exists. Edit it directly or remove it first.\n", cfgPath)
		os.Exit(1)
	}

	cfg := config.Default()
	var (
		dataDir     = cfg.DataDir
		kbBaseDir   = cfg.KB.BaseDir
		tgToken     string
		apiKey      string
		model       = cfg.Provider.Model
		defaultMode = cfg.Agent.DefaultMode
		gitEnabled  = cfg.KB.GitEnabled
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Data directory").
				Description("Processing log, note index and MCP registry live here.").
				Value(&dataDir),
			huh.NewInput().
				Title("Knowledge base directory").
				Description("Per-user KB roots are created under this directory.").
				Value(&kbBaseDir),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Telegram bot token").
				Description("From @BotFather. Leave empty to configure later via NOTEMILL_TELEGRAM_TOKEN.").
				EchoMode(huh.EchoModePassword).
				Value(&tgToken),
			huh.NewInput().
				Title("Provider API key").
				Description("For the OpenAI-compatible endpoint. Leave empty to use NOTEMILL_PROVIDER_API_KEY.").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
			huh.NewInput().
				Title("Model").
				Value(&model),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Default processing mode").
				Options(
					huh.NewOption("note — file messages into the KB", "note"),
					huh.NewOption("ask — answer questions from the KB", "ask"),
					huh.NewOption("agent — full tool access", "agent"),
				).
				Value(&defaultMode),
			huh.NewConfirm().
				Title("Commit and push notes with git?").
				Value(&gitEnabled),
		),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("Setup aborted.")
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "setup form: %v\n", err)
		os.Exit(1)
	}

	cfg.DataDir = dataDir
	cfg.KB.BaseDir = kbBaseDir
	cfg.KB.GitEnabled = gitEnabled
	cfg.Agent.DefaultMode = defaultMode
	cfg.Provider.Model = model
	cfg.Provider.APIKey = apiKey
	if tgToken != "" {
		cfg.Channels.Telegram.Enabled = true
		cfg.Channels.Telegram.Token = tgToken
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(config.ExpandHome(cfg.DataDir), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create data dir: %v\n", err)
		os.Exit(1)
	}
	if err := kb.EnsureLayout(cfg.KBBaseDir()); err != nil {
		fmt.Fprintf(os.Stderr, "create kb skeleton: %v\n", err)
		os.Exit(1)
	}
	if gitEnabled && !gitops.IsRepo(cfg.KBBaseDir()) {
		if err := gitops.Init(cfg.KBBaseDir()); err != nil {
			fmt.Fprintf(os.Stderr, "git init: %v\n", err)
			os.Exit(1)
		}
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "write config: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Printf("Wrote %s.\n", cfgPath)
	fmt.Println("Next steps:")
	if tgToken == "" {
		fmt.Println("  export NOTEMILL_TELEGRAM_TOKEN=...   # enable the Telegram channel")
	}
	if apiKey == "" {
		fmt.Println("  export NOTEMILL_PROVIDER_API_KEY=...")
	}
	fmt.Println("  notemill serve")
}
