package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/notemill/notemill/internal/config"
	"github.com/notemill/notemill/internal/gitops"
	"github.com/notemill/notemill/internal/kb"
	"github.com/notemill/notemill/internal/mcp"
	"github.com/notemill/notemill/internal/tracker"
	"github.com/notemill/notemill/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("notemill doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND — defaults plus env apply)")
	} else {
		fmt.Println(" (OK)")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("  Config INVALID: %s\n", err)
	} else {
		fmt.Println("  Config valid")
	}

	fmt.Println()
	fmt.Println("  Data:")
	dataDir := config.ExpandHome(cfg.DataDir)
	if _, err := os.Stat(dataDir); err != nil {
		fmt.Printf("    %-14s %s (MISSING — created on first serve)\n", "Dir:", dataDir)
	} else {
		fmt.Printf("    %-14s %s (OK)\n", "Dir:", dataDir)
	}
	if trk, err := tracker.New(cfg.TrackerPath()); err != nil {
		fmt.Printf("    %-14s UNREADABLE (%s)\n", "Tracker:", err)
	} else {
		fmt.Printf("    %-14s %d records", "Tracker:", trk.Len())
		if n := trk.CorruptLines(); n > 0 {
			fmt.Printf(", %d corrupt lines skipped", n)
		}
		fmt.Println()
	}
	if cfg.Index.Enabled {
		if _, err := os.Stat(cfg.IndexPath()); err != nil {
			fmt.Printf("    %-14s %s (not built yet)\n", "Index:", cfg.IndexPath())
		} else {
			fmt.Printf("    %-14s %s (OK)\n", "Index:", cfg.IndexPath())
		}
	} else {
		fmt.Printf("    %-14s disabled\n", "Index:")
	}

	fmt.Println()
	fmt.Println("  Knowledge bases:")
	kbs, err := kb.NewRegistry(cfg.KBRegistryPath())
	if err != nil {
		fmt.Printf("    registry UNREADABLE (%s)\n", err)
	} else if all := kbs.All(); len(all) == 0 {
		fmt.Println("    none attached yet (users attach via /start)")
	} else {
		for _, d := range all {
			state := "OK"
			if _, err := os.Stat(d.RootPath); err != nil {
				state = "ROOT MISSING"
			} else if d.GitEnabled && !gitops.IsRepo(d.RootPath) {
				state = "git enabled but no repository"
			}
			fmt.Printf("    %-14s %s (%s)\n", d.ID+":", d.RootPath, state)
		}
	}

	fmt.Println()
	fmt.Println("  Channels:")
	checkChannel("Telegram", cfg.Channels.Telegram.Enabled, cfg.Channels.Telegram.Token != "")
	checkChannel("Discord", cfg.Channels.Discord.Enabled, cfg.Channels.Discord.Token != "")

	fmt.Println()
	fmt.Println("  Provider:")
	fmt.Printf("    %-14s %s\n", "Endpoint:", cfg.Provider.BaseURL)
	fmt.Printf("    %-14s %s\n", "Model:", cfg.Provider.Model)
	if cfg.Provider.APIKey == "" {
		fmt.Printf("    %-14s NOT SET\n", "API key:")
	} else {
		fmt.Printf("    %-14s %s\n", "API key:", mask(cfg.Provider.APIKey))
	}

	fmt.Println()
	fmt.Println("  MCP registry:")
	checkMCPDir("shared", cfg.MCPSharedDir())
	checkMCPDir("per-user", cfg.MCPUsersDir())
}

func checkChannel(name string, enabled, hasToken bool) {
	switch {
	case !enabled:
		fmt.Printf("    %-14s disabled\n", name+":")
	case !hasToken:
		fmt.Printf("    %-14s enabled, NO TOKEN\n", name+":")
	default:
		fmt.Printf("    %-14s enabled (token set)\n", name+":")
	}
}

func checkMCPDir(label, dir string) {
	defs, err := mcp.LoadDir(dir)
	switch {
	case err != nil:
		fmt.Printf("    %-14s %s (PARSE ERROR: %s)\n", label+":", dir, err)
	case len(defs) == 0:
		fmt.Printf("    %-14s %s (empty)\n", label+":", dir)
	default:
		enabled := 0
		for _, d := range defs {
			if d.IsEnabled() {
				enabled++
			}
		}
		fmt.Printf("    %-14s %s (%d servers, %d enabled)\n", label+":", dir, len(defs), enabled)
	}
}

func mask(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "…" + s[len(s)-4:]
}
