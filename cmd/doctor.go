package cmd

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentd/internal/config"
	"github.com/nextlevelbuilder/agentd/pkg/protocol"
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
	fmt.Println("agentd doctor")
	fmt.Printf("  Version:  0.3.0 (protocol %d)\n", protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, defaults in effect)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg = config.Default()
		} else {
			fmt.Printf("  Config load error: %s\n", err)
			return
		}
	}

	fmt.Println()
	fmt.Println("  Providers:")
	if len(cfg.Providers) == 0 {
		fmt.Println("    (none configured)")
	}
	families := make([]string, 0, len(cfg.Providers))
	for family := range cfg.Providers {
		families = append(families, family)
	}
	sort.Strings(families)
	for _, family := range families {
		status := "no key"
		if cfg.Providers[family].APIKey != "" {
			status = "key set"
		}
		fmt.Printf("    %-12s %s\n", family, status)
	}

	fmt.Println()
	fmt.Printf("  Store:    %s", cfg.Store.Mode)
	if cfg.Store.Mode == "managed" {
		if cfg.Store.PostgresDSN == "" {
			fmt.Print(" (MISSING postgres_dsn)")
		}
	} else {
		fmt.Printf(" (%s)", cfg.Store.DataDir)
	}
	fmt.Println()

	fmt.Printf("  Gateway:  %s", cfg.Gateway.Addr)
	if isDaemonRunning(cfg.Gateway.Addr) {
		fmt.Println(" (running)")
	} else {
		fmt.Println(" (not running)")
	}

	if cfg.Cron.Enabled {
		fmt.Printf("  Cron:     enabled (%s)\n", cfg.Cron.StorePath)
	} else {
		fmt.Println("  Cron:     disabled")
	}
	if cfg.Tracing.Enabled {
		fmt.Printf("  Tracing:  enabled (%s %s)\n", cfg.Tracing.Protocol, cfg.Tracing.Endpoint)
	} else {
		fmt.Println("  Tracing:  disabled")
	}
}
