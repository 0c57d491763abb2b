package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"chatloop/internal/audit"
	"chatloop/internal/config"
	"chatloop/internal/security"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the local installation",
		Long: `Verifies that the configuration, gateways, Python interpreter, audit
database and HTTP port are usable. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("chatloop doctor v%s\n\n", version)

			d := &doctor{}

			if _, err := os.Stat(config.ExpandPath(cfgPath)); err != nil {
				d.warn("Config file", fmt.Sprintf("not found at %s, using defaults", cfgPath))
			} else {
				d.pass("Config file", cfgPath)
			}

			cfg, err := loadConfig()
			if err != nil {
				d.fail("Config validation", err.Error())
				return d.summary()
			}
			d.pass("Config validation", "valid")

			enabled := 0
			for name, p := range cfg.Providers {
				if !p.Enabled {
					continue
				}
				enabled++
				if p.APIKey == "" && p.APIBase == "" {
					d.warn("Provider: "+name, "enabled but no API key/base configured")
				} else {
					d.pass("Provider: "+name, "configured")
				}
			}
			if enabled == 0 {
				d.fail("Providers", "no providers enabled")
			}

			if path, err := exec.LookPath(cfg.Tools.Python.Interpreter); err != nil {
				d.fail("Python", fmt.Sprintf("%s not found in PATH", cfg.Tools.Python.Interpreter))
			} else {
				d.pass("Python", path)
			}

			if _, err := security.NewPolicy(cfg.Security, logger); err != nil {
				d.fail("Script blacklist", err.Error())
			} else {
				d.pass("Script blacklist", fmt.Sprintf("%d patterns", len(cfg.Security.ScriptBlacklist)))
			}

			if cfg.Audit.Enabled {
				dbPath := config.ExpandPath(cfg.Audit.DBPath)
				if err := checkDatabase(dbPath); err != nil {
					d.fail("Audit database", err.Error())
				} else {
					d.pass("Audit database", dbPath)
				}
			}

			if cfg.Channels.HTTP.Enabled {
				addr := net.JoinHostPort(cfg.Channels.HTTP.Host, strconv.Itoa(cfg.Channels.HTTP.Port))
				if err := checkPort(addr); err != nil {
					d.warn("HTTP port", fmt.Sprintf("%s may be in use: %v", addr, err))
				} else {
					d.pass("HTTP port", addr+" available")
				}
			}

			if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
				d.fail("Telegram", "enabled but no token configured")
			}

			return d.summary()
		},
	}
}

type doctor struct {
	passed, warned, failed int
}

func (d *doctor) pass(check, detail string) {
	d.passed++
	fmt.Printf("  [%s] %-20s %s\n", color.GreenString("PASS"), check, detail)
}

func (d *doctor) warn(check, detail string) {
	d.warned++
	fmt.Printf("  [%s] %-20s %s\n", color.YellowString("WARN"), check, detail)
}

func (d *doctor) fail(check, detail string) {
	d.failed++
	fmt.Printf("  [%s] %-20s %s\n", color.RedString("FAIL"), check, detail)
}

func (d *doctor) summary() error {
	fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", d.passed, d.warned, d.failed)
	if d.failed > 0 {
		return fmt.Errorf("%d check(s) failed", d.failed)
	}
	return nil
}

// checkDatabase opens the audit store, which also applies migrations.
func checkDatabase(dbPath string) error {
	store, err := audit.Open(dbPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := store.RecentRuns(ctx, 1); err != nil {
		return fmt.Errorf("cannot query: %w", err)
	}
	return nil
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}
