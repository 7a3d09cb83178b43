// Package economy implements the economy service command.
package economy

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/kc92/desperado/internal/economy/app"
	platformcmd "github.com/kc92/desperado/internal/platform/cmd"
)

// Config captures economy service settings from environment and flags.
type Config struct {
	DatabasePath    string        `env:"DESPERADO_ECONOMY_DB_PATH" envDefault:"economy.db"`
	MaxBalance      int64         `env:"DESPERADO_ECONOMY_MAX_BALANCE"`
	ResumeInterval  time.Duration `env:"DESPERADO_ECONOMY_RESUME_INTERVAL" envDefault:"30s"`
	GuardStaleAfter time.Duration `env:"DESPERADO_ECONOMY_GUARD_STALE_AFTER" envDefault:"1m"`
}

// Run parses configuration and runs the economy service until ctx ends.
func Run(ctx context.Context, args []string) error {
	var cfg Config
	if err := platformcmd.ParseConfig(&cfg); err != nil {
		return fmt.Errorf("parse economy config: %w", err)
	}

	fs := flag.NewFlagSet(platformcmd.ServiceEconomy, flag.ContinueOnError)
	fs.StringVar(&cfg.DatabasePath, "db", cfg.DatabasePath, "path to the economy SQLite database")
	fs.Int64Var(&cfg.MaxBalance, "max-balance", cfg.MaxBalance, "maximum balance any account may hold (0 keeps the default)")
	fs.DurationVar(&cfg.ResumeInterval, "resume-interval", cfg.ResumeInterval, "how often unfinished workflows are resumed")
	fs.DurationVar(&cfg.GuardStaleAfter, "guard-stale-after", cfg.GuardStaleAfter, "window before an in-flight idempotency claim is presumed crashed")
	if err := platformcmd.ParseArgs(fs, args); err != nil {
		return err
	}

	return platformcmd.RunWithTelemetry(ctx, platformcmd.ServiceEconomy, func(ctx context.Context) error {
		economy, err := app.New(app.Config{
			DatabasePath:    cfg.DatabasePath,
			MaxBalance:      cfg.MaxBalance,
			ResumeInterval:  cfg.ResumeInterval,
			GuardStaleAfter: cfg.GuardStaleAfter,
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := economy.Close(); err != nil {
				log.Printf("economy storage close: %v", err)
			}
		}()

		log.Printf("economy service started db=%s resume_interval=%s", cfg.DatabasePath, cfg.ResumeInterval)
		return economy.Run(ctx)
	})
}
