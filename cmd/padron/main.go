package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mutualsoft/padron/internal/app"
	"github.com/mutualsoft/padron/internal/config"
	log "github.com/sirupsen/logrus"
)

const usage = `usage: padron <command> [flags]

commands:
  serve      run the admin API
  worker     consume the publication and propagation queues
  migrate    create or update database tables
  recompute  recompute collateral totals of a tenant
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	command, args := os.Args[1], os.Args[2:]

	fs := flag.NewFlagSet(command, flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.yaml (default $PADRON_CONFIG or ./config.yaml)")
	tenantID := fs.Uint64("tenant", 0, "tenant id (recompute)")
	date := fs.String("date", "", "effective date YYYY-MM-DD (recompute, default today)")
	pageSize := fs.Int("page-size", 0, "members per page (recompute)")
	_ = fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	appCfg := config.AppConfig{ConfigPath: *configPath}

	var err error
	switch command {
	case "serve":
		err = app.RunServer(ctx, appCfg)
	case "worker":
		err = app.RunWorker(ctx, appCfg)
	case "migrate":
		err = app.Migrate(ctx, appCfg)
	case "recompute":
		err = recompute(ctx, appCfg, *tenantID, *date, *pageSize)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.WithError(err).Errorf("padron %s failed", command)
		os.Exit(1)
	}
}

func recompute(ctx context.Context, appCfg config.AppConfig, tenantID uint64, date string, pageSize int) error {
	if tenantID == 0 {
		return fmt.Errorf("-tenant is required")
	}
	effective := time.Now().UTC()
	if date != "" {
		parsed, errParse := time.ParseInLocation("2006-01-02", date, time.UTC)
		if errParse != nil {
			return fmt.Errorf("invalid -date: %w", errParse)
		}
		effective = parsed
	}
	_, err := app.RunRecompute(ctx, appCfg, app.RecomputeParams{TenantID: tenantID, EffectiveDate: effective, PageSize: pageSize})
	return err
}
