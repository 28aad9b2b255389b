package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"wholesale_backend/internal/analytics"
	"wholesale_backend/internal/bootstrap"
	"wholesale_backend/internal/credit"
	"wholesale_backend/internal/extract"
	"wholesale_backend/internal/infrastructure/health"
	"wholesale_backend/internal/infrastructure/metrics"
	"wholesale_backend/internal/jobs"
	"wholesale_backend/internal/ledger"
	"wholesale_backend/internal/notify"
	"wholesale_backend/internal/orders"
	"wholesale_backend/internal/parser"
	"wholesale_backend/internal/recovery"
	"wholesale_backend/internal/routing"
	"wholesale_backend/internal/server"
	"wholesale_backend/internal/webhook"
	"wholesale_backend/internal/workflow"
	"wholesale_backend/pkg/liveserver"
)

var (
	// set via build flags
	version   = "dev"
	buildTime = "unknown"
)

const (
	webhookPollInterval = 15 * time.Second
	analyticsInterval   = 15 * time.Minute
	deadLetterCeiling   = 100
)

func main() {
	configPath := flag.String("config", "configs/server.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("wholesale_backend %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}

	if err := run(app); err != nil {
		os.Exit(1)
	}
}

func run(app *bootstrap.App) error {
	cfg, st, log := app.Cfg, app.Store, app.Logger
	log.Info("starting wholesale backend",
		"version", version, "port", cfg.Server.Port, "broker", cfg.BrokerEnabled())

	ctx := context.Background()

	ps, err := parser.NewService(ctx, st, cfg.Parser, log, nil)
	if err != nil {
		log.Error("failed to build parser", "error", err)
		return err
	}
	lg := ledger.NewService(st, log, nil)
	cr := credit.NewService(st, lg, cfg.Credit, log, nil)
	rt := routing.NewService(st, cfg.Routing, log, nil)
	eng := workflow.NewEngine(st, log, nil)
	ex := extract.New(cfg.Providers, log)

	fab := jobs.New(cfg.Broker.URL, st, log, nil)

	sender := notify.NewWhatsAppSender(cfg.WhatsApp, log)
	alerter := notify.NewAlerter(sender, st, cfg.WhatsApp.AdminPhones, log, nil)
	an := analytics.NewService(st, lg, alerter, log, nil)

	hub := liveserver.NewHub(log)
	feed := liveserver.NewServer(hub, log, liveserver.Config{
		AllowedOrigins: cfg.Telemetry.LiveAllowedOrigins,
		MaxConnections: cfg.Telemetry.LiveMaxConnections,
		Production:     cfg.App.Production(),
	})

	wh := webhook.NewProcessor(st, cfg.Recovery, log, nil)

	svc := orders.NewService(st, ps, ex, cr, rt, eng, fab, sender, hub,
		cfg.Routing, log, nil)
	svc.RegisterHandlers(fab, an)
	svc.RegisterInbound(wh)

	worker := recovery.NewWorker(st, wh, eng, rt, alerter, cfg.Recovery, log, nil)

	hm := health.NewManager(log)
	hm.Register("database", health.DatabaseCheck(st.DB()))
	hm.Register("broker", health.BrokerCheck(fab.Broker()))
	hm.Register("dead_letters", health.BacklogCheck(func() (int, error) {
		dead, err := st.ListDeadLetterJobs(ctx, deadLetterCeiling+1)
		if err != nil {
			return 0, err
		}
		return len(dead), nil
	}, deadLetterCeiling, fmt.Errorf("dead letter backlog over %d", deadLetterCeiling)))

	api := server.New(server.Deps{
		Orders:   svc,
		Recovery: worker,
		Fabric:   fab,
		Webhooks: wh,
		Health:   hm,
		Store:    st,
	}, cfg.Server, cfg.WhatsApp, cfg.App.Production(), log)

	runners := []bootstrap.Runner{
		api,
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			hub.Run(ctx)
			return nil
		}),
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			return feed.Start(ctx, fmt.Sprintf(":%d", cfg.Telemetry.LivePort))
		}),
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			fab.Start(ctx)
			<-ctx.Done()
			fab.Stop()
			return nil
		}),
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			wh.Run(ctx, webhookPollInterval)
			return nil
		}),
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			worker.Run(ctx)
			return nil
		}),
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			an.Run(ctx, analyticsInterval)
			return nil
		}),
	}
	if cfg.Telemetry.EnableMetrics {
		runners = append(runners, metrics.NewServer(cfg.Telemetry.MetricsPort, fab, log))
	}

	err = app.Run(runners...)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if closeErr := app.Close(shutdownCtx); closeErr != nil {
		log.Error("shutdown cleanup failed", "error", closeErr)
	}
	return err
}
