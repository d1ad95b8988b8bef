package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/switchboard-io/switchboard/internal/api"
	"github.com/switchboard-io/switchboard/internal/config"
	"github.com/switchboard-io/switchboard/internal/db"
	"github.com/switchboard-io/switchboard/internal/events"
	discordgw "github.com/switchboard-io/switchboard/internal/gateway/discord"
	"github.com/switchboard-io/switchboard/internal/inbox"
	"github.com/switchboard-io/switchboard/internal/ingest"
	"github.com/switchboard-io/switchboard/internal/outbound"
	"github.com/switchboard-io/switchboard/internal/queue"
	"github.com/switchboard-io/switchboard/internal/webhooks"
	"gorm.io/gorm"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server, queue worker and channel gateways",
		Long:  "Starts the full Switchboard process: HTTP intake and inbox API, the durable job worker and the Discord send gateway. Stops cleanly on SIGINT/SIGTERM.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	d := cfg.Database
	gormDB, err := db.Connect(d.User, d.Password, d.Host, d.Port, d.Database)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", d.Database, err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	publisher, err := newPublisher(ctx, cfg)
	if err != nil {
		return err
	}
	defer publisher.Close()

	bus := events.NewBus()

	pipeline, err := ingest.NewPipeline(ingest.PipelineOpts{DB: gormDB, Bus: bus, Publisher: publisher})
	if err != nil {
		return err
	}

	sender, err := outbound.NewCloudSender(outbound.CloudSenderOpts{
		BaseURL:     cfg.WhatsApp.APIBaseURL,
		Credentials: outbound.NewConfigCredentials(cfg.WhatsApp),
	})
	if err != nil {
		return err
	}
	dispatcher, err := outbound.NewDispatcher(outbound.DispatcherOpts{
		DB: gormDB, Bus: bus, Sender: sender, Publisher: publisher,
	})
	if err != nil {
		return err
	}

	inboxSvc, err := inbox.NewService(inbox.ServiceOpts{DB: gormDB, Dispatcher: dispatcher})
	if err != nil {
		return err
	}
	webhookSvc, err := webhooks.NewService(gormDB)
	if err != nil {
		return err
	}

	if cfg.Discord.BotToken != "" {
		gw, err := discordgw.New(discordgw.GatewayOpts{DB: gormDB, Bus: bus, BotToken: cfg.Discord.BotToken})
		if err != nil {
			return err
		}
		if err := gw.Connect(ctx); err != nil {
			return err
		}
		defer gw.Close()
	}

	worker, err := newQueueWorker(cfg, gormDB, bus, publisher, sender)
	if err != nil {
		return err
	}
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- worker.Run(ctx)
	}()

	err = api.Start(ctx, api.StartOpts{
		Tenant:   cfg.Tenant,
		Pipeline: pipeline,
		Inbox:    inboxSvc,
		Webhooks: webhookSvc,
		Port:     cfg.Server.Port,
		Out:      cmd.OutOrStdout(),
	})
	if werr := <-workerDone; werr != nil && err == nil {
		err = werr
	}
	return err
}

// newPublisher connects to the broker when one is configured; otherwise
// external publishing is disabled and only the in-process bus fires.
func newPublisher(ctx context.Context, cfg *config.Config) (events.Publisher, error) {
	if cfg.AMQP.URL == "" {
		log.Printf("serve: no amqp url configured, external event publishing disabled")
		return events.NopPublisher{}, nil
	}
	pub, err := events.NewAMQPPublisher(ctx, events.DialOptions{URL: cfg.AMQP.URL}, cfg.AMQP.Exchange)
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return pub, nil
}

// newQueueWorker builds the worker with all job handlers registered.
func newQueueWorker(cfg *config.Config, gormDB *gorm.DB, bus *events.Bus, publisher events.Publisher, sender outbound.Sender) (*queue.Worker, error) {
	w := cfg.Worker
	worker, err := queue.NewWorker(queue.WorkerOpts{
		DB:           gormDB,
		PollInterval: time.Duration(w.PollIntervalSeconds) * time.Second,
		BackoffBase:  time.Duration(w.BackoffBaseSeconds) * time.Second,
		StaleAfter:   time.Duration(w.StaleAfterMinutes) * time.Minute,
		CronExpr:     w.MaintenanceCron,
	})
	if err != nil {
		return nil, err
	}
	worker.Register(queue.TypeProcessIncoming, ingest.ProcessIncomingHandler(gormDB, publisher))
	worker.Register(queue.TypeSendMessage, outbound.SendMessageHandler(gormDB, bus, sender))
	return worker, nil
}
