package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/switchboard-io/switchboard/internal/config"
	"github.com/switchboard-io/switchboard/internal/db"
	"github.com/switchboard-io/switchboard/internal/events"
	"github.com/switchboard-io/switchboard/internal/outbound"
)

func newWorkerCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a standalone queue worker",
		Long:  "Runs only the durable job worker. Several workers may run in parallel against one database; the claim query hands each due job to exactly one of them.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	return cmd
}

func runWorker(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	d := cfg.Database
	gormDB, err := db.Connect(d.User, d.Password, d.Host, d.Port, d.Database)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", d.Database, err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	publisher, err := newPublisher(ctx, cfg)
	if err != nil {
		return err
	}
	defer publisher.Close()

	sender, err := outbound.NewCloudSender(outbound.CloudSenderOpts{
		BaseURL:     cfg.WhatsApp.APIBaseURL,
		Credentials: outbound.NewConfigCredentials(cfg.WhatsApp),
	})
	if err != nil {
		return err
	}

	// A standalone worker has no gateways subscribed; gateway-channel jobs
	// retry with backoff until a serve process resolves the row.
	worker, err := newQueueWorker(cfg, gormDB, events.NewBus(), publisher, sender)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Worker running, Ctrl-C to stop")
	return worker.Run(ctx)
}
