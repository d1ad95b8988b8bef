package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/switchboard-io/switchboard/internal/config"
	"github.com/switchboard-io/switchboard/internal/db"
)

const defaultConfigPath = "switchboard.yaml"

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBCreateCmd())
	cmd.AddCommand(newDBDropCmd())
	return cmd
}

func newDBCreateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create the Switchboard database and migrate all tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBCreate(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	return cmd
}

func runDBCreate(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	d := cfg.Database
	adminDB, err := db.ConnectAdmin(d.User, d.Password, d.Host, d.Port)
	if err != nil {
		return fmt.Errorf("connect to %s:%d: %w", d.Host, d.Port, err)
	}
	if err := db.CreateDatabase(adminDB, d.Database); err != nil {
		return err
	}
	fmt.Fprintf(out, "Database %s ready\n", d.Database)

	gormDB, err := db.Connect(d.User, d.Password, d.Host, d.Port, d.Database)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", d.Database, err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))
	return nil
}

func newDBDropCmd() *cobra.Command {
	var (
		configPath string
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   "drop",
		Short: "Drop the Switchboard database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBDrop(cmd, configPath, yes)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation prompt")
	return cmd
}

func runDBDrop(cmd *cobra.Command, configPath string, skipConfirm bool) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if !skipConfirm {
		fmt.Fprintf(out, "Drop database %s? This deletes all conversations and messages. [y/N] ", cfg.Database.Database)
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		if strings.TrimSpace(strings.ToLower(answer)) != "y" {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	d := cfg.Database
	adminDB, err := db.ConnectAdmin(d.User, d.Password, d.Host, d.Port)
	if err != nil {
		return fmt.Errorf("connect to %s:%d: %w", d.Host, d.Port, err)
	}
	if err := db.DropDatabase(adminDB, d.Database); err != nil {
		return err
	}
	fmt.Fprintf(out, "Database %s dropped\n", d.Database)
	return nil
}
