package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/powerbot/powerbot/backup"
	"github.com/powerbot/powerbot/config"
	"github.com/powerbot/powerbot/internal/profile"
	"github.com/powerbot/powerbot/internal/version"
	"github.com/powerbot/powerbot/store"
	"github.com/powerbot/powerbot/supervisor"
)

var rootCmd = &cobra.Command{
	Use:   "powerbot",
	Short: `Multi-service chat bot supervisor: economy ledger, stream watcher, broadcast hub and database replication under one console.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		// A missing .env file is fine; service managers inject the
		// environment directly.
		_ = godotenv.Load()
		return nil
	},
	RunE: func(_ *cobra.Command, _ []string) error {
		return runSupervisor()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println(version.StringFull())
	},
}

func loadProfile() (*profile.Profile, error) {
	p := &profile.Profile{
		Mode:    viper.GetString("mode"),
		Data:    viper.GetString("data"),
		Version: version.String(),
	}
	p.FromEnv()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func runSupervisor() error {
	instanceProfile, err := loadProfile()
	if err != nil {
		return err
	}
	logger := slog.Default()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storeInstance, err := store.Open(instanceProfile)
	if err != nil {
		return err
	}
	defer storeInstance.Close()
	if err := storeInstance.Migrate(ctx); err != nil {
		return err
	}

	toggles, err := config.OpenToggles(filepath.Join(instanceProfile.Data, "toggles.json"))
	if err != nil {
		return err
	}
	autosave, err := config.OpenAutosave(filepath.Join(instanceProfile.Data, "autosave.json"))
	if err != nil {
		return err
	}
	livefeed, err := config.OpenLivefeed(filepath.Join(instanceProfile.Data, "livefeed.json"))
	if err != nil {
		return err
	}

	snapshots, err := backup.NewSnapshots(instanceProfile.DBPath(), instanceProfile.ServiceDataDir("backup"))
	if err != nil {
		return err
	}
	// The console's backup commands run in-process; the scheduled loops
	// belong to the backup worker.
	backupSvc := backup.NewService(
		storeInstance.GetDB(), instanceProfile.BackupDB, snapshots, autosave, 0, 0, false, logger)

	var console *supervisor.Console
	manager, err := supervisor.NewManager(toggles, func(kind supervisor.Kind, level supervisor.Level, text string) {
		console.PrintWorkerLine(kind, level, text)
	}, logger)
	if err != nil {
		return err
	}
	console = supervisor.NewConsole(manager, toggles, autosave, livefeed, backupSvc, os.Stdin, os.Stdout, logger)

	c := make(chan os.Signal, 1)
	signal.Notify(c, terminationSignals...)
	go func() {
		<-c
		cancel()
	}()

	printGreetings(instanceProfile)
	manager.StartAutorun()
	go manager.Watch(ctx, 10*time.Second)

	err = console.Run(ctx)
	manager.StopAll()
	return err
}

func printGreetings(p *profile.Profile) {
	fmt.Printf("PowerBot %s\n", p.Version)
	fmt.Printf("Data directory: %s\n", p.Data)
	fmt.Printf("Mode: %s\n", p.Mode)
	fmt.Printf("Web worker: http://%s\n", p.WebAddr())
	fmt.Printf("Broadcast hub: ws://%s/ws\n", p.WsocketAddr())
	if p.BackupDB.Configured() {
		fmt.Printf("Mirror database: %s:%d/%s\n", p.BackupDB.Host, p.BackupDB.Port, p.BackupDB.Database)
	} else {
		fmt.Println("Mirror database: not configured (local snapshots only)")
	}
	fmt.Println()
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("data", "")

	rootCmd.PersistentFlags().String("mode", "dev", `mode of the supervisor, can be "prod" or "dev"`)
	rootCmd.PersistentFlags().String("data", "", "data directory")

	if err := viper.BindPFlag("mode", rootCmd.PersistentFlags().Lookup("mode")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag("data", rootCmd.PersistentFlags().Lookup("data")); err != nil {
		panic(err)
	}

	viper.SetEnvPrefix("powerbot")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(workerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// shutdownContext returns a context canceled by the termination signals,
// shared by every worker entrypoint.
func shutdownContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), terminationSignals...)
}
