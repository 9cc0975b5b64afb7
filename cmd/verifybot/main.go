package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/roy-adler/Netflix-VerifyBot/pkg/browser"
	"github.com/roy-adler/Netflix-VerifyBot/pkg/config"
	"github.com/roy-adler/Netflix-VerifyBot/pkg/mailbox"
	"github.com/roy-adler/Netflix-VerifyBot/pkg/notify"
	"github.com/roy-adler/Netflix-VerifyBot/pkg/watcher"
)

// Filled at build time with the -X linker flag.
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		// Only configuration and setup errors reach this point; runtime
		// failures (including exhausted retries) end with exit code 0.
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:          "verifybot",
		Short:        "Watches a mailbox for Netflix verification mails and handles them automatically",
		Version:      fmt.Sprintf("%s (%s)", Version, Commit),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfgFile)
		},
	}
	cmd.Flags().StringVarP(&cfgFile, "config", "c", "config.env", "path to the env file with credentials and settings")
	return cmd
}

func run(cfgFile string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger, closeLog, err := newLogger(cfg.App.LogPath)
	if err != nil {
		return err
	}
	defer closeLog()

	notifier := notify.New(logger, cfg.Notify)
	scraper := browser.New(logger)
	scraper.CleanupProfiles()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dial := func(ctx context.Context) (watcher.MailSession, error) {
		return mailbox.Dial(ctx, mailbox.Config{
			Server:   cfg.Email.Server,
			Port:     cfg.Email.Port,
			Address:  cfg.Email.Address,
			Password: cfg.Email.Password,
		}, logger)
	}

	w := watcher.New(watcher.Config{
		CheckInterval: time.Duration(cfg.App.CheckInterval) * time.Second,
		StaleAfter:    time.Duration(cfg.App.StaleAfter) * time.Second,
		MaxAttempts:   cfg.App.MaxRetryAttempts,
		RefreshAfter:  time.Duration(cfg.App.RefreshInterval) * time.Second,
		ArchiveFolder: cfg.App.ArchiveFolder,
	}, dial, scraper, notifier, logger)

	notifier.Info(fmt.Sprintf("Starting Netflix VerifyBot, checking every %d seconds", cfg.App.CheckInterval))
	notifier.Internal(fmt.Sprintf("Logging to %s, channel notifications %s", cfg.App.LogPath, notifier.Status()))

	if err := w.Run(ctx); err != nil {
		notifier.Error(fmt.Sprintf("Watcher stopped unexpectedly: %v", err))
	}
	notifier.Info("Netflix VerifyBot has stopped")
	return nil
}

// newLogger writes to the console and appends to the configured log
// file, creating the parent directory if needed.
func newLogger(path string) (zerolog.Logger, func(), error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("creating log directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("opening log file: %w", err)
	}

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	logger := zerolog.New(zerolog.MultiLevelWriter(console, f)).With().Timestamp().Logger()
	return logger, func() { f.Close() }, nil
}
