// Package main is the entry point for the SMTP handler server.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/shineum/smtp-handler-lite/internal/config"
	"github.com/shineum/smtp-handler-lite/internal/handler"
	_ "github.com/shineum/smtp-handler-lite/internal/handler/debug"
	_ "github.com/shineum/smtp-handler-lite/internal/handler/mailbox"
	_ "github.com/shineum/smtp-handler-lite/internal/handler/relay"
	"github.com/shineum/smtp-handler-lite/internal/handler/ses"
	_ "github.com/shineum/smtp-handler-lite/internal/handler/sink"
	"github.com/shineum/smtp-handler-lite/internal/smtp"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	handlerName := flag.String("handler", "", "handler name; remaining arguments configure the handler")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// The -handler flag plus positional arguments take precedence over the
	// handler section of the configuration.
	if *handlerName != "" {
		cfg.Handler.Name = *handlerName
		cfg.Handler.Args = flag.Args()
	}

	// Setup structured logging
	log := setupLogger(cfg.Logging.Level)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Select the message handler
	h, err := selectHandler(ctx, cfg, log)
	if err != nil {
		slog.Error("failed to construct handler",
			"handler", cfg.Handler.Name,
			"error", err,
		)
		os.Exit(1)
	}

	// Create SMTP server
	server := smtp.New(smtp.ServerConfig{
		ListenAddr: cfg.SMTP.Listen,
		Hostname:   cfg.SMTP.Hostname,
		Handler:    h,
		Logger:     log,
	})

	slog.Info("starting smtp-handler-lite",
		"listen", cfg.SMTP.Listen,
		"handler", cfg.Handler.Name,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	// Start the server (blocks until context is cancelled)
	if err := server.ListenAndServe(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("smtp-handler-lite stopped")
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level, and returns it for injection into handlers.
func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(log)
	return log
}

// selectHandler constructs the configured message handler. The ses handler
// is built from its configuration section; the others go through the
// CLI-argument construction path, with the relay and mailbox sections
// supplying arguments when none were given explicitly.
func selectHandler(ctx context.Context, cfg *config.Config, log *slog.Logger) (handler.Handler, error) {
	name := cfg.Handler.Name
	args := cfg.Handler.Args

	switch name {
	case "ses":
		if !cfg.SESConfigured() {
			slog.Error("ses handler selected but SES_REGION and SES_SENDER are required")
			os.Exit(1)
		}
		return ses.New(ctx, ses.Config{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			Sender:          cfg.SES.Sender,
		}, log)

	case "relay":
		if len(args) == 0 && cfg.RelayConfigured() {
			args = []string{cfg.Relay.Host, strconv.Itoa(cfg.Relay.Port)}
		}

	case "mailbox":
		if len(args) == 0 && cfg.Mailbox.Dir != "" {
			args = []string{cfg.Mailbox.Dir}
		}
	}

	return handler.FromArgs(name, args, log)
}
