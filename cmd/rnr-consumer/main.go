package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hydrovis/rnr"
	"github.com/hydrovis/rnr/health"
	"github.com/hydrovis/rnr/internal/config"
	"github.com/hydrovis/rnr/internal/rabbitmq"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	settings, envErr := config.FromEnv(config.Default())

	var (
		logLevel   string
		logFormat  string
		healthAddr string
		logger     *slog.Logger
	)

	rootCmd := &cobra.Command{
		Use:   "rnr-consumer",
		Short: "Consume flood and regular requests from RabbitMQ",
		Long: `rnr-consumer reads requests from a priority queue and a base queue,
processing flood requests ahead of the regular backlog. Failed requests are
retried and finally moved to the error queue.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			logger, err = newLogger(logLevel, logFormat)
			if err != nil {
				return err
			}
			if envErr != nil {
				logger.Error("invalid environment", "error", envErr)
				return envErr
			}
			if err := settings.Validate(); err != nil {
				logger.Error("invalid settings", "error", err)
				return err
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsumer(cmd.Context(), settings, logger, healthAddr)
		},
	}

	flags := rootCmd.PersistentFlags()
	settings.BindFlags(flags)
	flags.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	flags.StringVar(&healthAddr, "health-addr", "", "address serving /healthz, disabled when empty")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Consume both queues until interrupted (the default)",
		RunE:  rootCmd.RunE,
	}

	rootCmd.AddCommand(
		runCmd,
		newPublishCmd(&settings, &logger),
		newCheckCmd(&settings, &logger),
	)

	return rootCmd
}

func runConsumer(ctx context.Context, settings config.Settings, logger *slog.Logger, healthAddr string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := rnr.NewService(settings, rnr.LogDispatcher{Logger: logger}, rnr.WithLogger(logger))
	if err != nil {
		return err
	}

	if healthAddr != "" {
		shutdown := serveHealth(logger, healthAddr, svc.Health())
		defer shutdown()
	}

	if err := svc.Run(ctx); err != nil {
		logger.Error("consumer stopped", "error", err)
		return err
	}
	return nil
}

func newPublishCmd(settings *config.Settings, logger **slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "publish <queue> [json-object...]",
		Short: "Publish JSON messages to a queue",
		Long: `Publish one message per JSON object argument. Without objects, one
object per line is read from stdin. All messages go out as one confirmed batch.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue := args[0]

			messages, err := parseMessages(args[1:])
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), settings.ConfirmTimeout+30*time.Second)
			defer cancel()

			manager := rabbitmq.NewConnectionManager(settings.AMQPURL,
				rabbitmq.WithLogger(*logger),
				rabbitmq.WithConnectionName(settings.ConnectionName+"-publish"),
			)
			if err := manager.Connect(ctx); err != nil {
				return err
			}
			defer manager.Disconnect()

			publisher := rabbitmq.NewPublisher(manager,
				rabbitmq.WithConfirmTimeout(settings.ConfirmTimeout),
				rabbitmq.WithPublisherLogger(*logger),
			)
			defer publisher.Close()

			result, err := publisher.Send(ctx, queue, messages...)
			fmt.Printf("published=%d confirmed=%d nacked=%v\n", result.Published, len(result.Confirmed), result.Nacked)
			return err
		},
	}
}

func parseMessages(args []string) ([]rabbitmq.Message, error) {
	var raw []string
	if len(args) > 0 {
		raw = args
	} else {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				raw = append(raw, line)
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
	}

	messages := make([]rabbitmq.Message, 0, len(raw))
	for i, text := range raw {
		var msg rabbitmq.Message
		if err := json.Unmarshal([]byte(text), &msg); err != nil {
			return nil, fmt.Errorf("message %d is not a JSON object: %w", i, err)
		}
		if msg == nil {
			return nil, fmt.Errorf("message %d is not a JSON object", i)
		}
		messages = append(messages, msg)
	}
	if len(messages) == 0 {
		return nil, errors.New("no messages to publish")
	}
	return messages, nil
}

func newCheckCmd(settings *config.Settings, logger **slog.Logger) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check the broker and the configured queues once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			manager := rabbitmq.NewConnectionManager(settings.AMQPURL,
				rabbitmq.WithLogger(*logger),
				rabbitmq.WithConnectionName(settings.ConnectionName+"-check"),
			)
			if err := manager.Connect(ctx); err != nil {
				return err
			}
			defer manager.Disconnect()

			topology := rabbitmq.NewTopologyManager(manager)
			registry := health.NewRegistry(
				health.NewRabbitMQChecker(manager),
				health.NewQueueChecker(settings.PriorityQueue, topology, 0),
				health.NewQueueChecker(settings.BaseQueue, topology, 0),
			)
			if settings.ErrorQueue != "" {
				registry.Register(health.NewQueueChecker(settings.ErrorQueue, topology, 0))
			}

			result := registry.Check(ctx)

			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(result); err != nil {
				return err
			}

			if result.Status == health.StatusUnhealthy {
				return errors.New("unhealthy")
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall time budget for the check")

	return cmd
}

func serveHealth(logger *slog.Logger, addr string, registry *health.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.NewHandler(registry, 5*time.Second))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("serving health", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch format {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}
