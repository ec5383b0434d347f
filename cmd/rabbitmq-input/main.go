package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	rabbitmqinput "github.com/glimte/rabbitmq-input"
	"github.com/glimte/rabbitmq-input/internal/config"
	"github.com/glimte/rabbitmq-input/internal/logging"
	"github.com/glimte/rabbitmq-input/internal/reliability"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// options holds flag values; a flag only takes effect when set explicitly
type options struct {
	envFile         string
	host            string
	vhost           string
	port            int
	username        string
	password        string
	queue           string
	exchange        string
	exchangeType    string
	routingKey      string
	useTLS          bool
	queueDurable    bool
	queueExclusive  bool
	queueAutoDelete bool
	autoAck         bool
	output          string
	logLevel        string
	logFormat       string
	prefetch        int
	startRetries    int
	shutdownTimeout time.Duration
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "rabbitmq-input",
		Short: "Forward RabbitMQ messages as lines of text",
		Long: `rabbitmq-input consumes a RabbitMQ queue and writes every message body,
decoded as UTF-8, as one line to stdout or a fluent-bit forward endpoint.
Flags override environment variables, which override the .env file.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags(), opts)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "error:", err)
				return err
			}
			return run(cmd.Context(), cfg, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	f := rootCmd.PersistentFlags()
	f.StringVar(&opts.envFile, "env-file", "", "Path to a .env file (default ./.env when present)")
	f.StringVarP(&opts.host, "host", "H", rabbitmqinput.DefaultHost, "Broker host")
	f.StringVar(&opts.vhost, "vhost", rabbitmqinput.DefaultVirtualHost, "Broker virtual host")
	f.IntVarP(&opts.port, "port", "p", rabbitmqinput.DefaultPort, "Broker port")
	f.StringVarP(&opts.username, "user", "u", rabbitmqinput.DefaultUsername, "Broker username")
	f.StringVar(&opts.password, "password", rabbitmqinput.DefaultPassword, "Broker password")
	f.StringVarP(&opts.queue, "queue", "q", rabbitmqinput.DefaultQueue, "Queue to consume")
	f.StringVarP(&opts.exchange, "exchange", "e", rabbitmqinput.DefaultExchange, "Exchange to bind the queue to (empty for the default exchange)")
	f.StringVar(&opts.exchangeType, "exchange-type", rabbitmqinput.DefaultExchangeType, "Exchange type: direct, topic, fanout or headers")
	f.StringVarP(&opts.routingKey, "routing-key", "r", rabbitmqinput.DefaultRoutingKey, "Binding routing key")
	f.BoolVar(&opts.useTLS, "ssl", false, "Connect over TLS")
	f.BoolVar(&opts.queueDurable, "queue-durable", false, "Declare the queue durable")
	f.BoolVar(&opts.queueExclusive, "queue-exclusive", false, "Declare the queue exclusive")
	f.BoolVar(&opts.queueAutoDelete, "queue-auto-delete", false, "Declare the queue auto-delete")
	f.BoolVar(&opts.autoAck, "auto-ack", true, "Let the broker acknowledge on delivery")
	f.StringVarP(&opts.output, "output", "o", config.OutputStdout, "Where records go: stdout or fluent")
	f.StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	f.StringVar(&opts.logFormat, "log-format", logging.FormatColor, "Log format: color, text or json")
	f.IntVar(&opts.prefetch, "prefetch", 0, "Unacknowledged delivery limit in manual-ack mode (0 for broker default)")
	f.IntVar(&opts.startRetries, "start-retries", 0, "Retry a failed start this many times when the failure is transient")
	f.DurationVar(&opts.shutdownTimeout, "shutdown-timeout", rabbitmqinput.DefaultShutdownTimeout, "How long to wait for in-flight deliveries on shutdown")

	rootCmd.AddCommand(newCheckCommand(opts))
	return rootCmd
}

// newCheckCommand validates the effective configuration without connecting
func newCheckCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print the effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags(), opts)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "error:", err)
				return err
			}
			s := cfg.RabbitMQ
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "broker:   %s\n", rabbitmqinput.SanitizeURL(s.BrokerConfig().URL()))
			fmt.Fprintf(out, "queue:    %s (durable=%t exclusive=%t autoDelete=%t)\n", s.Queue, s.QueueDurable, s.QueueExclusive, s.QueueAutoDelete)
			exchange := s.Exchange
			if exchange == "" {
				exchange = "(default)"
			}
			fmt.Fprintf(out, "exchange: %s type=%s routingKey=%q\n", exchange, s.ExchangeType, s.RoutingKey)
			fmt.Fprintf(out, "autoAck:  %t\n", s.AutoAck)
			fmt.Fprintf(out, "output:   %s\n", cfg.Output)
			return nil
		},
	}
}

// loadConfig layers flags that were set explicitly over the environment
func loadConfig(flags *pflag.FlagSet, opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.envFile)
	if err != nil {
		return nil, err
	}

	s := &cfg.RabbitMQ
	set := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}
	set("host", func() { s.Host = opts.host })
	set("vhost", func() { s.VirtualHost = opts.vhost })
	set("port", func() { s.Port = opts.port })
	set("user", func() { s.Username = opts.username })
	set("password", func() { s.Password = opts.password })
	set("queue", func() { s.Queue = opts.queue })
	set("exchange", func() { s.Exchange = opts.exchange })
	set("exchange-type", func() { s.ExchangeType = opts.exchangeType })
	set("routing-key", func() { s.RoutingKey = opts.routingKey })
	set("ssl", func() { s.UseTLS = opts.useTLS })
	set("queue-durable", func() { s.QueueDurable = opts.queueDurable })
	set("queue-exclusive", func() { s.QueueExclusive = opts.queueExclusive })
	set("queue-auto-delete", func() { s.QueueAutoDelete = opts.queueAutoDelete })
	set("auto-ack", func() { s.AutoAck = opts.autoAck })
	set("output", func() { cfg.Output = opts.output })
	set("log-level", func() { cfg.Log.Level = opts.logLevel })
	set("log-format", func() { cfg.Log.Format = opts.logFormat })
	set("start-retries", func() { cfg.StartRetries = opts.startRetries })

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config, opts *options, stdout, stderr io.Writer) error {
	logger, closeLogger, err := buildLogger(cfg, stderr)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return err
	}
	defer closeLogger()

	sink, closeSink, err := buildSink(cfg, stdout)
	if err != nil {
		logger.Error("failed to create sink", "error", err, "output", cfg.Output)
		return err
	}
	defer closeSink()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	listener := rabbitmqinput.NewListener(
		rabbitmqinput.WithLogger(logger),
		rabbitmqinput.WithShutdownTimeout(opts.shutdownTimeout),
		rabbitmqinput.WithPrefetchCount(opts.prefetch),
	)
	defer listener.Dispose()

	policy := reliability.NewExponentialBackoff(time.Second, 30*time.Second, 2.0, cfg.StartRetries, rabbitmqinput.IsRetryable)
	err = reliability.Retry(ctx, policy, func() error {
		return listener.StartWithSettings(ctx, cfg.RabbitMQ, sink)
	}, func(attempt int, delay time.Duration, err error) {
		logger.Warn("start failed, retrying", "error", err, "attempt", attempt, "delay", delay)
	})
	if err != nil {
		logger.Error("could not start", "error", err, "retryable", rabbitmqinput.IsRetryable(err))
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case <-listener.Done():
		runErr = errors.New("delivery stream ended unexpectedly")
		logger.Error("listener stopped on its own", "error", runErr)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), opts.shutdownTimeout+time.Second)
	defer cancel()
	if err := listener.Stop(stopCtx); err != nil {
		logger.Warn("shutdown was not clean", "error", err)
	}

	stats := listener.Stats()
	logger.Info("done",
		"received", stats.Received,
		"forwarded", stats.Forwarded,
		"decodeFailures", stats.DecodeFailures,
		"sinkFailures", stats.SinkFailures)

	return runErr
}

func buildLogger(cfg *config.Config, stderr io.Writer) (*slog.Logger, func(), error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	console, err := logging.NewHandler(logging.Config{Writer: stderr, Level: level, Format: cfg.Log.Format})
	if err != nil {
		return nil, nil, err
	}

	handlers := []slog.Handler{console}
	closeFn := func() {}

	if cfg.FluentBit.Enabled {
		fluentLevel, err := logging.ParseLevel(cfg.FluentBit.Level)
		if err != nil {
			return nil, nil, err
		}
		client, err := logging.NewFluentClient(logging.FluentConfig{
			Host:      cfg.FluentBit.Host,
			Port:      cfg.FluentBit.Port,
			TagPrefix: cfg.FluentBit.TagPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		handlers = append(handlers, logging.NewFluentHandler(client, fluentLevel))
		closeFn = func() {
			if err := client.Close(); err != nil {
				fmt.Fprintln(stderr, "error closing fluent client:", err)
			}
		}
	}

	logger, err := logging.New(handlers...)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return logger.With("service", "rabbitmq-input"), closeFn, nil
}

func buildSink(cfg *config.Config, stdout io.Writer) (rabbitmqinput.Sink, func(), error) {
	switch cfg.Output {
	case config.OutputFluent:
		sink, err := rabbitmqinput.NewFluentSink(rabbitmqinput.FluentConfig{
			Host:      cfg.FluentBit.Host,
			Port:      cfg.FluentBit.Port,
			TagPrefix: cfg.FluentBit.TagPrefix,
			Tag:       cfg.FluentBit.Tag,
		})
		if err != nil {
			return nil, nil, err
		}
		return sink, func() { _ = sink.Close() }, nil
	default:
		return rabbitmqinput.NewWriterSink(stdout), func() {}, nil
	}
}
