package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/pcfd"
	"pkt.systems/pcfd/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("PCFD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "pcfd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if err != context.Canceled {
			svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "pcfd",
		Short:         "pcfd distributes privacy commands to data agents under lease receipts and checkpoints",
		SilenceErrors: true,
		Example: `
  # In-memory storage (tests/dev only)
  pcfd --store mem:// --agent-map agents.yaml --auth-tokens tokens.yaml

  # MinIO backend (TLS on by default; append ?insecure=1 for HTTP)
  PCFD_STORE='s3://localhost:9000/pcfd-commands?insecure=1' pcfd --agent-map agents.yaml --auth-tokens tokens.yaml

  # AWS S3 backend (expects AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY)
  PCFD_STORE='aws://pcfd-commands?region=us-west-2' pcfd --agent-map agents.yaml --auth-tokens tokens.yaml

  # Azure Blob backend
  PCFD_STORE='azure://account/pcfd-commands' pcfd --agent-map agents.yaml --auth-tokens tokens.yaml
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			var cfg pcfd.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}

			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}

			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"starting pcfd",
				"pid", os.Getpid(),
				"store", cfg.Store,
				"listen", cfg.Listen,
			)

			server, err := pcfd.NewServer(cfg, pcfd.WithLogger(logger))
			if err != nil {
				return err
			}

			shutdownTimeout := cfg.ShutdownTimeout
			if shutdownTimeout <= 0 {
				shutdownTimeout = pcfd.DefaultShutdownTimeout
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			go func() {
				<-ctx.Done()
				if cfg.DrainGrace > 0 {
					cliLogger.Info("draining before shutdown", "grace", cfg.DrainGrace)
					time.Sleep(cfg.DrainGrace)
				}
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			err = server.Start()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file")

	flags := cmd.Flags()
	flags.String("listen", pcfd.DefaultListen, "listen address")
	flags.String("metrics-listen", pcfd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", pcfd.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Bool("http-tracing", false, "wrap protocol endpoints in server spans (requires --otlp-endpoint)")
	flags.String("store", "", "storage backend URL (mem://, s3://host[:port]/bucket, aws://bucket, azure://account/container)")
	flags.String("queue-moniker", pcfd.DefaultQueueMoniker, "namespace for this broker's objects inside the store")
	flags.String("agent-map", "", "path to the agent map YAML file")
	flags.String("auth-tokens", "", "path to the bearer token YAML file")
	flags.String("throttle-rules", "", "path to the live-reloaded admission rules YAML file (empty disables)")
	flags.String("json-max", humanizeBytes(pcfd.DefaultJSONMaxBytes), "maximum JSON request body size")
	flags.Int("max-commands-per-pop", 0, "cap on one getcommands response (0 uses the queue batch size)")
	flags.Duration("default-lease", 0, "lease granted when agents request none (0 uses the built-in default)")
	flags.Duration("max-lease", 0, "ceiling on requested pop leases (0 uses the built-in default)")
	flags.Duration("high-priority-budget", 0, "minimum time getcommands drains high-priority queues first")
	flags.Int("max-batch-size", 0, "cap on batch checkpoint items (0 uses the built-in default)")
	flags.Bool("disable-deferred-deletes", false, "apply completion deletes inline instead of spreading them")
	flags.Int("delete-workers", pcfd.DefaultDeleteWorkers, "deferred-delete worker pool size")
	flags.Int("export-aad-sla-days", 0, "lease ceiling for AAD export commands, in days (0 uses the built-in default)")
	flags.Int("export-nonaad-sla-days", 0, "lease ceiling for non-AAD export commands, in days")
	flags.Int("nonexport-sla-days", 0, "lease ceiling for non-export commands, in days")
	flags.Int("command-ttl-days", 0, "absolute command lifetime, in days")
	flags.Int("account-close-ttl-days", 0, "absolute account-close command lifetime, in days")
	flags.Duration("ageout-max-lease-extension", 0, "cap on a single age-out lease extension")
	flags.Int("http2-max-concurrent-streams", pcfd.DefaultMaxConcurrentStreams, "maximum concurrent HTTP/2 streams per connection")
	flags.Duration("drain-grace", pcfd.DefaultDrainGrace, "delay before shutdown begins so load balancers stop routing")
	flags.Duration("shutdown-timeout", pcfd.DefaultShutdownTimeout, "cap on graceful shutdown")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	bindFlag := func(name string) {
		var flag *pflag.Flag
		if flag = flags.Lookup(name); flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("PCFD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config",
		"listen", "metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint", "http-tracing",
		"store", "queue-moniker", "agent-map", "auth-tokens", "throttle-rules",
		"json-max", "max-commands-per-pop", "default-lease", "max-lease", "high-priority-budget",
		"max-batch-size", "disable-deferred-deletes", "delete-workers",
		"export-aad-sla-days", "export-nonaad-sla-days", "nonexport-sla-days", "command-ttl-days", "account-close-ttl-days", "ageout-max-lease-extension",
		"http2-max-concurrent-streams", "drain-grace", "shutdown-timeout", "log-level",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(cfg *pcfd.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.HTTPTracing = viper.GetBool("http-tracing")
	cfg.Store = viper.GetString("store")
	cfg.QueueMoniker = viper.GetString("queue-moniker")
	cfg.AgentMapPath = viper.GetString("agent-map")
	cfg.AuthTokensPath = viper.GetString("auth-tokens")
	cfg.ThrottleRulesPath = viper.GetString("throttle-rules")
	if maxBytes := viper.GetString("json-max"); maxBytes != "" {
		size, err := humanize.ParseBytes(maxBytes)
		if err != nil {
			return fmt.Errorf("parse json-max: %w", err)
		}
		cfg.JSONMaxBytes = int64(size)
	}
	cfg.MaxCommandsPerPop = viper.GetInt("max-commands-per-pop")
	cfg.DefaultLeaseDuration = viper.GetDuration("default-lease")
	cfg.MaxLeaseDuration = viper.GetDuration("max-lease")
	cfg.HighPriorityBudget = viper.GetDuration("high-priority-budget")
	cfg.MaxBatchSize = viper.GetInt("max-batch-size")
	cfg.DisableDeferredDeletes = viper.GetBool("disable-deferred-deletes")
	cfg.DeleteWorkers = viper.GetInt("delete-workers")
	cfg.ExportAADSLADays = viper.GetInt("export-aad-sla-days")
	cfg.ExportNonAADSLADays = viper.GetInt("export-nonaad-sla-days")
	cfg.NonExportSLADays = viper.GetInt("nonexport-sla-days")
	cfg.CommandTTLDays = viper.GetInt("command-ttl-days")
	cfg.AccountCloseTTLDays = viper.GetInt("account-close-ttl-days")
	cfg.AgeOutMaxLeaseExtension = viper.GetDuration("ageout-max-lease-extension")
	cfg.HTTP2MaxConcurrentStreams = viper.GetInt("http2-max-concurrent-streams")
	cfg.DrainGrace = viper.GetDuration("drain-grace")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	return nil
}
