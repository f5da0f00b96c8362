package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"
	"pkt.systems/taskd"
	"pkt.systems/taskd/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("TASKD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "taskd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "taskd",
		Short:         "taskd serves planning-change tools over authenticated SSE and NDJSON streams",
		SilenceErrors: true,
		Example: `
  # Serve ./changes with a single bearer token
  TASKD_AUTH_TOKEN=s3cret taskd --changes-dir ./changes

  # TLS with an explicit origin allowlist and Prometheus scrape endpoint
  taskd --tls-cert server.crt --tls-key server.key \
    --allowed-origins https://planner.example.com --metrics-listen :9464

  # Export traces to a local OTLP collector
  taskd --otlp-endpoint localhost:4317 --otlp-insecure
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

			cfg, err := bindConfig()
			if err != nil {
				return err
			}
			if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
			}
			cfg.Logger = logger

			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to taskd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			server, err := taskd.New(ctx, cfg)
			if err != nil {
				return err
			}
			return server.Run(ctx)
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file")

	flags := cmd.Flags()
	flags.String("listen", taskd.DefaultListen, "listen address")
	flags.String("tls-cert", "", "TLS certificate path (empty serves plaintext HTTP)")
	flags.String("tls-key", "", "TLS key path")
	flags.StringSlice("auth-token", nil, "bearer token accepted by the gateway (repeatable; or TASKD_AUTH_TOKEN)")
	flags.StringSlice("allowed-origins", nil, "CORS origin allowlist (empty rejects cross-origin, * allows all)")
	flags.Int("rate-limit", taskd.DefaultRateLimit, "requests per minute per identity")
	flags.Int("rate-limit-burst", taskd.DefaultRateLimitBurst, "extra requests tolerated above the per-minute rate")
	flags.Bool("enable-hsts", false, "emit Strict-Transport-Security on responses")
	flags.Duration("heartbeat", taskd.DefaultHeartbeat, "SSE keep-alive interval")
	flags.String("max-response-size", humanizeBytes(taskd.DefaultMaxResponseBytes), "maximum serialized tool result size")
	flags.Duration("tool-timeout", taskd.DefaultToolTimeout, "per-request tool execution deadline")
	flags.String("changes-dir", taskd.DefaultChangesDir, "root directory holding change folders")
	flags.String("lock-dir", "", "lock directory (defaults to <changes-dir>/"+taskd.LockDirName+")")
	flags.String("metrics-listen", "", "Prometheus scrape listen address (empty disables)")
	flags.String("otlp-endpoint", "", "OTLP trace collector endpoint (empty disables tracing export)")
	flags.String("otlp-protocol", "grpc", "OTLP transport (grpc or http)")
	flags.Bool("otlp-insecure", false, "disable TLS for the OTLP exporter")
	flags.String("log-level", "info", "minimum log level (trace, debug, info, warn, error)")

	viper.SetEnvPrefix("TASKD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	lookup := func(name string) *pflag.Flag {
		if flag := flags.Lookup(name); flag != nil {
			return flag
		}
		return persistentFlags.Lookup(name)
	}
	bindFlag := func(name string) {
		flag := lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}
	for _, name := range []string{
		"config",
		"listen", "tls-cert", "tls-key",
		"auth-token", "allowed-origins",
		"rate-limit", "rate-limit-burst", "enable-hsts",
		"heartbeat", "max-response-size", "tool-timeout",
		"changes-dir", "lock-dir",
		"metrics-listen", "otlp-endpoint", "otlp-protocol", "otlp-insecure",
		"log-level",
	} {
		bindFlag(name)
	}

	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig() (taskd.Config, error) {
	var cfg taskd.Config
	cfg.Listen = viper.GetString("listen")
	cfg.TLSCert = viper.GetString("tls-cert")
	cfg.TLSKey = viper.GetString("tls-key")
	cfg.AuthTokens = viper.GetStringSlice("auth-token")
	cfg.AllowedOrigins = viper.GetStringSlice("allowed-origins")
	cfg.RateLimit = viper.GetInt("rate-limit")
	cfg.RateLimitBurst = viper.GetInt("rate-limit-burst")
	cfg.EnableHSTS = viper.GetBool("enable-hsts")
	cfg.Heartbeat = viper.GetDuration("heartbeat")
	if raw := viper.GetString("max-response-size"); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return cfg, fmt.Errorf("parse max-response-size: %w", err)
		}
		cfg.MaxResponseBytes = int64(size)
	}
	cfg.ToolTimeout = viper.GetDuration("tool-timeout")
	cfg.ChangesDir = viper.GetString("changes-dir")
	cfg.LockDir = viper.GetString("lock-dir")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.OTLPProtocol = viper.GetString("otlp-protocol")
	cfg.OTLPInsecure = viper.GetBool("otlp-insecure")
	return cfg, nil
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

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
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
