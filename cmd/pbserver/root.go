package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"procbridge/config"
)

type serverFlags struct {
	configPath     string
	addr           string
	codec          string
	requestTimeout time.Duration
	maxConns       int
	etcd           []string
	advertise      string
	metricsAddr    string
	logLevel       string
	development    bool
}

func newRootCommand() *cobra.Command {
	var flags serverFlags

	cmd := &cobra.Command{
		Use:           "pbserver",
		Short:         "Serve the example procbridge api",
		Long:          "pbserver exposes echo, add and friends over procbridge. Lines typed on stdin are pushed to clients; \"exit\" stops the server.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, &flags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVarP(&flags.configPath, "config", "c", "", "TOML configuration file")
	f.StringVar(&flags.addr, "addr", "", "listen address (overrides server.addr)")
	f.StringVar(&flags.codec, "codec", "", "json or jsoniter (overrides server.codec)")
	f.DurationVar(&flags.requestTimeout, "request-timeout", 0, "per-request handler timeout (overrides server.request_timeout)")
	f.IntVar(&flags.maxConns, "max-conns", 0, "maximum live connections, 0 for unlimited")
	f.StringSliceVar(&flags.etcd, "etcd", nil, "etcd endpoints to register with")
	f.StringVar(&flags.advertise, "advertise", "", "address published in etcd")
	f.StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	f.StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error")
	f.BoolVar(&flags.development, "dev", false, "human-readable development logging")

	cmd.AddCommand(newSampleConfigCommand())
	return cmd
}

// loadConfig reads the config file and applies flags the user set explicitly.
func loadConfig(cmd *cobra.Command, flags *serverFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed
	if changed("addr") {
		cfg.Server.Addr = flags.addr
	}
	if changed("codec") {
		cfg.Server.Codec = flags.codec
	}
	if changed("request-timeout") {
		cfg.Server.RequestTimeout = config.Duration(flags.requestTimeout)
	}
	if changed("max-conns") {
		cfg.Server.MaxConns = flags.maxConns
	}
	if changed("etcd") {
		cfg.Discovery.Endpoints = flags.etcd
	}
	if changed("advertise") {
		cfg.Discovery.Advertise = flags.advertise
	}
	if changed("metrics-addr") {
		cfg.Metrics.Addr = flags.metricsAddr
	}
	if changed("log-level") {
		cfg.Log.Level = flags.logLevel
	}
	if changed("dev") {
		cfg.Log.Development = flags.development
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newSampleConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sample-config",
		Short: "Print a sample configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprint(cmd.OutOrStdout(), config.Sample())
			return err
		},
	}
}
