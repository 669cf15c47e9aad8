package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"procbridge/client"
	"procbridge/codec"
	"procbridge/config"
	"procbridge/discovery"
	"procbridge/loadbalance"
	"procbridge/logging"
	"procbridge/middleware"
)

type clientFlags struct {
	configPath string
	addr       string
	codec      string
	timeout    time.Duration
	retries    int
	etcd       []string
	service    string
	balancer   string
	logLevel   string
}

// commandContext carries what every subcommand needs once flags are parsed.
type commandContext struct {
	flags  clientFlags
	cfg    *config.Config
	logger *zap.Logger
	client *client.Client
	close  func()
}

func newRootCommand() *cobra.Command {
	cc := &commandContext{close: func() {}}

	cmd := &cobra.Command{
		Use:           "pbclient",
		Short:         "Call procbridge servers from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return cc.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			cc.close()
		},
	}

	f := cmd.PersistentFlags()
	f.StringVarP(&cc.flags.configPath, "config", "c", "", "TOML configuration file")
	f.StringVar(&cc.flags.addr, "addr", "", "server address (overrides client.addr)")
	f.StringVar(&cc.flags.codec, "codec", "", "json or jsoniter (overrides client.codec)")
	f.DurationVar(&cc.flags.timeout, "timeout", 0, "connect and read timeout (overrides client.timeout)")
	f.IntVar(&cc.flags.retries, "retries", 0, "retry transport failures this many times")
	f.StringSliceVar(&cc.flags.etcd, "etcd", nil, "discover servers through these etcd endpoints")
	f.StringVar(&cc.flags.service, "service", "", "service name to discover (overrides discovery.service)")
	f.StringVar(&cc.flags.balancer, "balancer", "", "round_robin, weighted_random or consistent_hash")
	f.StringVar(&cc.flags.logLevel, "log-level", "", "debug, info, warn or error")

	cmd.AddCommand(newCallCommand(cc))
	cmd.AddCommand(newListenCommand(cc))
	return cmd
}

func (cc *commandContext) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(cc.flags.configPath)
	if err != nil {
		return err
	}

	changed := cmd.Flags().Changed
	if changed("addr") {
		cfg.Client.Addr = cc.flags.addr
	}
	if changed("codec") {
		cfg.Client.Codec = cc.flags.codec
	}
	if changed("timeout") {
		cfg.Client.Timeout = config.Duration(cc.flags.timeout)
	}
	if changed("retries") {
		cfg.Client.Retries = cc.flags.retries
	}
	if changed("etcd") {
		cfg.Discovery.Endpoints = cc.flags.etcd
	}
	if changed("service") {
		cfg.Discovery.Service = cc.flags.service
	}
	if changed("balancer") {
		cfg.Client.Balancer = cc.flags.balancer
	}
	if changed("log-level") {
		cfg.Log.Level = cc.flags.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cc.cfg = cfg

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	cc.logger = logger

	codecType, err := codec.Parse(cfg.Client.Codec)
	if err != nil {
		return err
	}
	opts := []client.Option{
		client.WithTimeout(cfg.Client.Timeout.Std()),
		client.WithCodec(codec.GetCodec(codecType)),
		client.WithLogger(logger),
		client.WithMiddleware(middleware.LoggingMiddleware(logger)),
	}
	if cfg.Client.Retries > 0 {
		opts = append(opts, client.WithMiddleware(
			middleware.RetryMiddleware(cfg.Client.Retries, cfg.Client.RetryDelay.Std(), client.Retryable),
		))
	}

	if len(cfg.Discovery.Endpoints) == 0 {
		cc.client = client.New(cfg.Client.Addr, opts...)
		cc.close = func() { logger.Sync() }
		return nil
	}

	etcd, err := discovery.NewEtcd(cfg.Discovery.Endpoints, logger)
	if err != nil {
		return fmt.Errorf("connect etcd: %w", err)
	}
	balancer, err := loadbalance.New(cfg.Client.Balancer)
	if err != nil {
		etcd.Close()
		return err
	}
	cc.client = client.NewDiscovered(etcd, cfg.Discovery.Service, balancer, opts...)
	cc.close = func() {
		etcd.Close()
		logger.Sync()
	}
	return nil
}
