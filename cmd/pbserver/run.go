package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"procbridge/codec"
	"procbridge/config"
	"procbridge/discovery"
	"procbridge/handler"
	"procbridge/logging"
	"procbridge/message"
	"procbridge/middleware"
	"procbridge/server"
)

func run(ctx context.Context, cfg *config.Config, stdin io.Reader, stdout io.Writer) error {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer logger.Sync()

	handlers := handler.NewMap()
	names, err := handlers.RegisterReceiver(&exampleAPI{started: time.Now()})
	if err != nil {
		return err
	}
	logger.Debug("registered apis", zap.Strings("apis", names))

	codecType, err := codec.Parse(cfg.Server.Codec)
	if err != nil {
		return err
	}

	metricsRegistry := prometheus.NewRegistry()
	metricsRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srvCfg := server.Config{
		Addr:           cfg.Server.Addr,
		RequestTimeout: cfg.Server.RequestTimeout.Std(),
		StopTimeout:    cfg.Server.StopTimeout.Std(),
		MaxConns:       cfg.Server.MaxConns,
		Codec:          codec.GetCodec(codecType),
		Logger:         logger,
		Registerer:     metricsRegistry,
	}

	if len(cfg.Discovery.Endpoints) > 0 {
		etcd, err := discovery.NewEtcd(cfg.Discovery.Endpoints, logger)
		if err != nil {
			return fmt.Errorf("connect etcd: %w", err)
		}
		defer etcd.Close()
		srvCfg.Discovery = &server.DiscoveryConfig{
			Registry:  etcd,
			Service:   cfg.Discovery.Service,
			Advertise: cfg.Discovery.Advertise,
			TTL:       cfg.Discovery.TTL.Std(),
			Weight:    cfg.Discovery.Weight,
		}
	}

	srv := server.New(srvCfg)
	srv.SetRegistry(handlers)
	srv.Use(middleware.LoggingMiddleware(logger))
	if cfg.Server.RateLimit > 0 {
		srv.Use(middleware.RateLimitMiddleware(cfg.Server.RateLimit, cfg.Server.RateBurst))
	}

	if err := srv.Start(); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "listening on %s\n", srv.Addr())

	if cfg.Metrics.Addr != "" {
		metricsServer := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer metricsServer.Close()
		logger.Info("serving metrics", zap.String("addr", cfg.Metrics.Addr))
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

console:
	for {
		select {
		case <-ctx.Done():
			break console
		case line, ok := <-lines:
			if !ok || strings.TrimSpace(line) == "exit" {
				break console
			}
			if err := handleConsoleLine(srv, line, stdout); err != nil {
				fmt.Fprintln(stdout, "error:", err)
			}
		}
	}

	if err := srv.Stop(); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "bye!")
	return nil
}

// handleConsoleLine understands:
//
//	clients                 list connected client ids
//	push <id> <json object> send to one client
//	<json object>           send to every client
func handleConsoleLine(srv *server.Server, line string, stdout io.Writer) error {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return nil
	case line == "clients":
		fmt.Fprintln(stdout, srv.Clients())
		return nil
	case strings.HasPrefix(line, "push "):
		idText, text, _ := strings.Cut(strings.TrimSpace(strings.TrimPrefix(line, "push ")), " ")
		id, err := strconv.ParseUint(idText, 10, 64)
		if err != nil {
			return fmt.Errorf("bad client id %q", idText)
		}
		body, err := message.ParseBody(text)
		if err != nil {
			return err
		}
		return srv.SendMessage(id, body)
	}

	body, err := message.ParseBody(line)
	if err != nil {
		return err
	}
	n, err := srv.Broadcast(body)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "pushed to %d clients\n", n)
	return nil
}
