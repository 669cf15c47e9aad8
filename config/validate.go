package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap/zapcore"

	"procbridge/codec"
	"procbridge/loadbalance"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateClient(); err != nil {
		return err
	}
	if err := c.validateDiscovery(); err != nil {
		return err
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

func (c *Config) validateServer() error {
	s := c.Server
	if s.Addr == "" {
		return errors.New("server.addr must be set")
	}
	if s.RequestTimeout < 0 || s.StopTimeout < 0 {
		return errors.New("server timeouts must not be negative")
	}
	if s.MaxConns < 0 {
		return errors.New("server.max_conns must not be negative")
	}
	if s.RateLimit < 0 || s.RateBurst < 0 {
		return errors.New("server.rate_limit and server.rate_burst must not be negative")
	}
	if s.RateLimit > 0 && s.RateBurst == 0 {
		return errors.New("server.rate_burst must be positive when server.rate_limit is set")
	}
	if _, err := codec.Parse(s.Codec); err != nil {
		return fmt.Errorf("server.codec: %w", err)
	}
	return nil
}

func (c *Config) validateClient() error {
	cl := c.Client
	if cl.Timeout < 0 || cl.RetryDelay < 0 {
		return errors.New("client timeouts must not be negative")
	}
	if cl.Retries < 0 {
		return errors.New("client.retries must not be negative")
	}
	if _, err := codec.Parse(cl.Codec); err != nil {
		return fmt.Errorf("client.codec: %w", err)
	}
	if _, err := loadbalance.New(cl.Balancer); err != nil {
		return fmt.Errorf("client.balancer: %w", err)
	}
	return nil
}

func (c *Config) validateDiscovery() error {
	d := c.Discovery
	if len(d.Endpoints) == 0 {
		return nil
	}
	if d.Service == "" {
		return errors.New("discovery.service must be set when endpoints are given")
	}
	if d.TTL < Duration(time.Second) {
		return errors.New("discovery.ttl must be at least 1s")
	}
	return nil
}
