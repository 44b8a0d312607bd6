package main

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/MrEthical07/authpipe"
	"github.com/MrEthical07/authpipe/audit"
)

type globalFlags struct {
	envFile   string
	redisAddr string
	baseURL   string
	verbose   bool
}

func (g *globalFlags) logger() (*zap.Logger, error) {
	if !g.verbose {
		return zap.NewNop(), nil
	}
	return zap.NewDevelopment()
}

// open builds a pipeline from the env file and flags. The returned func
// releases it and any Redis client.
func (g *globalFlags) open(ctx context.Context) (*authpipe.Pipeline, func(), error) {
	if g.baseURL != "" {
		if err := os.Setenv(authpipe.EnvPrefix+"BASE_URL", g.baseURL); err != nil {
			return nil, nil, err
		}
	}
	cfg, err := authpipe.LoadConfig(g.envFile)
	if err != nil {
		return nil, nil, err
	}
	// A one-shot command never sits idle long enough to matter.
	cfg.Monitor.Enabled = false
	cfg.Metrics.Enabled = true

	logger, err := g.logger()
	if err != nil {
		return nil, nil, err
	}

	b := authpipe.New().WithConfig(cfg).WithLogger(logger)
	if g.verbose {
		b.WithAuditSink(audit.NewJSONWriterSink(os.Stderr))
	}

	var rdb *redis.Client
	if g.redisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: g.redisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis %s: %w", g.redisAddr, err)
		}
		b.WithRedis(rdb)
	}

	p, err := b.Build()
	if err != nil {
		if rdb != nil {
			_ = rdb.Close()
		}
		return nil, nil, err
	}
	release := func() {
		p.Close()
		if rdb != nil {
			_ = rdb.Close()
		}
		_ = logger.Sync()
	}
	return p, release, nil
}
