package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MrEthical07/authpipe/internal/authstub"
	"github.com/MrEthical07/authpipe/session"
)

func stubCmd(g *globalFlags) *cobra.Command {
	var (
		addr        string
		email       string
		password    string
		role        string
		permissions []string
		tenantID    string
		limiter     string
		accessTTL   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "stub",
		Short: "Serve the reference auth server",
		Long: `Serve an in-memory auth server implementing login, refresh and the
two-factor endpoints, seeded with one user.

Failed attempts are limited when --limiter names a Redis address, or
"mem" for an embedded in-process Redis.

Examples:
  authpipe stub
  authpipe stub --addr 127.0.0.1:9000 --limiter mem --access-ttl 30s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := g.logger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			rdb, closeRedis, err := limiterRedis(limiter)
			if err != nil {
				return err
			}
			defer closeRedis()

			cfg := authstub.DefaultConfig()
			if accessTTL > 0 {
				cfg.AccessTTL = accessTTL
			}
			srv, err := authstub.New(authstub.Options{Config: cfg, Redis: rdb, Logger: logger})
			if err != nil {
				return err
			}
			user, err := srv.AddUser(email, password, session.User{
				Role:        role,
				Permissions: permissions,
				TenantID:    tenantID,
			})
			if err != nil {
				return err
			}

			return serve(cmd.Context(), addr, srv, logger, user)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8787", "Listen address")
	cmd.Flags().StringVar(&email, "email", "agent@example.com", "Seed user email")
	cmd.Flags().StringVar(&password, "password", "correct-horse-battery", "Seed user password (10+ bytes)")
	cmd.Flags().StringVar(&role, "role", "agent", "Seed user role")
	cmd.Flags().StringSliceVar(&permissions, "perm", []string{"bookings:read"}, "Seed user permissions")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Seed user tenant id")
	cmd.Flags().StringVar(&limiter, "limiter", "", `Redis address for attempt limiting, or "mem"`)
	cmd.Flags().DurationVar(&accessTTL, "access-ttl", 0, "Access token lifetime (default 15m)")

	return cmd
}

func limiterRedis(target string) (redis.UniversalClient, func(), error) {
	switch strings.TrimSpace(target) {
	case "":
		return nil, func() {}, nil
	case "mem":
		mr, err := miniredis.Run()
		if err != nil {
			return nil, nil, err
		}
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		return rdb, func() { _ = rdb.Close(); mr.Close() }, nil
	default:
		rdb := redis.NewClient(&redis.Options{Addr: target})
		return rdb, func() { _ = rdb.Close() }, nil
	}
}

func serve(ctx context.Context, addr string, h http.Handler, logger *zap.Logger, user session.User) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}

	fmt.Printf("auth stub listening on http://%s\n", ln.Addr())
	fmt.Printf("  user: %s (id %s, role %s)\n", user.Email, user.ID, user.Role)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
