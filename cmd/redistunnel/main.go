package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/redistunnel"
	"github.com/die-net/redistunnel/internal/config"
	"github.com/die-net/redistunnel/internal/forward"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	fs := pflag.NewFlagSet("redistunnel", pflag.ContinueOnError)
	fs.SortFlags = false
	config.RegisterFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(fs)
	if err != nil {
		return err
	}

	logger, err := cfg.Logger()
	if err != nil {
		return err
	}

	poolCfg, err := cfg.PoolConfig(logger)
	if err != nil {
		return err
	}

	pool, err := redistunnel.NewPool(poolCfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Ping {
		return ping(ctx, pool, cfg, logger)
	}

	ka := poolCfg.Conn.SSH.KeepAlive
	ln, err := forward.ListenTCP(ctx, "tcp", cfg.Listen, ka)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	srv := forward.NewServer(pool, logger)
	g.Go(func() error {
		if err := srv.Serve(ctx, ln); err != nil {
			return fmt.Errorf("forward serve: %w", err)
		}
		return nil
	})
	logger.Info("forwarding", "listen", ln.Addr(), "ssh", cfg.SSHHost, "remote", poolCfg.Conn.Target, "shared", pool.Shared())

	err = g.Wait()
	logger.Info("shutting down")
	return err
}

func ping(ctx context.Context, pool *redistunnel.Pool, cfg *config.Config, logger *log.Logger) error {
	rdb := redistunnel.NewRedisClient(pool, &redis.Options{
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	res, err := rdb.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	logger.Info("ping", "reply", res, "remote", cfg.RemoteHost)
	return nil
}
