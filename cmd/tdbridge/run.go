package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/lrhodin/tdbridge/pkg/connector"
	"github.com/lrhodin/tdbridge/pkg/tdapi"
	"github.com/lrhodin/tdbridge/pkg/transport"
)

var runCommand = &cli.Command{
	Name:   "run",
	Usage:  "Connect to the backend and bridge messages",
	Before: prepareApp,
	Action: cmdRun,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "account",
			Value: "default",
			Usage: "Account id used to partition the cache",
		},
		&cli.BoolFlag{
			Name:  "accept-large-downloads",
			Usage: "Answer large download prompts with yes",
		},
	},
}

func cmdRun(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	log, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	zerolog.DefaultContextLogger = log

	runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cache connector.AccountCache
	if cfg.Database.URI != "" {
		sqliteCache, err := connector.OpenSQLiteAccountCache(runCtx, cfg.Database.URI, ctx.String("account"))
		if err != nil {
			return err
		}
		defer sqliteCache.Close()
		cache = sqliteCache
	} else {
		cache = connector.NewMemoryAccountCache()
	}

	connector.RegisterMetrics()
	if cfg.Metrics.Listen != "" {
		go serveMetrics(runCtx, cfg.Metrics.Listen, *log)
	}

	host := &connector.LogHost{
		Log:                  log.With().Str("component", "host").Logger(),
		AcceptLargeDownloads: ctx.Bool("accept-large-downloads"),
	}
	dial := func(ctx context.Context) (tdapi.Transport, error) {
		tr, err := transport.Dial(ctx, cfg.Backend.URL, transport.DialOptions{
			Log: log.With().Str("component", "transport").Logger(),
		})
		if err != nil {
			return nil, err
		}
		return tr, nil
	}
	session := connector.NewSession(cfg, host, cache, dial, *log)

	err = connector.WatchConfig(runCtx, ctx.String("config"), *log, func(newCfg *connector.Config) {
		if err := session.SetMediaPolicy(newCfg.Media); err != nil {
			log.Warn().Err(err).Msg("Failed to apply new media policy")
		}
	})
	if err != nil {
		log.Warn().Err(err).Msg("Config changes will not be picked up until restart")
	}

	log.Info().Str("backend", cfg.Backend.URL).Msg("Starting tdbridge")
	return session.Run(runCtx)
}

func serveMetrics(ctx context.Context, addr string, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", addr).Msg("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("Metrics server failed")
	}
}
