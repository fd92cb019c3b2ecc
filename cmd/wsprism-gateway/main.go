package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/wsprism/gateway/internal/config"
	"github.com/wsprism/gateway/internal/dispatch"
	"github.com/wsprism/gateway/internal/gateway"
	"github.com/wsprism/gateway/internal/monitoring"
	"github.com/wsprism/gateway/internal/services"
)

func main() {
	var (
		configPath = flag.String("config", "", "config file path (overrides WSPRISM_CONFIG)")
		debug      = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	env, err := config.LoadEnv()
	if err != nil {
		// No logger yet; stderr and exit.
		os.Stderr.WriteString("wsprism-gateway: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *debug {
		env.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  env.LogLevel,
		Format: env.LogFormat,
	})
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting wsprism-gateway")

	path := env.ConfigPath
	if *configPath != "" {
		path = *configPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.Fatal().Err(err).Msg("config load failed")
	}
	if env.Listen != "" {
		cfg.Gateway.Listen = env.Listen
	}

	d := dispatch.New()
	d.RegisterExt(services.NewChat())
	d.RegisterHot(services.NewEchoBinary(1))

	srv, err := gateway.New(cfg, logger, d)
	if err != nil {
		logger.Fatal().Err(err).Msg("gateway init failed")
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Fatal().Err(err).Msg("server failed")
		}
		return
	}

	// Drain budget: grace period plus slack for the HTTP server itself.
	grace := time.Duration(cfg.Gateway.DrainGraceMS)*time.Millisecond + 5*time.Second
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown incomplete")
	}
}
