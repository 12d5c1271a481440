package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	baseconf "vmgate/core/config"
	"vmgate/internal/master"
	"vmgate/internal/metrics"
	"vmgate/pkg/config"
	"vmgate/pkg/multipass"
)

func init() {
	// Configure zerolog for human-friendly console output
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	configFile := configPath
	if configFile == "" {
		configFile = baseconf.FindConfigFile("master")
	} else if _, err := os.Stat(configFile); err != nil {
		log.Fatal().Err(err).Str("config_path", configFile).Msg("Configuration file not accessible")
	}
	envFile := baseconf.FindEnvironmentFile("master")

	cfg, err := config.LoadMaster(configFile, envFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Configure logging based on config
	cfg.Log.ConfigureZerolog()

	log.Info().Msg("Starting vmgate master")
	log.Info().Str("config_file", configFile).Msg("Configuration loaded")
	log.Info().Str("env_file", envFile).Msg("Environment loaded")
	log.Info().
		Str("log_level", cfg.Log.Level).
		Bool("debug", cfg.Log.Debug).
		Msg("Log level configured")

	runner := multipass.NewClient(
		multipass.WithBinary(cfg.Multipass.Binary),
		multipass.WithTimeout(cfg.Multipass.Timeout),
		multipass.WithObserver(metrics.ObserveMultipass),
	)
	if !runner.Available() {
		log.Warn().Str("binary", cfg.Multipass.Binary).Msg("multipass not found, local VM operations will fail")
	}

	server := master.New(cfg, runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Run(ctx)
	}()

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
		if err := <-errChan; err != nil {
			log.Error().Err(err).Msg("Error during shutdown")
		}
	case err := <-errChan:
		if err != nil {
			log.Fatal().Err(err).Msg("Master server failed")
		}
	}

	log.Info().Msg("Master stopped")
}
