package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MegaGrindStone/nova-chat/internal/handlers"
	"github.com/MegaGrindStone/nova-chat/internal/services"
	"gopkg.in/yaml.v3"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return fmt.Errorf("error getting user config dir: %w", err)
	}
	cfgPath := filepath.Join(cfgDir, "novachat")
	if err := os.MkdirAll(cfgPath, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	cfg, e, err := loadConfig(filepath.Join(cfgPath, "config.yaml"))
	if err != nil {
		return err
	}

	logger := newLogger(os.Stdout, cfg.LogLevel, cfg.LogJSON)

	llm, err := cfg.LLM.provider(e, logger)
	if err != nil {
		return fmt.Errorf("error creating llm: %w", err)
	}

	boltDB, err := services.NewBoltDB(filepath.Join(cfgPath, "store.db"))
	if err != nil {
		return fmt.Errorf("error opening store: %w", err)
	}
	defer boltDB.Close()

	m, err := handlers.NewMain(llm, llm, boltDB, cfg.handlersConfig(), logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           m.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Turns in flight are stopped and saved first, so SSE clients see their final state.
		if err := m.Shutdown(ctx); err != nil {
			logger.Error("Failed to shutdown handlers", slog.String("err", err.Error()))
		}

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}
	}

	return nil
}

// loadConfig decodes the config file and applies environment overrides and defaults.
func loadConfig(path string) (config, envConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return config{}, envConfig{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()

	var cfg config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return config{}, envConfig{}, fmt.Errorf("error decoding config file: %w", err)
	}

	e, err := parseEnv()
	if err != nil {
		return config{}, envConfig{}, err
	}
	cfg.applyEnv(e)

	return cfg, e, nil
}
