package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"storefront/app"
	"storefront/config"
	"storefront/fakeapi"
	"storefront/shell"
)

func main() {
	envFile := flag.String("env", ".env", "environment file to load before the process environment")
	mock := flag.Bool("mock", false, "serve an in-memory store API in-process and use it")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *mock, logger); err != nil {
		logger.Error("storefront exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, mock bool, logger *slog.Logger) error {
	if mock {
		server, url, err := serveMock(cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Warn("mock api shutdown", "err", err)
			}
		}()
		cfg.APIURL = url
	}

	a, err := app.New(ctx, cfg, app.WithLogger(logger))
	if err != nil {
		return err
	}
	defer a.Close()

	a.Start(ctx)
	fmt.Println("storefront ready, type help for commands")
	err = shell.New(a, shell.WithNotifications()).Run(ctx, os.Stdin, os.Stdout)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// serveMock starts the in-memory API on cfg.MockAddr and returns its base URL.
func serveMock(cfg config.Config, logger *slog.Logger) (*http.Server, string, error) {
	ln, err := net.Listen("tcp", cfg.MockAddr)
	if err != nil {
		return nil, "", fmt.Errorf("mock api listener: %w", err)
	}
	api := fakeapi.New(fakeapi.WithSecret([]byte(cfg.JWTSecret)), fakeapi.WithLogger(logger.With("component", "mockapi")))
	server := &http.Server{
		Handler:           api.Handler(),
		ReadTimeout:       7 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("mock api stopped", "err", err)
		}
	}()
	url := "http://" + ln.Addr().String()
	logger.Info("mock api listening", "url", url)
	return server, url, nil
}
