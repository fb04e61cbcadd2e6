package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/voxline/callbridge/internal/dotenv"
	"github.com/voxline/callbridge/pkg/calendar"
	"github.com/voxline/callbridge/pkg/gateway/config"
	gatewayserver "github.com/voxline/callbridge/pkg/gateway/server"
	"github.com/voxline/callbridge/pkg/knowledge"
	"github.com/voxline/callbridge/pkg/nlp"
	"github.com/voxline/callbridge/pkg/store"
)

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runBridge(ctx context.Context, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pg, err := store.Open(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer pg.Close()
	if err := pg.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}
	st := store.NewRetrying(pg, store.RetryPolicy{
		MaxAttempts: cfg.StoreMaxAttempts,
		BaseDelay:   cfg.StoreRetryBase,
		MaxDelay:    cfg.StoreRetryMaxWait,
	}, logger)

	textOps, err := nlp.NewClient(ctx, nlp.Config{
		APIKey: cfg.TextModelAPIKey,
		Model:  cfg.TextModel,
	})
	if err != nil {
		return fmt.Errorf("create text model client: %w", err)
	}

	kb, err := knowledge.NewClient(knowledge.Config{
		BaseURL: cfg.KnowledgeBaseURL,
		APIKey:  cfg.KnowledgeAPIKey,
	})
	if err != nil {
		return fmt.Errorf("create knowledge client: %w", err)
	}

	cal, err := calendar.NewClient(calendar.Config{
		BaseURL:    cfg.CalendarBaseURL,
		APIKey:     cfg.CalendarAPIKey,
		CalendarID: cfg.CalendarID,
	})
	if err != nil {
		return fmt.Errorf("create calendar client: %w", err)
	}

	gw := gatewayserver.New(cfg, logger, gatewayserver.Dependencies{
		Store:     st,
		Pinger:    pg,
		Knowledge: kb,
		Text:      textOps,
		Calendar:  cal,
	})
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting call bridge", "addr", cfg.Addr, "public_host", cfg.PublicHost)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("call bridge stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "callbridge: %v\n", err)
		return 1
	}

	if err := runBridge(ctx, logger); err != nil {
		fmt.Fprintf(stderr, "callbridge: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr))
}
