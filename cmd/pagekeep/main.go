// Command pagekeep runs the capture-and-rewrite snapshot service.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hazyhaar/pagekeep/capture"
	"github.com/hazyhaar/pagekeep/dbopen"
	"github.com/hazyhaar/pagekeep/observability"
	_ "modernc.org/sqlite"
)

func main() {
	configPath := flag.String("config", os.Getenv("PAGEKEEP_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := capture.LoadConfig(*configPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Event log DB. Defaults to the snapshot database file; WAL lets both
	// handles write.
	eventsDB, err := openEvents(cfg.EventsPath())
	if err != nil {
		slog.Error("events db", "error", err, "path", cfg.EventsPath())
		os.Exit(1)
	}
	defer eventsDB.Close()

	opts := []capture.Option{capture.WithEvents(observability.NewEventLogger(eventsDB))}
	if cfg.Observability.Metrics {
		opts = append(opts, capture.WithMetrics(observability.NewMetrics()))
	}

	svc, err := capture.New(ctx, cfg, logger, opts...)
	if err != nil {
		slog.Error("capture service", "error", err)
		os.Exit(1)
	}
	defer svc.Close()
	svc.Start(ctx)

	// Sized for the asset proxy; POST /capture extends its own write
	// deadline to limits.capture_timeout.
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Proxy.Timeout + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("pagekeep starting", "addr", cfg.Listen, "store", cfg.Store.Backend,
			"admin", cfg.Admin.User != "", "mcp", cfg.MCP.Enabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

func openEvents(path string) (*sql.DB, error) {
	return dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(observability.Schema))
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
