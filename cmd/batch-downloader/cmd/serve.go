package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-batch-download/index"
	"go-batch-download/internal/config"
	"go-batch-download/internal/database"
	"go-batch-download/internal/server"
	"go-batch-download/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the download HTTP API",
	Long: `Starts the worker pool and serves the HTTP API on the configured listen
address. Interrupted jobs from a previous run are resumed on start.`,
	RunE: runServe,
}

var serveNoIndex bool

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveNoIndex, "no-index", false, "Do not maintain the search history index")
}

// startService opens the store and history index and starts the service.
// The returned cleanup stops the service and closes both.
func startService(ctx context.Context, withIndex bool) (*service.Service, func(), error) {
	db, err := openDatabase()
	if err != nil {
		return nil, nil, err
	}

	var bleveIndex bleve.Index
	if withIndex {
		bleveIndex, err = index.OpenOrCreateIndex(globalConfig.IndexPath)
		if err != nil {
			log.WithError(err).Warn("Failed to open history index, search disabled")
			bleveIndex = nil
		}
	}

	svc, err := service.New(&globalConfig, service.Deps{
		Store:      db,
		Index:      bleveIndex,
		HTTPClient: upstreamClient(),
	})
	if err != nil {
		closeStores(db, bleveIndex)
		return nil, nil, err
	}
	if err := svc.Start(ctx); err != nil {
		closeStores(db, bleveIndex)
		return nil, nil, err
	}
	cleanup := func() {
		svc.Stop()
		closeStores(db, bleveIndex)
	}
	return svc, cleanup, nil
}

func closeStores(db *database.DB, bleveIndex bleve.Index) {
	if bleveIndex != nil {
		if err := bleveIndex.Close(); err != nil {
			log.WithError(err).Error("Error closing history index")
		}
	}
	if err := db.Close(); err != nil {
		log.WithError(err).Error("Error closing database")
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	if len(globalConfig.Callers) == 0 {
		return fmt.Errorf("no callers configured; add at least one [Callers.<api-key>] entry to %s", cfgFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, cleanup, err := startService(context.Background(), !serveNoIndex)
	if err != nil {
		return err
	}
	defer cleanup()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go reloadOnHangup(ctx, hup, svc)

	srv := &http.Server{
		Addr:              globalConfig.Listen,
		Handler:           server.New(svc, globalConfig.Callers),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(log.Fields{
			"addr":    globalConfig.Listen,
			"workers": globalConfig.Workers,
		}).Info("Serving download API")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		log.Info("Shutdown signal received, draining...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("HTTP server did not shut down cleanly")
		}
	}
	return nil
}

// reloadOnHangup re-reads the config file on SIGHUP and applies the
// settings that can change while serving. A --workers flag still wins.
func reloadOnHangup(ctx context.Context, hup <-chan os.Signal, svc *service.Service) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := config.LoadConfig(cfgFile)
			if err != nil {
				log.WithError(err).Error("Config reload failed, keeping current settings")
				continue
			}
			if viper.IsSet("workers") {
				cfg.Workers = viper.GetInt("workers")
			}
			svc.SetWorkers(cfg.Workers)
			log.WithField("workers", cfg.Workers).Info("Configuration reloaded")
		}
	}
}
