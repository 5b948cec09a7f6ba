package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/sitesync/internal/auth"
	"github.com/MarcoPoloResearchLab/sitesync/internal/config"
	"github.com/MarcoPoloResearchLab/sitesync/internal/database"
	"github.com/MarcoPoloResearchLab/sitesync/internal/documents"
	"github.com/MarcoPoloResearchLab/sitesync/internal/identifier"
	"github.com/MarcoPoloResearchLab/sitesync/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the document server sync agents write to",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	defaults := config.NewViper()
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")

	bindFlag(cmd, "http.address", "http-address")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if err := appConfig.ValidateServer(); err != nil {
		return err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	documentService, err := documents.NewService(documents.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: identifier.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		Documents:    documentService,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	return serveHTTP(ctx, logger, appConfig.HTTPAddress, handler, nil)
}

// serveHTTP runs handler until SIGINT/SIGTERM, then shuts the listener down and calls onShutdown.
func serveHTTP(ctx context.Context, logger *zap.Logger, address string, handler http.Handler, onShutdown func()) error {
	httpServer := &http.Server{
		Addr:    address,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", address))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		if onShutdown != nil {
			onShutdown()
		}
		return err
	case err := <-errCh:
		if onShutdown != nil {
			onShutdown()
		}
		return err
	}
}
