package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/sitesync/internal/auth"
	"github.com/MarcoPoloResearchLab/sitesync/internal/cache"
	"github.com/MarcoPoloResearchLab/sitesync/internal/config"
	"github.com/MarcoPoloResearchLab/sitesync/internal/database"
	"github.com/MarcoPoloResearchLab/sitesync/internal/identifier"
	"github.com/MarcoPoloResearchLab/sitesync/internal/queue"
	"github.com/MarcoPoloResearchLab/sitesync/internal/store"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a sync agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			if err := appConfig.ValidateServer(); err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueToken(cmd.Context(), subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			logger.Info("token issued", zap.String("subject", subject), zap.Int64("expires_in_seconds", expiresIn))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Writer the token identifies (device or user)")
	if err := cmd.MarkFlagRequired("subject"); err != nil {
		panic(err)
	}
	return cmd
}

func newQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair the local operation queue",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List queued operations oldest first",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withLocalQueue(cmd.Context(), func(ctx context.Context, syncQueue *queue.Queue) error {
					operations, err := syncQueue.ListAll(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), renderOperations(operations))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "retry <operation-id>",
			Short: "Return a failed operation to the pending state",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withLocalQueue(cmd.Context(), func(ctx context.Context, syncQueue *queue.Queue) error {
					operation, err := syncQueue.Retry(ctx, args[0])
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", operation.ID, operation.Status)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "remove <operation-id>",
			Short: "Discard a queued operation",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withLocalQueue(cmd.Context(), func(ctx context.Context, syncQueue *queue.Queue) error {
					return syncQueue.Remove(ctx, args[0])
				})
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Discard every queued operation",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withLocalQueue(cmd.Context(), func(ctx context.Context, syncQueue *queue.Queue) error {
					return syncQueue.Clear(ctx)
				})
			},
		},
	)
	return cmd
}

func newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage cached project and team data",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "clear",
			Short: "Drop every cached entry",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withLocalStore(cmd.Context(), func(ctx context.Context, localStore *store.Store, logger *zap.Logger) error {
					entries, err := cache.New(cache.Config{Table: localStore.Cache(), Logger: logger})
					if err != nil {
						return err
					}
					return entries.Clear(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "invalidate <project-id>",
			Short: "Drop the cached roster of one project",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withLocalStore(cmd.Context(), func(ctx context.Context, localStore *store.Store, logger *zap.Logger) error {
					entries, err := cache.New(cache.Config{Table: localStore.Cache(), Logger: logger})
					if err != nil {
						return err
					}
					return cache.NewTeamCache(entries, cache.TeamTTL).Invalidate(ctx, args[0])
				})
			},
		},
	)
	return cmd
}

func openLocalStore(appConfig config.AppConfig, logger *zap.Logger) (*store.Store, func(), error) {
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	localStore, err := store.Open(db)
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, err
	}
	return localStore, func() { _ = sqlDB.Close() }, nil
}

func withLocalStore(ctx context.Context, run func(context.Context, *store.Store, *zap.Logger) error) error {
	appConfig, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	localStore, closeStore, err := openLocalStore(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	return run(ctx, localStore, logger)
}

func withLocalQueue(ctx context.Context, run func(context.Context, *queue.Queue) error) error {
	return withLocalStore(ctx, func(ctx context.Context, localStore *store.Store, logger *zap.Logger) error {
		syncQueue, err := queue.New(queue.Config{
			Table:      localStore.Queue(),
			IDProvider: identifier.NewUUIDProvider(),
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		return run(ctx, syncQueue)
	})
}

func renderOperations(operations []queue.Operation) string {
	if len(operations) == 0 {
		return "queue is empty"
	}
	headerStyle := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	rows := make([][]string, 0, len(operations))
	for _, operation := range operations {
		status := string(operation.Status)
		if operation.NeedsResolution {
			status += " (conflict)"
		}
		rows = append(rows, []string{
			operation.ID,
			string(operation.Type),
			operation.CollectionPath + "/" + operation.DocumentID,
			status,
			strconv.Itoa(operation.RetryCount),
			operation.EnqueuedAt.Local().Format(time.DateTime),
			operation.LastError,
		})
	}
	rendered := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "TYPE", "DOCUMENT", "STATUS", "RETRIES", "QUEUED", "LAST ERROR").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return rendered.String()
}
