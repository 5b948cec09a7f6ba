package main

import (
	"context"

	"github.com/MarcoPoloResearchLab/sitesync/internal/cache"
	"github.com/MarcoPoloResearchLab/sitesync/internal/config"
	"github.com/MarcoPoloResearchLab/sitesync/internal/conflict"
	"github.com/MarcoPoloResearchLab/sitesync/internal/identifier"
	"github.com/MarcoPoloResearchLab/sitesync/internal/network"
	"github.com/MarcoPoloResearchLab/sitesync/internal/offline"
	"github.com/MarcoPoloResearchLab/sitesync/internal/queue"
	"github.com/MarcoPoloResearchLab/sitesync/internal/remote"
	"github.com/MarcoPoloResearchLab/sitesync/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newAgentCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the sync daemon that drains the local queue into the document server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
	}

	defaults := config.NewViper()
	cmd.PersistentFlags().String("agent-address", defaults.GetString("agent.address"), "Admin API listen address")
	cmd.PersistentFlags().String("remote-base-url", defaults.GetString("remote.base_url"), "Document server base URL")
	cmd.PersistentFlags().String("remote-token", "", "Bearer token for the document server (overrides env)")
	cmd.PersistentFlags().Int("sync-interval-seconds", defaults.GetInt("sync.interval_seconds"), "Periodic drain interval")
	cmd.PersistentFlags().String("conflict-strategy", defaults.GetString("sync.conflict_strategy"), "Default conflict strategy (server_wins, client_wins, merge, manual)")
	cmd.PersistentFlags().String("signal-file", defaults.GetString("network.signal_file"), "File whose contents (online/offline) drive connectivity")

	bindFlag(cmd, "agent.address", "agent-address")
	bindFlag(cmd, "remote.base_url", "remote-base-url")
	bindFlag(cmd, "remote.token", "remote-token")
	bindFlag(cmd, "sync.interval_seconds", "sync-interval-seconds")
	bindFlag(cmd, "sync.conflict_strategy", "conflict-strategy")
	bindFlag(cmd, "network.signal_file", "signal-file")
	return cmd
}

func runAgent(ctx context.Context) error {
	appConfig, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if err := appConfig.ValidateAgent(); err != nil {
		return err
	}

	localStore, closeStore, err := openLocalStore(appConfig, logger)
	if err != nil {
		logger.Error("local storage unavailable", zap.Error(err))
		return err
	}
	defer closeStore()

	syncQueue, err := queue.New(queue.Config{
		Table:      localStore.Queue(),
		IDProvider: identifier.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	remoteStore, err := remote.NewHTTPStore(remote.HTTPStoreConfig{
		BaseURL: appConfig.RemoteBaseURL,
		Token:   appConfig.RemoteToken,
		Timeout: appConfig.RemoteTimeout,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	monitor := network.NewMonitor(network.Config{
		InitialOnline:   appConfig.SignalFile == "",
		ReconnectWindow: appConfig.ReconnectWindow,
		Logger:          logger,
	})
	defer monitor.Close()

	if appConfig.SignalFile != "" {
		fileSignal, err := network.NewFileSignal(appConfig.SignalFile, monitor, logger)
		if err != nil {
			return err
		}
		if err := fileSignal.Start(); err != nil {
			return err
		}
		defer fileSignal.Stop() //nolint:errcheck
	}

	manager, err := offline.NewManager(offline.Config{
		Queue:        syncQueue,
		Remote:       remoteStore,
		Network:      monitor,
		SyncInterval: appConfig.SyncInterval,
		Backoff: offline.Backoff{
			Initial: appConfig.RetryInitial,
			Max:     appConfig.RetryMax,
			Jitter:  appConfig.RetryJitter,
		},
		DefaultStrategy: appConfig.ConflictStrategy,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	manager.SetConflictHandler(conflictHandlerFor(appConfig.ConflictStrategy))
	if err := manager.Initialize(ctx); err != nil {
		return err
	}

	entries, err := cache.New(cache.Config{Table: localStore.Cache(), Logger: logger})
	if err != nil {
		manager.Teardown()
		manager.Wait()
		return err
	}

	events := server.NewEventDispatcher()
	detach := events.Attach(manager)

	handler, err := server.NewAgentHandler(server.AgentDependencies{
		Sync:       manager,
		Operations: syncQueue,
		Network:    monitor,
		Events:     events,
		Projects:   cache.NewProjectCache(entries, cache.ProjectTTL),
		Teams:      cache.NewTeamCache(entries, cache.TeamTTL),
		Logger:     logger,
	})
	if err != nil {
		detach()
		manager.Teardown()
		manager.Wait()
		return err
	}

	return serveHTTP(ctx, logger, appConfig.AgentAddress, handler, func() {
		detach()
		manager.Teardown()
		manager.Wait()
		logger.Info("sync agent stopped")
	})
}

// conflictHandlerFor parks manual conflicts for the admin API. Other strategies need no handler.
func conflictHandlerFor(strategy conflict.Strategy) offline.ConflictHandler {
	if strategy == conflict.StrategyManual {
		return offline.ParkConflicts
	}
	return nil
}
