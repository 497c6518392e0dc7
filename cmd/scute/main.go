package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scuteapp/scute/internal/api"
	"github.com/scuteapp/scute/internal/auth"
	"github.com/scuteapp/scute/internal/checkpoint"
	"github.com/scuteapp/scute/internal/config"
	"github.com/scuteapp/scute/internal/connectivity"
	"github.com/scuteapp/scute/internal/database"
	"github.com/scuteapp/scute/internal/devices"
	"github.com/scuteapp/scute/internal/logging"
	"github.com/scuteapp/scute/internal/orchestrator"
	"github.com/scuteapp/scute/internal/pull"
	"github.com/scuteapp/scute/internal/push"
	"github.com/scuteapp/scute/internal/remote"
	"github.com/scuteapp/scute/internal/replica"
	"github.com/scuteapp/scute/internal/server"
	"github.com/scuteapp/scute/internal/syncqueue"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "scute",
		Short: "Scute offline-first collection sync",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newSyncCommand())
	rootCmd.AddCommand(newPullCommand())
	rootCmd.AddCommand(newQueueCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("api-base-url", defaults.GetString("api.base_url"), "Remote sync API base URL")
	cmd.PersistentFlags().String("api-token", "", "Bearer token for the sync API (overrides env)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite replica database path")
	cmd.PersistentFlags().Int64("sync-interval-ms", defaults.GetInt64("sync.interval_ms"), "Background sync interval in milliseconds")
	cmd.PersistentFlags().Int("max-retries", defaults.GetInt("sync.max_retries"), "Push attempts per queue item before FAILED")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("server-address", defaults.GetString("server.address"), "Harness server listen address")
	cmd.PersistentFlags().String("server-database-path", defaults.GetString("server.database_path"), "Harness server database path")
	cmd.PersistentFlags().String("server-signing-secret", "", "Harness server token signing secret (overrides env)")

	bindFlag(cmd, "api.base_url", "api-base-url")
	bindFlag(cmd, "api.token", "api-token")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "sync.interval_ms", "sync-interval-ms")
	bindFlag(cmd, "sync.max_retries", "max-retries")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "server.address", "server-address")
	bindFlag(cmd, "server.database_path", "server-database-path")
	bindFlag(cmd, "server.signing_secret", "server-signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// clientStack bundles the components every agent command builds.
type clientStack struct {
	logger       *zap.Logger
	client       *api.Client
	queue        *syncqueue.Queue
	monitor      *connectivity.Monitor
	orchestrator *orchestrator.Orchestrator
	pull         *pull.Synchronizer
	close        func()
}

func buildClientStack(appConfig config.AppConfig) (*clientStack, error) {
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenClientSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	client, err := api.NewClient(api.ClientConfig{
		BaseURL: appConfig.APIBaseURL,
		Token:   appConfig.APIToken,
	})
	if err != nil {
		return nil, err
	}

	store, err := replica.NewStore(replica.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return nil, err
	}
	queue, err := syncqueue.NewQueue(syncqueue.QueueConfig{
		Database:   db,
		MaxRetries: appConfig.MaxRetries,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	checkpoints, err := checkpoint.NewStore(checkpoint.StoreConfig{Database: db})
	if err != nil {
		return nil, err
	}

	monitor := connectivity.NewMonitor(connectivity.MonitorConfig{InitialOnline: true})

	pushSync, err := push.NewSynchronizer(push.SynchronizerConfig{
		Queue:       queue,
		Store:       store,
		Transport:   client,
		Oracle:      monitor,
		Checkpoints: checkpoints,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	pullSync, err := pull.NewSynchronizer(pull.SynchronizerConfig{
		Store:       store,
		Transport:   client,
		Oracle:      monitor,
		Checkpoints: checkpoints,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	orch, err := orchestrator.NewOrchestrator(orchestrator.OrchestratorConfig{
		Push:     pushSync,
		Pull:     pullSync,
		Oracle:   monitor,
		Interval: appConfig.SyncInterval,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	return &clientStack{
		logger:       logger,
		client:       client,
		queue:        queue,
		monitor:      monitor,
		orchestrator: orch,
		pull:         pullSync,
		close: func() {
			sqlDB.Close() //nolint:errcheck
			logger.Sync() //nolint:errcheck
		},
	}, nil
}

func loadClientConfig() (config.AppConfig, error) {
	appConfig := config.Load(viper.GetViper())
	if err := appConfig.ValidateClient(); err != nil {
		return config.AppConfig{}, err
	}
	return appConfig, nil
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the background sync agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := loadClientConfig()
			if err != nil {
				return err
			}
			stack, err := buildClientStack(appConfig)
			if err != nil {
				return err
			}
			defer stack.close()

			signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			go stack.monitor.RunProbeLoop(signalCtx, stack.client.Health, appConfig.ProbeInterval)
			stop := stack.orchestrator.StartBackgroundSync(signalCtx)
			defer stop()

			stack.logger.Info("sync agent started",
				zap.Duration("interval", appConfig.SyncInterval),
				zap.String("api", appConfig.APIBaseURL))

			<-signalCtx.Done()
			stack.logger.Info("sync agent stopping")
			return nil
		},
	}
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one full sync cycle (push then pull)",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := loadClientConfig()
			if err != nil {
				return err
			}
			stack, err := buildClientStack(appConfig)
			if err != nil {
				return err
			}
			defer stack.close()

			ctx := cmd.Context()
			stack.monitor.SetOnline(stack.client.Health(ctx) == nil)

			result, err := stack.orchestrator.PerformFullSync(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pushed %d, failed %d, pulled %d, deleted %d\n",
				result.Push.Synced, result.Push.Failed, result.Pull.Applied, result.Pull.Deleted)
			if result.PullFailed {
				fmt.Fprintln(cmd.OutOrStdout(), "pull phase failed; will retry from the same checkpoint")
			}
			return nil
		},
	}
}

func newPullCommand() *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Pull server changes into the local replica",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := loadClientConfig()
			if err != nil {
				return err
			}
			stack, err := buildClientStack(appConfig)
			if err != nil {
				return err
			}
			defer stack.close()

			ctx := cmd.Context()
			stack.monitor.SetOnline(stack.client.Health(ctx) == nil)

			var result pull.Result
			if full {
				result, err = stack.pull.PerformInitialSync(ctx)
			} else {
				result, err = stack.pull.PullSinceCheckpoint(ctx)
			}
			if err != nil {
				return err
			}
			if result.Skipped {
				fmt.Fprintln(cmd.OutOrStdout(), "offline, nothing pulled")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d, deleted %d\n", result.Applied, result.Deleted)
			return nil
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "Resynchronize everything from timestamp zero")
	return cmd
}

func newQueueCommand() *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair the sync queue",
	}

	queueCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show queue occupancy per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := loadClientConfig()
			if err != nil {
				return err
			}
			stack, err := buildClientStack(appConfig)
			if err != nil {
				return err
			}
			defer stack.close()

			stats, err := stack.queue.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pending %d, syncing %d, failed %d\n",
				stats.Pending, stats.Syncing, stats.Failed)
			return nil
		},
	})

	queueCmd.AddCommand(&cobra.Command{
		Use:   "retry",
		Short: "Reset FAILED queue items back to PENDING",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := loadClientConfig()
			if err != nil {
				return err
			}
			stack, err := buildClientStack(appConfig)
			if err != nil {
				return err
			}
			defer stack.close()

			count, err := stack.queue.RetryFailedOperations(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %d failed items\n", count)
			return nil
		},
	})

	return queueCmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server harness",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig := config.Load(viper.GetViper())
			if err := appConfig.ValidateServer(); err != nil {
				return err
			}

			logger, err := logging.NewLogger(appConfig.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, err := database.OpenServerSQLite(appConfig.ServerDatabasePath, logger)
			if err != nil {
				return err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			issuer := auth.NewDeviceTokenIssuer(auth.DeviceTokenIssuerConfig{
				SigningSecret: []byte(appConfig.ServerSigningKey),
				Issuer:        "scute-server",
				Audience:      "scute-sync",
			})
			remoteService, err := remote.NewService(remote.ServiceConfig{Database: db, Logger: logger})
			if err != nil {
				return err
			}
			registry, err := devices.NewRegistry(devices.RegistryConfig{Database: db})
			if err != nil {
				return err
			}

			handler, err := server.NewHTTPHandler(server.Dependencies{
				TokenValidator: issuer,
				RemoteService:  remoteService,
				Devices:        registry,
				Logger:         logger,
			})
			if err != nil {
				return err
			}

			httpServer := &http.Server{
				Addr:    appConfig.ServerAddress,
				Handler: handler,
			}

			signalCtx, stopSignals := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stopSignals()

			errCh := make(chan error, 1)
			go func() {
				logger.Info("sync server starting", zap.String("address", appConfig.ServerAddress))
				err := httpServer.ListenAndServe()
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case <-signalCtx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return httpServer.Shutdown(shutdownCtx)
			case err := <-errCh:
				return err
			}
		},
	}
}

func newTokenCommand() *cobra.Command {
	var userID string
	var deviceID string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a device bearer token for the harness server",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig := config.Load(viper.GetViper())
			if err := appConfig.ValidateServer(); err != nil {
				return err
			}
			if userID == "" {
				return fmt.Errorf("--user is required")
			}

			issuer := auth.NewDeviceTokenIssuer(auth.DeviceTokenIssuerConfig{
				SigningSecret: []byte(appConfig.ServerSigningKey),
				Issuer:        "scute-server",
				Audience:      "scute-sync",
			})
			token, expiresIn, err := issuer.IssueDeviceToken(cmd.Context(), auth.DeviceClaims{
				UserID:   userID,
				DeviceID: deviceID,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User identifier the token is scoped to")
	cmd.Flags().StringVar(&deviceID, "device", "", "Device identifier embedded in the token")
	return cmd
}
