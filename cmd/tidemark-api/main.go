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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tidemark-labs/tidemark/backend/internal/auth"
	"github.com/tidemark-labs/tidemark/backend/internal/config"
	"github.com/tidemark-labs/tidemark/backend/internal/database"
	"github.com/tidemark-labs/tidemark/backend/internal/logging"
	"github.com/tidemark-labs/tidemark/backend/internal/server"
	syncengine "github.com/tidemark-labs/tidemark/backend/internal/sync"
	"github.com/tidemark-labs/tidemark/backend/internal/workspace"
	"go.uber.org/zap"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "tidemark-api",
		Short: "Tidemark multi-device sync backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the given subject",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, err := cmd.Flags().GetString("subject")
			if err != nil {
				return err
			}
			return issueToken(cmd.Context(), subject)
		},
	}
	tokenCmd.Flags().String("subject", "", "Subject (user id) to embed in the token")
	rootCmd.AddCommand(tokenCmd)

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Bearer token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().Int("sweep-interval-minutes", defaults.GetInt("gc.sweep_interval_minutes"), "Minutes between retention sweeps (0 disables)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "gc.sweep_interval_minutes", "sweep-interval-minutes")
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

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "tidemark-auth",
		Audience:      "tidemark-api",
		TokenTTL:      appConfig.TokenTTL,
	})
}

func issueToken(ctx context.Context, subject string) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	issuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}
	token, expiresIn, err := issuer.IssueToken(ctx, subject)
	if err != nil {
		return err
	}
	fmt.Printf("%s\nexpires_in=%d\n", token, expiresIn)
	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenIssuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}

	memberships, err := workspace.NewService(workspace.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	dispatcher := server.NewRealtimeDispatcher()

	syncService, err := syncengine.NewService(syncengine.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
		Notifier: dispatcher,
		Limits: syncengine.Limits{
			MaxPushOps:         appConfig.MaxPushOps,
			MaxPullLimit:       appConfig.MaxPullLimit,
			MaxPayloadBytes:    appConfig.MaxPayloadBytes,
			RetentionSeconds:   appConfig.RetentionSeconds,
			GCBatchSize:        appConfig.GCBatchSize,
			MaxGCContinuations: appConfig.GCMaxContinuations,
			SweepWorkspaceCap:  appConfig.SweepWorkspaceCap,
		},
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenValidator: tokenIssuer,
		Memberships:    memberships,
		SyncService:    syncService,
		Dispatcher:     dispatcher,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	syncService.StartSweepLoop(signalCtx, appConfig.SweepInterval)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
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
}
