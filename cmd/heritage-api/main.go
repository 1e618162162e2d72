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

	"github.com/MarcoPoloResearchLab/heritage/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/heritage/backend/internal/config"
	"github.com/MarcoPoloResearchLab/heritage/backend/internal/database"
	"github.com/MarcoPoloResearchLab/heritage/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/heritage/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/heritage/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/heritage/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/heritage/backend/internal/server"
	"github.com/MarcoPoloResearchLab/heritage/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "heritage-api",
		Short: "Heritage real-time notification service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

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
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Bearer token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-encoding", defaults.GetString("log.encoding"), "Log encoding (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Bearer token signing secret (overrides env)")
	cmd.PersistentFlags().StringSlice("allowed-origins", defaults.GetStringSlice("cors.allowed_origins"), "Allowed CORS and websocket origins")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.encoding", "log-encoding")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "cors.allowed_origins", "allowed-origins")
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

// newTokenCommand mints a bearer token for local testing and service accounts.
func newTokenCommand() *cobra.Command {
	var subject, role, tenant string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a principal",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := newTokenIssuer(appConfig)
			if err != nil {
				return err
			}
			principal, err := auth.NewPrincipal(subject, role, tenant)
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueToken(cmd.Context(), principal)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Principal identifier")
	cmd.Flags().StringVar(&role, "role", auth.RoleVisitor, "Principal role")
	cmd.Flags().StringVar(&tenant, "tenant", "", "Museum tenant identifier")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
}

func newAuthenticator(appConfig config.AppConfig) (*auth.RequestAuthenticator, error) {
	tokens, err := newTokenIssuer(appConfig)
	if err != nil {
		return nil, err
	}
	if !appConfig.SessionCookiesEnabled() {
		return auth.NewRequestAuthenticator(tokens, nil)
	}
	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return nil, err
	}
	return auth.NewRequestAuthenticator(tokens, sessions)
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
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

	authenticator, err := newAuthenticator(appConfig)
	if err != nil {
		return err
	}

	directory, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	collector := metrics.New()
	registry := realtime.NewRegistry(realtime.RegistryConfig{
		Metrics: collector,
		Logger:  logger,
	})

	store, err := notifications.NewStore(notifications.StoreConfig{
		Database:         db,
		Resolver:         realtime.NewResolver(registry, directory),
		Clock:            time.Now,
		IDProvider:       notifications.NewUUIDProvider(),
		Logger:           logger,
		ExpiredRetention: appConfig.ExpiredRetention,
	})
	if err != nil {
		return err
	}

	dispatcher, err := realtime.NewDispatcher(realtime.DispatcherConfig{
		Registry: registry,
		Store:    store,
		Metrics:  collector,
		Logger:   logger,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	socketHandler, err := realtime.NewHandler(realtime.HandlerConfig{
		Registry:        registry,
		Dispatcher:      dispatcher,
		Authenticator:   authenticator,
		Directory:       directory,
		Metrics:         collector,
		Logger:          logger,
		Clock:           time.Now,
		SendBuffer:      appConfig.SendBuffer,
		WriteWait:       appConfig.WriteWait,
		PongWait:        appConfig.PongWait,
		MaxMessageBytes: appConfig.MaxMessageBytes,
		EventsPerSecond: appConfig.ClientEventsPerSecond,
		EventBurst:      appConfig.ClientEventBurst,
		CheckOrigin:     server.OriginChecker(appConfig.AllowedOrigins),
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Authenticator:  authenticator,
		Directory:      directory,
		Store:          store,
		Dispatcher:     dispatcher,
		Registry:       registry,
		Realtime:       socketHandler,
		Metrics:        collector,
		AllowedOrigins: appConfig.AllowedOrigins,
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

	sweeper := notifications.NewSweeper(store, appConfig.SweepInterval, logger)
	go func() {
		_ = sweeper.Run(signalCtx)
	}()

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
		logger.Info("server stopping", zap.Int("connections", registry.ConnectionCount()))
		registry.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		registry.Shutdown()
		return err
	}
}
