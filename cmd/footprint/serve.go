package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/footprint/internal/auth"
	"github.com/MarcoPoloResearchLab/footprint/internal/checkins"
	"github.com/MarcoPoloResearchLab/footprint/internal/config"
	"github.com/MarcoPoloResearchLab/footprint/internal/couples"
	"github.com/MarcoPoloResearchLab/footprint/internal/database"
	"github.com/MarcoPoloResearchLab/footprint/internal/logging"
	"github.com/MarcoPoloResearchLab/footprint/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the check-in HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	defaults := config.NewViper()
	cmd.Flags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.Flags().StringSlice("allowed-origins", nil, "Allowed CORS origins (empty allows any)")
	cmd.Flags().Float64("rate-limit-rps", defaults.GetFloat64("http.rate_limit_rps"), "Per-client requests per second")
	cmd.Flags().Int("rate-limit-burst", defaults.GetInt("http.rate_limit_burst"), "Per-client burst size")
	bindLocalFlag(cmd, "http.address", "http-address")
	bindLocalFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindLocalFlag(cmd, "http.rate_limit_rps", "rate-limit-rps")
	bindLocalFlag(cmd, "http.rate_limit_burst", "rate-limit-burst")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	couplesService, err := couples.NewService(couples.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	checkinsService, err := checkins.NewService(checkins.ServiceConfig{
		Database:   db,
		Partners:   couplesService,
		Clock:      time.Now,
		IDProvider: checkins.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		CookieName:    appConfig.TokenCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:        sessionValidator,
		CheckinsService: checkinsService,
		Logger:          logger,
		AllowedOrigins:  appConfig.AllowedOrigins,
		RateLimitRPS:    appConfig.RateLimitRPS,
		RateLimitBurst:  appConfig.RateLimitBurst,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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
		logger.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
