package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/cohortly/tms/pkg/api"
	"github.com/cohortly/tms/pkg/audit"
	"github.com/cohortly/tms/pkg/auth"
	"github.com/cohortly/tms/pkg/config"
	"github.com/cohortly/tms/pkg/middleware"
	"github.com/cohortly/tms/pkg/observability"
	"github.com/cohortly/tms/pkg/sso"
	"github.com/cohortly/tms/pkg/training"
)

func main() {
	startup := logrus.New()
	startup.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.LoadConfig()
	if err != nil {
		startup.WithError(err).Fatal("failed to load configuration")
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(cfg)
	if err != nil {
		startup.WithError(err).Fatal("failed to connect to postgres")
	}
	defer db.Close()

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	var otelProviders *observability.OTelProviders
	if cfg.Observability.OTelEnabled {
		otelProviders, err = observability.InitOTel(ctx, observability.OTelConfig{
			Enabled:        true,
			Endpoint:       cfg.Observability.OTelEndpoint,
			ServiceName:    cfg.Observability.OTelServiceName,
			ServiceVersion: cfg.Observability.OTelServiceVersion,
			Insecure:       cfg.Observability.OTelInsecure,
		}, logger)
		if err != nil {
			startup.WithError(err).Fatal("failed to initialize tracing")
		}
		defer func() {
			if err := observability.ShutdownOTel(context.Background(), otelProviders, logger); err != nil {
				logger.WithError(err).Warn("tracing shutdown failed")
			}
		}()
	}

	store, err := auth.NewStore(db)
	if err != nil {
		startup.WithError(err).Fatal("failed to initialize user store")
	}
	tokens, err := auth.NewTokenService(cfg.Auth.JWTSecret,
		cfg.Auth.AccessTokenTTL, cfg.Auth.RefreshTokenTTL, store)
	if err != nil {
		startup.WithError(err).Fatal("failed to initialize token service")
	}
	guard, err := middleware.NewCSRFGuard(cfg.Auth.CSRFSecret, cfg.Auth.CSRFTokenTTL,
		cfg.IsProduction(), cfg.Auth.CSRFTestMode, metrics, logger)
	if err != nil {
		startup.WithError(err).Fatal("failed to initialize csrf guard")
	}
	if cfg.Auth.DevAuthBypass {
		startup.Warn("development auth bypass is ENABLED: every request runs as a synthetic admin")
	}

	auditLog, err := audit.NewDBLogger(db)
	if err != nil {
		startup.WithError(err).Fatal("failed to initialize audit trail")
	}
	recorder := audit.NewRecorder(auditLog, logger, metrics)

	archive, err := buildArchive(ctx, cfg)
	if err != nil {
		startup.WithError(err).Fatal("failed to initialize audit archive")
	}

	sweeper := audit.NewRetentionSweeper(auditLog, archive, audit.RetentionPolicy{
		RetentionDays:  cfg.Audit.RetentionDays,
		ArchiveEnabled: archive != nil,
	}, logger)
	if cfg.Audit.RetentionDays > 0 {
		if err := sweeper.Start(cfg.Audit.RetentionCron); err != nil {
			startup.WithError(err).Fatal("failed to start retention sweeper")
		}
		defer sweeper.Stop()
	}

	trainingStore, err := training.NewStorage(db)
	if err != nil {
		startup.WithError(err).Fatal("failed to initialize training storage")
	}

	deps := api.Deps{
		Config:           cfg,
		Logger:           logger,
		Metrics:          metrics,
		Store:            store,
		Tokens:           tokens,
		Guard:            guard,
		Recorder:         recorder,
		AuditHandlers:    audit.NewHandlers(auditLog, archive, logger, cfg.IsProduction()),
		TrainingHandlers: training.NewHandlers(trainingStore, recorder, logger, cfg.IsProduction()),
	}

	if cfg.SSO.Enabled {
		provider, err := buildSSOProvider(ctx, cfg)
		if err != nil {
			startup.WithError(err).Fatal("failed to initialize sso provider")
		}
		deps.SSOHandlers = sso.NewHandlers(sso.HandlersConfig{
			Provider:    provider,
			Provisioner: sso.NewProvisioner(db),
			Tokens:      tokens,
			Recorder:    recorder,
			Logger:      logger,
			Metrics:     metrics,
			AccessTTL:   cfg.Auth.AccessTokenTTL,
			RefreshTTL:  cfg.Auth.RefreshTokenTTL,
			Secure:      cfg.IsProduction(),
			SuccessURL:  cfg.Server.BaseURL,
		})
		startup.WithField("type", cfg.SSO.Type).Info("sso federation enabled")
	}

	handler := api.NewServer(deps).Router()
	if cfg.Observability.OTelEnabled {
		handler = otelhttp.NewHandler(handler, "tms-server")
	}

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(db))
	if cfg.Observability.MetricsEnabled {
		healthMux.Handle("/metrics", observability.Handler(registry))
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		startup.WithFields(logrus.Fields{
			"addr":        server.Addr,
			"environment": cfg.Environment,
		}).Info("training management server listening")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		startup.WithField("addr", healthServer.Addr).Info("health server listening")
		if err := healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				stats := db.Stats()
				metrics.DBConnectionsActive.Set(float64(stats.InUse))
				metrics.DBConnectionsIdle.Set(float64(stats.Idle))
			}
		}
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		healthServer.Shutdown(shutdownCtx) //nolint:errcheck
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		startup.WithError(err).Fatal("server exited with error")
	}
	startup.Info("shutdown complete")
}

func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// buildArchive selects the audit archive backend: S3 when a bucket is
// configured, the local filesystem otherwise, nil when archiving is off.
func buildArchive(ctx context.Context, cfg *config.Config) (audit.ArchiveStore, error) {
	if !cfg.Audit.ArchiveEnabled {
		return nil, nil
	}
	if cfg.Audit.ArchiveS3Bucket != "" {
		return audit.NewS3Archive(ctx, audit.S3ArchiveConfig{
			Bucket: cfg.Audit.ArchiveS3Bucket,
			Region: cfg.Audit.ArchiveS3Region,
		})
	}
	return audit.NewFilesystemArchive(cfg.Audit.ArchivePath)
}

func buildSSOProvider(ctx context.Context, cfg *config.Config) (sso.Provider, error) {
	switch cfg.SSO.Type {
	case "saml":
		return sso.NewSAMLProvider(sso.SAMLConfig{
			EntityID:    cfg.SSO.IdPEntityID,
			SSOURL:      cfg.SSO.IdPSSOURL,
			Certificate: cfg.SSO.IdPCertificate,
			BaseURL:     cfg.Server.BaseURL,
			PrivateKey:  cfg.SSO.SPPrivateKey,
		})
	case "oidc":
		return sso.NewOIDCProvider(ctx, sso.OIDCConfig{
			IssuerURL:    cfg.SSO.OIDCIssuerURL,
			ClientID:     cfg.SSO.OIDCClientID,
			ClientSecret: cfg.SSO.OIDCClientSecret,
			BaseURL:      cfg.Server.BaseURL,
			Scopes:       cfg.SSO.OIDCScopes,
		})
	default:
		return nil, errors.New("sso type must be saml or oidc")
	}
}
