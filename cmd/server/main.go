// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/authcore/authcore/internal/audit"
	"github.com/authcore/authcore/internal/authzcode"
	"github.com/authcore/authcore/internal/client"
	"github.com/authcore/authcore/internal/config"
	"github.com/authcore/authcore/internal/crypto"
	"github.com/authcore/authcore/internal/grant"
	"github.com/authcore/authcore/internal/identity"
	"github.com/authcore/authcore/internal/observability/logger"
	"github.com/authcore/authcore/internal/observability/metrics"
	"github.com/authcore/authcore/internal/observability/tracing"
	"github.com/authcore/authcore/internal/orchestrator"
	"github.com/authcore/authcore/internal/permission"
	"github.com/authcore/authcore/internal/session"
	"github.com/authcore/authcore/internal/store/postgres"
	"github.com/authcore/authcore/internal/token"
	transportHTTP "github.com/authcore/authcore/internal/transport/http"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
	})
	slog.Info("starting authorization server")

	if len(os.Args) > 1 && os.Args[1] == "bootstrap" {
		if err := runBootstrap(cfg); err != nil {
			fmt.Printf("Bootstrap failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		if err := runMigrate(cfg); err != nil {
			fmt.Printf("Migration failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	ctx := context.Background()

	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:        cfg.Observability.OTELEnabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		SamplingRate:   1.0,
	})
	if err != nil {
		slog.Error("failed to initialize tracer", logger.Error(err))
	}
	defer tracer.Shutdown(ctx)

	if _, err := metrics.New(ctx, metrics.Config{Enabled: cfg.Observability.OTELEnabled}, cfg.Observability.ServiceName); err != nil {
		slog.Error("failed to initialize meter", logger.Error(err))
	}

	db, err := postgres.New(ctx, postgres.Config{
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		Database:     cfg.Database.Database,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		slog.Error("failed to connect to database", logger.Error(err))
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("connected to database")

	st := postgres.NewPostgresStore(db)
	signingKeyRepo := postgres.NewSigningKeyRepository(db)
	permissionRepo := postgres.NewPermissionRepository(db)
	sessionRepo := postgres.NewSessionRepository(db)
	jtiRepo := postgres.NewClientAssertionJTIRepository(db)

	keys, err := loadOrRotateSigningKeys(ctx, signingKeyRepo, crypto.Algorithm(cfg.OAuth2.SigningAlgorithm))
	if err != nil {
		slog.Error("failed to initialize signing keys", logger.Error(err))
		os.Exit(1)
	}

	auditLogger := audit.NewSlogLogger()
	passwordHasher := crypto.NewPasswordHasher(
		cfg.Security.Argon2Memory,
		cfg.Security.Argon2Iterations,
		cfg.Security.Argon2Parallelism,
		cfg.Security.Argon2SaltLength,
		cfg.Security.Argon2KeyLength,
	)

	identityService := identity.NewService(st.Users(), passwordHasher, auditLogger)
	sessionService := session.New(sessionRepo, cfg.Session.Lifetime)

	jwksClient := crypto.NewJWKSClient(&http.Client{Timeout: 10 * time.Second}, cfg.OAuth2.JWKSCacheTTL)
	tokenURL := cfg.OAuth2.Issuer + "/oauth2/token"
	clientRegistry := client.NewRegistry(st.Clients(), jwksClient, tokenURL, jtiRepo)
	codeService := authzcode.New(st.Codes(), cfg.OAuth2.AuthorizationCodeTTL)
	tokenService := token.New(st, keys, token.Config{
		Issuer:            cfg.OAuth2.Issuer,
		AccessTokenFormat: token.Format(cfg.OAuth2.AccessTokenFormat),
		AccessTokenTTL:    cfg.OAuth2.AccessTokenTTL,
		RefreshTokenTTL:   cfg.OAuth2.RefreshTokenTTL,
		RefreshRotation:   token.Rotation(cfg.OAuth2.RefreshRotation),
		ReplayWindow:      cfg.OAuth2.RefreshReplayWindow,
	})
	orch := orchestrator.New(clientRegistry, codeService)
	dispatcher := grant.New(clientRegistry, codeService, tokenService, st.Users(), passwordHasher, grant.Config{
		PasswordGrantEnabled: cfg.OAuth2.PasswordGrantEnabled,
	})
	permissionEvaluator := permission.New(permissionRepo, 0, 0)

	rateLimiter := transportHTTP.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)

	handler := transportHTTP.NewHandler(
		identityService,
		sessionService,
		orch,
		dispatcher,
		tokenService,
		clientRegistry,
		st.Clients(),
		keys,
		permissionEvaluator,
		auditLogger,
		cfg.OAuth2.Issuer,
		transportHTTP.SessionConfig{
			CookieName:     cfg.Session.CookieName,
			CookieDomain:   cfg.Session.CookieDomain,
			CookiePath:     cfg.Session.CookiePath,
			CookieSecure:   cfg.Session.CookieSecure,
			CookieHTTPOnly: cfg.Session.CookieHTTPOnly,
			CookieSameSite: cfg.Session.CookieSameSite,
		},
	)

	router := transportHTTP.NewRouter(handler, rateLimiter)

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Sweep expired codes/tokens and sessions, and prune retired signing
	// keys, on a fixed schedule rather than per-request.
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			now := time.Now()
			if _, err := st.SweepExpired(ctx, now); err != nil {
				slog.ErrorContext(ctx, "failed to sweep expired codes/tokens", logger.Error(err))
			}
			if _, err := sessionRepo.DeleteExpired(ctx, now); err != nil {
				slog.ErrorContext(ctx, "failed to sweep expired sessions", logger.Error(err))
			}
			if _, err := jtiRepo.DeleteExpired(ctx, now); err != nil {
				slog.ErrorContext(ctx, "failed to sweep expired client assertion jtis", logger.Error(err))
			}
			keys.Prune(2 * cfg.OAuth2.AccessTokenTTL)
		}
	}()

	go func() {
		slog.Info("starting http server", logger.Component("server"), logger.Operation("listen"))
		slog.Info(fmt.Sprintf("listening on %s", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", logger.Error(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", logger.Error(err))
	}

	slog.Info("server stopped")
}

// loadOrRotateSigningKeys restores every persisted RSA signing key into
// the manager and re-marks the active one, or mints the server's first
// key if none is persisted yet.
func loadOrRotateSigningKeys(ctx context.Context, repo *postgres.SigningKeyRepository, alg crypto.Algorithm) (*crypto.Manager, error) {
	manager := crypto.NewManager()

	existing, err := repo.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load signing keys: %w", err)
	}
	for _, key := range existing {
		manager.LoadKey(key)
	}

	if len(existing) == 0 {
		key, err := manager.Rotate(alg)
		if err != nil {
			return nil, fmt.Errorf("mint initial signing key: %w", err)
		}
		if err := repo.Save(ctx, key, true); err != nil {
			return nil, fmt.Errorf("persist initial signing key: %w", err)
		}
		return manager, nil
	}

	activeKid, err := repo.ActiveKid(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active kid: %w", err)
	}
	if activeKid != "" {
		manager.SetActive(activeKid)
	}
	return manager, nil
}

// runBootstrap grants an initial administrator the permission to manage
// OAuth2 client registrations, creating the account first if it doesn't
// already exist. Driven by BOOTSTRAP_ADMIN_USERNAME/BOOTSTRAP_ADMIN_PASSWORD.
func runBootstrap(cfg *config.Config) error {
	ctx := context.Background()
	db, err := postgres.New(ctx, postgres.Config{
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		Database:     cfg.Database.Database,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	username := os.Getenv("BOOTSTRAP_ADMIN_USERNAME")
	password := os.Getenv("BOOTSTRAP_ADMIN_PASSWORD")
	if username == "" || password == "" {
		return fmt.Errorf("BOOTSTRAP_ADMIN_USERNAME and BOOTSTRAP_ADMIN_PASSWORD are required")
	}

	st := postgres.NewPostgresStore(db)
	permissionRepo := postgres.NewPermissionRepository(db)
	auditLogger := audit.NewSlogLogger()
	passwordHasher := crypto.NewPasswordHasher(
		cfg.Security.Argon2Memory,
		cfg.Security.Argon2Iterations,
		cfg.Security.Argon2Parallelism,
		cfg.Security.Argon2SaltLength,
		cfg.Security.Argon2KeyLength,
	)
	identityService := identity.NewService(st.Users(), passwordHasher, auditLogger)

	user, err := identityService.Register(ctx, username, password)
	if err != nil {
		if !errors.Is(err, identity.ErrUserAlreadyExists) {
			return fmt.Errorf("create bootstrap admin: %w", err)
		}
		user, err = st.Users().GetByUsername(ctx, username)
		if err != nil {
			return fmt.Errorf("load existing bootstrap admin: %w", err)
		}
	}

	resource, err := permissionRepo.GetResourceByName(ctx, "oauth2_clients")
	if err != nil {
		return fmt.Errorf("resolve oauth2_clients resource: %w", err)
	}
	perm, err := permissionRepo.GetPermissionByName(ctx, "manage")
	if err != nil {
		return fmt.Errorf("resolve manage permission: %w", err)
	}
	if err := permissionRepo.Grant(ctx, user.ID, resource.ID, perm.ID); err != nil {
		return fmt.Errorf("grant oauth2_clients:manage: %w", err)
	}

	fmt.Printf("Granted oauth2_clients:manage to %s\n", username)
	return nil
}

func runMigrate(cfg *config.Config) error {
	ctx := context.Background()
	db, err := postgres.New(ctx, postgres.Config{
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		Database:     cfg.Database.Database,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Println("Applying initial schema...")
	if err := db.Migrate(ctx, postgres.InitialSchema); err != nil {
		return err
	}
	fmt.Println("Migration successful.")
	return nil
}
