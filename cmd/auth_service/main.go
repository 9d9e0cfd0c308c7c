package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvizhhse/auth_service/internal/auth"
	"github.com/dvizhhse/auth_service/internal/config"
	"github.com/dvizhhse/auth_service/internal/handler"
	"github.com/dvizhhse/auth_service/internal/mail"
	"github.com/dvizhhse/auth_service/internal/oauth"
	"github.com/dvizhhse/auth_service/internal/service"
	"github.com/dvizhhse/auth_service/internal/storage"
	"github.com/dvizhhse/auth_service/internal/tokens"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

const (
	envLocal = config.EnvLocal
	envDev   = "dev"
	envProd  = "prod"

	shutdownTimeout = 10 * time.Second
)

func main() {
	//PARSE ARGS
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to the yaml config")

	flag.Parse()
	if configPath == "" {
		log.Fatal("failed get config path from flags")
	}

	cfg := config.MustLoadConfig(configPath)

	//INIT LOGGER
	lgr := setupLogger(cfg.Env)
	lgr.Info("starting auth service", slog.String("env", cfg.Env))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	//INIT DB
	st, err := setupStorage(ctx, cfg, lgr)
	if err != nil {
		lgr.Error("failed to init storage", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	//INIT SESSIONS
	var sessionOpts []auth.Option
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		defer client.Close()

		sessionOpts = append(sessionOpts, auth.WithDenylist(auth.NewRedisDenylist(client, cfg.Redis.Timeout)))
		lgr.Info("session denylist enabled", slog.String("addr", cfg.Redis.Addr))
	}
	sessions := auth.NewSessionManager([]byte(cfg.Session.Secret), cfg.Session.LocalTTL, cfg.Session.OAuthTTL, sessionOpts...)

	//INIT MAIL
	var mailer mail.Mailer = mail.NewLogMailer(lgr)
	if len(cfg.Mail.KafkaBrokers) > 0 {
		kafkaMailer := mail.NewKafkaMailer(cfg.Mail.KafkaBrokers, cfg.Mail.KafkaTopic, cfg.Mail.Timeout)
		defer kafkaMailer.Close()

		mailer = kafkaMailer
		lgr.Info("mail events go to kafka", slog.String("topic", cfg.Mail.KafkaTopic))
	}

	//INIT SERVICES
	issuer := tokens.NewIssuer(st, cfg.Tokens.EmailVerifyTTL, cfg.Tokens.PasswordResetTTL)
	srvc := service.NewService(lgr, st, issuer, sessions, mailer, mail.Links{BaseURL: cfg.Mail.AppBaseURL})

	httpClient := &http.Client{Timeout: cfg.OAuth.HTTPTimeout}
	flows := oauth.NewOrchestrator(lgr, st, sessions, setupProviders(cfg, httpClient)...)
	lgr.Info("oauth providers", slog.Any("providers", flows.Providers()))

	//INIT SERVER
	if !cfg.IsLocal() {
		gin.SetMode(gin.ReleaseMode)
	}

	h := handler.NewHandler(srvc, sessions, flows, handler.Options{
		SessionCookie: auth.Cookie{Name: cfg.Session.CookieName, Secure: !cfg.IsLocal()},
		StateCookie:   oauth.StateCookie{TTL: cfg.OAuth.StateTTL, Secure: !cfg.IsLocal()},
		HomeURL:       cfg.OAuth.HomeURL,
	}, lgr)

	srv := &http.Server{
		Addr:         cfg.HTTPServer.Address,
		Handler:      h.InitRoutes(),
		ReadTimeout:  cfg.HTTPServer.ReadTimeout,
		WriteTimeout: cfg.HTTPServer.WriteTimeout,
		IdleTimeout:  cfg.HTTPServer.IdleTimeout,
	}

	go func() {
		lgr.Info("http server listening", slog.String("address", cfg.HTTPServer.Address))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lgr.Error("http server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	lgr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		lgr.Error("failed to shut down http server", slog.Any("error", err))
	}
}

func setupStorage(ctx context.Context, cfg *config.Config, lgr *slog.Logger) (storage.Storage, error) {
	if cfg.DB.Driver == config.DriverMemory {
		lgr.Warn("using in-memory storage, data is lost on restart")
		return storage.NewMemoryStorage(), nil
	}

	if cfg.DB.RunMigrations {
		if err := storage.Migrate(ctx, cfg.DB.DbURL); err != nil {
			return nil, err
		}
	}

	pg, err := storage.NewPostgresStorage(ctx, cfg.DB.DbURL)
	if err != nil {
		return nil, err
	}
	return pg, nil
}

func setupProviders(cfg *config.Config, client *http.Client) []oauth.Provider {
	var providers []oauth.Provider
	if cfg.OAuth.Google.Enabled() {
		providers = append(providers, oauth.NewGoogleProvider(cfg.OAuth.Google, client))
	}
	if cfg.OAuth.GitHub.Enabled() {
		providers = append(providers, oauth.NewGitHubProvider(cfg.OAuth.GitHub, client))
	}
	if cfg.OAuth.Trusted.Enabled() {
		providers = append(providers, oauth.NewTrustedExchangeProvider(cfg.OAuth.Trusted, client))
	}
	return providers
}

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	}
	return log
}
