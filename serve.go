package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/MicahParks/keyfunc"
	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/labstack/echo-contrib/pprof"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"taskboard/api"
	"taskboard/config"
	"taskboard/events"
	"taskboard/service"
	"taskboard/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the RPC procedures and the change stream",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := storage.Open(ctx, storageOptions(cfg))
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	shutdown := map[string]gfshutdown.Operation{
		"storage": func(context.Context) error { return store.Close() },
	}

	var backend storage.Backend = store
	var publishers events.Fanout
	var changes events.Subscriber

	redisOpts, err := cfg.RedisOptions()
	if err != nil {
		return err
	}
	if redisOpts != nil {
		rc := redis.NewClient(redisOpts)
		shutdown["redis"] = func(context.Context) error { return rc.Close() }
		cache := storage.NewCache(store, rc, cfg.CacheTTL.Duration)
		notifier := events.NewRedisNotifier(rc)
		backend = cache
		publishers = append(publishers, cache, notifier)
		changes = notifier
	} else {
		log.Warn("REDIS_CONNECTION_STRING not set; caching disabled and live updates limited to this instance")
		broker := events.NewBroker()
		publishers = append(publishers, broker)
		changes = broker
	}
	if cfg.ChangesQueue != "" {
		queue, err := events.NewQueuePublisher(cfg.ConnectionString, cfg.ChangesQueue)
		if err != nil {
			return err
		}
		publishers = append(publishers, queue)
	}

	auth, jwks, err := newAuth(cfg)
	if err != nil {
		return err
	}
	if jwks != nil {
		shutdown["jwks"] = func(context.Context) error {
			jwks.EndBackground()
			return nil
		}
	}

	e := newServer(cfg, api.Deps{
		Tasks:     service.NewTaskService(backend, backend, publishers),
		Users:     service.NewUserService(backend, publishers),
		Auth:      auth,
		Cookie:    cfg.AuthCookie,
		Changes:   changes,
		KeepAlive: cfg.StreamKeepAlive.Duration,
		Health:    store,
		Logger:    log.StandardLogger(),
	})

	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("taskboard listening")
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server stopped")
		}
	}()

	shutdown["http"] = func(ctx context.Context) error { return e.Shutdown(ctx) }
	wait := gfshutdown.GracefulShutdown(context.Background(), cfg.ShutdownTimeout.Duration, shutdown)
	code := <-wait
	log.WithField("code", code).Info("taskboard stopped")
	if code != 0 {
		os.Exit(code)
	}
	return nil
}

// newServer builds the Echo instance with the middleware chain and every route.
func newServer(cfg config.Config, d api.Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.JSONSerializer = api.JSONSerializer{}
	e.HTTPErrorHandler = api.ErrorHandler
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     cfg.CORSOrigins,
		AllowHeaders:     []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderContentEncoding},
		AllowCredentials: !containsWildcard(cfg.CORSOrigins),
	}))
	e.Use(api.GzipRequestMiddleware())
	if cfg.Debug {
		pprof.Register(e)
	}
	api.Register(e, d)
	return e
}

func newAuth(cfg config.Config) (*api.Auth, *keyfunc.JWKS, error) {
	opts := api.AuthOptions{
		Audience:    cfg.AuthAudience,
		Issuer:      cfg.AuthIssuer,
		LocalMode:   cfg.LocalAuthMode,
		LocalSecret: cfg.LocalAuthSecret,
		KeyCacheTTL: cfg.JWKSCacheTTL.Duration,
	}
	if cfg.LocalAuthMode != "" {
		auth, err := api.NewAuth(nil, opts)
		return auth, nil, err
	}
	jwks, err := keyfunc.Get(cfg.JWKSURL, keyfunc.Options{
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			log.WithError(err).Warn("jwks refresh failed")
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("jwks: %w", err)
	}
	auth, err := api.NewAuth(jwks, opts)
	if err != nil {
		jwks.EndBackground()
		return nil, nil, err
	}
	return auth, jwks, nil
}

func setupLogging(cfg config.Config) {
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	if cfg.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
}

func storageOptions(cfg config.Config) storage.Options {
	return storage.Options{
		Driver:           cfg.StorageDriver,
		DatabaseURL:      cfg.DatabaseURL,
		SQLitePath:       cfg.SQLitePath,
		ConnectionString: cfg.ConnectionString,
		TasksTable:       cfg.TasksTable,
		UsersTable:       cfg.UsersTable,
	}
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
