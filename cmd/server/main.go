// Command server runs the identity directory.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	echoapi "go.pilab.hu/directory/api/echo"
	"go.pilab.hu/directory/config"
	"go.pilab.hu/directory/internal/crypto"
	"go.pilab.hu/directory/internal/directory"
	"go.pilab.hu/directory/internal/federation"
	"go.pilab.hu/directory/internal/lock"
	"go.pilab.hu/directory/internal/mail"
	"go.pilab.hu/directory/internal/metrics"
	"go.pilab.hu/directory/internal/notify"
	"go.pilab.hu/directory/internal/token"
	"go.pilab.hu/directory/mongodb"
	"go.pilab.hu/directory/tracing"
)

func main() {
	var configFile string

	root := &cobra.Command{
		Use:          "server",
		Short:        "Federated identity directory server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			setupLogging(cfg)
			return run(cmd.Context(), cfg)
		},
	}
	root.Flags().StringVarP(&configFile, "config", "c", "", "path to the configuration file")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		zlog.Fatal().Err(err).Msg("server exited")
	}
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogPretty {
		zlog.Logger = zlog.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return err
	}
	metrics.Register(prometheus.DefaultRegisterer)

	tp, err := tracing.InitTracerProvider("directory")
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			zlog.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	if err := crypto.EnsureSigningKeys(cfg.PrivateKeyFile, cfg.PublicKeyFile); err != nil {
		return err
	}
	codec, err := token.NewCodec(cfg.PrivateKeyFile, cfg.PublicKeyFile, cfg.KeyID)
	if err != nil {
		return err
	}

	client, db, err := mongodb.Connect(ctx, cfg.MongoURI, cfg.MongoDBName)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Disconnect(context.Background()); err != nil {
			zlog.Warn().Err(err).Msg("mongo disconnect failed")
		}
	}()

	store, err := mongodb.NewStore(ctx, db)
	if err != nil {
		return err
	}
	limits, err := mongodb.NewLimitsRepository(ctx, db, store, cfg.DefaultMembersLimit)
	if err != nil {
		return err
	}
	lockRepo, err := mongodb.NewLockRepository(ctx, db, cfg.LockTTL)
	if err != nil {
		return err
	}

	locks := lock.NewManager(lockRepo, cfg.LockTTL)
	locks.Start(ctx)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := locks.Stop(shutdownCtx); err != nil {
			zlog.Warn().Err(err).Msg("lock manager shutdown failed")
		}
	}()

	gateway, err := federation.NewGateway(ctx, cfg.Federation, cfg.StateDir, cfg.PublicURL)
	if err != nil {
		return err
	}

	var mailer mail.Sender = mail.LogSender{}
	if cfg.SMTP.Host != "" {
		mailer = mail.NewSMTPSender(cfg.SMTP)
	}

	var sink notify.Sink = notify.NoopSink{}
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		sink = notify.NewRedisSink(redis.NewClient(redisOpts), cfg.NotificationChannel)
	}

	svc := directory.NewService(store, limits, codec, locks, mailer, sink, directory.Options{
		PublicURL:            cfg.PublicURL,
		InvitationRedirect:   cfg.InvitationRedirect,
		DefaultLoginRedirect: cfg.DefaultLoginRedirect,
		Passwordless:         cfg.Passwordless,
		SessionTTL:           cfg.SessionTTL,
		InitialTTL:           cfg.InitialTTL,
		InvitationTTL:        cfg.InvitationTTL,
		AdminEmails:          cfg.AdminEmails,
	})

	api := echoapi.NewDirectoryAPI(svc, gateway, codec, echoapi.Options{
		PasswordlessLimit: echoapi.RateLimit{
			Requests: cfg.PasswordlessRateLimit,
			Window:   cfg.PasswordlessRateWindow,
		},
		SessionTTL: cfg.SessionTTL,
	})
	defer api.Close()

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.RequestID())
	api.RegisterRoutes(e)

	errCh := make(chan error, 1)
	go func() {
		zlog.Info().Str("port", cfg.HTTPPort).Msg("http server listening")
		errCh <- e.Start(":" + cfg.HTTPPort)
	}()

	select {
	case <-ctx.Done():
		zlog.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
