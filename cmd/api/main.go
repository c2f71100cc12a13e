package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"socoto.app/internal/auth"
	"socoto.app/internal/config"
	"socoto.app/internal/housekeeping"
	"socoto.app/internal/httpapi"
	"socoto.app/internal/migrate"
	"socoto.app/internal/notify"
	"socoto.app/internal/obs"
	"socoto.app/internal/store/pg"
	"socoto.app/internal/store/redisstore"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// backends holds the stores selected by configuration.
type backends struct {
	accounts auth.AccountStore
	sessions auth.SessionStore
	ready    httpapi.ReadyProbe
	closers  []func() error
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i]()
	}
}

func main() {
	configDir := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()

	obs.Init()
	obs.InitBuildInfo(version, commit)
	log := obs.Logger()

	var paths []string
	if *configDir != "" {
		paths = append(paths, *configDir)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	obs.SetLevel(cfg.Log.Level)

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("socoto-auth stopped with error")
	}
	log.Info("stopped")
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Debug.GopsAddr != "" {
		if err := agent.Listen(agent.Options{Addr: cfg.Debug.GopsAddr, ShutdownCleanup: true}); err != nil {
			log.WithError(err).Warn("gops agent not started")
		} else {
			defer agent.Close()
		}
	}

	be, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer be.Close()

	svc, err := auth.NewService(be.accounts, be.sessions,
		auth.WithAccessTTL(cfg.Session.AccessTTL),
		auth.WithRefreshTTL(cfg.Session.RefreshTTL),
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithResetSecret(cfg.Auth.ResetSecret),
		auth.WithResetTTL(cfg.Auth.ResetTTL),
		auth.WithResetURL(cfg.Auth.ResetURL),
		auth.WithMailer(newMailer(cfg, log)),
	)
	if err != nil {
		return err
	}

	var cookies *httpapi.CookieSessions
	if cfg.Cookie.Enabled {
		cookies, err = httpapi.NewCookieSessions(cfg.Cookie.Name, []byte(cfg.Cookie.HashKey),
			cfg.Cookie.Secure, cfg.Cookie.Domain, cfg.Session.AccessTTL)
		if err != nil {
			return err
		}
	}

	api, err := httpapi.New(svc, httpapi.Options{
		Version:        version,
		Ready:          be.ready,
		RateBurst:      cfg.RateLimit.Burst,
		RatePerSecond:  float64(cfg.RateLimit.PerSecond),
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		TrustedProxies: cfg.Server.TrustedProxies,
		Cookies:        cookies,
	})
	if err != nil {
		return err
	}

	cr, err := housekeeping.Start(cfg.Session.PurgeSchedule, housekeeping.NewPurgeJob(svc, cfg.Session.PurgeRetention))
	if err != nil {
		return err
	}
	defer func() { <-cr.Stop().Done() }()

	health := httpapi.NewHealthReporter(be.ready, 10*time.Second)
	go health.Run(ctx)

	grpcSrv := grpc.NewServer()
	health.Register(grpcSrv)
	grpcLis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := grpcSrv.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- err
		}
	}()

	log.WithFields(logrus.Fields{
		"version":         version,
		"http_addr":       cfg.Server.Addr,
		"grpc_addr":       cfg.Server.GRPCAddr,
		"session_backend": cfg.Session.Backend,
	}).Info("socoto-auth started")

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case serveErr = <-errCh:
		log.WithError(serveErr).Error("server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	grpcSrv.GracefulStop()
	return serveErr
}

func openBackends(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*backends, error) {
	be := &backends{}

	var db *pg.Store
	if cfg.Database.DSN != "" && !cfg.UsesDatabase() {
		log.Warn("database.dsn ignored by the memory backend")
	}
	if cfg.UsesDatabase() {
		var err error
		db, err = pg.Open(cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		if cfg.Database.MaxOpenConns > 0 {
			db.DB().SetMaxOpenConns(cfg.Database.MaxOpenConns)
		}
		if cfg.Database.MaxIdleConns > 0 {
			db.DB().SetMaxIdleConns(cfg.Database.MaxIdleConns)
		}
		if cfg.Database.ConnMaxLifetime > 0 {
			db.DB().SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
		}
		be.closers = append(be.closers, db.Close)
		be.ready.Deps = append(be.ready.Deps, httpapi.Dependency{Name: "postgres", Ping: db})

		if cfg.Database.AutoMigrate {
			if err := migrate.NewManager(db.DB()).Up(); err != nil {
				be.Close()
				return nil, err
			}
			log.Info("database migrations applied")
		}
	}

	switch cfg.Session.Backend {
	case "postgres":
		be.accounts, be.sessions = db, db
	case "redis":
		rs, err := redisstore.Open(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			be.Close()
			return nil, err
		}
		be.closers = append(be.closers, rs.Close)
		be.ready.Deps = append(be.ready.Deps, httpapi.Dependency{Name: "redis", Ping: rs})
		be.sessions = rs
		if db != nil {
			be.accounts = db
		} else {
			log.Warn("no database configured; accounts are kept in memory")
			be.accounts = auth.NewMemoryStore()
		}
	default:
		log.Warn("memory backend selected; accounts and sessions are lost on restart")
		mem := auth.NewMemoryStore()
		be.accounts, be.sessions = mem, mem
	}
	return be, nil
}

func newMailer(cfg *config.Config, log *logrus.Logger) auth.Mailer {
	if cfg.Mail.RelayURL == "" {
		return notify.NewLogMailer(log)
	}
	m, err := notify.NewHTTPMailer(cfg.Mail.RelayURL, cfg.Mail.APIKey, cfg.Mail.From, cfg.Mail.Timeout)
	if err != nil {
		log.WithError(err).Warn("mail relay misconfigured; falling back to log delivery")
		return notify.NewLogMailer(log)
	}
	return m
}
