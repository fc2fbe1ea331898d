package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mnehpets/oauthsession/auth"
	"github.com/mnehpets/oauthsession/config"
	"github.com/mnehpets/oauthsession/kv"
	"github.com/mnehpets/oauthsession/middleware"
	"github.com/mnehpets/oauthsession/provider"
	"github.com/mnehpets/oauthsession/securestore"
	"github.com/mnehpets/oauthsession/session"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the login, callback and logout routes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load(v)
		if err := cfg.Validate(); err != nil {
			return err
		}
		level, err := log.ParseLevel(cfg.LogLevel)
		if err != nil {
			return errors.Wrapf(err, "invalid %s", config.KeyLogLevel)
		}
		log.SetLevel(level)
		return serve(cmd.Context(), cfg)
	},
}

func init() {
	serveCmd.Flags().String("listen", "", "address to listen on (default :8080)")
	if err := v.BindPFlag(config.KeyListenAddr, serveCmd.Flags().Lookup("listen")); err != nil {
		panic(err)
	}
	serveCmd.Flags().String("redis", "", "Redis address; empty keeps state in process memory")
	if err := v.BindPFlag(config.KeyRedisAddr, serveCmd.Flags().Lookup("redis")); err != nil {
		panic(err)
	}
}

// openBackend returns the configured key-value backend and its closer.
func openBackend(ctx context.Context, cfg *config.Config) (kv.Backend, func(), error) {
	if cfg.RedisAddr == "" {
		log.Warn("No redis_addr configured, sessions are kept in process memory and lost on restart")
		mem := kv.NewMemory()
		return mem, mem.Close, nil
	}
	r, err := kv.NewRedis(ctx, cfg.RedisOptions())
	if err != nil {
		return nil, nil, err
	}
	return r, func() {
		if err := r.Close(); err != nil {
			log.WithError(err).Warn("Failed to close redis client")
		}
	}, nil
}

// newHandler wires the stores, provider client and routes.
func newHandler(ctx context.Context, cfg *config.Config, backend kv.Backend, reg prometheus.Registerer) (http.Handler, error) {
	logger := log.StandardLogger()

	store, err := securestore.New(backend, cfg.SessionSecrets, securestore.WithLogger(logger))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create encrypted store")
	}
	client, err := provider.New(ctx, cfg.ProviderSettings())
	if err != nil {
		return nil, errors.Wrap(err, "failed to configure identity provider")
	}
	sessions, err := session.NewStore(store, client,
		session.WithLogger(logger),
		session.WithMetrics(session.NewMetrics(reg)),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "%s must be set", config.KeySessionSecret)
	}
	manager, err := auth.NewManager(client.Config())
	if err != nil {
		return nil, err
	}
	cookie, err := middleware.NewSessionCookie(cfg.CookieSecrets)
	if err != nil {
		return nil, errors.Wrap(err, "failed to configure session cookie")
	}

	basePath := "/" + strings.Trim(cfg.BasePath, "/")
	h, err := auth.NewHandler(manager, auth.NewStateStore(store), client, sessions, cookie,
		auth.WithBasePath(basePath),
		auth.WithSuccessURL(cfg.SuccessURL),
		auth.WithLogoutURL(cfg.LogoutURL),
		auth.WithProcessors(middleware.NewSecurityHeadersProcessor()),
		auth.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle(basePath+"/", h)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	backend, closeBackend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	h, err := newHandler(ctx, cfg, backend, reg)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/", h)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("Listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "server failed")
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
