package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"drawsync/broadcast"
	"drawsync/channels"
	"drawsync/config"
	"drawsync/gateway"
	"drawsync/handlers/api/broadcasting"
	"drawsync/handlers/api/drawings"
	"drawsync/handlers/auth"
	ws "drawsync/handlers/websocket"
	"drawsync/logging"
	authMiddleware "drawsync/middleware"
	"drawsync/stores"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
	socketio "github.com/zishang520/socket.io/v2/socket"
	"golang.org/x/sync/errgroup"
)

type server struct {
	service  *gateway.Service
	gate     *channels.Gate
	issuer   *auth.Issuer
	provider *auth.Provider
	ws       *ws.Server
	ioo      *socketio.Server
	origins  []string
}

func setupRouter(s *server) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length", "X-CSRF-Token", "Origin", "X-Requested-With"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))

	requireAuth := authMiddleware.AuthJWT(s.issuer)

	r.Route("/api/v2", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(requireAuth)
			r.Route("/drawings", drawings.Routes(s.service))
		})
	})

	r.With(requireAuth).Post("/broadcasting/auth", broadcasting.HandleAuth(s.gate))
	r.With(requireAuth).Get("/ws", s.ws.ServeHTTP)

	r.Route("/auth", func(r chi.Router) {
		r.Get("/login", s.provider.HandleLogin)
		r.Get("/callback", s.provider.HandleCallback)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Mount("/socket.io/", s.ioo.ServeHandler(nil))
	return r
}

func main() {
	configFile := flag.String("config", "", "Path to a YAML config file.")
	listenAddress := flag.String("listen", "", "The address to listen on. Overrides LISTEN_ADDR.")
	logLevel := flag.String("loglevel", "", "The log level (debug, info, warn, error). Overrides LOG_LEVEL.")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}
	if *listenAddress != "" {
		cfg.ListenAddr = *listenAddress
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	policy, err := logging.Parse(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		logrus.Fatalf("Invalid log level: %v", err)
	}
	logging.Apply(logrus.StandardLogger(), policy)
	log := logrus.StandardLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("Server stopped")
	}
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	store, closeStore, err := stores.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	hub := broadcast.NewHub(log)
	var publisher broadcast.Publisher = hub
	if cfg.RedisURL != "" {
		if !cfg.SharedUpdates() {
			log.WithField("storage", cfg.StorageType).Warn("Storage is not safe for concurrent writers; run a single instance")
		}
		client, err := broadcast.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		bridge := broadcast.NewRedisBridge(client, hub, log)
		if err := bridge.Start(ctx); err != nil {
			return err
		}
		defer bridge.Close()
		publisher = bridge
	}

	service := gateway.NewService(store, publisher, log)
	gate := channels.NewGate(service, channels.NewSigner([]byte(cfg.JWTSecret), cfg.ChannelGrantTTL), log)
	issuer := auth.NewIssuer(cfg.JWTSecret, auth.DefaultTokenTTL)
	relay := ws.NewRelay(hub, publisher, gate, log)

	s := &server{
		service:  service,
		gate:     gate,
		issuer:   issuer,
		provider: auth.NewProvider(ctx, cfg, issuer, log),
		ws:       ws.NewServer(relay, cfg.CORSOrigins, log),
		ioo:      ws.NewSocketIO(relay, issuer, cfg.CORSOrigins, log),
		origins:  cfg.CORSOrigins,
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           setupRouter(s),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", cfg.ListenAddr).Info("Starting server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		s.ws.Close()
		s.ioo.Close(nil)
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
