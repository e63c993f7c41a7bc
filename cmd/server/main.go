package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleetview/internal/config"
	"fleetview/internal/database"
	"fleetview/internal/handlers"
	"fleetview/internal/logging"
	"fleetview/internal/middleware"
	"fleetview/internal/services/pushchannel"
	"fleetview/internal/services/snapshot"
	"fleetview/internal/session"
	"fleetview/internal/view"
	"fleetview/internal/websocket"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

const shutdownTimeout = 15 * time.Second

func main() {
	log.Info("═══════════════════════════════════════════════════════════════════")
	log.Info("🚀 FLEETVIEW SERVER STARTING")
	log.Info("═══════════════════════════════════════════════════════════════════")

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Warn("⚠️  Warning: .env file not found, using environment variables from system")
	} else {
		log.Info("✅ .env file loaded successfully")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Error("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		log.Error("❌ FATAL ERROR: Invalid configuration")
		log.Errorf("   Error: %v", err)
		log.Error("   Set BACKEND_URL and APP_JWT_SECRET in the environment or .env file")
		log.Error("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		log.Fatal(err)
	}

	logCloser, err := logging.Configure(log.StandardLogger(), logging.Options{
		Level:      cfg.GetLogLevel(),
		File:       cfg.LogFile,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	if err != nil {
		log.Fatalf("❌ FATAL ERROR: Logging setup failed: %v", err)
	}
	defer logCloser.Close()

	log.WithFields(log.Fields{
		"roster": cfg.RosterURL(),
		"push":   cfg.PushURL,
	}).Info("✅ Configuration loaded")

	// Optional state mirror
	var observers []view.Observer
	var stateStore *database.VehicleStateStore
	var mirror *database.Mirror
	if cfg.DatabaseURL != "" {
		db, err := database.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Fatal(err)
		}
		defer db.Close()

		if err := database.Migrate(db); err != nil {
			log.Error("❌ FATAL ERROR: Database migrations failed")
			log.Fatal(err)
		}

		stateStore = database.NewVehicleStateStore(db)
		mirror = database.NewMirror(stateStore, 4096, 2)
		observers = append(observers, mirror)
		log.Info("✅ Vehicle state mirror enabled")
	} else {
		log.Info("ℹ️  DATABASE_URL not set, vehicle state mirror disabled")
	}

	loader := snapshot.NewLoader(snapshot.Options{
		URL:      cfg.RosterURL(),
		Timeout:  cfg.SnapshotTimeout,
		Attempts: cfg.SnapshotAttempts,
		Backoff:  cfg.SnapshotBackoff,
	})

	newView := func(cred session.Credential, renderer view.Renderer) *view.View {
		channel := pushchannel.New(pushchannel.Options{
			URL:          cfg.PushURL,
			ReconnectMin: cfg.ReconnectMin,
			ReconnectMax: cfg.ReconnectMax,
		}, cred)

		return view.New(view.Options{
			Loader:     loader,
			Channel:    channel,
			Renderer:   renderer,
			Observers:  observers,
			Credential: cred,
		})
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Initialize WebSocket hub
	wsHub := websocket.NewHub(newView)
	hubDone := make(chan struct{})
	go func() {
		wsHub.Run(ctx)
		close(hubDone)
	}()
	log.Info("✅ WebSocket hub started")

	auth := middleware.NewAuthenticator(cfg.JWTSecret, cfg.SessionCookie)

	// Create router
	r := chi.NewRouter()

	// Middleware
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", handlers.Health)

	// Dashboard socket (authenticates itself: token query param, header or cookie)
	r.Get("/ws", websocket.HandleWebSocket(wsHub, auth, websocket.NewUpgrader(cfg.AllowedOrigins)))

	r.Route("/api/fleet", func(r chi.Router) {
		r.Use(auth.Auth)

		r.Get("/vehicles", handlers.GetVehicles(loader))

		if stateStore != nil {
			r.Get("/state", handlers.ListVehicleState(stateStore))
			r.Get("/state/{vehicleID}", handlers.GetVehicleState(stateStore))
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole("admin"))
			r.Get("/views", handlers.GetViewStats(wsHub))
		})
	})

	srv := &http.Server{
		Addr:    cfg.ListenAddress(),
		Handler: r,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("═══════════════════════════════════════════════════════════════════")
		log.Info("✅ ALL INITIALIZATION COMPLETE")
		log.Infof("🚀 Server starting on http://localhost:%s", cfg.Port)
		log.Info("🔌 Ready to accept dashboards!")
		log.Info("═══════════════════════════════════════════════════════════════════")
		serverErr <- srv.ListenAndServe()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		log.Infof("🛑 Received %s, shutting down...", sig)
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
			log.Error("❌ FATAL ERROR: Server failed to start")
			log.Errorf("   Error: %v", err)
			log.Errorf("   Port: %s", cfg.Port)
			log.Error("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
			log.Fatal(err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("⚠️  HTTP server shutdown error: %v", err)
	}

	// Unmount every view before the mirror stops accepting records
	stop()
	<-hubDone
	if mirror != nil {
		mirror.Close()
	}

	log.Info("✅ Server shut down cleanly")
}
