// Command coordinator runs one Session Coordinator instance: the HTTP and
// WebSocket surface for a single session, as resolved by the transport-layer
// proxy (§1, §6).
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/anthropics/sandboxctl/server/internal/callback"
	"github.com/anthropics/sandboxctl/server/internal/config"
	"github.com/anthropics/sandboxctl/server/internal/crypto"
	"github.com/anthropics/sandboxctl/server/internal/events"
	"github.com/anthropics/sandboxctl/server/internal/handler"
	"github.com/anthropics/sandboxctl/server/internal/hub"
	"github.com/anthropics/sandboxctl/server/internal/lifecycle"
	"github.com/anthropics/sandboxctl/server/internal/middleware"
	"github.com/anthropics/sandboxctl/server/internal/provider"
	"github.com/anthropics/sandboxctl/server/internal/queue"
	"github.com/anthropics/sandboxctl/server/internal/secretstore"
	"github.com/anthropics/sandboxctl/server/internal/store"
)

// instanceAlarm is the single rescheduled timer that backs
// lifecycle.AlarmScheduler: "the instance may have at most one scheduled
// alarm. Setting a new alarm replaces the previous one" (§9).
type instanceAlarm struct {
	mu    sync.Mutex
	timer *time.Timer
	fire  func()
}

func (a *instanceAlarm) ScheduleAlarm(at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
	}
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	a.timer = time.AfterFunc(d, a.fire)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.SessionID == "" {
		log.Fatal("SESSION_ID is required: this process owns exactly one session")
	}

	enc, err := crypto.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("Failed to initialize encryptor: %v", err)
	}

	log.Println("Running lifecycle reconciliation sweep for all known sessions...")
	dockerProvider, err := provider.NewDockerProvider(cfg)
	var prov provider.Port = provider.Unavailable
	if err != nil {
		log.Printf("Warning: Docker provider unavailable, sandbox lifecycle will fail spawns: %v", err)
	} else {
		prov = dockerProvider
		defer dockerProvider.Close()

		reconcileCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		lifecycle.ReconcileAll(reconcileCtx, cfg, dockerProvider)
		cancel()
	}

	st, err := store.Open(cfg.SessionDBDir, cfg.SessionID)
	if err != nil {
		log.Fatalf("Failed to open session store: %v", err)
	}
	defer st.Close()

	secrets, err := secretstore.Open(cfg, enc)
	if err != nil {
		log.Fatalf("Failed to open repository secrets store: %v", err)
	}
	defer secrets.Close()

	notifier := callback.New(cfg.ControlPlaneURL, cfg.CallbackSecret)

	h := hub.New(st, cfg)
	alarm := &instanceAlarm{}
	ctl := lifecycle.New(st, prov, cfg, h, alarm, secrets)
	alarm.fire = func() {
		ctx := context.Background()
		ctl.CheckInactivity(ctx, h.ConnectedClientCount())
		ctl.CheckHeartbeat(ctx)
	}
	h.SetController(ctl)

	q := queue.New(st, cfg, h, h, ctl, notifier)
	h.SetPromptDriver(q)
	h.SetEnqueuer(q)

	router := events.New(st, h, q)
	h.SetEventIngester(router)

	hh := handler.New(st, cfg, enc, q, router, h, h, secrets)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.SanitizedLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", hh.Healthz)

	r.Route("/internal", func(r chi.Router) {
		r.Post("/init", hh.Init)
		r.Get("/state", hh.State)
		r.Post("/prompt", hh.Prompt)
		r.Post("/stop", hh.Stop)
		r.Post("/sandbox-event", hh.SandboxEventHTTP)
		r.Get("/participants", hh.ListParticipants)
		r.Post("/participants", hh.AddParticipant)
		r.Get("/events", hh.Events)
		r.Get("/artifacts", hh.Artifacts)
		r.Get("/messages", hh.Messages)
		r.Get("/secrets", hh.ListSecrets)
		r.Post("/secrets", hh.SetSecrets)
		r.Post("/create-pr", hh.CreatePR)
		r.Post("/ws-token", hh.WSToken)
		r.With(middleware.RequireUserID).Post("/archive", hh.Archive)
		r.With(middleware.RequireUserID).Post("/unarchive", hh.Unarchive)
		r.Post("/verify-sandbox-token", hh.VerifySandboxToken)
	})

	r.Get("/", h.ServeHTTP)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Coordinator for session %s starting on port %d", cfg.SessionID, cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down coordinator...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Graceful shutdown failed: %v", err)
	}
}
