package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tourlingo/signaling/config"
	"github.com/tourlingo/signaling/internal/diagnostics"
	"github.com/tourlingo/signaling/internal/events"
	"github.com/tourlingo/signaling/internal/handlers"
	"github.com/tourlingo/signaling/internal/health"
	"github.com/tourlingo/signaling/internal/metrics"
	"github.com/tourlingo/signaling/internal/middleware"
	"github.com/tourlingo/signaling/internal/relay"
	"github.com/tourlingo/signaling/internal/store"
	"github.com/tourlingo/signaling/internal/tours"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Environment != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	st, err := store.Connect(store.Config{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer st.Close()
	log.Info().Str("host", cfg.Redis.Host).Str("port", cfg.Redis.Port).Msg("Redis connection established")

	mx := metrics.New()
	emitter := events.NewEmitter(st, log.Logger)
	tourManager := tours.NewManager(st, emitter, tours.Config{
		OfferTTL:  cfg.Signaling.OfferTTL,
		StatusTTL: cfg.Signaling.StatusTTL,
	}, log.Logger)
	rly := relay.New(st, tourManager, emitter, mx, relay.Config{
		OfferTTL:        cfg.Signaling.OfferTTL,
		AnswersCacheTTL: cfg.Signaling.AnswersCacheTTL,
	}, log.Logger)
	diag := diagnostics.NewEngine(st, diagnostics.Config{
		TrimThreshold: cfg.Signaling.IceTrimThreshold,
		TrimKeep:      cfg.Signaling.IceTrimKeep,
		StatusTTL:     cfg.Signaling.StatusTTL,
	}, log.Logger)
	monitor := health.NewMonitor(cfg.Signaling.SweepPeriod, cfg.Signaling.IdleThreshold, nil, mx, log.Logger)
	go monitor.Run(ctx)

	api := &handlers.API{Tours: tourManager, Relay: rly, Diag: diag, Log: log.Logger}
	hub := handlers.NewHub(tourManager, rly, monitor, emitter, mx,
		cfg.Signaling.BatchMaxSize, cfg.Signaling.BatchDelay, log.Logger)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.Use(handlers.OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler(mx)))

	auth := middleware.JWTAuth(cfg.JWTSecret)
	guideOnly := middleware.RequireRole(middleware.RoleGuide)

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/tours", auth, guideOnly, api.StartTour)
		apiGroup.DELETE("/tours/active", auth, guideOnly, api.EndTour)
		apiGroup.GET("/tours/:tourId", api.GetTour)
		apiGroup.PUT("/tours/:tourId/status", auth, guideOnly, api.SetStatus)
		apiGroup.POST("/tours/:tourId/languages/:language", auth, guideOnly, api.AddLanguage)
		apiGroup.DELETE("/tours/:tourId/languages/:language", auth, guideOnly, api.RemoveLanguage)

		apiGroup.POST("/tours/:tourId/languages/:language/offer", auth, guideOnly, api.PutOffer)
		apiGroup.GET("/join/:tourCode/languages/:language/offer", api.GetOffer)
		apiGroup.POST("/tours/:tourId/languages/:language/answers", api.PutAnswer)
		apiGroup.GET("/tours/:tourId/languages/:language/answers", auth, guideOnly, api.GetAnswers)
		apiGroup.POST("/tours/:tourId/languages/:language/candidates/:sender/:attendeeId", api.PutCandidate)
		apiGroup.GET("/tours/:tourId/languages/:language/candidates/:sender/:attendeeId", api.GetCandidates)

		apiGroup.GET("/tours/:tourId/languages/:language/diagnostics", auth, guideOnly, api.Diagnose)
		apiGroup.POST("/tours/:tourId/languages/:language/repair", auth, guideOnly, api.Repair)
	}

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/signal/:tourId/:language", hub.HandleSignaling)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("tour signaling server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server exited gracefully")
}
