// Package api serves the client contract for reservations, variations and the
// gallery over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/digkill/PresetStudio/internal/catalog"
	"github.com/digkill/PresetStudio/internal/models"
	"github.com/digkill/PresetStudio/internal/orchestrator"
	"github.com/digkill/PresetStudio/internal/service"
)

type Reserver interface {
	Reserve(ctx context.Context, req service.ReserveRequest) (*service.Reservation, error)
}

type Completer interface {
	CompleteVariation(ctx context.Context, sessionID string, index int, userID string) (*service.VariationResult, error)
}

type BatchRunner interface {
	Run(ctx context.Context, req service.ReserveRequest) (*orchestrator.BatchResult, error)
}

type Balances interface {
	GetBalance(ctx context.Context, userID string) (models.Balance, error)
}

type Gallery interface {
	ListGenerations(ctx context.Context, userID string, limit int) ([]service.Generation, error)
	GetGeneration(ctx context.Context, userID, recordID string) (*service.Generation, error)
	ListBatch(ctx context.Context, userID, recordID string) ([]models.Image, error)
	SetPublic(ctx context.Context, userID, imageID string, public bool) (*models.Image, error)
	Delete(ctx context.Context, userID, imageID string) error
}

type Promos interface {
	Apply(ctx context.Context, userID, code string) (models.Balance, error)
}

type Deps struct {
	Reservations Reserver
	Variations   Completer
	Batches      BatchRunner
	Ledger       Balances
	Gallery      Gallery
	Promos       Promos
	Catalog      *catalog.Catalog
}

type Server struct {
	addr    string
	log     *slog.Logger
	deps    Deps
	limiter *userLimiter
	router  *chi.Mux
}

// NewServer builds the router. ratePerMinute and burst bound how often one
// user may open new batches.
func NewServer(addr, jwtSecret string, ratePerMinute, burst int, log *slog.Logger, deps Deps) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		addr:    addr,
		log:     log,
		deps:    deps,
		limiter: newUserLimiter(ratePerMinute, burst),
		router:  r,
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/v1/presets", s.handlePresets)
	r.Group(func(authed chi.Router) {
		authed.Use(bearerAuth(jwtSecret))
		authed.With(s.limiter.middleware).Post("/v1/reservations", s.handleReserve)
		authed.With(s.limiter.middleware).Post("/v1/batches", s.handleRunBatch)
		authed.Post("/v1/sessions/{id}/variations/{index}", s.handleCompleteVariation)
		authed.Get("/v1/balance", s.handleBalance)
		authed.Post("/v1/promo", s.handleRedeemPromo)
		authed.Get("/v1/generations", s.handleListGenerations)
		authed.Get("/v1/generations/{id}", s.handleGetGeneration)
		authed.Patch("/v1/images/{id}", s.handleUpdateImage)
		authed.Delete("/v1/images/{id}", s.handleDeleteImage)
	})
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	// variation requests wait on the provider, so writes get a generous timeout
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}

	go s.limiter.cleanup(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("api shutdown error", "err", err)
		}
	}()

	s.log.Info("api listening", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api listen: %w", err)
	}
	return nil
}
