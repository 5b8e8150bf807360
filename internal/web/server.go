package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/transdsign-boop/byliquidation/internal/domain"
	"github.com/transdsign-boop/byliquidation/internal/usecase"
	"go.uber.org/zap"
)

// Server exposes the read-only JSON surface. It never mutates engine state.
type Server struct {
	router    *http.ServeMux
	server    *http.Server
	tradeRepo domain.TradeRepository
	ledger    *usecase.Ledger
	stats     *usecase.StatsService
	logger    *zap.Logger
	startedAt time.Time
}

func NewServer(
	port int,
	tradeRepo domain.TradeRepository,
	ledger *usecase.Ledger,
	stats *usecase.StatsService,
	logger *zap.Logger,
) *Server {
	s := &Server{
		router:    http.NewServeMux(),
		tradeRepo: tradeRepo,
		ledger:    ledger,
		stats:     stats,
		logger:    logger,
		startedAt: time.Now(),
	}
	s.routes()
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.router,
	}
	return s
}

func (s *Server) routes() {
	// Positions
	s.router.HandleFunc("GET /api/positions", s.handlePositions)

	// Trade history
	s.router.HandleFunc("GET /api/history", s.handleHistory)

	// Aggregate stats
	s.router.HandleFunc("GET /api/stats", s.handleStats)

	// Status
	s.router.HandleFunc("GET /status", s.handleStatus)
}

func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
