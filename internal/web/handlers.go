package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.ledger.List())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	var err error
	if symbol := r.URL.Query().Get("symbol"); symbol != "" {
		trades, listErr := s.tradeRepo.ListClosedTradesBySymbol(r.Context(), symbol, limit)
		if listErr == nil {
			s.writeJSON(w, trades)
			return
		}
		err = listErr
	} else {
		trades, listErr := s.tradeRepo.ListClosedTrades(r.Context(), limit)
		if listErr == nil {
			s.writeJSON(w, trades)
			return
		}
		err = listErr
	}

	s.logger.Error("Failed to list closed trades", zap.Error(err))
	http.Error(w, "Failed to list closed trades", http.StatusInternalServerError)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats.Stats(r.Context())
	if err != nil {
		s.logger.Error("Failed to aggregate stats", zap.Error(err))
		http.Error(w, "Failed to aggregate stats", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, stats)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"open_positions": s.ledger.Len(),
		"pending_locks":  s.ledger.LockCount(),
	})
}
