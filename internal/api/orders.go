package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pbulloch/swaprouter/internal/model"
	"github.com/pbulloch/swaprouter/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// submitOrderRequest is the JSON body for POST /v1/orders.
type submitOrderRequest struct {
	TokenIn  string  `json:"tokenIn"`
	TokenOut string  `json:"tokenOut"`
	Amount   float64 `json:"amount"`
	Slippage float64 `json:"slippage"`
}

// submitOrderResponse acknowledges an accepted submission.
type submitOrderResponse struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

// listOrdersResponse wraps the recent-orders response.
type listOrdersResponse struct {
	Orders []*model.Order `json:"orders"`
	Limit  int            `json:"limit"`
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req submitOrderRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	switch {
	case req.TokenIn == "" || req.TokenOut == "":
		s.writeError(w, http.StatusBadRequest, "tokenIn and tokenOut are required")
		return
	case req.TokenIn == req.TokenOut:
		s.writeError(w, http.StatusBadRequest, "tokenIn and tokenOut must differ")
		return
	case req.Amount <= 0:
		s.writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	case req.Slippage < 0 || req.Slippage >= 1:
		s.writeError(w, http.StatusBadRequest, "slippage must be in [0,1)")
		return
	}

	o, err := s.engine.Submit(r.Context(), req.TokenIn, req.TokenOut, req.Amount, req.Slippage)
	if err != nil {
		if errors.Is(err, store.ErrValidation) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("submit order", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit order")
		return
	}

	s.writeJSON(w, http.StatusAccepted, submitOrderResponse{
		OrderID: o.ID,
		Status:  o.Status,
	})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	o, err := s.orders.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if err != nil {
		s.logger.Error("get order", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get order")
		return
	}

	s.writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	if limit < 1 || limit > maxListLimit {
		limit = defaultListLimit
	}

	orders, err := s.orders.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("list orders", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}

	if orders == nil {
		orders = []*model.Order{}
	}

	s.writeJSON(w, http.StatusOK, listOrdersResponse{
		Orders: orders,
		Limit:  limit,
	})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
