// Package api exposes the relayer's HTTP surface: order intake, resolver
// bids, secret reveal, order queries, health and metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/unite-defi/fusion-relayer/internal/config"
	"github.com/unite-defi/fusion-relayer/internal/service"
	"github.com/unite-defi/fusion-relayer/internal/swaperr"
	"github.com/unite-defi/fusion-relayer/internal/types"
)

// Server hosts the REST API.
type Server struct {
	svc    *service.OrderService
	server *http.Server
	logger log.Logger
}

// NewServer wires routes and middleware. The prometheus gatherer serves
// GET /metrics; pass prometheus.DefaultGatherer unless testing.
func NewServer(svc *service.OrderService, cfg config.API, gatherer prometheus.Gatherer, logger log.Logger) *Server {
	s := &Server{svc: svc, logger: logger}

	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	apiRouter := r.PathPrefix("/api").Subrouter()
	apiRouter.HandleFunc("/orders", s.handleCreateOrder).Methods(http.MethodPost)
	apiRouter.HandleFunc("/orders", s.handleListActive).Methods(http.MethodGet)
	apiRouter.HandleFunc("/orders/maker/{address}", s.handleListByMaker).Methods(http.MethodGet)
	apiRouter.HandleFunc("/orders/{hash}/status", s.handleOrderStatus).Methods(http.MethodGet)
	apiRouter.HandleFunc("/orders/{hash}", s.handleGetOrder).Methods(http.MethodGet)
	apiRouter.HandleFunc("/bids", s.handleSubmitBid).Methods(http.MethodPost)
	apiRouter.HandleFunc("/secret", s.handleSubmitSecret).Methods(http.MethodPost)

	// CORS wraps the router itself so preflight requests short-circuit
	// before route matching.
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      corsMiddleware(r),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("api server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req types.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, swaperr.Wrap(swaperr.KindValidation, err, "invalid JSON body"))
		return
	}
	hash, err := s.svc.CreateOrder(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"orderHash": hash,
		"state":     string(types.StateNew),
	})
}

func (s *Server) handleSubmitBid(w http.ResponseWriter, r *http.Request) {
	var bid types.ResolverBid
	if err := json.NewDecoder(r.Body).Decode(&bid); err != nil {
		writeError(w, swaperr.Wrap(swaperr.KindValidation, err, "invalid JSON body"))
		return
	}
	if err := s.svc.SubmitBid(r.Context(), &bid); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accepted":  true,
		"orderHash": bid.OrderHash,
	})
}

func (s *Server) handleSubmitSecret(w http.ResponseWriter, r *http.Request) {
	var req types.SecretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, swaperr.Wrap(swaperr.KindValidation, err, "invalid JSON body"))
		return
	}
	if err := s.svc.SubmitSecret(r.Context(), &req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"orderHash": strings.ToLower(req.OrderHash),
		"state":     string(types.StateSecretReceived),
	})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.svc.GetOrder(r.Context(), mux.Vars(r)["hash"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.svc.GetOrderStatus(r.Context(), mux.Vars(r)["hash"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleListActive(w http.ResponseWriter, r *http.Request) {
	orders, err := s.svc.ListActiveOrders(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handleListByMaker(w http.ResponseWriter, r *http.Request) {
	orders, err := s.svc.ListOrdersByMaker(r.Context(), mux.Vars(r)["address"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "took", time.Since(start))
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses. Internal details
// are never leaked for non-user-facing kinds.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"

	switch swaperr.KindOf(err) {
	case swaperr.KindValidation, swaperr.KindSecretMismatch:
		status, msg = http.StatusBadRequest, err.Error()
	case swaperr.KindDuplicateOrder:
		status, msg = http.StatusConflict, err.Error()
	case swaperr.KindIllegalTransition:
		status, msg = http.StatusConflict, err.Error()
	case swaperr.KindDeadlineExceeded:
		status, msg = http.StatusGatewayTimeout, "chain call timed out"
	case swaperr.KindTransientChain:
		status, msg = http.StatusServiceUnavailable, "chain temporarily unavailable"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}
