package main

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"coopmarket/escrow"
	gatewayauth "coopmarket/gateway/auth"
	"coopmarket/gateway/middleware"
	"coopmarket/observability"
	"coopmarket/storage"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxRequestBody       = 1 << 20 // 1 MiB
	requestTimeout       = 15 * time.Second
)

// Server is the HTTP front-end for the escrow transaction lifecycle. It maps
// engine error kinds to status codes and machine-readable code strings; the
// engine itself never sees HTTP.
type Server struct {
	engine  *escrow.Engine
	store   *storage.Store
	auth    *gatewayauth.Authenticator
	limiter *middleware.RateLimiter
	logger  *slog.Logger
	metrics *observability.EngineMetrics
	nowFn   func() time.Time
}

// NewServer wires the HTTP surface. A nil authenticator disables request
// signing (development only).
func NewServer(engine *escrow.Engine, store *storage.Store, auth *gatewayauth.Authenticator, limiter *middleware.RateLimiter, logger *slog.Logger) *Server {
	if engine == nil {
		panic("engine required")
	}
	if store == nil {
		panic("store required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:  engine,
		store:   store,
		auth:    auth,
		limiter: limiter,
		logger:  logger,
		metrics: observability.Engine(),
		nowFn:   time.Now,
	}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	if s.limiter != nil {
		r.Use(s.limiter.Middleware)
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Route("/transactions", func(r chi.Router) {
		r.Post("/simulate", s.handleSimulate)
		r.Post("/", s.handleCreate)
		r.Get("/{id}", s.handleGet)
		r.Get("/{id}/logs", s.handleLogs)
		r.Post("/{id}/ship", s.handleShip)
		r.Post("/{id}/deliver", s.handleDeliver)
		r.Post("/{id}/confirm", s.handleConfirm)
		r.Post("/{id}/dispute", s.handleDispute)
	})
	return r
}

type simulateRequest struct {
	BuyerID   string `json:"buyerId"`
	ProductID string `json:"productId"`
	Quantity  int64  `json:"quantity"`
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req simulateRequest
	if !s.decodeSigned(w, r, &req) {
		return
	}
	start := s.nowFn()
	sim, err := s.engine.Simulate(r.Context(), req.BuyerID, req.ProductID, req.Quantity)
	s.metrics.Observe("simulate", string(escrow.KindOf(err)), s.nowFn().Sub(start))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sim)
}

type createRequest struct {
	BuyerID      string  `json:"buyerId"`
	ProductID    string  `json:"productId"`
	Quantity     int64   `json:"quantity"`
	SimulatedFee float64 `json:"simulatedFee"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, principal, ok := s.readAndAuthenticate(w, r)
	if !ok {
		return
	}
	apiKey := ""
	if principal != nil {
		apiKey = principal.APIKey
	}
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	requestHash := hashRequest(r.Method, r.URL.Path, body)
	if key != "" {
		cached, err := s.store.LookupIdempotency(r.Context(), apiKey, key, requestHash)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, storage.ErrIdempotencyMismatch) {
				status = http.StatusConflict
			}
			s.writeError(w, status, "IDEMPOTENCY_CONFLICT", err.Error())
			return
		}
		if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(cached.Status)
			_, _ = w.Write(cached.Body)
			return
		}
	}

	var req createRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_JSON", "invalid JSON payload")
		return
	}
	start := s.nowFn()
	tx, err := s.engine.Create(r.Context(), req.BuyerID, req.ProductID, req.Quantity, req.SimulatedFee)
	s.metrics.Observe("create", string(escrow.KindOf(err)), s.nowFn().Sub(start))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	payload, err := json.Marshal(tx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	if key != "" {
		if err := s.store.SaveIdempotency(r.Context(), apiKey, key, requestHash, http.StatusCreated, payload); err != nil {
			s.logger.Error("save idempotency key", "err", err)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(payload)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	tx, err := s.engine.Transaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	entries, err := s.engine.AuditTrail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

type actorRequest struct {
	ActorID string `json:"actorId"`
}

func (s *Server) handleShip(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if !s.decodeSigned(w, r, &req) {
		return
	}
	start := s.nowFn()
	tx, qr, err := s.engine.Ship(r.Context(), chi.URLParam(r, "id"), req.ActorID)
	s.metrics.Observe("ship", string(escrow.KindOf(err)), s.nowFn().Sub(start))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"transaction": tx, "qr": qr})
}

func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if !s.decodeSigned(w, r, &req) {
		return
	}
	start := s.nowFn()
	tx, err := s.engine.MarkDelivered(r.Context(), chi.URLParam(r, "id"), req.ActorID)
	s.metrics.Observe("deliver", string(escrow.KindOf(err)), s.nowFn().Sub(start))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tx)
}

type confirmRequest struct {
	ActorID   string `json:"actorId"`
	Signature string `json:"signature"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if !s.decodeSigned(w, r, &req) {
		return
	}
	start := s.nowFn()
	settlement, err := s.engine.ConfirmDelivery(r.Context(), chi.URLParam(r, "id"), req.ActorID, req.Signature)
	s.metrics.Observe("confirm", string(escrow.KindOf(err)), s.nowFn().Sub(start))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, settlement)
}

type disputeRequest struct {
	ActorID string `json:"actorId"`
	Reason  string `json:"reason"`
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	var req disputeRequest
	if !s.decodeSigned(w, r, &req) {
		return
	}
	start := s.nowFn()
	tx, err := s.engine.Dispute(r.Context(), chi.URLParam(r, "id"), req.ActorID, req.Reason)
	s.metrics.Observe("dispute", string(escrow.KindOf(err)), s.nowFn().Sub(start))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tx)
}

// decodeSigned reads the (size-limited) body, authenticates it when request
// signing is enabled and unmarshals into dst.
func (s *Server) decodeSigned(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	body, _, ok := s.readAndAuthenticate(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_JSON", "invalid JSON payload")
		return false
	}
	return true
}

func (s *Server) readAndAuthenticate(w http.ResponseWriter, r *http.Request) ([]byte, *gatewayauth.Principal, bool) {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, maxRequestBody+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return nil, nil, false
	}
	if len(body) > maxRequestBody {
		s.writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", fmt.Sprintf("request body exceeds %d bytes", maxRequestBody))
		return nil, nil, false
	}
	if s.auth == nil {
		return body, nil, true
	}
	principal, err := s.auth.Authenticate(r, body)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error())
		return nil, nil, false
	}
	return body, principal, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("encode response", "err", err)
	}
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	kind := escrow.KindOf(err)
	status := statusForKind(kind)
	code := string(kind)
	if code == "" {
		code = "INTERNAL"
		s.logger.Error("engine failure", "err", err)
	}
	s.writeError(w, status, code, err.Error())
}

func statusForKind(kind escrow.Kind) int {
	switch kind {
	case escrow.KindValidation, escrow.KindInvalidSignature:
		return http.StatusBadRequest
	case escrow.KindNotFound:
		return http.StatusNotFound
	case escrow.KindUnauthorized:
		return http.StatusForbidden
	case escrow.KindInvalidState, escrow.KindInsufficientStock, escrow.KindFeeMismatch:
		return http.StatusConflict
	case escrow.KindInsufficientBalance:
		return http.StatusPaymentRequired
	case escrow.KindWalletNotActivated:
		return http.StatusPreconditionFailed
	case escrow.KindProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{strings.ToUpper(method), path, string(body)}, "\n")))
	return fmt.Sprintf("%x", sum[:])
}
