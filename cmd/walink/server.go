package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"walink/internal/constants"
	apperrors "walink/internal/errors"
	"walink/internal/metrics"
	"walink/internal/middleware"
	"walink/internal/models"
	"walink/internal/realtime"
	"walink/internal/security"
	"walink/internal/service"
	"walink/internal/tracing"
	"walink/internal/validation"
	"walink/pkg/circuitbreaker"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// HealthChecker is the part of the Connection Store /health probes
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies are the collaborators the HTTP surface routes to
type Dependencies struct {
	Orchestrator *service.Orchestrator
	Reconciler   *service.Reconciler
	Store        HealthChecker
	Breaker      *circuitbreaker.CircuitBreaker
	Registry     *metrics.Registry
	Verbose      bool
}

type Server struct {
	router   *mux.Router
	logger   *logrus.Logger
	cfg      *models.Config
	deps     Dependencies
	verifier *security.WebhookVerifier
	tokens   *middleware.TokenVerifier
	server   *http.Server
}

func NewServer(cfg *models.Config, deps Dependencies, logger *logrus.Logger) *Server {
	if deps.Registry == nil {
		deps.Registry = metrics.GetRegistry()
	}
	s := &Server{
		router:   mux.NewRouter(),
		logger:   logger,
		cfg:      cfg,
		deps:     deps,
		verifier: security.NewWebhookVerifier(cfg.Server.WebhookSecret, cfg.Server.WebhookMaxBodyBytes),
		tokens:   middleware.NewTokenVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.ObservabilityMiddleware(s.logger, s.deps.Registry))
	if s.deps.Verbose {
		s.router.Use(middleware.DetailedLoggingMiddleware(s.logger, middleware.DefaultDetailedLoggingConfig()))
	}
	s.router.Use(middleware.Recover(s.logger))

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)

	// Provider webhook
	webhook := s.router.PathPrefix("/webhook/provider").Subrouter()
	webhook.Use(middleware.CORS(nil))
	webhook.HandleFunc("", s.handleProviderWebhook()).Methods(http.MethodPost, http.MethodOptions)

	// Connection API, authenticated per user
	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(middleware.CORS(s.cfg.Server.AllowedOrigins))
	api.Use(middleware.RequireUser(s.tokens, s.logger))

	api.HandleFunc("/connections", s.handleCreateConnection()).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/connections", s.handleListConnections()).Methods(http.MethodGet)
	api.HandleFunc("/connections/{id}", s.handleGetConnection()).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/connections/{id}/qrcode", s.handleQRCode(false)).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/connections/{id}/qrcode/refresh", s.handleQRCode(true)).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/connections/{id}/status", s.handleStatus()).Methods(http.MethodGet, http.MethodOptions)
	api.Handle("/connections/{id}/pair",
		realtime.NewPairingHandler(s.deps.Orchestrator, s.cfg.Server.AllowedOrigins, s.logger)).Methods(http.MethodGet)
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(s.cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(s.cfg.Server.IdleTimeoutSec) * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.WithValue(context.Background(), service.VerboseContextKey, s.deps.Verbose)
		},
	}

	s.logger.Infof("Starting server on port %d", s.cfg.Server.Port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type healthResponse struct {
	Status   string       `json:"status"`
	Database string       `json:"database"`
	Provider *breakerView `json:"provider,omitempty"`
}

type breakerView struct {
	State string `json:"state"`
	circuitbreaker.Stats
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), time.Duration(constants.DefaultDatabasePingTimeoutSec)*time.Second)
		defer cancel()

		resp := healthResponse{Status: "healthy", Database: "ok"}
		code := http.StatusOK
		if s.deps.Store != nil {
			if err := s.deps.Store.HealthCheck(ctx); err != nil {
				s.logger.WithError(err).Warn("Database health check failed")
				resp.Status = "unhealthy"
				resp.Database = "unavailable"
				code = http.StatusServiceUnavailable
			}
		}
		if s.deps.Breaker != nil {
			stats := s.deps.Breaker.Stats()
			resp.Provider = &breakerView{State: stats.State.String(), Stats: stats}
			if stats.State == circuitbreaker.StateOpen && code == http.StatusOK {
				resp.Status = "degraded"
			}
		}
		writeJSON(w, code, resp)
	}
}

type webhookResponse struct {
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
}

func (s *Server) handleProviderWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		ctx := r.Context()
		logger := service.LogWithContext(ctx, s.logger)

		body, err := s.verifier.Verify(r)
		if err != nil {
			logger.WithField("reason", err.Error()).Warn("Rejected provider webhook")
			s.writeError(w, r, err)
			return
		}

		var env models.WebhookEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			s.writeError(w, r, apperrors.NewValidationError("body", "", "webhook body is not valid JSON"))
			return
		}

		res, err := s.deps.Reconciler.Handle(ctx, &env)
		if err != nil {
			if !apperrors.IsCode(err, apperrors.ErrCodeValidationFailed) {
				apperrors.LogError(logger, err, "Failed to handle provider webhook")
			}
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, webhookResponse{Success: true, Result: res.Result})
	}
}

const maxCreateBodyBytes = 64 << 10

type createConnectionRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

func (s *Server) handleCreateConnection() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := validation.ValidateHTTPRequestSize(r, maxCreateBodyBytes); err != nil {
			s.writeError(w, r, err)
			return
		}
		var req createConnectionRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCreateBodyBytes)).Decode(&req); err != nil {
			s.writeError(w, r, apperrors.NewValidationError("body", "", "request body is not valid JSON"))
			return
		}

		conn, err := s.deps.Orchestrator.CreateInstance(r.Context(), middleware.UserIDFromContext(r.Context()), req.Name, req.Phone)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, conn)
	}
}

func (s *Server) handleListConnections() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conns, err := s.deps.Orchestrator.ListConnections(r.Context(), middleware.UserIDFromContext(r.Context()))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if conns == nil {
			conns = []*models.Connection{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"connections": conns})
	}
}

func (s *Server) handleGetConnection() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.deps.Orchestrator.GetConnection(r.Context(), middleware.UserIDFromContext(r.Context()), mux.Vars(r)["id"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, conn)
	}
}

type qrCodeResponse struct {
	QRCode    string `json:"qr_code"`
	Countdown int    `json:"countdown"`
}

func (s *Server) handleQRCode(refresh bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		userID := middleware.UserIDFromContext(ctx)
		id := mux.Vars(r)["id"]

		var (
			code string
			err  error
		)
		if refresh {
			code, err = s.deps.Orchestrator.RefreshQRCode(ctx, userID, id)
		} else {
			code, err = s.deps.Orchestrator.AcquireQRCode(ctx, userID, id)
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, qrCodeResponse{
			QRCode:    code,
			Countdown: int(s.deps.Orchestrator.Timings().QRCountdown / time.Second),
		})
	}
}

type statusResponse struct {
	Connected  bool               `json:"connected"`
	Connection *models.Connection `json:"connection"`
}

func (s *Server) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, connected, err := s.deps.Orchestrator.CheckStatus(r.Context(), middleware.UserIDFromContext(r.Context()), mux.Vars(r)["id"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, statusResponse{Connected: connected, Connection: conn})
	}
}

// writeError answers with the error's mapped status and public JSON form
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, service.ErrAlreadyConnected) {
		err = apperrors.NewConflictError(err, "connection already linked", "This connection is already linked")
	}
	status := apperrors.HTTPStatusCode(err)
	if status >= http.StatusInternalServerError {
		if _, ok := apperrors.As(err); !ok {
			s.logger.WithFields(logrus.Fields{
				service.LogFieldRequestID: tracing.GetRequestID(r.Context()),
				"error":                   err.Error(),
			}).Error("Unhandled request error")
		}
	}
	writeJSON(w, status, apperrors.ToHTTPResponse(err, tracing.GetRequestID(r.Context())))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
