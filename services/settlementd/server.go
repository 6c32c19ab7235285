// Package settlementd exposes the settlement engine over HTTP: payment
// submission, the announcement feed consumed by scanning wallets, and the
// administrative surface guarded by bearer tokens.
package settlementd

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"stealthpay/native/agents"
	"stealthpay/native/announcements"
	"stealthpay/native/bridge"
	"stealthpay/native/compliance"
	"stealthpay/native/registry"
	"stealthpay/native/settlement"
	"stealthpay/observability"
)

const maxBodyBytes = 1 << 20

// Config captures the dependencies required to construct the server.
type Config struct {
	Engine     *settlement.Engine
	Log        *announcements.Log
	Agents     *agents.Ledger
	Compliance *compliance.Registry
	Registry   *registry.Registry
	Bridge     *bridge.Receiver
	Outbound   *bridge.Bridge
	Audit      *AuditStore
	Auth       *AdminAuth
	RateLimit  RateLimit
	Logger     *slog.Logger
	Tracing    bool
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	engine     *settlement.Engine
	log        *announcements.Log
	agents     *agents.Ledger
	compliance *compliance.Registry
	registry   *registry.Registry
	bridge     *bridge.Receiver
	outbound   *bridge.Bridge
	audit      *AuditStore
	auth       *AdminAuth
	limiter    *RateLimiter
	logger     *slog.Logger

	router http.Handler
}

// New constructs the router.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "settlementd"))
	cfg.Auth.SetLogger(logger)
	srv := &Server{
		engine:     cfg.Engine,
		log:        cfg.Log,
		agents:     cfg.Agents,
		compliance: cfg.Compliance,
		registry:   cfg.Registry,
		bridge:     cfg.Bridge,
		outbound:   cfg.Outbound,
		audit:      cfg.Audit,
		auth:       cfg.Auth,
		limiter:    NewRateLimiter(cfg.RateLimit),
		logger:     logger,
	}
	var handler http.Handler = srv.buildRouter()
	if cfg.Tracing {
		handler = otelhttp.NewHandler(handler, "settlementd")
	}
	srv.router = handler
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(chimw.RealIP)
	r.Use(s.observe)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Get("/status", s.handleStatus)
		api.Get("/announcements", s.handleAnnouncements)
		api.Get("/announcements/stream", s.handleAnnouncementStream)
		api.Get("/agents/{address}", s.handleGetAgent)
		api.Get("/registry/{address}", s.handleGetMetaAddress)
		api.Post("/registry/{address}", s.handleRegisterOnBehalf)
		api.Post("/bridge/messages", s.handleBridgeMessage)
		api.Group(func(pay chi.Router) {
			pay.Use(s.limiter.Middleware("payments"))
			pay.Post("/payments", s.handlePayment)
			pay.Post("/payments/batch", s.handleBatch)
			pay.Post("/bridge/send", s.handleBridgeSend)
		})
		api.Group(func(self chi.Router) {
			self.Use(s.auth.Middleware)
			self.Post("/agents", s.handleRegisterAgent)
			self.Put("/agents/limit", s.handleSetAgentLimit)
			self.Put("/registry", s.handleRegisterKeys)
			self.Post("/registry/nonce", s.handleIncrementNonce)
		})
		api.Route("/admin", func(admin chi.Router) {
			admin.Use(s.auth.Middleware)
			admin.Post("/pause", s.handlePause)
			admin.Post("/unpause", s.handleUnpause)
			admin.Put("/fee", s.handleSetFee)
			admin.Post("/withdraw", s.handleWithdraw)
			admin.Put("/agents/{address}/reputation", s.handleAgentReputation)
			admin.Post("/agents/{address}/deactivate", s.handleDeactivateAgent)
			admin.Put("/compliance", s.handleComplianceSettings)
			admin.Post("/compliance/{address}/verify", s.handleComplianceVerify)
			admin.Post("/compliance/{address}/revoke", s.handleComplianceRevoke)
			admin.Get("/receipts", s.handleReceipts)
			admin.Get("/rejections", s.handleRejections)
		})
	})
	return r
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(chimw.RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(chimw.RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(withRequestID(r.Context(), id)))
	})
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		observability.API().Observe(route, r.Method, status, elapsed)
		s.logger.Debug("http request",
			slog.String("request_id", requestIDFrom(r.Context())),
			slog.String("route", route),
			slog.String("method", r.Method),
			slog.Int("status", status),
			slog.Duration("duration", elapsed))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}
