package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pairly/internal/config"
	"pairly/internal/lifecycle"
	"pairly/internal/metrics"
	"pairly/internal/models"
	"pairly/internal/service"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Bookings is the booking service surface exposed over HTTP.
type Bookings interface {
	CreateBooking(ctx context.Context, req service.CreateBookingRequest) (*models.Booking, error)
	Transition(ctx context.Context, bookingID int64, event lifecycle.Event, actorID int64, reason string) (*models.Booking, error)
	GetBookingPrice(hourlyRate int64, requestedHours float64) (models.PriceBreakdown, error)
	GetBooking(ctx context.Context, id int64) (*models.Booking, error)
	GetBookingByCode(ctx context.Context, code string) (*models.Booking, error)
	GetEscrow(ctx context.Context, bookingID int64) (*models.EscrowRecord, error)
	History(ctx context.Context, bookingID int64) ([]models.BookingTransition, error)
	ListPartnerBookings(ctx context.Context, partnerID int64, from, to string) ([]*models.Booking, error)
	OverrideReason(ctx context.Context, bookingID, actorID int64, reason string) (*models.Booking, error)
	ReleaseEscrow(ctx context.Context, bookingID, actorID int64) (*models.EscrowRecord, error)
	RefundEscrow(ctx context.Context, bookingID, actorID int64) (*models.EscrowRecord, error)
}

// Slots is the availability surface exposed over HTTP.
type Slots interface {
	DeclareWindow(ctx context.Context, partnerID int64, date, start, end, note string) (*models.AvailabilitySlot, error)
	ListSlots(ctx context.Context, partnerID int64, date string) ([]*models.AvailabilitySlot, error)
}

// ActorHeader carries the authenticated user id set by the gateway in
// front of the API.
const ActorHeader = "X-Actor-Id"

// HTTPServer exposes the booking operations as JSON over HTTP.
type HTTPServer struct {
	cfg      config.APIConfig
	bookings Bookings
	slots    Slots
	checker  HealthChecker
	server   *http.Server
	auth     *HTTPAuth
	logger   zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, bookings Bookings, slots Slots, checker HealthChecker, logger *zerolog.Logger) *HTTPServer {
	srv := &HTTPServer{cfg: cfg, bookings: bookings, slots: slots, checker: checker, logger: zerolog.Nop()}
	if logger != nil {
		srv.logger = logger.With().Str("component", "http").Logger()
	}
	srv.auth = NewHTTPAuth(cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", srv.handleHealthz)
	mux.HandleFunc("POST /api/v1/price", srv.handlePrice)
	mux.HandleFunc("POST /api/v1/bookings", srv.handleCreateBooking)
	mux.HandleFunc("GET /api/v1/bookings/{id}", srv.handleGetBooking)
	mux.HandleFunc("GET /api/v1/codes/{code}", srv.handleGetBookingByCode)
	mux.HandleFunc("POST /api/v1/bookings/{id}/transitions", srv.handleTransition)
	mux.HandleFunc("GET /api/v1/bookings/{id}/history", srv.handleHistory)
	mux.HandleFunc("GET /api/v1/bookings/{id}/escrow", srv.handleGetEscrow)
	mux.HandleFunc("PUT /api/v1/bookings/{id}/reason", srv.handleOverrideReason)
	mux.HandleFunc("POST /api/v1/bookings/{id}/escrow/release", srv.handleReleaseEscrow)
	mux.HandleFunc("POST /api/v1/bookings/{id}/escrow/refund", srv.handleRefundEscrow)
	mux.HandleFunc("GET /api/v1/partners/{id}/bookings", srv.handlePartnerBookings)
	mux.HandleFunc("GET /api/v1/partners/{id}/slots", srv.handleListSlots)
	mux.HandleFunc("POST /api/v1/partners/{id}/slots", srv.handleDeclareSlot)

	handler := srv.loggingMiddleware(srv.auth.Wrap(mux))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	return srv
}

func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.checker != nil {
		if err := s.checker.HealthCheck(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "unhealthy", "store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HTTPAuth provides API-key auth and per-key rate limiting for HTTP endpoints.
type HTTPAuth struct {
	cfg     config.APIConfig
	clients map[string]config.APIClientKey
	limiter *rateLimiter
}

func NewHTTPAuth(cfg config.APIConfig) *HTTPAuth {
	return &HTTPAuth{cfg: cfg, clients: indexClients(&cfg), limiter: newRateLimiter(&cfg)}
}

func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.cfg.Enabled || r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		if a.cfg.Auth.Enabled {
			if err := a.checkAuth(r); err != nil {
				statusCode := http.StatusUnauthorized
				if errors.Is(err, errPermissionDenied) {
					statusCode = http.StatusForbidden
				}
				writeError(w, statusCode, "UNAUTHENTICATED", err.Error())
				return
			}
		}

		if !a.limiter.allow(a.clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

var errPermissionDenied = errors.New("permission denied")

func (a *HTTPAuth) checkAuth(r *http.Request) error {
	apiKey := strings.TrimSpace(r.Header.Get(headerName(a.cfg.Auth.HeaderAPIKey, apiKeyHeaderDefault)))
	extra := strings.TrimSpace(r.Header.Get(headerName(a.cfg.Auth.HeaderExtra, apiExtraHeaderDefault)))
	if apiKey == "" || extra == "" {
		return fmt.Errorf("missing api key headers")
	}

	client, ok := a.clients[apiKey]
	if !ok {
		return fmt.Errorf("invalid api key")
	}
	if subtle.ConstantTimeCompare([]byte(client.Extra), []byte(extra)) != 1 {
		return fmt.Errorf("invalid extra header")
	}

	if !hasPermission(client, requiredPermissionHTTP(r)) {
		return errPermissionDenied
	}
	return nil
}

func requiredPermissionHTTP(r *http.Request) string {
	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/api/v1/bookings/") &&
		(strings.HasSuffix(path, "/reason") || strings.Contains(path, "/escrow/")):
		return permAdminBookings
	case strings.HasPrefix(path, "/api/v1/partners/") && strings.HasSuffix(path, "/slots"):
		if r.Method == http.MethodGet {
			return permReadSlots
		}
		return permWriteSlots
	case strings.HasPrefix(path, "/api/v1/bookings"), strings.HasPrefix(path, "/api/v1/partners/"),
		strings.HasPrefix(path, "/api/v1/codes/"):
		if r.Method == http.MethodGet {
			return permReadBookings
		}
		return permWriteBookings
	default:
		return ""
	}
}

func (a *HTTPAuth) clientKey(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get(headerName(a.cfg.Auth.HeaderAPIKey, apiKeyHeaderDefault))); apiKey != "" {
		return apiKey
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return clientKeyUnknown
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.IncHTTP(route, strconv.Itoa(recorder.status))

		s.logger.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSON(w, statusCode, errorResponse{Code: code, Error: message})
}

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
