package web

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"recurring-payments/internal/infra/redis"
	"recurring-payments/internal/usecase"
)

// Depositor credits a custody account out-of-band. Operator tooling only,
// never reachable from the payment paths.
type Depositor interface {
	Deposit(ctx context.Context, asset, account string, amount uint64) error
}

// rateLimiter is satisfied by redis.RateLimiter; nil disables limiting.
type rateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

const (
	apiRateLimit  = 120
	apiRateWindow = time.Minute
)

type Server struct {
	payments      usecase.PaymentUseCase
	subscriptions usecase.SubscriptionUseCase
	billing       usecase.BillingUseCase
	authority     usecase.AuthorityUseCase
	deposits      Depositor
	auth          *AuthManager
	limiter       rateLimiter
	nativeAsset   string
	operatorToken string
	log           *zerolog.Logger
}

func NewServer(
	payments usecase.PaymentUseCase,
	subscriptions usecase.SubscriptionUseCase,
	billing usecase.BillingUseCase,
	authority usecase.AuthorityUseCase,
	deposits Depositor,
	auth *AuthManager,
	limiter *redis.RateLimiter,
	nativeAsset string,
	operatorToken string,
	logger *zerolog.Logger,
) *Server {
	s := &Server{
		payments:      payments,
		subscriptions: subscriptions,
		billing:       billing,
		authority:     authority,
		deposits:      deposits,
		auth:          auth,
		nativeAsset:   nativeAsset,
		operatorToken: operatorToken,
		log:           logger,
	}
	if limiter != nil {
		s.limiter = limiter
	}
	return s
}

// RegisterRoutes mounts the public API, the operator API, and the
// liveness/metrics endpoints on the given router.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.requestLogger)
		api.Use(s.rateLimit)

		api.Post("/payments/native", s.handleNativePayment)
		api.Post("/payments/token", s.handleTokenPayment)

		api.Post("/subscriptions", s.handleCreateSubscription)
		api.Post("/subscriptions/{id}/execute", s.handleExecuteSubscription)
		api.Post("/subscriptions/{id}/allowance", s.handleIncreaseAllowance)
		api.Post("/subscriptions/{id}/max-amount", s.handleUpdateMaxAmount)
		api.Delete("/subscriptions/{id}", s.handleCancelSubscription)
		api.Put("/subscriptions/{id}/auto-billing", s.handleScheduleAutoBilling)
		api.Delete("/subscriptions/{id}/auto-billing", s.handleCancelAutoBilling)

		api.Post("/operator/session", s.handleOperatorLogin)
		api.Delete("/operator/session", s.handleOperatorLogout)

		api.Group(func(op chi.Router) {
			op.Use(s.operatorOnly)
			op.Post("/operator/authority", s.handleInitializeAuthority)
			op.Put("/operator/authority/owner", s.handleUpdateOwner)
			op.Post("/operator/delegate", s.handleSetDelegate)
			op.Post("/operator/deposit", s.handleDeposit)
			op.Post("/operator/subscriptions/{id}/force-cancel", s.handleForceCancel)
		})
	})
}

// operatorOnly rejects requests lacking a valid session JWT.
func (s *Server) operatorOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil {
			s.log.Error().Msg("operator auth is not configured")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		claims, err := s.auth.ParseFromRequest(r)
		if err != nil || claims.Role != "operator" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit throttles callers per client IP across the whole API surface.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := redis.CallerOpKey(clientIP(r), "api")
		ok, err := s.limiter.Allow(r.Context(), key, apiRateLimit, apiRateWindow)
		if err != nil {
			// Fail open: a throttling outage must not take payments down.
			s.log.Warn().Err(err).Msg("rate limiter unavailable")
			next.ServeHTTP(w, r)
			return
		}
		if !ok {
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
