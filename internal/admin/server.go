package admin

import (
	"time"

	"github.com/goodtune/tabletime/internal/floor"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Config holds the admin API configuration.
type Config struct {
	JWTSecret       string
	TokenExpiration time.Duration
	RateLimit       int
	RateLimitWindow time.Duration
	AllowedOrigins  []string
	TaxRate         decimal.Decimal // used when a checkout omits tax_rate
}

// Server is the authenticated table control API. It has no listener of its
// own and is mounted on the display router.
type Server struct {
	config      Config
	registry    *floor.Registry
	auth        *AuthService
	rateLimiter *RateLimiter
	logger      zerolog.Logger
}

// NewServer creates a new admin server.
func NewServer(cfg Config, registry *floor.Registry, logger zerolog.Logger) *Server {
	rateLimit := cfg.RateLimit
	if rateLimit == 0 {
		rateLimit = 120 // Default: 120 requests per minute
	}
	rateLimitWindow := cfg.RateLimitWindow
	if rateLimitWindow == 0 {
		rateLimitWindow = time.Minute
	}

	return &Server{
		config:      cfg,
		registry:    registry,
		auth:        NewAuthService(cfg.JWTSecret, cfg.TokenExpiration),
		rateLimiter: NewRateLimiter(rateLimit, rateLimitWindow),
		logger:      logger.With().Str("component", "admin").Logger(),
	}
}

// Auth returns the token service.
func (s *Server) Auth() *AuthService {
	return s.auth
}

// Register mounts the API under /api on router.
func (s *Server) Register(router *mux.Router) {
	api := router.PathPrefix("/api").Subrouter()

	if len(s.config.AllowedOrigins) > 0 {
		api.Use(CORSMiddleware(s.config.AllowedOrigins))
	}
	api.Use(MetricsMiddleware)
	api.Use(AuthMiddleware(s.auth))
	api.Use(RateLimitMiddleware(s.rateLimiter))

	api.HandleFunc("/whoami", s.handleWhoAmI).Methods("GET", "OPTIONS")
	api.HandleFunc("/tables", s.handleAddTable).Methods("POST", "OPTIONS")
	api.HandleFunc("/tables/{id}", s.handleRemoveTable).Methods("DELETE", "OPTIONS")
	api.HandleFunc("/tables/{id}/start", s.handleStart).Methods("POST", "OPTIONS")
	api.HandleFunc("/tables/{id}/pause", s.handlePause).Methods("POST", "OPTIONS")
	api.HandleFunc("/tables/{id}/resume", s.handleResume).Methods("POST", "OPTIONS")
	api.HandleFunc("/tables/{id}/stop", s.handleStop).Methods("POST", "OPTIONS")
	api.HandleFunc("/tables/{id}/checkout", s.handleCheckout).Methods("POST", "OPTIONS")
	api.HandleFunc("/tables/{id}/reset", s.handleReset).Methods("POST", "OPTIONS")
}

// Close releases the rate limiter.
func (s *Server) Close() {
	s.rateLimiter.Close()
}
