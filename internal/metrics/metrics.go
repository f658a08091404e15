package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Session metrics
	SessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletime_session_transitions_total",
			Help: "Total table session state transitions",
		},
		[]string{"status"},
	)

	BreakEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tabletime_break_events_total",
			Help: "Sessions handed over to a different customer mid-play",
		},
	)

	ClockAnomalies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletime_clock_anomalies_total",
			Help: "Negative elapsed times clamped to zero",
		},
		[]string{"component"},
	)

	// Billing metrics
	CheckoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletime_checkouts_total",
			Help: "Checkout attempts by outcome",
		},
		[]string{"outcome"},
	)

	BilledAmount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletime_billed_amount_total",
			Help: "Sum of finalised bill totals",
		},
		[]string{"game_type"},
	)

	BillableMinutes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletime_billable_minutes_total",
			Help: "Billable table minutes on finalised bills",
		},
		[]string{"game_type", "bucket"},
	)

	BillsPruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tabletime_bills_pruned_total",
			Help: "Bills deleted by the retention pruner",
		},
	)

	// Display metrics
	CountdownExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tabletime_countdown_expired_total",
			Help: "Countdown expiries signalled",
		},
	)

	TablesActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tabletime_tables",
			Help: "Tables on the floor by status",
		},
		[]string{"status"},
	)

	// Event publishing metrics
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletime_events_published_total",
			Help: "Domain events published to the broker",
		},
		[]string{"type", "result"},
	)

	// Admin API metrics
	AdminRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletime_admin_requests_total",
			Help: "Admin API table operations by action and HTTP status",
		},
		[]string{"action", "code"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		SessionTransitions,
		BreakEvents,
		ClockAnomalies,
		CheckoutsTotal,
		BilledAmount,
		BillableMinutes,
		BillsPruned,
		CountdownExpired,
		TablesActive,
		EventsPublished,
		AdminRequests,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
