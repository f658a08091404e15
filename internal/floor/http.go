package floor

import (
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/goodtune/tabletime/internal/billing"
	"github.com/goodtune/tabletime/internal/countdown"
	"github.com/goodtune/tabletime/internal/session"
	"github.com/goodtune/tabletime/internal/storage"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// TableView is a table's display together with its session.
type TableView struct {
	Display countdown.DisplayState `json:"display"`
	Session session.TableSession   `json:"session"`
	Label   string                 `json:"label"`
}

// Handler serves read-only floor state for table displays.
type Handler struct {
	registry *Registry
	bills    storage.BillStore
	taxRate  decimal.Decimal
	logger   zerolog.Logger
}

// NewHandler creates a display handler. bills may be nil, which disables
// the bill history route.
func NewHandler(registry *Registry, bills storage.BillStore, taxRate decimal.Decimal, logger zerolog.Logger) *Handler {
	return &Handler{
		registry: registry,
		bills:    bills,
		taxRate:  taxRate,
		logger:   logger.With().Str("handler", "floor").Logger(),
	}
}

// Router builds the display routes.
func (h *Handler) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(LoggingMiddleware(h.logger))
	router.HandleFunc("/health", h.Health).Methods("GET")
	router.HandleFunc("/tables", h.ListTables).Methods("GET")
	router.HandleFunc("/tables/{id}", h.GetTable).Methods("GET")
	router.HandleFunc("/tables/{id}/display", h.GetDisplay).Methods("GET")
	router.HandleFunc("/tables/{id}/quote", h.GetQuote).Methods("GET")
	router.HandleFunc("/tables/{id}/bills", h.ListBills).Methods("GET")
	router.HandleFunc("/tables/{id}/bills/{bill}", h.GetBill).Methods("GET")
	return router
}

// Health reports that the floor is serving.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"tables": len(h.registry.Displays()),
	})
}

// ListTables returns the display state of every table.
func (h *Handler) ListTables(w http.ResponseWriter, r *http.Request) {
	displays := h.registry.Displays()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tables": displays,
		"count":  len(displays),
	})
}

// GetTable returns a table's session and display.
func (h *Handler) GetTable(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s, err := h.registry.Session(id)
	if err != nil {
		h.writeLookupError(w, id, err)
		return
	}
	display, err := h.registry.Display(id)
	if err != nil {
		h.writeLookupError(w, id, err)
		return
	}

	writeJSON(w, http.StatusOK, TableView{Display: display, Session: s, Label: display.Label()})
}

// GetDisplay returns just the countdown for a table.
func (h *Handler) GetDisplay(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	display, err := h.registry.Display(id)
	if err != nil {
		h.writeLookupError(w, id, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"display": display,
		"label":   display.Label(),
	})
}

// GetQuote prices a table as of now without stopping it.
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	bill, err := h.registry.Quote(id, billing.Options{TaxRate: h.taxRate})
	if err != nil {
		if errors.Is(err, billing.ErrNotStarted) {
			writeError(w, http.StatusConflict, "Table has no session to price")
			return
		}
		h.writeLookupError(w, id, err)
		return
	}

	writeJSON(w, http.StatusOK, bill)
}

// ListBills returns recent bills for a table, newest first.
func (h *Handler) ListBills(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if h.bills == nil {
		writeError(w, http.StatusNotFound, "Bill history is not available")
		return
	}

	filter := storage.BillFilter{TableID: id, Limit: 20}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since (expected RFC3339)")
			return
		}
		filter.StartTime = &t
	}

	bills, err := h.bills.QueryBills(r.Context(), filter)
	if err != nil {
		h.logger.Error().Err(err).Str("table", id).Msg("Failed to query bills")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve bills")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"bills": bills,
		"count": len(bills),
	})
}

// GetBill returns one stored bill. A bill from another table is not found.
func (h *Handler) GetBill(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if h.bills == nil {
		writeError(w, http.StatusNotFound, "Bill history is not available")
		return
	}

	rec, err := h.bills.GetBill(r.Context(), vars["bill"])
	if errors.Is(err, storage.ErrNotFound) || (err == nil && rec.TableID != vars["id"]) {
		writeError(w, http.StatusNotFound, "Bill not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("table", vars["id"]).Str("bill", vars["bill"]).Msg("Failed to read bill")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve bill")
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) writeLookupError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, ErrUnknownTable) {
		writeError(w, http.StatusNotFound, "Table not found")
		return
	}
	h.logger.Error().Err(err).Str("table", id).Msg("Failed to read table")
	writeError(w, http.StatusInternalServerError, "Failed to read table")
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}

// LoggingMiddleware logs each request at debug level.
func LoggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Int("status", wrapped.statusCode).
				Dur("duration", time.Since(start)).
				Msg("Display request")
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Server is the display HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a display server for handler, usually Handler.Router
// with any extra routes mounted.
func NewServer(addr string, handler http.Handler, logger zerolog.Logger) *Server {
	return &Server{
		server: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With().Str("component", "display").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the display server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting display server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated display listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Display server error")
		}
	}()
	return nil
}

// Stop stops the display server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping display server")
	return s.server.Close()
}
