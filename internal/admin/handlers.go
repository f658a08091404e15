package admin

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/goodtune/tabletime/internal/billing"
	"github.com/goodtune/tabletime/internal/checkout"
	"github.com/goodtune/tabletime/internal/floor"
	"github.com/goodtune/tabletime/internal/rates"
	"github.com/goodtune/tabletime/internal/session"
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

// AddTableRequest registers a table with the floor.
type AddTableRequest struct {
	ID string `json:"id"`
}

// StartRequest opens a session.
type StartRequest struct {
	GameType string           `json:"game_type"`
	Players  []session.Player `json:"players"`
}

// ResumeRequest resumes a paused table, optionally handing it to another player.
type ResumeRequest struct {
	Player *session.Player `json:"player,omitempty"`
}

// CheckoutRequest bills a table. TaxRate defaults to the venue rate when
// omitted; Keep leaves the table stopped instead of resetting it.
type CheckoutRequest struct {
	Products []billing.Product `json:"products,omitempty"`
	Discount decimal.Decimal   `json:"discount"`
	TaxRate  *decimal.Decimal  `json:"tax_rate,omitempty"`
	Split    string            `json:"split,omitempty"`
	Keep     bool              `json:"keep,omitempty"`
}

// SessionResponse wraps a session change.
type SessionResponse struct {
	Session session.TableSession `json:"session"`
	Break   *session.BreakEvent  `json:"break,omitempty"`
}

// CheckoutResponse carries the checkout result even when persisting failed,
// so the bill can still be printed.
type CheckoutResponse struct {
	Result *checkout.Result `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
}

func (s *Server) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	operator, _ := GetOperatorFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"operator": operator})
}

func (s *Server) handleAddTable(w http.ResponseWriter, r *http.Request) {
	var req AddTableRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		writeError(w, http.StatusBadRequest, "Table id is required")
		return
	}

	s.registry.AddTable(id)
	s.audit(r, id, "add").Msg("Table added")

	display, err := s.registry.Display(id)
	if err != nil {
		s.writeOpError(w, id, err)
		return
	}
	writeJSON(w, http.StatusCreated, display)
}

func (s *Server) handleRemoveTable(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.registry.RemoveTable(r.Context(), id); err != nil {
		s.writeOpError(w, id, err)
		return
	}
	s.audit(r, id, "remove").Msg("Table removed")
	writeJSON(w, http.StatusOK, map[string]string{"removed": id})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req StartRequest
	if !decodeBody(w, r, &req) {
		return
	}

	sess, err := s.registry.Start(id, req.GameType, req.Players)
	if err != nil {
		s.writeOpError(w, id, err)
		return
	}
	s.audit(r, id, "start").Str("session", sess.ID).Str("game_type", sess.GameType).Msg("Table started")
	writeJSON(w, http.StatusOK, SessionResponse{Session: sess})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := s.registry.Pause(id)
	if err != nil {
		s.writeOpError(w, id, err)
		return
	}
	s.audit(r, id, "pause").Str("session", sess.ID).Msg("Table paused")
	writeJSON(w, http.StatusOK, SessionResponse{Session: sess})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req ResumeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	sess, brk, err := s.registry.Resume(id, req.Player)
	if err != nil {
		s.writeOpError(w, id, err)
		return
	}
	event := s.audit(r, id, "resume").Str("session", sess.ID)
	if brk != nil {
		event = event.Str("break_customer", brk.Customer.String()).Str("break_amount", brk.Amount.String())
	}
	event.Msg("Table resumed")
	writeJSON(w, http.StatusOK, SessionResponse{Session: sess, Break: brk})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := s.registry.Stop(id)
	if err != nil {
		s.writeOpError(w, id, err)
		return
	}
	s.audit(r, id, "stop").Str("session", sess.ID).Msg("Table stopped")
	writeJSON(w, http.StatusOK, SessionResponse{Session: sess})
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body CheckoutRequest
	if !decodeBody(w, r, &body) {
		return
	}

	split, err := billing.ParseSplitMode(body.Split)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req := checkout.Request{
		Products: body.Products,
		Discount: body.Discount,
		TaxRate:  s.config.TaxRate,
		Split:    split,
	}
	if body.TaxRate != nil {
		req.TaxRate = *body.TaxRate
	}

	res, err := s.registry.Checkout(r.Context(), id, req, !body.Keep)
	if err != nil {
		if res != nil && errors.Is(err, checkout.ErrPersist) {
			s.logger.Error().Err(err).Str("table", id).Msg("Checkout billed but not persisted")
			writeJSON(w, http.StatusInternalServerError, CheckoutResponse{Result: res, Error: err.Error()})
			return
		}
		s.writeOpError(w, id, err)
		return
	}

	event := s.audit(r, id, "checkout").Str("session", res.Session.ID).Str("state", string(res.State))
	if res.Bill != nil {
		event = event.Str("total", res.Bill.Total.String())
	}
	event.Msg("Table checked out")
	writeJSON(w, http.StatusOK, CheckoutResponse{Result: res})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := s.registry.Reset(id)
	if err != nil {
		s.writeOpError(w, id, err)
		return
	}
	s.audit(r, id, "reset").Msg("Table reset")
	writeJSON(w, http.StatusOK, SessionResponse{Session: sess})
}

// audit starts an info log entry for a successful operation.
func (s *Server) audit(r *http.Request, table, action string) *zerolog.Event {
	operator, _ := GetOperatorFromContext(r.Context())
	return s.logger.Info().Str("operator", operator).Str("table", table).Str("action", action)
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, floor.ErrUnknownTable):
		return http.StatusNotFound
	case errors.Is(err, session.ErrInvalidTransition), errors.Is(err, billing.ErrNotStarted), errors.Is(err, floor.ErrTableInUse):
		return http.StatusConflict
	case errors.Is(err, session.ErrNoPlayers), errors.Is(err, session.ErrBlankPlayer), errors.Is(err, billing.ErrInvalidCharge):
		return http.StatusBadRequest
	case errors.Is(err, rates.ErrConfiguration):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeOpError(w http.ResponseWriter, id string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("table", id).Msg("Table operation failed")
		writeError(w, status, "Table operation failed")
		return
	}
	writeError(w, status, err.Error())
}

// decodeBody decodes an optional JSON body. An empty body leaves out untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
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
