// Package events publishes table activity to an AMQP exchange so displays
// and back-office consumers can react without polling.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/goodtune/tabletime/internal/checkout"
	"github.com/goodtune/tabletime/internal/countdown"
	"github.com/goodtune/tabletime/internal/session"
	"github.com/google/uuid"
)

// Type names an event and doubles as the routing key prefix.
type Type string

const (
	TypeTransition Type = "session.transition"
	TypeBreak      Type = "session.break"
	TypeExpired    Type = "countdown.expired"
	TypeCheckout   Type = "checkout.completed"
)

// Envelope is the message body published for every event.
type Envelope struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	TableID   string          `json:"table_id"`
	SessionID string          `json:"session_id,omitempty"`
	At        time.Time       `json:"at"`
	Payload   json.RawMessage `json:"payload"`
}

// RoutingKey is "<type>.<table>", so consumers can bind per table.
func (e Envelope) RoutingKey() string {
	return fmt.Sprintf("%s.%s", e.Type, e.TableID)
}

// NewEnvelope wraps payload in an envelope with a fresh id.
func NewEnvelope(t Type, tableID, sessionID string, at time.Time, payload any) (Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Envelope{
		ID:        uuid.NewString(),
		Type:      t,
		TableID:   tableID,
		SessionID: sessionID,
		At:        at.UTC(),
		Payload:   body,
	}, nil
}

// FromTransition builds the envelopes for a state change: the transition
// itself and, on a customer handover, the break event.
func FromTransition(tr session.Transition) ([]Envelope, error) {
	env, err := NewEnvelope(TypeTransition, tr.TableID, tr.SessionID, tr.At, tr)
	if err != nil {
		return nil, err
	}
	out := []Envelope{env}
	if tr.Break != nil {
		brk, err := NewEnvelope(TypeBreak, tr.TableID, tr.SessionID, tr.At, tr.Break)
		if err != nil {
			return nil, err
		}
		out = append(out, brk)
	}
	return out, nil
}

// FromExpiry builds the envelope for a countdown reaching zero.
func FromExpiry(state countdown.DisplayState) (Envelope, error) {
	return NewEnvelope(TypeExpired, state.TableID, state.SessionID, state.At, state)
}

// FromCheckout builds the envelope for a finished checkout.
func FromCheckout(res *checkout.Result, at time.Time) (Envelope, error) {
	return NewEnvelope(TypeCheckout, res.Session.TableID, res.Session.ID, at, res)
}
