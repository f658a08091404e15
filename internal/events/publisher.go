package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/goodtune/tabletime/internal/checkout"
	"github.com/goodtune/tabletime/internal/config"
	"github.com/goodtune/tabletime/internal/countdown"
	"github.com/goodtune/tabletime/internal/metrics"
	"github.com/goodtune/tabletime/internal/session"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	defaultQueueSize      = 256
	defaultPublishTimeout = 5 * time.Second
)

// Channel is the subset of *amqp.Channel the publisher uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher queues envelopes and publishes them from a single goroutine, so
// state machine observers never block on the broker.
type Publisher struct {
	conn     *amqp.Connection
	ch       Channel
	exchange string
	logger   zerolog.Logger

	queue   chan Envelope
	done    chan struct{}
	once    sync.Once
	mu      sync.RWMutex
	started bool
	closed  bool
	timeout time.Duration
}

// Dial connects to the broker and declares the topic exchange.
func Dial(cfg config.EventsConfig, logger zerolog.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		cfg.Exchange, // name
		"topic",      // kind
		true,         // durable
		false,        // autoDelete
		false,        // internal
		false,        // noWait
		nil,          // args
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}

	p := NewPublisher(ch, cfg.Exchange, logger)
	p.conn = conn
	return p, nil
}

// NewPublisher wraps an open channel. Start must be called before events flow.
func NewPublisher(ch Channel, exchange string, logger zerolog.Logger) *Publisher {
	return &Publisher{
		ch:       ch,
		exchange: exchange,
		logger:   logger.With().Str("component", "events").Logger(),
		queue:    make(chan Envelope, defaultQueueSize),
		done:     make(chan struct{}),
		timeout:  defaultPublishTimeout,
	}
}

// Start runs the publish loop until Close. Calling it again, or after
// Close, does nothing.
func (p *Publisher) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	go p.run()
}

func (p *Publisher) run() {
	defer close(p.done)
	for env := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		if err := p.Publish(ctx, env); err != nil {
			p.logger.Warn().Err(err).Str("type", string(env.Type)).Str("table", env.TableID).Msg("Failed to publish event")
		}
		cancel()
	}
}

// Publish sends one envelope synchronously.
func (p *Publisher) Publish(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		metrics.EventsPublished.WithLabelValues(string(env.Type), "error").Inc()
		return fmt.Errorf("marshal envelope: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID,
		Type:         string(env.Type),
		Timestamp:    env.At,
		Body:         body,
	}
	if err := p.ch.PublishWithContext(ctx, p.exchange, env.RoutingKey(), false, false, msg); err != nil {
		metrics.EventsPublished.WithLabelValues(string(env.Type), "error").Inc()
		return fmt.Errorf("publish %s: %w", env.Type, err)
	}
	metrics.EventsPublished.WithLabelValues(string(env.Type), "ok").Inc()
	return nil
}

// Enqueue hands an envelope to the publish loop. It never blocks; when the
// queue is full or the publisher is closed the event is dropped.
func (p *Publisher) Enqueue(env Envelope) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		metrics.EventsPublished.WithLabelValues(string(env.Type), "dropped").Inc()
		return false
	}
	select {
	case p.queue <- env:
		return true
	default:
		metrics.EventsPublished.WithLabelValues(string(env.Type), "dropped").Inc()
		p.logger.Warn().Str("type", string(env.Type)).Str("table", env.TableID).Msg("Event queue full, dropping event")
		return false
	}
}

// OnTransition implements session.Observer.
func (p *Publisher) OnTransition(tr session.Transition) {
	envs, err := FromTransition(tr)
	if err != nil {
		p.logger.Error().Err(err).Str("table", tr.TableID).Msg("Failed to build transition event")
		return
	}
	for _, env := range envs {
		p.Enqueue(env)
	}
}

// OnExpire is suitable for countdown.WithOnExpire.
func (p *Publisher) OnExpire(state countdown.DisplayState) {
	env, err := FromExpiry(state)
	if err != nil {
		p.logger.Error().Err(err).Str("table", state.TableID).Msg("Failed to build expiry event")
		return
	}
	p.Enqueue(env)
}

// OnCheckout queues a checkout event. Only persisted checkouts are announced.
func (p *Publisher) OnCheckout(res *checkout.Result, at time.Time) {
	if res == nil || res.State != checkout.StatePersisted {
		return
	}
	env, err := FromCheckout(res, at)
	if err != nil {
		p.logger.Error().Err(err).Str("table", res.Session.TableID).Msg("Failed to build checkout event")
		return
	}
	p.Enqueue(env)
}

// Close stops accepting events, drains the queue and closes the channel.
func (p *Publisher) Close() error {
	var err error
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		started := p.started
		close(p.queue)
		p.mu.Unlock()

		if started {
			select {
			case <-p.done:
			case <-time.After(p.timeout):
				p.logger.Warn().Msg("Timed out draining event queue")
			}
		} else {
			// Nothing will publish what is still queued.
			for env := range p.queue {
				metrics.EventsPublished.WithLabelValues(string(env.Type), "dropped").Inc()
			}
		}

		err = p.ch.Close()
		if p.conn != nil {
			if cerr := p.conn.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}
