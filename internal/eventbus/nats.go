// Package eventbus connects the service to NATS: domain events go out on a subject per event
// type, and client location updates come in on a queue subscription.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/signalspot/backend/internal/domain"
)

// Connect dials NATS with reconnect handling logged through logger.
func Connect(url, name string, logger *zap.Logger) (*nats.Conn, error) {
	options := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(5 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	nc, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to NATS: %w", err)
	}
	return nc, nil
}

// Publisher is a notify sink that forwards every event to "<prefix>.<event type>".
type Publisher struct {
	conn   *nats.Conn
	prefix string
}

func NewPublisher(conn *nats.Conn, prefix string) *Publisher {
	return &Publisher{conn: conn, prefix: prefix}
}

func (p *Publisher) Name() string { return "nats" }

func (p *Publisher) Deliver(_ context.Context, e domain.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.conn.Publish(p.Subject(e.Type), payload)
}

// Subject returns the subject an event type is published on.
func (p *Publisher) Subject(t domain.EventType) string {
	return p.prefix + "." + string(t)
}

// LocationHandler consumes one decoded location update.
type LocationHandler interface {
	HandleLocationUpdate(ctx context.Context, u domain.LocationUpdate) ([]*domain.Spark, error)
}

// LocationSubscriber feeds location updates from NATS into the detector. A queue group spreads
// updates across replicas.
type LocationSubscriber struct {
	conn    *nats.Conn
	handler LocationHandler
	logger  *zap.Logger
	timeout time.Duration
	sub     *nats.Subscription
}

func NewLocationSubscriber(conn *nats.Conn, handler LocationHandler, logger *zap.Logger) *LocationSubscriber {
	return &LocationSubscriber{conn: conn, handler: handler, logger: logger, timeout: 10 * time.Second}
}

// Start subscribes until ctx is done or Stop is called.
func (s *LocationSubscriber) Start(ctx context.Context, subject, queue string) error {
	sub, err := s.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		s.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.sub = sub
	s.logger.Info("subscribed to location updates", zap.String("subject", subject), zap.String("queue", queue))

	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()
	return nil
}

// Stop drains the subscription.
func (s *LocationSubscriber) Stop() error {
	if s.sub == nil || !s.sub.IsValid() {
		return nil
	}
	return s.sub.Drain()
}

func (s *LocationSubscriber) handle(ctx context.Context, msg *nats.Msg) {
	var u domain.LocationUpdate
	if err := json.Unmarshal(msg.Data, &u); err != nil {
		s.logger.Warn("discarding malformed location update", zap.Error(err))
		return
	}
	hctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.handler.HandleLocationUpdate(hctx, u); err != nil {
		s.logger.Error("location update failed", zap.String("user_id", u.UserID.String()), zap.Error(err))
	}
}
