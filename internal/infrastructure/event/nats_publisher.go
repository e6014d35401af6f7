package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/medtour/backend/internal/domain/shared"
	"github.com/medtour/backend/internal/infrastructure/tenancy"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

// DefaultSubjectPrefix namespaces every published subject
const DefaultSubjectPrefix = "medtour.events"

var errNilConn = errors.New("nats publisher: no connection")

// Conn is the subset of *nats.Conn used for publishing
type Conn interface {
	PublishMsg(msg *nats.Msg) error
	FlushTimeout(timeout time.Duration) error
	Close()
}

// Envelope is the JSON document published for every event
type Envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	TenantID      string          `json:"tenantId"`
	AggregateID   string          `json:"aggregateId"`
	AggregateType string          `json:"aggregateType"`
	OccurredAt    time.Time       `json:"occurredAt"`
	RequestID     string          `json:"requestId,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// NatsPublisher publishes events as JSON on {prefix}.{eventType}
type NatsPublisher struct {
	conn   Conn
	prefix string
	logger *zap.Logger
}

// NatsOption configures a NatsPublisher
type NatsOption func(*NatsPublisher)

// WithSubjectPrefix overrides DefaultSubjectPrefix
func WithSubjectPrefix(prefix string) NatsOption {
	return func(p *NatsPublisher) {
		if prefix = strings.TrimSuffix(prefix, "."); prefix != "" {
			p.prefix = prefix
		}
	}
}

// WithNatsLogger sets the logger
func WithNatsLogger(l *zap.Logger) NatsOption {
	return func(p *NatsPublisher) {
		p.logger = l
	}
}

// NewNatsPublisher wraps an established connection
func NewNatsPublisher(conn Conn, opts ...NatsOption) *NatsPublisher {
	p := &NatsPublisher{
		conn:   conn,
		prefix: DefaultSubjectPrefix,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ConnectNats dials NATS with reconnect handling and returns a publisher
func ConnectNats(url string, opts ...NatsOption) (*NatsPublisher, error) {
	p := NewNatsPublisher(nil, opts...)
	nc, err := nats.Connect(url,
		nats.Name("medtour-backend"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			p.logger.Warn("disconnected from NATS", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			p.logger.Info("reconnected to NATS", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	p.conn = nc
	return p, nil
}

// Subject returns the subject an event type is published on
func (p *NatsPublisher) Subject(eventType string) string {
	return p.prefix + "." + eventType
}

// Publish sends every event; it stops at the first failure
func (p *NatsPublisher) Publish(ctx context.Context, events ...shared.DomainEvent) error {
	if p == nil || p.conn == nil {
		return errNilConn
	}
	for _, event := range events {
		msg, err := p.message(ctx, event)
		if err != nil {
			return err
		}
		if err := p.conn.PublishMsg(msg); err != nil {
			return fmt.Errorf("publish %s: %w", msg.Subject, err)
		}
	}
	return nil
}

func (p *NatsPublisher) message(ctx context.Context, event shared.DomainEvent) (*nats.Msg, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event.EventType(), err)
	}
	env := Envelope{
		ID:            event.EventID().String(),
		Type:          event.EventType(),
		TenantID:      event.TenantID(),
		AggregateID:   event.AggregateID(),
		AggregateType: event.AggregateType(),
		OccurredAt:    event.OccurredAt(),
		Payload:       payload,
	}
	if tc, ok := tenancy.Current(ctx); ok {
		env.RequestID = tc.RequestID
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	msg := nats.NewMsg(p.Subject(event.EventType()))
	msg.Data = data
	msg.Header.Set("Content-Type", "application/json")
	msg.Header.Set(nats.MsgIdHdr, env.ID)
	if env.TenantID != "" {
		msg.Header.Set(tenancy.HeaderTenant, env.TenantID)
	}
	if env.RequestID != "" {
		msg.Header.Set(tenancy.HeaderRequestID, env.RequestID)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(msg.Header))
	return msg, nil
}

// Close flushes buffered messages and closes the connection
func (p *NatsPublisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	err := p.conn.FlushTimeout(5 * time.Second)
	p.conn.Close()
	return err
}

var _ shared.EventPublisher = (*NatsPublisher)(nil)
