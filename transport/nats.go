package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tomyedwab/sqlworker/observability"
	"github.com/tomyedwab/sqlworker/protocol"
	"github.com/tomyedwab/sqlworker/worker"
)

// NATSConfig holds NATS connection and subject configuration.
type NATSConfig struct {
	URL           string
	Name          string
	SubjectPrefix string // requests arrive on <prefix>.request
	QueueGroup    string // Optional, load-balances between workers sharing a database image
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// RequestSubject is the subject a worker listens on for prefix.
func RequestSubject(prefix string) string {
	return prefix + ".request"
}

// ConnectNATS dials the server described by cfg.
func ConnectNATS(cfg NATSConfig, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats-client")

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("NATS error", "error", err)
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logger.Info("connected to NATS",
		"url", conn.ConnectedUrl(),
		"server_id", conn.ConnectedServerId(),
	)
	return conn, nil
}

// NATSServer answers requests published on the request subject. Every
// response is published to the request's reply inbox; the terminal response
// ends the stream.
type NATSServer struct {
	conn    *nats.Conn
	worker  *worker.Worker
	subject string
	queue   string
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewNATSServer creates a NATS transport for w on an established connection.
func NewNATSServer(conn *nats.Conn, w *worker.Worker, cfg NATSConfig, logger *slog.Logger, metrics *observability.Metrics) *NATSServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSServer{
		conn:    conn,
		worker:  w,
		subject: RequestSubject(cfg.SubjectPrefix),
		queue:   cfg.QueueGroup,
		logger:  logger.With("component", "nats"),
		metrics: metrics,
	}
}

// Serve subscribes and handles requests until ctx is cancelled. Messages of
// one subscription are delivered one at a time, so requests reach the
// worker in arrival order.
func (s *NATSServer) Serve(ctx context.Context) error {
	handler := func(msg *nats.Msg) {
		s.metrics.RecordNATSMessage(ctx, msg.Subject)
		sink := replySink{pub: s.conn, reply: msg.Reply}
		if msg.Reply == "" {
			s.logger.Warn("Request without reply subject, responses dropped", "subject", msg.Subject)
		}
		if err := s.worker.HandlePayload(ctx, msg.Data, sink); err != nil && ctx.Err() == nil {
			s.logger.Warn("Request not completed", "error", err)
		}
	}

	var (
		sub *nats.Subscription
		err error
	)
	if s.queue != "" {
		sub, err = s.conn.QueueSubscribe(s.subject, s.queue, handler)
	} else {
		sub, err = s.conn.Subscribe(s.subject, handler)
	}
	if err != nil {
		return fmt.Errorf("nats: subscribe %s: %w", s.subject, err)
	}
	s.logger.Info("Serving requests on NATS", "subject", s.subject, "queue", s.queue)

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats: drain: %w", err)
	}
	return nil
}

type publisher interface {
	Publish(subject string, data []byte) error
}

// replySink publishes responses to a reply inbox.
type replySink struct {
	pub   publisher
	reply string
}

func (s replySink) Post(resp protocol.Response) error {
	if s.reply == "" {
		return nil
	}
	data, err := json.Marshal(resp)
	if err != nil {
		data, err = json.Marshal(protocol.ErrorResponse(resp.ID, err))
		if err != nil {
			return err
		}
	}
	return s.pub.Publish(s.reply, data)
}
