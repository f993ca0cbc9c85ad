package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cicada/internal/config"
	"cicada/internal/metrics"
	"cicada/internal/psk"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// publisher is the part of *nats.Conn the client needs.
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSClient publishes payment notifications to NATS
type NATSClient struct {
	conn          *nats.Conn
	pub           publisher
	subjectPrefix string
	log           *logrus.Logger
}

var _ psk.Notifier = (*NATSClient)(nil)

// NewNATSClient connects to the NATS server in cfg
func NewNATSClient(cfg config.NATSConfig, logger *logrus.Logger) (*NATSClient, error) {
	connectTimeout := 10 * time.Second
	if cfg.Timeout > 0 {
		connectTimeout = time.Duration(cfg.Timeout) * time.Second
	}
	reconnectWait := 5 * time.Second
	if cfg.ReconnectWait > 0 {
		reconnectWait = time.Duration(cfg.ReconnectWait) * time.Second
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("cicada"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.WithError(err).Warn("NATS connection lost")
			metrics.NATSConnectionStatus.Set(0)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
			metrics.NATSConnectionStatus.Set(1)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	metrics.NATSConnectionStatus.Set(1)
	logger.WithField("url", conn.ConnectedUrl()).Info("✅ Connected to NATS")

	return newNATSClient(conn, conn, cfg.SubjectPrefix, logger), nil
}

func newNATSClient(conn *nats.Conn, pub publisher, subjectPrefix string, logger *logrus.Logger) *NATSClient {
	if subjectPrefix == "" {
		subjectPrefix = "cicada.payments"
	}
	return &NATSClient{
		conn:          conn,
		pub:           pub,
		subjectPrefix: subjectPrefix,
		log:           logger,
	}
}

// Subject returns the subject a notification with status is published on.
func (c *NATSClient) Subject(status string) string {
	return c.subjectPrefix + "." + status
}

// NotifyPayment publishes n as JSON on <prefix>.<status>
func (c *NATSClient) NotifyPayment(ctx context.Context, n psk.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subject := c.Subject(n.Status)
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encoding payment notification: %w", err)
	}
	if err := c.pub.Publish(subject, data); err != nil {
		metrics.NATSPublishFailed.WithLabelValues(subject).Inc()
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	metrics.NATSMessagesPublished.WithLabelValues(subject).Inc()
	c.log.WithFields(logrus.Fields{
		"subject":     subject,
		"transfer_id": n.TransferID,
	}).Debug("Published payment notification")
	return nil
}

// IsConnected reports the state of the underlying connection.
func (c *NATSClient) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Close drains pending messages and closes the connection
func (c *NATSClient) Close() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
	metrics.NATSConnectionStatus.Set(0)
}
