// Package publish mirrors accepted audit records to a NATS subject. It uses
// core NATS publish, which buffers in the client and never blocks the event
// pump on the network. The audit log remains the only durable record.
package publish

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tripwire/folderaudit/internal/audit"
)

// DefaultSubject is used when no subject is configured.
const DefaultSubject = "folderaudit.events"

// Publisher sends raw payloads. *nats.Conn implements it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Message is the JSON payload published for each record.
type Message struct {
	Host      string    `json:"host"`
	Timestamp time.Time `json:"ts"`
	Kind      string    `json:"kind"`
	Path      string    `json:"path"`
	User      string    `json:"user"`
}

// Mirror publishes records to one subject. It implements audit.Mirror.
type Mirror struct {
	pub     Publisher
	subject string
	host    string
	conn    *nats.Conn
}

// NewMirror wraps pub. An empty subject means DefaultSubject.
func NewMirror(pub Publisher, subject, host string) *Mirror {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Mirror{pub: pub, subject: subject, host: host}
}

// Connect dials the NATS server at url and returns a Mirror publishing to
// subject. The connection reconnects forever; disconnects are logged.
func Connect(url, subject string, logger *slog.Logger) (*Mirror, error) {
	if logger == nil {
		logger = slog.Default()
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	nc, err := nats.Connect(url,
		nats.Name("folderaudit@"+host),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("publish: disconnected from nats", slog.Any("error", err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("publish: reconnected to nats", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("publish: connect %q: %w", url, err)
	}

	m := NewMirror(nc, subject, host)
	m.conn = nc
	logger.Info("publish: mirroring records to nats",
		slog.String("url", url),
		slog.String("subject", m.subject))
	return m, nil
}

// Subject returns the subject records are published to.
func (m *Mirror) Subject() string { return m.subject }

// Publish sends r as a Message.
func (m *Mirror) Publish(r audit.Record) error {
	data, err := Encode(m.host, r)
	if err != nil {
		return err
	}
	if err := m.pub.Publish(m.subject, data); err != nil {
		return fmt.Errorf("publish: %s: %w", m.subject, err)
	}
	return nil
}

// Close drains the connection opened by Connect. It is a no-op for mirrors
// built with NewMirror.
func (m *Mirror) Close() error {
	if m.conn == nil {
		return nil
	}
	if err := m.conn.Drain(); err != nil {
		return fmt.Errorf("publish: drain: %w", err)
	}
	return nil
}

// Encode renders r as the JSON payload published for it.
func Encode(host string, r audit.Record) ([]byte, error) {
	data, err := json.Marshal(Message{
		Host:      host,
		Timestamp: r.Timestamp,
		Kind:      r.Kind.String(),
		Path:      r.Path,
		User:      r.User,
	})
	if err != nil {
		return nil, fmt.Errorf("publish: encode: %w", err)
	}
	return data, nil
}
