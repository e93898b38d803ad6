package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig describes the connection the NATS sink publishes over.
// Alerts go to Subject + "." + kind, e.g. "orchestrator.alerts.task-failed".
type NATSConfig struct {
	URL            string
	Subject        string
	ClientName     string
	Token          string
	ReconnectWait  time.Duration
	MaxReconnects  int // -1 retries forever
	ConnectTimeout time.Duration
}

func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		Subject:        "orchestrator.alerts",
		ClientName:     "orchestrator",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
	}
}

func (c NATSConfig) options() []nats.Option {
	opts := []nats.Option{
		nats.Name(c.ClientName),
		nats.ReconnectWait(c.ReconnectWait),
		nats.MaxReconnects(c.MaxReconnects),
		nats.Timeout(c.ConnectTimeout),
	}
	if c.Token != "" {
		opts = append(opts, nats.Token(c.Token))
	}
	return opts
}

// NATSSink fans alerts out to whoever subscribes to the alert subject.
type NATSSink struct {
	nc      *nats.Conn
	subject string
}

// NewNATSSink dials cfg.URL. Blank URL or Subject take the defaults.
func NewNATSSink(cfg NATSConfig) (*NATSSink, error) {
	def := DefaultNATSConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.Subject == "" {
		cfg.Subject = def.Subject
	}
	if cfg.ClientName == "" {
		cfg.ClientName = def.ClientName
	}

	nc, err := nats.Connect(cfg.URL, cfg.options()...)
	if err != nil {
		return nil, fmt.Errorf("alerts: dial nats %s: %w", cfg.URL, err)
	}
	return &NATSSink{nc: nc, subject: cfg.Subject}, nil
}

// Publish hands the alert to the client's write buffer; delivery to the
// server is asynchronous.
func (s *NATSSink) Publish(_ context.Context, a Alert) error {
	if s.nc.IsClosed() {
		return ErrClosed
	}
	subj, err := subjectFor(s.subject, a.Kind)
	if err != nil {
		return err
	}
	body, err := encode(a)
	if err != nil {
		return err
	}
	if err := s.nc.Publish(subj, body); err != nil {
		return fmt.Errorf("alerts: publish %s: %w", subj, err)
	}
	return nil
}

// Close drains buffered alerts before closing.
func (s *NATSSink) Close() error {
	if s.nc.IsClosed() {
		return nil
	}
	return s.nc.Drain()
}

var _ Sink = (*NATSSink)(nil)
