package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSOptions configure the NATS publisher.
type NATSOptions struct {
	URL           string
	Subject       string
	MaxReconnect  int
	ReconnectWait time.Duration
}

// NATSPublisher publishes every snapshot on one subject.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger
}

// NewNATSPublisher connects to NATS.
func NewNATSPublisher(opts NATSOptions, logger zerolog.Logger) (*NATSPublisher, error) {
	if opts.Subject == "" {
		return nil, errors.New("nats: subject is empty")
	}
	if opts.MaxReconnect == 0 {
		opts.MaxReconnect = -1
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = 2 * time.Second
	}

	log := logger.With().Str("component", "publish_nats").Logger()
	conn, err := nats.Connect(opts.URL,
		nats.Name("elspot-advisor"),
		nats.MaxReconnects(opts.MaxReconnect),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	return &NATSPublisher{conn: conn, subject: opts.Subject, logger: log}, nil
}

// Name implements Publisher.
func (p *NATSPublisher) Name() string { return "nats" }

// Publish implements Publisher.
func (p *NATSPublisher) Publish(ctx context.Context, snap Snapshot) error {
	data, err := Encode(snap)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	p.logger.Debug().Str("subject", p.subject).Int("bytes", len(data)).Msg("snapshot published")
	return nil
}

// Close implements Publisher.
func (p *NATSPublisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return err
	}
	return nil
}

var _ Publisher = (*NATSPublisher)(nil)
