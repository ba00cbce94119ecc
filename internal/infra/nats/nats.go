// Package natsclient connects to NATS and owns the JetStream objects that
// carry view events.
package natsclient

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sifan077/goster/config"
	"go.uber.org/zap"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultViewMaxAge     = 24 * time.Hour

	viewStreamMaxBytes = 64 << 20
	// Publishers stamp every event with its ID; a retried publish inside
	// this window is stored once.
	viewDuplicateWindow = 2 * time.Minute
	viewAckWait         = 30 * time.Second
	viewMaxDeliver      = 5
	viewMaxAckPending   = 1000
)

// Connect creates a NATS connection (with JetStream available) using application config.
func Connect(cfg config.NATSConfig, logger *zap.Logger) (*nats.Conn, nats.JetStreamContext, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []nats.Option{
		nats.Timeout(defaultConnectTimeout),
		nats.Name("goster"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrlRedacted()))
		}),
	}

	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	url := buildURL(cfg)

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("nats: connect: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("nats: init jetstream: %w", err)
	}

	return conn, js, nil
}

// EnsureViewStream creates the view event stream and its durable pull
// consumer, or updates them to match cfg.
func EnsureViewStream(js nats.JetStreamManager, cfg config.NATSConfig) error {
	sc := viewStreamConfig(cfg)
	if _, err := js.StreamInfo(sc.Name); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("nats: stream info %s: %w", sc.Name, err)
		}
		if _, err := js.AddStream(sc); err != nil {
			return fmt.Errorf("nats: add stream %s: %w", sc.Name, err)
		}
	} else if _, err := js.UpdateStream(sc); err != nil {
		return fmt.Errorf("nats: update stream %s: %w", sc.Name, err)
	}

	cc := viewConsumerConfig(cfg)
	if _, err := js.ConsumerInfo(sc.Name, cc.Durable); err != nil {
		if !errors.Is(err, nats.ErrConsumerNotFound) {
			return fmt.Errorf("nats: consumer info %s: %w", cc.Durable, err)
		}
		if _, err := js.AddConsumer(sc.Name, cc); err != nil {
			return fmt.Errorf("nats: add consumer %s: %w", cc.Durable, err)
		}
	} else if _, err := js.UpdateConsumer(sc.Name, cc); err != nil {
		return fmt.Errorf("nats: update consumer %s: %w", cc.Durable, err)
	}
	return nil
}

func viewStreamConfig(cfg config.NATSConfig) *nats.StreamConfig {
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = defaultViewMaxAge
	}
	return &nats.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{cfg.Subject},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Discard:    nats.DiscardOld,
		MaxBytes:   viewStreamMaxBytes,
		MaxAge:     maxAge,
		Duplicates: viewDuplicateWindow,
	}
}

func viewConsumerConfig(cfg config.NATSConfig) *nats.ConsumerConfig {
	return &nats.ConsumerConfig{
		Durable:       cfg.Consumer,
		FilterSubject: cfg.Subject,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       viewAckWait,
		MaxDeliver:    viewMaxDeliver,
		MaxAckPending: viewMaxAckPending,
	}
}

func buildURL(cfg config.NATSConfig) string {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = 4222
	}
	return fmt.Sprintf("nats://%s:%d", host, port)
}
