// Package natsbus lets several relay instances share rooms by mirroring
// room traffic over NATS subjects.
package natsbus

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

type Config struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		SubjectPrefix: "streamly.rooms",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// Bus implements rooms.Backplane on a single NATS connection.
type Bus struct {
	nc     *nats.Conn
	prefix string
}

func Connect(config Config) (*Bus, error) {
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = DefaultConfig().SubjectPrefix
	}
	opts := []nats.Option{
		nats.Name("streamly-relay"),
		// Frames published by this instance were already fanned out locally.
		nats.NoEcho(),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &Bus{nc: nc, prefix: config.SubjectPrefix}, nil
}

func (b *Bus) Subscribe(room string, deliver func(data []byte)) (func(), error) {
	subject := Subject(b.prefix, room)
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		deliver(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			log.Debug().Err(err).Str("subject", subject).Msg("NATS unsubscribe failed")
		}
	}, nil
}

func (b *Bus) Publish(room string, data []byte) error {
	return b.nc.Publish(Subject(b.prefix, room), data)
}

func (b *Bus) Close() {
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
	}
}

// Subject maps an arbitrary room name onto a single NATS subject token.
func Subject(prefix, room string) string {
	return prefix + "." + base64.RawURLEncoding.EncodeToString([]byte(room))
}
