package broadcast

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	valkey "github.com/valkey-io/valkey-go"
)

// DefaultChannel is the pub/sub channel invalidations travel on.
const DefaultChannel = "querykit:invalidate"

type TLSConfig struct {
	Enabled bool
	CAFile  string
}

type Config struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      TLSConfig
	Channel  string
}

// Message is the wire payload of one invalidation.
type Message struct {
	Origin   string    `json:"origin"`
	Prefixes []string  `json:"prefixes"`
	SentAt   time.Time `json:"sentAt"`
}

// Broadcaster fans invalidations out to every process sharing the channel so
// their caches drop the same prefixes. A process ignores its own messages.
type Broadcaster struct {
	client  valkey.Client
	channel string
	origin  string
	logger  *slog.Logger
}

// New connects to the valkey server described by cfg.
func New(logger *slog.Logger, cfg Config) (*Broadcaster, error) {
	if cfg.Address == "" {
		return nil, errors.New("broadcast: redis address required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = DefaultChannel
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}
	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("broadcast: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("broadcast: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("broadcast: redis client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("broadcast: redis ping: %w", err)
	}

	origin := uuid.NewString()
	return &Broadcaster{
		client:  client,
		channel: channel,
		origin:  origin,
		logger:  logger.With(slog.String("agent", "invalidation_broadcast"), slog.String("origin", origin)),
	}, nil
}

// Origin identifies this process on the channel.
func (b *Broadcaster) Origin() string { return b.origin }

// Channel returns the pub/sub channel name.
func (b *Broadcaster) Channel() string { return b.channel }

// Publish announces prefixes to the other processes. Empty sets are skipped.
func (b *Broadcaster) Publish(ctx context.Context, prefixes []string) error {
	if len(prefixes) == 0 {
		return nil
	}
	payload, err := json.Marshal(Message{Origin: b.origin, Prefixes: prefixes, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("broadcast: marshal: %w", err)
	}
	cmd := b.client.B().Publish().Channel(b.channel).Message(string(payload)).Build()
	if err := b.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("broadcast: publish: %w", err)
	}
	return nil
}

// Listen subscribes to the channel and calls handle with the prefixes of every
// message published by another process. It blocks until ctx is done.
func (b *Broadcaster) Listen(ctx context.Context, handle func(prefixes []string)) error {
	cmd := b.client.B().Subscribe().Channel(b.channel).Build()
	err := b.client.Receive(ctx, cmd, func(msg valkey.PubSubMessage) {
		var decoded Message
		if err := json.Unmarshal([]byte(msg.Message), &decoded); err != nil {
			b.logger.Warn("discarding malformed invalidation", slog.String("error", err.Error()))
			return
		}
		if decoded.Origin == b.origin || len(decoded.Prefixes) == 0 {
			return
		}
		b.logger.Debug("remote invalidation",
			slog.String("from", decoded.Origin),
			slog.Any("prefixes", decoded.Prefixes),
		)
		handle(decoded.Prefixes)
	})
	if err != nil && ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("broadcast: subscribe: %w", err)
	}
	return nil
}

// Close releases the connection.
func (b *Broadcaster) Close() {
	b.client.Close()
}
