// Package config loads process settings from the environment, optionally
// seeded from a .env file in the working directory.
package config

import (
	"errors"
	"fmt"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"

	"github.com/1ureka/p2pdrop/internal/protocol"
)

// Config holds every tunable shared by the relay and the CLI peers. Flags on
// the command line override these values.
type Config struct {
	// Relay
	ListenAddr         string        `env:"P2PDROP_LISTEN_ADDR,default=:8080"`
	MaxMessageSize     int64         `env:"P2PDROP_MAX_MESSAGE_SIZE,default=1048576"`
	SessionIdleTimeout time.Duration `env:"P2PDROP_SESSION_IDLE_TIMEOUT,default=2m"`
	StatsInterval      time.Duration `env:"P2PDROP_STATS_INTERVAL,default=10s"`

	// Credential lookup
	ICEServersURL    string        `env:"P2PDROP_ICE_SERVERS_URL"`
	ICEServersToken  string        `env:"P2PDROP_ICE_SERVERS_TOKEN"`
	ICELookupTimeout time.Duration `env:"P2PDROP_ICE_LOOKUP_TIMEOUT,default=5s"`

	// Peer
	ServerURL          string        `env:"P2PDROP_SERVER_URL,default=ws://localhost:8080/ws"`
	AckTimeout         time.Duration `env:"P2PDROP_ACK_TIMEOUT,default=30s"`
	NegotiationTimeout time.Duration `env:"P2PDROP_NEGOTIATION_TIMEOUT,default=30s"`
	OutputDir          string        `env:"P2PDROP_OUTPUT_DIR,default=."`

	LogLevel string `env:"P2PDROP_LOG_LEVEL,default=info"`
}

// ErrInvalid wraps every validation failure returned by Load.
var ErrInvalid = errors.New("invalid configuration")

// Load reads .env (if present) and then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the values that would otherwise fail far from their source.
func (c Config) Validate() error {
	var errs []error
	if c.MaxMessageSize < protocol.MaxRelayedFrame {
		errs = append(errs, fmt.Errorf("%w: max message size %d cannot carry a relayed chunk (need at least %d)",
			ErrInvalid, c.MaxMessageSize, protocol.MaxRelayedFrame))
	}
	if c.SessionIdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("%w: negative session idle timeout", ErrInvalid))
	}
	if c.AckTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: ack timeout must be positive", ErrInvalid))
	}
	if c.NegotiationTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: negotiation timeout must be positive", ErrInvalid))
	}
	return errors.Join(errs...)
}
