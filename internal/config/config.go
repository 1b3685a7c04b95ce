package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"streamly/internal/relay"
	"streamly/internal/relay/natsbus"
)

const (
	EngineHertz = "hertz"
	EngineEcho  = "echo"

	envPrefix = "STREAMLY"
)

var ErrUnknownEngine = errors.New("unknown server engine")

type Config struct {
	Server Server `yaml:"server"`
	Relay  Relay  `yaml:"relay"`
	NATS   NATS   `yaml:"nats"`
	CORS   CORS   `yaml:"cors"`
	Log    Log    `yaml:"log"`
}

type Server struct {
	Engine          string        `yaml:"engine" envconfig:"ENGINE"`
	Addr            string        `yaml:"addr" envconfig:"ADDR"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

type Relay struct {
	PingInterval time.Duration `yaml:"pingInterval" envconfig:"PING_INTERVAL"`
	WriteTimeout time.Duration `yaml:"writeTimeout" envconfig:"WRITE_TIMEOUT"`
	MaxFrameSize int           `yaml:"maxFrameSize" envconfig:"MAX_FRAME_SIZE"`
	SendBuffer   int           `yaml:"sendBuffer" envconfig:"SEND_BUFFER"`
	AckJoins     bool          `yaml:"ackJoins" envconfig:"ACK_JOINS"`
}

// NATS is optional; an empty URL runs the relay as a single instance.
type NATS struct {
	URL           string `yaml:"url" envconfig:"URL"`
	SubjectPrefix string `yaml:"subjectPrefix" envconfig:"SUBJECT_PREFIX"`
}

type CORS struct {
	AllowedOrigins []string `yaml:"allowedOrigins" envconfig:"ALLOWED_ORIGINS"`
}

type Log struct {
	Level   string `yaml:"level" envconfig:"LEVEL"`
	Console bool   `yaml:"console" envconfig:"CONSOLE"`
}

func Default() Config {
	relayDefaults := relay.DefaultConfig()
	return Config{
		Server: Server{
			Engine:          EngineHertz,
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Relay: Relay{
			PingInterval: relayDefaults.PingInterval,
			WriteTimeout: relayDefaults.WriteTimeout,
			MaxFrameSize: relayDefaults.MaxFrameSize,
			SendBuffer:   relayDefaults.SendBuffer,
			AckJoins:     relayDefaults.AckJoins,
		},
		NATS: NATS{
			SubjectPrefix: natsbus.DefaultConfig().SubjectPrefix,
		},
		Log: Log{
			Level:   "info",
			Console: true,
		},
	}
}

// Load layers the defaults, the optional YAML file at path and STREAMLY_*
// environment variables, in that order. PORT, when set, replaces the
// listen address.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("process environment: %w", err)
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Addr = ":" + port
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Server.Engine {
	case EngineHertz, EngineEcho:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEngine, c.Server.Engine)
	}
	if c.Server.Addr == "" {
		return errors.New("server address is required")
	}
	return nil
}

func (c Config) RelayConfig() relay.Config {
	rc := relay.DefaultConfig()
	rc.PingInterval = c.Relay.PingInterval
	rc.WriteTimeout = c.Relay.WriteTimeout
	rc.MaxFrameSize = c.Relay.MaxFrameSize
	rc.SendBuffer = c.Relay.SendBuffer
	rc.AckJoins = c.Relay.AckJoins
	return rc
}

func (c Config) NATSConfig() natsbus.Config {
	nc := natsbus.DefaultConfig()
	nc.URL = c.NATS.URL
	if c.NATS.SubjectPrefix != "" {
		nc.SubjectPrefix = c.NATS.SubjectPrefix
	}
	return nc
}
