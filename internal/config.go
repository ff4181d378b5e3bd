package internal

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type Config struct {
	LogLevel  string `env:"LOG_LEVEL,default=INFO" validate:"oneof=DEBUG INFO WARN ERROR"`
	Host      string `env:"HOST,default=0.0.0.0" validate:"required"`
	HTTPPort  int    `env:"HTTP_PORT,default=8000" validate:"min=1,max=65535"`
	GRPCPort  int    `env:"GRPC_PORT,default=8001" validate:"min=1,max=65535"`
	DebugPort int    `env:"DEBUG_PORT,default=8081" validate:"min=1,max=65535"`

	ConnectionBufferSize int           `env:"CONNECTION_BUFFER_SIZE,default=64" validate:"min=1"`
	SinkTimeout          time.Duration `env:"SINK_TIMEOUT,default=2s" validate:"gt=0"`
	MaxMessageSize       int64         `env:"MAX_MESSAGE_SIZE,default=65536" validate:"min=1"`
	EchoToSender         bool          `env:"ECHO_TO_SENDER,default=true"`
	AllowedOrigins       string        `env:"ALLOWED_ORIGINS,default=*"`

	BroadcastBackend string `env:"BROADCAST_BACKEND,default=memory" validate:"oneof=memory redis"`
	RedisAddr        string `env:"REDIS_ADDR,default=localhost:6379" validate:"required,hostname_port"`
	RedisDB          int    `env:"REDIS_DB,default=0" validate:"min=0"`

	ModerationDictionaryDir        string `env:"MODERATION_DICTIONARY_DIR"`
	ModerationCharacterReplacement string `env:"MODERATION_CHARACTER_REPLACEMENT,default=*"`

	RestartInterval   time.Duration `env:"RESTART_INTERVAL,default=1s" validate:"gt=0"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL,default=30s" validate:"gt=0"`
}

// LoadConfig reads the optional .env files then the environment, and validates the result.
func LoadConfig(dotenvFiles ...string) (Config, error) {
	// A missing .env is fine, the environment alone is enough
	_ = godotenv.Load(dotenvFiles...)

	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := CharacterRune(c.ModerationCharacterReplacement); err != nil {
		return err
	}
	return nil
}

// OriginPatterns splits ALLOWED_ORIGINS, a comma separated list of host patterns.
func (c Config) OriginPatterns() []string {
	var patterns []string
	for _, origin := range strings.Split(c.AllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			patterns = append(patterns, origin)
		}
	}
	return patterns
}

func (c Config) HTTPAddress() string  { return fmt.Sprintf("%s:%d", c.Host, c.HTTPPort) }
func (c Config) GRPCAddress() string  { return fmt.Sprintf("%s:%d", c.Host, c.GRPCPort) }
func (c Config) DebugAddress() string { return fmt.Sprintf("%s:%d", c.Host, c.DebugPort) }

func CharacterRune(str string) (rune, error) {
	r := []rune(str)
	if len(r) != 1 {
		return 0, fmt.Errorf(
			"MODERATION_CHARACTER_REPLACEMENT must be a single character, got %q",
			str,
		)
	}
	return r[0], nil
}
