package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/murmurhq/feedcore/internal/logger"
)

//go:embed defaults.yaml
var defaultYAML []byte

// Version is set at runtime from build information.
var Version = "dev"

var validate = validator.New()

// Config holds every sub-config.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging" validate:"required"`
	Metrics MetricsConfig `mapstructure:"metrics" validate:"required"`
	Relays  RelaysConfig  `mapstructure:"relays"  validate:"required"`
	Pool    PoolConfig    `mapstructure:"pool"    validate:"required"`
	Cache   CacheConfig   `mapstructure:"cache"   validate:"required"`
	Ranking RankingConfig `mapstructure:"ranking" validate:"required"`
}

func init() {
	registerCustomValidators()
}

func registerCustomValidators() {
	// Relay URLs must be websocket endpoints.
	if err := validate.RegisterValidation("relay_url", func(fl validator.FieldLevel) bool {
		raw := fl.Field().String()
		if raw == "" {
			return true // optional fields validate emptiness separately
		}
		parsed, err := url.Parse(raw)
		if err != nil {
			return false
		}
		return (parsed.Scheme == "ws" || parsed.Scheme == "wss") && parsed.Host != ""
	}); err != nil {
		logger.Error("Failed to register relay_url validator", zap.Error(err))
	}

	// 64-character hex public key.
	if err := validate.RegisterValidation("pubkey", func(fl validator.FieldLevel) bool {
		key := fl.Field().String()
		if key == "" {
			return true
		}
		matched, _ := regexp.MatchString(`^[a-fA-F0-9]{64}$`, key)
		return matched
	}); err != nil {
		logger.Error("Failed to register pubkey validator", zap.Error(err))
	}

	// Durations between 1ms and 24h.
	if err := validate.RegisterValidation("reasonable_duration", func(fl validator.FieldLevel) bool {
		duration := fl.Field().Interface().(time.Duration)
		return duration >= time.Millisecond && duration <= 24*time.Hour
	}); err != nil {
		logger.Error("Failed to register reasonable_duration validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("log_level", func(fl validator.FieldLevel) bool {
		level := fl.Field().String()
		for _, valid := range []string{"debug", "info", "warn", "error", "fatal"} {
			if level == valid {
				return true
			}
		}
		return false
	}); err != nil {
		logger.Error("Failed to register log_level validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("log_format", func(fl validator.FieldLevel) bool {
		format := fl.Field().String()
		return format == "console" || format == "json"
	}); err != nil {
		logger.Error("Failed to register log_format validator", zap.Error(err))
	}

	// Fractions in [0,1].
	if err := validate.RegisterValidation("ratio", func(fl validator.FieldLevel) bool {
		v := fl.Field().Float()
		return v >= 0 && v <= 1
	}); err != nil {
		logger.Error("Failed to register ratio validator", zap.Error(err))
	}
}

// SetVersion sets the version from build information.
func SetVersion(v string) {
	Version = v
}

// Load merges defaults → file (optional) → env vars, validates, and returns cfg.
func Load(path string, log *zap.Logger) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("FEEDCORE") // FEEDCORE_POOL_MAX_CONCURRENT_QUERIES
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 1. defaults.yaml (embedded)
	if err := v.ReadConfig(bytes.NewReader(defaultYAML)); err != nil {
		return nil, fmt.Errorf("read defaults: %w", err)
	}

	// 2. optional user file
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.MergeInConfig(); err == nil && log != nil {
			log.Info("Loaded config.yaml from current directory")
		}
	}

	// 3. env already merged by AutomaticEnv()

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, formatValidationError(err)
	}

	if err := initializeLogger(cfg.Logging); err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	if log != nil {
		log.Info("configuration loaded", zap.String("version", Version))
	}
	return &cfg, nil
}

func initializeLogger(loggingConfig LoggingConfig) error {
	return logger.Init(
		logger.WithLevel(loggingConfig.Level),
		logger.WithFormat(loggingConfig.Format),
		logger.WithFile(loggingConfig.FilePath),
		logger.WithVersion(Version),
		logger.WithComponent("feedcore"),
		logger.WithRotation(loggingConfig.MaxSize, loggingConfig.MaxBackups, loggingConfig.MaxAge),
	)
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	var sb strings.Builder
	sb.WriteString("invalid configuration:")
	for _, fe := range verrs {
		fmt.Fprintf(&sb, " %s (%s);", fe.Namespace(), fe.Tag())
	}
	return fmt.Errorf("%s", strings.TrimSuffix(sb.String(), ";"))
}
