package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config represents the configuration for initsync.
type Config struct {
	ID         string           `mapstructure:"id"         json:"id"         validate:"required"`
	LogLevel   string           `mapstructure:"log_level"  json:"log_level"  validate:"omitempty,oneof=trace debug info warn error fatal panic"`
	LogFile    string           `mapstructure:"log_file"   json:"log_file"`
	SyncSource SyncSourceConfig `mapstructure:"sync_source" json:"sync_source"`
	Local      LocalConfig      `mapstructure:"local"      json:"local"`
	Clone      CloneConfig      `mapstructure:"clone"      json:"clone"`
	Postgres   Postgres         `mapstructure:"postgres"   json:"postgres"`
}

// SyncSourceConfig describes the peer the node copies its data from.
type SyncSourceConfig struct {
	Address        string        `mapstructure:"address"         json:"address"         validate:"required,hostname_port"`
	Username       string        `mapstructure:"username"        json:"username"        validate:"required_with=Password"`
	Password       string        `mapstructure:"password"        json:"-"               validate:"required_with=Username"`
	AuthSource     string        `mapstructure:"auth_source"     json:"auth_source"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" json:"connect_timeout" validate:"gte=0"`
}

// LocalConfig points at the node being initialised.
type LocalConfig struct {
	URI string `mapstructure:"uri" json:"uri" validate:"required,uri"`
}

type CloneConfig struct {
	BatchSize              int           `mapstructure:"batch_size"               json:"batch_size"               validate:"gt=0,lte=2147483647"`
	CollectionConcurrency  int           `mapstructure:"collection_concurrency"   json:"collection_concurrency"   validate:"gt=0"`
	StageMaxRetries        uint          `mapstructure:"stage_max_retries"        json:"stage_max_retries"`
	StageMaxElapsed        time.Duration `mapstructure:"stage_max_elapsed"        json:"stage_max_elapsed"        validate:"gte=0"`
	AdminValidationTimeout time.Duration `mapstructure:"admin_validation_timeout" json:"admin_validation_timeout" validate:"gt=0"`
}

type Postgres struct {
	Address        string `mapstructure:"address"        json:"address"        validate:"required,hostname_rfc1123|ip"`
	Port           int    `mapstructure:"port"           json:"port"           validate:"required,gt=0,lt=65536"`
	Username       string `mapstructure:"username"       json:"username"       validate:"required"`
	Password       string `mapstructure:"password"       json:"-"              validate:"required"`
	DBName         string `mapstructure:"db_name"        json:"db_name"        validate:"required"`
	SSLMode        string `mapstructure:"ssl_mode"       json:"ssl_mode"       validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`
	MaxConnections int    `mapstructure:"max_connection" json:"max_connection" validate:"gte=0"`
}

//nolint:mnd
func setDefaults() {
	viper.SetDefault("log_level", "info")
	viper.SetDefault("sync_source.auth_source", "admin")
	viper.SetDefault("sync_source.connect_timeout", 10*time.Second)
	viper.SetDefault("clone.batch_size", 1000)
	viper.SetDefault("clone.collection_concurrency", 4)
	viper.SetDefault("clone.stage_max_retries", 3)
	viper.SetDefault("clone.stage_max_elapsed", 2*time.Minute)
	viper.SetDefault("clone.admin_validation_timeout", 30*time.Second)
	viper.SetDefault("postgres.ssl_mode", "disable")
	viper.SetDefault("postgres.max_connection", 10)
}

// NewConfig decodes the configuration currently loaded in viper and validates it.
func NewConfig() (*Config, error) {
	setDefaults()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validateConfig(cfg *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())

	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return fmt.Errorf("failed to validate configuration: %w", err)
	}

	messages := make([]string, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		messages = append(messages, describeFieldError(fieldErr))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(messages, ", "))
}

func describeFieldError(fe validator.FieldError) string {
	field := fe.Namespace()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "required_with":
		return fmt.Sprintf("%s is required when %s is set", field, fe.Param())
	case "hostname_port":
		return field + " must be a valid host:port address"
	case "hostname_rfc1123|ip":
		return field + " must be a valid hostname or IP address"
	case "uri":
		return field + " must be a valid URI"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", field, fe.Param())
	case "lt":
		return fmt.Sprintf("%s must be less than %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed on the '%s' validation", field, fe.Tag())
	}
}
