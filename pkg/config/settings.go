package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// RedactedConnectionTarget replaces the connection target wherever settings leave the process.
const RedactedConnectionTarget = "*****"

const (
	DefaultIntervalSeconds = 300
	DefaultMaxRetries      = 5
	DefaultStoreType       = "postgres"
	DefaultTxTimeout       = 30 * time.Second
	DefaultSuccessRate     = 0.3
	DefaultHTTPAddr        = "localhost:8080"
	DefaultSettleDelay     = 100 * time.Millisecond
	DefaultMongoDatabase   = "invoices"
	DefaultBrokerExchange  = "invoice-transitions"

	envPrefix = "INVOICE"
)

// ErrInvalid wraps every validation failure returned by Validate.
var ErrInvalid = errors.New("config: invalid settings")

// Settings is the processing configuration. It is replaced as a whole and never mutated in place.
type Settings struct {
	ConnectionTarget string          `mapstructure:"connection_target" validate:"required"`
	StoreType        string          `mapstructure:"store_type" validate:"oneof=postgres pgx sqlite spanner mongo"`
	IntervalSeconds  int             `mapstructure:"interval_seconds" validate:"gt=0"`
	MaxRetries       int             `mapstructure:"max_retries" validate:"gte=0"`
	TxTimeout        time.Duration   `mapstructure:"tx_timeout" validate:"gte=0"`
	SuccessRate      float64         `mapstructure:"success_rate" validate:"gte=0,lte=1"`
	Mongo            MongoSettings   `mapstructure:"mongo"`
	HTTP             HTTPSettings    `mapstructure:"http"`
	Watcher          WatcherSettings `mapstructure:"watcher"`
	Broker           BrokerSettings  `mapstructure:"broker"`
	Observability    Observability   `mapstructure:"observability"`
}

type MongoSettings struct {
	Database string `mapstructure:"database"`
}

type HTTPSettings struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

type WatcherSettings struct {
	SettleDelay time.Duration `mapstructure:"settle_delay" validate:"gte=0"`
}

// SanitizedSettings is the externally visible view of Settings.
type SanitizedSettings struct {
	ConnectionTarget string `json:"connection_target"`
	IntervalSeconds  int    `json:"interval_seconds"`
	MaxRetries       int    `json:"max_retries"`
}

// Interval is the period between two cycle starts.
func (c Settings) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Sanitized returns the settings with the connection target redacted.
func (c Settings) Sanitized() SanitizedSettings {
	return SanitizedSettings{
		ConnectionTarget: RedactedConnectionTarget,
		IntervalSeconds:  c.IntervalSeconds,
		MaxRetries:       c.MaxRetries,
	}
}

func (c *Settings) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// LoadFromFile reads settings from filePath, applies defaults and INVOICE_* environment
// overrides, and validates the result. The format is inferred from the file extension.
func LoadFromFile(filePath string) (*Settings, error) {
	v := newViper()
	v.SetConfigFile(filePath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", filePath, err)
	}
	return unmarshal(v)
}

// LoadFromEnv builds settings from defaults and INVOICE_* environment variables only.
func LoadFromEnv() (*Settings, error) {
	return unmarshal(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like INVOICE_BROKER_URL
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper already knows about
	v.BindEnv("connection_target")
	v.BindEnv("broker.exchange")
	v.BindEnv("broker.topic")
	v.BindEnv("broker.project_id")
	v.BindEnv("broker.url")
	v.BindEnv("broker.type")
	v.BindEnv("observability.service_name")
	v.BindEnv("observability.tracing_url")
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store_type", DefaultStoreType)
	v.SetDefault("interval_seconds", DefaultIntervalSeconds)
	v.SetDefault("max_retries", DefaultMaxRetries)
	v.SetDefault("tx_timeout", DefaultTxTimeout)
	v.SetDefault("success_rate", DefaultSuccessRate)
	v.SetDefault("mongo.database", DefaultMongoDatabase)
	v.SetDefault("http.addr", DefaultHTTPAddr)
	v.SetDefault("watcher.settle_delay", DefaultSettleDelay)
	v.SetDefault("broker.exchange", DefaultBrokerExchange)
	v.SetDefault("observability.service_name", "invoice-processor")
}

func unmarshal(v *viper.Viper) (*Settings, error) {
	cfg := &Settings{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
