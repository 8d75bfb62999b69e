// Package config loads and persists service configuration from YAML
// files.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/nce-project/nce/pkg/kafkautil"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Duration lets YAML carry values like "30s" or "500ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// MongoConfig describes the report database connection.
type MongoConfig struct {
	URI      string `yaml:"uri" validate:"required"`
	DBName   string `yaml:"dbName" validate:"required"`
	CollName string `yaml:"collName" validate:"required"`
}

// GatewayConfig configures the request gateway service.
type GatewayConfig struct {
	Port      string           `yaml:"port" validate:"required"`
	Requests  kafkautil.Config `yaml:"requests" validate:"required"`
	Debug     bool             `yaml:"debug"`
	LogFormat string           `yaml:"logFormat"`
}

// ExecutorConfig configures the device execution service.
type ExecutorConfig struct {
	Requests       kafkautil.Config `yaml:"requests" validate:"required"`
	Reports        kafkautil.Config `yaml:"reports" validate:"required"`
	MaxWorkers     int              `yaml:"maxWorkers"`
	ConnectTimeout Duration         `yaml:"connectTimeout"`
	CommandTimeout Duration         `yaml:"commandTimeout"`
	CommandDelay   Duration         `yaml:"commandDelay"`
	Debug          bool             `yaml:"debug"`
	LogFormat      string           `yaml:"logFormat"`
}

// SinkConfig configures the report sink service.
type SinkConfig struct {
	Reports   kafkautil.Config `yaml:"reports" validate:"required"`
	Mongo     MongoConfig      `yaml:"mongo" validate:"required"`
	Debug     bool             `yaml:"debug"`
	LogFormat string           `yaml:"logFormat"`
}

// Load reads a YAML config file into out and validates it.
func Load(path string, out any) error {
	store := NewFileStore(path)
	if err := store.Load(out); err != nil {
		return err
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	return nil
}
