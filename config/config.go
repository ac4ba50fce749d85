// Package config reads the runtime's settings from the environment the
// Lambda service prepares for a custom runtime.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/gurre/scriptlambda/runtime"
)

// Config is the runtime's settings, one field per environment variable.
type Config struct {
	RuntimeAPI string `mapstructure:"RuntimeAPI" validate:"required,hostname_port"`
	Handler    string `mapstructure:"Handler" validate:"required"`
	TaskRoot   string `mapstructure:"TaskRoot" validate:"required"`
	LogLevel   string `mapstructure:"LogLevel"`

	FunctionName    string `mapstructure:"FunctionName"`
	FunctionVersion string `mapstructure:"FunctionVersion"`
	LogGroupName    string `mapstructure:"LogGroupName"`
	LogStreamName   string `mapstructure:"LogStreamName"`
	MemorySize      int    `mapstructure:"MemorySize" validate:"gte=0"`
}

// binding maps a Config field to its environment variable.
type binding struct {
	key        string
	env        string
	defaultVal any
}

var bindings = []binding{
	{"RuntimeAPI", "AWS_LAMBDA_RUNTIME_API", nil},
	{"Handler", "_HANDLER", nil},
	{"TaskRoot", "LAMBDA_TASK_ROOT", "."},
	{"LogLevel", "AWS_LAMBDA_LOG_LEVEL", "INFO"},
	{"FunctionName", "AWS_LAMBDA_FUNCTION_NAME", nil},
	{"FunctionVersion", "AWS_LAMBDA_FUNCTION_VERSION", nil},
	{"LogGroupName", "AWS_LAMBDA_LOG_GROUP_NAME", nil},
	{"LogStreamName", "AWS_LAMBDA_LOG_STREAM_NAME", nil},
	{"MemorySize", "AWS_LAMBDA_FUNCTION_MEMORY_SIZE", 0},
}

var validate = validator.New()

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	return load(viper.New(), true)
}

// LoadFrom reads the configuration from env instead of the process
// environment. Keys are environment variable names.
func LoadFrom(env map[string]string) (*Config, error) {
	v := viper.New()
	for _, b := range bindings {
		if val, ok := env[b.env]; ok {
			v.Set(b.key, val)
		}
	}
	return load(v, false)
}

func load(v *viper.Viper, fromEnv bool) (*Config, error) {
	for _, b := range bindings {
		if b.defaultVal != nil {
			v.SetDefault(b.key, b.defaultVal)
		}
		if !fromEnv {
			continue
		}
		if err := v.BindEnv(b.key, b.env); err != nil {
			return nil, runtime.Errorf(runtime.ErrorTypeInvalidConfig, "bind %s: %v", b.env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, runtime.Errorf(runtime.ErrorTypeInvalidConfig, "unable to read configuration: %v", err)
	}
	cfg.TaskRoot = strings.TrimSpace(cfg.TaskRoot)
	if cfg.TaskRoot == "" {
		cfg.TaskRoot = "."
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, runtime.NewError(runtime.ErrorTypeInvalidConfig, describe(err))
	}
	return &cfg, nil
}

// describe names the environment variable behind each failed field.
func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		env := fe.Field()
		for _, b := range bindings {
			if b.key == fe.Field() {
				env = b.env
			}
		}
		msgs = append(msgs, fmt.Sprintf("%s failed %q validation", env, fe.Tag()))
	}
	return errors.New("invalid configuration: " + strings.Join(msgs, "; "))
}

// Metadata is the static part of every invocation context.
func (c *Config) Metadata() runtime.FunctionMetadata {
	return runtime.FunctionMetadata{
		FunctionName:    c.FunctionName,
		FunctionVersion: c.FunctionVersion,
		LogGroupName:    c.LogGroupName,
		LogStreamName:   c.LogStreamName,
		MemoryLimitInMB: c.MemorySize,
	}
}
