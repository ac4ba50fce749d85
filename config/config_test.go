package config

import (
	"errors"
	"strings"
	"testing"

	"github.com/gurre/scriptlambda/runtime"
)

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("AWS_LAMBDA_RUNTIME_API", "127.0.0.1:9001")
	t.Setenv("_HANDLER", "app.handler")
	t.Setenv("LAMBDA_TASK_ROOT", "/var/task")
	t.Setenv("AWS_LAMBDA_FUNCTION_NAME", "test-function")
	t.Setenv("AWS_LAMBDA_FUNCTION_VERSION", "$LATEST")
	t.Setenv("AWS_LAMBDA_LOG_GROUP_NAME", "/aws/lambda/test-function")
	t.Setenv("AWS_LAMBDA_LOG_STREAM_NAME", "2024/01/01/[$LATEST]abc")
	t.Setenv("AWS_LAMBDA_FUNCTION_MEMORY_SIZE", "512")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RuntimeAPI != "127.0.0.1:9001" || cfg.Handler != "app.handler" || cfg.TaskRoot != "/var/task" {
		t.Errorf("unexpected core settings: %+v", cfg)
	}
	if cfg.LogLevel != "INFO" {
		t.Errorf("expected default log level INFO, got %q", cfg.LogLevel)
	}

	want := runtime.FunctionMetadata{
		FunctionName:    "test-function",
		FunctionVersion: "$LATEST",
		LogGroupName:    "/aws/lambda/test-function",
		LogStreamName:   "2024/01/01/[$LATEST]abc",
		MemoryLimitInMB: 512,
	}
	if got := cfg.Metadata(); got != want {
		t.Errorf("Metadata() = %+v, want %+v", got, want)
	}
}

func TestLoadFromMapDefaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"AWS_LAMBDA_RUNTIME_API": "localhost:9001",
		"_HANDLER":               "index.handler",
	})
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.TaskRoot != "." {
		t.Errorf("expected task root to default to '.', got %q", cfg.TaskRoot)
	}
	if cfg.MemorySize != 0 {
		t.Errorf("expected memory size 0 when unset, got %d", cfg.MemorySize)
	}
}

func TestLoadRejectsMissingRequiredSettings(t *testing.T) {
	_, err := LoadFrom(map[string]string{"_HANDLER": "app.handler"})
	var rerr *runtime.Error
	if !errors.As(err, &rerr) || rerr.Type != runtime.ErrorTypeInvalidConfig {
		t.Fatalf("expected %s, got %v", runtime.ErrorTypeInvalidConfig, err)
	}
	if !strings.Contains(err.Error(), "AWS_LAMBDA_RUNTIME_API") {
		t.Errorf("error should name the missing variable, got %v", err)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []map[string]string{
		{"AWS_LAMBDA_RUNTIME_API": "not an address", "_HANDLER": "app.handler"},
		{"AWS_LAMBDA_RUNTIME_API": "127.0.0.1:9001", "_HANDLER": "app.handler", "AWS_LAMBDA_FUNCTION_MEMORY_SIZE": "lots"},
		{"AWS_LAMBDA_RUNTIME_API": "127.0.0.1:9001", "_HANDLER": "app.handler", "AWS_LAMBDA_FUNCTION_MEMORY_SIZE": "-1"},
	}
	for _, env := range cases {
		if _, err := LoadFrom(env); err == nil {
			t.Errorf("expected an error for %v", env)
		}
	}
}
