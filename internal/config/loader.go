package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Error is the diagnostic error type returned by Load.
type Error struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ssmParamSuffix marks environment variables that point at an SSM parameter
// path instead of carrying the value directly. For example
// ROLE_EXTERNAL_ID_SSM_PARAM names the SSM path holding ROLE_EXTERNAL_ID.
const ssmParamSuffix = "_SSM_PARAM"

// localEnv is the APP_ENV value that bypasses SSM resolution.
const localEnv = "local"

// loaderDeps holds the injectable environment accessors so tests can run
// without mutating process state.
type loaderDeps struct {
	lookupEnv func(key string) (string, bool)
	setEnv    func(key, value string) error
	environ   func() []string
}

func defaultDeps() loaderDeps {
	return loaderDeps{
		lookupEnv: os.LookupEnv,
		setEnv:    os.Setenv,
		environ:   os.Environ,
	}
}

// Load loads and validates the configuration.
//
// Steps, in order: force the process timezone to UTC, load a .env file if one
// exists, resolve *_SSM_PARAM pointers through the provider (skipped when
// APP_ENV is "local"), populate the Config struct from the environment,
// attach build metadata and validate the result.
//
// The provider may be nil for local development; non-local environments with
// SSM pointers present require one.
func Load(provider SecretProvider) (*Config, error) {
	return loadWithDeps(provider, defaultDeps())
}

func loadWithDeps(provider SecretProvider, deps loaderDeps) (*Config, error) {
	// Scheduling math assumes UTC unless a task carries its own timezone.
	time.Local = time.UTC

	// Non-fatal if absent; does not override existing variables.
	_ = godotenv.Load()

	appEnv, _ := deps.lookupEnv("APP_ENV")
	if appEnv != localEnv {
		if err := resolveSSMParams(provider, deps); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &Error{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	cfg.Build = NewBuildInfo()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, &Error{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	return &cfg, nil
}

// resolveSSMParams scans the environment for *_SSM_PARAM variables, fetches
// the referenced parameters in one batch and injects the values back into the
// environment under the stripped names, so envconfig picks them up. A target
// variable that is already set wins over its SSM pointer.
func resolveSSMParams(provider SecretProvider, deps loaderDeps) error {
	type binding struct {
		target  string // e.g. ROLE_EXTERNAL_ID
		ssmPath string // e.g. /prod/opsrunner/role-external-id
	}

	var bindings []binding
	pathToTarget := make(map[string]string)

	for _, entry := range deps.environ() {
		eq := strings.IndexByte(entry, '=')
		if eq < 0 {
			continue
		}
		key := entry[:eq]
		if !strings.HasSuffix(key, ssmParamSuffix) {
			continue
		}

		target := strings.TrimSuffix(key, ssmParamSuffix)
		if _, exists := deps.lookupEnv(target); exists {
			continue
		}
		path := entry[eq+1:]
		if path == "" {
			continue
		}

		bindings = append(bindings, binding{target: target, ssmPath: path})
		pathToTarget[path] = target
	}

	if len(bindings) == 0 {
		return nil
	}

	if provider == nil {
		targets := make([]string, 0, len(bindings))
		for _, b := range bindings {
			targets = append(targets, b.target)
		}
		return &Error{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("secret provider is required to resolve: %s", strings.Join(targets, ", ")),
		}
	}

	paths := make([]string, 0, len(bindings))
	for _, b := range bindings {
		paths = append(paths, b.ssmPath)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resolved, err := provider.GetParametersBatch(ctx, paths)
	if err != nil {
		return &Error{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("failed to resolve %d SSM parameters", len(paths)),
			Err:     err,
		}
	}

	for path, value := range resolved {
		target, ok := pathToTarget[path]
		if !ok {
			continue
		}
		if err := deps.setEnv(target, value); err != nil {
			return &Error{
				Type:    ErrSSMResolution,
				Message: fmt.Sprintf("failed to set resolved value for %s", target),
				Err:     err,
			}
		}
	}

	var missing []string
	for _, b := range bindings {
		if _, ok := resolved[b.ssmPath]; !ok {
			missing = append(missing, b.target)
		}
	}
	if len(missing) > 0 {
		return &Error{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SSM parameters not found for: %s", strings.Join(missing, ", ")),
		}
	}

	return nil
}
