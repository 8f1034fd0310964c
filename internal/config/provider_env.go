package config

import (
	"context"
	"os"
)

// EnvVarProvider implements SecretProvider against the process environment.
// It is the provider of choice for local development, where secrets come from
// the environment or a .env file instead of SSM.
type EnvVarProvider struct{}

func NewEnvVarProvider() *EnvVarProvider {
	return &EnvVarProvider{}
}

// GetParametersBatch looks up each key as an environment variable. Missing
// keys are omitted from the result rather than reported as errors.
func (p *EnvVarProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	for _, key := range keys {
		if val, ok := os.LookupEnv(key); ok {
			result[key] = val
		}
	}
	return result, nil
}
