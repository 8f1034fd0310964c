package awsclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"opsrunner/internal/types"
)

// SessionFactory hands out aws.Config values for the local account and for
// roles assumed in other accounts. Assumed-role configs are cached per
// role/region pair so repeated task executions against the same account do
// not re-issue STS calls on every dispatch.
type SessionFactory struct {
	base       aws.Config
	externalID types.SecretString

	mu    sync.Mutex
	cache map[string]aws.Config
}

// NewSessionFactory loads the default AWS config for the given region.
// endpointURL, when non-empty, overrides the resolved endpoints for local
// testing against LocalStack.
func NewSessionFactory(ctx context.Context, region, endpointURL string, externalID types.SecretString) (*SessionFactory, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if endpointURL != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(endpointURL))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config (region=%s): %w", region, err)
	}

	return &SessionFactory{
		base:       cfg,
		externalID: externalID,
		cache:      make(map[string]aws.Config),
	}, nil
}

// Base returns the config for the account the service runs in.
func (f *SessionFactory) Base() aws.Config {
	return f.base
}

// ForRole returns a config whose credentials come from assuming roleArn in
// the given region. An empty roleArn returns the base config with only the
// region adjusted.
func (f *SessionFactory) ForRole(roleArn, region string) aws.Config {
	if region == "" {
		region = f.base.Region
	}
	if roleArn == "" {
		cfg := f.base.Copy()
		cfg.Region = region
		return cfg
	}

	key := roleArn + "|" + region
	f.mu.Lock()
	defer f.mu.Unlock()
	if cfg, ok := f.cache[key]; ok {
		return cfg
	}

	stsClient := sts.NewFromConfig(f.base)
	provider := stscreds.NewAssumeRoleProvider(stsClient, roleArn, func(o *stscreds.AssumeRoleOptions) {
		o.RoleSessionName = "opsrunner"
		if f.externalID.Unmask() != "" {
			o.ExternalID = aws.String(f.externalID.Unmask())
		}
	})

	cfg := f.base.Copy()
	cfg.Region = region
	cfg.Credentials = aws.NewCredentialsCache(provider)
	f.cache[key] = cfg
	return cfg
}
