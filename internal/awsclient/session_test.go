package awsclient

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"

	"opsrunner/internal/types"
)

const testRoleArn = "arn:aws:iam::222233334444:role/OpsRunnerRole"

func testFactory() *SessionFactory {
	return &SessionFactory{
		base:       aws.Config{Region: "eu-west-1"},
		externalID: types.SecretString("ext-123"),
		cache:      map[string]aws.Config{},
	}
}

// --- SessionFactory Tests ---

func TestNewSessionFactory(t *testing.T) {
	f, err := NewSessionFactory(context.Background(), "eu-central-1", "http://localhost:4566", "")
	if err != nil {
		t.Fatalf("NewSessionFactory: %v", err)
	}
	if got := f.Base().Region; got != "eu-central-1" {
		t.Fatalf("region = %q", got)
	}
	if got := aws.ToString(f.Base().BaseEndpoint); got != "http://localhost:4566" {
		t.Fatalf("endpoint = %q", got)
	}
}

func TestForRoleEmptyRoleAdjustsRegion(t *testing.T) {
	f := testFactory()
	cfg := f.ForRole("", "us-east-2")
	if cfg.Region != "us-east-2" {
		t.Fatalf("region = %q", cfg.Region)
	}
	if len(f.cache) != 0 {
		t.Fatal("base configs must not be cached")
	}
}

func TestForRoleEmptyRegionKeepsBaseRegion(t *testing.T) {
	f := testFactory()
	if cfg := f.ForRole("", ""); cfg.Region != "eu-west-1" {
		t.Fatalf("region = %q", cfg.Region)
	}
}

func TestForRoleMintsAssumedCredentials(t *testing.T) {
	f := testFactory()
	cfg := f.ForRole(testRoleArn, "us-west-2")
	if cfg.Region != "us-west-2" {
		t.Fatalf("region = %q", cfg.Region)
	}
	if _, ok := cfg.Credentials.(*aws.CredentialsCache); !ok {
		t.Fatalf("credentials = %T, want a credentials cache", cfg.Credentials)
	}
}

func TestForRoleCachesPerRoleAndRegion(t *testing.T) {
	f := testFactory()
	first := f.ForRole(testRoleArn, "us-west-2")
	second := f.ForRole(testRoleArn, "us-west-2")
	if first.Credentials != second.Credentials {
		t.Fatal("repeated lookups must reuse the cached credentials")
	}
	f.ForRole(testRoleArn, "eu-central-1")
	if len(f.cache) != 2 {
		t.Fatalf("cache entries = %d, want one per role/region pair", len(f.cache))
	}
}
