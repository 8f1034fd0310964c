package awsclient

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi"
	rgtatypes "github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi/types"
)

type fakeTagging struct {
	pages  []*resourcegroupstaggingapi.GetResourcesOutput
	inputs []*resourcegroupstaggingapi.GetResourcesInput
	err    error
}

func (f *fakeTagging) GetResources(_ context.Context, in *resourcegroupstaggingapi.GetResourcesInput, _ ...func(*resourcegroupstaggingapi.Options)) (*resourcegroupstaggingapi.GetResourcesOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return f.pages[len(f.inputs)-1], nil
}

func tagMapping(resourceARN string, tags map[string]string) rgtatypes.ResourceTagMapping {
	m := rgtatypes.ResourceTagMapping{ResourceARN: aws.String(resourceARN)}
	for k, v := range tags {
		m.Tags = append(m.Tags, rgtatypes.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return m
}

// newTestDescriber wires a describer around fake, recording the config each
// minted client was built from.
func newTestDescriber(fake *fakeTagging) (*TagDescriber, *[]aws.Config) {
	d := NewTagDescriber(testFactory(), slog.New(slog.DiscardHandler))
	var cfgs []aws.Config
	d.newClient = func(cfg aws.Config) taggingAPI {
		cfgs = append(cfgs, cfg)
		return fake
	}
	return d, &cfgs
}

// --- TagDescriber Tests ---

func TestDescribeMapsARNFields(t *testing.T) {
	fake := &fakeTagging{pages: []*resourcegroupstaggingapi.GetResourcesOutput{{
		ResourceTagMappingList: []rgtatypes.ResourceTagMapping{
			tagMapping("arn:aws:ec2:eu-west-1:111122223333:instance/i-0abc", map[string]string{"Name": "dev-box"}),
		},
	}}}
	d, _ := newTestDescriber(fake)

	resources, err := d.Describe(context.Background(), "", "", "ec2", "instance")
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if len(resources) != 1 {
		t.Fatalf("resources = %d", len(resources))
	}
	r := resources[0]
	if r.ID != "i-0abc" || r.Account != "111122223333" || r.Region != "eu-west-1" || r.Type != "instance" {
		t.Fatalf("resource = %+v", r)
	}
	if r.Tags["Name"] != "dev-box" {
		t.Fatalf("tags = %v", r.Tags)
	}
	if got := fake.inputs[0].ResourceTypeFilters; len(got) != 1 || got[0] != "ec2:instance" {
		t.Fatalf("type filters = %v", got)
	}
}

func TestDescribeFollowsPagination(t *testing.T) {
	fake := &fakeTagging{pages: []*resourcegroupstaggingapi.GetResourcesOutput{
		{
			PaginationToken: aws.String("page-2"),
			ResourceTagMappingList: []rgtatypes.ResourceTagMapping{
				tagMapping("arn:aws:ec2:eu-west-1:111122223333:snapshot/snap-1", nil),
			},
		},
		{
			ResourceTagMappingList: []rgtatypes.ResourceTagMapping{
				tagMapping("arn:aws:ec2:eu-west-1:111122223333:snapshot/snap-2", nil),
			},
		},
	}}
	d, _ := newTestDescriber(fake)

	resources, err := d.Describe(context.Background(), "", "", "ec2", "snapshot")
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if len(resources) != 2 {
		t.Fatalf("resources = %d, want both pages", len(resources))
	}
	if got := aws.ToString(fake.inputs[1].PaginationToken); got != "page-2" {
		t.Fatalf("second call token = %q", got)
	}
}

func TestDescribeGlobalResourceFallsBackToSessionRegion(t *testing.T) {
	fake := &fakeTagging{pages: []*resourcegroupstaggingapi.GetResourcesOutput{{
		ResourceTagMappingList: []rgtatypes.ResourceTagMapping{
			tagMapping("arn:aws:s3:::nightly-backups", nil),
		},
	}}}
	d, _ := newTestDescriber(fake)

	resources, err := d.Describe(context.Background(), "", "", "s3", "")
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if resources[0].ID != "nightly-backups" {
		t.Fatalf("id = %q", resources[0].ID)
	}
	if resources[0].Region != "eu-west-1" {
		t.Fatalf("region = %q, want the session region", resources[0].Region)
	}
	if got := fake.inputs[0].ResourceTypeFilters[0]; got != "s3" {
		t.Fatalf("type filter = %q", got)
	}
}

func TestDescribeSkipsUnparseableARN(t *testing.T) {
	fake := &fakeTagging{pages: []*resourcegroupstaggingapi.GetResourcesOutput{{
		ResourceTagMappingList: []rgtatypes.ResourceTagMapping{
			tagMapping("not-an-arn", nil),
			tagMapping("arn:aws:ec2:eu-west-1:111122223333:instance/i-0abc", nil),
		},
	}}}
	d, _ := newTestDescriber(fake)

	resources, err := d.Describe(context.Background(), "", "", "ec2", "instance")
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if len(resources) != 1 || resources[0].ID != "i-0abc" {
		t.Fatalf("resources = %+v", resources)
	}
}

func TestDescribeUsesRoleSession(t *testing.T) {
	fake := &fakeTagging{pages: []*resourcegroupstaggingapi.GetResourcesOutput{{}}}
	d, cfgs := newTestDescriber(fake)

	if _, err := d.Describe(context.Background(), testRoleArn, "us-west-2", "ec2", "instance"); err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if len(*cfgs) != 1 {
		t.Fatalf("clients minted = %d", len(*cfgs))
	}
	cfg := (*cfgs)[0]
	if cfg.Region != "us-west-2" {
		t.Fatalf("client region = %q", cfg.Region)
	}
	if _, ok := cfg.Credentials.(*aws.CredentialsCache); !ok {
		t.Fatalf("credentials = %T, want assumed-role credentials", cfg.Credentials)
	}
}

func TestDescribeListError(t *testing.T) {
	fake := &fakeTagging{err: errors.New("access denied")}
	d, _ := newTestDescriber(fake)

	if _, err := d.Describe(context.Background(), "", "", "ec2", "instance"); err == nil {
		t.Fatal("expected error from a failing listing")
	}
}
