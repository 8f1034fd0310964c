package awsclient

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/arn"
	"github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi"

	"opsrunner/internal/types"
)

// taggingAPI is the Resource Groups Tagging API slice the describer calls.
type taggingAPI interface {
	GetResources(ctx context.Context, params *resourcegroupstaggingapi.GetResourcesInput, optFns ...func(*resourcegroupstaggingapi.Options)) (*resourcegroupstaggingapi.GetResourcesOutput, error)
}

// TagDescriber lists candidate resources through the Resource Groups Tagging
// API. Cross-account listings run under assumed-role credentials minted by
// the session factory; tag matching stays with the caller, which sees every
// tag the API returns.
type TagDescriber struct {
	sessions *SessionFactory
	invoker  *Invoker[*resourcegroupstaggingapi.GetResourcesOutput]
	logger   *slog.Logger

	// newClient is swapped in tests.
	newClient func(aws.Config) taggingAPI
}

// NewTagDescriber creates a describer that mints per-role clients from the
// given session factory.
func NewTagDescriber(sessions *SessionFactory, logger *slog.Logger) *TagDescriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &TagDescriber{
		sessions: sessions,
		invoker: NewInvoker[*resourcegroupstaggingapi.GetResourcesOutput]("tag-describer",
			DefaultRetryPolicy(),
			WithLogger[*resourcegroupstaggingapi.GetResourcesOutput](logger),
		),
		logger: logger,
		newClient: func(cfg aws.Config) taggingAPI {
			return resourcegroupstaggingapi.NewFromConfig(cfg)
		},
	}
}

// Describe lists all tagged resources of service/resourceType visible to the
// role in the given region. Pagination is followed to the end; resources
// whose ARN cannot be parsed are logged and skipped.
func (d *TagDescriber) Describe(ctx context.Context, roleArn, region, service, resourceType string) ([]types.Resource, error) {
	cfg := d.sessions.ForRole(roleArn, region)
	client := d.newClient(cfg)

	filter := service
	if resourceType != "" {
		filter = service + ":" + resourceType
	}

	var resources []types.Resource
	var token *string
	for {
		out, err := d.invoker.Do(ctx, "Tagging.GetResources", func(ctx context.Context) (*resourcegroupstaggingapi.GetResourcesOutput, error) {
			return client.GetResources(ctx, &resourcegroupstaggingapi.GetResourcesInput{
				ResourceTypeFilters: []string{filter},
				PaginationToken:     token,
			})
		})
		if err != nil {
			return nil, fmt.Errorf("awsclient: list %s resources in %s: %w", filter, cfg.Region, err)
		}

		for _, mapping := range out.ResourceTagMappingList {
			parsed, err := arn.Parse(aws.ToString(mapping.ResourceARN))
			if err != nil {
				d.logger.WarnContext(ctx, "skipping resource with unparseable ARN",
					"arn", aws.ToString(mapping.ResourceARN),
					"error", err,
				)
				continue
			}
			tags := make(map[string]string, len(mapping.Tags))
			for _, tag := range mapping.Tags {
				tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
			}
			resourceRegion := parsed.Region
			if resourceRegion == "" {
				// Global services carry no region in their ARNs.
				resourceRegion = cfg.Region
			}
			resources = append(resources, types.Resource{
				ID:      resourceID(parsed.Resource),
				Type:    resourceType,
				Account: parsed.AccountID,
				Region:  resourceRegion,
				Tags:    tags,
			})
		}

		token = out.PaginationToken
		if aws.ToString(token) == "" {
			return resources, nil
		}
	}
}

// resourceID strips the type prefix from an ARN's resource portion, e.g.
// "instance/i-0abc" becomes "i-0abc".
func resourceID(resource string) string {
	if i := strings.LastIndexAny(resource, "/:"); i >= 0 {
		return resource[i+1:]
	}
	return resource
}
