package cloud

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	batchtypes "github.com/aws/aws-sdk-go-v2/service/batch/types"

	"github.com/cloudknot-io/cloudknot/internal/backoff"
)

// computeEnvironmentsUsingGroup returns the ARNs of compute environments
// whose compute resources reference the given security group, paginating the
// listing until exhausted.
func computeEnvironmentsUsingGroup(ctx context.Context, g *Gateway, groupID string) ([]string, error) {
	var arns []string
	p := batch.NewDescribeComputeEnvironmentsPaginator(g.Batch, &batch.DescribeComputeEnvironmentsInput{})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list compute environments: %w", err)
		}
		for _, ce := range page.ComputeEnvironments {
			if ce.ComputeResources == nil {
				continue
			}
			for _, id := range ce.ComputeResources.SecurityGroupIds {
				if id == groupID {
					arns = append(arns, aws.ToString(ce.ComputeEnvironmentArn))
					break
				}
			}
		}
	}
	return arns, nil
}

// computeEnvironmentsUsingRole returns the compute environments whose service
// role is the given ARN.
func computeEnvironmentsUsingRole(ctx context.Context, g *Gateway, roleARN string) ([]batchtypes.ComputeEnvironmentDetail, error) {
	var envs []batchtypes.ComputeEnvironmentDetail
	p := batch.NewDescribeComputeEnvironmentsPaginator(g.Batch, &batch.DescribeComputeEnvironmentsInput{})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list compute environments: %w", err)
		}
		for _, ce := range page.ComputeEnvironments {
			if aws.ToString(ce.ServiceRole) == roleARN {
				envs = append(envs, ce)
			}
		}
	}
	return envs, nil
}

// waitForComputeEnvironment polls until arn is gone or no longer reported as
// deleting. Budget exhaustion surfaces as CannotDeleteResourceError naming
// the environment.
func waitForComputeEnvironment(ctx context.Context, g *Gateway, arn string) error {
	err := g.drainPolicy().Poll(ctx, func(ctx context.Context) (bool, error) {
		out, err := g.Batch.DescribeComputeEnvironments(ctx, &batch.DescribeComputeEnvironmentsInput{
			ComputeEnvironments: []string{arn},
		})
		if err != nil {
			return false, fmt.Errorf("failed to describe compute environment %s: %w", arn, err)
		}
		if len(out.ComputeEnvironments) == 0 {
			return true, nil
		}
		return out.ComputeEnvironments[0].Status != batchtypes.CEStatusDeleting, nil
	})
	if backoff.IsTimeout(err) {
		return &CannotDeleteResourceError{
			ResourceIDs: []string{arn},
			Message:     fmt.Sprintf("compute environment %s is taking too long to delete", arn),
		}
	}
	return err
}
