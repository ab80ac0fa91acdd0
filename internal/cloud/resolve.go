package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/google/uuid"

	"github.com/cloudknot-io/cloudknot/internal/backoff"
)

// ownerTagValue marks resources as cloudknot-owned.
const ownerTagValue = "cloudknot"

func ownerTags(name string) []ec2types.Tag {
	return []ec2types.Tag{
		{Key: aws.String("owner"), Value: aws.String(ownerTagValue)},
		{Key: aws.String("Name"), Value: aws.String(name)},
	}
}

func vpcIDFilter(vpcID string) []ec2types.Filter {
	return []ec2types.Filter{
		{Name: aws.String("vpc-id"), Values: []string{vpcID}},
	}
}

// adoptedVpcName synthesizes a registry name for a VPC adopted without a Name
// tag. The suffix keeps two unnamed adoptions from aliasing each other.
func adoptedVpcName() string {
	return "cloudknot-acquired-vpc-" + uuid.NewString()[:8]
}

// vpcRecord carries the canonical attributes of an existing VPC.
type vpcRecord struct {
	Name            string
	VpcID           string
	IPv4CIDR        string
	InstanceTenancy string
	SubnetIDs       []string
}

// resolveVpc looks up a VPC by ID or by Name tag. A not-found style remote
// error, or an empty result set, reports absence rather than failure. On a
// hit it gathers the full attribute set, back-filling ownership tags when the
// VPC carries no Name tag so future lookups by name succeed.
func resolveVpc(ctx context.Context, g *Gateway, vpcID, name string) (*vpcRecord, bool, error) {
	var vpcs []ec2types.Vpc
	if vpcID != "" {
		out, err := g.EC2.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{VpcIds: []string{vpcID}})
		if err != nil {
			if errCodeIs(err, codeVpcNotFound) {
				return nil, false, nil
			}
			return nil, false, fmt.Errorf("failed to describe vpc %s: %w", vpcID, err)
		}
		vpcs = out.Vpcs
	} else {
		tout, err := g.EC2.DescribeTags(ctx, &ec2.DescribeTagsInput{
			Filters: []ec2types.Filter{
				{Name: aws.String("resource-type"), Values: []string{"vpc"}},
				{Name: aws.String("key"), Values: []string{"Name"}},
				{Name: aws.String("value"), Values: []string{name}},
			},
		})
		if err != nil {
			return nil, false, fmt.Errorf("failed to search for vpc named %q: %w", name, err)
		}
		if len(tout.Tags) == 0 {
			return nil, false, nil
		}
		id := aws.ToString(tout.Tags[0].ResourceId)
		out, err := g.EC2.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{VpcIds: []string{id}})
		if err != nil {
			return nil, false, fmt.Errorf("failed to describe vpc %s: %w", id, err)
		}
		vpcs = out.Vpcs
	}

	if len(vpcs) == 0 {
		return nil, false, nil
	}
	vpc := vpcs[0]

	rec := &vpcRecord{
		VpcID:           aws.ToString(vpc.VpcId),
		IPv4CIDR:        aws.ToString(vpc.CidrBlock),
		InstanceTenancy: string(vpc.InstanceTenancy),
	}
	for _, t := range vpc.Tags {
		if aws.ToString(t.Key) == "Name" {
			rec.Name = aws.ToString(t.Value)
		}
	}
	if rec.Name == "" {
		rec.Name = adoptedVpcName()
		if _, err := g.EC2.CreateTags(ctx, &ec2.CreateTagsInput{
			Resources: []string{rec.VpcID},
			Tags:      ownerTags(rec.Name),
		}); err != nil {
			return nil, false, fmt.Errorf("failed to tag adopted vpc %s: %w", rec.VpcID, err)
		}
	}

	sout, err := g.EC2.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
		Filters: vpcIDFilter(rec.VpcID),
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to list subnets of vpc %s: %w", rec.VpcID, err)
	}
	for _, s := range sout.Subnets {
		rec.SubnetIDs = append(rec.SubnetIDs, aws.ToString(s.SubnetId))
	}

	return rec, true, nil
}

// securityGroupRecord carries the canonical attributes of an existing
// security group.
type securityGroupRecord struct {
	Name        string
	GroupID     string
	VpcID       string
	Description string
}

// resolveSecurityGroup looks up a security group by ID, or by group name
// scoped to a VPC.
func resolveSecurityGroup(ctx context.Context, g *Gateway, groupID, name, vpcID string) (*securityGroupRecord, bool, error) {
	var input *ec2.DescribeSecurityGroupsInput
	if groupID != "" {
		input = &ec2.DescribeSecurityGroupsInput{GroupIds: []string{groupID}}
	} else {
		input = &ec2.DescribeSecurityGroupsInput{
			Filters: []ec2types.Filter{
				{Name: aws.String("group-name"), Values: []string{name}},
				{Name: aws.String("vpc-id"), Values: []string{vpcID}},
			},
		}
	}

	out, err := g.EC2.DescribeSecurityGroups(ctx, input)
	if err != nil {
		if groupID != "" && errCodeIs(err, codeGroupNotFound, codeGroupIDMalformed) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to describe security groups: %w", err)
	}
	if len(out.SecurityGroups) == 0 {
		return nil, false, nil
	}

	sg := out.SecurityGroups[0]
	return &securityGroupRecord{
		Name:        aws.ToString(sg.GroupName),
		GroupID:     aws.ToString(sg.GroupId),
		VpcID:       aws.ToString(sg.VpcId),
		Description: aws.ToString(sg.Description),
	}, true, nil
}

// roleRecord carries the canonical attributes of an existing IAM role.
type roleRecord struct {
	Name        string
	ARN         string
	Description string
	Service     string
	Policies    []string
}

// trustPolicy is the assume-role policy document shape cloudknot writes and
// reads back.
type trustPolicy struct {
	Version   string           `json:"Version,omitempty"`
	Statement []trustStatement `json:"Statement"`
}

type trustStatement struct {
	Effect    string         `json:"Effect"`
	Principal trustPrincipal `json:"Principal"`
	Action    string         `json:"Action"`
}

type trustPrincipal struct {
	Service string `json:"Service"`
}

// resolveRole looks up an IAM role by name. IAM reads can lag writes from
// other callers, so the lookup is retried briefly before a missing role is
// reported as absent.
func resolveRole(ctx context.Context, g *Gateway, name string) (*roleRecord, bool, error) {
	var out *iam.GetRoleOutput
	err := g.lookupPolicy().Retry(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.IAM.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(name)})
		return err
	}, func(err error) bool {
		return errCodeIs(err, codeNoSuchEntity)
	})
	if err != nil {
		if errCodeIs(err, codeNoSuchEntity) || backoff.IsTimeout(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get role %s: %w", name, err)
	}

	rec := &roleRecord{
		Name:        aws.ToString(out.Role.RoleName),
		ARN:         aws.ToString(out.Role.Arn),
		Description: aws.ToString(out.Role.Description),
	}

	// The document comes back URL-encoded.
	if doc := aws.ToString(out.Role.AssumeRolePolicyDocument); doc != "" {
		decoded, err := url.QueryUnescape(doc)
		if err != nil {
			return nil, false, fmt.Errorf("failed to decode trust policy of role %s: %w", name, err)
		}
		var tp trustPolicy
		if err := json.Unmarshal([]byte(decoded), &tp); err != nil {
			return nil, false, fmt.Errorf("failed to parse trust policy of role %s: %w", name, err)
		}
		if len(tp.Statement) > 0 {
			rec.Service = tp.Statement[0].Principal.Service
		}
	}

	p := iam.NewListAttachedRolePoliciesPaginator(g.IAM, &iam.ListAttachedRolePoliciesInput{
		RoleName: aws.String(name),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("failed to list attached policies of role %s: %w", name, err)
		}
		for _, ap := range page.AttachedPolicies {
			rec.Policies = append(rec.Policies, aws.ToString(ap.PolicyName))
		}
	}

	return rec, true, nil
}

// listPolicyNames returns the full remote policy catalog as name to ARN,
// paginating until exhausted.
func listPolicyNames(ctx context.Context, g *Gateway) (map[string]string, error) {
	catalog := map[string]string{}
	p := iam.NewListPoliciesPaginator(g.IAM, &iam.ListPoliciesInput{})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list policies: %w", err)
		}
		for _, pol := range page.Policies {
			catalog[aws.ToString(pol.PolicyName)] = aws.ToString(pol.Arn)
		}
	}
	return catalog, nil
}
