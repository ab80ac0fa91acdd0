package cloud

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/cloudknot-io/cloudknot/internal/logging"
	"github.com/cloudknot-io/cloudknot/internal/registry"
)

const defaultSecurityGroupDescription = "This security group was automatically generated by cloudknot."

// SecurityGroupOptions selects an existing group by ID, or supplies a name
// and owning VPC for a new one. GroupID is mutually exclusive with every
// other field.
type SecurityGroupOptions struct {
	GroupID     string
	Name        string
	VPC         *VPC
	Description string
}

// SecurityGroup manages an EC2 security group scoped to a VPC. The VPC
// reference is non-owning: clobbering the group never touches the VPC.
type SecurityGroup struct {
	gw  *Gateway
	reg *registry.Registry

	name        string
	groupID     string
	vpcID       string
	description string
	preExisting bool
	clobbered   bool
}

// NewSecurityGroup adopts an existing security group by ID or creates a new
// one. Fresh groups open inbound TCP 22 and 80 from all IPv4 and IPv6
// sources.
func NewSecurityGroup(ctx context.Context, gw *Gateway, reg *registry.Registry, opts SecurityGroupOptions) (*SecurityGroup, error) {
	if opts.GroupID == "" && (opts.Name == "" || opts.VPC == nil) {
		return nil, fmt.Errorf("specify either the ID of an existing security group or a name and VPC for a new one")
	}
	if opts.GroupID != "" && (opts.Name != "" || opts.VPC != nil || opts.Description != "") {
		return nil, fmt.Errorf("specify either the ID of an existing security group or parameters for a new one, not both")
	}
	if opts.VPC != nil && opts.VPC.Clobbered() {
		return nil, &ResourceClobberedError{ResourceID: opts.VPC.ID()}
	}

	var vpcID string
	if opts.VPC != nil {
		vpcID = opts.VPC.ID()
	}

	rec, exists, err := resolveSecurityGroup(ctx, gw, opts.GroupID, opts.Name, vpcID)
	if err != nil {
		return nil, err
	}

	s := &SecurityGroup{gw: gw, reg: reg}

	if exists {
		if opts.Name != "" || opts.VPC != nil {
			return nil, &ResourceExistsError{
				ResourceID: rec.GroupID,
				Message: fmt.Sprintf("security group name %s is already in use for vpc %s; retrieve it by GroupID %s",
					rec.Name, rec.VpcID, rec.GroupID),
			}
		}
		s.name = rec.Name
		s.groupID = rec.GroupID
		s.vpcID = rec.VpcID
		s.description = rec.Description
		s.preExisting = true
		if err := reg.Add(registry.SectionSecurityGroups, s.groupID, s.name); err != nil {
			return nil, err
		}
		logging.Info("retrieved pre-existing security group", "id", s.groupID, "name", s.name)
		return s, nil
	}

	if opts.GroupID != "" {
		return nil, &ResourceDoesNotExistError{ResourceID: opts.GroupID}
	}

	s.name = opts.Name
	s.vpcID = vpcID
	s.description = defaultSecurityGroupDescription
	if opts.Description != "" {
		s.description = opts.Description
	}

	if err := s.create(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Name returns the group name.
func (s *SecurityGroup) Name() string { return s.name }

// ID returns the remote security group ID.
func (s *SecurityGroup) ID() string { return s.groupID }

// VpcID returns the ID of the owning VPC.
func (s *SecurityGroup) VpcID() string { return s.vpcID }

// Description returns the group description.
func (s *SecurityGroup) Description() string { return s.description }

// PreExisting reports whether this group was adopted rather than created.
func (s *SecurityGroup) PreExisting() bool { return s.preExisting }

// Clobbered reports whether Clobber has completed.
func (s *SecurityGroup) Clobbered() bool { return s.clobbered }

func (s *SecurityGroup) create(ctx context.Context) error {
	out, err := s.gw.EC2.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(s.name),
		Description: aws.String(s.description),
		VpcId:       aws.String(s.vpcID),
	})
	if err != nil {
		return fmt.Errorf("failed to create security group %s: %w", s.name, err)
	}
	s.groupID = aws.ToString(out.GroupId)

	ipv4 := []ec2types.IpRange{{CidrIp: aws.String("0.0.0.0/0")}}
	ipv6 := []ec2types.Ipv6Range{{CidrIpv6: aws.String("::/0")}}
	perms := []ec2types.IpPermission{
		{
			IpProtocol: aws.String("tcp"),
			FromPort:   aws.Int32(80),
			ToPort:     aws.Int32(80),
			IpRanges:   ipv4,
			Ipv6Ranges: ipv6,
		},
		{
			IpProtocol: aws.String("tcp"),
			FromPort:   aws.Int32(22),
			ToPort:     aws.Int32(22),
			IpRanges:   ipv4,
			Ipv6Ranges: ipv6,
		},
	}

	// The fresh group may not be visible to follow-up calls yet.
	pol := s.gw.provisionPolicy()
	notYetVisible := func(err error) bool {
		return errCodeIs(err, codeGroupNotFound)
	}
	err = pol.Retry(ctx, func(ctx context.Context) error {
		_, err := s.gw.EC2.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
			GroupId:       aws.String(s.groupID),
			IpPermissions: perms,
		})
		return err
	}, notYetVisible)
	if err != nil {
		return fmt.Errorf("failed to authorize ingress on security group %s: %w", s.groupID, err)
	}
	logging.Info("created security group", "id", s.groupID, "name", s.name)

	err = pol.Retry(ctx, func(ctx context.Context) error {
		_, err := s.gw.EC2.CreateTags(ctx, &ec2.CreateTagsInput{
			Resources: []string{s.groupID},
			Tags: []ec2types.Tag{
				{Key: aws.String("owner"), Value: aws.String(ownerTagValue)},
			},
		})
		return err
	}, notYetVisible)
	if err != nil {
		return fmt.Errorf("failed to tag security group %s: %w", s.groupID, err)
	}

	return s.reg.Add(registry.SectionSecurityGroups, s.groupID, s.name)
}

// Clobber terminates any instances still bound to this group, waits for
// compute environments referencing it to finish deleting, then deletes the
// group and removes it from the registry.
func (s *SecurityGroup) Clobber(ctx context.Context) error {
	if s.clobbered {
		return nil
	}

	iout, err := s.gw.EC2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: vpcIDFilter(s.vpcID),
	})
	if err != nil {
		return fmt.Errorf("failed to list instances in vpc %s: %w", s.vpcID, err)
	}
	var deps []string
	for _, res := range iout.Reservations {
		for _, inst := range res.Instances {
			for _, g := range inst.SecurityGroups {
				if aws.ToString(g.GroupId) == s.groupID {
					deps = append(deps, aws.ToString(inst.InstanceId))
					break
				}
			}
		}
	}
	if len(deps) > 0 {
		if _, err := s.gw.EC2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: deps}); err != nil {
			return fmt.Errorf("failed to terminate dependent instances %v: %w", deps, err)
		}
		logging.Info("terminated dependent instances", "ids", deps)
	}

	arns, err := computeEnvironmentsUsingGroup(ctx, s.gw, s.groupID)
	if err != nil {
		return err
	}
	for _, arn := range arns {
		if err := waitForComputeEnvironment(ctx, s.gw, arn); err != nil {
			return err
		}
	}

	if _, err := s.gw.EC2.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: aws.String(s.groupID)}); err != nil {
		if !errCodeIs(err, codeDependencyViolation) {
			return fmt.Errorf("failed to delete security group %s: %w", s.groupID, err)
		}
		// Usually droppage lag from the terminations above; one delayed retry.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.gw.drainPolicy().MaxDelay):
		}
		if _, err := s.gw.EC2.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: aws.String(s.groupID)}); err != nil {
			return fmt.Errorf("failed to delete security group %s: %w", s.groupID, err)
		}
	}

	if err := s.reg.Remove(registry.SectionSecurityGroups, s.groupID); err != nil {
		return err
	}
	s.clobbered = true
	logging.Info("clobbered security group", "id", s.groupID, "name", s.name)
	return nil
}
