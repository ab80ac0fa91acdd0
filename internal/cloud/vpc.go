package cloud

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/cloudknot-io/cloudknot/internal/logging"
	"github.com/cloudknot-io/cloudknot/internal/registry"
)

const defaultIPv4CIDR = "10.0.0.0/16"

// VPCOptions selects an existing VPC by ID or name, or supplies creation
// parameters for a new one. VpcID is mutually exclusive with every other
// field.
type VPCOptions struct {
	VpcID           string
	Name            string
	IPv4CIDR        string
	InstanceTenancy string
}

// VPC manages an Amazon Virtual Private Cloud and its per-zone subnets.
// Attributes are immutable after construction.
type VPC struct {
	gw  *Gateway
	reg *registry.Registry

	name            string
	vpcID           string
	ipv4CIDR        string
	instanceTenancy string
	subnetIDs       []string
	preExisting     bool
	clobbered       bool
}

// NewVPC adopts an existing VPC or creates a new one. A freshly created VPC
// gets one subnet per availability zone in the region, carved out of its CIDR
// block.
func NewVPC(ctx context.Context, gw *Gateway, reg *registry.Registry, opts VPCOptions) (*VPC, error) {
	if opts.VpcID == "" && opts.Name == "" {
		return nil, fmt.Errorf("either Name or VpcID is required")
	}
	if opts.VpcID != "" && (opts.Name != "" || opts.IPv4CIDR != "" || opts.InstanceTenancy != "") {
		return nil, fmt.Errorf("specify either the ID of an existing VPC or parameters for a new VPC, not both")
	}

	rec, exists, err := resolveVpc(ctx, gw, opts.VpcID, opts.Name)
	if err != nil {
		return nil, err
	}

	v := &VPC{gw: gw, reg: reg}

	if exists {
		if opts.IPv4CIDR != "" || opts.InstanceTenancy != "" {
			return nil, &ResourceExistsError{
				ResourceID: rec.VpcID,
				Message:    fmt.Sprintf("the specified CIDR block is already in use by vpc %s; retrieve it without creation parameters", rec.VpcID),
			}
		}
		v.name = rec.Name
		v.vpcID = rec.VpcID
		v.ipv4CIDR = rec.IPv4CIDR
		v.instanceTenancy = rec.InstanceTenancy
		v.subnetIDs = rec.SubnetIDs
		v.preExisting = true
		if err := reg.Add(registry.SectionVpcs, v.vpcID, v.name); err != nil {
			return nil, err
		}
		logging.Info("retrieved pre-existing VPC", "id", v.vpcID, "name", v.name)
		return v, nil
	}

	if opts.VpcID != "" {
		return nil, &ResourceDoesNotExistError{ResourceID: opts.VpcID}
	}

	v.name = opts.Name
	v.ipv4CIDR = defaultIPv4CIDR
	if opts.IPv4CIDR != "" {
		p, err := netip.ParsePrefix(opts.IPv4CIDR)
		if err != nil || !p.Addr().Is4() {
			return nil, fmt.Errorf("IPv4CIDR must be a valid IPv4 network range, got %q", opts.IPv4CIDR)
		}
		v.ipv4CIDR = p.Masked().String()
	}
	v.instanceTenancy = "default"
	if opts.InstanceTenancy != "" {
		if opts.InstanceTenancy != "default" && opts.InstanceTenancy != "dedicated" {
			return nil, fmt.Errorf(`instance tenancy must be "default" or "dedicated", got %q`, opts.InstanceTenancy)
		}
		v.instanceTenancy = opts.InstanceTenancy
	}

	if err := v.create(ctx); err != nil {
		return nil, err
	}
	if err := v.addSubnets(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

// Name returns the human-assigned VPC name.
func (v *VPC) Name() string { return v.name }

// ID returns the remote VPC ID.
func (v *VPC) ID() string { return v.vpcID }

// IPv4CIDR returns the VPC's address block.
func (v *VPC) IPv4CIDR() string { return v.ipv4CIDR }

// InstanceTenancy returns the VPC's tenancy, "default" or "dedicated".
func (v *VPC) InstanceTenancy() string { return v.instanceTenancy }

// SubnetIDs returns the IDs of the VPC's subnets.
func (v *VPC) SubnetIDs() []string {
	out := make([]string, len(v.subnetIDs))
	copy(out, v.subnetIDs)
	return out
}

// PreExisting reports whether this VPC was adopted rather than created.
func (v *VPC) PreExisting() bool { return v.preExisting }

// Clobbered reports whether Clobber has completed.
func (v *VPC) Clobbered() bool { return v.clobbered }

func (v *VPC) create(ctx context.Context) error {
	out, err := v.gw.EC2.CreateVpc(ctx, &ec2.CreateVpcInput{
		CidrBlock:       aws.String(v.ipv4CIDR),
		InstanceTenancy: ec2types.Tenancy(v.instanceTenancy),
	})
	if err != nil {
		return fmt.Errorf("failed to create vpc: %w", err)
	}
	v.vpcID = aws.ToString(out.Vpc.VpcId)
	logging.Info("created VPC", "id", v.vpcID, "cidr", v.ipv4CIDR)

	// Reads lag the create; wait until the VPC is visible and available.
	maxWait := v.gw.provisionPolicy().MaxElapsed
	describe := &ec2.DescribeVpcsInput{VpcIds: []string{v.vpcID}}
	if err := ec2.NewVpcExistsWaiter(v.gw.EC2).Wait(ctx, describe, maxWait); err != nil {
		return fmt.Errorf("vpc %s never became visible: %w", v.vpcID, err)
	}
	if err := ec2.NewVpcAvailableWaiter(v.gw.EC2).Wait(ctx, describe, maxWait); err != nil {
		return fmt.Errorf("vpc %s never became available: %w", v.vpcID, err)
	}

	if _, err := v.gw.EC2.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{v.vpcID},
		Tags:      ownerTags(v.name),
	}); err != nil {
		return fmt.Errorf("failed to tag vpc %s: %w", v.vpcID, err)
	}

	return v.reg.Add(registry.SectionVpcs, v.vpcID, v.name)
}

func (v *VPC) addSubnets(ctx context.Context) error {
	zout, err := v.gw.EC2.DescribeAvailabilityZones(ctx, &ec2.DescribeAvailabilityZonesInput{})
	if err != nil {
		return fmt.Errorf("failed to list availability zones: %w", err)
	}
	zones := zout.AvailabilityZones
	if len(zones) == 0 {
		return fmt.Errorf("region reported no availability zones")
	}

	block, err := netip.ParsePrefix(v.ipv4CIDR)
	if err != nil {
		return fmt.Errorf("invalid vpc cidr %q: %w", v.ipv4CIDR, err)
	}
	subnetCIDRs, err := partitionCIDR(block, len(zones))
	if err != nil {
		return err
	}

	var subnetIDs []string
	for i, zone := range zones {
		out, err := v.gw.EC2.CreateSubnet(ctx, &ec2.CreateSubnetInput{
			AvailabilityZone: zone.ZoneName,
			CidrBlock:        aws.String(subnetCIDRs[i].String()),
			VpcId:            aws.String(v.vpcID),
		})
		if err != nil {
			return fmt.Errorf("failed to create subnet in %s: %w", aws.ToString(zone.ZoneName), err)
		}
		id := aws.ToString(out.Subnet.SubnetId)
		subnetIDs = append(subnetIDs, id)
		logging.Info("created subnet", "id", id, "zone", aws.ToString(zone.ZoneName))
	}

	// Subnet state can lag creation past a single waiter budget; retry the
	// wait within the provisioning budget.
	waiter := ec2.NewSubnetAvailableWaiter(v.gw.EC2)
	pol := v.gw.provisionPolicy()
	err = pol.Retry(ctx, func(ctx context.Context) error {
		return waiter.Wait(ctx, &ec2.DescribeSubnetsInput{SubnetIds: subnetIDs}, pol.MaxDelay)
	}, isWaiterTimeout)
	if err != nil {
		return fmt.Errorf("subnets of vpc %s never became available: %w", v.vpcID, err)
	}

	if _, err := v.gw.EC2.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: subnetIDs,
		Tags: []ec2types.Tag{
			{Key: aws.String("owner"), Value: aws.String(ownerTagValue)},
			{Key: aws.String("vpc-name"), Value: aws.String(v.name)},
		},
	}); err != nil {
		return fmt.Errorf("failed to tag subnets of vpc %s: %w", v.vpcID, err)
	}

	v.subnetIDs = subnetIDs
	return nil
}

// Clobber deletes the VPC's subnets, then the VPC itself, and removes it from
// the registry. Dependent security groups block deletion; they are reported,
// not cascaded into.
func (v *VPC) Clobber(ctx context.Context) error {
	if v.clobbered {
		return nil
	}

	// Gone-already is fine; a prior Clobber attempt may have deleted the
	// subnets before being blocked on the VPC itself.
	for _, id := range v.subnetIDs {
		if _, err := v.gw.EC2.DeleteSubnet(ctx, &ec2.DeleteSubnetInput{SubnetId: aws.String(id)}); err != nil && !errCodeIs(err, codeSubnetNotFound) {
			return fmt.Errorf("failed to delete subnet %s: %w", id, err)
		}
		logging.Info("deleted subnet", "id", id)
	}

	if _, err := v.gw.EC2.DeleteVpc(ctx, &ec2.DeleteVpcInput{VpcId: aws.String(v.vpcID)}); err != nil {
		if errCodeIs(err, codeDependencyViolation) {
			out, derr := v.gw.EC2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
				Filters: vpcIDFilter(v.vpcID),
			})
			if derr != nil {
				return fmt.Errorf("failed to list security groups blocking vpc %s: %w", v.vpcID, derr)
			}
			ids := make([]string, 0, len(out.SecurityGroups))
			for _, sg := range out.SecurityGroups {
				ids = append(ids, aws.ToString(sg.GroupId))
			}
			return &CannotDeleteResourceError{
				ResourceIDs: ids,
				Message:     fmt.Sprintf("vpc %s has dependent security groups; delete them first", v.vpcID),
			}
		}
		return fmt.Errorf("failed to delete vpc %s: %w", v.vpcID, err)
	}

	if err := v.reg.Remove(registry.SectionVpcs, v.vpcID); err != nil {
		return err
	}
	v.clobbered = true
	logging.Info("clobbered VPC", "id", v.vpcID, "name", v.name)
	return nil
}
