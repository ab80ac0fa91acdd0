package cloud

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"slices"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	batchtypes "github.com/aws/aws-sdk-go-v2/service/batch/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"

	"github.com/cloudknot-io/cloudknot/internal/backoff"
	"github.com/cloudknot-io/cloudknot/internal/registry"
)

func apiError(code, msg string) error {
	return &smithy.GenericAPIError{Code: code, Message: msg}
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.yaml"))
	require.NoError(t, err)
	return reg
}

func newTestGateway(e *fakeEC2, i *fakeIAM, b *fakeBatch) *Gateway {
	fast := backoff.Policy{
		BaseDelay:  time.Millisecond,
		MaxDelay:   2 * time.Millisecond,
		MaxElapsed: 50 * time.Millisecond,
	}
	return &Gateway{EC2: e, IAM: i, Batch: b, Lookup: fast, Provision: fast, Drain: fast}
}

// ---- EC2 fake ----

type fakeVpc struct {
	id      string
	cidr    string
	tenancy ec2types.Tenancy
	tags    []ec2types.Tag
}

type fakeSubnet struct {
	id    string
	vpcID string
	cidr  string
	zone  string
	tags  []ec2types.Tag
}

type fakeSG struct {
	id    string
	name  string
	vpcID string
	desc  string
	perms []ec2types.IpPermission
	tags  []ec2types.Tag
}

type fakeInstance struct {
	id       string
	vpcID    string
	groupIDs []string
}

type fakeEC2 struct {
	zones     []string
	vpcs      map[string]*fakeVpc
	subnets   map[string]*fakeSubnet
	groups    map[string]*fakeSG
	instances []*fakeInstance

	seq        int
	mutations  int
	terminated [][]string

	// Countdown of DependencyViolation responses from DeleteSecurityGroup,
	// to exercise the delayed-retry path.
	sgDeleteViolations int
}

func newFakeEC2(zones ...string) *fakeEC2 {
	return &fakeEC2{
		zones:   zones,
		vpcs:    map[string]*fakeVpc{},
		subnets: map[string]*fakeSubnet{},
		groups:  map[string]*fakeSG{},
	}
}

func (f *fakeEC2) addVpc(id, cidr string, tags ...ec2types.Tag) *fakeVpc {
	v := &fakeVpc{id: id, cidr: cidr, tenancy: ec2types.TenancyDefault, tags: tags}
	f.vpcs[id] = v
	return v
}

func (f *fakeEC2) addGroup(id, name, vpcID, desc string) *fakeSG {
	g := &fakeSG{id: id, name: name, vpcID: vpcID, desc: desc}
	f.groups[id] = g
	return g
}

func filterValues(filters []ec2types.Filter, name string) []string {
	for _, f := range filters {
		if aws.ToString(f.Name) == name {
			return f.Values
		}
	}
	return nil
}

func (f *fakeEC2) toVpc(v *fakeVpc) ec2types.Vpc {
	return ec2types.Vpc{
		VpcId:           aws.String(v.id),
		CidrBlock:       aws.String(v.cidr),
		InstanceTenancy: v.tenancy,
		State:           ec2types.VpcStateAvailable,
		Tags:            v.tags,
	}
}

func (f *fakeEC2) DescribeVpcs(_ context.Context, params *ec2.DescribeVpcsInput, _ ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error) {
	var out []ec2types.Vpc
	for _, id := range params.VpcIds {
		v, ok := f.vpcs[id]
		if !ok {
			return nil, apiError(codeVpcNotFound, "vpc "+id+" does not exist")
		}
		out = append(out, f.toVpc(v))
	}
	return &ec2.DescribeVpcsOutput{Vpcs: out}, nil
}

func (f *fakeEC2) CreateVpc(_ context.Context, params *ec2.CreateVpcInput, _ ...func(*ec2.Options)) (*ec2.CreateVpcOutput, error) {
	f.seq++
	f.mutations++
	v := &fakeVpc{
		id:      fmt.Sprintf("vpc-%04d", f.seq),
		cidr:    aws.ToString(params.CidrBlock),
		tenancy: params.InstanceTenancy,
	}
	f.vpcs[v.id] = v
	vpc := f.toVpc(v)
	return &ec2.CreateVpcOutput{Vpc: &vpc}, nil
}

func (f *fakeEC2) DeleteVpc(_ context.Context, params *ec2.DeleteVpcInput, _ ...func(*ec2.Options)) (*ec2.DeleteVpcOutput, error) {
	id := aws.ToString(params.VpcId)
	if _, ok := f.vpcs[id]; !ok {
		return nil, apiError(codeVpcNotFound, "vpc "+id+" does not exist")
	}
	for _, g := range f.groups {
		if g.vpcID == id {
			return nil, apiError(codeDependencyViolation, "vpc has dependencies")
		}
	}
	f.mutations++
	delete(f.vpcs, id)
	return &ec2.DeleteVpcOutput{}, nil
}

func (f *fakeEC2) DescribeTags(_ context.Context, params *ec2.DescribeTagsInput, _ ...func(*ec2.Options)) (*ec2.DescribeTagsOutput, error) {
	key := filterValues(params.Filters, "key")
	value := filterValues(params.Filters, "value")
	var out []ec2types.TagDescription
	for _, v := range f.vpcs {
		for _, tag := range v.tags {
			if len(key) > 0 && aws.ToString(tag.Key) != key[0] {
				continue
			}
			if len(value) > 0 && aws.ToString(tag.Value) != value[0] {
				continue
			}
			out = append(out, ec2types.TagDescription{
				ResourceId:   aws.String(v.id),
				ResourceType: ec2types.ResourceTypeVpc,
				Key:          tag.Key,
				Value:        tag.Value,
			})
		}
	}
	return &ec2.DescribeTagsOutput{Tags: out}, nil
}

func setTags(existing []ec2types.Tag, tags []ec2types.Tag) []ec2types.Tag {
	for _, t := range tags {
		replaced := false
		for i := range existing {
			if aws.ToString(existing[i].Key) == aws.ToString(t.Key) {
				existing[i] = t
				replaced = true
			}
		}
		if !replaced {
			existing = append(existing, t)
		}
	}
	return existing
}

func (f *fakeEC2) CreateTags(_ context.Context, params *ec2.CreateTagsInput, _ ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	f.mutations++
	for _, id := range params.Resources {
		switch {
		case f.vpcs[id] != nil:
			f.vpcs[id].tags = setTags(f.vpcs[id].tags, params.Tags)
		case f.subnets[id] != nil:
			f.subnets[id].tags = setTags(f.subnets[id].tags, params.Tags)
		case f.groups[id] != nil:
			f.groups[id].tags = setTags(f.groups[id].tags, params.Tags)
		default:
			return nil, apiError("InvalidID", "unknown resource "+id)
		}
	}
	return &ec2.CreateTagsOutput{}, nil
}

func (f *fakeEC2) toSubnet(s *fakeSubnet) ec2types.Subnet {
	return ec2types.Subnet{
		SubnetId:         aws.String(s.id),
		VpcId:            aws.String(s.vpcID),
		CidrBlock:        aws.String(s.cidr),
		AvailabilityZone: aws.String(s.zone),
		State:            ec2types.SubnetStateAvailable,
		Tags:             s.tags,
	}
}

func (f *fakeEC2) DescribeSubnets(_ context.Context, params *ec2.DescribeSubnetsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
	var out []ec2types.Subnet
	if len(params.SubnetIds) > 0 {
		for _, id := range params.SubnetIds {
			s, ok := f.subnets[id]
			if !ok {
				return nil, apiError("InvalidSubnetID.NotFound", "subnet "+id+" does not exist")
			}
			out = append(out, f.toSubnet(s))
		}
		return &ec2.DescribeSubnetsOutput{Subnets: out}, nil
	}
	vpcIDs := filterValues(params.Filters, "vpc-id")
	for _, s := range f.subnets {
		if len(vpcIDs) == 0 || slices.Contains(vpcIDs, s.vpcID) {
			out = append(out, f.toSubnet(s))
		}
	}
	return &ec2.DescribeSubnetsOutput{Subnets: out}, nil
}

func (f *fakeEC2) CreateSubnet(_ context.Context, params *ec2.CreateSubnetInput, _ ...func(*ec2.Options)) (*ec2.CreateSubnetOutput, error) {
	f.seq++
	f.mutations++
	s := &fakeSubnet{
		id:    fmt.Sprintf("subnet-%04d", f.seq),
		vpcID: aws.ToString(params.VpcId),
		cidr:  aws.ToString(params.CidrBlock),
		zone:  aws.ToString(params.AvailabilityZone),
	}
	f.subnets[s.id] = s
	subnet := f.toSubnet(s)
	return &ec2.CreateSubnetOutput{Subnet: &subnet}, nil
}

func (f *fakeEC2) DeleteSubnet(_ context.Context, params *ec2.DeleteSubnetInput, _ ...func(*ec2.Options)) (*ec2.DeleteSubnetOutput, error) {
	id := aws.ToString(params.SubnetId)
	if _, ok := f.subnets[id]; !ok {
		return nil, apiError("InvalidSubnetID.NotFound", "subnet "+id+" does not exist")
	}
	f.mutations++
	delete(f.subnets, id)
	return &ec2.DeleteSubnetOutput{}, nil
}

func (f *fakeEC2) DescribeAvailabilityZones(_ context.Context, _ *ec2.DescribeAvailabilityZonesInput, _ ...func(*ec2.Options)) (*ec2.DescribeAvailabilityZonesOutput, error) {
	var zones []ec2types.AvailabilityZone
	for _, z := range f.zones {
		zones = append(zones, ec2types.AvailabilityZone{ZoneName: aws.String(z)})
	}
	return &ec2.DescribeAvailabilityZonesOutput{AvailabilityZones: zones}, nil
}

func (f *fakeEC2) toGroup(g *fakeSG) ec2types.SecurityGroup {
	return ec2types.SecurityGroup{
		GroupId:       aws.String(g.id),
		GroupName:     aws.String(g.name),
		VpcId:         aws.String(g.vpcID),
		Description:   aws.String(g.desc),
		IpPermissions: g.perms,
		Tags:          g.tags,
	}
}

func (f *fakeEC2) DescribeSecurityGroups(_ context.Context, params *ec2.DescribeSecurityGroupsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	var out []ec2types.SecurityGroup
	if len(params.GroupIds) > 0 {
		for _, id := range params.GroupIds {
			g, ok := f.groups[id]
			if !ok {
				return nil, apiError(codeGroupNotFound, "security group "+id+" does not exist")
			}
			out = append(out, f.toGroup(g))
		}
		return &ec2.DescribeSecurityGroupsOutput{SecurityGroups: out}, nil
	}
	names := filterValues(params.Filters, "group-name")
	vpcIDs := filterValues(params.Filters, "vpc-id")
	for _, g := range f.groups {
		if len(names) > 0 && !slices.Contains(names, g.name) {
			continue
		}
		if len(vpcIDs) > 0 && !slices.Contains(vpcIDs, g.vpcID) {
			continue
		}
		out = append(out, f.toGroup(g))
	}
	return &ec2.DescribeSecurityGroupsOutput{SecurityGroups: out}, nil
}

func (f *fakeEC2) CreateSecurityGroup(_ context.Context, params *ec2.CreateSecurityGroupInput, _ ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error) {
	f.seq++
	f.mutations++
	g := &fakeSG{
		id:    fmt.Sprintf("sg-%04d", f.seq),
		name:  aws.ToString(params.GroupName),
		vpcID: aws.ToString(params.VpcId),
		desc:  aws.ToString(params.Description),
	}
	f.groups[g.id] = g
	return &ec2.CreateSecurityGroupOutput{GroupId: aws.String(g.id)}, nil
}

func (f *fakeEC2) DeleteSecurityGroup(_ context.Context, params *ec2.DeleteSecurityGroupInput, _ ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error) {
	id := aws.ToString(params.GroupId)
	if _, ok := f.groups[id]; !ok {
		return nil, apiError(codeGroupNotFound, "security group "+id+" does not exist")
	}
	if f.sgDeleteViolations > 0 {
		f.sgDeleteViolations--
		return nil, apiError(codeDependencyViolation, "group has dependencies")
	}
	f.mutations++
	delete(f.groups, id)
	return &ec2.DeleteSecurityGroupOutput{}, nil
}

func (f *fakeEC2) AuthorizeSecurityGroupIngress(_ context.Context, params *ec2.AuthorizeSecurityGroupIngressInput, _ ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error) {
	g, ok := f.groups[aws.ToString(params.GroupId)]
	if !ok {
		return nil, apiError(codeGroupNotFound, "security group does not exist")
	}
	f.mutations++
	g.perms = append(g.perms, params.IpPermissions...)
	return &ec2.AuthorizeSecurityGroupIngressOutput{}, nil
}

func (f *fakeEC2) DescribeInstances(_ context.Context, params *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	vpcIDs := filterValues(params.Filters, "vpc-id")
	var insts []ec2types.Instance
	for _, inst := range f.instances {
		if len(vpcIDs) > 0 && !slices.Contains(vpcIDs, inst.vpcID) {
			continue
		}
		var groups []ec2types.GroupIdentifier
		for _, gid := range inst.groupIDs {
			groups = append(groups, ec2types.GroupIdentifier{GroupId: aws.String(gid)})
		}
		insts = append(insts, ec2types.Instance{
			InstanceId:     aws.String(inst.id),
			SecurityGroups: groups,
		})
	}
	if len(insts) == 0 {
		return &ec2.DescribeInstancesOutput{}, nil
	}
	return &ec2.DescribeInstancesOutput{
		Reservations: []ec2types.Reservation{{Instances: insts}},
	}, nil
}

func (f *fakeEC2) TerminateInstances(_ context.Context, params *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	f.mutations++
	f.terminated = append(f.terminated, params.InstanceIds)
	f.instances = slices.DeleteFunc(f.instances, func(inst *fakeInstance) bool {
		return slices.Contains(params.InstanceIds, inst.id)
	})
	return &ec2.TerminateInstancesOutput{}, nil
}

// ---- IAM fake ----

type fakeIAMRole struct {
	name     string
	arn      string
	desc     string
	doc      string // raw JSON; returned URL-encoded like the real service
	attached []iamtypes.AttachedPolicy
}

type fakeProfile struct {
	name  string
	arn   string
	roles []string
}

type fakeIAM struct {
	roles    map[string]*fakeIAMRole
	profiles map[string]*fakeProfile
	catalog  []iamtypes.Policy

	// policyPageSize paginates ListPolicies when positive.
	policyPageSize  int
	createRoleCalls int
	mutations       int
}

func newFakeIAM(policyNames ...string) *fakeIAM {
	f := &fakeIAM{
		roles:    map[string]*fakeIAMRole{},
		profiles: map[string]*fakeProfile{},
	}
	for _, name := range policyNames {
		f.catalog = append(f.catalog, iamtypes.Policy{
			PolicyName: aws.String(name),
			Arn:        aws.String("arn:aws:iam::aws:policy/" + name),
		})
	}
	return f
}

func roleARN(name string) string {
	return "arn:aws:iam::123456789012:role/" + name
}

func (f *fakeIAM) addRole(name, service string, policyNames ...string) *fakeIAMRole {
	doc := fmt.Sprintf(
		`{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"Service":%q},"Action":"sts:AssumeRole"}]}`,
		service+serviceSuffix,
	)
	r := &fakeIAMRole{name: name, arn: roleARN(name), doc: doc}
	for _, p := range policyNames {
		r.attached = append(r.attached, iamtypes.AttachedPolicy{
			PolicyName: aws.String(p),
			PolicyArn:  aws.String("arn:aws:iam::aws:policy/" + p),
		})
	}
	f.roles[name] = r
	return r
}

func noSuchEntity(msg string) error {
	return &iamtypes.NoSuchEntityException{Message: aws.String(msg)}
}

func (f *fakeIAM) GetRole(_ context.Context, params *iam.GetRoleInput, _ ...func(*iam.Options)) (*iam.GetRoleOutput, error) {
	r, ok := f.roles[aws.ToString(params.RoleName)]
	if !ok {
		return nil, noSuchEntity("role not found")
	}
	return &iam.GetRoleOutput{Role: &iamtypes.Role{
		RoleName:                 aws.String(r.name),
		Arn:                      aws.String(r.arn),
		Description:              aws.String(r.desc),
		AssumeRolePolicyDocument: aws.String(url.QueryEscape(r.doc)),
	}}, nil
}

func (f *fakeIAM) CreateRole(_ context.Context, params *iam.CreateRoleInput, _ ...func(*iam.Options)) (*iam.CreateRoleOutput, error) {
	f.createRoleCalls++
	f.mutations++
	name := aws.ToString(params.RoleName)
	if _, ok := f.roles[name]; ok {
		return nil, &iamtypes.EntityAlreadyExistsException{Message: aws.String("role exists")}
	}
	r := &fakeIAMRole{
		name: name,
		arn:  roleARN(name),
		desc: aws.ToString(params.Description),
		doc:  aws.ToString(params.AssumeRolePolicyDocument),
	}
	f.roles[name] = r
	return &iam.CreateRoleOutput{Role: &iamtypes.Role{
		RoleName: aws.String(r.name),
		Arn:      aws.String(r.arn),
	}}, nil
}

func (f *fakeIAM) DeleteRole(_ context.Context, params *iam.DeleteRoleInput, _ ...func(*iam.Options)) (*iam.DeleteRoleOutput, error) {
	name := aws.ToString(params.RoleName)
	r, ok := f.roles[name]
	if !ok {
		return nil, noSuchEntity("role not found")
	}
	if len(r.attached) > 0 {
		return nil, apiError("DeleteConflict", "role has attached policies")
	}
	for _, p := range f.profiles {
		if slices.Contains(p.roles, name) {
			return nil, apiError("DeleteConflict", "role is attached to an instance profile")
		}
	}
	f.mutations++
	delete(f.roles, name)
	return &iam.DeleteRoleOutput{}, nil
}

func (f *fakeIAM) ListPolicies(_ context.Context, params *iam.ListPoliciesInput, _ ...func(*iam.Options)) (*iam.ListPoliciesOutput, error) {
	pageSize := f.policyPageSize
	if pageSize <= 0 {
		pageSize = len(f.catalog)
	}
	start := 0
	if params.Marker != nil {
		var err error
		start, err = strconv.Atoi(aws.ToString(params.Marker))
		if err != nil {
			return nil, apiError("InvalidInput", "bad marker")
		}
	}
	end := min(start+pageSize, len(f.catalog))
	out := &iam.ListPoliciesOutput{Policies: f.catalog[start:end]}
	if end < len(f.catalog) {
		out.IsTruncated = true
		out.Marker = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

func (f *fakeIAM) ListAttachedRolePolicies(_ context.Context, params *iam.ListAttachedRolePoliciesInput, _ ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error) {
	r, ok := f.roles[aws.ToString(params.RoleName)]
	if !ok {
		return nil, noSuchEntity("role not found")
	}
	return &iam.ListAttachedRolePoliciesOutput{AttachedPolicies: r.attached}, nil
}

func (f *fakeIAM) AttachRolePolicy(_ context.Context, params *iam.AttachRolePolicyInput, _ ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error) {
	r, ok := f.roles[aws.ToString(params.RoleName)]
	if !ok {
		return nil, noSuchEntity("role not found")
	}
	arn := aws.ToString(params.PolicyArn)
	var name string
	for _, p := range f.catalog {
		if aws.ToString(p.Arn) == arn {
			name = aws.ToString(p.PolicyName)
		}
	}
	if name == "" {
		return nil, noSuchEntity("policy not found")
	}
	f.mutations++
	r.attached = append(r.attached, iamtypes.AttachedPolicy{
		PolicyName: aws.String(name),
		PolicyArn:  aws.String(arn),
	})
	return &iam.AttachRolePolicyOutput{}, nil
}

func (f *fakeIAM) DetachRolePolicy(_ context.Context, params *iam.DetachRolePolicyInput, _ ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error) {
	r, ok := f.roles[aws.ToString(params.RoleName)]
	if !ok {
		return nil, noSuchEntity("role not found")
	}
	arn := aws.ToString(params.PolicyArn)
	before := len(r.attached)
	r.attached = slices.DeleteFunc(r.attached, func(ap iamtypes.AttachedPolicy) bool {
		return aws.ToString(ap.PolicyArn) == arn
	})
	if len(r.attached) == before {
		return nil, noSuchEntity("policy not attached")
	}
	f.mutations++
	return &iam.DetachRolePolicyOutput{}, nil
}

func profileARN(name string) string {
	return "arn:aws:iam::123456789012:instance-profile/" + name
}

func (f *fakeIAM) CreateInstanceProfile(_ context.Context, params *iam.CreateInstanceProfileInput, _ ...func(*iam.Options)) (*iam.CreateInstanceProfileOutput, error) {
	name := aws.ToString(params.InstanceProfileName)
	if _, ok := f.profiles[name]; ok {
		return nil, &iamtypes.EntityAlreadyExistsException{Message: aws.String("profile exists")}
	}
	f.mutations++
	f.profiles[name] = &fakeProfile{name: name, arn: profileARN(name)}
	return &iam.CreateInstanceProfileOutput{InstanceProfile: &iamtypes.InstanceProfile{
		InstanceProfileName: aws.String(name),
		Arn:                 aws.String(profileARN(name)),
	}}, nil
}

func (f *fakeIAM) GetInstanceProfile(_ context.Context, params *iam.GetInstanceProfileInput, _ ...func(*iam.Options)) (*iam.GetInstanceProfileOutput, error) {
	p, ok := f.profiles[aws.ToString(params.InstanceProfileName)]
	if !ok {
		return nil, noSuchEntity("instance profile not found")
	}
	return &iam.GetInstanceProfileOutput{InstanceProfile: &iamtypes.InstanceProfile{
		InstanceProfileName: aws.String(p.name),
		Arn:                 aws.String(p.arn),
	}}, nil
}

func (f *fakeIAM) ListInstanceProfilesForRole(_ context.Context, params *iam.ListInstanceProfilesForRoleInput, _ ...func(*iam.Options)) (*iam.ListInstanceProfilesForRoleOutput, error) {
	role := aws.ToString(params.RoleName)
	if _, ok := f.roles[role]; !ok {
		return nil, noSuchEntity("role not found")
	}
	var out []iamtypes.InstanceProfile
	for _, p := range f.profiles {
		if slices.Contains(p.roles, role) {
			out = append(out, iamtypes.InstanceProfile{
				InstanceProfileName: aws.String(p.name),
				Arn:                 aws.String(p.arn),
			})
		}
	}
	return &iam.ListInstanceProfilesForRoleOutput{InstanceProfiles: out}, nil
}

func (f *fakeIAM) AddRoleToInstanceProfile(_ context.Context, params *iam.AddRoleToInstanceProfileInput, _ ...func(*iam.Options)) (*iam.AddRoleToInstanceProfileOutput, error) {
	p, ok := f.profiles[aws.ToString(params.InstanceProfileName)]
	if !ok {
		return nil, noSuchEntity("instance profile not found")
	}
	f.mutations++
	p.roles = append(p.roles, aws.ToString(params.RoleName))
	return &iam.AddRoleToInstanceProfileOutput{}, nil
}

func (f *fakeIAM) RemoveRoleFromInstanceProfile(_ context.Context, params *iam.RemoveRoleFromInstanceProfileInput, _ ...func(*iam.Options)) (*iam.RemoveRoleFromInstanceProfileOutput, error) {
	p, ok := f.profiles[aws.ToString(params.InstanceProfileName)]
	if !ok {
		return nil, noSuchEntity("instance profile not found")
	}
	f.mutations++
	p.roles = slices.DeleteFunc(p.roles, func(r string) bool {
		return r == aws.ToString(params.RoleName)
	})
	return &iam.RemoveRoleFromInstanceProfileOutput{}, nil
}

func (f *fakeIAM) DeleteInstanceProfile(_ context.Context, params *iam.DeleteInstanceProfileInput, _ ...func(*iam.Options)) (*iam.DeleteInstanceProfileOutput, error) {
	name := aws.ToString(params.InstanceProfileName)
	p, ok := f.profiles[name]
	if !ok {
		return nil, noSuchEntity("instance profile not found")
	}
	if len(p.roles) > 0 {
		return nil, apiError("DeleteConflict", "instance profile has roles")
	}
	f.mutations++
	delete(f.profiles, name)
	return &iam.DeleteInstanceProfileOutput{}, nil
}

// ---- Batch fake ----

type fakeBatch struct {
	envs []batchtypes.ComputeEnvironmentDetail

	// deletingPolls counts, per ARN, how many targeted describes keep
	// reporting DELETING before the environment flips to DELETED.
	deletingPolls map[string]int
}

func newFakeBatch() *fakeBatch {
	return &fakeBatch{deletingPolls: map[string]int{}}
}

func (f *fakeBatch) addEnv(name, roleARN string, status batchtypes.CEStatus, groupIDs ...string) string {
	arn := "arn:aws:batch:us-east-1:123456789012:compute-environment/" + name
	env := batchtypes.ComputeEnvironmentDetail{
		ComputeEnvironmentName: aws.String(name),
		ComputeEnvironmentArn:  aws.String(arn),
		ServiceRole:            aws.String(roleARN),
		Status:                 status,
	}
	if len(groupIDs) > 0 {
		env.ComputeResources = &batchtypes.ComputeResource{SecurityGroupIds: groupIDs}
	}
	f.envs = append(f.envs, env)
	return arn
}

func (f *fakeBatch) DescribeComputeEnvironments(_ context.Context, params *batch.DescribeComputeEnvironmentsInput, _ ...func(*batch.Options)) (*batch.DescribeComputeEnvironmentsOutput, error) {
	if len(params.ComputeEnvironments) == 0 {
		return &batch.DescribeComputeEnvironmentsOutput{ComputeEnvironments: f.envs}, nil
	}
	var out []batchtypes.ComputeEnvironmentDetail
	for i := range f.envs {
		env := &f.envs[i]
		arn := aws.ToString(env.ComputeEnvironmentArn)
		if !slices.Contains(params.ComputeEnvironments, arn) &&
			!slices.Contains(params.ComputeEnvironments, aws.ToString(env.ComputeEnvironmentName)) {
			continue
		}
		if env.Status == batchtypes.CEStatusDeleting {
			if n := f.deletingPolls[arn]; n > 0 {
				f.deletingPolls[arn] = n - 1
			} else {
				env.Status = batchtypes.CEStatusDeleted
			}
		}
		out = append(out, *env)
	}
	return &batch.DescribeComputeEnvironmentsOutput{ComputeEnvironments: out}, nil
}
