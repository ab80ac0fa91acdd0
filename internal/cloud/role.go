package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	batchtypes "github.com/aws/aws-sdk-go-v2/service/batch/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"

	"github.com/cloudknot-io/cloudknot/internal/logging"
	"github.com/cloudknot-io/cloudknot/internal/registry"
)

const (
	defaultRoleDescription = "This role was generated by cloudknot"
	defaultRoleService     = "ecs-tasks"
	serviceSuffix          = ".amazonaws.com"
)

// roleServices is the allow-list of trust-policy principal services.
var roleServices = []string{"batch", "ec2", "ecs-tasks", "lambda", "spotfleet"}

// RoleOptions names an IAM role to adopt, or supplies creation parameters for
// a new one. A bare Name adopts; any other field set requests creation.
type RoleOptions struct {
	Name            string
	Description     string
	Service         string
	Policies        []string
	InstanceProfile bool
}

// Role manages an IAM role with an AWS service trust policy and a set of
// attached managed policies.
type Role struct {
	gw  *Gateway
	reg *registry.Registry

	name            string
	arn             string
	description     string
	service         string // fully qualified, e.g. "batch.amazonaws.com"
	policies        []string
	instanceProfile bool
	preExisting     bool
	clobbered       bool
}

// NewRole adopts the named IAM role if it exists, or creates it from the
// supplied parameters. Every named policy must already exist in the remote
// policy catalog; validation happens before any remote mutation.
func NewRole(ctx context.Context, gw *Gateway, reg *registry.Registry, opts RoleOptions) (*Role, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("role name is required")
	}

	rec, exists, err := resolveRole(ctx, gw, opts.Name)
	if err != nil {
		return nil, err
	}

	r := &Role{gw: gw, reg: reg, name: opts.Name}

	if exists {
		if opts.Description != "" || opts.Service != "" || len(opts.Policies) > 0 || opts.InstanceProfile {
			return nil, &ResourceExistsError{
				ResourceID: opts.Name,
				Message:    "you specified parameters for a role that already exists; choose a different name, or retrieve the role with only its name",
			}
		}
		r.description = rec.Description
		r.service = rec.Service
		r.policies = rec.Policies
		r.arn = rec.ARN
		r.preExisting = true
		if err := reg.Add(r.registrySection(), r.name, r.arn); err != nil {
			return nil, err
		}
		logging.Info("retrieved pre-existing IAM role", "name", r.name, "arn", r.arn)
		return r, nil
	}

	if opts.Description == "" && opts.Service == "" && len(opts.Policies) == 0 && !opts.InstanceProfile {
		return nil, &ResourceDoesNotExistError{ResourceID: opts.Name}
	}

	r.description = defaultRoleDescription
	if opts.Description != "" {
		r.description = opts.Description
	}
	service := defaultRoleService
	if opts.Service != "" {
		service = opts.Service
	}
	if !slices.Contains(roleServices, service) {
		return nil, fmt.Errorf("service must be one of %v, got %q", roleServices, service)
	}
	r.service = service + serviceSuffix
	r.instanceProfile = opts.InstanceProfile

	// Deduplicate and validate against the full remote catalog before any
	// mutation; unknown policy names must fail construction cleanly.
	policies := dedupe(opts.Policies)
	catalog, err := listPolicyNames(ctx, gw)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, p := range policies {
		if _, ok := catalog[p]; !ok {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("could not find the policies %v on AWS", missing)
	}
	r.policies = policies

	if err := r.create(ctx, catalog); err != nil {
		return nil, err
	}
	return r, nil
}

// Name returns the role name.
func (r *Role) Name() string { return r.name }

// ID returns the role ARN.
func (r *Role) ID() string { return r.arn }

// ARN returns the role ARN.
func (r *Role) ARN() string { return r.arn }

// Description returns the role description.
func (r *Role) Description() string { return r.description }

// Service returns the fully qualified trust-policy principal service, e.g.
// "batch.amazonaws.com".
func (r *Role) Service() string { return r.service }

// Policies returns the names of the attached managed policies.
func (r *Role) Policies() []string {
	out := make([]string, len(r.policies))
	copy(out, r.policies)
	return out
}

// PreExisting reports whether this role was adopted rather than created.
func (r *Role) PreExisting() bool { return r.preExisting }

// Clobbered reports whether Clobber has completed.
func (r *Role) Clobbered() bool { return r.clobbered }

// InstanceProfileARN returns the ARN of the instance profile attached to this
// role, or "" when none is attached.
func (r *Role) InstanceProfileARN(ctx context.Context) (string, error) {
	if r.clobbered {
		return "", &ResourceClobberedError{ResourceID: r.arn}
	}
	out, err := r.gw.IAM.ListInstanceProfilesForRole(ctx, &iam.ListInstanceProfilesForRoleInput{
		RoleName: aws.String(r.name),
	})
	if err != nil {
		return "", fmt.Errorf("failed to list instance profiles for role %s: %w", r.name, err)
	}
	if len(out.InstanceProfiles) == 0 {
		return "", nil
	}
	return aws.ToString(out.InstanceProfiles[0].Arn), nil
}

func (r *Role) registrySection() string {
	return strings.TrimSuffix(r.service, serviceSuffix) + registry.RoleSectionSuffix
}

func (r *Role) create(ctx context.Context, catalog map[string]string) error {
	doc, err := json.Marshal(trustPolicy{
		Version: "2012-10-17",
		Statement: []trustStatement{{
			Effect:    "Allow",
			Principal: trustPrincipal{Service: r.service},
			Action:    "sts:AssumeRole",
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to serialize trust policy: %w", err)
	}

	out, err := r.gw.IAM.CreateRole(ctx, &iam.CreateRoleInput{
		RoleName:                 aws.String(r.name),
		AssumeRolePolicyDocument: aws.String(string(doc)),
		Description:              aws.String(r.description),
	})
	if err != nil {
		return fmt.Errorf("failed to create role %s: %w", r.name, err)
	}
	r.arn = aws.ToString(out.Role.Arn)
	logging.Info("created IAM role", "name", r.name, "arn", r.arn)

	for _, p := range r.policies {
		arn := catalog[p]
		// Attaches to a fresh role can race IAM propagation.
		err := r.gw.lookupPolicy().Retry(ctx, func(ctx context.Context) error {
			_, err := r.gw.IAM.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
				PolicyArn: aws.String(arn),
				RoleName:  aws.String(r.name),
			})
			return err
		}, func(err error) bool {
			return errCodeIs(err, codeNoSuchEntity)
		})
		if err != nil {
			return fmt.Errorf("failed to attach policy %s to role %s: %w", p, r.name, err)
		}
		logging.Info("attached policy", "policy", p, "role", r.name)
	}

	if r.instanceProfile {
		if err := r.addInstanceProfile(ctx); err != nil {
			return err
		}
	}

	return r.reg.Add(r.registrySection(), r.name, r.arn)
}

// addInstanceProfile creates an instance profile sharing the role's name and
// attaches the role to it, tolerating an already-existing profile.
func (r *Role) addInstanceProfile(ctx context.Context) error {
	_, err := r.gw.IAM.CreateInstanceProfile(ctx, &iam.CreateInstanceProfileInput{
		InstanceProfileName: aws.String(r.name),
	})
	switch {
	case err == nil:
		maxWait := r.gw.provisionPolicy().MaxElapsed
		werr := iam.NewInstanceProfileExistsWaiter(r.gw.IAM).Wait(ctx, &iam.GetInstanceProfileInput{
			InstanceProfileName: aws.String(r.name),
		}, maxWait)
		if werr != nil {
			return fmt.Errorf("instance profile %s never became visible: %w", r.name, werr)
		}
	case errCodeIs(err, codeEntityAlreadyExists):
		// Lost a creation race; attach to the existing profile.
	default:
		return fmt.Errorf("failed to create instance profile %s: %w", r.name, err)
	}

	if _, err := r.gw.IAM.AddRoleToInstanceProfile(ctx, &iam.AddRoleToInstanceProfileInput{
		InstanceProfileName: aws.String(r.name),
		RoleName:            aws.String(r.name),
	}); err != nil {
		return fmt.Errorf("failed to add role %s to instance profile: %w", r.name, err)
	}
	logging.Info("created instance profile", "name", r.name)
	return nil
}

// Clobber tears the role down: for batch service roles it first blocks on
// dependent compute environments, then detaches and deletes any instance
// profile, detaches all attached policies, deletes the role, and removes it
// from the registry.
func (r *Role) Clobber(ctx context.Context) error {
	if r.clobbered {
		return nil
	}

	if r.service == "batch"+serviceSuffix {
		if err := r.drainComputeEnvironments(ctx); err != nil {
			return err
		}
	}

	// The role cannot be deleted while an instance profile holds it.
	pout, err := r.gw.IAM.ListInstanceProfilesForRole(ctx, &iam.ListInstanceProfilesForRoleInput{
		RoleName: aws.String(r.name),
	})
	if err != nil {
		return fmt.Errorf("failed to list instance profiles for role %s: %w", r.name, err)
	}
	for _, profile := range pout.InstanceProfiles {
		if _, err := r.gw.IAM.RemoveRoleFromInstanceProfile(ctx, &iam.RemoveRoleFromInstanceProfileInput{
			InstanceProfileName: profile.InstanceProfileName,
			RoleName:            aws.String(r.name),
		}); err != nil {
			return fmt.Errorf("failed to detach role %s from instance profile %s: %w",
				r.name, aws.ToString(profile.InstanceProfileName), err)
		}
		if _, err := r.gw.IAM.DeleteInstanceProfile(ctx, &iam.DeleteInstanceProfileInput{
			InstanceProfileName: profile.InstanceProfileName,
		}); err != nil {
			return fmt.Errorf("failed to delete instance profile %s: %w",
				aws.ToString(profile.InstanceProfileName), err)
		}
	}

	// The attachment listing carries the policy ARNs directly.
	p := iam.NewListAttachedRolePoliciesPaginator(r.gw.IAM, &iam.ListAttachedRolePoliciesInput{
		RoleName: aws.String(r.name),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list attached policies of role %s: %w", r.name, err)
		}
		for _, ap := range page.AttachedPolicies {
			if _, err := r.gw.IAM.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
				PolicyArn: ap.PolicyArn,
				RoleName:  aws.String(r.name),
			}); err != nil {
				return fmt.Errorf("failed to detach policy %s from role %s: %w",
					aws.ToString(ap.PolicyName), r.name, err)
			}
		}
	}

	if _, err := r.gw.IAM.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: aws.String(r.name)}); err != nil {
		return fmt.Errorf("failed to delete role %s: %w", r.name, err)
	}

	if err := r.reg.Remove(r.registrySection(), r.name); err != nil {
		return err
	}
	r.clobbered = true
	logging.Info("clobbered IAM role", "name", r.name)
	return nil
}

// drainComputeEnvironments blocks role deletion on dependent batch compute
// environments. Deleting a batch service role out from under a live compute
// environment leaves the environment INVALID, so environments not already
// transitioning to deleted fail the teardown.
func (r *Role) drainComputeEnvironments(ctx context.Context) error {
	dependent, err := computeEnvironmentsUsingRole(ctx, r.gw, r.arn)
	if err != nil {
		return err
	}

	var conflicting []string
	for _, ce := range dependent {
		if ce.Status != batchtypes.CEStatusDeleting && ce.Status != batchtypes.CEStatusDeleted {
			conflicting = append(conflicting, aws.ToString(ce.ComputeEnvironmentArn))
		}
	}
	if len(conflicting) > 0 {
		return &CannotDeleteResourceError{
			ResourceIDs: conflicting,
			Message:     fmt.Sprintf("role %s has compute environments that are not being deleted; delete them first", r.name),
		}
	}

	for _, ce := range dependent {
		if err := waitForComputeEnvironment(ctx, r.gw, aws.ToString(ce.ComputeEnvironmentArn)); err != nil {
			return err
		}
	}
	return nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
