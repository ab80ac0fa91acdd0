package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cloudknot-io/cloudknot/internal/cloud"
	"github.com/cloudknot-io/cloudknot/internal/logging"
	"github.com/cloudknot-io/cloudknot/internal/registry"
)

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Delete every resource tracked in the registry",
	Long: `Deletes all resources cloudknot is tracking, in dependency order:
security groups first, then VPCs, then IAM roles.

Resources that fail to delete stay in the registry; rerun 'cloudknot down'
after resolving the reported blockers. Registry entries whose remote
resource is already gone are dropped with a warning.`,
	RunE: runDown,
}

func runDown(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	reg, err := openRegistry()
	if err != nil {
		return err
	}
	if len(reg.Sections()) == 0 {
		fmt.Printf("No tracked resources in %s\n", reg.Path())
		return nil
	}

	gw, err := cloud.NewGateway(ctx, rootRegion)
	if err != nil {
		return err
	}

	var errs []error

	for id := range reg.List(registry.SectionSecurityGroups) {
		errs = append(errs, clobberSecurityGroup(ctx, gw, reg, id))
	}
	for id := range reg.List(registry.SectionVpcs) {
		errs = append(errs, clobberVPC(ctx, gw, reg, id))
	}
	for _, section := range reg.Sections() {
		if !strings.HasSuffix(section, registry.RoleSectionSuffix) {
			continue
		}
		for name := range reg.List(section) {
			errs = append(errs, clobberRole(ctx, gw, reg, section, name))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("teardown incomplete: %w", err)
	}
	fmt.Println("All tracked resources deleted.")
	return nil
}

func clobberSecurityGroup(ctx context.Context, gw *cloud.Gateway, reg *registry.Registry, id string) error {
	sg, err := cloud.NewSecurityGroup(ctx, gw, reg, cloud.SecurityGroupOptions{GroupID: id})
	if err != nil {
		return dropIfStale(reg, registry.SectionSecurityGroups, id, err)
	}
	return sg.Clobber(ctx)
}

func clobberVPC(ctx context.Context, gw *cloud.Gateway, reg *registry.Registry, id string) error {
	v, err := cloud.NewVPC(ctx, gw, reg, cloud.VPCOptions{VpcID: id})
	if err != nil {
		return dropIfStale(reg, registry.SectionVpcs, id, err)
	}
	return v.Clobber(ctx)
}

func clobberRole(ctx context.Context, gw *cloud.Gateway, reg *registry.Registry, section, name string) error {
	r, err := cloud.NewRole(ctx, gw, reg, cloud.RoleOptions{Name: name})
	if err != nil {
		return dropIfStale(reg, section, name, err)
	}
	return r.Clobber(ctx)
}

// dropIfStale removes a registry entry whose remote resource no longer
// exists. Any other construction error passes through for the caller to
// report.
func dropIfStale(reg *registry.Registry, section, id string, err error) error {
	var missing *cloud.ResourceDoesNotExistError
	if !errors.As(err, &missing) {
		return err
	}
	logging.Warn("dropping registry entry; remote resource is gone", "section", section, "id", id)
	return reg.Remove(section, id)
}
