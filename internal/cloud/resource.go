package cloud

import "context"

// Resource is the capability shared by every managed AWS resource: it has a
// name, a remote identifier, and can be torn down exactly once.
type Resource interface {
	// Name is the human-assigned identifier, unique within the resource's
	// registry section.
	Name() string
	// ID is the canonical remote identifier (VPC ID, group ID, role ARN).
	ID() string
	// PreExisting reports whether the resource was adopted rather than
	// created by this process.
	PreExisting() bool
	// Clobbered reports whether Clobber has completed.
	Clobbered() bool
	// Clobber deletes the remote resource and removes it from the registry.
	// It is a no-op once the resource is clobbered.
	Clobber(ctx context.Context) error
}

var (
	_ Resource = (*VPC)(nil)
	_ Resource = (*SecurityGroup)(nil)
	_ Resource = (*Role)(nil)
)
