package cloud

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/smithy-go"
)

// Remote error codes the engine branches on. Anything outside this set passes
// through to the caller verbatim.
const (
	codeVpcNotFound         = "InvalidVpcID.NotFound"
	codeSubnetNotFound      = "InvalidSubnetID.NotFound"
	codeGroupNotFound       = "InvalidGroup.NotFound"
	codeGroupIDMalformed    = "InvalidGroupId.Malformed"
	codeDependencyViolation = "DependencyViolation"
	codeNoSuchEntity        = "NoSuchEntity"
	codeEntityAlreadyExists = "EntityAlreadyExists"
)

// ResourceExistsError reports that construction supplied creation parameters
// for a resource that already exists remotely.
type ResourceExistsError struct {
	ResourceID string
	Message    string
}

func (e *ResourceExistsError) Error() string {
	return fmt.Sprintf("resource %s already exists: %s", e.ResourceID, e.Message)
}

// ResourceDoesNotExistError reports that an explicitly supplied identifier
// matched nothing remotely.
type ResourceDoesNotExistError struct {
	ResourceID string
}

func (e *ResourceDoesNotExistError) Error() string {
	return fmt.Sprintf("resource %s does not exist", e.ResourceID)
}

// ResourceClobberedError reports a lifecycle call on an already destroyed
// resource.
type ResourceClobberedError struct {
	ResourceID string
}

func (e *ResourceClobberedError) Error() string {
	return fmt.Sprintf("resource %s has already been clobbered", e.ResourceID)
}

// CannotDeleteResourceError reports destruction blocked by live dependents.
// ResourceIDs lists the blockers so the caller can resolve them manually.
type CannotDeleteResourceError struct {
	ResourceIDs []string
	Message     string
}

func (e *CannotDeleteResourceError) Error() string {
	return fmt.Sprintf("%s: blocked by %v", e.Message, e.ResourceIDs)
}

// errCodeIs reports whether err carries one of the given AWS error codes.
func errCodeIs(err error, codes ...string) bool {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return false
	}
	for _, code := range codes {
		if ae.ErrorCode() == code {
			return true
		}
	}
	return false
}

// isWaiterTimeout matches the smithy waiter budget error. The SDK exposes it
// only as text.
func isWaiterTimeout(err error) bool {
	return err != nil && strings.Contains(err.Error(), "exceeded max wait time")
}
