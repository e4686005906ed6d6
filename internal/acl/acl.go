// Package acl defines the access control list attached to every stored file
// and the decision logic that gates reads and writes against it.
package acl

import (
	"fmt"

	"github.com/google/uuid"
)

// SecurityGroup is the trust level a caller must hold to access a file.
// The values are ordered by increasing trust requirement, with Owner as a
// distinguished level that bypasses ACL evaluation entirely.
type SecurityGroup int

const (
	// Anonymous grants access to anyone, including unauthenticated callers.
	Anonymous SecurityGroup = iota
	// Authenticated requires the caller to be a recognized network
	// participant, regardless of connection state.
	Authenticated
	// Connected requires a confirmed bidirectional connection with the
	// drive owner.
	Connected
	// CircleConnected requires a connection plus membership in at least one
	// of the ACL's circles.
	CircleConnected
	// CustomList requires the caller's identity to appear on the ACL's
	// explicit identity list.
	CustomList
	// Owner bypasses ACL evaluation; only the drive owner holds it.
	Owner
)

// String returns the security group name for logging.
func (g SecurityGroup) String() string {
	switch g {
	case Anonymous:
		return "anonymous"
	case Authenticated:
		return "authenticated"
	case Connected:
		return "connected"
	case CircleConnected:
		return "circle_connected"
	case CustomList:
		return "custom_list"
	case Owner:
		return "owner"
	default:
		return fmt.Sprintf("security_group(%d)", int(g))
	}
}

// List is the access control list stored with a file. RequiredSecurityGroup
// is always set; CircleIDs and IdentityList only apply to the groups that
// consult them. A CircleConnected list with no circles, or a CustomList with
// no identities, is structurally valid but denies everyone.
type List struct {
	RequiredSecurityGroup SecurityGroup `json:"requiredSecurityGroup"`
	CircleIDs             []uuid.UUID   `json:"circleIds,omitempty"`
	IdentityList          []string      `json:"identityList,omitempty"`
}

// ValidationError reports which ACL invariant a list violates.
type ValidationError struct {
	Group  SecurityGroup
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid ACL for %s: %s", e.Group, e.Reason)
}

// Validate checks the structural invariants of the list. It must run before
// a file is ever stored with the ACL; it is a write-time precondition, not an
// on-read check.
func (l *List) Validate() error {
	switch l.RequiredSecurityGroup {
	case Anonymous, Owner:
		if len(l.CircleIDs) > 0 {
			return &ValidationError{l.RequiredSecurityGroup, "circle list must be empty"}
		}
		if len(l.IdentityList) > 0 {
			return &ValidationError{l.RequiredSecurityGroup, "identity list must be empty"}
		}
	case Authenticated:
		if len(l.CircleIDs) > 0 {
			return &ValidationError{l.RequiredSecurityGroup, "circle list must be empty"}
		}
	case Connected, CircleConnected, CustomList:
		// No structural constraints; an empty circle or identity list is
		// valid and denies everyone.
	default:
		return &ValidationError{l.RequiredSecurityGroup, "unknown security group"}
	}
	return nil
}
