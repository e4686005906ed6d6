package acl

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// CallerContext describes the authenticated caller as established by the
// authentication handshake. Connection state and circle membership lookups
// are delegated to the implementation.
type CallerContext interface {
	// IsOwner reports whether the caller is the tenant that owns the drive.
	IsOwner() bool
	// Identity returns the caller's domain identity, empty if anonymous.
	Identity() string
	// IsNetworkAuthenticated reports whether the caller completed
	// identity-level authentication, regardless of connection state.
	IsNetworkAuthenticated() bool
	// CircleIDs returns the circles the drive owner has placed the caller in.
	CircleIDs() []uuid.UUID
	// IsConnectedTo reports whether the caller holds a confirmed
	// bidirectional connection with the given identity.
	IsConnectedTo(identity string) bool
}

// SecurityError is returned when an assertion of access fails. No partial
// data is released alongside it.
type SecurityError struct {
	Identity string
	Required SecurityGroup
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("access denied: caller %q does not meet %s", e.Identity, e.Required)
}

// Authorizer decides whether a caller may access a file given its ACL. It
// holds no state and is safe for concurrent use.
type Authorizer struct {
	ownerIdentity string
}

// NewAuthorizer creates an authorizer for the tenant with the given identity.
func NewAuthorizer(ownerIdentity string) *Authorizer {
	return &Authorizer{ownerIdentity: ownerIdentity}
}

// CallerHasPermission evaluates the ACL against the caller. The owner always
// passes; a missing ACL denies every other caller. The dispatch is total: an
// unrecognized security group denies, so a new group value forces an explicit
// decision here rather than silently allowing.
func (a *Authorizer) CallerHasPermission(list *List, caller CallerContext) bool {
	if caller.IsOwner() {
		return true
	}
	if list == nil {
		return false
	}

	switch list.RequiredSecurityGroup {
	case Anonymous:
		return true
	case Authenticated:
		return caller.IsNetworkAuthenticated()
	case Connected:
		return caller.IsConnectedTo(a.ownerIdentity)
	case CircleConnected:
		return caller.IsConnectedTo(a.ownerIdentity) && inAnyCircle(caller.CircleIDs(), list.CircleIDs)
	case CustomList:
		return caller.IsNetworkAuthenticated() && onIdentityList(caller.Identity(), list.IdentityList)
	case Owner:
		// Owner-level ACLs never match a non-owner caller.
		return false
	default:
		return false
	}
}

// AssertCallerHasPermission makes the same decision as CallerHasPermission
// but fails with a SecurityError instead of returning false. Write paths use
// it so a denial is never silent.
func (a *Authorizer) AssertCallerHasPermission(list *List, caller CallerContext) error {
	if a.CallerHasPermission(list, caller) {
		return nil
	}
	required := Owner
	if list != nil {
		required = list.RequiredSecurityGroup
	}
	return &SecurityError{Identity: caller.Identity(), Required: required}
}

func inAnyCircle(memberOf, required []uuid.UUID) bool {
	for _, c := range memberOf {
		for _, r := range required {
			if c == r {
				return true
			}
		}
	}
	return false
}

func onIdentityList(identity string, list []string) bool {
	if identity == "" {
		return false
	}
	for _, entry := range list {
		if strings.EqualFold(entry, identity) {
			return true
		}
	}
	return false
}
