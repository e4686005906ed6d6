// Package drive owns drive definitions: logical, access-controlled file
// containers belonging to one tenant. Drive policy is mutated only through
// the Registry; other components query it.
package drive

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrDriveExists is returned when a drive with the same target
	// (alias, type) pair already exists for the tenant.
	ErrDriveExists = errors.New("drive already exists")
	// ErrDriveNotFound is returned when a drive cannot be found and the
	// caller asked for a hard failure.
	ErrDriveNotFound = errors.New("invalid drive")
)

// TargetDrive identifies a logical drive independent of its storage-side id.
// The (Alias, Type) pair is globally unique per tenant.
type TargetDrive struct {
	Alias uuid.UUID `json:"alias"`
	Type  uuid.UUID `json:"type"`
}

// IsValid reports whether both halves of the target are set.
func (t TargetDrive) IsValid() bool {
	return t.Alias != uuid.Nil && t.Type != uuid.Nil
}

func (t TargetDrive) String() string {
	return t.Alias.String() + "/" + t.Type.String()
}

// Drive is a stored drive definition.
type Drive struct {
	ID                  uuid.UUID   `json:"id"`
	Name                string      `json:"name"`
	TargetDrive         TargetDrive `json:"targetDrive"`
	AllowAnonymousReads bool        `json:"allowAnonymousReads"`
	OwnerOnly           bool        `json:"ownerOnly"`
	AllowSubscriptions  bool        `json:"allowSubscriptions"`
	Metadata            string      `json:"metadata"`
}

// CreateRequest carries the parameters for Registry.Create.
type CreateRequest struct {
	Name                string
	TargetDrive         TargetDrive
	AllowAnonymousReads bool
	OwnerOnly           bool
	AllowSubscriptions  bool
	Metadata            string
}

// InvalidArgumentError is a client error: the request itself is malformed
// and must be rejected synchronously, never stored or retried.
type InvalidArgumentError struct {
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid drive request: %s", e.Reason)
}

// validate checks the request invariants. An owner-only drive can be neither
// anonymously readable nor subscribable.
func (r *CreateRequest) validate() error {
	if r.Name == "" {
		return &InvalidArgumentError{Reason: "name is required"}
	}
	if !r.TargetDrive.IsValid() {
		return &InvalidArgumentError{Reason: "target drive alias and type are required"}
	}
	if r.OwnerOnly && r.AllowAnonymousReads {
		return &InvalidArgumentError{Reason: "owner-only drive cannot allow anonymous reads"}
	}
	if r.OwnerOnly && r.AllowSubscriptions {
		return &InvalidArgumentError{Reason: "owner-only drive cannot allow subscriptions"}
	}
	return nil
}
