// Package outbox implements the durable per-tenant transfer queue, the
// process-wide pending-senders index, and the drain worker that delivers
// queued files to recipient servers.
//
// Items move through a two-phase checkout: LeaseBatch marks a set of items
// checked-out under a single lease token, and the lease is then either
// committed (items removed) or cancelled (items returned to the queue with a
// failure attempt recorded). Lease state is durable, so a crash between
// lease and commit is recovered by expiry rather than lost.
package outbox

import (
	"time"

	"github.com/google/uuid"
)

// FailureReason classifies a failed delivery attempt.
type FailureReason string

const (
	// ReasonNotResponding covers timeouts and unreachable recipient servers.
	ReasonNotResponding FailureReason = "recipient_not_responding"
	// ReasonServerError covers 5xx-class responses from the recipient.
	ReasonServerError FailureReason = "recipient_server_error"
	// ReasonAccessDenied means the recipient rejected the sender's identity.
	ReasonAccessDenied FailureReason = "access_denied"
	// ReasonBadRequest means the recipient rejected the transfer itself.
	ReasonBadRequest FailureReason = "bad_request"
	// ReasonLeaseExpired is recorded when a crashed process left a lease
	// outstanding and recovery re-queued the item.
	ReasonLeaseExpired FailureReason = "lease_expired"
)

// Transient reports whether a retry can reasonably succeed later.
func (r FailureReason) Transient() bool {
	switch r {
	case ReasonNotResponding, ReasonServerError, ReasonLeaseExpired:
		return true
	default:
		return false
	}
}

// TransferAttempt records one failed delivery. The history is append-only.
type TransferAttempt struct {
	Reason    FailureReason `json:"reason"`
	Timestamp int64         `json:"timestamp"` // unix millis
}

// Item is one pending transfer of a file to a single recipient. One item
// exists per (file, recipient) pair; it is removed when delivery commits.
type Item struct {
	ID        uuid.UUID `json:"id"`
	Recipient string    `json:"recipient"`
	DriveID   uuid.UUID `json:"driveId"`
	FileID    uuid.UUID `json:"fileId"`
	// Priority orders draining; lower values drain first. It is a hint,
	// not a strict FIFO contract.
	Priority int               `json:"priority"`
	Attempts []TransferAttempt `json:"attempts,omitempty"`
	// CheckedOut marks the item as claimed by an outstanding lease.
	CheckedOut bool `json:"checkedOut"`
	// Failed marks the item as permanently failed: it stays visible for
	// diagnostics but is never leased again.
	Failed          bool  `json:"failed"`
	IsTransientFile bool  `json:"isTransientFile"`
	AddedAt         int64 `json:"addedTimestamp"` // unix millis
}

// itemState is the opaque serialized blob stored with each queue row. The
// row keys (drive, file) and scheduling columns live beside it; everything
// else rides in here.
type itemState struct {
	Recipient       string            `json:"recipient"`
	Attempts        []TransferAttempt `json:"attempts,omitempty"`
	IsTransientFile bool              `json:"isTransientFile"`
}

// LeaseToken is the commit/cancel unit for one leased batch. A token covers
// every item returned by the LeaseBatch call that produced it.
type LeaseToken struct {
	ID        uuid.UUID
	DriveID   uuid.UUID
	ItemIDs   []uuid.UUID
	ExpiresAt time.Time
}

// Marker is the commit/cancel unit for one drained set of pending senders.
type Marker struct {
	ID        uuid.UUID
	Senders   []string
	ExpiresAt time.Time
}
