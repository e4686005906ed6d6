package outbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meshvault/meshvault/internal/metrics"
	"github.com/meshvault/meshvault/internal/storage"
)

var pendingMigrations = []string{
	`CREATE TABLE IF NOT EXISTS pending_senders (
		sender         TEXT PRIMARY KEY,
		added_at       INTEGER NOT NULL,
		marker         TEXT,
		marker_expires INTEGER
	)`,
}

// PendingSenders is the process-wide durable index of which tenants
// currently have outbox work. The drain loop claims the whole set at once
// instead of polling every tenant, bounding scheduling cost to the number of
// active tenants.
type PendingSenders struct {
	db            *storage.DB
	claimTimeout  time.Duration
	logger        zerolog.Logger
	metrics       *metrics.OutboxMetrics
	onPendingWork func()
}

// PendingConfig configures the pending-senders index.
type PendingConfig struct {
	// ClaimTimeout bounds how long a GetSenders marker may stay
	// uncommitted before its senders become claimable again.
	ClaimTimeout time.Duration
	Logger       zerolog.Logger
	Metrics      *metrics.OutboxMetrics
}

// NewPendingSenders opens the index over the process's system database.
func NewPendingSenders(db *storage.DB, cfg PendingConfig) (*PendingSenders, error) {
	if err := db.Migrate(pendingMigrations); err != nil {
		return nil, err
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 5 * time.Minute
	}
	p := &PendingSenders{
		db:           db,
		claimTimeout: cfg.ClaimTimeout,
		logger:       cfg.Logger.With().Str("component", "pending-senders").Logger(),
		metrics:      cfg.Metrics,
	}
	p.refreshGauge(context.Background())
	return p, nil
}

// OnPendingWork registers a callback fired whenever a sender is marked
// pending; the drain worker uses it as a wake-up signal.
func (p *PendingSenders) OnPendingWork(fn func()) {
	p.onPendingWork = fn
}

// EnsureSenderIsPending idempotently marks a tenant as having outbox work.
// Calling it repeatedly before a drain collapses to one visible entry. If
// the sender is currently claimed by a drain cycle, the claim is cleared so
// work enqueued mid-cycle survives the cycle's commit.
func (p *PendingSenders) EnsureSenderIsPending(ctx context.Context, sender string) error {
	if sender == "" {
		return fmt.Errorf("sender identity is required")
	}
	_, err := p.db.Handle().ExecContext(ctx,
		`INSERT INTO pending_senders (sender, added_at) VALUES (?, ?)
		 ON CONFLICT(sender) DO UPDATE SET marker = NULL, marker_expires = NULL`,
		strings.ToLower(sender), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("mark sender pending: %w", err)
	}
	p.refreshGauge(ctx)
	if p.onPendingWork != nil {
		p.onPendingWork()
	}
	return nil
}

// GetSenders atomically claims every unclaimed sender and returns them with
// a marker. The caller must Commit the marker once the senders have been
// drained, or Cancel it to release them; a marker left outstanding past its
// expiry is reclaimed automatically. Returns a nil marker when nothing is
// pending.
func (p *PendingSenders) GetSenders(ctx context.Context) ([]string, *Marker, error) {
	tx, err := p.db.BeginTx(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin sender claim: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UnixMilli()
	rows, err := tx.QueryContext(ctx,
		`SELECT sender FROM pending_senders
		 WHERE marker IS NULL OR marker_expires < ?
		 ORDER BY added_at ASC`, now)
	if err != nil {
		return nil, nil, fmt.Errorf("select pending senders: %w", err)
	}
	var senders []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			rows.Close() //nolint:errcheck
			return nil, nil, fmt.Errorf("scan pending sender: %w", err)
		}
		senders = append(senders, s)
	}
	rows.Close() //nolint:errcheck
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("select pending senders: %w", err)
	}
	if len(senders) == 0 {
		return nil, nil, nil
	}

	marker := &Marker{
		ID:        uuid.New(),
		Senders:   senders,
		ExpiresAt: time.Now().Add(p.claimTimeout),
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE pending_senders SET marker = ?, marker_expires = ?
		 WHERE marker IS NULL OR marker_expires < ?`,
		marker.ID.String(), marker.ExpiresAt.UnixMilli(), now)
	if err != nil {
		return nil, nil, fmt.Errorf("claim pending senders: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit sender claim: %w", err)
	}
	return senders, marker, nil
}

// Commit removes the claimed senders from the index.
func (p *PendingSenders) Commit(ctx context.Context, marker *Marker) error {
	_, err := p.db.Handle().ExecContext(ctx,
		`DELETE FROM pending_senders WHERE marker = ?`, marker.ID.String())
	if err != nil {
		return fmt.Errorf("commit sender claim: %w", err)
	}
	p.refreshGauge(ctx)
	return nil
}

// Cancel releases the claimed senders back to the index without removing
// them; the next GetSenders will return them again.
func (p *PendingSenders) Cancel(ctx context.Context, marker *Marker) error {
	_, err := p.db.Handle().ExecContext(ctx,
		`UPDATE pending_senders SET marker = NULL, marker_expires = NULL WHERE marker = ?`,
		marker.ID.String())
	if err != nil {
		return fmt.Errorf("cancel sender claim: %w", err)
	}
	return nil
}

// Count returns the number of pending entries, claimed or not.
func (p *PendingSenders) Count(ctx context.Context) (int, error) {
	var n int
	err := p.db.Handle().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_senders`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending senders: %w", err)
	}
	return n, nil
}

func (p *PendingSenders) refreshGauge(ctx context.Context) {
	if p.metrics == nil {
		return
	}
	if n, err := p.Count(ctx); err == nil {
		p.metrics.PendingSenders.Set(float64(n))
	}
}
