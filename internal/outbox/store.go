package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meshvault/meshvault/internal/metrics"
	"github.com/meshvault/meshvault/internal/storage"
)

var (
	// ErrUnknownLease is returned by Commit and Cancel when the token no
	// longer matches any checked-out items, typically because the lease
	// expired and was recovered.
	ErrUnknownLease = errors.New("unknown or expired lease")
	// ErrItemNotFound is returned by item-level operations for missing ids.
	ErrItemNotFound = errors.New("outbox item not found")
)

var storeMigrations = []string{
	`CREATE TABLE IF NOT EXISTS outbox (
		id            TEXT PRIMARY KEY,
		drive_id      TEXT NOT NULL,
		file_id       TEXT NOT NULL,
		recipient     TEXT NOT NULL,
		priority      INTEGER NOT NULL DEFAULT 0,
		added_at      INTEGER NOT NULL,
		checked_out   INTEGER NOT NULL DEFAULT 0,
		lease_id      TEXT,
		lease_expires INTEGER,
		failed        INTEGER NOT NULL DEFAULT 0,
		state         BLOB NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_outbox_file_recipient
		ON outbox(drive_id, file_id, recipient)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_visible
		ON outbox(drive_id, checked_out, failed, priority, added_at)`,
}

// PendingNotifier marks a tenant as having outbox work. The pending-senders
// index implements it; tests substitute a recorder.
type PendingNotifier interface {
	EnsureSenderIsPending(ctx context.Context, sender string) error
}

// PageOptions bounds GetPendingItems. A zero Limit means no bound.
type PageOptions struct {
	Offset int
	Limit  int
}

// Store is one tenant's durable outbox queue. All local queue operations run
// in local-storage latency and perform no network I/O; delivery happens in
// the drain worker against leased items.
type Store struct {
	db           *storage.DB
	tenant       string
	leaseTimeout time.Duration
	notifier     PendingNotifier
	logger       zerolog.Logger
	metrics      *metrics.OutboxMetrics
}

// StoreConfig configures a tenant outbox store.
type StoreConfig struct {
	Tenant       string
	LeaseTimeout time.Duration
	Notifier     PendingNotifier
	Logger       zerolog.Logger
	Metrics      *metrics.OutboxMetrics
}

// NewStore opens a tenant's outbox over the given database and recovers any
// leases left behind by a previous process.
func NewStore(db *storage.DB, cfg StoreConfig) (*Store, error) {
	if err := db.Migrate(storeMigrations); err != nil {
		return nil, err
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = 5 * time.Minute
	}
	s := &Store{
		db:           db,
		tenant:       cfg.Tenant,
		leaseTimeout: cfg.LeaseTimeout,
		notifier:     cfg.Notifier,
		logger:       cfg.Logger.With().Str("component", "outbox").Str("tenant", cfg.Tenant).Logger(),
		metrics:      cfg.Metrics,
	}
	if _, err := s.RecoverExpiredLeases(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Tenant returns the identity of the tenant that owns this queue.
func (s *Store) Tenant() string { return s.tenant }

// Enqueue persists the items and marks the tenant pending in the
// process-wide index. Enqueueing an item for a (drive, file, recipient) that
// is already queued and not checked out replaces its priority; the attempt
// history is preserved.
func (s *Store) Enqueue(ctx context.Context, items ...Item) error {
	if len(items) == 0 {
		return nil
	}

	guard := s.db.BeginGroupedWrite()
	defer guard.Release()

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UnixMilli()
	for _, item := range items {
		if item.Recipient == "" {
			return fmt.Errorf("outbox item requires a recipient")
		}
		item.Recipient = strings.ToLower(item.Recipient)
		if item.DriveID == uuid.Nil || item.FileID == uuid.Nil {
			return fmt.Errorf("outbox item requires drive and file ids")
		}
		if item.ID == uuid.Nil {
			item.ID = uuid.New()
		}
		if item.AddedAt == 0 {
			item.AddedAt = now
		}

		blob, err := json.Marshal(itemState{
			Recipient:       item.Recipient,
			Attempts:        item.Attempts,
			IsTransientFile: item.IsTransientFile,
		})
		if err != nil {
			return fmt.Errorf("serialize item state: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO outbox (id, drive_id, file_id, recipient, priority, added_at, state)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(drive_id, file_id, recipient) DO UPDATE
			 SET priority = excluded.priority, added_at = excluded.added_at
			 WHERE checked_out = 0`,
			item.ID.String(), item.DriveID.String(), item.FileID.String(),
			item.Recipient, item.Priority, item.AddedAt, blob)
		if err != nil {
			return fmt.Errorf("enqueue item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit enqueue: %w", err)
	}

	if s.metrics != nil {
		s.metrics.ItemsEnqueued.Add(float64(len(items)))
	}

	if s.notifier != nil {
		if err := s.notifier.EnsureSenderIsPending(ctx, s.tenant); err != nil {
			return fmt.Errorf("mark sender pending: %w", err)
		}
	}
	return nil
}

// LeaseBatch atomically checks out up to maxCount visible items for the
// drive and returns them under a single lease token. Items under an
// outstanding lease are never returned to a concurrent caller. Lower
// priority values are preferred; ordering beyond that is not guaranteed.
// Returns a nil token when the drive has no visible items.
func (s *Store) LeaseBatch(ctx context.Context, driveID uuid.UUID, maxCount int) ([]Item, *LeaseToken, error) {
	if maxCount <= 0 {
		return nil, nil, fmt.Errorf("lease batch size must be positive")
	}

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin lease: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx,
		`SELECT id, drive_id, file_id, priority, added_at, checked_out, failed, state
		 FROM outbox
		 WHERE drive_id = ? AND checked_out = 0 AND failed = 0
		 ORDER BY priority ASC, added_at ASC
		 LIMIT ?`,
		driveID.String(), maxCount)
	if err != nil {
		return nil, nil, fmt.Errorf("select lease batch: %w", err)
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, nil, err
	}
	if len(items) == 0 {
		return nil, nil, nil
	}

	token := &LeaseToken{
		ID:        uuid.New(),
		DriveID:   driveID,
		ExpiresAt: time.Now().Add(s.leaseTimeout),
	}
	for i := range items {
		items[i].CheckedOut = true
		token.ItemIDs = append(token.ItemIDs, items[i].ID)
	}

	query, args := itemIDPlaceholders(
		`UPDATE outbox SET checked_out = 1, lease_id = ?, lease_expires = ? WHERE id IN (%s)`,
		[]any{token.ID.String(), token.ExpiresAt.UnixMilli()}, token.ItemIDs)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, nil, fmt.Errorf("mark lease: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit lease: %w", err)
	}
	return items, token, nil
}

// Commit permanently removes the leased items. Call it exactly once after
// the whole batch delivered successfully.
func (s *Store) Commit(ctx context.Context, token *LeaseToken) error {
	res, err := s.db.Handle().ExecContext(ctx,
		`DELETE FROM outbox WHERE lease_id = ?`, token.ID.String())
	if err != nil {
		return fmt.Errorf("commit lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("commit lease: %w", err)
	}
	if n == 0 {
		return ErrUnknownLease
	}
	return nil
}

// Cancel returns the leased items to the visible queue, appending one
// TransferAttempt with the given reason to each and clearing the checkout.
func (s *Store) Cancel(ctx context.Context, token *LeaseToken, reason FailureReason) error {
	n, err := s.requeue(ctx, `lease_id = ?`, []any{token.ID.String()}, reason)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUnknownLease
	}
	return nil
}

// RecoverExpiredLeases re-queues items whose lease expired without a commit
// or cancel, recording a lease-expired attempt. It runs at store open and
// before each drain cycle for the tenant.
func (s *Store) RecoverExpiredLeases(ctx context.Context) (int, error) {
	now := time.Now().UnixMilli()
	n, err := s.requeue(ctx, `lease_expires < ?`, []any{now}, ReasonLeaseExpired)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Warn().Int("items", n).Msg("Recovered expired leases")
		if s.metrics != nil {
			s.metrics.LeaseRecoveries.Add(float64(n))
		}
	}
	return n, nil
}

// requeue clears the checkout on every row matching the condition and
// appends a failure attempt to each row's state blob.
func (s *Store) requeue(ctx context.Context, cond string, condArgs []any, reason FailureReason) (int, error) {
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin requeue: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx,
		`SELECT id, state FROM outbox WHERE checked_out = 1 AND `+cond, condArgs...)
	if err != nil {
		return 0, fmt.Errorf("select leased items: %w", err)
	}

	type pending struct {
		id    string
		state itemState
	}
	var updates []pending
	for rows.Next() {
		var p pending
		var blob []byte
		if err := rows.Scan(&p.id, &blob); err != nil {
			rows.Close() //nolint:errcheck
			return 0, fmt.Errorf("scan leased item: %w", err)
		}
		if err := json.Unmarshal(blob, &p.state); err != nil {
			rows.Close() //nolint:errcheck
			return 0, fmt.Errorf("decode item state: %w", err)
		}
		updates = append(updates, p)
	}
	rows.Close() //nolint:errcheck
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("select leased items: %w", err)
	}
	if len(updates) == 0 {
		return 0, nil
	}

	now := time.Now().UnixMilli()
	for _, p := range updates {
		p.state.Attempts = append(p.state.Attempts, TransferAttempt{Reason: reason, Timestamp: now})
		blob, err := json.Marshal(p.state)
		if err != nil {
			return 0, fmt.Errorf("serialize item state: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE outbox SET checked_out = 0, lease_id = NULL, lease_expires = NULL, state = ? WHERE id = ?`,
			blob, p.id)
		if err != nil {
			return 0, fmt.Errorf("requeue item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit requeue: %w", err)
	}
	return len(updates), nil
}

// MarkFailed flags an item as permanently failed. The record stays visible
// through GetPendingItems for diagnostics but is never leased again.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.Handle().ExecContext(ctx,
		`UPDATE outbox SET failed = 1 WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("mark item failed: %w", err)
	}
	return requireRow(res)
}

// GetPendingItems returns queue contents ordered by priority, including
// checked-out and permanently failed items, for inspection.
func (s *Store) GetPendingItems(ctx context.Context, page PageOptions) ([]Item, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	offset := page.Offset
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.Handle().QueryContext(ctx,
		`SELECT id, drive_id, file_id, priority, added_at, checked_out, failed, state
		 FROM outbox ORDER BY priority ASC, added_at ASC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list outbox items: %w", err)
	}
	return scanItems(rows)
}

// GetItem returns a single item by id, or nil when absent.
func (s *Store) GetItem(ctx context.Context, id uuid.UUID) (*Item, error) {
	rows, err := s.db.Handle().QueryContext(ctx,
		`SELECT id, drive_id, file_id, priority, added_at, checked_out, failed, state
		 FROM outbox WHERE id = ?`, id.String())
	if err != nil {
		return nil, fmt.Errorf("get outbox item: %w", err)
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

// UpdatePriority changes an item's priority. No lease is required.
func (s *Store) UpdatePriority(ctx context.Context, id uuid.UUID, priority int) error {
	res, err := s.db.Handle().ExecContext(ctx,
		`UPDATE outbox SET priority = ? WHERE id = ?`, priority, id.String())
	if err != nil {
		return fmt.Errorf("update priority: %w", err)
	}
	return requireRow(res)
}

// Remove deletes an item outright. No lease is required.
func (s *Store) Remove(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.Handle().ExecContext(ctx,
		`DELETE FROM outbox WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("remove item: %w", err)
	}
	return requireRow(res)
}

// DrivesWithPending returns the drives that currently have visible items.
func (s *Store) DrivesWithPending(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.Handle().QueryContext(ctx,
		`SELECT DISTINCT drive_id FROM outbox WHERE checked_out = 0 AND failed = 0`)
	if err != nil {
		return nil, fmt.Errorf("list pending drives: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var drives []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan drive id: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse drive id: %w", err)
		}
		drives = append(drives, id)
	}
	return drives, rows.Err()
}

func scanItems(rows *sql.Rows) ([]Item, error) {
	defer rows.Close() //nolint:errcheck

	var items []Item
	for rows.Next() {
		var it Item
		var id, driveID, fileID string
		var checkedOut, failed int
		var blob []byte
		if err := rows.Scan(&id, &driveID, &fileID, &it.Priority, &it.AddedAt, &checkedOut, &failed, &blob); err != nil {
			return nil, fmt.Errorf("scan outbox item: %w", err)
		}
		var err error
		if it.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse item id: %w", err)
		}
		if it.DriveID, err = uuid.Parse(driveID); err != nil {
			return nil, fmt.Errorf("parse item drive id: %w", err)
		}
		if it.FileID, err = uuid.Parse(fileID); err != nil {
			return nil, fmt.Errorf("parse item file id: %w", err)
		}
		var state itemState
		if err := json.Unmarshal(blob, &state); err != nil {
			return nil, fmt.Errorf("decode item state: %w", err)
		}
		it.Recipient = state.Recipient
		it.Attempts = state.Attempts
		it.IsTransientFile = state.IsTransientFile
		it.CheckedOut = checkedOut != 0
		it.Failed = failed != 0
		items = append(items, it)
	}
	return items, rows.Err()
}

func itemIDPlaceholders(query string, args []any, ids []uuid.UUID) (string, []any) {
	marks := make([]string, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args = append(args, id.String())
	}
	return fmt.Sprintf(query, strings.Join(marks, ", ")), args
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrItemNotFound
	}
	return nil
}
