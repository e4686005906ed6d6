package drive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meshvault/meshvault/internal/acl"
	"github.com/meshvault/meshvault/internal/metrics"
	"github.com/meshvault/meshvault/internal/storage"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS drives (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		alias         TEXT NOT NULL,
		type          TEXT NOT NULL,
		allow_anon    INTEGER NOT NULL DEFAULT 0,
		owner_only    INTEGER NOT NULL DEFAULT 0,
		allow_subs    INTEGER NOT NULL DEFAULT 0,
		metadata      TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_drives_target ON drives(alias, type)`,
}

// EventKind distinguishes registry notifications.
type EventKind int

const (
	// EventCreated fires after a new drive's durable write commits.
	EventCreated EventKind = iota
	// EventChanged fires after a mutation to an existing drive commits.
	EventChanged
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventChanged:
		return "changed"
	default:
		return "unknown"
	}
}

// Event is delivered to registry subscribers after the cache is published,
// so a subscriber reading back through the registry sees the new state.
type Event struct {
	Kind  EventKind
	Drive Drive
}

// PageOptions bounds a listing. A zero Limit means no bound.
type PageOptions struct {
	Offset int
	Limit  int
}

// Registry owns the tenant's drive definitions. Reads go through an
// in-memory cache keyed by id and by (alias, type); all mutation is durable
// first, cache second, so readers never observe a drive whose write failed.
type Registry struct {
	db      *storage.DB
	rootDir string
	logger  zerolog.Logger
	metrics *metrics.DriveMetrics

	mu       sync.RWMutex
	byID     map[uuid.UUID]*Drive
	byTarget map[TargetDrive]*Drive
	loaded   bool

	subMu sync.RWMutex
	subs  []func(Event)
}

// NewRegistry creates a registry over the tenant's database. rootDir is the
// tenant's data directory; drive storage roots are created beneath it.
func NewRegistry(db *storage.DB, rootDir string, logger zerolog.Logger, m *metrics.DriveMetrics) (*Registry, error) {
	if err := db.Migrate(migrations); err != nil {
		return nil, err
	}
	return &Registry{
		db:       db,
		rootDir:  rootDir,
		logger:   logger.With().Str("component", "drive-registry").Logger(),
		metrics:  m,
		byID:     make(map[uuid.UUID]*Drive),
		byTarget: make(map[TargetDrive]*Drive),
	}, nil
}

// Subscribe registers a callback for drive created/changed events.
func (r *Registry) Subscribe(fn func(Event)) {
	r.subMu.Lock()
	r.subs = append(r.subs, fn)
	r.subMu.Unlock()
}

func (r *Registry) publishEvent(ev Event) {
	r.subMu.RLock()
	subs := r.subs
	r.subMu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Create validates the request, creates the drive's on-disk storage roots,
// persists it, and publishes it to the cache and to subscribers. The cache
// is updated only after the durable write succeeds.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*Drive, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	d, err := r.createLocked(ctx, req)
	if err != nil {
		return nil, err
	}

	// Publish outside the registry lock so subscribers may read back
	// through the registry.
	r.publishEvent(Event{Kind: EventCreated, Drive: *d})
	return d, nil
}

func (r *Registry) createLocked(ctx context.Context, req CreateRequest) (*Drive, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.loadAllLocked(ctx); err != nil {
		return nil, err
	}
	if _, ok := r.byTarget[req.TargetDrive]; ok {
		return nil, ErrDriveExists
	}

	d := &Drive{
		ID:                  uuid.New(),
		Name:                req.Name,
		TargetDrive:         req.TargetDrive,
		AllowAnonymousReads: req.AllowAnonymousReads,
		OwnerOnly:           req.OwnerOnly,
		AllowSubscriptions:  req.AllowSubscriptions,
		Metadata:            req.Metadata,
	}

	// Roots first: an orphan directory is harmless, but a persisted row
	// without a cache entry would make a retried create fail on the unique
	// index instead of ErrDriveExists.
	if err := r.createStorageRoots(d.ID); err != nil {
		return nil, err
	}

	_, err := r.db.Handle().ExecContext(ctx,
		`INSERT INTO drives (id, name, alias, type, allow_anon, owner_only, allow_subs, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID.String(), d.Name, d.TargetDrive.Alias.String(), d.TargetDrive.Type.String(),
		boolToInt(d.AllowAnonymousReads), boolToInt(d.OwnerOnly), boolToInt(d.AllowSubscriptions), d.Metadata)
	if err != nil {
		return nil, fmt.Errorf("persist drive: %w", err)
	}

	r.cacheLocked(d)
	if r.metrics != nil {
		r.metrics.DrivesTotal.Inc()
	}
	r.logger.Info().Str("drive", d.ID.String()).Str("target", d.TargetDrive.String()).Msg("Drive created")
	return cloneDrive(d), nil
}

// Get returns the drive by id. A cache miss falls back to durable storage
// with a single-writer critical section around cache population. When the
// drive does not exist, failIfInvalid selects between a nil result and
// ErrDriveNotFound.
func (r *Registry) Get(ctx context.Context, id uuid.UUID, failIfInvalid bool) (*Drive, error) {
	r.mu.RLock()
	d, ok := r.byID[id]
	r.mu.RUnlock()
	if ok {
		if r.metrics != nil {
			r.metrics.CacheHits.Inc()
		}
		return cloneDrive(d), nil
	}
	if r.metrics != nil {
		r.metrics.CacheMisses.Inc()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.byID[id]; ok {
		return cloneDrive(d), nil
	}

	d, err := r.loadOneLocked(ctx, `SELECT id, name, alias, type, allow_anon, owner_only, allow_subs, metadata
		FROM drives WHERE id = ?`, id.String())
	if err != nil {
		return nil, err
	}
	if d == nil {
		if failIfInvalid {
			return nil, ErrDriveNotFound
		}
		return nil, nil
	}
	r.cacheLocked(d)
	return cloneDrive(d), nil
}

// GetByTarget returns the drive with the given (alias, type) pair, or nil.
func (r *Registry) GetByTarget(ctx context.Context, target TargetDrive) (*Drive, error) {
	r.mu.RLock()
	d, ok := r.byTarget[target]
	r.mu.RUnlock()
	if ok {
		if r.metrics != nil {
			r.metrics.CacheHits.Inc()
		}
		return cloneDrive(d), nil
	}
	if r.metrics != nil {
		r.metrics.CacheMisses.Inc()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.byTarget[target]; ok {
		return cloneDrive(d), nil
	}

	d, err := r.loadOneLocked(ctx, `SELECT id, name, alias, type, allow_anon, owner_only, allow_subs, metadata
		FROM drives WHERE alias = ? AND type = ?`, target.Alias.String(), target.Type.String())
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, nil
	}
	r.cacheLocked(d)
	return cloneDrive(d), nil
}

// SetReadMode updates the anonymous-read and subscription flags. Owner-only
// drives reject both; the mutation is durable before the cache republish and
// the change event.
func (r *Registry) SetReadMode(ctx context.Context, id uuid.UUID, allowAnonymous, allowSubscriptions bool) (*Drive, error) {
	return r.mutate(ctx, id, func(d *Drive) error {
		if d.OwnerOnly && (allowAnonymous || allowSubscriptions) {
			return &InvalidArgumentError{Reason: "owner-only drive cannot allow anonymous reads or subscriptions"}
		}
		d.AllowAnonymousReads = allowAnonymous
		d.AllowSubscriptions = allowSubscriptions
		return nil
	})
}

// UpdateMetadata replaces the drive's metadata string.
func (r *Registry) UpdateMetadata(ctx context.Context, id uuid.UUID, metadata string) (*Drive, error) {
	return r.mutate(ctx, id, func(d *Drive) error {
		d.Metadata = metadata
		return nil
	})
}

func (r *Registry) mutate(ctx context.Context, id uuid.UUID, apply func(*Drive) error) (*Drive, error) {
	d, err := r.mutateLocked(ctx, id, apply)
	if err != nil {
		return nil, err
	}
	r.publishEvent(Event{Kind: EventChanged, Drive: *d})
	return d, nil
}

func (r *Registry) mutateLocked(ctx context.Context, id uuid.UUID, apply func(*Drive) error) (*Drive, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cached, ok := r.byID[id]
	if !ok {
		loaded, err := r.loadOneLocked(ctx, `SELECT id, name, alias, type, allow_anon, owner_only, allow_subs, metadata
			FROM drives WHERE id = ?`, id.String())
		if err != nil {
			return nil, err
		}
		if loaded == nil {
			return nil, ErrDriveNotFound
		}
		cached = loaded
	}

	updated := *cached
	if err := apply(&updated); err != nil {
		return nil, err
	}

	_, err := r.db.Handle().ExecContext(ctx,
		`UPDATE drives SET name = ?, allow_anon = ?, owner_only = ?, allow_subs = ?, metadata = ? WHERE id = ?`,
		updated.Name, boolToInt(updated.AllowAnonymousReads), boolToInt(updated.OwnerOnly),
		boolToInt(updated.AllowSubscriptions), updated.Metadata, id.String())
	if err != nil {
		return nil, fmt.Errorf("persist drive update: %w", err)
	}

	r.cacheLocked(&updated)
	return cloneDrive(&updated), nil
}

// List returns drives visible to the caller, optionally filtered by drive
// type. The owner sees everything; other callers see only drives that allow
// anonymous reads and are not owner-only. The visibility filter runs in
// memory over the cached set.
func (r *Registry) List(ctx context.Context, driveType *uuid.UUID, page PageOptions, caller acl.CallerContext) ([]Drive, error) {
	r.mu.Lock()
	if err := r.loadAllLocked(ctx); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	all := make([]*Drive, 0, len(r.byID))
	for _, d := range r.byID {
		all = append(all, d)
	}
	r.mu.Unlock()

	isOwner := caller != nil && caller.IsOwner()
	visible := make([]Drive, 0, len(all))
	for _, d := range all {
		if driveType != nil && d.TargetDrive.Type != *driveType {
			continue
		}
		if !isOwner && (!d.AllowAnonymousReads || d.OwnerOnly) {
			continue
		}
		visible = append(visible, *d)
	}

	sortDrivesByName(visible)
	return applyPage(visible, page), nil
}

// loadAllLocked populates the cache from durable storage once.
func (r *Registry) loadAllLocked(ctx context.Context) error {
	if r.loaded {
		return nil
	}
	rows, err := r.db.Handle().QueryContext(ctx,
		`SELECT id, name, alias, type, allow_anon, owner_only, allow_subs, metadata FROM drives`)
	if err != nil {
		return fmt.Errorf("load drives: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		d, err := scanDrive(rows)
		if err != nil {
			return err
		}
		r.cacheLocked(d)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load drives: %w", err)
	}
	r.loaded = true
	return nil
}

func (r *Registry) loadOneLocked(ctx context.Context, query string, args ...any) (*Drive, error) {
	rows, err := r.db.Handle().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load drive: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanDrive(rows)
}

func (r *Registry) cacheLocked(d *Drive) {
	r.byID[d.ID] = d
	r.byTarget[d.TargetDrive] = d
}

func (r *Registry) createStorageRoots(id uuid.UUID) error {
	base := filepath.Join(r.rootDir, "drives", id.String())
	for _, sub := range []string{"files", "temp"} {
		if err := os.MkdirAll(filepath.Join(base, sub), 0o750); err != nil {
			return fmt.Errorf("create drive storage root: %w", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDrive(row rowScanner) (*Drive, error) {
	var d Drive
	var id, alias, dtype string
	var anon, ownerOnly, subs int
	if err := row.Scan(&id, &d.Name, &alias, &dtype, &anon, &ownerOnly, &subs, &d.Metadata); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan drive: %w", err)
	}
	var err error
	if d.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse drive id: %w", err)
	}
	if d.TargetDrive.Alias, err = uuid.Parse(alias); err != nil {
		return nil, fmt.Errorf("parse drive alias: %w", err)
	}
	if d.TargetDrive.Type, err = uuid.Parse(dtype); err != nil {
		return nil, fmt.Errorf("parse drive type: %w", err)
	}
	d.AllowAnonymousReads = anon != 0
	d.OwnerOnly = ownerOnly != 0
	d.AllowSubscriptions = subs != 0
	return &d, nil
}

func cloneDrive(d *Drive) *Drive {
	c := *d
	return &c
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func sortDrivesByName(drives []Drive) {
	sort.Slice(drives, func(i, j int) bool {
		if drives[i].Name != drives[j].Name {
			return drives[i].Name < drives[j].Name
		}
		return drives[i].ID.String() < drives[j].ID.String()
	})
}

func applyPage(drives []Drive, page PageOptions) []Drive {
	if page.Offset < 0 {
		page.Offset = 0
	}
	if page.Offset >= len(drives) {
		return []Drive{}
	}
	drives = drives[page.Offset:]
	if page.Limit > 0 && page.Limit < len(drives) {
		drives = drives[:page.Limit]
	}
	return drives
}
