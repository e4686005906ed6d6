package storage

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// PanicOnLeakedGuards makes DB.Close panic when a write guard was never
// released. Tests enable this to catch forgotten Release calls; in production
// a leak is logged and the close proceeds.
var PanicOnLeakedGuards atomic.Bool

// WriteGuard is a scoped claim on a grouped write. While any guard on a
// database is unreleased, background WAL checkpoints are deferred so that a
// burst of related writes lands in one flush. Release must be called exactly
// once; a second Release panics.
type WriteGuard struct {
	db       *DB
	released atomic.Bool
}

// BeginGroupedWrite returns a guard that defers checkpointing until every
// outstanding guard on this database has been released.
func (d *DB) BeginGroupedWrite() *WriteGuard {
	d.guards.add()
	return &WriteGuard{db: d}
}

// Release ends the grouped write. When the last guard is released the WAL is
// checkpointed.
func (g *WriteGuard) Release() {
	if !g.released.CompareAndSwap(false, true) {
		panic("storage: WriteGuard released twice")
	}
	if g.db.guards.remove() == 0 {
		g.db.checkpoint()
	}
}

// guardTracker counts outstanding write guards on a database.
type guardTracker struct {
	mu    sync.Mutex
	count int
}

func (t *guardTracker) add() {
	t.mu.Lock()
	t.count++
	t.mu.Unlock()
}

func (t *guardTracker) remove() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count > 0 {
		t.count--
	}
	return t.count
}

func (t *guardTracker) countNow() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

func (t *guardTracker) reportLeaks(logger zerolog.Logger, path string) {
	t.mu.Lock()
	leaked := t.count
	t.mu.Unlock()
	if leaked == 0 {
		return
	}
	if PanicOnLeakedGuards.Load() {
		panic("storage: database closed with unreleased write guards")
	}
	logger.Warn().Int("guards", leaked).Str("db", path).
		Msg("Database closed with unreleased write guards")
}
