package outbox

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meshvault/meshvault/internal/metrics"
	"github.com/meshvault/meshvault/internal/storage"
)

// Stores hands out per-tenant outbox stores, opening each tenant's database
// lazily under the node's data directory.
type Stores struct {
	dataDir      string
	leaseTimeout time.Duration
	notifier     PendingNotifier
	logger       zerolog.Logger
	metrics      *metrics.OutboxMetrics

	mu       sync.Mutex
	byTenant map[string]*Store
	dbs      []*storage.DB
}

// NewStores creates the per-tenant store manager. notifier is the
// process-wide pending-senders index.
func NewStores(dataDir string, leaseTimeout time.Duration, notifier PendingNotifier, logger zerolog.Logger, m *metrics.OutboxMetrics) *Stores {
	return &Stores{
		dataDir:      dataDir,
		leaseTimeout: leaseTimeout,
		notifier:     notifier,
		logger:       logger,
		metrics:      m,
		byTenant:     make(map[string]*Store),
	}
}

// ForTenant returns the tenant's outbox store, opening its database on first
// use. Safe for concurrent callers; the open runs in a single-writer
// critical section.
func (s *Stores) ForTenant(tenant string) (*Store, error) {
	tenant = strings.ToLower(tenant)
	if tenant == "" {
		return nil, fmt.Errorf("tenant identity is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if store, ok := s.byTenant[tenant]; ok {
		return store, nil
	}

	path := filepath.Join(s.dataDir, "tenants", tenant, "outbox.db")
	db, err := storage.Open(path, s.logger)
	if err != nil {
		return nil, fmt.Errorf("open outbox for %s: %w", tenant, err)
	}
	store, err := NewStore(db, StoreConfig{
		Tenant:       tenant,
		LeaseTimeout: s.leaseTimeout,
		Notifier:     s.notifier,
		Logger:       s.logger,
		Metrics:      s.metrics,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.byTenant[tenant] = store
	s.dbs = append(s.dbs, db)
	return store, nil
}

// Close closes every opened tenant database.
func (s *Stores) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, db := range s.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.dbs = nil
	s.byTenant = make(map[string]*Store)
	return firstErr
}

// RecoverAll runs expired-lease recovery on every opened tenant store.
func (s *Stores) RecoverAll(ctx context.Context) {
	s.mu.Lock()
	stores := make([]*Store, 0, len(s.byTenant))
	for _, st := range s.byTenant {
		stores = append(stores, st)
	}
	s.mu.Unlock()

	for _, st := range stores {
		if _, err := st.RecoverExpiredLeases(ctx); err != nil {
			s.logger.Error().Err(err).Str("tenant", st.Tenant()).Msg("Lease recovery failed")
		}
	}
}
