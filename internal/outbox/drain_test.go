package outbox

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshvault/meshvault/internal/peer"
	"github.com/meshvault/meshvault/internal/storage"
	"github.com/meshvault/meshvault/testutil"
)

// mockDeliverer returns a scripted status per recipient and records calls.
type mockDeliverer struct {
	mu       sync.Mutex
	statuses map[string]peer.DeliveryStatus
	calls    []string
}

func newMockDeliverer() *mockDeliverer {
	return &mockDeliverer{statuses: make(map[string]peer.DeliveryStatus)}
}

func (d *mockDeliverer) setStatus(recipient string, status peer.DeliveryStatus) {
	d.mu.Lock()
	d.statuses[recipient] = status
	d.mu.Unlock()
}

func (d *mockDeliverer) Deliver(_ context.Context, recipient string, _, _ uuid.UUID) (peer.DeliveryStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, recipient)
	return d.statuses[recipient], nil
}

func (d *mockDeliverer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func (d *mockDeliverer) callsTo(recipient string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, r := range d.calls {
		if r == recipient {
			n++
		}
	}
	return n
}

type drainFixture struct {
	pending   *PendingSenders
	stores    *Stores
	worker    *DrainWorker
	deliverer *mockDeliverer
}

func newDrainFixture(t *testing.T, cfg DrainConfig) *drainFixture {
	t.Helper()
	dir, cleanup := testutil.TempDir(t)
	t.Cleanup(cleanup)

	systemDB, err := storage.Open(filepath.Join(dir, "system.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = systemDB.Close() })

	pending, err := NewPendingSenders(systemDB, PendingConfig{
		ClaimTimeout: time.Minute,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)

	stores := NewStores(dir, time.Minute, pending, zerolog.Nop(), nil)
	t.Cleanup(func() { _ = stores.Close() })

	deliverer := newMockDeliverer()
	worker := NewDrainWorker(stores, pending, deliverer, cfg, zerolog.Nop(), nil)
	return &drainFixture{pending: pending, stores: stores, worker: worker, deliverer: deliverer}
}

func TestDrain_DeliveredCommitsAndEmptiesQueue(t *testing.T) {
	f := newDrainFixture(t, DrainConfig{})
	ctx := context.Background()

	store, err := f.stores.ForTenant("alice.example.org")
	require.NoError(t, err)
	require.NoError(t, store.Enqueue(ctx, Item{
		Recipient: "bob.example.org",
		DriveID:   uuid.New(),
		FileID:    uuid.New(),
		Priority:  0,
	}))
	f.deliverer.setStatus("bob.example.org", peer.Delivered)

	f.worker.DrainOnce(ctx)

	items, err := store.GetPendingItems(ctx, PageOptions{})
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, 1, f.deliverer.callCount())

	// The sender is no longer pending.
	_, marker, err := f.pending.GetSenders(ctx)
	require.NoError(t, err)
	assert.Nil(t, marker)
}

func TestDrain_NotRespondingRequeuesWithAttempt(t *testing.T) {
	f := newDrainFixture(t, DrainConfig{})
	ctx := context.Background()

	store, err := f.stores.ForTenant("alice.example.org")
	require.NoError(t, err)
	require.NoError(t, store.Enqueue(ctx, Item{
		Recipient: "bob.example.org",
		DriveID:   uuid.New(),
		FileID:    uuid.New(),
	}))
	f.deliverer.setStatus("bob.example.org", peer.NotResponding)

	f.worker.DrainOnce(ctx)

	items, err := store.GetPendingItems(ctx, PageOptions{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.False(t, items[0].CheckedOut)
	assert.False(t, items[0].Failed)
	require.Len(t, items[0].Attempts, 1)
	assert.Equal(t, ReasonNotResponding, items[0].Attempts[0].Reason)

	// The sender is re-marked pending so a later cycle retries.
	senders, marker, err := f.pending.GetSenders(ctx)
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, []string{"alice.example.org"}, senders)
}

func TestDrain_PermanentFailureRetiresItem(t *testing.T) {
	f := newDrainFixture(t, DrainConfig{})
	ctx := context.Background()

	store, err := f.stores.ForTenant("alice.example.org")
	require.NoError(t, err)
	require.NoError(t, store.Enqueue(ctx, Item{
		Recipient: "bob.example.org",
		DriveID:   uuid.New(),
		FileID:    uuid.New(),
	}))
	f.deliverer.setStatus("bob.example.org", peer.AccessDenied)

	f.worker.DrainOnce(ctx)

	items, err := store.GetPendingItems(ctx, PageOptions{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, items[0].Failed, "permanent failure should retire the item")
	require.Len(t, items[0].Attempts, 1)
	assert.Equal(t, ReasonAccessDenied, items[0].Attempts[0].Reason)

	// A later cycle never attempts it again.
	require.NoError(t, f.pending.EnsureSenderIsPending(ctx, "alice.example.org"))
	f.worker.DrainOnce(ctx)
	assert.Equal(t, 1, f.deliverer.callCount())
}

func TestDrain_PermanentFailureRetiresOnlyFailingItem(t *testing.T) {
	f := newDrainFixture(t, DrainConfig{})
	ctx := context.Background()

	store, err := f.stores.ForTenant("alice.example.org")
	require.NoError(t, err)
	driveID := uuid.New()
	require.NoError(t, store.Enqueue(ctx, Item{
		Recipient: "bad.example.org",
		DriveID:   driveID,
		FileID:    uuid.New(),
		Priority:  0,
	}))
	require.NoError(t, store.Enqueue(ctx, Item{
		Recipient: "good.example.org",
		DriveID:   driveID,
		FileID:    uuid.New(),
		Priority:  1,
	}))
	f.deliverer.setStatus("bad.example.org", peer.AccessDenied)
	f.deliverer.setStatus("good.example.org", peer.Delivered)

	// First cycle: both items share a lease, the denied item fails first
	// and the batch is cancelled. Only the denied item retires.
	f.worker.DrainOnce(ctx)
	assert.Equal(t, 0, f.deliverer.callsTo("good.example.org"))

	items, err := store.GetPendingItems(ctx, PageOptions{})
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, item := range items {
		assert.Equal(t, item.Recipient == "bad.example.org", item.Failed, item.Recipient)
	}

	// Second cycle: the surviving item delivers normally.
	f.worker.DrainOnce(ctx)
	assert.Equal(t, 1, f.deliverer.callsTo("good.example.org"))

	items, err = store.GetPendingItems(ctx, PageOptions{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "bad.example.org", items[0].Recipient)
	assert.True(t, items[0].Failed)
}

func TestDrain_TransientFailureExhaustsRetries(t *testing.T) {
	f := newDrainFixture(t, DrainConfig{MaxAttempts: 2})
	ctx := context.Background()

	store, err := f.stores.ForTenant("alice.example.org")
	require.NoError(t, err)
	require.NoError(t, store.Enqueue(ctx, Item{
		Recipient: "bob.example.org",
		DriveID:   uuid.New(),
		FileID:    uuid.New(),
	}))
	f.deliverer.setStatus("bob.example.org", peer.ServerError)

	// First cycle: attempt 1 of 2, still retryable.
	f.worker.DrainOnce(ctx)
	items, err := store.GetPendingItems(ctx, PageOptions{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.False(t, items[0].Failed)

	// Second cycle: attempt 2 of 2, retired.
	f.worker.DrainOnce(ctx)
	items, err = store.GetPendingItems(ctx, PageOptions{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, items[0].Failed)
	assert.Len(t, items[0].Attempts, 2)
}

func TestDrain_MultipleTenantsAndDrives(t *testing.T) {
	f := newDrainFixture(t, DrainConfig{})
	ctx := context.Background()

	f.deliverer.setStatus("bob.example.org", peer.Delivered)
	f.deliverer.setStatus("carol.example.org", peer.Delivered)

	for _, tenant := range []string{"alice.example.org", "dave.example.org"} {
		store, err := f.stores.ForTenant(tenant)
		require.NoError(t, err)
		for i := 0; i < 2; i++ {
			require.NoError(t, store.Enqueue(ctx, Item{
				Recipient: "bob.example.org",
				DriveID:   uuid.New(),
				FileID:    uuid.New(),
			}))
			require.NoError(t, store.Enqueue(ctx, Item{
				Recipient: "carol.example.org",
				DriveID:   uuid.New(),
				FileID:    uuid.New(),
			}))
		}
	}

	f.worker.DrainOnce(ctx)

	assert.Equal(t, 8, f.deliverer.callCount())
	for _, tenant := range []string{"alice.example.org", "dave.example.org"} {
		store, err := f.stores.ForTenant(tenant)
		require.NoError(t, err)
		items, err := store.GetPendingItems(ctx, PageOptions{})
		require.NoError(t, err)
		assert.Empty(t, items, "tenant %s should be drained", tenant)
	}
}

func TestDrain_WorkerLifecycle(t *testing.T) {
	f := newDrainFixture(t, DrainConfig{Interval: 10 * time.Millisecond})
	ctx := context.Background()

	f.deliverer.setStatus("bob.example.org", peer.Delivered)

	f.worker.Start()

	store, err := f.stores.ForTenant("alice.example.org")
	require.NoError(t, err)
	require.NoError(t, store.Enqueue(ctx, Item{
		Recipient: "bob.example.org",
		DriveID:   uuid.New(),
		FileID:    uuid.New(),
	}))

	// The enqueue wakes the worker through the pending index callback.
	require.Eventually(t, func() bool {
		items, err := store.GetPendingItems(ctx, PageOptions{})
		return err == nil && len(items) == 0
	}, 2*time.Second, 10*time.Millisecond)

	f.worker.Stop()
}
