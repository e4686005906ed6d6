package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meshvault/meshvault/internal/metrics"
	"github.com/meshvault/meshvault/internal/peer"
)

// DrainConfig tunes the background drain worker.
type DrainConfig struct {
	// Interval between scheduled drain cycles. The worker also wakes
	// immediately when a sender is marked pending.
	Interval time.Duration
	// BatchSize bounds how many items one lease covers.
	BatchSize int
	// MaxAttempts caps transient retries; an item that fails this many
	// times is marked permanently failed.
	MaxAttempts int
	// DeliveryTimeout bounds a single delivery call.
	DeliveryTimeout time.Duration
	// MaxConcurrentSenders bounds how many tenants drain at once.
	MaxConcurrentSenders int
}

func (c *DrainConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 30 * time.Second
	}
	if c.MaxConcurrentSenders <= 0 {
		c.MaxConcurrentSenders = 5
	}
}

// DrainWorker is the single process-wide loop that drains tenant outboxes.
// Cycles for different tenants run concurrently (bounded); within a tenant,
// drives are drained one lease at a time.
type DrainWorker struct {
	stores    *Stores
	pending   *PendingSenders
	deliverer peer.Deliverer
	cfg       DrainConfig
	logger    zerolog.Logger
	metrics   *metrics.OutboxMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	wake   chan struct{}
}

// NewDrainWorker wires the worker to the store manager, the pending index,
// and a delivery client. It also registers itself as the index's wake-up
// callback.
func NewDrainWorker(stores *Stores, pending *PendingSenders, deliverer peer.Deliverer, cfg DrainConfig, logger zerolog.Logger, m *metrics.OutboxMetrics) *DrainWorker {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	w := &DrainWorker{
		stores:    stores,
		pending:   pending,
		deliverer: deliverer,
		cfg:       cfg,
		logger:    logger.With().Str("component", "drain-worker").Logger(),
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
	}
	pending.OnPendingWork(w.Notify)
	return w
}

// Notify wakes the worker without blocking.
func (w *DrainWorker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Start launches the background loop.
func (w *DrainWorker) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop cancels the loop, performs a final bounded drain so in-flight work
// resolves to a commit or cancel, and waits for the goroutine to exit.
func (w *DrainWorker) Stop() {
	w.cancel()
	w.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	w.DrainOnce(ctx)
}

func (w *DrainWorker) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.wake:
			w.DrainOnce(w.ctx)
		case <-ticker.C:
			w.DrainOnce(w.ctx)
		}
	}
}

// DrainOnce claims the pending-sender set and drains each sender with
// bounded concurrency. Senders that still have work afterward are re-marked
// pending so the next cycle picks them up.
func (w *DrainWorker) DrainOnce(ctx context.Context) {
	senders, marker, err := w.pending.GetSenders(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to claim pending senders")
		return
	}
	if marker == nil {
		return
	}
	if w.metrics != nil {
		w.metrics.DrainCycles.Inc()
	}

	w.logger.Debug().Int("senders", len(senders)).Msg("Draining pending senders")

	sem := make(chan struct{}, w.cfg.MaxConcurrentSenders)
	var wg sync.WaitGroup
	remaining := make([]bool, len(senders))

	for i, sender := range senders {
		select {
		case <-ctx.Done():
			wg.Wait()
			if err := w.pending.Cancel(context.Background(), marker); err != nil {
				w.logger.Error().Err(err).Msg("Failed to release sender claim")
			}
			return
		default:
		}

		wg.Add(1)
		go func(idx int, sender string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				remaining[idx] = true
				return
			}

			remaining[idx] = w.drainSender(ctx, sender)
		}(i, sender)
	}
	wg.Wait()

	// Re-mark before resolving the claim: the re-ensure clears the entry's
	// marker, so the commit below skips it and a crash in between loses no
	// pending signal.
	for i, more := range remaining {
		if !more {
			continue
		}
		if err := w.pending.EnsureSenderIsPending(ctx, senders[i]); err != nil {
			w.logger.Error().Err(err).Str("sender", senders[i]).Msg("Failed to re-mark sender pending")
		}
	}
	if err := w.pending.Commit(ctx, marker); err != nil {
		w.logger.Error().Err(err).Msg("Failed to commit sender claim")
	}
}

// drainSender drains every drive of one tenant. Returns true when the
// tenant still has visible work (failed batches, undrained drives).
func (w *DrainWorker) drainSender(ctx context.Context, sender string) bool {
	store, err := w.stores.ForTenant(sender)
	if err != nil {
		w.logger.Error().Err(err).Str("sender", sender).Msg("Failed to open tenant outbox")
		return true
	}

	if _, err := store.RecoverExpiredLeases(ctx); err != nil {
		w.logger.Error().Err(err).Str("sender", sender).Msg("Lease recovery failed")
	}

	drives, err := store.DrivesWithPending(ctx)
	if err != nil {
		w.logger.Error().Err(err).Str("sender", sender).Msg("Failed to list pending drives")
		return true
	}

	moreWork := false
	for _, driveID := range drives {
		if ctx.Err() != nil {
			return true
		}
		if w.drainDrive(ctx, store, driveID) {
			moreWork = true
		}
	}
	return moreWork
}

// drainDrive leases and delivers batches for one drive until the queue is
// empty or a batch fails. Returns true when visible work remains.
func (w *DrainWorker) drainDrive(ctx context.Context, store *Store, driveID uuid.UUID) bool {
	for {
		if ctx.Err() != nil {
			return true
		}

		items, token, err := store.LeaseBatch(ctx, driveID, w.cfg.BatchSize)
		if err != nil {
			w.logger.Error().Err(err).Str("drive", driveID.String()).Msg("Lease failed")
			return true
		}
		if token == nil {
			return false
		}

		failedIdx, reason := w.deliverBatch(ctx, store.Tenant(), items)
		if failedIdx < 0 {
			if err := store.Commit(ctx, token); err != nil {
				w.logger.Error().Err(err).Str("drive", driveID.String()).Msg("Commit failed")
				return true
			}
			if w.metrics != nil {
				w.metrics.ItemsDelivered.Add(float64(len(items)))
			}
			continue
		}

		if err := store.Cancel(ctx, token, reason); err != nil {
			w.logger.Error().Err(err).Str("drive", driveID.String()).Msg("Cancel failed")
			return true
		}
		if w.metrics != nil {
			w.metrics.ItemsFailed.WithLabelValues(string(reason)).Inc()
		}
		// Only the item whose delivery actually failed is eligible for
		// retirement. The rest of the batch re-leases normally.
		w.retireIfExhausted(ctx, store, items[failedIdx], reason)
		return true
	}
}

// deliverBatch attempts every item in order, stopping at the first failure:
// the whole batch is cancelled anyway, and items delivered before a cancel
// would be redelivered on the retry (at-least-once). Returns the index of the
// item that failed and the mapped reason, or -1 when the batch delivered.
func (w *DrainWorker) deliverBatch(ctx context.Context, sender string, items []Item) (int, FailureReason) {
	for i, item := range items {
		dctx, cancel := context.WithTimeout(ctx, w.cfg.DeliveryTimeout)
		status, err := w.deliverer.Deliver(dctx, item.Recipient, item.DriveID, item.FileID)
		cancel()

		if status == peer.Delivered && err == nil {
			w.logger.Debug().
				Str("sender", sender).
				Str("recipient", item.Recipient).
				Str("file", item.FileID.String()).
				Msg("Delivered")
			continue
		}

		reason := failureReason(status)
		w.logger.Warn().Err(err).
			Str("sender", sender).
			Str("recipient", item.Recipient).
			Str("file", item.FileID.String()).
			Str("reason", string(reason)).
			Int("attempts", len(item.Attempts)).
			Msg("Delivery failed")
		return i, reason
	}
	return -1, ""
}

// retireIfExhausted marks an item permanently failed once retries cannot
// help: either the reason itself is permanent, or the attempt appended by the
// cancel was the last allowed one. The record stays visible for diagnostics.
func (w *DrainWorker) retireIfExhausted(ctx context.Context, store *Store, item Item, reason FailureReason) {
	attempts := len(item.Attempts) + 1 // cancel appended one
	if reason.Transient() && attempts < w.cfg.MaxAttempts {
		return
	}
	if err := store.MarkFailed(ctx, item.ID); err != nil {
		w.logger.Error().Err(err).Str("item", item.ID.String()).Msg("Failed to retire item")
		return
	}
	if w.metrics != nil {
		w.metrics.ItemsDropped.Inc()
	}
	w.logger.Warn().
		Str("recipient", item.Recipient).
		Str("file", item.FileID.String()).
		Int("attempts", attempts).
		Str("reason", string(reason)).
		Msg("Item permanently failed, no longer retrying")
}

func failureReason(status peer.DeliveryStatus) FailureReason {
	switch status {
	case peer.AccessDenied:
		return ReasonAccessDenied
	case peer.BadRequest:
		return ReasonBadRequest
	case peer.ServerError:
		return ReasonServerError
	default:
		return ReasonNotResponding
	}
}
