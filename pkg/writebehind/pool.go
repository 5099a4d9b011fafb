package writebehind

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mopemope/meghanada-server-sub002/pkg/entitystore"
)

// ErrShutdown is returned for requests submitted after [Pool.Shutdown].
var ErrShutdown = errors.New("writebehind: pool shut down")

// Defaults for [Options].
const (
	DefaultMergeSize       = 10
	DefaultBurstLimit      = 32
	DefaultMaxWorkers      = 4
	DefaultScaleUpInterval = 2 * time.Second
	DefaultIdleTimeout     = 3 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultCloseRetryDelay = 3 * time.Second
)

// Backend is the store a [Pool] writes to. [*entitystore.Store] implements it.
type Backend interface {
	StoreAll(ctx context.Context, objs []entitystore.Storable, allowUpdate bool) (int, error)
	Delete(ctx context.Context, entityType, storeID string) (bool, error)
	DeleteBlob(ctx context.Context, entityType, storeID, blob string) (bool, error)
	Close() error
	ForceClose() error
}

// Options configures a [Pool]. Zero values select the defaults.
type Options struct {
	// MergeSize is the largest number of mergeable requests committed in
	// one transaction.
	MergeSize int

	// BurstLimit is the queue depth above which producers add burst workers.
	BurstLimit int

	// MaxWorkers caps the number of burst workers.
	MaxWorkers int

	// ScaleUpInterval is the minimum time between two burst worker spawns.
	ScaleUpInterval time.Duration

	// IdleTimeout is how long a burst worker waits for work before exiting.
	IdleTimeout time.Duration

	// ShutdownTimeout bounds how long Shutdown waits for workers to drain.
	ShutdownTimeout time.Duration

	// CloseRetryDelay is the pause before retrying a backend Close that
	// failed with [entitystore.ErrTxActive].
	CloseRetryDelay time.Duration

	Logger *zap.Logger

	// Now overrides the clock used for scale-up decisions.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MergeSize <= 0 {
		o.MergeSize = DefaultMergeSize
	}

	if o.BurstLimit <= 0 {
		o.BurstLimit = DefaultBurstLimit
	}

	if o.MaxWorkers < 0 {
		o.MaxWorkers = 0
	} else if o.MaxWorkers == 0 {
		o.MaxWorkers = DefaultMaxWorkers
	}

	if o.ScaleUpInterval <= 0 {
		o.ScaleUpInterval = DefaultScaleUpInterval
	}

	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}

	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultShutdownTimeout
	}

	if o.CloseRetryDelay <= 0 {
		o.CloseRetryDelay = DefaultCloseRetryDelay
	}

	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}

	if o.Now == nil {
		o.Now = time.Now
	}

	return o
}

// Pool is a write-behind worker pool. Create with [New].
type Pool struct {
	backend Backend
	opts    Options
	log     *zap.Logger
	q       *queue

	// acceptMu orders submissions against Shutdown so no request lands
	// behind the shutdown sentinel.
	acceptMu   sync.RWMutex
	terminated atomic.Bool

	// drained is closed by the worker that consumes the shutdown sentinel.
	drained   chan struct{}
	drainOnce sync.Once

	scaleMu     sync.Mutex
	lastScaleUp time.Time
	extra       atomic.Int32
	peakExtra   atomic.Int32

	workers sync.WaitGroup
	pending atomic.Int64

	enqueued     atomic.Int64
	processed    atomic.Int64
	failed       atomic.Int64
	rejected     atomic.Int64
	transactions atomic.Int64

	shutdownOnce sync.Once
	shutdownErr  error
}

// New starts a pool writing to backend.
func New(backend Backend, opts Options) (*Pool, error) {
	if backend == nil {
		return nil, errors.New("writebehind: backend is nil")
	}

	opts = opts.withDefaults()

	p := &Pool{
		backend:     backend,
		opts:        opts,
		log:         opts.Logger,
		q:           newQueue(),
		drained:     make(chan struct{}),
		lastScaleUp: opts.Now(),
	}

	p.workers.Add(1)

	go p.permanentWorker()

	return p, nil
}

// AsyncStore queues obj for storing. Requests with allowUpdate set may be
// merged with neighbouring ones.
func (p *Pool) AsyncStore(obj entitystore.Storable, allowUpdate bool) error {
	if obj == nil {
		return errors.New("writebehind: object is nil")
	}

	r := newRequest(kindStore)
	r.objects = []entitystore.Storable{obj}
	r.single = true
	r.allowUpdate = allowUpdate

	return p.submit(r)
}

// AsyncStoreAll queues objs for storing in one transaction. The request is
// never merged.
func (p *Pool) AsyncStoreAll(objs []entitystore.Storable, allowUpdate bool) error {
	if len(objs) == 0 {
		return nil
	}

	r := newRequest(kindStore)
	r.objects = append([]entitystore.Storable(nil), objs...)
	r.allowUpdate = allowUpdate

	return p.submit(r)
}

// AsyncDelete queues removal of entity (entityType, storeID).
func (p *Pool) AsyncDelete(entityType, storeID string) error {
	r := newRequest(kindDelete)
	r.entityType = entityType
	r.storeID = storeID

	return p.submit(r)
}

// AsyncDeleteBlob queues removal of one blob of entity (entityType, storeID).
func (p *Pool) AsyncDeleteBlob(entityType, storeID, blob string) error {
	r := newRequest(kindDeleteBlob)
	r.entityType = entityType
	r.storeID = storeID
	r.blob = blob

	return p.submit(r)
}

func (p *Pool) submit(r *request) error {
	p.acceptMu.RLock()

	if p.terminated.Load() {
		p.acceptMu.RUnlock()
		p.rejected.Add(1)
		p.log.Debug("request rejected after shutdown",
			zap.Stringer("request", r.id), zap.Stringer("kind", r.kind))

		return ErrShutdown
	}

	p.pending.Add(1)
	p.enqueued.Add(1)
	depth := p.q.push(r)

	p.acceptMu.RUnlock()

	if depth > p.opts.BurstLimit {
		p.maybeScaleUp(depth)
	}

	return nil
}

func (p *Pool) maybeScaleUp(depth int) {
	p.scaleMu.Lock()
	defer p.scaleMu.Unlock()

	if p.terminated.Load() {
		return
	}

	now := p.opts.Now()
	if int(p.extra.Load()) >= p.opts.MaxWorkers || now.Sub(p.lastScaleUp) <= p.opts.ScaleUpInterval {
		return
	}

	p.lastScaleUp = now

	n := p.extra.Add(1)
	for {
		peak := p.peakExtra.Load()
		if n <= peak || p.peakExtra.CompareAndSwap(peak, n) {
			break
		}
	}

	p.log.Debug("adding burst worker", zap.Int("queue_depth", depth), zap.Int32("extra_workers", n))

	p.workers.Add(1)

	go p.burstWorker()
}

func (p *Pool) permanentWorker() {
	defer p.workers.Done()

	for {
		r := p.q.take(p.drained)
		if r == nil {
			return
		}

		p.handle(r)
	}
}

func (p *Pool) burstWorker() {
	defer p.workers.Done()
	defer p.extra.Add(-1)

	for {
		r := p.q.pollTimeout(p.opts.IdleTimeout, p.drained)
		if r == nil {
			return
		}

		p.handle(r)
	}
}

func (p *Pool) handle(r *request) {
	switch {
	case r.kind == kindShutdown:
		p.drainOnce.Do(func() { close(p.drained) })
	case r.mergeable():
		p.mergeAndStore(r)
	default:
		p.apply(r)
	}
}

// mergeAndStore batches first with up to MergeSize-1 queued mergeable
// requests. Non-mergeable requests met on the way are applied before the
// batch commits; batched objects they delete or overwrite are dropped so
// the later request still wins.
func (p *Pool) mergeAndStore(first *request) {
	b := newBatch(first)

	for b.requests < p.opts.MergeSize {
		next := p.q.poll()
		if next == nil {
			break
		}

		if next.kind == kindShutdown {
			p.handle(next)

			break
		}

		if next.mergeable() {
			b.add(next)

			continue
		}

		b.supersede(next)
		p.apply(next)
	}

	if len(b.objects) == 0 {
		p.processed.Add(int64(b.requests))
		p.pending.Add(-int64(b.requests))

		return
	}

	p.commit(b.objects, true, b.requests)
}

func (p *Pool) apply(r *request) {
	switch r.kind {
	case kindStore:
		p.commit(r.objects, r.allowUpdate, 1)
	case kindDelete:
		_, err := p.backend.Delete(context.Background(), r.entityType, r.storeID)
		p.finish(1, err, zap.String("op", "delete"), zap.String("entity_type", r.entityType), zap.String("store_id", r.storeID))
	case kindDeleteBlob:
		_, err := p.backend.DeleteBlob(context.Background(), r.entityType, r.storeID, r.blob)
		p.finish(1, err, zap.String("op", "delete-blob"), zap.String("entity_type", r.entityType),
			zap.String("store_id", r.storeID), zap.String("blob", r.blob))
	default:
		p.finish(1, fmt.Errorf("unknown request kind %d", r.kind))
	}
}

func (p *Pool) commit(objs []entitystore.Storable, allowUpdate bool, requests int) {
	_, err := p.backend.StoreAll(context.Background(), objs, allowUpdate)
	p.finish(requests, err, zap.String("op", "store"), zap.Int("objects", len(objs)))
}

// finish accounts for requests that have been applied. Write failures are
// logged and dropped.
func (p *Pool) finish(requests int, err error, fields ...zap.Field) {
	p.transactions.Add(1)

	if err != nil {
		p.failed.Add(int64(requests))
		p.log.Warn("write-behind failed", append(fields, zap.Error(err))...)
	}

	p.processed.Add(int64(requests))
	p.pending.Add(-int64(requests))
}

// Wait blocks until every accepted request has been applied or ctx ends.
func (p *Pool) Wait(ctx context.Context) error {
	if p.pending.Load() == 0 {
		return nil
	}

	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for write-behind: %w", ctx.Err())
		case <-ticker.C:
			if p.pending.Load() == 0 {
				return nil
			}
		}
	}
}

// Shutdown stops accepting requests, waits up to ShutdownTimeout for the
// queue to drain and closes the backend. If Close reports an open
// transaction it is retried once after CloseRetryDelay, then forced.
//
// Shutdown is idempotent; later calls return the first call's result.
func (p *Pool) Shutdown() error {
	p.shutdownOnce.Do(func() {
		p.shutdownErr = p.shutdown()
	})

	return p.shutdownErr
}

func (p *Pool) shutdown() error {
	p.acceptMu.Lock()
	p.scaleMu.Lock()
	p.terminated.Store(true)
	p.scaleMu.Unlock()
	p.q.push(newRequest(kindShutdown))
	p.acceptMu.Unlock()

	done := make(chan struct{})

	go func() {
		p.workers.Wait()
		close(done)
	}()

	timer := time.NewTimer(p.opts.ShutdownTimeout)
	defer timer.Stop()

	var drainErr error

	select {
	case <-done:
	case <-timer.C:
		drainErr = fmt.Errorf("writebehind: workers did not finish within %s", p.opts.ShutdownTimeout)
		p.log.Warn("write-behind shutdown timed out", zap.Int("queue_depth", p.q.len()))
	}

	return errors.Join(drainErr, p.closeBackend())
}

func (p *Pool) closeBackend() error {
	err := p.backend.Close()
	if !errors.Is(err, entitystore.ErrTxActive) {
		return err
	}

	p.log.Info("store busy, retrying close", zap.Duration("delay", p.opts.CloseRetryDelay))
	time.Sleep(p.opts.CloseRetryDelay)

	err = p.backend.Close()
	if !errors.Is(err, entitystore.ErrTxActive) {
		return err
	}

	p.log.Warn("store still busy, forcing close")

	return p.backend.ForceClose()
}
