// Package dispatch groups inbound send requests into per-destination batches,
// delivers them under a per-destination permit ceiling and persists every
// outcome before acknowledging the inbound messages.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/lalithlochan/relay/internal/db"
	"github.com/lalithlochan/relay/internal/metrics"
	"github.com/lalithlochan/relay/internal/whatsapp"
	"github.com/lalithlochan/relay/internal/workerpool"
)

// ErrEngineStopped is returned by Enqueue once shutdown has begun.
var ErrEngineStopped = errors.New("dispatch engine stopped")

// DeliveryClient sends one message to the provider.
type DeliveryClient interface {
	Send(ctx context.Context, req whatsapp.SendRequest) (*whatsapp.SendResponse, error)
}

// Batcher persists the outcome of a whole batch atomically.
type Batcher interface {
	ApplyBatch(ctx context.Context, rows []db.ReportUpdate) (db.BatchResult, error)
}

// DeadLetterRouter receives units whose results could not be persisted.
// It must not block for long and never fails the caller.
type DeadLetterRouter interface {
	Route(ctx context.Context, u WorkUnit, cause error)
}

// Guard suppresses duplicate work units. Reserve returns false for an id
// that is already reserved or processed.
type Guard interface {
	Reserve(ctx context.Context, id string) (bool, error)
	MarkProcessed(ctx context.Context, id string) error
	Release(ctx context.Context, id string) error
}

// Config tunes batching, concurrency and shutdown.
type Config struct {
	MaxBatchSize          int
	BatchTimeout          time.Duration
	PermitsPerDestination int
	DeliveryTimeout       time.Duration
	PoolIdleTTL           time.Duration
	SweepInterval         time.Duration
	QueueIdleTTL          time.Duration
	Workers               int
	WorkerQueueSize       int
}

func DefaultConfig() Config {
	return Config{
		MaxBatchSize:          80,
		BatchTimeout:          3 * time.Second,
		PermitsPerDestination: 80,
		DeliveryTimeout:       300 * time.Second,
		PoolIdleTTL:           6 * time.Hour,
		SweepInterval:         time.Hour,
		QueueIdleTTL:          5 * time.Minute,
		Workers:               500,
		WorkerQueueSize:       10000,
	}
}

func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = d.BatchTimeout
	}
	if c.PermitsPerDestination <= 0 {
		c.PermitsPerDestination = d.PermitsPerDestination
	}
	// a batch takes one permit per unit, so it can never exceed the pool
	if c.MaxBatchSize > c.PermitsPerDestination {
		c.MaxBatchSize = c.PermitsPerDestination
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = d.DeliveryTimeout
	}
	if c.PoolIdleTTL <= 0 {
		c.PoolIdleTTL = d.PoolIdleTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.QueueIdleTTL <= 0 {
		c.QueueIdleTTL = d.QueueIdleTTL
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.WorkerQueueSize < 0 {
		c.WorkerQueueSize = d.WorkerQueueSize
	}
	return c
}

// Dependencies are the collaborators the engine drives.
// DeadLetter and Guard are optional.
type Dependencies struct {
	Client     DeliveryClient
	Batcher    Batcher
	DeadLetter DeadLetterRouter
	Guard      Guard
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	ActiveDestinations int         `json:"active_destinations"`
	QueuedUnits        int         `json:"queued_units"`
	PendingBatches     int         `json:"pending_batches"`
	Permits            PermitStats `json:"permits"`
}

type queueShard struct {
	mu     sync.Mutex
	queues map[string]*destinationQueue
}

// Engine is the per-destination batch dispatcher.
type Engine struct {
	cfg        Config
	client     DeliveryClient
	batcher    Batcher
	deadLetter DeadLetterRouter
	guard      Guard
	logger     *zap.Logger
	now        func() time.Time

	permits *PermitPool
	pool    *workerpool.Pool
	shards  [registryShards]queueShard

	// admission is held shared by Enqueue and exclusively by Stop, so no
	// unit can slip into a queue after its loop has drained.
	admission sync.RWMutex
	stopping  bool

	stopCh    chan struct{}
	loops     sync.WaitGroup
	sweeperWG sync.WaitGroup
	startOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

// NewEngine wires an engine. Call Start to run the idle-pool sweeper.
func NewEngine(cfg Config, deps Dependencies, logger *zap.Logger) (*Engine, error) {
	if deps.Client == nil {
		return nil, errors.New("delivery client is required")
	}
	if deps.Batcher == nil {
		return nil, errors.New("batcher is required")
	}
	if deps.DeadLetter == nil {
		deps.DeadLetter = logOnlyRouter{logger: logger}
	}

	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:        cfg,
		client:     deps.Client,
		batcher:    deps.Batcher,
		deadLetter: deps.DeadLetter,
		guard:      deps.Guard,
		logger:     logger,
		now:        time.Now,
		permits:    NewPermitPool(cfg.PermitsPerDestination, time.Now),
		pool:       workerpool.New(cfg.Workers, cfg.WorkerQueueSize, logger),
		stopCh:     make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	for i := range e.shards {
		e.shards[i].queues = make(map[string]*destinationQueue)
	}
	return e, nil
}

// Start runs the idle permit-pool sweeper until Stop.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		e.sweeperWG.Add(1)
		go e.sweepLoop()

		e.logger.Info("dispatch engine started",
			zap.Int("max_batch_size", e.cfg.MaxBatchSize),
			zap.Duration("batch_timeout", e.cfg.BatchTimeout),
			zap.Int("permits_per_destination", e.cfg.PermitsPerDestination),
			zap.Int("workers", e.cfg.Workers),
		)
	})
}

func (e *Engine) sweepLoop() {
	defer e.sweeperWG.Done()

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			evicted := e.permits.Sweep(e.cfg.PoolIdleTTL)
			stats := e.permits.Stats()
			metrics.SetPermitPools(stats.Pools)
			if evicted > 0 {
				e.logger.Info("evicted idle permit pools",
					zap.Int("evicted", evicted),
					zap.Int("remaining", stats.Pools),
				)
			}
		}
	}
}

func (e *Engine) queueShard(destinationID string) *queueShard {
	return &e.shards[xxhash.Sum64String(destinationID)%registryShards]
}

// Enqueue hands a work unit to its destination queue. It never blocks on
// delivery. Duplicates are committed and discarded.
func (e *Engine) Enqueue(ctx context.Context, u WorkUnit) error {
	e.admission.RLock()
	defer e.admission.RUnlock()

	if e.stopping {
		return ErrEngineStopped
	}

	if e.guard != nil {
		fresh, err := e.guard.Reserve(ctx, u.ID)
		if err != nil {
			// advisory only: deliver rather than drop
			e.logger.Warn("idempotency check failed, processing anyway",
				zap.String("unit_id", u.ID),
				zap.Error(err),
			)
		} else if !fresh {
			metrics.RecordIdempotencyHit()
			e.logger.Debug("duplicate work unit discarded",
				zap.String("unit_id", u.ID),
				zap.String("destination_id", u.DestinationID),
			)
			if err := u.Commit(ctx); err != nil {
				e.logger.Warn("commit of duplicate failed", zap.String("unit_id", u.ID), zap.Error(err))
			}
			return nil
		}
	}

	s := e.queueShard(u.DestinationID)
	s.mu.Lock()
	q, ok := s.queues[u.DestinationID]
	if !ok {
		q = newDestinationQueue(u.DestinationID, e.cfg.MaxBatchSize, e.cfg.BatchTimeout, e.now)
		s.queues[u.DestinationID] = q
		e.loops.Add(1)
		go e.runDestination(q)
	}
	accepted := q.enqueue(u)
	s.mu.Unlock()

	if !accepted {
		e.releaseReservation(u.ID)
		return ErrEngineStopped
	}
	return nil
}

// runDestination is the single consumer of one destination queue.
func (e *Engine) runDestination(q *destinationQueue) {
	defer e.loops.Done()

	log := e.logger.With(zap.String("destination_id", q.id))
	log.Debug("destination loop started")

	timer := time.NewTimer(e.cfg.BatchTimeout)
	defer timer.Stop()
	idle := time.NewTicker(e.cfg.QueueIdleTTL)
	defer idle.Stop()

	for {
		for {
			b := q.claimReady(e.now())
			if b == nil {
				break
			}
			e.dispatch(b)
		}

		if d, ok := q.untilDeadline(e.now()); ok {
			timer.Reset(d)
		} else {
			timer.Stop()
		}

		select {
		case <-q.wake:
		case <-timer.C:
		case <-idle.C:
			if e.retire(q) {
				log.Debug("destination loop retired")
				return
			}
		case <-e.stopCh:
			e.drainQueue(q, log)
			return
		}
	}
}

func (e *Engine) retire(q *destinationQueue) bool {
	s := e.queueShard(q.id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if !q.retireIfIdle(e.now(), e.cfg.QueueIdleTTL) {
		return false
	}
	delete(s.queues, q.id)
	return true
}

// drainQueue processes whatever is left in q synchronously during shutdown.
func (e *Engine) drainQueue(q *destinationQueue, log *zap.Logger) {
	s := e.queueShard(q.id)
	s.mu.Lock()
	batches := q.drain()
	delete(s.queues, q.id)
	s.mu.Unlock()

	if len(batches) == 0 {
		return
	}
	log.Info("draining destination queue", zap.Int("batches", len(batches)))

	for _, b := range batches {
		metrics.RecordBatchDispatched(string(b.Trigger()), b.Size())
		lease, err := e.permits.Acquire(e.ctx, b.destinationID, b.Size())
		if err != nil {
			e.abandon(b, err)
			continue
		}
		e.execute(b, lease)
	}
}

// dispatch takes the permits for b in claim order and hands it to the pool.
func (e *Engine) dispatch(b *Batch) {
	metrics.RecordBatchDispatched(string(b.Trigger()), b.Size())

	lease, err := e.permits.Acquire(e.ctx, b.destinationID, b.Size())
	if err != nil {
		e.abandon(b, err)
		return
	}

	if err := e.pool.Submit(e.ctx, func() { e.execute(b, lease) }); err != nil {
		lease.Release()
		e.abandon(b, fmt.Errorf("submit batch: %w", err))
	}
}

// execute delivers, persists and commits one claimed batch.
func (e *Engine) execute(b *Batch, lease *Lease) {
	start := e.now()
	defer b.complete()

	results := e.deliver(b, lease)

	if err := e.ctx.Err(); err != nil {
		e.abandon(b, err)
		return
	}

	rows := make([]db.ReportUpdate, len(results))
	for i, r := range results {
		rows[i] = MapResult(r)
	}

	outcome := "committed"
	res, err := e.batcher.ApplyBatch(e.ctx, rows)
	if err != nil {
		outcome = "dead_lettered"
		metrics.RecordPersistence("error")
		e.logger.Error("batch persistence failed, routing to dead letter",
			zap.String("destination_id", b.destinationID),
			zap.Uint64("batch_seq", b.seq),
			zap.Int("size", b.Size()),
			zap.Error(err),
		)
		e.routeBatch(b, err)
	} else {
		metrics.RecordPersistence("ok")
		if len(res.NotFound) > 0 {
			e.logger.Warn("batch rows matched no report",
				zap.String("destination_id", b.destinationID),
				zap.Int("not_found", len(res.NotFound)),
			)
		}
	}

	e.finalize(b)

	metrics.RecordBatchDuration(outcome, e.now().Sub(start))
	e.logger.Debug("batch completed",
		zap.String("destination_id", b.destinationID),
		zap.Uint64("batch_seq", b.seq),
		zap.String("trigger", string(b.trigger)),
		zap.Int("size", b.Size()),
		zap.Duration("duration", e.now().Sub(start)),
	)
}

// deliver fans out one send per unit and releases the lease once every
// result is in or the delivery timeout has passed.
func (e *Engine) deliver(b *Batch, lease *Lease) []DeliveryResult {
	defer lease.Release()

	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.DeliveryTimeout)
	defer cancel()

	type indexed struct {
		i int
		r DeliveryResult
	}
	ch := make(chan indexed, len(b.units))
	for i, u := range b.units {
		go func(i int, u WorkUnit) {
			ch <- indexed{i: i, r: e.sendOne(ctx, u)}
		}(i, u)
	}

	results := make([]DeliveryResult, len(b.units))
	got := make([]bool, len(b.units))
collect:
	for n := 0; n < len(b.units); n++ {
		select {
		case res := <-ch:
			results[res.i] = res.r
			got[res.i] = true
		case <-ctx.Done():
			break collect
		}
	}

	for i, ok := range got {
		if !ok {
			results[i] = newDeliveryResult(b.units[i], nil, fmt.Errorf("delivery: %w", ctx.Err()), e.now())
		}
	}

	for i, r := range results {
		status := db.StatusSent
		if !r.Success {
			status = db.StatusFailed
		}
		metrics.RecordDelivery(status, e.now().Sub(b.units[i].EnqueuedAt))
	}
	return results
}

func (e *Engine) sendOne(ctx context.Context, u WorkUnit) (res DeliveryResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic in delivery",
				zap.String("unit_id", u.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			res = newDeliveryResult(u, nil, fmt.Errorf("delivery panic: %v", r), e.now())
		}
	}()

	resp, err := e.client.Send(ctx, whatsapp.SendRequest{
		PhoneNumberID: u.DestinationID,
		AccessToken:   u.AccessToken,
		Body:          u.Payload,
	})
	return newDeliveryResult(u, resp, err, e.now())
}

// routeBatch hands every unit of b to the dead-letter router. Deliveries
// already happened, so this runs even after the engine context is cancelled.
func (e *Engine) routeBatch(b *Batch, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(e.ctx), 30*time.Second)
	defer cancel()
	for _, u := range b.units {
		e.deadLetter.Route(ctx, u, cause)
	}
}

// finalize commits every unit then marks it processed.
func (e *Engine) finalize(b *Batch) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(e.ctx), 30*time.Second)
	defer cancel()

	for _, u := range b.units {
		if err := u.Commit(ctx); err != nil {
			e.logger.Warn("commit failed, unit may be redelivered",
				zap.String("unit_id", u.ID),
				zap.String("destination_id", u.DestinationID),
				zap.Error(err),
			)
		}
		if e.guard != nil {
			if err := e.guard.MarkProcessed(ctx, u.ID); err != nil {
				e.logger.Warn("mark processed failed", zap.String("unit_id", u.ID), zap.Error(err))
			}
		}
	}
}

// abandon leaves b uncommitted so the broker redelivers it.
func (e *Engine) abandon(b *Batch, cause error) {
	b.complete()
	metrics.RecordUnitsAbandoned(b.Size())
	e.logger.Warn("batch abandoned before persistence, leaving uncommitted",
		zap.String("destination_id", b.destinationID),
		zap.Uint64("batch_seq", b.seq),
		zap.Int("size", b.Size()),
		zap.Error(cause),
	)
	for _, u := range b.units {
		e.releaseReservation(u.ID)
	}
}

func (e *Engine) releaseReservation(id string) {
	if e.guard == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.guard.Release(ctx, id); err != nil {
		e.logger.Warn("release reservation failed", zap.String("unit_id", id), zap.Error(err))
	}
}

// Stats snapshots queues and permit pools.
func (e *Engine) Stats() Stats {
	var st Stats
	for i := range e.shards {
		s := &e.shards[i]
		s.mu.Lock()
		st.ActiveDestinations += len(s.queues)
		for _, q := range s.queues {
			st.QueuedUnits += q.depth()
		}
		s.mu.Unlock()
	}
	st.PendingBatches = e.pool.Pending()
	st.Permits = e.permits.Stats()
	metrics.SetActiveDestinations(st.ActiveDestinations)
	metrics.SetPermitPools(st.Permits.Pools)
	return st
}

// Stop refuses new units, drains every destination, waits for in-flight
// batches and stops the worker pool. If ctx expires first, in-flight
// work is cancelled: batches still delivering are left uncommitted, and
// batches whose persistence fails are dead-lettered and committed.
func (e *Engine) Stop(ctx context.Context) error {
	e.admission.Lock()
	if e.stopping {
		e.admission.Unlock()
		return nil
	}
	e.stopping = true
	e.admission.Unlock()

	e.logger.Info("stopping dispatch engine")
	close(e.stopCh)

	done := make(chan struct{})
	go func() {
		e.loops.Wait()
		e.pool.Stop()
		e.sweeperWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		e.logger.Info("dispatch engine stopped")
		return nil
	case <-ctx.Done():
		e.cancel()
		return fmt.Errorf("stop dispatch engine: %w", ctx.Err())
	}
}

type logOnlyRouter struct {
	logger *zap.Logger
}

func (r logOnlyRouter) Route(_ context.Context, u WorkUnit, cause error) {
	r.logger.Error("dead letter: no router configured",
		zap.String("unit_id", u.ID),
		zap.String("destination_id", u.DestinationID),
		zap.Error(cause),
	)
}
