package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/semaphore"

	"github.com/lalithlochan/relay/internal/metrics"
)

const registryShards = 32

// PermitPool bounds concurrent outbound calls per destination.
type PermitPool struct {
	size   int64
	now    func() time.Time
	held   atomic.Int64
	shards [registryShards]permitShard
}

type permitShard struct {
	mu    sync.Mutex
	pools map[string]*destinationPermits
}

type destinationPermits struct {
	sem      *semaphore.Weighted
	inUse    atomic.Int64
	refs     int       // guarded by shard mutex
	lastUsed time.Time // guarded by shard mutex
}

// Lease is a held set of permits. Release returns them exactly once.
type Lease struct {
	pool          *PermitPool
	destinationID string
	entry         *destinationPermits
	n             int64
	once          sync.Once
}

// PermitStats is a snapshot of the registry.
type PermitStats struct {
	Pools        int                    `json:"pools"`
	InUse        int64                  `json:"in_use"`
	Capacity     int64                  `json:"capacity_per_destination"`
	Destinations []DestinationPermitStat `json:"destinations,omitempty"`
}

type DestinationPermitStat struct {
	DestinationID string    `json:"destination_id"`
	InUse         int64     `json:"in_use"`
	Available     int64     `json:"available"`
	LastUsed      time.Time `json:"last_used"`
}

func NewPermitPool(size int, now func() time.Time) *PermitPool {
	if now == nil {
		now = time.Now
	}
	p := &PermitPool{size: int64(size), now: now}
	for i := range p.shards {
		p.shards[i].pools = make(map[string]*destinationPermits)
	}
	return p
}

func (p *PermitPool) shard(destinationID string) *permitShard {
	return &p.shards[xxhash.Sum64String(destinationID)%registryShards]
}

// Acquire blocks until n permits for destinationID are free or ctx is done.
// Waiters are admitted in arrival order and n permits are taken atomically.
func (p *PermitPool) Acquire(ctx context.Context, destinationID string, n int) (*Lease, error) {
	if n <= 0 {
		return nil, fmt.Errorf("acquire %d permits: count must be positive", n)
	}
	if int64(n) > p.size {
		return nil, fmt.Errorf("acquire %d permits: exceeds pool size %d", n, p.size)
	}

	s := p.shard(destinationID)
	s.mu.Lock()
	entry, ok := s.pools[destinationID]
	if !ok {
		entry = &destinationPermits{sem: semaphore.NewWeighted(p.size)}
		s.pools[destinationID] = entry
	}
	entry.refs++
	entry.lastUsed = p.now()
	s.mu.Unlock()

	if err := entry.sem.Acquire(ctx, int64(n)); err != nil {
		p.unref(destinationID, entry)
		return nil, fmt.Errorf("acquire permits for %s: %w", destinationID, err)
	}
	entry.inUse.Add(int64(n))
	p.held.Add(int64(n))
	metrics.AddPermitsInUse(int64(n))

	return &Lease{pool: p, destinationID: destinationID, entry: entry, n: int64(n)}, nil
}

// Release returns the permits. Calls after the first are no-ops.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.entry.inUse.Add(-l.n)
		l.pool.held.Add(-l.n)
		metrics.AddPermitsInUse(-l.n)
		l.entry.sem.Release(l.n)
		l.pool.unref(l.destinationID, l.entry)
	})
}

func (l *Lease) Size() int { return int(l.n) }

func (p *PermitPool) unref(destinationID string, entry *destinationPermits) {
	s := p.shard(destinationID)
	s.mu.Lock()
	entry.refs--
	entry.lastUsed = p.now()
	s.mu.Unlock()
}

// InUse returns permits currently held for destinationID.
func (p *PermitPool) InUse(destinationID string) int64 {
	s := p.shard(destinationID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.pools[destinationID]; ok {
		return entry.inUse.Load()
	}
	return 0
}

// TotalInUse returns permits held across every destination.
func (p *PermitPool) TotalInUse() int64 {
	return p.held.Load()
}

// Sweep evicts pools with no holders or waiters that have been idle for ttl.
// It runs under each shard lock, so it cannot race an Acquire on that shard.
func (p *PermitPool) Sweep(ttl time.Duration) int {
	now := p.now()
	evicted := 0
	for i := range p.shards {
		s := &p.shards[i]
		s.mu.Lock()
		for id, entry := range s.pools {
			if entry.refs == 0 && entry.inUse.Load() == 0 && now.Sub(entry.lastUsed) >= ttl {
				delete(s.pools, id)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	return evicted
}

// Stats snapshots every registered pool, busiest first.
func (p *PermitPool) Stats() PermitStats {
	stats := PermitStats{Capacity: p.size}
	for i := range p.shards {
		s := &p.shards[i]
		s.mu.Lock()
		for id, entry := range s.pools {
			inUse := entry.inUse.Load()
			stats.Pools++
			stats.InUse += inUse
			stats.Destinations = append(stats.Destinations, DestinationPermitStat{
				DestinationID: id,
				InUse:         inUse,
				Available:     p.size - inUse,
				LastUsed:      entry.lastUsed,
			})
		}
		s.mu.Unlock()
	}
	sort.Slice(stats.Destinations, func(i, j int) bool {
		if stats.Destinations[i].InUse != stats.Destinations[j].InUse {
			return stats.Destinations[i].InUse > stats.Destinations[j].InUse
		}
		return stats.Destinations[i].DestinationID < stats.Destinations[j].DestinationID
	})
	return stats
}
