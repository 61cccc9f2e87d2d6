package stats

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// OperationType names a store operation
type OperationType string

const (
	OpRead    OperationType = "read"
	OpWrite   OperationType = "write"
	OpSkip    OperationType = "skip"
	OpReject  OperationType = "reject"
	OpCompact OperationType = "compact"
	OpScan    OperationType = "scan"
)

// registry hands out one lazily created value per key. Lookups take the
// read lock; the write lock is only held the first time a key is seen.
type registry[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]*V
}

func newRegistry[K comparable, V any]() *registry[K, V] {
	return &registry[K, V]{m: make(map[K]*V)}
}

func (r *registry[K, V]) get(k K) *V {
	r.mu.RLock()
	v, ok := r.m[k]
	r.mu.RUnlock()
	if ok {
		return v
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok = r.m[k]; !ok {
		v = new(V)
		r.m[k] = v
	}
	return v
}

func (r *registry[K, V]) lookup(k K) (*V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.m[k]
	return v, ok
}

func (r *registry[K, V]) each(fn func(K, *V)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for k, v := range r.m {
		fn(k, v)
	}
}

// opCounter counts one operation type and remembers when it last ran
type opCounter struct {
	n    atomic.Uint64
	last atomic.Int64 // unix nanoseconds
}

func (o *opCounter) inc() {
	o.n.Add(1)
	o.last.Store(time.Now().UnixNano())
}

// latency keeps running count, sum and extremes in nanoseconds
type latency struct {
	count atomic.Uint64
	sum   atomic.Uint64
	max   atomic.Uint64
	min   atomic.Uint64 // zero until the first sample
}

func (l *latency) record(ns uint64) {
	l.count.Add(1)
	l.sum.Add(ns)
	for cur := l.max.Load(); ns > cur; cur = l.max.Load() {
		if l.max.CompareAndSwap(cur, ns) {
			break
		}
	}
	for cur := l.min.Load(); cur == 0 || ns < cur; cur = l.min.Load() {
		if l.min.CompareAndSwap(cur, ns) {
			break
		}
	}
}

// snapshot returns nil when nothing was recorded
func (l *latency) snapshot() map[string]interface{} {
	n := l.count.Load()
	if n == 0 {
		return nil
	}
	out := map[string]interface{}{
		"count":  n,
		"avg_ns": l.sum.Load() / n,
	}
	if v := l.min.Load(); v != 0 {
		out["min_ns"] = v
	}
	if v := l.max.Load(); v != 0 {
		out["max_ns"] = v
	}
	return out
}

// RecoveryStats describes the most recent slot scan
type RecoveryStats struct {
	SlotsScanned     atomic.Uint64
	ValidSlots       atomic.Uint64
	CorruptedSlots   atomic.Uint64
	RecoveryDuration atomic.Int64 // nanoseconds
}

// AtomicCollector is a Collector built on atomics. Counters for new
// operation or error names are created on first use.
type AtomicCollector struct {
	ops       *registry[OperationType, opCounter]
	latencies *registry[OperationType, latency]
	errors    *registry[string, atomic.Uint64]

	bytesRead       atomic.Uint64
	bytesProgrammed atomic.Uint64
	erases          atomic.Uint64

	recovery RecoveryStats
}

// NewAtomicCollector returns an empty collector
func NewAtomicCollector() *AtomicCollector {
	return &AtomicCollector{
		ops:       newRegistry[OperationType, opCounter](),
		latencies: newRegistry[OperationType, latency](),
		errors:    newRegistry[string, atomic.Uint64](),
	}
}

// TrackOperation counts one op
func (c *AtomicCollector) TrackOperation(op OperationType) {
	c.ops.get(op).inc()
}

// TrackOperationWithLatency counts one op that took latencyNs
func (c *AtomicCollector) TrackOperationWithLatency(op OperationType, latencyNs uint64) {
	c.ops.get(op).inc()
	c.latencies.get(op).record(latencyNs)
}

// TrackError counts one error of the given kind
func (c *AtomicCollector) TrackError(errorType string) {
	c.errors.get(errorType).Add(1)
}

// TrackBytes adds to the programmed counter when isWrite, the read counter otherwise
func (c *AtomicCollector) TrackBytes(isWrite bool, bytes uint64) {
	if isWrite {
		c.bytesProgrammed.Add(bytes)
		return
	}
	c.bytesRead.Add(bytes)
}

// TrackErase counts one sector erase
func (c *AtomicCollector) TrackErase() {
	c.erases.Add(1)
}

// EraseCount returns the number of sector erases tracked so far
func (c *AtomicCollector) EraseCount() uint64 {
	return c.erases.Load()
}

// OperationCount returns how many times op has been tracked
func (c *AtomicCollector) OperationCount(op OperationType) uint64 {
	if o, ok := c.ops.lookup(op); ok {
		return o.n.Load()
	}
	return 0
}

// StartRecovery clears the previous scan's figures
func (c *AtomicCollector) StartRecovery() time.Time {
	c.recovery.SlotsScanned.Store(0)
	c.recovery.ValidSlots.Store(0)
	c.recovery.CorruptedSlots.Store(0)
	c.recovery.RecoveryDuration.Store(0)
	return time.Now()
}

// FinishRecovery stores the outcome of a scan started at startTime
func (c *AtomicCollector) FinishRecovery(startTime time.Time, slotsScanned, validSlots, corruptedSlots uint64) {
	c.recovery.SlotsScanned.Store(slotsScanned)
	c.recovery.ValidSlots.Store(validSlots)
	c.recovery.CorruptedSlots.Store(corruptedSlots)
	c.recovery.RecoveryDuration.Store(time.Since(startTime).Nanoseconds())
}

// GetStats returns every counter as a map
func (c *AtomicCollector) GetStats() map[string]interface{} {
	out := map[string]interface{}{
		"total_bytes_read":       c.bytesRead.Load(),
		"total_bytes_programmed": c.bytesProgrammed.Load(),
		"erase_count":            c.erases.Load(),
		"recovery":               c.recoverySnapshot(),
	}

	c.ops.each(func(op OperationType, o *opCounter) {
		out[string(op)+"_ops"] = o.n.Load()
		if ts := o.last.Load(); ts != 0 {
			out["last_"+string(op)+"_time"] = ts
		}
	})

	c.latencies.each(func(op OperationType, l *latency) {
		if snap := l.snapshot(); snap != nil {
			out[string(op)+"_latency"] = snap
		}
	})

	errs := make(map[string]uint64)
	c.errors.each(func(kind string, n *atomic.Uint64) {
		errs[kind] = n.Load()
	})
	out["errors"] = errs

	return out
}

func (c *AtomicCollector) recoverySnapshot() map[string]interface{} {
	out := map[string]interface{}{
		"slots_scanned":   c.recovery.SlotsScanned.Load(),
		"valid_slots":     c.recovery.ValidSlots.Load(),
		"corrupted_slots": c.recovery.CorruptedSlots.Load(),
	}
	if d := c.recovery.RecoveryDuration.Load(); d > 0 {
		out["scan_duration_us"] = d / int64(time.Microsecond)
	}
	return out
}

// GetStatsFiltered returns the entries of GetStats whose key starts with
// prefix. An empty prefix returns everything.
func (c *AtomicCollector) GetStatsFiltered(prefix string) map[string]interface{} {
	all := c.GetStats()
	for key := range all {
		if !strings.HasPrefix(key, prefix) {
			delete(all, key)
		}
	}
	return all
}
