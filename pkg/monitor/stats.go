package monitor

import (
	"sync/atomic"
)

// WorkloadStats tracks engine activity with lock-free counters.
type WorkloadStats struct {
	ReadCount    uint64
	WriteCount   uint64
	MemHitCount  uint64
	FlushCount   uint64
	RewriteCount uint64
	FlattenCount uint64
	ReorgCount   uint64
}

func NewWorkloadStats() *WorkloadStats {
	return &WorkloadStats{}
}

func (ws *WorkloadStats) RecordRead() {
	atomic.AddUint64(&ws.ReadCount, 1)
}

func (ws *WorkloadStats) RecordWrite() {
	atomic.AddUint64(&ws.WriteCount, 1)
}

func (ws *WorkloadStats) RecordMemHit() {
	atomic.AddUint64(&ws.MemHitCount, 1)
}

func (ws *WorkloadStats) RecordFlush() {
	atomic.AddUint64(&ws.FlushCount, 1)
}

func (ws *WorkloadStats) RecordRewrite() {
	atomic.AddUint64(&ws.RewriteCount, 1)
}

func (ws *WorkloadStats) RecordFlatten() {
	atomic.AddUint64(&ws.FlattenCount, 1)
}

func (ws *WorkloadStats) RecordReorg() {
	atomic.AddUint64(&ws.ReorgCount, 1)
}

func (ws *WorkloadStats) GetReadWriteRatio() float64 {
	reads := atomic.LoadUint64(&ws.ReadCount)
	writes := atomic.LoadUint64(&ws.WriteCount)

	if writes == 0 {
		if reads > 0 {
			return 100.0
		}
		return 0.0
	}
	return float64(reads) / float64(writes)
}

// Snapshot returns a consistent-enough copy for reporting.
func (ws *WorkloadStats) Snapshot() map[string]uint64 {
	return map[string]uint64{
		"reads":    atomic.LoadUint64(&ws.ReadCount),
		"writes":   atomic.LoadUint64(&ws.WriteCount),
		"mem_hits": atomic.LoadUint64(&ws.MemHitCount),
		"flushes":  atomic.LoadUint64(&ws.FlushCount),
		"rewrites": atomic.LoadUint64(&ws.RewriteCount),
		"flattens": atomic.LoadUint64(&ws.FlattenCount),
		"reorgs":   atomic.LoadUint64(&ws.ReorgCount),
	}
}
