package core

import (
	"log"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/SYaoJun/treeline/pkg/common"
	"github.com/SYaoJun/treeline/pkg/config"
	"github.com/SYaoJun/treeline/pkg/core/memory"
	"github.com/SYaoJun/treeline/pkg/core/structure"
	"github.com/SYaoJun/treeline/pkg/monitor"
	"github.com/SYaoJun/treeline/pkg/storage"
)

// DB ties the write buffer to the disk manager. Writes land in the
// memtable; a flush worker drains it to disk once it crosses the
// configured threshold; a reorg worker reshapes long overflow chains.
// Reads check a bloom filter, then the memtables, then the disk layer.
type DB struct {
	cfg   *config.Config
	mgr   *Manager
	bloom *structure.BloomFilter

	writeMu sync.Mutex // serializes Put/Delete and the memtable swap
	memMu   sync.RWMutex
	mem     *memory.MemTable
	imm     *memory.MemTable // drained by the flush worker, still readable

	flushC chan struct{}
	reorgC chan storage.SegmentId
	closeC chan struct{}
	wg     sync.WaitGroup
}

// NewDB opens (or creates) the database described by cfg and starts the
// background workers.
func NewDB(cfg *config.Config) (*DB, error) {
	bloom := structure.NewBloomFilter(cfg.System.BloomSize, cfg.System.BloomFalseProb)
	mgr, err := Open(cfg, bloom)
	if err != nil {
		return nil, err
	}

	db := &DB{
		cfg:    cfg,
		mgr:    mgr,
		bloom:  bloom,
		mem:    memory.NewMemTable(),
		flushC: make(chan struct{}, 1),
		reorgC: make(chan storage.SegmentId, 16),
		closeC: make(chan struct{}),
	}

	db.wg.Add(2)
	go db.flushWorker()
	go db.reorgWorker()
	return db, nil
}

func (d *DB) Close() error {
	close(d.closeC)
	d.wg.Wait()
	if err := d.doFlush(); err != nil {
		log.Printf("final flush failed: %v", err)
	}
	return d.mgr.Close()
}

func (d *DB) Manager() *Manager             { return d.mgr }
func (d *DB) Stats() *monitor.WorkloadStats { return d.mgr.Stats() }

// BulkLoadIntoPages loads sorted records as single-page segments.
func (d *DB) BulkLoadIntoPages(records []common.Record) error {
	for _, rec := range records {
		d.bloom.Add(rec.Key)
	}
	return d.mgr.BulkLoadIntoPages(records)
}

// BulkLoadIntoSegments loads sorted records as model-equipped segments.
func (d *DB) BulkLoadIntoSegments(records []common.Record) error {
	for _, rec := range records {
		d.bloom.Add(rec.Key)
	}
	return d.mgr.BulkLoadIntoSegments(records)
}

func (d *DB) Put(key common.KeyType, value common.ValueType) {
	d.mgr.Stats().RecordWrite()
	d.bloom.Add(key)

	d.writeMu.Lock()
	d.mem.Put(key, value)
	usage := d.mem.ApproximateMemoryUsage()
	d.writeMu.Unlock()

	if usage >= int64(d.cfg.Storage.MemTableFlushThreshold) {
		d.TriggerFlush()
	}
}

func (d *DB) Delete(key common.KeyType) {
	d.mgr.Stats().RecordWrite()

	d.writeMu.Lock()
	d.mem.Delete(key)
	usage := d.mem.ApproximateMemoryUsage()
	d.writeMu.Unlock()

	if usage >= int64(d.cfg.Storage.MemTableFlushThreshold) {
		d.TriggerFlush()
	}
}

// Get returns the newest value for key, checking the write buffers
// before the disk layer.
func (d *DB) Get(key common.KeyType) (common.ValueType, error) {
	stats := d.mgr.Stats()
	stats.RecordRead()

	if !d.bloom.Contains(key) {
		return nil, errors.Wrapf(common.ErrNotFound, "key %d", key)
	}

	d.memMu.RLock()
	mem, imm := d.mem, d.imm
	d.memMu.RUnlock()

	for _, table := range []*memory.MemTable{mem, imm} {
		if table == nil {
			continue
		}
		kind, value, err := table.Get(key)
		if err == nil {
			stats.RecordMemHit()
			if kind == common.EntryDelete {
				return nil, errors.Wrapf(common.ErrNotFound, "key %d", key)
			}
			return value, nil
		}
	}

	return d.mgr.Get(key)
}

// TriggerFlush asks the flush worker to drain the memtable. It never
// blocks; a flush already in flight absorbs the request.
func (d *DB) TriggerFlush() {
	select {
	case d.flushC <- struct{}{}:
	default:
	}
}

// Flush drains the memtable synchronously. Mostly useful for tests and
// orderly shutdown.
func (d *DB) Flush() error {
	return d.doFlush()
}

// ScheduleChainReorg hands the chain rooted at the segment owning base
// to the reorg worker.
func (d *DB) ScheduleChainReorg(base common.KeyType) {
	entry, ok := d.mgr.lookup(base)
	if !ok {
		return
	}
	select {
	case d.reorgC <- entry.info.Id:
	case <-d.closeC:
	}
}

func (d *DB) flushWorker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.closeC:
			return
		case <-d.flushC:
			if err := d.doFlush(); err != nil {
				log.Printf("flush failed: %v", err)
			}
		}
	}
}

func (d *DB) reorgWorker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.closeC:
			return
		case head := <-d.reorgC:
			err := d.mgr.ReorganizeOverflowChain(head, d.cfg.Reorg.PageFillPct)
			if err != nil && !errors.Is(err, common.ErrInvalidArgument) {
				log.Printf("chain reorganization failed: %v", err)
			}
		}
	}
}

// doFlush swaps in a fresh memtable and drains the old one to disk.
// The drained table stays visible to readers until the flush lands.
func (d *DB) doFlush() error {
	d.writeMu.Lock()
	if d.mem.Len() == 0 {
		d.writeMu.Unlock()
		return nil
	}
	d.memMu.Lock()
	d.imm = d.mem
	d.mem = memory.NewMemTable()
	d.memMu.Unlock()
	d.writeMu.Unlock()

	imm := d.imm
	entries := make([]FlushEntry, 0, imm.Len())
	it := imm.Iter()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		entries = append(entries, FlushEntry{
			Key:   it.Key(),
			Value: it.Value(),
			Kind:  it.Kind(),
		})
	}

	err := d.mgr.FlushEntries(entries)

	d.memMu.Lock()
	d.imm = nil
	d.memMu.Unlock()
	return err
}
