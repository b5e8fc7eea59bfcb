package core

import (
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/SYaoJun/treeline/pkg/common"
	"github.com/SYaoJun/treeline/pkg/storage"
	"github.com/SYaoJun/treeline/pkg/storage/segment"
)

// FlattenChain merges a single-page segment's overflow chain with
// addtl entries and replaces it with a run of fresh single-page
// segments. On equal keys the in-memory entry wins.
func (m *Manager) FlattenChain(base common.KeyType, addtl []FlushEntry) error {
	m.rewriteMu.Lock()
	defer m.rewriteMu.Unlock()
	return m.flattenChainLocked(base, addtl)
}

func (m *Manager) flattenChainLocked(base common.KeyType, addtl []FlushEntry) error {
	entry, ok := m.lookup(base)
	if !ok || entry.base != base {
		return errors.Wrapf(common.ErrInvalidArgument, "no segment at base %d", base)
	}
	if entry.info.PageCount != 1 {
		return errors.Wrapf(common.ErrInvalidArgument,
			"segment at base %d has %d pages; flatten applies to single-page chains",
			base, entry.info.PageCount)
	}
	upper := m.successorBase(base)

	frames, _, err := m.fixOverflowChain(entry.info.Id, m.indexVersion.Load(), true, false)
	if err != nil {
		return err
	}

	// Merge the chain with the in-memory entries. Deletes drop their
	// on-disk counterpart and are not carried forward.
	iters := make([]*storage.PageIter, 0, len(frames))
	for _, f := range frames {
		iters = append(iters, f.Page().Iter())
	}
	pmi := NewPageMergeIterator(iters)
	merged := make([]common.Record, 0, pmi.RecordsLeft()+len(addtl))
	merger := NewPagePlusRecordMerger(addtl)
	merger.UpdatePageIterator(pmi)
	for {
		rec, live := merger.NextRecord()
		if !live {
			break
		}
		rec.Value = append(common.ValueType(nil), rec.Value...)
		merged = append(merged, rec)
	}

	sequence := uint32(m.nextSequence.Add(1))

	oldIds := make([]storage.SegmentId, 0, len(frames))
	for _, f := range frames {
		oldIds = append(oldIds, f.Addr())
	}

	lowerBound := base
	if len(merged) > 0 && merged[0].Key < lowerBound {
		lowerBound = merged[0].Key
	}
	newEntries, err := m.loadIntoNewPages(sequence, lowerBound, upper, merged)
	if err != nil {
		m.releaseChain(frames, false, true, false)
		return err
	}

	// The intent is the commit record: it is written only once the new
	// pages are durable, so recovery may safely re-apply its reclaims.
	if err := m.intents.Record(sequence, oldIds); err != nil {
		m.releaseChain(frames, false, true, false)
		return err
	}

	// The index flips to the new pages before the old ones are
	// reclaimed; stalled readers re-check the index and restart.
	m.replaceEntries([]common.KeyType{base}, newEntries)

	futures := m.zeroAndFree(oldIds)
	m.releaseChain(frames, false, true, false)
	for _, id := range oldIds {
		m.frames.Invalidate(id)
	}
	for _, f := range futures {
		f.Wait()
	}
	if err := m.intents.MarkDone(sequence); err != nil {
		return err
	}
	m.stats.RecordFlatten()
	return nil
}

// RewriteSegments rewrites the segment at base, and optionally its
// overflowing neighbors, into freshly built segments, merging in addtl
// entries along the way.
func (m *Manager) RewriteSegments(base common.KeyType, addtl []FlushEntry) error {
	m.rewriteMu.Lock()
	defer m.rewriteMu.Unlock()
	return m.rewriteSegmentsLocked(base, addtl)
}

func (m *Manager) rewriteSegmentsLocked(base common.KeyType, addtl []FlushEntry) error {
	// 1. Select the segments to rewrite: the target plus, optionally,
	// every contiguous overflowing neighbor on both sides.
	m.indexMu.RLock()
	target, ok := m.lookupLocked(base)
	if !ok {
		m.indexMu.RUnlock()
		return errors.Wrapf(common.ErrInvalidArgument, "no segment at base %d", base)
	}
	segsToRewrite := []indexEntry{target}
	if m.cfg.Reorg.ConsiderNeighborsDuringRewrite {
		m.index.DescendLessOrEqual(indexEntry{base: target.base}, func(e indexEntry) bool {
			if e.base == target.base {
				return true
			}
			if !e.info.HasOverflow {
				return false
			}
			segsToRewrite = append(segsToRewrite, e)
			return true
		})
		m.index.AscendGreaterOrEqual(indexEntry{base: target.base}, func(e indexEntry) bool {
			if e.base == target.base {
				return true
			}
			if !e.info.HasOverflow {
				return false
			}
			segsToRewrite = append(segsToRewrite, e)
			return true
		})
	}
	m.indexMu.RUnlock()

	sort.Slice(segsToRewrite, func(i, j int) bool {
		return segsToRewrite[i].base < segsToRewrite[j].base
	})

	sequence := uint32(m.nextSequence.Add(1))

	// 2. Sliding-window merge. Segments are read into a bounded ring of
	// pages, their chains are streamed through the builder interleaved
	// with addtl, and finished segments are written out as soon as they
	// close, freeing ring pages whose keys are fully written.
	pageBuf := NewCircularPageBuffer(segment.MaxPagesPerSegment * 4)
	builder := segment.NewBuilder(m.cfg.Storage.RecordsPerPageGoal, m.cfg.Storage.RecordsPerPageDelta)
	merger := NewPagePlusRecordMerger(addtl)

	var toProcess, processed []pageChain
	var rewritten []indexEntry
	var overflowsToClear []storage.SegmentId

	writeOut := func(closed []segment.Segment) error {
		for i := range closed {
			var upper common.KeyType
			if i < len(closed)-1 {
				upper = closed[i+1].BaseKey
			} else if next, has := builder.CurrentBaseKey(); has {
				upper = next
			} else {
				// The builder drained completely; the next index entry
				// past the last written key bounds the run.
				last := closed[i].Records[len(closed[i].Records)-1].Key
				upper = m.successorBase(last)
			}
			entry, err := m.loadIntoNewSegment(sequence, &closed[i], upper)
			if err != nil {
				return err
			}
			rewritten = append(rewritten, entry)
		}

		// Release ring pages whose chains were fully written out: all
		// processed chains strictly below the builder's current base.
		nextKey, has := builder.CurrentBaseKey()
		for len(processed) > 0 {
			if has {
				if largest, lok := processed[0].largestKey(); lok && largest >= nextKey {
					break
				}
			}
			for i := 0; i < processed[0].numPages(); i++ {
				pageBuf.Free()
			}
			processed = processed[1:]
		}
		return nil
	}

	for _, seg := range segsToRewrite {
		segPages := seg.info.PageCount
		if segPages > pageBuf.NumFreePages() {
			if err := writeOut(builder.Finish()); err != nil {
				return err
			}
		}

		// Read the segment image and count its overflows.
		if err := m.files[seg.info.Id.File].ReadPages(seg.info.Id.Offset, m.scratch, segPages); err != nil {
			return err
		}
		sw := storage.NewSegmentWrap(m.scratch, segPages)
		numOverflows := sw.NumOverflows()
		if segPages+numOverflows > pageBuf.NumFreePages() {
			if err := writeOut(builder.Finish()); err != nil {
				return err
			}
		}

		// Copy the main pages into the ring, reserving a slot behind
		// each overflowing page, then batch-read the overflows.
		var chains []pageChain
		type overflowLoad struct {
			id  storage.SegmentId
			dst []byte
		}
		var loads []overflowLoad
		sw.ForEachPage(func(i int, p storage.Page) {
			main := pageBuf.Allocate()
			copy(main, p.Data())
			if p.HasOverflow() {
				ov := pageBuf.Allocate()
				chains = append(chains, withOverflow(main, ov))
				loads = append(loads, overflowLoad{id: p.Overflow(), dst: ov})
				overflowsToClear = append(overflowsToClear, p.Overflow())
			} else {
				chains = append(chains, singleOnly(main))
			}
		})
		for _, load := range loads {
			if err := m.readPageAt(load.id, load.dst); err != nil {
				return err
			}
		}
		toProcess = append(toProcess, chains...)

		// Stream the buffered chains through the builder.
		for len(toProcess) > 0 {
			pc := toProcess[0]
			merger.UpdatePageIterator(pc.iter())
			for {
				rec, live := merger.NextPageRecord()
				if !live {
					break
				}
				if closed := builder.Offer(rec); len(closed) > 0 {
					if err := writeOut(closed); err != nil {
						return err
					}
				}
			}
			processed = append(processed, pc)
			toProcess = toProcess[1:]
		}
	}

	// Drain the remaining in-memory entries, then the builder.
	for {
		rec, live := merger.NextRecord()
		if !live {
			break
		}
		if closed := builder.Offer(rec); len(closed) > 0 {
			if err := writeOut(closed); err != nil {
				return err
			}
		}
	}
	if err := writeOut(builder.Finish()); err != nil {
		return err
	}

	removeBases := make([]common.KeyType, 0, len(segsToRewrite))
	oldIds := make([]storage.SegmentId, 0, len(segsToRewrite)+len(overflowsToClear))
	for _, seg := range segsToRewrite {
		removeBases = append(removeBases, seg.base)
		oldIds = append(oldIds, seg.info.Id)
	}
	oldIds = append(oldIds, overflowsToClear...)

	if len(rewritten) == 0 {
		// Every record was deleted; keep the interval covered with one
		// empty page.
		upper := m.successorBase(segsToRewrite[len(segsToRewrite)-1].base)
		empty, err := m.loadIntoNewPages(sequence, segsToRewrite[0].base, upper, nil)
		if err != nil {
			return err
		}
		rewritten = empty
	}

	// 3. Commit: record the intent, flip the index in one step, then
	// reclaim the old slots.
	if err := m.intents.Record(sequence, oldIds); err != nil {
		return err
	}
	m.replaceEntries(removeBases, rewritten)

	futures := m.zeroAndFree(oldIds)
	for _, id := range oldIds {
		m.frames.Invalidate(id)
	}
	for _, f := range futures {
		f.Wait()
	}
	if err := m.intents.MarkDone(sequence); err != nil {
		return err
	}
	m.stats.RecordRewrite()
	return nil
}

// zeroAndFree schedules a zeroing write for every id on the background
// pool and returns the ids to the free list. The shared zero buffer is
// never mutated, so the parallel writes may all read it. Callers must
// wait on the futures before reporting completion.
func (m *Manager) zeroAndFree(ids []storage.SegmentId) []*Future {
	zero := make([]byte, storage.PageSize)
	futures := make([]*Future, 0, len(ids))
	for _, id := range ids {
		addr := id
		futures = append(futures, m.pool.Submit(func() {
			m.writeRawPage(addr, zero)
		}))
		m.free.Add(addr)
	}
	return futures
}
