package core

import (
	"log"

	"github.com/cockroachdb/errors"

	"github.com/SYaoJun/treeline/pkg/common"
	"github.com/SYaoJun/treeline/pkg/storage"
)

// keyDistHints derives page-capacity figures for a chain reorganization
// from the configured record-size hint and a target fill percentage.
type keyDistHints struct {
	recordSize          int
	effectiveRecordSize int
	pageFillPct         int
	numKeys             int
}

func (d keyDistHints) recordsPerPage() int {
	n := storage.UsableSize() * d.pageFillPct / 100 /
		(d.effectiveRecordSize + storage.PerRecordMetadataSize)
	if n < 1 {
		n = 1
	}
	return n
}

func (d keyDistHints) numPages() int {
	per := d.recordsPerPage()
	return (d.numKeys + per - 1) / per
}

// ReorganizeOverflowChain rewrites the chain rooted at the single-page
// segment head into a small fan-out of fresh pages, each filled to
// roughly fillPct. Used for chains addressed without a model; the new
// pages become independent single-page segments with their own index
// entries.
func (m *Manager) ReorganizeOverflowChain(head storage.SegmentId, fillPct int) error {
	m.rewriteMu.Lock()
	defer m.rewriteMu.Unlock()

	// 1. Latch the whole chain exclusively, retrying while concurrent
	// reorganizations invalidate the lookup.
	var frames []*Frame
	for {
		var retry bool
		var err error
		frames, retry, err = m.fixOverflowChain(head, m.indexVersion.Load(), true, false)
		if err != nil {
			return err
		}
		if !retry {
			break
		}
	}

	// 2. A chain of one page needs no work.
	if len(frames) == 1 {
		m.releaseChain(frames, false, true, false)
		return nil
	}

	// 3. Refuse chains that cannot be reorganized within the fan-out
	// bound.
	if len(frames) > m.cfg.Reorg.MaxReorgFanout {
		m.releaseChain(frames, false, true, false)
		log.Printf("chain of %d links exceeds the maximum reorganization fanout %d",
			len(frames), m.cfg.Reorg.MaxReorgFanout)
		return errors.Wrapf(common.ErrInvalidArgument,
			"chain of %d links exceeds the maximum reorganization fanout %d",
			len(frames), m.cfg.Reorg.MaxReorgFanout)
	}

	headPage := frames[0].Page()

	// 4. Bound the record count, assuming every link is full of
	// records whose shared prefix matches the chain's fences. The bound
	// is refined by an exact count below.
	dist := keyDistHints{
		recordSize:  m.cfg.Storage.RecordSizeHint,
		pageFillPct: fillPct,
	}
	dist.effectiveRecordSize = dist.recordSize - len(headPage.KeyPrefix())
	if dist.effectiveRecordSize < 1 {
		dist.effectiveRecordSize = 1
	}
	dist.numKeys = len(frames) *
		((storage.UsableSize() - 2*dist.recordSize) /
			(dist.effectiveRecordSize + storage.PerRecordMetadataSize))

	// 5. Raise the fill target until the fan-out fits. This stops at or
	// before 100%: the original chain already holds these records in
	// len(frames) <= max fan-out pages.
	for dist.numPages() > m.cfg.Reorg.MaxReorgFanout && dist.pageFillPct < 100 {
		dist.pageFillPct++
	}
	recordsPerPage := dist.recordsPerPage()

	// 6. First pass: count records and collect page boundary keys.
	chainLower := headPage.LowerBoundary()
	chainUpper := headPage.UpperBoundary()
	boundaries := []common.KeyType{chainLower}
	recordCount := 0
	pmi := chainMergeIterator(frames)
	for pmi.Valid() {
		if recordCount > 0 && recordCount%recordsPerPage == 0 {
			boundaries = append(boundaries, pmi.Key())
		}
		recordCount++
		pmi.Next()
	}
	dist.numKeys = recordCount
	boundaries = append(boundaries, chainUpper)

	oldNumPages := len(frames)
	newNumPages := len(boundaries) - 1

	// 7. Build the new pages in memory, spanning the chain's bounds
	// with the collected interior boundaries.
	pageData := make([]byte, newNumPages*storage.PageSize)
	pages := make([]storage.Page, newNumPages)
	for i := 0; i < newNumPages; i++ {
		pages[i] = storage.InitPage(
			pageData[i*storage.PageSize:], boundaries[i], boundaries[i+1])
	}

	// 8. Second pass: distribute the records.
	count := 0
	pmi2 := chainMergeIterator(frames)
	for pmi2.Valid() {
		if err := pages[count/recordsPerPage].Put(pmi2.Key(), pmi2.Value()); err != nil {
			m.releaseChain(frames, false, true, false)
			return err
		}
		count++
		pmi2.Next()
	}

	sequence := uint32(m.nextSequence.Add(1))
	if err := m.intents.Record(sequence, nil); err != nil {
		m.releaseChain(frames, false, true, false)
		return err
	}

	// 9. Commit in reverse page order. Stalled readers block on the
	// head link; by the time they get it, every later page is in place.
	newEntries := make([]indexEntry, newNumPages)
	for i := newNumPages - 1; i >= 0; i-- {
		var frame *Frame
		fromChain := i < oldNumPages
		if fromChain {
			frame = frames[i]
		} else {
			id := m.allocateSegment(1)
			var err error
			frame, err = m.frames.Fix(id, true, true)
			if err != nil {
				m.releaseChain(frames, false, true, false)
				return err
			}
		}
		copy(frame.Data(), pageData[i*storage.PageSize:(i+1)*storage.PageSize])
		storage.NewSegmentWrap(frame.Data(), 1).SetSequenceNumber(sequence)
		newEntries[i] = indexEntry{
			base: boundaries[i],
			info: SegmentInfo{Id: frame.Addr(), PageCount: 1},
		}
		if !fromChain {
			if err := m.frames.Unfix(frame, true, true); err != nil {
				m.releaseChain(frames, false, true, false)
				return err
			}
		}
		// Re-insert the page's lower boundary; for the head page this
		// overwrites the chain's existing index entry.
		m.replaceEntries(nil, newEntries[i:i+1])
	}

	// 10. Zero any surplus chain links. Their slots are orphaned on
	// disk; the recovery scan reclaims zeroed slots into the free list.
	for i := newNumPages; i < oldNumPages; i++ {
		for j := range frames[i].Data() {
			frames[i].Data()[j] = 0
		}
	}
	if newNumPages < oldNumPages {
		log.Printf(
			"reorganization produced fewer pages (%d) than the chain held (%d); "+
				"surplus pages are zeroed and left for the recovery scan, chain bounds [%d, %d)",
			newNumPages, oldNumPages, chainLower, chainUpper)
	}

	// Write the reused (and zeroed surplus) chain frames back.
	for i, f := range frames {
		dirty := true
		if i >= newNumPages {
			// Zeroed surplus pages are written raw so the slot scans as
			// reclaimable.
			if err := m.writeRawPage(f.Addr(), f.Data()); err != nil {
				m.releaseChain(frames[i:], false, true, false)
				return err
			}
			dirty = false
		}
		m.frames.Unfix(f, dirty, true)
	}

	if err := m.intents.MarkDone(sequence); err != nil {
		return err
	}
	m.stats.RecordReorg()
	return nil
}

func chainMergeIterator(frames []*Frame) *PageMergeIterator {
	iters := make([]*storage.PageIter, 0, len(frames))
	for _, f := range frames {
		iters = append(iters, f.Page().Iter())
	}
	return NewPageMergeIterator(iters)
}
