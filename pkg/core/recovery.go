package core

import (
	"log"

	"github.com/SYaoJun/treeline/pkg/common"
	"github.com/SYaoJun/treeline/pkg/model"
	"github.com/SYaoJun/treeline/pkg/storage"
)

type recoveredSegment struct {
	id        storage.SegmentId
	pageCount int
	base      common.KeyType
	sequence  uint32
	model     *model.Line
	overflows []storage.SegmentId
}

// recover rebuilds the index from the segment files. Slots that are
// all-zero or fail their checksum go to the free list; segments whose
// sequence number was never committed through the intent log are
// leftovers of a crashed rewrite and are zeroed. Pending intents have
// their reclaims re-applied. Same-base conflicts resolve to the highest
// committed sequence number.
func (m *Manager) recover(sink KeySink) error {
	committed := map[uint32]bool{0: true}
	maxSequence := uint32(0)

	seqs, err := m.intents.AllSequences()
	if err != nil {
		return err
	}
	for _, s := range seqs {
		committed[s] = true
		if s > maxSequence {
			maxSequence = s
		}
	}

	// Pass 1: scan every slot of every size class.
	var candidates []*recoveredSegment
	for fileIdx, sf := range m.files {
		pages := sf.PagesPerSegment()
		for slot := 0; slot < sf.NumSegments(); slot++ {
			id := storage.NewSegmentId(fileIdx, slot*pages)
			buf := m.scratch[:pages*storage.PageSize]
			if err := sf.ReadPages(id.Offset, buf, pages); err != nil {
				return err
			}
			sw := storage.NewSegmentWrap(buf, pages)
			if sw.IsZeroed() {
				m.free.Add(id)
				continue
			}
			if !sw.CheckChecksum() {
				log.Printf("segment %s failed its checksum; reclaiming the slot", id)
				m.free.Add(id)
				continue
			}

			page0 := storage.NewPage(buf)
			cand := &recoveredSegment{
				id:        id,
				pageCount: pages,
				base:      page0.LowerBoundary(),
				sequence:  sw.SequenceNumber(),
			}
			if page0.HasModel() {
				line := page0.Model()
				cand.model = &line
			}
			sw.ForEachPage(func(i int, p storage.Page) {
				if p.HasOverflow() {
					cand.overflows = append(cand.overflows, p.Overflow())
				}
			})
			candidates = append(candidates, cand)
		}
	}

	// Pass 2: discard uncommitted segments (a rewrite crashed after
	// writing them but before its commit record).
	byId := make(map[storage.SegmentId]*recoveredSegment)
	kept := candidates[:0]
	for _, cand := range candidates {
		if !committed[cand.sequence] {
			log.Printf("segment %s carries uncommitted sequence %d; discarding",
				cand.id, cand.sequence)
			if err := m.zeroSlot(cand.id); err != nil {
				return err
			}
			continue
		}
		if cand.sequence > maxSequence {
			maxSequence = cand.sequence
		}
		kept = append(kept, cand)
		byId[cand.id] = cand
	}
	candidates = kept

	// Pass 3: re-apply the reclaims of pending intents. Only slots
	// still holding the superseded generation are zeroed; a slot reused
	// by a later rewrite keeps its contents.
	pending, err := m.intents.Pending()
	if err != nil {
		return err
	}
	for _, intent := range pending {
		for _, id := range intent.Ids {
			cand, ok := byId[id]
			if !ok || cand.sequence >= intent.Sequence {
				continue
			}
			log.Printf("re-applying pending reclaim of %s from reorganization %d",
				id, intent.Sequence)
			if err := m.zeroSlot(id); err != nil {
				return err
			}
			delete(byId, id)
		}
		if err := m.intents.MarkDone(intent.Sequence); err != nil {
			return err
		}
	}

	// Pass 4: drop chain links. An overflow page is identified by being
	// referenced from another surviving page; it belongs to its parent
	// chain, not the index.
	referenced := make(map[storage.SegmentId]bool)
	for _, cand := range byId {
		for _, ov := range cand.overflows {
			referenced[ov] = true
		}
	}

	// Pass 5: resolve same-base conflicts by sequence number and build
	// the index.
	best := make(map[common.KeyType]*recoveredSegment)
	for _, cand := range byId {
		if referenced[cand.id] {
			continue
		}
		prev, ok := best[cand.base]
		if !ok {
			best[cand.base] = cand
			continue
		}
		loser := cand
		if cand.sequence > prev.sequence {
			best[cand.base] = cand
			loser = prev
		}
		log.Printf("segments %s and %s share base %d; keeping sequence %d",
			prev.id, cand.id, cand.base, best[cand.base].sequence)
		if err := m.zeroSlot(loser.id); err != nil {
			return err
		}
	}

	var entries []indexEntry
	for _, cand := range best {
		entries = append(entries, indexEntry{
			base: cand.base,
			info: SegmentInfo{
				Id:          cand.id,
				PageCount:   cand.pageCount,
				Model:       cand.model,
				HasOverflow: len(cand.overflows) > 0,
			},
		})
		if sink != nil {
			if err := m.feedSink(cand, sink); err != nil {
				return err
			}
		}
	}
	m.replaceEntries(nil, entries)
	m.nextSequence.Store(maxSequence)
	return nil
}

// feedSink replays the keys of a surviving segment and its chain links
// into sink.
func (m *Manager) feedSink(cand *recoveredSegment, sink KeySink) error {
	buf := m.scratch[:cand.pageCount*storage.PageSize]
	if err := m.files[cand.id.File].ReadPages(cand.id.Offset, buf, cand.pageCount); err != nil {
		return err
	}
	storage.NewSegmentWrap(buf, cand.pageCount).ForEachPage(func(i int, p storage.Page) {
		for it := p.Iter(); it.Valid(); it.Next() {
			sink.Add(it.Key())
		}
	})

	ovBuf := make([]byte, storage.PageSize)
	for _, ov := range cand.overflows {
		// Walk the chain transitively; reorganizable chains may hold
		// more than one link.
		for ov.Valid() {
			if err := m.readPageAt(ov, ovBuf); err != nil {
				return err
			}
			page := storage.NewPage(ovBuf)
			for it := page.Iter(); it.Valid(); it.Next() {
				sink.Add(it.Key())
			}
			if page.HasOverflow() {
				ov = page.Overflow()
			} else {
				ov = storage.InvalidSegmentId
			}
		}
	}
	return nil
}

// zeroSlot zeroes the first page of a slot and pools it for reuse.
func (m *Manager) zeroSlot(id storage.SegmentId) error {
	zero := make([]byte, storage.PageSize)
	if err := m.writeRawPage(id, zero); err != nil {
		return err
	}
	m.free.Add(id)
	return nil
}
