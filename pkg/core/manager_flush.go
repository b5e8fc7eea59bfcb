package core

import (
	"github.com/cockroachdb/errors"

	"github.com/SYaoJun/treeline/pkg/common"
	"github.com/SYaoJun/treeline/pkg/model"
	"github.com/SYaoJun/treeline/pkg/storage"
)

// FlushEntries applies a drained write buffer (sorted by key, one entry
// per key) to the disk layer. Entries are partitioned by owning segment
// and inserted through the overflow-chain fix protocol; groups that no
// longer fit trigger a flatten or a rewrite which absorbs the rest of
// the group.
func (m *Manager) FlushEntries(entries []FlushEntry) error {
	if len(entries) == 0 {
		return nil
	}
	m.rewriteMu.Lock()
	defer m.rewriteMu.Unlock()
	m.stats.RecordFlush()

	i := 0
	for i < len(entries) {
		entry, ok := m.lookup(entries[i].Key)
		if !ok {
			return errors.Wrap(common.ErrInvalidArgument, "flush into an unloaded database")
		}
		upper := m.successorBase(entry.base)
		j := i
		for j < len(entries) && entries[j].Key < upper {
			j++
		}
		if err := m.insertInto(entry, entries[i:j]); err != nil {
			return err
		}
		i = j
	}
	return nil
}

// insertInto applies one segment's group of entries. Writes land on the
// model-selected page or its overflow; a page that cannot absorb its
// record escalates to a flatten (single-page segments) or a rewrite,
// which consumes the remaining entries of the group.
func (m *Manager) insertInto(entry indexEntry, group []FlushEntry) error {
	for idx := 0; idx < len(group); idx++ {
		e := group[idx]

		pageIdx := 0
		if entry.info.Model != nil {
			pageIdx = model.PageForKey(entry.base, *entry.info.Model, entry.info.PageCount, e.Key)
		}
		head := segPageAddr(entry.info, pageIdx)

		frames, retry, err := m.fixOverflowChain(head, m.indexVersion.Load(), true, false)
		if err != nil {
			return err
		}
		if retry {
			// The segment was reorganized under us; re-resolve the owner.
			fresh, ok := m.lookup(e.Key)
			if !ok {
				return errors.Wrap(common.ErrInvalidArgument, "index emptied during flush")
			}
			entry = fresh
			idx--
			continue
		}

		if e.Kind == common.EntryDelete {
			for _, f := range frames {
				dirty := f.Page().Delete(e.Key)
				m.frames.Unfix(f, dirty, true)
			}
			continue
		}

		applied, escalate := m.applyWrite(frames, e)
		if applied {
			m.releaseChain(frames, true, true, false)
			continue
		}
		if !escalate {
			// Room exists nowhere in the chain, but the chain can still
			// grow: attach a fresh overflow page and retry the write.
			grown, err := m.attachOverflow(entry, frames, e)
			if err != nil {
				m.releaseChain(frames, false, true, false)
				return err
			}
			if grown {
				m.releaseChain(frames, true, true, false)
				continue
			}
			escalate = true
		}
		if escalate {
			m.releaseChain(frames, true, true, false)
			remaining := group[idx:]
			if entry.info.PageCount == 1 {
				return m.flattenChainLocked(entry.base, remaining)
			}
			return m.rewriteSegmentsLocked(entry.base, remaining)
		}
	}

	return m.checkReorgThresholds(entry.base)
}

// applyWrite places e into the latched chain. It returns applied=false
// when no link could hold the record; escalate is set when the write
// can never fit without reorganizing (e.g. its key lies outside the
// chain's fences).
func (m *Manager) applyWrite(frames []*Frame, e FlushEntry) (applied, escalate bool) {
	mainPage := frames[0].Page()
	if e.Key < mainPage.LowerBoundary() {
		// A key below the fence cannot be encoded on this chain.
		return false, true
	}

	// An existing version is updated in place, wherever it lives, so a
	// chain iteration keeps preferring the newest value.
	for _, f := range frames {
		page := f.Page()
		if _, found := page.Get(e.Key); !found {
			continue
		}
		if err := page.Put(e.Key, e.Value); err == nil {
			return true, false
		}
		// The replacement outgrew the page; drop the stale version and
		// fall through to a fresh insert.
		page.Delete(e.Key)
		break
	}

	for _, f := range frames {
		if err := f.Page().Put(e.Key, e.Value); err == nil {
			return true, false
		}
	}
	return false, false
}

// attachOverflow links a new overflow page to the end of the chain and
// retries the write there. Multi-page segments allow one overflow per
// page; a longer chain reports grown=false so the caller escalates.
func (m *Manager) attachOverflow(entry indexEntry, frames []*Frame, e FlushEntry) (bool, error) {
	if len(frames) >= 2 && entry.info.PageCount > 1 {
		return false, nil
	}
	if len(frames) > m.cfg.Reorg.FlattenThresholdPages {
		return false, nil
	}

	last := frames[len(frames)-1]
	lastPage := last.Page()

	ovId := m.allocateSegment(1)
	ovFrame, err := m.frames.Fix(ovId, true, true)
	if err != nil {
		return false, err
	}
	ovPage := storage.InitPage(ovFrame.Data(), lastPage.LowerBoundary(), lastPage.UpperBoundary())
	if err := ovPage.Put(e.Key, e.Value); err != nil {
		m.frames.Unfix(ovFrame, false, true)
		return false, err
	}
	lastPage.SetOverflow(ovId)
	if err := m.frames.Unfix(ovFrame, true, true); err != nil {
		return false, err
	}
	m.setHasOverflow(entry.base, true)
	return true, nil
}

// checkReorgThresholds schedules maintenance once a chain or segment
// accumulates enough overflow to slow the read path.
func (m *Manager) checkReorgThresholds(base common.KeyType) error {
	entry, ok := m.lookup(base)
	if !ok || entry.base != base {
		return nil
	}

	if entry.info.PageCount == 1 {
		length, err := m.chainLength(entry.info.Id)
		if err != nil {
			return err
		}
		if length > m.cfg.Reorg.FlattenThresholdPages {
			return m.flattenChainLocked(base, nil)
		}
		return nil
	}

	overflows := 0
	for i := 0; i < entry.info.PageCount; i++ {
		frame, err := m.frames.Fix(segPageAddr(entry.info, i), false, false)
		if err != nil {
			return err
		}
		if frame.Page().HasOverflow() {
			overflows++
		}
		m.frames.Unfix(frame, false, false)
	}
	if overflows >= m.cfg.Reorg.RewriteOverflowThreshold {
		return m.rewriteSegmentsLocked(base, nil)
	}
	return nil
}

// chainLength counts the pages of the chain rooted at head.
func (m *Manager) chainLength(head storage.SegmentId) (int, error) {
	length := 0
	addr := head
	for addr.Valid() {
		frame, err := m.frames.Fix(addr, false, false)
		if err != nil {
			return 0, err
		}
		length++
		next := storage.InvalidSegmentId
		if frame.Page().HasOverflow() {
			next = frame.Page().Overflow()
		}
		m.frames.Unfix(frame, false, false)
		addr = next
	}
	return length, nil
}
