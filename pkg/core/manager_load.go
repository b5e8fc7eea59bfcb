package core

import (
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/SYaoJun/treeline/pkg/common"
	"github.com/SYaoJun/treeline/pkg/storage"
	"github.com/SYaoJun/treeline/pkg/storage/segment"
)

// loadIntoPage formats one page of the scratch buffer with records in
// [lower, upper).
func loadIntoPage(buf []byte, pageIdx int, lower, upper common.KeyType, recs []common.Record) error {
	page := storage.InitPage(buf[pageIdx*storage.PageSize:], lower, upper)
	for _, rec := range recs {
		if err := page.Put(rec.Key, rec.Value); err != nil {
			return errors.Wrapf(err, "loading %d records into page", len(recs))
		}
	}
	return nil
}

// BulkLoadIntoPages loads sorted records as a run of single-page
// segments, records-per-page-goal records apiece. The index must be
// empty.
func (m *Manager) BulkLoadIntoPages(records []common.Record) error {
	if len(records) == 0 {
		return errors.Wrap(common.ErrInvalidArgument, "empty bulk load")
	}
	m.rewriteMu.Lock()
	defer m.rewriteMu.Unlock()

	entries, err := m.loadIntoNewPages(0, records[0].Key, common.MaxKey, records)
	if err != nil {
		return err
	}
	m.replaceEntries(nil, entries)
	if m.cfg.Storage.WriteDebugInfo {
		m.writeDebugInfo()
	}
	return nil
}

// BulkLoadIntoSegments builds variable-size segments with per-segment
// models from sorted records. The index must be empty.
func (m *Manager) BulkLoadIntoSegments(records []common.Record) error {
	if len(records) == 0 {
		return errors.Wrap(common.ErrInvalidArgument, "empty bulk load")
	}
	m.rewriteMu.Lock()
	defer m.rewriteMu.Unlock()

	builder := segment.NewBuilder(m.cfg.Storage.RecordsPerPageGoal, m.cfg.Storage.RecordsPerPageDelta)
	var segments []segment.Segment
	for _, rec := range records {
		segments = append(segments, builder.Offer(rec)...)
	}
	segments = append(segments, builder.Finish()...)

	entries := make([]indexEntry, 0, len(segments))
	for i := range segments {
		upper := common.MaxKey
		if i < len(segments)-1 {
			upper = segments[i+1].Records[0].Key
		}
		entry, err := m.loadIntoNewSegment(0, &segments[i], upper)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
	}
	m.replaceEntries(nil, entries)
	if m.cfg.Storage.WriteDebugInfo {
		m.writeDebugInfo()
	}
	return nil
}

// loadIntoNewSegment writes one built segment to disk and returns its
// index entry. Callers must hold rewriteMu (the scratch buffer is
// shared).
func (m *Manager) loadIntoNewSegment(sequence uint32, seg *segment.Segment, upper common.KeyType) (indexEntry, error) {
	buf := m.scratch[:seg.PageCount*storage.PageSize]
	for i := range buf {
		buf[i] = 0
	}

	if seg.PageCount > 1 {
		bounds := segment.ComputePageLowerBoundaries(seg)
		start := 0
		for pageIdx := 0; pageIdx < seg.PageCount; pageIdx++ {
			pageUpper := upper
			if pageIdx < seg.PageCount-1 {
				pageUpper = bounds[pageIdx+1]
			}
			cutoff := start + sort.Search(len(seg.Records)-start, func(i int) bool {
				return seg.Records[start+i].Key >= pageUpper
			})
			if pageIdx == seg.PageCount-1 {
				cutoff = len(seg.Records)
			}
			if err := loadIntoPage(buf, pageIdx, bounds[pageIdx], pageUpper, seg.Records[start:cutoff]); err != nil {
				return indexEntry{}, err
			}
			start = cutoff
		}
		// The model rides in the first page for deserialization.
		storage.NewPage(buf).SetModel(*seg.Model)
	} else {
		if err := loadIntoPage(buf, 0, seg.BaseKey, upper, seg.Records); err != nil {
			return indexEntry{}, err
		}
	}

	sw := storage.NewSegmentWrap(buf, seg.PageCount)
	sw.SetSequenceNumber(sequence)
	sw.ClearAllOverflows()
	sw.ComputeAndSetChecksum()

	id := m.allocateSegment(seg.PageCount)
	if err := m.files[id.File].WritePages(id.Offset, buf, seg.PageCount); err != nil {
		return indexEntry{}, err
	}

	return indexEntry{
		base: seg.BaseKey,
		info: SegmentInfo{Id: id, PageCount: seg.PageCount, Model: seg.Model},
	}, nil
}

// loadIntoNewPages writes sorted records as a run of single-page
// segments covering [lowerBound, upperBound) and returns their index
// entries. Callers must hold rewriteMu.
func (m *Manager) loadIntoNewPages(
	sequence uint32, lowerBound, upperBound common.KeyType, records []common.Record,
) ([]indexEntry, error) {
	goal := m.cfg.Storage.RecordsPerPageGoal
	var entries []indexEntry

	if len(records) == 0 {
		// Keep the interval covered with a single empty page.
		buf := m.scratch[:storage.PageSize]
		for i := range buf {
			buf[i] = 0
		}
		if err := loadIntoPage(buf, 0, lowerBound, upperBound, nil); err != nil {
			return nil, err
		}
		sw := storage.NewSegmentWrap(buf, 1)
		sw.SetSequenceNumber(sequence)
		sw.ClearAllOverflows()
		sw.ComputeAndSetChecksum()
		id := m.allocateSegment(1)
		if err := m.files[id.File].WritePages(id.Offset, buf, 1); err != nil {
			return nil, err
		}
		return []indexEntry{{base: lowerBound, info: SegmentInfo{Id: id, PageCount: 1}}}, nil
	}

	// Chunk by the records-per-page goal, splitting early when a chunk
	// cannot physically fit (the cost estimate assumes no prefix
	// compression, so it never overshoots).
	budget := storage.UsableSize() - 2*common.KeySize
	for start := 0; start < len(records); {
		cost := 0
		end := start
		for end < len(records) && end-start < goal {
			c := 4 + common.KeySize + len(records[end].Value) + 2
			if cost+c > budget && end > start {
				break
			}
			cost += c
			end++
		}
		lower := lowerBound
		if start > 0 {
			lower = records[start].Key
		}
		upper := upperBound
		if end < len(records) {
			upper = records[end].Key
		}

		buf := m.scratch[:storage.PageSize]
		for i := range buf {
			buf[i] = 0
		}
		if err := loadIntoPage(buf, 0, lower, upper, records[start:end]); err != nil {
			return nil, err
		}
		sw := storage.NewSegmentWrap(buf, 1)
		sw.SetSequenceNumber(sequence)
		sw.ClearAllOverflows()
		sw.ComputeAndSetChecksum()

		id := m.allocateSegment(1)
		if err := m.files[id.File].WritePages(id.Offset, buf, 1); err != nil {
			return nil, err
		}
		entries = append(entries, indexEntry{
			base: lower,
			info: SegmentInfo{Id: id, PageCount: 1},
		})
		start = end
	}
	return entries, nil
}
