package core

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"

	"github.com/SYaoJun/treeline/pkg/storage/segment"
)

const debugDirName = "debug"

type indexSnapshotEntry struct {
	BaseKey   uint64 `json:"base_key"`
	File      int    `json:"file"`
	Offset    int    `json:"offset"`
	PageCount int    `json:"page_count"`
	HasModel  bool   `json:"has_model"`
}

// writeDebugInfo dumps the per-size-class segment histogram as CSV and
// the index as JSON. Failures are logged, never surfaced; debug output
// must not affect the load path.
func (m *Manager) writeDebugInfo() {
	debugPath := filepath.Join(m.dbPath, debugDirName)
	if err := os.MkdirAll(debugPath, 0755); err != nil {
		log.Printf("debug output disabled: %v", err)
		return
	}

	hist := m.SegmentPageCountHistogram()
	csv, err := os.Create(filepath.Join(debugPath, "segment_summary.csv"))
	if err != nil {
		log.Printf("write segment summary: %v", err)
		return
	}
	fmt.Fprintln(csv, "segment_page_count,num_segments")
	for _, pages := range segment.PageCounts {
		fmt.Fprintf(csv, "%d,%d\n", pages, hist[pages])
	}
	csv.Close()

	var snapshot []indexSnapshotEntry
	m.indexMu.RLock()
	m.index.Ascend(func(e indexEntry) bool {
		snapshot = append(snapshot, indexSnapshotEntry{
			BaseKey:   uint64(e.base),
			File:      e.info.Id.File,
			Offset:    e.info.Id.Offset,
			PageCount: e.info.PageCount,
			HasModel:  e.info.Model != nil,
		})
		return true
	})
	m.indexMu.RUnlock()

	data, err := jsoniter.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		log.Printf("marshal index snapshot: %v", err)
		return
	}
	if err := os.WriteFile(filepath.Join(debugPath, "index_snapshot.json"), data, 0644); err != nil {
		log.Printf("write index snapshot: %v", err)
	}
}
