package intentlog

import (
	"database/sql"
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"github.com/SYaoJun/treeline/pkg/common"
	"github.com/SYaoJun/treeline/pkg/storage"
)

// Log durably records reorganization intents. Before a rewrite or
// flatten replaces segments, it records the rewrite sequence number and
// the ids it will reclaim; after the zeroing writes are durable it marks
// the intent done. Recovery re-zeroes the ids of any intent left
// pending.
type Log struct {
	mu sync.Mutex
	db *sql.DB
}

// Intent is one pending reorganization.
type Intent struct {
	Sequence uint32
	Ids      []storage.SegmentId
}

func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(common.ErrIO, "open intent log: %v", err)
	}

	query := `
	CREATE TABLE IF NOT EXISTS intents (
		seq INTEGER PRIMARY KEY,
		ids BLOB,
		done INTEGER NOT NULL DEFAULT 0
	);`
	if _, err := db.Exec(query); err != nil {
		db.Close()
		return nil, errors.Wrapf(common.ErrIO, "init intent log: %v", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
	`); err != nil {
		db.Close()
		return nil, errors.Wrapf(common.ErrIO, "configure intent log: %v", err)
	}

	return &Log{db: db}, nil
}

// Record stores a pending intent for seq covering ids.
func (l *Log) Record(seq uint32, ids []storage.SegmentId) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(
		"INSERT OR REPLACE INTO intents (seq, ids, done) VALUES (?, ?, 0)",
		int64(seq), encodeIds(ids))
	if err != nil {
		return errors.Wrapf(common.ErrIO, "record intent %d: %v", seq, err)
	}
	return nil
}

// MarkDone records that the reorganization for seq completed, including
// its zeroing writes.
func (l *Log) MarkDone(seq uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec("UPDATE intents SET done = 1 WHERE seq = ?", int64(seq))
	if err != nil {
		return errors.Wrapf(common.ErrIO, "mark intent %d done: %v", seq, err)
	}
	return nil
}

// Pending returns all intents not yet marked done, in sequence order.
func (l *Log) Pending() ([]Intent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rows, err := l.db.Query("SELECT seq, ids FROM intents WHERE done = 0 ORDER BY seq ASC")
	if err != nil {
		return nil, errors.Wrapf(common.ErrIO, "scan pending intents: %v", err)
	}
	defer rows.Close()

	var pending []Intent
	for rows.Next() {
		var seq int64
		var blob []byte
		if err := rows.Scan(&seq, &blob); err != nil {
			return nil, errors.Wrapf(common.ErrIO, "scan intent row: %v", err)
		}
		pending = append(pending, Intent{Sequence: uint32(seq), Ids: decodeIds(blob)})
	}
	return pending, rows.Err()
}

// AllSequences returns every sequence number ever recorded, done or
// not. Recovery treats these as the committed reorganizations.
func (l *Log) AllSequences() ([]uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rows, err := l.db.Query("SELECT seq FROM intents ORDER BY seq ASC")
	if err != nil {
		return nil, errors.Wrapf(common.ErrIO, "scan intent sequences: %v", err)
	}
	defer rows.Close()

	var seqs []uint32
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, errors.Wrapf(common.ErrIO, "scan sequence row: %v", err)
		}
		seqs = append(seqs, uint32(seq))
	}
	return seqs, rows.Err()
}

func (l *Log) Close() error {
	return l.db.Close()
}

func encodeIds(ids []storage.SegmentId) []byte {
	buf := make([]byte, 8*len(ids))
	for i, id := range ids {
		binary.LittleEndian.PutUint64(buf[i*8:], id.Encode())
	}
	return buf
}

func decodeIds(buf []byte) []storage.SegmentId {
	ids := make([]storage.SegmentId, 0, len(buf)/8)
	for i := 0; i+8 <= len(buf); i += 8 {
		ids = append(ids, storage.DecodeSegmentId(binary.LittleEndian.Uint64(buf[i:])))
	}
	return ids
}
