package document

import "fmt"

// Oplog is the append-only list of accepted operations for one document. The
// position of an entry is the document version its acceptance produced.
// Entries at or below base were folded into a snapshot and are not held.
type Oplog struct {
	base    uint64
	records []Record
	index   map[CharID]uint64
}

func NewOplog() *Oplog {
	return &Oplog{index: map[CharID]uint64{}}
}

// Append records op at the next version. A second append of the same
// operation id returns the existing position with ErrDuplicateOperation.
func (l *Oplog) Append(op Operation) (uint64, error) {
	if pos, ok := l.index[op.ID]; ok {
		return pos, ErrDuplicateOperation
	}
	pos := l.Version() + 1
	l.records = append(l.records, Record{Version: pos, Operation: op})
	l.index[op.ID] = pos
	return pos, nil
}

func (l *Oplog) Version() uint64 {
	return l.base + uint64(len(l.records))
}

func (l *Oplog) Len() int {
	return len(l.records)
}

func (l *Oplog) Base() uint64 {
	return l.base
}

func (l *Oplog) Get(id CharID) (Record, bool) {
	pos, ok := l.index[id]
	if !ok {
		return Record{}, false
	}
	return l.records[pos-l.base-1], true
}

// Since returns every record with a version greater than version, in order.
func (l *Oplog) Since(version uint64) ([]Record, error) {
	if version < l.base {
		return nil, fmt.Errorf("%w: oldest retained version is %d, requested %d", ErrHistoryUnavailable, l.base+1, version+1)
	}
	head := l.Version()
	if version >= head {
		return []Record{}, nil
	}
	start := version - l.base
	out := make([]Record, int(head-version))
	copy(out, l.records[start:])
	return out, nil
}

// Page returns at most limit records after version and the version to resume
// from, or zero when the page reaches the head.
func (l *Oplog) Page(version uint64, limit int) ([]Record, uint64, error) {
	records, err := l.Since(version)
	if err != nil {
		return nil, 0, err
	}
	if limit <= 0 || len(records) <= limit {
		return records, 0, nil
	}
	page := records[:limit]
	return page, page[len(page)-1].Version, nil
}

func (l *Oplog) reset(base uint64) {
	l.base = base
	l.records = nil
	l.index = map[CharID]uint64{}
}

// Backfill prepends history that ends exactly at the current base.
func (l *Oplog) Backfill(records []Record) error {
	if len(records) == 0 {
		return nil
	}
	first := records[0].Version
	if first == 0 || first-1+uint64(len(records)) != l.base {
		return fmt.Errorf("%w: backfill %d..%d does not end at base %d", ErrInvalidOperation, first, first-1+uint64(len(records)), l.base)
	}
	for i, r := range records {
		if r.Version != first+uint64(i) {
			return fmt.Errorf("%w: gap in history at version %d", ErrInvalidOperation, first+uint64(i))
		}
	}
	merged := make([]Record, 0, len(records)+len(l.records))
	merged = append(merged, records...)
	merged = append(merged, l.records...)
	l.records = merged
	l.base = first - 1
	for _, r := range records {
		l.index[r.Operation.ID] = r.Version
	}
	return nil
}
