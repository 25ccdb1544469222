package document

import "time"

// VersionVector maps a site to the highest contiguous sequence number applied
// from it.
type VersionVector map[string]uint64

func (v VersionVector) Clone() VersionVector {
	out := make(VersionVector, len(v))
	for site, seq := range v {
		out[site] = seq
	}
	return out
}

// Covers reports whether every entry of other is already reflected in v.
func (v VersionVector) Covers(other VersionVector) bool {
	for site, seq := range other {
		if v[site] < seq {
			return false
		}
	}
	return true
}

// Tracker is the causality tracker for one replica of one document. It is not
// safe for concurrent use; the owning engine serializes access.
type Tracker struct {
	applied VersionVector
	issued  map[string]uint64
	lamport uint64
	now     func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		applied: VersionVector{},
		issued:  map[string]uint64{},
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Stamp assigns the next sequence number for site, a Lamport clock, and the
// current applied vector as causal context. Kind, Target, Value, and Author
// are taken from raw.
func (t *Tracker) Stamp(site string, raw Operation) Operation {
	seq := t.issued[site]
	if applied := t.applied[site]; applied > seq {
		seq = applied
	}
	seq++
	t.issued[site] = seq
	t.lamport++

	op := raw
	op.ID = CharID{Site: site, Seq: seq}
	op.Clock = t.lamport
	op.Context = t.applied.Clone()
	if op.CreatedAt.IsZero() {
		op.CreatedAt = t.now()
	}
	return op
}

func (t *Tracker) IsDeliverable(op Operation) bool {
	if t.applied[op.ID.Site] != op.ID.Seq-1 {
		return false
	}
	for site, seq := range op.Context {
		if site == op.ID.Site {
			continue
		}
		if t.applied[site] < seq {
			return false
		}
	}
	return true
}

func (t *Tracker) Seen(op Operation) bool {
	return op.ID.Seq <= t.applied[op.ID.Site]
}

func (t *Tracker) OnApplied(op Operation) {
	if op.ID.Seq > t.applied[op.ID.Site] {
		t.applied[op.ID.Site] = op.ID.Seq
	}
	if op.Clock > t.lamport {
		t.lamport = op.Clock
	}
}

func (t *Tracker) Applied() VersionVector {
	return t.applied.Clone()
}

func (t *Tracker) Lamport() uint64 {
	return t.lamport
}

func (t *Tracker) restore(applied VersionVector, lamport uint64) {
	t.applied = applied.Clone()
	t.issued = map[string]uint64{}
	t.lamport = lamport
}
