package document

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOp(site string, seq uint64) Operation {
	return Operation{ID: CharID{Site: site, Seq: seq}, Kind: KindInsert, Target: Head, Value: "a", Clock: seq}
}

func TestOplogAppendReturnsExistingPositionForDuplicates(t *testing.T) {
	log := NewOplog()
	pos, err := log.Append(testOp("a", 1))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), pos)
	pos, err = log.Append(testOp("b", 1))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), pos)

	pos, err = log.Append(testOp("a", 1))
	assert.ErrorIs(t, err, ErrDuplicateOperation)
	assert.Equal(t, uint64(1), pos)
	assert.Equal(t, 2, log.Len())
}

func TestOplogSinceAndPage(t *testing.T) {
	log := NewOplog()
	for i := uint64(1); i <= 12; i++ {
		_, err := log.Append(testOp("a", i))
		require.NoError(t, err)
	}

	records, err := log.Since(5)
	require.NoError(t, err)
	require.Len(t, records, 7)
	for i, r := range records {
		assert.Equal(t, uint64(6+i), r.Version)
		assert.Equal(t, uint64(6+i), r.Operation.ID.Seq)
	}

	records, err = log.Since(12)
	require.NoError(t, err)
	assert.Empty(t, records)

	page, next, err := log.Page(0, 5)
	require.NoError(t, err)
	assert.Len(t, page, 5)
	assert.Equal(t, uint64(5), next)
	page, next, err = log.Page(10, 5)
	require.NoError(t, err)
	assert.Len(t, page, 2)
	assert.Zero(t, next)

	rec, ok := log.Get(CharID{Site: "a", Seq: 9})
	require.True(t, ok)
	assert.Equal(t, uint64(9), rec.Version)
}

func TestOplogBackfillAfterReset(t *testing.T) {
	log := NewOplog()
	log.reset(2)
	pos, err := log.Append(testOp("a", 3))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), pos)

	_, err = log.Since(1)
	assert.ErrorIs(t, err, ErrHistoryUnavailable)

	err = log.Backfill([]Record{{Version: 1, Operation: testOp("a", 1)}})
	assert.ErrorIs(t, err, ErrInvalidOperation)

	require.NoError(t, log.Backfill([]Record{
		{Version: 1, Operation: testOp("a", 1)},
		{Version: 2, Operation: testOp("a", 2)},
	}))
	records, err := log.Since(0)
	require.NoError(t, err)
	assert.Len(t, records, 3)
	_, err = log.Append(testOp("a", 1))
	assert.ErrorIs(t, err, ErrDuplicateOperation)
}

func TestTrackerStampAndDeliverability(t *testing.T) {
	tr := NewTracker()
	first := tr.Stamp("s1", Operation{Kind: KindInsert, Target: Head, Value: "a"})
	second := tr.Stamp("s1", Operation{Kind: KindInsert, Target: first.ID, Value: "b"})
	assert.Equal(t, uint64(1), first.ID.Seq)
	assert.Equal(t, uint64(2), second.ID.Seq)
	assert.Less(t, first.Clock, second.Clock)

	assert.True(t, tr.IsDeliverable(first))
	assert.False(t, tr.IsDeliverable(second))
	tr.OnApplied(first)
	assert.True(t, tr.Seen(first))
	assert.True(t, tr.IsDeliverable(second))

	remote := Operation{ID: CharID{Site: "s2", Seq: 1}, Clock: 10, Context: VersionVector{"s1": 2}}
	assert.False(t, tr.IsDeliverable(remote))
	tr.OnApplied(second)
	assert.True(t, tr.IsDeliverable(remote))
	tr.OnApplied(remote)
	assert.Equal(t, uint64(10), tr.Lamport())
	assert.True(t, tr.Applied().Covers(VersionVector{"s1": 2, "s2": 1}))

	next := tr.Stamp("s1", Operation{Kind: KindDelete, Target: first.ID})
	assert.Equal(t, uint64(11), next.Clock)
	assert.Equal(t, VersionVector{"s1": 2, "s2": 1}, next.Context)
}
