package relaydoc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaydoc/internal/document"
	"github.com/agentworkforce/relaydoc/internal/presence"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBroker(t *testing.T, opts BrokerOptions) *Broker {
	t.Helper()
	b := NewBroker(opts)
	t.Cleanup(b.Close)
	return b
}

func insertAt(offset int, text string) Intent {
	return Intent{Kind: IntentInsert, Position: document.AtOffset(offset), Text: text}
}

func deleteAt(offset, length int) Intent {
	return Intent{Kind: IntentDelete, Position: document.AtOffset(offset), Length: length}
}

// nextChange reads from ch until a change of the wanted type shows up.
func nextChange(t *testing.T, ch <-chan Change, want ChangeType) Change {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case change, ok := <-ch:
			require.True(t, ok, "subscription closed while waiting for %s", want)
			if change.Type == want {
				return change
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s change", want)
		}
	}
}

func documentText(t *testing.T, b *Broker, documentID string) string {
	t.Helper()
	snap, err := b.GetDocument(context.Background(), documentID, false)
	require.NoError(t, err)
	return snap.Content
}

func TestConnectAssignsDistinctColorsAndFullSnapshot(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, BrokerOptions{DisableWorkers: true})
	_, err := b.CreateDocument(ctx, CreateDocumentRequest{ID: "doc", Title: "Plan", Content: "hello"})
	require.NoError(t, err)

	alice, snap, err := b.Connect(ctx, "doc", "alice", "Alice")
	require.NoError(t, err)
	bob, _, err := b.Connect(ctx, "doc", "bob", "Bob")
	require.NoError(t, err)

	assert.NotEqual(t, alice.Color, bob.Color)
	assert.Contains(t, presence.Palette, alice.Color)
	assert.NotEqual(t, alice.Site, bob.Site)
	assert.Equal(t, "hello", snap.Content)
	assert.Equal(t, uint64(5), snap.Version)
	assert.Equal(t, "Plan", snap.Title)
	require.NotNil(t, snap.State)

	replica := document.NewEngine(document.EngineOptions{})
	require.NoError(t, replica.Load(snap.State, nil))
	assert.Equal(t, "hello", replica.Text())
}

func TestConnectRequiresExistingDocumentUnlessAutoCreate(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, BrokerOptions{DisableWorkers: true})
	_, _, err := b.Connect(ctx, "missing", "alice", "")
	require.ErrorIs(t, err, ErrDocumentNotFound)
	_, _, err = b.Connect(ctx, "missing", "", "")
	require.ErrorIs(t, err, ErrInvalidInput)

	auto := newTestBroker(t, BrokerOptions{DisableWorkers: true, AutoCreateDocuments: true})
	session, snap, err := auto.Connect(ctx, "fresh", "alice", "")
	require.NoError(t, err)
	assert.Equal(t, "fresh", session.DocumentID)
	assert.Equal(t, defaultDocumentTitle, snap.Title)
	assert.Equal(t, uint64(0), snap.Version)
}

func TestSubmitAcksSubmitterAndBroadcastsToOthers(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, BrokerOptions{DisableWorkers: true})
	_, err := b.CreateDocument(ctx, CreateDocumentRequest{ID: "doc", Content: "hello"})
	require.NoError(t, err)
	alice, _, err := b.Connect(ctx, "doc", "alice", "")
	require.NoError(t, err)
	bob, _, err := b.Connect(ctx, "doc", "bob", "")
	require.NoError(t, err)
	aliceFeed, err := b.Subscribe(ctx, "doc", alice.ID)
	require.NoError(t, err)
	defer aliceFeed.Cancel()
	bobFeed, err := b.Subscribe(ctx, "doc", bob.ID)
	require.NoError(t, err)
	defer bobFeed.Cancel()

	ack, err := b.Submit(ctx, alice.ID, insertAt(5, "!"))
	require.NoError(t, err)
	assert.Equal(t, document.StatusApplied, ack.Status)
	assert.Equal(t, uint64(6), ack.Version)
	require.Len(t, ack.Records, 1)
	assert.Equal(t, "!", ack.Records[0].Operation.Value)
	assert.Equal(t, alice.Site, ack.Records[0].Operation.ID.Site)

	change := nextChange(t, bobFeed.C, ChangeOperation)
	require.Len(t, change.Records, 1)
	assert.Equal(t, uint64(6), change.Version)
	assert.Equal(t, ack.Records[0].Operation.ID, change.Records[0].Operation.ID)
	assert.Equal(t, alice.ID, change.Origin)

	cursor := nextChange(t, bobFeed.C, ChangePresence)
	require.Len(t, cursor.Presence, 1)
	assert.Equal(t, alice.ID, cursor.Presence[0].SessionID)
	assert.Equal(t, 6, cursor.Presence[0].Cursor.Offset)

	assert.Len(t, aliceFeed.C, 0, "submitter must not receive its own change")
	assert.Equal(t, "hello!", documentText(t, b, "doc"))
}

func TestSubmitDeleteByOffsetAndAnchor(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, BrokerOptions{DisableWorkers: true})
	_, err := b.CreateDocument(ctx, CreateDocumentRequest{ID: "doc", Content: "hello"})
	require.NoError(t, err)
	alice, _, err := b.Connect(ctx, "doc", "alice", "")
	require.NoError(t, err)
	seeded, err := b.Ops(ctx, "doc", 0, 0)
	require.NoError(t, err)
	require.Len(t, seeded.Records, 5)

	ack, err := b.Submit(ctx, alice.ID, deleteAt(1, 3))
	require.NoError(t, err)
	require.Len(t, ack.Records, 3)
	assert.Equal(t, "ho", documentText(t, b, "doc"))

	// Deleting an already deleted character by anchor is accepted as a no-op.
	e := seeded.Records[1].Operation.ID
	ack, err = b.Submit(ctx, alice.ID, Intent{Kind: IntentDelete, Position: document.AtAnchor(e), Length: 1})
	require.NoError(t, err)
	require.Len(t, ack.Records, 1)
	assert.Equal(t, "ho", documentText(t, b, "doc"))

	_, err = b.Submit(ctx, alice.ID, deleteAt(1, 5))
	require.ErrorIs(t, err, document.ErrInvalidOperation)
	assert.Equal(t, "ho", documentText(t, b, "doc"))
}

func TestSubmitRejectsUnknownTargetWithoutChangingDocument(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, BrokerOptions{DisableWorkers: true})
	_, err := b.CreateDocument(ctx, CreateDocumentRequest{ID: "doc", Content: "abc"})
	require.NoError(t, err)
	alice, _, err := b.Connect(ctx, "doc", "alice", "")
	require.NoError(t, err)

	ghost := document.CharID{Site: "ghost", Seq: 4}
	_, err = b.Submit(ctx, alice.ID, Intent{Kind: IntentInsert, Position: document.AtAnchor(ghost), Text: "x"})
	require.ErrorIs(t, err, document.ErrUnknownTargetReference)

	stats, err := b.Stats(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), stats.Version)
	assert.Equal(t, "abc", documentText(t, b, "doc"))
}

func TestSubmitValidatesIntentAndSessionSite(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, BrokerOptions{DisableWorkers: true, AutoCreateDocuments: true})
	alice, _, err := b.Connect(ctx, "doc", "alice", "")
	require.NoError(t, err)

	for name, intent := range map[string]Intent{
		"unknown kind":    {Kind: "replace"},
		"empty insert":    insertAt(0, ""),
		"zero length":     deleteAt(0, 0),
		"no position":     {Kind: IntentInsert, Text: "x"},
		"anchored range":  {Kind: IntentDelete, Position: document.AtAnchor(document.CharID{Site: "s", Seq: 1}), Length: 2},
		"empty op batch":  {Kind: IntentOperations},
		"negative offset": insertAt(-1, "x"),
	} {
		_, err := b.Submit(ctx, alice.ID, intent)
		assert.Error(t, err, name)
	}

	foreign := document.NewEngine(document.EngineOptions{})
	op := foreign.Stamp("someone-else", document.Operation{Kind: document.KindInsert, Target: document.Head, Value: "x"})
	_, err = b.Submit(ctx, alice.ID, Intent{Kind: IntentOperations, Operations: []document.Operation{op}})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestClientStampedOperationsWaitForTheirDependencies(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, BrokerOptions{DisableWorkers: true, AutoCreateDocuments: true})
	bob, snap, err := b.Connect(ctx, "doc", "bob", "")
	require.NoError(t, err)

	replica := document.NewEngine(document.EngineOptions{})
	require.NoError(t, replica.Load(snap.State, nil))
	insA := replica.Stamp(bob.Site, document.Operation{Kind: document.KindInsert, Target: document.Head, Value: "a"})
	_, err = replica.Apply(insA)
	require.NoError(t, err)
	insB := replica.Stamp(bob.Site, document.Operation{Kind: document.KindInsert, Target: insA.ID, Value: "b"})
	_, err = replica.Apply(insB)
	require.NoError(t, err)

	ack, err := b.Submit(ctx, bob.ID, Intent{Kind: IntentOperations, Operations: []document.Operation{insB}})
	require.NoError(t, err)
	assert.Equal(t, document.StatusPending, ack.Status)
	assert.Equal(t, []document.CharID{insB.ID}, ack.Pending)
	assert.Empty(t, ack.Records)
	assert.Equal(t, "", documentText(t, b, "doc"))

	ack, err = b.Submit(ctx, bob.ID, Intent{Kind: IntentOperations, Operations: []document.Operation{insA}})
	require.NoError(t, err)
	assert.Equal(t, document.StatusApplied, ack.Status)
	require.Len(t, ack.Records, 2)
	assert.Equal(t, insA.ID, ack.Records[0].Operation.ID)
	assert.Equal(t, insB.ID, ack.Records[1].Operation.ID)
	assert.Equal(t, "ab", documentText(t, b, "doc"))

	ack, err = b.Submit(ctx, bob.ID, Intent{Kind: IntentOperations, Operations: []document.Operation{insA}})
	require.NoError(t, err)
	assert.Equal(t, document.StatusDuplicate, ack.Status)
}

func TestPendingOperationTimeoutIsReportedToItsSession(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	b := newTestBroker(t, BrokerOptions{
		DisableWorkers:      true,
		AutoCreateDocuments: true,
		PendingTimeout:      5 * time.Second,
		IdleAfter:           time.Hour,
		Now:                 clock.Now,
	})
	bob, _, err := b.Connect(ctx, "doc", "bob", "")
	require.NoError(t, err)
	feed, err := b.Subscribe(ctx, "doc", bob.ID)
	require.NoError(t, err)
	defer feed.Cancel()

	orphan := document.Operation{
		ID:     document.CharID{Site: bob.Site, Seq: 2},
		Kind:   document.KindInsert,
		Target: document.CharID{Site: bob.Site, Seq: 1},
		Value:  "b",
		Clock:  2,
	}
	ack, err := b.Submit(ctx, bob.ID, Intent{Kind: IntentOperations, Operations: []document.Operation{orphan}})
	require.NoError(t, err)
	assert.Equal(t, document.StatusPending, ack.Status)

	clock.Advance(6 * time.Second)
	b.Sweep(ctx)

	change := nextChange(t, feed.C, ChangeFailure)
	require.NotNil(t, change.Failure)
	assert.Equal(t, orphan.ID, change.Failure.OpID)
	assert.Equal(t, "pending_timeout", change.Failure.Reason)

	stats, err := b.Stats(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending)
}

// Scenario D: a session that was away from version 5 to 12 gets exactly the
// missed records and ends up with the same text as a session that stayed.
func TestReconnectReplaysMissedOperations(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, BrokerOptions{DisableWorkers: true, AutoCreateDocuments: true})
	alice, _, err := b.Connect(ctx, "doc", "alice", "")
	require.NoError(t, err)
	_, err = b.Submit(ctx, alice.ID, insertAt(0, "hello"))
	require.NoError(t, err)

	bob, bobSnap, err := b.Connect(ctx, "doc", "bob", "")
	require.NoError(t, err)
	require.Equal(t, uint64(5), bobSnap.Version)
	bobReplica := document.NewEngine(document.EngineOptions{})
	require.NoError(t, bobReplica.Load(bobSnap.State, nil))

	carol, carolSnap, err := b.Connect(ctx, "doc", "carol", "")
	require.NoError(t, err)
	carolReplica := document.NewEngine(document.EngineOptions{})
	require.NoError(t, carolReplica.Load(carolSnap.State, nil))
	carolFeed, err := b.Subscribe(ctx, "doc", carol.ID)
	require.NoError(t, err)
	defer carolFeed.Cancel()

	require.NoError(t, b.Disconnect(ctx, bob.ID))
	_, err = b.Submit(ctx, bob.ID, insertAt(0, "x"))
	require.ErrorIs(t, err, ErrSessionNotFound)

	ack, err := b.Submit(ctx, alice.ID, insertAt(5, " world!"))
	require.NoError(t, err)
	require.Equal(t, uint64(12), ack.Version)

	change := nextChange(t, carolFeed.C, ChangeOperation)
	require.Len(t, change.Records, 7)
	assert.Equal(t, uint64(12), change.Version)
	for _, rec := range change.Records {
		_, err := carolReplica.Apply(rec.Operation)
		require.NoError(t, err)
	}

	replay, err := b.Reconnect(ctx, bob.ID, 5)
	require.NoError(t, err)
	assert.Nil(t, replay.Snapshot)
	assert.Equal(t, uint64(12), replay.Version)
	require.Len(t, replay.Records, 7)
	for i, rec := range replay.Records {
		assert.Equal(t, uint64(6+i), rec.Version)
		_, err := bobReplica.Apply(rec.Operation)
		require.NoError(t, err)
	}

	assert.Equal(t, "hello world!", documentText(t, b, "doc"))
	assert.Equal(t, "hello world!", bobReplica.Text())
	assert.Equal(t, carolReplica.Text(), bobReplica.Text())
	assert.Equal(t, presence.Active, replay.Session.Liveness)

	_, err = b.Submit(ctx, bob.ID, insertAt(0, ">"))
	require.NoError(t, err)
}

func TestDisconnectedSessionIsCollectedAfterGrace(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	b := newTestBroker(t, BrokerOptions{
		DisableWorkers:      true,
		AutoCreateDocuments: true,
		ReconnectGrace:      time.Minute,
		IdleAfter:           time.Hour,
		Now:                 clock.Now,
	})
	alice, _, err := b.Connect(ctx, "doc", "alice", "")
	require.NoError(t, err)
	bob, _, err := b.Connect(ctx, "doc", "bob", "")
	require.NoError(t, err)
	aliceFeed, err := b.Subscribe(ctx, "doc", alice.ID)
	require.NoError(t, err)
	defer aliceFeed.Cancel()

	require.NoError(t, b.Disconnect(ctx, bob.ID))
	leave := nextChange(t, aliceFeed.C, ChangePresence)
	require.Len(t, leave.Presence, 1)
	assert.Equal(t, presence.DeltaLeave, leave.Presence[0].Kind)
	assert.Equal(t, bob.ID, leave.Presence[0].SessionID)

	_, err = b.MoveCursor(ctx, bob.ID, document.AtOffset(0))
	require.ErrorIs(t, err, ErrSessionNotFound)
	require.ErrorIs(t, b.Heartbeat(ctx, bob.ID), ErrSessionNotFound)

	sessions, err := b.Sessions(ctx, "doc")
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	clock.Advance(2 * time.Minute)
	require.NoError(t, b.Heartbeat(ctx, alice.ID))
	b.Sweep(ctx)

	sessions, err = b.Sessions(ctx, "doc")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, alice.ID, sessions[0].ID)

	_, err = b.Reconnect(ctx, bob.ID, 0)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSilentSessionsGoIdleThenDisconnected(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	b := newTestBroker(t, BrokerOptions{
		DisableWorkers:      true,
		AutoCreateDocuments: true,
		IdleAfter:           10 * time.Second,
		DisconnectAfter:     30 * time.Second,
		ReconnectGrace:      time.Hour,
		Now:                 clock.Now,
	})
	alice, _, err := b.Connect(ctx, "doc", "alice", "")
	require.NoError(t, err)

	clock.Advance(11 * time.Second)
	b.Sweep(ctx)
	sessions, err := b.Sessions(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, presence.Idle, sessions[0].Liveness)

	require.NoError(t, b.Heartbeat(ctx, alice.ID))
	sessions, err = b.Sessions(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, presence.Active, sessions[0].Liveness)

	clock.Advance(31 * time.Second)
	b.Sweep(ctx)
	_, err = b.Submit(ctx, alice.ID, insertAt(0, "x"))
	require.ErrorIs(t, err, ErrSessionNotFound)

	_, err = b.Reconnect(ctx, alice.ID, 0)
	require.NoError(t, err)
	_, err = b.Submit(ctx, alice.ID, insertAt(0, "x"))
	require.NoError(t, err)
}

func TestCursorFollowsItsCharacterAcrossRemoteEdits(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, BrokerOptions{DisableWorkers: true})
	_, err := b.CreateDocument(ctx, CreateDocumentRequest{ID: "doc", Content: "hello"})
	require.NoError(t, err)
	alice, _, err := b.Connect(ctx, "doc", "alice", "")
	require.NoError(t, err)
	bob, _, err := b.Connect(ctx, "doc", "bob", "")
	require.NoError(t, err)
	bobFeed, err := b.Subscribe(ctx, "doc", bob.ID)
	require.NoError(t, err)
	defer bobFeed.Cancel()

	delta, err := b.MoveCursor(ctx, bob.ID, document.AtOffset(3))
	require.NoError(t, err)
	require.Equal(t, 3, delta.Cursor.Offset)
	anchor := delta.Cursor.Anchor

	_, err = b.Submit(ctx, alice.ID, insertAt(0, "XX"))
	require.NoError(t, err)

	sessions, err := b.Sessions(ctx, "doc")
	require.NoError(t, err)
	var moved *presence.Cursor
	for _, s := range sessions {
		if s.ID == bob.ID {
			moved = s.Cursor
		}
	}
	require.NotNil(t, moved)
	assert.Equal(t, anchor, moved.Anchor)
	assert.Equal(t, 5, moved.Offset)

	change := nextChange(t, bobFeed.C, ChangeOperation)
	require.Len(t, change.Records, 2)
	require.Len(t, change.Presence, 1)
	assert.Equal(t, bob.ID, change.Presence[0].SessionID)
	assert.Equal(t, 5, change.Presence[0].Cursor.Offset)
}

func TestSelectionIsBroadcast(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, BrokerOptions{DisableWorkers: true})
	_, err := b.CreateDocument(ctx, CreateDocumentRequest{ID: "doc", Content: "hello world"})
	require.NoError(t, err)
	alice, _, err := b.Connect(ctx, "doc", "alice", "")
	require.NoError(t, err)
	bob, _, err := b.Connect(ctx, "doc", "bob", "")
	require.NoError(t, err)
	bobFeed, err := b.Subscribe(ctx, "doc", bob.ID)
	require.NoError(t, err)
	defer bobFeed.Cancel()

	_, err = b.MoveSelection(ctx, alice.ID, document.AtOffset(0), document.AtOffset(5))
	require.NoError(t, err)
	change := nextChange(t, bobFeed.C, ChangePresence)
	require.Len(t, change.Presence, 1)
	require.NotNil(t, change.Presence[0].Selection)
	assert.Equal(t, presence.DeltaSelection, change.Presence[0].Kind)
	assert.Equal(t, 0, change.Presence[0].Selection.Anchor.Offset)
	assert.Equal(t, 5, change.Presence[0].Selection.Head.Offset)
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, BrokerOptions{DisableWorkers: true, AutoCreateDocuments: true, SubscriberBuffer: 1})
	alice, _, err := b.Connect(ctx, "doc", "alice", "")
	require.NoError(t, err)
	observer, err := b.Subscribe(ctx, "doc", "")
	require.NoError(t, err)
	defer observer.Cancel()

	_, err = b.Submit(ctx, alice.ID, insertAt(0, "abc"))
	require.NoError(t, err)

	first, ok := <-observer.C
	require.True(t, ok)
	assert.Equal(t, ChangeOperation, first.Type)
	_, ok = <-observer.C
	assert.False(t, ok, "observer should have been dropped")

	// The document is unaffected by the dropped subscriber.
	assert.Equal(t, "abc", documentText(t, b, "doc"))
}

func TestLargePasteReachesDrainingPeer(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, BrokerOptions{DisableWorkers: true, AutoCreateDocuments: true})
	alice, _, err := b.Connect(ctx, "doc", "alice", "")
	require.NoError(t, err)
	bob, _, err := b.Connect(ctx, "doc", "bob", "")
	require.NoError(t, err)
	bobFeed, err := b.Subscribe(ctx, "doc", bob.ID)
	require.NoError(t, err)
	defer bobFeed.Cancel()

	const size = 2000
	type tally struct {
		records    int
		operations int
		closed     bool
	}
	done := make(chan tally, 1)
	go func() {
		var got tally
		deadline := time.After(5 * time.Second)
		for got.records < size {
			select {
			case change, ok := <-bobFeed.C:
				if !ok {
					got.closed = true
					done <- got
					return
				}
				if change.Type == ChangeOperation {
					got.operations++
					got.records += len(change.Records)
				}
				time.Sleep(20 * time.Microsecond)
			case <-deadline:
				done <- got
				return
			}
		}
		done <- got
	}()

	ack, err := b.Submit(ctx, alice.ID, insertAt(0, strings.Repeat("y", size)))
	require.NoError(t, err)
	require.Len(t, ack.Records, size)

	got := <-done
	assert.False(t, got.closed, "peer feed should stay open through a paste")
	assert.Equal(t, size, got.records)
	assert.Equal(t, 1, got.operations)
	assert.Equal(t, strings.Repeat("y", size), documentText(t, b, "doc"))
}

func TestPasteRemapsPeerCursorOnce(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, BrokerOptions{DisableWorkers: true})
	_, err := b.CreateDocument(ctx, CreateDocumentRequest{ID: "doc", Content: "tail"})
	require.NoError(t, err)
	alice, _, err := b.Connect(ctx, "doc", "alice", "")
	require.NoError(t, err)
	bob, _, err := b.Connect(ctx, "doc", "bob", "")
	require.NoError(t, err)
	_, err = b.MoveCursor(ctx, bob.ID, document.AtOffset(2))
	require.NoError(t, err)

	ack, err := b.Submit(ctx, alice.ID, insertAt(0, strings.Repeat("p", 500)))
	require.NoError(t, err)
	var bobDeltas []presence.Delta
	for _, delta := range ack.Presence {
		if delta.SessionID == bob.ID {
			bobDeltas = append(bobDeltas, delta)
		}
	}
	require.Len(t, bobDeltas, 1)
	assert.Equal(t, 502, bobDeltas[0].Cursor.Offset)
}

func TestConcurrentSubmitsConverge(t *testing.T) {
	const writers, perWriter = 4, 50
	ctx := context.Background()
	b := newTestBroker(t, BrokerOptions{DisableWorkers: true, AutoCreateDocuments: true, SubscriberBuffer: 4096})
	sessions := make([]Session, writers)
	for i := range sessions {
		var err error
		sessions[i], _, err = b.Connect(ctx, "doc", fmt.Sprintf("writer-%d", i), "")
		require.NoError(t, err)
	}
	observer, err := b.Subscribe(ctx, "doc", "")
	require.NoError(t, err)
	defer observer.Cancel()

	seen := make(chan map[uint64]int, 1)
	go func() {
		versions := map[uint64]int{}
		total := 0
		deadline := time.After(10 * time.Second)
		for total < writers*perWriter {
			select {
			case change, ok := <-observer.C:
				if !ok {
					seen <- versions
					return
				}
				for _, rec := range change.Records {
					versions[rec.Version]++
					total++
				}
			case <-deadline:
				seen <- versions
				return
			}
		}
		seen <- versions
	}()

	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for i, session := range sessions {
		wg.Add(1)
		go func(letter string, sessionID string) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				if _, err := b.Submit(ctx, sessionID, insertAt(0, letter)); err != nil {
					errs <- err
				}
			}
		}(string(rune('a'+i)), session.ID)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	snap, err := b.GetDocument(ctx, "doc", false)
	require.NoError(t, err)
	assert.Equal(t, uint64(writers*perWriter), snap.Version)
	assert.Len(t, []rune(snap.Content), writers*perWriter)
	for i := 0; i < writers; i++ {
		assert.Equal(t, perWriter, strings.Count(snap.Content, string(rune('a'+i))))
	}

	b.mu.Lock()
	l := b.lanes["doc"]
	b.mu.Unlock()
	require.NotNil(t, l)
	require.NoError(t, l.do(ctx, func() error { return l.engine.Verify() }))

	versions := <-seen
	require.Len(t, versions, writers*perWriter)
	for v := uint64(1); v <= writers*perWriter; v++ {
		assert.Equal(t, 1, versions[v], "version %d", v)
	}
}

func TestSubmitRateLimit(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, BrokerOptions{DisableWorkers: true, AutoCreateDocuments: true, SubmitRate: 0.001, SubmitBurst: 1})
	alice, _, err := b.Connect(ctx, "doc", "alice", "")
	require.NoError(t, err)

	_, err = b.Submit(ctx, alice.ID, insertAt(0, "a"))
	require.NoError(t, err)
	_, err = b.Submit(ctx, alice.ID, insertAt(1, "b"))
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestDocumentCatalog(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, BrokerOptions{DisableWorkers: true})

	_, err := b.CreateDocument(ctx, CreateDocumentRequest{ID: "b-doc", Title: "Second"})
	require.NoError(t, err)
	_, err = b.CreateDocument(ctx, CreateDocumentRequest{ID: "a-doc", Content: "one two\nthree"})
	require.NoError(t, err)
	_, err = b.CreateDocument(ctx, CreateDocumentRequest{ID: "a-doc"})
	require.ErrorIs(t, err, ErrDocumentExists)

	generated, err := b.CreateDocument(ctx, CreateDocumentRequest{Title: "Generated"})
	require.NoError(t, err)
	assert.NotEmpty(t, generated.ID)

	docs, err := b.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	byID := map[string]DocumentInfo{}
	for _, doc := range docs {
		byID[doc.ID] = doc
	}
	assert.Equal(t, defaultDocumentTitle, byID["a-doc"].Title)
	assert.Equal(t, uint64(13), byID["a-doc"].Version)
	assert.Equal(t, "Second", byID["b-doc"].Title)
	assert.Equal(t, "Generated", byID[generated.ID].Title)

	renamed, err := b.RenameDocument(ctx, "b-doc", "  Renamed ")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", renamed.Title)
	_, err = b.RenameDocument(ctx, "b-doc", " ")
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = b.RenameDocument(ctx, "nope", "x")
	require.ErrorIs(t, err, ErrDocumentNotFound)

	stats, err := b.Stats(ctx, "a-doc")
	require.NoError(t, err)
	assert.Equal(t, 13, stats.Characters)
	assert.Equal(t, 3, stats.Words)
	assert.Equal(t, 2, stats.Lines)

	page, err := b.Ops(ctx, "a-doc", 0, 5)
	require.NoError(t, err)
	assert.Len(t, page.Records, 5)
	assert.Equal(t, uint64(5), page.NextCursor)
	assert.Equal(t, uint64(13), page.Version)
	page, err = b.Ops(ctx, "a-doc", page.NextCursor, 100)
	require.NoError(t, err)
	assert.Len(t, page.Records, 8)
	assert.Zero(t, page.NextCursor)
}

func TestDocumentsSurviveBrokerRestart(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryPersistence()
	b := NewBroker(BrokerOptions{Persistence: store, SnapshotEvery: 3, AutoCreateDocuments: true})
	alice, _, err := b.Connect(ctx, "doc", "alice", "")
	require.NoError(t, err)
	_, err = b.Submit(ctx, alice.ID, insertAt(0, "abcdefg"))
	require.NoError(t, err)
	_, err = b.Submit(ctx, alice.ID, deleteAt(0, 1))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		records, err := store.LoadLog("doc", 0)
		return err == nil && len(records) == 8
	}, 2*time.Second, 10*time.Millisecond)
	b.Close()

	snap, err := store.LoadSnapshot("doc")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, uint64(8), snap.Version)

	restarted := newTestBroker(t, BrokerOptions{Persistence: store, DisableWorkers: true})
	assert.Equal(t, "bcdefg", documentText(t, restarted, "doc"))
	page, err := restarted.Ops(ctx, "doc", 0, 0)
	require.NoError(t, err)
	assert.Len(t, page.Records, 8)

	bob, _, err := restarted.Connect(ctx, "doc", "bob", "")
	require.NoError(t, err)
	_, err = restarted.Submit(ctx, bob.ID, insertAt(6, "h"))
	require.NoError(t, err)
	assert.Equal(t, "bcdefgh", documentText(t, restarted, "doc"))
}

func TestLoadReplaysChangelogUpToFirstGap(t *testing.T) {
	store := NewInMemoryPersistence()
	source := document.NewEngine(document.EngineOptions{})
	target := document.Head
	for _, r := range "abcde" {
		op := source.Stamp("writer", document.Operation{Kind: document.KindInsert, Target: target, Value: string(r)})
		_, err := source.Apply(op)
		require.NoError(t, err)
		target = op.ID
	}
	records, err := source.Since(0)
	require.NoError(t, err)
	for _, rec := range records {
		if rec.Version == 4 {
			continue
		}
		require.NoError(t, store.AppendToLog("doc", rec))
	}

	b := newTestBroker(t, BrokerOptions{Persistence: store, DisableWorkers: true})
	snap, err := b.GetDocument(context.Background(), "doc", false)
	require.NoError(t, err)
	assert.Equal(t, "abc", snap.Content)
	assert.Equal(t, uint64(3), snap.Version)
}

func TestContentOnlySnapshotIsSeeded(t *testing.T) {
	store := NewInMemoryPersistence()
	require.NoError(t, store.SaveSnapshot(&DocumentSnapshot{ID: "notes", Title: "Notes", Content: "hi\nthere"}))

	b := newTestBroker(t, BrokerOptions{Persistence: store, DisableWorkers: true})
	snap, err := b.GetDocument(context.Background(), "notes", true)
	require.NoError(t, err)
	assert.Equal(t, "hi\nthere", snap.Content)
	assert.Equal(t, "Notes", snap.Title)
	require.NotNil(t, snap.State)

	stats, err := b.Stats(context.Background(), "notes")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Lines)
	assert.Equal(t, 2, stats.Words)
}

type failingPersistence struct {
	*InMemoryPersistence
}

func (failingPersistence) AppendToLog(string, document.Record) error {
	return errors.New("disk on fire")
}

func TestSinkFailureDegradesToMemory(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, BrokerOptions{
		Persistence:         failingPersistence{NewInMemoryPersistence()},
		MaxSinkAttempts:     2,
		SinkRetryDelay:      time.Millisecond,
		AutoCreateDocuments: true,
	})
	alice, _, err := b.Connect(ctx, "doc", "alice", "")
	require.NoError(t, err)
	_, err = b.Submit(ctx, alice.ID, insertAt(0, "o"))
	require.NoError(t, err)
	_, err = b.Submit(ctx, alice.ID, insertAt(1, "k"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return b.BackendStatus().SinkFailures == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "degraded", b.BackendStatus().Durability)
	assert.Equal(t, "ok", documentText(t, b, "doc"))
}

func TestPasteIsOneSinkTask(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryPersistence()
	queue := NewInMemorySinkQueue(4)
	b := newTestBroker(t, BrokerOptions{
		Persistence:         store,
		SinkQueue:           queue,
		SnapshotEvery:       10000,
		DisableWorkers:      true,
		AutoCreateDocuments: true,
	})
	alice, _, err := b.Connect(ctx, "doc", "alice", "")
	require.NoError(t, err)
	_, err = b.Submit(ctx, alice.ID, insertAt(0, strings.Repeat("z", 3000)))
	require.NoError(t, err)

	snapshotter, ok := queue.(sinkQueueSnapshotter)
	require.True(t, ok)
	var appends []SinkTask
	for _, task := range snapshotter.SnapshotTasks() {
		if task.Kind == SinkAppend {
			appends = append(appends, task)
		}
	}
	require.Len(t, appends, 1)
	assert.Equal(t, "doc/append/1-3000", appends[0].Key())
	require.Len(t, appends[0].Records, 3000)

	require.NoError(t, b.writeSink(appends[0]))
	records, err := store.LoadLog("doc", 0)
	require.NoError(t, err)
	assert.Len(t, records, 3000)
}

func TestBackendStatusWithoutPersistence(t *testing.T) {
	b := newTestBroker(t, BrokerOptions{DisableWorkers: true, BackendProfile: " Memory "})
	status := b.BackendStatus()
	assert.Equal(t, "memory", status.BackendProfile)
	assert.Equal(t, "none", status.Persistence)
	assert.Equal(t, "memory", status.Durability)
}

func TestClosedBrokerRejectsCalls(t *testing.T) {
	ctx := context.Background()
	b := NewBroker(BrokerOptions{DisableWorkers: true, AutoCreateDocuments: true})
	alice, _, err := b.Connect(ctx, "doc", "alice", "")
	require.NoError(t, err)
	b.Close()

	_, err = b.Submit(ctx, alice.ID, insertAt(0, "x"))
	require.ErrorIs(t, err, ErrClosed)
	_, _, err = b.Connect(ctx, "doc", "bob", "")
	require.ErrorIs(t, err, ErrClosed)
}
