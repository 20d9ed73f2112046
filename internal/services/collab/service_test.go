package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"collabgraphgo/internal/database/graphstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
//  Fakes
// ---------------------------------------------------------------------------

type fakeStore struct {
	mu       sync.Mutex
	graphs   map[string]*graphstore.GraphRow
	members  map[string]map[string]string // graphID -> userID -> role
	commands []graphstore.CommandRow

	appendErr error

	promoted        chan string    // userID written as leader
	graphDeleted    chan string    // graphID cascaded away
	memberDeleted   chan [2]string // (graphID, userID)
	promoteErr      error
	deleteGraphErr  error
	deleteMemberErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		graphs:        make(map[string]*graphstore.GraphRow),
		members:       make(map[string]map[string]string),
		promoted:      make(chan string, 16),
		graphDeleted:  make(chan string, 16),
		memberDeleted: make(chan [2]string, 16),
	}
}

func (f *fakeStore) addGraph(graphID, ownerID, leaderID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.graphs[graphID] = &graphstore.GraphRow{ID: graphID, OwnerID: ownerID, LeaderID: leaderID}
	if f.members[graphID] == nil {
		f.members[graphID] = make(map[string]string)
	}
}

func (f *fakeStore) addMember(graphID, userID, role string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.members[graphID] == nil {
		f.members[graphID] = make(map[string]string)
	}
	f.members[graphID][userID] = role
}

func (f *fakeStore) GetGraph(_ context.Context, graphID string) (*graphstore.GraphRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.graphs[graphID]
	if !ok {
		return nil, graphstore.ErrGraphNotFound
	}
	cp := *g
	return &cp, nil
}

func (f *fakeStore) GetMembership(_ context.Context, graphID, userID string) (*graphstore.Membership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	role, ok := f.members[graphID][userID]
	if !ok {
		return nil, graphstore.ErrMembershipNotFound
	}
	return &graphstore.Membership{GraphID: graphID, UserID: userID, Role: role}, nil
}

func (f *fakeStore) PromoteLeader(_ context.Context, graphID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.promoteErr != nil {
		return f.promoteErr
	}
	for uid, role := range f.members[graphID] {
		if role == graphstore.RoleLeader {
			f.members[graphID][uid] = graphstore.RoleMember
		}
	}
	if f.members[graphID] == nil {
		f.members[graphID] = make(map[string]string)
	}
	f.members[graphID][userID] = graphstore.RoleLeader
	if g, ok := f.graphs[graphID]; ok {
		g.LeaderID = userID
	}
	f.promoted <- userID
	return nil
}

func (f *fakeStore) DeleteMembership(_ context.Context, graphID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteMemberErr != nil {
		return f.deleteMemberErr
	}
	delete(f.members[graphID], userID)
	f.memberDeleted <- [2]string{graphID, userID}
	return nil
}

func (f *fakeStore) DeleteGraph(_ context.Context, graphID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteGraphErr != nil {
		return f.deleteGraphErr
	}
	delete(f.graphs, graphID)
	delete(f.members, graphID)
	f.graphDeleted <- graphID
	return nil
}

func (f *fakeStore) AppendCommand(_ context.Context, cmd *graphstore.CommandRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	f.commands = append(f.commands, *cmd)
	return nil
}

func (f *fakeStore) ListCommands(_ context.Context, graphID string, limit, offset int) ([]graphstore.CommandRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []graphstore.CommandRow
	for _, c := range f.commands {
		if c.GraphID == graphID {
			out = append(out, c)
		}
	}
	return out, nil
}

var _ graphstore.IGraphStore = (*fakeStore)(nil)

type sinkEvent struct {
	Event string
	Body  any
}

type fakeSink struct {
	mu     sync.Mutex
	events []sinkEvent
	closed bool
}

func (f *fakeSink) Send(event string, body any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sinkEvent{Event: event, Body: body})
	return nil
}

func (f *fakeSink) Close(string) {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeSink) named(event string) []sinkEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sinkEvent
	for _, e := range f.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
//  Helpers
// ---------------------------------------------------------------------------

func newTestService(store *fakeStore, opts Options) *Service {
	return NewService(NewRegistry(), store, nil, opts)
}

func waitFor[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func mustJoin(t *testing.T, svc *Service, connID, graphID string, user UserInfo) (*fakeSink, *JoinSnapshot) {
	t.Helper()
	sink := &fakeSink{}
	snap, err := svc.Join(context.Background(), sink, connID, graphID, user)
	require.NoError(t, err)
	return sink, snap
}

// ---------------------------------------------------------------------------
//  Admission
// ---------------------------------------------------------------------------

func TestJoinUnknownGraphFails(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, Options{})

	_, err := svc.Join(context.Background(), &fakeSink{}, "c1", "nope", UserInfo{ID: "alice"})
	require.ErrorIs(t, err, ErrGraphNotFound)
	assert.Zero(t, svc.reg.CountForGraph("nope"))
}

func TestJoinNonMemberFailsWithoutRegistryMutation(t *testing.T) {
	store := newFakeStore()
	store.addGraph("g1", "alice", "alice")
	store.addMember("g1", "alice", graphstore.RoleLeader)
	svc := newTestService(store, Options{})

	_, err := svc.Join(context.Background(), &fakeSink{}, "c1", "g1", UserInfo{ID: "mallory"})
	require.ErrorIs(t, err, ErrNotMember)
	assert.Zero(t, svc.reg.CountForGraph("g1"))
	assert.Empty(t, svc.reg.ListForGraph("g1"))
}

func TestJoinConfirmedCarriesLeaderAndRoster(t *testing.T) {
	store := newFakeStore()
	store.addGraph("g1", "alice", "alice")
	store.addMember("g1", "alice", graphstore.RoleLeader)
	store.addMember("g1", "bob", graphstore.RoleMember)
	svc := newTestService(store, Options{})

	_, snapA := mustJoin(t, svc, "cA", "g1", UserInfo{ID: "alice", Name: "Alice"})
	assert.Equal(t, "alice", snapA.LeaderID)
	assert.Len(t, snapA.Collaborators, 1)

	sinkB, snapB := mustJoin(t, svc, "cB", "g1", UserInfo{ID: "bob", Name: "Bob"})
	assert.Equal(t, "alice", snapB.LeaderID)
	assert.Len(t, snapB.Collaborators, 2)
	// the joiner is part of the roster broadcast
	require.NotEmpty(t, sinkB.named(EvtCollaboratorsUpdate))
}

// ---------------------------------------------------------------------------
//  Registry consistency across join/leave sequences
// ---------------------------------------------------------------------------

func TestRoomCountMatchesCollaboratorRoomIDs(t *testing.T) {
	store := newFakeStore()
	store.addGraph("g1", "alice", "alice")
	store.addGraph("g2", "bob", "bob")
	for _, u := range []string{"alice", "bob", "carol"} {
		store.addMember("g1", u, graphstore.RoleMember)
		store.addMember("g2", u, graphstore.RoleMember)
	}
	svc := newTestService(store, Options{})

	mustJoin(t, svc, "c1", "g1", UserInfo{ID: "alice"})
	mustJoin(t, svc, "c2", "g1", UserInfo{ID: "bob"})
	mustJoin(t, svc, "c3", "g2", UserInfo{ID: "carol"})
	svc.Leave("c2")

	for _, graphID := range []string{"g1", "g2"} {
		members := svc.reg.ListForGraph(graphID)
		assert.Equal(t, svc.reg.CountForGraph(graphID), len(members))
		for _, m := range members {
			assert.Equal(t, graphID, m.GraphID)
		}
	}
	assert.Equal(t, 1, svc.reg.CountForGraph("g1"))
	assert.Equal(t, 1, svc.reg.CountForGraph("g2"))
}

// ---------------------------------------------------------------------------
//  Command fan-out
// ---------------------------------------------------------------------------

func TestCommandBroadcastOrderAndExclusion(t *testing.T) {
	store := newFakeStore()
	store.addGraph("g1", "alice", "alice")
	store.addMember("g1", "alice", graphstore.RoleLeader)
	store.addMember("g1", "bob", graphstore.RoleMember)
	svc := newTestService(store, Options{})

	sinkA, _ := mustJoin(t, svc, "cA", "g1", UserInfo{ID: "alice", Name: "Alice"})
	sinkB, _ := mustJoin(t, svc, "cB", "g1", UserInfo{ID: "bob", Name: "Bob"})

	before := time.Now().UTC()
	payloads := []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}
	for _, p := range payloads {
		_, err := svc.Command("cA", CmdAddEntity, json.RawMessage(p))
		require.NoError(t, err)
	}

	got := sinkB.named(EvtCommandReceived)
	require.Len(t, got, 3)
	seen := make(map[string]bool)
	for i, e := range got {
		cmd, ok := e.Body.(Command)
		require.True(t, ok)
		assert.Equal(t, CmdAddEntity, cmd.Variant)
		assert.JSONEq(t, payloads[i], string(cmd.Payload))
		assert.Equal(t, "alice", cmd.UserID)
		assert.False(t, cmd.Timestamp.Before(before))
		assert.False(t, seen[cmd.ID], "command delivered twice")
		seen[cmd.ID] = true
	}

	// sender never hears its own command back
	assert.Empty(t, sinkA.named(EvtCommandReceived))
}

func TestCommandRejectsUnknownVariant(t *testing.T) {
	store := newFakeStore()
	store.addGraph("g1", "alice", "alice")
	store.addMember("g1", "alice", graphstore.RoleLeader)
	svc := newTestService(store, Options{})
	mustJoin(t, svc, "cA", "g1", UserInfo{ID: "alice"})

	_, err := svc.Command("cA", "drop_table", nil)
	require.ErrorIs(t, err, ErrUnknownVariant)
}

func TestCommandWithoutJoinRejected(t *testing.T) {
	svc := newTestService(newFakeStore(), Options{})
	_, err := svc.Command("ghost", CmdChat, nil)
	require.ErrorIs(t, err, ErrNotJoined)
}

// ---------------------------------------------------------------------------
//  Exit cascade
// ---------------------------------------------------------------------------

func TestSoleMemberDisconnectDeletesGraph(t *testing.T) {
	store := newFakeStore()
	store.addGraph("g1", "alice", "alice")
	store.addMember("g1", "alice", graphstore.RoleLeader)
	svc := newTestService(store, Options{})

	mustJoin(t, svc, "cA", "g1", UserInfo{ID: "alice"})
	svc.Disconnect("cA")

	assert.Zero(t, svc.reg.CountForGraph("g1"))
	assert.Equal(t, "g1", waitFor(t, store.graphDeleted, "graph cascade"))

	_, err := store.GetGraph(context.Background(), "g1")
	require.ErrorIs(t, err, graphstore.ErrGraphNotFound)
}

func TestLeaderDisconnectPromotesEarliestRemaining(t *testing.T) {
	store := newFakeStore()
	store.addGraph("g1", "alice", "alice")
	store.addMember("g1", "alice", graphstore.RoleLeader)
	store.addMember("g1", "bob", graphstore.RoleMember)
	store.addMember("g1", "carol", graphstore.RoleMember)
	svc := newTestService(store, Options{})

	mustJoin(t, svc, "cA", "g1", UserInfo{ID: "alice"})
	sinkB, _ := mustJoin(t, svc, "cB", "g1", UserInfo{ID: "bob"})
	sinkC, _ := mustJoin(t, svc, "cC", "g1", UserInfo{ID: "carol"})

	svc.Disconnect("cA")

	// bob joined before carol, so bob is the successor
	assert.Equal(t, "bob", waitFor(t, store.promoted, "leader write"))

	promotedB := sinkB.named(EvtCollaboratorPromoted)
	promotedC := sinkC.named(EvtCollaboratorPromoted)
	require.Len(t, promotedB, 1)
	require.Len(t, promotedC, 1)
	body := promotedB[0].Body.(promotedBody)
	assert.Equal(t, "bob", body.UserID)
	assert.True(t, body.IsLeader)

	waitFor(t, store.memberDeleted, "membership delete")
	m, err := store.GetMembership(context.Background(), "g1", "bob")
	require.NoError(t, err)
	assert.Equal(t, graphstore.RoleLeader, m.Role)
}

func TestNonLeaderExitDeletesOnlyMembership(t *testing.T) {
	store := newFakeStore()
	store.addGraph("g1", "alice", "alice")
	store.addMember("g1", "alice", graphstore.RoleLeader)
	store.addMember("g1", "bob", graphstore.RoleMember)
	svc := newTestService(store, Options{})

	sinkA, _ := mustJoin(t, svc, "cA", "g1", UserInfo{ID: "alice"})
	mustJoin(t, svc, "cB", "g1", UserInfo{ID: "bob"})

	svc.Leave("cB")

	gone := waitFor(t, store.memberDeleted, "membership delete")
	assert.Equal(t, [2]string{"g1", "bob"}, gone)
	assert.Empty(t, sinkA.named(EvtCollaboratorPromoted))
	require.NotEmpty(t, sinkA.named(EvtUserLeft))

	// leadership untouched
	g, err := store.GetGraph(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, "alice", g.LeaderID)
}

// ---------------------------------------------------------------------------
//  Explicit transfer
// ---------------------------------------------------------------------------

func TestPromoteByNonLeaderRejected(t *testing.T) {
	store := newFakeStore()
	store.addGraph("g1", "alice", "alice")
	store.addMember("g1", "alice", graphstore.RoleLeader)
	store.addMember("g1", "bob", graphstore.RoleMember)
	svc := newTestService(store, Options{})

	err := svc.Promote(context.Background(), "g1", "bob", "bob")
	require.ErrorIs(t, err, ErrNotLeader)

	g, _ := store.GetGraph(context.Background(), "g1")
	assert.Equal(t, "alice", g.LeaderID)
	m, _ := store.GetMembership(context.Background(), "g1", "alice")
	assert.Equal(t, graphstore.RoleLeader, m.Role)
}

func TestPromoteTransfersLeadership(t *testing.T) {
	store := newFakeStore()
	store.addGraph("g1", "alice", "alice")
	store.addMember("g1", "alice", graphstore.RoleLeader)
	store.addMember("g1", "bob", graphstore.RoleMember)
	svc := newTestService(store, Options{})

	sinkA, _ := mustJoin(t, svc, "cA", "g1", UserInfo{ID: "alice"})
	sinkB, _ := mustJoin(t, svc, "cB", "g1", UserInfo{ID: "bob"})

	require.NoError(t, svc.Promote(context.Background(), "g1", "alice", "bob"))
	waitFor(t, store.promoted, "leader write")

	g, _ := store.GetGraph(context.Background(), "g1")
	assert.Equal(t, "bob", g.LeaderID)

	// exactly one LEADER row
	leaders := 0
	for _, u := range []string{"alice", "bob"} {
		if m, err := store.GetMembership(context.Background(), "g1", u); err == nil &&
			m.Role == graphstore.RoleLeader {
			leaders++
		}
	}
	assert.Equal(t, 1, leaders)

	// both see the demote+promote pair
	assert.Len(t, sinkA.named(EvtCollaboratorPromoted), 2)
	assert.Len(t, sinkB.named(EvtCollaboratorPromoted), 2)
}

func TestPromoteUnknownTargetRejected(t *testing.T) {
	store := newFakeStore()
	store.addGraph("g1", "alice", "alice")
	store.addMember("g1", "alice", graphstore.RoleLeader)
	svc := newTestService(store, Options{})

	err := svc.Promote(context.Background(), "g1", "alice", "nobody")
	require.ErrorIs(t, err, graphstore.ErrMembershipNotFound)
}

// ---------------------------------------------------------------------------
//  Invitations
// ---------------------------------------------------------------------------

func TestAcceptInvitationSkipsMembershipCheck(t *testing.T) {
	store := newFakeStore()
	store.addGraph("g1", "bob", "bob")
	store.addMember("g1", "bob", graphstore.RoleLeader)
	store.addGraph("g2", "alice", "alice")
	store.addMember("g2", "alice", graphstore.RoleLeader)
	svc := newTestService(store, Options{})

	sinkA, _ := mustJoin(t, svc, "cA", "g2", UserInfo{ID: "alice", Name: "Alice"})
	sinkB, _ := mustJoin(t, svc, "cB", "g1", UserInfo{ID: "bob", Name: "Bob"})

	inv, err := svc.SendInvitation("cA", "g2", "bob")
	require.NoError(t, err)

	// inviter's room saw the announcement; the target got a direct copy
	require.NotEmpty(t, sinkA.named(EvtInvitationSent))
	require.NotEmpty(t, sinkB.named(EvtInvitationReceived))

	// bob has no membership row for g2, yet acceptance admits him
	_, err = store.GetMembership(context.Background(), "g2", "bob")
	require.ErrorIs(t, err, graphstore.ErrMembershipNotFound)

	snap, err := svc.AcceptInvitation(context.Background(), "cB", inv.ID, "g2")
	require.NoError(t, err)
	assert.Equal(t, "g2", snap.Collaborator.GraphID)

	// and a command in the new room goes straight through
	_, err = svc.Command("cB", CmdChat, json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)
	require.NotEmpty(t, sinkA.named(EvtCommandReceived))
}

func TestAcceptUnknownInvitation(t *testing.T) {
	store := newFakeStore()
	store.addGraph("g1", "alice", "alice")
	store.addMember("g1", "alice", graphstore.RoleLeader)
	svc := newTestService(store, Options{})
	mustJoin(t, svc, "cA", "g1", UserInfo{ID: "alice"})

	_, err := svc.AcceptInvitation(context.Background(), "cA", "missing", "g1")
	require.ErrorIs(t, err, ErrInvitationNotFound)
}

func TestRejectInvitationDiscards(t *testing.T) {
	store := newFakeStore()
	store.addGraph("g1", "alice", "alice")
	store.addMember("g1", "alice", graphstore.RoleLeader)
	svc := newTestService(store, Options{})
	mustJoin(t, svc, "cA", "g1", UserInfo{ID: "alice"})

	inv, err := svc.SendInvitation("cA", "g1", "bob")
	require.NoError(t, err)
	require.NoError(t, svc.RejectInvitation(inv.ID))
	require.ErrorIs(t, svc.RejectInvitation(inv.ID), ErrInvitationNotFound)
}

// ---------------------------------------------------------------------------
//  Kick
// ---------------------------------------------------------------------------

func TestKickRequiresLeader(t *testing.T) {
	store := newFakeStore()
	store.addGraph("g1", "alice", "alice")
	store.addMember("g1", "alice", graphstore.RoleLeader)
	store.addMember("g1", "bob", graphstore.RoleMember)
	svc := newTestService(store, Options{})

	mustJoin(t, svc, "cA", "g1", UserInfo{ID: "alice"})
	mustJoin(t, svc, "cB", "g1", UserInfo{ID: "bob"})

	err := svc.Kick(context.Background(), "cB", "g1", "alice")
	require.ErrorIs(t, err, ErrNotLeader)
	assert.Equal(t, 2, svc.reg.CountForGraph("g1"))
}

func TestKickEjectsTarget(t *testing.T) {
	store := newFakeStore()
	store.addGraph("g1", "alice", "alice")
	store.addMember("g1", "alice", graphstore.RoleLeader)
	store.addMember("g1", "bob", graphstore.RoleMember)
	svc := newTestService(store, Options{})

	mustJoin(t, svc, "cA", "g1", UserInfo{ID: "alice"})
	sinkB, _ := mustJoin(t, svc, "cB", "g1", UserInfo{ID: "bob"})

	require.NoError(t, svc.Kick(context.Background(), "cA", "g1", "bob"))

	require.NotEmpty(t, sinkB.named(EvtKickNotification))
	sinkB.mu.Lock()
	closed := sinkB.closed
	sinkB.mu.Unlock()
	assert.True(t, closed)
	assert.Equal(t, 1, svc.reg.CountForGraph("g1"))
	waitFor(t, store.memberDeleted, "membership delete")
}

// ---------------------------------------------------------------------------
//  Grace window
// ---------------------------------------------------------------------------

func TestDisconnectGraceDefersMembershipDelete(t *testing.T) {
	store := newFakeStore()
	store.addGraph("g1", "alice", "alice")
	store.addMember("g1", "alice", graphstore.RoleLeader)
	store.addMember("g1", "bob", graphstore.RoleMember)
	svc := newTestService(store, Options{LeaveGrace: 80 * time.Millisecond})

	mustJoin(t, svc, "cA", "g1", UserInfo{ID: "alice"})
	mustJoin(t, svc, "cB", "g1", UserInfo{ID: "bob"})

	svc.Disconnect("cB")

	select {
	case <-store.memberDeleted:
		t.Fatal("membership deleted inside the grace window")
	case <-time.After(20 * time.Millisecond):
	}

	gone := waitFor(t, store.memberDeleted, "deferred membership delete")
	assert.Equal(t, [2]string{"g1", "bob"}, gone)
}

func TestRejoinWithinGraceKeepsMembership(t *testing.T) {
	store := newFakeStore()
	store.addGraph("g1", "alice", "alice")
	store.addMember("g1", "alice", graphstore.RoleLeader)
	store.addMember("g1", "bob", graphstore.RoleMember)
	svc := newTestService(store, Options{LeaveGrace: 100 * time.Millisecond})

	mustJoin(t, svc, "cA", "g1", UserInfo{ID: "alice"})
	mustJoin(t, svc, "cB", "g1", UserInfo{ID: "bob"})

	svc.Disconnect("cB")
	mustJoin(t, svc, "cB2", "g1", UserInfo{ID: "bob"})

	select {
	case <-store.memberDeleted:
		t.Fatal("membership deleted despite rejoin within grace")
	case <-time.After(300 * time.Millisecond):
	}
	_, err := store.GetMembership(context.Background(), "g1", "bob")
	require.NoError(t, err)
}

func TestExplicitLeaveIgnoresGrace(t *testing.T) {
	store := newFakeStore()
	store.addGraph("g1", "alice", "alice")
	store.addMember("g1", "alice", graphstore.RoleLeader)
	store.addMember("g1", "bob", graphstore.RoleMember)
	svc := newTestService(store, Options{LeaveGrace: time.Hour})

	mustJoin(t, svc, "cA", "g1", UserInfo{ID: "alice"})
	mustJoin(t, svc, "cB", "g1", UserInfo{ID: "bob"})

	svc.Leave("cB")
	waitFor(t, store.memberDeleted, "immediate membership delete")
}

// ---------------------------------------------------------------------------
//  Presence relays
// ---------------------------------------------------------------------------

func TestCursorAndSelectionRelay(t *testing.T) {
	store := newFakeStore()
	store.addGraph("g1", "alice", "alice")
	store.addMember("g1", "alice", graphstore.RoleLeader)
	store.addMember("g1", "bob", graphstore.RoleMember)
	svc := newTestService(store, Options{})

	sinkA, _ := mustJoin(t, svc, "cA", "g1", UserInfo{ID: "alice"})
	sinkB, _ := mustJoin(t, svc, "cB", "g1", UserInfo{ID: "bob"})

	require.NoError(t, svc.CursorMove("cA", 10, 20))
	require.NoError(t, svc.EntitySelect("cA", "entity-7"))

	require.Len(t, sinkB.named(EvtCursorUpdate), 1)
	require.Len(t, sinkB.named(EvtEntitySelect), 1)
	assert.Empty(t, sinkA.named(EvtCursorUpdate))

	col, ok := svc.reg.Snapshot("cA")
	require.True(t, ok)
	require.NotNil(t, col.Cursor)
	assert.Equal(t, 10.0, col.Cursor.X)
	assert.Equal(t, "entity-7", col.SelectedEntity)
}

// Listing presence from an http handler goroutine must stay safe while the
// room's actor is applying cursor and selection updates; both sides see a
// consistent record because readers get detached copies.
func TestCollaboratorListingSafeDuringPresenceUpdates(t *testing.T) {
	store := newFakeStore()
	store.addGraph("g1", "alice", "alice")
	store.addMember("g1", "alice", graphstore.RoleLeader)
	store.addMember("g1", "bob", graphstore.RoleMember)
	svc := newTestService(store, Options{})

	mustJoin(t, svc, "cA", "g1", UserInfo{ID: "alice"})
	mustJoin(t, svc, "cB", "g1", UserInfo{ID: "bob"})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			require.NoError(t, svc.CursorMove("cA", float64(i), float64(i)))
			require.NoError(t, svc.EntitySelect("cA", "entity-9"))
		}
	}()

	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
		}
		_, err := json.Marshal(svc.Collaborators("g1"))
		require.NoError(t, err)
	}

	col, ok := svc.reg.Snapshot("cA")
	require.True(t, ok)
	require.NotNil(t, col.Cursor)
	assert.Equal(t, 199.0, col.Cursor.X)
}

func TestPersistFailureNeverBlocksBroadcast(t *testing.T) {
	store := newFakeStore()
	store.addGraph("g1", "alice", "alice")
	store.addMember("g1", "alice", graphstore.RoleLeader)
	store.addMember("g1", "bob", graphstore.RoleMember)
	store.appendErr = errors.New("store down")
	svc := newTestService(store, Options{})

	mustJoin(t, svc, "cA", "g1", UserInfo{ID: "alice"})
	sinkB, _ := mustJoin(t, svc, "cB", "g1", UserInfo{ID: "bob"})

	_, err := svc.Command("cA", CmdChat, json.RawMessage(`{"text":"still here"}`))
	require.NoError(t, err)
	require.NotEmpty(t, sinkB.named(EvtCommandReceived))
}
