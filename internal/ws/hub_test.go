package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/coderoom/internal/ai"
	"github.com/manpreetbhatti/coderoom/internal/db"
	"github.com/manpreetbhatti/coderoom/internal/recorder"
	"github.com/manpreetbhatti/coderoom/internal/room"
)

const starter = "print('hi')\n"

type change struct {
	roomID, userID, changeType, code string
}

// fakePersister doubles as the room loader so rehydration sees what was
// recorded.
type fakePersister struct {
	mu      sync.Mutex
	code    map[string]string
	changes []change
	joins   []string
	leaves  []string
	chats   []db.ChatMessage
	loads   int
}

func newFakePersister() *fakePersister {
	return &fakePersister{code: make(map[string]string)}
}

func (p *fakePersister) LoadCode(_ context.Context, roomID string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loads++
	c, ok := p.code[roomID]
	return c, ok, nil
}

func (p *fakePersister) RecordChange(roomID, userID, changeType, code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.code[roomID] = code
	p.changes = append(p.changes, change{roomID, userID, changeType, code})
}

func (p *fakePersister) RecordJoin(roomID, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.joins = append(p.joins, roomID+"/"+userID)
}

func (p *fakePersister) RecordLeave(roomID, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leaves = append(p.leaves, roomID+"/"+userID)
}

func (p *fakePersister) RecordChat(m db.ChatMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chats = append(p.chats, m)
}

func (p *fakePersister) lastChange() change {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.changes) == 0 {
		return change{}
	}
	return p.changes[len(p.changes)-1]
}

type fakeAnalyzer struct {
	suggestion string
	err        error
}

func (a fakeAnalyzer) Suggest(context.Context, string, string) (string, error) {
	return a.suggestion, a.err
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	t       *testing.T
	hub     *Hub
	persist *fakePersister
	clock   *fakeClock
}

type harnessOpts struct {
	grace    time.Duration
	timeout  time.Duration
	analyzer ai.Analyzer
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	p := newFakePersister()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := room.NewStore(p, starter, room.Options{
		GracePeriod:     o.grace,
		DecisionTimeout: o.timeout,
		Now:             clock.Now,
	})
	hub := NewHub(store, Config{Persister: p, Analyzer: o.analyzer, AITimeout: time.Second})
	return &harness{t: t, hub: hub, persist: p, clock: clock}
}

func (hs *harness) connect() *Client {
	c := &Client{hub: hs.hub, send: make(chan []byte, 64), id: uuid.NewString()}
	hs.hub.addClient(c)
	return c
}

func (hs *harness) do(c *Client, msg map[string]any) {
	hs.t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(hs.t, err)
	hs.hub.handleMessage(c, data)
}

func (hs *harness) join(c *Client, roomID, userID, username string) {
	hs.do(c, map[string]any{"type": "join_room", "room_id": roomID, "user_id": userID, "username": username})
	hs.settle()
}

// settle finishes the room loads started by earlier frames.
func (hs *harness) settle() {
	hs.t.Helper()
	for len(hs.hub.loading) > 0 {
		hs.runEvent(time.Second)
	}
}

func (hs *harness) edit(c *Client, code string) {
	hs.do(c, map[string]any{"type": "code_change", "code": code, "change_type": "edit"})
}

func (hs *harness) resolve(c *Client, resolution string) {
	hs.do(c, map[string]any{"type": "conflict_resolution", "resolution": resolution})
}

// runEvent executes the next piece of work posted back to the hub.
func (hs *harness) runEvent(wait time.Duration) {
	hs.t.Helper()
	select {
	case fn := <-hs.hub.events:
		fn()
	case <-time.After(wait):
		hs.t.Fatal("timed out waiting for hub event")
	}
}

// pair joins alice and bob to room r1 and drains their mailboxes.
func (hs *harness) pair() (*Client, *Client) {
	a, b := hs.connect(), hs.connect()
	hs.join(a, "r1", "alice", "Alice")
	hs.join(b, "r1", "bob", "Bob")
	drain(a)
	drain(b)
	return a, b
}

// openConflict drives alice into a same-line conflict with bob.
func (hs *harness) openConflict(a, b *Client) {
	hs.edit(a, "x\np=1")
	hs.edit(b, "x\np=3")
	hs.edit(a, "x\np=1")
	drain(a)
	drain(b)
	hs.edit(a, "x\np=2")
}

func drain(c *Client) []map[string]any {
	var out []map[string]any
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return out
			}
			var m map[string]any
			if err := json.Unmarshal(data, &m); err == nil {
				out = append(out, m)
			}
		default:
			return out
		}
	}
}

func types(msgs []map[string]any) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i], _ = m["type"].(string)
	}
	return out
}

func find(t *testing.T, msgs []map[string]any, typ string) map[string]any {
	t.Helper()
	for _, m := range msgs {
		if m["type"] == typ {
			return m
		}
	}
	t.Fatalf("no %s message in %v", typ, types(msgs))
	return nil
}

func TestHubCreation(t *testing.T) {
	hub := NewHub(nil, Config{})
	require.NotNil(t, hub)
	assert.NotNil(t, hub.rooms)
	assert.NotNil(t, hub.clients)
	assert.Equal(t, 0, hub.GetRoomCount())
	assert.Equal(t, 0, hub.GetClientCount())
	assert.NotContains(t, hub.allowed, "ai_analyze")
}

func TestJoinSendsRoomStateAndPresence(t *testing.T) {
	hs := newHarness(t, harnessOpts{})
	a, b := hs.connect(), hs.connect()

	hs.join(a, "r1", "alice", "Alice")
	msgs := drain(a)
	require.Equal(t, []string{"room_joined", "user_list_update"}, types(msgs))
	assert.Equal(t, starter, msgs[0]["current_code"])
	assert.Equal(t, false, msgs[0]["sync_paused"])

	hs.join(b, "r1", "bob", "Bob")
	assert.Equal(t, []string{"room_joined", "user_list_update"}, types(drain(b)))

	msgs = drain(a)
	require.Equal(t, []string{"user_joined", "user_list_update"}, types(msgs))
	assert.Equal(t, "bob", msgs[0]["user_id"])
	assert.Len(t, msgs[1]["users"], 2)

	assert.Equal(t, 1, hs.hub.GetRoomCount())
	assert.Equal(t, map[string]int{"r1": 2}, hs.hub.GetActiveRooms())
	assert.Equal(t, []string{"r1/alice", "r1/bob"}, hs.persist.joins)
}

func TestJoinReplacesExistingConnection(t *testing.T) {
	hs := newHarness(t, harnessOpts{})
	first, second := hs.connect(), hs.connect()

	hs.join(first, "r1", "alice", "Alice")
	drain(first)
	hs.join(second, "r1", "alice", "Alice")

	msgs := drain(first)
	require.NotEmpty(t, msgs)
	assert.Equal(t, "connection_replaced", msgs[0]["type"])
	_, open := <-first.send
	assert.False(t, open, "replaced connection should have its send channel closed")

	assert.Equal(t, "room_joined", drain(second)[0]["type"])
	assert.Len(t, hs.hub.Users("r1"), 1)
	assert.Equal(t, 1, hs.hub.GetClientCount())

	// The stale read pump unregistering later must not disturb the room.
	hs.hub.removeClient(first)
	assert.True(t, hs.hub.IsLive("r1"))
}

func TestFramesFromReplacedConnectionAreIgnored(t *testing.T) {
	hs := newHarness(t, harnessOpts{})
	first, second := hs.connect(), hs.connect()

	hs.join(first, "r1", "alice", "Alice")
	hs.join(second, "r1", "alice", "Alice")
	drain(second)

	// The old read pump may still deliver frames it read before eviction.
	assert.NotPanics(t, func() {
		hs.do(first, map[string]any{"type": "ping"})
		hs.edit(first, "stale")
		hs.join(first, "r1", "alice", "Alice")
	})
	assert.True(t, first.closed)
	assert.Empty(t, drain(second))

	rm, ok := hs.hub.store.Get("r1")
	require.True(t, ok)
	assert.Equal(t, starter, rm.CurrentCode())
	assert.Len(t, hs.hub.Users("r1"), 1)

	gone := hs.connect()
	hs.hub.removeClient(gone)
	assert.NotPanics(t, func() { hs.do(gone, map[string]any{"type": "ping"}) })
}

func TestCodeChangeBroadcastsToOthers(t *testing.T) {
	hs := newHarness(t, harnessOpts{})
	a, b := hs.pair()

	hs.do(a, map[string]any{"type": "code_change", "code": "print(2)", "change_type": "paste", "position": map[string]int{"line": 1}})

	assert.Empty(t, drain(a))
	msgs := drain(b)
	require.Len(t, msgs, 1)
	assert.Equal(t, "code_changed", msgs[0]["type"])
	assert.Equal(t, "print(2)", msgs[0]["code"])
	assert.Equal(t, "paste", msgs[0]["change_type"])
	assert.Equal(t, "Alice", msgs[0]["username"])
	assert.NotNil(t, msgs[0]["position"])

	assert.Equal(t, change{"r1", "alice", "paste", "print(2)"}, hs.persist.lastChange())
}

func TestConflictPausesRoomAndBlocksEdits(t *testing.T) {
	hs := newHarness(t, harnessOpts{})
	a, b := hs.pair()
	hs.openConflict(a, b)

	decision := find(t, drain(a), "conflict_main_changer_decision")
	assert.Equal(t, "same_line_conflict", decision["conflict_type"])
	assert.Equal(t, "x\np=2", decision["your_code"])
	assert.Equal(t, "x\np=3", decision["other_code"])
	assert.Equal(t, "Bob", decision["other_username"])
	assert.NotEmpty(t, decision["conflict_id"])

	waiting := find(t, drain(b), "conflict_waiting_decision")
	assert.Equal(t, "Alice", waiting["main_changer_name"])
	assert.Equal(t, "edit", waiting["main_change_type"])

	snap, ok := hs.hub.RoomSnapshot("r1")
	require.True(t, ok)
	assert.Equal(t, "pending_decision", snap.Phase)

	hs.edit(b, "x\np=9")
	assert.Equal(t, []string{"edit_blocked_waiting_decision"}, types(drain(b)))
	hs.edit(a, "x\np=9")
	assert.Equal(t, []string{"edit_blocked_waiting_decision"}, types(drain(a)))

	rm, _ := hs.hub.store.Get("r1")
	assert.Equal(t, "x\np=1", rm.CurrentCode())
}

func TestResolveConflict(t *testing.T) {
	tests := []struct {
		resolution string
		final      string
	}{
		{"accept", "x\np=3"},
		{"reject", "x\np=2"},
	}
	for _, tt := range tests {
		t.Run(tt.resolution, func(t *testing.T) {
			hs := newHarness(t, harnessOpts{})
			a, b := hs.pair()
			hs.openConflict(a, b)
			drain(a)
			drain(b)

			hs.resolve(a, tt.resolution)

			for _, c := range []*Client{a, b} {
				msg := find(t, drain(c), "conflict_resolved")
				assert.Equal(t, tt.resolution, msg["resolution"])
				assert.Equal(t, tt.final, msg["final_code"])
				assert.Equal(t, "alice", msg["resolved_by"])
			}

			rm, _ := hs.hub.store.Get("r1")
			assert.False(t, rm.Paused())
			assert.Equal(t, tt.final, rm.CurrentCode())
			assert.Equal(t, change{"r1", "alice", "conflict_" + tt.resolution, tt.final}, hs.persist.lastChange())

			hs.edit(b, tt.final+"\n# ok")
			assert.Equal(t, []string{"code_changed"}, types(drain(a)))
		})
	}
}

func TestResolutionFromOtherUserIsRefused(t *testing.T) {
	hs := newHarness(t, harnessOpts{})
	a, b := hs.pair()
	hs.openConflict(a, b)
	drain(b)

	hs.resolve(b, "accept")

	msgs := drain(b)
	require.Equal(t, []string{"error"}, types(msgs))
	assert.Contains(t, msgs[0]["message"], "Only the user")
	rm, _ := hs.hub.store.Get("r1")
	assert.True(t, rm.Paused())
}

func TestResolutionWithoutConflict(t *testing.T) {
	hs := newHarness(t, harnessOpts{})
	a, _ := hs.pair()

	hs.resolve(a, "accept")
	assert.Equal(t, "There is no conflict to resolve", drain(a)[0]["message"])
}

func TestShareToChatKeepsRoomPaused(t *testing.T) {
	hs := newHarness(t, harnessOpts{})
	a, b := hs.pair()
	hs.openConflict(a, b)
	drain(a)
	drain(b)

	hs.resolve(a, "share_to_chat")

	for _, c := range []*Client{a, b} {
		msg := find(t, drain(c), "chat_message")
		assert.Equal(t, true, msg["system"])
		assert.Contains(t, msg["message"], "Alice's edit conflicts with Bob's version")
	}
	rm, _ := hs.hub.store.Get("r1")
	assert.True(t, rm.Paused())
	require.Len(t, hs.persist.chats, 1)
	assert.True(t, hs.persist.chats[0].System)
}

func TestAIAnalyze(t *testing.T) {
	t.Run("suggestion", func(t *testing.T) {
		hs := newHarness(t, harnessOpts{analyzer: fakeAnalyzer{suggestion: "x\np=2.5"}})
		a, b := hs.pair()
		hs.openConflict(a, b)
		assert.Contains(t, find(t, drain(a), "conflict_main_changer_decision")["allowed_decisions"], "ai_analyze")
		drain(b)

		hs.resolve(a, "ai_analyze")
		hs.runEvent(time.Second)

		msg := find(t, drain(a), "ai_analysis_result")
		assert.Equal(t, true, msg["success"])
		assert.Equal(t, "x\np=2.5", msg["suggestion"])
		assert.Empty(t, drain(b))

		rm, _ := hs.hub.store.Get("r1")
		assert.True(t, rm.Paused())
	})

	t.Run("gateway failure", func(t *testing.T) {
		hs := newHarness(t, harnessOpts{analyzer: fakeAnalyzer{err: errors.New("connection refused")}})
		a, b := hs.pair()
		hs.openConflict(a, b)
		drain(a)

		hs.resolve(a, "ai_analyze")
		hs.runEvent(time.Second)

		msg := find(t, drain(a), "ai_analysis_result")
		assert.Equal(t, false, msg["success"])
		assert.NotEmpty(t, msg["error"])

		rm, _ := hs.hub.store.Get("r1")
		assert.True(t, rm.Paused())
	})
}

func TestAIAnalysisForSettledConflictIsDropped(t *testing.T) {
	hs := newHarness(t, harnessOpts{analyzer: fakeAnalyzer{suggestion: "x\np=2.5"}})
	a, b := hs.pair()
	hs.openConflict(a, b)
	drain(a)

	hs.resolve(a, "ai_analyze")
	hs.resolve(a, "accept")
	assert.Equal(t, "conflict_resolved", find(t, drain(a), "conflict_resolved")["type"])

	hs.runEvent(time.Second)
	assert.NotContains(t, types(drain(a)), "ai_analysis_result")
}

func TestMainChangerLeavingAutoAccepts(t *testing.T) {
	hs := newHarness(t, harnessOpts{})
	a, b := hs.pair()
	hs.openConflict(a, b)
	drain(b)

	hs.do(a, map[string]any{"type": "leave_room"})

	msgs := drain(b)
	require.Equal(t, []string{"conflict_resolved", "user_left", "user_list_update"}, types(msgs))
	assert.Equal(t, true, msgs[0]["auto"])
	assert.Equal(t, "main_changer_left", msgs[0]["reason"])
	assert.Equal(t, "x\np=3", msgs[0]["final_code"])

	rm, _ := hs.hub.store.Get("r1")
	assert.False(t, rm.Paused())
	assert.Equal(t, "conflict_auto_accept", hs.persist.lastChange().changeType)
}

func TestDecisionTimeoutAutoAccepts(t *testing.T) {
	hs := newHarness(t, harnessOpts{timeout: 10 * time.Millisecond})
	a, b := hs.pair()
	hs.openConflict(a, b)
	assert.NotNil(t, find(t, drain(a), "conflict_main_changer_decision")["deadline"])
	drain(b)

	hs.runEvent(time.Second)

	msg := find(t, drain(b), "conflict_resolved")
	assert.Equal(t, "decision_timeout", msg["reason"])
	assert.Equal(t, "accept", msg["resolution"])
	rm, _ := hs.hub.store.Get("r1")
	assert.False(t, rm.Paused())
}

func TestGraceWindowSuppressesConflicts(t *testing.T) {
	hs := newHarness(t, harnessOpts{grace: 10 * time.Second})
	a, b := hs.pair()

	hs.openConflict(a, b)
	assert.NotContains(t, types(drain(a)), "conflict_main_changer_decision")
	rm, _ := hs.hub.store.Get("r1")
	assert.Equal(t, "x\np=2", rm.CurrentCode())

	hs.clock.Advance(30 * time.Second)
	hs.edit(a, "x\np=5")
	assert.Equal(t, []string{"conflict_main_changer_decision"}, types(drain(a)))
}

func TestLateJoinerSeesPause(t *testing.T) {
	hs := newHarness(t, harnessOpts{})
	a, b := hs.pair()
	hs.openConflict(a, b)

	c := hs.connect()
	hs.join(c, "r1", "carol", "Carol")

	msgs := drain(c)
	require.GreaterOrEqual(t, len(msgs), 2)
	assert.Equal(t, "room_joined", msgs[0]["type"])
	assert.Equal(t, true, msgs[0]["sync_paused"])
	assert.Equal(t, "conflict_waiting_decision", msgs[1]["type"])
}

func TestReconnectingMainChangerGetsDecisionAgain(t *testing.T) {
	hs := newHarness(t, harnessOpts{})
	a, b := hs.pair()
	hs.openConflict(a, b)

	again := hs.connect()
	hs.join(again, "r1", "alice", "Alice")

	msgs := drain(again)
	require.GreaterOrEqual(t, len(msgs), 2)
	assert.Equal(t, "conflict_main_changer_decision", msgs[1]["type"])
}

func TestLastLeaveDropsRoomAndRehydrates(t *testing.T) {
	hs := newHarness(t, harnessOpts{})
	a, b := hs.pair()
	hs.edit(a, "saved = True")

	hs.do(a, map[string]any{"type": "leave_room"})
	hs.hub.removeClient(b)

	assert.Equal(t, 0, hs.hub.GetRoomCount())
	_, live := hs.hub.store.Get("r1")
	assert.False(t, live)
	assert.Equal(t, []string{"r1/alice", "r1/bob"}, hs.persist.leaves)

	c := hs.connect()
	hs.join(c, "r1", "carol", "Carol")
	assert.Equal(t, "saved = True", drain(c)[0]["current_code"])
	assert.Equal(t, 2, hs.persist.loads)
}

// slowWrites delays every history write so the recorder queue lags behind
// the hub.
type slowWrites struct {
	*db.Database
	delay time.Duration
}

func (s slowWrites) RecordChange(ctx context.Context, roomID, userID, changeType, code string) error {
	time.Sleep(s.delay)
	return s.Database.RecordChange(ctx, roomID, userID, changeType, code)
}

func TestRejoinSeesWritesStillQueued(t *testing.T) {
	database, err := db.New(filepath.Join(t.TempDir(), "rooms.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	rec := recorder.New(slowWrites{database, 100 * time.Millisecond}, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go rec.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-rec.Done()
	})

	hub := NewHub(room.NewStore(rec, starter, room.Options{}), Config{Persister: rec})
	hs := &harness{t: t, hub: hub}
	a := hs.connect()

	hs.join(a, "r1", "alice", "Alice")
	assert.Equal(t, starter, drain(a)[0]["current_code"])
	hs.edit(a, "latest work")
	hs.do(a, map[string]any{"type": "leave_room"})
	_, live := hub.store.Get("r1")
	require.False(t, live)

	hs.join(a, "r1", "alice", "Alice")
	assert.Equal(t, "latest work", drain(a)[0]["current_code"])
}

// gatedLoader holds loads of one room until gate is closed.
type gatedLoader struct {
	slow string
	gate chan struct{}
}

func (l gatedLoader) LoadCode(ctx context.Context, roomID string) (string, bool, error) {
	if roomID == l.slow {
		select {
		case <-l.gate:
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
	return "", false, nil
}

func TestSlowRoomLoadDoesNotStallOtherRooms(t *testing.T) {
	loader := gatedLoader{slow: "slow", gate: make(chan struct{})}
	hs := &harness{t: t, hub: NewHub(room.NewStore(loader, starter, room.Options{}), Config{})}
	a, b, c := hs.connect(), hs.connect(), hs.connect()

	hs.do(a, map[string]any{"type": "join_room", "room_id": "slow", "user_id": "alice"})
	hs.do(c, map[string]any{"type": "join_room", "room_id": "slow", "user_id": "carol"})
	assert.Empty(t, drain(a))
	assert.Equal(t, "slow", a.joining)

	hs.do(b, map[string]any{"type": "join_room", "room_id": "fast", "user_id": "bob"})
	hs.runEvent(time.Second)
	assert.Equal(t, "room_joined", drain(b)[0]["type"])
	hs.edit(b, "still moving")
	rm, ok := hs.hub.store.Get("fast")
	require.True(t, ok)
	assert.Equal(t, "still moving", rm.CurrentCode())

	// Carol gives up before the room arrives.
	hs.hub.removeClient(c)

	close(loader.gate)
	hs.settle()
	assert.Equal(t, "room_joined", drain(a)[0]["type"])
	assert.Equal(t, "", a.joining)
	assert.Len(t, hs.hub.Users("slow"), 1)
}

func TestRoomLoadedWithNobodyLeftIsDropped(t *testing.T) {
	loader := gatedLoader{slow: "slow", gate: make(chan struct{})}
	hs := &harness{t: t, hub: NewHub(room.NewStore(loader, starter, room.Options{}), Config{})}
	a := hs.connect()

	hs.do(a, map[string]any{"type": "join_room", "room_id": "slow", "user_id": "alice"})
	hs.hub.removeClient(a)

	close(loader.gate)
	hs.settle()
	_, live := hs.hub.store.Get("slow")
	assert.False(t, live)
}

func TestJoinAnotherRoomLeavesTheFirst(t *testing.T) {
	hs := newHarness(t, harnessOpts{})
	a, b := hs.pair()

	hs.join(a, "r2", "alice", "Alice")

	assert.Equal(t, []string{"user_left", "user_list_update"}, types(drain(b)))
	assert.Len(t, hs.hub.Users("r1"), 1)
	assert.Len(t, hs.hub.Users("r2"), 1)
}

func TestChatMessage(t *testing.T) {
	hs := newHarness(t, harnessOpts{})
	a, b := hs.pair()

	hs.do(a, map[string]any{"type": "chat_message", "message": "hello"})

	for _, c := range []*Client{a, b} {
		msg := find(t, drain(c), "chat_message")
		assert.Equal(t, "hello", msg["message"])
		assert.Equal(t, false, msg["system"])
	}
	require.Len(t, hs.persist.chats, 1)
	assert.Equal(t, "alice", hs.persist.chats[0].UserID)
}

func TestProtocolErrors(t *testing.T) {
	hs := newHarness(t, harnessOpts{})
	c := hs.connect()

	hs.hub.handleMessage(c, []byte("not json"))
	hs.do(c, map[string]any{"type": "teleport"})
	hs.edit(c, "x")
	hs.do(c, map[string]any{"type": "ping"})

	msgs := drain(c)
	require.Equal(t, []string{"error", "error", "error", "pong"}, types(msgs))
	assert.Contains(t, msgs[1]["message"], "unknown message type")
	assert.Contains(t, msgs[2]["message"], "Join a room")
	assert.Equal(t, 0, hs.hub.GetRoomCount())
}

func TestWebsocketRoundTrip(t *testing.T) {
	hs := newHarness(t, harnessOpts{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hs.hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hs.hub, w, r)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?room=r1&user_id=alice&username=Alice"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var joined map[string]any
	require.NoError(t, conn.ReadJSON(&joined))
	assert.Equal(t, "room_joined", joined["type"])
	assert.Equal(t, starter, joined["current_code"])

	var list map[string]any
	require.NoError(t, conn.ReadJSON(&list))
	assert.Equal(t, "user_list_update", list["type"])

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	var pong map[string]any
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, "pong", pong["type"])
}
