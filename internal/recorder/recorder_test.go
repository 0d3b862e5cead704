package recorder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/coderoom/internal/db"
)

type fakeStore struct {
	mu      sync.Mutex
	code    map[string]string
	changes []string
	events  []string
	chats   []string
	failOn  Op
}

func (f *fakeStore) RecordChange(ctx context.Context, roomID, userID, changeType, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn == OpChange {
		return errors.New("disk full")
	}
	f.changes = append(f.changes, roomID+":"+code)
	if f.code == nil {
		f.code = make(map[string]string)
	}
	f.code[roomID] = code
	return nil
}

func (f *fakeStore) LoadCode(ctx context.Context, roomID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn == OpLoad {
		return "", false, errors.New("disk gone")
	}
	code, ok := f.code[roomID]
	return code, ok, nil
}

func (f *fakeStore) RecordEvent(ctx context.Context, roomID, userID, event string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event+":"+userID)
	return nil
}

func (f *fakeStore) SaveChatMessage(ctx context.Context, m db.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats = append(f.chats, m.Message)
	return nil
}

type resultLog struct {
	mu      sync.Mutex
	results []Result
}

func (l *resultLog) add(r Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, r)
}

func (l *resultLog) all() []Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Result(nil), l.results...)
}

func TestRecorder_AppliesJobsInOrder(t *testing.T) {
	store := &fakeStore{}
	log := &resultLog{}
	rec := New(store, 16, log.add)

	rec.RecordJoin("r1", "u1")
	rec.RecordChange("r1", "u1", "typing", "a")
	rec.RecordChange("r1", "u1", "typing", "b")
	rec.RecordChat(db.ChatMessage{RoomID: "r1", Message: "hi"})
	rec.RecordLeave("r1", "u1")
	rec.Close()

	require.NoError(t, rec.Run(context.Background()))

	assert.Equal(t, []string{"r1:a", "r1:b"}, store.changes)
	assert.Equal(t, []string{"join:u1", "leave:u1"}, store.events)
	assert.Equal(t, []string{"hi"}, store.chats)

	got := log.all()
	require.Len(t, got, 5)
	for _, r := range got {
		assert.True(t, r.OK())
	}
}

func TestRecorder_FailuresAreReportedNotRaised(t *testing.T) {
	store := &fakeStore{failOn: OpChange}
	log := &resultLog{}
	rec := New(store, 4, log.add)

	rec.RecordChange("r1", "u1", "typing", "a")
	rec.Close()
	require.NoError(t, rec.Run(context.Background()))

	got := log.all()
	require.Len(t, got, 1)
	assert.Equal(t, OpChange, got[0].Op)
	assert.Equal(t, "r1", got[0].RoomID)
	assert.Error(t, got[0].Err)
}

func TestRecorder_DropsWhenFullOrClosed(t *testing.T) {
	store := &fakeStore{}
	rec := New(store, 1, nil)

	rec.RecordChange("r1", "u1", "typing", "kept")
	rec.RecordChange("r1", "u1", "typing", "dropped")
	rec.Close()
	rec.RecordChange("r1", "u1", "typing", "after close")

	require.NoError(t, rec.Run(context.Background()))
	assert.Equal(t, []string{"r1:kept"}, store.changes)
}

func TestRecorder_StopsOnContextCancel(t *testing.T) {
	store := &fakeStore{}
	rec := New(store, 8, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go rec.Run(ctx)

	rec.RecordChange("r1", "u1", "typing", "a")
	cancel()

	select {
	case <-rec.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("recorder did not stop")
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, []string{"r1:a"}, store.changes)
}

type loadResult struct {
	code string
	ok   bool
	err  error
}

func loadAsync(rec *Recorder, ctx context.Context, roomID string) <-chan loadResult {
	out := make(chan loadResult, 1)
	go func() {
		code, ok, err := rec.LoadCode(ctx, roomID)
		out <- loadResult{code, ok, err}
	}()
	return out
}

func TestRecorder_LoadWaitsForQueuedWrites(t *testing.T) {
	store := &fakeStore{}
	rec := New(store, 8, nil)

	rec.RecordChange("r1", "u1", "edit", "latest work")
	got := loadAsync(rec, context.Background(), "r1")

	select {
	case r := <-got:
		t.Fatalf("load returned before the queued write was applied: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rec.Run(ctx)

	select {
	case r := <-got:
		require.NoError(t, r.err)
		assert.True(t, r.ok)
		assert.Equal(t, "latest work", r.code)
	case <-time.After(2 * time.Second):
		t.Fatal("load never completed")
	}
}

func TestRecorder_LoadReportsFailure(t *testing.T) {
	store := &fakeStore{failOn: OpLoad}
	log := &resultLog{}
	rec := New(store, 8, log.add)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rec.Run(ctx)

	_, ok, err := rec.LoadCode(context.Background(), "r1")
	assert.Error(t, err)
	assert.False(t, ok)

	got := log.all()
	require.Len(t, got, 1)
	assert.Equal(t, OpLoad, got[0].Op)
}

func TestRecorder_LoadGivesUpWithContext(t *testing.T) {
	store := &fakeStore{}
	rec := New(store, 1, nil)
	rec.RecordChange("r1", "u1", "edit", "fills the queue")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := rec.LoadCode(ctx, "r1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRecorder_LoadAfterCloseReadsStore(t *testing.T) {
	store := &fakeStore{code: map[string]string{"r1": "saved"}}
	rec := New(store, 4, nil)
	rec.Close()

	code, ok, err := rec.LoadCode(context.Background(), "r1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "saved", code)
}
