package ws

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/manpreetbhatti/coderoom/internal/ai"
	"github.com/manpreetbhatti/coderoom/internal/db"
	"github.com/manpreetbhatti/coderoom/internal/metrics"
	"github.com/manpreetbhatti/coderoom/internal/protocol"
	"github.com/manpreetbhatti/coderoom/internal/ratelimit"
	"github.com/manpreetbhatti/coderoom/internal/room"
)

// Persister receives best-effort history writes. Implementations must not
// block the caller.
type Persister interface {
	RecordChange(roomID, userID, changeType, code string)
	RecordJoin(roomID, userID string)
	RecordLeave(roomID, userID string)
	RecordChat(m db.ChatMessage)
}

type nopPersister struct{}

func (nopPersister) RecordChange(string, string, string, string) {}
func (nopPersister) RecordJoin(string, string)                   {}
func (nopPersister) RecordLeave(string, string)                  {}
func (nopPersister) RecordChat(db.ChatMessage)                   {}

type Config struct {
	Persister Persister
	Analyzer  ai.Analyzer
	AITimeout time.Duration

	// Per-connection inbound message budget.
	MessagesPerSecond float64
	MessageBurst      int

	// Upgrade attempts per remote host. Zero disables the check.
	UpgradesPerSecond float64
	UpgradeBurst      int
}

func (c Config) withDefaults() Config {
	if c.Persister == nil {
		c.Persister = nopPersister{}
	}
	if c.Analyzer == nil {
		c.Analyzer = ai.Disabled{}
	}
	if c.AITimeout <= 0 {
		c.AITimeout = 30 * time.Second
	}
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = 100
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = 200
	}
	return c
}

// Hub owns every connection and serializes all room mutations on the Run
// goroutine. Other goroutines reach it only through its channels.
type Hub struct {
	store *room.Store
	cfg   Config
	ctx   context.Context

	// Members by room. Written only by Run, guarded by mu for readers.
	rooms map[string]map[*Client]bool

	// Registered connections, joined or not.
	clients map[*Client]bool

	// Decision deadline per paused room.
	timers map[string]*time.Timer

	// Joins waiting on a room that is still loading.
	loading map[string][]pendingJoin

	// Inbound frames from clients
	inbound chan *Message

	register   chan *Client
	unregister chan *Client

	// Work posted back from timers and AI calls
	events chan func()
	done   chan struct{}

	upgrades *ratelimit.KeyedLimiters
	allowed  []string

	mu sync.RWMutex
}

type Message struct {
	Client *Client
	Data   []byte
}

func NewHub(store *room.Store, cfg Config) *Hub {
	cfg = cfg.withDefaults()
	if store == nil {
		store = room.NewStore(nil, "", room.Options{})
	}

	h := &Hub{
		store:      store,
		cfg:        cfg,
		ctx:        context.Background(),
		rooms:      make(map[string]map[*Client]bool),
		clients:    make(map[*Client]bool),
		timers:     make(map[string]*time.Timer),
		loading:    make(map[string][]pendingJoin),
		inbound:    make(chan *Message),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		events:     make(chan func(), 16),
		done:       make(chan struct{}),
		allowed:    allowedDecisions(cfg.Analyzer),
	}
	if cfg.UpgradesPerSecond > 0 {
		h.upgrades = ratelimit.NewKeyedLimiters(cfg.UpgradesPerSecond, max(cfg.UpgradeBurst, 1))
	}
	return h
}

func allowedDecisions(a ai.Analyzer) []string {
	out := []string{
		string(room.DecisionAccept),
		string(room.DecisionReject),
		string(room.DecisionShareToChat),
	}
	if _, off := a.(ai.Disabled); !off {
		out = append(out, string(room.DecisionAIAnalyze))
	}
	return out
}

// Run processes hub traffic until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	h.ctx = ctx
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil

		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case message := <-h.inbound:
			h.handleMessage(message.Client, message.Data)

		case fn := <-h.events:
			fn()
		}
	}
}

func (h *Hub) shutdown() {
	close(h.done)

	for roomID, t := range h.timers {
		t.Stop()
		delete(h.timers, roomID)
	}

	h.mu.Lock()
	for client := range h.clients {
		client.closeSend()
	}
	clear(h.clients)
	clear(h.rooms)
	h.mu.Unlock()

	if h.upgrades != nil {
		h.upgrades.Stop()
	}
	metrics.ActiveConnections.Set(0)
	metrics.ActiveRooms.Set(0)
	slog.Info("hub stopped")
}

// submit and leave are the client pumps' way in. Both give up once the hub
// has stopped.
func (h *Hub) submit(m *Message) bool {
	select {
	case h.inbound <- m:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) enter(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// post schedules fn on the Run goroutine.
func (h *Hub) post(fn func()) {
	select {
	case h.events <- fn:
	case <-h.done:
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	metrics.ActiveConnections.Inc()
	slog.Debug("client connected", "client_id", c.id, "remote", c.remoteAddr)
}

func (h *Hub) removeClient(c *Client) {
	h.mu.RLock()
	_, ok := h.clients[c]
	h.mu.RUnlock()
	if !ok {
		return
	}

	if c.joined() {
		h.leaveRoom(c)
	}

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.closeSend()
	metrics.ActiveConnections.Dec()
	slog.Debug("client disconnected", "client_id", c.id)
}

// addMember registers c in roomID. Callers have already evicted any previous
// connection for the same user.
func (h *Hub) addMember(roomID string, c *Client) {
	h.mu.Lock()
	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[*Client]bool)
		h.rooms[roomID] = members
	}
	members[c] = true
	count := len(members)
	rooms := len(h.rooms)
	h.mu.Unlock()

	metrics.ActiveRooms.Set(float64(rooms))
	slog.Info("client joined room", "room_id", roomID, "user_id", c.userID, "total", count)
}

// removeMember drops c from its room and reports whether the room is now
// empty.
func (h *Hub) removeMember(roomID string, c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[roomID]
	if !ok {
		return true
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, roomID)
		metrics.ActiveRooms.Set(float64(len(h.rooms)))
		return true
	}
	return false
}

// member finds the live connection for userID in roomID.
func (h *Hub) member(roomID, userID string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[roomID] {
		if c.userID == userID {
			return c
		}
	}
	return nil
}

func (h *Hub) usernameOf(roomID, userID string) string {
	if c := h.member(roomID, userID); c != nil {
		return c.username
	}
	return userID
}

// evict notifies and unregisters a connection superseded by a newer one for
// the same user. The user stays in the room, so nothing is broadcast.
func (h *Hub) evict(c *Client) {
	h.send(c, protocol.ConnectionReplaced{
		Type:    protocol.TypeConnectionReplaced,
		Message: "This session was opened in another window",
	})

	h.mu.Lock()
	if members, ok := h.rooms[c.roomID]; ok {
		delete(members, c)
	}
	_, registered := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	slog.Info("connection replaced", "room_id", c.roomID, "user_id", c.userID, "client_id", c.id)
	c.roomID = ""
	if registered {
		c.closeSend()
		metrics.ActiveConnections.Dec()
	}
}

// send queues v for one connection. Delivery is best-effort; a connection
// whose buffer is full is dropped.
func (h *Hub) send(c *Client, v any) {
	data, err := protocol.Encode(v)
	if err != nil {
		slog.Error("failed to encode message", "error", err)
		return
	}
	h.deliver(c, data)
}

func (h *Hub) deliver(c *Client, data []byte) {
	if !c.enqueue(data) {
		slog.Warn("send buffer full, dropping connection", "client_id", c.id, "room_id", c.roomID)
		c.closeConn()
	}
}

// broadcast queues v for every member of roomID except exclude.
func (h *Hub) broadcast(roomID string, v any, exclude *Client) {
	data, err := protocol.Encode(v)
	if err != nil {
		slog.Error("failed to encode broadcast", "room_id", roomID, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[roomID]))
	for c := range h.rooms[roomID] {
		if c != exclude {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.deliver(c, data)
	}
}

func (h *Hub) sendError(c *Client, msg string) {
	h.send(c, protocol.NewError(msg))
}

// Users lists a room's members ordered by name.
func (h *Hub) Users(roomID string) []protocol.User {
	h.mu.RLock()
	users := make([]protocol.User, 0, len(h.rooms[roomID]))
	for c := range h.rooms[roomID] {
		users = append(users, protocol.User{UserID: c.userID, Username: c.username})
	}
	h.mu.RUnlock()

	sort.Slice(users, func(i, j int) bool {
		if users[i].Username != users[j].Username {
			return users[i].Username < users[j].Username
		}
		return users[i].UserID < users[j].UserID
	})
	return users
}

func (h *Hub) GetRoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetActiveRooms maps each live room to its member count.
func (h *Hub) GetActiveRooms() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]int, len(h.rooms))
	for id, members := range h.rooms {
		out[id] = len(members)
	}
	return out
}

// IsLive reports whether roomID has connected members.
func (h *Hub) IsLive(roomID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID]) > 0
}

// RoomSnapshot returns the in-memory state of a live room.
func (h *Hub) RoomSnapshot(roomID string) (room.Snapshot, bool) {
	rm, ok := h.store.Get(roomID)
	if !ok {
		return room.Snapshot{}, false
	}
	return rm.Snapshot(), true
}
