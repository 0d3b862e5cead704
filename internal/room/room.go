package room

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/manpreetbhatti/coderoom/internal/conflict"
)

var (
	ErrPaused           = errors.New("room is paused waiting for a conflict decision")
	ErrNoConflict       = errors.New("no conflict is pending")
	ErrNotMainChanger   = errors.New("only the main changer may resolve this conflict")
	ErrConflictMismatch = errors.New("conflict id does not match the pending conflict")
	ErrUnknownDecision  = errors.New("unknown conflict decision")
)

// Phase of a room's sync state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePendingDecision
)

func (p Phase) String() string {
	if p == PhasePendingDecision {
		return "pending_decision"
	}
	return "idle"
}

// Decision is a main changer's answer to a pending conflict.
type Decision string

const (
	DecisionAccept      Decision = "accept"
	DecisionReject      Decision = "reject"
	DecisionShareToChat Decision = "share_to_chat"
	DecisionAIAnalyze   Decision = "ai_analyze"
)

// Terminal reports whether the decision ends the pause.
func (d Decision) Terminal() bool {
	return d == DecisionAccept || d == DecisionReject
}

// UserVersion is the last code a user submitted to the room.
type UserVersion struct {
	Code        string
	SubmittedAt time.Time
	ChangeType  string
}

// ConflictRecord describes the disputed edit while a room is paused. Both
// buffers are captured at detection time so the outcome never depends on
// either user still being present.
type ConflictRecord struct {
	ID             string
	Finding        *conflict.Finding
	MainChanger    string
	OtherChanger   string
	MainChangeType string
	BaseCode       string
	MainCode       string
	OtherCode      string
	CreatedAt      time.Time
	Deadline       time.Time
}

// EditResult says what happened to a submitted edit.
type EditResult int

const (
	EditCommitted EditResult = iota
	EditConflicted
	EditBlocked
)

type EditOutcome struct {
	Result   EditResult
	Conflict *ConflictRecord
}

// Resolution is the outcome of a decision. FinalCode is only meaningful when
// Decision is terminal.
type Resolution struct {
	ConflictID string
	Decision   Decision
	Issuer     string
	FinalCode  string
	Record     ConflictRecord
	Auto       bool
	Reason     string
}

// Options tune a room's conflict policy.
type Options struct {
	// Edits within GracePeriod of a user's join skip conflict detection.
	GracePeriod time.Duration
	// Zero disables the decision deadline.
	DecisionTimeout time.Duration

	Now   func() time.Time
	NewID func() string
}

func (o Options) withDefaults() Options {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}

// A collaborative code room: canonical code, per-user versions and the
// conflict state machine. pending is non-nil exactly when the room is paused.
type Room struct {
	ID string

	mu        sync.RWMutex
	code      string
	versions  map[string]UserVersion
	joinTimes map[string]time.Time
	pending   *ConflictRecord
	opts      Options
}

// Creates a new room with the given ID and canonical code
func NewRoom(id, code string, opts Options) *Room {
	return &Room{
		ID:        id,
		code:      code,
		versions:  make(map[string]UserVersion),
		joinTimes: make(map[string]time.Time),
		opts:      opts.withDefaults(),
	}
}

func (r *Room) CurrentCode() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.code
}

func (r *Room) Phase() Phase {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.pending != nil {
		return PhasePendingDecision
	}
	return PhaseIdle
}

func (r *Room) Paused() bool {
	return r.Phase() == PhasePendingDecision
}

// Conflict returns a copy of the pending conflict, if any.
func (r *Room) Conflict() (ConflictRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.pending == nil {
		return ConflictRecord{}, false
	}
	return *r.pending, true
}

// Version returns the last code submitted by userID.
func (r *Room) Version(userID string) (UserVersion, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.versions[userID]
	return v, ok
}

// Stamps the user's join time, opening their grace window
func (r *Room) RecordJoin(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joinTimes[userID] = r.opts.Now()
}

// Forget drops everything the room knows about a departed user except the
// canonical code they may have contributed to.
func (r *Room) Forget(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.versions, userID)
	delete(r.joinTimes, userID)
}

func (r *Room) IsFirstEdit(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.versions[userID]
	return !ok
}

func (r *Room) inGraceLocked(userID string) bool {
	joined, ok := r.joinTimes[userID]
	if !ok {
		return false
	}
	return r.opts.Now().Sub(joined) < r.opts.GracePeriod
}

// Commit accepts code as canonical without any conflict check.
func (r *Room) Commit(userID, code, changeType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commitLocked(userID, code, changeType)
}

func (r *Room) commitLocked(userID, code, changeType string) {
	r.versions[userID] = UserVersion{Code: code, SubmittedAt: r.opts.Now(), ChangeType: changeType}
	r.code = code
}

// ApplyEdit runs an edit through the state machine. A paused room blocks
// every edit; otherwise the edit is either committed or opens a conflict
// with the most recent compatible peer, leaving the canonical code untouched.
func (r *Room) ApplyEdit(userID, code, changeType string) (EditOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending != nil {
		rec := *r.pending
		return EditOutcome{Result: EditBlocked, Conflict: &rec}, ErrPaused
	}

	_, seen := r.versions[userID]
	if !seen || r.inGraceLocked(userID) {
		r.commitLocked(userID, code, changeType)
		return EditOutcome{Result: EditCommitted}, nil
	}

	for _, peer := range r.peersLocked(userID) {
		if r.inGraceLocked(peer) {
			continue
		}
		other := r.versions[peer]
		finding := conflict.Detect(r.code, other.Code, code, changeType)
		if finding == nil {
			continue
		}

		now := r.opts.Now()
		rec := &ConflictRecord{
			ID:             r.opts.NewID(),
			Finding:        finding,
			MainChanger:    userID,
			OtherChanger:   peer,
			MainChangeType: changeType,
			BaseCode:       r.code,
			MainCode:       code,
			OtherCode:      other.Code,
			CreatedAt:      now,
		}
		if r.opts.DecisionTimeout > 0 {
			rec.Deadline = now.Add(r.opts.DecisionTimeout)
		}
		r.versions[userID] = UserVersion{Code: code, SubmittedAt: now, ChangeType: changeType}
		r.pending = rec

		out := *rec
		return EditOutcome{Result: EditConflicted, Conflict: &out}, nil
	}

	r.commitLocked(userID, code, changeType)
	return EditOutcome{Result: EditCommitted}, nil
}

// peersLocked lists users other than userID with a stored version, most
// recent submission first.
func (r *Room) peersLocked(userID string) []string {
	peers := make([]string, 0, len(r.versions))
	for id := range r.versions {
		if id != userID {
			peers = append(peers, id)
		}
	}
	sort.Slice(peers, func(i, j int) bool {
		vi, vj := r.versions[peers[i]], r.versions[peers[j]]
		if !vi.SubmittedAt.Equal(vj.SubmittedAt) {
			return vi.SubmittedAt.After(vj.SubmittedAt)
		}
		return peers[i] < peers[j]
	})
	return peers
}

// Resolve applies the main changer's decision. An empty conflictID matches
// whatever conflict is pending.
func (r *Room) Resolve(userID, conflictID string, d Decision) (Resolution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending == nil {
		return Resolution{}, ErrNoConflict
	}
	if r.pending.MainChanger != userID {
		return Resolution{}, ErrNotMainChanger
	}
	if conflictID != "" && conflictID != r.pending.ID {
		return Resolution{}, ErrConflictMismatch
	}

	switch d {
	case DecisionAccept, DecisionReject:
		return r.finishLocked(userID, d, false, ""), nil
	case DecisionShareToChat, DecisionAIAnalyze:
		return Resolution{
			ConflictID: r.pending.ID,
			Decision:   d,
			Issuer:     userID,
			Record:     *r.pending,
		}, nil
	default:
		return Resolution{}, ErrUnknownDecision
	}
}

// Abandon auto-accepts the pending conflict, keeping the other changer's
// version. conflictID guards against a stale timer firing for a conflict
// that has already been settled; empty matches any. It reports false when
// nothing was pending.
func (r *Room) Abandon(conflictID, reason string) (Resolution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending == nil || (conflictID != "" && conflictID != r.pending.ID) {
		return Resolution{}, false
	}
	return r.finishLocked("", DecisionAccept, true, reason), true
}

func (r *Room) finishLocked(issuer string, d Decision, auto bool, reason string) Resolution {
	rec := *r.pending

	final := rec.OtherCode
	if d == DecisionReject {
		final = rec.MainCode
	}

	now := r.opts.Now()
	r.code = final
	r.versions[rec.MainChanger] = UserVersion{Code: final, SubmittedAt: now, ChangeType: "conflict_" + string(d)}
	if v, ok := r.versions[rec.OtherChanger]; ok {
		v.Code = final
		r.versions[rec.OtherChanger] = v
	}
	r.pending = nil

	return Resolution{
		ConflictID: rec.ID,
		Decision:   d,
		Issuer:     issuer,
		FinalCode:  final,
		Record:     rec,
		Auto:       auto,
		Reason:     reason,
	}
}

// Snapshot is a read-only view of a room for status endpoints.
type Snapshot struct {
	ID           string `json:"id"`
	CodeLength   int    `json:"code_length"`
	Phase        string `json:"phase"`
	ConflictID   string `json:"conflict_id,omitempty"`
	MainChanger  string `json:"main_changer,omitempty"`
	OtherChanger string `json:"other_changer,omitempty"`
	Versions     int    `json:"versions"`
}

func (r *Room) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Snapshot{
		ID:         r.ID,
		CodeLength: len(r.code),
		Phase:      PhaseIdle.String(),
		Versions:   len(r.versions),
	}
	if r.pending != nil {
		s.Phase = PhasePendingDecision.String()
		s.ConflictID = r.pending.ID
		s.MainChanger = r.pending.MainChanger
		s.OtherChanger = r.pending.OtherChanger
	}
	return s
}
