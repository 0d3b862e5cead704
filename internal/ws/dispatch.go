package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/manpreetbhatti/coderoom/internal/db"
	"github.com/manpreetbhatti/coderoom/internal/metrics"
	"github.com/manpreetbhatti/coderoom/internal/protocol"
	"github.com/manpreetbhatti/coderoom/internal/room"
)

const (
	reasonDecisionTimeout = "decision_timeout"
	reasonMainChangerLeft = "main_changer_left"

	defaultChangeType = "edit"
)

// handleMessage decodes and applies one inbound frame. A panic is contained
// to the frame that caused it. Frames from a replaced or disconnected
// connection are ignored.
func (h *Hub) handleMessage(c *Client, data []byte) {
	if c.closed {
		slog.Debug("dropping frame from closed connection", "client_id", c.id)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic handling message", "client_id", c.id, "room_id", c.roomID, "panic", r)
			if !c.closed {
				h.sendError(c, "Internal error processing message")
			}
		}
	}()

	cmd, err := protocol.Decode(data)
	if err != nil {
		slog.Debug("rejected message", "client_id", c.id, "error", err)
		h.sendError(c, err.Error())
		return
	}

	switch cmd := cmd.(type) {
	case protocol.Ping:
		h.send(c, protocol.Pong{Type: protocol.TypePong})
		return
	case protocol.JoinRoom:
		h.handleJoin(c, cmd)
		return
	}

	if !c.joined() {
		h.sendError(c, "Join a room before sending "+string(cmd.Type()))
		return
	}

	switch cmd := cmd.(type) {
	case protocol.LeaveRoom:
		if cmd.RoomID != "" && cmd.RoomID != c.roomID {
			h.sendError(c, "Not a member of room "+cmd.RoomID)
			return
		}
		h.leaveRoom(c)
	case protocol.CodeChange:
		h.handleCodeChange(c, cmd)
	case protocol.ConflictResolution:
		h.handleResolution(c, cmd)
	case protocol.ChatMessage:
		h.handleChat(c, cmd)
	}
}

type pendingJoin struct {
	c   *Client
	cmd protocol.JoinRoom
}

func (h *Hub) handleJoin(c *Client, cmd protocol.JoinRoom) {
	if cmd.Username == "" {
		cmd.Username = cmd.UserID
	}

	if c.joined() {
		if c.roomID == cmd.RoomID && c.userID == cmd.UserID {
			c.username = cmd.Username
			if rm, ok := h.store.Get(c.roomID); ok {
				h.sendRoomState(c, rm)
			}
			return
		}
		h.leaveRoom(c)
	}

	if rm, ok := h.store.Get(cmd.RoomID); ok {
		c.joining = ""
		h.completeJoin(c, cmd, rm)
		return
	}

	// The room is not live. Load it off the hub goroutine and finish every
	// join queued for it once the code is back.
	c.joining = cmd.RoomID
	waiting, inFlight := h.loading[cmd.RoomID]
	h.loading[cmd.RoomID] = append(waiting, pendingJoin{c: c, cmd: cmd})
	if inFlight {
		return
	}

	roomID := cmd.RoomID
	go func() {
		code := h.store.Load(h.ctx, roomID)
		h.post(func() { h.roomLoaded(roomID, code) })
	}()
}

func (h *Hub) roomLoaded(roomID, code string) {
	waiting := h.loading[roomID]
	delete(h.loading, roomID)

	rm := h.store.Install(roomID, code)
	for _, p := range waiting {
		if p.c.closed || p.c.joining != roomID {
			continue
		}
		p.c.joining = ""
		h.completeJoin(p.c, p.cmd, rm)
	}

	if !h.IsLive(roomID) {
		h.store.Drop(roomID)
	}
}

func (h *Hub) completeJoin(c *Client, cmd protocol.JoinRoom, rm *room.Room) {
	if prev := h.member(cmd.RoomID, cmd.UserID); prev != nil && prev != c {
		h.evict(prev)
	}

	rm.RecordJoin(cmd.UserID)

	c.roomID, c.userID, c.username = cmd.RoomID, cmd.UserID, cmd.Username
	h.addMember(cmd.RoomID, c)

	h.sendRoomState(c, rm)

	users := h.Users(cmd.RoomID)
	h.broadcast(cmd.RoomID, protocol.UserEvent{
		Type:     protocol.TypeUserJoined,
		UserID:   c.userID,
		Username: c.username,
		Users:    users,
	}, c)
	h.broadcast(cmd.RoomID, protocol.UserEvent{Type: protocol.TypeUserListUpdate, Users: users}, nil)

	h.cfg.Persister.RecordJoin(cmd.RoomID, cmd.UserID)
}

// sendRoomState sends the join snapshot and, for a paused room, the pending
// conflict from the recipient's point of view.
func (h *Hub) sendRoomState(c *Client, rm *room.Room) {
	rec, paused := rm.Conflict()
	h.send(c, protocol.RoomJoined{
		Type:        protocol.TypeRoomJoined,
		RoomID:      rm.ID,
		CurrentCode: rm.CurrentCode(),
		Users:       h.Users(rm.ID),
		SyncPaused:  paused,
	})
	if !paused {
		return
	}
	if rec.MainChanger == c.userID {
		h.send(c, h.decisionMessage(rm.ID, rec))
		return
	}
	h.send(c, h.waitingMessage(rm.ID, protocol.TypeConflictWaitingDecision, rec))
}

func (h *Hub) leaveRoom(c *Client) {
	roomID, userID, username := c.roomID, c.userID, c.username
	empty := h.removeMember(roomID, c)
	c.roomID = ""

	slog.Info("client left room", "room_id", roomID, "user_id", userID)
	h.cfg.Persister.RecordLeave(roomID, userID)

	rm, ok := h.store.Get(roomID)
	if !ok {
		return
	}

	if rec, paused := rm.Conflict(); paused && rec.MainChanger == userID {
		if res, ok := rm.Abandon(rec.ID, reasonMainChangerLeft); ok {
			h.finishConflict(roomID, res)
		}
	}
	rm.Forget(userID)

	if empty {
		h.stopTimer(roomID)
		h.store.Drop(roomID)
		slog.Info("room closed (empty)", "room_id", roomID)
		return
	}

	users := h.Users(roomID)
	h.broadcast(roomID, protocol.UserEvent{
		Type:     protocol.TypeUserLeft,
		UserID:   userID,
		Username: username,
		Users:    users,
	}, nil)
	h.broadcast(roomID, protocol.UserEvent{Type: protocol.TypeUserListUpdate, Users: users}, nil)
}

func (h *Hub) handleCodeChange(c *Client, cmd protocol.CodeChange) {
	rm, ok := h.store.Get(c.roomID)
	if !ok {
		h.sendError(c, "Room not found")
		return
	}

	changeType := cmd.ChangeType
	if changeType == "" {
		changeType = defaultChangeType
	}

	out, err := rm.ApplyEdit(c.userID, cmd.Code, changeType)
	if errors.Is(err, room.ErrPaused) {
		metrics.Edits.WithLabelValues("blocked").Inc()
		h.send(c, h.waitingMessage(c.roomID, protocol.TypeEditBlockedWaitingDecision, *out.Conflict))
		return
	}

	if out.Result == room.EditConflicted {
		h.openConflict(c, *out.Conflict)
		return
	}

	metrics.Edits.WithLabelValues("committed").Inc()
	h.broadcast(c.roomID, protocol.CodeChanged{
		Type:       protocol.TypeCodeChanged,
		Code:       cmd.Code,
		ChangeType: changeType,
		Position:   cmd.Position,
		UserID:     c.userID,
		Username:   c.username,
	}, c)
	h.cfg.Persister.RecordChange(c.roomID, c.userID, changeType, cmd.Code)
}

func (h *Hub) openConflict(c *Client, rec room.ConflictRecord) {
	metrics.Edits.WithLabelValues("conflicted").Inc()
	metrics.ConflictsOpened.WithLabelValues(string(rec.Finding.Kind)).Inc()
	slog.Info("conflict detected, room paused",
		"room_id", c.roomID,
		"conflict_id", rec.ID,
		"main_changer", rec.MainChanger,
		"other_changer", rec.OtherChanger,
		"kind", rec.Finding.Kind,
		"severity", rec.Finding.Severity,
	)

	h.send(c, h.decisionMessage(c.roomID, rec))
	h.broadcast(c.roomID, h.waitingMessage(c.roomID, protocol.TypeConflictWaitingDecision, rec), c)
	h.scheduleTimeout(c.roomID, rec)
}

func (h *Hub) decisionMessage(roomID string, rec room.ConflictRecord) protocol.MainChangerDecision {
	msg := protocol.MainChangerDecision{
		Type:             protocol.TypeConflictMainChangerDecision,
		ConflictID:       rec.ID,
		ConflictType:     rec.Finding.Kind,
		Severity:         rec.Finding.Severity,
		YourCode:         rec.MainCode,
		OtherCode:        rec.OtherCode,
		OtherUserID:      rec.OtherChanger,
		OtherUsername:    h.usernameOf(roomID, rec.OtherChanger),
		ConflictData:     rec.Finding,
		AllowedDecisions: h.allowed,
	}
	if !rec.Deadline.IsZero() {
		deadline := rec.Deadline
		msg.Deadline = &deadline
	}
	return msg
}

func (h *Hub) waitingMessage(roomID string, t protocol.MessageType, rec room.ConflictRecord) protocol.WaitingDecision {
	name := h.usernameOf(roomID, rec.MainChanger)
	text := name + " is resolving a conflict. Edits are paused."
	if t == protocol.TypeEditBlockedWaitingDecision {
		text = "Edit not applied. Waiting for " + name + " to resolve the conflict."
	}
	return protocol.WaitingDecision{
		Type:            t,
		ConflictID:      rec.ID,
		MainChangerID:   rec.MainChanger,
		MainChangerName: name,
		MainChangeType:  rec.MainChangeType,
		Message:         text,
	}
}

func (h *Hub) handleResolution(c *Client, cmd protocol.ConflictResolution) {
	rm, ok := h.store.Get(c.roomID)
	if !ok {
		h.sendError(c, "Room not found")
		return
	}

	d := room.Decision(cmd.Resolution)
	res, err := rm.Resolve(c.userID, cmd.ConflictID, d)
	if err != nil {
		slog.Info("conflict resolution refused", "room_id", c.roomID, "user_id", c.userID, "error", err)
		h.sendError(c, resolutionErrorText(err))
		return
	}

	switch d {
	case room.DecisionAccept, room.DecisionReject:
		slog.Info("conflict resolved", "room_id", c.roomID, "conflict_id", res.ConflictID, "resolution", d, "user_id", c.userID)
		h.finishConflict(c.roomID, res)
	case room.DecisionShareToChat:
		h.shareToChat(c, res.Record)
	case room.DecisionAIAnalyze:
		h.analyze(c, res.Record)
	}
}

func resolutionErrorText(err error) string {
	switch {
	case errors.Is(err, room.ErrNotMainChanger):
		return "Only the user whose edit caused the conflict can resolve it"
	case errors.Is(err, room.ErrNoConflict):
		return "There is no conflict to resolve"
	case errors.Is(err, room.ErrConflictMismatch):
		return "That conflict has already been resolved"
	default:
		return err.Error()
	}
}

// finishConflict announces a terminal resolution and records the final code.
func (h *Hub) finishConflict(roomID string, res room.Resolution) {
	h.stopTimer(roomID)

	metrics.ConflictDecisions.WithLabelValues(string(res.Decision), strconv.FormatBool(res.Auto)).Inc()
	metrics.ConflictDuration.Observe(time.Since(res.Record.CreatedAt).Seconds())

	h.broadcast(roomID, protocol.ConflictResolved{
		Type:       protocol.TypeConflictResolved,
		ConflictID: res.ConflictID,
		Resolution: string(res.Decision),
		FinalCode:  res.FinalCode,
		ResolvedBy: res.Issuer,
		Auto:       res.Auto,
		Reason:     res.Reason,
	}, nil)

	changeType := "conflict_" + string(res.Decision)
	userID := res.Issuer
	if res.Auto {
		changeType = "conflict_auto_" + string(res.Decision)
		userID = res.Record.MainChanger
	}
	h.cfg.Persister.RecordChange(roomID, userID, changeType, res.FinalCode)
}

func (h *Hub) shareToChat(c *Client, rec room.ConflictRecord) {
	text := fmt.Sprintf("%s's edit conflicts with %s's version. %s",
		c.username, h.usernameOf(c.roomID, rec.OtherChanger), rec.Finding.Summary())

	metrics.ConflictDecisions.WithLabelValues(string(room.DecisionShareToChat), "false").Inc()
	h.postChat(c.roomID, protocol.ChatBroadcast{
		Type:      protocol.TypeChatMessage,
		Username:  "system",
		Message:   text,
		System:    true,
		Timestamp: time.Now(),
	})
}

// analyze asks the AI backend for a merge suggestion off the hub goroutine
// and reports back to the main changer. The room stays paused either way.
func (h *Hub) analyze(c *Client, rec room.ConflictRecord) {
	metrics.ConflictDecisions.WithLabelValues(string(room.DecisionAIAnalyze), "false").Inc()
	roomID, userID := c.roomID, c.userID

	go func() {
		ctx, cancel := context.WithTimeout(h.ctx, h.cfg.AITimeout)
		defer cancel()

		suggestion, err := h.cfg.Analyzer.Suggest(ctx, rec.MainCode, rec.OtherCode)
		h.post(func() { h.deliverAnalysis(roomID, userID, rec.ID, suggestion, err) })
	}()
}

func (h *Hub) deliverAnalysis(roomID, userID, conflictID, suggestion string, err error) {
	result := protocol.AIAnalysisResult{
		Type:       protocol.TypeAIAnalysisResult,
		ConflictID: conflictID,
		Success:    err == nil,
		Suggestion: suggestion,
	}
	if err != nil {
		metrics.AIRequests.WithLabelValues("error").Inc()
		slog.Warn("ai analysis failed", "room_id", roomID, "conflict_id", conflictID, "error", err)
		result.Suggestion = ""
		result.Error = "AI analysis is unavailable right now. You can still accept or reject."
	} else {
		metrics.AIRequests.WithLabelValues("ok").Inc()
	}

	// The conflict may have been settled while the backend was thinking.
	rm, ok := h.store.Get(roomID)
	if !ok {
		return
	}
	if rec, paused := rm.Conflict(); !paused || rec.ID != conflictID {
		slog.Debug("dropping ai analysis for settled conflict", "room_id", roomID, "conflict_id", conflictID)
		return
	}

	c := h.member(roomID, userID)
	if c == nil {
		return
	}
	h.send(c, result)
}

func (h *Hub) handleChat(c *Client, cmd protocol.ChatMessage) {
	h.postChat(c.roomID, protocol.ChatBroadcast{
		Type:      protocol.TypeChatMessage,
		UserID:    c.userID,
		Username:  c.username,
		Message:   cmd.Message,
		Timestamp: time.Now(),
	})
}

func (h *Hub) postChat(roomID string, msg protocol.ChatBroadcast) {
	h.broadcast(roomID, msg, nil)
	h.cfg.Persister.RecordChat(db.ChatMessage{
		RoomID:   roomID,
		UserID:   msg.UserID,
		Username: msg.Username,
		Message:  msg.Message,
		System:   msg.System,
	})
}

func (h *Hub) scheduleTimeout(roomID string, rec room.ConflictRecord) {
	if rec.Deadline.IsZero() {
		return
	}
	h.stopTimer(roomID)

	conflictID := rec.ID
	h.timers[roomID] = time.AfterFunc(rec.Deadline.Sub(rec.CreatedAt), func() {
		h.post(func() { h.expireConflict(roomID, conflictID) })
	})
}

func (h *Hub) stopTimer(roomID string) {
	if t, ok := h.timers[roomID]; ok {
		t.Stop()
		delete(h.timers, roomID)
	}
}

func (h *Hub) expireConflict(roomID, conflictID string) {
	rm, ok := h.store.Get(roomID)
	if !ok {
		return
	}
	res, ok := rm.Abandon(conflictID, reasonDecisionTimeout)
	if !ok {
		return
	}
	slog.Info("conflict decision timed out, auto-accepting", "room_id", roomID, "conflict_id", conflictID)
	h.finishConflict(roomID, res)
}
