// Package protocol defines the JSON messages exchanged with room clients.
//
// Every message is a flat JSON object with a "type" discriminator. Inbound
// messages decode to one of the Command types; outbound messages are the
// event structs below, each carrying its own type tag.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/manpreetbhatti/coderoom/internal/conflict"
)

// Represents the type of a room message
type MessageType string

// Inbound
const (
	TypeJoinRoom           MessageType = "join_room"
	TypeLeaveRoom          MessageType = "leave_room"
	TypeCodeChange         MessageType = "code_change"
	TypeConflictResolution MessageType = "conflict_resolution"
	TypeChatMessage        MessageType = "chat_message"
	TypePing               MessageType = "ping"
)

// Outbound
const (
	TypeRoomJoined                  MessageType = "room_joined"
	TypeUserJoined                  MessageType = "user_joined"
	TypeUserLeft                    MessageType = "user_left"
	TypeUserListUpdate              MessageType = "user_list_update"
	TypeConnectionReplaced          MessageType = "connection_replaced"
	TypeCodeChanged                 MessageType = "code_changed"
	TypeConflictMainChangerDecision MessageType = "conflict_main_changer_decision"
	TypeConflictWaitingDecision     MessageType = "conflict_waiting_decision"
	TypeEditBlockedWaitingDecision  MessageType = "edit_blocked_waiting_decision"
	TypeConflictResolved            MessageType = "conflict_resolved"
	TypeAIAnalysisResult            MessageType = "ai_analysis_result"
	TypeError                       MessageType = "error"
	TypePong                        MessageType = "pong"
)

var (
	ErrUnknownType    = errors.New("unknown message type")
	ErrInvalidMessage = errors.New("invalid message")
)

// Command is a decoded inbound message.
type Command interface {
	Type() MessageType
}

type JoinRoom struct {
	RoomID   string `json:"room_id" validate:"required,max=128"`
	UserID   string `json:"user_id" validate:"required,max=128"`
	Username string `json:"username" validate:"max=64"`
}

type LeaveRoom struct {
	RoomID string `json:"room_id" validate:"max=128"`
}

type CodeChange struct {
	Code       string          `json:"code" validate:"max=524288"`
	ChangeType string          `json:"change_type" validate:"max=32"`
	Position   json.RawMessage `json:"position,omitempty"`
}

type ConflictResolution struct {
	ConflictID string `json:"conflict_id" validate:"max=64"`
	Resolution string `json:"resolution" validate:"required,oneof=accept reject share_to_chat ai_analyze"`
	YourCode   string `json:"your_code,omitempty"`
	OtherCode  string `json:"other_code,omitempty"`
}

type ChatMessage struct {
	Message string `json:"message" validate:"required,max=4000"`
}

type Ping struct{}

func (JoinRoom) Type() MessageType           { return TypeJoinRoom }
func (LeaveRoom) Type() MessageType          { return TypeLeaveRoom }
func (CodeChange) Type() MessageType         { return TypeCodeChange }
func (ConflictResolution) Type() MessageType { return TypeConflictResolution }
func (ChatMessage) Type() MessageType        { return TypeChatMessage }
func (Ping) Type() MessageType               { return TypePing }

var validate = validator.New(validator.WithRequiredStructEnabled())

// Decode parses one inbound frame into its Command.
func Decode(data []byte) (Command, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	var cmd Command
	var err error
	switch head.Type {
	case TypeJoinRoom:
		cmd, err = decodeInto[JoinRoom](data)
	case TypeLeaveRoom:
		cmd, err = decodeInto[LeaveRoom](data)
	case TypeCodeChange:
		cmd, err = decodeInto[CodeChange](data)
	case TypeConflictResolution:
		cmd, err = decodeInto[ConflictResolution](data)
	case TypeChatMessage:
		cmd, err = decodeInto[ChatMessage](data)
	case TypePing:
		cmd = Ping{}
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
	if err != nil {
		return nil, err
	}
	return cmd, nil
}

func decodeInto[T Command](data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := validate.Struct(v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return v, nil
}

// Encode serializes an outbound event.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Outbound events

type User struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

type RoomJoined struct {
	Type        MessageType `json:"type"`
	RoomID      string      `json:"room_id"`
	CurrentCode string      `json:"current_code"`
	Users       []User      `json:"users"`
	SyncPaused  bool        `json:"sync_paused"`
}

// UserEvent covers user_joined, user_left and user_list_update.
type UserEvent struct {
	Type     MessageType `json:"type"`
	UserID   string      `json:"user_id,omitempty"`
	Username string      `json:"username,omitempty"`
	Users    []User      `json:"users"`
}

type ConnectionReplaced struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type CodeChanged struct {
	Type       MessageType     `json:"type"`
	Code       string          `json:"code"`
	ChangeType string          `json:"change_type"`
	Position   json.RawMessage `json:"position,omitempty"`
	UserID     string          `json:"user_id"`
	Username   string          `json:"username"`
}

type MainChangerDecision struct {
	Type             MessageType       `json:"type"`
	ConflictID       string            `json:"conflict_id"`
	ConflictType     conflict.Kind     `json:"conflict_type"`
	Severity         conflict.Severity `json:"severity"`
	YourCode         string            `json:"your_code"`
	OtherCode        string            `json:"other_code"`
	OtherUserID      string            `json:"other_user_id"`
	OtherUsername    string            `json:"other_username"`
	ConflictData     *conflict.Finding `json:"conflict_data"`
	AllowedDecisions []string          `json:"allowed_decisions"`
	Deadline         *time.Time        `json:"deadline,omitempty"`
}

// WaitingDecision covers conflict_waiting_decision and
// edit_blocked_waiting_decision.
type WaitingDecision struct {
	Type            MessageType `json:"type"`
	ConflictID      string      `json:"conflict_id"`
	MainChangerID   string      `json:"main_changer_id"`
	MainChangerName string      `json:"main_changer_name"`
	MainChangeType  string      `json:"main_change_type"`
	Message         string      `json:"message"`
}

type ConflictResolved struct {
	Type       MessageType `json:"type"`
	ConflictID string      `json:"conflict_id"`
	Resolution string      `json:"resolution"`
	FinalCode  string      `json:"final_code"`
	ResolvedBy string      `json:"resolved_by,omitempty"`
	Auto       bool        `json:"auto,omitempty"`
	Reason     string      `json:"reason,omitempty"`
}

type ChatBroadcast struct {
	Type      MessageType `json:"type"`
	UserID    string      `json:"user_id,omitempty"`
	Username  string      `json:"username"`
	Message   string      `json:"message"`
	System    bool        `json:"system"`
	Timestamp time.Time   `json:"timestamp"`
}

type AIAnalysisResult struct {
	Type       MessageType `json:"type"`
	ConflictID string      `json:"conflict_id"`
	Success    bool        `json:"success"`
	Suggestion string      `json:"suggestion,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type Error struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type Pong struct {
	Type MessageType `json:"type"`
}

func NewError(msg string) Error {
	return Error{Type: TypeError, Message: msg}
}
