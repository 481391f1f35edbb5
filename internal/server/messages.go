package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/npezzotti/studyhub-realtime/internal/types"
)

// Client to server events.
const (
	EventRoomJoin          = "room:join"
	EventRoomLeave         = "room:leave"
	EventActivityStart     = "activity:start"
	EventActivityHeartbeat = "activity:heartbeat"
	EventActivityStop      = "activity:stop"
	EventPresenceCheck     = "presence:check"
)

// Server to client events.
const (
	EventRoomJoined     = "room:joined"
	EventRoomLeft       = "room:left"
	EventRoomRevoked    = "room:revoked"
	EventRoomDeleted    = "room:deleted"
	EventPresenceUpdate = "presence:update"
	EventError          = "error"
)

// Error codes carried by error events.
const (
	CodeNotMember           = "NOT_MEMBER"
	CodeGroupIdRequired     = "GROUP_ID_REQUIRED"
	CodeNoAuthCookie        = "NO_AUTH_COOKIE"
	CodeJoinFailed          = "JOIN_FAILED"
	CodeInvalidMessage      = "INVALID_MESSAGE"
	CodeUnknownEvent        = "UNKNOWN_EVENT"
	CodeNotInRoom           = "NOT_IN_ROOM"
	CodePresenceUnavailable = "PRESENCE_UNAVAILABLE"
	CodeServiceUnavailable  = "SERVICE_UNAVAILABLE"
)

const maxPresenceCheck = 200

var errUnknownEvent = errors.New("unknown event")

// ClientMessage is the envelope of every frame sent by a client.
type ClientMessage struct {
	Id    int             `json:"id,omitempty"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type RoomRequest struct {
	GroupId string `json:"groupId"`
}

type ActivityStart struct {
	SubjectId string `json:"subjectId,omitempty"`
}

type PresenceCheck struct {
	Uids []string `json:"uids"`
}

// Request is a decoded client message. Exactly one payload field is set,
// except for events without a payload.
type Request struct {
	Id            int
	Event         string
	Join          *RoomRequest
	Leave         *RoomRequest
	ActivityStart *ActivityStart
	PresenceCheck *PresenceCheck
}

// DecodeRequest parses a raw frame into a typed request.
func DecodeRequest(raw []byte) (*Request, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}

	req := &Request{Id: msg.Id, Event: msg.Event}
	switch msg.Event {
	case EventRoomJoin:
		req.Join = &RoomRequest{}
		return req, decodeData(msg.Data, req.Join)
	case EventRoomLeave:
		req.Leave = &RoomRequest{}
		return req, decodeData(msg.Data, req.Leave)
	case EventActivityStart:
		req.ActivityStart = &ActivityStart{}
		return req, decodeData(msg.Data, req.ActivityStart)
	case EventActivityHeartbeat, EventActivityStop:
		return req, nil
	case EventPresenceCheck:
		req.PresenceCheck = &PresenceCheck{}
		if err := decodeData(msg.Data, req.PresenceCheck); err != nil {
			return req, err
		}
		if len(req.PresenceCheck.Uids) > maxPresenceCheck {
			return req, fmt.Errorf("at most %d uids per presence check", maxPresenceCheck)
		}
		return req, nil
	default:
		return req, fmt.Errorf("%w %q", errUnknownEvent, msg.Event)
	}
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}

type ServerMessage struct {
	Id        int       `json:"id,omitempty"`
	Event     string    `json:"event"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	// SkipClient is not sent; broadcasts leave this client out.
	SkipClient *Client `json:"-"`
}

type RoomEvent struct {
	GroupId string `json:"groupId"`
	Reason  string `json:"reason,omitempty"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func newMessage(id int, event string, data any) *ServerMessage {
	return &ServerMessage{
		Id:        id,
		Event:     event,
		Data:      data,
		Timestamp: Now(),
	}
}

func RoomJoined(id int, groupId string) *ServerMessage {
	return newMessage(id, EventRoomJoined, RoomEvent{GroupId: groupId})
}

func RoomLeft(id int, groupId string) *ServerMessage {
	return newMessage(id, EventRoomLeft, RoomEvent{GroupId: groupId})
}

func RoomRevoked(groupId, reason string) *ServerMessage {
	return newMessage(0, EventRoomRevoked, RoomEvent{GroupId: groupId, Reason: reason})
}

func RoomDeleted(groupId, reason string) *ServerMessage {
	return newMessage(0, EventRoomDeleted, RoomEvent{GroupId: groupId, Reason: reason})
}

func PresenceUpdate(id int, update types.PresenceUpdate) *ServerMessage {
	return newMessage(id, EventPresenceUpdate, update)
}

func ErrorMessage(id int, code, message string) *ServerMessage {
	return newMessage(id, EventError, ErrorData{Code: code, Message: message})
}

func ErrNotMember(id int) *ServerMessage {
	return ErrorMessage(id, CodeNotMember, "not a member of this group")
}

func ErrGroupIdRequired(id int) *ServerMessage {
	return ErrorMessage(id, CodeGroupIdRequired, "groupId is required")
}

func ErrNoAuthCookie(id int) *ServerMessage {
	return ErrorMessage(id, CodeNoAuthCookie, "no session credential to check membership with")
}

func ErrJoinFailed(id int) *ServerMessage {
	return ErrorMessage(id, CodeJoinFailed, "membership check failed, try again")
}

func ErrInvalidMessage(id int) *ServerMessage {
	return ErrorMessage(id, CodeInvalidMessage, "invalid message format")
}

func ErrUnknownEvent(id int, event string) *ServerMessage {
	return ErrorMessage(id, CodeUnknownEvent, fmt.Sprintf("unknown event %q", event))
}

func ErrNotInRoom(id int) *ServerMessage {
	return ErrorMessage(id, CodeNotInRoom, "not in room")
}

func ErrPresenceUnavailable(id int) *ServerMessage {
	return ErrorMessage(id, CodePresenceUnavailable, "presence is temporarily unavailable")
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return ErrorMessage(id, CodeServiceUnavailable, "service unavailable")
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}

// presenceFromMeta picks the status shown for a user: studying beats online,
// online beats offline.
func presenceFromMeta(uid string, online, studying bool, startedAt time.Time, subjectId string) types.PresenceUpdate {
	switch {
	case studying:
		started := startedAt
		return types.PresenceUpdate{UID: uid, Status: types.StatusStudying, SubjectId: subjectId, StartedAt: &started}
	case online:
		return types.PresenceUpdate{UID: uid, Status: types.StatusOnline}
	default:
		return types.PresenceUpdate{UID: uid, Status: types.StatusOffline}
	}
}
