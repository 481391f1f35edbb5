package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	ErrUnknownEvent = errors.New("unknown event")
	ErrInvalidEvent = errors.New("invalid event payload")
)

const (
	SubjectMemberRemoved = "group.member.removed"
	SubjectGroupDeleted  = "group.deleted"

	// SubjectAll matches every membership event published by the Group service.
	SubjectAll = "group.>"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindMemberRemoved
	KindGroupDeleted
)

func (k Kind) String() string {
	switch k {
	case KindMemberRemoved:
		return "member_removed"
	case KindGroupDeleted:
		return "group_deleted"
	default:
		return "unknown"
	}
}

// Subject returns the routing key events of kind k are published on.
func (k Kind) Subject() string {
	switch k {
	case KindMemberRemoved:
		return SubjectMemberRemoved
	case KindGroupDeleted:
		return SubjectGroupDeleted
	default:
		return ""
	}
}

type MemberRemoved struct {
	GroupID   string    `json:"groupId"`
	UID       string    `json:"uid"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

type GroupDeleted struct {
	GroupID   string    `json:"groupId"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// Event is a decoded membership event. Exactly one of the payload fields is
// set, matching Kind.
type Event struct {
	Kind          Kind
	MemberRemoved *MemberRemoved
	GroupDeleted  *GroupDeleted
}

func (e Event) GroupID() string {
	switch e.Kind {
	case KindMemberRemoved:
		return e.MemberRemoved.GroupID
	case KindGroupDeleted:
		return e.GroupDeleted.GroupID
	}
	return ""
}

// payload is the wire body shared by all membership events. Producers have
// used both "uid" and "userId", as a string or a number.
type payload struct {
	GroupID   string          `json:"groupId"`
	UID       json.RawMessage `json:"uid"`
	UserID    json.RawMessage `json:"userId"`
	Timestamp *time.Time      `json:"timestamp"`
	Reason    string          `json:"reason"`
}

// Decode turns a routing key and body into a typed event. Unknown routing keys
// return a KindUnknown event together with ErrUnknownEvent.
func Decode(subject string, data []byte) (Event, error) {
	switch subject {
	case SubjectMemberRemoved, SubjectGroupDeleted:
	default:
		return Event{Kind: KindUnknown}, fmt.Errorf("%w: %q", ErrUnknownEvent, subject)
	}

	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Event{Kind: KindUnknown}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if p.GroupID == "" {
		return Event{Kind: KindUnknown}, fmt.Errorf("%w: missing groupId", ErrInvalidEvent)
	}

	var ts time.Time
	if p.Timestamp != nil {
		ts = *p.Timestamp
	}

	if subject == SubjectGroupDeleted {
		return Event{
			Kind:         KindGroupDeleted,
			GroupDeleted: &GroupDeleted{GroupID: p.GroupID, Timestamp: ts, Reason: p.Reason},
		}, nil
	}

	uid, err := decodeUID(p.UID)
	if err == nil && uid == "" {
		uid, err = decodeUID(p.UserID)
	}
	if err != nil {
		return Event{Kind: KindUnknown}, err
	}
	if uid == "" {
		return Event{Kind: KindUnknown}, fmt.Errorf("%w: missing uid", ErrInvalidEvent)
	}

	return Event{
		Kind:          KindMemberRemoved,
		MemberRemoved: &MemberRemoved{GroupID: p.GroupID, UID: uid, Timestamp: ts, Reason: p.Reason},
	}, nil
}

func decodeUID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("%w: uid must be a string or number", ErrInvalidEvent)
	}
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10), nil
	}
	return n.String(), nil
}
