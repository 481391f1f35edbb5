package types

import (
	"time"
)

// Identity is the authenticated caller attached to a realtime connection.
type Identity struct {
	UID string `json:"uid"`
	// Credential is the raw token presented at the handshake. It is forwarded
	// to the group authority so that it can apply its own authorization.
	Credential Credential `json:"-"`
}

// CredentialSource records where a token was found during the handshake.
type CredentialSource string

const (
	SourceCookie    CredentialSource = "cookie"
	SourceHeader    CredentialSource = "header"
	SourceHandshake CredentialSource = "handshake"
)

type Credential struct {
	Token      string
	Source     CredentialSource
	CookieName string
}

func (c Credential) Empty() bool {
	return c.Token == ""
}

type Group struct {
	Id   string `json:"id"`
	Name string `json:"name"`
}

type Membership struct {
	IsMember bool    `json:"isMember"`
	Role     *string `json:"role"`
}

// PresenceStatus is the value broadcast in presence:update events.
type PresenceStatus string

const (
	StatusOnline   PresenceStatus = "online"
	StatusOffline  PresenceStatus = "offline"
	StatusStudying PresenceStatus = "studying"
	StatusIdle     PresenceStatus = "idle"
)

type PresenceUpdate struct {
	UID       string         `json:"uid"`
	Status    PresenceStatus `json:"status"`
	SubjectId string         `json:"subjectId,omitempty"`
	StartedAt *time.Time     `json:"startedAt,omitempty"`
}
