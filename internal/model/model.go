// Package model holds the endpoint and message types shared by the link
// transport, the group-chat gateway, the router and the hub.
package model

import (
	"fmt"
	"time"
)

type Role int

const (
	RoleMain Role = iota
	RoleSubordinate
)

func (r Role) String() string {
	switch r {
	case RoleMain:
		return "main"
	case RoleSubordinate:
		return "subordinate"
	default:
		return "unknown"
	}
}

// LinkState only moves Disconnected -> Connecting -> Authenticated -> Disconnected.
type LinkState int32

const (
	LinkDisconnected LinkState = iota
	LinkConnecting
	LinkAuthenticated
)

func (s LinkState) String() string {
	switch s {
	case LinkDisconnected:
		return "disconnected"
	case LinkConnecting:
		return "connecting"
	case LinkAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// ServerNode is one game-server process in the federation.
type ServerNode struct {
	Name      string    `json:"name"`
	Role      Role      `json:"role"`
	LinkState LinkState `json:"linkState"`
}

// GroupTarget is a chat group the hub relays into. The set is fixed at startup.
type GroupTarget struct {
	GroupID int64 `json:"groupId"`
	Active  bool  `json:"active"`
}

type Kind string

const (
	KindChat        Kind = "chat"
	KindJoin        Kind = "join"
	KindLeave       Kind = "leave"
	KindDeath       Kind = "death"
	KindAdvancement Kind = "advancement"
)

// IsLifecycle reports whether k is rendered with the event templates.
func (k Kind) IsLifecycle() bool {
	switch k {
	case KindJoin, KindLeave, KindDeath, KindAdvancement:
		return true
	default:
		return false
	}
}

func (k Kind) Valid() bool {
	return k == KindChat || k.IsLifecycle()
}

type OriginKind string

const (
	OriginServer OriginKind = "server"
	OriginGroup  OriginKind = "group"
)

func (o OriginKind) Valid() bool {
	return o == OriginServer || o == OriginGroup
}

// MessageEvent is a normalized chat or lifecycle event. It is created where
// the underlying game or group event is observed and never mutated after.
type MessageEvent struct {
	Kind       Kind       `json:"kind"`
	OriginKind OriginKind `json:"originKind"`
	OriginID   string     `json:"originId"`
	Author     string     `json:"author,omitempty"`
	RawText    string     `json:"rawText"`
	Timestamp  time.Time  `json:"timestamp"`
}

func (e MessageEvent) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if !e.OriginKind.Valid() {
		return fmt.Errorf("unknown origin kind %q", e.OriginKind)
	}
	if e.OriginID == "" {
		return fmt.Errorf("event has no origin id")
	}
	if e.Kind == KindChat && e.RawText == "" {
		return fmt.Errorf("chat event has no text")
	}
	return nil
}

// Origin returns the endpoint that produced the event.
func (e MessageEvent) Origin() Endpoint {
	return Endpoint{Kind: e.OriginKind, ID: e.OriginID}
}

// Endpoint identifies a server (by name) or a group (by decimal id).
type Endpoint struct {
	Kind OriginKind `json:"kind"`
	ID   string     `json:"id"`
}

func (e Endpoint) String() string {
	return string(e.Kind) + ":" + e.ID
}

// RenderedMessage is the final text for one target class and the endpoints
// that receive it.
type RenderedMessage struct {
	Text    string     `json:"text"`
	Targets []Endpoint `json:"targets"`
}

// RoutingPolicy is read-only once handed to the router; a reload replaces
// the whole value.
type RoutingPolicy struct {
	SyncServerToGroup  bool
	SyncGroupToServer  bool
	SyncServerToServer bool
	SyncGroupToGroup   bool

	SyncJoinLeave   bool
	SyncDeath       bool
	SyncAdvancement bool

	FilterCommands   bool
	FilterPrefixes   []string
	MaxMessageLength int

	ServerChatFormat  string
	ServerEventFormat string
	GroupChatFormat   string
	GroupEventFormat  string

	// GroupLabel is substituted for {server} when the event came from a group.
	GroupLabel string
}

// KindEnabled reports whether events of kind k are relayed at all.
func (p *RoutingPolicy) KindEnabled(k Kind) bool {
	switch k {
	case KindChat:
		return true
	case KindJoin, KindLeave:
		return p.SyncJoinLeave
	case KindDeath:
		return p.SyncDeath
	case KindAdvancement:
		return p.SyncAdvancement
	default:
		return false
	}
}
