package gateway

import (
	"github.com/pulsehq/pulse/internal/store"
	"github.com/pulsehq/pulse/internal/wire"
)

// Request is one command from an attached surface.
type Request struct {
	Op    string `json:"op"`
	Room  string `json:"room,omitempty"`
	Text  string `json:"text,omitempty"`
	Query string `json:"query,omitempty"`
	Token string `json:"token,omitempty"`
}

// Request ops.
const (
	OpJoin      = "join"
	OpLeave     = "leave"
	OpSend      = "send"
	OpLoadMore  = "load_more"
	OpLoadReset = "load_reset"
	OpLogin     = "login"
	OpLogout    = "logout"
	OpStatus    = "status"
)

// Push is one message to an attached surface. Type selects which body
// field is set.
type Push struct {
	Type     string        `json:"type"`
	State    *StateBody    `json:"state,omitempty"`
	Snapshot *SnapshotBody `json:"snapshot,omitempty"`
	Feed     *FeedBody     `json:"feed,omitempty"`
	Notice   *NoticeBody   `json:"notice,omitempty"`
	Status   *StatusBody   `json:"status,omitempty"`
}

// Push types.
const (
	TypeState    = "state"
	TypeSnapshot = "snapshot"
	TypeFeed     = "feed"
	TypeNotice   = "notice"
	TypeStatus   = "status"
)

// StateBody reports a connection lifecycle transition.
type StateBody struct {
	State string `json:"state"`
}

// SnapshotBody carries the full visible comment list for one room.
type SnapshotBody struct {
	Room     string         `json:"room"`
	Seq      uint64         `json:"seq"`
	Comments []wire.Comment `json:"comments"`
}

// FeedBody carries the accumulated conversation list.
type FeedBody struct {
	Items     []store.Conversation `json:"items"`
	Total     int                  `json:"total"`
	HasMore   bool                 `json:"hasMore"`
	Remaining int                  `json:"remaining"`
}

// NoticeBody is a transient, human-readable notification.
type NoticeBody struct {
	Message string `json:"message"`
}

// StatusBody answers an explicit status request.
type StatusBody struct {
	Profile       string   `json:"profile"`
	State         string   `json:"state"`
	Authenticated bool     `json:"authenticated"`
	Rooms         []string `json:"rooms"`
}
