package gateway

import (
	"encoding/json"

	"github.com/dpcomm/cba-was-renewal-sub000/pkg/model"
)

// Client to server events.
const (
	EventLogin         = "login"
	EventLogout        = "logout"
	EventChat          = "chat"
	EventLoadOlder     = "load-older"
	EventUnreadSince   = "unread-since"
	EventJoin          = "join"
	EventLeave         = "leave"
	EventRegisterToken = "register-token"
)

// Server to client pushes.
const (
	PushChat = "chat"
	PushRoom = "room"
)

// Request is a client frame. ID is echoed in the response.
type Request struct {
	ID      int64           `json:"id"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response answers exactly one Request. It carries Data on success and
// Error on failure, never both.
type Response struct {
	ID      int64      `json:"id"`
	Event   string     `json:"event"`
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

type ErrorBody struct {
	Kind    model.Kind `json:"kind"`
	Message string     `json:"message"`
}

// Push is an unsolicited server frame.
type Push struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type loginPayload struct {
	UserID int64 `json:"userId"`
}

type chatPayload struct {
	SenderID int64  `json:"senderId"`
	RoomID   int64  `json:"roomId"`
	Body     string `json:"body"`
}

type loadOlderPayload struct {
	Message *model.Message `json:"message"`
	Limit   int            `json:"limit,omitempty"`
}

type unreadSincePayload struct {
	Message    *model.Message `json:"message"`
	RequestAll bool           `json:"requestAll"`
	RoomID     int64          `json:"roomId"`
}

type roomPayload struct {
	RoomID int64 `json:"roomId"`
}

type registerTokenPayload struct {
	Token    string         `json:"token"`
	Platform model.Platform `json:"platform"`
}

type loginResult struct {
	UserID int64   `json:"userId"`
	Rooms  []int64 `json:"rooms"`
}

type chatResult struct {
	Message   model.Message `json:"message"`
	Duplicate bool          `json:"duplicate"`
}

type messagesResult struct {
	Messages []model.Message `json:"messages"`
}

type roomResult struct {
	RoomID  int64   `json:"roomId"`
	Members []int64 `json:"members"`
}

// RoomNotice is the data of a room push.
type RoomNotice struct {
	Kind   string `json:"kind"`
	RoomID int64  `json:"roomId"`
	UserID int64  `json:"userId"`
}
