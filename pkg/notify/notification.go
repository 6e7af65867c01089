package notify

import (
	"fmt"
	"strconv"

	"github.com/dpcomm/cba-was-renewal-sub000/pkg/model"
	"github.com/dpcomm/cba-was-renewal-sub000/pkg/push"
)

// EventKind names a room-scoped event that is pushed like a chat message.
type EventKind string

const (
	EventJoin  EventKind = "join"
	EventLeave EventKind = "leave"
	EventReady EventKind = "ready"
	EventStart EventKind = "start"
)

// previewLength bounds the body shown in a chat push.
const previewLength = 140

// ChatMessage builds the push for a new chat message.
func ChatMessage(m model.Message) push.Notification {
	body := []rune(m.Body)
	if len(body) > previewLength {
		body = append(body[:previewLength-1], '…')
	}

	return push.Notification{
		RoomID: m.RoomID,
		Kind:   "chat",
		Title:  fmt.Sprintf("Room %d", m.RoomID),
		Body:   string(body),
		Data: map[string]string{
			"senderId":  strconv.FormatInt(m.SenderID, 10),
			"timestamp": strconv.FormatInt(m.Timestamp, 10),
		},
	}
}

// RoomEvent builds the push for a room event caused by userID.
func RoomEvent(kind EventKind, roomID, userID int64) push.Notification {
	var body string
	switch kind {
	case EventJoin:
		body = fmt.Sprintf("User %d joined the room", userID)
	case EventLeave:
		body = fmt.Sprintf("User %d left the room", userID)
	case EventReady:
		body = "Everyone is ready"
	case EventStart:
		body = "The room has started"
	default:
		body = string(kind)
	}

	return push.Notification{
		RoomID: roomID,
		Kind:   string(kind),
		Title:  fmt.Sprintf("Room %d", roomID),
		Body:   body,
		Data: map[string]string{
			"userId": strconv.FormatInt(userID, 10),
		},
	}
}
