package model

import (
	"encoding/json"
	"strings"
	"time"
)

// MaxBodyLength bounds a chat message body in bytes.
const MaxBodyLength = 4096

// Message is a chat message in a room. Its identity is the full tuple
// (RoomID, SenderID, Body, Timestamp); the ordering key is derived from it.
type Message struct {
	RoomID    int64  `json:"roomId"`
	SenderID  int64  `json:"senderId"`
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"`
}

// NewMessage stamps a message with the current time in milliseconds.
func NewMessage(roomID, senderID int64, body string) Message {
	return Message{
		RoomID:    roomID,
		SenderID:  senderID,
		Body:      body,
		Timestamp: time.Now().UnixMilli(),
	}
}

func (m Message) Key() Key {
	return OrderingKey(m.Timestamp, m.SenderID)
}

func (m Message) Validate() error {
	if m.RoomID <= 0 {
		return Errorf(KindValidation, "validate message", "room id is required")
	}
	if err := ValidateSender(m.SenderID); err != nil {
		return err
	}
	if err := ValidateTimestamp(m.Timestamp); err != nil {
		return err
	}
	if strings.TrimSpace(m.Body) == "" {
		return Errorf(KindValidation, "validate message", "body is empty")
	}
	if len(m.Body) > MaxBodyLength {
		return Errorf(KindValidation, "validate message", "body exceeds %d bytes", MaxBodyLength)
	}
	return nil
}

// Encode serializes m into its cache member form. Two messages with the
// same identity always encode to the same string.
func (m Message) Encode() (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func DecodeMessage(s string) (Message, error) {
	var m Message
	err := json.Unmarshal([]byte(s), &m)
	return m, err
}

// Platform identifies the push payload shape of a device token.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

func (p Platform) Valid() bool {
	return p == PlatformAndroid || p == PlatformIOS
}

// PushToken is a device registration for push notifications.
type PushToken struct {
	UserID   int64    `json:"userId"`
	Token    string   `json:"token"`
	Platform Platform `json:"platform"`
}
