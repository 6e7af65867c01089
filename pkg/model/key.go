package model

import "fmt"

const (
	// SenderBits is the width of the sender tie-breaker inside a Key.
	SenderBits = 13

	// MaxSenderID is the largest sender id that fits in a Key.
	MaxSenderID int64 = 1<<SenderBits - 1

	// Epoch is 2024-01-01 00:00:00 UTC in milliseconds.
	Epoch int64 = 1704067200000

	// keys stay below 2^53 so that Redis can store them as exact float64 scores
	keyBits       = 53
	maxTimeOffset = 1<<(keyBits-SenderBits) - 1
)

// Key is the per-room sort key of a message. It packs the millisecond
// timestamp (relative to Epoch) above the sender id, so a later timestamp
// always sorts after an earlier one and equal timestamps sort by sender.
type Key int64

const (
	MinKey Key = 0
	MaxKey Key = 1<<keyBits - 1
)

// OrderingKey computes the sort key for a (timestamp, sender) pair. Inputs
// must pass ValidateTimestamp and ValidateSender.
func OrderingKey(timestamp, senderID int64) Key {
	return Key((timestamp-Epoch)<<SenderBits | senderID)
}

// Timestamp returns the millisecond timestamp encoded in k.
func (k Key) Timestamp() int64 {
	return int64(k)>>SenderBits + Epoch
}

// Sender returns the sender id encoded in k.
func (k Key) Sender() int64 {
	return int64(k) & MaxSenderID
}

// Score returns k as a sorted set score. The conversion is exact.
func (k Key) Score() float64 {
	return float64(k)
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d", k.Timestamp(), k.Sender())
}

// KeyFromScore converts a sorted set score back into a Key.
func KeyFromScore(score float64) Key {
	return Key(int64(score))
}

func ValidateSender(senderID int64) error {
	if senderID < 0 || senderID > MaxSenderID {
		return Errorf(KindValidation, "validate sender", "sender id %d out of range [0, %d]", senderID, MaxSenderID)
	}
	return nil
}

func ValidateTimestamp(timestamp int64) error {
	if off := timestamp - Epoch; off < 0 || off >= maxTimeOffset {
		return Errorf(KindValidation, "validate timestamp", "timestamp %d out of range", timestamp)
	}
	return nil
}
