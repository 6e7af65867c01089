package store

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/dpcomm/cba-was-renewal-sub000/pkg/model"
	"github.com/dpcomm/cba-was-renewal-sub000/pkg/snowflake"
)

// NewScyllaSession connects to a ScyllaDB cluster with the quorum and retry
// settings used by every chatd service.
func NewScyllaSession(hosts []string, keyspace string) (*gocql.Session, error) {
	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.Quorum
	cluster.Timeout = 5 * time.Second
	cluster.ConnectTimeout = 5 * time.Second
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        1 * time.Second,
	}

	return cluster.CreateSession()
}

// EnsureScyllaSchema creates the keyspace and message table when missing.
func EnsureScyllaSchema(hosts []string, keyspace string) error {
	sys, err := NewScyllaSession(hosts, "system")
	if err != nil {
		return fmt.Errorf("connect system keyspace: %w", err)
	}
	defer sys.Close()

	err = sys.Query(fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = { 'class' : 'SimpleStrategy', 'replication_factor' : 1 }`, keyspace)).Exec()
	if err != nil {
		return fmt.Errorf("create keyspace: %w", err)
	}

	// body is part of the clustering key so that the primary key is the
	// (room, timestamp, sender, body) identity and re-inserts collapse
	err = sys.Query(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.room_messages (
		room_id bigint,
		sent_at bigint,
		sender_id bigint,
		body text,
		id bigint,
		PRIMARY KEY ((room_id), sent_at, sender_id, body)
	) WITH CLUSTERING ORDER BY (sent_at ASC, sender_id ASC, body ASC)`, keyspace)).Exec()
	if err != nil {
		return fmt.Errorf("create room_messages table: %w", err)
	}
	return nil
}

// ScyllaLog is the MessageLog on ScyllaDB.
type ScyllaLog struct {
	session *gocql.Session
	ids     *snowflake.Node
}

func NewScyllaLog(session *gocql.Session, ids *snowflake.Node) *ScyllaLog {
	return &ScyllaLog{session: session, ids: ids}
}

func (l *ScyllaLog) Close() error {
	l.session.Close()
	return nil
}

func (l *ScyllaLog) Ping(ctx context.Context) error {
	return l.session.Query("SELECT now() FROM system.local").WithContext(ctx).Exec()
}

func (l *ScyllaLog) Append(ctx context.Context, msgs []model.Message) (AppendResult, error) {
	var res AppendResult
	for _, m := range msgs {
		existing := make(map[string]interface{})
		applied, err := l.session.Query(
			`INSERT INTO room_messages (room_id, sent_at, sender_id, body, id) VALUES (?, ?, ?, ?, ?) IF NOT EXISTS`,
			m.RoomID, m.Timestamp, m.SenderID, m.Body, l.ids.Generate(),
		).WithContext(ctx).MapScanCAS(existing)
		if err != nil {
			return AppendResult{}, fmt.Errorf("insert message: %w", err)
		}
		if applied {
			res.Inserted++
		} else {
			res.Skipped++
		}
	}
	return res, nil
}

func (l *ScyllaLog) Range(ctx context.Context, roomID int64, from, to model.Key) ([]model.Message, error) {
	iter := l.session.Query(
		`SELECT room_id, sender_id, body, sent_at FROM room_messages
		WHERE room_id = ? AND (sent_at, sender_id) >= (?, ?) AND (sent_at, sender_id) < (?, ?)`,
		roomID, from.Timestamp(), from.Sender(), to.Timestamp(), to.Sender(),
	).WithContext(ctx).Iter()
	return scanMessages(iter)
}

func (l *ScyllaLog) Before(ctx context.Context, roomID int64, before model.Key, limit int) ([]model.Message, error) {
	iter := l.session.Query(
		`SELECT room_id, sender_id, body, sent_at FROM room_messages
		WHERE room_id = ? AND (sent_at, sender_id) < (?, ?)
		ORDER BY sent_at DESC LIMIT ?`,
		roomID, before.Timestamp(), before.Sender(), limit,
	).WithContext(ctx).Iter()

	msgs, err := scanMessages(iter)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

func (l *ScyllaLog) FullHistory(ctx context.Context, roomID int64) ([]model.Message, error) {
	iter := l.session.Query(
		`SELECT room_id, sender_id, body, sent_at FROM room_messages WHERE room_id = ?`,
		roomID,
	).WithContext(ctx).Iter()
	return scanMessages(iter)
}

func scanMessages(iter *gocql.Iter) ([]model.Message, error) {
	msgs := make([]model.Message, 0)
	var m model.Message
	for iter.Scan(&m.RoomID, &m.SenderID, &m.Body, &m.Timestamp) {
		msgs = append(msgs, m)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return msgs, nil
}
