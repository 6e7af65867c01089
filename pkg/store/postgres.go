package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dpcomm/cba-was-renewal-sub000/pkg/model"
)

// PostgresDirectory reads membership and device tokens from the relational
// database of the membership backend.
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

// NewPostgresDirectory creates a directory with a connection pool.
func NewPostgresDirectory(ctx context.Context, databaseURL string) (*PostgresDirectory, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresDirectory{pool: pool}, nil
}

// EnsureSchema creates the directory tables when missing.
func (d *PostgresDirectory) EnsureSchema(ctx context.Context) error {
	_, err := d.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS room_members (
			room_id BIGINT NOT NULL,
			user_id BIGINT NOT NULL,
			PRIMARY KEY (room_id, user_id)
		);
		CREATE INDEX IF NOT EXISTS idx_room_members_user ON room_members(user_id);

		CREATE TABLE IF NOT EXISTS push_tokens (
			token TEXT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			platform TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_push_tokens_user ON push_tokens(user_id);
	`)
	return err
}

func (d *PostgresDirectory) Close() error {
	d.pool.Close()
	return nil
}

func (d *PostgresDirectory) Ping(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

func (d *PostgresDirectory) RoomMembers(ctx context.Context, roomID int64) ([]int64, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT user_id FROM room_members WHERE room_id = $1 ORDER BY user_id`, roomID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (d *PostgresDirectory) UserRooms(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT room_id FROM room_members WHERE user_id = $1 ORDER BY room_id`, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (d *PostgresDirectory) AddMember(ctx context.Context, roomID, userID int64) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO room_members (room_id, user_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, roomID, userID)
	return err
}

func (d *PostgresDirectory) RemoveMember(ctx context.Context, roomID, userID int64) error {
	_, err := d.pool.Exec(ctx,
		`DELETE FROM room_members WHERE room_id = $1 AND user_id = $2`, roomID, userID)
	return err
}

func (d *PostgresDirectory) UserTokens(ctx context.Context, userID int64) ([]model.PushToken, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT user_id, token, platform FROM push_tokens WHERE user_id = $1 ORDER BY token`, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.PushToken, error) {
		var t model.PushToken
		var platform string
		err := row.Scan(&t.UserID, &t.Token, &platform)
		t.Platform = model.Platform(platform)
		return t, err
	})
}

func (d *PostgresDirectory) SaveToken(ctx context.Context, t model.PushToken) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO push_tokens (token, user_id, platform) VALUES ($1, $2, $3)
		ON CONFLICT (token) DO UPDATE SET user_id = EXCLUDED.user_id, platform = EXCLUDED.platform
	`, t.Token, t.UserID, string(t.Platform))
	return err
}

func (d *PostgresDirectory) DeleteTokens(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	_, err := d.pool.Exec(ctx, `DELETE FROM push_tokens WHERE token = ANY($1)`, tokens)
	return err
}
