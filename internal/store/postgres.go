package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- Mapping records ---
//
// Finders return sql.ErrNoRows unchanged when no record exists; callers
// distinguish "absent" from real persistence failures that way.

func (s *PostgresStore) FindUserMapping(ctx context.Context, userID string) (string, error) {
	var channelID string
	err := s.db.QueryRowContext(ctx, `SELECT channel_id FROM mapping_user WHERE user_id=$1`, userID).Scan(&channelID)
	return channelID, err
}

func (s *PostgresStore) InsertUserMapping(ctx context.Context, userID, channelID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO mapping_user (user_id, channel_id) VALUES ($1, $2)`, userID, channelID)
	if err != nil {
		return fmt.Errorf("insert user mapping: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindAppMapping(ctx context.Context, appID string) (string, error) {
	var channelID string
	err := s.db.QueryRowContext(ctx, `SELECT channel_id FROM mapping_app WHERE app_id=$1`, appID).Scan(&channelID)
	return channelID, err
}

func (s *PostgresStore) InsertAppMapping(ctx context.Context, appID, channelID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO mapping_app (app_id, channel_id) VALUES ($1, $2)`, appID, channelID)
	if err != nil {
		return fmt.Errorf("insert app mapping: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindUserAppMapping(ctx context.Context, userID, appID string) (string, error) {
	var channelID string
	err := s.db.QueryRowContext(ctx, `SELECT channel_id FROM mapping_user_app WHERE user_id=$1 AND app_id=$2`, userID, appID).Scan(&channelID)
	return channelID, err
}

func (s *PostgresStore) InsertUserAppMapping(ctx context.Context, userID, appID, channelID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO mapping_user_app (user_id, app_id, channel_id) VALUES ($1, $2, $3)`, userID, appID, channelID)
	if err != nil {
		return fmt.Errorf("insert userApp mapping: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindGroupMapping(ctx context.Context, groupID string) (string, error) {
	var channelID string
	err := s.db.QueryRowContext(ctx, `SELECT channel_id FROM mapping_group WHERE group_id=$1`, groupID).Scan(&channelID)
	return channelID, err
}

func (s *PostgresStore) InsertGroupMapping(ctx context.Context, groupID, channelID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO mapping_group (group_id, channel_id) VALUES ($1, $2)`, groupID, channelID)
	if err != nil {
		return fmt.Errorf("insert group mapping: %w", err)
	}
	return nil
}

// Reverse lookups used by join authorization.

func (s *PostgresStore) ChannelApp(ctx context.Context, channelID string) (string, error) {
	var appID string
	err := s.db.QueryRowContext(ctx, `SELECT app_id FROM mapping_app WHERE channel_id=$1`, channelID).Scan(&appID)
	return appID, err
}

func (s *PostgresStore) ChannelGroup(ctx context.Context, channelID string) (string, error) {
	var groupID string
	err := s.db.QueryRowContext(ctx, `SELECT group_id FROM mapping_group WHERE channel_id=$1`, channelID).Scan(&groupID)
	return groupID, err
}

func (s *PostgresStore) ChannelOwnerUser(ctx context.Context, channelID string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM mapping_user WHERE channel_id=$1`, channelID).Scan(&userID)
	return userID, err
}

func (s *PostgresStore) ChannelOwnerUserApp(ctx context.Context, channelID string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM mapping_user_app WHERE channel_id=$1`, channelID).Scan(&userID)
	return userID, err
}

// ListChannels enumerates every channel id ever issued, across all four
// mapping kinds. Run at startup to seed the issued-id registry.
func (s *PostgresStore) ListChannels(ctx context.Context) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, FALSE FROM mapping_user
		UNION ALL SELECT channel_id, FALSE FROM mapping_app
		UNION ALL SELECT channel_id, FALSE FROM mapping_user_app
		UNION ALL SELECT channel_id, TRUE FROM mapping_group
	`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	channels := make([]Channel, 0)
	for rows.Next() {
		var c Channel
		if err := rows.Scan(&c.ID, &c.Group); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		channels = append(channels, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return channels, nil
}

// --- Channel state ---

func (s *PostgresStore) StateSnapshot(ctx context.Context, channelID string) ([]StateRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM channel_state WHERE channel_id=$1 ORDER BY key`, channelID)
	if err != nil {
		return nil, fmt.Errorf("state snapshot: %w", err)
	}
	defer rows.Close()

	records := make([]StateRecord, 0)
	for rows.Next() {
		var rec StateRecord
		if err := rows.Scan(&rec.Key, &rec.Value); err != nil {
			return nil, fmt.Errorf("scan state record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state records: %w", err)
	}
	return records, nil
}

// StateByKeys returns the records for the requested keys. Missing keys are
// silently omitted.
func (s *PostgresStore) StateByKeys(ctx context.Context, channelID string, keys []string) ([]StateRecord, error) {
	records := make([]StateRecord, 0, len(keys))
	for _, key := range keys {
		var rec StateRecord
		err := s.db.QueryRowContext(ctx, `SELECT key, value FROM channel_state WHERE channel_id=$1 AND key=$2`, channelID, key).Scan(&rec.Key, &rec.Value)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("state by key %q: %w", key, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// UpsertState writes value at key and reports whether anything actually
// changed: an insert, or an update to a different value. Overwriting a key
// with an identical value is a no-op.
func (s *PostgresStore) UpsertState(ctx context.Context, channelID, key string, value []byte) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_state (channel_id, key, value)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (channel_id, key) DO UPDATE SET value = EXCLUDED.value
		WHERE channel_state.value IS DISTINCT FROM EXCLUDED.value
	`, channelID, key, string(value))
	if err != nil {
		return false, fmt.Errorf("upsert state: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("upsert state rows: %w", err)
	}
	return affected > 0, nil
}

// InsertStateIfAbsent writes value at key only when the key does not exist.
func (s *PostgresStore) InsertStateIfAbsent(ctx context.Context, channelID, key string, value []byte) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_state (channel_id, key, value)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (channel_id, key) DO NOTHING
	`, channelID, key, string(value))
	if err != nil {
		return false, fmt.Errorf("insert state: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert state rows: %w", err)
	}
	return affected > 0, nil
}

// CompareAndSwapState updates key to value only when the stored value equals
// oldValue (structural jsonb equality). Absent keys and mismatches are no-ops.
func (s *PostgresStore) CompareAndSwapState(ctx context.Context, channelID, key string, oldValue, value []byte) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE channel_state SET value = $4::jsonb
		WHERE channel_id=$1 AND key=$2 AND value = $3::jsonb
	`, channelID, key, string(oldValue), string(value))
	if err != nil {
		return false, fmt.Errorf("cas state: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cas state rows: %w", err)
	}
	return affected > 0, nil
}

// RemoveState deletes the record at key; removing an absent key is a no-op.
func (s *PostgresStore) RemoveState(ctx context.Context, channelID, key string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM channel_state WHERE channel_id=$1 AND key=$2`, channelID, key)
	if err != nil {
		return false, fmt.Errorf("remove state: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove state rows: %w", err)
	}
	return affected > 0, nil
}

// --- Accounts ---

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (Account, error) {
	var account Account
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, password_hash, created_at FROM accounts WHERE user_id=$1
	`, userID).Scan(&account.ID, &account.UserID, &account.PasswordHash, &account.CreatedAt)
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, account Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, user_id, password_hash) VALUES ($1, $2, $3)
	`, account.ID, account.UserID, account.PasswordHash)
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

// --- Refresh sessions (PostgreSQL fallback when Redis is not configured) ---

func (s *PostgresStore) SaveSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupSession(ctx context.Context, tokenHash string) (string, error) {
	const query = `
		SELECT user_id FROM refresh_sessions
		WHERE token_hash = $1
			AND revoked_at IS NULL
			AND expires_at > NOW()
	`
	var userID string
	if err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&userID); err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) RevokeSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}
