package satellitedb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// The satellite holds a single API key, stored as a bcrypt hash under a
// fixed user id.
const apiKeyUserID = 0

// RegisterAPIKey hashes the key and stores it, replacing any previous key.
func (db *DB) RegisterAPIKey(ctx context.Context, key string) (err error) {
	defer mon.Task()(&ctx)(&err)

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return Error.Wrap(err)
	}
	return db.execRetry(ctx, `
		INSERT INTO auth (user_id, hash, last_updated) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			hash = excluded.hash,
			last_updated = excluded.last_updated
	`, apiKeyUserID, hash, time.Now().Unix())
}

// VerifyAPIKey reports whether the key matches the stored hash. A missing
// stored key never matches.
func (db *DB) VerifyAPIKey(ctx context.Context, key string) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.db.QueryRowContext(ctx, `SELECT hash FROM auth WHERE user_id = ?`, apiKeyUserID)

	var hash []byte
	err = row.Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, Error.Wrap(err)
	}
	err = bcrypt.CompareHashAndPassword(hash, []byte(key))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	if err != nil {
		return false, Error.Wrap(err)
	}
	return true, nil
}
