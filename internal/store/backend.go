package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/ritual/internal/intention"
)

// User is a backend account, created on first magic-link verification.
type User struct {
	ID        string
	Email     string
	CreatedAt time.Time
}

// Session is an issued access/refresh token pair. The access token is
// accepted until ExpiresAt; the refresh token can be exchanged for a new
// pair until RefreshExpiresAt.
type Session struct {
	AccessToken      string
	RefreshToken     string
	UserID           string
	ExpiresAt        time.Time
	RefreshExpiresAt time.Time
}

func (sess Session) refreshDeadline() int64 {
	if sess.RefreshExpiresAt.IsZero() {
		return sess.ExpiresAt.UnixMilli()
	}
	return sess.RefreshExpiresAt.UnixMilli()
}

// IntentionRow is one row of the intentions table.
type IntentionRow struct {
	ID        string
	UserID    string
	Text      string
	Kind      intention.Kind
	CreatedAt time.Time
}

// EnsureUser returns the user with the given email, inserting one with
// newID when none exists.
func (s *Store) EnsureUser(ctx context.Context, email, newID string, now time.Time) (User, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(email) DO NOTHING
	`, newID, email, now.UnixMilli())
	if err != nil {
		return User{}, fmt.Errorf("ensure user: %w", err)
	}

	var u User
	var created int64
	err = s.db.QueryRowContext(ctx, `
		SELECT id, email, created_at FROM users WHERE email = ?
	`, email).Scan(&u.ID, &u.Email, &created)
	if err != nil {
		return User{}, fmt.Errorf("ensure user: select: %w", err)
	}
	u.CreatedAt = time.UnixMilli(created).UTC()
	return u, nil
}

// CreateMagicLink records a one-time sign-in token for email.
func (s *Store) CreateMagicLink(ctx context.Context, token, email string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO magic_links (token, email, expires_at)
		VALUES (?, ?, ?)
	`, token, email, expiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("create magic link: %w", err)
	}
	return nil
}

// ConsumeMagicLink marks the token used. It returns sql.ErrNoRows when the
// token does not exist, belongs to another email, has expired or was used.
func (s *Store) ConsumeMagicLink(ctx context.Context, token, email string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE magic_links SET used_at = ?
		WHERE id = (
			SELECT id FROM magic_links
			WHERE token = ? AND email = ? AND used_at IS NULL AND expires_at > ?
			ORDER BY id
			LIMIT 1
		)
	`, now.UnixMilli(), token, email, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("consume magic link: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("consume magic link: rows affected: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CreateSession stores a new session. A zero RefreshExpiresAt means the
// refresh token lapses with the access token.
func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (access_token, refresh_token, user_id, expires_at, refresh_expires_at)
		VALUES (?, ?, ?, ?, ?)
	`, sess.AccessToken, sess.RefreshToken, sess.UserID, sess.ExpiresAt.UnixMilli(), sess.refreshDeadline())
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// RefreshSession exchanges refreshToken for next, which must carry fresh
// tokens. The old row is deleted so a refresh token works once. next.UserID
// is taken from the old row. Returns sql.ErrNoRows when the token is
// unknown, already used or past its refresh expiry.
func (s *Store) RefreshSession(ctx context.Context, refreshToken string, next Session, now time.Time) (User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, fmt.Errorf("refresh session: begin: %w", err)
	}
	defer tx.Rollback()

	var u User
	var created int64
	err = tx.QueryRowContext(ctx, `
		SELECT u.id, u.email, u.created_at
		FROM sessions s
		JOIN users u ON u.id = s.user_id
		WHERE s.refresh_token = ? AND s.refresh_expires_at > ?
	`, refreshToken, now.UnixMilli()).Scan(&u.ID, &u.Email, &created)
	if err != nil {
		return User{}, err
	}
	u.CreatedAt = time.UnixMilli(created).UTC()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE refresh_token = ?`, refreshToken); err != nil {
		return User{}, fmt.Errorf("refresh session: delete: %w", err)
	}
	next.UserID = u.ID
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (access_token, refresh_token, user_id, expires_at, refresh_expires_at)
		VALUES (?, ?, ?, ?, ?)
	`, next.AccessToken, next.RefreshToken, next.UserID, next.ExpiresAt.UnixMilli(), next.refreshDeadline()); err != nil {
		return User{}, fmt.Errorf("refresh session: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return User{}, fmt.Errorf("refresh session: commit: %w", err)
	}
	return u, nil
}

// LookupSession resolves an access token to its user. Expired sessions are
// treated as missing. Returns sql.ErrNoRows if not found.
func (s *Store) LookupSession(ctx context.Context, accessToken string, now time.Time) (User, error) {
	var u User
	var created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.email, u.created_at
		FROM sessions s
		JOIN users u ON u.id = s.user_id
		WHERE s.access_token = ? AND s.expires_at > ?
	`, accessToken, now.UnixMilli()).Scan(&u.ID, &u.Email, &created)
	if err != nil {
		return User{}, err
	}
	u.CreatedAt = time.UnixMilli(created).UTC()
	return u, nil
}

// DeleteSession revokes a session. Revoking an unknown token is a no-op.
func (s *Store) DeleteSession(ctx context.Context, accessToken string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE access_token = ?`, accessToken); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// PurgeExpired deletes sessions whose refresh token has lapsed and magic
// links that can no longer be used at now, returning how many rows went.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("purge expired: begin: %w", err)
	}
	defer tx.Rollback()

	var total int64
	for _, stmt := range []string{
		`DELETE FROM sessions WHERE refresh_expires_at <= ?`,
		`DELETE FROM magic_links WHERE expires_at <= ? OR used_at IS NOT NULL`,
	} {
		res, err := tx.ExecContext(ctx, stmt, now.UnixMilli())
		if err != nil {
			return 0, fmt.Errorf("purge expired: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("purge expired: rows affected: %w", err)
		}
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("purge expired: commit: %w", err)
	}
	return total, nil
}

// InsertIntention writes a new intention row.
func (s *Store) InsertIntention(ctx context.Context, row IntentionRow) error {
	if !row.Kind.Valid() {
		return fmt.Errorf("insert intention: %w: kind %d", intention.ErrValidation, int(row.Kind))
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO intentions (id, user_id, text, type, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, row.ID, row.UserID, row.Text, row.Kind.String(), row.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert intention: %w", err)
	}
	return nil
}

// ListIntentions returns every intention owned by userID, newest first.
// Returns an empty slice (not nil) when the user has none.
func (s *Store) ListIntentions(ctx context.Context, userID string) ([]IntentionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, text, type, created_at
		FROM intentions
		WHERE user_id = ?
		ORDER BY created_at DESC, id COLLATE BINARY DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query intentions: %w", err)
	}
	defer rows.Close()

	out := []IntentionRow{}
	for rows.Next() {
		row, err := scanIntention(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate intentions: %w", err)
	}
	return out, nil
}

// DeleteIntention removes the intention with id if userID owns it.
// deleted is false when no row matched, including rows owned by others.
func (s *Store) DeleteIntention(ctx context.Context, userID, id string) (deleted bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM intentions WHERE id = ? AND user_id = ?
	`, id, userID)
	if err != nil {
		return false, fmt.Errorf("delete intention: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete intention: rows affected: %w", err)
	}
	return n > 0, nil
}

func scanIntention(rows *sql.Rows) (IntentionRow, error) {
	var row IntentionRow
	var kind string
	var created int64
	if err := rows.Scan(&row.ID, &row.UserID, &row.Text, &kind, &created); err != nil {
		return IntentionRow{}, fmt.Errorf("scan intention: %w", err)
	}
	k, err := intention.ParseKind(kind)
	if err != nil {
		return IntentionRow{}, fmt.Errorf("scan intention %s: %w", row.ID, err)
	}
	row.Kind = k
	row.CreatedAt = time.UnixMilli(created).UTC()
	return row, nil
}

// IsNotFound reports whether err means a lookup matched nothing.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
