package index

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// CreateUser inserts a credential row. The secret key is stored as a
// bcrypt hash.
func (s *Store) CreateUser(ctx context.Context, username, accessKey, secretKey string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(secretKey), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash secret key: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO users (username, access_key, secret_key_hash, created_at)
		VALUES (?, ?, ?, ?)`,
		username, accessKey, string(hash), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrUserAlreadyExists
	}
	return nil
}

// GetUserByAccessKey looks up the principal behind an access key.
func (s *Store) GetUserByAccessKey(ctx context.Context, accessKey string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT username, access_key, secret_key_hash, created_at
		FROM users WHERE access_key = ?`, accessKey)
	return scanUser(row)
}

// GetUser looks up a credential row by username.
func (s *Store) GetUser(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT username, access_key, secret_key_hash, created_at
		FROM users WHERE username = ?`, username)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	u := &User{}
	var createdAt int64
	err := row.Scan(&u.Username, &u.AccessKey, &u.SecretKeyHash, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.CreatedAt = time.Unix(0, createdAt)
	return u, nil
}

// ListUsers returns all credential rows ordered by username.
func (s *Store) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, access_key, secret_key_hash, created_at
		FROM users ORDER BY username ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u := &User{}
		var createdAt int64
		if err := rows.Scan(&u.Username, &u.AccessKey, &u.SecretKeyHash, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		u.CreatedAt = time.Unix(0, createdAt)
		users = append(users, u)
	}
	return users, rows.Err()
}

// DeleteUser removes one credential row.
func (s *Store) DeleteUser(ctx context.Context, username string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SeedAdmin inserts the built-in admin credential on first run. Existing
// rows are left untouched.
func (s *Store) SeedAdmin(ctx context.Context, accessKey, secretKey string) error {
	if accessKey == "" {
		accessKey = "admin"
	}
	if secretKey == "" {
		secretKey = "password"
	}
	err := s.CreateUser(ctx, "admin", accessKey, secretKey)
	if err == ErrUserAlreadyExists {
		return nil
	}
	return err
}
