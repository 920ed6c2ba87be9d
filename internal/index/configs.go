package index

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GetBucketConfig returns the stored blob for one configuration kind.
// ErrBucketNotFound is raised before ErrConfigNotFound.
func (s *Store) GetBucketConfig(ctx context.Context, bucketName string, kind ConfigKind) ([]byte, error) {
	if exists, err := s.BucketExists(ctx, bucketName); err != nil {
		return nil, err
	} else if !exists {
		return nil, ErrBucketNotFound
	}

	var config string
	err := s.db.QueryRowContext(ctx,
		`SELECT config FROM bucket_configs WHERE bucket = ? AND kind = ?`,
		bucketName, string(kind)).Scan(&config)
	if err == sql.ErrNoRows {
		return nil, ErrConfigNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bucket config: %w", err)
	}
	return []byte(config), nil
}

// SetBucketConfig stores (or replaces) one configuration blob.
func (s *Store) SetBucketConfig(ctx context.Context, bucketName string, kind ConfigKind, blob []byte) error {
	if exists, err := s.BucketExists(ctx, bucketName); err != nil {
		return err
	} else if !exists {
		return ErrBucketNotFound
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bucket_configs (bucket, kind, config, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(bucket, kind) DO UPDATE SET config = excluded.config, updated_at = excluded.updated_at`,
		bucketName, string(kind), string(blob), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to set bucket config: %w", err)
	}
	return nil
}

// DeleteBucketConfig removes one configuration blob. Deleting an absent
// config succeeds.
func (s *Store) DeleteBucketConfig(ctx context.Context, bucketName string, kind ConfigKind) error {
	if exists, err := s.BucketExists(ctx, bucketName); err != nil {
		return err
	} else if !exists {
		return ErrBucketNotFound
	}

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM bucket_configs WHERE bucket = ? AND kind = ?`,
		bucketName, string(kind))
	if err != nil {
		return fmt.Errorf("failed to delete bucket config: %w", err)
	}
	return nil
}
