package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateUpload inserts a multipart upload record and returns its uploadId.
// Metadata is captured at initiation and never re-read at complete.
func (s *Store) CreateUpload(ctx context.Context, bucketName, key, owner, contentType string, metadata map[string]string) (*MultipartUpload, error) {
	if exists, err := s.BucketExists(ctx, bucketName); err != nil {
		return nil, err
	} else if !exists {
		return nil, ErrBucketNotFound
	}

	u := &MultipartUpload{
		UploadID:    uuid.NewString(),
		Bucket:      bucketName,
		Key:         key,
		Owner:       owner,
		ContentType: contentType,
		Metadata:    orEmpty(metadata),
		Initiated:   time.Now(),
	}
	metaJSON, _ := json.Marshal(u.Metadata)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO multipart_uploads (upload_id, bucket, key, owner, content_type, metadata, initiated)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.UploadID, u.Bucket, u.Key, u.Owner, u.ContentType, string(metaJSON), u.Initiated.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to create upload: %w", err)
	}
	return u, nil
}

// GetUpload returns one upload record by id.
func (s *Store) GetUpload(ctx context.Context, uploadID string) (*MultipartUpload, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT upload_id, bucket, key, owner, content_type, metadata, initiated
		FROM multipart_uploads WHERE upload_id = ?`, uploadID)

	u := &MultipartUpload{}
	var metaJSON string
	var initiated int64
	err := row.Scan(&u.UploadID, &u.Bucket, &u.Key, &u.Owner, &u.ContentType, &metaJSON, &initiated)
	if err == sql.ErrNoRows {
		return nil, ErrUploadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get upload: %w", err)
	}
	u.Initiated = time.Unix(0, initiated)
	u.Metadata = map[string]string{}
	_ = json.Unmarshal([]byte(metaJSON), &u.Metadata)
	return u, nil
}

// ListUploads returns in-progress uploads of one bucket ordered by
// (key, uploadId).
func (s *Store) ListUploads(ctx context.Context, bucketName string) ([]*MultipartUpload, error) {
	if exists, err := s.BucketExists(ctx, bucketName); err != nil {
		return nil, err
	} else if !exists {
		return nil, ErrBucketNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT upload_id, bucket, key, owner, content_type, metadata, initiated
		FROM multipart_uploads WHERE bucket = ?
		ORDER BY key ASC, upload_id ASC`, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to list uploads: %w", err)
	}
	defer rows.Close()

	var uploads []*MultipartUpload
	for rows.Next() {
		u := &MultipartUpload{}
		var metaJSON string
		var initiated int64
		if err := rows.Scan(&u.UploadID, &u.Bucket, &u.Key, &u.Owner, &u.ContentType, &metaJSON, &initiated); err != nil {
			return nil, fmt.Errorf("failed to scan upload: %w", err)
		}
		u.Initiated = time.Unix(0, initiated)
		u.Metadata = map[string]string{}
		_ = json.Unmarshal([]byte(metaJSON), &u.Metadata)
		uploads = append(uploads, u)
	}
	return uploads, rows.Err()
}

// StaleUploads returns uploads initiated before the cutoff, for garbage
// collection by the janitor.
func (s *Store) StaleUploads(ctx context.Context, olderThan time.Time) ([]*MultipartUpload, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT upload_id, bucket, key, owner, content_type, metadata, initiated
		FROM multipart_uploads WHERE initiated < ?`, olderThan.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query stale uploads: %w", err)
	}
	defer rows.Close()

	var uploads []*MultipartUpload
	for rows.Next() {
		u := &MultipartUpload{}
		var metaJSON string
		var initiated int64
		if err := rows.Scan(&u.UploadID, &u.Bucket, &u.Key, &u.Owner, &u.ContentType, &metaJSON, &initiated); err != nil {
			return nil, fmt.Errorf("failed to scan upload: %w", err)
		}
		u.Initiated = time.Unix(0, initiated)
		u.Metadata = map[string]string{}
		_ = json.Unmarshal([]byte(metaJSON), &u.Metadata)
		uploads = append(uploads, u)
	}
	return uploads, rows.Err()
}

// PutPart records a staged part. A second call with the same partNumber
// replaces the prior row.
func (s *Store) PutPart(ctx context.Context, part *UploadPart) error {
	if part.LastModified.IsZero() {
		part.LastModified = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO multipart_parts (upload_id, part_number, size, etag, last_modified)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(upload_id, part_number) DO UPDATE SET
			size = excluded.size, etag = excluded.etag, last_modified = excluded.last_modified`,
		part.UploadID, part.PartNumber, part.Size, part.ETag, part.LastModified.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record part: %w", err)
	}
	return nil
}

// ListParts returns the staged parts of an upload ordered by part number.
func (s *Store) ListParts(ctx context.Context, uploadID string) ([]*UploadPart, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT upload_id, part_number, size, etag, last_modified
		FROM multipart_parts WHERE upload_id = ?
		ORDER BY part_number ASC`, uploadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list parts: %w", err)
	}
	defer rows.Close()

	var parts []*UploadPart
	for rows.Next() {
		p := &UploadPart{}
		var lastModified int64
		if err := rows.Scan(&p.UploadID, &p.PartNumber, &p.Size, &p.ETag, &lastModified); err != nil {
			return nil, fmt.Errorf("failed to scan part: %w", err)
		}
		p.LastModified = time.Unix(0, lastModified)
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

// DeleteUpload removes the upload record and its part rows in one
// transaction. Deleting an absent upload succeeds.
func (s *Store) DeleteUpload(ctx context.Context, uploadID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM multipart_parts WHERE upload_id = ?`, uploadID); err != nil {
			return fmt.Errorf("failed to delete parts: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM multipart_uploads WHERE upload_id = ?`, uploadID); err != nil {
			return fmt.Errorf("failed to delete upload: %w", err)
		}
		return nil
	})
}
