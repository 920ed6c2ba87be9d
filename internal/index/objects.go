package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stratumfs/stratumfs/internal/acl"
)

// NewVersionID returns a fresh opaque version token.
func NewVersionID() string {
	return uuid.NewString()
}

func scanVersion(row interface {
	Scan(dest ...interface{}) error
}) (*ObjectVersion, error) {
	v := &ObjectVersion{}
	var lastModified int64
	var metaJSON, tagsJSON string
	var aclJSON sql.NullString
	var isLatest, isDeleteMarker int

	err := row.Scan(
		&v.Bucket, &v.Key, &v.VersionID, &v.Size, &v.ETag, &v.ContentType,
		&lastModified, &v.Owner, &v.StorageClass, &metaJSON, &tagsJSON, &aclJSON,
		&v.ChecksumAlgorithm, &v.ChecksumValue, &isLatest, &isDeleteMarker,
	)
	if err != nil {
		return nil, err
	}
	v.LastModified = time.Unix(0, lastModified)
	v.IsLatest = isLatest != 0
	v.IsDeleteMarker = isDeleteMarker != 0
	v.Metadata = map[string]string{}
	v.Tags = map[string]string{}
	_ = json.Unmarshal([]byte(metaJSON), &v.Metadata)
	_ = json.Unmarshal([]byte(tagsJSON), &v.Tags)
	if aclJSON.Valid && aclJSON.String != "" {
		v.ACL = &acl.ACL{}
		_ = json.Unmarshal([]byte(aclJSON.String), v.ACL)
	}
	return v, nil
}

const versionColumns = `bucket, key, version_id, size, etag, content_type,
	last_modified, owner, storage_class, metadata, tags, acl,
	checksum_algorithm, checksum_value, is_latest, is_delete_marker`

// InsertVersion records a new object version. Within one transaction it
// clears any prior is_latest row for (bucket, key) and inserts the new row
// with is_latest set. In an unversioned bucket the reserved "null" row is
// removed first so the overwrite replaces it in place.
//
// The version id of the removed "null" row is returned (empty when nothing
// was replaced) so the caller can release its body from disk.
func (s *Store) InsertVersion(ctx context.Context, v *ObjectVersion) (replaced string, err error) {
	bucket, err := s.GetBucket(ctx, v.Bucket)
	if err != nil {
		return "", err
	}

	if bucket.Versioning != VersioningEnabled {
		v.VersionID = NullVersionID
	} else if v.VersionID == "" {
		v.VersionID = NewVersionID()
	}
	if v.LastModified.IsZero() {
		v.LastModified = time.Now()
	}
	if v.StorageClass == "" {
		v.StorageClass = "STANDARD"
	}

	metaJSON, _ := json.Marshal(orEmpty(v.Metadata))
	tagsJSON, _ := json.Marshal(orEmpty(v.Tags))
	var aclJSON interface{}
	if v.ACL != nil {
		b, _ := json.Marshal(v.ACL)
		aclJSON = string(b)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if bucket.Versioning != VersioningEnabled {
			res, err := tx.ExecContext(ctx,
				`DELETE FROM object_versions WHERE bucket = ? AND key = ? AND version_id = ?`,
				v.Bucket, v.Key, NullVersionID)
			if err != nil {
				return fmt.Errorf("failed to remove null version: %w", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				replaced = NullVersionID
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE object_versions SET is_latest = 0 WHERE bucket = ? AND key = ? AND is_latest = 1`,
			v.Bucket, v.Key); err != nil {
			return fmt.Errorf("failed to clear latest flag: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO object_versions (`+versionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
			v.Bucket, v.Key, v.VersionID, v.Size, v.ETag, v.ContentType,
			v.LastModified.UnixNano(), v.Owner, v.StorageClass,
			string(metaJSON), string(tagsJSON), aclJSON,
			v.ChecksumAlgorithm, v.ChecksumValue, boolToInt(v.IsDeleteMarker),
		); err != nil {
			return fmt.Errorf("failed to insert version: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	v.IsLatest = true
	return replaced, nil
}

// InsertDeleteMarker appends a delete-marker version for (bucket, key) and
// makes it latest. An empty versionID gets a fresh token; suspended
// buckets pass the reserved "null" id.
func (s *Store) InsertDeleteMarker(ctx context.Context, bucketName, key, owner, versionID string) (*ObjectVersion, error) {
	if versionID == "" {
		versionID = NewVersionID()
	}
	marker := &ObjectVersion{
		Bucket:         bucketName,
		Key:            key,
		VersionID:      versionID,
		Owner:          owner,
		LastModified:   time.Now(),
		IsDeleteMarker: true,
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE object_versions SET is_latest = 0 WHERE bucket = ? AND key = ? AND is_latest = 1`,
			bucketName, key); err != nil {
			return fmt.Errorf("failed to clear latest flag: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO object_versions
				(bucket, key, version_id, size, last_modified, owner, is_latest, is_delete_marker)
			VALUES (?, ?, ?, 0, ?, ?, 1, 1)`,
			bucketName, key, marker.VersionID, marker.LastModified.UnixNano(), owner,
		); err != nil {
			return fmt.Errorf("failed to insert delete marker: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	marker.IsLatest = true
	return marker, nil
}

// RemoveVersion deletes one version row. If the removed row was latest, the
// next-newest version (by last-modified descending) is promoted in the same
// transaction. The removed row is returned so the caller can release the
// body and report delete-marker status.
func (s *Store) RemoveVersion(ctx context.Context, bucketName, key, versionID string) (*ObjectVersion, error) {
	var removed *ObjectVersion
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT `+versionColumns+` FROM object_versions
			WHERE bucket = ? AND key = ? AND version_id = ?`,
			bucketName, key, versionID)
		v, err := scanVersion(row)
		if err == sql.ErrNoRows {
			return ErrObjectNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load version: %w", err)
		}
		removed = v

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM object_versions WHERE bucket = ? AND key = ? AND version_id = ?`,
			bucketName, key, versionID); err != nil {
			return fmt.Errorf("failed to delete version: %w", err)
		}

		if v.IsLatest {
			if _, err := tx.ExecContext(ctx, `
				UPDATE object_versions SET is_latest = 1
				WHERE bucket = ?1 AND key = ?2 AND version_id = (
					SELECT version_id FROM object_versions
					WHERE bucket = ?1 AND key = ?2
					ORDER BY last_modified DESC LIMIT 1
				)`, bucketName, key); err != nil {
				return fmt.Errorf("failed to promote next version: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// GetVersion returns one version, or the is_latest row when versionID is
// empty. A latest row that is a delete marker is still returned; callers
// decide whether that maps to NoSuchKey.
func (s *Store) GetVersion(ctx context.Context, bucketName, key, versionID string) (*ObjectVersion, error) {
	var row *sql.Row
	if versionID == "" {
		row = s.db.QueryRowContext(ctx, `
			SELECT `+versionColumns+` FROM object_versions
			WHERE bucket = ? AND key = ? AND is_latest = 1`,
			bucketName, key)
	} else {
		row = s.db.QueryRowContext(ctx, `
			SELECT `+versionColumns+` FROM object_versions
			WHERE bucket = ? AND key = ? AND version_id = ?`,
			bucketName, key, versionID)
	}
	v, err := scanVersion(row)
	if err == sql.ErrNoRows {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get version: %w", err)
	}
	return v, nil
}

// ListKeyVersions returns every version of one key, newest first.
func (s *Store) ListKeyVersions(ctx context.Context, bucketName, key string) ([]*ObjectVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+versionColumns+` FROM object_versions
		WHERE bucket = ? AND key = ?
		ORDER BY last_modified DESC`, bucketName, key)
	if err != nil {
		return nil, fmt.Errorf("failed to list key versions: %w", err)
	}
	defer rows.Close()

	var versions []*ObjectVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// SetVersionTags replaces the tag set of one version.
func (s *Store) SetVersionTags(ctx context.Context, bucketName, key, versionID string, tags map[string]string) error {
	tagsJSON, _ := json.Marshal(orEmpty(tags))
	return s.updateVersionColumn(ctx, bucketName, key, versionID, "tags", string(tagsJSON))
}

// SetVersionACL replaces the ACL of one version.
func (s *Store) SetVersionACL(ctx context.Context, bucketName, key, versionID string, versionACL *acl.ACL) error {
	if err := versionACL.Validate(); err != nil {
		return err
	}
	aclJSON, _ := json.Marshal(versionACL)
	return s.updateVersionColumn(ctx, bucketName, key, versionID, "acl", string(aclJSON))
}

func (s *Store) updateVersionColumn(ctx context.Context, bucketName, key, versionID, column, value string) error {
	var res sql.Result
	var err error
	if versionID == "" {
		res, err = s.db.ExecContext(ctx,
			`UPDATE object_versions SET `+column+` = ? WHERE bucket = ? AND key = ? AND is_latest = 1`,
			value, bucketName, key)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE object_versions SET `+column+` = ? WHERE bucket = ? AND key = ? AND version_id = ?`,
			value, bucketName, key, versionID)
	}
	if err != nil {
		return fmt.Errorf("failed to update version %s: %w", column, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrObjectNotFound
	}
	return nil
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
