package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stratumfs/stratumfs/internal/acl"
	_ "modernc.org/sqlite"
)

// Store is the persistent metadata index backed by a single embedded
// SQLite database file.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the metadata database and initializes the schema.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata database: %w", err)
	}

	// SQLite allows one writer at a time; the database/sql pool serializes
	// writes for us as long as a single connection is used.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize metadata schema: %w", err)
	}

	logrus.WithField("path", dbPath).Info("Metadata index initialized")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	PRAGMA foreign_keys = ON;

	CREATE TABLE IF NOT EXISTS buckets (
		name TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		versioning TEXT NOT NULL DEFAULT '',
		mfa_delete INTEGER NOT NULL DEFAULT 0,
		acl TEXT NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS object_versions (
		bucket TEXT NOT NULL,
		key TEXT NOT NULL,
		version_id TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		etag TEXT NOT NULL DEFAULT '',
		content_type TEXT NOT NULL DEFAULT '',
		last_modified INTEGER NOT NULL,
		owner TEXT NOT NULL DEFAULT '',
		storage_class TEXT NOT NULL DEFAULT 'STANDARD',
		metadata TEXT NOT NULL DEFAULT '{}',
		tags TEXT NOT NULL DEFAULT '{}',
		acl TEXT,
		checksum_algorithm TEXT NOT NULL DEFAULT '',
		checksum_value TEXT NOT NULL DEFAULT '',
		is_latest INTEGER NOT NULL DEFAULT 0,
		is_delete_marker INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (bucket, key, version_id),
		FOREIGN KEY (bucket) REFERENCES buckets(name) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_versions_latest
		ON object_versions(bucket, key, is_latest);
	CREATE INDEX IF NOT EXISTS idx_versions_modified
		ON object_versions(bucket, key, last_modified DESC);

	CREATE TABLE IF NOT EXISTS bucket_configs (
		bucket TEXT NOT NULL,
		kind TEXT NOT NULL,
		config TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (bucket, kind),
		FOREIGN KEY (bucket) REFERENCES buckets(name) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS multipart_uploads (
		upload_id TEXT PRIMARY KEY,
		bucket TEXT NOT NULL,
		key TEXT NOT NULL,
		owner TEXT NOT NULL DEFAULT '',
		content_type TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		initiated INTEGER NOT NULL,
		FOREIGN KEY (bucket) REFERENCES buckets(name) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS multipart_parts (
		upload_id TEXT NOT NULL,
		part_number INTEGER NOT NULL,
		size INTEGER NOT NULL,
		etag TEXT NOT NULL,
		last_modified INTEGER NOT NULL,
		PRIMARY KEY (upload_id, part_number),
		FOREIGN KEY (upload_id) REFERENCES multipart_uploads(upload_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		principal TEXT NOT NULL DEFAULT '',
		source_ip TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		request_id TEXT NOT NULL DEFAULT '',
		bucket TEXT,
		key TEXT,
		operation TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		error_message TEXT,
		additional_data TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_principal ON audit_events(principal);
	CREATE INDEX IF NOT EXISTS idx_audit_bucket ON audit_events(bucket);

	CREATE TABLE IF NOT EXISTS batch_jobs (
		id TEXT PRIMARY KEY,
		operation_type TEXT NOT NULL,
		parameters TEXT NOT NULL DEFAULT '{}',
		manifest_location TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		completed_at INTEGER,
		failure_reasons TEXT NOT NULL DEFAULT '[]',
		progress_total INTEGER NOT NULL DEFAULT 0,
		progress_processed INTEGER NOT NULL DEFAULT 0,
		progress_failed INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		access_key TEXT NOT NULL UNIQUE,
		secret_key_hash TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logrus.WithError(rbErr).Warn("Transaction rollback failed")
		}
		return err
	}
	return tx.Commit()
}

// CreateBucket inserts a bucket row. The ACL defaults to owner-only
// FULL_CONTROL when nil.
func (s *Store) CreateBucket(ctx context.Context, name, owner string, bucketACL *acl.ACL) error {
	if err := ValidateBucketName(name); err != nil {
		return err
	}
	if bucketACL == nil {
		bucketACL, _ = acl.FromCanned(acl.CannedACLPrivate, owner)
	}
	aclJSON, err := json.Marshal(bucketACL)
	if err != nil {
		return fmt.Errorf("failed to marshal bucket acl: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO buckets (name, owner, created_at, acl)
		VALUES (?, ?, ?, ?)`,
		name, owner, time.Now().UnixNano(), string(aclJSON))
	if err != nil {
		return fmt.Errorf("failed to insert bucket: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrBucketAlreadyExists
	}
	return nil
}

// GetBucket returns a bucket row by name.
func (s *Store) GetBucket(ctx context.Context, name string) (*Bucket, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, owner, created_at, versioning, mfa_delete, acl
		FROM buckets WHERE name = ?`, name)

	b := &Bucket{}
	var createdAt int64
	var mfaDelete int
	var aclJSON string
	err := row.Scan(&b.Name, &b.Owner, &createdAt, (*string)(&b.Versioning), &mfaDelete, &aclJSON)
	if err == sql.ErrNoRows {
		return nil, ErrBucketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bucket: %w", err)
	}
	b.CreatedAt = time.Unix(0, createdAt)
	b.MFADelete = mfaDelete != 0
	b.ACL = &acl.ACL{}
	if err := json.Unmarshal([]byte(aclJSON), b.ACL); err != nil {
		logrus.WithError(err).WithField("bucket", name).Warn("Failed to parse stored bucket ACL")
		b.ACL, _ = acl.FromCanned(acl.CannedACLPrivate, b.Owner)
	}
	return b, nil
}

// BucketExists reports whether the named bucket is in the bucket table.
func (s *Store) BucketExists(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM buckets WHERE name = ?`, name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	return true, nil
}

// ListBuckets returns all buckets ordered by name.
func (s *Store) ListBuckets(ctx context.Context) ([]*Bucket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, owner, created_at, versioning, mfa_delete, acl
		FROM buckets ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list buckets: %w", err)
	}
	defer rows.Close()

	var buckets []*Bucket
	for rows.Next() {
		b := &Bucket{}
		var createdAt int64
		var mfaDelete int
		var aclJSON string
		if err := rows.Scan(&b.Name, &b.Owner, &createdAt, (*string)(&b.Versioning), &mfaDelete, &aclJSON); err != nil {
			return nil, fmt.Errorf("failed to scan bucket: %w", err)
		}
		b.CreatedAt = time.Unix(0, createdAt)
		b.MFADelete = mfaDelete != 0
		b.ACL = &acl.ACL{}
		if err := json.Unmarshal([]byte(aclJSON), b.ACL); err != nil {
			b.ACL, _ = acl.FromCanned(acl.CannedACLPrivate, b.Owner)
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// DeleteBucket removes a bucket row. It fails with ErrBucketNotEmpty while
// any object version (including delete markers) remains.
func (s *Store) DeleteBucket(ctx context.Context, name string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM buckets WHERE name = ?`, name).Scan(&one)
		if err == sql.ErrNoRows {
			return ErrBucketNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check bucket: %w", err)
		}

		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM object_versions WHERE bucket = ?`, name).Scan(&count); err != nil {
			return fmt.Errorf("failed to count versions: %w", err)
		}
		if count > 0 {
			return ErrBucketNotEmpty
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM bucket_configs WHERE bucket = ?`, name); err != nil {
			return fmt.Errorf("failed to delete bucket configs: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM buckets WHERE name = ?`, name); err != nil {
			return fmt.Errorf("failed to delete bucket: %w", err)
		}
		return nil
	})
}

// SetBucketVersioning updates the versioning status and MFA-delete flag.
func (s *Store) SetBucketVersioning(ctx context.Context, name string, status VersioningStatus, mfaDelete bool) error {
	mfa := 0
	if mfaDelete {
		mfa = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE buckets SET versioning = ?, mfa_delete = ? WHERE name = ?`,
		string(status), mfa, name)
	if err != nil {
		return fmt.Errorf("failed to update versioning: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrBucketNotFound
	}
	return nil
}

// SetBucketACL replaces the bucket ACL.
func (s *Store) SetBucketACL(ctx context.Context, name string, bucketACL *acl.ACL) error {
	if err := bucketACL.Validate(); err != nil {
		return err
	}
	aclJSON, err := json.Marshal(bucketACL)
	if err != nil {
		return fmt.Errorf("failed to marshal acl: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE buckets SET acl = ? WHERE name = ?`, string(aclJSON), name)
	if err != nil {
		return fmt.Errorf("failed to update bucket acl: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrBucketNotFound
	}
	return nil
}
