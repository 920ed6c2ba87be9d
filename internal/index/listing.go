package index

import (
	"context"
	"fmt"
	"strings"
)

// DefaultMaxKeys caps listing pages when the client does not say otherwise.
const DefaultMaxKeys = 1000

// ListObjects walks current object versions in ascending key order,
// applying prefix filtering, marker skipping and delimiter roll-up.
// Delete markers are never returned.
func (s *Store) ListObjects(ctx context.Context, p ListObjectsParams) (*ListObjectsResult, error) {
	if exists, err := s.BucketExists(ctx, p.Bucket); err != nil {
		return nil, err
	} else if !exists {
		return nil, ErrBucketNotFound
	}
	if p.MaxKeys <= 0 {
		p.MaxKeys = DefaultMaxKeys
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+versionColumns+` FROM object_versions
		WHERE bucket = ? AND is_latest = 1 AND is_delete_marker = 0 AND key >= ?
		ORDER BY key ASC`, p.Bucket, p.Prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to query objects: %w", err)
	}
	defer rows.Close()

	result := &ListObjectsResult{}
	count := 0
	lastPrefix := ""
	lastEmitted := ""

	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan object row: %w", err)
		}
		if !strings.HasPrefix(v.Key, p.Prefix) {
			break // keys are ordered; nothing past the prefix range matters
		}
		if p.Marker != "" && v.Key <= p.Marker {
			continue
		}

		if count == p.MaxKeys {
			result.IsTruncated = true
			result.NextMarker = lastEmitted
			break
		}

		if cp, ok := commonPrefix(v.Key, p.Prefix, p.Delimiter); ok {
			if cp != lastPrefix {
				result.CommonPrefixes = append(result.CommonPrefixes, cp)
				lastPrefix = cp
				lastEmitted = cp
				count++
			}
			continue
		}

		result.Objects = append(result.Objects, v)
		lastEmitted = v.Key
		count++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ListVersions walks every version (including delete markers) ordered by
// (key asc, version id asc), with the same prefix/delimiter semantics as
// ListObjects and a composite (key, versionId) marker.
func (s *Store) ListVersions(ctx context.Context, p ListObjectsParams) (*ListVersionsResult, error) {
	if exists, err := s.BucketExists(ctx, p.Bucket); err != nil {
		return nil, err
	} else if !exists {
		return nil, ErrBucketNotFound
	}
	if p.MaxKeys <= 0 {
		p.MaxKeys = DefaultMaxKeys
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+versionColumns+` FROM object_versions
		WHERE bucket = ? AND key >= ?
		ORDER BY key ASC, version_id ASC`, p.Bucket, p.Prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to query versions: %w", err)
	}
	defer rows.Close()

	result := &ListVersionsResult{}
	count := 0
	lastPrefix := ""
	lastKey := ""
	lastVersion := ""

	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan version row: %w", err)
		}
		if !strings.HasPrefix(v.Key, p.Prefix) {
			break
		}
		if skipVersionRow(v, p.Marker, p.VersionIDMarker) {
			continue
		}

		if count == p.MaxKeys {
			result.IsTruncated = true
			result.NextKeyMarker = lastKey
			result.NextVersionIDMarker = lastVersion
			break
		}

		if cp, ok := commonPrefix(v.Key, p.Prefix, p.Delimiter); ok {
			if cp != lastPrefix {
				result.CommonPrefixes = append(result.CommonPrefixes, cp)
				lastPrefix = cp
				lastKey = cp
				lastVersion = ""
				count++
			}
			continue
		}

		result.Versions = append(result.Versions, v)
		lastKey = v.Key
		lastVersion = v.VersionID
		count++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func skipVersionRow(v *ObjectVersion, keyMarker, versionIDMarker string) bool {
	if keyMarker == "" {
		return false
	}
	if v.Key < keyMarker {
		return true
	}
	if v.Key > keyMarker {
		return false
	}
	if versionIDMarker == "" {
		// Key marker alone skips the whole key.
		return true
	}
	return v.VersionID <= versionIDMarker
}

// commonPrefix returns the prefix-to-first-delimiter substring of key when
// the delimiter occurs at or after position len(prefix).
func commonPrefix(key, prefix, delimiter string) (string, bool) {
	if delimiter == "" {
		return "", false
	}
	rest := key[len(prefix):]
	idx := strings.Index(rest, delimiter)
	if idx < 0 {
		return "", false
	}
	return key[:len(prefix)+idx+len(delimiter)], true
}
