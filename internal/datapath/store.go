package datapath

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Common data-path errors. Storage faults surface as wrapped I/O errors;
// the caller maps those to InternalError.
var (
	ErrIncompleteBody   = errors.New("fewer bytes arrived than declared")
	ErrNotFound         = errors.New("object body not found")
	ErrPartTooSmall     = errors.New("part smaller than minimum size")
	ErrNoParts          = errors.New("no parts to concatenate")
	ErrChecksumMismatch = errors.New("body digest does not match declared checksum")
)

// Store streams object bodies to and from a content-addressed directory
// tree. Writes land in a temporary file and are renamed into place so that
// partial files are never observed after a restart.
type Store struct {
	objectsDir  string
	uploadsDir  string
	minPartSize int64
}

// New creates a data-path store rooted at the given directories.
func New(objectsDir, uploadsDir string, minPartSize int64) (*Store, error) {
	for _, dir := range []string{objectsDir, uploadsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage root: %w", err)
		}
	}
	if minPartSize <= 0 {
		minPartSize = 5 * 1024 * 1024
	}
	return &Store{objectsDir: objectsDir, uploadsDir: uploadsDir, minPartSize: minPartSize}, nil
}

// MinPartSize is the minimum size of every non-final multipart part.
func (s *Store) MinPartSize() int64 {
	return s.minPartSize
}

// bodyPath addresses a version body. Keys may contain any byte including
// '/', so the file name is a digest of (key, versionId).
func (s *Store) bodyPath(bucket, key, versionID string) string {
	sum := sha256.Sum256([]byte(key + "\x00" + versionID))
	id := hex.EncodeToString(sum[:])
	return filepath.Join(s.objectsDir, bucket, id[:2], id)
}

func (s *Store) partPath(uploadID string, partNumber int) string {
	return filepath.Join(s.uploadsDir, uploadID, strconv.Itoa(partNumber))
}

// WriteResult describes a completed streaming write.
type WriteResult struct {
	Size   int64
	ETag   string // hex MD5 of the body
	SHA256 string // hex SHA-256 of the body
}

// WriteStream consumes src into the body file for (bucket, key, versionId),
// computing MD5 and SHA-256 incrementally. declaredSize < 0 means unknown
// length; otherwise fewer arriving bytes fail with ErrIncompleteBody. The
// write is all-or-nothing.
func (s *Store) WriteStream(ctx context.Context, bucket, key, versionID string, src io.Reader, declaredSize int64) (WriteResult, error) {
	return s.writeFile(ctx, s.bodyPath(bucket, key, versionID), src, declaredSize, "")
}

// WriteStreamVerified is WriteStream with a declared hex SHA-256. A
// mismatch removes the temporary file before anything becomes visible and
// fails with ErrChecksumMismatch.
func (s *Store) WriteStreamVerified(ctx context.Context, bucket, key, versionID string, src io.Reader, declaredSize int64, wantSHA256 string) (WriteResult, error) {
	return s.writeFile(ctx, s.bodyPath(bucket, key, versionID), src, declaredSize, wantSHA256)
}

// WritePart stages a multipart part. A replay of the same part number
// atomically replaces the prior staging.
func (s *Store) WritePart(ctx context.Context, uploadID string, partNumber int, src io.Reader, declaredSize int64) (WriteResult, error) {
	return s.writeFile(ctx, s.partPath(uploadID, partNumber), src, declaredSize, "")
}

func (s *Store) writeFile(ctx context.Context, dest string, src io.Reader, declaredSize int64, wantSHA256 string) (WriteResult, error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return WriteResult{}, fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(dest)+".tmp.*")
	if err != nil {
		return WriteResult{}, fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	md5Hash := md5.New()
	shaHash := sha256.New()
	size, err := copyChunks(ctx, io.MultiWriter(tmp, md5Hash, shaHash), src)
	if err != nil {
		cleanup()
		return WriteResult{}, fmt.Errorf("failed to write body: %w", err)
	}
	if declaredSize >= 0 && size < declaredSize {
		cleanup()
		return WriteResult{}, ErrIncompleteBody
	}
	if wantSHA256 != "" && !strings.EqualFold(wantSHA256, hex.EncodeToString(shaHash.Sum(nil))) {
		cleanup()
		return WriteResult{}, ErrChecksumMismatch
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return WriteResult{}, fmt.Errorf("failed to close temporary file: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return WriteResult{}, fmt.Errorf("failed to move body into place: %w", err)
	}

	return WriteResult{
		Size:   size,
		ETag:   hex.EncodeToString(md5Hash.Sum(nil)),
		SHA256: hex.EncodeToString(shaHash.Sum(nil)),
	}, nil
}

// copyChunks copies in bounded chunks so a cancelled request stops between
// reads instead of draining the source.
func copyChunks(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 64*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// ReadStream opens the body of a version, optionally restricted to an
// inclusive byte range resolved by the caller.
func (s *Store) ReadStream(ctx context.Context, bucket, key, versionID string, rng *ByteRange) (io.ReadCloser, error) {
	return s.openRange(s.bodyPath(bucket, key, versionID), rng)
}

// ReadPart opens a staged part, optionally restricted to a byte range.
func (s *Store) ReadPart(ctx context.Context, uploadID string, partNumber int, rng *ByteRange) (io.ReadCloser, error) {
	return s.openRange(s.partPath(uploadID, partNumber), rng)
}

func (s *Store) openRange(path string, rng *ByteRange) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open body: %w", err)
	}
	if rng == nil {
		return f, nil
	}
	if _, err := f.Seek(rng.Start, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to seek to range start: %w", err)
	}
	return &limitedFile{f: f, remaining: rng.Length()}, nil
}

type limitedFile struct {
	f         *os.File
	remaining int64
}

func (l *limitedFile) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.f.Read(p)
	l.remaining -= int64(n)
	return n, err
}

func (l *limitedFile) Close() error {
	return l.f.Close()
}

// Promote renames the body written under fromVersionID onto toVersionID
// in a single rename, replacing any body already at the destination.
func (s *Store) Promote(ctx context.Context, bucket, key, fromVersionID, toVersionID string) error {
	dest := s.bodyPath(bucket, key, toVersionID)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.Rename(s.bodyPath(bucket, key, fromVersionID), dest); err != nil {
		return fmt.Errorf("failed to promote staged body: %w", err)
	}
	return nil
}

// Delete removes a version body. Absent files yield success.
func (s *Store) Delete(ctx context.Context, bucket, key, versionID string) error {
	err := os.Remove(s.bodyPath(bucket, key, versionID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete body: %w", err)
	}
	return nil
}

// StagedPart identifies one staged part for concatenation. ETag must be
// the hex MD5 recorded when the part was written.
type StagedPart struct {
	UploadID   string
	PartNumber int
	Size       int64
	ETag       string
}

// Concatenate materializes staged parts, sorted by part number, into the
// body of (bucket, key, versionId). The returned ETag is
// hex(md5(md5(part1) || ... || md5(partN))) + "-" + N. Every non-final
// part must be at least the minimum part size.
func (s *Store) Concatenate(ctx context.Context, bucket, key, versionID string, parts []StagedPart) (int64, string, error) {
	if len(parts) == 0 {
		return 0, "", ErrNoParts
	}
	for i, p := range parts {
		if i < len(parts)-1 && p.Size < s.minPartSize {
			return 0, "", fmt.Errorf("%w: part %d is %d bytes", ErrPartTooSmall, p.PartNumber, p.Size)
		}
	}

	dest := s.bodyPath(bucket, key, versionID)
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, "", fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(dest)+".tmp.*")
	if err != nil {
		return 0, "", fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpName := tmp.Name()

	var total int64
	etagHash := md5.New()
	for _, p := range parts {
		n, err := s.appendPart(ctx, tmp, etagHash, p)
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return 0, "", err
		}
		total += n
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, "", fmt.Errorf("failed to close temporary file: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return 0, "", fmt.Errorf("failed to move body into place: %w", err)
	}

	etag := fmt.Sprintf("%s-%d", hex.EncodeToString(etagHash.Sum(nil)), len(parts))
	return total, etag, nil
}

func (s *Store) appendPart(ctx context.Context, dst io.Writer, etagHash hash.Hash, p StagedPart) (int64, error) {
	partMD5, err := hex.DecodeString(strings.Trim(p.ETag, `"`))
	if err != nil {
		return 0, fmt.Errorf("malformed part etag %q: %w", p.ETag, err)
	}
	etagHash.Write(partMD5)

	src, err := s.ReadPart(ctx, p.UploadID, p.PartNumber, nil)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	n, err := copyChunks(ctx, dst, src)
	if err != nil {
		return 0, fmt.Errorf("failed to append part %d: %w", p.PartNumber, err)
	}
	return n, nil
}

// RemoveUploadDir discards all staging for one upload. Idempotent.
func (s *Store) RemoveUploadDir(uploadID string) error {
	if err := os.RemoveAll(filepath.Join(s.uploadsDir, uploadID)); err != nil {
		return fmt.Errorf("failed to remove staging: %w", err)
	}
	return nil
}

// RemoveBucketDir discards all bodies of one bucket after bucket deletion.
func (s *Store) RemoveBucketDir(bucket string) error {
	if err := os.RemoveAll(filepath.Join(s.objectsDir, bucket)); err != nil {
		return fmt.Errorf("failed to remove bucket bodies: %w", err)
	}
	return nil
}

// CleanupTemp removes leftover temporary files. Called once at process
// start; interrupted writes never become visible bodies.
func (s *Store) CleanupTemp() {
	for _, root := range []string{s.objectsDir, s.uploadsDir} {
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if strings.Contains(d.Name(), ".tmp.") {
				if rmErr := os.Remove(path); rmErr == nil {
					logrus.WithField("path", path).Debug("Removed leftover temporary file")
				}
			}
			return nil
		})
	}
}
