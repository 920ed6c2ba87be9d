package datapath

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "objects"), filepath.Join(dir, "uploads"), 5)
	require.NoError(t, err)
	return s
}

func TestWriteAndReadStream(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	body := []byte("hello, stratum")

	res, err := s.WriteStream(ctx, "photos", "a/b.txt", "null", bytes.NewReader(body), int64(len(body)))
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), res.Size)
	assert.Equal(t, fmt.Sprintf("%x", md5.Sum(body)), res.ETag)
	assert.Equal(t, fmt.Sprintf("%x", sha256.Sum256(body)), res.SHA256)

	rc, err := s.ReadStream(ctx, "photos", "a/b.txt", "null", nil)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestReadStreamRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	body := []byte("0123456789")

	_, err := s.WriteStream(ctx, "b", "k", "v1", bytes.NewReader(body), -1)
	require.NoError(t, err)

	rc, err := s.ReadStream(ctx, "b", "k", "v1", &ByteRange{Start: 2, End: 5})
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, []byte("2345"), got)
}

func TestWriteStreamIncompleteBody(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.WriteStream(ctx, "b", "k", "null", strings.NewReader("short"), 100)
	require.ErrorIs(t, err, ErrIncompleteBody)

	// The failed write leaves no body behind.
	_, err = s.ReadStream(ctx, "b", "k", "null", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWriteStreamVerified(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	body := []byte("verified payload")
	digest := fmt.Sprintf("%x", sha256.Sum256(body))

	_, err := s.WriteStreamVerified(ctx, "b", "k", "null", bytes.NewReader(body), int64(len(body)), digest)
	require.NoError(t, err)

	_, err = s.WriteStreamVerified(ctx, "b", "k2", "null", bytes.NewReader(body), int64(len(body)), strings.Repeat("de", 32))
	require.ErrorIs(t, err, ErrChecksumMismatch)

	// A mismatch never materializes a body.
	_, err = s.ReadStream(ctx, "b", "k2", "null", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChecksumMismatchKeepsPriorBody(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.WriteStream(ctx, "b", "k", "null", strings.NewReader("first"), -1)
	require.NoError(t, err)

	_, err = s.WriteStreamVerified(ctx, "b", "k", "null", strings.NewReader("second"), -1, strings.Repeat("00", 32))
	require.ErrorIs(t, err, ErrChecksumMismatch)

	rc, err := s.ReadStream(ctx, "b", "k", "null", nil)
	require.NoError(t, err)
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	assert.Equal(t, "first", string(got))
}

func TestDeleteIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.WriteStream(ctx, "b", "k", "v1", strings.NewReader("x"), -1)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "b", "k", "v1"))
	require.NoError(t, s.Delete(ctx, "b", "k", "v1"))

	_, err = s.ReadStream(ctx, "b", "k", "v1", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcatenate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	partBodies := [][]byte{
		[]byte("aaaaaaaaaa"),
		[]byte("bbbbbbbbbb"),
		[]byte("cc"),
	}
	var parts []StagedPart
	for i, body := range partBodies {
		res, err := s.WritePart(ctx, "upload-1", i+1, bytes.NewReader(body), -1)
		require.NoError(t, err)
		parts = append(parts, StagedPart{
			UploadID:   "upload-1",
			PartNumber: i + 1,
			Size:       res.Size,
			ETag:       res.ETag,
		})
	}

	size, etag, err := s.Concatenate(ctx, "b", "k", "null", parts)
	require.NoError(t, err)
	assert.Equal(t, int64(22), size)

	// Multipart ETag: md5 over the concatenated binary part digests, with
	// a part-count suffix.
	h := md5.New()
	for _, body := range partBodies {
		sum := md5.Sum(body)
		h.Write(sum[:])
	}
	assert.Equal(t, fmt.Sprintf("%s-3", hex.EncodeToString(h.Sum(nil))), etag)

	rc, err := s.ReadStream(ctx, "b", "k", "null", nil)
	require.NoError(t, err)
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	assert.Equal(t, "aaaaaaaaaabbbbbbbbbbcc", string(got))
}

func TestConcatenateRejectsSmallNonFinalPart(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var parts []StagedPart
	for i, body := range []string{"ab", "cdefgh"} {
		res, err := s.WritePart(ctx, "upload-2", i+1, strings.NewReader(body), -1)
		require.NoError(t, err)
		parts = append(parts, StagedPart{
			UploadID:   "upload-2",
			PartNumber: i + 1,
			Size:       res.Size,
			ETag:       res.ETag,
		})
	}

	_, _, err := s.Concatenate(ctx, "b", "k", "null", parts)
	assert.ErrorIs(t, err, ErrPartTooSmall)
}

func TestConcatenateNoParts(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Concatenate(context.Background(), "b", "k", "null", nil)
	assert.ErrorIs(t, err, ErrNoParts)
}

func TestCleanupTemp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.WriteStream(ctx, "b", "k", "null", strings.NewReader("keep"), -1)
	require.NoError(t, err)

	// Simulate a write interrupted before rename.
	var bodyDir string
	require.NoError(t, filepath.Walk(s.objectsDir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			bodyDir = filepath.Dir(path)
		}
		return nil
	}))
	require.NotEmpty(t, bodyDir)
	orphan := filepath.Join(bodyDir, "deadbeef.tmp.123456")
	require.NoError(t, os.WriteFile(orphan, []byte("partial"), 0o644))

	s.CleanupTemp()

	_, err = os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))

	rc, err := s.ReadStream(ctx, "b", "k", "null", nil)
	require.NoError(t, err)
	rc.Close()
}
