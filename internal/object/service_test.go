package object

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumfs/stratumfs/internal/datapath"
	"github.com/stratumfs/stratumfs/internal/index"
)

func newTestService(t *testing.T) (*Service, *index.Store) {
	t.Helper()
	dir := t.TempDir()
	idx, err := index.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	data, err := datapath.New(filepath.Join(dir, "objects"), filepath.Join(dir, "uploads"), 5)
	require.NoError(t, err)

	return NewService(idx, data), idx
}

func put(t *testing.T, s *Service, bucket, key, body string) *index.ObjectVersion {
	t.Helper()
	v, err := s.PutObject(context.Background(), PutInput{
		Bucket:       bucket,
		Key:          key,
		Owner:        "alice",
		Body:         strings.NewReader(body),
		DeclaredSize: int64(len(body)),
	})
	require.NoError(t, err)
	return v
}

func readBody(t *testing.T, out *GetOutput) string {
	t.Helper()
	defer out.Body.Close()
	b, err := io.ReadAll(out.Body)
	require.NoError(t, err)
	return string(b)
}

func TestPutGetUnversioned(t *testing.T) {
	s, idx := newTestService(t)
	ctx := context.Background()
	require.NoError(t, idx.CreateBucket(ctx, "b", "alice", nil))

	v := put(t, s, "b", "k", "hello")
	assert.Equal(t, index.NullVersionID, v.VersionID)
	assert.Equal(t, int64(5), v.Size)

	out, err := s.GetObject(ctx, GetInput{Bucket: "b", Key: "k"})
	require.NoError(t, err)
	assert.Equal(t, "hello", readBody(t, out))
	assert.Nil(t, out.Rng)

	// Overwrite replaces the sole "null" version.
	put(t, s, "b", "k", "replaced")
	out, err = s.GetObject(ctx, GetInput{Bucket: "b", Key: "k"})
	require.NoError(t, err)
	assert.Equal(t, "replaced", readBody(t, out))

	versions, err := idx.ListKeyVersions(ctx, "b", "k")
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestPutVersionedAppends(t *testing.T) {
	s, idx := newTestService(t)
	ctx := context.Background()
	require.NoError(t, idx.CreateBucket(ctx, "b", "alice", nil))
	require.NoError(t, idx.SetBucketVersioning(ctx, "b", index.VersioningEnabled, false))

	v1 := put(t, s, "b", "k", "one")
	v2 := put(t, s, "b", "k", "two")
	require.NotEqual(t, v1.VersionID, v2.VersionID)

	out, err := s.GetObject(ctx, GetInput{Bucket: "b", Key: "k"})
	require.NoError(t, err)
	assert.Equal(t, "two", readBody(t, out))

	out, err = s.GetObject(ctx, GetInput{Bucket: "b", Key: "k", VersionID: v1.VersionID})
	require.NoError(t, err)
	assert.Equal(t, "one", readBody(t, out))
}

func TestGetObjectRange(t *testing.T) {
	s, idx := newTestService(t)
	ctx := context.Background()
	require.NoError(t, idx.CreateBucket(ctx, "b", "alice", nil))
	put(t, s, "b", "k", "0123456789")

	out, err := s.GetObject(ctx, GetInput{Bucket: "b", Key: "k", RangeHeader: "bytes=2-5"})
	require.NoError(t, err)
	require.NotNil(t, out.Rng)
	assert.Equal(t, datapath.ByteRange{Start: 2, End: 5}, *out.Rng)
	assert.Equal(t, "2345", readBody(t, out))

	_, err = s.GetObject(ctx, GetInput{Bucket: "b", Key: "k", RangeHeader: "bytes=100-"})
	assert.ErrorIs(t, err, datapath.ErrInvalidRange)
}

func TestPutChecksumMismatchLeavesNoTrace(t *testing.T) {
	s, idx := newTestService(t)
	ctx := context.Background()
	require.NoError(t, idx.CreateBucket(ctx, "b", "alice", nil))

	_, err := s.PutObject(ctx, PutInput{
		Bucket:        "b",
		Key:           "k",
		Owner:         "alice",
		Body:          strings.NewReader("payload"),
		DeclaredSize:  7,
		ContentSHA256: strings.Repeat("00", 32),
	})
	require.ErrorIs(t, err, datapath.ErrChecksumMismatch)

	_, err = s.HeadObject(ctx, "b", "k", "")
	assert.ErrorIs(t, err, index.ErrObjectNotFound)
}

func TestPutChecksumVerified(t *testing.T) {
	s, idx := newTestService(t)
	ctx := context.Background()
	require.NoError(t, idx.CreateBucket(ctx, "b", "alice", nil))

	body := "payload"
	digest := fmt.Sprintf("%x", sha256.Sum256([]byte(body)))
	v, err := s.PutObject(ctx, PutInput{
		Bucket:        "b",
		Key:           "k",
		Owner:         "alice",
		Body:          strings.NewReader(body),
		DeclaredSize:  int64(len(body)),
		ContentSHA256: digest,
	})
	require.NoError(t, err)
	assert.Equal(t, digest, v.ChecksumValue)
}

func TestDeleteUnversioned(t *testing.T) {
	s, idx := newTestService(t)
	ctx := context.Background()
	require.NoError(t, idx.CreateBucket(ctx, "b", "alice", nil))
	put(t, s, "b", "k", "body")

	res, err := s.DeleteObject(ctx, "b", "k", "", "alice")
	require.NoError(t, err)
	assert.False(t, res.DeleteMarker)

	_, err = s.HeadObject(ctx, "b", "k", "")
	assert.ErrorIs(t, err, index.ErrObjectNotFound)

	// Deleting an absent key still succeeds.
	res, err = s.DeleteObject(ctx, "b", "k", "", "alice")
	require.NoError(t, err)
	assert.Empty(t, res.VersionID)
}

func TestDeleteVersionedCreatesMarker(t *testing.T) {
	s, idx := newTestService(t)
	ctx := context.Background()
	require.NoError(t, idx.CreateBucket(ctx, "b", "alice", nil))
	require.NoError(t, idx.SetBucketVersioning(ctx, "b", index.VersioningEnabled, false))

	v1 := put(t, s, "b", "k", "body")

	res, err := s.DeleteObject(ctx, "b", "k", "", "alice")
	require.NoError(t, err)
	assert.True(t, res.DeleteMarker)
	assert.NotEmpty(t, res.VersionID)

	// The latest row is now a marker; reads treat the key as gone.
	_, err = s.GetObject(ctx, GetInput{Bucket: "b", Key: "k"})
	assert.ErrorIs(t, err, index.ErrObjectNotFound)

	// The shadowed version remains readable by id.
	out, err := s.GetObject(ctx, GetInput{Bucket: "b", Key: "k", VersionID: v1.VersionID})
	require.NoError(t, err)
	assert.Equal(t, "body", readBody(t, out))

	// Removing the marker restores the key.
	res, err = s.DeleteObject(ctx, "b", "k", res.VersionID, "alice")
	require.NoError(t, err)
	assert.True(t, res.DeleteMarker)

	out, err = s.GetObject(ctx, GetInput{Bucket: "b", Key: "k"})
	require.NoError(t, err)
	assert.Equal(t, "body", readBody(t, out))
}

func TestDeleteSuspendedNullMarker(t *testing.T) {
	s, idx := newTestService(t)
	ctx := context.Background()
	require.NoError(t, idx.CreateBucket(ctx, "b", "alice", nil))
	require.NoError(t, idx.SetBucketVersioning(ctx, "b", index.VersioningSuspended, false))

	put(t, s, "b", "k", "body")

	res, err := s.DeleteObject(ctx, "b", "k", "", "alice")
	require.NoError(t, err)
	assert.True(t, res.DeleteMarker)
	assert.Equal(t, index.NullVersionID, res.VersionID)

	// The "null" row was replaced by the marker, not stacked under it.
	versions, err := idx.ListKeyVersions(ctx, "b", "k")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.True(t, versions[0].IsDeleteMarker)
}

func TestDeleteSpecificVersion(t *testing.T) {
	s, idx := newTestService(t)
	ctx := context.Background()
	require.NoError(t, idx.CreateBucket(ctx, "b", "alice", nil))
	require.NoError(t, idx.SetBucketVersioning(ctx, "b", index.VersioningEnabled, false))

	v1 := put(t, s, "b", "k", "one")
	put(t, s, "b", "k", "two")

	res, err := s.DeleteObject(ctx, "b", "k", v1.VersionID, "alice")
	require.NoError(t, err)
	assert.Equal(t, v1.VersionID, res.VersionID)
	assert.False(t, res.DeleteMarker)

	_, err = s.GetObject(ctx, GetInput{Bucket: "b", Key: "k", VersionID: v1.VersionID})
	assert.ErrorIs(t, err, index.ErrObjectNotFound)

	// The other version is untouched.
	out, err := s.GetObject(ctx, GetInput{Bucket: "b", Key: "k"})
	require.NoError(t, err)
	assert.Equal(t, "two", readBody(t, out))

	// Deleting an unknown version id succeeds with an empty result.
	res, err = s.DeleteObject(ctx, "b", "k", "no-such-version", "alice")
	require.NoError(t, err)
	assert.Empty(t, res.VersionID)
}

func TestCopyObject(t *testing.T) {
	s, idx := newTestService(t)
	ctx := context.Background()
	require.NoError(t, idx.CreateBucket(ctx, "src", "alice", nil))
	require.NoError(t, idx.CreateBucket(ctx, "dst", "alice", nil))

	_, err := s.PutObject(ctx, PutInput{
		Bucket:       "src",
		Key:          "k",
		Owner:        "alice",
		ContentType:  "text/plain",
		Metadata:     map[string]string{"origin": "src"},
		Body:         strings.NewReader("copy me"),
		DeclaredSize: 7,
	})
	require.NoError(t, err)

	copied, err := s.CopyObject(ctx, CopyInput{
		SourceBucket: "src", SourceKey: "k",
		DestBucket: "dst", DestKey: "k2",
		Owner: "bob",
	})
	require.NoError(t, err)
	assert.Equal(t, "text/plain", copied.ContentType)
	assert.Equal(t, map[string]string{"origin": "src"}, copied.Metadata)

	out, err := s.GetObject(ctx, GetInput{Bucket: "dst", Key: "k2"})
	require.NoError(t, err)
	assert.Equal(t, "copy me", readBody(t, out))

	// REPLACE directive swaps the metadata.
	replaced, err := s.CopyObject(ctx, CopyInput{
		SourceBucket: "src", SourceKey: "k",
		DestBucket: "dst", DestKey: "k3",
		Owner:           "bob",
		ReplaceMetadata: true,
		Metadata:        map[string]string{"origin": "replaced"},
		ContentType:     "application/octet-stream",
	})
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", replaced.ContentType)
	assert.Equal(t, map[string]string{"origin": "replaced"}, replaced.Metadata)
}

// cancelOnRead hands back its whole payload in one read and cancels the
// context at that moment: the disk write completes, the index insert
// that follows fails.
type cancelOnRead struct {
	data   string
	cancel context.CancelFunc
	done   bool
}

func (r *cancelOnRead) Read(p []byte) (int, error) {
	if r.done {
		return 0, io.EOF
	}
	r.done = true
	r.cancel()
	return copy(p, r.data), io.EOF
}

func TestPutOverwriteIndexFailureKeepsOldVersion(t *testing.T) {
	s, idx := newTestService(t)
	ctx := context.Background()
	require.NoError(t, idx.CreateBucket(ctx, "b", "alice", nil))

	original := put(t, s, "b", "k", "original")

	putCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := s.PutObject(putCtx, PutInput{
		Bucket:       "b",
		Key:          "k",
		Owner:        "alice",
		Body:         &cancelOnRead{data: "replacement", cancel: cancel},
		DeclaredSize: int64(len("replacement")),
	})
	require.Error(t, err)

	// The failed overwrite must not have touched the committed version.
	out, err := s.GetObject(ctx, GetInput{Bucket: "b", Key: "k"})
	require.NoError(t, err)
	assert.Equal(t, "original", readBody(t, out))

	v, err := idx.GetVersion(ctx, "b", "k", "")
	require.NoError(t, err)
	assert.Equal(t, original.ETag, v.ETag)
	assert.Equal(t, int64(len("original")), v.Size)
}
