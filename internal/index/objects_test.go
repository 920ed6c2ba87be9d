package index

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumfs/stratumfs/internal/acl"
)

func putVersion(t *testing.T, s *Store, bucket, key, etag string) *ObjectVersion {
	t.Helper()
	v := &ObjectVersion{Bucket: bucket, Key: key, ETag: etag, Size: int64(len(etag))}
	_, err := s.InsertVersion(context.Background(), v)
	require.NoError(t, err)
	return v
}

func TestInsertVersionUnversionedReplacesInPlace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateBucket(ctx, "b", "alice", nil))

	first := &ObjectVersion{Bucket: "b", Key: "k", ETag: "etag1"}
	replaced, err := s.InsertVersion(ctx, first)
	require.NoError(t, err)
	assert.Empty(t, replaced)
	assert.Equal(t, NullVersionID, first.VersionID)

	second := &ObjectVersion{Bucket: "b", Key: "k", ETag: "etag2"}
	replaced, err = s.InsertVersion(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, NullVersionID, replaced)

	versions, err := s.ListKeyVersions(ctx, "b", "k")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, "etag2", versions[0].ETag)
	assert.True(t, versions[0].IsLatest)
}

func TestInsertVersionEnabledAppends(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateBucket(ctx, "b", "alice", nil))
	require.NoError(t, s.SetBucketVersioning(ctx, "b", VersioningEnabled, false))

	v1 := &ObjectVersion{Bucket: "b", Key: "k", ETag: "etag1", LastModified: time.Now().Add(-time.Minute)}
	_, err := s.InsertVersion(ctx, v1)
	require.NoError(t, err)
	v2 := &ObjectVersion{Bucket: "b", Key: "k", ETag: "etag2"}
	_, err = s.InsertVersion(ctx, v2)
	require.NoError(t, err)

	assert.NotEqual(t, v1.VersionID, v2.VersionID)
	assert.NotEqual(t, NullVersionID, v1.VersionID)

	latest, err := s.GetVersion(ctx, "b", "k", "")
	require.NoError(t, err)
	assert.Equal(t, v2.VersionID, latest.VersionID)
	assert.True(t, latest.IsLatest)

	byID, err := s.GetVersion(ctx, "b", "k", v1.VersionID)
	require.NoError(t, err)
	assert.Equal(t, "etag1", byID.ETag)
	assert.False(t, byID.IsLatest)
}

func TestSuspendedKeepsExistingVersions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateBucket(ctx, "b", "alice", nil))
	require.NoError(t, s.SetBucketVersioning(ctx, "b", VersioningEnabled, false))

	v1 := &ObjectVersion{Bucket: "b", Key: "k", ETag: "etag1", LastModified: time.Now().Add(-time.Minute)}
	_, err := s.InsertVersion(ctx, v1)
	require.NoError(t, err)

	require.NoError(t, s.SetBucketVersioning(ctx, "b", VersioningSuspended, false))

	// Suspended puts land on "null" and replace only the "null" row; the
	// older real version survives.
	null1 := &ObjectVersion{Bucket: "b", Key: "k", ETag: "null1", LastModified: time.Now().Add(-30 * time.Second)}
	_, err = s.InsertVersion(ctx, null1)
	require.NoError(t, err)
	assert.Equal(t, NullVersionID, null1.VersionID)

	null2 := &ObjectVersion{Bucket: "b", Key: "k", ETag: "null2"}
	replaced, err := s.InsertVersion(ctx, null2)
	require.NoError(t, err)
	assert.Equal(t, NullVersionID, replaced)

	versions, err := s.ListKeyVersions(ctx, "b", "k")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "null2", versions[0].ETag)
	assert.Equal(t, "etag1", versions[1].ETag)
}

func TestDeleteMarkerAndPromotion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateBucket(ctx, "b", "alice", nil))
	require.NoError(t, s.SetBucketVersioning(ctx, "b", VersioningEnabled, false))

	v1 := &ObjectVersion{Bucket: "b", Key: "k", ETag: "etag1", LastModified: time.Now().Add(-time.Minute)}
	_, err := s.InsertVersion(ctx, v1)
	require.NoError(t, err)

	marker, err := s.InsertDeleteMarker(ctx, "b", "k", "alice", "")
	require.NoError(t, err)
	assert.True(t, marker.IsDeleteMarker)
	assert.True(t, marker.IsLatest)

	latest, err := s.GetVersion(ctx, "b", "k", "")
	require.NoError(t, err)
	assert.True(t, latest.IsDeleteMarker)

	// Removing the marker promotes the prior version back to latest.
	removed, err := s.RemoveVersion(ctx, "b", "k", marker.VersionID)
	require.NoError(t, err)
	assert.True(t, removed.IsDeleteMarker)

	latest, err = s.GetVersion(ctx, "b", "k", "")
	require.NoError(t, err)
	assert.Equal(t, v1.VersionID, latest.VersionID)
	assert.False(t, latest.IsDeleteMarker)
	assert.True(t, latest.IsLatest)
}

func TestRemoveVersionMissing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateBucket(ctx, "b", "alice", nil))

	_, err := s.RemoveVersion(ctx, "b", "absent", NullVersionID)
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestSuspendedNullDeleteMarker(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateBucket(ctx, "b", "alice", nil))
	require.NoError(t, s.SetBucketVersioning(ctx, "b", VersioningSuspended, false))

	putVersion(t, s, "b", "k", "etag1")
	_, err := s.RemoveVersion(ctx, "b", "k", NullVersionID)
	require.NoError(t, err)

	marker, err := s.InsertDeleteMarker(ctx, "b", "k", "alice", NullVersionID)
	require.NoError(t, err)
	assert.Equal(t, NullVersionID, marker.VersionID)

	latest, err := s.GetVersion(ctx, "b", "k", "")
	require.NoError(t, err)
	assert.True(t, latest.IsDeleteMarker)
	assert.Equal(t, NullVersionID, latest.VersionID)
}

func TestVersionTagsAndACL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateBucket(ctx, "b", "alice", nil))
	putVersion(t, s, "b", "k", "etag1")

	require.NoError(t, s.SetVersionTags(ctx, "b", "k", "", map[string]string{"env": "prod"}))
	v, err := s.GetVersion(ctx, "b", "k", "")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"env": "prod"}, v.Tags)

	grantACL, err := acl.FromCanned(acl.CannedACLPublicRead, "alice")
	require.NoError(t, err)
	require.NoError(t, s.SetVersionACL(ctx, "b", "k", "", grantACL))
	v, err = s.GetVersion(ctx, "b", "k", "")
	require.NoError(t, err)
	require.NotNil(t, v.ACL)
	assert.Len(t, v.ACL.Grants, 2)

	err = s.SetVersionTags(ctx, "b", "absent", "", nil)
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestMetadataRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateBucket(ctx, "b", "alice", nil))

	v := &ObjectVersion{
		Bucket:      "b",
		Key:         "k",
		ETag:        "etag1",
		ContentType: "text/plain",
		Metadata:    map[string]string{"author": "alice", "revision": "7"},
	}
	_, err := s.InsertVersion(ctx, v)
	require.NoError(t, err)

	got, err := s.GetVersion(ctx, "b", "k", "")
	require.NoError(t, err)
	assert.Equal(t, "text/plain", got.ContentType)
	assert.Equal(t, v.Metadata, got.Metadata)
	assert.Equal(t, "STANDARD", got.StorageClass)
}
