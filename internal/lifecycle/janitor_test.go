package lifecycle

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumfs/stratumfs/internal/datapath"
	"github.com/stratumfs/stratumfs/internal/index"
	"github.com/stratumfs/stratumfs/internal/multipart"
	"github.com/stratumfs/stratumfs/internal/object"
)

type janitorFixture struct {
	idx     *index.Store
	uploads *multipart.Coordinator
	janitor *Janitor
}

func newJanitorFixture(t *testing.T, staleAge time.Duration) *janitorFixture {
	t.Helper()
	dir := t.TempDir()
	idx, err := index.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	data, err := datapath.New(filepath.Join(dir, "objects"), filepath.Join(dir, "uploads"), 5)
	require.NoError(t, err)

	objects := object.NewService(idx, data)
	uploads := multipart.NewCoordinator(idx, data)
	return &janitorFixture{
		idx:     idx,
		uploads: uploads,
		janitor: NewJanitor(idx, objects, uploads, nil, time.Hour, staleAge),
	}
}

func setLifecycle(t *testing.T, idx *index.Store, bucket string, config *Configuration) {
	t.Helper()
	blob, err := json.Marshal(config)
	require.NoError(t, err)
	require.NoError(t, idx.SetBucketConfig(context.Background(), bucket, index.ConfigLifecycle, blob))
}

func insertAged(t *testing.T, idx *index.Store, bucket, key string, age time.Duration, tags map[string]string) *index.ObjectVersion {
	t.Helper()
	v := &index.ObjectVersion{
		Bucket:       bucket,
		Key:          key,
		Owner:        "alice",
		ETag:         "e",
		Tags:         tags,
		LastModified: time.Now().Add(-age),
	}
	_, err := idx.InsertVersion(context.Background(), v)
	require.NoError(t, err)
	return v
}

func expirationRule(days int, prefix string) *Configuration {
	return &Configuration{Rules: []Rule{{
		ID:         "expire",
		Status:     "Enabled",
		Filter:     Filter{Prefix: prefix},
		Expiration: &Expiration{Days: days},
	}}}
}

func TestRunPassExpiresCurrent(t *testing.T) {
	f := newJanitorFixture(t, time.Hour)
	ctx := context.Background()
	require.NoError(t, f.idx.CreateBucket(ctx, "b", "alice", nil))

	insertAged(t, f.idx, "b", "stale.log", 60*24*time.Hour, nil)
	insertAged(t, f.idx, "b", "fresh.log", time.Hour, nil)
	setLifecycle(t, f.idx, "b", expirationRule(30, ""))

	f.janitor.RunPass(ctx)

	_, err := f.idx.GetVersion(ctx, "b", "stale.log", "")
	assert.ErrorIs(t, err, index.ErrObjectNotFound)
	_, err = f.idx.GetVersion(ctx, "b", "fresh.log", "")
	assert.NoError(t, err)
}

func TestRunPassHonorsPrefixFilter(t *testing.T) {
	f := newJanitorFixture(t, time.Hour)
	ctx := context.Background()
	require.NoError(t, f.idx.CreateBucket(ctx, "b", "alice", nil))

	insertAged(t, f.idx, "b", "logs/old.log", 60*24*time.Hour, nil)
	insertAged(t, f.idx, "b", "data/old.bin", 60*24*time.Hour, nil)
	setLifecycle(t, f.idx, "b", expirationRule(30, "logs/"))

	f.janitor.RunPass(ctx)

	_, err := f.idx.GetVersion(ctx, "b", "logs/old.log", "")
	assert.ErrorIs(t, err, index.ErrObjectNotFound)
	_, err = f.idx.GetVersion(ctx, "b", "data/old.bin", "")
	assert.NoError(t, err)
}

func TestRunPassHonorsTagFilter(t *testing.T) {
	f := newJanitorFixture(t, time.Hour)
	ctx := context.Background()
	require.NoError(t, f.idx.CreateBucket(ctx, "b", "alice", nil))

	insertAged(t, f.idx, "b", "tagged", 60*24*time.Hour, map[string]string{"tier": "temp"})
	insertAged(t, f.idx, "b", "untagged", 60*24*time.Hour, nil)

	config := expirationRule(30, "")
	config.Rules[0].Filter.Tag = &Tag{Key: "tier", Value: "temp"}
	setLifecycle(t, f.idx, "b", config)

	f.janitor.RunPass(ctx)

	_, err := f.idx.GetVersion(ctx, "b", "tagged", "")
	assert.ErrorIs(t, err, index.ErrObjectNotFound)
	_, err = f.idx.GetVersion(ctx, "b", "untagged", "")
	assert.NoError(t, err)
}

func TestRunPassVersionedExpirationLeavesMarker(t *testing.T) {
	f := newJanitorFixture(t, time.Hour)
	ctx := context.Background()
	require.NoError(t, f.idx.CreateBucket(ctx, "b", "alice", nil))
	require.NoError(t, f.idx.SetBucketVersioning(ctx, "b", index.VersioningEnabled, false))

	insertAged(t, f.idx, "b", "k", 60*24*time.Hour, nil)
	setLifecycle(t, f.idx, "b", expirationRule(30, ""))

	f.janitor.RunPass(ctx)

	// The current version is shadowed by a delete marker, not destroyed.
	latest, err := f.idx.GetVersion(ctx, "b", "k", "")
	require.NoError(t, err)
	assert.True(t, latest.IsDeleteMarker)

	versions, err := f.idx.ListKeyVersions(ctx, "b", "k")
	require.NoError(t, err)
	require.Len(t, versions, 2)
}

func TestRunPassExpiresNoncurrentByAge(t *testing.T) {
	f := newJanitorFixture(t, time.Hour)
	ctx := context.Background()
	require.NoError(t, f.idx.CreateBucket(ctx, "b", "alice", nil))
	require.NoError(t, f.idx.SetBucketVersioning(ctx, "b", index.VersioningEnabled, false))

	insertAged(t, f.idx, "b", "k", 40*24*time.Hour, nil)
	insertAged(t, f.idx, "b", "k", 35*24*time.Hour, nil)
	current := insertAged(t, f.idx, "b", "k", time.Hour, nil)

	setLifecycle(t, f.idx, "b", &Configuration{Rules: []Rule{{
		ID:                          "nve",
		Status:                      "Enabled",
		NoncurrentVersionExpiration: &NoncurrentVersionExpiration{NoncurrentDays: 30},
	}}})

	f.janitor.RunPass(ctx)

	versions, err := f.idx.ListKeyVersions(ctx, "b", "k")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, current.VersionID, versions[0].VersionID)
}

func TestRunPassExpiresNoncurrentByCount(t *testing.T) {
	f := newJanitorFixture(t, time.Hour)
	ctx := context.Background()
	require.NoError(t, f.idx.CreateBucket(ctx, "b", "alice", nil))
	require.NoError(t, f.idx.SetBucketVersioning(ctx, "b", index.VersioningEnabled, false))

	// Four versions, oldest first. Keep the current plus one noncurrent.
	for i := 4; i >= 1; i-- {
		insertAged(t, f.idx, "b", "k", time.Duration(i)*24*time.Hour, nil)
	}

	setLifecycle(t, f.idx, "b", &Configuration{Rules: []Rule{{
		ID:                          "nve",
		Status:                      "Enabled",
		NoncurrentVersionExpiration: &NoncurrentVersionExpiration{NewerNoncurrentVersions: 1},
	}}})

	f.janitor.RunPass(ctx)

	versions, err := f.idx.ListKeyVersions(ctx, "b", "k")
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestRunPassSkipsDisabledAndMalformed(t *testing.T) {
	f := newJanitorFixture(t, time.Hour)
	ctx := context.Background()
	require.NoError(t, f.idx.CreateBucket(ctx, "disabled", "alice", nil))
	require.NoError(t, f.idx.CreateBucket(ctx, "broken", "alice", nil))

	insertAged(t, f.idx, "disabled", "old", 60*24*time.Hour, nil)
	insertAged(t, f.idx, "broken", "old", 60*24*time.Hour, nil)

	config := expirationRule(30, "")
	config.Rules[0].Status = "Disabled"
	setLifecycle(t, f.idx, "disabled", config)
	require.NoError(t, f.idx.SetBucketConfig(ctx, "broken", index.ConfigLifecycle, []byte("{broken")))

	f.janitor.RunPass(ctx)

	_, err := f.idx.GetVersion(ctx, "disabled", "old", "")
	assert.NoError(t, err)
	_, err = f.idx.GetVersion(ctx, "broken", "old", "")
	assert.NoError(t, err)
}

func TestRunPassAbortsStaleUploads(t *testing.T) {
	f := newJanitorFixture(t, time.Millisecond)
	ctx := context.Background()
	require.NoError(t, f.idx.CreateBucket(ctx, "b", "alice", nil))

	upload, err := f.uploads.Initiate(ctx, "b", "k", "alice", "", nil)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	f.janitor.RunPass(ctx)

	_, err = f.idx.GetUpload(ctx, upload.UploadID)
	assert.ErrorIs(t, err, index.ErrUploadNotFound)
}

func TestStartStop(t *testing.T) {
	f := newJanitorFixture(t, time.Hour)
	f.janitor.Start()
	f.janitor.Stop()
}
