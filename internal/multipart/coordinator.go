package multipart

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stratumfs/stratumfs/internal/datapath"
	"github.com/stratumfs/stratumfs/internal/index"
)

// Part validation errors. The gateway maps these onto InvalidPart,
// InvalidPartOrder and EntityTooSmall.
var (
	ErrInvalidPart       = errors.New("part is not staged or its etag does not match")
	ErrInvalidPartOrder  = errors.New("parts are not in ascending order")
	ErrEntityTooSmall    = errors.New("non-final part below minimum size")
	ErrInvalidPartNumber = errors.New("part number out of range")
	ErrNoPartsSupplied   = errors.New("complete request names no parts")
)

// MaxPartNumber bounds client part numbers.
const MaxPartNumber = 10000

const lockStripes = 32

// Coordinator serializes the multipart upload protocol per uploadId.
// Staged bytes live in the data path; part and upload records live in the
// index. Transitions on one uploadId run under a striped mutex so that
// exactly one of two concurrent completes succeeds.
type Coordinator struct {
	idx   *index.Store
	data  *datapath.Store
	locks [lockStripes]sync.Mutex
	log   *logrus.Entry
}

// NewCoordinator builds a coordinator over the index and data path.
func NewCoordinator(idx *index.Store, data *datapath.Store) *Coordinator {
	return &Coordinator{
		idx:  idx,
		data: data,
		log:  logrus.WithField("component", "multipart"),
	}
}

func (c *Coordinator) lock(uploadID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(uploadID))
	return &c.locks[h.Sum32()%lockStripes]
}

// Initiate creates an upload record. Metadata and content type are
// captured now and never re-read at complete.
func (c *Coordinator) Initiate(ctx context.Context, bucket, key, owner, contentType string, metadata map[string]string) (*index.MultipartUpload, error) {
	upload, err := c.idx.CreateUpload(ctx, bucket, key, owner, contentType, metadata)
	if err != nil {
		return nil, err
	}
	c.log.WithFields(logrus.Fields{
		"bucket":    bucket,
		"key":       key,
		"upload_id": upload.UploadID,
	}).Debug("Initiated multipart upload")
	return upload, nil
}

// UploadPart stages one part. A replay of the same part number replaces
// the prior staging atomically.
func (c *Coordinator) UploadPart(ctx context.Context, uploadID string, partNumber int, body io.Reader, declaredSize int64) (string, error) {
	if partNumber < 1 || partNumber > MaxPartNumber {
		return "", ErrInvalidPartNumber
	}

	mu := c.lock(uploadID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := c.idx.GetUpload(ctx, uploadID); err != nil {
		return "", err
	}

	res, err := c.data.WritePart(ctx, uploadID, partNumber, body, declaredSize)
	if err != nil {
		return "", err
	}
	if err := c.idx.PutPart(ctx, &index.UploadPart{
		UploadID:   uploadID,
		PartNumber: partNumber,
		Size:       res.Size,
		ETag:       res.ETag,
	}); err != nil {
		return "", err
	}
	return res.ETag, nil
}

// UploadPartCopy stages one part whose bytes come from an existing object
// version, optionally restricted to a byte range.
func (c *Coordinator) UploadPartCopy(ctx context.Context, uploadID string, partNumber int, src *index.ObjectVersion, rng *datapath.ByteRange) (string, int64, error) {
	body, err := c.data.ReadStream(ctx, src.Bucket, src.Key, src.VersionID, rng)
	if err != nil {
		return "", 0, err
	}
	defer body.Close()

	etag, err := c.UploadPart(ctx, uploadID, partNumber, body, -1)
	if err != nil {
		return "", 0, err
	}
	size := src.Size
	if rng != nil {
		size = rng.Length()
	}
	return etag, size, nil
}

// ClientPart is one entry of a CompleteMultipartUpload request.
type ClientPart struct {
	PartNumber int
	ETag       string
}

// Complete validates the client part list against staging, materializes
// the concatenation as a new object version, and removes the upload. On
// any failure the upload stays Initiated so the client may retry; a
// duplicate complete finds the record gone and gets ErrUploadNotFound.
func (c *Coordinator) Complete(ctx context.Context, uploadID string, clientParts []ClientPart) (*index.ObjectVersion, error) {
	if len(clientParts) == 0 {
		return nil, ErrNoPartsSupplied
	}

	mu := c.lock(uploadID)
	mu.Lock()
	defer mu.Unlock()

	upload, err := c.idx.GetUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	staged, err := c.idx.ListParts(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	byNumber := make(map[int]*index.UploadPart, len(staged))
	for _, p := range staged {
		byNumber[p.PartNumber] = p
	}

	parts := make([]datapath.StagedPart, 0, len(clientParts))
	prev := 0
	minSize := c.data.MinPartSize()
	for i, cp := range clientParts {
		if cp.PartNumber <= prev {
			return nil, ErrInvalidPartOrder
		}
		prev = cp.PartNumber

		sp, ok := byNumber[cp.PartNumber]
		if !ok || !etagEqual(sp.ETag, cp.ETag) {
			return nil, fmt.Errorf("%w: part %d", ErrInvalidPart, cp.PartNumber)
		}
		if i < len(clientParts)-1 && sp.Size < minSize {
			return nil, fmt.Errorf("%w: part %d is %d bytes", ErrEntityTooSmall, cp.PartNumber, sp.Size)
		}
		parts = append(parts, datapath.StagedPart{
			UploadID:   uploadID,
			PartNumber: sp.PartNumber,
			Size:       sp.Size,
			ETag:       sp.ETag,
		})
	}

	bucket, err := c.idx.GetBucket(ctx, upload.Bucket)
	if err != nil {
		return nil, err
	}
	versionID := index.NullVersionID
	if bucket.Versioning == index.VersioningEnabled {
		versionID = index.NewVersionID()
	}

	// Unversioned completions land on the "null" body path. Stage those
	// under a throwaway id so an index failure leaves the previous body
	// untouched.
	writeID := versionID
	if versionID == index.NullVersionID {
		writeID = index.NewVersionID()
	}

	size, etag, err := c.data.Concatenate(ctx, upload.Bucket, upload.Key, writeID, parts)
	if err != nil {
		return nil, err
	}

	version := &index.ObjectVersion{
		Bucket:       upload.Bucket,
		Key:          upload.Key,
		VersionID:    versionID,
		Size:         size,
		ETag:         etag,
		ContentType:  upload.ContentType,
		Owner:        upload.Owner,
		Metadata:     upload.Metadata,
		LastModified: time.Now(),
	}
	if _, err := c.idx.InsertVersion(ctx, version); err != nil {
		if rmErr := c.data.Delete(ctx, upload.Bucket, upload.Key, writeID); rmErr != nil {
			c.log.WithError(rmErr).WithField("upload_id", uploadID).Warn("Failed to roll back materialized body")
		}
		return nil, err
	}
	if writeID != versionID {
		if err := c.data.Promote(ctx, upload.Bucket, upload.Key, writeID, versionID); err != nil {
			c.log.WithError(err).WithField("upload_id", uploadID).Error("Failed to promote materialized body after index commit")
			return nil, err
		}
	}

	if err := c.data.RemoveUploadDir(uploadID); err != nil {
		c.log.WithError(err).WithField("upload_id", uploadID).Warn("Failed to remove part staging")
	}
	if err := c.idx.DeleteUpload(ctx, uploadID); err != nil {
		c.log.WithError(err).WithField("upload_id", uploadID).Warn("Failed to remove upload record")
	}

	c.log.WithFields(logrus.Fields{
		"bucket":     upload.Bucket,
		"key":        upload.Key,
		"upload_id":  uploadID,
		"parts":      len(parts),
		"size":       size,
		"version_id": version.VersionID,
	}).Info("Completed multipart upload")
	return version, nil
}

// Abort removes the upload record and all staged parts. Idempotent.
func (c *Coordinator) Abort(ctx context.Context, uploadID string) error {
	mu := c.lock(uploadID)
	mu.Lock()
	defer mu.Unlock()

	if err := c.data.RemoveUploadDir(uploadID); err != nil {
		return err
	}
	return c.idx.DeleteUpload(ctx, uploadID)
}

// AbortStale aborts uploads initiated before the cutoff and returns how
// many were removed. Called by the lifecycle janitor.
func (c *Coordinator) AbortStale(ctx context.Context, olderThan time.Time) (int, error) {
	stale, err := c.idx.StaleUploads(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	aborted := 0
	for _, u := range stale {
		if err := c.Abort(ctx, u.UploadID); err != nil {
			c.log.WithError(err).WithField("upload_id", u.UploadID).Warn("Failed to abort stale upload")
			continue
		}
		aborted++
	}
	return aborted, nil
}

func etagEqual(a, b string) bool {
	return strings.Trim(a, `"`) == strings.Trim(b, `"`)
}
