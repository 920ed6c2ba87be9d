package object

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stratumfs/stratumfs/internal/acl"
	"github.com/stratumfs/stratumfs/internal/datapath"
	"github.com/stratumfs/stratumfs/internal/index"
)

// Service orchestrates object reads and writes across the data path and
// the metadata index. The gateway and the lifecycle janitor both drive
// deletes through it so versioning semantics live in one place.
type Service struct {
	idx  *index.Store
	data *datapath.Store
	log  *logrus.Entry
}

// NewService builds the object orchestration layer.
func NewService(idx *index.Store, data *datapath.Store) *Service {
	return &Service{
		idx:  idx,
		data: data,
		log:  logrus.WithField("component", "object"),
	}
}

// PutInput describes one object write.
type PutInput struct {
	Bucket      string
	Key         string
	Owner       string
	ContentType string
	Metadata    map[string]string
	Tags        map[string]string
	ACL         *acl.ACL
	Body        io.Reader
	// DeclaredSize is the Content-Length, or -1 when unknown.
	DeclaredSize int64
	// ContentSHA256 is the declared payload digest, already stripped of
	// sentinel values. Empty means unverified.
	ContentSHA256 string
}

// PutObject streams a new object version. In a versioning-enabled bucket
// every put appends a version; otherwise the reserved "null" version is
// replaced in place. A digest mismatch leaves no trace in the index or on
// disk, and an overwrite becomes visible only after its index row commits.
func (s *Service) PutObject(ctx context.Context, in PutInput) (*index.ObjectVersion, error) {
	bucket, err := s.idx.GetBucket(ctx, in.Bucket)
	if err != nil {
		return nil, err
	}

	versionID := index.NullVersionID
	if bucket.Versioning == index.VersioningEnabled {
		versionID = index.NewVersionID()
	}

	// Unversioned and suspended overwrites land on the "null" body path.
	// Stage those under a throwaway id so an index failure leaves the
	// previous body untouched.
	writeID := versionID
	if versionID == index.NullVersionID {
		writeID = index.NewVersionID()
	}

	res, err := s.data.WriteStreamVerified(ctx, in.Bucket, in.Key, writeID, in.Body, in.DeclaredSize, in.ContentSHA256)
	if err != nil {
		return nil, err
	}

	version := &index.ObjectVersion{
		Bucket:        in.Bucket,
		Key:           in.Key,
		VersionID:     versionID,
		Size:          res.Size,
		ETag:          res.ETag,
		ContentType:   in.ContentType,
		Owner:         in.Owner,
		Metadata:      in.Metadata,
		Tags:          in.Tags,
		ACL:           in.ACL,
		ChecksumValue: res.SHA256,
		LastModified:  time.Now(),
	}
	if _, err := s.idx.InsertVersion(ctx, version); err != nil {
		if rmErr := s.data.Delete(ctx, in.Bucket, in.Key, writeID); rmErr != nil {
			s.log.WithError(rmErr).WithFields(logrus.Fields{
				"bucket": in.Bucket,
				"key":    in.Key,
			}).Warn("Failed to roll back body after index failure")
		}
		return nil, err
	}
	if writeID != versionID {
		if err := s.data.Promote(ctx, in.Bucket, in.Key, writeID, versionID); err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{
				"bucket": in.Bucket,
				"key":    in.Key,
			}).Error("Failed to promote staged body after index commit")
			return nil, err
		}
	}
	return version, nil
}

// GetInput selects one object read.
type GetInput struct {
	Bucket    string
	Key       string
	VersionID string
	// RangeHeader is the raw Range header, empty for a full read.
	RangeHeader string
}

// GetOutput is a resolved read: metadata plus an open body stream. Rng is
// nil for a full-body read. The caller owns Body.
type GetOutput struct {
	Version *index.ObjectVersion
	Body    io.ReadCloser
	Rng     *datapath.ByteRange
}

// GetObject resolves the version, range bounds against its size, and the
// body stream. A latest-row delete marker reads as a missing object.
func (s *Service) GetObject(ctx context.Context, in GetInput) (*GetOutput, error) {
	version, err := s.idx.GetVersion(ctx, in.Bucket, in.Key, in.VersionID)
	if err != nil {
		return nil, err
	}
	if version.IsDeleteMarker {
		return nil, index.ErrObjectNotFound
	}

	var rng *datapath.ByteRange
	if in.RangeHeader != "" {
		r, err := datapath.ParseRange(in.RangeHeader, version.Size)
		if err != nil {
			return nil, err
		}
		rng = &r
	}

	body, err := s.data.ReadStream(ctx, in.Bucket, in.Key, version.VersionID, rng)
	if err != nil {
		return nil, err
	}
	return &GetOutput{Version: version, Body: body, Rng: rng}, nil
}

// HeadObject resolves metadata only. A latest-row delete marker reads as
// a missing object.
func (s *Service) HeadObject(ctx context.Context, bucket, key, versionID string) (*index.ObjectVersion, error) {
	version, err := s.idx.GetVersion(ctx, bucket, key, versionID)
	if err != nil {
		return nil, err
	}
	if version.IsDeleteMarker {
		return nil, index.ErrObjectNotFound
	}
	return version, nil
}

// DeleteResult reports what a delete did, for response headers.
type DeleteResult struct {
	// VersionID is the removed or created version id, when any.
	VersionID string
	// DeleteMarker is true when a marker was removed or created.
	DeleteMarker bool
}

// DeleteObject applies versioned delete semantics. With a versionId the
// named version row and body are removed. Without one: a
// versioning-enabled bucket gains a delete marker, a suspended bucket
// gains a "null" delete marker replacing any "null" row, and an
// unversioned bucket loses its current "null" version. Deleting an
// absent key succeeds with an empty result.
func (s *Service) DeleteObject(ctx context.Context, bucketName, key, versionID, owner string) (*DeleteResult, error) {
	bucket, err := s.idx.GetBucket(ctx, bucketName)
	if err != nil {
		return nil, err
	}

	if versionID != "" {
		removed, err := s.idx.RemoveVersion(ctx, bucketName, key, versionID)
		if errors.Is(err, index.ErrObjectNotFound) {
			return &DeleteResult{}, nil
		}
		if err != nil {
			return nil, err
		}
		if !removed.IsDeleteMarker {
			if err := s.data.Delete(ctx, bucketName, key, versionID); err != nil {
				return nil, err
			}
		}
		return &DeleteResult{VersionID: versionID, DeleteMarker: removed.IsDeleteMarker}, nil
	}

	switch bucket.Versioning {
	case index.VersioningEnabled:
		marker, err := s.idx.InsertDeleteMarker(ctx, bucketName, key, owner, "")
		if err != nil {
			return nil, err
		}
		return &DeleteResult{VersionID: marker.VersionID, DeleteMarker: true}, nil

	case index.VersioningSuspended:
		if err := s.removeNullVersion(ctx, bucketName, key); err != nil {
			return nil, err
		}
		marker, err := s.idx.InsertDeleteMarker(ctx, bucketName, key, owner, index.NullVersionID)
		if err != nil {
			return nil, err
		}
		return &DeleteResult{VersionID: marker.VersionID, DeleteMarker: true}, nil

	default:
		if err := s.removeNullVersion(ctx, bucketName, key); err != nil {
			return nil, err
		}
		return &DeleteResult{}, nil
	}
}

func (s *Service) removeNullVersion(ctx context.Context, bucketName, key string) error {
	removed, err := s.idx.RemoveVersion(ctx, bucketName, key, index.NullVersionID)
	if errors.Is(err, index.ErrObjectNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !removed.IsDeleteMarker {
		return s.data.Delete(ctx, bucketName, key, index.NullVersionID)
	}
	return nil
}

// CopyInput describes a server-side copy.
type CopyInput struct {
	SourceBucket    string
	SourceKey       string
	SourceVersionID string
	DestBucket      string
	DestKey         string
	Owner           string
	// ReplaceMetadata applies the supplied metadata and content type
	// instead of the source's (the REPLACE metadata directive).
	ReplaceMetadata bool
	Metadata        map[string]string
	ContentType     string
}

// CopyObject materializes a new version at the destination from an
// existing source version. Bytes move through the data path; no index
// row is shared.
func (s *Service) CopyObject(ctx context.Context, in CopyInput) (*index.ObjectVersion, error) {
	src, err := s.idx.GetVersion(ctx, in.SourceBucket, in.SourceKey, in.SourceVersionID)
	if err != nil {
		return nil, err
	}
	if src.IsDeleteMarker {
		return nil, index.ErrObjectNotFound
	}

	body, err := s.data.ReadStream(ctx, src.Bucket, src.Key, src.VersionID, nil)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	metadata := src.Metadata
	contentType := src.ContentType
	if in.ReplaceMetadata {
		metadata = in.Metadata
		contentType = in.ContentType
	}

	return s.PutObject(ctx, PutInput{
		Bucket:       in.DestBucket,
		Key:          in.DestKey,
		Owner:        in.Owner,
		ContentType:  contentType,
		Metadata:     metadata,
		Tags:         src.Tags,
		Body:         body,
		DeclaredSize: src.Size,
	})
}

// DeleteBucketData removes every body of a bucket after its row is gone.
func (s *Service) DeleteBucketData(bucketName string) error {
	return s.data.RemoveBucketDir(bucketName)
}
