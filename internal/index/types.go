package index

import (
	"errors"
	"time"

	"github.com/stratumfs/stratumfs/internal/acl"
)

// Sentinel errors surfaced by the index. The gateway maps these onto the
// S3 error taxonomy.
var (
	ErrBucketNotFound      = errors.New("bucket not found")
	ErrBucketAlreadyExists = errors.New("bucket already exists")
	ErrBucketNotEmpty      = errors.New("bucket not empty")
	ErrObjectNotFound      = errors.New("object not found")
	ErrUploadNotFound      = errors.New("upload not found")
	ErrConfigNotFound      = errors.New("bucket config not found")
	ErrJobNotFound         = errors.New("batch job not found")
	ErrUserNotFound        = errors.New("user not found")
	ErrUserAlreadyExists   = errors.New("user already exists")
	ErrInvalidTransition   = errors.New("invalid job status transition")
)

// VersioningStatus is the per-bucket versioning mode.
type VersioningStatus string

const (
	VersioningUnversioned VersioningStatus = ""
	VersioningEnabled     VersioningStatus = "Enabled"
	VersioningSuspended   VersioningStatus = "Suspended"
)

// NullVersionID is the reserved version id of the sole version of a key in
// an unversioned bucket. It is replaced in place on overwrite.
const NullVersionID = "null"

// Bucket is one row of the bucket table.
type Bucket struct {
	Name       string
	Owner      string
	CreatedAt  time.Time
	Versioning VersioningStatus
	MFADelete  bool
	ACL        *acl.ACL
}

// ObjectVersion is one row of the object version table. A delete marker has
// Size 0 and no body on disk.
type ObjectVersion struct {
	Bucket            string
	Key               string
	VersionID         string
	Size              int64
	ETag              string
	ContentType       string
	LastModified      time.Time
	Owner             string
	StorageClass      string
	Metadata          map[string]string
	Tags              map[string]string
	ACL               *acl.ACL
	ChecksumAlgorithm string
	ChecksumValue     string
	IsLatest          bool
	IsDeleteMarker    bool
}

// ConfigKind names a per-bucket configuration blob.
type ConfigKind string

const (
	ConfigPolicy       ConfigKind = "policy"
	ConfigLifecycle    ConfigKind = "lifecycle"
	ConfigNotification ConfigKind = "notification"
	ConfigVPC          ConfigKind = "vpc"
	ConfigReplication  ConfigKind = "replication"
	ConfigObjectLock   ConfigKind = "object-lock"
	ConfigEncryption   ConfigKind = "encryption"
	ConfigTagging      ConfigKind = "tagging"
)

// ListObjectsParams are the inputs of the shared listing algorithm.
type ListObjectsParams struct {
	Bucket          string
	Prefix          string
	Delimiter       string
	Marker          string // key marker (V1) or decoded continuation token (V2)
	VersionIDMarker string // only for ListVersions
	MaxKeys         int
}

// ListObjectsResult is a page of a (non-version) listing.
type ListObjectsResult struct {
	Objects        []*ObjectVersion
	CommonPrefixes []string
	IsTruncated    bool
	NextMarker     string
}

// ListVersionsResult is a page of a version listing.
type ListVersionsResult struct {
	Versions            []*ObjectVersion
	CommonPrefixes      []string
	IsTruncated         bool
	NextKeyMarker       string
	NextVersionIDMarker string
}

// MultipartUpload is one row of the upload table.
type MultipartUpload struct {
	UploadID    string
	Bucket      string
	Key         string
	Owner       string
	ContentType string
	Metadata    map[string]string
	Initiated   time.Time
}

// UploadPart is one staged part row.
type UploadPart struct {
	UploadID     string
	PartNumber   int
	Size         int64
	ETag         string
	LastModified time.Time
}

// AuditEvent is an immutable audit record.
type AuditEvent struct {
	ID             string
	Timestamp      time.Time
	EventType      string
	Principal      string
	SourceIP       string
	UserAgent      string
	RequestID      string
	Bucket         string
	Key            string
	Operation      string
	Status         string
	ErrorMessage   string
	AdditionalData map[string]string
}

// AuditFilter narrows an audit query.
type AuditFilter struct {
	Principal string
	Bucket    string
	EventType string
	Operation string
	Status    string
	Since     time.Time
	Until     time.Time
}

// JobStatus is the batch job state machine position.
type JobStatus string

const (
	JobPending   JobStatus = "Pending"
	JobReady     JobStatus = "Ready"
	JobActive    JobStatus = "Active"
	JobPaused    JobStatus = "Paused"
	JobComplete  JobStatus = "Complete"
	JobFailed    JobStatus = "Failed"
	JobCancelled JobStatus = "Cancelled"
)

// BatchJob is one row of the batch job table.
type BatchJob struct {
	ID               string
	OperationType    string
	Parameters       map[string]string
	ManifestLocation string
	Status           JobStatus
	CreatedAt        time.Time
	CompletedAt      *time.Time
	FailureReasons   []string
	Progress         JobProgress
}

// JobProgress tracks manifest entry counts.
type JobProgress struct {
	Total     int64
	Processed int64
	Failed    int64
}

// User is a credential row for the authenticator and the CLI.
type User struct {
	Username      string
	AccessKey     string
	SecretKeyHash string
	CreatedAt     time.Time
}
