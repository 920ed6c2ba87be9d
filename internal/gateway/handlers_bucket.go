package gateway

import (
	"encoding/base64"
	"encoding/xml"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/stratumfs/stratumfs/internal/access"
	"github.com/stratumfs/stratumfs/internal/acl"
	"github.com/stratumfs/stratumfs/internal/index"
	"github.com/stratumfs/stratumfs/internal/lifecycle"
	"github.com/stratumfs/stratumfs/internal/notifications"
)

const maxConfigBody = 1 << 20 // 1 MiB cap on configuration documents

// ListBuckets returns the buckets owned by the caller. The admin
// principal sees everything.
func (g *Gateway) ListBuckets(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	if principal == "" {
		g.writeError(w, r, newAPIError("AccessDenied", "Access Denied"), "")
		return
	}

	buckets, err := g.idx.ListBuckets(r.Context())
	if err != nil {
		g.writeError(w, r, err, "")
		return
	}

	result := ListAllMyBucketsResult{
		Xmlns: s3Namespace,
		Owner: xmlOwner{ID: principal, DisplayName: principal},
	}
	for _, b := range buckets {
		if b.Owner != principal && principal != g.eval.AdminPrincipal() {
			continue
		}
		result.Buckets = append(result.Buckets, xmlBucket{
			Name:         b.Name,
			CreationDate: iso8601(b.CreatedAt),
		})
	}
	g.writeXML(w, r, http.StatusOK, result)
}

// CreateBucket creates a bucket owned by the caller, with an optional
// canned ACL from x-amz-acl.
func (g *Gateway) CreateBucket(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]

	if err := index.ValidateBucketName(bucket); err != nil {
		g.writeError(w, r, err, bucket)
		return
	}
	if err := g.authorize(r, "s3:CreateBucket", bucket, ""); err != nil {
		g.writeError(w, r, err, bucket)
		return
	}

	principal := principalFrom(r)
	canned := r.Header.Get("x-amz-acl")
	if canned == "" {
		canned = acl.CannedACLPrivate
	}
	bucketACL, err := acl.FromCanned(canned, principal)
	if err != nil {
		g.writeError(w, r, newAPIError("InvalidArgument", "Unknown canned ACL"), bucket)
		return
	}

	if err := g.idx.CreateBucket(r.Context(), bucket, principal, bucketACL); err != nil {
		g.writeError(w, r, err, bucket)
		return
	}
	w.Header().Set("Location", "/"+bucket)
	w.WriteHeader(http.StatusOK)
}

// DeleteBucket removes an empty bucket and its on-disk directory.
func (g *Gateway) DeleteBucket(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	if err := g.authorize(r, "s3:DeleteBucket", bucket, ""); err != nil {
		g.writeError(w, r, err, bucket)
		return
	}
	if err := g.idx.DeleteBucket(r.Context(), bucket); err != nil {
		g.writeError(w, r, err, bucket)
		return
	}
	if err := g.objects.DeleteBucketData(bucket); err != nil {
		g.log.WithError(err).WithField("bucket", bucket).Warn("Failed to remove bucket data directory")
	}
	w.WriteHeader(http.StatusNoContent)
}

// HeadBucket reports bucket existence and the caller's access, no body.
func (g *Gateway) HeadBucket(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	if err := g.authorize(r, "s3:ListBucket", bucket, ""); err != nil {
		w.WriteHeader(mapError(err).status())
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetBucketLocation reports the single region this server pretends to be.
func (g *Gateway) GetBucketLocation(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	if err := g.authorize(r, "s3:ListBucket", bucket, ""); err != nil {
		g.writeError(w, r, err, bucket)
		return
	}
	g.writeXML(w, r, http.StatusOK, LocationConstraint{Xmlns: s3Namespace})
}

func listParamsFrom(r *http.Request, bucket string) index.ListObjectsParams {
	query := r.URL.Query()
	maxKeys := index.DefaultMaxKeys
	if raw := query.Get("max-keys"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			maxKeys = n
		}
	}
	return index.ListObjectsParams{
		Bucket:    bucket,
		Prefix:    query.Get("prefix"),
		Delimiter: query.Get("delimiter"),
		MaxKeys:   maxKeys,
	}
}

func xmlObjectsFrom(objects []*index.ObjectVersion) []xmlObject {
	out := make([]xmlObject, 0, len(objects))
	for _, o := range objects {
		out = append(out, xmlObject{
			Key:          o.Key,
			LastModified: iso8601(o.LastModified),
			ETag:         `"` + o.ETag + `"`,
			Size:         o.Size,
			StorageClass: o.StorageClass,
			Owner:        xmlOwner{ID: o.Owner, DisplayName: o.Owner},
		})
	}
	return out
}

func xmlPrefixesFrom(prefixes []string) []xmlCommonPrefix {
	out := make([]xmlCommonPrefix, 0, len(prefixes))
	for _, p := range prefixes {
		out = append(out, xmlCommonPrefix{Prefix: p})
	}
	return out
}

// ListObjects is the V1 listing.
func (g *Gateway) ListObjects(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	if err := g.authorize(r, "s3:ListBucket", bucket, ""); err != nil {
		g.writeError(w, r, err, bucket)
		return
	}

	params := listParamsFrom(r, bucket)
	params.Marker = r.URL.Query().Get("marker")

	page, err := g.idx.ListObjects(r.Context(), params)
	if err != nil {
		g.writeError(w, r, err, bucket)
		return
	}

	g.writeXML(w, r, http.StatusOK, ListBucketResult{
		Xmlns:          s3Namespace,
		Name:           bucket,
		Prefix:         params.Prefix,
		Marker:         params.Marker,
		NextMarker:     page.NextMarker,
		MaxKeys:        params.MaxKeys,
		Delimiter:      params.Delimiter,
		IsTruncated:    page.IsTruncated,
		Contents:       xmlObjectsFrom(page.Objects),
		CommonPrefixes: xmlPrefixesFrom(page.CommonPrefixes),
	})
}

// ListObjectsV2 is the V2 listing. The continuation token is the base64
// of the last emitted key.
func (g *Gateway) ListObjectsV2(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	if err := g.authorize(r, "s3:ListBucket", bucket, ""); err != nil {
		g.writeError(w, r, err, bucket)
		return
	}

	query := r.URL.Query()
	params := listParamsFrom(r, bucket)

	token := query.Get("continuation-token")
	if token != "" {
		decoded, err := base64.StdEncoding.DecodeString(token)
		if err != nil {
			g.writeError(w, r, newAPIError("InvalidArgument", "The continuation token provided is incorrect"), bucket)
			return
		}
		params.Marker = string(decoded)
	}
	startAfter := query.Get("start-after")
	if startAfter > params.Marker {
		params.Marker = startAfter
	}

	page, err := g.idx.ListObjects(r.Context(), params)
	if err != nil {
		g.writeError(w, r, err, bucket)
		return
	}

	result := ListBucketResultV2{
		Xmlns:             s3Namespace,
		Name:              bucket,
		Prefix:            params.Prefix,
		StartAfter:        startAfter,
		ContinuationToken: token,
		KeyCount:          len(page.Objects) + len(page.CommonPrefixes),
		MaxKeys:           params.MaxKeys,
		Delimiter:         params.Delimiter,
		IsTruncated:       page.IsTruncated,
		Contents:          xmlObjectsFrom(page.Objects),
		CommonPrefixes:    xmlPrefixesFrom(page.CommonPrefixes),
	}
	if page.IsTruncated {
		result.NextContinuationToken = base64.StdEncoding.EncodeToString([]byte(page.NextMarker))
	}
	g.writeXML(w, r, http.StatusOK, result)
}

// ListObjectVersions lists versions and delete markers interleaved in
// (key asc, versionId asc) order.
func (g *Gateway) ListObjectVersions(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	if err := g.authorize(r, "s3:ListBucketVersions", bucket, ""); err != nil {
		g.writeError(w, r, err, bucket)
		return
	}

	query := r.URL.Query()
	params := listParamsFrom(r, bucket)
	params.Marker = query.Get("key-marker")
	params.VersionIDMarker = query.Get("version-id-marker")

	page, err := g.idx.ListVersions(r.Context(), params)
	if err != nil {
		g.writeError(w, r, err, bucket)
		return
	}

	result := ListVersionsResult{
		Xmlns:               s3Namespace,
		Name:                bucket,
		Prefix:              params.Prefix,
		KeyMarker:           params.Marker,
		VersionIDMarker:     params.VersionIDMarker,
		NextKeyMarker:       page.NextKeyMarker,
		NextVersionIDMarker: page.NextVersionIDMarker,
		MaxKeys:             params.MaxKeys,
		Delimiter:           params.Delimiter,
		IsTruncated:         page.IsTruncated,
		CommonPrefixes:      xmlPrefixesFrom(page.CommonPrefixes),
	}
	for _, v := range page.Versions {
		owner := xmlOwner{ID: v.Owner, DisplayName: v.Owner}
		if v.IsDeleteMarker {
			result.DeleteMarkers = append(result.DeleteMarkers, xmlDeleteMarker{
				Key:          v.Key,
				VersionID:    v.VersionID,
				IsLatest:     v.IsLatest,
				LastModified: iso8601(v.LastModified),
				Owner:        owner,
			})
			continue
		}
		result.Versions = append(result.Versions, xmlVersion{
			Key:          v.Key,
			VersionID:    v.VersionID,
			IsLatest:     v.IsLatest,
			LastModified: iso8601(v.LastModified),
			ETag:         `"` + v.ETag + `"`,
			Size:         v.Size,
			StorageClass: v.StorageClass,
			Owner:        owner,
		})
	}
	g.writeXML(w, r, http.StatusOK, result)
}

// GetBucketVersioning reports the bucket's versioning document.
func (g *Gateway) GetBucketVersioning(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	if err := g.authorize(r, "s3:GetBucketVersioning", bucket, ""); err != nil {
		g.writeError(w, r, err, bucket)
		return
	}

	b, err := g.idx.GetBucket(r.Context(), bucket)
	if err != nil {
		g.writeError(w, r, err, bucket)
		return
	}

	result := VersioningConfiguration{Xmlns: s3Namespace, Status: string(b.Versioning)}
	if b.MFADelete {
		result.MFADelete = "Enabled"
	}
	g.writeXML(w, r, http.StatusOK, result)
}

// PutBucketVersioning switches the bucket between Enabled and Suspended.
// Versioning cannot return to the unversioned state.
func (g *Gateway) PutBucketVersioning(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	if err := g.authorize(r, "s3:PutBucketVersioning", bucket, ""); err != nil {
		g.writeError(w, r, err, bucket)
		return
	}

	var doc VersioningConfiguration
	if err := xml.NewDecoder(io.LimitReader(r.Body, maxConfigBody)).Decode(&doc); err != nil {
		g.writeError(w, r, newAPIError("MalformedXML", "The XML you provided was not well-formed"), bucket)
		return
	}
	status := index.VersioningStatus(doc.Status)
	if status != index.VersioningEnabled && status != index.VersioningSuspended {
		g.writeError(w, r, newAPIError("InvalidArgument", "Versioning status must be Enabled or Suspended"), bucket)
		return
	}

	if err := g.idx.SetBucketVersioning(r.Context(), bucket, status, doc.MFADelete == "Enabled"); err != nil {
		g.writeError(w, r, err, bucket)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetBucketACL returns the bucket ACL document.
func (g *Gateway) GetBucketACL(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	if err := g.authorize(r, "s3:GetBucketAcl", bucket, ""); err != nil {
		g.writeError(w, r, err, bucket)
		return
	}

	b, err := g.idx.GetBucket(r.Context(), bucket)
	if err != nil {
		g.writeError(w, r, err, bucket)
		return
	}
	g.writeXML(w, r, http.StatusOK, aclToWire(b.ACL, b.Owner))
}

// PutBucketACL replaces the bucket ACL from a canned header or an XML
// body.
func (g *Gateway) PutBucketACL(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	if err := g.authorize(r, "s3:PutBucketAcl", bucket, ""); err != nil {
		g.writeError(w, r, err, bucket)
		return
	}

	b, err := g.idx.GetBucket(r.Context(), bucket)
	if err != nil {
		g.writeError(w, r, err, bucket)
		return
	}

	newACL, err := aclFromRequest(r, b.Owner)
	if err != nil {
		g.writeError(w, r, err, bucket)
		return
	}
	if err := g.idx.SetBucketACL(r.Context(), bucket, newACL); err != nil {
		g.writeError(w, r, err, bucket)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetBucketPolicy returns the stored policy JSON.
func (g *Gateway) GetBucketPolicy(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	if err := g.authorize(r, "s3:GetBucketPolicy", bucket, ""); err != nil {
		g.writeError(w, r, err, bucket)
		return
	}

	blob, err := g.idx.GetBucketConfig(r.Context(), bucket, index.ConfigPolicy)
	if err != nil {
		if mapError(err).Code == "NoSuchConfiguration" {
			err = newAPIError("NoSuchBucketPolicy", "The bucket policy does not exist")
		}
		g.writeError(w, r, err, bucket)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(blob)
}

// PutBucketPolicy validates and stores a policy document.
func (g *Gateway) PutBucketPolicy(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	if err := g.authorize(r, "s3:PutBucketPolicy", bucket, ""); err != nil {
		g.writeError(w, r, err, bucket)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBody))
	if err != nil {
		g.writeError(w, r, err, bucket)
		return
	}
	if _, err := access.ParsePolicy(body); err != nil {
		g.writeError(w, r, newAPIError("MalformedPolicy", err.Error()), bucket)
		return
	}
	if err := g.idx.SetBucketConfig(r.Context(), bucket, index.ConfigPolicy, body); err != nil {
		g.writeError(w, r, err, bucket)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteBucketPolicy removes the policy. Absent policies delete cleanly.
func (g *Gateway) DeleteBucketPolicy(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	if err := g.authorize(r, "s3:DeleteBucketPolicy", bucket, ""); err != nil {
		g.writeError(w, r, err, bucket)
		return
	}
	if err := g.idx.DeleteBucketConfig(r.Context(), bucket, index.ConfigPolicy); err != nil {
		g.writeError(w, r, err, bucket)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetBucketLifecycle returns the stored lifecycle document.
func (g *Gateway) GetBucketLifecycle(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	if err := g.authorize(r, "s3:GetLifecycleConfiguration", bucket, ""); err != nil {
		g.writeError(w, r, err, bucket)
		return
	}

	blob, err := g.idx.GetBucketConfig(r.Context(), bucket, index.ConfigLifecycle)
	if err != nil {
		if mapError(err).Code == "NoSuchConfiguration" {
			err = newAPIError("NoSuchLifecycleConfiguration", "The lifecycle configuration does not exist")
		}
		g.writeError(w, r, err, bucket)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(blob)
}

// PutBucketLifecycle validates and stores a lifecycle document.
func (g *Gateway) PutBucketLifecycle(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	if err := g.authorize(r, "s3:PutLifecycleConfiguration", bucket, ""); err != nil {
		g.writeError(w, r, err, bucket)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBody))
	if err != nil {
		g.writeError(w, r, err, bucket)
		return
	}
	if _, err := lifecycle.ParseConfiguration(body); err != nil {
		g.writeError(w, r, newAPIError("InvalidArgument", err.Error()), bucket)
		return
	}
	if err := g.idx.SetBucketConfig(r.Context(), bucket, index.ConfigLifecycle, body); err != nil {
		g.writeError(w, r, err, bucket)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// DeleteBucketLifecycle removes the lifecycle configuration.
func (g *Gateway) DeleteBucketLifecycle(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	if err := g.authorize(r, "s3:PutLifecycleConfiguration", bucket, ""); err != nil {
		g.writeError(w, r, err, bucket)
		return
	}
	if err := g.idx.DeleteBucketConfig(r.Context(), bucket, index.ConfigLifecycle); err != nil {
		g.writeError(w, r, err, bucket)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetBucketNotification returns the stored notification document.
func (g *Gateway) GetBucketNotification(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	if err := g.authorize(r, "s3:GetBucketNotification", bucket, ""); err != nil {
		g.writeError(w, r, err, bucket)
		return
	}

	blob, err := g.idx.GetBucketConfig(r.Context(), bucket, index.ConfigNotification)
	if err != nil {
		if mapError(err).Code == "NoSuchConfiguration" {
			// S3 answers an empty document rather than 404 here.
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"rules":[]}`))
			return
		}
		g.writeError(w, r, err, bucket)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(blob)
}

// PutBucketNotification validates and stores a notification document.
func (g *Gateway) PutBucketNotification(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	if err := g.authorize(r, "s3:PutBucketNotification", bucket, ""); err != nil {
		g.writeError(w, r, err, bucket)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBody))
	if err != nil {
		g.writeError(w, r, err, bucket)
		return
	}
	config, err := notifications.ParseConfiguration(body)
	if err != nil {
		g.writeError(w, r, newAPIError("InvalidArgument", err.Error()), bucket)
		return
	}
	config.Bucket = bucket
	if err := g.idx.SetBucketConfig(r.Context(), bucket, index.ConfigNotification, body); err != nil {
		g.writeError(w, r, err, bucket)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// blobKinds maps generic configuration operations onto stored kinds and
// the S3 error code for an absent document.
var blobKinds = map[string]struct {
	kind        index.ConfigKind
	missingCode string
}{
	"BucketTagging":           {index.ConfigTagging, "NoSuchTagSet"},
	"BucketVPC":               {index.ConfigVPC, "NoSuchConfiguration"},
	"ObjectLockConfiguration": {index.ConfigObjectLock, "ObjectLockConfigurationNotFoundError"},
	"BucketReplication":       {index.ConfigReplication, "ReplicationConfigurationNotFoundError"},
	"BucketEncryption":        {index.ConfigEncryption, "ServerSideEncryptionConfigurationNotFoundError"},
}

func blobKindFor(operation string) (index.ConfigKind, string) {
	for suffix, entry := range blobKinds {
		if strings.HasSuffix(operation, suffix) {
			return entry.kind, entry.missingCode
		}
	}
	return "", "NoSuchConfiguration"
}

// getBucketConfigBlob serves a stored configuration document verbatim.
func (g *Gateway) getBucketConfigBlob(operation string) http.HandlerFunc {
	kind, missingCode := blobKindFor(operation)
	return func(w http.ResponseWriter, r *http.Request) {
		bucket := mux.Vars(r)["bucket"]
		if err := g.authorize(r, "s3:"+operation, bucket, ""); err != nil {
			g.writeError(w, r, err, bucket)
			return
		}

		blob, err := g.idx.GetBucketConfig(r.Context(), bucket, kind)
		if err != nil {
			if mapError(err).Code == "NoSuchConfiguration" {
				err = newAPIError(missingCode, "The specified configuration does not exist")
			}
			g.writeError(w, r, err, bucket)
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusOK)
		w.Write(blob)
	}
}

// putBucketConfigBlob stores a configuration document verbatim.
func (g *Gateway) putBucketConfigBlob(operation string) http.HandlerFunc {
	kind, _ := blobKindFor(operation)
	return func(w http.ResponseWriter, r *http.Request) {
		bucket := mux.Vars(r)["bucket"]
		if err := g.authorize(r, "s3:"+operation, bucket, ""); err != nil {
			g.writeError(w, r, err, bucket)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBody))
		if err != nil {
			g.writeError(w, r, err, bucket)
			return
		}
		if err := g.idx.SetBucketConfig(r.Context(), bucket, kind, body); err != nil {
			g.writeError(w, r, err, bucket)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// deleteBucketConfigBlob removes a configuration document. Idempotent.
func (g *Gateway) deleteBucketConfigBlob(operation string) http.HandlerFunc {
	kind, _ := blobKindFor(operation)
	return func(w http.ResponseWriter, r *http.Request) {
		bucket := mux.Vars(r)["bucket"]
		if err := g.authorize(r, "s3:"+operation, bucket, ""); err != nil {
			g.writeError(w, r, err, bucket)
			return
		}
		if err := g.idx.DeleteBucketConfig(r.Context(), bucket, kind); err != nil {
			g.writeError(w, r, err, bucket)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ListMultipartUploads lists in-progress uploads of one bucket.
func (g *Gateway) ListMultipartUploads(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	if err := g.authorize(r, "s3:ListBucket", bucket, ""); err != nil {
		g.writeError(w, r, err, bucket)
		return
	}

	uploads, err := g.idx.ListUploads(r.Context(), bucket)
	if err != nil {
		g.writeError(w, r, err, bucket)
		return
	}

	result := ListMultipartUploadsResult{Xmlns: s3Namespace, Bucket: bucket}
	for _, u := range uploads {
		result.Uploads = append(result.Uploads, xmlUpload{
			Key:       u.Key,
			UploadID:  u.UploadID,
			Owner:     xmlOwner{ID: u.Owner, DisplayName: u.Owner},
			Initiated: iso8601(u.Initiated),
		})
	}
	g.writeXML(w, r, http.StatusOK, result)
}
