package gateway

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/stratumfs/stratumfs/internal/acl"
	"github.com/stratumfs/stratumfs/internal/datapath"
	"github.com/stratumfs/stratumfs/internal/index"
	"github.com/stratumfs/stratumfs/internal/notifications"
	"github.com/stratumfs/stratumfs/internal/object"
)

// verifiableSHA256 filters the x-amz-content-sha256 sentinels that carry
// no digest.
func verifiableSHA256(r *http.Request) string {
	v := r.Header.Get("x-amz-content-sha256")
	if v == "" || v == "UNSIGNED-PAYLOAD" || strings.HasPrefix(v, "STREAMING-") {
		return ""
	}
	return v
}

// metadataFrom collects x-amz-meta-* headers under lowercased names.
func metadataFrom(r *http.Request) map[string]string {
	metadata := map[string]string{}
	for name, values := range r.Header {
		lower := strings.ToLower(name)
		if suffix, ok := strings.CutPrefix(lower, "x-amz-meta-"); ok && len(values) > 0 {
			metadata[suffix] = values[0]
		}
	}
	return metadata
}

// tagsFromHeader parses the x-amz-tagging header (URL-encoded k=v pairs).
func tagsFromHeader(r *http.Request) (map[string]string, error) {
	raw := r.Header.Get("x-amz-tagging")
	if raw == "" {
		return nil, nil
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, newAPIError("InvalidArgument", "The tagging header is malformed")
	}
	tags := map[string]string{}
	for k, v := range values {
		if len(v) > 0 {
			tags[k] = v[0]
		}
	}
	return tags, nil
}

func writeVersionHeaders(w http.ResponseWriter, v *index.ObjectVersion) {
	w.Header().Set("ETag", `"`+v.ETag+`"`)
	w.Header().Set("Last-Modified", v.LastModified.UTC().Format(http.TimeFormat))
	if v.VersionID != index.NullVersionID {
		w.Header().Set("x-amz-version-id", v.VersionID)
	}
	if v.ContentType != "" {
		w.Header().Set("Content-Type", v.ContentType)
	}
	for k, val := range v.Metadata {
		w.Header().Set("x-amz-meta-"+k, val)
	}
}

// checkConditionals applies If-Match / If-None-Match / modified-since
// preconditions. A non-zero return is the final status to send.
func checkConditionals(r *http.Request, v *index.ObjectVersion) int {
	etag := `"` + v.ETag + `"`

	if match := r.Header.Get("If-Match"); match != "" {
		if match != etag && match != v.ETag && match != "*" {
			return http.StatusPreconditionFailed
		}
	}
	if since := r.Header.Get("If-Unmodified-Since"); since != "" {
		if t, err := http.ParseTime(since); err == nil && v.LastModified.Truncate(time.Second).After(t) {
			return http.StatusPreconditionFailed
		}
	}
	if noneMatch := r.Header.Get("If-None-Match"); noneMatch != "" {
		if noneMatch == etag || noneMatch == v.ETag || noneMatch == "*" {
			return http.StatusNotModified
		}
	}
	if since := r.Header.Get("If-Modified-Since"); since != "" {
		if t, err := http.ParseTime(since); err == nil && !v.LastModified.Truncate(time.Second).After(t) {
			return http.StatusNotModified
		}
	}
	return 0
}

// PutObject streams a new object version from the request body.
func (g *Gateway) PutObject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]

	if err := g.authorize(r, "s3:PutObject", bucket, key); err != nil {
		g.writeError(w, r, err, key)
		return
	}

	tags, err := tagsFromHeader(r)
	if err != nil {
		g.writeError(w, r, err, key)
		return
	}

	var versionACL *acl.ACL
	if canned := r.Header.Get("x-amz-acl"); canned != "" {
		versionACL, err = acl.FromCanned(canned, principalFrom(r))
		if err != nil {
			g.writeError(w, r, newAPIError("InvalidArgument", "Unknown canned ACL"), key)
			return
		}
	}

	version, err := g.objects.PutObject(r.Context(), object.PutInput{
		Bucket:        bucket,
		Key:           key,
		Owner:         principalFrom(r),
		ContentType:   r.Header.Get("Content-Type"),
		Metadata:      metadataFrom(r),
		Tags:          tags,
		ACL:           versionACL,
		Body:          r.Body,
		DeclaredSize:  r.ContentLength,
		ContentSHA256: verifiableSHA256(r),
	})
	if err != nil {
		g.writeError(w, r, err, key)
		return
	}

	if g.metrics != nil {
		g.metrics.BytesIn.Add(float64(version.Size))
	}
	g.publishEvent(r, notifications.EventObjectCreatedPut, bucket, key, version.Size, version.ETag, version.VersionID)

	w.Header().Set("ETag", `"`+version.ETag+`"`)
	if version.VersionID != index.NullVersionID {
		w.Header().Set("x-amz-version-id", version.VersionID)
	}
	w.WriteHeader(http.StatusOK)
}

// GetObject streams a version body, honoring Range and the conditional
// headers.
func (g *Gateway) GetObject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	versionID := r.URL.Query().Get("versionId")

	if err := g.authorize(r, "s3:GetObject", bucket, key); err != nil {
		g.writeError(w, r, err, key)
		return
	}

	var out *object.GetOutput
	err := retryOnce(func() error {
		var err error
		out, err = g.objects.GetObject(r.Context(), object.GetInput{
			Bucket:      bucket,
			Key:         key,
			VersionID:   versionID,
			RangeHeader: r.Header.Get("Range"),
		})
		return err
	})
	if errors.Is(err, datapath.ErrInvalidRange) {
		if v, headErr := g.objects.HeadObject(r.Context(), bucket, key, versionID); headErr == nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", v.Size))
		}
		g.writeError(w, r, err, key)
		return
	}
	if err != nil {
		g.writeError(w, r, err, key)
		return
	}
	defer out.Body.Close()

	if status := checkConditionals(r, out.Version); status != 0 {
		writeVersionHeaders(w, out.Version)
		w.WriteHeader(status)
		return
	}

	writeVersionHeaders(w, out.Version)
	if out.Rng != nil {
		w.Header().Set("Content-Length", strconv.FormatInt(out.Rng.Length(), 10))
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", out.Rng.Start, out.Rng.End, out.Version.Size))
		w.Header().Set("Accept-Ranges", "bytes")
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(out.Version.Size, 10))
		w.Header().Set("Accept-Ranges", "bytes")
		w.WriteHeader(http.StatusOK)
	}

	if _, err := io.Copy(w, out.Body); err != nil {
		g.log.WithError(err).WithFields(map[string]interface{}{
			"bucket": bucket,
			"key":    key,
		}).Warn("Failed to stream object body")
	}
}

// HeadObject returns version metadata with no body.
func (g *Gateway) HeadObject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	versionID := r.URL.Query().Get("versionId")

	if err := g.authorize(r, "s3:HeadObject", bucket, key); err != nil {
		w.WriteHeader(mapError(err).status())
		return
	}

	var version *index.ObjectVersion
	err := retryOnce(func() error {
		var err error
		version, err = g.objects.HeadObject(r.Context(), bucket, key, versionID)
		return err
	})
	if err != nil {
		w.WriteHeader(mapError(err).status())
		return
	}

	if status := checkConditionals(r, version); status != 0 {
		writeVersionHeaders(w, version)
		w.WriteHeader(status)
		return
	}

	writeVersionHeaders(w, version)
	w.Header().Set("Content-Length", strconv.FormatInt(version.Size, 10))
	w.Header().Set("Accept-Ranges", "bytes")
	w.WriteHeader(http.StatusOK)
}

// mfaGateBlocks enforces the x-amz-mfa requirement on versioned deletes
// in buckets with MFA delete enabled. Code validation is out of scope.
func (g *Gateway) mfaGateBlocks(r *http.Request, bucketName string, versionedDelete bool) bool {
	if !versionedDelete {
		return false
	}
	bucket, err := g.idx.GetBucket(r.Context(), bucketName)
	if err != nil || !bucket.MFADelete {
		return false
	}
	return r.Header.Get("x-amz-mfa") == ""
}

// DeleteObject applies versioned delete semantics and reports what
// happened through response headers.
func (g *Gateway) DeleteObject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	versionID := r.URL.Query().Get("versionId")

	if err := g.authorize(r, "s3:DeleteObject", bucket, key); err != nil {
		g.writeError(w, r, err, key)
		return
	}
	if g.mfaGateBlocks(r, bucket, versionID != "") {
		g.writeError(w, r, newAPIError("AccessDenied", "MFA authentication is required for this operation"), key)
		return
	}

	var result *object.DeleteResult
	err := retryOnceIf(versionID != "", func() error {
		var err error
		result, err = g.objects.DeleteObject(r.Context(), bucket, key, versionID, principalFrom(r))
		return err
	})
	if err != nil {
		g.writeError(w, r, err, key)
		return
	}

	eventType := notifications.EventObjectRemovedDelete
	if versionID == "" && result.DeleteMarker {
		eventType = notifications.EventObjectRemovedDeleteMarker
	}
	g.publishEvent(r, eventType, bucket, key, 0, "", result.VersionID)

	if result.VersionID != "" && result.VersionID != index.NullVersionID {
		w.Header().Set("x-amz-version-id", result.VersionID)
	}
	if result.DeleteMarker {
		w.Header().Set("x-amz-delete-marker", "true")
	}
	w.WriteHeader(http.StatusNoContent)
}

// retryOnceIf retries only when the operation is idempotent.
func retryOnceIf(idempotent bool, fn func() error) error {
	if idempotent {
		return retryOnce(fn)
	}
	return fn()
}

// parseCopySource splits x-amz-copy-source into bucket, key and an
// optional versionId.
func parseCopySource(raw string) (bucket, key, versionID string, err error) {
	source := raw
	if idx := strings.Index(source, "?"); idx >= 0 {
		query, qerr := url.ParseQuery(source[idx+1:])
		if qerr == nil {
			versionID = query.Get("versionId")
		}
		source = source[:idx]
	}
	if decoded, derr := url.PathUnescape(source); derr == nil {
		source = decoded
	}
	source = strings.TrimPrefix(source, "/")
	bucket, key, found := strings.Cut(source, "/")
	if !found || bucket == "" || key == "" {
		return "", "", "", newAPIError("InvalidArgument", "The copy source is malformed")
	}
	return bucket, key, versionID, nil
}

// CopyObject materializes a server-side copy of an existing version.
func (g *Gateway) CopyObject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	destBucket, destKey := vars["bucket"], vars["key"]

	srcBucket, srcKey, srcVersionID, err := parseCopySource(r.Header.Get("x-amz-copy-source"))
	if err != nil {
		g.writeError(w, r, err, destKey)
		return
	}

	if err := g.authorizeVersion(r, "s3:GetObject", srcBucket, srcKey, srcVersionID); err != nil {
		g.writeError(w, r, err, srcKey)
		return
	}
	if err := g.authorizeVersion(r, "s3:PutObject", destBucket, destKey, ""); err != nil {
		g.writeError(w, r, err, destKey)
		return
	}

	replace := strings.EqualFold(r.Header.Get("x-amz-metadata-directive"), "REPLACE")
	version, err := g.objects.CopyObject(r.Context(), object.CopyInput{
		SourceBucket:    srcBucket,
		SourceKey:       srcKey,
		SourceVersionID: srcVersionID,
		DestBucket:      destBucket,
		DestKey:         destKey,
		Owner:           principalFrom(r),
		ReplaceMetadata: replace,
		Metadata:        metadataFrom(r),
		ContentType:     r.Header.Get("Content-Type"),
	})
	if err != nil {
		g.writeError(w, r, err, destKey)
		return
	}

	g.publishEvent(r, notifications.EventObjectCreatedCopy, destBucket, destKey, version.Size, version.ETag, version.VersionID)

	if srcVersionID != "" {
		w.Header().Set("x-amz-copy-source-version-id", srcVersionID)
	}
	if version.VersionID != index.NullVersionID {
		w.Header().Set("x-amz-version-id", version.VersionID)
	}
	g.writeXML(w, r, http.StatusOK, CopyObjectResult{
		Xmlns:        s3Namespace,
		ETag:         `"` + version.ETag + `"`,
		LastModified: iso8601(version.LastModified),
	})
}

// DeleteObjects is the bulk delete endpoint (POST /bucket?delete).
func (g *Gateway) DeleteObjects(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]

	if g.mfaGateBlocks(r, bucket, true) {
		g.writeError(w, r, newAPIError("AccessDenied", "MFA authentication is required for this operation"), bucket)
		return
	}

	var req Delete
	if err := xml.NewDecoder(io.LimitReader(r.Body, maxConfigBody)).Decode(&req); err != nil {
		g.writeError(w, r, newAPIError("MalformedXML", "The XML you provided was not well-formed"), bucket)
		return
	}

	result := DeleteResult{Xmlns: s3Namespace}
	for _, entry := range req.Objects {
		if err := g.authorizeVersion(r, "s3:DeleteObject", bucket, entry.Key, entry.VersionID); err != nil {
			apiErr := mapError(err)
			result.Errors = append(result.Errors, DeleteError{
				Key:     entry.Key,
				Code:    apiErr.Code,
				Message: apiErr.Message,
			})
			continue
		}

		res, err := g.objects.DeleteObject(r.Context(), bucket, entry.Key, entry.VersionID, principalFrom(r))
		if err != nil {
			apiErr := mapError(err)
			result.Errors = append(result.Errors, DeleteError{
				Key:     entry.Key,
				Code:    apiErr.Code,
				Message: apiErr.Message,
			})
			continue
		}

		deleted := DeletedObject{Key: entry.Key, VersionID: entry.VersionID}
		if res.DeleteMarker {
			deleted.DeleteMarker = true
			if entry.VersionID == "" {
				deleted.DeleteMarkerVersionID = res.VersionID
			}
		}
		if !req.Quiet || res.DeleteMarker {
			result.Deleted = append(result.Deleted, deleted)
		}

		eventType := notifications.EventObjectRemovedDelete
		if entry.VersionID == "" && res.DeleteMarker {
			eventType = notifications.EventObjectRemovedDeleteMarker
		}
		g.publishEvent(r, eventType, bucket, entry.Key, 0, "", res.VersionID)
	}
	g.writeXML(w, r, http.StatusOK, result)
}

// GetObjectACL returns the version's ACL, falling back to an owner-only
// document.
func (g *Gateway) GetObjectACL(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	versionID := r.URL.Query().Get("versionId")

	if err := g.authorize(r, "s3:GetObjectAcl", bucket, key); err != nil {
		g.writeError(w, r, err, key)
		return
	}

	version, err := g.idx.GetVersion(r.Context(), bucket, key, versionID)
	if err != nil {
		g.writeError(w, r, err, key)
		return
	}
	g.writeXML(w, r, http.StatusOK, aclToWire(version.ACL, version.Owner))
}

// PutObjectACL replaces the version's ACL.
func (g *Gateway) PutObjectACL(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	versionID := r.URL.Query().Get("versionId")

	if err := g.authorize(r, "s3:PutObjectAcl", bucket, key); err != nil {
		g.writeError(w, r, err, key)
		return
	}

	version, err := g.idx.GetVersion(r.Context(), bucket, key, versionID)
	if err != nil {
		g.writeError(w, r, err, key)
		return
	}
	newACL, err := aclFromRequest(r, version.Owner)
	if err != nil {
		g.writeError(w, r, err, key)
		return
	}
	if err := g.idx.SetVersionACL(r.Context(), bucket, key, versionID, newACL); err != nil {
		g.writeError(w, r, err, key)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetObjectTagging returns the version's tag set.
func (g *Gateway) GetObjectTagging(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	versionID := r.URL.Query().Get("versionId")

	if err := g.authorize(r, "s3:GetObject", bucket, key); err != nil {
		g.writeError(w, r, err, key)
		return
	}

	version, err := g.idx.GetVersion(r.Context(), bucket, key, versionID)
	if err != nil {
		g.writeError(w, r, err, key)
		return
	}

	result := Tagging{Xmlns: s3Namespace}
	for k, v := range version.Tags {
		result.TagSet = append(result.TagSet, Tag{Key: k, Value: v})
	}
	if version.VersionID != index.NullVersionID {
		w.Header().Set("x-amz-version-id", version.VersionID)
	}
	g.writeXML(w, r, http.StatusOK, result)
}

// PutObjectTagging replaces the version's tag set.
func (g *Gateway) PutObjectTagging(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	versionID := r.URL.Query().Get("versionId")

	if err := g.authorize(r, "s3:PutObject", bucket, key); err != nil {
		g.writeError(w, r, err, key)
		return
	}

	var doc Tagging
	if err := xml.NewDecoder(io.LimitReader(r.Body, maxConfigBody)).Decode(&doc); err != nil {
		g.writeError(w, r, newAPIError("MalformedXML", "The XML you provided was not well-formed"), key)
		return
	}
	tags := map[string]string{}
	for _, tag := range doc.TagSet {
		tags[tag.Key] = tag.Value
	}

	if err := g.idx.SetVersionTags(r.Context(), bucket, key, versionID, tags); err != nil {
		g.writeError(w, r, err, key)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// DeleteObjectTagging clears the version's tag set.
func (g *Gateway) DeleteObjectTagging(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	versionID := r.URL.Query().Get("versionId")

	if err := g.authorize(r, "s3:PutObject", bucket, key); err != nil {
		g.writeError(w, r, err, key)
		return
	}
	if err := g.idx.SetVersionTags(r.Context(), bucket, key, versionID, nil); err != nil {
		g.writeError(w, r, err, key)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
