package gateway

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/stratumfs/stratumfs/internal/datapath"
	"github.com/stratumfs/stratumfs/internal/index"
	"github.com/stratumfs/stratumfs/internal/multipart"
	"github.com/stratumfs/stratumfs/internal/notifications"
)

// CreateMultipartUpload opens a new upload. Metadata and content type
// are captured here, not at complete.
func (g *Gateway) CreateMultipartUpload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]

	if err := g.authorize(r, "s3:PutObject", bucket, key); err != nil {
		g.writeError(w, r, err, key)
		return
	}

	upload, err := g.uploads.Initiate(r.Context(), bucket, key, principalFrom(r), r.Header.Get("Content-Type"), metadataFrom(r))
	if err != nil {
		g.writeError(w, r, err, key)
		return
	}

	g.writeXML(w, r, http.StatusOK, InitiateMultipartUploadResult{
		Xmlns:    s3Namespace,
		Bucket:   bucket,
		Key:      key,
		UploadID: upload.UploadID,
	})
}

func partNumberFrom(r *http.Request) (int, error) {
	n, err := strconv.Atoi(r.URL.Query().Get("partNumber"))
	if err != nil {
		return 0, newAPIError("InvalidArgument", "Part number must be an integer")
	}
	return n, nil
}

// UploadPart stages one part body under its partNumber.
func (g *Gateway) UploadPart(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	uploadID := r.URL.Query().Get("uploadId")

	if err := g.authorize(r, "s3:PutObject", bucket, key); err != nil {
		g.writeError(w, r, err, key)
		return
	}
	partNumber, err := partNumberFrom(r)
	if err != nil {
		g.writeError(w, r, err, key)
		return
	}

	etag, err := g.uploads.UploadPart(r.Context(), uploadID, partNumber, r.Body, r.ContentLength)
	if err != nil {
		g.writeError(w, r, err, key)
		return
	}

	if g.metrics != nil && r.ContentLength > 0 {
		g.metrics.BytesIn.Add(float64(r.ContentLength))
	}
	w.Header().Set("ETag", `"`+etag+`"`)
	w.WriteHeader(http.StatusOK)
}

// UploadPartCopy stages a part from an existing object version.
func (g *Gateway) UploadPartCopy(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	uploadID := r.URL.Query().Get("uploadId")

	partNumber, err := partNumberFrom(r)
	if err != nil {
		g.writeError(w, r, err, key)
		return
	}
	srcBucket, srcKey, srcVersionID, err := parseCopySource(r.Header.Get("x-amz-copy-source"))
	if err != nil {
		g.writeError(w, r, err, key)
		return
	}

	if err := g.authorize(r, "s3:GetObject", srcBucket, srcKey); err != nil {
		g.writeError(w, r, err, srcKey)
		return
	}
	if err := g.authorize(r, "s3:PutObject", bucket, key); err != nil {
		g.writeError(w, r, err, key)
		return
	}

	src, err := g.idx.GetVersion(r.Context(), srcBucket, srcKey, srcVersionID)
	if err != nil {
		g.writeError(w, r, err, srcKey)
		return
	}
	if src.IsDeleteMarker {
		g.writeError(w, r, index.ErrObjectNotFound, srcKey)
		return
	}

	var rng *datapath.ByteRange
	if header := r.Header.Get("x-amz-copy-source-range"); header != "" {
		parsed, err := datapath.ParseRange(header, src.Size)
		if err != nil {
			g.writeError(w, r, err, srcKey)
			return
		}
		rng = &parsed
	}

	etag, _, err := g.uploads.UploadPartCopy(r.Context(), uploadID, partNumber, src, rng)
	if err != nil {
		g.writeError(w, r, err, key)
		return
	}

	g.writeXML(w, r, http.StatusOK, CopyPartResult{
		Xmlns:        s3Namespace,
		ETag:         `"` + etag + `"`,
		LastModified: iso8601(src.LastModified),
	})
}

// CompleteMultipartUpload validates the client part list and materializes
// the object.
func (g *Gateway) CompleteMultipartUpload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	uploadID := r.URL.Query().Get("uploadId")

	if err := g.authorize(r, "s3:PutObject", bucket, key); err != nil {
		g.writeError(w, r, err, key)
		return
	}

	var req CompleteMultipartUpload
	if err := xml.NewDecoder(io.LimitReader(r.Body, maxConfigBody)).Decode(&req); err != nil {
		g.writeError(w, r, newAPIError("MalformedXML", "The XML you provided was not well-formed"), key)
		return
	}
	parts := make([]multipart.ClientPart, 0, len(req.Parts))
	for _, p := range req.Parts {
		parts = append(parts, multipart.ClientPart{PartNumber: p.PartNumber, ETag: p.ETag})
	}

	version, err := g.uploads.Complete(r.Context(), uploadID, parts)
	if err != nil {
		g.writeError(w, r, err, key)
		return
	}

	g.publishEvent(r, notifications.EventObjectCreatedMultipart, bucket, key, version.Size, version.ETag, version.VersionID)

	if version.VersionID != index.NullVersionID {
		w.Header().Set("x-amz-version-id", version.VersionID)
	}
	g.writeXML(w, r, http.StatusOK, CompleteMultipartUploadResult{
		Xmlns:    s3Namespace,
		Location: fmt.Sprintf("/%s/%s", bucket, key),
		Bucket:   bucket,
		Key:      key,
		ETag:     `"` + version.ETag + `"`,
	})
}

// AbortMultipartUpload discards the upload and its staged parts.
func (g *Gateway) AbortMultipartUpload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	uploadID := r.URL.Query().Get("uploadId")

	if err := g.authorize(r, "s3:PutObject", bucket, key); err != nil {
		g.writeError(w, r, err, key)
		return
	}
	if err := retryOnce(func() error {
		return g.uploads.Abort(r.Context(), uploadID)
	}); err != nil {
		g.writeError(w, r, err, key)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListParts returns the staged parts of an open upload.
func (g *Gateway) ListParts(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	uploadID := r.URL.Query().Get("uploadId")

	if err := g.authorize(r, "s3:ListBucket", bucket, ""); err != nil {
		g.writeError(w, r, err, key)
		return
	}

	upload, err := g.idx.GetUpload(r.Context(), uploadID)
	if err != nil {
		g.writeError(w, r, err, key)
		return
	}
	parts, err := g.idx.ListParts(r.Context(), uploadID)
	if err != nil {
		g.writeError(w, r, err, key)
		return
	}

	result := ListPartsResult{
		Xmlns:    s3Namespace,
		Bucket:   bucket,
		Key:      key,
		UploadID: uploadID,
		Owner:    xmlOwner{ID: upload.Owner, DisplayName: upload.Owner},
	}
	for _, p := range parts {
		result.Parts = append(result.Parts, xmlPart{
			PartNumber:   p.PartNumber,
			LastModified: iso8601(p.LastModified),
			ETag:         `"` + p.ETag + `"`,
			Size:         p.Size,
		})
	}
	g.writeXML(w, r, http.StatusOK, result)
}
