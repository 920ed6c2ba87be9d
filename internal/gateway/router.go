package gateway

import (
	"net/http"

	"github.com/gorilla/mux"
)

// subResources is the dispatch priority: the first one present in the
// query string determines the operation.
var subResources = []string{
	"policy", "acl", "versioning", "tagging", "lifecycle", "notification",
	"vpc", "object-lock", "replication", "encryption", "versions",
	"uploads", "uploadId", "delete", "select", "partNumber",
}

func dominantSubResource(r *http.Request) string {
	query := r.URL.Query()
	for _, sub := range subResources {
		if _, ok := query[sub]; ok {
			return sub
		}
	}
	return ""
}

// Router builds the S3 API route table. Admin JSON endpoints sit under
// /_admin, which can never collide with a bucket name.
func (g *Gateway) Router() *mux.Router {
	router := mux.NewRouter()
	router.SkipClean(true)
	router.UseEncodedPath()

	admin := router.PathPrefix("/_admin").Subrouter()
	admin.HandleFunc("/jobs", g.dispatchAdmin("CreateJob", g.CreateJob)).Methods(http.MethodPost)
	admin.HandleFunc("/jobs", g.dispatchAdmin("ListJobs", g.ListJobs)).Methods(http.MethodGet)
	admin.HandleFunc("/jobs/{id}", g.dispatchAdmin("DescribeJob", g.DescribeJob)).Methods(http.MethodGet)
	admin.HandleFunc("/jobs/{id}/status", g.dispatchAdmin("UpdateJobStatus", g.UpdateJobStatus)).Methods(http.MethodPost)
	admin.HandleFunc("/jobs/{id}", g.dispatchAdmin("DeleteJob", g.DeleteJob)).Methods(http.MethodDelete)
	admin.HandleFunc("/audit", g.dispatchAdmin("QueryAudit", g.QueryAudit)).Methods(http.MethodGet)

	router.HandleFunc("/", g.dispatchService).Methods(http.MethodGet)
	router.HandleFunc("/{bucket}", g.dispatchBucket)
	router.HandleFunc("/{bucket}/", g.dispatchBucket)
	router.HandleFunc("/{bucket}/{key:.+}", g.dispatchObject)
	return router
}

func (g *Gateway) dispatchService(w http.ResponseWriter, r *http.Request) {
	g.serve(w, r, "ListBuckets", "", "", g.ListBuckets)
}

func (g *Gateway) dispatchAdmin(operation string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.serve(w, r, operation, "", "", handler)
	}
}

func (g *Gateway) dispatchBucket(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	operation, handler := g.resolveBucketOp(r)
	if handler == nil {
		g.serve(w, r, operation, bucket, "", func(w http.ResponseWriter, r *http.Request) {
			g.writeError(w, r, newAPIError("MethodNotAllowed", "The specified method is not allowed against this resource"), bucket)
		})
		return
	}
	g.serve(w, r, operation, bucket, "", handler)
}

func (g *Gateway) resolveBucketOp(r *http.Request) (string, http.HandlerFunc) {
	switch dominantSubResource(r) {
	case "policy":
		switch r.Method {
		case http.MethodGet:
			return "GetBucketPolicy", g.GetBucketPolicy
		case http.MethodPut:
			return "PutBucketPolicy", g.PutBucketPolicy
		case http.MethodDelete:
			return "DeleteBucketPolicy", g.DeleteBucketPolicy
		}
	case "acl":
		switch r.Method {
		case http.MethodGet:
			return "GetBucketAcl", g.GetBucketACL
		case http.MethodPut:
			return "PutBucketAcl", g.PutBucketACL
		}
	case "versioning":
		switch r.Method {
		case http.MethodGet:
			return "GetBucketVersioning", g.GetBucketVersioning
		case http.MethodPut:
			return "PutBucketVersioning", g.PutBucketVersioning
		}
	case "tagging":
		switch r.Method {
		case http.MethodGet:
			return "GetBucketTagging", g.getBucketConfigBlob("GetBucketTagging")
		case http.MethodPut:
			return "PutBucketTagging", g.putBucketConfigBlob("PutBucketTagging")
		case http.MethodDelete:
			return "DeleteBucketTagging", g.deleteBucketConfigBlob("DeleteBucketTagging")
		}
	case "lifecycle":
		switch r.Method {
		case http.MethodGet:
			return "GetBucketLifecycle", g.GetBucketLifecycle
		case http.MethodPut:
			return "PutBucketLifecycle", g.PutBucketLifecycle
		case http.MethodDelete:
			return "DeleteBucketLifecycle", g.DeleteBucketLifecycle
		}
	case "notification":
		switch r.Method {
		case http.MethodGet:
			return "GetBucketNotification", g.GetBucketNotification
		case http.MethodPut:
			return "PutBucketNotification", g.PutBucketNotification
		}
	case "vpc":
		switch r.Method {
		case http.MethodGet:
			return "GetBucketVPC", g.getBucketConfigBlob("GetBucketVPC")
		case http.MethodPut:
			return "PutBucketVPC", g.putBucketConfigBlob("PutBucketVPC")
		case http.MethodDelete:
			return "DeleteBucketVPC", g.deleteBucketConfigBlob("DeleteBucketVPC")
		}
	case "object-lock":
		switch r.Method {
		case http.MethodGet:
			return "GetObjectLockConfiguration", g.getBucketConfigBlob("GetObjectLockConfiguration")
		case http.MethodPut:
			return "PutObjectLockConfiguration", g.putBucketConfigBlob("PutObjectLockConfiguration")
		}
	case "replication":
		switch r.Method {
		case http.MethodGet:
			return "GetBucketReplication", g.getBucketConfigBlob("GetBucketReplication")
		case http.MethodPut:
			return "PutBucketReplication", g.putBucketConfigBlob("PutBucketReplication")
		case http.MethodDelete:
			return "DeleteBucketReplication", g.deleteBucketConfigBlob("DeleteBucketReplication")
		}
	case "encryption":
		switch r.Method {
		case http.MethodGet:
			return "GetBucketEncryption", g.getBucketConfigBlob("GetBucketEncryption")
		case http.MethodPut:
			return "PutBucketEncryption", g.putBucketConfigBlob("PutBucketEncryption")
		case http.MethodDelete:
			return "DeleteBucketEncryption", g.deleteBucketConfigBlob("DeleteBucketEncryption")
		}
	case "versions":
		if r.Method == http.MethodGet {
			return "ListObjectVersions", g.ListObjectVersions
		}
	case "uploads":
		if r.Method == http.MethodGet {
			return "ListMultipartUploads", g.ListMultipartUploads
		}
	case "delete":
		if r.Method == http.MethodPost {
			return "DeleteObjects", g.DeleteObjects
		}
	case "":
		switch r.Method {
		case http.MethodGet:
			if _, ok := r.URL.Query()["location"]; ok {
				return "GetBucketLocation", g.GetBucketLocation
			}
			if r.URL.Query().Get("list-type") == "2" {
				return "ListObjectsV2", g.ListObjectsV2
			}
			return "ListObjects", g.ListObjects
		case http.MethodPut:
			return "CreateBucket", g.CreateBucket
		case http.MethodDelete:
			return "DeleteBucket", g.DeleteBucket
		case http.MethodHead:
			return "HeadBucket", g.HeadBucket
		}
	}
	return "UnsupportedOperation", nil
}

func (g *Gateway) dispatchObject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	operation, handler := g.resolveObjectOp(r)
	if handler == nil {
		g.serve(w, r, operation, bucket, key, func(w http.ResponseWriter, r *http.Request) {
			g.writeError(w, r, newAPIError("MethodNotAllowed", "The specified method is not allowed against this resource"), key)
		})
		return
	}
	g.serve(w, r, operation, bucket, key, handler)
}

func (g *Gateway) resolveObjectOp(r *http.Request) (string, http.HandlerFunc) {
	switch dominantSubResource(r) {
	case "acl":
		switch r.Method {
		case http.MethodGet:
			return "GetObjectAcl", g.GetObjectACL
		case http.MethodPut:
			return "PutObjectAcl", g.PutObjectACL
		}
	case "tagging":
		switch r.Method {
		case http.MethodGet:
			return "GetObjectTagging", g.GetObjectTagging
		case http.MethodPut:
			return "PutObjectTagging", g.PutObjectTagging
		case http.MethodDelete:
			return "DeleteObjectTagging", g.DeleteObjectTagging
		}
	case "uploads":
		if r.Method == http.MethodPost {
			return "CreateMultipartUpload", g.CreateMultipartUpload
		}
	case "uploadId":
		switch r.Method {
		case http.MethodPut:
			if r.Header.Get("x-amz-copy-source") != "" {
				return "UploadPartCopy", g.UploadPartCopy
			}
			return "UploadPart", g.UploadPart
		case http.MethodPost:
			return "CompleteMultipartUpload", g.CompleteMultipartUpload
		case http.MethodDelete:
			return "AbortMultipartUpload", g.AbortMultipartUpload
		case http.MethodGet:
			return "ListParts", g.ListParts
		}
	case "select":
		if r.Method == http.MethodPost {
			return "SelectObjectContent", g.notImplemented("SelectObjectContent")
		}
	case "partNumber":
		if r.Method == http.MethodGet {
			return "GetObjectPart", g.notImplemented("GetObjectPart")
		}
	case "":
		switch r.Method {
		case http.MethodGet:
			return "GetObject", g.GetObject
		case http.MethodHead:
			return "HeadObject", g.HeadObject
		case http.MethodPut:
			if r.Header.Get("x-amz-copy-source") != "" {
				return "CopyObject", g.CopyObject
			}
			return "PutObject", g.PutObject
		case http.MethodDelete:
			return "DeleteObject", g.DeleteObject
		}
	}
	return "UnsupportedOperation", nil
}

func (g *Gateway) notImplemented(operation string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.writeError(w, r, newAPIError("NotImplemented", "A header or query you provided implies functionality that is not implemented"), operation)
	}
}
