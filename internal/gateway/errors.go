package gateway

import (
	"encoding/xml"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stratumfs/stratumfs/internal/access"
	"github.com/stratumfs/stratumfs/internal/datapath"
	"github.com/stratumfs/stratumfs/internal/index"
	"github.com/stratumfs/stratumfs/internal/multipart"
)

// Error is the S3 XML error envelope.
type Error struct {
	XMLName    xml.Name `xml:"Error"`
	Code       string   `xml:"Code"`
	Message    string   `xml:"Message"`
	Key        string   `xml:"Key,omitempty"`
	BucketName string   `xml:"BucketName,omitempty"`
	Resource   string   `xml:"Resource,omitempty"`
	RequestID  string   `xml:"RequestId"`
	HostID     string   `xml:"HostId"`
}

// errorStatus maps S3 error codes onto HTTP status codes.
var errorStatus = map[string]int{
	"InvalidArgument":                                http.StatusBadRequest,
	"InvalidBucketName":                              http.StatusBadRequest,
	"InvalidRequest":                                 http.StatusBadRequest,
	"InvalidPart":                                    http.StatusBadRequest,
	"InvalidPartOrder":                               http.StatusBadRequest,
	"EntityTooSmall":                                 http.StatusBadRequest,
	"IncompleteBody":                                 http.StatusBadRequest,
	"MalformedXML":                                   http.StatusBadRequest,
	"MalformedPolicy":                                http.StatusBadRequest,
	"XAmzContentSHA256Mismatch":                      http.StatusBadRequest,
	"InvalidAccessKeyId":                             http.StatusForbidden,
	"AccessDenied":                                   http.StatusForbidden,
	"NoSuchBucket":                                   http.StatusNotFound,
	"NoSuchKey":                                      http.StatusNotFound,
	"NoSuchUpload":                                   http.StatusNotFound,
	"NoSuchBucketPolicy":                             http.StatusNotFound,
	"NoSuchLifecycleConfiguration":                   http.StatusNotFound,
	"NoSuchTagSet":                                   http.StatusNotFound,
	"NoSuchConfiguration":                            http.StatusNotFound,
	"ObjectLockConfigurationNotFoundError":           http.StatusNotFound,
	"ReplicationConfigurationNotFoundError":          http.StatusNotFound,
	"ServerSideEncryptionConfigurationNotFoundError": http.StatusNotFound,
	"MethodNotAllowed":                               http.StatusMethodNotAllowed,
	"BucketAlreadyExists":                            http.StatusConflict,
	"BucketNotEmpty":                                 http.StatusConflict,
	"PreconditionFailed":                             http.StatusPreconditionFailed,
	"NotModified":                                    http.StatusNotModified,
	"InvalidRange":                                   http.StatusRequestedRangeNotSatisfiable,
	"InternalError":                                  http.StatusInternalServerError,
	"NotImplemented":                                 http.StatusNotImplemented,
}

type apiError struct {
	Code    string
	Message string
}

func (e *apiError) Error() string {
	return e.Code + ": " + e.Message
}

func (e *apiError) status() int {
	if s, ok := errorStatus[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func newAPIError(code, message string) *apiError {
	return &apiError{Code: code, Message: message}
}

// mapError translates internal sentinel errors onto API errors. Anything
// unrecognized becomes InternalError.
func mapError(err error) *apiError {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, index.ErrBucketNotFound), errors.Is(err, access.ErrNoSuchBucket):
		return newAPIError("NoSuchBucket", "The specified bucket does not exist")
	case errors.Is(err, index.ErrBucketAlreadyExists):
		return newAPIError("BucketAlreadyExists", "The requested bucket name is not available")
	case errors.Is(err, index.ErrBucketNotEmpty):
		return newAPIError("BucketNotEmpty", "The bucket you tried to delete is not empty")
	case errors.Is(err, index.ErrObjectNotFound), errors.Is(err, access.ErrNoSuchKey), errors.Is(err, datapath.ErrNotFound):
		return newAPIError("NoSuchKey", "The specified key does not exist")
	case errors.Is(err, index.ErrUploadNotFound):
		return newAPIError("NoSuchUpload", "The specified upload does not exist")
	case errors.Is(err, index.ErrInvalidBucketName):
		return newAPIError("InvalidBucketName", "The specified bucket is not valid")
	case errors.Is(err, access.ErrAccessDenied):
		return newAPIError("AccessDenied", "Access Denied")
	case errors.Is(err, datapath.ErrInvalidRange):
		return newAPIError("InvalidRange", "The requested range is not satisfiable")
	case errors.Is(err, datapath.ErrIncompleteBody):
		return newAPIError("IncompleteBody", "You did not provide the number of bytes specified by the Content-Length HTTP header")
	case errors.Is(err, datapath.ErrChecksumMismatch):
		return newAPIError("XAmzContentSHA256Mismatch", "The provided x-amz-content-sha256 header does not match what was computed")
	case errors.Is(err, multipart.ErrInvalidPart):
		return newAPIError("InvalidPart", "One or more of the specified parts could not be found or did not match")
	case errors.Is(err, multipart.ErrInvalidPartOrder):
		return newAPIError("InvalidPartOrder", "The list of parts was not in ascending order")
	case errors.Is(err, multipart.ErrEntityTooSmall), errors.Is(err, datapath.ErrPartTooSmall):
		return newAPIError("EntityTooSmall", "Your proposed upload is smaller than the minimum allowed size")
	case errors.Is(err, multipart.ErrInvalidPartNumber):
		return newAPIError("InvalidArgument", "Part number must be an integer between 1 and 10000")
	case errors.Is(err, multipart.ErrNoPartsSupplied):
		return newAPIError("MalformedXML", "The XML you provided was not well-formed or did not validate against our published schema")
	case errors.Is(err, index.ErrConfigNotFound):
		return newAPIError("NoSuchConfiguration", "The specified configuration does not exist")
	default:
		return newAPIError("InternalError", "We encountered an internal error. Please try again.")
	}
}

// writeError sends the S3 XML error envelope. The resource lands in the
// Key or BucketName field the way AWS does it.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error, resource string) {
	apiErr := mapError(err)
	requestID := requestIDFrom(r)

	if apiErr.Code == "InternalError" {
		g.log.WithError(err).WithFields(logrus.Fields{
			"request_id": requestID,
			"path":       r.URL.Path,
		}).Error("Request failed")
	}

	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("X-Amz-Request-Id", requestID)
	w.Header().Set("Date", time.Now().UTC().Format(http.TimeFormat))
	w.WriteHeader(apiErr.status())

	envelope := Error{
		Code:      apiErr.Code,
		Message:   apiErr.Message,
		RequestID: requestID,
		HostID:    g.hostID,
	}
	switch apiErr.Code {
	case "NoSuchKey":
		envelope.Key = resource
	case "NoSuchBucket", "BucketAlreadyExists", "BucketNotEmpty":
		envelope.BucketName = resource
	default:
		envelope.Resource = resource
	}

	w.Write([]byte(xml.Header))
	if encErr := xml.NewEncoder(w).Encode(envelope); encErr != nil {
		g.log.WithError(encErr).Error("Failed to encode error response")
	}
}
