package gateway

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stratumfs/stratumfs/internal/access"
	"github.com/stratumfs/stratumfs/internal/auth"
	"github.com/stratumfs/stratumfs/internal/config"
	"github.com/stratumfs/stratumfs/internal/index"
	"github.com/stratumfs/stratumfs/internal/metrics"
	"github.com/stratumfs/stratumfs/internal/multipart"
	"github.com/stratumfs/stratumfs/internal/notifications"
	"github.com/stratumfs/stratumfs/internal/object"
)

// Gateway is the S3 wire-protocol front end. It owns request parsing,
// dispatch, response encoding and auditing; all object semantics live in
// the layers below.
type Gateway struct {
	cfg     *config.Config
	idx     *index.Store
	objects *object.Service
	uploads *multipart.Coordinator
	eval    *access.Evaluator
	authn   auth.Authenticator
	events  *notifications.Publisher
	metrics *metrics.Registry
	log     *logrus.Entry
	hostID  string
}

// New wires the gateway over its collaborators.
func New(cfg *config.Config, idx *index.Store, objects *object.Service, uploads *multipart.Coordinator, eval *access.Evaluator, authn auth.Authenticator, events *notifications.Publisher, reg *metrics.Registry) *Gateway {
	return &Gateway{
		cfg:     cfg,
		idx:     idx,
		objects: objects,
		uploads: uploads,
		eval:    eval,
		authn:   authn,
		events:  events,
		metrics: reg,
		log:     logrus.WithField("component", "gateway"),
		hostID:  uuid.NewString(),
	}
}

type contextKey int

const (
	requestIDKey contextKey = iota
	principalKey
)

func requestIDFrom(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func principalFrom(r *http.Request) string {
	if p, ok := r.Context().Value(principalKey).(string); ok {
		return p
	}
	return ""
}

// statusRecorder captures the status code and body size for logging,
// metrics and audit.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *statusRecorder) Write(p []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	n, err := rec.ResponseWriter.Write(p)
	rec.bytes += int64(n)
	return n, err
}

// serve runs one resolved operation with the full ambient treatment:
// request id, authentication, panic recovery, structured log line,
// metrics and audit trail.
func (g *Gateway) serve(w http.ResponseWriter, r *http.Request, operation, bucket, key string, handler http.HandlerFunc) {
	requestID := uuid.NewString()
	ctx := context.WithValue(r.Context(), requestIDKey, requestID)
	r = r.WithContext(ctx)
	w.Header().Set("X-Amz-Request-Id", requestID)

	principal, err := g.authn.Authenticate(ctx, r)
	if err != nil {
		g.writeError(w, r, newAPIError("InvalidAccessKeyId", "The AWS access key ID you provided does not exist in our records"), bucket)
		g.audit(r, operation, bucket, key, "", http.StatusForbidden, err)
		return
	}
	r = r.WithContext(context.WithValue(r.Context(), principalKey, principal))

	rec := &statusRecorder{ResponseWriter: w}
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			g.log.WithFields(logrus.Fields{
				"request_id": requestID,
				"panic":      p,
			}).Error("Handler panicked")
			if rec.status == 0 {
				g.writeError(rec, r, newAPIError("InternalError", "We encountered an internal error. Please try again."), bucket)
			}
		}

		duration := time.Since(start)
		if g.metrics != nil {
			g.metrics.RequestsTotal.WithLabelValues(operation, strconv.Itoa(rec.status)).Inc()
			g.metrics.RequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
			g.metrics.BytesOut.Add(float64(rec.bytes))
		}
		g.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"operation":  operation,
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     rec.status,
			"duration":   duration,
			"principal":  principal,
		}).Info("Request handled")

		g.audit(r, operation, bucket, key, principal, rec.status, nil)
	}()

	handler(rec, r)
}

func (g *Gateway) audit(r *http.Request, operation, bucket, key, principal string, status int, authErr error) {
	event := &index.AuditEvent{
		EventType: "s3",
		Principal: principal,
		SourceIP:  r.RemoteAddr,
		UserAgent: r.UserAgent(),
		RequestID: requestIDFrom(r),
		Bucket:    bucket,
		Key:       key,
		Operation: operation,
		Status:    strconv.Itoa(status),
	}
	if authErr != nil {
		event.ErrorMessage = authErr.Error()
	}
	if err := g.idx.AppendAudit(r.Context(), event); err != nil {
		g.log.WithError(err).Warn("Failed to append audit event")
	}
}

// retryOnce re-runs fn one time when it fails with an internal error.
// Only idempotent operations go through here.
func retryOnce(fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	if mapError(err).Code != "InternalError" {
		return err
	}
	return fn()
}

// authorize runs the access evaluator for the current principal. The
// request's versionId selects whose ACL governs version-targeted
// operations.
func (g *Gateway) authorize(r *http.Request, action, bucket, key string) error {
	return g.authorizeVersion(r, action, bucket, key, r.URL.Query().Get("versionId"))
}

func (g *Gateway) authorizeVersion(r *http.Request, action, bucket, key, versionID string) error {
	return g.eval.Authorize(r.Context(), access.Request{
		Principal: principalFrom(r),
		Action:    action,
		Bucket:    bucket,
		Key:       key,
		VersionID: versionID,
	})
}

// publishEvent submits a notification after a successful write or delete.
func (g *Gateway) publishEvent(r *http.Request, eventType notifications.EventType, bucket, key string, size int64, etag, versionID string) {
	if g.events == nil {
		return
	}
	g.events.Publish(r.Context(), notifications.EventInfo{
		Bucket:    bucket,
		Key:       key,
		Size:      size,
		ETag:      etag,
		VersionID: versionID,
		EventType: eventType,
		Principal: principalFrom(r),
		RequestID: requestIDFrom(r),
		SourceIP:  r.RemoteAddr,
	})
}
