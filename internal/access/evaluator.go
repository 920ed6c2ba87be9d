package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/stratumfs/stratumfs/internal/acl"
	"github.com/stratumfs/stratumfs/internal/index"
)

// Decision errors. The gateway maps these onto the S3 error taxonomy.
var (
	ErrAccessDenied = errors.New("access denied")
	ErrNoSuchBucket = errors.New("no such bucket")
	ErrNoSuchKey    = errors.New("no such key")
)

// AnonymousPrincipal identifies an unauthenticated caller.
const AnonymousPrincipal = ""

// actionPermissions maps S3 actions onto the ACL permission that grants
// them. Actions outside this table (policy and configuration operations)
// are owner-only in the ACL phase.
var actionPermissions = map[string]acl.Permission{
	"s3:GetObject":          acl.PermissionRead,
	"s3:HeadObject":         acl.PermissionRead,
	"s3:ListBucket":         acl.PermissionRead,
	"s3:ListBucketVersions": acl.PermissionRead,
	"s3:PutObject":          acl.PermissionWrite,
	"s3:DeleteObject":       acl.PermissionWrite,
	"s3:CreateBucket":       acl.PermissionWrite,
	"s3:DeleteBucket":       acl.PermissionWrite,
	"s3:GetBucketAcl":       acl.PermissionReadACP,
	"s3:GetObjectAcl":       acl.PermissionReadACP,
	"s3:PutBucketAcl":       acl.PermissionWriteACP,
	"s3:PutObjectAcl":       acl.PermissionWriteACP,
}

// Options carry the externally configurable special-principal behaviors.
// Both default to off.
type Options struct {
	// TestBypassPrincipal, when non-empty, names a principal that skips
	// all checks. Test environments only.
	TestBypassPrincipal string
	// AnonymousAdminBuckets evaluates unauthenticated requests against
	// buckets owned by AdminPrincipal as if they came from the admin.
	AnonymousAdminBuckets bool
	// AdminPrincipal is the system-admin canonical user id.
	AdminPrincipal string
}

// Evaluator decides requests through three phases: bucket policy, then
// ACL, then default deny.
type Evaluator struct {
	idx  *index.Store
	opts Options
	log  *logrus.Entry
}

// NewEvaluator builds an evaluator over the metadata index.
func NewEvaluator(idx *index.Store, opts Options) *Evaluator {
	if opts.AdminPrincipal == "" {
		opts.AdminPrincipal = "admin"
	}
	return &Evaluator{
		idx:  idx,
		opts: opts,
		log:  logrus.WithField("component", "access"),
	}
}

// AdminPrincipal reports the configured system-admin principal.
func (e *Evaluator) AdminPrincipal() string {
	return e.opts.AdminPrincipal
}

// Request is one access decision input. Key is empty for bucket-level
// actions. VersionID selects the object version whose ACL applies; empty
// means the latest version.
type Request struct {
	Principal string
	Action    string
	Bucket    string
	Key       string
	VersionID string
}

// Authorize returns nil when the request is allowed. Denials surface as
// ErrAccessDenied, ErrNoSuchBucket or ErrNoSuchKey.
func (e *Evaluator) Authorize(ctx context.Context, req Request) error {
	if e.opts.TestBypassPrincipal != "" && req.Principal == e.opts.TestBypassPrincipal {
		return nil
	}

	// CreateBucket is the one action with no bucket row to consult.
	if req.Action == "s3:CreateBucket" {
		if req.Principal == AnonymousPrincipal {
			return ErrAccessDenied
		}
		return nil
	}

	bucket, err := e.idx.GetBucket(ctx, req.Bucket)
	if errors.Is(err, index.ErrBucketNotFound) {
		return ErrNoSuchBucket
	}
	if err != nil {
		return fmt.Errorf("failed to load bucket for authorization: %w", err)
	}

	principal := req.Principal
	if principal == AnonymousPrincipal && e.opts.AnonymousAdminBuckets && bucket.Owner == e.opts.AdminPrincipal {
		principal = e.opts.AdminPrincipal
	}

	switch e.evaluatePolicy(ctx, principal, req) {
	case DecisionExplicitDeny:
		return ErrAccessDenied
	case DecisionAllow:
		return nil
	}

	return e.evaluateACL(ctx, bucket, principal, req)
}

// evaluatePolicy runs the bucket policy phase. A missing or malformed
// policy is an implicit deny, which falls through to the ACL phase.
func (e *Evaluator) evaluatePolicy(ctx context.Context, principal string, req Request) Decision {
	blob, err := e.idx.GetBucketConfig(ctx, req.Bucket, index.ConfigPolicy)
	if errors.Is(err, index.ErrConfigNotFound) {
		return DecisionImplicitDeny
	}
	if err != nil {
		e.log.WithError(err).WithField("bucket", req.Bucket).Warn("Failed to load bucket policy")
		return DecisionImplicitDeny
	}

	policy, err := ParsePolicy(blob)
	if err != nil {
		e.log.WithError(err).WithField("bucket", req.Bucket).Warn("Stored bucket policy is malformed")
		return DecisionImplicitDeny
	}

	return policy.Evaluate(principal, req.Action, ResourceARN(req.Bucket, req.Key))
}

// evaluateACL runs the ACL phase. The target ACL is the bucket's for
// bucket-level actions, and the object version's otherwise. Actions on a
// key with no existing object fall back to the bucket ACL — reads excepted,
// which surface NoSuchKey — so deletes of absent keys and versions stay
// idempotent.
func (e *Evaluator) evaluateACL(ctx context.Context, bucket *index.Bucket, principal string, req Request) error {
	resourceACL := bucket.ACL
	owner := bucket.Owner

	if req.Key != "" {
		version, err := e.idx.GetVersion(ctx, req.Bucket, req.Key, req.VersionID)
		switch {
		case errors.Is(err, index.ErrObjectNotFound):
			if req.Action == "s3:GetObject" || req.Action == "s3:HeadObject" {
				// Existence must not be masked by a 403.
				return ErrNoSuchKey
			}
			// Absent object: the bucket ACL governs.
		case err != nil:
			return fmt.Errorf("failed to load object for authorization: %w", err)
		default:
			resourceACL = version.ACL
			owner = version.Owner
		}
	}

	if principal != AnonymousPrincipal && principal == owner {
		return nil
	}

	wanted, ok := actionPermissions[req.Action]
	if !ok {
		return ErrAccessDenied
	}
	if resourceACL == nil {
		return ErrAccessDenied
	}
	for _, grant := range resourceACL.Grants {
		if granteeMatches(grant.Grantee, principal) && grant.Permission.Covers(wanted) {
			return nil
		}
	}
	return ErrAccessDenied
}

func granteeMatches(grantee acl.Grantee, principal string) bool {
	switch grantee.Type {
	case acl.GranteeTypeCanonicalUser:
		return grantee.ID != "" && grantee.ID == principal
	case acl.GranteeTypeGroup:
		switch grantee.URI {
		case acl.GroupAllUsers:
			return true
		case acl.GroupAuthenticatedUsers:
			return principal != AnonymousPrincipal
		}
	}
	return false
}
