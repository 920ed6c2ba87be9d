package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/stratumfs/stratumfs/internal/index"
)

// Common authentication errors
var (
	ErrInvalidAccessKey = errors.New("access key does not match any known user")
	ErrMalformedAuth    = errors.New("malformed authorization header")
)

// Authenticator resolves an HTTP request to a principal id. An empty
// principal with a nil error means the request is anonymous.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (string, error)
}

// IndexAuthenticator maps the access key carried by the request onto a
// credential row in the metadata index. Signature verification is a
// deliberate non-goal of this boundary; swap the implementation to add it.
type IndexAuthenticator struct {
	idx *index.Store
	log *logrus.Entry
}

// NewIndexAuthenticator builds the index-backed authenticator.
func NewIndexAuthenticator(idx *index.Store) *IndexAuthenticator {
	return &IndexAuthenticator{
		idx: idx,
		log: logrus.WithField("component", "auth"),
	}
}

// Authenticate extracts the access key and resolves it to a username. A
// request with no credential at all is anonymous, not an error.
func (a *IndexAuthenticator) Authenticate(ctx context.Context, r *http.Request) (string, error) {
	accessKey, err := ExtractAccessKey(r)
	if err != nil {
		return "", err
	}
	if accessKey == "" {
		return "", nil
	}

	user, err := a.idx.GetUserByAccessKey(ctx, accessKey)
	if errors.Is(err, index.ErrUserNotFound) {
		a.log.WithField("access_key", accessKey).Debug("Unknown access key")
		return "", ErrInvalidAccessKey
	}
	if err != nil {
		return "", err
	}
	return user.Username, nil
}

// ExtractAccessKey pulls the access key out of the Authorization header
// (SigV4 or SigV2 form) or the presigned-URL query parameters. Returns
// empty for an unauthenticated request.
func ExtractAccessKey(r *http.Request) (string, error) {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		return parseAuthorizationHeader(header)
	}

	// Presigned SigV4: X-Amz-Credential=KEY/date/region/s3/aws4_request
	if cred := r.URL.Query().Get("X-Amz-Credential"); cred != "" {
		return strings.SplitN(cred, "/", 2)[0], nil
	}
	// Presigned SigV2
	if key := r.URL.Query().Get("AWSAccessKeyId"); key != "" {
		return key, nil
	}

	return "", nil
}

func parseAuthorizationHeader(header string) (string, error) {
	if rest, ok := strings.CutPrefix(header, "AWS4-HMAC-SHA256 "); ok {
		return parseSigV4(rest)
	}
	if rest, ok := strings.CutPrefix(header, "AWS "); ok {
		// SigV2: AWS AccessKey:Signature
		key, _, found := strings.Cut(rest, ":")
		if !found || key == "" {
			return "", ErrMalformedAuth
		}
		return key, nil
	}
	return "", ErrMalformedAuth
}

func parseSigV4(params string) (string, error) {
	for _, param := range strings.Split(params, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(param), "=")
		if !found || k != "Credential" {
			continue
		}
		// Credential=KEY/date/region/service/aws4_request
		key := strings.SplitN(v, "/", 2)[0]
		if key == "" {
			return "", ErrMalformedAuth
		}
		return key, nil
	}
	return "", ErrMalformedAuth
}
