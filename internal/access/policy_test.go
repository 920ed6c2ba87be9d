package access

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePolicy(t *testing.T) {
	blob := []byte(`{
		"Version": "2012-10-17",
		"Statement": [
			{
				"Sid": "PublicRead",
				"Effect": "Allow",
				"Principal": "*",
				"Action": "s3:GetObject",
				"Resource": "arn:aws:s3:::photos/*"
			},
			{
				"Effect": "Deny",
				"Principal": {"AWS": ["mallory"]},
				"Action": ["s3:GetObject", "s3:PutObject"],
				"Resource": ["arn:aws:s3:::photos", "arn:aws:s3:::photos/*"]
			}
		]
	}`)

	p, err := ParsePolicy(blob)
	require.NoError(t, err)
	require.Len(t, p.Statement, 2)
	assert.True(t, p.Statement[0].Principal.Wildcard)
	assert.Equal(t, []string{"mallory"}, p.Statement[1].Principal.IDs)
	assert.Equal(t, StringList{"s3:GetObject", "s3:PutObject"}, p.Statement[1].Action)
}

func TestParsePolicyRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"bad effect":     `{"Statement":[{"Effect":"Maybe","Principal":"*","Action":"s3:GetObject","Resource":"*"}]}`,
		"no action":      `{"Statement":[{"Effect":"Allow","Principal":"*","Resource":"*"}]}`,
		"no resource":    `{"Statement":[{"Effect":"Allow","Principal":"*","Action":"s3:GetObject"}]}`,
		"no statements":  `{"Statement":[]}`,
		"not json":       `{`,
	}
	for name, blob := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePolicy([]byte(blob))
			assert.Error(t, err)
		})
	}
}

func TestEvaluateDenyWins(t *testing.T) {
	p, err := ParsePolicy([]byte(`{
		"Statement": [
			{"Effect": "Allow", "Principal": "*", "Action": "s3:*", "Resource": "arn:aws:s3:::b/*"},
			{"Effect": "Deny", "Principal": {"AWS": "mallory"}, "Action": "s3:GetObject", "Resource": "arn:aws:s3:::b/*"}
		]
	}`))
	require.NoError(t, err)

	assert.Equal(t, DecisionAllow, p.Evaluate("alice", "s3:GetObject", "arn:aws:s3:::b/k"))
	assert.Equal(t, DecisionExplicitDeny, p.Evaluate("mallory", "s3:GetObject", "arn:aws:s3:::b/k"))
	// The deny names only GetObject; other actions stay allowed.
	assert.Equal(t, DecisionAllow, p.Evaluate("mallory", "s3:PutObject", "arn:aws:s3:::b/k"))
}

func TestEvaluateImplicitDeny(t *testing.T) {
	p, err := ParsePolicy([]byte(`{
		"Statement": [
			{"Effect": "Allow", "Principal": {"AWS": "alice"}, "Action": "s3:GetObject", "Resource": "arn:aws:s3:::b/public/*"}
		]
	}`))
	require.NoError(t, err)

	assert.Equal(t, DecisionAllow, p.Evaluate("alice", "s3:GetObject", "arn:aws:s3:::b/public/cat.jpg"))
	assert.Equal(t, DecisionImplicitDeny, p.Evaluate("alice", "s3:GetObject", "arn:aws:s3:::b/private/x"))
	assert.Equal(t, DecisionImplicitDeny, p.Evaluate("bob", "s3:GetObject", "arn:aws:s3:::b/public/cat.jpg"))
	assert.Equal(t, DecisionImplicitDeny, p.Evaluate("alice", "s3:PutObject", "arn:aws:s3:::b/public/cat.jpg"))
}

func TestActionWildcards(t *testing.T) {
	p, err := ParsePolicy([]byte(`{
		"Statement": [
			{"Effect": "Allow", "Principal": "*", "Action": "s3:Get*", "Resource": "*"}
		]
	}`))
	require.NoError(t, err)

	assert.Equal(t, DecisionAllow, p.Evaluate("x", "s3:GetObject", "arn:aws:s3:::b/k"))
	assert.Equal(t, DecisionAllow, p.Evaluate("x", "s3:GetBucketAcl", "arn:aws:s3:::b"))
	assert.Equal(t, DecisionImplicitDeny, p.Evaluate("x", "s3:PutObject", "arn:aws:s3:::b/k"))
}

func TestResourceMatching(t *testing.T) {
	p, err := ParsePolicy([]byte(`{
		"Statement": [
			{"Effect": "Allow", "Principal": "*", "Action": "s3:ListBucket", "Resource": "arn:aws:s3:::b"},
			{"Effect": "Allow", "Principal": "*", "Action": "s3:GetObject", "Resource": "arn:aws:s3:::b/*"}
		]
	}`))
	require.NoError(t, err)

	assert.Equal(t, DecisionAllow, p.Evaluate("x", "s3:ListBucket", "arn:aws:s3:::b"))
	// The key pattern covers keys only, never the bucket ARN itself.
	assert.Equal(t, DecisionImplicitDeny, p.Evaluate("x", "s3:GetObject", "arn:aws:s3:::b"))
	assert.Equal(t, DecisionAllow, p.Evaluate("x", "s3:GetObject", "arn:aws:s3:::b/deep/path/k"))
}

func TestResourceARN(t *testing.T) {
	assert.Equal(t, "arn:aws:s3:::b", ResourceARN("b", ""))
	assert.Equal(t, "arn:aws:s3:::b/k/v.txt", ResourceARN("b", "k/v.txt"))
}
