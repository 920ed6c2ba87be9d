package access

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Policy is a bucket policy document.
type Policy struct {
	Version   string      `json:"Version,omitempty"`
	ID        string      `json:"Id,omitempty"`
	Statement []Statement `json:"Statement"`
}

// Statement is one policy statement. Principal, Action and Resource accept
// both the scalar and the array JSON forms.
type Statement struct {
	Sid       string          `json:"Sid,omitempty"`
	Effect    string          `json:"Effect"`
	Principal *Principal      `json:"Principal,omitempty"`
	Action    StringList      `json:"Action"`
	Resource  StringList      `json:"Resource"`
	Condition json.RawMessage `json:"Condition,omitempty"`
}

// StringList unmarshals from either a JSON string or an array of strings.
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = StringList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("expected string or array of strings: %w", err)
	}
	*l = StringList(many)
	return nil
}

func (l StringList) MarshalJSON() ([]byte, error) {
	if len(l) == 1 {
		return json.Marshal(l[0])
	}
	return json.Marshal([]string(l))
}

// Principal accepts "*", {"AWS": ...} and {"CanonicalUser": ...} forms. A
// nil Principal matches every caller.
type Principal struct {
	Wildcard bool
	IDs      []string
}

func (p *Principal) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == "*" {
			p.Wildcard = true
			return nil
		}
		p.IDs = []string{s}
		return nil
	}

	var m map[string]StringList
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("malformed principal: %w", err)
	}
	for _, ids := range m {
		for _, id := range ids {
			if id == "*" {
				p.Wildcard = true
				continue
			}
			p.IDs = append(p.IDs, id)
		}
	}
	return nil
}

func (p *Principal) MarshalJSON() ([]byte, error) {
	if p.Wildcard {
		return json.Marshal("*")
	}
	return json.Marshal(map[string]StringList{"AWS": p.IDs})
}

// ParsePolicy decodes and validates a policy document.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("malformed policy document: %w", err)
	}
	if len(p.Statement) == 0 {
		return nil, fmt.Errorf("policy has no statements")
	}
	for i, st := range p.Statement {
		if st.Effect != "Allow" && st.Effect != "Deny" {
			return nil, fmt.Errorf("statement %d: effect must be Allow or Deny", i)
		}
		if len(st.Action) == 0 {
			return nil, fmt.Errorf("statement %d: no actions", i)
		}
		if len(st.Resource) == 0 {
			return nil, fmt.Errorf("statement %d: no resources", i)
		}
	}
	return &p, nil
}

// Decision is the outcome of running one policy against one request.
type Decision int

const (
	// DecisionImplicitDeny means no statement matched.
	DecisionImplicitDeny Decision = iota
	// DecisionAllow means a matching Allow and no matching Deny.
	DecisionAllow
	// DecisionExplicitDeny means a matching Deny; overrides any Allow.
	DecisionExplicitDeny
)

// Evaluate runs a policy against (principal, action, resource ARN). Any
// matching Deny wins regardless of statement order.
func (p *Policy) Evaluate(principal, action, resource string) Decision {
	if p == nil || len(p.Statement) == 0 {
		return DecisionImplicitDeny
	}

	decision := DecisionImplicitDeny
	for _, st := range p.Statement {
		if !st.matches(principal, action, resource) {
			continue
		}
		if st.Effect == "Deny" {
			return DecisionExplicitDeny
		}
		decision = DecisionAllow
	}
	return decision
}

func (st *Statement) matches(principal, action, resource string) bool {
	if !st.principalMatches(principal) {
		return false
	}
	if !matchAny(st.Action, action, matchAction) {
		return false
	}
	return matchAny(st.Resource, resource, matchResource)
}

func (st *Statement) principalMatches(principal string) bool {
	if st.Principal == nil || st.Principal.Wildcard {
		return true
	}
	for _, id := range st.Principal.IDs {
		if id == principal {
			return true
		}
	}
	return false
}

func matchAny(patterns StringList, value string, match func(pattern, value string) bool) bool {
	for _, pattern := range patterns {
		if match(pattern, value) {
			return true
		}
	}
	return false
}

// matchAction supports exact actions, "s3:*", "*" and prefix wildcards
// such as "s3:Get*".
func matchAction(pattern, action string) bool {
	if pattern == action || pattern == "*" || pattern == "s3:*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(action, prefix)
	}
	return false
}

// matchResource supports exact ARNs, "*" and trailing-wildcard ARNs such
// as "arn:aws:s3:::bucket/*". A "/*" pattern covers keys only, not the
// bucket ARN itself.
func matchResource(pattern, resource string) bool {
	if pattern == resource || pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(resource, prefix)
	}
	return false
}

// ResourceARN builds the ARN of a bucket or of one of its keys.
func ResourceARN(bucket, key string) string {
	if key == "" {
		return "arn:aws:s3:::" + bucket
	}
	return "arn:aws:s3:::" + bucket + "/" + key
}
