package gateway

import (
	"encoding/xml"
	"io"
	"net/http"

	"github.com/stratumfs/stratumfs/internal/acl"
)

const xsiNamespace = "http://www.w3.org/2001/XMLSchema-instance"

// aclToWire converts a stored ACL to the XML document. A nil ACL renders
// as owner-only FULL_CONTROL.
func aclToWire(stored *acl.ACL, owner string) AccessControlPolicy {
	if stored == nil {
		stored = &acl.ACL{
			Owner: acl.Owner{ID: owner, DisplayName: owner},
			Grants: []acl.Grant{{
				Grantee:    acl.Grantee{Type: acl.GranteeTypeCanonicalUser, ID: owner, DisplayName: owner},
				Permission: acl.PermissionFullControl,
			}},
		}
	}

	doc := AccessControlPolicy{
		Xmlns: s3Namespace,
		Owner: xmlOwner{ID: stored.Owner.ID, DisplayName: stored.Owner.DisplayName},
	}
	for _, grant := range stored.Grants {
		wire := xmlGrant{Permission: string(grant.Permission)}
		wire.Grantee.XMLNS = xsiNamespace
		switch grant.Grantee.Type {
		case acl.GranteeTypeGroup:
			wire.Grantee.Type = "Group"
			wire.Grantee.URI = grant.Grantee.URI
		default:
			wire.Grantee.Type = "CanonicalUser"
			wire.Grantee.ID = grant.Grantee.ID
			wire.Grantee.DisplayName = grant.Grantee.DisplayName
		}
		doc.Grants = append(doc.Grants, wire)
	}
	return doc
}

// aclFromRequest resolves the new ACL from either the x-amz-acl canned
// header or an XML body. The canned header wins when both are present.
func aclFromRequest(r *http.Request, owner string) (*acl.ACL, error) {
	if canned := r.Header.Get("x-amz-acl"); canned != "" {
		parsed, err := acl.FromCanned(canned, owner)
		if err != nil {
			return nil, newAPIError("InvalidArgument", "Unknown canned ACL")
		}
		return parsed, nil
	}

	var doc AccessControlPolicy
	if err := xml.NewDecoder(io.LimitReader(r.Body, maxConfigBody)).Decode(&doc); err != nil {
		return nil, newAPIError("MalformedXML", "The XML you provided was not well-formed")
	}

	parsed := &acl.ACL{
		Owner: acl.Owner{ID: doc.Owner.ID, DisplayName: doc.Owner.DisplayName},
	}
	if parsed.Owner.ID == "" {
		parsed.Owner = acl.Owner{ID: owner, DisplayName: owner}
	}
	for _, grant := range doc.Grants {
		stored := acl.Grant{Permission: acl.Permission(grant.Permission)}
		if grant.Grantee.URI != "" {
			stored.Grantee = acl.Grantee{Type: acl.GranteeTypeGroup, URI: grant.Grantee.URI}
		} else {
			stored.Grantee = acl.Grantee{
				Type:        acl.GranteeTypeCanonicalUser,
				ID:          grant.Grantee.ID,
				DisplayName: grant.Grantee.DisplayName,
			}
		}
		parsed.Grants = append(parsed.Grants, stored)
	}
	if err := parsed.Validate(); err != nil {
		return nil, newAPIError("InvalidArgument", err.Error())
	}
	return parsed, nil
}
