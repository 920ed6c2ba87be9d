package acl

// FromCanned expands a canned ACL name into a full grant list owned by the
// given principal. The owner always ends up with FULL_CONTROL.
func FromCanned(canned, ownerID string) (*ACL, error) {
	if canned == "" {
		canned = CannedACLPrivate
	}
	if !IsValidCannedACL(canned) {
		return nil, ErrInvalidCannedACL
	}

	a := &ACL{
		Owner: Owner{ID: ownerID, DisplayName: ownerID},
		Grants: []Grant{
			{
				Grantee:    Grantee{Type: GranteeTypeCanonicalUser, ID: ownerID, DisplayName: ownerID},
				Permission: PermissionFullControl,
			},
		},
	}

	switch canned {
	case CannedACLPublicRead:
		a.Grants = append(a.Grants, Grant{
			Grantee:    Grantee{Type: GranteeTypeGroup, URI: GroupAllUsers},
			Permission: PermissionRead,
		})
	case CannedACLPublicReadWrite:
		a.Grants = append(a.Grants,
			Grant{
				Grantee:    Grantee{Type: GranteeTypeGroup, URI: GroupAllUsers},
				Permission: PermissionRead,
			},
			Grant{
				Grantee:    Grantee{Type: GranteeTypeGroup, URI: GroupAllUsers},
				Permission: PermissionWrite,
			},
		)
	case CannedACLAuthenticatedRead:
		a.Grants = append(a.Grants, Grant{
			Grantee:    Grantee{Type: GranteeTypeGroup, URI: GroupAuthenticatedUsers},
			Permission: PermissionRead,
		})
	}

	return a, nil
}

// Validate checks structural validity of an ACL.
func (a *ACL) Validate() error {
	if a == nil || a.Owner.ID == "" {
		return ErrInvalidACL
	}
	for _, g := range a.Grants {
		if !IsValidPermission(g.Permission) {
			return ErrInvalidACL
		}
		switch g.Grantee.Type {
		case GranteeTypeCanonicalUser:
			if g.Grantee.ID == "" {
				return ErrInvalidGrantee
			}
		case GranteeTypeGroup:
			if g.Grantee.URI != GroupAllUsers && g.Grantee.URI != GroupAuthenticatedUsers {
				return ErrInvalidGrantee
			}
		default:
			return ErrInvalidGrantee
		}
	}
	return nil
}
