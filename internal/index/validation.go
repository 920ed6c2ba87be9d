package index

import (
	"errors"
	"net"
	"strings"
)

// ErrInvalidBucketName is returned for names that violate the S3 naming
// rules.
var ErrInvalidBucketName = errors.New("invalid bucket name")

// ValidateBucketName enforces the S3 bucket naming rules: 3-63 characters,
// lowercase letters, digits, hyphens and periods; must begin and end with a
// letter or digit; no adjacent periods; must not be formatted like an IPv4
// address.
func ValidateBucketName(name string) error {
	if len(name) < 3 || len(name) > 63 {
		return ErrInvalidBucketName
	}
	if !isAlnum(name[0]) || !isAlnum(name[len(name)-1]) {
		return ErrInvalidBucketName
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if isAlnum(c) || c == '-' {
			continue
		}
		if c == '.' {
			if i > 0 && name[i-1] == '.' {
				return ErrInvalidBucketName
			}
			continue
		}
		return ErrInvalidBucketName
	}
	if looksLikeIPv4(name) {
		return ErrInvalidBucketName
	}
	return nil
}

func isAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}

func looksLikeIPv4(name string) bool {
	if strings.Count(name, ".") != 3 {
		return false
	}
	ip := net.ParseIP(name)
	return ip != nil && ip.To4() != nil
}
