// Package entityid validates and normalizes OpenID Federation entity
// identifiers — URLs that double as JWS iss/sub claims.
package entityid

import (
	"fmt"
	"net/url"
	"strings"
)

// ID is a validated entity identifier.
type ID struct {
	raw string
	u   url.URL
}

// Parse validates raw as an OpenID Federation entity identifier: an https
// URL with no fragment and no query string.
func Parse(raw string) (ID, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return ID{}, fmt.Errorf("entityid: %q: %w", raw, err)
	}
	if u.Scheme != "https" {
		return ID{}, fmt.Errorf("entityid: %q: scheme must be https", raw)
	}
	if u.Host == "" {
		return ID{}, fmt.Errorf("entityid: %q: missing host", raw)
	}
	if u.Fragment != "" {
		return ID{}, fmt.Errorf("entityid: %q: must not carry a fragment", raw)
	}
	if len(u.Query()) > 0 {
		return ID{}, fmt.Errorf("entityid: %q: must not carry a query string", raw)
	}
	return ID{raw: raw, u: *u}, nil
}

// MustParse parses raw and panics on error. For use with fixed configuration
// values known to be valid at compile time.
func MustParse(raw string) ID {
	id, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the canonical identifier string.
func (id ID) String() string { return id.raw }

// WellKnownURL returns the entity's `/.well-known/openid-federation` URL.
func (id ID) WellKnownURL() string {
	return strings.TrimSuffix(id.raw, "/") + "/.well-known/openid-federation"
}

// Equal reports whether two identifiers are the same entity.
func Equal(a, b ID) bool { return a.raw == b.raw }
