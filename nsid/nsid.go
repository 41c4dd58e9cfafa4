// Package nsid extracts and validates namespace identifiers from XRPC
// request paths.
package nsid

import (
	"strings"

	"github.com/atgraph/xrpc/xrpc"
)

const prefix = "/xrpc/"

// ParsePath extracts the NSID from a request path of the form
// /xrpc/<nsid>. A full URL is accepted; only its path is considered. An
// optional trailing slash before end-of-string or '?' is permitted. Any
// malformed input yields an InvalidRequest error.
func ParsePath(path string) (string, error) {
	if i := strings.Index(path, "://"); i >= 0 {
		rest := path[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			path = rest[j:]
		} else {
			path = "/"
		}
	}
	if len(path) < len(prefix) || path[:len(prefix)] != prefix {
		return "", errInvalidPath()
	}

	// Tight byte scan: alphanumerics freely; '-' and '.' only after an
	// alphanumeric; one trailing '/' allowed immediately before '?' or EOS.
	start := len(prefix)
	i := start
	prevAlnum := false
	for i < len(path) {
		c := path[i]
		switch {
		case isAlnum(c):
			prevAlnum = true
		case c == '-' || c == '.':
			if !prevAlnum {
				return "", errInvalidPath()
			}
			prevAlnum = false
		case c == '/':
			if i+1 == len(path) || path[i+1] == '?' {
				return finish(path[start:i])
			}
			return "", errInvalidPath()
		case c == '?':
			return finish(path[start:i])
		default:
			return "", errInvalidPath()
		}
		i++
	}
	return finish(path[start:])
}

func finish(s string) (string, error) {
	if len(s) < 2 || !Valid(s) {
		return "", errInvalidPath()
	}
	return s, nil
}

// Valid reports whether s is a well-formed NSID: two or more dot-separated
// segments of ASCII alphanumerics with interior hyphens.
func Valid(s string) bool {
	segments := strings.Split(s, ".")
	if len(segments) < 2 {
		return false
	}
	for _, seg := range segments {
		if seg == "" {
			return false
		}
		for i := 0; i < len(seg); i++ {
			c := seg[i]
			if isAlnum(c) {
				continue
			}
			if c == '-' && i > 0 && i < len(seg)-1 {
				continue
			}
			return false
		}
	}
	return true
}

func isAlnum(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z'
}

func errInvalidPath() error {
	return xrpc.InvalidRequest("invalid xrpc path")
}
