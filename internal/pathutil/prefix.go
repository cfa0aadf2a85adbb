// Package pathutil builds and takes apart the slash-separated API paths that
// carry trace ids.
package pathutil

import (
	"net/url"
	"strings"
)

// NormalizePrefix returns a leading-slash prefix without a trailing slash.
func NormalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "/"
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if len(prefix) > 1 {
		prefix = strings.TrimRight(prefix, "/")
	}
	return prefix
}

// HasPathPrefix reports whether path equals prefix or is nested under it.
func HasPathPrefix(path, prefix string) bool {
	prefix = NormalizePrefix(prefix)
	if prefix == "/" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// Join appends escaped segments to prefix. A trace id containing a slash
// stays a single segment.
//
//	Join("/api/traces", "run/7", "events") == "/api/traces/run%2F7/events"
func Join(prefix string, segments ...string) string {
	var b strings.Builder
	b.WriteString(NormalizePrefix(prefix))
	for _, segment := range segments {
		if b.Len() > 1 {
			b.WriteByte('/')
		}
		b.WriteString(url.PathEscape(segment))
	}
	return b.String()
}

// Segment returns the unescaped segment directly below prefix in an escaped
// path, and whether there was one.
func Segment(escapedPath, prefix string) (string, bool) {
	if !HasPathPrefix(escapedPath, prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(escapedPath, NormalizePrefix(prefix))
	rest = strings.TrimPrefix(rest, "/")
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		rest = rest[:idx]
	}
	if rest == "" {
		return "", false
	}
	if unescaped, err := url.PathUnescape(rest); err == nil {
		return unescaped, true
	}
	return rest, true
}
