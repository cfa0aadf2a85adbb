// Package correlation carries one identifier from an inbound API request
// through the workbench to the recording service, so the logs of all three
// can be joined.
package correlation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// HeaderName is set on every API response and every upstream request.
	HeaderName = "X-Traceview-Correlation-ID"

	maxLength = 128
	idPrefix  = "tv-"
)

// inboundHeaders are consulted in order; the first valid value wins.
var inboundHeaders = []string{HeaderName, "X-Request-ID", "X-Correlation-ID"}

type contextKey struct{}

// EnsureRequest returns req carrying a correlation id in both its context and
// its headers, reusing one from the context or headers when present.
func EnsureRequest(req *http.Request) (*http.Request, string) {
	if req == nil {
		return nil, ""
	}
	id, ok := FromContext(req.Context())
	if !ok {
		if id = FromHeaders(req.Header); id == "" {
			id = NewID()
		}
		req = req.WithContext(context.WithValue(req.Context(), contextKey{}, id))
	}
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	req.Header.Set(HeaderName, id)
	return req, id
}

// WithContext stores id in ctx. Ids that are empty, or contain anything but
// letters, digits and -_.: are ignored.
func WithContext(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if id = clean(id); id != "" {
		ctx = context.WithValue(ctx, contextKey{}, id)
	}
	return ctx
}

func FromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id, id != ""
}

func FromHeaders(headers http.Header) string {
	for _, name := range inboundHeaders {
		if id := clean(headers.Get(name)); id != "" {
			return id
		}
	}
	return ""
}

// NewID returns a fresh "tv-" prefixed id.
func NewID() string {
	var raw [12]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return idPrefix + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return idPrefix + hex.EncodeToString(raw[:])
}

func clean(raw string) string {
	id := strings.TrimSpace(raw)
	if len(id) > maxLength {
		id = id[:maxLength]
	}
	if id == "" || strings.IndexFunc(id, invalidRune) >= 0 {
		return ""
	}
	return id
}

func invalidRune(r rune) bool {
	switch {
	case 'a' <= r && r <= 'z', 'A' <= r && r <= 'Z', '0' <= r && r <= '9':
		return false
	}
	return !strings.ContainsRune("-_.:", r)
}

// Transport stamps the correlation id of an outbound request's context onto
// its headers.
type Transport struct {
	Base http.RoundTripper
}

func (t Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	next := t.Base
	if next == nil {
		next = http.DefaultTransport
	}
	if id, ok := FromContext(req.Context()); ok && req.Header.Get(HeaderName) != id {
		// The caller's request must stay untouched.
		req = req.Clone(req.Context())
		req.Header.Set(HeaderName, id)
	}
	return next.RoundTrip(req)
}
