package transport

import (
	"net/http"
	"strings"
)

// Media types recognized in the Accept header.
const (
	mediaJSON = "application/json"
	mediaSSE  = "text/event-stream"
	mediaAny  = "*/*"
)

// acceptance is what a client said it can read.
type acceptance struct {
	json bool
	sse  bool
}

// usable reports whether the client accepts at least one usable response shape.
func (a acceptance) usable() bool {
	return a.json || a.sse
}

// parseAccept reads the media ranges of an Accept header. Parameters such as
// q-values are ignored; a range is either present or absent.
func parseAccept(header string) acceptance {
	var a acceptance
	for _, part := range strings.Split(header, ",") {
		media, _, _ := strings.Cut(part, ";")
		switch strings.ToLower(strings.TrimSpace(media)) {
		case mediaJSON:
			a.json = true
		case mediaSSE:
			a.sse = true
		case mediaAny:
			a.json = true
		}
	}
	return a
}

// OriginPolicy is an allow-list of request origins.
type OriginPolicy struct {
	any     bool
	origins map[string]bool
}

// NewOriginPolicy builds a policy from allowed origins. The entry "*" allows
// every origin, including requests that carry none.
func NewOriginPolicy(allowed []string) OriginPolicy {
	p := OriginPolicy{origins: make(map[string]bool, len(allowed))}
	for _, o := range allowed {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "" {
			continue
		}
		if o == "*" {
			p.any = true
			continue
		}
		p.origins[strings.ToLower(o)] = true
	}
	return p
}

// Allowed reports whether r may proceed.
func (p OriginPolicy) Allowed(r *http.Request) bool {
	if p.any {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	return p.origins[strings.ToLower(strings.TrimRight(origin, "/"))]
}
