package proxy

import (
	"net/http"
	"strings"
)

// defaultDropHeaders are never forwarded upstream: the client's credentials,
// hop-by-hop connection headers and headers injected by ingress proxies.
var defaultDropHeaders = []string{
	"authorization",
	"connection",
	"keep-alive",
	"proxy-connection",
	"proxy-authorization",
	"te",
	"trailer",
	"transfer-encoding",
	"upgrade",
	"cf-connecting-ip",
	"cf-ipcountry",
	"cf-ray",
	"cf-visitor",
	"x-forwarded-for",
	"x-forwarded-host",
	"x-forwarded-proto",
	"x-real-ip",
	"forwarded",
}

// headerPartition splits the forwarded headers of a request.
type headerPartition struct {
	// signed holds headers the client declared in SignedHeaders.
	signed http.Header
	// passThrough holds the rest; they are reapplied verbatim after re-signing.
	passThrough http.Header
}

func newDropSet(extra []string) map[string]struct{} {
	drop := make(map[string]struct{}, len(defaultDropHeaders)+len(extra))
	for _, h := range defaultDropHeaders {
		drop[h] = struct{}{}
	}
	for _, h := range extra {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			drop[h] = struct{}{}
		}
	}
	return drop
}

// partitionHeaders drops the names in drop, and any header the request's
// Connection header marks as hop-by-hop, then sorts the remainder by membership
// in the declared signed set. Values are copied unchanged.
func partitionHeaders(h http.Header, signed, drop map[string]struct{}) headerPartition {
	p := headerPartition{
		signed:      http.Header{},
		passThrough: http.Header{},
	}
	hop := connectionTokens(h)
	for name, values := range h {
		lower := strings.ToLower(name)
		if _, ok := drop[lower]; ok {
			continue
		}
		if _, ok := hop[lower]; ok {
			continue
		}
		dst := p.passThrough
		if _, ok := signed[lower]; ok {
			dst = p.signed
		}
		dst[name] = append([]string(nil), values...)
	}
	return p
}

// connectionTokens returns the lower-cased header names listed in Connection.
func connectionTokens(h http.Header) map[string]struct{} {
	var tokens map[string]struct{}
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
				if tokens == nil {
					tokens = make(map[string]struct{})
				}
				tokens[name] = struct{}{}
			}
		}
	}
	return tokens
}

// forwardedScheme returns the scheme the client used to reach the proxy.
// It must be read before ingress headers are dropped.
func forwardedScheme(r *http.Request) string {
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		proto, _, _ = strings.Cut(proto, ",")
		proto = strings.ToLower(strings.TrimSpace(proto))
		if proto == "http" || proto == "https" {
			return proto
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
