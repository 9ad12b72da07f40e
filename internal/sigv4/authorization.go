// Package sigv4 parses, verifies and produces AWS Signature Version 4 request
// signatures. The canonicalization itself is done by the aws-sdk-go-v2 signer.
package sigv4

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode"
)

const (
	// Algorithm is the only signing algorithm the proxy accepts.
	Algorithm = "AWS4-HMAC-SHA256"

	// TimeFormat is the layout of the X-Amz-Date header.
	TimeFormat = "20060102T150405Z"

	AuthorizationHeader = "Authorization"
	DateHeader          = "Date"
	XAmzDateHeader      = "X-Amz-Date"
	XAmzContentSha256   = "X-Amz-Content-Sha256"

	UnsignedPayload    = "UNSIGNED-PAYLOAD"
	StreamingSignature = "STREAMING-AWS4-HMAC-SHA256-PAYLOAD"
)

var (
	// ErrAuthMissing means the request carries no Authorization header.
	ErrAuthMissing = errors.New("authorization header missing")
	// ErrAuthMalformed means the Authorization header cannot be parsed.
	ErrAuthMalformed = errors.New("authorization header malformed")
	// ErrAuthInvalid means the presented signature does not match.
	ErrAuthInvalid = errors.New("signature does not match")
	// ErrRequestTimeTooSkewed means the signing time is too far from now.
	ErrRequestTimeTooSkewed = errors.New("request time too skewed")
)

// Authorization holds the components of a header-based SigV4 Authorization value.
type Authorization struct {
	Algorithm     string
	Credential    string
	SignedHeaders []string
	Signature     string
}

// SignedHeaderSet returns the declared signed header names as a set.
func (a *Authorization) SignedHeaderSet() map[string]struct{} {
	set := make(map[string]struct{}, len(a.SignedHeaders))
	for _, h := range a.SignedHeaders {
		set[h] = struct{}{}
	}
	return set
}

// ParseAuthorization extracts the Authorization header from h and parses it.
// A header that is present but empty is malformed, not missing.
func ParseAuthorization(h http.Header) (*Authorization, error) {
	values := h.Values(AuthorizationHeader)
	if len(values) == 0 {
		return nil, ErrAuthMissing
	}
	return Parse(values[0])
}

// Parse parses an Authorization header value of the form
//
//	AWS4-HMAC-SHA256 Credential=..., SignedHeaders=a;b;c, Signature=...
//
// Components may be separated by commas, whitespace or both, and their keys
// are matched case-insensitively. Whitespace next to '=' or ';' belongs to the
// component it appears in. SignedHeaders is required and must name at least
// one header. Missing Credential or Signature components are left empty and
// fail verification instead.
func Parse(value string) (*Authorization, error) {
	tokens := strings.FieldsFunc(joinValueSpaces(value), func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: empty value", ErrAuthMalformed)
	}

	auth := &Authorization{}
	if !strings.Contains(tokens[0], "=") {
		auth.Algorithm = tokens[0]
		tokens = tokens[1:]
	}

	components := make(map[string]string, len(tokens))
	for _, tok := range tokens {
		key, val, ok := strings.Cut(tok, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: unexpected token %q", ErrAuthMalformed, tok)
		}
		key = strings.ToLower(key)
		if _, dup := components[key]; dup {
			return nil, fmt.Errorf("%w: duplicate component %s", ErrAuthMalformed, key)
		}
		components[key] = val
	}

	raw, ok := components["signedheaders"]
	if !ok {
		return nil, fmt.Errorf("%w: SignedHeaders component missing", ErrAuthMalformed)
	}
	auth.SignedHeaders = splitSignedHeaders(raw)
	if len(auth.SignedHeaders) == 0 {
		return nil, fmt.Errorf("%w: SignedHeaders is empty", ErrAuthMalformed)
	}

	auth.Credential = components["credential"]
	auth.Signature = components["signature"]
	return auth, nil
}

func splitSignedHeaders(raw string) []string {
	var out []string
	for _, h := range strings.Split(raw, ";") {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			out = append(out, h)
		}
	}
	return out
}

// joinValueSpaces removes whitespace runs that touch '=' or ';', so that
// "SignedHeaders = host; x-amz-date" reads as one component.
func joinValueSpaces(value string) string {
	var b strings.Builder
	b.Grow(len(value))

	runes := []rune(value)
	for i := 0; i < len(runes); i++ {
		if !unicode.IsSpace(runes[i]) {
			b.WriteRune(runes[i])
			continue
		}

		j := i
		for j < len(runes) && unicode.IsSpace(runes[j]) {
			j++
		}
		var prev, next rune
		if i > 0 {
			prev = runes[i-1]
		}
		if j < len(runes) {
			next = runes[j]
		}
		if prev != '=' && prev != ';' && next != '=' && next != ';' {
			b.WriteRune(' ')
		}
		i = j - 1
	}
	return b.String()
}
