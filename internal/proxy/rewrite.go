package proxy

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/guided-traffic/s3-bucket-proxy/internal/directory"
)

type addressingStyle string

const (
	stylePath          addressingStyle = "path"
	styleVirtualHosted addressingStyle = "virtual-hosted"
)

// address is where a request points in the public address space.
type address struct {
	style  addressingStyle
	bucket string
	// path is the escaped request path as it is appended to the upstream endpoint.
	path string
}

// parseAddress finds the bucket a request addresses. A host equal to hostname
// selects path style with the bucket as the first segment after prefix; a host
// of the form <bucket>.<hostname> selects virtual-hosted style.
func parseAddress(host, escapedPath, hostname, prefix string) (address, error) {
	h := strings.ToLower(stripPort(host))

	if h == hostname {
		rest := escapedPath
		if prefix != "" {
			p := "/" + prefix
			if rest != p && !strings.HasPrefix(rest, p+"/") {
				return address{}, fmt.Errorf("%w: path %s is outside prefix /%s", directory.ErrNotFound, escapedPath, prefix)
			}
			rest = strings.TrimPrefix(rest, p)
		}

		segment, _, _ := strings.Cut(strings.TrimPrefix(rest, "/"), "/")
		name, err := url.PathUnescape(segment)
		if err != nil || name == "" {
			return address{}, fmt.Errorf("%w: no bucket in path %s", directory.ErrNotFound, escapedPath)
		}
		return address{style: stylePath, bucket: name, path: rest}, nil
	}

	name, ok := strings.CutSuffix(h, "."+hostname)
	if !ok || name == "" {
		return address{}, fmt.Errorf("%w: host %s is not served by this proxy", directory.ErrNotFound, host)
	}
	return address{style: styleVirtualHosted, bucket: name, path: escapedPath}, nil
}

// upstreamURL builds the URL a request is forwarded to by literal concatenation.
// Path style keeps the bucket in the path; virtual-hosted style moves it into
// the host of the endpoint.
func upstreamURL(endpoint *url.URL, addr address, rawQuery string) (*url.URL, error) {
	var b strings.Builder
	b.WriteString(endpoint.Scheme)
	b.WriteString("://")
	if addr.style == styleVirtualHosted {
		b.WriteString(addr.bucket)
		b.WriteString(".")
	}
	b.WriteString(endpoint.Host)
	b.WriteString(strings.TrimSuffix(endpoint.EscapedPath(), "/"))
	b.WriteString(addr.path)
	if rawQuery != "" {
		b.WriteString("?")
		b.WriteString(rawQuery)
	}

	u, err := url.Parse(b.String())
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream URL: %w", err)
	}
	return u, nil
}

// publicURL reconstructs the URL the client signed.
func publicURL(scheme, host, escapedPath, rawQuery string) (*url.URL, error) {
	u, err := url.Parse(scheme + "://" + host + escapedPath)
	if err != nil {
		return nil, fmt.Errorf("failed to parse request URL: %w", err)
	}
	u.RawQuery = rawQuery
	return u, nil
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
