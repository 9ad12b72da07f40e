package sigv4

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

// EmptyPayloadHash is the hex SHA-256 of an empty body.
const EmptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// Credentials is the key pair and region a signature is scoped to.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
}

// Options configures a Signer.
type Options struct {
	// Service is the credential scope service, "s3" when empty.
	Service string
}

// Signer computes header-based SigV4 signatures. It holds no key material:
// the SDK signer caches derived keys by access key id alone, so one is built
// per signature.
type Signer struct {
	service string
}

// NewSigner creates a Signer. Paths are signed exactly as they appear on the
// wire, as S3 expects.
func NewSigner(opts Options) *Signer {
	service := opts.Service
	if service == "" {
		service = "s3"
	}
	return &Signer{service: service}
}

func signerOptions(o *v4.SignerOptions) {
	o.DisableURIPathEscaping = true
	o.DisableHeaderHoisting = true
	o.DisableSessionToken = true
}

// Sign signs req in place over every header currently set on it plus Host.
// It sets the X-Amz-Date and Authorization headers.
func (s *Signer) Sign(ctx context.Context, req *http.Request, creds Credentials, payloadHash string, t time.Time) error {
	awsCreds := aws.Credentials{
		AccessKeyID:     creds.AccessKeyID,
		SecretAccessKey: creds.SecretAccessKey,
	}
	if err := v4.NewSigner(signerOptions).SignHTTP(ctx, awsCreds, req, payloadHash, s.service, creds.Region, t.UTC()); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}
	return nil
}

// Request describes a request as it was signed by the client.
type Request struct {
	Method string
	// URL is the public URL with the host the client addressed.
	URL *url.URL
	// Header holds only the headers the client declared as signed.
	Header      http.Header
	PayloadHash string
	Time        time.Time
}

// Verify recomputes the signature of req with creds and compares it with auth.
// Any difference in credential scope, signed header list or signature yields
// ErrAuthInvalid.
func (s *Signer) Verify(ctx context.Context, req Request, auth *Authorization, creds Credentials) error {
	if auth.Algorithm != Algorithm {
		return fmt.Errorf("%w: unsupported algorithm %q", ErrAuthInvalid, auth.Algorithm)
	}
	if auth.Credential == "" || auth.Signature == "" {
		return fmt.Errorf("%w: credential or signature missing", ErrAuthInvalid)
	}

	u := *req.URL
	check := &http.Request{
		Method:        req.Method,
		URL:           &u,
		Host:          u.Host,
		Header:        req.Header.Clone(),
		ContentLength: -1,
	}
	if check.Header == nil {
		check.Header = http.Header{}
	}
	if v := check.Header.Get("Content-Length"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: invalid signed content-length", ErrAuthInvalid)
		}
		check.ContentLength = n
	}

	if err := s.Sign(ctx, check, creds, req.PayloadHash, req.Time); err != nil {
		return err
	}

	expected, err := Parse(check.Header.Get(AuthorizationHeader))
	if err != nil {
		return fmt.Errorf("failed to read computed authorization: %w", err)
	}

	if expected.Credential != auth.Credential {
		return fmt.Errorf("%w: credential scope mismatch", ErrAuthInvalid)
	}
	if strings.Join(expected.SignedHeaders, ";") != strings.Join(auth.SignedHeaders, ";") {
		return fmt.Errorf("%w: signed headers mismatch (computed %s)", ErrAuthInvalid, strings.Join(expected.SignedHeaders, ";"))
	}
	if subtle.ConstantTimeCompare([]byte(expected.Signature), []byte(auth.Signature)) != 1 {
		return fmt.Errorf("%w: signature mismatch", ErrAuthInvalid)
	}
	return nil
}

// SigningTime returns the signing time from X-Amz-Date, falling back to Date.
// ok is false when neither header is present.
func SigningTime(h http.Header) (t time.Time, ok bool, err error) {
	if amzDate := h.Get(XAmzDateHeader); amzDate != "" {
		t, err = time.Parse(TimeFormat, amzDate)
		if err != nil {
			return time.Time{}, true, fmt.Errorf("invalid X-Amz-Date format: %w", err)
		}
		return t, true, nil
	}

	if date := h.Get(DateHeader); date != "" {
		for _, layout := range []string{time.RFC1123, time.RFC1123Z} {
			if t, err = time.Parse(layout, date); err == nil {
				return t.UTC(), true, nil
			}
		}
		return time.Time{}, true, fmt.Errorf("invalid Date header format: %w", err)
	}

	return time.Time{}, false, nil
}

// CheckSkew returns ErrRequestTimeTooSkewed when t is more than max away from now.
// A zero max disables the check.
func CheckSkew(t, now time.Time, max time.Duration) error {
	if max <= 0 {
		return nil
	}
	if diff := now.Sub(t).Abs(); diff > max {
		return fmt.Errorf("%w: signed at %s, %v from server time", ErrRequestTimeTooSkewed, t.Format(TimeFormat), diff)
	}
	return nil
}

// HashPayload returns the hex SHA-256 of body.
func HashPayload(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
