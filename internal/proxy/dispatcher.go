package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/guided-traffic/s3-bucket-proxy/internal/bucket"
	"github.com/guided-traffic/s3-bucket-proxy/internal/directory"
	"github.com/guided-traffic/s3-bucket-proxy/internal/monitoring"
	"github.com/guided-traffic/s3-bucket-proxy/internal/proxy/middleware"
	"github.com/guided-traffic/s3-bucket-proxy/internal/proxy/response"
	"github.com/guided-traffic/s3-bucket-proxy/internal/sigv4"
	"github.com/guided-traffic/s3-bucket-proxy/internal/tracing"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Headers the SigV4 signer never signs. A client that declares one of them
// cannot be verified.
var unsignableHeaders = []string{"user-agent", "expect", "x-amzn-trace-id", "transfer-encoding"}

// Options configures a Dispatcher. It is fixed at construction.
type Options struct {
	// Hostname is the public host of the proxy, lower case, without port.
	Hostname string
	// PathPrefix is the path segment in front of the bucket in path-style requests.
	PathPrefix string
	// DropHeaders extends the built-in list of headers removed before forwarding.
	DropHeaders []string
	// MaxClockSkew rejects requests signed further than this from now. Zero disables the check.
	MaxClockSkew time.Duration
	// MaxBufferedBody limits the body read into memory when the client sent no payload hash.
	MaxBufferedBody int64
	// UpstreamTimeout bounds the wait for upstream response headers.
	UpstreamTimeout    time.Duration
	InsecureSkipVerify bool

	// DirectoryName labels directory lookup metrics.
	DirectoryName string

	// Transport overrides the upstream transport.
	Transport http.RoundTripper
	// Now overrides the clock used for unsigned times and skew checks.
	Now func() time.Time
}

// requestContext carries everything the pipeline learned about one request.
type requestContext struct {
	requestID   string
	bucket      string
	style       addressingStyle
	publicURL   *url.URL
	auth        *sigv4.Authorization
	headers     headerPartition
	upstreamURL *url.URL
	signingTime time.Time
	payloadHash string
	// hashAdded is set when the payload hash was computed by the proxy.
	hashAdded bool
	outHeader http.Header
}

type requestContextKey struct{}

// Dispatcher authenticates requests against their bucket's credentials,
// re-signs them for the bucket's upstream endpoint and forwards them.
type Dispatcher struct {
	opts      Options
	directory directory.Directory
	signer    *sigv4.Signer
	drop      map[string]struct{}
	proxy     *httputil.ReverseProxy
	errors    *response.ErrorWriter
	logger    *logrus.Entry
}

// NewDispatcher creates a dispatcher that resolves buckets through dir.
func NewDispatcher(dir directory.Directory, opts Options, logger *logrus.Entry) *Dispatcher {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxBufferedBody <= 0 {
		opts.MaxBufferedBody = 64 * 1024 * 1024
	}
	opts.Hostname = strings.ToLower(opts.Hostname)
	opts.PathPrefix = strings.Trim(opts.PathPrefix, "/")

	d := &Dispatcher{
		opts:      opts,
		directory: dir,
		signer:    sigv4.NewSigner(sigv4.Options{}),
		drop:      newDropSet(opts.DropHeaders),
		errors:    response.NewErrorWriter(logger),
		logger:    logger,
	}

	transport := opts.Transport
	if transport == nil {
		transport = newTransport(opts)
	}
	d.proxy = &httputil.ReverseProxy{
		Rewrite:        d.rewrite,
		Transport:      transport,
		FlushInterval:  -1,
		ModifyResponse: d.observeResponse,
		ErrorHandler:   d.handleUpstreamError,
		ErrorLog:       log.New(logger.WriterLevel(logrus.DebugLevel), "", 0),
	}
	return d
}

func newTransport(opts Options) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	// Bodies and Content-Encoding must reach the client exactly as the upstream sent them.
	t.DisableCompression = true
	t.ResponseHeaderTimeout = opts.UpstreamTimeout
	if opts.InsecureSkipVerify {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- opt-in for test endpoints
	}
	return t
}

// ServeHTTP runs the pipeline and forwards the request, or answers with an S3 error.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc, err := d.prepare(r)
	if err != nil {
		d.fail(w, r, rc, err)
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(requestSpanAttributes(rc)...)
	d.logger.WithFields(logrus.Fields{
		"request_id": rc.requestID,
		"bucket":     rc.bucket,
		"style":      rc.style,
		"upstream":   rc.upstreamURL.Host,
	}).Debug("Forwarding request")

	ctx := context.WithValue(r.Context(), requestContextKey{}, rc)
	start := time.Now()
	d.proxy.ServeHTTP(w, r.WithContext(ctx))
	monitoring.RecordStage("forward", time.Since(start))
}

// prepare takes a request from arrival to a signed outbound header set.
// The returned context is partially filled when an error is returned.
func (d *Dispatcher) prepare(r *http.Request) (*requestContext, error) {
	ctx := r.Context()
	rc := &requestContext{requestID: middleware.RequestIDFromContext(ctx)}

	var (
		cfg  *bucket.Config
		addr address
	)
	err := d.stage(ctx, "resolve", func(ctx context.Context) error {
		var err error
		addr, err = parseAddress(r.Host, r.URL.EscapedPath(), d.opts.Hostname, d.opts.PathPrefix)
		if err != nil {
			return err
		}
		rc.bucket, rc.style = addr.bucket, addr.style

		cfg, err = d.lookup(ctx, addr.bucket)
		return err
	})
	if err != nil {
		return rc, err
	}

	err = d.stage(ctx, "extract", func(ctx context.Context) error {
		auth, err := sigv4.ParseAuthorization(r.Header)
		if err != nil {
			return err
		}
		rc.auth = auth

		rc.publicURL, err = publicURL(forwardedScheme(r), r.Host, r.URL.EscapedPath(), r.URL.RawQuery)
		if err != nil {
			return err
		}
		rc.headers = partitionHeaders(r.Header, auth.SignedHeaderSet(), d.drop)
		return nil
	})
	if err != nil {
		return rc, err
	}

	err = d.stage(ctx, "rewrite", func(ctx context.Context) error {
		var err error
		rc.upstreamURL, err = upstreamURL(cfg.EndpointURL(), addr, r.URL.RawQuery)
		return err
	})
	if err != nil {
		return rc, err
	}

	creds := sigv4.Credentials{
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
		Region:          cfg.Region,
	}

	err = d.stage(ctx, "verify", func(ctx context.Context) error {
		if err := d.resolveSigningTime(r, rc); err != nil {
			return err
		}
		if err := d.resolvePayloadHash(r, rc); err != nil {
			return err
		}

		err := d.signer.Verify(ctx, sigv4.Request{
			Method:      r.Method,
			URL:         rc.publicURL,
			Header:      rc.headers.signed,
			PayloadHash: rc.payloadHash,
			Time:        rc.signingTime,
		}, rc.auth, creds)
		if err != nil {
			d.explainVerifyFailure(rc)
		}
		return err
	})
	if err != nil {
		return rc, err
	}

	err = d.stage(ctx, "resign", func(ctx context.Context) error {
		out := &http.Request{
			Method:        r.Method,
			URL:           rc.upstreamURL,
			Host:          rc.upstreamURL.Host,
			Header:        rc.headers.signed.Clone(),
			ContentLength: r.ContentLength,
		}
		if rc.hashAdded {
			out.Header.Set(sigv4.XAmzContentSha256, rc.payloadHash)
		}
		if err := d.signer.Sign(ctx, out, creds, rc.payloadHash, rc.signingTime); err != nil {
			return err
		}

		for name, values := range rc.headers.passThrough {
			out.Header[name] = values
		}
		rc.outHeader = out.Header
		return nil
	})
	return rc, err
}

// stage runs one pipeline step inside a span and records its duration.
func (d *Dispatcher) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := tracing.Tracer().Start(ctx, name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	monitoring.RecordStage(name, time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, name+" failed")
	}
	return err
}

// lookup resolves and decodes a bucket record. Backend failures are treated
// as a missing bucket so that an unreachable directory never lets a request through.
func (d *Dispatcher) lookup(ctx context.Context, name string) (*bucket.Config, error) {
	blob, err := d.directory.Lookup(ctx, name)
	switch {
	case errors.Is(err, directory.ErrNotFound):
		monitoring.RecordDirectoryLookup(d.opts.DirectoryName, "not_found")
		return nil, fmt.Errorf("bucket %s: %w", name, err)
	case err != nil:
		monitoring.RecordDirectoryLookup(d.opts.DirectoryName, "error")
		d.logger.WithError(err).WithField("bucket", name).Warn("Bucket directory lookup failed")
		return nil, fmt.Errorf("bucket %s: %w (lookup failed: %v)", name, directory.ErrNotFound, err)
	}
	monitoring.RecordDirectoryLookup(d.opts.DirectoryName, "found")

	cfg, err := bucket.Decode(blob)
	if err != nil {
		return nil, fmt.Errorf("bucket %s: %w", name, err)
	}
	return cfg, nil
}

func (d *Dispatcher) resolveSigningTime(r *http.Request, rc *requestContext) error {
	now := d.opts.Now()

	t, ok, err := sigv4.SigningTime(r.Header)
	if err != nil {
		return fmt.Errorf("%w: %v", sigv4.ErrAuthInvalid, err)
	}
	if !ok {
		if d.opts.MaxClockSkew > 0 {
			return fmt.Errorf("%w: no X-Amz-Date or Date header", sigv4.ErrRequestTimeTooSkewed)
		}
		t = now
	}
	if err := sigv4.CheckSkew(t, now, d.opts.MaxClockSkew); err != nil {
		return err
	}
	rc.signingTime = t.UTC()
	return nil
}

// resolvePayloadHash uses the client's X-Amz-Content-Sha256 when present and
// otherwise hashes the buffered body, leaving r.Body readable again.
func (d *Dispatcher) resolvePayloadHash(r *http.Request, rc *requestContext) error {
	if v := r.Header.Get(sigv4.XAmzContentSha256); v != "" {
		rc.payloadHash = v
		if v == sigv4.StreamingSignature {
			// chunk signatures chain from the client's seed signature, not ours
			d.logger.WithFields(logrus.Fields{
				"request_id": rc.requestID,
				"bucket":     rc.bucket,
			}).Debug("Forwarding aws-chunked body with client chunk signatures")
		}
		return nil
	}

	rc.hashAdded = true
	if r.Body == nil || r.Body == http.NoBody {
		rc.payloadHash = sigv4.EmptyPayloadHash
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, d.opts.MaxBufferedBody+1))
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}
	if int64(len(body)) > d.opts.MaxBufferedBody {
		return fmt.Errorf("%w: limit is %d bytes", response.ErrEntityTooLarge, d.opts.MaxBufferedBody)
	}
	_ = r.Body.Close()
	monitoring.RecordBufferedBytes(int64(len(body)))

	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	rc.payloadHash = sigv4.HashPayload(body)
	return nil
}

func (d *Dispatcher) explainVerifyFailure(rc *requestContext) {
	for _, h := range unsignableHeaders {
		if _, ok := rc.auth.SignedHeaderSet()[h]; ok {
			d.logger.WithFields(logrus.Fields{
				"request_id": rc.requestID,
				"bucket":     rc.bucket,
				"header":     h,
			}).Warn("Request declares a signed header that cannot be verified")
		}
	}
}

// rewrite installs the prepared upstream URL and headers on the outbound request.
func (d *Dispatcher) rewrite(pr *httputil.ProxyRequest) {
	rc, ok := pr.In.Context().Value(requestContextKey{}).(*requestContext)
	if !ok {
		return
	}
	u := *rc.upstreamURL
	pr.Out.URL = &u
	pr.Out.Host = u.Host
	pr.Out.Header = rc.outHeader.Clone()
}

func (d *Dispatcher) observeResponse(resp *http.Response) error {
	monitoring.RecordUpstreamStatus(resp.StatusCode)
	if rc, ok := resp.Request.Context().Value(requestContextKey{}).(*requestContext); ok {
		monitoring.RecordProxyRequest(string(rc.style), "forwarded")
	}
	return nil
}

func (d *Dispatcher) handleUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	rc, _ := r.Context().Value(requestContextKey{}).(*requestContext)
	if rc == nil {
		rc = &requestContext{}
	}
	if errors.Is(err, context.Canceled) {
		d.logger.WithFields(logrus.Fields{
			"request_id": rc.requestID,
			"bucket":     rc.bucket,
		}).Debug("Client went away before the upstream answered")
	}
	d.fail(w, r, rc, fmt.Errorf("%w: %v", response.ErrBadGateway, err))
}

func (d *Dispatcher) fail(w http.ResponseWriter, r *http.Request, rc *requestContext, err error) {
	style := string(rc.style)
	if style == "" {
		style = "unknown"
	}
	monitoring.RecordProxyRequest(style, strings.ToLower(response.Classify(err).Code))

	resource := r.URL.Path
	if rc.bucket != "" {
		resource = rc.bucket
	}
	d.errors.WriteS3Error(w, r, err, resource)
}

// requestSpanAttributes describes a prepared request for tracing.
func requestSpanAttributes(rc *requestContext) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("s3bp.bucket", rc.bucket),
		attribute.String("s3bp.style", string(rc.style)),
	}
}
