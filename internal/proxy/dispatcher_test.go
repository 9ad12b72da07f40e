package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/guided-traffic/s3-bucket-proxy/internal/directory"
	"github.com/guided-traffic/s3-bucket-proxy/internal/sigv4"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testAccessKey    = "07b5e54126e2693d3bcc547d7a7ae431"
	testSecretKey    = "8866e0a0d14e0db4649425f1cae7d9e73c08699943f0b532b609fa53e6b40d41"
	testRegion       = "auto"
	testHostname     = "proxy.test"
	testUpstreamHost = "12a3b4567890123456cdef7890ghi12k.r2.cloudflarestorage.com"
)

var (
	testSigningTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	testCreds       = sigv4.Credentials{AccessKeyID: testAccessKey, SecretAccessKey: testSecretKey, Region: testRegion}
)

// capturedRequest is what the fake upstream received.
type capturedRequest struct {
	method    string
	host      string
	uri       string
	header    http.Header
	body      []byte
	verifyErr error
}

// fakeUpstream verifies the proxy's signature with the bucket credentials and
// answers with a fixed status.
type fakeUpstream struct {
	server *httptest.Server
	status int
	body   string

	mu       sync.Mutex
	requests []capturedRequest
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	u := &fakeUpstream{status: http.StatusOK, body: "hello"}
	u.server = httptest.NewServer(http.HandlerFunc(u.serve))
	t.Cleanup(u.server.Close)
	return u
}

func (u *fakeUpstream) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	u.mu.Lock()
	u.requests = append(u.requests, capturedRequest{
		method:    r.Method,
		host:      r.Host,
		uri:       r.RequestURI,
		header:    r.Header.Clone(),
		body:      body,
		verifyErr: verifyUpstreamSignature(r),
	})
	u.mu.Unlock()

	w.Header().Set("ETag", `"abc"`)
	w.WriteHeader(u.status)
	_, _ = w.Write([]byte(u.body))
}

func (u *fakeUpstream) last(t *testing.T) capturedRequest {
	t.Helper()
	u.mu.Lock()
	defer u.mu.Unlock()
	require.NotEmpty(t, u.requests, "upstream was not called")
	return u.requests[len(u.requests)-1]
}

func (u *fakeUpstream) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.requests)
}

// transport dials the fake upstream whatever host the request names.
func (u *fakeUpstream) transport() http.RoundTripper {
	addr := u.server.Listener.Addr().String()
	return &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
		DisableCompression: true,
	}
}

func verifyUpstreamSignature(r *http.Request) error {
	auth, err := sigv4.ParseAuthorization(r.Header)
	if err != nil {
		return err
	}
	signingTime, _, err := sigv4.SigningTime(r.Header)
	if err != nil {
		return err
	}
	u, err := publicURL("http", r.Host, r.URL.EscapedPath(), r.URL.RawQuery)
	if err != nil {
		return err
	}
	p := partitionHeaders(r.Header, auth.SignedHeaderSet(), newDropSet(nil))

	return sigv4.NewSigner(sigv4.Options{}).Verify(r.Context(), sigv4.Request{
		Method:      r.Method,
		URL:         u,
		Header:      p.signed,
		PayloadHash: r.Header.Get(sigv4.XAmzContentSha256),
		Time:        signingTime,
	}, auth, testCreds)
}

func testDirectory(t *testing.T, endpoint string) directory.Directory {
	t.Helper()
	dir, err := directory.NewStatic(map[string]map[string]interface{}{
		"bucket": {
			"endpoint":        endpoint,
			"accessKeyId":     testAccessKey,
			"secretAccessKey": testSecretKey,
			"region":          testRegion,
		},
		"broken": {
			"endpoint": endpoint,
		},
	})
	require.NoError(t, err)
	return dir
}

func newTestDispatcher(t *testing.T, upstream *fakeUpstream, mutate func(*Options)) (*Dispatcher, *test.Hook) {
	t.Helper()
	return newDispatcherWithDirectory(t, upstream, testDirectory(t, "http://"+testUpstreamHost), mutate)
}

func newDispatcherWithDirectory(t *testing.T, upstream *fakeUpstream, dir directory.Directory, mutate func(*Options)) (*Dispatcher, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	opts := Options{
		Hostname:      testHostname,
		DirectoryName: "static",
		Transport:     upstream.transport(),
		Now:           func() time.Time { return testSigningTime },
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewDispatcher(dir, opts, logrus.NewEntry(logger)), hook
}

// signedRequest builds a request the way an S3 client would send it.
func signedRequest(t *testing.T, method, target string, body []byte, creds sigv4.Credentials, mutate func(*http.Request)) *http.Request {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	r := httptest.NewRequest(method, target, reader)
	r.Header.Set(sigv4.XAmzContentSha256, sigv4.HashPayload(body))
	if mutate != nil {
		mutate(r)
	}

	hash := r.Header.Get(sigv4.XAmzContentSha256)
	if hash == "" {
		hash = sigv4.HashPayload(body)
	}
	require.NoError(t, sigv4.NewSigner(sigv4.Options{}).Sign(context.Background(), r, creds, hash, testSigningTime))

	// net/http keeps Content-Length in the header on the server side
	if r.ContentLength > 0 {
		r.Header.Set("Content-Length", strconv.FormatInt(r.ContentLength, 10))
	}
	return r
}

func serve(d http.Handler, r *http.Request) *http.Response {
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, r)
	return rec.Result()
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestDispatcher_ForwardsVirtualHostedRequest(t *testing.T) {
	// Setup
	upstream := newFakeUpstream(t)
	d, _ := newTestDispatcher(t, upstream, nil)

	req := signedRequest(t, http.MethodGet, "http://bucket.proxy.test/file.txt", nil, testCreds, nil)
	clientAuth := req.Header.Get("Authorization")
	req.Header.Set("X-Extraneous", "kept")
	req.Header.Set("X-Real-Ip", "203.0.113.9")
	req.Header.Set("Cf-Ray", "8a1b2c3d")
	req.Header.Set("Connection", "X-Hop")
	req.Header.Set("X-Hop", "local")

	// Execute
	resp := serve(d, req)

	// Verify
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", readBody(t, resp))
	assert.Equal(t, `"abc"`, resp.Header.Get("ETag"))
	assert.Empty(t, resp.Header.Get("X-Request-Id"))

	got := upstream.last(t)
	require.NoError(t, got.verifyErr)
	assert.Equal(t, "bucket."+testUpstreamHost, got.host)
	assert.Equal(t, "/file.txt", got.uri)
	assert.NotEqual(t, clientAuth, got.header.Get("Authorization"))
	assert.Equal(t, "kept", got.header.Get("X-Extraneous"))
	assert.Empty(t, got.header.Get("X-Real-Ip"))
	assert.Empty(t, got.header.Get("Cf-Ray"))
	assert.Empty(t, got.header.Get("X-Forwarded-For"))
	assert.Empty(t, got.header.Values("X-Hop"))
}

func TestDispatcher_ForwardsPathStyleRequestWithPrefix(t *testing.T) {
	// Setup
	upstream := newFakeUpstream(t)
	d, _ := newTestDispatcher(t, upstream, func(o *Options) { o.PathPrefix = "/s3/" })

	req := signedRequest(t, http.MethodGet, "http://proxy.test:8080/s3/bucket/dir/file%20name.txt?versionId=7&x-id=GetObject", nil, testCreds, nil)

	// Execute
	resp := serve(d, req)

	// Verify
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	got := upstream.last(t)
	require.NoError(t, got.verifyErr)
	assert.Equal(t, testUpstreamHost, got.host)
	assert.Equal(t, "/bucket/dir/file%20name.txt?versionId=7&x-id=GetObject", got.uri)
}

func TestDispatcher_ServesManyBucketsOnOneInstance(t *testing.T) {
	// Setup
	upstream := newFakeUpstream(t)
	rotated := testCreds
	rotated.SecretAccessKey = "rotated-secret"

	dir, err := directory.NewStatic(map[string]map[string]interface{}{
		"alpha": {
			"endpoint":        "http://" + testUpstreamHost,
			"accessKeyId":     testAccessKey,
			"secretAccessKey": testSecretKey,
			"region":          testRegion,
		},
		"beta": {
			"endpoint":        "http://" + testUpstreamHost,
			"accessKeyId":     testAccessKey,
			"secretAccessKey": rotated.SecretAccessKey,
			"region":          testRegion,
		},
		"gamma": {
			"endpoint":        "http://other.example.test/store",
			"accessKeyId":     testAccessKey,
			"secretAccessKey": testSecretKey,
			"region":          testRegion,
		},
	})
	require.NoError(t, err)
	d, _ := newDispatcherWithDirectory(t, upstream, dir, nil)

	steps := []struct {
		target         string
		creds          sigv4.Credentials
		expectedStatus int
		expectedHost   string
		expectedURI    string
	}{
		{"http://alpha.proxy.test/a.txt", testCreds, http.StatusOK, "alpha." + testUpstreamHost, "/a.txt"},
		{"http://beta.proxy.test/b.txt", testCreds, http.StatusForbidden, "", ""},
		{"http://gamma.proxy.test/c.txt", testCreds, http.StatusOK, "gamma.other.example.test", "/store/c.txt"},
		{"http://beta.proxy.test/b.txt", rotated, http.StatusOK, "beta." + testUpstreamHost, "/b.txt"},
		{"http://alpha.proxy.test/a.txt", rotated, http.StatusForbidden, "", ""},
		{"http://alpha.proxy.test/a2.txt", testCreds, http.StatusOK, "alpha." + testUpstreamHost, "/a2.txt"},
	}

	// Execute & Verify
	forwarded := 0
	for i, step := range steps {
		resp := serve(d, signedRequest(t, http.MethodGet, step.target, nil, step.creds, nil))
		require.Equal(t, step.expectedStatus, resp.StatusCode, "step %d: %s", i, step.target)
		if step.expectedStatus != http.StatusOK {
			assert.Contains(t, readBody(t, resp), "<Code>SignatureDoesNotMatch</Code>", "step %d", i)
			assert.Equal(t, forwarded, upstream.count(), "step %d reached the upstream", i)
			continue
		}
		forwarded++
		got := upstream.last(t)
		assert.Equal(t, step.expectedHost, got.host, "step %d", i)
		assert.Equal(t, step.expectedURI, got.uri, "step %d", i)
		if step.creds == testCreds {
			require.NoError(t, got.verifyErr, "step %d", i)
		}
	}
	assert.Equal(t, forwarded, upstream.count())
}

func TestDispatcher_RepeatedRequestIsForwardedIdentically(t *testing.T) {
	// Setup
	upstream := newFakeUpstream(t)
	d, _ := newTestDispatcher(t, upstream, func(o *Options) { o.PathPrefix = "/s3/" })

	build := func() *http.Request {
		req := signedRequest(t, http.MethodGet, "http://proxy.test/s3/bucket/dir/key.txt?list-type=2&prefix=a", nil, testCreds, nil)
		req.Header.Set("X-Extraneous", "kept")
		req.Header.Set("X-Real-Ip", "203.0.113.9")
		return req
	}

	// Execute
	first := serve(d, build())
	second := serve(d, build())

	// Verify
	assert.Equal(t, http.StatusOK, first.StatusCode)
	assert.Equal(t, http.StatusOK, second.StatusCode)

	upstream.mu.Lock()
	defer upstream.mu.Unlock()
	require.Len(t, upstream.requests, 2)
	a, b := upstream.requests[0], upstream.requests[1]
	require.NoError(t, a.verifyErr)
	require.NoError(t, b.verifyErr)
	assert.Equal(t, a.host, b.host)
	assert.Equal(t, a.uri, b.uri)
	assert.Equal(t, a.header, b.header)
	assert.Equal(t, "kept", b.header.Get("X-Extraneous"))
	assert.Empty(t, b.header.Get("X-Real-Ip"))
}

func TestDispatcher_PassesUpstreamStatusThrough(t *testing.T) {
	upstream := newFakeUpstream(t)
	upstream.status = 599
	upstream.body = "upstream failure"
	d, _ := newTestDispatcher(t, upstream, nil)

	resp := serve(d, signedRequest(t, http.MethodGet, "http://bucket.proxy.test/file.txt", nil, testCreds, nil))

	assert.Equal(t, 599, resp.StatusCode)
	assert.Equal(t, "upstream failure", readBody(t, resp))
	assert.Empty(t, resp.Header.Get("X-Request-Id"))
}

func TestDispatcher_RejectsRequests(t *testing.T) {
	wrongCreds := testCreds
	wrongCreds.SecretAccessKey = "not-the-secret"

	plain := func(host string, auth *string) func(t *testing.T) *http.Request {
		return func(t *testing.T) *http.Request {
			r := httptest.NewRequest(http.MethodGet, "http://"+host+"/file.txt", nil)
			r.Header.Set("X-Amz-Date", testSigningTime.Format(sigv4.TimeFormat))
			if auth != nil {
				r.Header.Set("Authorization", *auth)
			}
			return r
		}
	}
	str := func(s string) *string { return &s }

	tests := []struct {
		name           string
		request        func(t *testing.T) *http.Request
		expectedStatus int
		expectedCode   string
	}{
		{
			name:           "unknown bucket",
			request:        plain("missing.proxy.test", str("AWS4-HMAC-SHA256 SignedHeaders=host")),
			expectedStatus: http.StatusNotFound,
			expectedCode:   "NoSuchBucket",
		},
		{
			name:           "unknown bucket without auth",
			request:        plain("missing.proxy.test", nil),
			expectedStatus: http.StatusNotFound,
			expectedCode:   "NoSuchBucket",
		},
		{
			name:           "foreign host",
			request:        plain("example.org", nil),
			expectedStatus: http.StatusNotFound,
			expectedCode:   "NoSuchBucket",
		},
		{
			name:           "bare hostname object",
			request:        plain("proxy.test", nil),
			expectedStatus: http.StatusNotFound,
			expectedCode:   "NoSuchBucket",
		},
		{
			name:           "invalid bucket record",
			request:        plain("broken.proxy.test", nil),
			expectedStatus: http.StatusInternalServerError,
			expectedCode:   "InternalError",
		},
		{
			name:           "missing authorization",
			request:        plain("bucket.proxy.test", nil),
			expectedStatus: http.StatusForbidden,
			expectedCode:   "AccessDenied",
		},
		{
			name:           "empty authorization",
			request:        plain("bucket.proxy.test", str("")),
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "AuthorizationHeaderMalformed",
		},
		{
			name:           "empty signed headers",
			request:        plain("bucket.proxy.test", str("SignedHeaders=")),
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "AuthorizationHeaderMalformed",
		},
		{
			name:           "signed headers only",
			request:        plain("bucket.proxy.test", str("SignedHeaders=host")),
			expectedStatus: http.StatusForbidden,
			expectedCode:   "SignatureDoesNotMatch",
		},
		{
			name: "wrong secret",
			request: func(t *testing.T) *http.Request {
				return signedRequest(t, http.MethodGet, "http://bucket.proxy.test/file.txt", nil, wrongCreds, nil)
			},
			expectedStatus: http.StatusForbidden,
			expectedCode:   "SignatureDoesNotMatch",
		},
		{
			name: "wrong access key",
			request: func(t *testing.T) *http.Request {
				creds := testCreds
				creds.AccessKeyID = "someone-else"
				return signedRequest(t, http.MethodGet, "http://bucket.proxy.test/file.txt", nil, creds, nil)
			},
			expectedStatus: http.StatusForbidden,
			expectedCode:   "SignatureDoesNotMatch",
		},
		{
			name: "signed for another host",
			request: func(t *testing.T) *http.Request {
				r := signedRequest(t, http.MethodGet, "http://other.proxy.test/file.txt", nil, testCreds, nil)
				r.Host = "bucket.proxy.test"
				return r
			},
			expectedStatus: http.StatusForbidden,
			expectedCode:   "SignatureDoesNotMatch",
		},
		{
			name: "signed header tampered",
			request: func(t *testing.T) *http.Request {
				r := signedRequest(t, http.MethodGet, "http://bucket.proxy.test/file.txt", nil, testCreds, func(r *http.Request) {
					r.Header.Set("X-Amz-Meta-Owner", "alice")
				})
				r.Header.Set("X-Amz-Meta-Owner", "mallory")
				return r
			},
			expectedStatus: http.StatusForbidden,
			expectedCode:   "SignatureDoesNotMatch",
		},
		{
			name: "invalid date",
			request: func(t *testing.T) *http.Request {
				r := signedRequest(t, http.MethodGet, "http://bucket.proxy.test/file.txt", nil, testCreds, nil)
				r.Header.Set("X-Amz-Date", "yesterday")
				return r
			},
			expectedStatus: http.StatusForbidden,
			expectedCode:   "SignatureDoesNotMatch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Setup
			upstream := newFakeUpstream(t)
			d, _ := newTestDispatcher(t, upstream, nil)
			req := tt.request(t)

			// Execute
			resp := serve(d, req)

			// Verify
			assert.Equal(t, tt.expectedStatus, resp.StatusCode)
			assert.Equal(t, "application/xml", resp.Header.Get("Content-Type"))
			assert.Contains(t, readBody(t, resp), "<Code>"+tt.expectedCode+"</Code>")
			assert.Zero(t, upstream.count(), "rejected request reached the upstream")
		})
	}
}

func TestDispatcher_ComputesMissingPayloadHash(t *testing.T) {
	// Setup
	upstream := newFakeUpstream(t)
	d, _ := newTestDispatcher(t, upstream, nil)

	body := []byte("some object content")
	req := signedRequest(t, http.MethodPut, "http://bucket.proxy.test/upload.txt", body, testCreds, func(r *http.Request) {
		r.Header.Del(sigv4.XAmzContentSha256)
		r.Header.Set("Content-Type", "text/plain")
	})

	// Execute
	resp := serve(d, req)

	// Verify
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	got := upstream.last(t)
	require.NoError(t, got.verifyErr)
	assert.Equal(t, http.MethodPut, got.method)
	assert.Equal(t, body, got.body)
	assert.Equal(t, sigv4.HashPayload(body), got.header.Get(sigv4.XAmzContentSha256))
	assert.Equal(t, strconv.Itoa(len(body)), got.header.Get("Content-Length"))
}

func TestDispatcher_ForwardsUnsignedPayload(t *testing.T) {
	upstream := newFakeUpstream(t)
	d, _ := newTestDispatcher(t, upstream, func(o *Options) { o.MaxBufferedBody = 4 })

	body := []byte("larger than the buffer limit")
	req := signedRequest(t, http.MethodPut, "http://bucket.proxy.test/big.bin", body, testCreds, func(r *http.Request) {
		r.Header.Set(sigv4.XAmzContentSha256, sigv4.UnsignedPayload)
	})

	resp := serve(d, req)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	got := upstream.last(t)
	require.NoError(t, got.verifyErr)
	assert.Equal(t, body, got.body)
}

func TestDispatcher_ForwardsStreamingPayloadMarker(t *testing.T) {
	upstream := newFakeUpstream(t)
	d, hook := newTestDispatcher(t, upstream, func(o *Options) { o.MaxBufferedBody = 4 })

	body := []byte("5;chunk-signature=abc\r\nhello\r\n0;chunk-signature=def\r\n\r\n")
	req := signedRequest(t, http.MethodPut, "http://bucket.proxy.test/chunked.bin", body, testCreds, func(r *http.Request) {
		r.Header.Set(sigv4.XAmzContentSha256, sigv4.StreamingSignature)
		r.Header.Set("Content-Encoding", "aws-chunked")
	})

	resp := serve(d, req)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	got := upstream.last(t)
	require.NoError(t, got.verifyErr)
	assert.Equal(t, sigv4.StreamingSignature, got.header.Get(sigv4.XAmzContentSha256))
	assert.Equal(t, body, got.body)

	var logged bool
	for _, entry := range hook.AllEntries() {
		if entry.Message == "Forwarding aws-chunked body with client chunk signatures" {
			logged = true
		}
	}
	assert.True(t, logged)
}

func TestDispatcher_RejectsOversizedUnhashedBody(t *testing.T) {
	upstream := newFakeUpstream(t)
	d, _ := newTestDispatcher(t, upstream, func(o *Options) { o.MaxBufferedBody = 4 })

	body := []byte("larger than the buffer limit")
	req := signedRequest(t, http.MethodPut, "http://bucket.proxy.test/big.bin", body, testCreds, func(r *http.Request) {
		r.Header.Del(sigv4.XAmzContentSha256)
	})

	resp := serve(d, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), "<Code>EntityTooLarge</Code>")
	assert.Zero(t, upstream.count())
}

func TestDispatcher_ClockSkew(t *testing.T) {
	tests := []struct {
		name           string
		offset         time.Duration
		dropDate       bool
		expectedStatus int
	}{
		{name: "within window", offset: 5 * time.Minute, expectedStatus: http.StatusOK},
		{name: "signed in the past", offset: 20 * time.Minute, expectedStatus: http.StatusForbidden},
		{name: "signed in the future", offset: -20 * time.Minute, expectedStatus: http.StatusForbidden},
		{name: "undated", dropDate: true, expectedStatus: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := newFakeUpstream(t)
			d, _ := newTestDispatcher(t, upstream, func(o *Options) {
				o.MaxClockSkew = 15 * time.Minute
				o.Now = func() time.Time { return testSigningTime.Add(tt.offset) }
			})

			req := signedRequest(t, http.MethodGet, "http://bucket.proxy.test/file.txt", nil, testCreds, nil)
			if tt.dropDate {
				req.Header.Del("X-Amz-Date")
			}

			resp := serve(d, req)

			assert.Equal(t, tt.expectedStatus, resp.StatusCode)
			if tt.expectedStatus == http.StatusForbidden {
				assert.Contains(t, readBody(t, resp), "<Code>RequestTimeTooSkewed</Code>")
			}
		})
	}
}

func TestDispatcher_UnsignableHeaderFailsClosed(t *testing.T) {
	// Setup
	upstream := newFakeUpstream(t)
	d, hook := newTestDispatcher(t, upstream, nil)

	req := signedRequest(t, http.MethodGet, "http://bucket.proxy.test/file.txt", nil, testCreds, nil)
	req.Header.Set("User-Agent", "aws-cli/2.0")
	auth := strings.Replace(req.Header.Get("Authorization"), "SignedHeaders=host;", "SignedHeaders=host;user-agent;", 1)
	req.Header.Set("Authorization", auth)

	// Execute
	resp := serve(d, req)

	// Verify
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Zero(t, upstream.count())

	var warned bool
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Data["header"] == "user-agent" {
			warned = true
		}
	}
	assert.True(t, warned, "expected a warning naming the unsignable header")
}

type failingTransport struct{}

func (failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, errors.New("connection refused")
}

func TestDispatcher_UpstreamUnreachable(t *testing.T) {
	logger, _ := test.NewNullLogger()
	d := NewDispatcher(testDirectory(t, "http://"+testUpstreamHost), Options{
		Hostname:  testHostname,
		Transport: failingTransport{},
		Now:       func() time.Time { return testSigningTime },
	}, logrus.NewEntry(logger))

	resp := serve(d, signedRequest(t, http.MethodGet, "http://bucket.proxy.test/file.txt", nil, testCreds, nil))

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	body := readBody(t, resp)
	assert.Contains(t, body, "<Code>BadGateway</Code>")
	assert.NotContains(t, body, "connection refused")
}

type mockDirectory struct {
	mock.Mock
}

func (m *mockDirectory) Lookup(ctx context.Context, name string) ([]byte, error) {
	args := m.Called(ctx, name)
	blob, _ := args.Get(0).([]byte)
	return blob, args.Error(1)
}

func TestDispatcher_DirectoryFailureIsNotFound(t *testing.T) {
	dir := &mockDirectory{}
	dir.On("Lookup", mock.Anything, "bucket").Return(nil, errors.New("dial tcp: i/o timeout")).Once()

	logger, hook := test.NewNullLogger()
	d := NewDispatcher(dir, Options{Hostname: testHostname}, logrus.NewEntry(logger))

	resp := serve(d, signedRequest(t, http.MethodGet, "http://bucket.proxy.test/file.txt", nil, testCreds, nil))

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.NotContains(t, readBody(t, resp), "i/o timeout")

	var logged bool
	for _, entry := range hook.AllEntries() {
		if entry.Message == "Bucket directory lookup failed" {
			logged = true
		}
	}
	assert.True(t, logged)
	dir.AssertExpectations(t)
}
