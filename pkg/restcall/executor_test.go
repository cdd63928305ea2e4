package restcall

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/samvad-hq/dashboard-publisher/internal/logger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// captured records the request a test server received.
type captured struct {
	mu      sync.Mutex
	method  string
	headers http.Header
	body    string
	hits    int
}

func (c *captured) snapshot() (string, http.Header, string, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.method, c.headers, c.body, c.hits
}

func newServer(t *testing.T, status int, body string) (*httptest.Server, *captured) {
	t.Helper()
	c := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.method = r.Method
		c.headers = r.Header.Clone()
		c.body = string(raw)
		c.hits++
		c.mu.Unlock()
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

// unreachableURL returns the URL of a server that has already been shut down.
func unreachableURL() string {
	srv := httptest.NewServer(http.NotFoundHandler())
	u := srv.URL
	srv.Close()
	return u + "/api/build"
}

func observedLogger() (Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return logger.New(zap.New(core)), logs
}

func TestAuthHeaderValue(t *testing.T) {
	if got := AuthHeaderValue("alice:secret"); got != "Basic YWxpY2U6c2VjcmV0" {
		t.Fatalf("AuthHeaderValue = %q", got)
	}
}

func TestGetReturnsStatusAndBody(t *testing.T) {
	srv, c := newServer(t, http.StatusOK, `{"ok":true}`)

	res := New(false).Get(context.Background(), srv.URL+"/api/ping")

	if res != (CallResult{StatusCode: 200, Body: `{"ok":true}`}) {
		t.Fatalf("unexpected result %+v", res)
	}
	method, headers, _, _ := c.snapshot()
	if method != http.MethodGet {
		t.Fatalf("method = %s", method)
	}
	if got := headers.Get(HeaderAPIUser); got != DefaultAPIUser {
		t.Fatalf("%s header = %q", HeaderAPIUser, got)
	}
	if _, ok := headers["Authorization"]; ok {
		t.Fatalf("unexpected Authorization header")
	}
	if _, ok := headers[http.CanonicalHeaderKey(HeaderCorrelationID)]; ok {
		t.Fatalf("unexpected correlation header")
	}
}

func TestGetWithAuthAttachesHeaderOnce(t *testing.T) {
	srv, c := newServer(t, http.StatusOK, "fine")

	res := New(false).GetWithAuth(context.Background(), srv.URL, "alice", "secret")

	if res.StatusCode != 200 || res.Body != "fine" {
		t.Fatalf("unexpected result %+v", res)
	}
	_, headers, _, _ := c.snapshot()
	values := headers.Values("Authorization")
	if len(values) != 1 || values[0] != "Basic YWxpY2U6c2VjcmV0" {
		t.Fatalf("Authorization = %v", values)
	}
	if got := headers.Get(HeaderAPIUser); got != "" {
		t.Fatalf("credentialed GET must not send %s, got %q", HeaderAPIUser, got)
	}
}

func TestGetWithAuthSkipsBlankCredentials(t *testing.T) {
	cases := []struct{ user, token string }{
		{"", "secret"},
		{"alice", ""},
		{"   ", "secret"},
		{"alice", "\t "},
	}
	for _, tc := range cases {
		srv, c := newServer(t, http.StatusOK, "")
		New(false).GetWithAuth(context.Background(), srv.URL, tc.user, tc.token)
		_, headers, _, _ := c.snapshot()
		if _, ok := headers["Authorization"]; ok {
			t.Fatalf("user=%q token=%q: unexpected Authorization header", tc.user, tc.token)
		}
	}
}

func TestGetPassesRemoteErrorsThrough(t *testing.T) {
	srv, _ := newServer(t, http.StatusInternalServerError, "boom")

	res := New(false).Get(context.Background(), srv.URL)

	if res.StatusCode != 500 || res.Body != "boom" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestPostSendsJSON(t *testing.T) {
	srv, c := newServer(t, http.StatusCreated, "")

	res := New(false).Post(context.Background(), srv.URL+"/api/build", `{"x":1}`)

	if res != (CallResult{StatusCode: 201, Body: ""}) {
		t.Fatalf("unexpected result %+v", res)
	}
	method, headers, body, _ := c.snapshot()
	if method != http.MethodPost || body != `{"x":1}` {
		t.Fatalf("method=%s body=%q", method, body)
	}
	if got := headers.Get("Content-Type"); got != "application/json; charset=UTF-8" {
		t.Fatalf("Content-Type = %q", got)
	}
	if got := headers.Get(HeaderAPIUser); got != DefaultAPIUser {
		t.Fatalf("%s header = %q", HeaderAPIUser, got)
	}
	if _, ok := headers[http.CanonicalHeaderKey(HeaderCorrelationID)]; ok {
		t.Fatalf("two-argument POST must not send correlation header")
	}
}

func TestPostWithCorrelationSendsHeader(t *testing.T) {
	srv, c := newServer(t, http.StatusOK, `{"id":"42"}`)

	res := New(false).PostWithCorrelation(context.Background(), srv.URL, `{}`, "build-7f3")

	if res.StatusCode != 200 || res.Body != `{"id":"42"}` {
		t.Fatalf("unexpected result %+v", res)
	}
	_, headers, _, _ := c.snapshot()
	if got := headers.Values(HeaderCorrelationID); len(got) != 1 || got[0] != "build-7f3" {
		t.Fatalf("correlation header = %v", got)
	}
}

func TestUnreachableHostDegradesTo400(t *testing.T) {
	url := unreachableURL()

	type call struct {
		name  string
		level zapcore.Level
		do    func(*Executor) CallResult
	}
	calls := []call{
		{"get", zapcore.WarnLevel, func(e *Executor) CallResult { return e.Get(context.Background(), url) }},
		{"get-auth", zapcore.WarnLevel, func(e *Executor) CallResult {
			return e.GetWithAuth(context.Background(), url, "alice", "secret")
		}},
		{"post", zapcore.ErrorLevel, func(e *Executor) CallResult { return e.Post(context.Background(), url, `{"x":1}`) }},
		{"post-correlated", zapcore.ErrorLevel, func(e *Executor) CallResult {
			return e.PostWithCorrelation(context.Background(), url, `{"x":1}`, "c-1")
		}},
	}

	for _, tc := range calls {
		t.Run(tc.name, func(t *testing.T) {
			log, logs := observedLogger()
			res := tc.do(New(false, WithLogger(log)))
			if res != (CallResult{StatusCode: 400, Body: ""}) {
				t.Fatalf("unexpected result %+v", res)
			}
			entries := logs.All()
			if len(entries) != 1 {
				t.Fatalf("expected exactly one log entry, got %d", len(entries))
			}
			if entries[0].Level != tc.level {
				t.Fatalf("log level = %v, want %v", entries[0].Level, tc.level)
			}
			fields, _ := entries[0].ContextMap()["restcall_error"].(map[string]any)
			if fields["url"] != url {
				t.Fatalf("log entry missing url: %v", entries[0].ContextMap())
			}
		})
	}
}

func TestInvalidURLDegradesTo400(t *testing.T) {
	res := New(false).Post(context.Background(), "://bad url", "{}")
	if res != (CallResult{StatusCode: 400}) {
		t.Fatalf("unexpected result %+v", res)
	}
}

// countingBody counts Close calls and can fail reads.
type countingBody struct {
	io.Reader
	closes  *int
	readErr error
}

func (b *countingBody) Read(p []byte) (int, error) {
	if b.readErr != nil {
		return 0, b.readErr
	}
	return b.Reader.Read(p)
}

func (b *countingBody) Close() error {
	*b.closes++
	return nil
}

type countingTransport struct {
	status  int
	body    string
	readErr error
	closes  int
}

func (c *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: c.status,
		Status:     strconv.Itoa(c.status),
		Header:     http.Header{},
		Body: &countingBody{
			Reader:  strings.NewReader(c.body),
			closes:  &c.closes,
			readErr: c.readErr,
		},
		Request: req,
	}, nil
}

func TestResponseReleasedExactlyOnce(t *testing.T) {
	cases := []struct {
		name    string
		rt      *countingTransport
		call    func(*Executor) CallResult
		want    CallResult
		wantLog bool
	}{
		{
			name: "get success",
			rt:   &countingTransport{status: 200, body: "ok"},
			call: func(e *Executor) CallResult { return e.Get(context.Background(), "http://dash.test/api") },
			want: CallResult{StatusCode: 200, Body: "ok"},
		},
		{
			name: "post remote error",
			rt:   &countingTransport{status: 503, body: "down"},
			call: func(e *Executor) CallResult { return e.Post(context.Background(), "http://dash.test/api", "{}") },
			want: CallResult{StatusCode: 503, Body: "down"},
		},
		{
			name:    "get read failure",
			rt:      &countingTransport{status: 200, readErr: errors.New("connection reset")},
			call:    func(e *Executor) CallResult { return e.GetWithAuth(context.Background(), "http://dash.test/api", "u", "t") },
			want:    CallResult{StatusCode: 400},
			wantLog: true,
		},
		{
			name:    "post read failure",
			rt:      &countingTransport{status: 201, readErr: errors.New("unexpected EOF")},
			call:    func(e *Executor) CallResult { return e.PostWithCorrelation(context.Background(), "http://dash.test/api", "{}", "c") },
			want:    CallResult{StatusCode: 400},
			wantLog: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			log, logs := observedLogger()
			res := tc.call(New(false, WithTransport(tc.rt), WithLogger(log)))
			if res != tc.want {
				t.Fatalf("result = %+v, want %+v", res, tc.want)
			}
			if tc.rt.closes != 1 {
				t.Fatalf("body closed %d times, want 1", tc.rt.closes)
			}
			if got := logs.Len() == 1; got != tc.wantLog {
				t.Fatalf("log entries = %d", logs.Len())
			}
		})
	}
}

func TestDrainBodyDecodesUTF8(t *testing.T) {
	got, err := drainBody(strings.NewReader("h\xffé"))
	if err != nil {
		t.Fatalf("drainBody: %v", err)
	}
	if got != "h�é" {
		t.Fatalf("drainBody = %q", got)
	}
	if got, _ := drainBody(nil); got != "" {
		t.Fatalf("nil reader = %q", got)
	}
}

func TestWithAPIUserOverridesHeader(t *testing.T) {
	srv, c := newServer(t, http.StatusOK, "")
	New(false, WithAPIUser("ci-reporter")).Get(context.Background(), srv.URL)
	_, headers, _, _ := c.snapshot()
	if got := headers.Get(HeaderAPIUser); got != "ci-reporter" {
		t.Fatalf("%s header = %q", HeaderAPIUser, got)
	}
}

func newRedirectServer(t *testing.T) (*httptest.Server, *captured) {
	t.Helper()
	target := &captured{}
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusFound)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		target.mu.Lock()
		target.method = r.Method
		target.hits++
		target.mu.Unlock()
		_, _ = io.WriteString(w, "landing page")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, target
}

func TestPostReturnsRedirectWithoutFollowing(t *testing.T) {
	srv, target := newRedirectServer(t)

	for name, call := range map[string]func(*Executor) CallResult{
		"post": func(e *Executor) CallResult { return e.Post(context.Background(), srv.URL+"/old", `{"x":1}`) },
		"post-correlated": func(e *Executor) CallResult {
			return e.PostWithCorrelation(context.Background(), srv.URL+"/old", `{"x":1}`, "c-1")
		},
	} {
		t.Run(name, func(t *testing.T) {
			log, logs := observedLogger()
			res := call(New(false, WithLogger(log)))
			if res.StatusCode != http.StatusFound {
				t.Fatalf("status = %d, want %d (body %q)", res.StatusCode, http.StatusFound, res.Body)
			}
			if logs.Len() != 0 {
				t.Fatalf("redirect status should not be logged as a failure")
			}
		})
	}
	if _, _, _, hits := target.snapshot(); hits != 0 {
		t.Fatalf("redirect target hit %d times", hits)
	}
}

func TestGetFollowsRedirect(t *testing.T) {
	srv, target := newRedirectServer(t)

	res := New(false).Get(context.Background(), srv.URL+"/old")
	if res != (CallResult{StatusCode: 200, Body: "landing page"}) {
		t.Fatalf("unexpected result %+v", res)
	}
	if method, _, _, hits := target.snapshot(); hits != 1 || method != http.MethodGet {
		t.Fatalf("target method=%s hits=%d", method, hits)
	}
}

type panickingTransport struct{}

func (panickingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	panic("transport exploded")
}

func TestPostRecoversFromPanic(t *testing.T) {
	log, logs := observedLogger()
	e := New(false, WithTransport(panickingTransport{}), WithLogger(log))

	res := e.PostWithCorrelation(context.Background(), "http://dash.test/api", "{}", "c-2")
	if res != (CallResult{StatusCode: 400, Body: ""}) {
		t.Fatalf("unexpected result %+v", res)
	}
	entries := logs.FilterLevelExact(zapcore.ErrorLevel).All()
	if len(entries) != 1 || logs.Len() != 1 {
		t.Fatalf("error entries = %d, total = %d", len(entries), logs.Len())
	}
	fields, _ := entries[0].ContextMap()["restcall_error"].(map[string]any)
	if fields["url"] != "http://dash.test/api" {
		t.Fatalf("log entry missing url: %v", entries[0].ContextMap())
	}
}
