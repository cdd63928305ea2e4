package restcall

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/samvad-hq/dashboard-publisher/pkg/httpclient"
)

const (
	// HeaderAPIUser identifies traffic originated by this publisher.
	HeaderAPIUser = "apiUser"
	// HeaderCorrelationID lets the dashboard tie a submission to a related request.
	HeaderCorrelationID = "correlation_id"
	// DefaultAPIUser is the value sent in HeaderAPIUser.
	DefaultAPIUser = "hygieia_publisher_plugin"

	headerAuthorization = "Authorization"
	headerContentType   = "Content-Type"
	contentTypeJSON     = "application/json; charset=UTF-8"
)

// ProxyConfig is the host-wide forward proxy configuration.
type ProxyConfig = httpclient.Proxy

// Executor performs single synchronous calls against the dashboard. It never returns
// transport errors; every failure is reported as a 400 CallResult and logged.
type Executor struct {
	useProxy  bool
	proxy     *ProxyConfig
	timeout   time.Duration
	transport http.RoundTripper
	apiUser   string
	log       Logger
}

// Option customizes an Executor.
type Option func(*Executor)

// WithProxy supplies the host proxy configuration. Without it no proxy is used.
func WithProxy(p *ProxyConfig) Option {
	return func(e *Executor) { e.proxy = p }
}

// WithLogger sets the logger; nil keeps the noop logger.
func WithLogger(log Logger) Option {
	return func(e *Executor) { e.log = ensureLogger(log) }
}

// WithTimeout bounds each call. Zero means no explicit timeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

// WithTransport replaces the underlying round tripper.
func WithTransport(rt http.RoundTripper) Option {
	return func(e *Executor) { e.transport = rt }
}

// WithAPIUser overrides the client-identifier header value.
func WithAPIUser(v string) Option {
	return func(e *Executor) {
		if v = strings.TrimSpace(v); v != "" {
			e.apiUser = v
		}
	}
}

// New creates an Executor. useProxy only has effect when WithProxy is also given.
func New(useProxy bool, opts ...Option) *Executor {
	e := &Executor{
		useProxy: useProxy,
		apiUser:  DefaultAPIUser,
		log:      noopLogger{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// newClient builds a fresh client for one call, wiring the proxy when enabled.
func (e *Executor) newClient() *resty.Client {
	opts := httpclient.Options{
		Timeout:   e.timeout,
		Transport: e.transport,
	}
	if e.useProxy && e.proxy != nil && strings.TrimSpace(e.proxy.Host) != "" {
		opts.Proxy = e.proxy
		if e.proxy.HasCredentials() {
			e.log.InfoObj("using proxy authentication", "proxy", map[string]any{
				"address": e.proxy.Address(),
			})
		}
	}
	return httpclient.NewRestyHTTPClient(opts)
}

// GetWithAuth issues a GET, adding Basic authorization when user and token are both non-blank.
func (e *Executor) GetWithAuth(ctx context.Context, url, user, token string) CallResult {
	headers := map[string]string{}
	if strings.TrimSpace(user) != "" && strings.TrimSpace(token) != "" {
		headers[headerAuthorization] = AuthHeaderValue(user + ":" + token)
	}
	res, err := e.execute(ctx, http.MethodGet, url, headers, nil)
	if err != nil {
		e.log.WarnObj("error connecting to endpoint", "restcall_error", map[string]any{
			"url":   url,
			"error": err.Error(),
		})
		return failed()
	}
	return res
}

// Get issues a GET carrying the client-identifier header.
func (e *Executor) Get(ctx context.Context, url string) CallResult {
	headers := map[string]string{HeaderAPIUser: e.apiUser}
	res, err := e.execute(ctx, http.MethodGet, url, headers, nil)
	if err != nil {
		e.log.WarnObj("error connecting to dashboard", "restcall_error", map[string]any{
			"url":   url,
			"error": err.Error(),
		})
		return failed()
	}
	return res
}

// Post sends jsonBody as application/json.
func (e *Executor) Post(ctx context.Context, url, jsonBody string) CallResult {
	return e.post(ctx, url, jsonBody, map[string]string{
		HeaderAPIUser: e.apiUser,
	})
}

// PostWithCorrelation sends jsonBody with the correlation header set to correlationID.
func (e *Executor) PostWithCorrelation(ctx context.Context, url, jsonBody, correlationID string) CallResult {
	return e.post(ctx, url, jsonBody, map[string]string{
		HeaderAPIUser:       e.apiUser,
		HeaderCorrelationID: correlationID,
	})
}

func (e *Executor) post(ctx context.Context, url, jsonBody string, headers map[string]string) (res CallResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logPostFailure(url, fmt.Errorf("panic: %v", r))
			res = failed()
		}
	}()

	headers[headerContentType] = contentTypeJSON
	out, err := e.execute(ctx, http.MethodPost, url, headers, &jsonBody)
	if err != nil {
		e.logPostFailure(url, err)
		return failed()
	}
	return out
}

func (e *Executor) logPostFailure(url string, err error) {
	e.log.ErrorObj("error posting to dashboard", "restcall_error", map[string]any{
		"url":   url,
		"error": err.Error(),
	})
}

// execute runs one request and drains the response. The response body is closed
// exactly once whenever a response was received.
func (e *Executor) execute(ctx context.Context, method, url string, headers map[string]string, body *string) (CallResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	req := e.newClient().R().
		SetContext(ctx).
		SetDoNotParseResponse(true)
	if len(headers) > 0 {
		req.SetHeaders(headers)
	}
	if body != nil {
		req.SetBody(*body)
	}

	resp, err := req.Execute(method, url)
	if resp != nil && resp.RawBody() != nil {
		defer resp.RawBody().Close()
	}
	if err != nil {
		return CallResult{}, fmt.Errorf("%s %s: %w", method, url, err)
	}

	text, err := drainBody(resp.RawBody())
	if err != nil {
		return CallResult{}, fmt.Errorf("read response body: %w", err)
	}
	return CallResult{StatusCode: resp.StatusCode(), Body: text}, nil
}
