package httpclient

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-resty/resty/v2"
)

const maxRedirects = 10

// NewRestyHTTPClient builds a fresh resty.Client for a single outbound call.
func NewRestyHTTPClient(opts Options) *resty.Client {
	hc := &http.Client{Transport: buildTransport(opts)}
	c := resty.NewWithClient(hc).SetRedirectPolicy(getOnlyRedirectPolicy())
	if opts.Timeout > 0 {
		c.SetTimeout(opts.Timeout)
	}
	return c
}

// getOnlyRedirectPolicy follows redirects for GET; any other method gets the
// redirect response itself.
func getOnlyRedirectPolicy() resty.RedirectPolicy {
	return resty.RedirectPolicyFunc(func(req *http.Request, via []*http.Request) error {
		if len(via) > 0 && via[0].Method != http.MethodGet {
			return http.ErrUseLastResponse
		}
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return nil
	})
}

// buildTransport clones the default transport (or the supplied one) and wires the proxy.
func buildTransport(opts Options) http.RoundTripper {
	var tr *http.Transport
	switch t := opts.Transport.(type) {
	case nil:
		tr = http.DefaultTransport.(*http.Transport).Clone()
	case *http.Transport:
		tr = t.Clone()
	default:
		return t
	}

	if opts.Proxy == nil || strings.TrimSpace(opts.Proxy.Host) == "" {
		tr.Proxy = nil
		return tr
	}

	proxyURL := ProxyURL(opts.Proxy)
	bypass := opts.Proxy.NoProxyHosts
	tr.Proxy = func(req *http.Request) (*url.URL, error) {
		if len(bypass) > 0 && MatchesBypass(req.URL.String(), bypass) {
			return nil, nil
		}
		return proxyURL, nil
	}
	return tr
}

// ProxyURL renders the proxy as an http URL, carrying trimmed credentials only when both are set.
func ProxyURL(p *Proxy) *url.URL {
	u := &url.URL{Scheme: "http", Host: p.Address()}
	if p.HasCredentials() {
		u.User = url.UserPassword(strings.TrimSpace(p.Username), strings.TrimSpace(p.Password))
	}
	return u
}
