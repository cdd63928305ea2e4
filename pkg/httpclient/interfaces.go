package httpclient

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Proxy describes a forward proxy that outbound calls may be routed through.
type Proxy struct {
	Host         string
	Port         int
	Username     string
	Password     string
	NoProxyHosts []string
}

// Address returns host:port of the proxy.
func (p *Proxy) Address() string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(p.Host) + ":" + strconv.Itoa(p.Port)
}

// HasCredentials reports whether both username and password are non-blank after trimming.
func (p *Proxy) HasCredentials() bool {
	if p == nil {
		return false
	}
	return strings.TrimSpace(p.Username) != "" && strings.TrimSpace(p.Password) != ""
}

// Options configures a resty client built by NewRestyHTTPClient.
type Options struct {
	// Timeout of zero leaves the transport defaults untouched (no overall deadline).
	Timeout time.Duration
	// Proxy is applied only when the transport is an *http.Transport.
	Proxy *Proxy
	// Transport overrides the cloned default transport.
	Transport http.RoundTripper
}
