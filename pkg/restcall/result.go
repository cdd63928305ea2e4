package restcall

import (
	"encoding/base64"
	"io"
	"net/http"
	"strings"
)

// CallResult is the normalized outcome of a single outbound call.
type CallResult struct {
	StatusCode int
	Body       string
}

// failed is returned whenever the call could not complete. It is indistinguishable
// from a remote 400 with an empty body.
func failed() CallResult {
	return CallResult{StatusCode: http.StatusBadRequest, Body: ""}
}

// IsSuccess reports a 2xx status.
func (r CallResult) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// AuthHeaderValue returns the Basic authorization value for "user:token".
func AuthHeaderValue(userInfo string) string {
	return "Basic " + base64.StdEncoding.EncodeToString(asciiBytes(userInfo))
}

// asciiBytes maps every non-ASCII rune to '?'.
func asciiBytes(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0x7f {
			out = append(out, '?')
			continue
		}
		out = append(out, byte(r))
	}
	return out
}

// drainBody reads r fully and decodes it as UTF-8, replacing invalid sequences.
// No size limit is applied.
func drainBody(r io.Reader) (string, error) {
	if r == nil {
		return "", nil
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return strings.ToValidUTF8(string(b), "\uFFFD"), nil
}
