package transport

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/die-net/switchyard/internal/dialer"
)

// parseBodyError turns a refused CONNECT into an UpstreamConnectError. The
// message is the first non-empty header out of headers, else the response
// body, else the status text.
func parseBodyError(ce *dialer.ConnectError, headers []string) *UpstreamConnectError {
	for _, h := range headers {
		if v := strings.TrimSpace(ce.Header.Get(h)); v != "" {
			return &UpstreamConnectError{StatusCode: ce.StatusCode, Message: v}
		}
	}
	if body := strings.TrimSpace(string(ce.Body)); body != "" {
		return &UpstreamConnectError{StatusCode: ce.StatusCode, Message: body}
	}
	return &UpstreamConnectError{StatusCode: ce.StatusCode, Message: statusText(ce)}
}

func statusText(ce *dialer.ConnectError) string {
	// Status is "403 Forbidden"; keep the proxy's own reason phrase.
	if text, ok := strings.CutPrefix(ce.Status, strconv.Itoa(ce.StatusCode)); ok {
		if text = strings.TrimSpace(text); text != "" {
			return text
		}
	}
	if text := http.StatusText(ce.StatusCode); text != "" {
		return text
	}
	return "unknown error"
}
