package observability

import (
	"net"
	"net/http"
	"strings"
)

// ClientInfo identifies the caller behind a request for logs and ws events.
type ClientInfo struct {
	DeviceID  string
	RequestID string
	IP        string
}

func ClientInfoFromRequest(r *http.Request) ClientInfo {
	return ClientInfo{
		DeviceID:  r.Header.Get("X-Device-Id"),
		RequestID: r.Header.Get("X-Request-Id"),
		IP:        clientIP(r),
	}
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if real := r.Header.Get("X-Real-Ip"); real != "" {
		return real
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}
