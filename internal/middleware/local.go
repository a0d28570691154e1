package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/neboloop/tabrelay/internal/httputil"
)

// LocalOnly creates a chi middleware that rejects callers outside this
// machine. It trusts RemoteAddr only; proxy headers are ignored.
func LocalOnly() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !IsLoopbackRemote(r.RemoteAddr) {
				httputil.Forbidden(w, "local callers only")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IsLoopbackRemote reports whether an http.Request RemoteAddr is a loopback
// address.
func IsLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	return IsLoopbackIP(host)
}

// IsLoopbackIP reports whether ip is in 127.0.0.0/8, ::1, or an IPv4-mapped
// loopback address.
func IsLoopbackIP(ip string) bool {
	if strings.HasPrefix(ip, "127.") || strings.HasPrefix(ip, "::ffff:127.") {
		return true
	}
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.IsLoopback()
}
