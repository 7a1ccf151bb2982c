// Package identifier derives the key the limiter buckets a request under.
//
// The key is normally the client IP address. Proxy headers are trusted as
// presented: X-Forwarded-For wins, then X-Real-IP, then the transport peer
// address. Requests that carry none of these share the Unknown bucket.
package identifier

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Unknown is the identifier used when nothing in the request identifies the client.
const Unknown = "unknown"

const (
	HeaderForwardedFor = "X-Forwarded-For"
	HeaderRealIP       = "X-Real-IP"
)

// Resolve returns the identifier for a request described by its headers and
// raw peer address. The result is never empty.
func Resolve(headers http.Header, remoteAddr string) string {
	return resolve(headers.Get(HeaderForwardedFor), headers.Get(HeaderRealIP), remoteAddr)
}

// FromRequest resolves the identifier of an HTTP request.
func FromRequest(r *http.Request) string {
	return Resolve(r.Header, r.RemoteAddr)
}

// FromMetadata resolves an identifier from gRPC-style metadata, whose keys are
// lower-cased, and the peer address of the connection.
func FromMetadata(md map[string][]string, peerAddr string) string {
	return resolve(first(md[strings.ToLower(HeaderForwardedFor)]), first(md[strings.ToLower(HeaderRealIP)]), peerAddr)
}

func resolve(forwardedFor, realIP, remoteAddr string) string {
	if forwardedFor != "" {
		// The left-most entry is the originating client.
		client, _, _ := strings.Cut(forwardedFor, ",")
		if client = strings.TrimSpace(client); client != "" {
			return client
		}
	}

	if realIP = strings.TrimSpace(realIP); realIP != "" {
		return realIP
	}

	if addr := hostOnly(strings.TrimSpace(remoteAddr)); addr != "" {
		return addr
	}

	return Unknown
}

// hostOnly strips the port from a host:port peer address. Anything that does
// not parse as host:port is returned unchanged.
func hostOnly(addr string) string {
	if addr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// Mask renders an identifier for logs without retaining the full address.
// IPv4 keeps the first two octets, IPv6 the first two hextets, and anything
// else becomes a short hash.
func Mask(id string) string {
	if id == Unknown || id == "" {
		return Unknown
	}

	if ip := net.ParseIP(id); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return strconv.Itoa(int(v4[0])) + "." + strconv.Itoa(int(v4[1])) + ".x.x"
		}
		parts := strings.SplitN(ip.String(), ":", 3)
		if len(parts) >= 2 {
			return parts[0] + ":" + parts[1] + ":x"
		}
	}

	return "h:" + strconv.FormatUint(xxhash.Sum64String(id)&0xffffffff, 16)
}
