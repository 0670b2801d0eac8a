// Package origin decides which browser origins may open signaling
// connections and make cross-origin API calls.
package origin

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Normalize validates a browser Origin value and returns it as
// scheme://host[:port] with scheme and host lowercased and default ports
// removed, plus the host[:port] part. "null" is returned as-is.
func Normalize(raw string) (normalized, host string, ok bool) {
	trimmed := strings.TrimSpace(raw)
	switch trimmed {
	case "":
		return "", "", false
	case "null":
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.ForceQuery || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}
	host, ok = normalizeHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

func normalizeHost(rawHost, scheme string) (string, bool) {
	hostname, rawPort, ok := splitHostPort(strings.ToLower(strings.TrimSpace(rawHost)))
	if !ok || hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits host[:port], unbracketing IPv6 literals. The port is
// not validated.
func splitHostPort(rawHost string) (hostname, port string, ok bool) {
	if rest, found := strings.CutPrefix(rawHost, "["); found {
		hostname, rest, found = strings.Cut(rest, "]")
		if !found {
			return "", "", false
		}
		if rest == "" {
			return hostname, "", true
		}
		port, found = strings.CutPrefix(rest, ":")
		if !found || port == "" {
			return "", "", false
		}
		return hostname, port, true
	}

	switch strings.Count(rawHost, ":") {
	case 0:
		return rawHost, "", true
	case 1:
		hostname, port, _ = strings.Cut(rawHost, ":")
		if hostname == "" || port == "" {
			return "", "", false
		}
		return hostname, port, true
	default:
		return "", "", false
	}
}

// Policy is an origin allow list. An empty list allows only origins whose
// host matches the request's Host header.
type Policy struct {
	allowed []string
}

// NewPolicy takes origins already normalized by Normalize, or "*".
func NewPolicy(allowed []string) Policy {
	return Policy{allowed: append([]string(nil), allowed...)}
}

// AllowOrigin reports whether a request from originHeader to requestHost is
// allowed.
func (p Policy) AllowOrigin(originHeader, requestHost string) bool {
	normalized, host, ok := Normalize(originHeader)
	if !ok {
		return false
	}
	if len(p.allowed) > 0 {
		for _, a := range p.allowed {
			if a == "*" || a == normalized {
				return true
			}
		}
		return false
	}

	// Same host:port regardless of scheme; TLS may terminate in front of us.
	scheme, _, _ := strings.Cut(normalized, "://")
	if scheme != "http" && scheme != "https" {
		return false
	}
	reqHost, ok := normalizeHost(requestHost, scheme)
	return ok && reqHost == host
}

// CheckRequest allows requests without an Origin header, which do not come
// from browsers, and otherwise applies AllowOrigin. It fits
// websocket.Upgrader.CheckOrigin.
func (p Policy) CheckRequest(r *http.Request) bool {
	values := r.Header.Values("Origin")
	switch len(values) {
	case 0:
		return true
	case 1:
		if strings.TrimSpace(values[0]) == "" {
			return true
		}
		return p.AllowOrigin(values[0], r.Host)
	default:
		return false
	}
}
