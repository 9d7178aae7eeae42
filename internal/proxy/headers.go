package proxy

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"
)

// hopHeaders apply to a single connection and are never relayed.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// gatewayHeaders carry gateway credentials and stay at the gateway.
var gatewayHeaders = []string{
	"Cookie",
}

// removeHopHeaders deletes hop-by-hop headers, including any listed in the
// Connection header.
func removeHopHeaders(h http.Header) {
	for _, value := range h.Values("Connection") {
		for _, field := range strings.Split(value, ",") {
			if field = textproto.TrimString(field); field != "" {
				h.Del(field)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func copyHeader(dst, src http.Header) {
	for name, values := range src {
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}

// outboundHeaders builds the header set sent upstream.
func outboundHeaders(r *http.Request, token string, replaceAuth bool) http.Header {
	h := r.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	removeHopHeaders(h)
	for _, name := range gatewayHeaders {
		h.Del(name)
	}
	if replaceAuth {
		h.Del("Authorization")
	}
	if h.Get("Authorization") == "" && token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	setForwardedHeaders(h, r)
	return h
}

func setForwardedHeaders(h http.Header, r *http.Request) {
	if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && clientIP != "" {
		if prior := h.Values("X-Forwarded-For"); len(prior) > 0 {
			clientIP = strings.Join(prior, ", ") + ", " + clientIP
		}
		h.Set("X-Forwarded-For", clientIP)
	}
	if r.Host != "" {
		h.Set("X-Forwarded-Host", r.Host)
	}
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	h.Set("X-Forwarded-Proto", proto)
}
