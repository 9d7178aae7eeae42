package api

import (
	"net/http"
	"strings"
	"time"
)

// SessionCookieName carries the access JWT for browser clients such as the
// tester UI. API clients send the same token as a bearer header instead.
const SessionCookieName = "cloudlocker_session"

// SessionCookieSecureMode decides when the session cookie is marked Secure.
type SessionCookieSecureMode int

const (
	// SessionCookieSecureAuto marks the cookie Secure only on HTTPS requests,
	// directly or behind a TLS-terminating proxy.
	SessionCookieSecureAuto SessionCookieSecureMode = iota
	// SessionCookieSecureAlways is used in production.
	SessionCookieSecureAlways
)

// SessionCookiePolicy holds the attributes applied to every session cookie
// the API sets or clears.
type SessionCookiePolicy struct {
	SameSite   http.SameSite
	SecureMode SessionCookieSecureMode
}

// DefaultSessionCookiePolicy keeps the token off cross-site requests.
func DefaultSessionCookiePolicy() SessionCookiePolicy {
	return SessionCookiePolicy{SameSite: http.SameSiteStrictMode, SecureMode: SessionCookieSecureAuto}
}

func (h *Handler) sessionCookiePolicy() SessionCookiePolicy {
	policy := h.SessionCookiePolicy
	if policy.SameSite == 0 {
		policy.SameSite = http.SameSiteStrictMode
	}
	return policy
}

// sessionCookie builds the cookie carrying token. The cookie lives exactly
// as long as the JWT inside it; an empty token with a zero expiry deletes it.
func (p SessionCookiePolicy) sessionCookie(r *http.Request, token string, expires time.Time) *http.Cookie {
	cookie := &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   p.SecureMode == SessionCookieSecureAlways || requestIsHTTPS(r),
		SameSite: p.SameSite,
	}
	if token == "" {
		cookie.Expires = time.Unix(0, 0).UTC()
		cookie.MaxAge = -1
		return cookie
	}
	cookie.Expires = expires.UTC()
	cookie.MaxAge = max(int(time.Until(expires).Seconds()), 0)
	return cookie
}

func setSessionCookie(w http.ResponseWriter, r *http.Request, token string, expires time.Time, policy SessionCookiePolicy) {
	if token == "" {
		return
	}
	http.SetCookie(w, policy.sessionCookie(r, token, expires))
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, r *http.Request, token string, expires time.Time) {
	setSessionCookie(w, r, token, expires, h.sessionCookiePolicy())
}

// ClearSessionCookie expires the session cookie, for logout and for requests
// whose cookie carried a revoked or expired JWT.
func (h *Handler) ClearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, h.sessionCookiePolicy().sessionCookie(r, "", time.Time{}))
}

// sessionCookieToken returns the JWT from the session cookie, if any.
func sessionCookieToken(r *http.Request) string {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

func requestIsHTTPS(r *http.Request) bool {
	switch {
	case r == nil:
		return false
	case r.TLS != nil:
		return true
	case r.URL != nil && strings.EqualFold(r.URL.Scheme, "https"):
		return true
	}
	for _, proto := range strings.Split(r.Header.Get("X-Forwarded-Proto"), ",") {
		if strings.EqualFold(strings.TrimSpace(proto), "https") {
			return true
		}
	}
	return false
}
