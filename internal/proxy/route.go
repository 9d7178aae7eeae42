package proxy

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// DefaultUpstream is the upstream a route targets when it names none.
const DefaultUpstream = "default"

var (
	ErrMissingParam = errors.New("route parameter missing")
)

// Route maps an inbound chi pattern onto an upstream path template. Both use
// {name} placeholders; the pattern may also carry chi regexp constraints
// such as {id:[0-9]+}.
type Route struct {
	Name         string
	Methods      []string
	Path         string
	UpstreamPath string
	// Timeout is the longest the exchange may stall, not a total deadline.
	Timeout     time.Duration
	RequireAuth bool
	Upstream    string
}

// UpstreamName returns the upstream the route targets.
func (r Route) UpstreamName() string {
	if name := strings.TrimSpace(r.Upstream); name != "" {
		return name
	}
	return DefaultUpstream
}

// Label returns a stable identifier for logs and metrics.
func (r Route) Label() string {
	if name := strings.TrimSpace(r.Name); name != "" {
		return name
	}
	return r.Path
}

var knownMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodHead:    {},
	http.MethodPost:    {},
	http.MethodPut:     {},
	http.MethodPatch:   {},
	http.MethodDelete:  {},
	http.MethodOptions: {},
}

// normalize upper-cases and dedupes methods, defaulting to GET.
func (r Route) normalize() Route {
	r.Name = strings.TrimSpace(r.Name)
	r.Path = strings.TrimSpace(r.Path)
	r.UpstreamPath = strings.TrimSpace(r.UpstreamPath)
	r.Upstream = strings.TrimSpace(r.Upstream)
	seen := make(map[string]struct{}, len(r.Methods))
	methods := make([]string, 0, len(r.Methods))
	for _, method := range r.Methods {
		m := strings.ToUpper(strings.TrimSpace(method))
		if m == "" {
			continue
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		methods = append(methods, m)
	}
	if len(methods) == 0 {
		methods = []string{http.MethodGet}
	}
	sort.Strings(methods)
	r.Methods = methods
	if r.UpstreamPath == "" {
		r.UpstreamPath = r.Path
	}
	return r
}

func (r Route) validate() error {
	if r.Path == "" || !strings.HasPrefix(r.Path, "/") {
		return fmt.Errorf("route %q: path must start with /", r.Label())
	}
	if !strings.HasPrefix(r.UpstreamPath, "/") {
		return fmt.Errorf("route %q: upstream path must start with /", r.Label())
	}
	if r.Timeout < 0 {
		return fmt.Errorf("route %q: timeout cannot be negative", r.Label())
	}
	for _, method := range r.Methods {
		if _, ok := knownMethods[method]; !ok {
			return fmt.Errorf("route %q: unsupported method %s", r.Label(), method)
		}
	}
	patternParams, err := placeholders(r.Path, true)
	if err != nil {
		return fmt.Errorf("route %q: %w", r.Label(), err)
	}
	templateParams, err := placeholders(r.UpstreamPath, false)
	if err != nil {
		return fmt.Errorf("route %q: %w", r.Label(), err)
	}
	available := make(map[string]struct{}, len(patternParams))
	for _, name := range patternParams {
		available[name] = struct{}{}
	}
	for _, name := range templateParams {
		if _, ok := available[name]; !ok {
			return fmt.Errorf("route %q: upstream placeholder {%s} not in path", r.Label(), name)
		}
	}
	return nil
}

// NormalizeRoutes normalizes every route and rejects invalid entries and
// duplicate method+path pairs. upstreams lists the configured upstream names;
// nil skips the upstream check.
func NormalizeRoutes(routes []Route, upstreams []string) ([]Route, error) {
	var known map[string]struct{}
	if upstreams != nil {
		known = make(map[string]struct{}, len(upstreams))
		for _, name := range upstreams {
			known[name] = struct{}{}
		}
	}
	seen := make(map[string]string, len(routes))
	normalized := make([]Route, 0, len(routes))
	for _, route := range routes {
		route = route.normalize()
		if err := route.validate(); err != nil {
			return nil, err
		}
		if known != nil {
			if _, ok := known[route.UpstreamName()]; !ok {
				return nil, fmt.Errorf("route %q: unknown upstream %q", route.Label(), route.UpstreamName())
			}
		}
		for _, method := range route.Methods {
			key := method + " " + route.Path
			if other, dup := seen[key]; dup {
				return nil, fmt.Errorf("route %q: %s %s already handled by %q", route.Label(), method, route.Path, other)
			}
			seen[key] = route.Label()
		}
		normalized = append(normalized, route)
	}
	return normalized, nil
}

// placeholders lists the {name} segments of a pattern. Patterns may carry a
// chi regexp after a colon; templates may not.
func placeholders(pattern string, allowRegexp bool) ([]string, error) {
	var names []string
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == '}' {
			return nil, fmt.Errorf("unbalanced } in %q", pattern)
		}
		if pattern[i] != '{' {
			continue
		}
		depth := 1
		j := i + 1
		for ; j < len(pattern) && depth > 0; j++ {
			switch pattern[j] {
			case '{':
				depth++
			case '}':
				depth--
			}
		}
		if depth != 0 {
			return nil, fmt.Errorf("unbalanced { in %q", pattern)
		}
		inner := pattern[i+1 : j-1]
		name := inner
		if idx := strings.IndexByte(inner, ':'); idx >= 0 {
			if !allowRegexp {
				return nil, fmt.Errorf("upstream template %q cannot use regexp placeholders", pattern)
			}
			name = inner[:idx]
		}
		if name == "" {
			return nil, fmt.Errorf("empty placeholder in %q", pattern)
		}
		names = append(names, name)
		i = j - 1
	}
	return names, nil
}

// expandTemplate substitutes {name} placeholders with path-escaped values.
func expandTemplate(template string, param func(string) string) (string, error) {
	var b strings.Builder
	b.Grow(len(template))
	for i := 0; i < len(template); i++ {
		if template[i] != '{' {
			b.WriteByte(template[i])
			continue
		}
		end := strings.IndexByte(template[i:], '}')
		if end < 0 {
			return "", fmt.Errorf("unbalanced { in %q", template)
		}
		name := template[i+1 : i+end]
		value := param(name)
		if value == "" {
			return "", fmt.Errorf("%w: %s", ErrMissingParam, name)
		}
		b.WriteString(url.PathEscape(value))
		i += end
	}
	return b.String(), nil
}

// DefaultRoutes is the compiled-in routing table for the file storage API.
func DefaultRoutes() []Route {
	return []Route{
		{Name: "files-list", Methods: []string{http.MethodGet}, Path: "/files", UpstreamPath: "/v1/files", RequireAuth: true},
		{Name: "files-upload", Methods: []string{http.MethodPost}, Path: "/files", UpstreamPath: "/v1/files", RequireAuth: true, Timeout: 10 * time.Minute},
		{Name: "file-get", Methods: []string{http.MethodGet, http.MethodHead}, Path: "/files/{id}", UpstreamPath: "/v1/files/{id}", RequireAuth: true},
		{Name: "file-update", Methods: []string{http.MethodPatch}, Path: "/files/{id}", UpstreamPath: "/v1/files/{id}", RequireAuth: true},
		{Name: "file-delete", Methods: []string{http.MethodDelete}, Path: "/files/{id}", UpstreamPath: "/v1/files/{id}", RequireAuth: true},
		{Name: "file-meta", Methods: []string{http.MethodGet}, Path: "/files/{id}/meta", UpstreamPath: "/v1/files/{id}/meta", RequireAuth: true},
		{Name: "file-download", Methods: []string{http.MethodGet}, Path: "/files/{id}/download", UpstreamPath: "/v1/files/{id}/download", RequireAuth: true, Timeout: 10 * time.Minute},
		{Name: "folders-list", Methods: []string{http.MethodGet}, Path: "/folders", UpstreamPath: "/v1/folders", RequireAuth: true},
		{Name: "folder-create", Methods: []string{http.MethodPost}, Path: "/folders", UpstreamPath: "/v1/folders", RequireAuth: true},
		{Name: "folder-get", Methods: []string{http.MethodGet, http.MethodDelete}, Path: "/folders/{id}", UpstreamPath: "/v1/folders/{id}", RequireAuth: true},
		{Name: "public-link", Methods: []string{http.MethodGet}, Path: "/public/{token}", UpstreamPath: "/v1/public/{token}"},
	}
}
