package main

import (
	"net/url"
	"strings"

	"cloudlocker/internal/proxy"
	"cloudlocker/internal/server"
)

type startupSummaryInput struct {
	Mode          string
	Addr          string
	StorageDriver string
	StoragePath   string
	MongoURI      string
	MongoDatabase string
	Revocation    revocationStoreConfig
	RateLimit     server.RateLimitConfig
	Mailer        string
	KafkaBrokers  []string
	Upstreams     []proxy.Upstream
	RouteCount    int
	Tracing       bool
	TLS           bool
}

// startupSummary is logged once at boot so operators can confirm which
// backends a replica is talking to. Credentials are redacted.
type startupSummary struct {
	args []any
}

func newStartupSummary(in startupSummaryInput) startupSummary {
	datastore := map[string]any{"driver": in.StorageDriver}
	switch in.StorageDriver {
	case "mongo":
		datastore["uri"] = redactURL(in.MongoURI)
		datastore["database"] = in.MongoDatabase
	default:
		datastore["path"] = in.StoragePath
	}

	revocation := map[string]any{"driver": in.Revocation.Driver}
	switch in.Revocation.Driver {
	case "redis":
		revocation["addr"] = in.Revocation.Addr
	case "postgres":
		revocation["dsn"] = redactURL(in.Revocation.DSN)
	}

	login := map[string]any{"driver": "memory", "limit": in.RateLimit.LoginLimit}
	if in.RateLimit.RedisAddr != "" && in.RateLimit.LoginLimit > 0 {
		login["driver"] = "redis"
		login["addr"] = in.RateLimit.RedisAddr
	}

	eventsSummary := map[string]any{"driver": "noop"}
	if len(in.KafkaBrokers) > 0 {
		eventsSummary["driver"] = "kafka"
		eventsSummary["brokers"] = strings.Join(in.KafkaBrokers, ",")
	}

	upstreams := make([]string, 0, len(in.Upstreams))
	for _, upstream := range in.Upstreams {
		upstreams = append(upstreams, upstream.Name+"="+redactURL(upstream.BaseURL))
	}
	proxySummary := map[string]any{
		"enabled":   len(in.Upstreams) > 0,
		"upstreams": upstreams,
		"routes":    in.RouteCount,
	}

	return startupSummary{args: []any{
		"mode", in.Mode,
		"addr", in.Addr,
		"tls", in.TLS,
		"datastore", datastore,
		"revocation_store", revocation,
		"login_throttle", login,
		"mailer", in.Mailer,
		"events", eventsSummary,
		"proxy", proxySummary,
		"tracing", in.Tracing,
	}}
}

func (s startupSummary) LogArgs() []any {
	return s.args
}

// redactURL masks any password in raw. Values that do not parse are replaced
// entirely so a malformed DSN never leaks.
func redactURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" {
		return "*****"
	}
	return parsed.Redacted()
}
