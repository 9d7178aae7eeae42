package proxy

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Table is a routing table read from disk.
type Table struct {
	DefaultTimeout time.Duration
	Upstreams      []Upstream
	Routes         []Route
}

type tableFile struct {
	DefaultTimeout string          `yaml:"defaultTimeout" toml:"default_timeout"`
	Upstreams      []upstreamEntry `yaml:"upstreams" toml:"upstreams"`
	Routes         []routeEntry    `yaml:"routes" toml:"routes"`
}

type upstreamEntry struct {
	Name     string `yaml:"name" toml:"name"`
	BaseURL  string `yaml:"baseURL" toml:"base_url"`
	Token    string `yaml:"token" toml:"token"`
	TokenEnv string `yaml:"tokenEnv" toml:"token_env"`
}

type routeEntry struct {
	Name         string   `yaml:"name" toml:"name"`
	Method       string   `yaml:"method" toml:"method"`
	Methods      []string `yaml:"methods" toml:"methods"`
	Path         string   `yaml:"path" toml:"path"`
	UpstreamPath string   `yaml:"upstreamPath" toml:"upstream_path"`
	Timeout      string   `yaml:"timeout" toml:"timeout"`
	RequireAuth  *bool    `yaml:"requireAuth" toml:"require_auth"`
	Upstream     string   `yaml:"upstream" toml:"upstream"`
}

// LoadTable reads a routing table from a .yaml, .yml, or .toml file. Routes
// require authentication unless they opt out. Upstream tokens may be read from
// the environment through tokenEnv so secrets stay out of the file.
func LoadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("read route table: %w", err)
	}
	var file tableFile
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(&file); err != nil {
			return Table{}, fmt.Errorf("decode route table %s: %w", path, err)
		}
	case ".toml":
		meta, err := toml.Decode(string(data), &file)
		if err != nil {
			return Table{}, fmt.Errorf("decode route table %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return Table{}, fmt.Errorf("decode route table %s: unknown key %s", path, undecoded[0])
		}
	default:
		return Table{}, fmt.Errorf("route table %s: unsupported extension %q", path, ext)
	}
	return file.table()
}

func (f tableFile) table() (Table, error) {
	var table Table
	if f.DefaultTimeout != "" {
		timeout, err := time.ParseDuration(f.DefaultTimeout)
		if err != nil {
			return Table{}, fmt.Errorf("parse defaultTimeout: %w", err)
		}
		table.DefaultTimeout = timeout
	}
	for _, entry := range f.Upstreams {
		token := entry.Token
		if entry.TokenEnv != "" {
			token = strings.TrimSpace(os.Getenv(entry.TokenEnv))
		}
		table.Upstreams = append(table.Upstreams, Upstream{Name: entry.Name, BaseURL: entry.BaseURL, Token: token})
	}
	for i, entry := range f.Routes {
		route := Route{
			Name:         entry.Name,
			Methods:      entry.Methods,
			Path:         entry.Path,
			UpstreamPath: entry.UpstreamPath,
			RequireAuth:  true,
			Upstream:     entry.Upstream,
		}
		if entry.Method != "" {
			route.Methods = append([]string{entry.Method}, route.Methods...)
		}
		if entry.RequireAuth != nil {
			route.RequireAuth = *entry.RequireAuth
		}
		if entry.Timeout != "" {
			timeout, err := time.ParseDuration(entry.Timeout)
			if err != nil {
				return Table{}, fmt.Errorf("route %d: parse timeout: %w", i, err)
			}
			route.Timeout = timeout
		}
		table.Routes = append(table.Routes, route)
	}
	return table, nil
}
