package entities

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// LoaderRef is everything needed to instantiate an isolated execution
// context: a code location and a free-form options bag. The sandbox
// passes it through to the spawner without interpreting it.
type LoaderRef struct {
	// Options are spawner-specific settings (arguments, environment, manifest...).
	Options map[string]any `json:"options,omitempty" yaml:"options,omitempty"`

	// URL locates the plugin code, e.g. "exec:///usr/lib/plugs/tasks",
	// "wasm://plugs/query.wasm" or "inproc://echo".
	URL string `json:"url" yaml:"url" validate:"required"`
}

// ParseLoaderRef builds a LoaderRef from a URL string.
func ParseLoaderRef(raw string, options map[string]any) (LoaderRef, error) {
	if _, err := url.Parse(raw); err != nil {
		return LoaderRef{}, fmt.Errorf("invalid plugin url %q: %w", raw, err)
	}
	if !strings.Contains(raw, "://") {
		return LoaderRef{}, fmt.Errorf("plugin url %q has no scheme", raw)
	}
	return LoaderRef{URL: raw, Options: options}, nil
}

// Scheme returns the URL scheme, which selects the spawner.
func (r LoaderRef) Scheme() string {
	scheme, _, ok := strings.Cut(r.URL, "://")
	if !ok {
		return ""
	}
	return strings.ToLower(scheme)
}

// Location returns the part of the URL after "scheme://".
func (r LoaderRef) Location() string {
	_, rest, ok := strings.Cut(r.URL, "://")
	if !ok {
		return r.URL
	}
	return rest
}

// String returns the URL.
func (r LoaderRef) String() string {
	return r.URL
}

// StringOption returns a string option or def when absent or not a string.
func (r LoaderRef) StringOption(key, def string) string {
	if v, ok := r.Options[key].(string); ok && v != "" {
		return v
	}
	return def
}

// StringsOption returns a list-of-strings option. Both []string and
// []any holding strings are accepted.
func (r LoaderRef) StringsOption(key string) ([]string, error) {
	switch v := r.Options[key].(type) {
	case nil:
		return nil, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for i, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("option %s[%d]: expected string, got %T", key, i, e)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("option %s: expected list of strings, got %T", key, v)
	}
}

// StringMapOption returns a map-of-strings option as KEY=VALUE pairs
// sorted by key.
func (r LoaderRef) StringMapOption(key string) ([]string, error) {
	vars := make(map[string]string)
	switch v := r.Options[key].(type) {
	case nil:
		return nil, nil
	case map[string]string:
		for k, val := range v {
			vars[k] = val
		}
	case map[string]any:
		for k, val := range v {
			s, ok := val.(string)
			if !ok {
				return nil, fmt.Errorf("option %s.%s: expected string, got %T", key, k, val)
			}
			vars[k] = s
		}
	default:
		return nil, fmt.Errorf("option %s: expected map of strings, got %T", key, v)
	}

	out := make([]string, 0, len(vars))
	for k, v := range vars {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}
