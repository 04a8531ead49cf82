package config

import (
	"fmt"
	"strings"
)

// Options is the connect bag accumulated from repeated key=value tokens.
// Keys are lowercased; later values for the same key override earlier ones.
// Insertion order is preserved so adapters can log the bag deterministically.
type Options struct {
	keys   []string
	values map[string]string
}

// NewOptions returns an empty bag.
func NewOptions() *Options {
	return &Options{values: make(map[string]string)}
}

// ParseConnect builds an Options bag from repeated "key=value" tokens.
// A bare "endpoint=<locator>" token is the historical spelling for the
// distributed-bus endpoint key and is accepted as-is.
func ParseConnect(tokens []string) (*Options, error) {
	opts := NewOptions()
	for _, tok := range tokens {
		k, v, found := strings.Cut(tok, "=")
		if !found {
			return nil, fmt.Errorf("connect option %q is not key=value", tok)
		}
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			return nil, fmt.Errorf("connect option %q has an empty key", tok)
		}
		opts.Set(k, v)
	}
	return opts, nil
}

// Set stores value under key, overriding any earlier value.
func (o *Options) Set(key, value string) {
	if _, seen := o.values[key]; !seen {
		o.keys = append(o.keys, key)
	}
	o.values[key] = value
}

// Get returns the value for key and whether it was present.
func (o *Options) Get(key string) (string, bool) {
	v, ok := o.values[key]
	return v, ok
}

// GetDefault returns the value for key, or def when absent.
func (o *Options) GetDefault(key, def string) string {
	if v, ok := o.values[key]; ok {
		return v
	}
	return def
}

// Keys returns the keys in first-insertion order.
func (o *Options) Keys() []string {
	out := make([]string, len(o.keys))
	copy(out, o.keys)
	return out
}

// Unknown returns the keys present in the bag but absent from recognized.
// Adapters warn about these and ignore them.
func (o *Options) Unknown(recognized []string) []string {
	known := make(map[string]struct{}, len(recognized))
	for _, k := range recognized {
		known[k] = struct{}{}
	}
	var unknown []string
	for _, k := range o.keys {
		if _, ok := known[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	return unknown
}
