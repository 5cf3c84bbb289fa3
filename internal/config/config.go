// Package config implements the flat key/value configuration surface
// described by the runtime core: components ask for a typed value by
// key and a default, exactly like the original MainConfig::get<T>.
//
// Loading the map itself (from a file, env, or flags) is an external
// collaborator's job; this package only reads one that's already been
// built.
package config

import (
	"strconv"
	"time"
)

// Map is a flat key/value configuration surface, the Go rendering of
// the original MainConfig singleton.
type Map map[string]string

// New builds a Map from a set of key/value pairs, mirroring the way
// the teacher assembles ad hoc maps from os.Getenv calls in main.go.
func New(kv map[string]string) Map {
	m := make(Map, len(kv))
	for k, v := range kv {
		m[k] = v
	}
	return m
}

// GetString returns the raw string for key, or def if absent.
func (m Map) GetString(key, def string) string {
	if v, ok := m[key]; ok && v != "" {
		return v
	}
	return def
}

// GetInt parses key as an int, returning def on absence or parse error.
func (m Map) GetInt(key string, def int) int {
	v, ok := m[key]
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// GetUint64 parses key as a uint64, returning def on absence or parse error.
func (m Map) GetUint64(key string, def uint64) uint64 {
	v, ok := m[key]
	if !ok || v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// GetBool parses key as a bool, returning def on absence or parse error.
func (m Map) GetBool(key string, def bool) bool {
	v, ok := m[key]
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// GetMillis parses key as milliseconds and returns it as a time.Duration.
func (m Map) GetMillis(key string, defMillis int64) time.Duration {
	v, ok := m[key]
	if !ok || v == "" {
		return time.Duration(defMillis) * time.Millisecond
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Duration(defMillis) * time.Millisecond
	}
	return time.Duration(n) * time.Millisecond
}

// Clamp restricts v to the inclusive range [lo, hi].
func Clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
