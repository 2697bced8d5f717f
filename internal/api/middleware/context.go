package middleware

import (
	"context"
	"net/http"
)

type contextKey string

const (
	roleKey        contextKey = "role"
	keyPrefixKey   contextKey = "key_prefix"
	apiNetworksKey contextKey = "api_networks"
)

func setRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleKey, role)
}

func getRole(r *http.Request) (string, bool) {
	role, ok := r.Context().Value(roleKey).(string)
	return role, ok
}

func setKeyPrefix(ctx context.Context, prefix string) context.Context {
	return context.WithValue(ctx, keyPrefixKey, prefix)
}

func getKeyPrefix(r *http.Request) (string, bool) {
	prefix, ok := r.Context().Value(keyPrefixKey).(string)
	return prefix, ok
}

// SetAPINetworks records the caller's network grant in the context.
func SetAPINetworks(ctx context.Context, networks []string) context.Context {
	return context.WithValue(ctx, apiNetworksKey, networks)
}

// GetAPINetworks returns the caller's network grant. The public storage
// handlers use it to restrict what data the caller may see.
func GetAPINetworks(r *http.Request) []string {
	networks, _ := r.Context().Value(apiNetworksKey).([]string)
	return networks
}
