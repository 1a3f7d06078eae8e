// Package cors builds a go-chi/cors middleware from environment-driven
// Options. Unlike the rest of the orchestrator's runtime configuration,
// which internal/config loads from a YAML file with environment overrides,
// CORS settings come from the process environment alone.
package cors

import (
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/cors"
)

// Options configures the CORS middleware. The zero value is the
// development default: any origin, the common verbs, no credentials.
type Options struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAge           int
}

var defaultMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
var defaultHeaders = []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"}

// FromEnvironment reads CORS_ALLOWED_ORIGINS, CORS_ALLOWED_METHODS,
// CORS_ALLOWED_HEADERS, CORS_EXPOSED_HEADERS, CORS_ALLOW_CREDENTIALS and
// CORS_MAX_AGE. Leaving CORS_ALLOWED_ORIGINS unset defaults to "*" so
// local development works without any configuration.
func FromEnvironment() *Options {
	opts := &Options{
		AllowedOrigins: splitOrDefault("CORS_ALLOWED_ORIGINS", []string{"*"}),
		AllowedMethods: splitOrDefault("CORS_ALLOWED_METHODS", defaultMethods),
		AllowedHeaders: splitOrDefault("CORS_ALLOWED_HEADERS", defaultHeaders),
		ExposedHeaders: splitOrDefault("CORS_EXPOSED_HEADERS", nil),
		MaxAge:         300,
	}
	if v := os.Getenv("CORS_ALLOW_CREDENTIALS"); v != "" {
		opts.AllowCredentials, _ = strconv.ParseBool(v)
	}
	if v := os.Getenv("CORS_MAX_AGE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.MaxAge = n
		}
	}
	return opts
}

func splitOrDefault(envVar string, fallback []string) []string {
	v := os.Getenv(envVar)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// IsProduction reports whether this configuration is safe for a production
// deployment: a non-empty, non-wildcard origin whitelist. A bare "*" or an
// empty list either opens the API to every origin or signals a forgotten
// deployment setting, so both are flagged as insecure.
func (o *Options) IsProduction() bool {
	if len(o.AllowedOrigins) == 0 {
		return false
	}
	for _, origin := range o.AllowedOrigins {
		if origin == "*" {
			return false
		}
	}
	return true
}

// Handler builds the go-chi/cors middleware for opts. MaxAge is expressed
// in seconds per the Access-Control-Max-Age header's unit, so the duration
// equivalent is only used internally by go-chi/cors's own plumbing.
func Handler(opts *Options) func(http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   opts.AllowedMethods,
		AllowedHeaders:   opts.AllowedHeaders,
		ExposedHeaders:   opts.ExposedHeaders,
		AllowCredentials: opts.AllowCredentials,
		MaxAge:           opts.MaxAge,
	})
	return c.Handler
}
