// Package hardening refuses to start a production deployment with an
// insecure configuration: plaintext database transport, wildcard CORS,
// or missing service secrets.
package hardening

import (
	"fmt"
	"strings"
)

// EnvRequirement names a secret the deployment must carry, such as the
// payment gateway key when demo mode is off.
type EnvRequirement struct {
	Name  string
	Value string
}

type Options struct {
	Service                string
	Environment            string
	StrictProdSecurity     string
	DatabaseRequireTLS     string
	SessionSecret          string
	RedisAddr              string
	RedisRequireTLS        string
	RedisTLSInsecure       string
	RedisAllowInsecureTLS  string
	CORSAllowedOrigins     string
	RequiredServiceSecrets []EnvRequirement
}

// ValidateProduction is a no-op outside production-like environments and
// when STRICT_PROD_SECURITY is explicitly switched off. Otherwise the
// first violated rule aborts startup.
func ValidateProduction(o Options) error {
	if !deployedEnv(o.Environment) || !boolOr(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	if !boolOr(o.DatabaseRequireTLS, false) {
		return refuse(service, "requires DATABASE_REQUIRE_TLS=true")
	}
	if strings.TrimSpace(o.SessionSecret) == "" {
		return refuse(service, "requires SESSION_SECRET")
	}
	if err := checkRedis(o, service); err != nil {
		return err
	}
	if err := checkOrigins(o.CORSAllowedOrigins, service); err != nil {
		return err
	}
	for _, req := range o.RequiredServiceSecrets {
		name := strings.TrimSpace(req.Name)
		if name == "" {
			continue
		}
		if strings.TrimSpace(req.Value) == "" {
			return refuse(service, "requires "+name)
		}
	}
	return nil
}

// checkRedis only applies when an address is configured; a deployment
// without redis degrades to in-memory fallbacks instead.
func checkRedis(o Options, service string) error {
	if strings.TrimSpace(o.RedisAddr) == "" {
		return nil
	}
	if !boolOr(o.RedisRequireTLS, false) {
		return refuse(service, "requires REDIS_REQUIRE_TLS=true")
	}
	if boolOr(o.RedisTLSInsecure, false) || boolOr(o.RedisAllowInsecureTLS, false) {
		return refuse(service, "forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS")
	}
	return nil
}

// checkOrigins wants at least one explicit HTTPS frontend origin. The
// wildcard and loopback hosts that are fine on a dev laptop are refused.
func checkOrigins(raw, service string) error {
	seen := 0
	for _, origin := range strings.Split(raw, ",") {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		seen++
		lower := strings.ToLower(origin)
		if lower == "*" {
			return refuse(service, "forbids CORS wildcard origin")
		}
		scheme, rest, ok := strings.Cut(lower, "://")
		host := rest
		if i := strings.IndexAny(host, ":/"); i >= 0 {
			host = host[:i]
		}
		if host == "localhost" || host == "127.0.0.1" {
			return refuse(service, fmt.Sprintf("forbids localhost CORS origin %q", origin))
		}
		if !ok || scheme != "https" {
			return refuse(service, fmt.Sprintf("requires HTTPS CORS origin, got %q", origin))
		}
	}
	if seen == 0 {
		return refuse(service, "requires explicit CORS_ALLOWED_ORIGINS")
	}
	return nil
}

func refuse(service, rule string) error {
	return fmt.Errorf("%s: strict production hardening %s", service, rule)
}

func boolOr(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func deployedEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	}
	return false
}
