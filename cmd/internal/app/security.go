package app

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"

	"github.com/dcSpark/urbit-visor/cmd/security/password"
)

// ValidateSecurityConfig enforces the broker's startup security policy.
//
// The broker holds decrypted ship credentials while unlocked, so it refuses
// to listen beyond loopback unless explicitly allowed, and never combines a
// public listener with the websocket dev escape hatch.
func ValidateSecurityConfig(cfg Config) (password.Config, error) {
	pw, err := password.FromEnv()
	if err != nil {
		return password.Config{}, fmt.Errorf("security policy: %w", err)
	}

	public, err := isPublicBind(cfg.HTTPAddr)
	if err != nil {
		return password.Config{}, fmt.Errorf("security policy: invalid VISOR_HTTP_ADDR: %w", err)
	}
	if public && !cfg.AllowPublicBind {
		return password.Config{}, errors.New("security policy: VISOR_HTTP_ADDR is not loopback; set VISOR_ALLOW_PUBLIC_BIND=true to accept")
	}
	if public && cfg.WSDevInsecure {
		return password.Config{}, errors.New("security policy: VISOR_WS_DEV_INSECURE is not allowed on a public listener")
	}
	if public && slices.Contains(cfg.CORSAllowedOrigins, "*") && cfg.CORSAllowCredentials {
		return password.Config{}, errors.New("security policy: wildcard CORS with credentials is not allowed on a public listener")
	}
	return pw, nil
}

func isPublicBind(addr string) (bool, error) {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return false, err
	}
	switch strings.ToLower(host) {
	case "localhost":
		return false, nil
	case "":
		return true, nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		// A hostname may resolve anywhere.
		return true, nil
	}
	return !ip.IsLoopback(), nil
}
