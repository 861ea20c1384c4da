package app

import (
	"fmt"
	"net/url"
	"strings"

	"pingo/pkg/config"
)

// validateConfig performs quick, fail-fast validation of the effective
// configuration before starting long-running components. Keep checks
// light and focused so callers can surface user-friendly errors.
func validateConfig(eff config.EffectiveConfigResult) error {
	if eff.WSURL == "" {
		return fmt.Errorf("websocket URL is empty: set --ws flag, PINGO_WS_URL env, or gateway.ws_url in config")
	}
	if err := checkURL(eff.WSURL, "ws", "wss"); err != nil {
		return fmt.Errorf("invalid websocket URL: %w", err)
	}
	if eff.APIURL == "" {
		return fmt.Errorf("API URL is empty: set --api flag, PINGO_API_URL env, or gateway.api_url in config")
	}
	if err := checkURL(eff.APIURL, "http", "https"); err != nil {
		return fmt.Errorf("invalid API URL: %w", err)
	}

	// Duration strings fail here rather than mid-connect.
	if _, err := eff.Config.HeartbeatInterval(); err != nil {
		return fmt.Errorf("connection.heartbeat: %w", err)
	}
	if _, err := eff.Config.ReconnectBase(); err != nil {
		return fmt.Errorf("connection.reconnect_base: %w", err)
	}
	if _, err := eff.Config.DialTimeout(); err != nil {
		return fmt.Errorf("connection.dial_timeout: %w", err)
	}
	if _, err := eff.Config.Retention.IdleDuration(); err != nil {
		return fmt.Errorf("retention.idle_period: %w", err)
	}

	if n := eff.Config.Connection.MaxReconnectAttempts; n < 0 {
		return fmt.Errorf("connection.max_reconnect_attempts must not be negative, got %d", n)
	}
	if n := eff.Config.Send.MaxLength; n < 0 {
		return fmt.Errorf("send.max_length must not be negative, got %d", n)
	}
	return nil
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("missing host in %q", raw)
			}
			return nil
		}
	}
	return fmt.Errorf("scheme %q not in [%s]", u.Scheme, strings.Join(schemes, ", "))
}
